package traces

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/relaygate/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	return rec
}

func attr(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestSetup_NoEndpoint(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	shutdown, err := Setup(context.Background(), Config{Version: "test"}, logger)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	assert.Contains(t, Sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, Sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, Sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}

func TestStartSpanAndFail(t *testing.T) {
	rec := recordSpans(t)

	_, span := StartSpan(context.Background(), "decision.Decide", Address("0xabc"), Score(70))
	Fail(span, errors.New("boom"), "lookup failed")
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "decision.Decide", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "lookup failed", ended[0].Status().Description)

	v, ok := attr(ended[0], "wallet.address")
	require.True(t, ok)
	assert.Equal(t, "0xabc", v.AsString())
	v, ok = attr(ended[0], "risk.score")
	require.True(t, ok)
	assert.Equal(t, int64(70), v.AsInt64())
}

func TestMiddleware(t *testing.T) {
	rec := recordSpans(t)

	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/screen/:address", func(c *gin.Context) {
		c.Set(auth.ContextKeyPartnerID, "p1")
		// handlers see the server span as their parent
		_, child := StartSpan(c.Request.Context(), "child")
		child.End()
		c.Status(http.StatusOK)
	})
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01},
		SpanID:     trace.SpanID{0x02},
		TraceFlags: trace.FlagsSampled,
	})
	req := httptest.NewRequest(http.MethodGet, "/v1/screen/0xabc", nil)
	propagation.TraceContext{}.Inject(trace.ContextWithRemoteSpanContext(context.Background(), parent), propagation.HeaderCarrier(req.Header))
	r.ServeHTTP(httptest.NewRecorder(), req)

	ended := rec.Ended()
	require.Len(t, ended, 2)
	child, server := ended[0], ended[1]

	assert.Equal(t, "GET /v1/screen/:address", server.Name())
	assert.Equal(t, trace.SpanKindServer, server.SpanKind())
	assert.Equal(t, parent.TraceID(), server.SpanContext().TraceID(), "continues the caller's trace")
	assert.Equal(t, server.SpanContext().SpanID(), child.Parent().SpanID())
	v, ok := attr(server, "partner.id")
	require.True(t, ok)
	assert.Equal(t, "p1", v.AsString())
	v, ok = attr(server, "http.response.status_code")
	require.True(t, ok)
	assert.Equal(t, int64(200), v.AsInt64())
	assert.Equal(t, codes.Unset, server.Status().Code)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))
	ended = rec.Ended()
	require.Len(t, ended, 3)
	assert.Equal(t, codes.Error, ended[2].Status().Code)
	_, ok = attr(ended[2], "partner.id")
	assert.False(t, ok)
}
