package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/relaygate/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// brokenStore fails every lookup the way a dropped database connection does.
type brokenStore struct{ *MemoryStore }

func (brokenStore) GetByHash(context.Context, string) (*APIKey, error) {
	return nil, errors.New("pq: connection reset by peer")
}

func partnerRouter(m *Manager) *gin.Engine {
	r := gin.New()
	r.Use(RequirePartner(m))
	r.GET("/v1/check", func(c *gin.Context) {
		key, ok := GetAPIKey(c)
		c.JSON(http.StatusOK, gin.H{
			"partner":    PartnerID(c),
			"ctxPartner": logging.PartnerID(c.Request.Context()),
			"keyFound":   ok && key != nil,
		})
	})
	return r
}

func TestRequirePartner(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(NewMemoryStore())
	raw, _, err := mgr.GenerateKey(ctx, "acme", "live", 0)
	require.NoError(t, err)
	revokedRaw, revoked, err := mgr.GenerateKey(ctx, "acme", "old", 0)
	require.NoError(t, err)
	require.NoError(t, mgr.RevokeKey(ctx, "acme", revoked.ID))

	tests := []struct {
		name      string
		header    string
		value     string
		wantCode  int
		wantError string
	}{
		{"bearer key", "Authorization", "Bearer " + raw, http.StatusOK, ""},
		{"x-api-key header", "X-API-Key", raw, http.StatusOK, ""},
		{"no key", "", "", http.StatusUnauthorized, "unauthorized"},
		{"unknown key", "Authorization", "Bearer sk_invalid", http.StatusForbidden, "forbidden"},
		{"revoked key", "Authorization", "Bearer " + revokedRaw, http.StatusForbidden, "forbidden"},
	}
	r := partnerRouter(mgr)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/check", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			if tt.wantError != "" {
				assert.Contains(t, w.Body.String(), `"error":"`+tt.wantError+`"`)
				return
			}
			assert.JSONEq(t, `{"partner":"acme","ctxPartner":"acme","keyFound":true}`, w.Body.String())
		})
	}
}

func TestRequirePartner_ChallengeOnMissingKey(t *testing.T) {
	w := httptest.NewRecorder()
	partnerRouter(NewManager(NewMemoryStore())).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/check", nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, `Bearer realm="relaygate"`, w.Header().Get("WWW-Authenticate"))
}

func TestRequirePartner_StoreOutageIs503(t *testing.T) {
	mgr := NewManager(brokenStore{NewMemoryStore()})

	req := httptest.NewRequest(http.MethodGet, "/v1/check", nil)
	req.Header.Set("Authorization", "Bearer sk_"+hashKey("anything"))
	w := httptest.NewRecorder()
	partnerRouter(mgr).ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "auth_unavailable")
	assert.Empty(t, w.Header().Get("WWW-Authenticate"))
}

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		header   string
		wantCode int
	}{
		{"correct secret", "s3cret", "s3cret", http.StatusOK},
		{"wrong secret", "s3cret", "guess", http.StatusForbidden},
		{"missing header", "s3cret", "", http.StatusForbidden},
		{"disabled", "", "anything", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(RequireAdmin(tt.secret))
			r.GET("/v1/admin/stats", func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(http.MethodGet, "/v1/admin/stats", nil)
			if tt.header != "" {
				req.Header.Set(AdminSecretHeader, tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.wantCode, w.Code)
		})
	}
}

func TestContextAccessors_Unauthenticated(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	_, ok := GetAPIKey(c)
	assert.False(t, ok)
	assert.Empty(t, PartnerID(c))
}
