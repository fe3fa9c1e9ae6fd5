// Package webhooks notifies partners about screening outcomes.
//
// Partners register HTTPS callbacks for the events they care about:
//   - decision.blocked: a check or relay was denied
//   - decision.alert: an allowed decision carried the alert status
//   - relay.broadcast: a raw transaction was sent to the chain
//
// Payloads are signed with HMAC-SHA256 using a per-subscription secret that
// is shown once at registration.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/relaygate/internal/metrics"
	"github.com/mbd888/relaygate/internal/realtime"
	"github.com/mbd888/relaygate/internal/retry"
	"github.com/mbd888/relaygate/internal/security"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventDecisionBlocked EventType = "decision.blocked"
	EventDecisionAlert   EventType = "decision.alert"
	EventRelayBroadcast  EventType = "relay.broadcast"
)

// AllEvents lists every event a partner can subscribe to.
var AllEvents = []EventType{EventDecisionBlocked, EventDecisionAlert, EventRelayBroadcast}

// ValidEvent reports whether t is a known event type.
func ValidEvent(t EventType) bool {
	for _, e := range AllEvents {
		if e == t {
			return true
		}
	}
	return false
}

// Signature headers sent with every delivery.
const (
	HeaderEvent     = "X-Relaygate-Event"
	HeaderTimestamp = "X-Relaygate-Timestamp"
	HeaderSignature = "X-Relaygate-Signature"
)

// MaxConsecutiveFailures deactivates a subscription after this many failed
// deliveries in a row.
const MaxConsecutiveFailures = 10

// ErrNotFound is returned for unknown subscriptions.
var ErrNotFound = errors.New("webhooks: subscription not found")

// Event represents a webhook event
type Event struct {
	ID        string             `json:"id"`
	Type      EventType          `json:"type"`
	Timestamp time.Time          `json:"timestamp"`
	Data      *realtime.Activity `json:"data"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string      `json:"id"`
	PartnerID           string      `json:"partnerId"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"`
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

// Wants reports whether the subscription is active and covers t.
func (s *Subscription) Wants(t EventType) bool {
	if !s.Active {
		return false
	}
	for _, e := range s.Events {
		if e == t {
			return true
		}
	}
	return false
}

// Delivery is the outcome of one delivery attempt chain. An empty Err is
// a success.
type Delivery struct {
	At  time.Time
	Err string
}

// Store persists webhook subscriptions. Partner-scoped writes report
// another partner's subscription as ErrNotFound.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByPartner(ctx context.Context, partnerID string) ([]*Subscription, error)
	// RecordDelivery applies d atomically: a success resets the failure
	// streak, a failure extends it and deactivates the subscription once
	// it reaches disableAfter. Returns the updated subscription.
	RecordDelivery(ctx context.Context, id string, d Delivery, disableAfter int) (*Subscription, error)
	// Reactivate re-enables a subscription and clears its failure streak.
	Reactivate(ctx context.Context, partnerID, id string) error
	Delete(ctx context.Context, partnerID, id string) error
}

// Dispatcher sends webhook events
type Dispatcher struct {
	store        Store
	client       *http.Client
	urlValidator func(string) error
	attempts     int
	baseDelay    time.Duration
	logger       *slog.Logger
	now          func() time.Time

	wg sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHTTPClient replaces the delivery client.
func WithHTTPClient(c *http.Client) DispatcherOption {
	return func(d *Dispatcher) { d.client = c }
}

// WithRetry sets delivery attempts and the first backoff delay.
func WithRetry(attempts int, baseDelay time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.attempts = attempts
		d.baseDelay = baseDelay
	}
}

// WithDispatcherLogger sets the logger for delivery failures.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		urlValidator: security.ValidateEndpointURL,
		attempts:     3,
		baseDelay:    500 * time.Millisecond,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DispatchToPartner starts delivery of event to each of the partner's
// subscriptions that want it. Deliveries run in the background.
func (d *Dispatcher) DispatchToPartner(ctx context.Context, partnerID string, event *Event) error {
	subs, err := d.store.ListByPartner(ctx, partnerID)
	if err != nil {
		return fmt.Errorf("failed to get subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Wants(event.Type) {
			continue
		}
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			d.deliver(sub, event)
		}(sub)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(sub *Subscription, event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	payload, err := json.Marshal(event)
	if err != nil {
		d.record(ctx, sub.ID, event.Type, fmt.Errorf("failed to marshal event: %w", err))
		return
	}

	// Re-check at send time; DNS may have changed since registration.
	if err := d.urlValidator(sub.URL); err != nil {
		d.record(ctx, sub.ID, event.Type, err)
		return
	}

	err = retry.Do(ctx, d.attempts, d.baseDelay, func() error {
		return d.send(ctx, sub, event, payload)
	})
	d.record(ctx, sub.ID, event.Type, err)
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// record stores the delivery outcome and counts it.
func (d *Dispatcher) record(ctx context.Context, id string, typ EventType, deliveryErr error) {
	result, msg := "ok", ""
	if deliveryErr != nil {
		result, msg = "failed", deliveryErr.Error()
	}
	metrics.WebhookDeliveries.WithLabelValues(string(typ), result).Inc()

	sub, err := d.store.RecordDelivery(ctx, id, Delivery{At: d.now().UTC(), Err: msg}, MaxConsecutiveFailures)
	switch {
	case errors.Is(err, ErrNotFound):
		// deleted mid-delivery
	case err != nil:
		d.logger.Warn("webhook bookkeeping failed", "webhook_id", id, "error", err)
	case deliveryErr == nil:
	case !sub.Active && sub.ConsecutiveFailures == MaxConsecutiveFailures:
		d.logger.Warn("webhook deactivated after repeated failures",
			"webhook_id", id, "partner_id", sub.PartnerID, "failures", sub.ConsecutiveFailures)
	default:
		d.logger.Info("webhook delivery failed", "webhook_id", id, "event", typ, "error", deliveryErr)
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret, as sent in
// the signature header.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
