// Package relay exposes the partner-facing screening API: address checks,
// screened raw-transaction relay, and the partner's relay history.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/relaygate/internal/auth"
	"github.com/mbd888/relaygate/internal/chain"
	"github.com/mbd888/relaygate/internal/decision"
	"github.com/mbd888/relaygate/internal/logging"
	"github.com/mbd888/relaygate/internal/pagination"
	"github.com/mbd888/relaygate/internal/realtime"
	"github.com/mbd888/relaygate/internal/relaylog"
	"github.com/mbd888/relaygate/internal/risk"
	"github.com/mbd888/relaygate/internal/validation"
)

// MaxIdempotencyKeyLength bounds client-supplied idempotency keys.
const MaxIdempotencyKeyLength = 128

// IdempotencyKeyHeader may carry the key instead of the request body.
const IdempotencyKeyHeader = "Idempotency-Key"

// Decider screens an address.
type Decider interface {
	Decide(ctx context.Context, req decision.Request) (*decision.Decision, error)
}

// Broadcaster submits a signed transaction to a chain.
type Broadcaster interface {
	Send(ctx context.Context, chainName string, tx *types.Transaction) (string, error)
}

// Publisher receives activity for the live feed.
type Publisher interface {
	Publish(typ realtime.EventType, a *realtime.Activity)
}

// AddressHistory reads stored risk data for an address.
type AddressHistory interface {
	Get(ctx context.Context, address string) (*risk.Snapshot, error)
	ListByAddress(ctx context.Context, address string, limit int) ([]*risk.Event, error)
}

// CheckRequest is the body of POST /v1/check.
type CheckRequest struct {
	Chain    string            `json:"chain"`
	To       string            `json:"to"`
	From     string            `json:"from,omitempty"`
	Value    string            `json:"value,omitempty"`
	Asset    string            `json:"asset,omitempty"`
	Features []risk.FeatureHit `json:"features,omitempty"`
}

// RelayRequest is the body of POST /v1/relay.
type RelayRequest struct {
	Chain          string            `json:"chain"`
	RawTx          string            `json:"rawTx"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	Features       []risk.FeatureHit `json:"features,omitempty"`
}

// RelayResponse is returned when a transaction was broadcast.
type RelayResponse struct {
	Allowed   bool      `json:"allowed"`
	RiskBand  risk.Band `json:"risk_band"`
	RiskScore int       `json:"risk_score"`
	TxHash    string    `json:"txHash"`
	Reasons   []string  `json:"reasons"`
	Status    string    `json:"status,omitempty"`
}

// Handler serves the relay API.
type Handler struct {
	decider     Decider
	broadcaster Broadcaster
	log         relaylog.Store
	history     AddressHistory
	publishers  []Publisher
	locks       *keyLocks
	logger      *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithPublisher streams every screened request to p. It may be given
// more than once.
func WithPublisher(p Publisher) Option {
	return func(h *Handler) { h.publishers = append(h.publishers, p) }
}

// WithAddressHistory enables GET /addresses/:address.
func WithAddressHistory(s AddressHistory) Option {
	return func(h *Handler) { h.history = s }
}

// WithLogger sets the fallback logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates the relay API handler.
func NewHandler(d Decider, b Broadcaster, log relaylog.Store, opts ...Option) *Handler {
	h := &Handler{
		decider:     d,
		broadcaster: b,
		log:         log,
		locks:       newKeyLocks(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes mounts the partner routes. The group must already run
// auth.RequirePartner.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/check", h.Check)
	r.POST("/relay", h.Relay)
	r.GET("/relays", h.ListRelays)
	if h.history != nil {
		r.GET("/addresses/:address", validation.AddressParam(), h.GetAddress)
	}
}

// Check screens a destination address.
func (h *Handler) Check(c *gin.Context) {
	ctx := c.Request.Context()

	var req CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "Invalid JSON body")
		return
	}

	req.To = validation.NormalizeAddress(req.To)
	req.From = validation.NormalizeAddress(req.From)
	if errs := validation.Validate(
		validation.Required("to", req.To),
		validation.Address("to", req.To),
		validation.Address("from", req.From),
		validation.MaxLength("asset", req.Asset, 64),
		validation.MaxLength("value", req.Value, 78),
	); errs != nil {
		validation.Respond(c, errs)
		return
	}
	chainName := chain.Normalize(req.Chain)

	d, ok := h.decide(c, req.To, req.Features)
	if !ok {
		return
	}

	h.record(ctx, &relaylog.Entry{
		PartnerID: auth.PartnerID(c),
		Chain:     chainName,
		FromAddr:  req.From,
		ToAddr:    d.Address,
		Decision:  decisionLabel(d),
		RiskBand:  string(d.RiskBand),
		RiskScore: d.RiskScore,
		Reasons:   d.Reasons,
	})
	h.publish(realtime.EventDecision, auth.PartnerID(c), chainName, d, "")

	c.JSON(http.StatusOK, d)
}

// Relay screens the recipient of a signed raw transaction and broadcasts it
// when allowed.
func (h *Handler) Relay(c *gin.Context) {
	ctx := c.Request.Context()
	partnerID := auth.PartnerID(c)

	var req RelayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_request", "Invalid JSON body")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader(IdempotencyKeyHeader)
	}
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if len(req.IdempotencyKey) > MaxIdempotencyKeyLength {
		badRequest(c, "invalid_request", "idempotencyKey exceeds maximum length")
		return
	}
	chainName := chain.Normalize(req.Chain)

	tx, err := chain.DecodeRawTx(strings.TrimSpace(req.RawTx))
	switch {
	case errors.Is(err, chain.ErrNotHex):
		badRequest(c, "invalid_raw_tx", "rawTx must be 0x-hex string")
		return
	case err != nil:
		badRequest(c, "invalid_raw_tx", "rawTx is not a valid signed transaction")
		return
	}
	to, ok := chain.RecipientOf(tx)
	if !ok {
		badRequest(c, "invalid_raw_tx", "missing 'to' in rawTx (contract creation not supported)")
		return
	}
	from, err := chain.SenderOf(tx)
	if err != nil {
		// Sender is informational only; the node rejects bad signatures.
		h.logFor(ctx).Debug("could not recover sender", "tx_hash", tx.Hash().Hex(), "error", err)
	}

	if req.IdempotencyKey != "" {
		unlock, err := h.locks.lock(ctx, partnerID+"|"+req.IdempotencyKey)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "request_cancelled",
				"message": "Request cancelled while waiting for a concurrent request with the same idempotency key",
			})
			return
		}
		defer unlock()

		if prior, ok := h.replay(ctx, partnerID, req.IdempotencyKey); ok {
			c.Header("Idempotent-Replay", "true")
			c.JSON(http.StatusOK, RelayResponse{
				Allowed:   prior.Decision == relaylog.DecisionAllowed,
				RiskBand:  risk.Band(prior.RiskBand),
				RiskScore: prior.RiskScore,
				TxHash:    prior.TxHash,
				Reasons:   nonNil(prior.Reasons),
			})
			return
		}
	}

	d, ok := h.decide(c, to, req.Features)
	if !ok {
		return
	}

	entry := &relaylog.Entry{
		PartnerID:      partnerID,
		Chain:          chainName,
		FromAddr:       from,
		ToAddr:         d.Address,
		Decision:       decisionLabel(d),
		RiskBand:       string(d.RiskBand),
		RiskScore:      d.RiskScore,
		Reasons:        d.Reasons,
		IdempotencyKey: req.IdempotencyKey,
	}
	logged := h.record(ctx, entry)

	if !d.Allowed {
		h.publish(realtime.EventRelay, partnerID, chainName, d, "")
		c.JSON(http.StatusForbidden, d)
		return
	}

	txHash, err := h.broadcaster.Send(ctx, chainName, tx)
	if err != nil {
		if errors.Is(err, chain.ErrNoRPC) {
			h.logFor(ctx).Error("relay chain not configured", "chain", chainName)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "rpc_not_configured",
				"message": "Missing RPC URL for " + chainName,
			})
			return
		}
		h.logFor(ctx).Warn("broadcast failed", "chain", chainName, "to", d.Address, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "network_error",
			"message": "network_error: " + err.Error(),
		})
		return
	}

	if logged {
		if err := h.log.SetTxHash(ctx, entry.ID, txHash); err != nil {
			h.logFor(ctx).Warn("failed to record tx hash", "entry_id", entry.ID, "tx_hash", txHash, "error", err)
		}
	}
	h.publish(realtime.EventRelay, partnerID, chainName, d, txHash)

	c.JSON(http.StatusOK, RelayResponse{
		Allowed:   true,
		RiskBand:  d.RiskBand,
		RiskScore: d.RiskScore,
		TxHash:    txHash,
		Reasons:   d.Reasons,
		Status:    string(d.Status),
	})
}

// ListRelays pages through the partner's relay log, newest first.
func (h *Handler) ListRelays(c *gin.Context) {
	ctx := c.Request.Context()
	limit := pagination.ParseLimit(c.Query("limit"), 50, 200)
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		badRequest(c, "invalid_cursor", "Invalid cursor")
		return
	}

	entries, err := h.log.ListByPartner(ctx, auth.PartnerID(c), limit+1, cursor)
	if err != nil {
		h.logFor(ctx).Error("failed to list relay log", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list relays"})
		return
	}

	page := pagination.Paginate(entries, limit, func(e *relaylog.Entry) pagination.Cursor {
		return pagination.Cursor{CreatedAt: e.CreatedAt, ID: e.ID}
	})
	if page.Items == nil {
		page.Items = []*relaylog.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"relays":     page.Items,
		"count":      len(page.Items),
		"nextCursor": page.NextCursor,
		"hasMore":    page.HasMore,
	})
}

// GetAddress returns the stored snapshot and recent evidence for an address.
func (h *Handler) GetAddress(c *gin.Context) {
	ctx := c.Request.Context()
	addr := validation.NormalizeAddress(c.Param("address"))

	snap, err := h.history.Get(ctx, addr)
	if err != nil {
		h.logFor(ctx).Error("failed to read snapshot", "address", addr, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to read address"})
		return
	}
	events, err := h.history.ListByAddress(ctx, addr, pagination.ParseLimit(c.Query("limit"), 20, 100))
	if err != nil {
		h.logFor(ctx).Error("failed to list risk events", "address", addr, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to read address"})
		return
	}
	if snap == nil && len(events) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No risk data for address"})
		return
	}
	if events == nil {
		events = []*risk.Event{}
	}

	c.JSON(http.StatusOK, gin.H{
		"address":  addr,
		"snapshot": snap,
		"events":   events,
	})
}

func (h *Handler) decide(c *gin.Context, addr string, hits []risk.FeatureHit) (*decision.Decision, bool) {
	d, err := h.decider.Decide(c.Request.Context(), decision.Request{Address: addr, Hits: hits})
	if err != nil {
		if errors.Is(err, risk.ErrInvalidEvidence) {
			badRequest(c, "invalid_evidence", err.Error())
			return nil, false
		}
		h.logFor(c.Request.Context()).Error("decision failed", "address", addr, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Decision failed"})
		return nil, false
	}
	return d, true
}

// replay returns an earlier completed relay for the same key.
func (h *Handler) replay(ctx context.Context, partnerID, key string) (*relaylog.Entry, bool) {
	prior, err := h.log.FindByIdempotencyKey(ctx, partnerID, key)
	if err == nil {
		return prior, true
	}
	if !errors.Is(err, relaylog.ErrNotFound) {
		h.logFor(ctx).Warn("idempotency lookup failed", "idempotency_key", key, "error", err)
	}
	return nil, false
}

// record writes e and reports whether it was stored. The log is
// best-effort: a failure never changes the response.
func (h *Handler) record(ctx context.Context, e *relaylog.Entry) bool {
	if err := h.log.Insert(ctx, e); err != nil {
		h.logFor(ctx).Warn("failed to write relay log", "to", e.ToAddr, "error", err)
		return false
	}
	return true
}

func (h *Handler) publish(typ realtime.EventType, partnerID, chainName string, d *decision.Decision, txHash string) {
	if len(h.publishers) == 0 {
		return
	}
	a := &realtime.Activity{
		PartnerID: partnerID,
		Chain:     chainName,
		Address:   d.Address,
		Allowed:   d.Allowed,
		Status:    string(d.Status),
		RiskScore: d.RiskScore,
		RiskBand:  string(d.RiskBand),
		TxHash:    txHash,
	}
	for _, p := range h.publishers {
		p.Publish(typ, a)
	}
}

func (h *Handler) logFor(ctx context.Context) *slog.Logger {
	if l, ok := logging.LoggerFrom(ctx); ok {
		return l
	}
	return h.logger
}

func decisionLabel(d *decision.Decision) string {
	if d.Allowed {
		return relaylog.DecisionAllowed
	}
	return relaylog.DecisionBlocked
}

func badRequest(c *gin.Context, code, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": msg})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
