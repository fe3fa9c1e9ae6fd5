package webhooks

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/relaygate/internal/auth"
	"github.com/mbd888/relaygate/internal/idgen"
	"github.com/mbd888/relaygate/internal/logging"
	"github.com/mbd888/relaygate/internal/security"
)

// MaxSubscriptionsPerPartner caps registered callbacks.
const MaxSubscriptionsPerPartner = 10

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store        Store
	urlValidator func(string) error
}

// NewHandler creates a new webhook handler
func NewHandler(store Store) *Handler {
	return &Handler{
		store:        store,
		urlValidator: security.ValidateEndpointURL,
	}
}

// RegisterRoutes sets up webhook routes on a partner-authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:webhookId", h.DeleteWebhook)
	r.POST("/webhooks/:webhookId/reactivate", h.ReactivateWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
}

// CreateWebhook handles POST /webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	partnerID := auth.PartnerID(c)

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := h.urlValidator(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	// No events means all of them.
	events := make([]EventType, 0, len(req.Events))
	for _, e := range req.Events {
		et := EventType(e)
		if !ValidEvent(et) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_event",
				"message": "Unknown event type: " + e,
				"allowed": AllEvents,
			})
			return
		}
		events = append(events, et)
	}
	if len(events) == 0 {
		events = append(events, AllEvents...)
	}

	ctx := c.Request.Context()
	existing, err := h.store.ListByPartner(ctx, partnerID)
	if err != nil {
		logging.L(ctx).Error("failed to list webhooks", "partner_id", partnerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to create webhook"})
		return
	}
	if len(existing) >= MaxSubscriptionsPerPartner {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "limit_reached",
			"message": "Webhook limit reached; delete one first",
		})
		return
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix(idgen.Webhook),
		PartnerID: partnerID,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.Create(ctx, sub); err != nil {
		logging.L(ctx).Error("failed to create webhook", "partner_id", partnerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // Only shown once
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(body, secret), hex encoded",
			"header":    HeaderSignature,
		},
	})
}

// ListWebhooks handles GET /webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	partnerID := auth.PartnerID(c)

	subs, err := h.store.ListByPartner(c.Request.Context(), partnerID)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list webhooks", "partner_id", partnerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list webhooks",
		})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}

	c.JSON(http.StatusOK, gin.H{
		"webhooks": subs,
		"count":    len(subs),
	})
}

// DeleteWebhook handles DELETE /webhooks/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	if !h.partnerWrite(c, h.store.Delete) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "id": c.Param("webhookId")})
}

// ReactivateWebhook handles POST /webhooks/:webhookId/reactivate, turning a
// subscription disabled by repeated failures back on.
func (h *Handler) ReactivateWebhook(c *gin.Context) {
	if !h.partnerWrite(c, h.store.Reactivate) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "active", "id": c.Param("webhookId")})
}

// partnerWrite runs a partner-scoped store write for the :webhookId in the
// path and writes the error response. It reports whether op succeeded.
func (h *Handler) partnerWrite(c *gin.Context, op func(ctx context.Context, partnerID, id string) error) bool {
	ctx := c.Request.Context()
	id := c.Param("webhookId")
	err := op(ctx, auth.PartnerID(c), id)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Webhook not found"})
	default:
		logging.L(ctx).Error("webhook write failed", "webhook_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to update webhook"})
	}
	return false
}
