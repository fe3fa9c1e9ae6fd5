package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/relaygate/internal/logging"
	"github.com/mbd888/relaygate/internal/validation"
)

// Handler provides HTTP endpoints for key management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterAdminRoutes mounts key management under an admin-guarded group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/partners/:partnerId/keys", h.CreateKey)
	r.GET("/partners/:partnerId/keys", h.ListKeys)
	r.DELETE("/partners/:partnerId/keys/:keyId", h.RevokeKey)
}

// RegisterPartnerRoutes mounts routes for an authenticated partner.
func (h *Handler) RegisterPartnerRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", h.Me)
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	Name          string `json:"name"`
	ExpiresInDays int    `json:"expiresInDays"`
}

func partnerParam(c *gin.Context) (string, bool) {
	id := validation.Clean(c.Param("partnerId"), 64)
	if errs := validation.Validate(validation.Identifier("partnerId", id)); errs != nil {
		validation.Respond(c, errs)
		return "", false
	}
	return id, true
}

// CreateKey issues a key for the partner in the path.
func (h *Handler) CreateKey(c *gin.Context) {
	partnerID, ok := partnerParam(c)
	if !ok {
		return
	}

	var req CreateKeyRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid JSON body"})
			return
		}
	}
	if req.ExpiresInDays < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "expiresInDays must not be negative"})
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "Partner key"
	}

	ttl := time.Duration(req.ExpiresInDays) * 24 * time.Hour
	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), partnerID, name, ttl)
	if errors.Is(err, ErrTooManyKeys) {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "too_many_keys",
			"message": "Revoke an existing key before creating another",
		})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to create api key", "partner_id", partnerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":    rawKey,
		"keyId":     key.ID,
		"partnerId": key.PartnerID,
		"name":      key.Name,
		"expiresAt": key.ExpiresAt,
		"warning":   "Store this key securely. It will not be shown again.",
	})
}

// ListKeys returns key metadata for the partner in the path.
func (h *Handler) ListKeys(c *gin.Context) {
	partnerID, ok := partnerParam(c)
	if !ok {
		return
	}

	keys, err := h.manager.ListKeys(c.Request.Context(), partnerID)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list api keys", "partner_id", partnerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list keys"})
		return
	}
	if keys == nil {
		keys = []*APIKey{}
	}

	c.JSON(http.StatusOK, gin.H{
		"keys":  keys,
		"count": len(keys),
	})
}

// RevokeKey revokes one key of the partner in the path.
func (h *Handler) RevokeKey(c *gin.Context) {
	partnerID, ok := partnerParam(c)
	if !ok {
		return
	}
	keyID := c.Param("keyId")

	err := h.manager.RevokeKey(c.Request.Context(), partnerID, keyID)
	switch {
	case errors.Is(err, ErrKeyNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "Key not found",
		})
		return
	case err != nil:
		logging.L(c.Request.Context()).Error("failed to revoke api key", "partner_id", partnerID, "key_id", keyID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to revoke key"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Key revoked",
		"keyId":   keyID,
	})
}

// Me describes the key used for the request.
func (h *Handler) Me(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"partnerId": key.PartnerID,
		"keyId":     key.ID,
		"keyName":   key.Name,
		"createdAt": key.CreatedAt,
		"expiresAt": key.ExpiresAt,
	})
}
