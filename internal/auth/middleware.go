package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/relaygate/internal/logging"
)

const (
	// ContextKeyAPIKey is the key for storing API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyPartnerID is the key for storing the authenticated partner
	ContextKeyPartnerID = "authPartnerID"

	// AdminSecretHeader carries the operator secret on admin routes.
	AdminSecretHeader = "X-Admin-Secret"
)

// RequirePartner rejects requests without a valid partner key: 401 when
// no key is sent, 403 for an unknown, revoked or expired key, and 503 when
// the key store cannot be reached.
func RequirePartner(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.GetHeader("X-API-Key")
		}

		key, err := m.ValidateKey(c.Request.Context(), raw)
		if err != nil {
			status, body := rejection(err)
			if status == http.StatusUnauthorized {
				c.Header("WWW-Authenticate", `Bearer realm="relaygate"`)
			}
			c.AbortWithStatusJSON(status, body)
			return
		}

		c.Set(ContextKeyAPIKey, key)
		c.Set(ContextKeyPartnerID, key.PartnerID)
		c.Request = c.Request.WithContext(logging.WithPartnerID(c.Request.Context(), key.PartnerID))
		c.Next()
	}
}

func rejection(err error) (int, gin.H) {
	switch {
	case errors.Is(err, ErrNoAPIKey):
		return http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Missing API key. Include 'Authorization: Bearer sk_...' header.",
		}
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable, gin.H{
			"error":   "auth_unavailable",
			"message": "Could not verify API key, retry shortly",
		}
	default:
		return http.StatusForbidden, gin.H{"error": "forbidden", "message": "Invalid API key"}
	}
}

// RequireAdmin guards operator routes with a shared secret. With no secret
// configured the routes are disabled.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Admin API is disabled",
			})
			return
		}
		got := c.GetHeader(AdminSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the API key from context (if authenticated)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	k, ok := key.(*APIKey)
	return k, ok
}

// PartnerID returns the authenticated partner, or "".
func PartnerID(c *gin.Context) string {
	return c.GetString(ContextKeyPartnerID)
}
