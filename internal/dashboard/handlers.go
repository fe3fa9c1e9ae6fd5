// Package dashboard provides JSON analytics endpoints over a partner's
// relay log.
package dashboard

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/relaygate/internal/auth"
	"github.com/mbd888/relaygate/internal/logging"
	"github.com/mbd888/relaygate/internal/relaylog"
)

// Handler provides dashboard API endpoints.
type Handler struct {
	analytics relaylog.Analytics
	now       func() time.Time
}

// NewHandler creates a new dashboard handler.
func NewHandler(analytics relaylog.Analytics) *Handler {
	return &Handler{analytics: analytics, now: time.Now}
}

// RegisterRoutes sets up dashboard routes under a partner-authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/dashboard/overview", h.Overview)
	r.GET("/dashboard/usage", h.Usage)
	r.GET("/dashboard/blocked", h.Blocked)
}

// Overview returns decision and band counts for the requested range.
func (h *Handler) Overview(c *gin.Context) {
	ctx := c.Request.Context()
	partnerID := auth.PartnerID(c)

	from, to, ok := h.parseTimeRange(c)
	if !ok {
		return
	}

	sum, err := h.analytics.Summarize(ctx, partnerID, from, to)
	if err != nil {
		logging.L(ctx).Error("dashboard summary failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	var blockRate float64
	if sum.Total > 0 {
		blockRate = float64(sum.Blocked) / float64(sum.Total)
	}

	c.JSON(http.StatusOK, gin.H{
		"from":      from,
		"to":        to,
		"summary":   sum,
		"blockRate": blockRate,
	})
}

// Usage returns request counts bucketed by hour, day or week.
func (h *Handler) Usage(c *gin.Context) {
	ctx := c.Request.Context()
	partnerID := auth.PartnerID(c)

	interval := c.DefaultQuery("interval", relaylog.IntervalDay)
	if !relaylog.ValidInterval(interval) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_interval", "message": "must be hour, day, or week"})
		return
	}

	from, to, ok := h.parseTimeRange(c)
	if !ok {
		return
	}

	points, err := h.analytics.UsageSeries(ctx, partnerID, interval, from, to)
	if err != nil {
		logging.L(ctx).Error("dashboard usage failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if points == nil {
		points = []relaylog.UsagePoint{}
	}

	c.JSON(http.StatusOK, gin.H{
		"interval": interval,
		"from":     from,
		"to":       to,
		"points":   points,
		"count":    len(points),
	})
}

// Blocked returns the partner's most recent blocked requests for audit.
func (h *Handler) Blocked(c *gin.Context) {
	ctx := c.Request.Context()

	entries, err := h.analytics.ListBlocked(ctx, auth.PartnerID(c), parseLimit(c, 50, 500))
	if err != nil {
		logging.L(ctx).Error("dashboard blocked list failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if entries == nil {
		entries = []*relaylog.Entry{}
	}

	c.JSON(http.StatusOK, gin.H{
		"blocked": entries,
		"count":   len(entries),
	})
}

// parseTimeRange defaults to the last 30 days. Malformed bounds and
// inverted ranges are rejected with 400.
func (h *Handler) parseTimeRange(c *gin.Context) (from, to time.Time, ok bool) {
	to = h.now()
	from = to.AddDate(0, 0, -30)

	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &from}, {"to", &to}} {
		v := c.Query(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_time", "message": p.name + " must be RFC3339"})
			return from, to, false
		}
		*p.dst = t
	}
	if !from.Before(to) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_time", "message": "from must be before to"})
		return from, to, false
	}
	return from, to, true
}

func parseLimit(c *gin.Context, defaultVal, maxVal int) int {
	limit := defaultVal
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxVal {
		limit = maxVal
	}
	return limit
}
