// Package realtime streams risk decisions to connected partners over
// WebSocket.
//
// Connections are grouped by partner and an event is only ever offered to
// the connections of the partner that produced it. Each connection can
// narrow its feed with a Filter sent as a subscribe message.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/relaygate/internal/metrics"
)

// Connection limits.
const (
	MaxConnections           = 10000
	MaxConnectionsPerPartner = 20

	queueSize = 256
)

// Stats is a snapshot of hub counters.
type Stats struct {
	Connections int   `json:"connections"`
	Partners    int   `json:"partners"`
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
	Evicted     int64 `json:"evicted"`
}

// Hub fans events out to partner connections. Run must be running for
// events to flow.
type Hub struct {
	logger *slog.Logger
	events chan *Event
	done   chan struct{}

	mu       sync.Mutex
	partners map[string]map[*conn]struct{}
	total    int
	closed   bool

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	evicted   atomic.Int64
}

// NewHub creates a hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:   logger,
		events:   make(chan *Event, queueSize),
		done:     make(chan struct{}),
		partners: make(map[string]map[*conn]struct{}),
	}
}

// Run delivers queued events until ctx is done, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	h.logger.Info("realtime hub started")

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			h.logger.Info("realtime hub stopped")
			return
		case e := <-h.events:
			h.deliver(e)
		}
	}
}

// Publish queues activity for delivery. It never blocks; when the queue
// is full the event is dropped and counted.
func (h *Hub) Publish(typ EventType, a *Activity) {
	if a == nil {
		return
	}
	e := &Event{Type: typ, Timestamp: time.Now().UTC(), Data: a}
	select {
	case h.events <- e:
		h.published.Add(1)
	default:
		h.dropped.Add(1)
		h.logger.Warn("realtime queue full, dropping event", "type", typ, "partner_id", a.PartnerID)
	}
}

// Stats returns current counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Connections: h.total,
		Partners:    len(h.partners),
		Published:   h.published.Load(),
		Delivered:   h.delivered.Load(),
		Dropped:     h.dropped.Load(),
		Evicted:     h.evicted.Load(),
	}
}

func (h *Hub) deliver(e *Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("failed to encode event", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.partners[e.Data.PartnerID] {
		if !c.filter().Matches(e) {
			continue
		}
		select {
		case c.out <- payload:
			h.delivered.Add(1)
		default:
			// A connection that cannot keep up is cut off rather than
			// stalling the partner's other connections.
			h.evicted.Add(1)
			h.removeLocked(c)
		}
	}
}

// add registers c, or reports why it cannot be admitted.
func (h *Hub) add(c *conn) (int, string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case h.closed:
		return http.StatusServiceUnavailable, "server shutting down"
	case h.total >= MaxConnections:
		return http.StatusServiceUnavailable, "too many connections"
	case len(h.partners[c.partnerID]) >= MaxConnectionsPerPartner:
		return http.StatusTooManyRequests, "too many connections for partner"
	}

	set, ok := h.partners[c.partnerID]
	if !ok {
		set = make(map[*conn]struct{})
		h.partners[c.partnerID] = set
	}
	set[c] = struct{}{}
	h.total++
	metrics.ActiveWebSocketClients.Set(float64(h.total))
	return 0, ""
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

// removeLocked drops c and closes its outbound queue once. Caller holds h.mu.
func (h *Hub) removeLocked(c *conn) {
	set := h.partners[c.partnerID]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.partners, c.partnerID)
	}
	h.total--
	close(c.out)
	metrics.ActiveWebSocketClients.Set(float64(h.total))
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, set := range h.partners {
		for c := range set {
			h.removeLocked(c)
		}
	}
}
