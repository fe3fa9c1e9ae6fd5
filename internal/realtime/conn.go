package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMessage = 16 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Non-browser clients send no Origin.
		origin := r.Header.Get("Origin")
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// controlMessage is what a client sends, and what the hub acknowledges.
type controlMessage struct {
	Type   string  `json:"type"`
	Filter *Filter `json:"filter,omitempty"`
	Error  string  `json:"error,omitempty"`
}

type conn struct {
	hub       *Hub
	ws        *websocket.Conn
	partnerID string
	out       chan []byte

	mu sync.RWMutex
	f  Filter
}

func (c *conn) filter() Filter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.f
}

func (c *conn) setFilter(f Filter) {
	c.mu.Lock()
	c.f = f.normalize()
	c.mu.Unlock()
}

// HandleWebSocket upgrades the request and streams partnerID's events.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, partnerID string) {
	c := &conn{hub: h, partnerID: partnerID, out: make(chan []byte, queueSize)}
	if status, msg := h.add(c); status != 0 {
		http.Error(w, msg, status)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.remove(c)
		h.logger.Warn("websocket upgrade failed", "partner_id", partnerID, "error", err)
		return
	}
	c.ws = ws
	h.logger.Info("stream connected", "partner_id", partnerID)

	go c.writeLoop()
	go c.readLoop()
}

// readLoop applies subscribe messages until the peer goes away.
func (c *conn) readLoop() {
	defer func() {
		c.hub.remove(c)
		_ = c.ws.Close()
		c.hub.logger.Info("stream disconnected", "partner_id", c.partnerID)
	}()

	c.ws.SetReadLimit(maxMessage)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.Debug("stream read error", "partner_id", c.partnerID, "error", err)
			}
			return
		}

		var msg controlMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != "subscribe" {
			c.reply(controlMessage{Type: "error", Error: `expected {"type":"subscribe","filter":{...}}`})
			continue
		}
		var f Filter
		if msg.Filter != nil {
			f = *msg.Filter
		}
		c.setFilter(f)
		applied := c.filter()
		c.reply(controlMessage{Type: "subscribed", Filter: &applied})
	}
}

// reply queues a control message. Dropped when the queue is full or the
// connection is already being torn down.
func (c *conn) reply(m controlMessage) {
	b, _ := json.Marshal(m)
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if _, live := c.hub.partners[c.partnerID][c]; !live {
		return
	}
	select {
	case c.out <- b:
	default:
	}
}

func (c *conn) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
