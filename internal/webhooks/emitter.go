package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/relaygate/internal/idgen"
	"github.com/mbd888/relaygate/internal/policy"
	"github.com/mbd888/relaygate/internal/realtime"
)

// Emitter turns relay activity into partner webhook events. It satisfies
// the relay publisher interface and never blocks the request path.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
	now    func() time.Time
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger, now: time.Now}
}

// Publish maps activity to at most one webhook event and dispatches it in
// the background.
func (e *Emitter) Publish(typ realtime.EventType, a *realtime.Activity) {
	if e == nil || e.d == nil || a == nil || a.PartnerID == "" {
		return
	}
	et, ok := EventFor(typ, a)
	if !ok {
		return
	}

	event := &Event{
		ID:        idgen.WithPrefix(idgen.Event),
		Type:      et,
		Timestamp: e.now(),
		Data:      a,
	}

	e.d.wg.Add(1)
	go func() {
		defer e.d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.d.DispatchToPartner(ctx, a.PartnerID, event); err != nil {
			e.logger.Warn("webhook emit failed", "event", et, "partner_id", a.PartnerID, "error", err)
		}
	}()
}

// EventFor picks the webhook event for an outcome. Blocked wins over a
// broadcast, and a broadcast over an alert.
func EventFor(typ realtime.EventType, a *realtime.Activity) (EventType, bool) {
	switch {
	case !a.Allowed:
		return EventDecisionBlocked, true
	case typ == realtime.EventRelay && a.TxHash != "":
		return EventRelayBroadcast, true
	case a.Status == string(policy.StatusAlert):
		return EventDecisionAlert, true
	}
	return "", false
}
