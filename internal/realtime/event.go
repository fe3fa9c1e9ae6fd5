package realtime

import (
	"strings"
	"time"
)

// EventType names what produced an event.
type EventType string

const (
	EventDecision EventType = "decision" // address screened via /v1/check
	EventRelay    EventType = "relay"    // raw transaction screened and possibly broadcast
)

// Activity is the payload of every event.
type Activity struct {
	PartnerID string `json:"partnerId"`
	Chain     string `json:"chain"`
	Address   string `json:"address"`
	Allowed   bool   `json:"allowed"`
	Status    string `json:"status,omitempty"`
	RiskScore int    `json:"riskScore"`
	RiskBand  string `json:"riskBand"`
	TxHash    string `json:"txHash,omitempty"`
}

// Event is one message on the feed.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      *Activity `json:"data"`
}

// Filter narrows a connection's feed. The zero Filter passes everything.
// Each non-empty list must contain the event's value.
type Filter struct {
	EventTypes  []EventType `json:"eventTypes,omitempty"`
	Chains      []string    `json:"chains,omitempty"`
	Addresses   []string    `json:"addresses,omitempty"`
	BlockedOnly bool        `json:"blockedOnly,omitempty"`
	MinScore    int         `json:"minScore,omitempty"`
}

// normalize lower-cases addresses and chains so Matches can compare
// them directly.
func (f Filter) normalize() Filter {
	out := f
	out.Addresses = lowerAll(f.Addresses)
	out.Chains = lowerAll(f.Chains)
	return out
}

// Matches reports whether e passes f. f must be normalized.
func (f Filter) Matches(e *Event) bool {
	a := e.Data
	if a == nil {
		return false
	}
	switch {
	case len(f.EventTypes) > 0 && !contains(f.EventTypes, e.Type):
		return false
	case len(f.Chains) > 0 && !contains(f.Chains, strings.ToLower(a.Chain)):
		return false
	case len(f.Addresses) > 0 && !contains(f.Addresses, strings.ToLower(a.Address)):
		return false
	case f.BlockedOnly && a.Allowed:
		return false
	}
	return a.RiskScore >= f.MinScore
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}
