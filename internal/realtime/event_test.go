package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func activity(addr string, allowed bool, score int) *Activity {
	return &Activity{PartnerID: "p1", Chain: "ethereum", Address: addr, Allowed: allowed, RiskScore: score, RiskBand: "LOW"}
}

func TestFilter_Matches(t *testing.T) {
	decision := func(a *Activity) *Event { return &Event{Type: EventDecision, Data: a} }

	tests := []struct {
		name   string
		filter Filter
		event  *Event
		want   bool
	}{
		{"zero filter passes", Filter{}, decision(activity("0xa", true, 0)), true},
		{"no data never matches", Filter{}, &Event{Type: EventDecision}, false},
		{"type match", Filter{EventTypes: []EventType{EventRelay}}, &Event{Type: EventRelay, Data: activity("0xa", true, 0)}, true},
		{"type mismatch", Filter{EventTypes: []EventType{EventRelay}}, decision(activity("0xa", true, 0)), false},
		{"address case-insensitive", Filter{Addresses: []string{"0xABC"}}, decision(activity("0xabc", true, 0)), true},
		{"address mismatch", Filter{Addresses: []string{"0xabc"}}, decision(activity("0xdef", true, 0)), false},
		{"chain match", Filter{Chains: []string{"Ethereum"}}, decision(activity("0xa", true, 0)), true},
		{"chain mismatch", Filter{Chains: []string{"polygon"}}, decision(activity("0xa", true, 0)), false},
		{"blocked only passes blocked", Filter{BlockedOnly: true}, decision(activity("0xa", false, 85)), true},
		{"blocked only drops allowed", Filter{BlockedOnly: true}, decision(activity("0xa", true, 10)), false},
		{"min score inclusive", Filter{MinScore: 50}, decision(activity("0xa", true, 50)), true},
		{"below min score", Filter{MinScore: 50}, decision(activity("0xa", true, 49)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.normalize().Matches(tt.event))
		})
	}
}
