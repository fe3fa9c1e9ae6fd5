// Package risk implements destination-address risk scoring for the relay.
//
// Every scoring request carries a set of feature hits: timestamped, weighted
// pieces of evidence about the destination. Each hit decays with the
// half-life of its feature class, the decayed weights are summed and
// compressed through a soft cap into [0, 100), and critical evidence lifts
// the result to at least the CRITICAL floor. A sanctions match short-circuits
// everything to a fixed score of 100.
//
// Everything in this package except the stores is pure and safe for
// concurrent use.
package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrInvalidEvidence is returned when a feature hit cannot be scored.
// A batch containing one invalid hit is rejected as a whole.
var ErrInvalidEvidence = errors.New("risk: invalid evidence")

// Band is the discretized severity derived from a score.
type Band string

const (
	BandLow        Band = "LOW"
	BandMedium     Band = "MEDIUM"
	BandHigh       Band = "HIGH"
	BandCritical   Band = "CRITICAL"
	BandProhibited Band = "PROHIBITED"
)

// Score thresholds. Each is the inclusive lower bound of its band.
const (
	ProhibitedThreshold = 100
	CriticalThreshold   = 80
	HighThreshold       = 60
	MediumThreshold     = 30

	// MaxHitWeight caps the decayed weight of a single hit before summing.
	MaxHitWeight = 100.0
)

// SanctionsReason is the synthetic reason attached to sanctioned addresses.
const SanctionsReason = "OFAC match (sanctioned_wallets)"

// SanctionsFeature is the contribution key recorded for a sanctions match.
const SanctionsFeature = "sanctions_match"

// FeatureHit is one piece of risk evidence about an address.
type FeatureHit struct {
	Key        string         `json:"key"`
	Base       float64        `json:"base"`
	OccurredAt time.Time      `json:"occurredAt"`
	Critical   bool           `json:"critical,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Validate reports whether the hit can be scored.
func (h FeatureHit) Validate() error {
	if strings.TrimSpace(h.Key) == "" {
		return fmt.Errorf("%w: feature key is required", ErrInvalidEvidence)
	}
	if math.IsNaN(h.Base) || math.IsInf(h.Base, 0) {
		return fmt.Errorf("%w: %s: base weight must be finite", ErrInvalidEvidence, h.Key)
	}
	if h.Base < 0 {
		return fmt.Errorf("%w: %s: base weight must not be negative", ErrInvalidEvidence, h.Key)
	}
	if h.OccurredAt.IsZero() {
		return fmt.Errorf("%w: %s: occurredAt is required", ErrInvalidEvidence, h.Key)
	}
	return nil
}

// ValidateHits checks every hit and returns the first failure.
func ValidateHits(hits []FeatureHit) error {
	for i, h := range hits {
		if err := h.Validate(); err != nil {
			return fmt.Errorf("hit[%d]: %w", i, err)
		}
	}
	return nil
}

// Contribution is the weight a single feature actually added to a score.
type Contribution struct {
	Key    string `json:"key"`
	Weight int    `json:"weight"`
}

// Assessment is the result of scoring a set of hits.
type Assessment struct {
	Score         int            `json:"score"`
	Band          Band           `json:"band"`
	Reasons       []string       `json:"reasons"`
	Contributions []Contribution `json:"contributions"`
	Sanctioned    bool           `json:"sanctioned"`
}

// Snapshot is the latest persisted score for an address.
type Snapshot struct {
	Address   string    `json:"address"`
	Score     int       `json:"score"`
	Band      Band      `json:"band"`
	Reasons   []string  `json:"reasons"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Event is one persisted piece of evidence with the weight it contributed.
type Event struct {
	ID            string         `json:"id"`
	Address       string         `json:"address"`
	Feature       string         `json:"feature"`
	Details       map[string]any `json:"details"`
	WeightApplied int            `json:"weightApplied"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// SnapshotStore persists the latest score per address.
// Get returns (nil, nil) when no snapshot exists.
type SnapshotStore interface {
	Get(ctx context.Context, address string) (*Snapshot, error)
	Upsert(ctx context.Context, snap *Snapshot) error
}

// EventStore persists the evidence behind computed scores.
type EventStore interface {
	LogEvents(ctx context.Context, address string, hits []FeatureHit, applied []Contribution) error
	ListByAddress(ctx context.Context, address string, limit int) ([]*Event, error)
}
