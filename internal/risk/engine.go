package risk

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Aggregate decays every hit to now, clamps each decayed weight to
// [0, MaxHitWeight] and sums them. It also reports whether any hit was
// critical and the rounded weight each hit contributed, in input order.
func Aggregate(hits []FeatureHit, now time.Time, overrides map[string]int) (raw float64, anyCritical bool, contribs []Contribution) {
	contribs = make([]Contribution, 0, len(hits))
	for _, h := range hits {
		w := clampWeight(Decay(h.Base, now.Sub(h.OccurredAt), HalfLife(h.Key, overrides)))
		raw += w
		if h.Critical {
			anyCritical = true
		}
		contribs = append(contribs, Contribution{Key: h.Key, Weight: int(math.Round(w))})
	}
	return raw, anyCritical, contribs
}

// SoftCap compresses an unbounded, non-negative weight sum into [0, 100).
// It is monotone: more weight never yields a lower score.
func SoftCap(sum float64) float64 {
	if sum <= 0 {
		return 0
	}
	return 100 * (1 - math.Exp(-sum/100))
}

// Compute scores hits for an address. A sanctions match skips the hits and
// yields a fixed PROHIBITED assessment.
func Compute(hits []FeatureHit, sanctioned bool, now time.Time, overrides map[string]int) *Assessment {
	if sanctioned {
		return Sanctioned()
	}

	raw, critical, contribs := Aggregate(hits, now, overrides)
	score := SoftCap(raw)
	if critical {
		score = math.Max(score, CriticalThreshold)
	}

	rounded := int(math.Round(score))
	if rounded > ProhibitedThreshold {
		rounded = ProhibitedThreshold
	}

	reasons := make([]string, 0, len(hits))
	for i, h := range hits {
		reasons = append(reasons, reasonFor(h, contribs[i].Weight))
	}

	return &Assessment{
		Score:         rounded,
		Band:          BandFor(rounded),
		Reasons:       reasons,
		Contributions: contribs,
	}
}

// Sanctioned returns the fixed assessment for a sanctioned address.
func Sanctioned() *Assessment {
	return &Assessment{
		Score:         ProhibitedThreshold,
		Band:          BandProhibited,
		Reasons:       []string{SanctionsReason},
		Contributions: []Contribution{{Key: SanctionsFeature, Weight: ProhibitedThreshold}},
		Sanctioned:    true,
	}
}

func clampWeight(w float64) float64 {
	if w < 0 || math.IsNaN(w) {
		return 0
	}
	if w > MaxHitWeight {
		return MaxHitWeight
	}
	return w
}

// reasonFor renders "+12 mixer_exposure (hops=2, service=tornado)".
func reasonFor(h FeatureHit, applied int) string {
	if len(h.Details) == 0 {
		return fmt.Sprintf("+%d %s", applied, h.Key)
	}
	return fmt.Sprintf("+%d %s (%s)", applied, h.Key, summarizeDetails(h.Details))
}

func summarizeDetails(details map[string]any) string {
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, details[k]))
	}
	return strings.Join(parts, ", ")
}
