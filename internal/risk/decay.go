package risk

import (
	"math"
	"strings"
	"time"
)

// DefaultHalfLifeDays applies to feature keys that match no known prefix.
const DefaultHalfLifeDays = 30

// halfLifeByPrefix is checked in order; the first matching prefix wins.
var halfLifeByPrefix = []struct {
	prefix string
	days   int
}{
	{"mixer", 90},
	{"sanctions", 90},
	{"behavior", 30},
	{"velocity", 30},
	{"value", 14},
}

// HalfLife returns the half-life in days for a feature key. An exact,
// positive override for the key takes precedence over the prefix table.
func HalfLife(key string, overrides map[string]int) int {
	if days, ok := overrides[key]; ok && days > 0 {
		return days
	}
	for _, p := range halfLifeByPrefix {
		if strings.HasPrefix(key, p.prefix) {
			return p.days
		}
	}
	return DefaultHalfLifeDays
}

// Decay returns base weighted down by age: the weight halves every
// halfLifeDays. Negative ages count as zero and the half-life never drops
// below one day.
func Decay(base float64, age time.Duration, halfLifeDays int) float64 {
	ageDays := age.Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	hl := math.Max(1, float64(halfLifeDays))
	return base * math.Exp(-ageDays*math.Ln2/hl)
}
