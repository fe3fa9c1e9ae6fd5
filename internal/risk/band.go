package risk

import "strings"

// BandFor maps a score to its severity band. Higher bands win at their
// boundary value.
func BandFor(score int) Band {
	switch {
	case score >= ProhibitedThreshold:
		return BandProhibited
	case score >= CriticalThreshold:
		return BandCritical
	case score >= HighThreshold:
		return BandHigh
	case score >= MediumThreshold:
		return BandMedium
	default:
		return BandLow
	}
}

// ParseBand parses a band name case-insensitively.
func ParseBand(s string) (Band, bool) {
	switch b := Band(strings.ToUpper(strings.TrimSpace(s))); b {
	case BandLow, BandMedium, BandHigh, BandCritical, BandProhibited:
		return b, true
	default:
		return "", false
	}
}
