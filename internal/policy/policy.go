// Package policy turns a risk score into an admit/deny verdict.
//
// The policy is an ordered chain of named rules evaluated first-match-wins.
// Each rule pairs a predicate over the (sanctioned, score, band) triple with
// a fixed outcome, so the chain can be audited and tested rule by rule.
package policy

import (
	"github.com/mbd888/relaygate/internal/risk"
)

// AlertReason is prepended to a decision's reasons when the alert rule fires.
const AlertReason = "ALERT: risk_score==50"

// Status is the secondary, three-way outcome of a verdict.
type Status string

const (
	StatusNone    Status = ""
	StatusBlocked Status = "blocked"
	StatusAlert   Status = "alert"
)

// Rule names of the default chain.
const (
	RuleSanctioned   = "sanctioned"
	RuleAlertAt50    = "alert_at_50"
	RuleZeroScore    = "zero_score"
	RuleHighBand     = "high_band"
	RuleDefaultAllow = "default_allow"

	// ruleNoMatch is reported when a custom chain has no matching rule.
	ruleNoMatch = "no_match"
)

// Input is what a rule sees.
type Input struct {
	Sanctioned bool
	Score      int
	Band       risk.Band
}

// Outcome is the fixed result attached to a rule.
type Outcome struct {
	Allowed bool
	Status  Status
	Alert   bool
}

// Rule is a named predicate with the outcome it produces when matched.
type Rule struct {
	Name    string
	Match   func(Input) bool
	Outcome Outcome
}

// Verdict is the result of evaluating the chain.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Status  Status `json:"status,omitempty"`
	Alert   bool   `json:"alert"`
	Rule    string `json:"rule"`
}

var (
	deny  = Outcome{Allowed: false, Status: StatusBlocked}
	allow = Outcome{Allowed: true}
)

// DefaultRules returns the standard chain in priority order.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name: RuleSanctioned,
			Match: func(in Input) bool {
				return in.Sanctioned || in.Band == risk.BandProhibited || in.Score >= risk.ProhibitedThreshold
			},
			Outcome: deny,
		},
		{
			Name:    RuleAlertAt50,
			Match:   func(in Input) bool { return in.Score == 50 },
			Outcome: Outcome{Allowed: true, Status: StatusAlert, Alert: true},
		},
		{
			Name:    RuleZeroScore,
			Match:   func(in Input) bool { return in.Score == 0 },
			Outcome: allow,
		},
		{
			Name: RuleHighBand,
			Match: func(in Input) bool {
				return in.Band == risk.BandHigh || in.Band == risk.BandCritical || in.Score >= risk.CriticalThreshold
			},
			Outcome: deny,
		},
		{
			Name:    RuleDefaultAllow,
			Match:   func(Input) bool { return true },
			Outcome: allow,
		},
	}
}

// Engine evaluates an ordered rule chain. It is immutable and safe for
// concurrent use.
type Engine struct {
	rules []Rule
}

// New creates an engine over the given rules, in order.
func New(rules ...Rule) *Engine {
	return &Engine{rules: append([]Rule(nil), rules...)}
}

// Default returns an engine over DefaultRules.
func Default() *Engine {
	return New(DefaultRules()...)
}

// Evaluate returns the outcome of the first matching rule. A chain with no
// matching rule denies.
func (e *Engine) Evaluate(in Input) Verdict {
	for _, r := range e.rules {
		if r.Match != nil && r.Match(in) {
			return Verdict{
				Allowed: r.Outcome.Allowed,
				Status:  r.Outcome.Status,
				Alert:   r.Outcome.Alert,
				Rule:    r.Name,
			}
		}
	}
	return Verdict{Allowed: false, Status: StatusBlocked, Rule: ruleNoMatch}
}

// Rules lists rule names in evaluation order.
func (e *Engine) Rules() []string {
	names := make([]string, len(e.rules))
	for i, r := range e.rules {
		names[i] = r.Name
	}
	return names
}

var defaultEngine = Default()

// Apply evaluates the default chain.
func Apply(sanctioned bool, score int, band risk.Band) Verdict {
	return defaultEngine.Evaluate(Input{Sanctioned: sanctioned, Score: score, Band: band})
}

// WithAlertReason returns reasons with AlertReason prepended when v is an
// alert. The input slice is never modified.
func (v Verdict) WithAlertReason(reasons []string) []string {
	out := make([]string, 0, len(reasons)+1)
	if v.Alert {
		out = append(out, AlertReason)
	}
	return append(out, reasons...)
}
