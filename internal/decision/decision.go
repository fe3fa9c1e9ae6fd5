// Package decision composes risk scoring, the sanctions list, and the
// policy chain into a single admit/deny decision for a destination address.
//
// The Decider is the only component of the risk core that performs I/O. All
// collaborators are injected at construction. Lookup failures never surface
// to the caller: a failed sanctions lookup counts as a match, and a failed
// snapshot read counts as no snapshot. Persistence is best-effort.
package decision

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/relaygate/internal/logging"
	"github.com/mbd888/relaygate/internal/metrics"
	"github.com/mbd888/relaygate/internal/policy"
	"github.com/mbd888/relaygate/internal/risk"
	"github.com/mbd888/relaygate/internal/traces"
)

// Checker is the sanctions lookup.
type Checker interface {
	IsSanctioned(ctx context.Context, address string) (bool, error)
}

// ScoreStore reads and writes the latest snapshot per address.
type ScoreStore interface {
	Get(ctx context.Context, address string) (*risk.Snapshot, error)
	Upsert(ctx context.Context, snap *risk.Snapshot) error
}

// EventLog records evidence with the weight each hit contributed.
type EventLog interface {
	LogEvents(ctx context.Context, address string, hits []risk.FeatureHit, applied []risk.Contribution) error
}

// Source says which branch produced a decision.
type Source string

const (
	SourceLive   Source = "live"   // scored from request evidence
	SourceCached Source = "cached" // verdict re-derived from a stored snapshot
	SourceEmpty  Source = "empty"  // no evidence and no snapshot
)

// Request is the input to Decide.
type Request struct {
	Address string
	Hits    []risk.FeatureHit
}

// Decision is the final verdict. Its JSON form is the public API response.
type Decision struct {
	Allowed   bool          `json:"allowed"`
	RiskBand  risk.Band     `json:"risk_band"`
	RiskScore int           `json:"risk_score"`
	Reasons   []string      `json:"reasons"`
	Status    policy.Status `json:"status,omitempty"`

	Address    string `json:"-"`
	Source     Source `json:"-"`
	Rule       string `json:"-"`
	Sanctioned bool   `json:"-"`
}

// Outcome is the metric/log label for d: "blocked", "alert", or "allowed".
func (d *Decision) Outcome() string {
	switch {
	case !d.Allowed:
		return "blocked"
	case d.Status == policy.StatusAlert:
		return "alert"
	default:
		return "allowed"
	}
}

// Decider produces decisions. It is safe for concurrent use.
type Decider struct {
	sanctions Checker
	scores    ScoreStore
	events    EventLog
	policy    *policy.Engine
	overrides map[string]int
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Decider.
type Option func(*Decider)

// WithClock sets the time source used for decay.
func WithClock(now func() time.Time) Option {
	return func(d *Decider) { d.now = now }
}

// WithHalfLifeOverrides sets per-feature half-lives in days.
func WithHalfLifeOverrides(overrides map[string]int) Option {
	return func(d *Decider) {
		d.overrides = make(map[string]int, len(overrides))
		for k, v := range overrides {
			d.overrides[k] = v
		}
	}
}

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Decider) { d.logger = logger }
}

// WithPolicy replaces the default policy chain.
func WithPolicy(e *policy.Engine) Option {
	return func(d *Decider) { d.policy = e }
}

// New creates a Decider. scores and events may be nil, in which case the
// cached branch always sees no snapshot and nothing is persisted.
func New(sanctions Checker, scores ScoreStore, events EventLog, opts ...Option) *Decider {
	d := &Decider{
		sanctions: sanctions,
		scores:    scores,
		events:    events,
		policy:    policy.Default(),
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decide screens req.Address. The only error it returns wraps
// risk.ErrInvalidEvidence; the whole batch is rejected when any hit is
// invalid.
func (d *Decider) Decide(ctx context.Context, req Request) (*Decision, error) {
	start := time.Now()
	addr := strings.ToLower(strings.TrimSpace(req.Address))

	ctx, span := traces.StartSpan(ctx, "decision.Decide", traces.Address(addr), traces.HitCount(len(req.Hits)))
	defer span.End()

	if err := risk.ValidateHits(req.Hits); err != nil {
		traces.Fail(span, err, "invalid evidence")
		return nil, err
	}

	var dec *Decision
	if len(req.Hits) > 0 {
		dec = d.decideLive(ctx, addr, req.Hits)
	} else {
		dec = d.decideStored(ctx, addr)
	}
	dec.Address = addr

	span.SetAttributes(traces.Score(dec.RiskScore), traces.Source(string(dec.Source)))
	metrics.DecisionsTotal.WithLabelValues(string(dec.Source), dec.Outcome()).Inc()
	metrics.RiskScore.Observe(float64(dec.RiskScore))
	metrics.DecisionDuration.Observe(time.Since(start).Seconds())

	d.log(ctx).Info("decision",
		"address", addr,
		"source", dec.Source,
		"allowed", dec.Allowed,
		"score", dec.RiskScore,
		"band", dec.RiskBand,
		"rule", dec.Rule,
	)
	return dec, nil
}

// decideLive scores request evidence. Fresh evidence always wins over a
// stored snapshot.
func (d *Decider) decideLive(ctx context.Context, addr string, hits []risk.FeatureHit) *Decision {
	sanctioned := d.isSanctioned(ctx, addr)
	a := risk.Compute(hits, sanctioned, d.now(), d.overrides)

	dec := d.verdict(sanctioned, a.Score, a.Band, a.Reasons, SourceLive)
	d.persist(ctx, addr, hits, a)
	return dec
}

// decideStored re-derives a verdict from the latest snapshot. The sanctions
// lookup and the snapshot read are independent and run concurrently.
func (d *Decider) decideStored(ctx context.Context, addr string) *Decision {
	var (
		wg      sync.WaitGroup
		snap    *risk.Snapshot
		readErr error
	)
	if d.scores != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, readErr = d.scores.Get(ctx, addr)
		}()
	}
	sanctioned := d.isSanctioned(ctx, addr)
	wg.Wait()

	if readErr != nil {
		metrics.SnapshotReadFailures.Inc()
		d.log(ctx).Warn("snapshot read failed, treating as missing", "address", addr, "error", readErr)
		snap = nil
	}

	src := SourceEmpty
	if snap != nil {
		src = SourceCached
	}

	switch {
	case sanctioned:
		a := risk.Sanctioned()
		return d.verdict(true, a.Score, a.Band, a.Reasons, src)
	case snap != nil:
		// Score and band pass through as stored; the band is not
		// recomputed from the score.
		band := snap.Band
		if b, ok := risk.ParseBand(string(snap.Band)); ok {
			band = b
		}
		return d.verdict(false, snap.Score, band, snap.Reasons, src)
	default:
		return d.verdict(false, 0, risk.BandLow, nil, src)
	}
}

func (d *Decider) verdict(sanctioned bool, score int, band risk.Band, reasons []string, src Source) *Decision {
	v := d.policy.Evaluate(policy.Input{Sanctioned: sanctioned, Score: score, Band: band})
	return &Decision{
		Allowed:    v.Allowed,
		RiskBand:   band,
		RiskScore:  score,
		Reasons:    v.WithAlertReason(reasons),
		Status:     v.Status,
		Source:     src,
		Rule:       v.Rule,
		Sanctioned: sanctioned,
	}
}

// isSanctioned fails closed.
func (d *Decider) isSanctioned(ctx context.Context, addr string) bool {
	ok, err := d.sanctions.IsSanctioned(ctx, addr)
	if err != nil {
		metrics.SanctionsLookupFailures.Inc()
		d.log(ctx).Warn("sanctions lookup failed, treating as sanctioned", "address", addr, "error", err)
		return true
	}
	return ok
}

// persist writes evidence and the snapshot. Failures are logged and
// counted, never returned.
func (d *Decider) persist(ctx context.Context, addr string, hits []risk.FeatureHit, a *risk.Assessment) {
	if d.events != nil {
		if err := d.events.LogEvents(ctx, addr, hits, a.Contributions); err != nil {
			metrics.PersistenceFailures.WithLabelValues("events").Inc()
			d.log(ctx).Error("failed to log risk events", "address", addr, "error", err)
		}
	}
	if d.scores != nil {
		snap := &risk.Snapshot{
			Address:   addr,
			Score:     a.Score,
			Band:      a.Band,
			Reasons:   a.Reasons,
			UpdatedAt: d.now(),
		}
		if err := d.scores.Upsert(ctx, snap); err != nil {
			metrics.PersistenceFailures.WithLabelValues("snapshot").Inc()
			d.log(ctx).Error("failed to upsert risk score", "address", addr, "error", err)
		}
	}
}

func (d *Decider) log(ctx context.Context) *slog.Logger {
	if _, ok := logging.LoggerFrom(ctx); ok {
		return logging.L(ctx)
	}
	return d.logger
}
