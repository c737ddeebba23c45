package mitigation

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/mitigator/internal/auth"
	"github.com/mbd888/mitigator/internal/metrics"
)

// Engine applies the mitigation policy to detections. It is safe for
// concurrent use; all state lives in the injected StateStore.
type Engine struct {
	store  *StateStore
	policy atomic.Pointer[Policy]
	now    func() time.Time
	logger *slog.Logger

	onReset atomic.Pointer[func(principal string)]
}

// NewEngine creates an engine over store. A nil policy selects DefaultPolicy.
func NewEngine(store *StateStore, policy *Policy, logger *slog.Logger) (*Engine, error) {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:  store,
		now:    time.Now,
		logger: logger,
	}
	if err := e.SetPolicy(policy); err != nil {
		return nil, err
	}
	return e, nil
}

// Policy returns a copy of the active policy.
func (e *Engine) Policy() *Policy {
	return e.policy.Load().Clone()
}

// SetPolicy validates and installs a new policy. In-flight decisions finish
// under the policy they started with.
func (e *Engine) SetPolicy(p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p = p.Clone()
	e.policy.Store(p)
	e.store.SetExpiry(p.expiry())
	return nil
}

// Decide returns the mitigation decision for one detection and applies its
// state changes. It never fails: unknown labels resolve to an alert.
func (e *Engine) Decide(source string, label int, sessionID string) Decision {
	return e.Evaluate(Detection{Source: source, Label: label, SessionID: sessionID}).Decision
}

// Evaluate is Decide with the full outcome, for callers that forward the
// result to event sinks.
func (e *Engine) Evaluate(d Detection) Outcome {
	p := e.policy.Load()
	category := p.CategoryOf(d.Label)

	out := Outcome{
		Detection:  d,
		Category:   category,
		AttackType: LabelName(d.Label),
		DecidedAt:  e.now(),
	}

	switch category {
	case CategoryDos:
		count, _ := e.store.EscalateDos(d.Source, p.DosBlockThreshold)
		out.ViolationCount = count
		if count >= p.DosBlockThreshold {
			if count == p.DosBlockThreshold {
				e.logger.Info("source blocked after repeated dos", "source", d.Source, "violations", count)
			}
			out.Decision = Decision{Action: ActionBlocked, Reason: ReasonPersistentDos}
		} else {
			out.Decision = Decision{Action: ActionRateLimited, Reason: ReasonDosDetected}
		}
	case CategoryExploit:
		e.store.MarkBlocked(d.Source)
		out.Decision = Decision{Action: ActionBlocked, Reason: ReasonExploitation}
	case CategoryRecon:
		out.Decision = Decision{Action: ActionMonitored, Reason: ReasonReconnaissance}
	case CategoryFuzzingAnalysis:
		e.store.AddToBlacklist(d.Source)
		out.Decision = Decision{Action: ActionSessionTerminated, Reason: ReasonFuzzing}
	case CategoryOther:
		out.Decision = Decision{Action: ActionAlert, Reason: CategoryOther.String()}
	default:
		// Validate rejects categories outside the enum, so this is unreachable
		// unless a new Category is added without a case above.
		out.Decision = Decision{Action: ActionAlert, Reason: category.String()}
	}

	metrics.DecisionsTotal.WithLabelValues(string(out.Action), category.String()).Inc()
	return out
}

// IsBlocked reports whether source is blocked.
func (e *Engine) IsBlocked(source string) bool {
	return e.store.IsBlocked(source)
}

// IsRateLimited reports whether source is rate limited but not blocked.
func (e *Engine) IsRateLimited(source string) bool {
	return e.store.IsRateLimited(source)
}

// IsBlacklisted reports whether source's session is marked for termination.
func (e *Engine) IsBlacklisted(source string) bool {
	return e.store.IsBlacklisted(source)
}

// Status returns the full state of one source.
func (e *Engine) Status(source string) SourceStatus {
	return e.store.Status(source)
}

// Stats returns a snapshot of all tracked sources.
func (e *Engine) Stats() Stats {
	return e.store.SnapshotStats()
}

// ResetAll clears all mitigation state. The caller's context must carry an
// admin principal.
func (e *Engine) ResetAll(ctx context.Context) error {
	principal, ok := auth.AdminFrom(ctx)
	if !ok {
		return ErrNotAuthorized
	}
	e.store.ResetAll()
	metrics.ResetsTotal.Inc()
	metrics.SetTrackedSources(0, 0, 0)
	e.logger.Warn("mitigation state reset", "principal", principal)
	if fn := e.onReset.Load(); fn != nil {
		(*fn)(principal)
	}
	return nil
}

// OnReset registers fn to run after every successful ResetAll. A later call
// replaces the earlier hook.
func (e *Engine) OnReset(fn func(principal string)) {
	e.onReset.Store(&fn)
}

// Sweep reclaims expired entries and refreshes the tracked-source gauges.
func (e *Engine) Sweep() (blocks, rateLimits int) {
	blocks, rateLimits = e.store.Sweep()
	if blocks > 0 {
		metrics.ExpiredEntriesTotal.WithLabelValues("block").Add(float64(blocks))
	}
	if rateLimits > 0 {
		metrics.ExpiredEntriesTotal.WithLabelValues("rate_limit").Add(float64(rateLimits))
	}
	stats := e.store.SnapshotStats()
	metrics.SetTrackedSources(stats.BlockedCount, stats.RateLimitedCount, stats.BlacklistedCount)
	return blocks, rateLimits
}
