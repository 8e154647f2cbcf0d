package trust

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/vorion-labs/vorion/pkg/apierror"
	"github.com/vorion-labs/vorion/pkg/cache"
	"github.com/vorion-labs/vorion/pkg/contracts"
	"github.com/vorion-labs/vorion/pkg/resilience"
	"github.com/vorion-labs/vorion/pkg/store"
)

const (
	// recalcStaleness is the read-time recalculation trigger: records
	// calculated longer ago than this are recomputed synchronously.
	recalcStaleness = 60 * time.Second

	// signalWindow bounds which signals feed a recalculation.
	signalWindow = 7 * 24 * time.Hour

	// historyThreshold is the minimum |Δscore| that emits a history entry.
	historyThreshold = 10

	recordCacheTTL = 30 * time.Second
)

// Snapshot is the read-time view of an entity's trust, after decay, floor,
// and ceilings.
type Snapshot struct {
	EntityID   string                    `json:"entity_id"`
	Score      int                       `json:"score"` // effective
	Band       int                       `json:"band"`
	RawScore   int                       `json:"raw_score"`     // persisted, pre-decay
	Decayed    int                       `json:"decayed_score"` // after decay, before floor/ceiling
	Floor      int                       `json:"floor"`
	Ceiling    int                       `json:"ceiling"`
	Components contracts.TrustComponents `json:"components"`
	Decay      float64                   `json:"decay_multiplier"`
}

// Engine is the trust engine façade. Observability and context ceilings are
// pure functions consumed here; nothing holds a reference back.
type Engine struct {
	trust        store.TrustStore
	attestations store.AttestationStore
	cache        *cache.Cache
	breaker      *resilience.CircuitBreaker
	clock        func() time.Time
	logger       *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithCache enables XFetch caching of trust-record reads.
func WithCache(c *cache.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithBreaker guards durable-store round-trips with a circuit breaker.
func WithBreaker(b *resilience.CircuitBreaker) Option {
	return func(e *Engine) { e.breaker = b }
}

// NewEngine creates a trust engine over the given stores.
func NewEngine(trustStore store.TrustStore, attStore store.AttestationStore, opts ...Option) *Engine {
	e := &Engine{
		trust:        trustStore,
		attestations: attStore,
		clock:        time.Now,
		logger:       slog.Default().With("component", "trust-engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// guarded runs a store operation under the breaker when one is configured.
func (e *Engine) guarded(ctx context.Context, fn func(context.Context) error) error {
	if e.breaker == nil {
		return fn(ctx)
	}
	return e.breaker.Execute(ctx, fn)
}

// loadRecord reads the trust record, through the XFetch cache when
// configured. Entities without a record get a neutral default.
func (e *Engine) loadRecord(ctx context.Context, entityID string) (*contracts.TrustRecord, error) {
	fetch := func(ctx context.Context) (*contracts.TrustRecord, error) {
		var rec *contracts.TrustRecord
		err := e.guarded(ctx, func(ctx context.Context) error {
			var err error
			rec, err = e.trust.GetRecord(ctx, entityID)
			return err
		})
		if apierror.Is(err, apierror.CodeNotFound) {
			now := e.clock()
			return &contracts.TrustRecord{
				EntityID:         entityID,
				Score:            RawScore(contracts.TrustComponents{Behavioral: defaultComponent, Compliance: defaultComponent, Identity: defaultComponent, Context: defaultComponent}),
				Components:       contracts.TrustComponents{Behavioral: defaultComponent, Compliance: defaultComponent, Identity: defaultComponent, Context: defaultComponent},
				LastCalculatedAt: now,
				LastActivityAt:   now,
			}, nil
		}
		return rec, err
	}

	if e.cache == nil {
		return fetch(ctx)
	}
	return cache.GetWithXFetch(ctx, e.cache, "trust:record:"+entityID, recordCacheTTL, fetch)
}

// GetScore returns the effective trust snapshot for an entity in the given
// environment. Records whose calculation is older than 60 s are recomputed
// synchronously against the last 7 days of signals before decay, floor, and
// ceilings apply.
func (e *Engine) GetScore(ctx context.Context, entityID string, env contracts.EntityEnvironment) (*Snapshot, error) {
	rec, err := e.loadRecord(ctx, entityID)
	if err != nil {
		return nil, err
	}
	now := e.clock()

	if now.Sub(rec.LastCalculatedAt) > recalcStaleness {
		if recalced, err := e.Recalculate(ctx, entityID, "staleness refresh", ""); err != nil {
			// A failed recalculation degrades to the stale record; the
			// staleness window is tolerated by contract.
			e.logger.Warn("recalculation failed, serving stale record", "entity", entityID, "error", err)
		} else {
			rec = recalced
		}
	}

	return e.snapshot(ctx, rec, env, now)
}

// snapshot applies decay, attestation floor, and ceilings to a record.
func (e *Engine) snapshot(ctx context.Context, rec *contracts.TrustRecord, env contracts.EntityEnvironment, now time.Time) (*Snapshot, error) {
	daysInactive := now.Sub(rec.LastActivityAt).Hours() / 24
	if daysInactive < 0 {
		daysInactive = 0
	}
	multiplier := DecayMultiplier(daysInactive)
	decayed := ClampScore(int(math.Round(float64(rec.Score) * multiplier)))

	var atts []contracts.Attestation
	if e.attestations != nil {
		err := e.guarded(ctx, func(ctx context.Context) error {
			var err error
			atts, err = e.attestations.AttestationsFor(ctx, rec.EntityID)
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	floor := AttestationFloor(atts, now)

	ceiling := ObservabilityCeiling(env.Observability)
	if ctxCeiling := ContextCeiling(env); ctxCeiling < ceiling {
		ceiling = ctxCeiling
	}
	if env.RequestedBand > 0 && !env.HumanApproved {
		// Contexts that demand human approval above a threshold band cap
		// unapproved requests at that threshold.
		if threshold := approvalThreshold(env.Deployment); threshold >= 0 && env.RequestedBand > threshold {
			if capScore := BandMinScore(threshold+1) - 1; capScore < ceiling {
				ceiling = capScore
			}
		}
	}

	effective := decayed
	if floor > effective {
		effective = floor
	}
	if effective > ceiling {
		effective = ceiling
	}
	effective = ClampScore(effective)

	return &Snapshot{
		EntityID:   rec.EntityID,
		Score:      effective,
		Band:       ScoreToBand(effective),
		RawScore:   rec.Score,
		Decayed:    decayed,
		Floor:      floor,
		Ceiling:    ceiling,
		Components: rec.Components,
		Decay:      multiplier,
	}, nil
}

// approvalThreshold returns the band above which a context requires human
// approval, or -1 when the context imposes none.
func approvalThreshold(dc contracts.DeploymentContext) int {
	switch dc {
	case contracts.ContextRegulated:
		return 3
	case contracts.ContextSovereign:
		return 4
	default:
		return -1
	}
}

// Recalculate recomputes components from recent signals, persists the new
// record, and emits a history entry when the score moved by at least 10
// points. Returns the stored record.
func (e *Engine) Recalculate(ctx context.Context, entityID, reason, signalID string) (*contracts.TrustRecord, error) {
	now := e.clock()

	var prev *contracts.TrustRecord
	err := e.guarded(ctx, func(ctx context.Context) error {
		var err error
		prev, err = e.trust.GetRecord(ctx, entityID)
		return err
	})
	if err != nil && !apierror.Is(err, apierror.CodeNotFound) {
		return nil, err
	}

	var signals []contracts.TrustSignal
	if err := e.guarded(ctx, func(ctx context.Context) error {
		var err error
		signals, err = e.trust.RecentSignals(ctx, entityID, now.Add(-signalWindow))
		return err
	}); err != nil {
		return nil, err
	}

	components := ComposeComponents(signals, now)
	score := RawScore(components)

	rec := &contracts.TrustRecord{
		EntityID:         entityID,
		Score:            score,
		Band:             ScoreToBand(score),
		Components:       components,
		LastCalculatedAt: now,
		LastActivityAt:   now,
	}
	if prev != nil {
		rec.LastActivityAt = prev.LastActivityAt
		rec.SignalCount = prev.SignalCount
		rec.RowVersion = prev.RowVersion
	}
	// A signal-triggered recalculation counts its signal; a staleness
	// refresh leaves the lifetime count alone.
	if signalID != "" {
		rec.SignalCount++
	}

	var stored *contracts.TrustRecord
	if err := e.guarded(ctx, func(ctx context.Context) error {
		var err error
		stored, err = e.trust.SaveRecord(ctx, rec)
		return err
	}); err != nil {
		return nil, err
	}

	if prev != nil {
		delta := stored.Score - prev.Score
		if delta >= historyThreshold || delta <= -historyThreshold {
			entry := &contracts.TrustHistoryEntry{
				EntityID:      entityID,
				PreviousScore: prev.Score,
				NewScore:      stored.Score,
				PreviousBand:  ScoreToBand(prev.Score),
				NewBand:       ScoreToBand(stored.Score),
				Reason:        reason,
				SignalID:      signalID,
				Timestamp:     now,
			}
			if err := e.trust.AppendHistory(ctx, entry); err != nil {
				e.logger.Warn("history append failed", "entity", entityID, "error", err)
			}
		}
	}

	e.invalidate(entityID)
	return stored, nil
}

// RecordSignal appends a behavioral signal. Idempotent under duplicate
// signal IDs. Trust-positive signals reset the decay clock and trigger a
// recalculation.
func (e *Engine) RecordSignal(ctx context.Context, sig *contracts.TrustSignal) error {
	if sig.EntityID == "" {
		return apierror.Validation("signal missing entity id")
	}
	if sig.Value < 0 || sig.Value > 1 {
		return apierror.Validation("signal value %v out of [0,1]", sig.Value)
	}
	if sig.Weight <= 0 {
		return apierror.Validation("signal weight must be positive")
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = e.clock()
	}

	var inserted bool
	if err := e.guarded(ctx, func(ctx context.Context) error {
		var err error
		inserted, err = e.trust.InsertSignal(ctx, sig)
		return err
	}); err != nil {
		return err
	}
	if !inserted {
		// Duplicate delivery; the first submission already took effect.
		return nil
	}

	if sig.Positive() {
		if err := e.RecordActivity(ctx, sig.EntityID, sig.Timestamp); err != nil {
			return err
		}
	}

	reason := fmt.Sprintf("signal %s", sig.Type)
	if _, err := e.Recalculate(ctx, sig.EntityID, reason, sig.ID); err != nil {
		return err
	}
	return nil
}

// RecordActivity resets the decay clock. Applying the same timestamp twice
// yields the same lastActivityAt.
func (e *Engine) RecordActivity(ctx context.Context, entityID string, ts time.Time) error {
	err := e.guarded(ctx, func(ctx context.Context) error {
		return e.trust.TouchActivity(ctx, entityID, ts)
	})
	if err != nil {
		return err
	}
	e.invalidate(entityID)
	return nil
}

func (e *Engine) invalidate(entityID string) {
	if e.cache == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.cache.Invalidate(ctx, "trust:record:"+entityID); err != nil {
			e.logger.Warn("trust cache invalidation failed", "entity", entityID, "error", err)
		}
	}()
}
