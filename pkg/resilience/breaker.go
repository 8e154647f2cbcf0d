// Package resilience implements the coordination-KV-backed resilience
// fabric: circuit breakers shared across instances, distributed locks with
// fenced backoff acquisition, and cluster-singleton leader election.
//
// The KV is authoritative for breaker state; a one-second in-process read
// cache trims hot-path round-trips but is never relied on for the
// CLOSED→OPEN transition. KV read failures fail open (assume CLOSED) so a
// coordination outage cannot cascade into a full stop.
package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vorion-labs/vorion/pkg/apierror"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

const (
	breakerKeyPrefix = "vorion:circuit-breaker:"
	// Hard expiry prevents stale breaker records from accumulating in the KV.
	breakerHardTTL = 24 * time.Hour
	localCacheTTL  = time.Second
)

// BreakerConfig tunes one circuit breaker.
type BreakerConfig struct {
	FailureThreshold    int           `yaml:"failure_threshold"`
	ResetTimeout        time.Duration `yaml:"reset_timeout"`
	HalfOpenMaxAttempts int           `yaml:"half_open_max_attempts"`
	MonitorWindow       time.Duration `yaml:"monitor_window"`
}

// DefaultBreakerConfigs ships per-service defaults. All are overridable at
// startup through the config profile.
func DefaultBreakerConfigs() map[string]BreakerConfig {
	return map[string]BreakerConfig{
		"database":     {FailureThreshold: 5, ResetTimeout: 30 * time.Second, HalfOpenMaxAttempts: 2, MonitorWindow: 60 * time.Second},
		"redis":        {FailureThreshold: 5, ResetTimeout: 10 * time.Second, HalfOpenMaxAttempts: 2, MonitorWindow: 30 * time.Second},
		"webhook":      {FailureThreshold: 3, ResetTimeout: 60 * time.Second, HalfOpenMaxAttempts: 1, MonitorWindow: 120 * time.Second},
		"policyEngine": {FailureThreshold: 5, ResetTimeout: 15 * time.Second, HalfOpenMaxAttempts: 2, MonitorWindow: 60 * time.Second},
		"trustEngine":  {FailureThreshold: 5, ResetTimeout: 15 * time.Second, HalfOpenMaxAttempts: 2, MonitorWindow: 60 * time.Second},
		"auditService": {FailureThreshold: 10, ResetTimeout: 30 * time.Second, HalfOpenMaxAttempts: 3, MonitorWindow: 120 * time.Second},
	}
}

// breakerRecord is the KV-persisted breaker state.
type breakerRecord struct {
	State            BreakerState `json:"state"`
	FailureCount     int          `json:"failure_count"`
	LastFailureTime  time.Time    `json:"last_failure_time,omitempty"`
	OpenedAt         time.Time    `json:"opened_at,omitempty"`
	HalfOpenAttempts int          `json:"half_open_attempts"`
	WindowStart      time.Time    `json:"window_start,omitempty"`
}

// StateChangeFunc observes breaker transitions. It fires exactly once per
// transition made by this instance.
type StateChangeFunc func(service string, from, to BreakerState)

// CircuitBreaker is a per-service, KV-shared circuit breaker.
type CircuitBreaker struct {
	rdb           redis.UniversalClient
	service       string
	cfg           BreakerConfig
	onStateChange StateChangeFunc
	clock         func() time.Time
	logger        *slog.Logger

	mu       sync.Mutex
	cached   *breakerRecord
	cachedAt time.Time
}

// NewCircuitBreaker creates a breaker for a named service.
func NewCircuitBreaker(rdb redis.UniversalClient, service string, cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		rdb:     rdb,
		service: service,
		cfg:     cfg,
		clock:   time.Now,
		logger:  slog.Default().With("component", "circuit-breaker", "service", service),
	}
}

// OnStateChange registers the transition callback.
func (b *CircuitBreaker) OnStateChange(fn StateChangeFunc) *CircuitBreaker {
	b.onStateChange = fn
	return b
}

// WithClock overrides the clock for deterministic testing.
func (b *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	b.clock = clock
	return b
}

func (b *CircuitBreaker) key() string { return breakerKeyPrefix + b.service }

// load reads the current record, serving from the local cache within its
// one-second window. KV errors fail open: a fresh CLOSED record is returned.
func (b *CircuitBreaker) load(ctx context.Context, bypassCache bool) *breakerRecord {
	b.mu.Lock()
	if !bypassCache && b.cached != nil && b.clock().Sub(b.cachedAt) < localCacheTTL {
		rec := *b.cached
		b.mu.Unlock()
		return &rec
	}
	b.mu.Unlock()

	raw, err := b.rdb.Get(ctx, b.key()).Bytes()
	if err == redis.Nil {
		return &breakerRecord{State: StateClosed}
	}
	if err != nil {
		b.logger.Warn("breaker state read failed, failing open", "error", err)
		return &breakerRecord{State: StateClosed}
	}
	var rec breakerRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		b.logger.Warn("breaker state corrupt, failing open", "error", err)
		return &breakerRecord{State: StateClosed}
	}

	b.mu.Lock()
	cp := rec
	b.cached = &cp
	b.cachedAt = b.clock()
	b.mu.Unlock()
	return &rec
}

// save writes the record through to the KV and refreshes the local cache.
// Writes always go through; a failed write is logged and the local cache is
// still updated so this instance keeps a coherent view.
func (b *CircuitBreaker) save(ctx context.Context, rec *breakerRecord) {
	raw, err := json.Marshal(rec)
	if err == nil {
		if err := b.rdb.Set(ctx, b.key(), raw, breakerHardTTL).Err(); err != nil {
			b.logger.Warn("breaker state write failed", "error", err)
		}
	}
	b.mu.Lock()
	cp := *rec
	b.cached = &cp
	b.cachedAt = b.clock()
	b.mu.Unlock()
}

func (b *CircuitBreaker) transition(ctx context.Context, rec *breakerRecord, to BreakerState) {
	from := rec.State
	if from == to {
		return
	}
	rec.State = to
	switch to {
	case StateOpen:
		rec.OpenedAt = b.clock()
		rec.HalfOpenAttempts = 0
	case StateHalfOpen:
		rec.HalfOpenAttempts = 0
	case StateClosed:
		rec.FailureCount = 0
		rec.HalfOpenAttempts = 0
		rec.OpenedAt = time.Time{}
		rec.WindowStart = time.Time{}
	}
	b.save(ctx, rec)
	b.logger.Info("circuit breaker transition", "from", from, "to", to)
	if b.onStateChange != nil {
		b.onStateChange(b.service, from, to)
	}
}

// State returns the effective state, applying the OPEN→HALF_OPEN timer
// transition on read.
func (b *CircuitBreaker) State(ctx context.Context) BreakerState {
	rec := b.load(ctx, false)
	if rec.State == StateOpen && b.clock().Sub(rec.OpenedAt) >= b.cfg.ResetTimeout {
		b.transition(ctx, rec, StateHalfOpen)
	}
	return rec.State
}

// Execute runs fn under the breaker. An OPEN breaker short-circuits with a
// CIRCUIT_BREAKER_OPEN error; fn's own error is returned unchanged after
// being recorded as a failure.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if b.State(ctx) == StateOpen {
		return apierror.CircuitOpen(b.service)
	}
	if err := fn(ctx); err != nil {
		b.RecordFailure(ctx)
		return err
	}
	b.RecordSuccess(ctx)
	return nil
}

// RecordSuccess feeds a success into the state machine.
func (b *CircuitBreaker) RecordSuccess(ctx context.Context) {
	rec := b.load(ctx, true)
	switch rec.State {
	case StateHalfOpen:
		b.transition(ctx, rec, StateClosed)
	case StateClosed:
		if rec.FailureCount != 0 {
			rec.FailureCount = 0
			rec.WindowStart = time.Time{}
			b.save(ctx, rec)
		}
	}
}

// RecordFailure feeds a failure into the state machine.
func (b *CircuitBreaker) RecordFailure(ctx context.Context) {
	rec := b.load(ctx, true)
	now := b.clock()

	switch rec.State {
	case StateClosed:
		if rec.WindowStart.IsZero() || now.Sub(rec.WindowStart) > b.cfg.MonitorWindow {
			rec.WindowStart = now
			rec.FailureCount = 0
		}
		rec.FailureCount++
		rec.LastFailureTime = now
		if rec.FailureCount >= b.cfg.FailureThreshold {
			b.transition(ctx, rec, StateOpen)
			return
		}
		b.save(ctx, rec)

	case StateHalfOpen:
		rec.HalfOpenAttempts++
		rec.LastFailureTime = now
		if rec.HalfOpenAttempts >= b.cfg.HalfOpenMaxAttempts {
			b.transition(ctx, rec, StateOpen)
			return
		}
		b.save(ctx, rec)

	case StateOpen:
		rec.LastFailureTime = now
		b.save(ctx, rec)
	}
}

// Reset forces the breaker back to CLOSED. Admin operation.
func (b *CircuitBreaker) Reset(ctx context.Context) {
	rec := b.load(ctx, true)
	b.transition(ctx, rec, StateClosed)
}

// Registry hands out breakers by service name with config overrides.
type Registry struct {
	mu       sync.Mutex
	rdb      redis.UniversalClient
	configs  map[string]BreakerConfig
	breakers map[string]*CircuitBreaker
	onChange StateChangeFunc
}

// NewRegistry creates a breaker registry over the default service table,
// merged with overrides.
func NewRegistry(rdb redis.UniversalClient, overrides map[string]BreakerConfig, onChange StateChangeFunc) *Registry {
	configs := DefaultBreakerConfigs()
	for name, cfg := range overrides {
		configs[name] = cfg
	}
	return &Registry{
		rdb:      rdb,
		configs:  configs,
		breakers: make(map[string]*CircuitBreaker),
		onChange: onChange,
	}
}

// For returns the breaker for a service, creating it on first use. Unknown
// services get conservative defaults.
func (r *Registry) For(service string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[service]; ok {
		return b
	}
	cfg, ok := r.configs[service]
	if !ok {
		cfg = BreakerConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second, HalfOpenMaxAttempts: 2, MonitorWindow: 60 * time.Second}
	}
	b := NewCircuitBreaker(r.rdb, service, cfg)
	if r.onChange != nil {
		b.OnStateChange(r.onChange)
	}
	r.breakers[service] = b
	return b
}

func (b *CircuitBreaker) String() string {
	return fmt.Sprintf("CircuitBreaker(%s)", b.service)
}
