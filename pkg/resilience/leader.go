package resilience

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// LeaderKey is the cluster-wide election key.
	LeaderKey = "scheduler:leader"

	LeaderTTL         = 30 * time.Second
	HeartbeatInterval = 10 * time.Second
	ElectionInterval  = 15 * time.Second
)

// InstanceID builds the process identity used in elections:
// hostname-pid-random8.
func InstanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("%s-%d-%08x", host, os.Getpid(), time.Now().UnixNano()&0xffffffff)
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), hex.EncodeToString(buf[:]))
}

// Elector runs lease-with-heartbeat leader election. One instance holds the
// lease at a time; followers periodically attempt re-election.
type Elector struct {
	rdb    redis.UniversalClient
	id     string
	leader atomic.Bool
	logger *slog.Logger

	heartbeatEvery time.Duration
	electEvery     time.Duration
	ttl            time.Duration

	onBecameLeader   func()
	onLostLeadership func()

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// ElectorOption configures an Elector.
type ElectorOption func(*Elector)

// WithIntervals overrides lease timing, for tests.
func WithIntervals(ttl, heartbeat, election time.Duration) ElectorOption {
	return func(e *Elector) {
		e.ttl = ttl
		e.heartbeatEvery = heartbeat
		e.electEvery = election
	}
}

// OnBecameLeader registers the leadership-gained callback.
func OnBecameLeader(fn func()) ElectorOption {
	return func(e *Elector) { e.onBecameLeader = fn }
}

// OnLostLeadership registers the leadership-lost callback.
func OnLostLeadership(fn func()) ElectorOption {
	return func(e *Elector) { e.onLostLeadership = fn }
}

// NewElector creates an elector with the given instance identity. Pass the
// result of InstanceID unless a test needs a fixed identity.
func NewElector(rdb redis.UniversalClient, id string, opts ...ElectorOption) *Elector {
	e := &Elector{
		rdb:            rdb,
		id:             id,
		ttl:            LeaderTTL,
		heartbeatEvery: HeartbeatInterval,
		electEvery:     ElectionInterval,
		logger:         slog.Default().With("component", "leader-election", "instance", id),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ID returns the instance identity.
func (e *Elector) ID() string { return e.id }

// IsLeader reports whether this instance currently believes it holds the
// lease. Leader-only tasks must re-check at every dispatch point.
func (e *Elector) IsLeader() bool { return e.leader.Load() }

// Start begins the election loop. It returns immediately; the loop runs
// until Stop or ctx cancellation.
func (e *Elector) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	e.tryAcquire(loopCtx)
	go e.run(loopCtx)
}

func (e *Elector) run(ctx context.Context) {
	defer close(e.done)
	for {
		var wait time.Duration
		if e.IsLeader() {
			wait = e.heartbeatEvery
		} else {
			wait = e.electEvery
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if e.IsLeader() {
			e.heartbeat(ctx)
		} else {
			e.tryAcquire(ctx)
		}
	}
}

// tryAcquire attempts to take the lease with an atomic set-if-absent.
func (e *Elector) tryAcquire(ctx context.Context) {
	ok, err := e.rdb.SetNX(ctx, LeaderKey, e.id, e.ttl).Result()
	if err != nil {
		e.logger.Warn("election attempt failed", "error", err)
		return
	}
	if ok {
		e.leader.Store(true)
		e.logger.Info("became leader")
		if e.onBecameLeader != nil {
			e.onBecameLeader()
		}
	}
}

// heartbeat extends the lease iff the key still holds our identity. A failed
// heartbeat demotes the instance to follower.
func (e *Elector) heartbeat(ctx context.Context) {
	n, err := extendScript.Run(ctx, e.rdb, []string{LeaderKey}, e.id, e.ttl.Milliseconds()).Int64()
	if err != nil || n != 1 {
		e.logger.Warn("heartbeat failed, stepping down", "error", err)
		e.demote()
	}
}

func (e *Elector) demote() {
	if e.leader.CompareAndSwap(true, false) {
		if e.onLostLeadership != nil {
			e.onLostLeadership()
		}
	}
}

// Stop shuts the loop down and resigns gracefully via check-and-delete.
func (e *Elector) Stop(ctx context.Context) {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	if e.IsLeader() {
		if _, err := releaseScript.Run(ctx, e.rdb, []string{LeaderKey}, e.id).Int64(); err != nil {
			e.logger.Warn("leader resignation failed", "error", err)
		}
		e.demote()
	}
}
