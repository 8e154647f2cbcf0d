package resilience

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vorion-labs/vorion/pkg/apierror"
)

// Check-and-delete: release only when the stored token is ours.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Check-and-extend: refresh the TTL only when the stored token is ours.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// LockConfig tunes distributed lock acquisition.
type LockConfig struct {
	TTL            time.Duration
	RetryDelay     time.Duration
	MaxRetryDelay  time.Duration
	JitterFactor   float64
	AcquireTimeout time.Duration
}

// DefaultLockConfig returns production defaults.
func DefaultLockConfig() LockConfig {
	return LockConfig{
		TTL:            30 * time.Second,
		RetryDelay:     50 * time.Millisecond,
		MaxRetryDelay:  2 * time.Second,
		JitterFactor:   0.25,
		AcquireTimeout: 10 * time.Second,
	}
}

// Lock is a held distributed lock. The token fences release and extend:
// without the matching token both are no-ops returning false.
type Lock struct {
	rdb    redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration
	logger *slog.Logger
}

// AcquireLock acquires the named lock with exponential backoff and jitter,
// giving up with a TIMEOUT error when AcquireTimeout elapses.
func AcquireLock(ctx context.Context, rdb redis.UniversalClient, key string, cfg LockConfig) (*Lock, error) {
	token := uuid.New().String()
	deadline := time.Now().Add(cfg.AcquireTimeout)
	delay := cfg.RetryDelay

	for {
		ok, err := rdb.SetNX(ctx, key, token, cfg.TTL).Result()
		if err != nil {
			return nil, apierror.ExternalService(err, "lock acquire %q", key)
		}
		if ok {
			return &Lock{
				rdb:    rdb,
				key:    key,
				token:  token,
				ttl:    cfg.TTL,
				logger: slog.Default().With("component", "dist-lock", "key", key),
			}, nil
		}

		if time.Now().After(deadline) {
			return nil, apierror.Timeout("lock:" + key)
		}

		sleep := jittered(delay, cfg.JitterFactor)
		select {
		case <-ctx.Done():
			return nil, apierror.Wrap(apierror.CodeTimeout, ctx.Err(), "lock acquire cancelled for %q", key)
		case <-time.After(sleep):
		}

		delay *= 2
		if delay > cfg.MaxRetryDelay {
			delay = cfg.MaxRetryDelay
		}
	}
}

func jittered(d time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return d
	}
	f := 1 + (rand.Float64()*2-1)*factor
	return time.Duration(float64(d) * f)
}

// Token returns the fencing token.
func (l *Lock) Token() string { return l.token }

// Release deletes the lock iff we still own it.
func (l *Lock) Release(ctx context.Context) (bool, error) {
	n, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Int64()
	if err != nil {
		return false, apierror.ExternalService(err, "lock release %q", l.key)
	}
	return n == 1, nil
}

// Extend refreshes the lock TTL iff we still own it.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = l.ttl
	}
	n, err := extendScript.Run(ctx, l.rdb, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, apierror.ExternalService(err, "lock extend %q", l.key)
	}
	return n == 1, nil
}

// ForceRelease unconditionally deletes a lock key. Admin operation; the
// actor is recorded in the audit log.
func ForceRelease(ctx context.Context, rdb redis.UniversalClient, key, actor string) error {
	slog.Default().Warn("distributed lock force-released", "key", key, "actor", actor)
	if err := rdb.Del(ctx, key).Err(); err != nil {
		return apierror.ExternalService(err, "force release %q", key)
	}
	return nil
}
