package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hive-corporation/watchtower-pipeline/internal/adapter/metrics"
	"github.com/hive-corporation/watchtower-pipeline/internal/core/ports"
)

// ErrLockTimeout is returned (wrapped in *LockTimeoutError) when a lock could
// not be acquired before its timeout.
var ErrLockTimeout = ports.ErrLockTimeout

// LockTimeoutError carries the lock key and how long the caller waited.
type LockTimeoutError struct {
	Key    string
	Waited time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock timeout: %s not acquired after %s", e.Key, e.Waited)
}

func (e *LockTimeoutError) Is(target error) bool {
	return target == ErrLockTimeout
}

var (
	refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)
)

const releaseTimeout = 5 * time.Second

// Locker hands out Redis-backed mutual exclusion locks. A held lock's key
// carries a lease TTL that a watchdog keeps extending until Release, so a
// crashed holder frees the lock once its lease runs out.
type Locker struct {
	client redis.UniversalClient
	lease  time.Duration
	logger *zap.Logger

	// polling interval bounds while waiting for a held lock
	minPoll time.Duration
	maxPoll time.Duration
}

func NewLocker(client redis.UniversalClient, lease time.Duration, logger *zap.Logger) *Locker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if lease <= 0 {
		lease = 30 * time.Second
	}
	return &Locker{
		client:  client,
		lease:   lease,
		logger:  logger,
		minPoll: 5 * time.Millisecond,
		maxPoll: 100 * time.Millisecond,
	}
}

// Lock is a held distributed lock. Release must be called on every path.
type Lock struct {
	locker *Locker
	key    string
	token  string
	stop   chan struct{}
	done   chan struct{}
}

// Acquire blocks until key is locked, timeout elapses, or ctx is cancelled.
// On timeout it returns a *LockTimeoutError; on cancellation ctx's error.
func (l *Locker) Acquire(ctx context.Context, key string, timeout time.Duration, kind string) (*Lock, error) {
	start := time.Now()
	token := uuid.NewString()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	poll := backoff.NewExponentialBackOff()
	poll.InitialInterval = l.minPoll
	poll.MaxInterval = l.maxPoll
	poll.MaxElapsedTime = 0
	poll.Reset()

	for {
		ok, err := l.client.SetNX(waitCtx, key, token, l.lease).Result()
		if err == nil && ok {
			metrics.RecordLockWait(kind, time.Since(start))
			lock := &Lock{
				locker: l,
				key:    key,
				token:  token,
				stop:   make(chan struct{}),
				done:   make(chan struct{}),
			}
			go lock.watchdog()
			return lock, nil
		}
		if err != nil && waitCtx.Err() == nil {
			l.abandon(ctx, key, token)
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}

		timer := time.NewTimer(poll.NextBackOff())
		select {
		case <-waitCtx.Done():
			timer.Stop()
			// a SET NX cut off by the deadline may still have been applied
			l.abandon(ctx, key, token)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			metrics.RecordLockTimeout(kind)
			return nil, &LockTimeoutError{Key: key, Waited: time.Since(start)}
		case <-timer.C:
		}
	}
}

// abandon deletes key if it holds token. It is used when an acquisition
// gives up without knowing whether its last SET NX reached the server.
func (l *Locker) abandon(ctx context.Context, key, token string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if err := releaseScript.Run(rctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		l.logger.Warn("failed to clear abandoned lock attempt", zap.String("lock", key), zap.Error(err))
	}
}

func (lk *Lock) watchdog() {
	defer close(lk.done)

	ticker := time.NewTicker(lk.locker.lease / 3)
	defer ticker.Stop()

	for {
		select {
		case <-lk.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), lk.locker.lease/3)
			n, err := refreshScript.Run(ctx, lk.locker.client, []string{lk.key}, lk.token, lk.locker.lease.Milliseconds()).Int()
			cancel()
			if err != nil {
				lk.locker.logger.Warn("failed to extend lock lease", zap.String("lock", lk.key), zap.Error(err))
				continue
			}
			if n == 0 {
				lk.locker.logger.Error("lock lease lost", zap.String("lock", lk.key))
				return
			}
		}
	}
}

// Release stops the lease watchdog and deletes the lock key if still owned.
// It runs even when ctx is already cancelled.
func (lk *Lock) Release(ctx context.Context) error {
	select {
	case <-lk.stop:
		return nil
	default:
		close(lk.stop)
	}
	<-lk.done

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if err := releaseScript.Run(rctx, lk.locker.client, []string{lk.key}, lk.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to release lock %s: %w", lk.key, err)
	}
	return nil
}

// withLock runs fn while holding key. The lock is released on every exit path.
func (l *Locker) withLock(ctx context.Context, key string, timeout time.Duration, kind string, fn func(ctx context.Context) error) (err error) {
	lock, err := l.Acquire(ctx, key, timeout, kind)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lock.Release(ctx); rerr != nil {
			l.logger.Warn("lock release failed", zap.String("lock", key), zap.Error(rerr))
		}
	}()
	return fn(ctx)
}
