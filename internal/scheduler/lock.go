package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"go.uber.org/zap"
)

// ErrLockHeld means another process holds the job's lock.
var ErrLockHeld = errors.New("lock held elsewhere")

// Locker guards a job across processes. The returned release func must be
// called exactly once.
type Locker interface {
	Acquire(ctx context.Context, job string) (release func(), err error)
}

// RedisLocker takes a redis lock per job and refreshes it while the job runs,
// so executions longer than the TTL keep their claim.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

func NewRedisLocker(rdb redislock.RedisClient, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLocker{
		client: redislock.New(rdb),
		ttl:    ttl,
		prefix: "hostrd:job:",
		logger: logger.Named("lock"),
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, job string) (func(), error) {
	key := l.prefix + job
	lock, err := l.client.Obtain(ctx, key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLockHeld
	}
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := lock.Refresh(context.Background(), l.ttl, nil); err != nil {
					l.logger.Warn("refreshing job lock", zap.String("key", key), zap.Error(err))
					return
				}
			}
		}
	}()

	return func() {
		close(stop)
		<-done
		if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.logger.Warn("releasing job lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}
