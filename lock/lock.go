/*
Package lock provides per-definition run locks for the materialization
driver.

Two drivers materializing the same definition is safe (the period key and
the definition version reject the loser) but wasteful. A lock lets the
second driver skip the definition instead of doing the work and rolling
back.

IMPLEMENTATIONS:
  Local: in-process, for a single server
  Redis: bsm/redislock with a TTL, for several servers sharing a database

A lock that cannot be obtained is not an error: acquired=false and the
driver reports the definition as skipped.
*/
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/warp/payables-engine/engine"
)

// Locker obtains non-blocking named locks.
type Locker interface {
	TryLock(ctx context.Context, key string) (release func(), acquired bool, err error)
}

// =============================================================================
// LOCAL
// =============================================================================

// Local holds locks in process memory.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

func (l *Local) TryLock(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, false, nil
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}

// =============================================================================
// REDIS
// =============================================================================

// Redis holds locks in Redis with a TTL, so a crashed driver cannot hold a
// definition forever.
type Redis struct {
	locker *redislock.Client
	ttl    time.Duration
	log    zerolog.Logger
}

func NewRedis(client redis.UniversalClient, ttl time.Duration, log zerolog.Logger) *Redis {
	return &Redis{locker: redislock.New(client), ttl: ttl, log: log}
}

// Connect opens a client and checks it with PING.
func Connect(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func (r *Redis) TryLock(ctx context.Context, key string) (func(), bool, error) {
	l, err := r.locker.Obtain(ctx, key, r.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	return func() {
		// The run context may already be cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.log.Warn().Err(err).Str("key", key).Msg("failed to release run lock")
		}
	}, true, nil
}

// =============================================================================
// ENGINE ADAPTER
// =============================================================================

// Guard adapts a Locker to engine.RunGuard, keyed by definition ID.
type Guard struct {
	Locker Locker
	Prefix string
}

var _ engine.RunGuard = Guard{}

func NewGuard(l Locker) Guard {
	return Guard{Locker: l, Prefix: "apengine:definition:"}
}

func (g Guard) Acquire(ctx context.Context, id engine.DefinitionID) (func(), bool, error) {
	return g.Locker.TryLock(ctx, g.Prefix+string(id))
}
