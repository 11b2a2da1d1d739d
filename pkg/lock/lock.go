package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/cuemby/invrecon/pkg/config"
	"github.com/cuemby/invrecon/pkg/storage"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when another holder owns the key
var ErrNotAcquired = errors.New("lock not acquired")

// Lease is a held lock. Release is safe to call more than once.
type Lease interface {
	Key() string
	Holder() string
	Release(ctx context.Context) error
}

// Locker hands out time-bounded exclusive leases
type Locker interface {
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (Lease, error)
	Close() error
}

// New builds the locker selected by cfg.Backend
func New(cfg config.LockConfig, store storage.Store, clock clockwork.Clock) (Locker, error) {
	switch cfg.Backend {
	case "", "bolt":
		return NewBoltLocker(store, clock), nil
	case "redis":
		return NewRedisLocker(context.Background(), cfg.RedisAddr, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
}

// BoltLocker keeps leases in the local store and serializes runs within one
// process. bbolt locks its file, so a second process cannot open the store
// at all; instances that share a schedule need the redis backend.
type BoltLocker struct {
	store storage.Store
	clock clockwork.Clock
}

func NewBoltLocker(store storage.Store, clock clockwork.Clock) *BoltLocker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &BoltLocker{store: store, clock: clock}
}

func (l *BoltLocker) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lease, err := l.store.AcquireLease(key, holder, ttl, l.clock.Now())
	if errors.Is(err, storage.ErrLeaseHeld) {
		return nil, fmt.Errorf("%w: %v", ErrNotAcquired, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	return &boltLease{store: l.store, lease: *lease}, nil
}

func (l *BoltLocker) Close() error { return nil }

type boltLease struct {
	store storage.Store
	lease storage.Lease
}

func (b *boltLease) Key() string    { return b.lease.Key }
func (b *boltLease) Holder() string { return b.lease.Holder }

func (b *boltLease) Release(context.Context) error {
	return b.store.ReleaseLease(b.lease.Key, b.lease.Holder)
}

// RedisLocker shares leases between instances through Redis
type RedisLocker struct {
	rdb    *redis.Client
	locker *redislock.Client
	prefix string
}

// NewRedisLocker connects to addr and verifies the connection
func NewRedisLocker(ctx context.Context, addr string, db int) (*RedisLocker, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return NewRedisLockerFromClient(rdb), nil
}

func NewRedisLockerFromClient(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{
		rdb:    rdb,
		locker: redislock.New(rdb),
		prefix: "invrecon:lock:",
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (Lease, error) {
	lk, err := l.locker.Obtain(ctx, l.prefix+key, ttl, &redislock.Options{Metadata: holder})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	return &redisLease{key: key, holder: holder, lock: lk}, nil
}

// Ping reports whether Redis is reachable
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}

func (l *RedisLocker) Close() error {
	return l.rdb.Close()
}

type redisLease struct {
	key    string
	holder string
	lock   *redislock.Lock
}

func (r *redisLease) Key() string    { return r.key }
func (r *redisLease) Holder() string { return r.holder }

func (r *redisLease) Release(ctx context.Context) error {
	err := r.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}
