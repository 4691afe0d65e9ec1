package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"bcsync/internal/domain"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrKVUnavailable is returned when neither the primary nor the fallback store
// could serve a call.
var ErrKVUnavailable = errors.New("state store unavailable")

// recoveryInterval is how long the primary stays bypassed after a failure.
const recoveryInterval = time.Minute

// FailoverKV routes calls to primary and degrades to fallback on error,
// probing the primary again once recoveryInterval has passed.
type FailoverKV struct {
	primary  domain.KVStore
	fallback domain.KVStore
	logger   *zerolog.Logger
	isDown   atomic.Bool

	mu        sync.Mutex
	lastCheck time.Time
	now       func() time.Time
}

func NewFailoverKV(primary, fallback domain.KVStore, logger *zerolog.Logger) *FailoverKV {
	return &FailoverKV{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

// NewStateKV builds the process state store: Redis with file fallback when a
// client is given, otherwise the file store alone.
func NewStateKV(ctx context.Context, client *redis.Client, file domain.KVStore, logger *zerolog.Logger) domain.KVStore {
	if client == nil {
		logger.Warn().Msg("Redis is not configured, using local state file")
		return file
	}
	kv := NewFailoverKV(NewRedisKV(client), file, logger)
	if err := Ping(ctx, client); err != nil {
		logger.Warn().Err(err).Msg("Redis unreachable at startup, using local state file until it recovers")
		kv.markDown()
	}
	return kv
}

func (r *FailoverKV) markDown() {
	r.isDown.Store(true)
	r.mu.Lock()
	r.lastCheck = r.now()
	r.mu.Unlock()
}

// usePrimary reports whether the call should try the primary, allowing one
// probe per recoveryInterval while it is marked down.
func (r *FailoverKV) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.now().Sub(r.lastCheck) > recoveryInterval {
		r.lastCheck = r.now()
		return true
	}
	return false
}

func (r *FailoverKV) primaryFailed(op string, err error) {
	if !r.isDown.Load() {
		r.logger.Warn().Err(err).Str("op", op).Msg("Primary state store failed, falling back to local file")
	}
	r.markDown()
}

func (r *FailoverKV) primaryOK() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("Primary state store recovered")
	}
}

func (r *FailoverKV) fallbackErr(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(ErrKVUnavailable, err)
}

func (r *FailoverKV) Get(ctx context.Context, key string) (string, bool, error) {
	if r.usePrimary() {
		v, ok, err := r.primary.Get(ctx, key)
		if err == nil {
			r.primaryOK()
			return v, ok, nil
		}
		r.primaryFailed("get", err)
	}
	v, ok, err := r.fallback.Get(ctx, key)
	return v, ok, r.fallbackErr(err)
}

func (r *FailoverKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if r.usePrimary() {
		err := r.primary.Set(ctx, key, value, ttl)
		if err == nil {
			r.primaryOK()
			return nil
		}
		r.primaryFailed("set", err)
	}
	return r.fallbackErr(r.fallback.Set(ctx, key, value, ttl))
}

func (r *FailoverKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if r.usePrimary() {
		ok, err := r.primary.SetNX(ctx, key, value, ttl)
		if err == nil {
			r.primaryOK()
			return ok, nil
		}
		r.primaryFailed("setnx", err)
	}
	ok, err := r.fallback.SetNX(ctx, key, value, ttl)
	return ok, r.fallbackErr(err)
}

func (r *FailoverKV) Del(ctx context.Context, key string) error {
	if r.usePrimary() {
		err := r.primary.Del(ctx, key)
		if err == nil {
			r.primaryOK()
			return nil
		}
		r.primaryFailed("del", err)
	}
	return r.fallbackErr(r.fallback.Del(ctx, key))
}

func (r *FailoverKV) LPush(ctx context.Context, key, value string) error {
	if r.usePrimary() {
		err := r.primary.LPush(ctx, key, value)
		if err == nil {
			r.primaryOK()
			return nil
		}
		r.primaryFailed("lpush", err)
	}
	return r.fallbackErr(r.fallback.LPush(ctx, key, value))
}

// RPop drains jobs parked in the fallback while the primary was down before
// reading from the primary again.
func (r *FailoverKV) RPop(ctx context.Context, key string) (string, bool, error) {
	if v, ok, err := r.fallback.RPop(ctx, key); err == nil && ok {
		return v, true, nil
	}
	if r.usePrimary() {
		v, ok, err := r.primary.RPop(ctx, key)
		if err == nil {
			r.primaryOK()
			return v, ok, nil
		}
		r.primaryFailed("rpop", err)
	}
	return "", false, nil
}

func (r *FailoverKV) LLen(ctx context.Context, key string) (int64, error) {
	var total int64
	if n, err := r.fallback.LLen(ctx, key); err == nil {
		total += n
	}
	if r.usePrimary() {
		n, err := r.primary.LLen(ctx, key)
		if err == nil {
			r.primaryOK()
			return total + n, nil
		}
		r.primaryFailed("llen", err)
	}
	return total, nil
}

func (r *FailoverKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	if r.usePrimary() {
		keys, err := r.primary.Keys(ctx, prefix)
		if err == nil {
			r.primaryOK()
			return keys, nil
		}
		r.primaryFailed("keys", err)
	}
	keys, err := r.fallback.Keys(ctx, prefix)
	return keys, r.fallbackErr(err)
}
