package statestore

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// FallbackStore serves from a primary store and degrades to a local
// store when the primary fails. Degraded state is probed periodically
// so the primary is readopted once it recovers. Counter values diverge
// while degraded; callers accept weaker cross-instance guarantees in
// exchange for availability.
type FallbackStore struct {
	primary  Store
	local    *LocalStore
	logger   *slog.Logger
	degraded atomic.Bool
	lastPing atomic.Int64

	// ProbeInterval bounds how often a degraded store re-pings the
	// primary. Defaults to 5s.
	ProbeInterval time.Duration
}

// NewFallbackStore wraps primary with local degradation.
func NewFallbackStore(primary Store, logger *slog.Logger) *FallbackStore {
	return &FallbackStore{
		primary:       primary,
		local:         NewLocalStore(),
		logger:        logger,
		ProbeInterval: 5 * time.Second,
	}
}

// Degraded reports whether the store is currently serving locally.
func (s *FallbackStore) Degraded() bool {
	return s.degraded.Load()
}

// active returns the store to use for this call, probing the primary
// when degraded and the probe interval has elapsed.
func (s *FallbackStore) active(ctx context.Context) Store {
	if !s.degraded.Load() {
		return s.primary
	}

	now := time.Now().UnixNano()
	last := s.lastPing.Load()
	if now-last < int64(s.ProbeInterval) {
		return s.local
	}
	if !s.lastPing.CompareAndSwap(last, now) {
		return s.local
	}
	if err := s.primary.Ping(ctx); err != nil {
		return s.local
	}
	s.degraded.Store(false)
	s.logger.Info("state store primary recovered")
	return s.primary
}

func (s *FallbackStore) degrade(err error) {
	if s.degraded.CompareAndSwap(false, true) {
		s.logger.Warn("state store degraded to local", "error", err)
	}
}

// Get retrieves a value, falling back to local on primary failure.
func (s *FallbackStore) Get(ctx context.Context, key string) ([]byte, error) {
	st := s.active(ctx)
	val, err := st.Get(ctx, key)
	if err != nil && st == s.primary {
		s.degrade(err)
		return s.local.Get(ctx, key)
	}
	return val, err
}

// SetEx stores a value with TTL.
func (s *FallbackStore) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	st := s.active(ctx)
	err := st.SetEx(ctx, key, value, ttl)
	if err != nil && st == s.primary {
		s.degrade(err)
		return s.local.SetEx(ctx, key, value, ttl)
	}
	return err
}

// SetNX stores a value only if absent.
func (s *FallbackStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	st := s.active(ctx)
	ok, err := st.SetNX(ctx, key, value, ttl)
	if err != nil && st == s.primary {
		s.degrade(err)
		return s.local.SetNX(ctx, key, value, ttl)
	}
	return ok, err
}

// Delete removes a key.
func (s *FallbackStore) Delete(ctx context.Context, key string) error {
	st := s.active(ctx)
	err := st.Delete(ctx, key)
	if err != nil && st == s.primary {
		s.degrade(err)
		return s.local.Delete(ctx, key)
	}
	return err
}

// IncrBy increments an integer counter.
func (s *FallbackStore) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	st := s.active(ctx)
	val, err := st.IncrBy(ctx, key, delta, ttl)
	if err != nil && st == s.primary {
		s.degrade(err)
		return s.local.IncrBy(ctx, key, delta, ttl)
	}
	return val, err
}

// IncrByFloat increments a float counter.
func (s *FallbackStore) IncrByFloat(ctx context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	st := s.active(ctx)
	val, err := st.IncrByFloat(ctx, key, delta, ttl)
	if err != nil && st == s.primary {
		s.degrade(err)
		return s.local.IncrByFloat(ctx, key, delta, ttl)
	}
	return val, err
}

// WindowIncr advances windows atomically.
func (s *FallbackStore) WindowIncr(ctx context.Context, ops []WindowOp, windowSize time.Duration) ([]WindowResult, error) {
	st := s.active(ctx)
	results, err := st.WindowIncr(ctx, ops, windowSize)
	if err != nil && st == s.primary {
		s.degrade(err)
		return s.local.WindowIncr(ctx, ops, windowSize)
	}
	return results, err
}

// WindowAdmit runs the admission batch on the active backend.
func (s *FallbackStore) WindowAdmit(ctx context.Context, ops []WindowOp, windowSize time.Duration) (*WindowDecision, error) {
	st := s.active(ctx)
	decision, err := st.WindowAdmit(ctx, ops, windowSize)
	if err != nil && st == s.primary {
		s.degrade(err)
		return s.local.WindowAdmit(ctx, ops, windowSize)
	}
	return decision, err
}

// CounterAdd adjusts a window counter.
func (s *FallbackStore) CounterAdd(ctx context.Context, identity, kind string, delta int64) error {
	st := s.active(ctx)
	err := st.CounterAdd(ctx, identity, kind, delta)
	if err != nil && st == s.primary {
		s.degrade(err)
		return s.local.CounterAdd(ctx, identity, kind, delta)
	}
	return err
}

// RecordLatency appends a latency sample.
func (s *FallbackStore) RecordLatency(ctx context.Context, key string, at time.Time, latencyMs float64, ttl time.Duration) error {
	st := s.active(ctx)
	err := st.RecordLatency(ctx, key, at, latencyMs, ttl)
	if err != nil && st == s.primary {
		s.degrade(err)
		return s.local.RecordLatency(ctx, key, at, latencyMs, ttl)
	}
	return err
}

// LatenciesSince returns recent latency samples.
func (s *FallbackStore) LatenciesSince(ctx context.Context, key string, since time.Time) ([]float64, error) {
	st := s.active(ctx)
	samples, err := st.LatenciesSince(ctx, key, since)
	if err != nil && st == s.primary {
		s.degrade(err)
		return s.local.LatenciesSince(ctx, key, since)
	}
	return samples, err
}

// Publish sends to the active backend only.
func (s *FallbackStore) Publish(ctx context.Context, channel string, payload []byte) error {
	st := s.active(ctx)
	err := st.Publish(ctx, channel, payload)
	if err != nil && st == s.primary {
		s.degrade(err)
		return s.local.Publish(ctx, channel, payload)
	}
	return err
}

// Subscribe always subscribes on the primary; subscriptions do not
// migrate across degradation.
func (s *FallbackStore) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	ch, cancel, err := s.primary.Subscribe(ctx, channel)
	if err != nil {
		s.degrade(err)
		return s.local.Subscribe(ctx, channel)
	}
	return ch, cancel, nil
}

// Ping reports primary health.
func (s *FallbackStore) Ping(ctx context.Context) error {
	return s.primary.Ping(ctx)
}

// Close closes both backends.
func (s *FallbackStore) Close() error {
	err := s.primary.Close()
	if lerr := s.local.Close(); err == nil {
		err = lerr
	}
	return err
}
