package statestore

import (
	"context"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// LocalStore implements Store in process memory. It backs single-instance
// deployments and serves as the degraded path when Redis is down.
// Counter and window atomicity comes from a single mutex.
type LocalStore struct {
	kv *gocache.Cache

	mu       sync.Mutex
	counters map[string]*localCounter
	windows  map[string]*localWindow
	samples  map[string][]latencySample

	subMu sync.Mutex
	subs  map[string][]chan []byte

	closed bool
}

type localCounter struct {
	intVal   int64
	floatVal float64
	isFloat  bool
	expires  time.Time
}

type localWindow struct {
	start   int64
	count   int64
	expires time.Time
}

type latencySample struct {
	at        int64
	latencyMs float64
}

// NewLocalStore creates an in-memory store.
func NewLocalStore() *LocalStore {
	return &LocalStore{
		kv:       gocache.New(gocache.NoExpiration, 5*time.Minute),
		counters: make(map[string]*localCounter),
		windows:  make(map[string]*localWindow),
		samples:  make(map[string][]latencySample),
		subs:     make(map[string][]chan []byte),
	}
}

// Get retrieves a value, returning nil on a miss. Counters share the
// keyspace, matching Redis GET on an INCRBY key.
func (s *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	if v, ok := s.kv.Get(key); ok {
		if b, ok := v.([]byte); ok {
			return b, nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[key]; ok {
		if !c.expires.IsZero() && time.Now().After(c.expires) {
			delete(s.counters, key)
			return nil, nil
		}
		if c.isFloat {
			return []byte(strconv.FormatFloat(c.floatVal, 'f', -1, 64)), nil
		}
		return []byte(strconv.FormatInt(c.intVal, 10)), nil
	}
	return nil, nil
}

// SetEx stores a value with TTL.
func (s *LocalStore) SetEx(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	s.kv.Set(key, value, ttl)
	return nil
}

// SetNX stores a value only if the key does not exist.
func (s *LocalStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	if err := s.kv.Add(key, value, ttl); err != nil {
		return false, nil
	}
	return true, nil
}

// Delete removes a key from both the kv space and the counters.
func (s *LocalStore) Delete(_ context.Context, key string) error {
	s.kv.Delete(key)
	s.mu.Lock()
	delete(s.counters, key)
	s.mu.Unlock()
	return nil
}

// IncrBy atomically increments an integer counter.
func (s *LocalStore) IncrBy(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.liveCounter(key, ttl)
	c.intVal += delta
	return c.intVal, nil
}

// IncrByFloat atomically increments a float counter.
func (s *LocalStore) IncrByFloat(_ context.Context, key string, delta float64, ttl time.Duration) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.liveCounter(key, ttl)
	c.isFloat = true
	c.floatVal += delta
	return c.floatVal, nil
}

func (s *LocalStore) liveCounter(key string, ttl time.Duration) *localCounter {
	c, ok := s.counters[key]
	if ok && !c.expires.IsZero() && time.Now().After(c.expires) {
		ok = false
	}
	if !ok {
		c = &localCounter{}
		if ttl > 0 {
			c.expires = time.Now().Add(ttl)
		}
		s.counters[key] = c
	}
	return c
}

// WindowIncr advances fixed windows and increments counters under one lock.
func (s *LocalStore) WindowIncr(_ context.Context, ops []WindowOp, windowSize time.Duration) ([]WindowResult, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	nowSec := now.Unix()
	results := make([]WindowResult, len(ops))
	for i, op := range ops {
		key := op.Identity + ":" + op.Kind
		w, ok := s.windows[key]
		if !ok || nowSec-w.start >= int64(windowSize.Seconds()) {
			w = &localWindow{
				start:   nowSec,
				count:   op.Increment,
				expires: now.Add(windowSize),
			}
			s.windows[key] = w
		} else {
			w.count += op.Increment
		}
		results[i] = WindowResult{WindowStart: w.start, Count: w.count}
	}
	return results, nil
}

// WindowAdmit checks limits and commits increments under one lock. A
// rejected batch writes nothing.
func (s *LocalStore) WindowAdmit(_ context.Context, ops []WindowOp, windowSize time.Duration) (*WindowDecision, error) {
	decision := &WindowDecision{Allowed: true, FailedIndex: -1}
	if len(ops) == 0 {
		return decision, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	nowSec := now.Unix()
	size := int64(windowSize.Seconds())

	decision.Results = make([]WindowResult, len(ops))
	fresh := make([]bool, len(ops))
	for i, op := range ops {
		w, ok := s.windows[op.Identity+":"+op.Kind]
		if !ok || nowSec-w.start >= size {
			fresh[i] = true
			decision.Results[i] = WindowResult{WindowStart: nowSec}
		} else {
			decision.Results[i] = WindowResult{WindowStart: w.start, Count: w.count}
		}

		if decision.Allowed && op.Limit > 0 && decision.Results[i].Count+op.Increment > op.Limit {
			decision.Allowed = false
			decision.FailedIndex = i
		}
	}
	if !decision.Allowed {
		return decision, nil
	}

	for i, op := range ops {
		key := op.Identity + ":" + op.Kind
		if fresh[i] {
			s.windows[key] = &localWindow{
				start:   nowSec,
				count:   op.Increment,
				expires: now.Add(windowSize),
			}
		} else {
			s.windows[key].count += op.Increment
		}
		decision.Results[i].Count = s.windows[key].count
	}
	return decision, nil
}

// CounterAdd adjusts a window counter without resetting its window.
func (s *LocalStore) CounterAdd(_ context.Context, identity, kind string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.windows[identity+":"+kind]; ok {
		w.count += delta
	}
	return nil
}

// RecordLatency appends a latency sample.
func (s *LocalStore) RecordLatency(_ context.Context, key string, at time.Time, latencyMs float64, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples[key] = append(s.samples[key], latencySample{at: at.UnixNano(), latencyMs: latencyMs})
	return nil
}

// LatenciesSince returns samples at or after since and trims older ones.
func (s *LocalStore) LatenciesSince(_ context.Context, key string, since time.Time) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := since.UnixNano()
	all := s.samples[key]
	kept := all[:0]
	var out []float64
	for _, sample := range all {
		if sample.at >= cutoff {
			kept = append(kept, sample)
			out = append(out, sample.latencyMs)
		}
	}
	s.samples[key] = kept
	return out, nil
}

// Publish fans payload out to subscribers, dropping on full buffers.
func (s *LocalStore) Publish(_ context.Context, channel string, payload []byte) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, ch := range s.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe returns a receive channel for messages on channel.
func (s *LocalStore) Subscribe(_ context.Context, channel string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 16)

	s.subMu.Lock()
	s.subs[channel] = append(s.subs[channel], ch)
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		subs := s.subs[channel]
		for i, c := range subs {
			if c == ch {
				s.subs[channel] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, cancel, nil
}

// Ping always succeeds for the in-memory store.
func (s *LocalStore) Ping(_ context.Context) error {
	return nil
}

// Close releases subscriber channels.
func (s *LocalStore) Close() error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for channel, subs := range s.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(s.subs, channel)
	}
	return nil
}
