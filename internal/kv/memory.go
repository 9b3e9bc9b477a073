package kv

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/murmur/internal/clock"
)

// Memory is a process-local Store. Expired keys are dropped when touched
// and by Sweep.
type Memory struct {
	mu     sync.Mutex
	clock  clock.Clock
	hashes map[string]map[string]string
	expiry map[string]time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real()
	}
	return &Memory{
		clock:  clk,
		hashes: make(map[string]map[string]string),
		expiry: make(map[string]time.Time),
	}
}

// live returns the hash at key, dropping it first if it has expired.
// Caller holds m.mu.
func (m *Memory) live(key string) (map[string]string, bool) {
	if deadline, ok := m.expiry[key]; ok && !m.clock.Now().Before(deadline) {
		delete(m.hashes, key)
		delete(m.expiry, key)
		return nil, false
	}
	h, ok := m.hashes[key]
	return h, ok
}

func (m *Memory) HSet(ctx context.Context, key string, fields map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.live(key)
	if !ok {
		h = make(map[string]string, len(fields))
		m.hashes[key] = h
	}
	for f, v := range fields {
		h[f] = v
	}
	return nil
}

func (m *Memory) HGet(ctx context.Context, key, field string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.live(key)
	if !ok {
		return "", false, nil
	}
	v, ok := h[field]
	return v, ok, nil
}

func (m *Memory) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	h, _ := m.live(key)
	out := make(map[string]string, len(h))
	for f, v := range h {
		out[f] = v
	}
	return out, nil
}

func (m *Memory) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.live(key)
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}

	var cur int64
	if raw, ok := h[field]; ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, ErrNotInteger
		}
		cur = n
	}
	cur += delta
	h[field] = strconv.FormatInt(cur, 10)
	return cur, nil
}

func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live(key); !ok {
		return nil
	}
	if ttl <= 0 {
		delete(m.hashes, key)
		delete(m.expiry, key)
		return nil
	}
	m.expiry[key] = m.clock.Now().Add(ttl)
	return nil
}

func (m *Memory) Del(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		delete(m.hashes, k)
		delete(m.expiry, k)
	}
	return nil
}

func (m *Memory) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for k := range m.hashes {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if _, ok := m.live(k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Sweep drops every expired key and reports how many were removed.
func (m *Memory) Sweep(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	n := 0
	for k, deadline := range m.expiry {
		if !now.Before(deadline) {
			delete(m.hashes, k)
			delete(m.expiry, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error {
	return nil
}
