// Package kv defines the hash-oriented key-value collaborator the session
// store is built on, along with its in-memory, SQLite and Redis backends.
//
// Every backend gives the same guarantees: single operations are atomic,
// HIncrBy is an atomic read-modify-write, a missing key reads as an empty
// hash, and an expired key is indistinguishable from a missing one.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/murmur/internal/clock"
	"github.com/redis/go-redis/v9"
)

// ErrNotInteger is returned by HIncrBy when the stored field is not a base-10 integer.
var ErrNotInteger = errors.New("kv: hash value is not an integer")

// Store is a minimal hash store with per-key expiry.
type Store interface {
	// HSet writes the given fields into the hash at key, creating it if needed.
	HSet(ctx context.Context, key string, fields map[string]string) error
	// HGet reads one field. ok is false when the key or field does not exist.
	HGet(ctx context.Context, key, field string) (value string, ok bool, err error)
	// HGetAll reads the whole hash. A missing key yields an empty map.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HIncrBy atomically adds delta to an integer field and returns the new value.
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	// Expire sets the time-to-live of key. A non-positive ttl deletes the key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Del removes keys. Missing keys are ignored.
	Del(ctx context.Context, keys ...string) error
	// Keys lists live keys starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Sweeper is implemented by backends that expire keys lazily and need a
// periodic purge to reclaim space.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Options selects and configures a backend.
type Options struct {
	Backend    string // memory, sqlite or redis
	SQLitePath string
	RedisAddr  string
	RedisDB    int
	Clock      clock.Clock
}

// Open builds the backend named in opts.
func Open(ctx context.Context, opts Options) (Store, error) {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	switch opts.Backend {
	case "", "memory":
		return NewMemory(clk), nil
	case "sqlite":
		return NewSQLite(opts.SQLitePath, clk)
	case "redis":
		return NewRedis(ctx, &redis.Options{Addr: opts.RedisAddr, DB: opts.RedisDB})
	default:
		return nil, fmt.Errorf("unknown kv backend %q", opts.Backend)
	}
}
