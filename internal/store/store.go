// Package store keeps sessions, rooms and their event streams in a
// time- and memory-bounded key-value backend.
package store

import (
	"context"
	"strconv"
	"time"

	"github.com/felixgeelhaar/murmur/internal/clock"
	"github.com/felixgeelhaar/murmur/internal/kv"
)

// Store groups the session, room, event and screenshot stores over one
// backend.
type Store struct {
	Sessions    *SessionStore
	Rooms       *ChatStore
	Events      *EventStore
	Screenshots *ScreenshotStore
}

// New wires the stores over backend.
func New(backend kv.Store, clk clock.Clock, limits Limits) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	c := &core{kv: backend, clock: clk, limits: limits}
	return &Store{
		Sessions:    &SessionStore{c},
		Rooms:       &ChatStore{c},
		Events:      &EventStore{c},
		Screenshots: &ScreenshotStore{c},
	}
}

type core struct {
	kv     kv.Store
	clock  clock.Clock
	limits Limits
}

func (c *core) now() time.Time { return c.clock.Now() }

// write stores fields at key and refreshes its expiry.
func (c *core) write(ctx context.Context, key string, fields map[string]string) error {
	if err := c.kv.HSet(ctx, key, fields); err != nil {
		return err
	}
	return c.kv.Expire(ctx, key, c.limits.SessionTTL)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
