package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

const tokenPrefix = "demo-session-"

// SessionStore creates, looks up and expires anonymous sessions and keeps
// their memory accounting.
type SessionStore struct {
	*core
}

// Create starts a new session.
func (s *SessionStore) Create(ctx context.Context) (Session, error) {
	now := s.now()
	sess := Session{
		Token:          tokenPrefix + uuid.NewString(),
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	err := s.write(ctx, sessionKey(sess.Token), map[string]string{
		"token":              sess.Token,
		"created_at":         formatTime(now),
		"last_accessed":      formatTime(now),
		"chat_count":         "0",
		"memory_usage_bytes": "0",
	})
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// Get returns the session and slides its expiry forward.
func (s *SessionStore) Get(ctx context.Context, token string) (Session, error) {
	if token == "" {
		return Session{}, ErrSessionExpired
	}
	h, err := s.kv.HGetAll(ctx, sessionKey(token))
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	// A hash without created_at is a leftover counter, not a session.
	if h["created_at"] == "" {
		return Session{}, ErrSessionExpired
	}

	now := s.now()
	if err := s.write(ctx, sessionKey(token), map[string]string{"last_accessed": formatTime(now)}); err != nil {
		return Session{}, fmt.Errorf("touch session: %w", err)
	}
	if err := s.extendChildren(ctx, token); err != nil {
		return Session{}, err
	}

	return Session{
		Token:            token,
		CreatedAt:        parseTime(h["created_at"]),
		LastAccessedAt:   now,
		RoomCount:        int(parseInt(h["chat_count"])),
		MemoryUsageBytes: parseInt(h["memory_usage_bytes"]),
	}, nil
}

// extendChildren gives every room, event and screenshot of the session the
// session's fresh expiry, so children only go away with their session.
func (s *SessionStore) extendChildren(ctx context.Context, token string) error {
	keys, err := s.kv.Keys(ctx, sessionChildren(token))
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	for _, key := range keys {
		if err := s.kv.Expire(ctx, key, s.limits.SessionTTL); err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
	}
	return nil
}

// Touch refreshes the session's expiry.
func (s *SessionStore) Touch(ctx context.Context, token string) error {
	_, err := s.Get(ctx, token)
	return err
}

// CheckAndReserve reserves bytes of the session's memory quota. It reports
// false, leaving usage unchanged, when the reservation would exceed the cap.
// The check is one atomic increment, rolled back on overflow.
func (s *SessionStore) CheckAndReserve(ctx context.Context, token string, bytes int64) (bool, error) {
	if _, err := s.Get(ctx, token); err != nil {
		return false, err
	}
	if bytes <= 0 {
		return true, nil
	}

	key := sessionKey(token)
	used, err := s.kv.HIncrBy(ctx, key, "memory_usage_bytes", bytes)
	if err != nil {
		return false, fmt.Errorf("reserve memory: %w", err)
	}
	if used > s.limits.MaxMemoryBytes {
		if _, err := s.kv.HIncrBy(ctx, key, "memory_usage_bytes", -bytes); err != nil {
			return false, fmt.Errorf("release memory: %w", err)
		}
		return false, nil
	}
	return true, nil
}

// AdjustUsage applies delta to the accounted memory, clamping at zero.
func (s *SessionStore) AdjustUsage(ctx context.Context, token string, delta int64) error {
	if delta == 0 {
		return nil
	}
	key := sessionKey(token)
	used, err := s.kv.HIncrBy(ctx, key, "memory_usage_bytes", delta)
	if err != nil {
		return fmt.Errorf("adjust memory: %w", err)
	}
	if used < 0 {
		if err := s.kv.HSet(ctx, key, map[string]string{"memory_usage_bytes": "0"}); err != nil {
			return fmt.Errorf("adjust memory: %w", err)
		}
	}
	return s.kv.Expire(ctx, key, s.limits.SessionTTL)
}

// Delete removes the session together with every room, event and
// screenshot it owns.
func (s *SessionStore) Delete(ctx context.Context, token string) error {
	keys, err := s.kv.Keys(ctx, sessionChildren(token))
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	keys = append(keys, sessionKey(token))
	if err := s.kv.Del(ctx, keys...); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Info reports the session's usage and limits.
func (s *SessionStore) Info(ctx context.Context, token string) (SessionInfo, error) {
	sess, err := s.Get(ctx, token)
	if err != nil {
		return SessionInfo{}, err
	}
	return SessionInfo{
		Session:          sess,
		MemoryUsageMB:    roundMB(sess.MemoryUsageBytes),
		MemoryLimitMB:    roundMB(s.limits.MaxMemoryBytes),
		RoomLimit:        s.limits.MaxRooms,
		EventLimit:       s.limits.MaxEventsPerRoom,
		ExpiresInMinutes: int(s.limits.SessionTTL.Minutes()),
		ExpiresAt:        sess.LastAccessedAt.Add(s.limits.SessionTTL),
	}, nil
}

func roundMB(b int64) float64 {
	mb := float64(b) / (1024 * 1024)
	v, _ := strconv.ParseFloat(strconv.FormatFloat(mb, 'f', 2, 64), 64)
	return v
}
