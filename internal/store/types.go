package store

import "time"

// Session is an anonymous, sliding-expiry container for rooms.
type Session struct {
	Token            string    `json:"token"`
	CreatedAt        time.Time `json:"created_at"`
	LastAccessedAt   time.Time `json:"last_accessed"`
	RoomCount        int       `json:"chat_count"`
	MemoryUsageBytes int64     `json:"memory_usage_bytes"`
}

// SessionInfo reports usage against the session's limits.
type SessionInfo struct {
	Session
	MemoryUsageMB    float64   `json:"memory_usage_mb"`
	MemoryLimitMB    float64   `json:"memory_limit_mb"`
	RoomLimit        int       `json:"chat_limit"`
	EventLimit       int       `json:"message_limit"`
	ExpiresInMinutes int       `json:"expires_in_minutes"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// Room is a conversation inside a session. ID is the internal identifier;
// clients only ever see its external form.
type Room struct {
	ID                     string    `json:"id"`
	Name                   string    `json:"name"`
	Named                  bool      `json:"named"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
	MessageCount           int       `json:"message_count"`
	LatestMessageContent   string    `json:"latest_message_content,omitempty"`
	LatestMessageTimestamp time.Time `json:"latest_message_timestamp"`
}

// Kind classifies an event.
type Kind string

const (
	KindMessage   Kind = "message"
	KindReasoning Kind = "reasoning"
	KindTool      Kind = "tool"
	KindError     Kind = "error"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindMessage, KindReasoning, KindTool, KindError:
		return true
	}
	return false
}

// Author is who produced an event.
type Author string

const (
	AuthorUser  Author = "user"
	AuthorAgent Author = "agent"
)

// Event is one entry in a room's stream. ID is stable across updates.
type Event struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"-"`
	Kind      Kind      `json:"kind"`
	Author    Author    `json:"author"`
	Content   string    `json:"content"`
	Payload   Payload   `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Seq       int64     `json:"seq"`
	SizeBytes int64     `json:"-"`
}

// Screenshot is a binary image attached to an event.
type Screenshot struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"chat_id"`
	EventID     string    `json:"message_id"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
	Data        []byte    `json:"-"`
}

// Limits bounds what a single session may hold.
type Limits struct {
	SessionTTL       time.Duration
	MaxMemoryBytes   int64
	MaxRooms         int
	MaxEventsPerRoom int
}

// DefaultLimits returns the stock quota: 30 minutes idle expiry, 50 MB,
// 100 rooms and 1000 events per room.
func DefaultLimits() Limits {
	return Limits{
		SessionTTL:       30 * time.Minute,
		MaxMemoryBytes:   50 * 1024 * 1024,
		MaxRooms:         100,
		MaxEventsPerRoom: 1000,
	}
}
