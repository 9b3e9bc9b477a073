package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const previewLimit = 100

// ChatStore manages the rooms of a session.
type ChatStore struct {
	*core
}

func (c *ChatStore) sessions() *SessionStore { return &SessionStore{c.core} }

// CreateRoom adds a room to the session. An empty name gets the default
// "Chat <n>".
func (c *ChatStore) CreateRoom(ctx context.Context, token, name string) (Room, error) {
	if _, err := c.sessions().Get(ctx, token); err != nil {
		return Room{}, err
	}

	skey := sessionKey(token)
	n, err := c.kv.HIncrBy(ctx, skey, "chat_count", 1)
	if err != nil {
		return Room{}, fmt.Errorf("reserve room: %w", err)
	}
	release := func() { c.kv.HIncrBy(ctx, skey, "chat_count", -1) }
	if n > int64(c.limits.MaxRooms) {
		release()
		return Room{}, ErrRoomLimitExceeded
	}

	now := c.now()
	room := Room{
		ID:        uuid.NewString(),
		Name:      name,
		Named:     name != "",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if room.Name == "" {
		room.Name = fmt.Sprintf("Chat %d", n)
	}

	err = c.write(ctx, roomKey(token, room.ID), map[string]string{
		"id":            room.ID,
		"name":          room.Name,
		"named":         strconv.FormatBool(room.Named),
		"created_at":    formatTime(now),
		"updated_at":    formatTime(now),
		"message_count": "0",
		"seq":           "0",
	})
	if err != nil {
		release()
		c.kv.Del(ctx, roomKey(token, room.ID))
		return Room{}, fmt.Errorf("create room: %w", err)
	}
	return room, nil
}

// ListRooms returns the session's rooms, newest first.
func (c *ChatStore) ListRooms(ctx context.Context, token string) ([]Room, error) {
	if _, err := c.sessions().Get(ctx, token); err != nil {
		return nil, err
	}
	keys, err := c.kv.Keys(ctx, roomPrefix(token))
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	rooms := make([]Room, 0, len(keys))
	for _, key := range keys {
		if _, ok := roomIDFromKey(token, key); !ok {
			continue
		}
		h, err := c.kv.HGetAll(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("list rooms: %w", err)
		}
		// Expired between the scan and the read.
		if h["id"] == "" {
			continue
		}
		if err := c.kv.Expire(ctx, key, c.limits.SessionTTL); err != nil {
			return nil, fmt.Errorf("list rooms: %w", err)
		}
		rooms = append(rooms, decodeRoom(h))
	}

	sort.SliceStable(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.After(rooms[j].CreatedAt)
	})
	return rooms, nil
}

// RoomPage is one page of a room listing.
type RoomPage struct {
	Rooms      []Room     `json:"chats"`
	HasMore    bool       `json:"has_more"`
	NextCursor *time.Time `json:"next_cursor"`
}

// PageRooms returns up to limit rooms created strictly before the cursor
// (zero means from the newest).
func (c *ChatStore) PageRooms(ctx context.Context, token string, before time.Time, limit int) (RoomPage, error) {
	rooms, err := c.ListRooms(ctx, token)
	if err != nil {
		return RoomPage{}, err
	}
	if !before.IsZero() {
		kept := rooms[:0]
		for _, r := range rooms {
			if r.CreatedAt.Before(before) {
				kept = append(kept, r)
			}
		}
		rooms = kept
	}

	page := RoomPage{Rooms: rooms}
	if limit > 0 && len(rooms) > limit {
		page.Rooms = rooms[:limit]
		page.HasMore = true
		cursor := page.Rooms[limit-1].CreatedAt
		page.NextCursor = &cursor
	}
	return page, nil
}

// GetRoom returns one room of the session.
func (c *ChatStore) GetRoom(ctx context.Context, token, id string) (Room, error) {
	if _, err := c.sessions().Get(ctx, token); err != nil {
		return Room{}, err
	}
	return c.room(ctx, token, id)
}

// room reads a room without touching the session.
func (c *ChatStore) room(ctx context.Context, token, id string) (Room, error) {
	return loadRoom(ctx, c.core, token, id)
}

func loadRoom(ctx context.Context, c *core, token, id string) (Room, error) {
	key := roomKey(token, id)
	h, err := c.kv.HGetAll(ctx, key)
	if err != nil {
		return Room{}, fmt.Errorf("get room: %w", err)
	}
	if h["id"] == "" {
		return Room{}, ErrNotFound
	}
	if err := c.kv.Expire(ctx, key, c.limits.SessionTTL); err != nil {
		return Room{}, fmt.Errorf("get room: %w", err)
	}
	return decodeRoom(h), nil
}

// RenameRoom sets the room's name and marks it as explicitly named.
func (c *ChatStore) RenameRoom(ctx context.Context, token, id, name string) (Room, error) {
	room, err := c.GetRoom(ctx, token, id)
	if err != nil {
		return Room{}, err
	}
	room.Name = name
	room.Named = true
	room.UpdatedAt = c.now()
	err = c.write(ctx, roomKey(token, id), map[string]string{
		"name":       name,
		"named":      "true",
		"updated_at": formatTime(room.UpdatedAt),
	})
	if err != nil {
		return Room{}, fmt.Errorf("rename room: %w", err)
	}
	return room, nil
}

// DeleteRoom removes the room, its events and its screenshots, and gives
// their memory back to the session.
func (c *ChatStore) DeleteRoom(ctx context.Context, token, id string) error {
	if _, err := c.GetRoom(ctx, token, id); err != nil {
		return err
	}

	freed, err := deleteEvents(ctx, c.core, token, id)
	if err != nil {
		return err
	}
	shots, err := deleteScreenshots(ctx, c.core, token, id)
	if err != nil {
		return err
	}
	if err := c.kv.Del(ctx, roomKey(token, id)); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}

	sessions := c.sessions()
	if err := sessions.AdjustUsage(ctx, token, -(freed + shots)); err != nil {
		return err
	}
	if _, err := c.kv.HIncrBy(ctx, sessionKey(token), "chat_count", -1); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	return nil
}

// TouchSummary records the latest message preview of the room.
func (c *ChatStore) TouchSummary(ctx context.Context, token, id, content string, at time.Time) error {
	if _, err := c.sessions().Get(ctx, token); err != nil {
		return err
	}
	if _, err := c.room(ctx, token, id); err != nil {
		return err
	}
	return c.write(ctx, roomKey(token, id), map[string]string{
		"latest_message_content":   Preview(content),
		"latest_message_timestamp": formatTime(at),
		"updated_at":               formatTime(at),
	})
}

// Preview truncates content to the room summary length.
func Preview(content string) string {
	if utf8.RuneCountInString(content) <= previewLimit {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewLimit]) + "..."
}

func decodeRoom(h map[string]string) Room {
	named, _ := strconv.ParseBool(h["named"])
	return Room{
		ID:                     h["id"],
		Name:                   h["name"],
		Named:                  named,
		CreatedAt:              parseTime(h["created_at"]),
		UpdatedAt:              parseTime(h["updated_at"]),
		MessageCount:           int(parseInt(h["message_count"])),
		LatestMessageContent:   h["latest_message_content"],
		LatestMessageTimestamp: parseTime(h["latest_message_timestamp"]),
	}
}
