package store

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// ScreenshotStore keeps images captured while a turn runs. They count
// against the session's memory cap and go away with their room.
type ScreenshotStore struct {
	*core
}

// Save stores data for the event eventID in room roomID.
func (s *ScreenshotStore) Save(ctx context.Context, token, roomID, eventID string, data []byte, contentType string) (Screenshot, error) {
	sessions := &SessionStore{s.core}
	if _, err := sessions.Get(ctx, token); err != nil {
		return Screenshot{}, err
	}
	if _, err := loadRoom(ctx, s.core, token, roomID); err != nil {
		return Screenshot{}, err
	}
	if contentType == "" {
		contentType = "image/png"
	}

	size := int64(len(data))
	ok, err := sessions.CheckAndReserve(ctx, token, size)
	if err != nil {
		return Screenshot{}, err
	}
	if !ok {
		return Screenshot{}, ErrMemoryLimitExceeded
	}

	shot := Screenshot{
		ID:          uuid.NewString(),
		RoomID:      roomID,
		EventID:     eventID,
		ContentType: contentType,
		SizeBytes:   size,
		CreatedAt:   s.now(),
		Data:        data,
	}
	err = s.write(ctx, screenshotKey(token, shot.ID), map[string]string{
		"id":           shot.ID,
		"chat_id":      roomID,
		"message_id":   eventID,
		"content_type": contentType,
		"size_bytes":   strconv.FormatInt(size, 10),
		"created_at":   formatTime(shot.CreatedAt),
		"data":         base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		sessions.AdjustUsage(ctx, token, -size)
		return Screenshot{}, fmt.Errorf("save screenshot: %w", err)
	}
	return shot, nil
}

// Get returns a screenshot of the session, including its bytes.
func (s *ScreenshotStore) Get(ctx context.Context, token, id string) (Screenshot, error) {
	if _, err := (&SessionStore{s.core}).Get(ctx, token); err != nil {
		return Screenshot{}, err
	}
	h, err := s.kv.HGetAll(ctx, screenshotKey(token, id))
	if err != nil {
		return Screenshot{}, fmt.Errorf("get screenshot: %w", err)
	}
	if h["id"] == "" {
		return Screenshot{}, ErrNotFound
	}
	data, err := base64.StdEncoding.DecodeString(h["data"])
	if err != nil {
		return Screenshot{}, fmt.Errorf("decode screenshot %s: %w", id, err)
	}
	return Screenshot{
		ID:          h["id"],
		RoomID:      h["chat_id"],
		EventID:     h["message_id"],
		ContentType: h["content_type"],
		SizeBytes:   parseInt(h["size_bytes"]),
		CreatedAt:   parseTime(h["created_at"]),
		Data:        data,
	}, nil
}

// deleteScreenshots drops the room's screenshots and returns their size.
func deleteScreenshots(ctx context.Context, c *core, token, roomID string) (int64, error) {
	keys, err := c.kv.Keys(ctx, screenshotPrefix(token))
	if err != nil {
		return 0, fmt.Errorf("delete screenshots: %w", err)
	}
	var (
		freed int64
		drop  []string
	)
	for _, key := range keys {
		h, err := c.kv.HGetAll(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("delete screenshots: %w", err)
		}
		if h["chat_id"] != roomID {
			continue
		}
		freed += parseInt(h["size_bytes"])
		drop = append(drop, key)
	}
	if err := c.kv.Del(ctx, drop...); err != nil {
		return 0, fmt.Errorf("delete screenshots: %w", err)
	}
	return freed, nil
}
