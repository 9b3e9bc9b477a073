package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// EventStore appends, updates and lists the events of a room.
type EventStore struct {
	*core
}

// AppendParams describes a new event. ID and CreatedAt are generated when
// empty.
type AppendParams struct {
	Token     string
	RoomID    string
	ID        string
	Kind      Kind
	Author    Author
	Content   string
	Payload   Payload
	CreatedAt time.Time
}

// UpdateParams replaces the content and payload of an existing event.
type UpdateParams struct {
	Token   string
	RoomID  string
	ID      string
	Content string
	Payload Payload
}

// Append creates an event after checking the room's event cap and the
// session's memory cap. Nothing is left behind when a check or the write
// fails. An explicit ID that is already stored yields ErrEventExists; use
// Upsert or Update to change an event.
func (s *EventStore) Append(ctx context.Context, p AppendParams) (Event, error) {
	if !p.Kind.Valid() {
		return Event{}, fmt.Errorf("append event: invalid kind %q", p.Kind)
	}
	sessions := &SessionStore{s.core}
	if _, err := sessions.Get(ctx, p.Token); err != nil {
		return Event{}, err
	}
	if _, err := loadRoom(ctx, s.core, p.Token, p.RoomID); err != nil {
		return Event{}, err
	}
	if p.ID != "" {
		_, err := s.load(ctx, p.Token, p.RoomID, p.ID)
		switch {
		case err == nil:
			return Event{}, fmt.Errorf("append event %s: %w", p.ID, ErrEventExists)
		case !errors.Is(err, ErrNotFound):
			return Event{}, err
		}
	}

	ptype, pdata, err := encodePayload(p.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}
	size := eventSize(p.Content, pdata)

	rkey := roomKey(p.Token, p.RoomID)
	count, err := s.kv.HIncrBy(ctx, rkey, "message_count", 1)
	if err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}
	releaseCount := func() { s.kv.HIncrBy(ctx, rkey, "message_count", -1) }
	if count > int64(s.limits.MaxEventsPerRoom) {
		releaseCount()
		return Event{}, ErrMessageLimitExceeded
	}

	ok, err := sessions.CheckAndReserve(ctx, p.Token, size)
	if err != nil {
		releaseCount()
		return Event{}, err
	}
	if !ok {
		releaseCount()
		return Event{}, ErrMemoryLimitExceeded
	}
	rollback := func() {
		releaseCount()
		sessions.AdjustUsage(ctx, p.Token, -size)
	}

	seq, err := s.kv.HIncrBy(ctx, rkey, "seq", 1)
	if err != nil {
		rollback()
		return Event{}, fmt.Errorf("append event: %w", err)
	}

	ev := Event{
		ID:        p.ID,
		RoomID:    p.RoomID,
		Kind:      p.Kind,
		Author:    p.Author,
		Content:   p.Content,
		Payload:   p.Payload,
		CreatedAt: p.CreatedAt,
		Seq:       seq,
		SizeBytes: size,
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	ev.UpdatedAt = ev.CreatedAt

	// One HSet is the whole event, so readers never see half of it.
	err = s.write(ctx, eventKey(p.Token, p.RoomID, ev.ID), map[string]string{
		"id":           ev.ID,
		"room_id":      ev.RoomID,
		"kind":         string(ev.Kind),
		"author":       string(ev.Author),
		"content":      ev.Content,
		"payload_type": string(ptype),
		"payload":      pdata,
		"created_at":   formatTime(ev.CreatedAt),
		"updated_at":   formatTime(ev.UpdatedAt),
		"seq":          strconv.FormatInt(seq, 10),
		"size_bytes":   strconv.FormatInt(size, 10),
	})
	if err != nil {
		rollback()
		s.kv.Del(ctx, eventKey(p.Token, p.RoomID, ev.ID))
		return Event{}, fmt.Errorf("append event: %w", err)
	}
	return ev, nil
}

// Update replaces content and payload of an existing event, keeping its
// creation time, kind and author. Memory accounting follows the size delta.
func (s *EventStore) Update(ctx context.Context, p UpdateParams) (Event, error) {
	sessions := &SessionStore{s.core}
	if _, err := sessions.Get(ctx, p.Token); err != nil {
		return Event{}, err
	}
	ev, err := s.load(ctx, p.Token, p.RoomID, p.ID)
	if err != nil {
		return Event{}, err
	}

	ptype, pdata, err := encodePayload(p.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("update event: %w", err)
	}
	size := eventSize(p.Content, pdata)
	delta := size - ev.SizeBytes
	if delta > 0 {
		ok, err := sessions.CheckAndReserve(ctx, p.Token, delta)
		if err != nil {
			return Event{}, err
		}
		if !ok {
			return Event{}, ErrMemoryLimitExceeded
		}
	}

	ev.Content = p.Content
	ev.Payload = p.Payload
	ev.SizeBytes = size
	ev.UpdatedAt = s.now()
	if ev.UpdatedAt.Before(ev.CreatedAt) {
		ev.UpdatedAt = ev.CreatedAt
	}

	err = s.write(ctx, eventKey(p.Token, p.RoomID, p.ID), map[string]string{
		"content":      ev.Content,
		"payload_type": string(ptype),
		"payload":      pdata,
		"updated_at":   formatTime(ev.UpdatedAt),
		"size_bytes":   strconv.FormatInt(size, 10),
	})
	if err != nil {
		if delta > 0 {
			sessions.AdjustUsage(ctx, p.Token, -delta)
		}
		return Event{}, fmt.Errorf("update event: %w", err)
	}
	if delta < 0 {
		if err := sessions.AdjustUsage(ctx, p.Token, delta); err != nil {
			return Event{}, err
		}
	}
	return ev, nil
}

// Upsert updates the event when it exists and appends it otherwise. On the
// update branch the stored creation time wins over p.CreatedAt.
func (s *EventStore) Upsert(ctx context.Context, p AppendParams) (Event, bool, error) {
	if p.ID == "" {
		ev, err := s.Append(ctx, p)
		return ev, err == nil, err
	}
	if _, err := (&SessionStore{s.core}).Get(ctx, p.Token); err != nil {
		return Event{}, false, err
	}

	_, err := s.load(ctx, p.Token, p.RoomID, p.ID)
	switch {
	case err == nil:
		ev, err := s.Update(ctx, UpdateParams{
			Token:   p.Token,
			RoomID:  p.RoomID,
			ID:      p.ID,
			Content: p.Content,
			Payload: p.Payload,
		})
		return ev, false, err
	case errors.Is(err, ErrNotFound):
		ev, err := s.Append(ctx, p)
		return ev, err == nil, err
	default:
		return Event{}, false, err
	}
}

// Get returns a single event.
func (s *EventStore) Get(ctx context.Context, token, roomID, id string) (Event, error) {
	if _, err := (&SessionStore{s.core}).Get(ctx, token); err != nil {
		return Event{}, err
	}
	return s.load(ctx, token, roomID, id)
}

// List returns the room's events newest first, skipping offset and
// returning at most limit (all when limit <= 0).
func (s *EventStore) List(ctx context.Context, token, roomID string, limit, offset int) ([]Event, error) {
	if _, err := (&SessionStore{s.core}).Get(ctx, token); err != nil {
		return nil, err
	}
	if _, err := loadRoom(ctx, s.core, token, roomID); err != nil {
		return nil, err
	}

	keys, err := s.kv.Keys(ctx, eventPrefix(token, roomID))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	events := make([]Event, 0, len(keys))
	for _, key := range keys {
		h, err := s.kv.HGetAll(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		if h["id"] == "" {
			continue
		}
		ev, err := decodeEvent(h)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	sort.Slice(events, func(i, j int) bool {
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.After(events[j].CreatedAt)
		}
		return events[i].Seq > events[j].Seq
	})

	if offset > 0 {
		if offset >= len(events) {
			return []Event{}, nil
		}
		events = events[offset:]
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	for _, ev := range events {
		if err := s.kv.Expire(ctx, eventKey(token, roomID, ev.ID), s.limits.SessionTTL); err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
	}
	return events, nil
}

// DeleteAll removes every event of the room and releases their memory.
func (s *EventStore) DeleteAll(ctx context.Context, token, roomID string) error {
	if _, err := (&SessionStore{s.core}).Get(ctx, token); err != nil {
		return err
	}
	if _, err := loadRoom(ctx, s.core, token, roomID); err != nil {
		return err
	}
	freed, err := deleteEvents(ctx, s.core, token, roomID)
	if err != nil {
		return err
	}
	err = s.kv.HSet(ctx, roomKey(token, roomID), map[string]string{
		"message_count":            "0",
		"latest_message_content":   "",
		"latest_message_timestamp": "",
	})
	if err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	return (&SessionStore{s.core}).AdjustUsage(ctx, token, -freed)
}

func (s *EventStore) load(ctx context.Context, token, roomID, id string) (Event, error) {
	h, err := s.kv.HGetAll(ctx, eventKey(token, roomID, id))
	if err != nil {
		return Event{}, fmt.Errorf("get event: %w", err)
	}
	if h["id"] == "" {
		return Event{}, ErrNotFound
	}
	return decodeEvent(h)
}

// deleteEvents drops the room's event hashes and returns their accounted size.
func deleteEvents(ctx context.Context, c *core, token, roomID string) (int64, error) {
	keys, err := c.kv.Keys(ctx, eventPrefix(token, roomID))
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	var freed int64
	for _, key := range keys {
		v, ok, err := c.kv.HGet(ctx, key, "size_bytes")
		if err != nil {
			return 0, fmt.Errorf("delete events: %w", err)
		}
		if ok {
			freed += parseInt(v)
		}
	}
	if err := c.kv.Del(ctx, keys...); err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	return freed, nil
}

func decodeEvent(h map[string]string) (Event, error) {
	payload, err := DecodePayload(PayloadType(h["payload_type"]), []byte(h["payload"]))
	if err != nil {
		return Event{}, fmt.Errorf("event %s: %w", h["id"], err)
	}
	return Event{
		ID:        h["id"],
		RoomID:    h["room_id"],
		Kind:      Kind(h["kind"]),
		Author:    Author(h["author"]),
		Content:   h["content"],
		Payload:   payload,
		CreatedAt: parseTime(h["created_at"]),
		UpdatedAt: parseTime(h["updated_at"]),
		Seq:       parseInt(h["seq"]),
		SizeBytes: parseInt(h["size_bytes"]),
	}, nil
}

// eventSize is the accounted footprint: encoded content plus encoded payload.
func eventSize(content, payload string) int64 {
	return int64(len(content) + len(payload))
}
