package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/felixgeelhaar/murmur/internal/clock"
	"github.com/felixgeelhaar/murmur/internal/identity"
	"github.com/felixgeelhaar/murmur/internal/observe"
	"github.com/felixgeelhaar/murmur/internal/store"
	"github.com/google/uuid"
)

// ThinkingPlaceholder is the headline of a reasoning event before the
// first real update arrives.
const ThinkingPlaceholder = "Thinking..."

// Envelope is the JSON frame broadcast to room members for every event
// write.
type Envelope struct {
	Type      string        `json:"type"`
	ID        string        `json:"id"`
	RoomID    string        `json:"room_id"`
	Author    store.Author  `json:"author"`
	Content   string        `json:"content"`
	Payload   store.Payload `json:"payload"`
	CreatedAt string        `json:"created_at"`
	UpdatedAt string        `json:"updated_at"`
}

// NewEnvelope frames ev for clients of the room with external id room.
func NewEnvelope(ev store.Event, room string) Envelope {
	return Envelope{
		Type:      string(ev.Kind),
		ID:        ev.ID,
		RoomID:    room,
		Author:    ev.Author,
		Content:   ev.Content,
		Payload:   ev.Payload,
		CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: ev.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Notice is a non-event frame such as a title change or a captured
// screenshot.
type Notice struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// RoomRef names a room in both id spaces.
type RoomRef struct {
	Token    string
	Internal string
	External string
}

// Streamer opens turns against rooms. It owns no per-turn state.
type Streamer struct {
	store    *store.Store
	bridge   *identity.Bridge
	registry *Registry
	tools    *ToolRegistry
	state    *StateManager
	obs      *observe.Observer
	bus      *EventBus
	clock    clock.Clock
}

// StreamerConfig bundles the collaborators of a Streamer. Tools and Bus
// are optional.
type StreamerConfig struct {
	Store    *store.Store
	Bridge   *identity.Bridge
	Registry *Registry
	Tools    *ToolRegistry
	State    *StateManager
	Observer *observe.Observer
	Bus      *EventBus
	Clock    clock.Clock
}

// NewStreamer creates a Streamer from cfg.
func NewStreamer(cfg StreamerConfig) *Streamer {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.State == nil {
		cfg.State = NewStateManager(cfg.Clock)
	}
	return &Streamer{
		store:    cfg.Store,
		bridge:   cfg.Bridge,
		registry: cfg.Registry,
		tools:    cfg.Tools,
		state:    cfg.State,
		obs:      cfg.Observer,
		bus:      cfg.Bus,
		clock:    cfg.Clock,
	}
}

// State exposes the tracker of running turns.
func (s *Streamer) State() *StateManager { return s.state }

// Resolve maps the external room id to a RoomRef for the session.
func (s *Streamer) Resolve(ctx context.Context, token, external string) (RoomRef, error) {
	internal, err := s.bridge.Internal(ctx, external, token)
	if err != nil {
		return RoomRef{}, err
	}
	return RoomRef{Token: token, Internal: internal, External: external}, nil
}

// OpenTurn resolves the room once and returns a Turn bound to it with its
// own sequencer.
func (s *Streamer) OpenTurn(ctx context.Context, token, external string) (*Turn, error) {
	ref, err := s.Resolve(ctx, token, external)
	if err != nil {
		return nil, err
	}
	return s.TurnFor(ctx, ref), nil
}

// TurnFor opens a turn for an already resolved room.
func (s *Streamer) TurnFor(ctx context.Context, ref RoomRef) *Turn {
	id := uuid.NewString()
	s.state.InitTurn(id, ref.External)
	s.bus.Emit(EventTurnStart, ref.External, Fields{"turn": id})
	return &Turn{
		id:    id,
		s:     s,
		room:  ref,
		seq:   NewSequencer(ctx, s.obs, s.bus, ref.External),
		tools: make(map[string]string),
	}
}

// BroadcastNotice sends a non-event frame to the room's members.
func (s *Streamer) BroadcastNotice(ctx context.Context, room string, n Notice) (int, error) {
	b, err := json.Marshal(n)
	if err != nil {
		return 0, fmt.Errorf("encode %s notice: %w", n.Type, err)
	}
	return s.registry.Broadcast(ctx, room, string(b)), nil
}

// Turn is the driver-facing surface for one agent turn. Every call returns
// immediately; the writes and broadcasts it implies are applied in call
// order by the turn's sequencer.
type Turn struct {
	id   string
	s    *Streamer
	room RoomRef
	seq  *Sequencer

	mu    sync.Mutex
	tools map[string]string // tool name -> event id, for this turn
}

// ID returns the turn id.
func (t *Turn) ID() string { return t.id }

// Room returns the room the turn is bound to.
func (t *Turn) Room() RoomRef { return t.room }

// Enqueue schedules an arbitrary operation behind the turn's queued writes.
func (t *Turn) Enqueue(op PendingOperation) {
	t.s.state.IncrementOperations(t.id)
	t.seq.Enqueue(op)
}

// Wait blocks until every operation enqueued so far has been applied.
func (t *Turn) Wait(ctx context.Context) error {
	return t.seq.Wait(ctx)
}

// Close waits for the queue to drain and retires the turn.
func (t *Turn) Close(ctx context.Context) error {
	t.s.state.SetStatus(t.id, TurnDraining)
	err := t.Wait(ctx)
	runs, fails := t.seq.Stats()
	t.s.bus.Emit(EventTurnEnd, t.room.External, Fields{
		"turn":       t.id,
		"operations": runs,
		"failed":     fails,
	})
	t.s.state.CleanupTurn(t.id)
	return err
}

// BeginReasoning creates a reasoning event showing the thinking
// placeholder and returns its id.
func (t *Turn) BeginReasoning() string {
	id := uuid.NewString()
	t.Enqueue(PendingOperation{
		Name:        "begin_reasoning",
		Description: "create reasoning event " + id,
		Run: func(ctx context.Context) error {
			ev, _, err := t.s.store.Events.Upsert(ctx, store.AppendParams{
				Token:   t.room.Token,
				RoomID:  t.room.Internal,
				ID:      id,
				Kind:    store.KindReasoning,
				Author:  store.AuthorAgent,
				Content: ThinkingPlaceholder,
				Payload: store.NewReasoning(),
			})
			if err != nil {
				return t.rejected(err)
			}
			return t.publish(ctx, ev)
		},
	})
	return id
}

// UpdateReasoning replaces the headline of reasoning event id with text,
// pushing the previous headline onto its trajectory, and applies status.
// An unknown id is created on the fly.
func (t *Turn) UpdateReasoning(id, text string, status store.ReasoningStatus) {
	t.Enqueue(PendingOperation{
		Name:        "update_reasoning",
		Description: fmt.Sprintf("reasoning %s -> %s", id, status),
		Run: func(ctx context.Context) error {
			current := ThinkingPlaceholder
			payload := store.NewReasoning()

			ev, err := t.s.store.Events.Get(ctx, t.room.Token, t.room.Internal, id)
			switch {
			case err == nil:
				current = ev.Content
				if p, ok := ev.Payload.(*store.ReasoningPayload); ok {
					payload = p
				}
			case !errors.Is(err, store.ErrNotFound):
				return err
			}

			headline := payload.Advance(current, text, status)
			ev, _, err = t.s.store.Events.Upsert(ctx, store.AppendParams{
				Token:   t.room.Token,
				RoomID:  t.room.Internal,
				ID:      id,
				Kind:    store.KindReasoning,
				Author:  store.AuthorAgent,
				Content: headline,
				Payload: payload,
			})
			if err != nil {
				return t.rejected(err)
			}
			return t.publish(ctx, ev)
		},
	})
}

// StartTool records a started invocation of toolName and returns the id of
// the event tracking it. Invocations of the same tool within one turn share
// an event.
func (t *Turn) StartTool(toolName string, input map[string]any) string {
	t.mu.Lock()
	id, ok := t.tools[toolName]
	if !ok {
		id = uuid.NewString()
		t.tools[toolName] = id
	}
	t.mu.Unlock()

	startedAt := t.s.clock.Now()
	t.Enqueue(PendingOperation{
		Name:        "start_tool",
		Description: fmt.Sprintf("start %s on event %s", toolName, id),
		Run: func(ctx context.Context) error {
			payload := &store.ToolPayload{}
			ev, err := t.s.store.Events.Get(ctx, t.room.Token, t.room.Internal, id)
			switch {
			case err == nil:
				if p, ok := ev.Payload.(*store.ToolPayload); ok {
					payload = p
				}
			case !errors.Is(err, store.ErrNotFound):
				return err
			}

			payload.Start(toolName, input, startedAt)
			ev, _, err = t.s.store.Events.Upsert(ctx, store.AppendParams{
				Token:   t.room.Token,
				RoomID:  t.room.Internal,
				ID:      id,
				Kind:    store.KindTool,
				Author:  store.AuthorAgent,
				Content: t.s.tools.DisplayName(toolName),
				Payload: payload,
			})
			if err != nil {
				return t.rejected(err)
			}
			return t.publish(ctx, ev)
		},
	})
	return id
}

// ToolEvent returns the event id tracking toolName in this turn.
func (t *Turn) ToolEvent(toolName string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.tools[toolName]
	return id, ok
}

// UpdateTool finishes the most recent open invocation of toolName on event
// id. A string "error" entry in output becomes the invocation's error.
// Finished invocations are never reopened; an update with nothing open is
// reported and dropped.
func (t *Turn) UpdateTool(id, toolName string, status store.ToolStatus, output map[string]any) {
	finishedAt := t.s.clock.Now()
	t.Enqueue(PendingOperation{
		Name:        "update_tool",
		Description: fmt.Sprintf("%s %s on event %s", status, toolName, id),
		Run: func(ctx context.Context) error {
			ev, err := t.s.store.Events.Get(ctx, t.room.Token, t.room.Internal, id)
			if err != nil {
				return err
			}
			payload, ok := ev.Payload.(*store.ToolPayload)
			if !ok {
				return fmt.Errorf("event %s is not a tool event", id)
			}

			errText, _ := output["error"].(string)
			if !payload.Finish(toolName, status, output, errText, finishedAt) {
				t.s.bus.Emit(EventToolNotOpen, t.room.External, Fields{
					"event":  id,
					"tool":   toolName,
					"status": string(status),
				})
				return nil
			}

			ev, err = t.s.store.Events.Update(ctx, store.UpdateParams{
				Token:   t.room.Token,
				RoomID:  t.room.Internal,
				ID:      id,
				Content: ev.Content,
				Payload: payload,
			})
			if err != nil {
				return t.rejected(err)
			}
			return t.publish(ctx, ev)
		},
	})
}

// SendText appends a plain message from author.
func (t *Turn) SendText(author store.Author, text string) {
	t.appendMessage("send_text", store.KindMessage, author, text)
}

// SendError appends an agent error message.
func (t *Turn) SendError(text string) {
	t.appendMessage("send_error", store.KindError, store.AuthorAgent, text)
}

func (t *Turn) appendMessage(name string, kind store.Kind, author store.Author, text string) {
	t.Enqueue(PendingOperation{
		Name:        name,
		Description: fmt.Sprintf("%s %s message", author, kind),
		Run: func(ctx context.Context) error {
			ev, err := t.s.store.Events.Append(ctx, store.AppendParams{
				Token:   t.room.Token,
				RoomID:  t.room.Internal,
				Kind:    kind,
				Author:  author,
				Content: text,
			})
			if err != nil {
				return t.rejected(err)
			}
			if err := t.s.store.Rooms.TouchSummary(ctx, t.room.Token, t.room.Internal, text, ev.CreatedAt); err != nil {
				t.s.obs.Log().Warn().
					Str("room", t.room.External).
					Str("turn", t.id).
					Err(err).
					Msg("failed to update room summary")
			}
			return t.publish(ctx, ev)
		},
	})
}

// AttachScreenshot stores an image for event eventID and tells the room.
func (t *Turn) AttachScreenshot(eventID string, data []byte, contentType string) {
	t.Enqueue(PendingOperation{
		Name:        "attach_screenshot",
		Description: fmt.Sprintf("screenshot for event %s (%d bytes)", eventID, len(data)),
		Run: func(ctx context.Context) error {
			shot, err := t.s.store.Screenshots.Save(ctx, t.room.Token, t.room.Internal, eventID, data, contentType)
			if err != nil {
				return t.rejected(err)
			}
			_, err = t.s.BroadcastNotice(ctx, t.room.External, Notice{
				Type: "screenshot_captured",
				Data: map[string]any{
					"screenshot_id": shot.ID,
					"message_id":    eventID,
					"room_id":       t.room.External,
					"content_type":  shot.ContentType,
					"size_bytes":    shot.SizeBytes,
				},
			})
			return err
		},
	})
}

// publish frames ev and fans it out to the room.
func (t *Turn) publish(ctx context.Context, ev store.Event) error {
	b, err := json.Marshal(NewEnvelope(ev, t.room.External))
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	t.s.registry.Broadcast(ctx, t.room.External, string(b))
	return nil
}

// rejected reports quota failures on the bus before handing err back.
func (t *Turn) rejected(err error) error {
	if errors.Is(err, store.ErrQuotaExceeded) {
		t.s.bus.Emit(EventQuotaRejected, t.room.External, Fields{
			"turn":  t.id,
			"error": err.Error(),
		})
	}
	return err
}
