package runtime

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/felixgeelhaar/bolt/v3"
	"github.com/felixgeelhaar/murmur/internal/clock"
)

// EventType names an internal notification.
type EventType string

const (
	EventTurnStart        EventType = "turn_start"
	EventTurnEnd          EventType = "turn_end"
	EventOperationFailed  EventType = "operation_failed"
	EventConnectionJoined EventType = "connection_joined"
	EventConnectionLeft   EventType = "connection_left"
	EventConnectionPruned EventType = "connection_pruned"
	EventQuotaRejected    EventType = "quota_rejected"
	EventToolNotOpen      EventType = "tool_not_open"
	EventTitleGenerated   EventType = "title_generated"
)

// Fields carries the details of an Event.
type Fields map[string]any

// Event is one notification. Room is the external room id, empty for
// process-wide events.
type Event struct {
	Type   EventType
	At     time.Time
	Room   string
	Fields Fields
}

// Warning reports whether e describes something that went wrong.
func (e Event) Warning() bool {
	switch e.Type {
	case EventOperationFailed, EventConnectionPruned, EventQuotaRejected, EventToolNotOpen:
		return true
	}
	return false
}

type EventHandler func(Event)

type subscription struct {
	id  uint64
	typ EventType // empty matches every type
	fn  EventHandler
}

// EventBus fans internal notifications (failed operations, pruned
// connections, rejected writes) out to observers. Client traffic never
// goes through it. Handlers run synchronously on the emitting goroutine.
// A nil *EventBus drops everything.
type EventBus struct {
	clk  clock.Clock
	mu   sync.RWMutex
	next uint64
	subs []subscription
}

// NewEventBus stamps events with clk, or the system clock when nil.
func NewEventBus(clk clock.Clock) *EventBus {
	if clk == nil {
		clk = clock.Real()
	}
	return &EventBus{clk: clk}
}

// Subscribe calls fn for events of type typ until the returned cancel
// func is called.
func (b *EventBus) Subscribe(typ EventType, fn EventHandler) (cancel func()) {
	return b.add(typ, fn)
}

// SubscribeAll calls fn for every event.
func (b *EventBus) SubscribeAll(fn EventHandler) (cancel func()) {
	return b.add("", fn)
}

func (b *EventBus) add(typ EventType, fn EventHandler) func() {
	b.mu.Lock()
	b.next++
	id := b.next
	b.subs = append(b.subs, subscription{id: id, typ: typ, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit delivers an event to matching subscribers in subscription order.
func (b *EventBus) Emit(typ EventType, room string, fields Fields) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Room: room, Fields: fields})
}

// Publish delivers e as is, stamping At when it is zero.
func (b *EventBus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = b.clk.Now()
	}

	b.mu.RLock()
	var targets []EventHandler
	for _, s := range b.subs {
		if s.typ == "" || s.typ == e.Type {
			targets = append(targets, s.fn)
		}
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		fn(e)
	}
}

// LogEvents writes every event to log, warnings at warn level.
func LogEvents(log *bolt.Logger) EventHandler {
	return func(e Event) {
		entry := log.Info()
		if e.Warning() {
			entry = log.Warn()
		}
		entry = entry.Str("event", string(e.Type))
		if e.Room != "" {
			entry = entry.Str("room", e.Room)
		}
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			entry = entry.Str(k, fmt.Sprint(e.Fields[k]))
		}
		entry.Msg("runtime event")
	}
}
