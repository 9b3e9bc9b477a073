package runtime

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/felixgeelhaar/bolt/v3"
	"github.com/felixgeelhaar/murmur/internal/clock"
)

func TestEventBus_RoutesByType(t *testing.T) {
	at := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	bus := NewEventBus(clock.Fake(at))

	var pruned, all []Event
	bus.Subscribe(EventConnectionPruned, func(e Event) { pruned = append(pruned, e) })
	bus.SubscribeAll(func(e Event) { all = append(all, e) })

	bus.Emit(EventConnectionPruned, "room-1", Fields{"pruned": 2})
	bus.Emit(EventTurnStart, "room-2", nil)

	if len(pruned) != 1 || len(all) != 2 {
		t.Fatalf("pruned=%d all=%d, want 1 and 2", len(pruned), len(all))
	}
	got := pruned[0]
	if got.Room != "room-1" || got.Fields["pruned"] != 2 || !got.At.Equal(at) {
		t.Errorf("unexpected event %+v", got)
	}
	if all[1].Type != EventTurnStart {
		t.Errorf("second event = %s", all[1].Type)
	}
}

func TestEventBus_PublishKeepsTimestamp(t *testing.T) {
	bus := NewEventBus(nil)
	var got Event
	bus.SubscribeAll(func(e Event) { got = e })

	at := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	bus.Publish(Event{Type: EventTurnEnd, At: at})
	if !got.At.Equal(at) {
		t.Errorf("At = %v, want %v", got.At, at)
	}
}

func TestEventBus_Cancel(t *testing.T) {
	bus := NewEventBus(nil)
	var first, second int
	cancel := bus.Subscribe(EventTurnEnd, func(Event) { first++ })
	bus.Subscribe(EventTurnEnd, func(Event) { second++ })

	bus.Emit(EventTurnEnd, "", nil)
	cancel()
	cancel()
	bus.Emit(EventTurnEnd, "", nil)

	if first != 1 || second != 2 {
		t.Errorf("first=%d second=%d, want 1 and 2", first, second)
	}
}

func TestEventBus_HandlerMaySubscribe(t *testing.T) {
	bus := NewEventBus(nil)
	var late int
	bus.Subscribe(EventTurnStart, func(Event) {
		bus.Subscribe(EventTurnEnd, func(Event) { late++ })
	})
	bus.Emit(EventTurnStart, "", nil)
	bus.Emit(EventTurnEnd, "", nil)
	if late != 1 {
		t.Errorf("late handler ran %d times", late)
	}
}

func TestEventBus_Nil(t *testing.T) {
	var bus *EventBus
	bus.Emit(EventTurnStart, "room", nil)
	bus.Publish(Event{Type: EventTurnEnd})
}

func TestEventBus_ConcurrentEmit(t *testing.T) {
	bus := NewEventBus(nil)
	var (
		mu    sync.Mutex
		count int
	)
	bus.SubscribeAll(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			bus.Emit(EventOperationFailed, "r", nil)
		}()
		go func() {
			defer wg.Done()
			bus.Subscribe(EventQuotaRejected, func(Event) {})()
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if count != 50 {
		t.Errorf("got %d events, want 50", count)
	}
}

func TestEvent_Warning(t *testing.T) {
	for typ, want := range map[EventType]bool{
		EventOperationFailed:  true,
		EventConnectionPruned: true,
		EventQuotaRejected:    true,
		EventToolNotOpen:      true,
		EventTurnStart:        false,
		EventTitleGenerated:   false,
	} {
		if got := (Event{Type: typ}).Warning(); got != want {
			t.Errorf("%s.Warning() = %v", typ, got)
		}
	}
}

func TestLogEvents(t *testing.T) {
	var buf bytes.Buffer
	bus := NewEventBus(nil)
	bus.SubscribeAll(LogEvents(bolt.New(bolt.NewJSONHandler(&buf))))

	bus.Emit(EventOperationFailed, "room-1", Fields{"op": "send_text", "error": "boom"})
	out := buf.String()
	for _, want := range []string{`"event":"operation_failed"`, `"room":"room-1"`, "send_text", "boom", "warn"} {
		if !strings.Contains(out, want) {
			t.Errorf("log %q is missing %q", out, want)
		}
	}

	buf.Reset()
	bus.Emit(EventTurnStart, "", nil)
	if strings.Contains(buf.String(), `"room"`) {
		t.Errorf("process-wide event logged a room: %q", buf.String())
	}
}
