package runtime

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

// fakeConn records what it is sent. fail makes every send error; block
// makes sends wait for the context.
type fakeConn struct {
	mu     sync.Mutex
	msgs   []string
	fail   bool
	block  bool
	closed bool
}

func (c *fakeConn) Send(ctx context.Context, text string) error {
	if c.block {
		<-ctx.Done()
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.msgs = append(c.msgs, text)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestRegistry_BroadcastPrunesFailures(t *testing.T) {
	bus := NewEventBus(nil)
	var pruned []Event
	bus.Subscribe(EventConnectionPruned, func(e Event) { pruned = append(pruned, e) })

	r := NewRegistry(time.Second, nil, bus)
	a, b, c := &fakeConn{}, &fakeConn{}, &fakeConn{fail: true}
	r.Join(a, "room")
	r.Join(b, "room")
	r.Join(c, "room")

	if n := r.Broadcast(context.Background(), "room", "hello"); n != 2 {
		t.Errorf("delivered to %d, want 2", n)
	}
	for _, conn := range []*fakeConn{a, b} {
		if got := conn.messages(); !reflect.DeepEqual(got, []string{"hello"}) {
			t.Errorf("messages = %v", got)
		}
	}
	if m := r.Members("room"); m != 2 {
		t.Errorf("members = %d, want the failed connection removed in the same call", m)
	}
	if !c.isClosed() {
		t.Error("failed connection not closed")
	}
	if len(pruned) != 1 {
		t.Fatalf("got %d prune events, want 1", len(pruned))
	}
	if pruned[0].Fields["pruned"] != 1 {
		t.Errorf("pruned = %v", pruned[0].Fields["pruned"])
	}

	if n := r.Broadcast(context.Background(), "room", "again"); n != 2 {
		t.Errorf("second broadcast delivered to %d, want 2", n)
	}
	if got := a.messages(); !reflect.DeepEqual(got, []string{"hello", "again"}) {
		t.Errorf("messages = %v", got)
	}
}

func TestRegistry_BroadcastEmptyRoom(t *testing.T) {
	r := NewRegistry(0, nil, nil)
	if n := r.Broadcast(context.Background(), "nobody-home", "x"); n != 0 {
		t.Errorf("delivered to %d", n)
	}
	if n := r.Rooms(); n != 0 {
		t.Errorf("rooms = %d", n)
	}
}

func TestRegistry_SlowConnectionTimesOut(t *testing.T) {
	r := NewRegistry(20*time.Millisecond, nil, nil)
	fast, slow := &fakeConn{}, &fakeConn{block: true}
	r.Join(fast, "room")
	r.Join(slow, "room")

	start := time.Now()
	if n := r.Broadcast(context.Background(), "room", "x"); n != 1 {
		t.Errorf("delivered to %d, want 1", n)
	}
	if d := time.Since(start); d >= time.Second {
		t.Errorf("broadcast took %v", d)
	}
	if m := r.Members("room"); m != 1 {
		t.Errorf("members = %d, want 1", m)
	}
}

func TestRegistry_LastFailureDeletesRoom(t *testing.T) {
	r := NewRegistry(time.Second, nil, nil)
	r.Join(&fakeConn{fail: true}, "room")

	if n := r.Broadcast(context.Background(), "room", "x"); n != 0 {
		t.Errorf("delivered to %d", n)
	}
	if n := r.Rooms(); n != 0 {
		t.Errorf("rooms = %d, want the empty room deleted", n)
	}
}

func TestRegistry_JoinLeaveIdempotent(t *testing.T) {
	r := NewRegistry(time.Second, nil, nil)
	conn := &fakeConn{}

	r.Join(conn, "room")
	r.Join(conn, "room")
	if m := r.Members("room"); m != 1 {
		t.Errorf("members after double join = %d", m)
	}

	r.Leave(conn, "room")
	r.Leave(conn, "room")
	r.Leave(conn, "other")
	if m, n := r.Members("room"), r.Rooms(); m != 0 || n != 0 {
		t.Errorf("members=%d rooms=%d after leave", m, n)
	}
}

func TestRegistry_ConcurrentJoinAndBroadcast(t *testing.T) {
	r := NewRegistry(time.Second, nil, nil)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := &fakeConn{}
			r.Join(c, "room")
			r.Leave(c, "room")
		}()
		go func() {
			defer wg.Done()
			r.Broadcast(context.Background(), "room", "x")
		}()
	}
	wg.Wait()
	if m := r.Members("room"); m != 0 {
		t.Errorf("members = %d", m)
	}
}
