package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/felixgeelhaar/bolt/v3"
)

// DefaultSendTimeout bounds a single send during fan-out.
const DefaultSendTimeout = 5 * time.Second

// Connection is a live client channel subscribed to a room.
type Connection interface {
	Send(ctx context.Context, text string) error
	Close() error
}

// Registry tracks which connections are subscribed to which room and
// fans serialized events out to them. Rooms are keyed by external id.
type Registry struct {
	mu          sync.Mutex
	rooms       map[string]map[Connection]struct{}
	sendTimeout time.Duration
	log         *bolt.Logger
	bus         *EventBus
}

// NewRegistry creates an empty registry. bus and log may be nil.
func NewRegistry(sendTimeout time.Duration, log *bolt.Logger, bus *EventBus) *Registry {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Registry{
		rooms:       make(map[string]map[Connection]struct{}),
		sendTimeout: sendTimeout,
		log:         log,
		bus:         bus,
	}
}

// Join subscribes conn to room. Joining twice is a no-op.
func (r *Registry) Join(conn Connection, room string) {
	r.mu.Lock()
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[Connection]struct{})
		r.rooms[room] = members
	}
	members[conn] = struct{}{}
	n := len(members)
	r.mu.Unlock()

	r.bus.Emit(EventConnectionJoined, room, Fields{"members": n})
}

// Leave unsubscribes conn from room. Leaving a room the connection is not
// in is a no-op.
func (r *Registry) Leave(conn Connection, room string) {
	r.mu.Lock()
	members, ok := r.rooms[room]
	if !ok {
		r.mu.Unlock()
		return
	}
	_, present := members[conn]
	delete(members, conn)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	r.mu.Unlock()

	if present {
		r.bus.Emit(EventConnectionLeft, room, nil)
	}
}

// Members returns the number of connections subscribed to room.
func (r *Registry) Members(room string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[room])
}

// Rooms returns the number of rooms with at least one member.
func (r *Registry) Rooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// Broadcast sends text to every member of room concurrently and returns
// how many sends succeeded. Members whose send fails or times out are
// removed before Broadcast returns. A room without members is a no-op.
// The registry lock is never held while sending.
func (r *Registry) Broadcast(ctx context.Context, room, text string) int {
	r.mu.Lock()
	members := make([]Connection, 0, len(r.rooms[room]))
	for c := range r.rooms[room] {
		members = append(members, c)
	}
	r.mu.Unlock()

	if len(members) == 0 {
		return 0
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []Connection
	)
	for _, c := range members {
		wg.Add(1)
		go func(c Connection) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
			defer cancel()
			if err := c.Send(sendCtx, text); err != nil {
				if r.log != nil {
					r.log.Debug().Str("room", room).Err(err).Msg("send failed, pruning connection")
				}
				mu.Lock()
				failed = append(failed, c)
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	if len(failed) > 0 {
		r.prune(room, failed)
	}
	return len(members) - len(failed)
}

func (r *Registry) prune(room string, failed []Connection) {
	r.mu.Lock()
	if members, ok := r.rooms[room]; ok {
		for _, c := range failed {
			delete(members, c)
		}
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	r.mu.Unlock()

	for _, c := range failed {
		c.Close()
	}
	r.bus.Emit(EventConnectionPruned, room, Fields{"pruned": len(failed)})
}
