package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/felixgeelhaar/murmur/internal/observe"
	"go.opentelemetry.io/otel/attribute"
)

// PendingOperation is one deferred side effect of a turn.
type PendingOperation struct {
	Name        string
	Description string
	Run         func(ctx context.Context) error
}

// Sequencer runs the operations of one turn strictly one at a time, in the
// order they were enqueued. Enqueue never blocks; a failing operation is
// logged, traced and published, and the queue moves on.
type Sequencer struct {
	mu       sync.Mutex
	queue    []PendingOperation
	draining bool
	idle     chan struct{}

	ctx   context.Context
	obs   *observe.Observer
	bus   *EventBus
	room  string
	runs  int
	fails int
}

// NewSequencer creates an idle sequencer. Operations receive ctx stripped
// of its cancellation, so a vanished client does not abort queued writes.
// room labels logs and events; bus may be nil.
func NewSequencer(ctx context.Context, obs *observe.Observer, bus *EventBus, room string) *Sequencer {
	idle := make(chan struct{})
	close(idle)
	return &Sequencer{
		idle: idle,
		ctx:  context.WithoutCancel(ctx),
		obs:  obs,
		bus:  bus,
		room: room,
	}
}

// Enqueue schedules op after everything already queued.
func (s *Sequencer) Enqueue(op PendingOperation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = append(s.queue, op)
	if s.draining {
		return
	}
	s.draining = true
	s.idle = make(chan struct{})
	go s.drain()
}

// Pending returns the number of operations waiting to run.
func (s *Sequencer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Stats returns how many operations have run and how many of them failed.
func (s *Sequencer) Stats() (runs, fails int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs, s.fails
}

// Wait blocks until the queue is empty and nothing is running.
func (s *Sequencer) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sequencer) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			close(s.idle)
			s.mu.Unlock()
			return
		}
		op := s.queue[0]
		s.queue[0] = PendingOperation{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		err := s.run(op)

		s.mu.Lock()
		s.runs++
		if err != nil {
			s.fails++
		}
		s.mu.Unlock()
	}
}

func (s *Sequencer) run(op PendingOperation) error {
	ctx, span := s.obs.StartSpan(s.ctx, "op."+op.Name,
		attribute.String("murmur.op.description", op.Description),
		attribute.String("murmur.room", s.room),
	)
	defer span.End()

	err := safeRun(ctx, op)
	if err == nil {
		return nil
	}

	observe.Fail(span, err)
	s.obs.Log().Error().
		Str("room", s.room).
		Str("op", op.Name).
		Str("description", op.Description).
		Err(err).
		Msg("sequenced operation failed")
	s.bus.Emit(EventOperationFailed, s.room, Fields{
		"op":    op.Name,
		"error": err.Error(),
	})
	return err
}

func safeRun(ctx context.Context, op PendingOperation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation %s panicked: %v", op.Name, r)
		}
	}()
	if op.Run == nil {
		return nil
	}
	return op.Run(ctx)
}
