package event

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("event stream closed")

// DefaultBuffer is the stream capacity used when none is given.
const DefaultBuffer = 64

// Stream is a bounded, ordered channel of events for one task. It has a
// single producer; Emit blocks while the buffer is full, so a slow consumer
// slows the producer instead of losing events.
type Stream struct {
	taskID string
	ch     chan Event
	mu     sync.Mutex
	closed bool
	now    func() time.Time
}

// NewStream creates a stream for taskID.
func NewStream(taskID string, buffer int) *Stream {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Stream{taskID: taskID, ch: make(chan Event, buffer), now: time.Now}
}

// TaskID returns the task the stream belongs to.
func (s *Stream) TaskID() string { return s.taskID }

// Emit stamps e with the task ID and time, then queues it. It returns
// ctx.Err() if ctx ends while the buffer is full.
func (s *Stream) Emit(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	e.TaskID = s.taskID
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}
	select {
	case s.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the receive side. It is closed after Close.
func (s *Stream) Events() <-chan Event { return s.ch }

// Close ends the stream. It is safe to call more than once.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Emitter is the producer-side view of a stream.
type Emitter interface {
	Emit(ctx context.Context, e Event) error
}

// Discard is an Emitter that drops everything.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(context.Context, Event) error { return nil }
