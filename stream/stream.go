// Package stream implements the ordered event lifecycle for one tool
// invocation. A Session owns its event sequence: handlers hand it payloads and
// the session assigns strictly increasing sequence numbers itself, so ordering
// holds even when a handler emits from several internal steps. Events flow
// through a bounded channel; a full channel blocks the producer rather than
// dropping events, which makes backpressure and cancellation explicit
// control flow instead of callback side effects.
//
// State machine: INIT -> STREAMING -> {COMPLETE | ERROR}. The first complete
// or error event is terminal; any emission after it is a programming error in
// the handler and is rejected and logged, never delivered.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toolgate-io/toolgate/telemetry"
)

// Kind discriminates stream events.
type Kind string

// Event kinds. Complete and Error are terminal.
const (
	KindProgress Kind = "progress"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
)

// State names the session lifecycle states.
type State string

// Session lifecycle states.
const (
	StateInit      State = "INIT"
	StateStreaming State = "STREAMING"
	StateComplete  State = "COMPLETE"
	StateError     State = "ERROR"
)

// Terminal reports whether the state admits no further events.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateError
}

// Machine-readable reasons for forced error termination.
const (
	ReasonCancelled   = "cancelled"
	ReasonPeerTimeout = "peer timeout"
)

// ErrTerminated is returned when an event is emitted on a session that has
// already produced its terminal event.
var ErrTerminated = errors.New("stream: session already terminated")

// DefaultBuffer is the default outbound event queue length per session.
const DefaultBuffer = 32

type (
	// Event is one ordered unit of progress, completion, or error information.
	Event struct {
		// Sequence is assigned by the session, strictly increasing from 0.
		Sequence uint64 `json:"sequence"`
		// Kind is progress, complete, or error.
		Kind Kind `json:"kind"`
		// Payload is the event body, when any.
		Payload any `json:"payload,omitempty"`
		// Reason carries a machine-readable failure reason on error events.
		Reason string `json:"reason,omitempty"`
		// Timestamp records when the event was sequenced (UTC).
		Timestamp time.Time `json:"timestamp"`
	}

	// Session is the ordered-event lifecycle object for one tool invocation.
	// It is created when the executor accepts a call and retired once its
	// terminal event has been flushed to the transport. Producer methods
	// (Progress, Complete, Fail) are safe for concurrent use; the Events
	// channel has a single consumer, the transport adapter.
	Session struct {
		id   string
		tool string

		mu    sync.Mutex
		state State
		next  uint64
		out   chan Event

		abortOnce sync.Once
		abort     chan struct{}
		done      chan struct{}

		logger telemetry.Logger
		now    func() time.Time
	}

	// Option configures a Session.
	Option func(*Session)
)

// WithBuffer sets the outbound queue length. Values below 1 fall back to 1 so
// a terminal event can always be staged.
func WithBuffer(n int) Option {
	return func(s *Session) {
		if n < 1 {
			n = 1
		}
		s.out = make(chan Event, n)
	}
}

// WithLogger configures the session logger. When nil, the session uses a noop
// logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the timestamp source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a session in the INIT state for the named tool.
func New(tool string, opts ...Option) *Session {
	s := &Session{
		id:     uuid.NewString(),
		tool:   tool,
		state:  StateInit,
		out:    make(chan Event, DefaultBuffer),
		abort:  make(chan struct{}),
		done:   make(chan struct{}),
		logger: telemetry.NewNoopLogger(),
		now:    time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Tool returns the name of the tool the session belongs to.
func (s *Session) Tool() string { return s.tool }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events returns the ordered event channel. It is closed after the terminal
// event has been enqueued; consumers drain it to completion.
func (s *Session) Events() <-chan Event { return s.out }

// Done is closed once the session has reached a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Progress emits a progress event. It blocks while the outbound queue is full
// and fails once ctx is cancelled or the session has terminated.
func (s *Session) Progress(ctx context.Context, payload any) error {
	return s.emit(ctx, KindProgress, payload, "")
}

// Complete emits the terminal complete event carrying the final result.
func (s *Session) Complete(ctx context.Context, payload any) error {
	return s.emit(ctx, KindComplete, payload, "")
}

// Fail emits the terminal error event with a machine-readable reason.
func (s *Session) Fail(ctx context.Context, reason string, payload any) error {
	return s.emit(ctx, KindError, payload, reason)
}

// Abort forcibly terminates the session with an error event carrying the
// given reason. Unlike Fail it never blocks: if the outbound queue is full the
// error event is staged only when room exists, since the consumer is usually
// already gone when Abort runs (peer timeout, disconnect). Abort unblocks any
// producer waiting on backpressure and is idempotent.
func (s *Session) Abort(reason string) {
	s.abortOnce.Do(func() { close(s.abort) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	ev := Event{
		Sequence:  s.next,
		Kind:      KindError,
		Reason:    reason,
		Timestamp: s.now().UTC(),
	}
	s.next++
	s.state = StateError
	select {
	case s.out <- ev:
	default:
		s.logger.Warn(context.Background(), "abort event dropped, outbound queue full",
			"session", s.id, "tool", s.tool, "reason", reason)
	}
	close(s.out)
	close(s.done)
}

// emit sequences and enqueues one event. The lock is held across the channel
// send: that is what guarantees events enter the queue in sequence order when
// producers race. Sequence numbers advance only on successful enqueue so the
// delivered sequence has no gaps.
func (s *Session) emit(ctx context.Context, kind Kind, payload any, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		s.logger.Error(ctx, "event emitted after terminal state",
			"session", s.id, "tool", s.tool, "kind", string(kind), "state", string(s.state))
		return ErrTerminated
	}
	ev := Event{
		Sequence:  s.next,
		Kind:      kind,
		Payload:   payload,
		Reason:    reason,
		Timestamp: s.now().UTC(),
	}
	select {
	case s.out <- ev:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.abort:
		return ErrTerminated
	}
	s.next++
	switch kind {
	case KindProgress:
		s.state = StateStreaming
	case KindComplete:
		s.state = StateComplete
	case KindError:
		s.state = StateError
	}
	if s.state.Terminal() {
		close(s.out)
		close(s.done)
	}
	return nil
}
