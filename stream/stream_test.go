package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(s *Session) []Event {
	var out []Event
	for ev := range s.Events() {
		out = append(out, ev)
	}
	return out
}

func TestSessionCompleteLifecycle(t *testing.T) {
	t.Parallel()

	s := New("GET /widgets/{id}")
	require.Equal(t, StateInit, s.State())

	ctx := context.Background()
	require.NoError(t, s.Progress(ctx, map[string]any{"step": 1}))
	require.Equal(t, StateStreaming, s.State())
	require.NoError(t, s.Complete(ctx, map[string]any{"done": true}))
	require.Equal(t, StateComplete, s.State())

	events := drain(s)
	require.Len(t, events, 2)
	assert.Equal(t, KindProgress, events[0].Kind)
	assert.Equal(t, uint64(0), events[0].Sequence)
	assert.Equal(t, KindComplete, events[1].Kind)
	assert.Equal(t, uint64(1), events[1].Sequence)

	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed after terminal event")
	}
}

func TestSessionRejectsEventsAfterTerminal(t *testing.T) {
	t.Parallel()

	s := New("tool")
	ctx := context.Background()
	require.NoError(t, s.Complete(ctx, "result"))

	assert.ErrorIs(t, s.Progress(ctx, "late"), ErrTerminated)
	assert.ErrorIs(t, s.Complete(ctx, "late"), ErrTerminated)
	assert.ErrorIs(t, s.Fail(ctx, "late", nil), ErrTerminated)
	assert.Equal(t, StateComplete, s.State())

	events := drain(s)
	require.Len(t, events, 1)
	assert.Equal(t, KindComplete, events[0].Kind)
}

func TestSessionFailCarriesReason(t *testing.T) {
	t.Parallel()

	s := New("tool")
	require.NoError(t, s.Fail(context.Background(), "backend unavailable", nil))
	require.Equal(t, StateError, s.State())

	events := drain(s)
	require.Len(t, events, 1)
	assert.Equal(t, KindError, events[0].Kind)
	assert.Equal(t, "backend unavailable", events[0].Reason)
}

func TestSessionAbortIsIdempotent(t *testing.T) {
	t.Parallel()

	s := New("tool")
	s.Abort(ReasonPeerTimeout)
	s.Abort(ReasonPeerTimeout)
	s.Abort(ReasonCancelled)

	require.Equal(t, StateError, s.State())
	events := drain(s)
	require.Len(t, events, 1)
	assert.Equal(t, KindError, events[0].Kind)
	assert.Equal(t, ReasonPeerTimeout, events[0].Reason)
}

func TestSessionAbortUnblocksProducer(t *testing.T) {
	t.Parallel()

	s := New("tool", WithBuffer(1))
	ctx := context.Background()
	require.NoError(t, s.Progress(ctx, 0)) // fills the queue, no consumer

	errc := make(chan error, 1)
	go func() {
		errc <- s.Progress(ctx, 1)
	}()
	// Give the producer time to block on the full queue.
	time.Sleep(20 * time.Millisecond)
	s.Abort(ReasonCancelled)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrTerminated)
	case <-time.After(time.Second):
		t.Fatal("producer still blocked after abort")
	}
}

func TestSessionBackpressureHonorsContext(t *testing.T) {
	t.Parallel()

	s := New("tool", WithBuffer(1))
	require.NoError(t, s.Progress(context.Background(), 0))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Progress(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSessionOrderingUnderConcurrentProducers(t *testing.T) {
	t.Parallel()

	const producers, perProducer = 8, 25
	s := New("tool", WithBuffer(4))

	var events []Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		events = drain(s)
	}()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if err := s.Progress(context.Background(), i); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	require.NoError(t, s.Complete(context.Background(), "done"))
	<-done

	require.Len(t, events, producers*perProducer+1)
	for i, ev := range events {
		assert.Equal(t, uint64(i), ev.Sequence, "sequence gap at %d", i)
	}
	assert.Equal(t, KindComplete, events[len(events)-1].Kind)
}

func TestSequenceProperty(t *testing.T) {
	t.Parallel()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("delivered sequences are gapless and end terminal", prop.ForAll(
		func(n int) bool {
			s := New("tool", WithBuffer(2))
			collected := make(chan []Event, 1)
			go func() {
				collected <- drain(s)
			}()
			for i := 0; i < n; i++ {
				if err := s.Progress(context.Background(), i); err != nil {
					return false
				}
			}
			if err := s.Complete(context.Background(), nil); err != nil {
				return false
			}
			events := <-collected
			if len(events) != n+1 {
				return false
			}
			for i, ev := range events {
				if ev.Sequence != uint64(i) {
					return false
				}
			}
			return events[n].Kind == KindComplete
		},
		gen.IntRange(0, 50),
	))

	properties.TestingRun(t)
}

func TestErrTerminatedIdentity(t *testing.T) {
	t.Parallel()

	s := New("tool")
	s.Abort("x")
	err := s.Progress(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrTerminated))
}
