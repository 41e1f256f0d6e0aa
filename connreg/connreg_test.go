package connreg

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolgate-io/toolgate/stream"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	t.Parallel()

	r := New()
	require.NoError(t, r.Register("c1", nil))
	require.Error(t, r.Register("c1", nil))
	assert.Equal(t, 1, r.ActiveCount())
}

func TestEvictIsIdempotent(t *testing.T) {
	t.Parallel()

	var evictions atomic.Int64
	r := New()
	require.NoError(t, r.Register("c1", func(string) { evictions.Add(1) }))

	r.Evict("c1", "test")
	r.Evict("c1", "test")
	r.Evict("unknown", "test")

	assert.Equal(t, int64(1), evictions.Load())
	assert.Equal(t, 0, r.ActiveCount())
}

func TestEvictCancelsAndAbortsSessions(t *testing.T) {
	t.Parallel()

	r := New()
	require.NoError(t, r.Register("c1", nil))

	s := stream.New("tool")
	var cancelled atomic.Bool
	require.NoError(t, r.AddSession("c1", "s1", s, func() { cancelled.Store(true) }))

	r.Evict("c1", stream.ReasonPeerTimeout)

	assert.True(t, cancelled.Load())
	assert.Equal(t, stream.StateError, s.State())

	var events []stream.Event
	for ev := range s.Events() {
		events = append(events, ev)
	}
	require.Len(t, events, 1)
	assert.Equal(t, stream.ReasonPeerTimeout, events[0].Reason)
}

func TestAddSessionRequiresLiveConnection(t *testing.T) {
	t.Parallel()

	r := New()
	err := r.AddSession("ghost", "s1", stream.New("tool"), nil)
	require.Error(t, err)
}

func TestSessionsForAndRemove(t *testing.T) {
	t.Parallel()

	r := New()
	require.NoError(t, r.Register("c1", nil))
	s1, s2 := stream.New("a"), stream.New("b")
	require.NoError(t, r.AddSession("c1", s1.ID(), s1, nil))
	require.NoError(t, r.AddSession("c1", s2.ID(), s2, nil))

	assert.Len(t, r.SessionsFor("c1"), 2)
	r.RemoveSession("c1", s1.ID())
	assert.Len(t, r.SessionsFor("c1"), 1)
	assert.Nil(t, r.SessionsFor("nope"))
}

func TestSweepEvictsStaleConnections(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	var reason atomic.Value
	r := New(
		WithClock(clock.Now),
		WithTimeout(90*time.Second),
	)
	require.NoError(t, r.Register("stale", func(why string) { reason.Store(why) }))
	require.NoError(t, r.Register("fresh", nil))

	clock.Advance(60 * time.Second)
	r.Touch("fresh")
	clock.Advance(40 * time.Second) // stale is now 100s silent, fresh 40s

	r.sweepOnce()

	assert.Equal(t, 1, r.ActiveCount())
	assert.Equal(t, stream.ReasonPeerTimeout, reason.Load())
	assert.NotNil(t, r.SessionsFor("fresh"))
}

func TestTouchKeepsConnectionAlive(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	r := New(WithClock(clock.Now), WithTimeout(time.Minute))
	require.NoError(t, r.Register("c1", nil))

	for i := 0; i < 5; i++ {
		clock.Advance(30 * time.Second)
		r.Touch("c1")
		r.sweepOnce()
	}
	assert.Equal(t, 1, r.ActiveCount())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	r := New(WithSweepInterval(5 * time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
