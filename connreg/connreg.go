// Package connreg tracks live duplex connections, their liveness, and the
// stream sessions each one owns. It is the only component in the bridge whose
// state is mutated concurrently from multiple tasks, so all access goes
// through its own lock; the underlying table is never handed out.
//
// A background sweep evicts connections whose last-touch timestamp exceeds the
// configured timeout. Eviction cancels every owned session with reason
// "peer timeout" and is idempotent: evicting an already-gone connection is a
// no-op.
package connreg

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/toolgate-io/toolgate/stream"
	"github.com/toolgate-io/toolgate/telemetry"
)

// Defaults for the liveness sweep.
const (
	DefaultTimeout       = 90 * time.Second
	DefaultSweepInterval = 30 * time.Second
)

type (
	// Registry is the connection table. Safe for concurrent use.
	Registry struct {
		mu    sync.Mutex
		conns map[string]*conn

		timeout time.Duration
		sweep   time.Duration
		now     func() time.Time

		logger  telemetry.Logger
		metrics telemetry.Metrics
	}

	// Option configures a Registry.
	Option func(*Registry)

	conn struct {
		id        string
		lastTouch time.Time
		sessions  map[string]sessionEntry
		onEvict   func(reason string)
	}

	sessionEntry struct {
		session *stream.Session
		cancel  context.CancelFunc
	}
)

// WithTimeout sets the liveness timeout after which a silent connection is
// evicted.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithSweepInterval sets the interval of the background liveness sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.sweep = d
		}
	}
}

// WithClock overrides the liveness clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLogger configures the registry logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics configures the registry metrics recorder.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(r *Registry) {
		if metrics != nil {
			r.metrics = metrics
		}
	}
}

// New creates an empty connection registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		conns:   make(map[string]*conn),
		timeout: DefaultTimeout,
		sweep:   DefaultSweepInterval,
		now:     time.Now,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// Register adds a live connection. onEvict, when non-nil, is invoked exactly
// once when the connection is evicted so the transport can close the socket.
func (r *Registry) Register(id string, onEvict func(reason string)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.conns[id]; dup {
		return fmt.Errorf("connection %q already registered", id)
	}
	r.conns[id] = &conn{
		id:        id,
		lastTouch: r.now(),
		sessions:  make(map[string]sessionEntry),
		onEvict:   onEvict,
	}
	telemetry.RecordConnectionCount(r.metrics, len(r.conns))
	return nil
}

// Touch refreshes a connection's liveness timestamp. Every received frame,
// pings included, touches the connection. Touching an unknown connection is a
// no-op.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[id]; ok {
		c.lastTouch = r.now()
	}
}

// AddSession attaches a session and its cancellation to the connection that
// owns it.
func (r *Registry) AddSession(connID, sessionID string, s *stream.Session, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return fmt.Errorf("connection %q not registered", connID)
	}
	c.sessions[sessionID] = sessionEntry{session: s, cancel: cancel}
	return nil
}

// RemoveSession detaches a retired session. Unknown connections or sessions
// are a no-op.
func (r *Registry) RemoveSession(connID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[connID]; ok {
		delete(c.sessions, sessionID)
	}
}

// SessionsFor returns the sessions currently owned by the connection.
func (r *Registry) SessionsFor(connID string) []*stream.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return nil
	}
	out := make([]*stream.Session, 0, len(c.sessions))
	for _, e := range c.sessions {
		out = append(out, e.session)
	}
	return out
}

// ActiveCount returns the number of live connections.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Evict removes the connection, cancelling every session it owns with the
// given reason. Idempotent: evicting an unknown or already-evicted connection
// has no effect.
func (r *Registry) Evict(id, reason string) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, id)
	telemetry.RecordConnectionCount(r.metrics, len(r.conns))
	entries := make([]sessionEntry, 0, len(c.sessions))
	for _, e := range c.sessions {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	// Cancel and terminate outside the lock: Abort may log and the transport's
	// onEvict may block briefly on socket close.
	for _, e := range entries {
		if e.cancel != nil {
			e.cancel()
		}
		e.session.Abort(reason)
	}
	if c.onEvict != nil {
		c.onEvict(reason)
	}
	r.logger.Info(context.Background(), "connection evicted",
		"conn", id, "reason", reason, "sessions", len(entries))
}

// Run executes the liveness sweep until ctx is cancelled. It is typically
// started as one goroutine per process.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

// sweepOnce evicts every connection whose liveness window has lapsed.
func (r *Registry) sweepOnce() {
	cutoff := r.now().Add(-r.timeout)
	r.mu.Lock()
	var stale []string
	for id, c := range r.conns {
		if c.lastTouch.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()
	for _, id := range stale {
		r.Evict(id, stream.ReasonPeerTimeout)
	}
}
