// Package duplex implements the bidirectional WebSocket transport. A single
// connection multiplexes any number of concurrent calls; frames carry a
// session identifier and each session's events arrive in order. Inbound
// frames count as liveness signals for the connection registry.
package duplex

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
	goahttp "goa.design/goa/v3/http"

	"github.com/toolgate-io/toolgate/auth"
	"github.com/toolgate-io/toolgate/connreg"
	"github.com/toolgate-io/toolgate/dispatch"
	"github.com/toolgate-io/toolgate/stream"
	"github.com/toolgate-io/toolgate/telemetry"
	"github.com/toolgate-io/toolgate/transport/wire"
)

const (
	// DefaultPingInterval is how often the server pings an idle peer.
	DefaultPingInterval = 30 * time.Second
	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultFrameRate and DefaultFrameBurst bound inbound frame throughput
	// per connection. The read loop blocks rather than drops when exceeded.
	DefaultFrameRate  = 200
	DefaultFrameBurst = 50

	maxFrameBytes = 1 << 20
	outboundDepth = 64

	// ReasonConnectionClosed terminates sessions whose peer went away.
	ReasonConnectionClosed = "connection closed"
	// ReasonMalformedFrame terminates a connection that sent an
	// unparseable or unknown frame.
	ReasonMalformedFrame = "malformed frame"
)

type (
	// Server upgrades callers to WebSocket and bridges frames to the
	// dispatch pipeline.
	Server struct {
		d        *dispatch.Dispatcher
		conns    *connreg.Registry
		upgrader websocket.Upgrader
		logger   telemetry.Logger

		frameRate    rate.Limit
		frameBurst   int
		pingInterval time.Duration
		writeTimeout time.Duration
		now          func() time.Time
	}

	// Option configures a Server.
	Option func(*Server)

	// connection owns one WebSocket peer. done is closed exactly once, on
	// eviction or write failure, and releases the writer and any pumps.
	connection struct {
		id   string
		ws   *websocket.Conn
		out  chan outFrame
		done chan struct{}
		once sync.Once
	}
)

// WithLogger sets the logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRateLimit overrides the per-connection inbound frame rate.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond > 0 {
			s.frameRate = rate.Limit(perSecond)
		}
		if burst > 0 {
			s.frameBurst = burst
		}
	}
}

// WithPingInterval overrides how often the server pings idle peers.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// WithWriteTimeout overrides the per-frame write deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// WithCheckOrigin overrides the upgrade origin check. The default accepts
// all origins since callers authenticate with credentials, not cookies.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(s *Server) {
		if fn != nil {
			s.upgrader.CheckOrigin = fn
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a duplex transport server over the given dispatcher and
// connection registry.
func New(d *dispatch.Dispatcher, conns *connreg.Registry, opts ...Option) *Server {
	s := &Server{
		d:     d,
		conns: conns,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:       telemetry.NewNoopLogger(),
		frameRate:    DefaultFrameRate,
		frameBurst:   DefaultFrameBurst,
		pingInterval: DefaultPingInterval,
		writeTimeout: DefaultWriteTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Mount registers the WebSocket endpoint on mux.
func (s *Server) Mount(mux goahttp.Muxer) {
	mux.Handle(http.MethodGet, "/ws", s.handle)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cred := auth.FromHeader(r.Header)
	if _, err := s.d.Authorize(ctx, cred); err != nil {
		wire.WriteError(w, err)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn(ctx, "websocket upgrade failed", "error", err)
		return
	}
	conn := &connection{
		id:   uuid.NewString(),
		ws:   ws,
		out:  make(chan outFrame, outboundDepth),
		done: make(chan struct{}),
	}
	if err := s.conns.Register(conn.id, func(reason string) {
		s.logger.Info(ctx, "connection evicted", "conn", conn.id, "reason", reason)
		conn.shutdown()
	}); err != nil {
		s.logger.Error(ctx, "connection registration failed", "conn", conn.id, "error", err)
		ws.Close()
		return
	}
	ws.SetReadLimit(maxFrameBytes)
	ws.SetPingHandler(func(appData string) error {
		s.conns.Touch(conn.id)
		return ws.WriteControl(websocket.PongMessage, []byte(appData), s.now().Add(s.writeTimeout))
	})
	ws.SetPongHandler(func(string) error {
		s.conns.Touch(conn.id)
		return nil
	})
	s.logger.Info(ctx, "connection opened", "conn", conn.id, "remote", r.RemoteAddr)

	go s.writeLoop(ctx, conn)
	s.readLoop(ctx, conn, cred)
}

func (c *connection) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// send stages an outbound frame unless the connection is already gone.
func (s *Server) send(conn *connection, f outFrame) {
	select {
	case conn.out <- f:
	case <-conn.done:
	}
}

// writeLoop is the single writer for the connection. Data frames come off
// the outbound queue; protocol pings fire on an interval to keep NATs and
// proxies from dropping idle connections.
func (s *Server) writeLoop(ctx context.Context, conn *connection) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case f := <-conn.out:
			conn.ws.SetWriteDeadline(s.now().Add(s.writeTimeout))
			if err := conn.ws.WriteJSON(f); err != nil {
				s.logger.Warn(ctx, "frame write failed", "conn", conn.id, "error", err)
				s.conns.Evict(conn.id, ReasonConnectionClosed)
				return
			}
		case <-ticker.C:
			if err := conn.ws.WriteControl(websocket.PingMessage, nil, s.now().Add(s.writeTimeout)); err != nil {
				s.logger.Warn(ctx, "ping failed", "conn", conn.id, "error", err)
				s.conns.Evict(conn.id, ReasonConnectionClosed)
				return
			}
		case <-conn.done:
			return
		}
	}
}

// readLoop consumes inbound frames until the peer disconnects or sends
// something unparseable. Every inbound frame, including protocol pings,
// counts as a liveness signal.
func (s *Server) readLoop(ctx context.Context, conn *connection, cred auth.Credentials) {
	limiter := rate.NewLimiter(s.frameRate, s.frameBurst)
	for {
		var f Frame
		if err := conn.ws.ReadJSON(&f); err != nil {
			var syn *json.SyntaxError
			var typ *json.UnmarshalTypeError
			if errors.As(err, &syn) || errors.As(err, &typ) {
				s.reject(conn, "", "unparseable frame")
				return
			}
			s.conns.Evict(conn.id, ReasonConnectionClosed)
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			s.conns.Evict(conn.id, ReasonConnectionClosed)
			return
		}
		s.conns.Touch(conn.id)
		switch f.Type {
		case TypePing:
			s.send(conn, outFrame{
				Type:      TypePong,
				SessionID: f.SessionID,
				Payload:   f.Payload,
				Timestamp: s.now().UTC(),
			})
		case TypePong:
			// Touch above already recorded the liveness signal.
		case TypeStreamData:
			s.logger.Warn(ctx, "ignoring caller stream_data frame", "conn", conn.id, "session", f.SessionID)
		case TypeCall:
			if !s.startCall(ctx, conn, cred, f) {
				return
			}
		default:
			s.reject(conn, f.SessionID, "unknown frame type "+f.Type)
			return
		}
	}
}

// reject notifies the peer of a protocol violation, best effort, then evicts
// the connection.
func (s *Server) reject(conn *connection, sessionID, msg string) {
	s.send(conn, outFrame{
		Type:      TypeError,
		SessionID: sessionID,
		Payload:   wire.ErrorBody{Error: wire.CodeBadRequest, Reason: msg},
		Timestamp: s.now().UTC(),
	})
	s.conns.Evict(conn.id, ReasonMalformedFrame)
}

// startCall runs one call frame through the dispatch pipeline. Pipeline
// rejections surface as a terminal error frame for that session only;
// the connection and its other sessions stay up. Returns false when the
// frame was malformed and the connection was evicted.
func (s *Server) startCall(ctx context.Context, conn *connection, cred auth.Credentials, f Frame) bool {
	var env wire.Envelope
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &env); err != nil {
			s.reject(conn, f.SessionID, "unparseable call payload")
			return false
		}
	}
	wireID := f.SessionID
	if wireID == "" {
		wireID = uuid.NewString()
	}
	callCtx, cancel := context.WithCancel(ctx)
	sess, err := s.d.Dispatch(callCtx, &dispatch.Request{
		ToolName:  env.ToolName,
		Method:    env.Method,
		Path:      env.Path,
		Arguments: env.Arguments,
		Cred:      cred,
	})
	if err != nil {
		cancel()
		_, body := wire.StatusFor(err)
		seq := uint64(0)
		s.send(conn, outFrame{
			Type:      TypeError,
			SessionID: wireID,
			Sequence:  &seq,
			Payload:   body,
			Timestamp: s.now().UTC(),
		})
		return true
	}
	if err := s.conns.AddSession(conn.id, wireID, sess, cancel); err != nil {
		cancel()
		sess.Abort(ReasonConnectionClosed)
		return true
	}
	go s.pump(conn, wireID, sess)
	return true
}

// pump forwards one session's events to the outbound queue in order. The
// queue is FIFO and the writer is single, so per-session ordering holds even
// with many concurrent sessions interleaved.
func (s *Server) pump(conn *connection, wireID string, sess *stream.Session) {
	defer s.conns.RemoveSession(conn.id, wireID)
	for ev := range sess.Events() {
		select {
		case conn.out <- eventFrame(wireID, ev):
		case <-conn.done:
			// Peer is gone. Drain so producers blocked on the session
			// queue unwind; eviction aborts the session in parallel.
			for range sess.Events() {
			}
			return
		}
	}
}
