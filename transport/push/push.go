// Package push is the push-stream transport adapter: a long-lived,
// caller-initiated, server-to-caller-only channel carried as Server-Sent
// Events. Every stream event becomes one individually flushed SSE frame; the
// channel closes after the terminal frame. A caller that disconnects
// mid-stream cancels the underlying handler invocation through the request
// context; cancellation is cooperative, handlers observe it at their own
// checkpoints.
package push

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	goahttp "goa.design/goa/v3/http"

	"github.com/toolgate-io/toolgate/auth"
	"github.com/toolgate-io/toolgate/dispatch"
	"github.com/toolgate-io/toolgate/stream"
	"github.com/toolgate-io/toolgate/telemetry"
	"github.com/toolgate-io/toolgate/transport/wire"
)

type (
	// Server handles push-stream invocations.
	Server struct {
		d      *dispatch.Dispatcher
		logger telemetry.Logger
	}

	// Option configures a Server.
	Option func(*Server)

	// frame is the SSE data payload for one stream event.
	frame struct {
		SessionID string      `json:"sessionId"`
		Sequence  uint64      `json:"sequence"`
		Kind      stream.Kind `json:"kind"`
		Payload   any         `json:"payload,omitempty"`
		Reason    string      `json:"reason,omitempty"`
		Timestamp time.Time   `json:"timestamp"`
	}
)

// WithLogger configures the server logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates the push-stream adapter over the shared dispatcher.
func New(d *dispatch.Dispatcher, opts ...Option) *Server {
	s := &Server{d: d, logger: telemetry.NewNoopLogger()}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// Mount registers the adapter's routes on the muxer.
func (s *Server) Mount(mux goahttp.Muxer) {
	mux.Handle(http.MethodPost, "/stream", s.handleStream)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	env, err := wire.DecodeEnvelope(r)
	if err != nil {
		wire.WriteJSON(w, http.StatusBadRequest, wire.ErrorBody{Error: wire.CodeBadRequest, Reason: err.Error()})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		wire.WriteJSON(w, http.StatusNotAcceptable,
			wire.ErrorBody{Error: wire.CodeBadRequest, Reason: "transport does not support streaming"})
		return
	}

	// Pipeline errors surface as plain JSON before the stream opens; once the
	// SSE channel is committed, every outcome is a frame.
	ctx := r.Context()
	sess, err := s.d.Dispatch(ctx, &dispatch.Request{
		ToolName:  env.ToolName,
		Method:    env.Method,
		Path:      env.Path,
		Arguments: env.Arguments,
		Cred:      auth.FromHeader(r.Header),
	})
	if err != nil {
		wire.WriteError(w, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range sess.Events() {
		data, err := json.Marshal(frame{
			SessionID: sess.ID(),
			Sequence:  ev.Sequence,
			Kind:      ev.Kind,
			Payload:   ev.Payload,
			Reason:    ev.Reason,
			Timestamp: ev.Timestamp,
		})
		if err != nil {
			s.logger.Error(ctx, "event payload does not marshal",
				"session", sess.ID(), "sequence", ev.Sequence, "err", err)
			data = []byte(fmt.Sprintf(`{"sessionId":%q,"sequence":%d,"kind":"error","reason":"event serialization failed"}`,
				sess.ID(), ev.Sequence))
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
			// Caller went away; the request context cancels the handler and the
			// session drains through Abort. Nothing more to deliver.
			s.logger.Debug(ctx, "push stream write failed", "session", sess.ID(), "err", err)
			return
		}
		flusher.Flush()
	}
}
