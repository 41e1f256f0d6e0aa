// Package httprpc is the synchronous transport adapter. It collects every
// event of a stream session until the terminal one, then answers with exactly
// one response frame carrying the terminal payload. Callers that want
// incremental updates use the push or duplex transports instead; the dispatch
// pipeline behind all three is identical.
package httprpc

import (
	"net/http"
	"time"

	goahttp "goa.design/goa/v3/http"

	"github.com/toolgate-io/toolgate/auth"
	"github.com/toolgate-io/toolgate/dispatch"
	"github.com/toolgate-io/toolgate/registry"
	"github.com/toolgate-io/toolgate/stream"
	"github.com/toolgate-io/toolgate/telemetry"
	"github.com/toolgate-io/toolgate/transport/wire"
)

type (
	// Server handles synchronous invocations and the tool listing surface.
	Server struct {
		d      *dispatch.Dispatcher
		logger telemetry.Logger
	}

	// Option configures a Server.
	Option func(*Server)

	// Result is the single response frame of a synchronous call.
	Result struct {
		SessionID string      `json:"sessionId"`
		Kind      stream.Kind `json:"kind"`
		Payload   any         `json:"payload,omitempty"`
		Reason    string      `json:"reason,omitempty"`
		Sequence  uint64      `json:"sequence"`
		Timestamp time.Time   `json:"timestamp"`
	}

	// ToolInfo is one entry of the tool listing.
	ToolInfo struct {
		Name    string   `json:"name"`
		Method  string   `json:"method"`
		Path    string   `json:"path"`
		Tags    []string `json:"tags,omitempty"`
		Summary string   `json:"summary,omitempty"`
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

// New creates the synchronous adapter over the shared dispatcher.
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
	mux.Handle(http.MethodPost, "/invoke", s.handleInvoke)
	mux.Handle(http.MethodGet, "/tools", s.handleList)
}

// handleInvoke runs one call to terminal completion and answers with a single
// frame. Disconnection of a synchronous caller is a no-op for the session:
// by the time the caller notices, the call has already been answered or the
// request context has cancelled the handler.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	env, err := wire.DecodeEnvelope(r)
	if err != nil {
		wire.WriteJSON(w, http.StatusBadRequest, wire.ErrorBody{Error: wire.CodeBadRequest, Reason: err.Error()})
		return
	}
	sess, err := s.d.Dispatch(r.Context(), &dispatch.Request{
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

	var last stream.Event
	for ev := range sess.Events() {
		last = ev
	}
	if last.Kind == "" {
		// The session was torn down before any event could be staged.
		wire.WriteJSON(w, http.StatusInternalServerError,
			wire.ErrorBody{Error: wire.CodeExecutionError, Reason: "session terminated without result"})
		return
	}
	res := Result{
		SessionID: sess.ID(),
		Kind:      last.Kind,
		Payload:   last.Payload,
		Reason:    last.Reason,
		Sequence:  last.Sequence,
		Timestamp: last.Timestamp,
	}
	status := http.StatusOK
	if last.Kind == stream.KindError {
		status = http.StatusInternalServerError
	}
	wire.WriteJSON(w, status, res)
}

// handleList reports the registered tools, honoring include/exclude tag
// filters from repeated query parameters. Listing requires the same
// credentials as invocation so tool existence is never revealed to
// unauthenticated callers.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if _, err := s.d.Authorize(r.Context(), auth.FromHeader(r.Header)); err != nil {
		wire.WriteError(w, err)
		return
	}
	q := r.URL.Query()
	filter := registry.TagFilter{Include: q["include"], Exclude: q["exclude"]}
	tools := s.d.Registry().List(filter)
	out := make([]ToolInfo, len(tools))
	for i, t := range tools {
		out[i] = ToolInfo{
			Name:    t.Name,
			Method:  t.Op.Method,
			Path:    t.Op.PathTemplate,
			Tags:    t.Op.Tags,
			Summary: t.Op.Summary,
		}
	}
	wire.WriteJSON(w, http.StatusOK, map[string]any{"tools": out})
}
