// Package dispatch is the single pipeline every transport adapter routes
// through: authorize, resolve, validate, execute. Keeping the pipeline in one
// place guarantees identical semantics across the synchronous, push-stream,
// and duplex transports; adapters differ only in how they frame the resulting
// stream events.
//
// Authorization runs first, before resolution and validation, so an
// unauthenticated caller learns neither whether a tool exists nor which
// fields its schema requires.
package dispatch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/toolgate-io/toolgate/auth"
	"github.com/toolgate-io/toolgate/executor"
	"github.com/toolgate-io/toolgate/registry"
	"github.com/toolgate-io/toolgate/stream"
	"github.com/toolgate-io/toolgate/telemetry"
	"github.com/toolgate-io/toolgate/validate"
)

type (
	// Request is the transport-agnostic invocation envelope. The tool is
	// addressed by name when ToolName is set, by (method, path) otherwise.
	Request struct {
		ToolName  string
		Method    string
		Path      string
		Arguments map[string]any
		Cred      auth.Credentials
	}

	// Dispatcher routes inbound calls through the shared pipeline.
	Dispatcher struct {
		gate auth.Gate
		reg  *registry.Registry
		val  *validate.Validator
		exec *executor.Executor

		logger  telemetry.Logger
		tracer  telemetry.Tracer
		metrics telemetry.Metrics
		now     func() time.Time
	}

	// Option configures a Dispatcher.
	Option func(*Dispatcher)
)

// WithLogger configures the dispatcher logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithTracer configures the dispatcher tracer.
func WithTracer(tracer telemetry.Tracer) Option {
	return func(d *Dispatcher) {
		if tracer != nil {
			d.tracer = tracer
		}
	}
}

// WithMetrics configures the dispatcher metrics recorder.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(d *Dispatcher) {
		if metrics != nil {
			d.metrics = metrics
		}
	}
}

// WithClock overrides the clock used for expiry checks, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// New creates a dispatcher over a frozen registry.
func New(gate auth.Gate, reg *registry.Registry, val *validate.Validator, exec *executor.Executor, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		gate:    gate,
		reg:     reg,
		val:     val,
		exec:    exec,
		logger:  telemetry.NewNoopLogger(),
		tracer:  telemetry.NewNoopTracer(),
		metrics: telemetry.NewNoopMetrics(),
		now:     time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(d)
		}
	}
	return d
}

// Registry exposes the frozen tool table for listing surfaces.
func (d *Dispatcher) Registry() *registry.Registry { return d.reg }

// Authorize runs only the authentication stage of the pipeline. Expiry is
// checked against the clock reading taken at call time so a token that lapsed
// between parse and dispatch is still rejected.
func (d *Dispatcher) Authorize(ctx context.Context, cred auth.Credentials) (*auth.Context, error) {
	ac, err := d.gate.Authorize(ctx, cred)
	if err != nil {
		return nil, err
	}
	if ac.Expired(d.now()) {
		return nil, &auth.Error{Reason: auth.ReasonExpired}
	}
	return ac, nil
}

// Dispatch runs the shared pipeline and starts execution. On success the
// returned session is already live; the transport adapter drains its events.
// On failure the error is one of *auth.Error, *registry.NotFoundError, or
// *validate.Error and no session exists.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) (*stream.Session, error) {
	ctx, span := d.tracer.Start(ctx, telemetry.SpanDispatch)
	defer span.End()

	ac, err := d.Authorize(ctx, req.Cred)
	if err != nil {
		d.count("auth_error", "")
		span.SetStatus(codes.Error, "authorization failed")
		return nil, err
	}

	tool, params, err := d.resolve(req)
	if err != nil {
		d.count("not_found", "")
		span.SetStatus(codes.Error, "unknown tool")
		return nil, err
	}
	span.AddEvent("resolved", "tool", tool.Name)

	args := mergeArgs(req.Arguments, params)
	if err := d.val.Validate(tool, args); err != nil {
		d.count("validation_error", tool.Name)
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}

	inv := &registry.Invocation{
		Tool:       tool.Name,
		Method:     tool.Op.Method,
		Path:       tool.Op.PathTemplate,
		Arguments:  args,
		PathParams: params,
		Auth:       ac,
	}
	s := d.exec.Execute(ctx, tool, inv)
	d.count("accepted", tool.Name)
	span.SetStatus(codes.Ok, "")
	d.logger.Info(ctx, "call dispatched",
		"tool", tool.Name, "session", s.ID(), "subject", ac.Subject)
	return s, nil
}

// resolve locates the tool by name or by (method, path).
func (d *Dispatcher) resolve(req *Request) (*registry.Tool, map[string]string, error) {
	if req.ToolName != "" {
		if t, ok := d.reg.Lookup(req.ToolName); ok {
			return t, nil, nil
		}
		return nil, nil, &registry.NotFoundError{Method: req.Method, Path: req.ToolName}
	}
	return d.reg.Resolve(req.Method, req.Path)
}

func (d *Dispatcher) count(outcome, tool string) {
	telemetry.RecordDispatch(d.metrics, outcome, tool)
}

// mergeArgs overlays extracted path parameters onto the caller's arguments
// without mutating the original map. Explicit arguments win on conflict.
func mergeArgs(args map[string]any, params map[string]string) map[string]any {
	if len(params) == 0 {
		if args == nil {
			return map[string]any{}
		}
		return args
	}
	merged := make(map[string]any, len(args)+len(params))
	for k, v := range params {
		merged[k] = v
	}
	for k, v := range args {
		merged[k] = v
	}
	return merged
}
