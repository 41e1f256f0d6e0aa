// Package executor runs tool handlers and feeds their output into stream
// sessions. The executor owns terminal events: handlers emit progress through
// the session and return a final result or error, which the executor converts
// into exactly one complete or error event. Handler panics are contained and
// surface as execution errors, never as process faults.
package executor

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/toolgate-io/toolgate/registry"
	"github.com/toolgate-io/toolgate/stream"
	"github.com/toolgate-io/toolgate/telemetry"
)

type (
	// Executor invokes tool handlers asynchronously, one goroutine per call.
	Executor struct {
		buffer  int
		logger  telemetry.Logger
		tracer  telemetry.Tracer
		metrics telemetry.Metrics
	}

	// Option configures an Executor.
	Option func(*Executor)
)

// WithBuffer sets the per-session outbound event queue length.
func WithBuffer(n int) Option {
	return func(e *Executor) {
		e.buffer = n
	}
}

// WithLogger configures the executor logger. When nil, the executor uses a
// noop logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTracer configures the executor tracer. When nil, the executor uses a
// noop tracer.
func WithTracer(tracer telemetry.Tracer) Option {
	return func(e *Executor) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithMetrics configures the executor metrics recorder.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(e *Executor) {
		if metrics != nil {
			e.metrics = metrics
		}
	}
}

// New creates an executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		buffer:  stream.DefaultBuffer,
		logger:  telemetry.NewNoopLogger(),
		tracer:  telemetry.NewNoopTracer(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	return e
}

// Execute accepts a validated, authorized invocation and returns its session.
// The handler runs on its own goroutine; the caller drains the session's
// Events channel. Cancelling ctx propagates to the handler cooperatively and
// terminates the session with reason "cancelled".
func (e *Executor) Execute(ctx context.Context, tool *registry.Tool, inv *registry.Invocation) *stream.Session {
	s := stream.New(tool.Name,
		stream.WithBuffer(e.buffer),
		stream.WithLogger(e.logger),
	)
	go e.run(ctx, tool, inv, s)
	return s
}

func (e *Executor) run(ctx context.Context, tool *registry.Tool, inv *registry.Invocation, s *stream.Session) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, telemetry.SpanExecute,
		trace.WithAttributes(
			attribute.String("tool", tool.Name),
			attribute.String("session", s.ID()),
		))
	defer span.End()

	outcome := "complete"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			e.logger.Error(ctx, "tool handler panicked",
				"tool", tool.Name, "session", s.ID(), "panic", r)
			span.SetStatus(codes.Error, "handler panic")
			s.Abort("handler panic")
		}
		telemetry.RecordExecution(e.metrics, tool.Name, outcome, time.Since(start))
	}()

	result, err := tool.Handler(ctx, inv, s.Progress)
	switch {
	case err == nil && ctx.Err() == nil:
		if cerr := s.Complete(ctx, result); cerr != nil && !errors.Is(cerr, stream.ErrTerminated) {
			outcome = "cancelled"
			s.Abort(stream.ReasonCancelled)
		}
	case errors.Is(err, context.Canceled), errors.Is(ctx.Err(), context.Canceled):
		outcome = "cancelled"
		e.logger.Info(ctx, "tool execution cancelled", "tool", tool.Name, "session", s.ID())
		s.Abort(stream.ReasonCancelled)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		outcome = "timeout"
		e.logger.Error(ctx, "tool execution timed out", "tool", tool.Name, "session", s.ID())
		span.SetStatus(codes.Error, "deadline exceeded")
		s.Abort("deadline exceeded")
	default:
		outcome = "error"
		e.logger.Error(ctx, "tool execution failed",
			"tool", tool.Name, "session", s.ID(), "err", err)
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		if ferr := s.Fail(ctx, err.Error(), nil); ferr != nil && !errors.Is(ferr, stream.ErrTerminated) {
			s.Abort(err.Error())
		}
	}
}
