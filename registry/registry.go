// Package registry wraps operation descriptors into uniformly invocable tools
// and owns the canonical (method, path) routing table. The table follows a
// strict two-phase build: a Builder accumulates registrations and fails fast
// on conflicts, then Build freezes the table into an immutable Registry whose
// Resolve path is wait-free for unbounded concurrent readers. Nothing mutates
// a live table; hot reload rebuilds and swaps.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/toolgate-io/toolgate/auth"
	"github.com/toolgate-io/toolgate/specindex"
)

type (
	// ProgressFunc lets a handler emit an intermediate progress payload. The
	// call blocks when the caller's outbound queue is full, making
	// backpressure explicit, and returns an error once the session is
	// cancelled or terminated.
	ProgressFunc func(ctx context.Context, payload any) error

	// Handler fulfills one validated, authorized invocation. It may emit any
	// number of progress payloads before returning the final result. Handlers
	// must observe ctx cancellation between logical steps; the bridge never
	// kills them forcibly.
	Handler func(ctx context.Context, inv *Invocation, progress ProgressFunc) (any, error)

	// Invocation is the validated, authorized call handed to a handler.
	Invocation struct {
		// Tool is the canonical tool name ("GET /widgets/{id}").
		Tool string
		// Method and Path echo the resolved operation.
		Method string
		Path   string
		// Arguments is the validated arguments object. Handlers must treat it
		// as read-only.
		Arguments map[string]any
		// PathParams holds template parameters extracted from a concrete
		// request path, when the caller addressed the tool by path.
		PathParams map[string]string
		// Auth is the authorization context of the call.
		Auth *auth.Context
	}

	// Tool is a named, schema-validated, invocable operation.
	Tool struct {
		// Name is METHOD + " " + path template, derived deterministically.
		Name string
		// Op is the immutable descriptor the tool was built from.
		Op specindex.OperationDescriptor
		// Handler fulfills invocations of the tool.
		Handler Handler
	}

	// Builder accumulates tool registrations. Duplicate (method, path)
	// registration is a configuration error reported immediately.
	Builder struct {
		tools  []*Tool
		normed map[string]string
	}

	// Registry is the frozen routing table.
	Registry struct {
		tools  []*Tool
		byName map[string]*Tool
		routes map[string][]route
	}

	// TagFilter restricts List output. A tool matching any Exclude tag is
	// omitted even when it also matches an Include tag.
	TagFilter struct {
		Include []string
		Exclude []string
	}

	// NotFoundError reports that no tool matches a requested (method, path).
	// It is deliberately distinct from authorization failures.
	NotFoundError struct {
		Method string
		Path   string
	}

	route struct {
		tool *Tool
		segs []segment
	}

	// segment is one path segment; param is set for template segments.
	segment struct {
		literal string
		param   string
	}
)

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no tool registered for %s %s", e.Method, e.Path)
}

// IsNotFound reports whether err is an unknown-tool error.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// NewBuilder creates an empty registry builder.
func NewBuilder() *Builder {
	return &Builder{normed: make(map[string]string)}
}

// Register adds one tool. It fails when the (method, path template) pair is
// already registered, comparing templates with parameter names erased so that
// "/a/{id}" and "/a/{key}" conflict.
func (b *Builder) Register(op specindex.OperationDescriptor, h Handler) error {
	if op.Method == "" || op.PathTemplate == "" {
		return fmt.Errorf("register tool: method and path template are required")
	}
	if h == nil {
		return fmt.Errorf("register tool %s %s: handler is required", op.Method, op.PathTemplate)
	}
	method := strings.ToUpper(op.Method)
	key := method + " " + normalize(op.PathTemplate)
	if prev, dup := b.normed[key]; dup {
		return fmt.Errorf("register tool %s %s: conflicts with %s", method, op.PathTemplate, prev)
	}
	b.normed[key] = method + " " + op.PathTemplate
	op.Method = method
	b.tools = append(b.tools, &Tool{
		Name:    method + " " + op.PathTemplate,
		Op:      op,
		Handler: h,
	})
	return nil
}

// Build freezes the accumulated registrations into an immutable Registry.
func (b *Builder) Build() (*Registry, error) {
	if len(b.tools) == 0 {
		return nil, fmt.Errorf("build registry: no tools registered")
	}
	r := &Registry{
		tools:  b.tools,
		byName: make(map[string]*Tool, len(b.tools)),
		routes: make(map[string][]route),
	}
	for _, t := range b.tools {
		r.byName[t.Name] = t
		r.routes[t.Op.Method] = append(r.routes[t.Op.Method], route{
			tool: t,
			segs: parseTemplate(t.Op.PathTemplate),
		})
	}
	return r, nil
}

// FromIndex registers every operation of the given index, binding handlers via
// bind, and freezes the result. It is the common startup path. A nil handler
// returned by bind fails the build so a partially bound registry never becomes
// ready.
func FromIndex(ix *specindex.Index, bind func(specindex.OperationDescriptor) Handler) (*Registry, error) {
	b := NewBuilder()
	for _, op := range ix.Operations() {
		h := bind(op)
		if h == nil {
			return nil, fmt.Errorf("no handler bound for %s %s", op.Method, op.PathTemplate)
		}
		if err := b.Register(op, h); err != nil {
			return nil, err
		}
	}
	return b.Build()
}

// Lookup returns the tool with the given canonical name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// Resolve matches a concrete or templated request path against the table and
// returns the tool plus any extracted template parameters. Literal segments
// take precedence over template segments at the first position where
// candidates diverge, so "/assignments/active" beats "/assignments/{id}" for
// a request to /assignments/active.
func (r *Registry) Resolve(method, path string) (*Tool, map[string]string, error) {
	method = strings.ToUpper(method)
	if t, ok := r.byName[method+" "+path]; ok {
		return t, nil, nil
	}
	segs := splitPath(path)
	var best *route
	for i := range r.routes[method] {
		cand := &r.routes[method][i]
		if !matches(cand.segs, segs) {
			continue
		}
		if best == nil || moreLiteral(cand.segs, best.segs) {
			best = cand
		}
	}
	if best == nil {
		return nil, nil, &NotFoundError{Method: method, Path: path}
	}
	params := make(map[string]string)
	for i, s := range best.segs {
		if s.param != "" {
			params[s.param] = segs[i]
		}
	}
	return best.tool, params, nil
}

// List returns the registered tools in registration order, filtered by tags.
func (r *Registry) List(filter TagFilter) []*Tool {
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		if filter.match(t.Op.Tags) {
			out = append(out, t)
		}
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int { return len(r.tools) }

// match applies exclude-over-include precedence.
func (f TagFilter) match(tags []string) bool {
	for _, ex := range f.Exclude {
		for _, t := range tags {
			if t == ex {
				return false
			}
		}
	}
	if len(f.Include) == 0 {
		return true
	}
	for _, in := range f.Include {
		for _, t := range tags {
			if t == in {
				return true
			}
		}
	}
	return false
}

// matches reports whether the route template accepts the concrete segments.
// Matching requires an exact segment count.
func matches(tmpl []segment, segs []string) bool {
	if len(tmpl) != len(segs) {
		return false
	}
	for i, s := range tmpl {
		if s.param == "" && s.literal != segs[i] {
			return false
		}
	}
	return true
}

// moreLiteral reports whether a beats b under leftmost literal-wins ordering.
// Both templates match the same concrete path, so they have equal length.
func moreLiteral(a, b []segment) bool {
	for i := range a {
		al, bl := a[i].param == "", b[i].param == ""
		if al != bl {
			return al
		}
	}
	return false
}

func parseTemplate(path string) []segment {
	raw := splitPath(path)
	segs := make([]segment, len(raw))
	for i, s := range raw {
		if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
			segs[i] = segment{param: strings.Trim(s, "{}")}
			continue
		}
		segs[i] = segment{literal: s}
	}
	return segs
}

func splitPath(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}

func normalize(path string) string {
	segs := splitPath(path)
	for i, s := range segs {
		if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
			segs[i] = "{}"
		}
	}
	return strings.Join(segs, "/")
}
