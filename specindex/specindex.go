// Package specindex parses a dereferenced OpenAPI 3 document into an ordered
// table of operation descriptors. It is a pure data transformation: the only
// failure mode is a LoadError raised at build time, after which no descriptor
// is usable. Request schemas are synthesized as a single JSON Schema object
// covering both declared parameters and the request body so that every
// transport validates the same arguments document.
package specindex

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

type (
	// OperationDescriptor describes one invocable operation extracted from the
	// specification. Descriptors are immutable after Load returns.
	OperationDescriptor struct {
		// Method is the uppercase HTTP method (GET, POST, ...).
		Method string
		// PathTemplate is the operation path with template parameters intact
		// (for example "/assignments/{id}").
		PathTemplate string
		// RequestSchema is the synthesized JSON Schema for the arguments
		// object, or nil when the operation declares no inputs.
		RequestSchema json.RawMessage
		// ResponseSchema is the JSON Schema of the success response body, or
		// nil when the operation declares none.
		ResponseSchema json.RawMessage
		// Tags lists the OpenAPI tags attached to the operation.
		Tags []string
		// OperationID is the operationId declared in the document, if any.
		OperationID string
		// Summary is a short human-readable description of the operation.
		Summary string
	}

	// Index holds the ordered operation table built from one specification
	// document. It is immutable after Load returns and safe for unbounded
	// concurrent readers.
	Index struct {
		ops []OperationDescriptor
	}

	// LoadError reports a structurally invalid or ambiguous specification.
	// It is fatal: a document that produces a LoadError must never back a
	// ready registry.
	LoadError struct {
		// Reason is a stable, human-readable description of the failure.
		Reason string
		// Err is the underlying cause, when one exists.
		Err error
	}
)

// Error implements the error interface.
func (e *LoadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("spec load: %s", e.Reason)
	}
	return fmt.Sprintf("spec load: %s: %v", e.Reason, e.Err)
}

// Unwrap returns the underlying error.
func (e *LoadError) Unwrap() error { return e.Err }

// Load parses and validates the given OpenAPI 3 document (JSON or YAML) and
// builds the operation table. External references are not followed: the
// document must arrive fully dereferenced. Load fails with a *LoadError when
// the document is invalid or when two operations collapse onto the same
// (method, path template) pair after parameter-name normalization.
func Load(ctx context.Context, data []byte) (*Index, error) {
	loader := &openapi3.Loader{Context: ctx, IsExternalRefsAllowed: false}
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, &LoadError{Reason: "document does not parse", Err: err}
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, &LoadError{Reason: "document is not a valid OpenAPI 3 specification", Err: err}
	}
	if doc.Paths == nil || doc.Paths.Len() == 0 {
		return nil, &LoadError{Reason: "document declares no paths"}
	}

	paths := doc.Paths.Map()
	keys := make([]string, 0, len(paths))
	for k := range paths {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var (
		ops  []OperationDescriptor
		seen = make(map[string]string)
	)
	for _, path := range keys {
		item := paths[path]
		if item == nil {
			continue
		}
		methods := item.Operations()
		mkeys := make([]string, 0, len(methods))
		for m := range methods {
			mkeys = append(mkeys, m)
		}
		sort.Strings(mkeys)
		for _, method := range mkeys {
			op := methods[method]
			if op == nil {
				continue
			}
			key := method + " " + normalizeTemplate(path)
			if prev, dup := seen[key]; dup {
				return nil, &LoadError{Reason: fmt.Sprintf(
					"operations %q and %q resolve to the same (method, path) pair", prev, method+" "+path)}
			}
			seen[key] = method + " " + path

			desc, err := describe(method, path, item, op)
			if err != nil {
				return nil, err
			}
			ops = append(ops, desc)
		}
	}
	return &Index{ops: ops}, nil
}

// Operations returns the ordered operation table. The returned slice is shared
// and must not be mutated.
func (ix *Index) Operations() []OperationDescriptor { return ix.ops }

// Len returns the number of operations in the index.
func (ix *Index) Len() int { return len(ix.ops) }

// describe builds one descriptor from a path item and operation.
func describe(method, path string, item *openapi3.PathItem, op *openapi3.Operation) (OperationDescriptor, error) {
	reqSchema, err := argumentsSchema(method, path, item, op)
	if err != nil {
		return OperationDescriptor{}, err
	}
	respSchema, err := responseSchema(method, path, op)
	if err != nil {
		return OperationDescriptor{}, err
	}
	return OperationDescriptor{
		Method:         method,
		PathTemplate:   path,
		RequestSchema:  reqSchema,
		ResponseSchema: respSchema,
		Tags:           append([]string(nil), op.Tags...),
		OperationID:    op.OperationID,
		Summary:        op.Summary,
	}, nil
}

// argumentsSchema synthesizes one object schema for the operation's arguments.
// Path, query and header parameters become top-level properties. An object
// request body is merged at the top level with parameters taking precedence on
// name conflicts; a non-object body is exposed under the "body" property.
func argumentsSchema(method, path string, item *openapi3.PathItem, op *openapi3.Operation) (json.RawMessage, error) {
	props := make(map[string]json.RawMessage)
	var required []string

	params := append(openapi3.Parameters{}, item.Parameters...)
	params = append(params, op.Parameters...)
	for _, pref := range params {
		if pref == nil || pref.Value == nil {
			continue
		}
		p := pref.Value
		raw := json.RawMessage(`{}`)
		if p.Schema != nil && p.Schema.Value != nil {
			b, err := p.Schema.Value.MarshalJSON()
			if err != nil {
				return nil, &LoadError{Reason: fmt.Sprintf("%s %s: parameter %q has malformed schema", method, path, p.Name), Err: err}
			}
			raw = b
		}
		if _, exists := props[p.Name]; exists {
			continue
		}
		props[p.Name] = raw
		if p.Required || p.In == openapi3.ParameterInPath {
			required = append(required, p.Name)
		}
	}

	additional := json.RawMessage(nil)
	if op.RequestBody != nil && op.RequestBody.Value != nil {
		media := op.RequestBody.Value.Content.Get("application/json")
		if media != nil && media.Schema != nil && media.Schema.Value != nil {
			body := media.Schema.Value
			if body.Type != nil && body.Type.Is(openapi3.TypeObject) {
				for name, pref := range body.Properties {
					if _, exists := props[name]; exists {
						continue
					}
					if pref == nil || pref.Value == nil {
						continue
					}
					b, err := pref.Value.MarshalJSON()
					if err != nil {
						return nil, &LoadError{Reason: fmt.Sprintf("%s %s: body property %q has malformed schema", method, path, name), Err: err}
					}
					props[name] = b
				}
				for _, name := range body.Required {
					if !contains(required, name) {
						required = append(required, name)
					}
				}
				if body.AdditionalProperties.Has != nil && !*body.AdditionalProperties.Has {
					additional = json.RawMessage(`false`)
				}
			} else {
				b, err := body.MarshalJSON()
				if err != nil {
					return nil, &LoadError{Reason: fmt.Sprintf("%s %s: request body has malformed schema", method, path), Err: err}
				}
				props["body"] = b
				if op.RequestBody.Value.Required {
					required = append(required, "body")
				}
			}
		}
	}

	if len(props) == 0 {
		return nil, nil
	}
	sort.Strings(required)

	out := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	if additional != nil {
		out["additionalProperties"] = additional
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, &LoadError{Reason: fmt.Sprintf("%s %s: cannot assemble arguments schema", method, path), Err: err}
	}
	return raw, nil
}

// responseSchema extracts the JSON Schema of the first success response with a
// JSON body, preferring 200 then 201 then default.
func responseSchema(method, path string, op *openapi3.Operation) (json.RawMessage, error) {
	if op.Responses == nil {
		return nil, nil
	}
	for _, status := range []string{"200", "201", "default"} {
		rref := op.Responses.Map()[status]
		if rref == nil || rref.Value == nil {
			continue
		}
		media := rref.Value.Content.Get("application/json")
		if media == nil || media.Schema == nil || media.Schema.Value == nil {
			continue
		}
		raw, err := media.Schema.Value.MarshalJSON()
		if err != nil {
			return nil, &LoadError{Reason: fmt.Sprintf("%s %s: response %s has malformed schema", method, path, status), Err: err}
		}
		return raw, nil
	}
	return nil, nil
}

// normalizeTemplate erases parameter names so that templates differing only by
// parameter naming collide. "/a/{id}" and "/a/{key}" address the same routes.
func normalizeTemplate(path string) string {
	segs := strings.Split(path, "/")
	for i, s := range segs {
		if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
			segs[i] = "{}"
		}
	}
	return strings.Join(segs, "/")
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
