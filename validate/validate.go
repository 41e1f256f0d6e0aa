// Package validate centralizes request-payload validation so every transport
// adapter applies identical semantics. Schemas are compiled once, at registry
// build time, keyed by tool; validation itself is a pure predicate plus
// diagnostics and never mutates the payload. Unknown fields pass unless the
// tool's schema forbids additional properties.
package validate

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/toolgate-io/toolgate/registry"
)

type (
	// Validator holds the compiled request schemas for a frozen registry. It
	// is immutable after New returns and safe for concurrent use.
	Validator struct {
		schemas map[string]*jsonschema.Schema
		printer *message.Printer
	}

	// Violation is one field-level schema violation.
	Violation struct {
		// Field is a JSON-pointer-style path to the offending value, "/" for
		// the document root.
		Field string `json:"field"`
		// Message describes the violated constraint.
		Message string `json:"message"`
	}

	// Error reports that a payload failed schema validation. It carries one
	// diagnostic per violated field. This is a caller error and is never
	// retried by the bridge.
	Error struct {
		Tool       string
		Violations []Violation
	}
)

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Violations) == 0 {
		return fmt.Sprintf("invalid arguments for %s", e.Tool)
	}
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = fmt.Sprintf("%s: %s", v.Field, v.Message)
	}
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, strings.Join(parts, "; "))
}

// IsValidationError reports whether err is (or wraps) a validation failure.
func IsValidationError(err error) bool {
	var ve *Error
	return errors.As(err, &ve)
}

// New compiles the request schema of every tool in the registry. A schema that
// does not compile fails the build: validation coverage is all-or-nothing, the
// same way registry construction is.
func New(reg *registry.Registry) (*Validator, error) {
	v := &Validator{
		schemas: make(map[string]*jsonschema.Schema),
		printer: message.NewPrinter(language.English),
	}
	for i, t := range reg.List(registry.TagFilter{}) {
		if len(t.Op.RequestSchema) == 0 {
			continue
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(t.Op.RequestSchema))
		if err != nil {
			return nil, fmt.Errorf("tool %s: request schema is not valid JSON: %w", t.Name, err)
		}
		resource := fmt.Sprintf("tool-%d.json", i)
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(resource, doc); err != nil {
			return nil, fmt.Errorf("tool %s: add schema resource: %w", t.Name, err)
		}
		schema, err := compiler.Compile(resource)
		if err != nil {
			return nil, fmt.Errorf("tool %s: compile request schema: %w", t.Name, err)
		}
		v.schemas[t.Name] = schema
	}
	return v, nil
}

// Validate checks the arguments object against the tool's request schema. It
// returns a *Error listing every violated field, or nil when the payload
// conforms or the tool declares no schema.
func (v *Validator) Validate(tool *registry.Tool, args map[string]any) error {
	schema, ok := v.schemas[tool.Name]
	if !ok {
		return nil
	}
	doc := normalizeArgs(args)
	err := schema.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &Error{Tool: tool.Name, Violations: []Violation{{Field: "/", Message: err.Error()}}}
	}
	out := &Error{Tool: tool.Name}
	v.collect(ve, out)
	return out
}

// collect flattens the validation error tree into per-field diagnostics,
// keeping leaves only: interior nodes repeat their children's locations.
func (v *Validator) collect(ve *jsonschema.ValidationError, out *Error) {
	if len(ve.Causes) == 0 {
		field := "/"
		if len(ve.InstanceLocation) > 0 {
			field = "/" + strings.Join(ve.InstanceLocation, "/")
		}
		out.Violations = append(out.Violations, Violation{
			Field:   field,
			Message: ve.ErrorKind.LocalizedString(v.printer),
		})
		return
	}
	for _, cause := range ve.Causes {
		v.collect(cause, out)
	}
}

// normalizeArgs rebuilds the arguments document as plain JSON values so the
// validator sees exactly what the wire carried, leaving the caller's map
// untouched.
func normalizeArgs(args map[string]any) any {
	if args == nil {
		return map[string]any{}
	}
	return args
}
