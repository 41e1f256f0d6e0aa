// Package wire defines the envelope and error bodies shared by the
// synchronous and push-stream transports, and the mapping from pipeline
// errors to HTTP statuses. Keeping the mapping here means every adapter
// reports the error taxonomy identically: authorization failures are never
// conflated with unknown tools, and unknown tools are never conflated with
// validation failures.
package wire

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/toolgate-io/toolgate/auth"
	"github.com/toolgate-io/toolgate/registry"
	"github.com/toolgate-io/toolgate/validate"
)

// Stable error codes surfaced to callers.
const (
	CodeAuthError       = "auth_error"
	CodeNotFound        = "unknown_tool"
	CodeValidationError = "validation_error"
	CodeBadRequest      = "bad_request"
	CodeExecutionError  = "execution_error"
)

type (
	// Envelope is the tool invocation envelope carried as a request body on
	// the synchronous and push-stream transports, and as the call payload on
	// the duplex transport. The tool is resolved by (method, path) when
	// ToolName is absent.
	Envelope struct {
		ToolName  string         `json:"toolName,omitempty"`
		Method    string         `json:"method,omitempty"`
		Path      string         `json:"path,omitempty"`
		Arguments map[string]any `json:"arguments,omitempty"`
	}

	// ErrorBody is the JSON error response shape.
	ErrorBody struct {
		Error      string               `json:"error"`
		Reason     string               `json:"reason,omitempty"`
		Violations []validate.Violation `json:"violations,omitempty"`
	}
)

// StatusFor maps a pipeline error onto an HTTP status and error body.
func StatusFor(err error) (int, ErrorBody) {
	var ae *auth.Error
	if errors.As(err, &ae) {
		return http.StatusUnauthorized, ErrorBody{Error: CodeAuthError, Reason: ae.Reason}
	}
	var nf *registry.NotFoundError
	if errors.As(err, &nf) {
		return http.StatusNotFound, ErrorBody{Error: CodeNotFound, Reason: nf.Error()}
	}
	var ve *validate.Error
	if errors.As(err, &ve) {
		return http.StatusUnprocessableEntity, ErrorBody{Error: CodeValidationError, Violations: ve.Violations}
	}
	return http.StatusBadRequest, ErrorBody{Error: CodeBadRequest, Reason: err.Error()}
}

// WriteError writes the JSON error response for a pipeline error.
func WriteError(w http.ResponseWriter, err error) {
	status, body := StatusFor(err)
	WriteJSON(w, status, body)
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// DecodeEnvelope parses and minimally checks an invocation envelope.
func DecodeEnvelope(r *http.Request) (*Envelope, error) {
	var env Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		return nil, errors.New("request body is not a valid invocation envelope")
	}
	if env.ToolName == "" && (env.Method == "" || env.Path == "") {
		return nil, errors.New("envelope requires toolName or method and path")
	}
	return &env, nil
}
