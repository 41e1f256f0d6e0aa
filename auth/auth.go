// Package auth authenticates and authorizes tool invocations before dispatch.
// It is transport-agnostic: adapters extract wire credentials into a
// Credentials value and hand them to a Gate. Exactly one Gate implementation
// is selected per deployment (bearer JWT, static API key, or remote session
// introspection) but the contract is uniform across all three.
//
// Authorization always runs before request validation so that an
// unauthenticated caller never learns schema details, and never costs
// validation work.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// APIKeyHeader is the dedicated header carrying static API keys.
const APIKeyHeader = "X-API-Key"

// Failure reasons carried by Error. They are stable machine-readable strings
// surfaced to callers; none of them reveals whether the requested tool exists.
const (
	ReasonMissing = "missing credential"
	ReasonInvalid = "invalid credential"
	ReasonExpired = "expired credential"
)

type (
	// Context is the authorization result attached to one call. It is
	// call-scoped: produced per invocation, never persisted beyond the call or
	// session it authorizes.
	Context struct {
		// Subject identifies the authenticated principal.
		Subject string
		// Scopes lists the permissions granted to the call.
		Scopes []string
		// Expiry bounds the validity window. The zero value means the
		// credential does not expire.
		Expiry time.Time
	}

	// Credentials carries the wire-level credential material extracted by a
	// transport adapter. At most one field is set per call.
	Credentials struct {
		// Bearer is the token from an "Authorization: Bearer" header. It is
		// used by both the bearer-JWT and session-introspection gates.
		Bearer string
		// APIKey is the value of the API-key header.
		APIKey string
	}

	// Gate authenticates a call and produces its authorization context.
	Gate interface {
		// Authorize verifies the given credentials. It returns a *Error when
		// the credential is missing, malformed, or expired. Implementations
		// must not block indefinitely: remote verification honors ctx.
		Authorize(ctx context.Context, cred Credentials) (*Context, error)
	}

	// Error reports an authentication or authorization failure. Its Reason is
	// one of the Reason* constants.
	Error struct {
		Reason string
		Err    error
	}
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("auth: %s", e.Reason)
	}
	return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// IsAuthError reports whether err is (or wraps) an auth failure.
func IsAuthError(err error) bool {
	var ae *Error
	return errors.As(err, &ae)
}

// Expired reports whether the context's validity window has elapsed at the
// given instant. Callers pass time.Now() so the comparison uses the monotonic
// clock reading captured at call time, not at token-parse time.
func (c *Context) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && !now.Before(c.Expiry)
}

// HasScope reports whether the context grants the given scope.
func (c *Context) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// FromHeader extracts credentials from HTTP-style headers following the
// conventions shared by all transports: "Authorization: Bearer <token>" for
// bearer and session-token modes, APIKeyHeader for static-key mode. When both
// headers are present the bearer token wins, so the result always carries a
// single credential.
func FromHeader(h http.Header) Credentials {
	var cred Credentials
	if v := h.Get("Authorization"); v != "" {
		if rest, ok := strings.CutPrefix(v, "Bearer "); ok {
			cred.Bearer = strings.TrimSpace(rest)
		}
	}
	if cred.Bearer == "" {
		cred.APIKey = h.Get(APIKeyHeader)
	}
	return cred
}

// splitScopes splits a space-separated scope string per RFC 6749.
func splitScopes(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
