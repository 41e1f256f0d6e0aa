package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

type (
	// BearerGate verifies self-contained JWT bearer tokens. Token signatures
	// are checked with the configured key function; subject, scopes, and
	// expiry are lifted from the standard claims.
	BearerGate struct {
		keyfunc jwt.Keyfunc
		methods []string
		now     func() time.Time
	}

	// BearerOption configures a BearerGate.
	BearerOption func(*BearerGate)
)

// WithBearerClock overrides the clock used during claim validation. Tests use
// this to exercise expiry behavior deterministically.
func WithBearerClock(now func() time.Time) BearerOption {
	return func(g *BearerGate) {
		g.now = now
	}
}

// WithValidMethods restricts the accepted signing algorithms. Defaults to
// HS256 and RS256.
func WithValidMethods(methods ...string) BearerOption {
	return func(g *BearerGate) {
		g.methods = methods
	}
}

// NewBearerGate creates a gate verifying HMAC-signed tokens with the given
// shared secret.
func NewBearerGate(secret []byte, opts ...BearerOption) *BearerGate {
	return NewBearerGateKeyfunc(func(*jwt.Token) (any, error) { return secret, nil }, opts...)
}

// NewBearerGateKeyfunc creates a gate with a caller-supplied key function, for
// deployments using asymmetric signing or key rotation.
func NewBearerGateKeyfunc(keyfunc jwt.Keyfunc, opts ...BearerOption) *BearerGate {
	g := &BearerGate{
		keyfunc: keyfunc,
		methods: []string{"HS256", "RS256"},
		now:     time.Now,
	}
	for _, o := range opts {
		if o != nil {
			o(g)
		}
	}
	return g
}

// Authorize verifies the bearer token and builds the call's authorization
// context from its claims.
func (g *BearerGate) Authorize(_ context.Context, cred Credentials) (*Context, error) {
	if cred.Bearer == "" {
		return nil, &Error{Reason: ReasonMissing}
	}
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(cred.Bearer, claims, g.keyfunc,
		jwt.WithValidMethods(g.methods),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil {
		reason := ReasonInvalid
		if claimExpired(err) {
			reason = ReasonExpired
		}
		return nil, &Error{Reason: reason, Err: err}
	}
	if !tok.Valid {
		return nil, &Error{Reason: ReasonInvalid}
	}

	ac := &Context{}
	if sub, err := claims.GetSubject(); err == nil {
		ac.Subject = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		ac.Expiry = exp.Time
	}
	ac.Scopes = scopesFromClaims(claims)
	if ac.Subject == "" {
		return nil, &Error{Reason: ReasonInvalid, Err: fmt.Errorf("token has no subject")}
	}
	return ac, nil
}

// scopesFromClaims reads scopes from either the OAuth "scope" string claim or
// the "scp" array claim.
func scopesFromClaims(claims jwt.MapClaims) []string {
	if s, ok := claims["scope"].(string); ok {
		return splitScopes(s)
	}
	if arr, ok := claims["scp"].([]any); ok {
		scopes := make([]string, 0, len(arr))
		for _, v := range arr {
			if s, ok := v.(string); ok {
				scopes = append(scopes, s)
			}
		}
		return scopes
	}
	return nil
}

func claimExpired(err error) bool {
	return errors.Is(err, jwt.ErrTokenExpired)
}
