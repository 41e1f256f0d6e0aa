package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/toolgate-io/toolgate/telemetry"
)

type (
	// IntrospectionGate verifies opaque session tokens against a remote RFC
	// 7662-style introspection endpoint. An optional Redis cache short-circuits
	// repeated introspection of the same token; cache failures degrade to a
	// direct round trip, never to a rejection.
	IntrospectionGate struct {
		endpoint string
		client   *http.Client
		cache    redis.UniversalClient
		cacheTTL time.Duration
		now      func() time.Time
		logger   telemetry.Logger
	}

	// IntrospectionOption configures an IntrospectionGate.
	IntrospectionOption func(*IntrospectionGate)

	// introspection mirrors the subset of the RFC 7662 response the gate uses.
	introspection struct {
		Active  bool   `json:"active"`
		Subject string `json:"sub"`
		Scope   string `json:"scope"`
		Expiry  int64  `json:"exp"`
	}
)

// WithIntrospectionClient overrides the HTTP client used for the round trip.
func WithIntrospectionClient(c *http.Client) IntrospectionOption {
	return func(g *IntrospectionGate) {
		g.client = c
	}
}

// WithIntrospectionCache enables caching of introspection results in Redis.
// Entries live for ttl or until the token expires, whichever is sooner.
func WithIntrospectionCache(cache redis.UniversalClient, ttl time.Duration) IntrospectionOption {
	return func(g *IntrospectionGate) {
		g.cache = cache
		g.cacheTTL = ttl
	}
}

// WithIntrospectionClock overrides the clock used for expiry decisions.
func WithIntrospectionClock(now func() time.Time) IntrospectionOption {
	return func(g *IntrospectionGate) {
		g.now = now
	}
}

// WithIntrospectionLogger configures the gate logger. When nil, the gate uses
// a noop logger.
func WithIntrospectionLogger(logger telemetry.Logger) IntrospectionOption {
	return func(g *IntrospectionGate) {
		g.logger = logger
	}
}

// NewIntrospectionGate creates a gate introspecting tokens at the given
// endpoint URL.
func NewIntrospectionGate(endpoint string, opts ...IntrospectionOption) *IntrospectionGate {
	g := &IntrospectionGate{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		cacheTTL: time.Minute,
		now:      time.Now,
		logger:   telemetry.NewNoopLogger(),
	}
	for _, o := range opts {
		if o != nil {
			o(g)
		}
	}
	return g
}

// Authorize introspects the presented session token and builds the call's
// authorization context from the response.
func (g *IntrospectionGate) Authorize(ctx context.Context, cred Credentials) (*Context, error) {
	if cred.Bearer == "" {
		return nil, &Error{Reason: ReasonMissing}
	}

	res, cached := g.fromCache(ctx, cred.Bearer)
	if !cached {
		var err error
		res, err = g.introspect(ctx, cred.Bearer)
		if err != nil {
			return nil, err
		}
		g.toCache(ctx, cred.Bearer, res)
	}

	if !res.Active {
		return nil, &Error{Reason: ReasonInvalid}
	}
	ac := &Context{
		Subject: res.Subject,
		Scopes:  splitScopes(res.Scope),
	}
	if res.Expiry > 0 {
		ac.Expiry = time.Unix(res.Expiry, 0)
	}
	if ac.Expired(g.now()) {
		return nil, &Error{Reason: ReasonExpired}
	}
	return ac, nil
}

// introspect performs the remote round trip.
func (g *IntrospectionGate) introspect(ctx context.Context, token string) (*introspection, error) {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &Error{Reason: ReasonInvalid, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &Error{Reason: ReasonInvalid, Err: fmt.Errorf("introspection request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &Error{Reason: ReasonInvalid, Err: fmt.Errorf("introspection status %d: %s", resp.StatusCode, string(raw))}
	}
	var res introspection
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, &Error{Reason: ReasonInvalid, Err: fmt.Errorf("decode introspection response: %w", err)}
	}
	return &res, nil
}

// fromCache returns a cached introspection result if one exists. Cache errors
// are logged and treated as misses.
func (g *IntrospectionGate) fromCache(ctx context.Context, token string) (*introspection, bool) {
	if g.cache == nil {
		return nil, false
	}
	raw, err := g.cache.Get(ctx, cacheKey(token)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			g.logger.Warn(ctx, "introspection cache read failed", "err", err)
		}
		return nil, false
	}
	var res introspection
	if err := json.Unmarshal(raw, &res); err != nil {
		g.logger.Warn(ctx, "introspection cache entry corrupt", "err", err)
		return nil, false
	}
	return &res, true
}

// toCache stores an introspection result, bounding the TTL by the token's own
// expiry so a revalidation never outlives the token.
func (g *IntrospectionGate) toCache(ctx context.Context, token string, res *introspection) {
	if g.cache == nil || res == nil {
		return
	}
	ttl := g.cacheTTL
	if res.Expiry > 0 {
		if until := time.Until(time.Unix(res.Expiry, 0)); until < ttl {
			ttl = until
		}
	}
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := g.cache.Set(ctx, cacheKey(token), raw, ttl).Err(); err != nil {
		g.logger.Warn(ctx, "introspection cache write failed", "err", err)
	}
}

// cacheKey derives the cache key from the token digest so raw tokens never
// land in Redis.
func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "toolgate:introspect:" + hex.EncodeToString(sum[:])
}
