package auth

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromHeader(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Authorization", "Bearer  tok-123 ")
	cred := FromHeader(h)
	assert.Equal(t, "tok-123", cred.Bearer)
	assert.Empty(t, cred.APIKey)

	h = http.Header{}
	h.Set(APIKeyHeader, "key-456")
	cred = FromHeader(h)
	assert.Empty(t, cred.Bearer)
	assert.Equal(t, "key-456", cred.APIKey)
}

func TestFromHeaderPrefersBearer(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Authorization", "Bearer tok-123")
	h.Set(APIKeyHeader, "key-456")

	cred := FromHeader(h)
	assert.Equal(t, "tok-123", cred.Bearer)
	assert.Empty(t, cred.APIKey, "one credential per call")
}

func TestFromHeaderIgnoresNonBearerAuthorization(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Authorization", "Basic dXNlcjpwYXNz")
	cred := FromHeader(h)
	assert.Empty(t, cred.Bearer)
}

func TestContextExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var c Context
	assert.False(t, c.Expired(now), "zero expiry never expires")

	c.Expiry = now.Add(time.Minute)
	assert.False(t, c.Expired(now))
	assert.True(t, c.Expired(now.Add(time.Minute)))
	assert.True(t, c.Expired(now.Add(time.Hour)))
}

func TestContextHasScope(t *testing.T) {
	t.Parallel()

	c := Context{Scopes: []string{"tools:read", "tools:invoke"}}
	assert.True(t, c.HasScope("tools:invoke"))
	assert.False(t, c.HasScope("admin"))
}

func TestSplitScopes(t *testing.T) {
	t.Parallel()

	assert.Nil(t, splitScopes(""))
	assert.Equal(t, []string{"a", "b"}, splitScopes("a  b"))
}
