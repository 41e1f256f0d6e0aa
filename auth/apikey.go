package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
)

type (
	// APIKeyGate authorizes calls carrying a static API key. Keys are compared
	// in constant time against their SHA-256 digests so lookup cost does not
	// leak key material.
	APIKeyGate struct {
		keys []apiKeyEntry
	}

	// APIKeyEntry binds one static key to the principal it authenticates.
	APIKeyEntry struct {
		// Key is the raw API key value.
		Key string
		// Subject identifies the principal the key authenticates.
		Subject string
		// Scopes lists the permissions granted to calls using the key.
		Scopes []string
	}

	apiKeyEntry struct {
		digest  [sha256.Size]byte
		subject string
		scopes  []string
	}
)

// NewAPIKeyGate creates a gate accepting the given static keys. Static keys
// carry no expiry: the resulting Context has a zero validity window.
func NewAPIKeyGate(entries []APIKeyEntry) *APIKeyGate {
	g := &APIKeyGate{keys: make([]apiKeyEntry, 0, len(entries))}
	for _, e := range entries {
		if e.Key == "" {
			continue
		}
		g.keys = append(g.keys, apiKeyEntry{
			digest:  sha256.Sum256([]byte(e.Key)),
			subject: e.Subject,
			scopes:  append([]string(nil), e.Scopes...),
		})
	}
	return g
}

// Authorize matches the presented key against the configured set.
func (g *APIKeyGate) Authorize(_ context.Context, cred Credentials) (*Context, error) {
	if cred.APIKey == "" {
		return nil, &Error{Reason: ReasonMissing}
	}
	digest := sha256.Sum256([]byte(cred.APIKey))
	for _, e := range g.keys {
		if subtle.ConstantTimeCompare(digest[:], e.digest[:]) == 1 {
			return &Context{Subject: e.subject, Scopes: append([]string(nil), e.scopes...)}, nil
		}
	}
	return nil, &Error{Reason: ReasonInvalid}
}
