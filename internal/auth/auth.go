// Package auth resolves bearer tokens to user IDs.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
)

// ErrUnauthorized is returned for missing or unknown tokens.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Authenticator resolves a bearer token to the user it belongs to.
type Authenticator interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

type tokenEntry struct {
	token  []byte
	userID string
}

// StaticAuthenticator checks tokens against a fixed token to user table.
type StaticAuthenticator struct {
	entries []tokenEntry
}

// NewStaticAuthenticator creates an authenticator from a token to user map.
// Empty tokens and users are skipped.
func NewStaticAuthenticator(tokens map[string]string) *StaticAuthenticator {
	a := &StaticAuthenticator{}
	for token, userID := range tokens {
		if token == "" || userID == "" {
			continue
		}
		a.entries = append(a.entries, tokenEntry{token: []byte(token), userID: userID})
	}
	return a
}

// Verify implements Authenticator. Every entry is compared in constant time.
func (a *StaticAuthenticator) Verify(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrUnauthorized
	}
	candidate := []byte(token)
	userID := ""
	for _, e := range a.entries {
		if subtle.ConstantTimeCompare(e.token, candidate) == 1 {
			userID = e.userID
		}
	}
	if userID == "" {
		return "", ErrUnauthorized
	}
	return userID, nil
}

// Len returns the number of configured tokens.
func (a *StaticAuthenticator) Len() int {
	return len(a.entries)
}

// BearerToken extracts the token of an "Authorization: Bearer <token>" header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

type ctxKey struct{}

// WithUserID returns a context carrying the authenticated user.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserID returns the authenticated user of ctx.
func UserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(ctxKey{}).(string)
	return userID, ok && userID != ""
}
