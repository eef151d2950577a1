package auth

import (
	"context"
	"errors"
	"strings"
)

// KeyPrefix marks toolmesh API keys.
const KeyPrefix = "tmk_"

var (
	// ErrUnauthenticated is returned when no valid credentials are found.
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrAuthUnavailable = errors.New("auth backend unavailable")
)

// Caller is the authenticated identity behind a gateway request.
type Caller struct {
	UserID    string
	KeyPrefix string
	Metered   bool // tool calls are charged against UserID's credit balance
}

// Authenticator resolves a bearer token to a Caller.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Caller, error)
}

// ExtractBearerToken pulls a tmk_ API key out of an Authorization header value.
func ExtractBearerToken(header string) (string, error) {
	token := strings.TrimSpace(header)
	if token == "" {
		return "", ErrUnauthenticated
	}
	// RFC 6750: the "Bearer" scheme is case-insensitive.
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if !strings.HasPrefix(token, KeyPrefix) {
		return "", ErrInvalidAPIKey
	}
	return token, nil
}

type callerKey struct{}

// WithCaller stores the caller on the context.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller stored by WithCaller, if any.
func CallerFrom(ctx context.Context) (*Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(*Caller)
	return c, ok && c != nil
}
