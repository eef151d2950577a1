package auth

import "context"

// StaticAuthenticator is a development-only authenticator that accepts any
// tmk_ key. Callers are never metered.
type StaticAuthenticator struct{}

func NewStaticAuthenticator() *StaticAuthenticator {
	return &StaticAuthenticator{}
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (*Caller, error) {
	if len(token) < 8 {
		return nil, ErrInvalidAPIKey
	}
	return &Caller{
		UserID:    "static-" + token[:8],
		KeyPrefix: token[:8],
	}, nil
}
