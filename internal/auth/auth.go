package auth

import (
	"context"
	"net/http"
	"strings"

	gateway "github.com/relayproxy/relay/internal"
)

// Chain selects the authentication path from the bearer token shape: "gw_"
// keys go to the API key path, everything else to the session validator.
// A request with no bearer token yields (nil, nil); the handler turns that
// into a 401.
type Chain struct {
	apiKeys  *APIKeyAuth
	sessions *SessionAuth
}

// NewChain returns the combined authenticator.
func NewChain(apiKeys *APIKeyAuth, sessions *SessionAuth) *Chain {
	return &Chain{apiKeys: apiKeys, sessions: sessions}
}

// Authenticate implements gateway.Authenticator.
func (c *Chain) Authenticate(ctx context.Context, r *http.Request) (*gateway.AuthResult, error) {
	token, ok := bearerToken(r)
	if !ok {
		return nil, nil
	}
	if strings.HasPrefix(token, gateway.APIKeyPrefix) {
		return c.apiKeys.authenticate(ctx, token)
	}
	return c.sessions.authenticate(ctx, r, token)
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(h, "Bearer ")
	if !found || token == "" {
		return "", false
	}
	return token, true
}
