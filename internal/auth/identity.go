package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	gateway "github.com/relayproxy/relay/internal"
)

const identityTimeout = 5 * time.Second

// HTTPSessionValidator checks session tokens against an external identity
// service: GET <url> with the token as a bearer credential. A 200 response
// carrying {"user_id": "..."} is a valid session; anything else is not.
type HTTPSessionValidator struct {
	url    string
	client *http.Client
}

// NewHTTPSessionValidator returns a validator for the given identity endpoint.
func NewHTTPSessionValidator(url string) *HTTPSessionValidator {
	return &HTTPSessionValidator{
		url:    url,
		client: &http.Client{Timeout: identityTimeout},
	}
}

// Validate implements gateway.SessionValidator.
func (v *HTTPSessionValidator) Validate(ctx context.Context, token string) (*gateway.Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url, nil)
	if err != nil {
		return nil, fmt.Errorf("identity request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return nil, fmt.Errorf("identity service rejected token: status %d", resp.StatusCode)
	}

	var body struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("identity response: %w", err)
	}
	if body.UserID == "" {
		return nil, fmt.Errorf("identity response missing user_id")
	}
	return &gateway.Session{UserID: body.UserID}, nil
}

// RejectSessions returns a validator that denies every token. Used when no
// identity service is configured, leaving API keys as the only credential.
func RejectSessions() gateway.SessionValidator {
	return rejectValidator{}
}

type rejectValidator struct{}

func (rejectValidator) Validate(context.Context, string) (*gateway.Session, error) {
	return nil, fmt.Errorf("no identity service configured")
}
