package auth

import (
	"context"
	"net/http"

	gateway "github.com/relayproxy/relay/internal"
	"github.com/relayproxy/relay/internal/scope"
)

// TeamHeader lets session callers pin a request to one of their teams.
// Membership is verified later by the access check, not here.
const TeamHeader = "X-Team-Id"

// SessionAuth validates opaque session tokens through the external identity
// service.
type SessionAuth struct {
	validator gateway.SessionValidator
}

// NewSessionAuth returns a SessionAuth using validator.
func NewSessionAuth(validator gateway.SessionValidator) *SessionAuth {
	return &SessionAuth{validator: validator}
}

func (s *SessionAuth) authenticate(ctx context.Context, r *http.Request, token string) (*gateway.AuthResult, error) {
	sess, err := s.validator.Validate(ctx, token)
	if err != nil || sess == nil {
		return nil, gateway.Wrap(gateway.CodeUnauthenticated, "invalid session token", err)
	}

	sc := scope.Personal(sess.UserID)
	if teamID := r.Header.Get(TeamHeader); teamID != "" {
		if !scope.ValidTeamID(teamID) {
			return nil, gateway.E(gateway.CodeForbidden, "invalid team id")
		}
		sc = scope.Team(teamID)
	}
	return &gateway.AuthResult{
		CallerType: gateway.CallerSession,
		CallerID:   sess.UserID,
		Scope:      sc,
	}, nil
}
