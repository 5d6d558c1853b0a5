package auth

import (
	"context"
	"slices"

	gateway "github.com/relayproxy/relay/internal"
	"github.com/relayproxy/relay/internal/hostcheck"
	"github.com/relayproxy/relay/internal/scope"
	"github.com/relayproxy/relay/internal/storage"
)

// Verifier decides whether an authenticated caller may use a resolved
// connector. It performs the single permitted AuthResult mutation: promoting
// a personal session scope to the connector's team after a membership check.
type Verifier struct {
	teams storage.TeamStore
}

// NewVerifier returns a Verifier backed by the team store.
func NewVerifier(teams storage.TeamStore) *Verifier {
	return &Verifier{teams: teams}
}

// Verify allows or denies access to conn. API key scope matches skip the
// membership lookup entirely; session team claims never do.
func (v *Verifier) Verify(ctx context.Context, auth *gateway.AuthResult, conn *gateway.Connector) error {
	if conn.Visibility == gateway.VisibilityPublic {
		return nil
	}
	if conn.OwnerUserID != "" && auth.Scope == scope.Personal(conn.OwnerUserID) {
		return nil
	}
	if conn.TeamID != "" && auth.Scope == scope.Team(conn.TeamID) {
		// An API key carries its team from the key record. A session's team
		// scope comes from a caller-supplied header and must be proven.
		if auth.CallerType != gateway.CallerSession {
			return nil
		}
		member, err := v.teams.IsTeamMember(ctx, conn.TeamID, auth.CallerID)
		if err != nil {
			return gateway.Wrap(gateway.CodeInternal, "membership lookup failed", err)
		}
		if member {
			return nil
		}
		return gateway.E(gateway.CodeForbidden, "not a member of the connector's team")
	}
	if auth.CallerType == gateway.CallerSession && auth.Scope.IsPersonal() && conn.TeamID != "" {
		member, err := v.teams.IsTeamMember(ctx, conn.TeamID, auth.Scope.UserID())
		if err != nil {
			return gateway.Wrap(gateway.CodeInternal, "membership lookup failed", err)
		}
		if member {
			auth.Scope = scope.Team(conn.TeamID)
			return nil
		}
	}
	return gateway.E(gateway.CodeForbidden, "access to connector denied")
}

// CheckKeyConstraints enforces the per-key endpoint and IP allowlists. Empty
// lists allow everything.
func CheckKeyConstraints(auth *gateway.AuthResult, endpointName, remoteIP string) error {
	if len(auth.AllowedEndpoints) > 0 && !slices.Contains(auth.AllowedEndpoints, endpointName) {
		return gateway.E(gateway.CodeForbidden, "endpoint not allowed for this API key")
	}
	if len(auth.AllowedIPs) > 0 && !hostcheck.MatchIPAllowlist(remoteIP, auth.AllowedIPs) {
		return gateway.E(gateway.CodeForbidden, "caller IP not allowed for this API key")
	}
	return nil
}
