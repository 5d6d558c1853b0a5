// Package scope models the tenancy identifier carried by every dataplane
// request: a team, a single user ("personal"), or the public sentinel used
// for public-visibility connector lookups.
//
// The textual form exists only at the network and storage edges. Team IDs are
// opaque UUIDs; personal scopes serialize with the "personal:" prefix. A team
// ID can never legitimately start with that prefix, so parsing is unambiguous.
package scope

import "strings"

// PersonalPrefix is the textual marker for personal scopes.
const PersonalPrefix = "personal:"

// Kind discriminates the scope variants.
type Kind int

const (
	KindTeam Kind = iota
	KindPersonal
	KindPublic
)

// Scope is an immutable tagged tenancy identifier. The zero value is an
// empty team scope and matches nothing.
type Scope struct {
	kind Kind
	id   string
}

// Team returns a team scope for the given team ID.
func Team(teamID string) Scope { return Scope{kind: KindTeam, id: teamID} }

// Personal returns a personal scope for the given user ID.
func Personal(userID string) Scope { return Scope{kind: KindPersonal, id: userID} }

// Public returns the sentinel scope used to resolve public-visibility
// connectors. It is never parsed from consumer input.
func Public() Scope { return Scope{kind: KindPublic} }

// Parse converts the textual form back into a Scope. Anything carrying the
// personal prefix is personal; everything else is treated as a team ID.
func Parse(raw string) Scope {
	if rest, ok := strings.CutPrefix(raw, PersonalPrefix); ok {
		return Personal(rest)
	}
	return Team(raw)
}

// Kind returns the scope variant.
func (s Scope) Kind() Kind { return s.kind }

// IsPersonal reports whether the scope identifies a single user.
func (s Scope) IsPersonal() bool { return s.kind == KindPersonal }

// IsPublic reports whether the scope is the public sentinel.
func (s Scope) IsPublic() bool { return s.kind == KindPublic }

// TeamID returns the team ID, or "" for non-team scopes.
func (s Scope) TeamID() string {
	if s.kind == KindTeam {
		return s.id
	}
	return ""
}

// UserID returns the user ID, or "" for non-personal scopes.
func (s Scope) UserID() string {
	if s.kind == KindPersonal {
		return s.id
	}
	return ""
}

// String renders the textual form used in cache keys, KV keys, and usage
// records.
func (s Scope) String() string {
	switch s.kind {
	case KindPersonal:
		return PersonalPrefix + s.id
	case KindPublic:
		return "public"
	default:
		return s.id
	}
}

// ValidTeamID reports whether raw may be claimed as a team ID at the network
// edge. ":" is reserved for the personal textual form and "public" for the
// sentinel; a claim rendering identically to either would collide with their
// cache and counter keys.
func ValidTeamID(raw string) bool {
	return raw != "" && raw != "public" && !strings.Contains(raw, ":")
}

// ConnectorFilter is the scope-aware lookup filter passed to the repository.
// Exactly one of TeamID/OwnerUserID/Public is set.
type ConnectorFilter struct {
	Slug        string
	TeamID      string
	OwnerUserID string
	Public      bool
}

// Filter builds the connector lookup filter for this scope and slug.
func (s Scope) Filter(slug string) ConnectorFilter {
	f := ConnectorFilter{Slug: slug}
	switch s.kind {
	case KindPersonal:
		f.OwnerUserID = s.id
	case KindPublic:
		f.Public = true
	default:
		f.TeamID = s.id
	}
	return f
}
