package scope

import "testing"

func TestParseRoundTrip(t *testing.T) {
	t.Parallel()

	team := Parse("7f8a1c9e-team")
	if team.IsPersonal() || team.TeamID() != "7f8a1c9e-team" {
		t.Fatalf("team scope parsed wrong: %+v", team)
	}
	if team.String() != "7f8a1c9e-team" {
		t.Fatalf("team serialize = %q", team.String())
	}

	personal := Parse("personal:user-42")
	if !personal.IsPersonal() || personal.UserID() != "user-42" {
		t.Fatalf("personal scope parsed wrong: %+v", personal)
	}
	if personal.String() != "personal:user-42" {
		t.Fatalf("personal serialize = %q", personal.String())
	}

	if Parse(personal.String()) != personal {
		t.Fatal("personal round-trip mismatch")
	}
}

func TestPublicSentinel(t *testing.T) {
	t.Parallel()

	p := Public()
	if !p.IsPublic() || p.IsPersonal() {
		t.Fatalf("public sentinel wrong: %+v", p)
	}
	if p.String() != "public" {
		t.Fatalf("public serialize = %q", p.String())
	}
	f := p.Filter("openai")
	if !f.Public || f.TeamID != "" || f.OwnerUserID != "" {
		t.Fatalf("public filter wrong: %+v", f)
	}
}

func TestValidTeamID(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"team-1", "7f8a1c9e", "publicity"} {
		if !ValidTeamID(id) {
			t.Errorf("ValidTeamID(%q) = false, want true", id)
		}
	}
	// "public" would render identically to the sentinel, and ":" to the
	// personal textual form; neither may be claimed at the edge.
	for _, id := range []string{"", "public", "personal:u1", "a:b"} {
		if ValidTeamID(id) {
			t.Errorf("ValidTeamID(%q) = true, want false", id)
		}
	}
}

func TestFilter(t *testing.T) {
	t.Parallel()

	f := Team("t1").Filter("stripe")
	if f.TeamID != "t1" || f.OwnerUserID != "" || f.Slug != "stripe" {
		t.Fatalf("team filter wrong: %+v", f)
	}

	f = Personal("u1").Filter("stripe")
	if f.OwnerUserID != "u1" || f.TeamID != "" {
		t.Fatalf("personal filter wrong: %+v", f)
	}
}
