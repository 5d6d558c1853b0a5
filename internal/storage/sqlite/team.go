package sqlite

import (
	"context"
	"time"
)

// IsTeamMember reports whether the user belongs to the team.
func (s *Store) IsTeamMember(ctx context.Context, teamID, userID string) (bool, error) {
	var n int
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM team_members WHERE team_id = ? AND user_id = ?`,
		teamID, userID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AddTeamMember records a team membership. Adding an existing member is a
// no-op.
func (s *Store) AddTeamMember(ctx context.Context, teamID, userID string) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO team_members (team_id, user_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (team_id, user_id) DO NOTHING`,
		teamID, userID, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}
