package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pixelmint/gatekeeper/pkg/access"
)

// Store reads authorization inputs from the source-of-truth database.
// Domain tables (subjects, projects, generations, team_memberships,
// project_team_grants, api_tokens) are owned by the platform services;
// this layer only reads them.
type Store struct {
	db *sql.DB
}

// NewStore creates a new source-of-truth store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetSubject retrieves a subject by id.
func (s *Store) GetSubject(ctx context.Context, id uuid.UUID) (*access.Subject, error) {
	query := `
		SELECT id, active, verified, roles
		FROM subjects
		WHERE id = $1
	`

	var subject access.Subject
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&subject.ID,
		&subject.Active,
		&subject.Verified,
		pq.Array(&subject.Roles),
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("subject %s: %w", id, access.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subject: %w", err)
	}

	return &subject, nil
}

// GetSubjectByTokenHash resolves an API token hash to its subject,
// skipping expired and revoked tokens.
func (s *Store) GetSubjectByTokenHash(ctx context.Context, tokenHash string) (*access.Subject, error) {
	query := `
		SELECT s.id, s.active, s.verified, s.roles
		FROM subjects s
		JOIN api_tokens t ON t.subject_id = s.id
		WHERE t.token_hash = $1
		  AND t.revoked_at IS NULL
		  AND (t.expires_at IS NULL OR t.expires_at > NOW())
	`

	var subject access.Subject
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(
		&subject.ID,
		&subject.Active,
		&subject.Verified,
		pq.Array(&subject.Roles),
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("token: %w", access.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve token: %w", err)
	}

	return &subject, nil
}

// GetProject retrieves a project by id, including soft-deleted rows so
// the engine can deny them explicitly.
func (s *Store) GetProject(ctx context.Context, id uuid.UUID) (*access.Project, error) {
	query := `
		SELECT id, owner_id, visibility, deleted_at
		FROM projects
		WHERE id = $1
	`

	var project access.Project
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&project.ID,
		&project.OwnerID,
		&project.Visibility,
		&project.DeletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project %s: %w", id, access.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	return &project, nil
}

// GetGeneration retrieves a generation by id, including soft-deleted rows.
func (s *Store) GetGeneration(ctx context.Context, id uuid.UUID) (*access.Generation, error) {
	query := `
		SELECT id, owner_id, project_id, status, owner_only, deleted_at
		FROM generations
		WHERE id = $1
	`

	var gen access.Generation
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&gen.ID,
		&gen.OwnerID,
		&gen.ProjectID,
		&gen.Status,
		&gen.OwnerOnly,
		&gen.DeletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("generation %s: %w", id, access.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get generation: %w", err)
	}

	return &gen, nil
}

// ListGrantedMemberships returns one row per (active membership, project
// grant) pair linking userID to projectID. The engine takes the minimum
// of team role and grant level per row, so the join deliberately returns
// both sides unreduced.
func (s *Store) ListGrantedMemberships(ctx context.Context, projectID, userID uuid.UUID) ([]access.GrantedMembership, error) {
	query := `
		SELECT tm.team_id, tm.role, g.access_level
		FROM team_memberships tm
		JOIN project_team_grants g ON g.team_id = tm.team_id
		WHERE g.project_id = $1
		  AND tm.user_id = $2
		  AND tm.active
	`

	rows, err := s.db.QueryContext(ctx, query, projectID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list granted memberships: %w", err)
	}
	defer rows.Close()

	var memberships []access.GrantedMembership
	for rows.Next() {
		var m access.GrantedMembership
		if err := rows.Scan(&m.TeamID, &m.TeamRole, &m.AccessLevel); err != nil {
			return nil, fmt.Errorf("failed to scan granted membership: %w", err)
		}
		memberships = append(memberships, m)
	}

	return memberships, rows.Err()
}

// ListTeamMemberIDs returns the user ids of a team's active members, used
// by invalidation fan-out when a team-level mutation arrives.
func (s *Store) ListTeamMemberIDs(ctx context.Context, teamID uuid.UUID) ([]uuid.UUID, error) {
	query := `
		SELECT user_id
		FROM team_memberships
		WHERE team_id = $1
		  AND active
	`

	rows, err := s.db.QueryContext(ctx, query, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list team members: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan team member id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}
