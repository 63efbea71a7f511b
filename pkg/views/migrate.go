package views

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations create the view tables. Plain tables rather than Postgres
// materialized views: the orchestrator upserts single rows between
// refreshes, which REFRESH MATERIALIZED VIEW cannot accommodate.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS access_view (
		user_id UUID NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id UUID NOT NULL,
		project_id UUID NOT NULL,
		granted BOOLEAN NOT NULL,
		method TEXT NOT NULL,
		effective_role TEXT NOT NULL DEFAULT '',
		refreshed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (user_id, resource_type, resource_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_access_view_project
		ON access_view (project_id)`,
	`CREATE INDEX IF NOT EXISTS idx_access_view_refreshed
		ON access_view (refreshed_at DESC)`,
	`CREATE TABLE IF NOT EXISTS team_activity_view (
		team_id UUID PRIMARY KEY,
		member_count INT NOT NULL DEFAULT 0,
		resource_count INT NOT NULL DEFAULT 0,
		last_active_at TIMESTAMPTZ,
		refreshed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate creates the view tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("view migration %d failed: %w", i, err)
		}
	}
	return nil
}
