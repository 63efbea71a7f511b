package views

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pixelmint/gatekeeper/pkg/access"
	"github.com/pixelmint/gatekeeper/pkg/cache"
	"github.com/pixelmint/gatekeeper/pkg/monitor"
	"github.com/pixelmint/gatekeeper/pkg/observability"
)

// View names accepted by RefreshView.
const (
	AccessView       = "access_view"
	TeamActivityView = "team_activity_view"
)

// Config tunes the view layer.
type Config struct {
	// RowTTL is how long a view row stays servable after its refresh.
	// It should cover at least one refresh interval plus slack.
	RowTTL time.Duration
}

const defaultRowTTL = 15 * time.Minute

// Views is the L3 tier: relationship-derived read decisions flattened
// into Postgres tables. Serving reads hit the primary key; the rebuild
// runs in a single transaction so readers always see a consistent
// snapshot.
type Views struct {
	db      *sql.DB
	logger  *observability.Logger
	metrics *monitor.Metrics
	config  Config
}

// NewViews creates the view layer. metrics may be nil.
func NewViews(db *sql.DB, logger *observability.Logger, metrics *monitor.Metrics, config Config) *Views {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if config.RowTTL <= 0 {
		config.RowTTL = defaultRowTTL
	}
	return &Views{db: db, logger: logger, metrics: metrics, config: config}
}

// LookupRead returns the precomputed read decision for one (user,
// resource) pair. The decision expiry is the row's refresh time plus the
// row TTL, so a stalled refresher ages rows out instead of serving them
// forever.
func (v *Views) LookupRead(ctx context.Context, userID uuid.UUID, resourceType access.ResourceType, resourceID uuid.UUID) (access.Decision, bool, error) {
	query := `
		SELECT granted, method, effective_role, refreshed_at
		FROM access_view
		WHERE user_id = $1 AND resource_type = $2 AND resource_id = $3
	`

	var (
		decision    access.Decision
		refreshedAt time.Time
	)
	err := v.db.QueryRowContext(ctx, query, userID, string(resourceType), resourceID).Scan(
		&decision.Granted,
		&decision.Method,
		&decision.EffectiveRole,
		&refreshedAt,
	)
	if err == sql.ErrNoRows {
		return access.Decision{}, false, nil
	}
	if err != nil {
		return access.Decision{}, false, fmt.Errorf("%w: view lookup: %v", access.ErrCacheTierUnavailable, err)
	}

	decision.ExpiresAt = refreshedAt.Add(v.config.RowTTL)
	return decision, true, nil
}

// UpsertDecision writes one freshly resolved read decision into the
// view, the orchestrator's bookkeeping between full rebuilds.
func (v *Views) UpsertDecision(ctx context.Context, userID uuid.UUID, resourceType access.ResourceType, resourceID, projectID uuid.UUID, decision access.Decision) error {
	query := `
		INSERT INTO access_view
			(user_id, resource_type, resource_id, project_id, granted, method, effective_role, refreshed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (user_id, resource_type, resource_id) DO UPDATE SET
			project_id = EXCLUDED.project_id,
			granted = EXCLUDED.granted,
			method = EXCLUDED.method,
			effective_role = EXCLUDED.effective_role,
			refreshed_at = EXCLUDED.refreshed_at
	`

	_, err := v.db.ExecContext(ctx, query,
		userID, string(resourceType), resourceID, projectID,
		decision.Granted, string(decision.Method), string(decision.EffectiveRole),
	)
	if err != nil {
		return fmt.Errorf("view upsert: %w", err)
	}
	return nil
}

// ListWarmCandidates returns recently refreshed view rows ranked by the
// activity of the teams attached to their projects, feeding the cache
// warmer.
func (v *Views) ListWarmCandidates(ctx context.Context, limit int) ([]cache.WarmCandidate, error) {
	query := `
		SELECT av.user_id, av.resource_type, av.resource_id, av.project_id,
			av.granted, av.method, av.effective_role, av.refreshed_at,
			MAX(tav.last_active_at) AS activity
		FROM access_view av
		LEFT JOIN project_team_grants ptg ON ptg.project_id = av.project_id
		LEFT JOIN team_activity_view tav ON tav.team_id = ptg.team_id
		GROUP BY av.user_id, av.resource_type, av.resource_id, av.project_id,
			av.granted, av.method, av.effective_role, av.refreshed_at
		ORDER BY activity DESC NULLS LAST, av.refreshed_at DESC
		LIMIT $1
	`

	rows, err := v.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("warm candidate query: %w", err)
	}
	defer rows.Close()

	var candidates []cache.WarmCandidate
	for rows.Next() {
		var (
			c           cache.WarmCandidate
			refreshedAt time.Time
			activity    sql.NullTime
		)
		err := rows.Scan(
			&c.UserID, &c.ResourceType, &c.ResourceID, &c.ProjectID,
			&c.Decision.Granted, &c.Decision.Method, &c.Decision.EffectiveRole,
			&refreshedAt, &activity,
		)
		if err != nil {
			return nil, fmt.Errorf("warm candidate scan: %w", err)
		}
		c.Decision.ExpiresAt = refreshedAt.Add(v.config.RowTTL)
		candidates = append(candidates, c)
	}

	return candidates, rows.Err()
}
