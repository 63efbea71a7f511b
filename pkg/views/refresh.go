package views

import (
	"context"
	"fmt"
	"time"

	"github.com/pixelmint/gatekeeper/pkg/access"
)

// accessViewInserts rebuild access_view from the source tables, one
// statement per resolution rule in precedence order. Each later insert
// skips pairs an earlier rule already decided, so the first matching
// rule wins exactly as it does in the engine. Every statement joins
// subjects on active AND verified: a suspended or unverified user holds
// no precomputed grants, matching the engine's restricted-subject deny.
// Public visibility has no enumerable user set; those rows only enter
// the view through orchestrator upserts.
var accessViewInserts = []string{
	// Direct project ownership.
	`INSERT INTO access_view
		(user_id, resource_type, resource_id, project_id, granted, method, effective_role, refreshed_at)
	SELECT p.owner_id, 'project', p.id, p.id, TRUE, 'direct_owner', 'owner', NOW()
	FROM projects p
	JOIN subjects s ON s.id = p.owner_id AND s.active AND s.verified
	WHERE p.deleted_at IS NULL
	ON CONFLICT (user_id, resource_type, resource_id) DO NOTHING`,

	// Direct generation ownership. Owner-only generations stay readable
	// by their owner and nobody else, so only this rule emits them.
	`INSERT INTO access_view
		(user_id, resource_type, resource_id, project_id, granted, method, effective_role, refreshed_at)
	SELECT g.owner_id, 'generation', g.id, g.project_id, TRUE, 'direct_owner', 'owner', NOW()
	FROM generations g
	JOIN projects p ON p.id = g.project_id
	JOIN subjects s ON s.id = g.owner_id AND s.active AND s.verified
	WHERE g.deleted_at IS NULL AND p.deleted_at IS NULL
	ON CONFLICT (user_id, resource_type, resource_id) DO NOTHING`,

	// Inherited ownership: the project owner over its generations.
	`INSERT INTO access_view
		(user_id, resource_type, resource_id, project_id, granted, method, effective_role, refreshed_at)
	SELECT p.owner_id, 'generation', g.id, g.project_id, TRUE, 'project_owner', 'owner', NOW()
	FROM generations g
	JOIN projects p ON p.id = g.project_id
	JOIN subjects s ON s.id = p.owner_id AND s.active AND s.verified
	WHERE g.deleted_at IS NULL AND p.deleted_at IS NULL
		AND NOT g.owner_only
	ON CONFLICT (user_id, resource_type, resource_id) DO NOTHING`,

	// Team access to projects: best effective role per (user, project),
	// each pair taking the minimum of team role and grant level.
	`INSERT INTO access_view
		(user_id, resource_type, resource_id, project_id, granted, method, effective_role, refreshed_at)
	SELECT x.user_id, 'project', x.project_id, x.project_id, TRUE, 'team_role',
		CASE MAX(x.eff_rank)
			WHEN 1 THEN 'viewer' WHEN 2 THEN 'editor' WHEN 3 THEN 'admin' ELSE 'owner'
		END, NOW()
	FROM (
		SELECT tm.user_id, ptg.project_id,
			LEAST(
				CASE tm.role WHEN 'viewer' THEN 1 WHEN 'editor' THEN 2 WHEN 'admin' THEN 3 WHEN 'owner' THEN 4 ELSE 0 END,
				CASE ptg.access_level WHEN 'read' THEN 1 WHEN 'write' THEN 2 WHEN 'admin' THEN 3 ELSE 0 END
			) AS eff_rank
		FROM team_memberships tm
		JOIN subjects s ON s.id = tm.user_id AND s.active AND s.verified
		JOIN project_team_grants ptg ON ptg.team_id = tm.team_id
		JOIN projects p ON p.id = ptg.project_id
		WHERE tm.active AND p.deleted_at IS NULL
	) x
	WHERE x.eff_rank > 0
	GROUP BY x.user_id, x.project_id
	ON CONFLICT (user_id, resource_type, resource_id) DO NOTHING`,

	// Team access flattened onto the generations under granted projects.
	`INSERT INTO access_view
		(user_id, resource_type, resource_id, project_id, granted, method, effective_role, refreshed_at)
	SELECT x.user_id, 'generation', g.id, g.project_id, TRUE, 'team_role',
		CASE MAX(x.eff_rank)
			WHEN 1 THEN 'viewer' WHEN 2 THEN 'editor' WHEN 3 THEN 'admin' ELSE 'owner'
		END, NOW()
	FROM (
		SELECT tm.user_id, ptg.project_id,
			LEAST(
				CASE tm.role WHEN 'viewer' THEN 1 WHEN 'editor' THEN 2 WHEN 'admin' THEN 3 WHEN 'owner' THEN 4 ELSE 0 END,
				CASE ptg.access_level WHEN 'read' THEN 1 WHEN 'write' THEN 2 WHEN 'admin' THEN 3 ELSE 0 END
			) AS eff_rank
		FROM team_memberships tm
		JOIN subjects s ON s.id = tm.user_id AND s.active AND s.verified
		JOIN project_team_grants ptg ON ptg.team_id = tm.team_id
		WHERE tm.active
	) x
	JOIN generations g ON g.project_id = x.project_id
	JOIN projects p ON p.id = g.project_id
	WHERE x.eff_rank > 0 AND g.deleted_at IS NULL AND p.deleted_at IS NULL
		AND NOT g.owner_only
	GROUP BY x.user_id, g.id, g.project_id
	ON CONFLICT (user_id, resource_type, resource_id) DO NOTHING`,
}

const teamActivityInsert = `
	INSERT INTO team_activity_view
		(team_id, member_count, resource_count, last_active_at, refreshed_at)
	SELECT t.team_id,
		COALESCE(mc.n, 0),
		COALESCE(rc.n, 0),
		act.last_active_at,
		NOW()
	FROM (SELECT DISTINCT team_id FROM project_team_grants) t
	LEFT JOIN (
		SELECT team_id, COUNT(*) AS n
		FROM team_memberships WHERE active GROUP BY team_id
	) mc ON mc.team_id = t.team_id
	LEFT JOIN (
		SELECT ptg.team_id, COUNT(g.id) AS n
		FROM project_team_grants ptg
		JOIN generations g ON g.project_id = ptg.project_id AND g.deleted_at IS NULL
		GROUP BY ptg.team_id
	) rc ON rc.team_id = t.team_id
	LEFT JOIN (
		SELECT ptg.team_id, MAX(g.created_at) AS last_active_at
		FROM project_team_grants ptg
		JOIN generations g ON g.project_id = ptg.project_id
		GROUP BY ptg.team_id
	) act ON act.team_id = t.team_id
`

// BypassClearer removes the read-bypass markers once a refresh has made
// the view rows current. Implemented by the L2 cache; nil skips it.
type BypassClearer interface {
	ClearBypassMarkers(ctx context.Context) (int, error)
}

// RefreshView rebuilds one view inside a single transaction: readers see
// either the old rows or the new ones, never a partial rebuild. Returns
// the row count written and the elapsed time.
func (v *Views) RefreshView(ctx context.Context, name string) (int64, time.Duration, error) {
	start := time.Now()

	var stmts []string
	switch name {
	case AccessView:
		stmts = accessViewInserts
	case TeamActivityView:
		stmts = []string{teamActivityInsert}
	default:
		return 0, 0, fmt.Errorf("%w: unknown view %q", access.ErrValidation, name)
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("refresh %s: begin: %w", name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+name); err != nil {
		return 0, 0, fmt.Errorf("refresh %s: clear: %w", name, err)
	}

	var rows int64
	for _, stmt := range stmts {
		res, err := tx.ExecContext(ctx, stmt)
		if err != nil {
			return 0, 0, fmt.Errorf("refresh %s: rebuild: %w", name, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			rows += n
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("refresh %s: commit: %w", name, err)
	}

	elapsed := time.Since(start)
	if v.metrics != nil {
		v.metrics.ViewRefresh.WithLabelValues(name).Observe(elapsed.Seconds())
		v.metrics.ViewRows.WithLabelValues(name).Set(float64(rows))
	}
	v.logger.WithFields(map[string]interface{}{
		"view":       name,
		"rows":       rows,
		"elapsed_ms": elapsed.Milliseconds(),
	}).Info("view refreshed")

	return rows, elapsed, nil
}

// RefreshAll rebuilds every view and then clears the bypass markers, so
// reads return to the view only once its rows are current.
func (v *Views) RefreshAll(ctx context.Context, markers BypassClearer) error {
	for _, name := range []string{AccessView, TeamActivityView} {
		if _, _, err := v.RefreshView(ctx, name); err != nil {
			return err
		}
	}
	if markers != nil {
		if n, err := markers.ClearBypassMarkers(ctx); err != nil {
			v.logger.WithError(err).Warn("bypass marker clear failed")
		} else if n > 0 {
			v.logger.WithField("cleared", n).Debug("bypass markers cleared")
		}
	}
	return nil
}
