package cache

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/pixelmint/gatekeeper/pkg/access"
)

// InvalidateUser purges every cached decision for one subject across L1
// and L2 and bypasses their view rows until the next refresh. Called
// when the subject's memberships, status, or verification change.
func (o *Orchestrator) InvalidateUser(ctx context.Context, userID uuid.UUID) error {
	return o.invalidate(ctx, UserPattern(userID), userScope(userID))
}

// InvalidateResource purges cached decisions for one resource. A project
// invalidation covers its whole subtree: every key embeds the project
// id, so one pattern catches the project and all of its generations.
func (o *Orchestrator) InvalidateResource(ctx context.Context, resourceType access.ResourceType, resourceID uuid.UUID) error {
	var pattern, scope string
	switch resourceType {
	case access.ResourceProject:
		pattern = ProjectPattern(resourceID)
		scope = projectScope(resourceID)
	case access.ResourceGeneration:
		pattern = ResourcePattern(resourceType, resourceID)
		scope = resourceScope(resourceType, resourceID)
	default:
		return fmt.Errorf("%w: unknown resource type %q", access.ErrValidation, resourceType)
	}
	return o.invalidate(ctx, pattern, scope)
}

// InvalidateTeam enumerates the team's members and fans out a per-user
// invalidation through the bounded pool, so a large team cannot
// monopolize the caller. The enumeration itself is synchronous; its
// failure surfaces to the caller.
func (o *Orchestrator) InvalidateTeam(ctx context.Context, teamID uuid.UUID) error {
	if o.teams == nil {
		return fmt.Errorf("%w: no team lister configured", access.ErrInvalidationFailed)
	}

	memberIDs, err := o.teams.ListTeamMemberIDs(ctx, teamID)
	if err != nil {
		return fmt.Errorf("%w: list members of team %s: %v", access.ErrInvalidationFailed, teamID, err)
	}

	for _, memberID := range memberIDs {
		memberID := memberID
		submitErr := o.pool.Submit(func(ctx context.Context) error {
			return o.InvalidateUser(ctx, memberID)
		})
		if submitErr != nil {
			// Pool shut down mid-fanout: queue the rest for the
			// sweeper instead of dropping them.
			o.sweeper.Enqueue(UserPattern(memberID), userScope(memberID))
		}
	}

	o.logger.WithFields(map[string]interface{}{
		"team_id": teamID.String(),
		"members": len(memberIDs),
	}).Info("team invalidation fanned out")
	return nil
}

func (o *Orchestrator) invalidate(ctx context.Context, pattern, scope string) error {
	purged := o.l1.PurgePattern(pattern)

	if o.l2 == nil {
		return nil
	}

	ictx, cancel := context.WithTimeout(ctx, o.config.InvalidateTimeout)
	defer cancel()

	deleted, delErr := o.l2.DeletePattern(ictx, pattern)
	markErr := o.l2.SetBypassMarker(ictx, scope, o.config.BypassTTL)
	pubErr := o.l2.PublishInvalidation(ictx, pattern)

	if delErr != nil || markErr != nil || pubErr != nil {
		// The TTL backstop still bounds staleness; the sweeper
		// retries until the purge lands.
		o.sweeper.Enqueue(pattern, scope)
		err := delErr
		if err == nil {
			err = markErr
		}
		if err == nil {
			err = pubErr
		}
		return fmt.Errorf("%w: %s: %v", access.ErrInvalidationFailed, pattern, err)
	}

	o.logger.WithFields(map[string]interface{}{
		"pattern":    pattern,
		"l1_purged":  purged,
		"l2_deleted": deleted,
	}).Info("cache invalidated")
	return nil
}
