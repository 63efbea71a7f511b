package events

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/pixelmint/gatekeeper/pkg/access"
	"github.com/pixelmint/gatekeeper/pkg/observability"
)

// Invalidator purges cached decisions by scope. Implemented by the cache
// orchestrator.
type Invalidator interface {
	InvalidateUser(ctx context.Context, userID uuid.UUID) error
	InvalidateResource(ctx context.Context, resourceType access.ResourceType, resourceID uuid.UUID) error
	InvalidateTeam(ctx context.Context, teamID uuid.UUID) error
}

// Dispatcher maps mutation events to the invalidations they require.
// refresh runs a synchronous view rebuild for high-priority events; nil
// skips it.
type Dispatcher struct {
	inv     Invalidator
	refresh func(context.Context) error
	logger  *observability.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(inv Invalidator, refresh func(context.Context) error, logger *observability.Logger) *Dispatcher {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Dispatcher{inv: inv, refresh: refresh, logger: logger}
}

// Dispatch validates the event and runs every invalidation it implies.
// All applicable scopes are attempted even when one fails; the joined
// error reports what did not land (those purges are already queued for
// retry by the orchestrator).
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}

	var errs []error

	switch event.Type {
	case TypeMembershipChanged:
		errs = append(errs, d.inv.InvalidateTeam(ctx, event.TeamID))
		if event.UserID != uuid.Nil {
			// The affected member may already have left the team, so
			// the fan-out would miss them.
			errs = append(errs, d.inv.InvalidateUser(ctx, event.UserID))
		}

	case TypeGrantChanged:
		if event.TeamID != uuid.Nil {
			errs = append(errs, d.inv.InvalidateTeam(ctx, event.TeamID))
		}
		if event.ResourceID != uuid.Nil {
			errs = append(errs, d.inv.InvalidateResource(ctx, access.ResourceProject, event.ResourceID))
		}

	case TypeVisibilityChanged, TypeResourceDeleted:
		errs = append(errs, d.inv.InvalidateResource(ctx, event.ResourceType, event.ResourceID))

	case TypeOwnershipTransferred:
		errs = append(errs, d.inv.InvalidateResource(ctx, event.ResourceType, event.ResourceID))
		if event.UserID != uuid.Nil {
			errs = append(errs, d.inv.InvalidateUser(ctx, event.UserID))
		}

	case TypeSubjectStatusChanged:
		errs = append(errs, d.inv.InvalidateUser(ctx, event.UserID))
	}

	if event.HighPriority && d.refresh != nil {
		if err := d.refresh(ctx); err != nil {
			d.logger.WithError(err).Warn("high priority view refresh failed")
			errs = append(errs, err)
		}
	}

	d.logger.WithFields(map[string]interface{}{
		"event":         string(event.Type),
		"high_priority": event.HighPriority,
	}).Info("mutation event dispatched")

	return errors.Join(errs...)
}
