package events

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/pixelmint/gatekeeper/pkg/access"
)

// Type classifies a mutation in the source of truth that can change
// authorization outcomes.
type Type string

const (
	// TypeMembershipChanged covers joins, leaves, role changes, and
	// activation flips on a team membership.
	TypeMembershipChanged Type = "membership_changed"
	// TypeGrantChanged covers creating, removing, or re-leveling a
	// project-team grant.
	TypeGrantChanged Type = "grant_changed"
	// TypeVisibilityChanged covers a project visibility transition.
	TypeVisibilityChanged Type = "visibility_changed"
	// TypeResourceDeleted covers soft-deleting a project or generation.
	TypeResourceDeleted Type = "resource_deleted"
	// TypeOwnershipTransferred covers moving a resource to a new owner.
	TypeOwnershipTransferred Type = "ownership_transferred"
	// TypeSubjectStatusChanged covers suspension, reinstatement, and
	// verification changes on a subject.
	TypeSubjectStatusChanged Type = "subject_status_changed"
)

// Event is one mutation notification from the platform's write path.
// Which fields are required depends on the type; Validate enforces it.
type Event struct {
	Type         Type                `json:"type"`
	UserID       uuid.UUID           `json:"user_id,omitempty"`
	TeamID       uuid.UUID           `json:"team_id,omitempty"`
	ResourceType access.ResourceType `json:"resource_type,omitempty"`
	ResourceID   uuid.UUID           `json:"resource_id,omitempty"`

	// HighPriority requests a synchronous view refresh on top of the
	// cache purge, used for visibility changes on active projects.
	HighPriority bool `json:"high_priority,omitempty"`
}

// Validate checks that the event carries the fields its type needs.
func (e Event) Validate() error {
	switch e.Type {
	case TypeMembershipChanged:
		if e.TeamID == uuid.Nil {
			return fmt.Errorf("%w: %s requires team_id", access.ErrValidation, e.Type)
		}
	case TypeGrantChanged:
		if e.TeamID == uuid.Nil && e.ResourceID == uuid.Nil {
			return fmt.Errorf("%w: %s requires team_id or resource_id", access.ErrValidation, e.Type)
		}
	case TypeVisibilityChanged, TypeResourceDeleted, TypeOwnershipTransferred:
		if e.ResourceID == uuid.Nil {
			return fmt.Errorf("%w: %s requires resource_id", access.ErrValidation, e.Type)
		}
		if _, err := access.ParseResourceType(string(e.ResourceType)); err != nil {
			return err
		}
	case TypeSubjectStatusChanged:
		if e.UserID == uuid.Nil {
			return fmt.Errorf("%w: %s requires user_id", access.ErrValidation, e.Type)
		}
	default:
		return fmt.Errorf("%w: unknown event type %q", access.ErrValidation, e.Type)
	}
	return nil
}
