package access

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Visibility controls who can reach a project beyond its owner and teams.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityTeam    Visibility = "team"
	VisibilityPublic  Visibility = "public"
)

// Valid reports whether v is a known visibility tier.
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPrivate, VisibilityTeam, VisibilityPublic:
		return true
	}
	return false
}

// Permission is the operation a caller wants to perform on a resource.
// Permissions are ordered: read < write < manage.
type Permission string

const (
	PermissionRead   Permission = "read"
	PermissionWrite  Permission = "write"
	PermissionManage Permission = "manage"
)

// ParsePermission parses a permission string from the request layer.
func ParsePermission(s string) (Permission, error) {
	switch Permission(s) {
	case PermissionRead, PermissionWrite, PermissionManage:
		return Permission(s), nil
	}
	return "", fmt.Errorf("%w: unknown permission %q", ErrValidation, s)
}

func (p Permission) rank() int {
	switch p {
	case PermissionRead:
		return 1
	case PermissionWrite:
		return 2
	case PermissionManage:
		return 3
	}
	return 0
}

// Role is a team role, ordered viewer < editor < admin < owner.
type Role string

const (
	RoleNone   Role = ""
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

func (r Role) rank() int {
	switch r {
	case RoleViewer:
		return 1
	case RoleEditor:
		return 2
	case RoleAdmin:
		return 3
	case RoleOwner:
		return 4
	}
	return 0
}

// Satisfies reports whether a subject holding role r may perform p.
// Viewers read, editors write, admins and owners manage.
func (r Role) Satisfies(p Permission) bool {
	switch p {
	case PermissionRead:
		return r.rank() >= RoleViewer.rank()
	case PermissionWrite:
		return r.rank() >= RoleEditor.rank()
	case PermissionManage:
		return r.rank() >= RoleAdmin.rank()
	}
	return false
}

// AccessLevel bounds what a ProjectTeamGrant lets a team do on a project,
// ordered read < write < admin.
type AccessLevel string

const (
	AccessLevelRead  AccessLevel = "read"
	AccessLevelWrite AccessLevel = "write"
	AccessLevelAdmin AccessLevel = "admin"
)

// roleCap maps a grant's access level to the highest role it can confer.
func (l AccessLevel) roleCap() Role {
	switch l {
	case AccessLevelRead:
		return RoleViewer
	case AccessLevelWrite:
		return RoleEditor
	case AccessLevelAdmin:
		return RoleAdmin
	}
	return RoleNone
}

// EffectiveRole combines a team role with a project grant's access level,
// taking the minimum of the two. Neither side alone can escalate.
func EffectiveRole(teamRole Role, level AccessLevel) Role {
	bound := level.roleCap()
	if teamRole.rank() < bound.rank() {
		return teamRole
	}
	return bound
}

// ResourceType discriminates the polymorphic resource space.
type ResourceType string

const (
	ResourceProject    ResourceType = "project"
	ResourceGeneration ResourceType = "generation"
)

// ParseResourceType parses a resource type string from the request layer.
func ParseResourceType(s string) (ResourceType, error) {
	switch ResourceType(s) {
	case ResourceProject, ResourceGeneration:
		return ResourceType(s), nil
	}
	return "", fmt.Errorf("%w: unknown resource type %q", ErrValidation, s)
}

// Method records which rule granted (or denied) access.
type Method string

const (
	MethodDirectOwner  Method = "direct_owner"
	MethodProjectOwner Method = "project_owner"
	MethodTeamRole     Method = "team_role"
	MethodPublic       Method = "public"
	MethodShared       Method = "shared"
	MethodDenied       Method = "denied"
)

// Subject is a verified platform identity. Created at registration by the
// identity service; read-only here.
type Subject struct {
	ID       uuid.UUID `json:"id"`
	Active   bool      `json:"active"`
	Verified bool      `json:"verified"`
	Roles    []string  `json:"roles,omitempty"`
}

// Restricted reports whether the subject is suspended or unverified and
// therefore limited to reading public resources.
func (s *Subject) Restricted() bool {
	return s == nil || !s.Active || !s.Verified
}

// GenerationStatus tracks a generation job's lifecycle.
type GenerationStatus string

const (
	GenerationPending   GenerationStatus = "pending"
	GenerationRunning   GenerationStatus = "running"
	GenerationSucceeded GenerationStatus = "succeeded"
	GenerationFailed    GenerationStatus = "failed"
)

// Project is a container for generations, owned by a single subject.
type Project struct {
	ID         uuid.UUID  `json:"id"`
	OwnerID    uuid.UUID  `json:"owner_id"`
	Visibility Visibility `json:"visibility"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// Deleted reports whether the project has been soft-deleted.
func (p *Project) Deleted() bool { return p.DeletedAt != nil }

// Generation is a single piece of generated content. It always belongs to
// exactly one project; its effective visibility derives from that project
// unless OwnerOnly pins it to its owner.
type Generation struct {
	ID        uuid.UUID        `json:"id"`
	OwnerID   uuid.UUID        `json:"owner_id"`
	ProjectID uuid.UUID        `json:"project_id"`
	Status    GenerationStatus `json:"status"`
	OwnerOnly bool             `json:"owner_only"`
	DeletedAt *time.Time       `json:"deleted_at,omitempty"`
}

// Deleted reports whether the generation has been soft-deleted.
func (g *Generation) Deleted() bool { return g.DeletedAt != nil }

// TeamMembership links a subject to a team. Only active memberships confer
// rights.
type TeamMembership struct {
	UserID uuid.UUID `json:"user_id"`
	TeamID uuid.UUID `json:"team_id"`
	Role   Role      `json:"role"`
	Active bool      `json:"active"`
}

// ProjectTeamGrant links a project to a team with a bounded access level.
type ProjectTeamGrant struct {
	ProjectID   uuid.UUID   `json:"project_id"`
	TeamID      uuid.UUID   `json:"team_id"`
	AccessLevel AccessLevel `json:"access_level"`
}

// GrantedMembership is one joined (active membership, project grant) row:
// the subject reaches the project through TeamID with TeamRole, bounded by
// the grant's AccessLevel.
type GrantedMembership struct {
	TeamID      uuid.UUID   `json:"team_id"`
	TeamRole    Role        `json:"team_role"`
	AccessLevel AccessLevel `json:"access_level"`
}

// Decision is the outcome of one authorization resolution. Decisions are
// cached; ExpiresAt is the TTL backstop against missed invalidations.
type Decision struct {
	Granted       bool      `json:"granted"`
	Method        Method    `json:"method"`
	EffectiveRole Role      `json:"effective_role,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Expired reports whether the decision has passed its TTL backstop.
func (d Decision) Expired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && now.After(d.ExpiresAt)
}

func denied(ttl time.Time) Decision {
	return Decision{Granted: false, Method: MethodDenied, ExpiresAt: ttl}
}

func granted(m Method, role Role, ttl time.Time) Decision {
	return Decision{Granted: true, Method: m, EffectiveRole: role, ExpiresAt: ttl}
}
