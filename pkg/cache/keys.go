package cache

import (
	"fmt"
	"path"

	"github.com/google/uuid"

	"github.com/pixelmint/gatekeeper/pkg/access"
)

// Key identifies one cached decision. Every input the decision was
// derived from is embedded in the rendered key, so invalidation can
// target a user, a project subtree, or a single resource with one glob
// pattern instead of enumerating keys.
type Key struct {
	SubjectID    uuid.UUID
	ProjectID    uuid.UUID
	ResourceType access.ResourceType
	ResourceID   uuid.UUID
	Permission   access.Permission
}

// String renders the key as
// authz:u:<subject>:proj:<project>:res:<type>:<id>:perm:<perm>.
func (k Key) String() string {
	return fmt.Sprintf("authz:u:%s:proj:%s:res:%s:%s:perm:%s",
		k.SubjectID, k.ProjectID, k.ResourceType, k.ResourceID, k.Permission)
}

// UserPattern matches every cached decision for one subject.
func UserPattern(userID uuid.UUID) string {
	return fmt.Sprintf("authz:u:%s:*", userID)
}

// ProjectPattern matches every cached decision under one project,
// including the project itself and all of its generations.
func ProjectPattern(projectID uuid.UUID) string {
	return fmt.Sprintf("authz:*:proj:%s:*", projectID)
}

// ResourcePattern matches every cached decision for one resource across
// all subjects and permissions.
func ResourcePattern(resourceType access.ResourceType, resourceID uuid.UUID) string {
	return fmt.Sprintf("authz:*:res:%s:%s:*", resourceType, resourceID)
}

// projectPointerKey maps a generation to its owning project so the
// orchestrator can build full keys without a store round trip.
func projectPointerKey(resourceID uuid.UUID) string {
	return fmt.Sprintf("authz:ptr:generation:%s", resourceID)
}

// bypassMarkerKey names the short-lived marker that makes reads skip the
// materialized view for a scope until the next refresh.
func bypassMarkerKey(scope string) string {
	return fmt.Sprintf("authz:bypass:%s", scope)
}

// matchKey reports whether a rendered key matches a glob pattern. Keys
// contain no slashes, so path.Match gives exact glob semantics.
func matchKey(pattern, key string) bool {
	ok, err := path.Match(pattern, key)
	return err == nil && ok
}
