package cache

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/pixelmint/gatekeeper/pkg/access"
)

func TestKeyString(t *testing.T) {
	subjectID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	projectID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	genID := uuid.MustParse("33333333-3333-3333-3333-333333333333")

	key := Key{
		SubjectID:    subjectID,
		ProjectID:    projectID,
		ResourceType: access.ResourceGeneration,
		ResourceID:   genID,
		Permission:   access.PermissionRead,
	}
	assert.Equal(t,
		"authz:u:11111111-1111-1111-1111-111111111111:proj:22222222-2222-2222-2222-222222222222:res:generation:33333333-3333-3333-3333-333333333333:perm:read",
		key.String())
}

func TestPatternsMatchKeys(t *testing.T) {
	subjectID := uuid.New()
	projectID := uuid.New()
	genID := uuid.New()

	genKey := Key{
		SubjectID: subjectID, ProjectID: projectID,
		ResourceType: access.ResourceGeneration, ResourceID: genID,
		Permission: access.PermissionRead,
	}.String()
	projKey := Key{
		SubjectID: subjectID, ProjectID: projectID,
		ResourceType: access.ResourceProject, ResourceID: projectID,
		Permission: access.PermissionWrite,
	}.String()

	// User pattern catches everything the subject touches.
	assert.True(t, matchKey(UserPattern(subjectID), genKey))
	assert.True(t, matchKey(UserPattern(subjectID), projKey))
	assert.False(t, matchKey(UserPattern(uuid.New()), genKey))

	// Project pattern catches the project and its generations, for any
	// subject and permission.
	assert.True(t, matchKey(ProjectPattern(projectID), genKey))
	assert.True(t, matchKey(ProjectPattern(projectID), projKey))
	assert.False(t, matchKey(ProjectPattern(uuid.New()), genKey))

	// Resource pattern pins one resource only.
	assert.True(t, matchKey(ResourcePattern(access.ResourceGeneration, genID), genKey))
	assert.False(t, matchKey(ResourcePattern(access.ResourceGeneration, genID), projKey))
}
