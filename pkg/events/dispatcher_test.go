package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelmint/gatekeeper/pkg/access"
)

type fakeInvalidator struct {
	mu        sync.Mutex
	users     []uuid.UUID
	teams     []uuid.UUID
	resources []string
	userErr   error
	teamErr   error
}

func (f *fakeInvalidator) InvalidateUser(ctx context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, userID)
	return f.userErr
}

func (f *fakeInvalidator) InvalidateResource(ctx context.Context, resourceType access.ResourceType, resourceID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resources = append(f.resources, string(resourceType)+":"+resourceID.String())
	return nil
}

func (f *fakeInvalidator) InvalidateTeam(ctx context.Context, teamID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teams = append(f.teams, teamID)
	return f.teamErr
}

func TestDispatchMembershipChanged(t *testing.T) {
	inv := &fakeInvalidator{}
	d := NewDispatcher(inv, nil, nil)
	teamID := uuid.New()
	userID := uuid.New()

	err := d.Dispatch(context.Background(), Event{
		Type:   TypeMembershipChanged,
		TeamID: teamID,
		UserID: userID,
	})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{teamID}, inv.teams)
	assert.Equal(t, []uuid.UUID{userID}, inv.users)
}

func TestDispatchMembershipChangedWithoutUser(t *testing.T) {
	inv := &fakeInvalidator{}
	d := NewDispatcher(inv, nil, nil)
	teamID := uuid.New()

	err := d.Dispatch(context.Background(), Event{Type: TypeMembershipChanged, TeamID: teamID})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{teamID}, inv.teams)
	assert.Empty(t, inv.users)
}

func TestDispatchGrantChanged(t *testing.T) {
	inv := &fakeInvalidator{}
	d := NewDispatcher(inv, nil, nil)
	teamID := uuid.New()
	projectID := uuid.New()

	err := d.Dispatch(context.Background(), Event{
		Type:       TypeGrantChanged,
		TeamID:     teamID,
		ResourceID: projectID,
	})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{teamID}, inv.teams)
	assert.Equal(t, []string{"project:" + projectID.String()}, inv.resources)
}

func TestDispatchVisibilityChanged(t *testing.T) {
	inv := &fakeInvalidator{}
	d := NewDispatcher(inv, nil, nil)
	projectID := uuid.New()

	err := d.Dispatch(context.Background(), Event{
		Type:         TypeVisibilityChanged,
		ResourceType: access.ResourceProject,
		ResourceID:   projectID,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"project:" + projectID.String()}, inv.resources)
}

func TestDispatchResourceDeleted(t *testing.T) {
	inv := &fakeInvalidator{}
	d := NewDispatcher(inv, nil, nil)
	genID := uuid.New()

	err := d.Dispatch(context.Background(), Event{
		Type:         TypeResourceDeleted,
		ResourceType: access.ResourceGeneration,
		ResourceID:   genID,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"generation:" + genID.String()}, inv.resources)
}

func TestDispatchOwnershipTransferred(t *testing.T) {
	inv := &fakeInvalidator{}
	d := NewDispatcher(inv, nil, nil)
	projectID := uuid.New()
	newOwner := uuid.New()

	err := d.Dispatch(context.Background(), Event{
		Type:         TypeOwnershipTransferred,
		ResourceType: access.ResourceProject,
		ResourceID:   projectID,
		UserID:       newOwner,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"project:" + projectID.String()}, inv.resources)
	assert.Equal(t, []uuid.UUID{newOwner}, inv.users)
}

func TestDispatchSubjectStatusChanged(t *testing.T) {
	inv := &fakeInvalidator{}
	d := NewDispatcher(inv, nil, nil)
	userID := uuid.New()

	err := d.Dispatch(context.Background(), Event{Type: TypeSubjectStatusChanged, UserID: userID})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{userID}, inv.users)
}

func TestDispatchHighPriorityRefreshes(t *testing.T) {
	inv := &fakeInvalidator{}
	refreshed := false
	d := NewDispatcher(inv, func(ctx context.Context) error {
		refreshed = true
		return nil
	}, nil)

	err := d.Dispatch(context.Background(), Event{
		Type:         TypeVisibilityChanged,
		ResourceType: access.ResourceProject,
		ResourceID:   uuid.New(),
		HighPriority: true,
	})
	require.NoError(t, err)
	assert.True(t, refreshed)
}

func TestDispatchRefreshFailureJoined(t *testing.T) {
	inv := &fakeInvalidator{}
	refreshErr := errors.New("refresh down")
	d := NewDispatcher(inv, func(ctx context.Context) error { return refreshErr }, nil)

	err := d.Dispatch(context.Background(), Event{
		Type:         TypeVisibilityChanged,
		ResourceType: access.ResourceProject,
		ResourceID:   uuid.New(),
		HighPriority: true,
	})
	assert.ErrorIs(t, err, refreshErr)
	assert.Len(t, inv.resources, 1)
}

func TestDispatchAttemptsAllScopesOnFailure(t *testing.T) {
	teamErr := errors.New("team purge failed")
	inv := &fakeInvalidator{teamErr: teamErr}
	d := NewDispatcher(inv, nil, nil)
	teamID := uuid.New()
	userID := uuid.New()

	err := d.Dispatch(context.Background(), Event{
		Type:   TypeMembershipChanged,
		TeamID: teamID,
		UserID: userID,
	})
	assert.ErrorIs(t, err, teamErr)
	assert.Equal(t, []uuid.UUID{userID}, inv.users)
}

func TestEventValidation(t *testing.T) {
	cases := []struct {
		name  string
		event Event
	}{
		{"unknown type", Event{Type: "reindexed"}},
		{"membership without team", Event{Type: TypeMembershipChanged}},
		{"grant without ids", Event{Type: TypeGrantChanged}},
		{"visibility without resource", Event{Type: TypeVisibilityChanged, ResourceType: access.ResourceProject}},
		{"deleted with bad resource type", Event{Type: TypeResourceDeleted, ResourceType: "dataset", ResourceID: uuid.New()}},
		{"status without user", Event{Type: TypeSubjectStatusChanged}},
	}

	inv := &fakeInvalidator{}
	d := NewDispatcher(inv, nil, nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := d.Dispatch(context.Background(), tc.event)
			assert.ErrorIs(t, err, access.ErrValidation)
		})
	}
	assert.Empty(t, inv.users)
	assert.Empty(t, inv.teams)
	assert.Empty(t, inv.resources)
}
