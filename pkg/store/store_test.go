package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelmint/gatekeeper/pkg/access"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func TestGetSubject(t *testing.T) {
	store, mock := newMockStore(t)
	subjectID := uuid.New()

	rows := sqlmock.NewRows([]string{"id", "active", "verified", "roles"}).
		AddRow(subjectID.String(), true, true, "{member}")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, active, verified, roles")).
		WithArgs(subjectID).
		WillReturnRows(rows)

	subject, err := store.GetSubject(context.Background(), subjectID)
	require.NoError(t, err)
	assert.Equal(t, subjectID, subject.ID)
	assert.True(t, subject.Active)
	assert.True(t, subject.Verified)
	assert.Equal(t, []string{"member"}, subject.Roles)
	assert.False(t, subject.Restricted())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSubjectNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	subjectID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, active, verified, roles")).
		WithArgs(subjectID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "active", "verified", "roles"}))

	_, err := store.GetSubject(context.Background(), subjectID)
	assert.ErrorIs(t, err, access.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSubjectByTokenHash(t *testing.T) {
	store, mock := newMockStore(t)
	subjectID := uuid.New()

	rows := sqlmock.NewRows([]string{"id", "active", "verified", "roles"}).
		AddRow(subjectID.String(), true, true, "{}")
	mock.ExpectQuery(regexp.QuoteMeta("JOIN api_tokens t ON t.subject_id = s.id")).
		WithArgs("abc123").
		WillReturnRows(rows)

	subject, err := store.GetSubjectByTokenHash(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, subjectID, subject.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSubjectByTokenHashUnknown(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("JOIN api_tokens t ON t.subject_id = s.id")).
		WithArgs("expired").
		WillReturnRows(sqlmock.NewRows([]string{"id", "active", "verified", "roles"}))

	_, err := store.GetSubjectByTokenHash(context.Background(), "expired")
	assert.ErrorIs(t, err, access.ErrNotFound)
}

func TestGetProject(t *testing.T) {
	store, mock := newMockStore(t)
	projectID := uuid.New()
	ownerID := uuid.New()

	rows := sqlmock.NewRows([]string{"id", "owner_id", "visibility", "deleted_at"}).
		AddRow(projectID.String(), ownerID.String(), "team", nil)
	mock.ExpectQuery(regexp.QuoteMeta("FROM projects")).
		WithArgs(projectID).
		WillReturnRows(rows)

	project, err := store.GetProject(context.Background(), projectID)
	require.NoError(t, err)
	assert.Equal(t, ownerID, project.OwnerID)
	assert.Equal(t, access.VisibilityTeam, project.Visibility)
	assert.False(t, project.Deleted())
}

func TestGetProjectDeleted(t *testing.T) {
	store, mock := newMockStore(t)
	projectID := uuid.New()
	deletedAt := time.Now().Add(-time.Hour)

	rows := sqlmock.NewRows([]string{"id", "owner_id", "visibility", "deleted_at"}).
		AddRow(projectID.String(), uuid.NewString(), "public", deletedAt)
	mock.ExpectQuery(regexp.QuoteMeta("FROM projects")).
		WithArgs(projectID).
		WillReturnRows(rows)

	project, err := store.GetProject(context.Background(), projectID)
	require.NoError(t, err)
	assert.True(t, project.Deleted())
}

func TestGetGeneration(t *testing.T) {
	store, mock := newMockStore(t)
	genID := uuid.New()
	ownerID := uuid.New()
	projectID := uuid.New()

	rows := sqlmock.NewRows([]string{"id", "owner_id", "project_id", "status", "owner_only", "deleted_at"}).
		AddRow(genID.String(), ownerID.String(), projectID.String(), "succeeded", true, nil)
	mock.ExpectQuery(regexp.QuoteMeta("FROM generations")).
		WithArgs(genID).
		WillReturnRows(rows)

	gen, err := store.GetGeneration(context.Background(), genID)
	require.NoError(t, err)
	assert.Equal(t, projectID, gen.ProjectID)
	assert.Equal(t, access.GenerationSucceeded, gen.Status)
	assert.True(t, gen.OwnerOnly)
}

func TestListGrantedMemberships(t *testing.T) {
	store, mock := newMockStore(t)
	projectID := uuid.New()
	userID := uuid.New()
	teamA := uuid.New()
	teamB := uuid.New()

	rows := sqlmock.NewRows([]string{"team_id", "role", "access_level"}).
		AddRow(teamA.String(), "admin", "read").
		AddRow(teamB.String(), "viewer", "admin")
	mock.ExpectQuery(regexp.QuoteMeta("JOIN project_team_grants g ON g.team_id = tm.team_id")).
		WithArgs(projectID, userID).
		WillReturnRows(rows)

	memberships, err := store.ListGrantedMemberships(context.Background(), projectID, userID)
	require.NoError(t, err)
	require.Len(t, memberships, 2)
	assert.Equal(t, access.RoleAdmin, memberships[0].TeamRole)
	assert.Equal(t, access.AccessLevelRead, memberships[0].AccessLevel)
	assert.Equal(t, access.RoleViewer, memberships[1].TeamRole)
}

func TestListGrantedMembershipsEmpty(t *testing.T) {
	store, mock := newMockStore(t)
	projectID := uuid.New()
	userID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("JOIN project_team_grants g ON g.team_id = tm.team_id")).
		WithArgs(projectID, userID).
		WillReturnRows(sqlmock.NewRows([]string{"team_id", "role", "access_level"}))

	memberships, err := store.ListGrantedMemberships(context.Background(), projectID, userID)
	require.NoError(t, err)
	assert.Empty(t, memberships)
}

func TestListTeamMemberIDs(t *testing.T) {
	store, mock := newMockStore(t)
	teamID := uuid.New()
	memberA := uuid.New()
	memberB := uuid.New()

	rows := sqlmock.NewRows([]string{"user_id"}).
		AddRow(memberA.String()).
		AddRow(memberB.String())
	mock.ExpectQuery(regexp.QuoteMeta("FROM team_memberships")).
		WithArgs(teamID).
		WillReturnRows(rows)

	ids, err := store.ListTeamMemberIDs(context.Background(), teamID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{memberA, memberB}, ids)
}

func TestStoreQueryError(t *testing.T) {
	store, mock := newMockStore(t)
	subjectID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, active, verified, roles")).
		WithArgs(subjectID).
		WillReturnError(errors.New("connection reset"))

	_, err := store.GetSubject(context.Background(), subjectID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, access.ErrNotFound)
}
