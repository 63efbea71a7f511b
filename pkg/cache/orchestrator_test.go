package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelmint/gatekeeper/pkg/access"
	"github.com/pixelmint/gatekeeper/pkg/monitor"
)

type fakeResolver struct {
	mu        sync.Mutex
	calls     int
	decision  access.Decision
	projectID uuid.UUID
	err       error
}

func (f *fakeResolver) ResolveWithProject(ctx context.Context, subjectID uuid.UUID, resourceType access.ResourceType, resourceID uuid.UUID, perm access.Permission) (access.Decision, uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return access.Decision{}, uuid.Nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return access.Decision{}, uuid.Nil, f.err
	}
	return f.decision, f.projectID, nil
}

func (f *fakeResolver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeViews struct {
	mu      sync.Mutex
	rows    map[string]access.Decision
	upserts int
}

func newFakeViews() *fakeViews {
	return &fakeViews{rows: make(map[string]access.Decision)}
}

func viewRowKey(userID uuid.UUID, resourceType access.ResourceType, resourceID uuid.UUID) string {
	return fmt.Sprintf("%s|%s|%s", userID, resourceType, resourceID)
}

func (f *fakeViews) LookupRead(ctx context.Context, userID uuid.UUID, resourceType access.ResourceType, resourceID uuid.UUID) (access.Decision, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.rows[viewRowKey(userID, resourceType, resourceID)]
	return d, ok, nil
}

func (f *fakeViews) UpsertDecision(ctx context.Context, userID uuid.UUID, resourceType access.ResourceType, resourceID, projectID uuid.UUID, decision access.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[viewRowKey(userID, resourceType, resourceID)] = decision
	f.upserts++
	return nil
}

func (f *fakeViews) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts
}

type fakeTeams struct {
	members []uuid.UUID
}

func (f *fakeTeams) ListTeamMemberIDs(ctx context.Context, teamID uuid.UUID) ([]uuid.UUID, error) {
	return f.members, nil
}

func newTestOrchestrator(t *testing.T, resolver Resolver, views AccessViews, teams TeamLister) (*Orchestrator, *L1Cache, *RedisCache, *miniredis.Miniredis) {
	t.Helper()
	l2, mr := newTestRedis(t)
	l1 := NewL1Cache(100, time.Minute)
	orch := NewOrchestrator(context.Background(), l1, l2, views, resolver, teams, nil, nil, OrchestratorConfig{})
	t.Cleanup(func() { orch.Close() })
	return orch, l1, l2, mr
}

func TestResolveMissThenL1Hit(t *testing.T) {
	resolver := &fakeResolver{decision: grantedDecision(time.Minute)}
	projectID := uuid.New()
	resolver.projectID = projectID
	orch, _, _, _ := newTestOrchestrator(t, resolver, nil, nil)
	subjectID := uuid.New()
	ctx := context.Background()

	d, tier, err := orch.GetOrResolve(ctx, subjectID, access.ResourceProject, projectID, access.PermissionRead)
	require.NoError(t, err)
	assert.True(t, d.Granted)
	assert.Equal(t, monitor.TierSource, tier)
	assert.Equal(t, 1, resolver.count())

	d2, tier, err := orch.GetOrResolve(ctx, subjectID, access.ResourceProject, projectID, access.PermissionRead)
	require.NoError(t, err)
	assert.Equal(t, monitor.TierL1, tier)
	assert.Equal(t, 1, resolver.count())

	// Same decision regardless of which tier answered.
	assert.Equal(t, d.Granted, d2.Granted)
	assert.Equal(t, d.Method, d2.Method)
}

func TestL2PromotesBackToL1(t *testing.T) {
	resolver := &fakeResolver{decision: grantedDecision(time.Minute)}
	projectID := uuid.New()
	resolver.projectID = projectID
	orch, l1, _, _ := newTestOrchestrator(t, resolver, nil, nil)
	subjectID := uuid.New()
	ctx := context.Background()

	_, _, err := orch.GetOrResolve(ctx, subjectID, access.ResourceProject, projectID, access.PermissionRead)
	require.NoError(t, err)

	l1.Purge()
	_, tier, err := orch.GetOrResolve(ctx, subjectID, access.ResourceProject, projectID, access.PermissionRead)
	require.NoError(t, err)
	assert.Equal(t, monitor.TierL2, tier)
	assert.Equal(t, 1, resolver.count())

	_, tier, err = orch.GetOrResolve(ctx, subjectID, access.ResourceProject, projectID, access.PermissionRead)
	require.NoError(t, err)
	assert.Equal(t, monitor.TierL1, tier)
}

func TestL3ServesPrecomputedReads(t *testing.T) {
	resolver := &fakeResolver{decision: grantedDecision(time.Minute)}
	views := newFakeViews()
	projectID := uuid.New()
	subjectID := uuid.New()
	views.rows[viewRowKey(subjectID, access.ResourceProject, projectID)] = grantedDecision(time.Minute)
	orch, _, _, _ := newTestOrchestrator(t, resolver, views, nil)

	d, tier, err := orch.GetOrResolve(context.Background(), subjectID, access.ResourceProject, projectID, access.PermissionRead)
	require.NoError(t, err)
	assert.True(t, d.Granted)
	assert.Equal(t, monitor.TierL3, tier)
	assert.Zero(t, resolver.count())

	// The hit was written back into L1.
	_, tier, err = orch.GetOrResolve(context.Background(), subjectID, access.ResourceProject, projectID, access.PermissionRead)
	require.NoError(t, err)
	assert.Equal(t, monitor.TierL1, tier)
}

func TestL3SkippedForWrites(t *testing.T) {
	resolver := &fakeResolver{decision: grantedDecision(time.Minute)}
	views := newFakeViews()
	projectID := uuid.New()
	resolver.projectID = projectID
	subjectID := uuid.New()
	views.rows[viewRowKey(subjectID, access.ResourceProject, projectID)] = grantedDecision(time.Minute)
	orch, _, _, _ := newTestOrchestrator(t, resolver, views, nil)

	_, tier, err := orch.GetOrResolve(context.Background(), subjectID, access.ResourceProject, projectID, access.PermissionWrite)
	require.NoError(t, err)
	assert.Equal(t, monitor.TierSource, tier)
	assert.Equal(t, 1, resolver.count())
}

func TestBypassMarkerSkipsL3(t *testing.T) {
	resolver := &fakeResolver{decision: grantedDecision(time.Minute)}
	views := newFakeViews()
	projectID := uuid.New()
	resolver.projectID = projectID
	subjectID := uuid.New()
	views.rows[viewRowKey(subjectID, access.ResourceProject, projectID)] = grantedDecision(time.Minute)
	orch, _, l2, _ := newTestOrchestrator(t, resolver, views, nil)

	require.NoError(t, l2.SetBypassMarker(context.Background(), projectScope(projectID), time.Minute))

	_, tier, err := orch.GetOrResolve(context.Background(), subjectID, access.ResourceProject, projectID, access.PermissionRead)
	require.NoError(t, err)
	assert.Equal(t, monitor.TierSource, tier)
	assert.Equal(t, 1, resolver.count())
}

func TestFreshReadsFlowBackIntoView(t *testing.T) {
	resolver := &fakeResolver{decision: grantedDecision(time.Minute)}
	views := newFakeViews()
	projectID := uuid.New()
	resolver.projectID = projectID
	orch, _, _, _ := newTestOrchestrator(t, resolver, views, nil)

	_, _, err := orch.GetOrResolve(context.Background(), uuid.New(), access.ResourceProject, projectID, access.PermissionRead)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return views.upsertCount() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestInvalidateUserForcesReresolution(t *testing.T) {
	resolver := &fakeResolver{decision: grantedDecision(time.Minute)}
	projectID := uuid.New()
	resolver.projectID = projectID
	orch, _, l2, _ := newTestOrchestrator(t, resolver, nil, nil)
	subjectID := uuid.New()
	ctx := context.Background()

	_, _, err := orch.GetOrResolve(ctx, subjectID, access.ResourceProject, projectID, access.PermissionRead)
	require.NoError(t, err)

	require.NoError(t, orch.InvalidateUser(ctx, subjectID))

	_, tier, err := orch.GetOrResolve(ctx, subjectID, access.ResourceProject, projectID, access.PermissionRead)
	require.NoError(t, err)
	assert.Equal(t, monitor.TierSource, tier)
	assert.Equal(t, 2, resolver.count())

	// The marker keeps view reads off until the next refresh.
	bypassed, err := l2.HasBypassMarker(ctx, userScope(subjectID))
	require.NoError(t, err)
	assert.True(t, bypassed)
}

func TestProjectInvalidationCoversGenerations(t *testing.T) {
	projectID := uuid.New()
	genID := uuid.New()
	resolver := &fakeResolver{decision: grantedDecision(time.Minute), projectID: projectID}
	orch, _, _, _ := newTestOrchestrator(t, resolver, nil, nil)
	subjectID := uuid.New()
	ctx := context.Background()

	_, _, err := orch.GetOrResolve(ctx, subjectID, access.ResourceGeneration, genID, access.PermissionRead)
	require.NoError(t, err)

	// The generation's project is now known, so the next check is cached.
	_, tier, err := orch.GetOrResolve(ctx, subjectID, access.ResourceGeneration, genID, access.PermissionRead)
	require.NoError(t, err)
	assert.Equal(t, monitor.TierL1, tier)

	require.NoError(t, orch.InvalidateResource(ctx, access.ResourceProject, projectID))

	_, tier, err = orch.GetOrResolve(ctx, subjectID, access.ResourceGeneration, genID, access.PermissionRead)
	require.NoError(t, err)
	assert.Equal(t, monitor.TierSource, tier)
}

func TestInvalidateTeamFansOutPerMember(t *testing.T) {
	memberA := uuid.New()
	memberB := uuid.New()
	projectID := uuid.New()
	resolver := &fakeResolver{decision: grantedDecision(time.Minute), projectID: projectID}
	teams := &fakeTeams{members: []uuid.UUID{memberA, memberB}}
	orch, l1, _, _ := newTestOrchestrator(t, resolver, nil, teams)
	ctx := context.Background()

	for _, member := range teams.members {
		orch.Seed(member, access.ResourceProject, projectID, projectID, access.PermissionRead, grantedDecision(time.Minute))
	}
	assert.Equal(t, 2, l1.Len())

	require.NoError(t, orch.InvalidateTeam(ctx, uuid.New()))
	require.NoError(t, orch.Close())

	assert.Zero(t, l1.Len())
}

func TestInvalidationPurgesPeerL1(t *testing.T) {
	projectID := uuid.New()
	subjectID := uuid.New()
	resolver := &fakeResolver{decision: grantedDecision(time.Minute), projectID: projectID}

	// Two nodes over the same Redis, each with its own local tier.
	l2a, mr := newTestRedis(t)
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { clientB.Close() })
	l2b := NewRedisCacheFromClient(clientB)

	nodeA := NewOrchestrator(context.Background(), NewL1Cache(100, time.Minute), l2a, nil, resolver, nil, nil, nil, OrchestratorConfig{})
	t.Cleanup(func() { nodeA.Close() })
	l1b := NewL1Cache(100, time.Minute)
	nodeB := NewOrchestrator(context.Background(), l1b, l2b, nil, resolver, nil, nil, nil, OrchestratorConfig{})
	t.Cleanup(func() { nodeB.Close() })

	nodeB.Seed(subjectID, access.ResourceProject, projectID, projectID, access.PermissionRead, grantedDecision(time.Minute))
	require.Equal(t, 1, l1b.Len())

	require.NoError(t, nodeA.InvalidateUser(context.Background(), subjectID))

	// Node B drops the entry without waiting out its local TTL.
	assert.Eventually(t, func() bool { return l1b.Len() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestResolutionSurvivesCallerCancel(t *testing.T) {
	resolver := &fakeResolver{decision: grantedDecision(time.Minute)}
	projectID := uuid.New()
	resolver.projectID = projectID
	orch, _, _, _ := newTestOrchestrator(t, resolver, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The collapsed resolution serves every waiter, so it must not
	// inherit one caller's cancellation.
	d, tier, err := orch.GetOrResolve(ctx, uuid.New(), access.ResourceProject, projectID, access.PermissionRead)
	require.NoError(t, err)
	assert.True(t, d.Granted)
	assert.Equal(t, monitor.TierSource, tier)
}

func TestInvalidationFailureQueuesForSweep(t *testing.T) {
	resolver := &fakeResolver{decision: grantedDecision(time.Minute)}
	orch, _, _, mr := newTestOrchestrator(t, resolver, nil, nil)
	mr.Close()

	err := orch.InvalidateUser(context.Background(), uuid.New())
	assert.ErrorIs(t, err, access.ErrInvalidationFailed)
	assert.Equal(t, 1, orch.Sweeper().Pending())
}

func TestResolutionFailureSurfaces(t *testing.T) {
	resolver := &fakeResolver{err: access.ErrResolutionUnavailable}
	orch, _, _, _ := newTestOrchestrator(t, resolver, nil, nil)

	_, tier, err := orch.GetOrResolve(context.Background(), uuid.New(), access.ResourceProject, uuid.New(), access.PermissionRead)
	assert.ErrorIs(t, err, access.ErrResolutionUnavailable)
	assert.Equal(t, monitor.TierNone, tier)
}

func TestRedisOutageDegradesToResolution(t *testing.T) {
	resolver := &fakeResolver{decision: grantedDecision(time.Minute)}
	projectID := uuid.New()
	resolver.projectID = projectID
	orch, _, _, mr := newTestOrchestrator(t, resolver, nil, nil)
	mr.Close()

	d, tier, err := orch.GetOrResolve(context.Background(), uuid.New(), access.ResourceProject, projectID, access.PermissionRead)
	require.NoError(t, err)
	assert.True(t, d.Granted)
	assert.Equal(t, monitor.TierSource, tier)
}
