package cache

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/pixelmint/gatekeeper/pkg/access"
	"github.com/pixelmint/gatekeeper/pkg/async"
	"github.com/pixelmint/gatekeeper/pkg/monitor"
	"github.com/pixelmint/gatekeeper/pkg/observability"
)

// Resolver computes a fresh decision against the source of truth.
// Implemented by access.Engine.
type Resolver interface {
	ResolveWithProject(ctx context.Context, subjectID uuid.UUID, resourceType access.ResourceType, resourceID uuid.UUID, perm access.Permission) (access.Decision, uuid.UUID, error)
}

// AccessViews is the L3 tier: precomputed read decisions in Postgres.
// Implemented by pkg/views.
type AccessViews interface {
	LookupRead(ctx context.Context, userID uuid.UUID, resourceType access.ResourceType, resourceID uuid.UUID) (access.Decision, bool, error)
	UpsertDecision(ctx context.Context, userID uuid.UUID, resourceType access.ResourceType, resourceID, projectID uuid.UUID, decision access.Decision) error
}

// TeamLister enumerates a team's members for invalidation fan-out.
// Implemented by pkg/store.
type TeamLister interface {
	ListTeamMemberIDs(ctx context.Context, teamID uuid.UUID) ([]uuid.UUID, error)
}

// Recorder receives one sample per orchestrated operation. Implemented
// by pkg/monitor; nil disables recording.
type Recorder interface {
	Record(op string, elapsed time.Duration, tier monitor.Tier, outcome monitor.Outcome, errKind string)
}

// OrchestratorConfig tunes tier budgets and TTLs. Zero values fall back
// to the defaults below.
type OrchestratorConfig struct {
	L1Size int
	L1TTL  time.Duration

	// L2Timeout bounds one Redis decision lookup; past it the tier
	// counts as a miss.
	L2Timeout time.Duration
	L2TTL     time.Duration

	// L3Timeout bounds one view lookup including the bypass check.
	L3Timeout time.Duration

	// BypassTTL is how long invalidation keeps reads off the view;
	// it should cover at least one refresh interval.
	BypassTTL time.Duration

	// PointerTTL bounds the generation-to-project pointer entries.
	// Generations never move between projects, so this is generous.
	PointerTTL time.Duration

	// InvalidateTimeout bounds one synchronous invalidation pass.
	InvalidateTimeout time.Duration

	// ResolveTimeout bounds one collapsed source resolution. Resolution
	// runs detached from the caller so one canceled request cannot fail
	// the waiters collapsed behind it.
	ResolveTimeout time.Duration

	// SelfCheckRate is the fraction of cache hits re-resolved in the
	// background to catch inconsistent grants. Zero disables it.
	SelfCheckRate float64

	// Workers sizes the pool shared by invalidation fan-out and
	// warm-up.
	Workers int
}

const (
	defaultL2Timeout         = 20 * time.Millisecond
	defaultL2TTL             = 5 * time.Minute
	defaultL3Timeout         = 100 * time.Millisecond
	defaultBypassTTL         = 15 * time.Minute
	defaultPointerTTL        = time.Hour
	defaultInvalidateTimeout = 2 * time.Second
	defaultResolveTimeout    = 3 * time.Second
	defaultWorkers           = 8
)

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.L2Timeout <= 0 {
		c.L2Timeout = defaultL2Timeout
	}
	if c.L2TTL <= 0 {
		c.L2TTL = defaultL2TTL
	}
	if c.L3Timeout <= 0 {
		c.L3Timeout = defaultL3Timeout
	}
	if c.BypassTTL <= 0 {
		c.BypassTTL = defaultBypassTTL
	}
	if c.PointerTTL <= 0 {
		c.PointerTTL = defaultPointerTTL
	}
	if c.InvalidateTimeout <= 0 {
		c.InvalidateTimeout = defaultInvalidateTimeout
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = defaultResolveTimeout
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	return c
}

// Orchestrator is the read-through front over the three cache tiers and
// the resolution engine. It owns key construction, tier budgets, miss
// collapse, write-back, and invalidation fan-out. A failed or timed-out
// tier is a miss, never an error; only validation failures and an
// unreachable source of truth surface to the caller.
type Orchestrator struct {
	l1       *L1Cache
	l2       *RedisCache
	views    AccessViews
	resolver Resolver
	teams    TeamLister
	recorder Recorder
	logger   *observability.Logger
	config   OrchestratorConfig

	pointers *expirable.LRU[string, uuid.UUID]
	group    singleflight.Group
	sweeper  *Sweeper
	pool     *async.WorkerPool
	sub      *redis.PubSub
}

// NewOrchestrator wires the tiers together. views, teams, and recorder
// may be nil; the corresponding behavior is skipped.
func NewOrchestrator(ctx context.Context, l1 *L1Cache, l2 *RedisCache, views AccessViews, resolver Resolver, teams TeamLister, recorder Recorder, logger *observability.Logger, config OrchestratorConfig) *Orchestrator {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	config = config.withDefaults()

	o := &Orchestrator{
		l1:       l1,
		l2:       l2,
		views:    views,
		resolver: resolver,
		teams:    teams,
		recorder: recorder,
		logger:   logger,
		config:   config,
		pointers: expirable.NewLRU[string, uuid.UUID](pointerCacheSize(config.L1Size), nil, config.PointerTTL),
		pool:     async.NewWorkerPool(ctx, config.Workers, "cache-fanout", config.InvalidateTimeout, logger),
	}
	o.sweeper = NewSweeper(l1, l2, logger, SweeperConfig{BypassTTL: config.BypassTTL})

	if l2 != nil {
		// Subscribe before returning so no broadcast published after
		// construction is missed.
		o.sub = l2.SubscribeInvalidations(ctx)
		go o.consumePeerInvalidations(ctx)
	}
	return o
}

// consumePeerInvalidations purges the local L1 for every pattern another
// node broadcasts. Without it a peer's L1 would keep serving a revoked
// grant for up to its TTL after the invalidation was acknowledged.
func (o *Orchestrator) consumePeerInvalidations(ctx context.Context) {
	ch := o.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if n := o.l1.PurgePattern(msg.Payload); n > 0 {
				o.logger.WithFields(map[string]interface{}{
					"pattern": msg.Payload,
					"purged":  n,
				}).Debug("peer invalidation applied")
			}
		}
	}
}

// Sweeper returns the background retry queue for failed invalidations,
// so the daemon can run it.
func (o *Orchestrator) Sweeper() *Sweeper { return o.sweeper }

// Close stops the peer-invalidation listener and drains the fan-out
// pool.
func (o *Orchestrator) Close() error {
	if o.sub != nil {
		o.sub.Close()
	}
	return o.pool.Shutdown(5 * time.Second)
}

type resolvedEntry struct {
	decision  access.Decision
	projectID uuid.UUID
}

// GetOrResolve walks L1, L2, L3, then the resolution engine, populating
// the tiers above whichever one answered. Concurrent misses for the same
// inputs collapse into one resolution.
func (o *Orchestrator) GetOrResolve(ctx context.Context, subjectID uuid.UUID, resourceType access.ResourceType, resourceID uuid.UUID, perm access.Permission) (access.Decision, monitor.Tier, error) {
	start := time.Now()

	projectID, havePointer := o.projectOf(ctx, resourceType, resourceID)
	if havePointer {
		key := Key{SubjectID: subjectID, ProjectID: projectID, ResourceType: resourceType, ResourceID: resourceID, Permission: perm}.String()

		if decision, ok := o.l1.Get(key); ok {
			o.record("authorize", start, monitor.TierL1, decision, nil)
			o.maybeSelfCheck(subjectID, resourceType, resourceID, perm, decision)
			return decision, monitor.TierL1, nil
		}

		if decision, ok := o.lookupL2(ctx, key); ok {
			o.l1.Set(key, decision)
			o.record("authorize", start, monitor.TierL2, decision, nil)
			o.maybeSelfCheck(subjectID, resourceType, resourceID, perm, decision)
			return decision, monitor.TierL2, nil
		}

		if decision, ok := o.lookupL3(ctx, subjectID, resourceType, resourceID, projectID, perm); ok {
			o.l1.Set(key, decision)
			o.writeBackL2(key, decision)
			o.record("authorize", start, monitor.TierL3, decision, nil)
			o.maybeSelfCheck(subjectID, resourceType, resourceID, perm, decision)
			return decision, monitor.TierL3, nil
		}
	}

	sfKey := fmt.Sprintf("%s:%s:%s:%s", subjectID, resourceType, resourceID, perm)
	v, err, _ := o.group.Do(sfKey, func() (interface{}, error) {
		// Detached from the caller: the collapsed result serves every
		// waiter, so the first caller's cancellation must not fail it.
		rctx, cancel := context.WithTimeout(context.Background(), o.config.ResolveTimeout)
		defer cancel()

		decision, pid, err := o.resolver.ResolveWithProject(rctx, subjectID, resourceType, resourceID, perm)
		if err != nil {
			return nil, err
		}
		o.populate(rctx, subjectID, resourceType, resourceID, pid, perm, decision)
		return resolvedEntry{decision: decision, projectID: pid}, nil
	})
	if err != nil {
		o.record("authorize", start, monitor.TierSource, access.Decision{}, err)
		return access.Decision{}, monitor.TierNone, err
	}

	entry := v.(resolvedEntry)
	o.record("authorize", start, monitor.TierSource, entry.decision, nil)
	return entry.decision, monitor.TierSource, nil
}

func (o *Orchestrator) lookupL2(ctx context.Context, key string) (access.Decision, bool) {
	if o.l2 == nil {
		return access.Decision{}, false
	}
	l2ctx, cancel := context.WithTimeout(ctx, o.config.L2Timeout)
	defer cancel()

	decision, ok, err := o.l2.GetDecision(l2ctx, key)
	if err != nil {
		o.logger.WithError(err).Debug("l2 lookup degraded to miss")
		return access.Decision{}, false
	}
	return decision, ok
}

func (o *Orchestrator) lookupL3(ctx context.Context, subjectID uuid.UUID, resourceType access.ResourceType, resourceID, projectID uuid.UUID, perm access.Permission) (access.Decision, bool) {
	// The view precomputes read decisions only.
	if o.views == nil || perm != access.PermissionRead {
		return access.Decision{}, false
	}
	l3ctx, cancel := context.WithTimeout(ctx, o.config.L3Timeout)
	defer cancel()

	if o.l2 != nil {
		bypassed, err := o.l2.HasBypassMarker(l3ctx,
			userScope(subjectID),
			projectScope(projectID),
			resourceScope(resourceType, resourceID),
		)
		if err != nil {
			o.logger.WithError(err).Debug("bypass check degraded, skipping view")
			return access.Decision{}, false
		}
		if bypassed {
			return access.Decision{}, false
		}
	}

	decision, ok, err := o.views.LookupRead(l3ctx, subjectID, resourceType, resourceID)
	if err != nil {
		o.logger.WithError(err).Debug("l3 lookup degraded to miss")
		return access.Decision{}, false
	}
	if ok && decision.Expired(time.Now()) {
		return access.Decision{}, false
	}
	return decision, ok
}

// populate writes a fresh decision back into L1 and L2 and upserts the
// L3 row in the background. Write-back failures are logged, never
// surfaced.
func (o *Orchestrator) populate(ctx context.Context, subjectID uuid.UUID, resourceType access.ResourceType, resourceID, projectID uuid.UUID, perm access.Permission, decision access.Decision) {
	o.rememberProject(resourceType, resourceID, projectID)

	key := Key{SubjectID: subjectID, ProjectID: projectID, ResourceType: resourceType, ResourceID: resourceID, Permission: perm}.String()
	o.l1.Set(key, decision)
	o.writeBackL2(key, decision)

	if o.views != nil && perm == access.PermissionRead {
		views := o.views
		async.SafeGo(context.Background(), time.Second, "l3-upsert", o.logger, func(ctx context.Context) error {
			return views.UpsertDecision(ctx, subjectID, resourceType, resourceID, projectID, decision)
		})
	}
}

func (o *Orchestrator) writeBackL2(key string, decision access.Decision) {
	if o.l2 == nil {
		return
	}
	ttl := o.config.L2TTL
	if until := time.Until(decision.ExpiresAt); until > 0 && until < ttl {
		ttl = until
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.config.L2Timeout)
	defer cancel()
	if err := o.l2.SetDecision(ctx, key, decision, ttl); err != nil {
		o.logger.WithError(err).Debug("l2 write-back failed")
	}
}

// Seed plants a known decision into L1 and L2 without resolving, used by
// the warmer to promote view rows into the hot tiers.
func (o *Orchestrator) Seed(subjectID uuid.UUID, resourceType access.ResourceType, resourceID, projectID uuid.UUID, perm access.Permission, decision access.Decision) {
	if decision.Expired(time.Now()) {
		return
	}
	o.rememberProject(resourceType, resourceID, projectID)
	key := Key{SubjectID: subjectID, ProjectID: projectID, ResourceType: resourceType, ResourceID: resourceID, Permission: perm}.String()
	o.l1.Set(key, decision)
	o.writeBackL2(key, decision)
}

// projectOf maps a resource to its owning project for key construction.
// Projects are their own project; generations go through the pointer
// cache. An unknown pointer skips the cache tiers and resolves fresh,
// which repopulates the pointer.
func (o *Orchestrator) projectOf(ctx context.Context, resourceType access.ResourceType, resourceID uuid.UUID) (uuid.UUID, bool) {
	if resourceType == access.ResourceProject {
		return resourceID, true
	}

	ptrKey := projectPointerKey(resourceID)
	if pid, ok := o.pointers.Get(ptrKey); ok {
		return pid, true
	}
	if o.l2 == nil {
		return uuid.Nil, false
	}

	l2ctx, cancel := context.WithTimeout(ctx, o.config.L2Timeout)
	defer cancel()
	data, ok, err := o.l2.GetBytes(l2ctx, ptrKey)
	if err != nil || !ok {
		return uuid.Nil, false
	}
	pid, err := uuid.ParseBytes(data)
	if err != nil {
		return uuid.Nil, false
	}
	o.pointers.Add(ptrKey, pid)
	return pid, true
}

func (o *Orchestrator) rememberProject(resourceType access.ResourceType, resourceID, projectID uuid.UUID) {
	if resourceType != access.ResourceGeneration || projectID == uuid.Nil {
		return
	}
	ptrKey := projectPointerKey(resourceID)
	o.pointers.Add(ptrKey, projectID)
	if o.l2 != nil {
		ctx, cancel := context.WithTimeout(context.Background(), o.config.L2Timeout)
		defer cancel()
		if err := o.l2.SetBytes(ctx, ptrKey, []byte(projectID.String()), o.config.PointerTTL); err != nil {
			o.logger.WithError(err).Debug("project pointer write failed")
		}
	}
}

// maybeSelfCheck samples cache hits and re-resolves them in the
// background. A mismatch means a missed invalidation: the stale entry is
// purged and the integrity failure logged.
func (o *Orchestrator) maybeSelfCheck(subjectID uuid.UUID, resourceType access.ResourceType, resourceID uuid.UUID, perm access.Permission, cached access.Decision) {
	if o.config.SelfCheckRate <= 0 || rand.Float64() >= o.config.SelfCheckRate {
		return
	}
	async.SafeGo(context.Background(), 2*time.Second, "decision-self-check", o.logger, func(ctx context.Context) error {
		fresh, projectID, err := o.resolver.ResolveWithProject(ctx, subjectID, resourceType, resourceID, perm)
		if err != nil {
			return err
		}
		if fresh.Granted == cached.Granted && fresh.Method == cached.Method && fresh.EffectiveRole == cached.EffectiveRole {
			return nil
		}
		o.logger.WithFields(map[string]interface{}{
			"subject_id":    subjectID.String(),
			"resource_type": string(resourceType),
			"resource_id":   resourceID.String(),
			"cached_method": string(cached.Method),
			"fresh_method":  string(fresh.Method),
		}).Warn(access.ErrInconsistentGrant.Error())

		key := Key{SubjectID: subjectID, ProjectID: projectID, ResourceType: resourceType, ResourceID: resourceID, Permission: perm}.String()
		o.l1.PurgePattern(key)
		if o.l2 != nil {
			if err := o.l2.Delete(ctx, key); err != nil {
				return err
			}
		}
		o.populate(ctx, subjectID, resourceType, resourceID, projectID, perm, fresh)
		return nil
	})
}

// WarmTarget names one decision to precompute.
type WarmTarget struct {
	SubjectID    uuid.UUID
	ResourceType access.ResourceType
	ResourceID   uuid.UUID
	Permission   access.Permission
}

// WarmUp resolves the targets through the normal read path on the shared
// pool. Best effort: failures are logged by the pool, never returned,
// and serving traffic is never blocked. Returns how many targets were
// accepted.
func (o *Orchestrator) WarmUp(ctx context.Context, targets []WarmTarget) int {
	accepted := 0
	for _, t := range targets {
		t := t
		err := o.pool.Submit(func(ctx context.Context) error {
			_, _, err := o.GetOrResolve(ctx, t.SubjectID, t.ResourceType, t.ResourceID, t.Permission)
			if err != nil && !errors.Is(err, access.ErrValidation) {
				return err
			}
			return nil
		})
		if err != nil {
			break
		}
		accepted++
	}
	return accepted
}

func (o *Orchestrator) record(op string, start time.Time, tier monitor.Tier, decision access.Decision, err error) {
	if o.recorder == nil {
		return
	}
	outcome := monitor.OutcomeDenied
	errKind := ""
	switch {
	case err != nil:
		outcome = monitor.OutcomeError
		errKind = classifyErr(err)
	case decision.Granted:
		outcome = monitor.OutcomeGranted
	}
	o.recorder.Record(op, time.Since(start), tier, outcome, errKind)
}

func classifyErr(err error) string {
	switch {
	case errors.Is(err, access.ErrValidation):
		return "validation"
	case errors.Is(err, access.ErrNotFound):
		return "not_found"
	case errors.Is(err, access.ErrResolutionUnavailable):
		return "unavailable"
	case errors.Is(err, access.ErrCacheTierUnavailable):
		return "cache_unavailable"
	case errors.Is(err, access.ErrInvalidationFailed):
		return "invalidation"
	default:
		return "internal"
	}
}

func pointerCacheSize(l1Size int) int {
	if l1Size <= 0 {
		l1Size = defaultL1Size
	}
	return l1Size * 2
}

func userScope(id uuid.UUID) string { return "user:" + id.String() }

func projectScope(id uuid.UUID) string { return "project:" + id.String() }

func resourceScope(resourceType access.ResourceType, id uuid.UUID) string {
	return "res:" + string(resourceType) + ":" + id.String()
}
