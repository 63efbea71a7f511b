package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pixelmint/gatekeeper/pkg/observability"
)

// Store is the read-only view of the source of truth the engine needs.
// Implemented by pkg/store against PostgreSQL.
type Store interface {
	GetSubject(ctx context.Context, id uuid.UUID) (*Subject, error)
	GetProject(ctx context.Context, id uuid.UUID) (*Project, error)
	GetGeneration(ctx context.Context, id uuid.UUID) (*Generation, error)

	// ListGrantedMemberships returns one row per (active membership,
	// project grant) pair linking userID to projectID.
	ListGrantedMemberships(ctx context.Context, projectID, userID uuid.UUID) ([]GrantedMembership, error)
}

// EngineConfig tunes the resolution engine. Zero values fall back to the
// defaults below.
type EngineConfig struct {
	// DecisionTTL is the passive expiry stamped on every decision.
	DecisionTTL time.Duration
	// StoreTimeout bounds each source-of-truth call.
	StoreTimeout time.Duration
	// RetryBackoff is the pause before the single retry of a failed
	// source-of-truth call.
	RetryBackoff time.Duration
	// MaxTeams caps the membership rows considered for one project, so
	// team aggregation stays a bounded single pass.
	MaxTeams int
}

const (
	defaultDecisionTTL  = 5 * time.Minute
	defaultStoreTimeout = 200 * time.Millisecond
	defaultRetryBackoff = 25 * time.Millisecond
	defaultMaxTeams     = 100
)

func (c EngineConfig) withDefaults() EngineConfig {
	if c.DecisionTTL <= 0 {
		c.DecisionTTL = defaultDecisionTTL
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = defaultStoreTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	if c.MaxTeams <= 0 {
		c.MaxTeams = defaultMaxTeams
	}
	return c
}

// Engine walks the resolution rules in fixed precedence order: direct
// ownership, inherited ownership, team access, visibility. First match
// wins; everything else is a denial.
type Engine struct {
	store  Store
	config EngineConfig
	logger *observability.Logger
}

// NewEngine creates a resolution engine over the given store.
func NewEngine(store Store, config EngineConfig, logger *observability.Logger) *Engine {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Engine{store: store, config: config.withDefaults(), logger: logger}
}

// Resolve computes a decision directly against the source of truth. The
// orchestrator calls this on a total cache miss.
func (e *Engine) Resolve(ctx context.Context, subjectID uuid.UUID, resourceType ResourceType, resourceID uuid.UUID, perm Permission) (Decision, error) {
	decision, _, err := e.ResolveWithProject(ctx, subjectID, resourceType, resourceID, perm)
	return decision, err
}

// ResolveWithProject is Resolve plus the owning project id, which the
// cache layer embeds in its keys. The project id is uuid.Nil when the
// resource does not exist.
func (e *Engine) ResolveWithProject(ctx context.Context, subjectID uuid.UUID, resourceType ResourceType, resourceID uuid.UUID, perm Permission) (Decision, uuid.UUID, error) {
	switch resourceType {
	case ResourceProject, ResourceGeneration:
	default:
		return Decision{}, uuid.Nil, fmt.Errorf("%w: unknown resource type %q", ErrValidation, resourceType)
	}
	if perm.rank() == 0 {
		return Decision{}, uuid.Nil, fmt.Errorf("%w: unknown permission %q", ErrValidation, perm)
	}

	expiry := time.Now().Add(e.config.DecisionTTL)

	subject, err := retryOnce(ctx, e.config, func(ctx context.Context) (*Subject, error) {
		return e.store.GetSubject(ctx, subjectID)
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Decision{}, uuid.Nil, err
	}

	res, err := e.loadResource(ctx, resourceType, resourceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Well-formed identifier for a resource that does not
			// exist: deny, same as deleted.
			return denied(expiry), uuid.Nil, nil
		}
		return Decision{}, uuid.Nil, err
	}
	if res.deleted {
		return denied(expiry), res.projectID, nil
	}

	// Suspended or unverified subjects only ever read public content.
	// Checked before ownership so a suspended owner cannot write.
	if subject.Restricted() {
		if perm == PermissionRead && res.visibility == VisibilityPublic && !res.ownerOnly {
			return granted(res.publicMethod(), RoleViewer, expiry), res.projectID, nil
		}
		return denied(expiry), res.projectID, nil
	}

	// 1. Direct ownership.
	if res.ownerID == subject.ID {
		return granted(MethodDirectOwner, RoleOwner, expiry), res.projectID, nil
	}

	// An owner-only generation is reachable by nobody but its owner,
	// regardless of project ownership, grants, or visibility.
	if res.ownerOnly {
		return denied(expiry), res.projectID, nil
	}

	// 2. Inherited ownership: the owning project's owner.
	if resourceType == ResourceGeneration && res.projectOwnerID == subject.ID {
		return granted(MethodProjectOwner, RoleOwner, expiry), res.projectID, nil
	}

	// 3. Team access: bounded single pass over joined membership/grant
	// rows, best effective role wins.
	memberships, err := retryOnce(ctx, e.config, func(ctx context.Context) ([]GrantedMembership, error) {
		return e.store.ListGrantedMemberships(ctx, res.projectID, subject.ID)
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Decision{}, uuid.Nil, err
	}
	if len(memberships) > e.config.MaxTeams {
		memberships = memberships[:e.config.MaxTeams]
	}
	best := RoleNone
	for _, m := range memberships {
		if eff := EffectiveRole(m.TeamRole, m.AccessLevel); eff.rank() > best.rank() {
			best = eff
		}
	}
	if best.Satisfies(perm) {
		return granted(MethodTeamRole, best, expiry), res.projectID, nil
	}

	// 4. Visibility: public projects grant read only. Team visibility is
	// already covered by step 3 and never grants to non-members.
	switch res.visibility {
	case VisibilityPublic:
		if perm == PermissionRead {
			return granted(res.publicMethod(), RoleViewer, expiry), res.projectID, nil
		}
	case VisibilityTeam, VisibilityPrivate:
	default:
		e.logger.WithField("visibility", string(res.visibility)).
			Warn("project has unknown visibility, treating as private")
	}

	return denied(expiry), res.projectID, nil
}

// VerifyDecision re-resolves the inputs of a cached decision and reports
// whether the cache still matches the source of truth. A mismatch is the
// InconsistentGrant self-check firing: the caller must invalidate and
// re-resolve.
func (e *Engine) VerifyDecision(ctx context.Context, subjectID uuid.UUID, resourceType ResourceType, resourceID uuid.UUID, perm Permission, cached Decision) (bool, error) {
	fresh, err := e.Resolve(ctx, subjectID, resourceType, resourceID, perm)
	if err != nil {
		return false, err
	}
	if fresh.Granted != cached.Granted || fresh.Method != cached.Method || fresh.EffectiveRole != cached.EffectiveRole {
		e.logger.WithFields(map[string]interface{}{
			"subject_id":    subjectID.String(),
			"resource_type": string(resourceType),
			"resource_id":   resourceID.String(),
			"permission":    string(perm),
			"cached_method": string(cached.Method),
			"fresh_method":  string(fresh.Method),
		}).Warn(ErrInconsistentGrant.Error())
		return false, nil
	}
	return true, nil
}

// resolved carries the flattened resource attributes the rule walk needs.
type resolved struct {
	ownerID        uuid.UUID
	projectID      uuid.UUID
	projectOwnerID uuid.UUID
	visibility     Visibility
	ownerOnly      bool
	deleted        bool
	isGeneration   bool
}

// publicMethod distinguishes reading a public project (public) from
// reading a generation reachable through its public project (shared).
func (r resolved) publicMethod() Method {
	if r.isGeneration {
		return MethodShared
	}
	return MethodPublic
}

func (e *Engine) loadResource(ctx context.Context, resourceType ResourceType, resourceID uuid.UUID) (resolved, error) {
	switch resourceType {
	case ResourceProject:
		project, err := retryOnce(ctx, e.config, func(ctx context.Context) (*Project, error) {
			return e.store.GetProject(ctx, resourceID)
		})
		if err != nil {
			return resolved{}, err
		}
		return resolved{
			ownerID:        project.OwnerID,
			projectID:      project.ID,
			projectOwnerID: project.OwnerID,
			visibility:     project.Visibility,
			deleted:        project.Deleted(),
		}, nil

	case ResourceGeneration:
		gen, err := retryOnce(ctx, e.config, func(ctx context.Context) (*Generation, error) {
			return e.store.GetGeneration(ctx, resourceID)
		})
		if err != nil {
			return resolved{}, err
		}
		project, err := retryOnce(ctx, e.config, func(ctx context.Context) (*Project, error) {
			return e.store.GetProject(ctx, gen.ProjectID)
		})
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Orphaned generation: no project to derive
				// visibility from, deny.
				return resolved{deleted: true, isGeneration: true}, nil
			}
			return resolved{}, err
		}
		return resolved{
			ownerID:        gen.OwnerID,
			projectID:      project.ID,
			projectOwnerID: project.OwnerID,
			visibility:     project.Visibility,
			ownerOnly:      gen.OwnerOnly,
			deleted:        gen.Deleted() || project.Deleted(),
			isGeneration:   true,
		}, nil
	}
	return resolved{}, fmt.Errorf("%w: unknown resource type %q", ErrValidation, resourceType)
}

// retryOnce runs one source-of-truth call with the configured timeout,
// retries a single time after a short backoff, and maps the exhausted
// failure to ErrResolutionUnavailable. Not-found results pass through
// untouched and are never retried.
func retryOnce[T any](ctx context.Context, cfg EngineConfig, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	attempt := func() (T, error) {
		callCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
		defer cancel()
		return fn(callCtx)
	}

	out, err := attempt()
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) {
		return out, err
	}

	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("%w: %v", ErrResolutionUnavailable, ctx.Err())
	case <-time.After(cfg.RetryBackoff):
	}

	out, err = attempt()
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) {
		return out, err
	}
	return zero, fmt.Errorf("%w: %v", ErrResolutionUnavailable, err)
}
