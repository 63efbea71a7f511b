package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pixelmint/gatekeeper/pkg/access"
	"github.com/pixelmint/gatekeeper/pkg/observability"
)

// tokenPrefix marks platform-issued opaque API tokens.
const tokenPrefix = "pmk_"

// SubjectSource loads subjects from the source of truth. Implemented by
// pkg/store.
type SubjectSource interface {
	GetSubject(ctx context.Context, id uuid.UUID) (*access.Subject, error)
	GetSubjectByTokenHash(ctx context.Context, tokenHash string) (*access.Subject, error)
}

// SessionCache holds short-lived token-to-subject mappings. Implemented
// by the L2 cache; nil disables session caching.
type SessionCache interface {
	GetBytes(ctx context.Context, key string) ([]byte, bool, error)
	SetBytes(ctx context.Context, key string, data []byte, ttl time.Duration) error
}

// Config tunes the resolver.
type Config struct {
	// SessionTTL bounds how long a resolved token stays cached. Kept
	// short so token revocation propagates quickly.
	SessionTTL time.Duration
}

const defaultSessionTTL = time.Minute

// Resolver turns a bearer token into the subject behind it. Opaque
// pmk_ tokens hash to a store lookup through the session cache;
// JWT-shaped tokens go through the OIDC verifier when one is configured.
// Tokens are rejected here, before any authorization work runs.
type Resolver struct {
	source   SubjectSource
	sessions SessionCache
	oidc     *OIDCVerifier
	logger   *observability.Logger
	config   Config
}

// NewResolver creates a resolver. sessions and oidc may be nil.
func NewResolver(source SubjectSource, sessions SessionCache, oidc *OIDCVerifier, logger *observability.Logger, config Config) *Resolver {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if config.SessionTTL <= 0 {
		config.SessionTTL = defaultSessionTTL
	}
	return &Resolver{source: source, sessions: sessions, oidc: oidc, logger: logger, config: config}
}

// Resolve maps a bearer token to its subject. Unknown, expired, or
// malformed tokens fail with ErrValidation or ErrNotFound; the caller
// maps both to an authentication failure.
func (r *Resolver) Resolve(ctx context.Context, token string) (*access.Subject, error) {
	switch {
	case token == "":
		return nil, fmt.Errorf("%w: empty token", access.ErrValidation)
	case strings.HasPrefix(token, tokenPrefix):
		return r.resolveOpaque(ctx, token)
	case strings.Count(token, ".") == 2 && r.oidc != nil:
		return r.resolveOIDC(ctx, token)
	default:
		return nil, fmt.Errorf("%w: unsupported token format", access.ErrValidation)
	}
}

func (r *Resolver) resolveOpaque(ctx context.Context, token string) (*access.Subject, error) {
	sum := sha256.Sum256([]byte(token))
	hash := hex.EncodeToString(sum[:])
	sessionKey := "authz:session:" + hash

	if r.sessions != nil {
		data, ok, err := r.sessions.GetBytes(ctx, sessionKey)
		if err != nil {
			r.logger.WithError(err).Debug("session cache read failed")
		} else if ok {
			var subject access.Subject
			if err := json.Unmarshal(data, &subject); err == nil {
				return &subject, nil
			}
		}
	}

	subject, err := r.source.GetSubjectByTokenHash(ctx, hash)
	if err != nil {
		return nil, err
	}

	if r.sessions != nil {
		if data, err := json.Marshal(subject); err == nil {
			if err := r.sessions.SetBytes(ctx, sessionKey, data, r.config.SessionTTL); err != nil {
				r.logger.WithError(err).Debug("session cache write failed")
			}
		}
	}
	return subject, nil
}

func (r *Resolver) resolveOIDC(ctx context.Context, token string) (*access.Subject, error) {
	subjectID, err := r.oidc.SubjectID(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", access.ErrValidation, err)
	}
	return r.source.GetSubject(ctx, subjectID)
}
