package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/pixelmint/gatekeeper/pkg/access"
	"github.com/pixelmint/gatekeeper/pkg/observability"
)

// WarmCandidate is one precomputed view row the warmer promotes into the
// hot tiers.
type WarmCandidate struct {
	UserID       uuid.UUID
	ResourceType access.ResourceType
	ResourceID   uuid.UUID
	ProjectID    uuid.UUID
	Decision     access.Decision
}

// ViewWarmSource supplies recent-activity candidates from the
// materialized views. Implemented by pkg/views; nil disables the
// heuristic half of the warm cycle.
type ViewWarmSource interface {
	ListWarmCandidates(ctx context.Context, limit int) ([]WarmCandidate, error)
}

// warmEntry is one line of the operator-maintained priority list.
type warmEntry struct {
	SubjectID    string   `yaml:"subject_id"`
	ResourceType string   `yaml:"resource_type"`
	ResourceID   string   `yaml:"resource_id"`
	Permissions  []string `yaml:"permissions"`
}

type warmFile struct {
	Targets []warmEntry `yaml:"targets"`
}

// WarmerConfig tunes the warm cycle.
type WarmerConfig struct {
	// CandidateLimit caps how many view rows one cycle promotes.
	CandidateLimit int
}

const defaultCandidateLimit = 500

// Warmer precomputes frequently checked decisions so peak traffic lands
// on warm tiers. Priority targets come from a YAML file reloaded on
// change; the rest of each cycle promotes recently refreshed view rows
// picked by team activity.
type Warmer struct {
	path   string
	orch   *Orchestrator
	source ViewWarmSource
	logger *observability.Logger
	config WarmerConfig

	mu      sync.RWMutex
	targets []WarmTarget
}

// NewWarmer creates a warmer. path may be empty when no priority list is
// configured; source may be nil.
func NewWarmer(path string, orch *Orchestrator, source ViewWarmSource, logger *observability.Logger, config WarmerConfig) (*Warmer, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	if config.CandidateLimit <= 0 {
		config.CandidateLimit = defaultCandidateLimit
	}

	w := &Warmer{
		path:   path,
		orch:   orch,
		source: source,
		logger: logger,
		config: config,
	}
	if path != "" {
		if err := w.reload(); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Targets returns the current priority targets.
func (w *Warmer) Targets() []WarmTarget {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]WarmTarget, len(w.targets))
	copy(out, w.targets)
	return out
}

// WarmCycle runs one warm pass: priority targets resolve through the
// normal read path, then recent view rows are seeded directly into L1
// and L2. Best effort throughout.
func (w *Warmer) WarmCycle(ctx context.Context) {
	targets := w.Targets()
	accepted := w.orch.WarmUp(ctx, targets)

	seeded := 0
	if w.source != nil {
		candidates, err := w.source.ListWarmCandidates(ctx, w.config.CandidateLimit)
		if err != nil {
			w.logger.WithError(err).Warn("warm candidate listing failed")
		}
		for _, c := range candidates {
			w.orch.Seed(c.UserID, c.ResourceType, c.ResourceID, c.ProjectID, access.PermissionRead, c.Decision)
			seeded++
		}
	}

	w.logger.WithFields(map[string]interface{}{
		"priority_targets": accepted,
		"seeded_rows":      seeded,
	}).Info("warm cycle complete")
}

// Watch reloads the priority list when the file changes, until the
// context ends. Watches the directory rather than the file itself, since
// most editors and config rollouts replace the file.
func (w *Warmer) Watch(ctx context.Context) error {
	if w.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(w.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := w.reload(); err != nil {
					w.logger.WithError(err).Warn("priority list reload failed, keeping previous targets")
				} else {
					w.logger.WithField("targets", len(w.Targets())).Info("priority list reloaded")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.WithError(err).Warn("priority list watcher error")
			}
		}
	}()
	return nil
}

func (w *Warmer) reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("failed to read priority list: %w", err)
	}

	var file warmFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse priority list: %w", err)
	}

	targets := make([]WarmTarget, 0, len(file.Targets))
	for i, entry := range file.Targets {
		subjectID, err := uuid.Parse(entry.SubjectID)
		if err != nil {
			w.logger.WithField("index", i).Warn("priority entry has invalid subject id, skipping")
			continue
		}
		resourceType, err := access.ParseResourceType(entry.ResourceType)
		if err != nil {
			w.logger.WithField("index", i).Warn("priority entry has invalid resource type, skipping")
			continue
		}
		resourceID, err := uuid.Parse(entry.ResourceID)
		if err != nil {
			w.logger.WithField("index", i).Warn("priority entry has invalid resource id, skipping")
			continue
		}

		perms := entry.Permissions
		if len(perms) == 0 {
			perms = []string{string(access.PermissionRead)}
		}
		for _, p := range perms {
			perm, err := access.ParsePermission(p)
			if err != nil {
				w.logger.WithField("index", i).Warn("priority entry has invalid permission, skipping")
				continue
			}
			targets = append(targets, WarmTarget{
				SubjectID:    subjectID,
				ResourceType: resourceType,
				ResourceID:   resourceID,
				Permission:   perm,
			})
		}
	}

	w.mu.Lock()
	w.targets = targets
	w.mu.Unlock()
	return nil
}
