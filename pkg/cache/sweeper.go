package cache

import (
	"context"
	"sync"
	"time"

	"github.com/pixelmint/gatekeeper/pkg/observability"
)

// SweeperConfig tunes the invalidation retry loop.
type SweeperConfig struct {
	Interval    time.Duration
	MaxAttempts int
	BypassTTL   time.Duration
}

const (
	defaultSweepInterval = 30 * time.Second
	defaultSweepAttempts = 5
)

func (c SweeperConfig) withDefaults() SweeperConfig {
	if c.Interval <= 0 {
		c.Interval = defaultSweepInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultSweepAttempts
	}
	if c.BypassTTL <= 0 {
		c.BypassTTL = defaultBypassTTL
	}
	return c
}

type pendingInvalidation struct {
	pattern  string
	scope    string
	attempts int
}

// Sweeper retries invalidations that failed against L2. Entries retry on
// a fixed interval until they land or exhaust their attempts; decision
// TTLs bound the staleness either way, so the sweeper trades promptness,
// not correctness.
type Sweeper struct {
	l1     *L1Cache
	l2     *RedisCache
	logger *observability.Logger
	config SweeperConfig

	mu      sync.Mutex
	pending map[string]*pendingInvalidation
}

// NewSweeper creates a sweeper over the two purgeable tiers.
func NewSweeper(l1 *L1Cache, l2 *RedisCache, logger *observability.Logger, config SweeperConfig) *Sweeper {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Sweeper{
		l1:      l1,
		l2:      l2,
		logger:  logger,
		config:  config.withDefaults(),
		pending: make(map[string]*pendingInvalidation),
	}
}

// Enqueue registers a failed invalidation for retry. Re-enqueueing the
// same pattern resets nothing; the earliest entry keeps its attempt
// count.
func (s *Sweeper) Enqueue(pattern, scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[pattern]; !ok {
		s.pending[pattern] = &pendingInvalidation{pattern: pattern, scope: scope}
	}
}

// Pending returns the queued entry count.
func (s *Sweeper) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Run retries queued invalidations until the context ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one retry pass over the queue.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.mu.Lock()
	batch := make([]*pendingInvalidation, 0, len(s.pending))
	for _, p := range s.pending {
		batch = append(batch, p)
	}
	s.mu.Unlock()

	for _, p := range batch {
		if err := s.retry(ctx, p); err != nil {
			p.attempts++
			if p.attempts >= s.config.MaxAttempts {
				s.logger.WithFields(map[string]interface{}{
					"pattern":  p.pattern,
					"attempts": p.attempts,
				}).WithError(err).Error("invalidation retries exhausted, relying on TTL expiry")
				s.remove(p.pattern)
			} else {
				s.logger.WithField("pattern", p.pattern).WithError(err).Warn("invalidation retry failed")
			}
			continue
		}
		s.remove(p.pattern)
	}
}

func (s *Sweeper) retry(ctx context.Context, p *pendingInvalidation) error {
	if s.l2 == nil {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := s.l2.DeletePattern(rctx, p.pattern); err != nil {
		return err
	}
	if err := s.l2.SetBypassMarker(rctx, p.scope, s.config.BypassTTL); err != nil {
		return err
	}
	// Peers never saw the original broadcast either.
	if err := s.l2.PublishInvalidation(rctx, p.pattern); err != nil {
		return err
	}
	// Re-purge L1 in case the stale entry was re-read from L2 between
	// the original failure and now.
	s.l1.PurgePattern(p.pattern)
	return nil
}

func (s *Sweeper) remove(pattern string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, pattern)
}
