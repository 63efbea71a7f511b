package monitor

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pixelmint/gatekeeper/pkg/observability"
)

// Tier names which layer answered an authorization check.
type Tier string

const (
	TierL1     Tier = "l1"
	TierL2     Tier = "l2"
	TierL3     Tier = "l3"
	TierSource Tier = "source"
	TierNone   Tier = "none"
)

// Outcome is the result class of one operation.
type Outcome string

const (
	OutcomeGranted Outcome = "granted"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

type sample struct {
	op      string
	elapsed time.Duration
	tier    Tier
	outcome Outcome
	errKind string
}

// RecorderConfig tunes the sample pipeline.
type RecorderConfig struct {
	// BufferSize is the channel depth between the hot path and the
	// consumer. A full buffer drops samples rather than blocking.
	BufferSize int
	// WindowSize is how many recent samples per operation feed the
	// percentile calculations.
	WindowSize int
}

const (
	defaultBufferSize = 4096
	defaultWindowSize = 2048
)

func (c RecorderConfig) withDefaults() RecorderConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.WindowSize <= 0 {
		c.WindowSize = defaultWindowSize
	}
	return c
}

// Recorder collects latency and outcome samples off the hot path.
// Record never blocks: samples flow through a buffered channel to a
// single consumer that maintains rolling windows, counters, and the
// Prometheus mirror. Overload drops samples and counts the drops.
type Recorder struct {
	config  RecorderConfig
	ch      chan sample
	dropped atomic.Int64
	metrics *Metrics
	logger  *observability.Logger

	mu      sync.RWMutex
	windows map[string]*rollingWindow
	tiers   map[Tier]int64
	errors  map[string]int64
	total   int64
}

// NewRecorder creates a recorder. metrics may be nil when no Prometheus
// registry is wired (tests).
func NewRecorder(metrics *Metrics, logger *observability.Logger, config RecorderConfig) *Recorder {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	config = config.withDefaults()
	return &Recorder{
		config:  config,
		ch:      make(chan sample, config.BufferSize),
		metrics: metrics,
		logger:  logger,
		windows: make(map[string]*rollingWindow),
		tiers:   make(map[Tier]int64),
		errors:  make(map[string]int64),
	}
}

// Record submits one sample. Fire and forget: a full buffer drops the
// sample and increments the drop counter.
func (r *Recorder) Record(op string, elapsed time.Duration, tier Tier, outcome Outcome, errKind string) {
	select {
	case r.ch <- sample{op: op, elapsed: elapsed, tier: tier, outcome: outcome, errKind: errKind}:
	default:
		r.dropped.Add(1)
		if r.metrics != nil {
			r.metrics.DroppedSamples.Inc()
		}
	}
}

// Run consumes samples until the context ends.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-r.ch:
			r.consume(s)
		}
	}
}

// Drain consumes everything currently buffered, used by tests and
// shutdown.
func (r *Recorder) Drain() {
	for {
		select {
		case s := <-r.ch:
			r.consume(s)
		default:
			return
		}
	}
}

func (r *Recorder) consume(s sample) {
	r.mu.Lock()
	w, ok := r.windows[s.op]
	if !ok {
		w = newRollingWindow(r.config.WindowSize)
		r.windows[s.op] = w
	}
	w.add(s.elapsed)
	r.tiers[s.tier]++
	r.total++
	if s.outcome == OutcomeError && s.errKind != "" {
		r.errors[s.errKind]++
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.Requests.WithLabelValues(s.op, string(s.tier), string(s.outcome)).Inc()
		r.metrics.Duration.WithLabelValues(s.op, string(s.tier)).Observe(s.elapsed.Seconds())
	}
}

// OpStats summarizes one operation's rolling window.
type OpStats struct {
	Count int64   `json:"count"`
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
	P99Ms float64 `json:"p99_ms"`
}

// Snapshot is a point-in-time view of everything the recorder tracks.
type Snapshot struct {
	Ops            map[string]OpStats `json:"ops"`
	Tiers          map[Tier]int64     `json:"tiers"`
	HitRate        float64            `json:"hit_rate"`
	Errors         map[string]int64   `json:"errors,omitempty"`
	DroppedSamples int64              `json:"dropped_samples"`
	Total          int64              `json:"total"`
}

// Stats returns the current snapshot. The overall hit rate counts any
// cache tier answering; only source resolutions and errors are misses.
func (r *Recorder) Stats() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Ops:            make(map[string]OpStats, len(r.windows)),
		Tiers:          make(map[Tier]int64, len(r.tiers)),
		Errors:         make(map[string]int64, len(r.errors)),
		DroppedSamples: r.dropped.Load(),
		Total:          r.total,
	}
	for op, w := range r.windows {
		snap.Ops[op] = OpStats{
			Count: w.total,
			P50Ms: w.percentile(0.50).Seconds() * 1000,
			P95Ms: w.percentile(0.95).Seconds() * 1000,
			P99Ms: w.percentile(0.99).Seconds() * 1000,
		}
	}
	var hits int64
	for tier, n := range r.tiers {
		snap.Tiers[tier] = n
		if tier == TierL1 || tier == TierL2 || tier == TierL3 {
			hits += n
		}
	}
	if r.total > 0 {
		snap.HitRate = float64(hits) / float64(r.total)
	}
	for k, v := range r.errors {
		snap.Errors[k] = v
	}
	return snap
}

// rollingWindow is a fixed-size circular buffer of latency samples.
// Callers hold the recorder lock.
type rollingWindow struct {
	samples []time.Duration
	next    int
	filled  bool
	total   int64
}

func newRollingWindow(size int) *rollingWindow {
	return &rollingWindow{samples: make([]time.Duration, size)}
}

func (w *rollingWindow) add(d time.Duration) {
	w.samples[w.next] = d
	w.next++
	w.total++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}
}

func (w *rollingWindow) percentile(p float64) time.Duration {
	n := w.next
	if w.filled {
		n = len(w.samples)
	}
	if n == 0 {
		return 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, w.samples[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(n-1) * p)
	return sorted[idx]
}
