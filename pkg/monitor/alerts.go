package monitor

import (
	"sync"
	"time"

	"github.com/pixelmint/gatekeeper/pkg/observability"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one active threshold breach.
type Alert struct {
	Key       string    `json:"key"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	RaisedAt  time.Time `json:"raised_at"`
}

// AlerterConfig holds the thresholds the alerter evaluates against.
type AlerterConfig struct {
	// SoftLatency raises a warning when an op's p95 exceeds it.
	SoftLatency time.Duration
	// HardLatency raises a critical when an op's p95 exceeds it.
	HardLatency time.Duration
	// HitRateFloor raises a critical when the overall cache hit rate
	// drops below it.
	HitRateFloor float64
	// Cooldown suppresses re-logging an alert that is already active.
	Cooldown time.Duration
	// MinSamples gates evaluation so a cold start does not alert.
	MinSamples int64
}

const (
	defaultSoftLatency  = 100 * time.Millisecond
	defaultHardLatency  = 200 * time.Millisecond
	defaultHitRateFloor = 0.90
	defaultCooldown     = 5 * time.Minute
	defaultMinSamples   = 100
)

func (c AlerterConfig) withDefaults() AlerterConfig {
	if c.SoftLatency <= 0 {
		c.SoftLatency = defaultSoftLatency
	}
	if c.HardLatency <= 0 {
		c.HardLatency = defaultHardLatency
	}
	if c.HitRateFloor <= 0 {
		c.HitRateFloor = defaultHitRateFloor
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaultCooldown
	}
	if c.MinSamples <= 0 {
		c.MinSamples = defaultMinSamples
	}
	return c
}

// Alerter evaluates recorder snapshots against latency and hit-rate
// thresholds. Alerts stay active while their condition holds and clear
// on the first evaluation where it does not; the cooldown only limits
// log noise, not alert state.
type Alerter struct {
	recorder *Recorder
	metrics  *Metrics
	logger   *observability.Logger
	config   AlerterConfig

	mu      sync.RWMutex
	active  map[string]Alert
	lastLog map[string]time.Time
}

// NewAlerter creates an alerter over the recorder.
func NewAlerter(recorder *Recorder, metrics *Metrics, logger *observability.Logger, config AlerterConfig) *Alerter {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Alerter{
		recorder: recorder,
		metrics:  metrics,
		logger:   logger,
		config:   config.withDefaults(),
		active:   make(map[string]Alert),
		lastLog:  make(map[string]time.Time),
	}
}

// Evaluate runs one pass over the current snapshot, scheduled by the
// daemon's cron.
func (a *Alerter) Evaluate() {
	snap := a.recorder.Stats()

	seen := make(map[string]bool)
	now := time.Now()

	for op, stats := range snap.Ops {
		if stats.Count < a.config.MinSamples {
			continue
		}
		p95 := time.Duration(stats.P95Ms * float64(time.Millisecond))
		switch {
		case p95 > a.config.HardLatency:
			key := "latency:" + op
			seen[key] = true
			a.raise(now, Alert{
				Key:       key,
				Severity:  SeverityCritical,
				Message:   "p95 latency above hard threshold for " + op,
				Value:     stats.P95Ms,
				Threshold: a.config.HardLatency.Seconds() * 1000,
			})
		case p95 > a.config.SoftLatency:
			key := "latency:" + op
			seen[key] = true
			a.raise(now, Alert{
				Key:       key,
				Severity:  SeverityWarning,
				Message:   "p95 latency above soft threshold for " + op,
				Value:     stats.P95Ms,
				Threshold: a.config.SoftLatency.Seconds() * 1000,
			})
		}
	}

	if snap.Total >= a.config.MinSamples && snap.HitRate < a.config.HitRateFloor {
		key := "hit_rate"
		seen[key] = true
		a.raise(now, Alert{
			Key:       key,
			Severity:  SeverityCritical,
			Message:   "cache hit rate below floor",
			Value:     snap.HitRate,
			Threshold: a.config.HitRateFloor,
		})
	}

	a.clearStale(seen)
	a.mirror()
}

// ActiveAlerts returns the alerts currently firing.
func (a *Alerter) ActiveAlerts() []Alert {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Alert, 0, len(a.active))
	for _, alert := range a.active {
		out = append(out, alert)
	}
	return out
}

func (a *Alerter) raise(now time.Time, alert Alert) {
	a.mu.Lock()
	existing, ok := a.active[alert.Key]
	if ok && existing.Severity == alert.Severity {
		alert.RaisedAt = existing.RaisedAt
	} else {
		alert.RaisedAt = now
	}
	a.active[alert.Key] = alert

	logIt := !ok || existing.Severity != alert.Severity ||
		now.Sub(a.lastLog[alert.Key]) >= a.config.Cooldown
	if logIt {
		a.lastLog[alert.Key] = now
	}
	a.mu.Unlock()

	if logIt {
		entry := a.logger.WithFields(map[string]interface{}{
			"alert":     alert.Key,
			"severity":  string(alert.Severity),
			"value":     alert.Value,
			"threshold": alert.Threshold,
		})
		if alert.Severity == SeverityCritical {
			entry.Error(alert.Message)
		} else {
			entry.Warn(alert.Message)
		}
	}
}

func (a *Alerter) clearStale(seen map[string]bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key := range a.active {
		if !seen[key] {
			a.logger.WithField("alert", key).Info("alert cleared")
			delete(a.active, key)
			delete(a.lastLog, key)
		}
	}
}

func (a *Alerter) mirror() {
	if a.metrics == nil {
		return
	}
	counts := map[Severity]float64{SeverityWarning: 0, SeverityCritical: 0}
	a.mu.RLock()
	for _, alert := range a.active {
		counts[alert.Severity]++
	}
	a.mu.RUnlock()
	for sev, n := range counts {
		a.metrics.ActiveAlerts.WithLabelValues(string(sev)).Set(n)
	}
}
