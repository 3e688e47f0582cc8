// Package metrics accumulates per-session counters keyed by (type,
// name) and distills them into a quality score, a craziness score, and
// a persisted session report.
package metrics

import (
	"sync"
	"time"

	"overdrive/internal/bus"
	"overdrive/internal/store"
)

// Counter types. Every subsystem records under its own type so names
// stay short.
const (
	TypeTask     = "task"
	TypeDecision = "decision"
	TypeTest     = "test"
	TypePhase    = "phase"
	TypeSafety   = "safety"
	TypeState    = "state"
	TypeResource = "resource"
)

// Common counter names.
const (
	NameTotal        = "total"
	NamePassed       = "passed"
	NameFailed       = "failed"
	NameSkipped      = "skipped"
	NameApproved     = "approved"
	NamePaused       = "paused"
	NameBlocked      = "blocked"
	NameScore        = "score"
	NameRun          = "run"
	NameAttempted    = "attempted"
	NameCompleted    = "completed"
	NameRollback     = "rollback"
	NameLoopDetected = "loop_detected"
	NameWarning      = "warning"
	NameTransition   = "transition"
)

type counterKey struct {
	typ  string
	name string
}

func (k counterKey) String() string { return k.typ + "/" + k.name }

type observation struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
}

// Config wires a collector. KV and Bus are optional; zero weights fall
// back to the defaults.
type Config struct {
	ProjectID string
	SessionID string
	KV        store.KV
	Bus       *bus.Bus
	Quality   QualityWeights
	Craziness CrazinessWeights
}

// Collector is the per-session metrics sink. All methods are safe for
// concurrent use.
type Collector struct {
	projectID string
	sessionID string
	kv        store.KV
	bus       *bus.Bus
	quality   QualityWeights
	craziness CrazinessWeights

	mu           sync.Mutex
	counters     map[counterKey]float64
	observations map[counterKey]observation
	startedAt    time.Time

	now func() time.Time
}

// NewCollector builds a collector for one session. Empty ids are given
// placeholders so report keys stay valid.
func NewCollector(cfg Config) *Collector {
	if cfg.Quality.zero() {
		cfg.Quality = DefaultQualityWeights
	}
	if cfg.Craziness.zero() {
		cfg.Craziness = DefaultCrazinessWeights
	}
	if cfg.ProjectID == "" {
		cfg.ProjectID = "default"
	}
	if cfg.SessionID == "" {
		cfg.SessionID = "unknown"
	}
	c := &Collector{
		projectID:    cfg.ProjectID,
		sessionID:    cfg.SessionID,
		kv:           cfg.KV,
		bus:          cfg.Bus,
		quality:      cfg.Quality,
		craziness:    cfg.Craziness,
		counters:     make(map[counterKey]float64),
		observations: make(map[counterKey]observation),
		now:          func() time.Time { return time.Now().UTC() },
	}
	c.startedAt = c.now()
	return c
}

// Inc adds one to the counter.
func (c *Collector) Inc(typ, name string) {
	c.Add(typ, name, 1)
}

// Add adds a delta to the counter.
func (c *Collector) Add(typ, name string, delta float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[counterKey{typ, name}] += delta
}

// Set overwrites the counter, for gauges like resource axes.
func (c *Collector) Set(typ, name string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[counterKey{typ, name}] = value
}

// Observe records one sample for an averaged series, like decision
// scores.
func (c *Collector) Observe(typ, name string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := counterKey{typ, name}
	obs := c.observations[key]
	obs.Count++
	obs.Sum += value
	c.observations[key] = obs
}

// Counter returns the current counter value, zero when unset.
func (c *Collector) Counter(typ, name string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[counterKey{typ, name}]
}

// Average returns the mean of an observed series, zero when empty.
func (c *Collector) Average(typ, name string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	obs := c.observations[counterKey{typ, name}]
	if obs.Count == 0 {
		return 0
	}
	return obs.Sum / float64(obs.Count)
}

// counterLocked reads without taking the lock; callers hold it.
func (c *Collector) counterLocked(typ, name string) float64 {
	return c.counters[counterKey{typ, name}]
}

func (c *Collector) averageLocked(typ, name string) float64 {
	obs := c.observations[counterKey{typ, name}]
	if obs.Count == 0 {
		return 0
	}
	return obs.Sum / float64(obs.Count)
}

// elapsedMinutesLocked prefers the tracked resource axis and falls back
// to wall clock since construction.
func (c *Collector) elapsedMinutesLocked() float64 {
	if m := c.counterLocked(TypeResource, "minutes"); m > 0 {
		return m
	}
	return c.now().Sub(c.startedAt).Minutes()
}

// Snapshot is the serializable collector state.
type Snapshot struct {
	StartedAt    time.Time              `json:"started_at"`
	Counters     map[string]float64     `json:"counters"`
	Observations map[string]observation `json:"observations,omitempty"`
}

// Snapshot copies the current state, with counter keys flattened to
// "type/name".
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		StartedAt:    c.startedAt,
		Counters:     make(map[string]float64, len(c.counters)),
		Observations: make(map[string]observation, len(c.observations)),
	}
	for k, v := range c.counters {
		s.Counters[k.String()] = v
	}
	for k, v := range c.observations {
		s.Observations[k.String()] = v
	}
	return s
}

// Restore replaces the collector state with a snapshot.
func (c *Collector) Restore(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !s.StartedAt.IsZero() {
		c.startedAt = s.StartedAt
	}
	c.counters = make(map[counterKey]float64, len(s.Counters))
	for k, v := range s.Counters {
		c.counters[splitKey(k)] = v
	}
	c.observations = make(map[counterKey]observation, len(s.Observations))
	for k, v := range s.Observations {
		c.observations[splitKey(k)] = v
	}
}

func splitKey(s string) counterKey {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return counterKey{s[:i], s[i+1:]}
		}
	}
	return counterKey{typ: s}
}

// flattenCountersLocked copies counters with "type/name" keys for the
// report; JSON encoding sorts map keys, so output stays stable.
func (c *Collector) flattenCountersLocked() map[string]float64 {
	out := make(map[string]float64, len(c.counters))
	for k, v := range c.counters {
		out[k.String()] = v
	}
	return out
}
