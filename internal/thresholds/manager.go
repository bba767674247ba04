// Package thresholds computes the context-sensitive risk cutoff an event's
// final score is compared against, and learns from confirmed outcomes. Reads
// are lock-free on the hot path; feedback nudges go through per-key
// compare-and-swap so concurrent events never lose updates.
package thresholds

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/config"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/models"
)

// keyState is the per-context feedback record. Immutable once published;
// nudges swap in a fresh copy.
type keyState struct {
	Delta           float64 `json:"delta"`
	LastDirection   int     `json:"last_direction"`
	AdjustmentCount int     `json:"adjustment_count"`
}

type keyEntry struct {
	state atomic.Pointer[keyState]
}

type regionStats struct {
	Scores     int `json:"scores"`
	Violations int `json:"violations"`
}

// minRegionSamples gates the learned region adjustment so a handful of early
// outcomes cannot swing a whole region.
const minRegionSamples = 20

// Manager owns the threshold profile.
type Manager struct {
	logger *zap.Logger

	cfgMu sync.RWMutex
	cfg   config.ThresholdConfig

	keys sync.Map // context key -> *keyEntry

	statsMu sync.Mutex
	regions map[string]*regionStats
}

// NewManager creates a threshold manager.
func NewManager(cfg config.ThresholdConfig, logger *zap.Logger) *Manager {
	return &Manager{
		logger:  logger,
		cfg:     cfg,
		regions: make(map[string]*regionStats),
	}
}

// Reconfigure applies a hot-reloaded threshold configuration. Learned
// feedback deltas survive the reload.
func (m *Manager) Reconfigure(cfg config.ThresholdConfig) {
	m.cfgMu.Lock()
	m.cfg = cfg
	m.cfgMu.Unlock()
}

func (m *Manager) config() config.ThresholdConfig {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// ThresholdFor returns the cutoff for a (region, hour, segment) context:
// segment base plus time-of-day and region adjustments plus the learned
// feedback delta, clamped to the configured range.
func (m *Manager) ThresholdFor(region string, hour int, segment models.UserSegment) float64 {
	cfg := m.config()

	base, ok := cfg.SegmentBases[segment]
	if !ok {
		base = cfg.SegmentBases[models.SegmentNormalUser]
	}
	value := base + cfg.HourAdjust[hour] + m.regionAdjustment(cfg, region)

	if entry := m.entry(region, hour, segment); entry != nil {
		if st := entry.state.Load(); st != nil {
			value += st.Delta
		}
	}
	return clamp(value, cfg.MinThreshold, cfg.MaxThreshold)
}

// RecordOutcome feeds a confirmed outcome back into the profile. A confirmed
// violation nudges the context's threshold down (more vigilance); a
// confirmed-benign high-score event nudges it up (relax false-positive
// pressure). Other outcomes only update region statistics.
func (m *Manager) RecordOutcome(region string, hour int, segment models.UserSegment, violation, benignHighScore bool) {
	m.recordRegion(region, violation)

	direction := 0
	if violation {
		direction = -1
	} else if benignHighScore {
		direction = 1
	}
	if direction == 0 {
		return
	}

	cfg := m.config()
	entry := m.entry(region, hour, segment)
	// Delta alone is clamped to the full configured span so a run of nudges
	// can never push the effective value outside [min, max].
	span := cfg.MaxThreshold - cfg.MinThreshold

	for {
		old := entry.state.Load()
		next := &keyState{
			Delta:           clamp(old.Delta+float64(direction)*cfg.NudgeStep, -span, span),
			LastDirection:   direction,
			AdjustmentCount: old.AdjustmentCount + 1,
		}
		if entry.state.CompareAndSwap(old, next) {
			return
		}
	}
}

func (m *Manager) entry(region string, hour int, segment models.UserSegment) *keyEntry {
	key := contextKey(region, hour, segment)
	if v, ok := m.keys.Load(key); ok {
		return v.(*keyEntry)
	}
	fresh := &keyEntry{}
	fresh.state.Store(&keyState{})
	actual, _ := m.keys.LoadOrStore(key, fresh)
	return actual.(*keyEntry)
}

// regionAdjustment tightens the cutoff for regions with an observed high
// violation rate, layered on top of any static configured adjustment.
func (m *Manager) regionAdjustment(cfg config.ThresholdConfig, region string) float64 {
	adj := cfg.RegionAdjust[region]

	m.statsMu.Lock()
	stats := m.regions[region]
	m.statsMu.Unlock()
	if stats == nil || stats.Scores < minRegionSamples {
		return adj
	}
	rate := float64(stats.Violations) / float64(stats.Scores)
	if rate > cfg.HighViolationRate {
		adj -= 1.0
	} else if rate > cfg.HighViolationRate/2 {
		adj -= 0.5
	}
	return adj
}

func (m *Manager) recordRegion(region string, violation bool) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	stats := m.regions[region]
	if stats == nil {
		stats = &regionStats{}
		m.regions[region] = stats
	}
	stats.Scores++
	if violation {
		stats.Violations++
	}
}

// KeyState returns the feedback record for a context key, for introspection.
func (m *Manager) KeyState(region string, hour int, segment models.UserSegment) (delta float64, lastDirection, count int) {
	if v, ok := m.keys.Load(contextKey(region, hour, segment)); ok {
		st := v.(*keyEntry).state.Load()
		return st.Delta, st.LastDirection, st.AdjustmentCount
	}
	return 0, 0, 0
}

// Status reports a read-only snapshot for observability.
func (m *Manager) Status() map[string]interface{} {
	cfg := m.config()

	keys := 0
	m.keys.Range(func(_, _ interface{}) bool {
		keys++
		return true
	})

	m.statsMu.Lock()
	regions := make(map[string]regionStats, len(m.regions))
	for r, s := range m.regions {
		regions[r] = *s
	}
	m.statsMu.Unlock()

	return map[string]interface{}{
		"min_threshold": cfg.MinThreshold,
		"max_threshold": cfg.MaxThreshold,
		"nudge_step":    cfg.NudgeStep,
		"context_keys":  keys,
		"region_stats":  regions,
	}
}

func contextKey(region string, hour int, segment models.UserSegment) string {
	return fmt.Sprintf("%s|%02d|%s", region, hour, segment)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
