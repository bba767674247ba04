// Package segments classifies users into behavioral segments used for
// differentiated risk thresholds and alert routing. Classification runs
// periodically off the hot path; scoring only reads cached segments.
package segments

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/models"
)

// Profile holds the behavioral aggregates a user is classified from.
type Profile struct {
	UserID              string             `json:"user_id"`
	EventCount30d       int                `json:"event_count_30d"`
	EventCount7d        int                `json:"event_count_7d"`
	ViolationCount30d   int                `json:"violation_count_30d"`
	DaysSinceSignup     int                `json:"days_since_signup"`
	LastActivityDaysAgo int                `json:"last_activity_days_ago"`
	AvgRiskScore        float64            `json:"avg_risk_score"`
	Segment             models.UserSegment `json:"segment"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// RiskParameters are the per-segment knobs consumed by thresholding and
// alerting.
type RiskParameters struct {
	SegmentScore       float64  // normalized [0,1] contribution to the final risk score
	AnomalySensitivity float64  // multiplier on ensemble sub-scores
	AlertChannels      []string // channels eligible for this segment's alerts
	SeverityMultiplier float64
}

var segmentParameters = map[models.UserSegment]RiskParameters{
	models.SegmentPowerUser: {
		SegmentScore:       0.1,
		AnomalySensitivity: 0.8,
		AlertChannels:      []string{"log"},
		SeverityMultiplier: 0.8,
	},
	models.SegmentNormalUser: {
		SegmentScore:       0.2,
		AnomalySensitivity: 1.0,
		AlertChannels:      []string{"log", "slack"},
		SeverityMultiplier: 1.0,
	},
	models.SegmentNewUser: {
		SegmentScore:       0.5,
		AnomalySensitivity: 1.3,
		AlertChannels:      []string{"log", "slack", "webhook"},
		SeverityMultiplier: 1.2,
	},
	models.SegmentInactiveUser: {
		SegmentScore:       0.4,
		AnomalySensitivity: 1.2,
		AlertChannels:      []string{"log", "slack"},
		SeverityMultiplier: 1.1,
	},
	models.SegmentSuspiciousUser: {
		SegmentScore:       1.0,
		AnomalySensitivity: 1.5,
		AlertChannels:      []string{"log", "slack", "webhook"},
		SeverityMultiplier: 1.5,
	},
	models.SegmentDormantUser: {
		SegmentScore:       0.4,
		AnomalySensitivity: 1.1,
		AlertChannels:      []string{"log", "slack"},
		SeverityMultiplier: 1.2,
	},
}

// Classify derives a segment from behavioral aggregates.
func Classify(p Profile) models.UserSegment {
	// Long-tenured, heavy, clean usage.
	if p.EventCount30d > 500 && p.ViolationCount30d == 0 && p.DaysSinceSignup > 180 {
		return models.SegmentPowerUser
	}
	// Recent signup with little history.
	if p.DaysSinceSignup < 30 && p.EventCount30d < 50 {
		return models.SegmentNewUser
	}
	// High violation rate or a sudden activity spike relative to the 30d baseline.
	if p.ViolationCount30d > 5 || float64(p.EventCount7d) > float64(p.EventCount30d)/4*7 {
		return models.SegmentSuspiciousUser
	}
	if p.LastActivityDaysAgo > 90 && p.EventCount30d == 0 {
		return models.SegmentDormantUser
	}
	if p.LastActivityDaysAgo > 30 && p.EventCount30d > 10 && p.EventCount30d < 100 {
		return models.SegmentInactiveUser
	}
	return models.SegmentNormalUser
}

// ParametersFor returns the risk parameters for a segment, defaulting to the
// normal-user profile for unknown segments.
func ParametersFor(segment models.UserSegment) RiskParameters {
	if p, ok := segmentParameters[segment]; ok {
		return p
	}
	return segmentParameters[models.SegmentNormalUser]
}

// Engine caches user profiles and their segments.
type Engine struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	profiles map[string]*Profile
}

// NewEngine creates a segmentation engine.
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{
		logger:   logger,
		profiles: make(map[string]*Profile),
	}
}

// UpdateProfile recomputes and stores a user's segment from fresh aggregates.
func (e *Engine) UpdateProfile(p Profile) models.UserSegment {
	p.Segment = Classify(p)
	p.UpdatedAt = time.Now().UTC()

	e.mu.Lock()
	e.profiles[p.UserID] = &p
	e.mu.Unlock()

	return p.Segment
}

// SegmentFor returns the cached segment for a user, defaulting to
// normal_user for users not yet profiled.
func (e *Engine) SegmentFor(userID string) models.UserSegment {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.profiles[userID]; ok {
		return p.Segment
	}
	return models.SegmentNormalUser
}

// RecordViolation increments the violation aggregate feeding future
// classifications. Called from the pipeline feedback path.
func (e *Engine) RecordViolation(userID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.profiles[userID]; ok {
		p.ViolationCount30d++
	}
}

// Stats summarizes the current segment distribution.
func (e *Engine) Stats() map[models.UserSegment]int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[models.UserSegment]int)
	for _, p := range e.profiles {
		out[p.Segment]++
	}
	return out
}
