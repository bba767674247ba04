// Package predictor estimates violation likelihood from a user's recent
// event window using a typed table of weighted risk-factor patterns.
package predictor

import (
	"sync"

	"go.uber.org/zap"

	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/config"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/models"
)

// Pattern is one named risk factor: a weight, the regulation it points at,
// and a match function over the recent window plus the current event.
type Pattern struct {
	Name       string
	Weight     float64
	Regulation string
	Match      func(window []models.Event, current *models.Event) bool
}

// Predictor evaluates the pattern table against per-user recent windows.
type Predictor struct {
	logger   *zap.Logger
	patterns []Pattern

	cfgMu sync.RWMutex
	cfg   config.PredictorConfig
}

// NewPredictor builds a predictor with the default pattern table.
func NewPredictor(cfg config.PredictorConfig, logger *zap.Logger) *Predictor {
	return &Predictor{
		logger:   logger,
		cfg:      cfg,
		patterns: defaultPatterns(),
	}
}

// Reconfigure applies a hot-reloaded predictor configuration.
func (p *Predictor) Reconfigure(cfg config.PredictorConfig) {
	p.cfgMu.Lock()
	p.cfg = cfg
	p.cfgMu.Unlock()
}

func (p *Predictor) config() config.PredictorConfig {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.cfg
}

// Predict scores the user's recent window. An empty window yields zero
// likelihood with the low-confidence flag set; the persistence collaborator
// being unavailable therefore degrades rather than fails.
func (p *Predictor) Predict(window []models.Event, current *models.Event) *models.ViolationPrediction {
	cfg := p.config()
	if len(window) > cfg.WindowSize {
		window = window[len(window)-cfg.WindowSize:]
	}

	pred := &models.ViolationPrediction{
		Confidence:    minf(float64(len(window))/100.0, 1.0),
		LowConfidence: len(window) < cfg.MinConfidence,
	}
	if len(window) == 0 {
		return pred
	}

	var matched, total float64
	seenRegs := map[string]bool{}
	for _, pattern := range p.patterns {
		total += pattern.Weight
		if !pattern.Match(window, current) {
			continue
		}
		matched += pattern.Weight
		pred.MatchedFactors = append(pred.MatchedFactors, pattern.Name)
		if pattern.Regulation != "" && !seenRegs[pattern.Regulation] {
			seenRegs[pattern.Regulation] = true
			pred.PredictedRegulations = append(pred.PredictedRegulations, pattern.Regulation)
		}
	}
	if total > 0 {
		pred.Likelihood = minf(matched/total, 1.0)
	}
	return pred
}

func defaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:       "frequent_no_consent",
			Weight:     0.3,
			Regulation: "GDPR",
			Match: func(window []models.Event, _ *models.Event) bool {
				recent := tail(window, 10)
				noConsent := 0
				for _, e := range recent {
					if !e.HasConsent {
						noConsent++
					}
				}
				return noConsent > 5
			},
		},
		{
			Name:       "gdpr_violation_pattern",
			Weight:     0.4,
			Regulation: "GDPR",
			Match: func(window []models.Event, _ *models.Event) bool {
				count := 0
				for _, e := range window {
					if e.IsEU && !e.HasConsent {
						count++
					}
				}
				return count > 2
			},
		},
		{
			Name:       "high_access_frequency",
			Weight:     0.2,
			Regulation: "CCPA",
			Match: func(window []models.Event, _ *models.Event) bool {
				count := 0
				for _, e := range window {
					switch e.EventType {
					case "export", "download", "access":
						count++
					}
				}
				return count > 10
			},
		},
		{
			Name:       "auth_failure_burst",
			Weight:     0.1,
			Regulation: "Account Security",
			Match: func(window []models.Event, _ *models.Event) bool {
				count := 0
				for _, e := range window {
					switch e.EventType {
					case "login_failed", "token_refresh_failed":
						count++
					}
				}
				return count > 5
			},
		},
		{
			Name:   "geo_variance",
			Weight: 0.2,
			Match: func(window []models.Event, current *models.Event) bool {
				regions := map[string]bool{}
				for _, e := range window {
					if e.Region != "" {
						regions[e.Region] = true
					}
				}
				if current != nil && current.Region != "" {
					regions[current.Region] = true
				}
				return len(regions) > 2
			},
		},
		{
			Name:   "high_error_rate",
			Weight: 0.15,
			Match: func(window []models.Event, _ *models.Event) bool {
				errors := 0
				for _, e := range window {
					if e.ErrorCode != "" {
						errors++
					}
				}
				return float64(errors) > 0.3*float64(len(window))
			},
		},
	}
}

func tail(events []models.Event, n int) []models.Event {
	if len(events) <= n {
		return events
	}
	return events[len(events)-n:]
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
