// Package alerting delivers high-risk verdicts to operators over log, Slack,
// and generic webhook channels. Delivery is best effort and never blocks the
// scoring path.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/config"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/models"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/rules"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/segments"
)

// Alert is one delivered notification. When the assessment carries
// violations, the alert names the regulations involved and the strictest
// breach-notification window the operator must meet across all of them.
type Alert struct {
	ID               string           `json:"id"`
	EventID          string           `json:"event_id"`
	UserID           string           `json:"user_id"`
	Severity         models.RiskLevel `json:"severity"`
	RiskScore        float64          `json:"risk_score"`
	Message          string           `json:"message"`
	Regulations      []string         `json:"regulations,omitempty"`
	NotifyWithinDays int              `json:"notify_within_days,omitempty"`
	Channels         []string         `json:"channels"`
	Timestamp        time.Time        `json:"timestamp"`
}

// Dispatcher routes assessments to alert channels selected by severity and
// the user's segment parameters.
type Dispatcher struct {
	logger *zap.Logger
	cfg    config.AlertingConfig
	client *http.Client

	mu      sync.Mutex
	history []Alert
}

// NewDispatcher creates an alert dispatcher.
func NewDispatcher(cfg config.AlertingConfig, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		logger: logger,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.DeliveryTimeout},
	}
}

// Dispatch sends alerts for an assessment when its level clears the
// configured minimum. Channel selection follows the segment's parameters.
func (d *Dispatcher) Dispatch(ctx context.Context, assessment *models.RiskAssessment) {
	if !d.cfg.Enabled || !levelAtLeast(assessment.RiskLevel, models.RiskLevel(d.cfg.MinLevel)) {
		return
	}

	params := segments.ParametersFor(assessment.Segment)
	alert := Alert{
		ID:        uuid.New().String(),
		EventID:   assessment.EventID,
		UserID:    assessment.UserID,
		Severity:  assessment.RiskLevel,
		RiskScore: assessment.RiskScore,
		Message: fmt.Sprintf("compliance risk %s (score %.2f, threshold %.2f, %d violations)",
			assessment.RiskLevel, assessment.RiskScore, assessment.Threshold, len(assessment.Violations)),
		Channels:  params.AlertChannels,
		Timestamp: time.Now().UTC(),
	}
	if regs := violatedRegulations(assessment.Violations); len(regs) > 0 {
		req := rules.StrictestRequirements(regs)
		for _, reg := range regs {
			alert.Regulations = append(alert.Regulations, string(reg))
		}
		alert.NotifyWithinDays = req.BreachNotificationDays
	}

	for _, channel := range params.AlertChannels {
		switch channel {
		case "log":
			d.logger.Warn("compliance alert",
				zap.String("event_id", alert.EventID),
				zap.String("user_id", alert.UserID),
				zap.String("severity", string(alert.Severity)),
				zap.Float64("risk_score", alert.RiskScore))
		case "slack":
			d.postJSON(ctx, d.cfg.SlackWebhookURL, map[string]string{
				"text": alert.Message,
			}, channel)
		case "webhook":
			d.postJSON(ctx, d.cfg.WebhookURL, alert, channel)
		}
	}

	d.record(alert)
}

func (d *Dispatcher) postJSON(ctx context.Context, url string, payload interface{}, channel string) {
	if url == "" {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("failed to encode alert payload", zap.String("channel", channel), zap.Error(err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		d.logger.Error("failed to build alert request", zap.String("channel", channel), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("alert delivery failed", zap.String("channel", channel), zap.Error(err))
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		d.logger.Warn("alert delivery rejected",
			zap.String("channel", channel), zap.Int("status", resp.StatusCode))
	}
}

// violatedRegulations collects the distinct regulations named by a violation
// list, preserving first-seen order.
func violatedRegulations(violations []models.Violation) []rules.Regulation {
	seen := make(map[string]struct{}, len(violations))
	var out []rules.Regulation
	for _, v := range violations {
		if _, ok := seen[v.Regulation]; ok {
			continue
		}
		seen[v.Regulation] = struct{}{}
		out = append(out, rules.Regulation(v.Regulation))
	}
	return out
}

func (d *Dispatcher) record(alert Alert) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, alert)
	if max := d.cfg.MaxHistory; max > 0 && len(d.history) > max {
		d.history = d.history[len(d.history)-max:]
	}
}

// History returns a copy of the recent alert history.
func (d *Dispatcher) History() []Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Alert, len(d.history))
	copy(out, d.history)
	return out
}

var levelRank = map[models.RiskLevel]int{
	models.RiskLevelLow:      0,
	models.RiskLevelMedium:   1,
	models.RiskLevelHigh:     2,
	models.RiskLevelCritical: 3,
}

func levelAtLeast(level, min models.RiskLevel) bool {
	minRank, ok := levelRank[min]
	if !ok {
		minRank = levelRank[models.RiskLevelHigh]
	}
	return levelRank[level] >= minRank
}
