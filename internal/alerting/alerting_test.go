package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/config"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/models"
)

func testAssessment(level models.RiskLevel, segment models.UserSegment) *models.RiskAssessment {
	return &models.RiskAssessment{
		AssessmentID: "as-1",
		EventID:      "evt-1",
		UserID:       "u-1",
		RiskScore:    11.2,
		RiskLevel:    level,
		Threshold:    8.0,
		Segment:      segment,
	}
}

func TestDispatchBelowMinimumLevelIsSuppressed(t *testing.T) {
	d := NewDispatcher(config.AlertingConfig{
		Enabled:         true,
		MinLevel:        "high",
		DeliveryTimeout: time.Second,
	}, zaptest.NewLogger(t))

	d.Dispatch(context.Background(), testAssessment(models.RiskLevelMedium, models.SegmentNormalUser))
	assert.Empty(t, d.History())

	d.Dispatch(context.Background(), testAssessment(models.RiskLevelHigh, models.SegmentNormalUser))
	assert.Len(t, d.History(), 1)
}

func TestDisabledDispatcherDeliversNothing(t *testing.T) {
	d := NewDispatcher(config.AlertingConfig{
		Enabled:  false,
		MinLevel: "low",
	}, zaptest.NewLogger(t))

	d.Dispatch(context.Background(), testAssessment(models.RiskLevelCritical, models.SegmentSuspiciousUser))
	assert.Empty(t, d.History())
}

func TestChannelsFollowSegmentParameters(t *testing.T) {
	d := NewDispatcher(config.AlertingConfig{
		Enabled:         true,
		MinLevel:        "high",
		DeliveryTimeout: time.Second,
	}, zaptest.NewLogger(t))

	// Power users route to log only; suspicious users fan out to every
	// channel.
	d.Dispatch(context.Background(), testAssessment(models.RiskLevelCritical, models.SegmentPowerUser))
	d.Dispatch(context.Background(), testAssessment(models.RiskLevelCritical, models.SegmentSuspiciousUser))

	history := d.History()
	require.Len(t, history, 2)
	assert.Equal(t, []string{"log"}, history[0].Channels)
	assert.Equal(t, []string{"log", "slack", "webhook"}, history[1].Channels)
}

func TestWebhookDelivery(t *testing.T) {
	received := make(chan Alert, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var alert Alert
		require.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		received <- alert
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(config.AlertingConfig{
		Enabled:         true,
		MinLevel:        "high",
		WebhookURL:      server.URL,
		DeliveryTimeout: time.Second,
	}, zaptest.NewLogger(t))

	d.Dispatch(context.Background(), testAssessment(models.RiskLevelCritical, models.SegmentSuspiciousUser))

	select {
	case alert := <-received:
		assert.Equal(t, "evt-1", alert.EventID)
		assert.Equal(t, models.RiskLevelCritical, alert.Severity)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never received the alert")
	}
}

func TestAlertCarriesStrictestObligations(t *testing.T) {
	d := NewDispatcher(config.AlertingConfig{
		Enabled:         true,
		MinLevel:        "high",
		DeliveryTimeout: time.Second,
	}, zaptest.NewLogger(t))

	assessment := testAssessment(models.RiskLevelCritical, models.SegmentNormalUser)
	assessment.Violations = []models.Violation{
		{Regulation: "CCPA", Action: "consent"},
		{Regulation: "GDPR", Action: "consent"},
		{Regulation: "GDPR", Action: "breach_notification"},
	}
	d.Dispatch(context.Background(), assessment)

	history := d.History()
	require.Len(t, history, 1)
	assert.Equal(t, []string{"CCPA", "GDPR"}, history[0].Regulations)
	// GDPR's 72 hour window is the tightest of the two.
	assert.Equal(t, 3, history[0].NotifyWithinDays)
}

func TestHistoryIsBounded(t *testing.T) {
	d := NewDispatcher(config.AlertingConfig{
		Enabled:    true,
		MinLevel:   "low",
		MaxHistory: 3,
	}, zaptest.NewLogger(t))

	for i := 0; i < 10; i++ {
		d.Dispatch(context.Background(), testAssessment(models.RiskLevelHigh, models.SegmentPowerUser))
	}
	assert.Len(t, d.History(), 3)
}
