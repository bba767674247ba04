package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/models"
)

func newTestEngine(t *testing.T) *Engine {
	return NewEngine(zaptest.NewLogger(t), nil)
}

func TestEUEventWithoutConsentViolatesGDPR(t *testing.T) {
	engine := newTestEngine(t)
	event := &models.Event{
		EventID:    "evt-1",
		Region:     "DE",
		IsEU:       true,
		HasConsent: false,
		Timestamp:  time.Now(),
	}

	violations := engine.Evaluate(event)
	require.NotEmpty(t, violations)
	assert.Equal(t, string(RegGDPR), violations[0].Regulation)
	assert.Equal(t, "consent", violations[0].Action)
}

func TestConsentedEventIsCompliant(t *testing.T) {
	engine := newTestEngine(t)
	event := &models.Event{
		EventID:    "evt-2",
		Region:     "US",
		HasConsent: true,
		Timestamp:  time.Now(),
	}
	assert.Empty(t, engine.Evaluate(event))
}

func TestUnknownRegionHasNoApplicableRegulation(t *testing.T) {
	engine := newTestEngine(t)

	// No mapped regulation is a valid outcome, never an error.
	assert.Nil(t, engine.RegulationsFor("ZZ", false))
	assert.Empty(t, engine.Evaluate(&models.Event{Region: "ZZ"}))

	// EU membership always pulls in GDPR even without a region table entry.
	regs := engine.RegulationsFor("ZZ", true)
	require.Len(t, regs, 1)
	assert.Equal(t, RegGDPR, regs[0])
}

func TestBreachNotificationWindow(t *testing.T) {
	engine := newTestEngine(t)
	event := &models.Event{
		EventID:    "evt-3",
		Region:     "DE",
		IsEU:       true,
		HasConsent: true,
		Metadata: map[string]interface{}{
			MetaBreachAgeDays: 5,
		},
	}

	violations := engine.Evaluate(event)
	require.Len(t, violations, 1)
	assert.Equal(t, "breach_notification", violations[0].Action)

	// Inside the 72h window: compliant.
	event.Metadata[MetaBreachAgeDays] = 2
	assert.Empty(t, engine.Evaluate(event))
}

func TestSubjectRightsDeadlines(t *testing.T) {
	engine := newTestEngine(t)
	event := &models.Event{
		EventID:    "evt-4",
		Region:     "FR",
		IsEU:       true,
		HasConsent: true,
		Metadata: map[string]interface{}{
			MetaAccessAgeDays:   45.0,
			MetaDeletionAgeDays: 31.0,
		},
	}

	violations := engine.Evaluate(event)
	require.Len(t, violations, 2)
	actions := []string{violations[0].Action, violations[1].Action}
	assert.Contains(t, actions, "data_access")
	assert.Contains(t, actions, "data_deletion")
}

func TestEvaluateIsDeterministic(t *testing.T) {
	engine := newTestEngine(t)
	event := &models.Event{
		EventID: "evt-5",
		Region:  "ES",
		IsEU:    true,
		Metadata: map[string]interface{}{
			MetaBreachAgeDays:  10,
			MetaRetentionYears: 20,
		},
	}

	first := engine.Evaluate(event)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, engine.Evaluate(event))
	}
}

func TestStrictestRequirementsMerge(t *testing.T) {
	merged := StrictestRequirements([]Regulation{RegGDPR, RegCCPA})

	assert.True(t, merged.ConsentRequired)
	assert.True(t, merged.DataPortability)
	assert.True(t, merged.DPIARequired)
	assert.True(t, merged.DPORequired)
	// GDPR's 72 hour window beats CCPA's 30 days; CCPA's one-year retention
	// cap beats GDPR's seven.
	assert.Equal(t, 3, merged.BreachNotificationDays)
	assert.Equal(t, 1, merged.MaxRetentionYears)
	assert.Empty(t, merged.Regulation)
}

func TestStrictestRequirementsSkipsUnknownRegulations(t *testing.T) {
	merged := StrictestRequirements([]Regulation{"NotARegulation", RegCCPA})
	assert.Equal(t, 30, merged.BreachNotificationDays)
	assert.Equal(t, 1, merged.MaxRetentionYears)

	_, ok := RequirementsFor("NotARegulation")
	assert.False(t, ok)
}

func TestRegionOverrides(t *testing.T) {
	engine := NewEngine(zaptest.NewLogger(t), map[string][]string{
		"BR": {string(RegGDPR), "NotARegulation"},
	})

	regs := engine.RegulationsFor("BR", false)
	require.Len(t, regs, 1)
	assert.Equal(t, RegGDPR, regs[0])
}
