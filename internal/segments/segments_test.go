package segments

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		profile Profile
		want    models.UserSegment
	}{
		{
			name:    "heavy clean long tenure is power user",
			profile: Profile{EventCount30d: 800, DaysSinceSignup: 400},
			want:    models.SegmentPowerUser,
		},
		{
			name:    "recent signup with little history is new user",
			profile: Profile{DaysSinceSignup: 10, EventCount30d: 5},
			want:    models.SegmentNewUser,
		},
		{
			name:    "high violation rate is suspicious",
			profile: Profile{EventCount30d: 200, DaysSinceSignup: 100, ViolationCount30d: 8},
			want:    models.SegmentSuspiciousUser,
		},
		{
			name:    "activity spike versus baseline is suspicious",
			profile: Profile{EventCount30d: 40, EventCount7d: 80, DaysSinceSignup: 200},
			want:    models.SegmentSuspiciousUser,
		},
		{
			name:    "long silence with no events is dormant",
			profile: Profile{LastActivityDaysAgo: 120, EventCount30d: 0, DaysSinceSignup: 500},
			want:    models.SegmentDormantUser,
		},
		{
			name:    "everything else is normal",
			profile: Profile{EventCount30d: 100, EventCount7d: 20, DaysSinceSignup: 300},
			want:    models.SegmentNormalUser,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.profile))
		})
	}
}

func TestParametersForUnknownSegmentDefaultsToNormal(t *testing.T) {
	assert.Equal(t, ParametersFor(models.SegmentNormalUser), ParametersFor("made_up_segment"))
}

func TestSuspiciousUsersGetHigherSensitivity(t *testing.T) {
	suspicious := ParametersFor(models.SegmentSuspiciousUser)
	power := ParametersFor(models.SegmentPowerUser)
	assert.Greater(t, suspicious.AnomalySensitivity, power.AnomalySensitivity)
	assert.Greater(t, suspicious.SegmentScore, power.SegmentScore)
	assert.Contains(t, suspicious.AlertChannels, "webhook")
}

func TestEngineProfileLifecycle(t *testing.T) {
	engine := NewEngine(zaptest.NewLogger(t))

	// Unprofiled users score as normal by default.
	assert.Equal(t, models.SegmentNormalUser, engine.SegmentFor("nobody"))

	segment := engine.UpdateProfile(Profile{
		UserID:          "u-1",
		DaysSinceSignup: 5,
		EventCount30d:   3,
	})
	assert.Equal(t, models.SegmentNewUser, segment)
	assert.Equal(t, models.SegmentNewUser, engine.SegmentFor("u-1"))

	// Violations recorded through the feedback path feed future
	// classifications.
	for i := 0; i < 6; i++ {
		engine.RecordViolation("u-1")
	}
	engine.UpdateProfile(Profile{
		UserID:            "u-1",
		DaysSinceSignup:   45,
		EventCount30d:     60,
		ViolationCount30d: 6,
	})
	assert.Equal(t, models.SegmentSuspiciousUser, engine.SegmentFor("u-1"))

	stats := engine.Stats()
	assert.Equal(t, 1, stats[models.SegmentSuspiciousUser])
}
