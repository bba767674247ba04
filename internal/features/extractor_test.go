package features

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/models"
)

func TestExtractBasicVector(t *testing.T) {
	event := &models.Event{
		EventID:    "evt-1",
		UserID:     "user-1",
		Region:     "DE",
		IsEU:       true,
		HasConsent: false,
		EventType:  "login",
		Timestamp:  time.Date(2026, 3, 9, 3, 15, 0, 0, time.UTC), // Monday 03:15
		ErrorCode:  "AUTH_401",
	}

	fv, err := Extract(event, Context{AccessFrequency: 12, GeoVariance: 2})
	require.NoError(t, err)

	assert.Equal(t, 3.0, fv[DimHour])
	assert.Equal(t, float64(time.Monday), fv[DimWeekday])
	assert.Equal(t, 5.0, fv[DimEventType])
	assert.Equal(t, 1.0, fv[DimHasError])
	assert.Equal(t, 1.0, fv[DimIsEU])
	assert.Equal(t, 0.0, fv[DimHasConsent])
	assert.Equal(t, 12.0, fv[DimAccessFrequency])
	assert.Equal(t, 2.0, fv[DimGeoVariance])
}

func TestExtractRejectsMalformedEvent(t *testing.T) {
	missingTimestamp := &models.Event{EventID: "evt-2", Region: "US"}
	_, err := Extract(missingTimestamp, Context{})
	var malformed *models.MalformedEventError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "timestamp", malformed.Field)

	missingRegion := &models.Event{EventID: "evt-3", Timestamp: time.Now()}
	_, err = Extract(missingRegion, Context{})
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "region", malformed.Field)
}

func TestExtractSentinelDefaults(t *testing.T) {
	// Unknown event type, no error code, no collaborator aggregates: every
	// dimension falls back to a defined sentinel, never left missing.
	event := &models.Event{
		EventID:   "evt-4",
		Region:    "JP",
		EventType: "unknown_type",
		Timestamp: time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
	}
	fv, err := Extract(event, Context{})
	require.NoError(t, err)

	assert.Equal(t, 0.0, fv[DimEventType])
	assert.Equal(t, 0.0, fv[DimHasError])
	assert.Equal(t, 0.0, fv[DimAccessFrequency])
	assert.Equal(t, 0.0, fv[DimGeoVariance])
	assert.Len(t, fv, Dimensions)
}

func TestExtractDeterministic(t *testing.T) {
	event := &models.Event{
		EventID:   "evt-5",
		Region:    "FR",
		IsEU:      true,
		EventType: "purchase",
		Timestamp: time.Date(2026, 3, 11, 22, 45, 0, 0, time.UTC),
	}
	first, err := Extract(event, Context{AccessFrequency: 7, GeoVariance: 1})
	require.NoError(t, err)
	second, err := Extract(event, Context{AccessFrequency: 7, GeoVariance: 1})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
