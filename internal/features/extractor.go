// Package features turns raw events into fixed-shape numeric feature vectors
// for the anomaly ensemble. Extraction is pure in-memory computation and must
// never block.
package features

import (
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/models"
)

// Feature vector dimensions. Absent metadata is filled with sentinel
// defaults, never left missing.
const (
	DimHour = iota
	DimWeekday
	DimEventType
	DimHasError
	DimIsEU
	DimHasConsent
	DimAccessFrequency
	DimGeoVariance
)

// Dimensions is the fixed width of every feature vector.
const Dimensions = 8

var eventTypeCodes = map[string]float64{
	"play":                1,
	"pause":               2,
	"stop":                3,
	"seek":                4,
	"login":               5,
	"logout":              6,
	"login_failed":        7,
	"purchase":            8,
	"download":            9,
	"error":               10,
	"export":              11,
	"access":              12,
	"token_refresh_failed": 13,
}

// Context carries per-user aggregates supplied by the recent-events
// collaborator. Zero values are valid sentinels when the collaborator is
// unavailable.
type Context struct {
	AccessFrequency float64 // events in the recent window
	GeoVariance     float64 // distinct regions observed in the recent window
}

// Extract derives the feature vector for an event. Returns a
// MalformedEventError when timestamp or region is absent; this is fatal for
// the event and not retried.
func Extract(event *models.Event, ctx Context) (models.FeatureVector, error) {
	var fv models.FeatureVector

	if event.Timestamp.IsZero() {
		return fv, &models.MalformedEventError{EventID: event.EventID, Field: "timestamp"}
	}
	if event.Region == "" {
		return fv, &models.MalformedEventError{EventID: event.EventID, Field: "region"}
	}

	fv[DimHour] = float64(event.Timestamp.UTC().Hour())
	fv[DimWeekday] = float64(event.Timestamp.UTC().Weekday())
	fv[DimEventType] = eventTypeCodes[event.EventType]
	if event.ErrorCode != "" {
		fv[DimHasError] = 1
	}
	if event.IsEU {
		fv[DimIsEU] = 1
	}
	if event.HasConsent {
		fv[DimHasConsent] = 1
	}
	fv[DimAccessFrequency] = ctx.AccessFrequency
	fv[DimGeoVariance] = ctx.GeoVariance

	return fv, nil
}
