// Package models defines the core domain types shared by every stage of the
// compliance-risk pipeline: inbound events, derived feature vectors, and the
// final risk assessment handed to downstream collaborators.
package models

import (
	"time"
)

// Event is the immutable telemetry record delivered by the ingestion
// collaborator. The pipeline never mutates an Event after submission.
type Event struct {
	EventID          string                 `json:"event_id"`
	UserID           string                 `json:"user_id"`
	DeviceID         string                 `json:"device_id"`
	IPAddress        string                 `json:"ip_address"`
	Region           string                 `json:"region"`
	IsEU             bool                   `json:"is_eu"`
	HasConsent       bool                   `json:"has_consent"`
	EventType        string                 `json:"event_type"`
	Timestamp        time.Time              `json:"timestamp"`
	ErrorCode        string                 `json:"error_code,omitempty"`
	SubscriptionPlan string                 `json:"subscription_plan,omitempty"`
	PaymentRef       string                 `json:"payment_ref,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// FeatureVector is the fixed-shape numeric representation of an Event used by
// the anomaly ensemble. Dimensions are documented in features.Extract.
type FeatureVector [8]float64

// RiskLevel is the discretized verdict bucket.
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "low"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelCritical RiskLevel = "critical"
)

// UserSegment classifies a user from historical aggregates. Recomputed
// periodically, never on the scoring hot path.
type UserSegment string

const (
	SegmentPowerUser      UserSegment = "power_user"
	SegmentNormalUser     UserSegment = "normal_user"
	SegmentNewUser        UserSegment = "new_user"
	SegmentInactiveUser   UserSegment = "inactive_user"
	SegmentSuspiciousUser UserSegment = "suspicious_user"
	SegmentDormantUser    UserSegment = "dormant_user"
)

// Violation is a single structured compliance violation returned by the rule
// engine.
type Violation struct {
	Regulation string `json:"regulation"`
	Action     string `json:"action"`
	Reason     string `json:"reason"`
}

// AnomalyResult carries both sub-model opinions plus the ensemble verdict.
type AnomalyResult struct {
	IsAnomaly     bool     `json:"is_anomaly"`
	EnsembleScore float64  `json:"ensemble_score"`
	ForestScore   float64  `json:"forest_score"`
	ForestAnomaly bool     `json:"forest_anomaly"`
	LocalScore    float64  `json:"local_score"`
	LocalAnomaly  bool     `json:"local_anomaly"`
	ModelVersion  int64    `json:"model_version"`
	Flags         []string `json:"flags,omitempty"`
}

// ViolationPrediction estimates the likelihood of a future compliance
// violation for the event's user.
type ViolationPrediction struct {
	Likelihood           float64  `json:"violation_likelihood"`
	Confidence           float64  `json:"confidence"`
	LowConfidence        bool     `json:"low_confidence"`
	MatchedFactors       []string `json:"matched_factors,omitempty"`
	PredictedRegulations []string `json:"predicted_regulations,omitempty"`
}

// FraudRing is a derived view over the fraud graph: a connected group of
// users corroborated by shared resources.
type FraudRing struct {
	RingID        string    `json:"ring_id"`
	Members       []string  `json:"members"`
	Size          int       `json:"size"`
	Resources     []string  `json:"resources"`
	AvgEdgeWeight float64   `json:"avg_edge_weight"`
	RiskScore     float64   `json:"risk_score"`
	DetectedAt    time.Time `json:"detected_at"`
}

// RiskAssessment is the pipeline's single output per event. Created once,
// immutable, handed to the alerting/cache collaborators.
type RiskAssessment struct {
	AssessmentID        string               `json:"assessment_id"`
	EventID             string               `json:"event_id"`
	UserID              string               `json:"user_id"`
	RiskScore           float64              `json:"risk_score"`
	RiskLevel           RiskLevel            `json:"risk_level"`
	Threshold           float64              `json:"threshold"`
	Segment             UserSegment          `json:"segment"`
	Violations          []Violation          `json:"compliance_violations"`
	Anomaly             *AnomalyResult       `json:"anomaly_result,omitempty"`
	Prediction          *ViolationPrediction `json:"violation_prediction,omitempty"`
	FraudRing           *FraudRing           `json:"fraud_ring,omitempty"`
	SubScores           map[string]float64   `json:"sub_scores"`
	Partial             bool                 `json:"partial"`
	DegradedStages      []string             `json:"degraded_stages,omitempty"`
	ProcessedAt         time.Time            `json:"processed_at"`
	ProcessingDuration  time.Duration        `json:"processing_duration"`
}

// RetrainResult reports the outcome of a manual or scheduled retrain.
type RetrainResult struct {
	Success    bool          `json:"success"`
	SampleSize int           `json:"sample_size"`
	Duration   time.Duration `json:"duration"`
	Version    int64         `json:"version"`
}
