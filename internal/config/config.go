// Package config holds the pipeline configuration: engine tuning knobs,
// regulation tables, and infrastructure endpoints. All values are
// hot-reloadable through the Loader without a process restart.
package config

import (
	"fmt"
	"time"

	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/models"
)

// Config is the root configuration for the compliance pipeline.
type Config struct {
	Pipeline   PipelineConfig   `yaml:"pipeline" json:"pipeline" mapstructure:"pipeline"`
	Anomaly    AnomalyConfig    `yaml:"anomaly" json:"anomaly" mapstructure:"anomaly"`
	Thresholds ThresholdConfig  `yaml:"thresholds" json:"thresholds" mapstructure:"thresholds"`
	Predictor  PredictorConfig  `yaml:"predictor" json:"predictor" mapstructure:"predictor"`
	FraudGraph FraudGraphConfig `yaml:"fraud_graph" json:"fraud_graph" mapstructure:"fraud_graph"`
	Rules      RulesConfig      `yaml:"rules" json:"rules" mapstructure:"rules"`
	Alerting   AlertingConfig   `yaml:"alerting" json:"alerting" mapstructure:"alerting"`
	Kafka      KafkaConfig      `yaml:"kafka" json:"kafka" mapstructure:"kafka"`
	Redis      RedisConfig      `yaml:"redis" json:"redis" mapstructure:"redis"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" json:"scheduler" mapstructure:"scheduler"`
	Metrics    MetricsConfig    `yaml:"metrics" json:"metrics" mapstructure:"metrics"`
}

// PipelineConfig tunes the orchestrator: worker pool, queue depth, sub-stage
// deadlines, and score aggregation.
type PipelineConfig struct {
	Workers          int           `yaml:"workers" json:"workers" mapstructure:"workers"`
	QueueSize        int           `yaml:"queue_size" json:"queue_size" mapstructure:"queue_size"`
	SubStageDeadline time.Duration `yaml:"sub_stage_deadline" json:"sub_stage_deadline" mapstructure:"sub_stage_deadline"`
	Weights          ScoreWeights  `yaml:"weights" json:"weights" mapstructure:"weights"`
	CriticalCeiling  float64       `yaml:"critical_ceiling" json:"critical_ceiling" mapstructure:"critical_ceiling"`
	CriticalRatio    float64       `yaml:"critical_ratio" json:"critical_ratio" mapstructure:"critical_ratio"`
	MediumRatio      float64       `yaml:"medium_ratio" json:"medium_ratio" mapstructure:"medium_ratio"`
}

// ScoreWeights are the multipliers of the final weighted sum. Each sub-score
// is normalized to [0,1] before weighting, so a weight is the maximum number
// of points that sub-signal can contribute.
type ScoreWeights struct {
	Geo        float64 `yaml:"geo" json:"geo" mapstructure:"geo"`
	Anomaly    float64 `yaml:"anomaly" json:"anomaly" mapstructure:"anomaly"`
	Segment    float64 `yaml:"segment" json:"segment" mapstructure:"segment"`
	Compliance float64 `yaml:"compliance" json:"compliance" mapstructure:"compliance"`
	Network    float64 `yaml:"network" json:"network" mapstructure:"network"`
}

// AnomalyConfig tunes the ensemble detector.
type AnomalyConfig struct {
	MaxHistory      int     `yaml:"max_history" json:"max_history" mapstructure:"max_history"`
	RetrainTrigger  int     `yaml:"retrain_trigger" json:"retrain_trigger" mapstructure:"retrain_trigger"`
	MinTrainSamples int     `yaml:"min_train_samples" json:"min_train_samples" mapstructure:"min_train_samples"`
	Trees           int     `yaml:"trees" json:"trees" mapstructure:"trees"`
	SubsampleSize   int     `yaml:"subsample_size" json:"subsample_size" mapstructure:"subsample_size"`
	Neighbors       int     `yaml:"neighbors" json:"neighbors" mapstructure:"neighbors"`
	ForestThreshold float64 `yaml:"forest_threshold" json:"forest_threshold" mapstructure:"forest_threshold"`
	LocalThreshold  float64 `yaml:"local_threshold" json:"local_threshold" mapstructure:"local_threshold"`
	VotingPolicy    string  `yaml:"voting_policy" json:"voting_policy" mapstructure:"voting_policy"`
	ViolationWeight float64 `yaml:"violation_weight" json:"violation_weight" mapstructure:"violation_weight"`
}

// ThresholdConfig tunes the adaptive threshold manager. Bounds and nudge
// magnitudes are deliberately configuration, not constants.
type ThresholdConfig struct {
	MinThreshold      float64                        `yaml:"min_threshold" json:"min_threshold" mapstructure:"min_threshold"`
	MaxThreshold      float64                        `yaml:"max_threshold" json:"max_threshold" mapstructure:"max_threshold"`
	NudgeStep         float64                        `yaml:"nudge_step" json:"nudge_step" mapstructure:"nudge_step"`
	SegmentBases      map[models.UserSegment]float64 `yaml:"segment_bases" json:"segment_bases" mapstructure:"segment_bases"`
	HourAdjust        map[int]float64                `yaml:"hour_adjust" json:"hour_adjust" mapstructure:"hour_adjust"`
	RegionAdjust      map[string]float64             `yaml:"region_adjust" json:"region_adjust" mapstructure:"region_adjust"`
	HighViolationRate float64                        `yaml:"high_violation_rate" json:"high_violation_rate" mapstructure:"high_violation_rate"`
}

// PredictorConfig tunes the violation predictor.
type PredictorConfig struct {
	WindowSize    int `yaml:"window_size" json:"window_size" mapstructure:"window_size"`
	MinConfidence int `yaml:"min_confidence" json:"min_confidence" mapstructure:"min_confidence"`
}

// FraudGraphConfig tunes ring detection.
type FraudGraphConfig struct {
	MinRingSize         int           `yaml:"min_ring_size" json:"min_ring_size" mapstructure:"min_ring_size"`
	MinCorroboration    float64       `yaml:"min_corroboration" json:"min_corroboration" mapstructure:"min_corroboration"`
	RingRefreshInterval time.Duration `yaml:"ring_refresh_interval" json:"ring_refresh_interval" mapstructure:"ring_refresh_interval"`
	MaxUsers            int           `yaml:"max_users" json:"max_users" mapstructure:"max_users"`
}

// RulesConfig optionally overrides the built-in region→regulation table.
type RulesConfig struct {
	RegionOverrides map[string][]string `yaml:"region_overrides" json:"region_overrides" mapstructure:"region_overrides"`
}

// AlertingConfig configures alert delivery channels.
type AlertingConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	SlackWebhookURL string        `yaml:"slack_webhook_url" json:"slack_webhook_url" mapstructure:"slack_webhook_url"`
	WebhookURL      string        `yaml:"webhook_url" json:"webhook_url" mapstructure:"webhook_url"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout" json:"delivery_timeout" mapstructure:"delivery_timeout"`
	MaxHistory      int           `yaml:"max_history" json:"max_history" mapstructure:"max_history"`
	MinLevel        string        `yaml:"min_level" json:"min_level" mapstructure:"min_level"`
}

// KafkaConfig configures the ingestion consumer.
type KafkaConfig struct {
	Enabled     bool          `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Brokers     []string      `yaml:"brokers" json:"brokers" mapstructure:"brokers"`
	Topic       string        `yaml:"topic" json:"topic" mapstructure:"topic"`
	GroupID     string        `yaml:"group_id" json:"group_id" mapstructure:"group_id"`
	MinBytes    int           `yaml:"min_bytes" json:"min_bytes" mapstructure:"min_bytes"`
	MaxBytes    int           `yaml:"max_bytes" json:"max_bytes" mapstructure:"max_bytes"`
	MaxWait     time.Duration `yaml:"max_wait" json:"max_wait" mapstructure:"max_wait"`
	StartOffset string        `yaml:"start_offset" json:"start_offset" mapstructure:"start_offset"`
}

// RedisConfig configures the recent-events store.
type RedisConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Addr         string        `yaml:"addr" json:"addr" mapstructure:"addr"`
	Password     string        `yaml:"password" json:"password" mapstructure:"password"`
	DB           int           `yaml:"db" json:"db" mapstructure:"db"`
	WindowTTL    time.Duration `yaml:"window_ttl" json:"window_ttl" mapstructure:"window_ttl"`
	WindowSize   int           `yaml:"window_size" json:"window_size" mapstructure:"window_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" mapstructure:"write_timeout"`
}

// SchedulerConfig configures the background maintenance jobs.
type SchedulerConfig struct {
	Enabled           bool          `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	RetrainInterval   time.Duration `yaml:"retrain_interval" json:"retrain_interval" mapstructure:"retrain_interval"`
	RingInterval      time.Duration `yaml:"ring_interval" json:"ring_interval" mapstructure:"ring_interval"`
	ThresholdInterval time.Duration `yaml:"threshold_interval" json:"threshold_interval" mapstructure:"threshold_interval"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" mapstructure:"enabled"`
	Addr    string `yaml:"addr" json:"addr" mapstructure:"addr"`
}

// DefaultConfig returns a configuration with production defaults. Callers
// layer file and environment overrides on top via the Loader.
func DefaultConfig() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			Workers:          8,
			QueueSize:        10000,
			SubStageDeadline: 250 * time.Millisecond,
			Weights: ScoreWeights{
				Geo:        3.0,
				Anomaly:    4.0,
				Segment:    3.0,
				Compliance: 7.5,
				Network:    3.0,
			},
			CriticalCeiling: 14.0,
			CriticalRatio:   1.25,
			MediumRatio:     0.625,
		},
		Anomaly: AnomalyConfig{
			MaxHistory:      10000,
			RetrainTrigger:  100,
			MinTrainSamples: 32,
			Trees:           100,
			SubsampleSize:   256,
			Neighbors:       20,
			ForestThreshold: 0.62,
			LocalThreshold:  0.60,
			VotingPolicy:    "conjunctive",
			ViolationWeight: 2.0,
		},
		Thresholds: ThresholdConfig{
			MinThreshold: 4.0,
			MaxThreshold: 12.0,
			NudgeStep:    0.1,
			SegmentBases: map[models.UserSegment]float64{
				models.SegmentPowerUser:      9.0,
				models.SegmentNormalUser:     8.0,
				models.SegmentNewUser:        7.0,
				models.SegmentInactiveUser:   7.0,
				models.SegmentSuspiciousUser: 6.0,
				models.SegmentDormantUser:    7.0,
			},
			HourAdjust: map[int]float64{
				0: -1.2, 1: -1.4, 2: -1.5, 3: -1.5, 4: -1.4, 5: -1.2,
				6: -0.6, 7: -0.2, 8: 0.0, 9: 0.6, 10: 0.8, 11: 0.8,
				12: 0.8, 13: 0.8, 14: 1.0, 15: 0.8, 16: 0.6, 17: 0.2,
				18: -0.2, 19: -0.4, 20: -0.4, 21: -0.6, 22: -0.8, 23: -1.0,
			},
			RegionAdjust:      map[string]float64{},
			HighViolationRate: 0.2,
		},
		Predictor: PredictorConfig{
			WindowSize:    50,
			MinConfidence: 10,
		},
		FraudGraph: FraudGraphConfig{
			MinRingSize:         5,
			MinCorroboration:    1.0,
			RingRefreshInterval: 30 * time.Second,
			MaxUsers:            500000,
		},
		Alerting: AlertingConfig{
			Enabled:         true,
			DeliveryTimeout: 5 * time.Second,
			MaxHistory:      10000,
			MinLevel:        "high",
		},
		Kafka: KafkaConfig{
			Enabled:     false,
			Brokers:     []string{"localhost:9092"},
			Topic:       "compliance.events",
			GroupID:     "compliance-pipeline",
			MinBytes:    1,
			MaxBytes:    1048576,
			MaxWait:     500 * time.Millisecond,
			StartOffset: "last",
		},
		Redis: RedisConfig{
			Enabled:      false,
			Addr:         "localhost:6379",
			WindowTTL:    time.Hour,
			WindowSize:   50,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  200 * time.Millisecond,
			WriteTimeout: 200 * time.Millisecond,
		},
		Scheduler: SchedulerConfig{
			Enabled:           true,
			RetrainInterval:   15 * time.Minute,
			RingInterval:      time.Minute,
			ThresholdInterval: time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9108",
		},
	}
}

// Validate checks the configuration for startup-fatal problems.
func (c *Config) Validate() error {
	if c.Pipeline.Workers <= 0 {
		return &models.ConfigurationMissingError{Key: "pipeline.workers"}
	}
	if c.Pipeline.QueueSize <= 0 {
		return &models.ConfigurationMissingError{Key: "pipeline.queue_size"}
	}
	if c.Thresholds.MinThreshold >= c.Thresholds.MaxThreshold {
		return fmt.Errorf("thresholds: min_threshold %.2f must be below max_threshold %.2f",
			c.Thresholds.MinThreshold, c.Thresholds.MaxThreshold)
	}
	if len(c.Thresholds.SegmentBases) == 0 {
		return &models.ConfigurationMissingError{Key: "thresholds.segment_bases"}
	}
	if c.Anomaly.RetrainTrigger <= 0 || c.Anomaly.MaxHistory < c.Anomaly.RetrainTrigger {
		return fmt.Errorf("anomaly: retrain_trigger %d must be positive and fit max_history %d",
			c.Anomaly.RetrainTrigger, c.Anomaly.MaxHistory)
	}
	switch c.Anomaly.VotingPolicy {
	case "conjunctive", "disjunctive":
	default:
		return fmt.Errorf("anomaly: unknown voting_policy %q", c.Anomaly.VotingPolicy)
	}
	if c.FraudGraph.MinRingSize < 2 {
		return fmt.Errorf("fraud_graph: min_ring_size %d must be at least 2", c.FraudGraph.MinRingSize)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return &models.ConfigurationMissingError{Key: "kafka.brokers"}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return &models.ConfigurationMissingError{Key: "redis.addr"}
	}
	return nil
}
