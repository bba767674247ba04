// Package messaging consumes telemetry events from Kafka and hands them to
// the pipeline. The ingestion contract trusts upstream schema validation;
// payloads that still fail to decode are logged and skipped, never retried.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/config"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/models"
)

// Submitter is the pipeline entry point the consumer feeds.
type Submitter interface {
	Submit(event *models.Event) bool
}

// Consumer reads events from a Kafka topic through a consumer group.
type Consumer struct {
	logger   *zap.Logger
	cfg      config.KafkaConfig
	reader   *kafka.Reader
	pipeline Submitter
}

// NewConsumer creates a Kafka consumer for the configured topic.
func NewConsumer(cfg config.KafkaConfig, pipeline Submitter, logger *zap.Logger) *Consumer {
	startOffset := kafka.LastOffset
	if cfg.StartOffset == "first" {
		startOffset = kafka.FirstOffset
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    cfg.MinBytes,
		MaxBytes:    cfg.MaxBytes,
		MaxWait:     cfg.MaxWait,
		StartOffset: startOffset,
	})
	return &Consumer{
		logger:   logger,
		cfg:      cfg,
		reader:   reader,
		pipeline: pipeline,
	}
}

// Run consumes until the context is canceled. Transient read errors back off
// and continue; decode failures skip the message.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("kafka consumer started",
		zap.Strings("brokers", c.cfg.Brokers),
		zap.String("topic", c.cfg.Topic),
		zap.String("group_id", c.cfg.GroupID))

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}
			c.logger.Warn("kafka read failed, backing off", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		var event models.Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			c.logger.Warn("skipping undecodable event payload",
				zap.Int64("offset", msg.Offset), zap.Error(err))
			continue
		}
		if !c.pipeline.Submit(&event) {
			c.logger.Warn("pipeline queue full, event dropped",
				zap.String("event_id", event.EventID))
		}
	}
}

// Close releases the underlying reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
