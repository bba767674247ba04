// Package store is the persistence/cache collaborator boundary: per-user
// recent-event windows for the violation predictor and best-effort
// persistence of finished assessments. Redis backs both when available; an
// in-memory fallback keeps scoring alive when it is not.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/config"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/models"
)

// RecentStore supplies recent-event windows and persists assessments.
type RecentStore interface {
	RecentEvents(ctx context.Context, userID string) ([]models.Event, error)
	AppendEvent(ctx context.Context, event *models.Event) error
	SaveAssessment(ctx context.Context, assessment *models.RiskAssessment) error
}

// RedisStore implements RecentStore on go-redis with an in-memory fallback.
// Every Redis failure degrades silently to the fallback; scoring must keep
// working with an empty or local-only window.
type RedisStore struct {
	logger *zap.Logger
	cfg    config.RedisConfig
	client *redis.Client

	fallback *MemoryStore
}

// NewRedisStore builds the store. The connection is verified lazily; a dead
// Redis at startup is not fatal.
func NewRedisStore(cfg config.RedisConfig, logger *zap.Logger) *RedisStore {
	var client *redis.Client
	if cfg.Enabled {
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	}
	return &RedisStore{
		logger:   logger,
		cfg:      cfg,
		client:   client,
		fallback: NewMemoryStore(cfg.WindowSize),
	}
}

func recentKey(userID string) string { return "compliance:recent:" + userID }

// RecentEvents returns the user's recent window, newest last. Degrades to
// the in-memory fallback, then to an empty window.
func (s *RedisStore) RecentEvents(ctx context.Context, userID string) ([]models.Event, error) {
	if s.client == nil {
		return s.fallback.RecentEvents(ctx, userID)
	}
	raw, err := s.client.LRange(ctx, recentKey(userID), 0, int64(s.cfg.WindowSize-1)).Result()
	if err != nil {
		s.logger.Debug("redis recent-events lookup failed, using fallback",
			zap.String("user_id", userID), zap.Error(err))
		return s.fallback.RecentEvents(ctx, userID)
	}
	// Stored newest-first; reverse to chronological order.
	events := make([]models.Event, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var e models.Event
		if err := json.Unmarshal([]byte(raw[i]), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

// AppendEvent records an event into the user's window.
func (s *RedisStore) AppendEvent(ctx context.Context, event *models.Event) error {
	if err := s.fallback.AppendEvent(ctx, event); err != nil {
		return err
	}
	if s.client == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", event.EventID, err)
	}
	key := recentKey(event.UserID)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, int64(s.cfg.WindowSize-1))
	pipe.Expire(ctx, key, s.cfg.WindowTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Debug("redis append failed, window kept in memory only",
			zap.String("user_id", event.UserID), zap.Error(err))
	}
	return nil
}

// SaveAssessment persists a finished assessment, best effort.
func (s *RedisStore) SaveAssessment(ctx context.Context, assessment *models.RiskAssessment) error {
	if s.client == nil {
		return nil
	}
	payload, err := json.Marshal(assessment)
	if err != nil {
		return fmt.Errorf("failed to encode assessment %s: %w", assessment.AssessmentID, err)
	}
	key := "compliance:assessment:" + assessment.EventID
	if err := s.client.Set(ctx, key, payload, s.cfg.WindowTTL).Err(); err != nil {
		s.logger.Debug("assessment persistence skipped", zap.String("event_id", assessment.EventID), zap.Error(err))
	}
	return nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// MemoryStore is the bounded in-process fallback window store.
type MemoryStore struct {
	mu         sync.RWMutex
	windowSize int
	windows    map[string][]models.Event
}

// NewMemoryStore creates an in-memory window store.
func NewMemoryStore(windowSize int) *MemoryStore {
	if windowSize <= 0 {
		windowSize = 50
	}
	return &MemoryStore{
		windowSize: windowSize,
		windows:    make(map[string][]models.Event),
	}
}

func (m *MemoryStore) RecentEvents(_ context.Context, userID string) ([]models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	window := m.windows[userID]
	out := make([]models.Event, len(window))
	copy(out, window)
	return out, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, event *models.Event) error {
	if event.UserID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	window := append(m.windows[event.UserID], *event)
	if len(window) > m.windowSize {
		window = window[len(window)-m.windowSize:]
	}
	m.windows[event.UserID] = window
	return nil
}

func (m *MemoryStore) SaveAssessment(context.Context, *models.RiskAssessment) error { return nil }
