// Package scheduler runs the periodic maintenance jobs behind the scoring
// pipeline: model retraining, fraud-ring refresh and threshold consolidation.
// Jobs run on independent tickers so a slow retrain never delays ring refresh.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/config"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/models"
)

// Pipeline is the subset of the scoring engine the scheduler drives.
type Pipeline interface {
	Retrain(ctx context.Context, force bool) (*models.RetrainResult, error)
	RefreshRings(ctx context.Context)
	Status() map[string]interface{}
}

// JobStats tracks execution counters for a single scheduled job.
type JobStats struct {
	Total       int64         `json:"total"`
	Successful  int64         `json:"successful"`
	Failed      int64         `json:"failed"`
	LastRun     time.Time     `json:"last_run"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// Scheduler owns the ticker goroutines for background maintenance.
type Scheduler struct {
	logger   *zap.Logger
	cfg      config.SchedulerConfig
	pipeline Pipeline

	mu    sync.Mutex
	stats map[string]*JobStats

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler; call Start to begin running jobs.
func NewScheduler(cfg config.SchedulerConfig, pipeline Pipeline, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		logger:   logger,
		cfg:      cfg,
		pipeline: pipeline,
		stats:    make(map[string]*JobStats),
	}
}

// Start launches one goroutine per configured job.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.spawn(ctx, "model_retrain", s.cfg.RetrainInterval, func(ctx context.Context) error {
		_, err := s.pipeline.Retrain(ctx, false)
		return err
	})
	s.spawn(ctx, "ring_refresh", s.cfg.RingInterval, func(ctx context.Context) error {
		s.pipeline.RefreshRings(ctx)
		return nil
	})
	s.spawn(ctx, "threshold_report", s.cfg.ThresholdInterval, func(ctx context.Context) error {
		s.logger.Info("pipeline status", zap.Any("status", s.pipeline.Status()))
		return nil
	})
}

// Stop cancels all jobs and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) spawn(ctx context.Context, name string, interval time.Duration, job func(context.Context) error) {
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	s.stats[name] = &JobStats{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runJob(ctx, name, job)
			}
		}
	}()
}

func (s *Scheduler) runJob(ctx context.Context, name string, job func(context.Context) error) {
	start := time.Now()
	err := job(ctx)
	elapsed := time.Since(start)

	s.mu.Lock()
	st := s.stats[name]
	st.Total++
	if err != nil {
		st.Failed++
	} else {
		st.Successful++
	}
	st.LastRun = start
	// Running average keeps stats O(1) without retaining per-run samples.
	st.AvgDuration += (elapsed - st.AvgDuration) / time.Duration(st.Total)
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("scheduled job failed", zap.String("job", name), zap.Error(err))
		return
	}
	s.logger.Debug("scheduled job completed",
		zap.String("job", name), zap.Duration("elapsed", elapsed))
}

// Stats returns a copy of per-job execution counters.
func (s *Scheduler) Stats() map[string]JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]JobStats, len(s.stats))
	for name, st := range s.stats {
		out[name] = *st
	}
	return out
}
