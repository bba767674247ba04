// Package pipeline orchestrates the risk-scoring stages: a bounded worker
// pool drains the inbound queue, each event walks the per-event state
// machine, and the four scoring sub-stages run concurrently before the
// adaptive threshold turns the aggregate score into a verdict.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/alerting"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/anomaly"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/config"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/features"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/fraudgraph"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/geoip"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/models"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/predictor"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/rules"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/segments"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/store"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/thresholds"
)

// Per-event pipeline states.
type eventState string

const (
	stateReceived          eventState = "RECEIVED"
	stateFeaturesExtracted eventState = "FEATURES_EXTRACTED"
	stateScored            eventState = "SCORED"
	stateThresholded       eventState = "THRESHOLDED"
	stateFinalized         eventState = "FINALIZED"
	stateRejected          eventState = "REJECTED"
)

// Scoring sub-stage names, used for degradation annotations and metrics.
const (
	stageCompliance = "compliance"
	stageAnomaly    = "anomaly"
	stagePrediction = "prediction"
	stageFraud      = "fraud_lookup"
	stageGeo        = "geo"
)

// ResultHandler receives every finalized assessment from the worker pool.
type ResultHandler func(*models.RiskAssessment)

// Engine wires the collaborating engines into the scoring pipeline.
type Engine struct {
	logger *zap.Logger

	cfgMu sync.RWMutex
	cfg   config.PipelineConfig

	rules      *rules.Engine
	ensemble   *anomaly.Ensemble
	thresholds *thresholds.Manager
	predictor  *predictor.Predictor
	graph      *fraudgraph.Graph
	geo        *geoip.Validator
	segments   *segments.Engine
	recents    store.RecentStore
	alerts     *alerting.Dispatcher
	metrics    *Metrics

	handler ResultHandler

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	queue   chan *models.Event
	wg      sync.WaitGroup
}

// Options carries the engine's collaborators. Rules, Ensemble, Thresholds,
// Predictor and Graph are required; the rest degrade when absent.
type Options struct {
	Rules      *rules.Engine
	Ensemble   *anomaly.Ensemble
	Thresholds *thresholds.Manager
	Predictor  *predictor.Predictor
	Graph      *fraudgraph.Graph
	Geo        *geoip.Validator
	Segments   *segments.Engine
	Recents    store.RecentStore
	Alerts     *alerting.Dispatcher
	Registerer prometheus.Registerer
	Handler    ResultHandler
}

// NewEngine creates the pipeline engine.
func NewEngine(cfg config.PipelineConfig, logger *zap.Logger, opts Options) *Engine {
	seg := opts.Segments
	if seg == nil {
		seg = segments.NewEngine(logger)
	}
	recents := opts.Recents
	if recents == nil {
		recents = store.NewMemoryStore(50)
	}
	return &Engine{
		logger:     logger,
		cfg:        cfg,
		rules:      opts.Rules,
		ensemble:   opts.Ensemble,
		thresholds: opts.Thresholds,
		predictor:  opts.Predictor,
		graph:      opts.Graph,
		geo:        opts.Geo,
		segments:   seg,
		recents:    recents,
		alerts:     opts.Alerts,
		metrics:    NewMetrics(opts.Registerer),
		handler:    opts.Handler,
		queue:      make(chan *models.Event, cfg.QueueSize),
	}
}

// Reconfigure applies a hot-reloaded configuration across the engines.
func (e *Engine) Reconfigure(cfg *config.Config) {
	e.cfgMu.Lock()
	e.cfg = cfg.Pipeline
	e.cfgMu.Unlock()
	e.ensemble.Reconfigure(cfg.Anomaly)
	e.thresholds.Reconfigure(cfg.Thresholds)
	e.predictor.Reconfigure(cfg.Predictor)
	e.graph.Reconfigure(cfg.FraudGraph)
	e.logger.Info("pipeline reconfigured")
}

func (e *Engine) config() config.PipelineConfig {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// Start launches the worker pool.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(context.Background())

	cfg := e.config()
	for i := 0; i < cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	e.logger.Info("pipeline started", zap.Int("workers", cfg.Workers))
}

// Stop halts the worker pool and waits for in-flight events to finish.
// The queue is closed first so workers drain everything already accepted;
// the engine context is canceled only after they exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	close(e.queue)
	e.wg.Wait()
	e.cancel()
	e.logger.Info("pipeline stopped")
}

// Submit enqueues an event for asynchronous scoring. Returns false when the
// queue is full; the caller decides whether to drop or retry.
func (e *Engine) Submit(event *models.Event) bool {
	select {
	case e.queue <- event:
		e.metrics.queueDepth.Set(float64(len(e.queue)))
		return true
	default:
		e.logger.Warn("event queue full, dropping event",
			zap.String("event_id", event.EventID), zap.String("user_id", event.UserID))
		return false
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for event := range e.queue {
		e.metrics.queueDepth.Set(float64(len(e.queue)))
		assessment, err := e.Score(e.ctx, event)
		if err != nil {
			e.logger.Warn("event rejected", zap.String("event_id", event.EventID), zap.Error(err))
			continue
		}
		if e.handler != nil {
			e.handler(assessment)
		}
	}
}

type stageResult struct {
	violations []models.Violation
	anomaly    *models.AnomalyResult
	prediction *models.ViolationPrediction
	ring       *models.FraudRing
	geo        geoip.Signal
	degraded   []string
}

// Score runs one event through the full pipeline synchronously. A rejected
// event returns a MalformedEventError and never produces an assessment; any
// non-fatal sub-stage failure degrades that sub-score to zero and marks the
// assessment partial.
func (e *Engine) Score(ctx context.Context, event *models.Event) (*models.RiskAssessment, error) {
	start := time.Now()
	cfg := e.config()
	state := stateReceived

	// The recent window feeds both feature extraction and the predictor.
	// An unavailable store degrades to an empty window.
	window, err := e.recents.RecentEvents(ctx, event.UserID)
	if err != nil {
		window = nil
	}

	fv, err := features.Extract(event, featureContext(window, event))
	if err != nil {
		state = stateRejected
		e.metrics.eventsRejected.Inc()
		e.logger.Debug("event rejected at validation",
			zap.String("event_id", event.EventID), zap.String("state", string(state)))
		return nil, err
	}
	state = stateFeaturesExtracted

	segment := e.segments.SegmentFor(event.UserID)
	segParams := segments.ParametersFor(segment)

	result := e.runSubStages(ctx, cfg, event, fv, window, segParams)
	state = stateScored

	hour := event.Timestamp.UTC().Hour()
	threshold := e.thresholds.ThresholdFor(event.Region, hour, segment)
	state = stateThresholded

	subScores := map[string]float64{
		stageGeo:        result.geo.Score * cfg.Weights.Geo,
		stageAnomaly:    anomalyScore(result.anomaly) * cfg.Weights.Anomaly,
		"segment":       segParams.SegmentScore * cfg.Weights.Segment,
		stageCompliance: complianceScore(result.violations) * cfg.Weights.Compliance,
		stageFraud:      ringScore(result.ring) * cfg.Weights.Network,
	}
	var riskScore float64
	for _, s := range subScores {
		riskScore += s
	}

	level := e.riskLevel(cfg, riskScore, threshold)
	state = stateFinalized

	assessment := &models.RiskAssessment{
		AssessmentID:       uuid.New().String(),
		EventID:            event.EventID,
		UserID:             event.UserID,
		RiskScore:          riskScore,
		RiskLevel:          level,
		Threshold:          threshold,
		Segment:            segment,
		Violations:         result.violations,
		Anomaly:            result.anomaly,
		Prediction:         result.prediction,
		FraudRing:          result.ring,
		SubScores:          subScores,
		Partial:            len(result.degraded) > 0,
		DegradedStages:     result.degraded,
		ProcessedAt:        time.Now().UTC(),
		ProcessingDuration: time.Since(start),
	}

	e.feedback(ctx, event, fv, assessment)

	e.metrics.eventsProcessed.WithLabelValues(string(level)).Inc()
	e.metrics.processingTime.Observe(time.Since(start).Seconds())
	e.metrics.riskScores.Observe(riskScore)
	if assessment.Partial {
		e.metrics.partialResults.Inc()
	}
	e.logger.Debug("event finalized",
		zap.String("event_id", event.EventID),
		zap.String("state", string(state)),
		zap.Float64("risk_score", riskScore),
		zap.String("risk_level", string(level)))

	return assessment, nil
}

// runSubStages executes the scoring sub-stages concurrently and joins them.
// Each carries its own deadline; one that misses it is degraded rather than
// aborting the event.
func (e *Engine) runSubStages(ctx context.Context, cfg config.PipelineConfig, event *models.Event, fv models.FeatureVector, window []models.Event, segParams segments.RiskParameters) stageResult {
	var (
		res      stageResult
		mu       sync.Mutex
		wg       sync.WaitGroup
		timedOut = make(map[string]bool, 5)
	)

	run := func(stage string, fn func(context.Context) func(*stageResult)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stageCtx, cancel := context.WithTimeout(ctx, cfg.SubStageDeadline)
			defer cancel()

			done := make(chan struct{})
			go func() {
				defer close(done)
				apply := fn(stageCtx)
				// A stage that already missed its deadline was reported
				// degraded with a zero sub-score; a late result must not
				// resurrect it after the fact.
				mu.Lock()
				if !timedOut[stage] {
					apply(&res)
				}
				mu.Unlock()
			}()
			select {
			case <-done:
			case <-stageCtx.Done():
				mu.Lock()
				timedOut[stage] = true
				res.degraded = append(res.degraded, stage)
				mu.Unlock()
				e.metrics.stageDegraded.WithLabelValues(stage).Inc()
				e.logger.Debug("sub-stage degraded",
					zap.String("stage", stage),
					zap.Error(&models.SubStageTimeoutError{Stage: stage, Deadline: cfg.SubStageDeadline}))
			}
		}()
	}

	run(stageCompliance, func(context.Context) func(*stageResult) {
		v := e.rules.Evaluate(event)
		return func(r *stageResult) { r.violations = v }
	})
	run(stageAnomaly, func(context.Context) func(*stageResult) {
		a := e.ensemble.Score(fv, segParams.AnomalySensitivity)
		return func(r *stageResult) { r.anomaly = a }
	})
	run(stagePrediction, func(context.Context) func(*stageResult) {
		p := e.predictor.Predict(window, event)
		return func(r *stageResult) { r.prediction = p }
	})
	run(stageFraud, func(context.Context) func(*stageResult) {
		e.graph.Observe(event)
		ring := e.graph.RingFor(event.UserID)
		return func(r *stageResult) { r.ring = ring }
	})
	if e.geo != nil {
		run(stageGeo, func(stageCtx context.Context) func(*stageResult) {
			sig := e.geo.Check(stageCtx, event)
			return func(r *stageResult) { r.geo = sig }
		})
	}

	wg.Wait()
	// Timed-out stages may still hold the lock in their commit path; take a
	// snapshot under it so the caller never sees a torn or late write.
	mu.Lock()
	out := res
	mu.Unlock()
	return out
}

// feedback enrolls the event's own outcome before Score returns, so the
// event's contribution precedes its own retrain/adjustment cycle.
func (e *Engine) feedback(ctx context.Context, event *models.Event, fv models.FeatureVector, assessment *models.RiskAssessment) {
	violation := len(assessment.Violations) > 0
	benignHighScore := !violation && assessment.RiskScore >= assessment.Threshold

	e.ensemble.Enroll(fv, violation)
	hour := event.Timestamp.UTC().Hour()
	e.thresholds.RecordOutcome(event.Region, hour, assessment.Segment, violation, benignHighScore)
	if violation {
		e.segments.RecordViolation(event.UserID)
	}

	if err := e.recents.AppendEvent(ctx, event); err != nil {
		e.logger.Debug("recent-window append failed", zap.Error(err))
	}
	if err := e.recents.SaveAssessment(ctx, assessment); err != nil {
		e.logger.Debug("assessment persistence failed", zap.Error(err))
	}

	if e.alerts != nil {
		go e.alerts.Dispatch(context.Background(), assessment)
	}
}

// Retrain triggers an ensemble retrain and records the outcome.
func (e *Engine) Retrain(ctx context.Context, force bool) (*models.RetrainResult, error) {
	result, err := e.ensemble.Retrain(ctx, force)
	if err != nil {
		e.metrics.retrains.WithLabelValues("failure").Inc()
		return result, err
	}
	e.metrics.retrains.WithLabelValues("success").Inc()
	return result, nil
}

// FraudRings runs ring detection at the given minimum size.
func (e *Engine) FraudRings(ctx context.Context, minSize int) []models.FraudRing {
	rings := e.graph.FraudRings(ctx, minSize)
	e.metrics.ringsDetected.Set(float64(len(rings)))
	return rings
}

// RefreshRings refreshes the cached ring detection; used by the scheduler.
func (e *Engine) RefreshRings(ctx context.Context) {
	rings := e.graph.Refresh(ctx)
	e.metrics.ringsDetected.Set(float64(len(rings)))
}

// Status aggregates read-only snapshots from every engine.
func (e *Engine) Status() map[string]interface{} {
	return map[string]interface{}{
		"queue_depth": len(e.queue),
		"anomaly":     e.ensemble.Status(),
		"thresholds":  e.thresholds.Status(),
		"fraud_graph": e.graph.Status(),
		"segments":    e.segments.Stats(),
	}
}

func (e *Engine) riskLevel(cfg config.PipelineConfig, score, threshold float64) models.RiskLevel {
	// The operator ceiling cannot be adapted away by threshold feedback.
	if score >= cfg.CriticalCeiling {
		return models.RiskLevelCritical
	}
	switch {
	case score >= threshold*cfg.CriticalRatio:
		return models.RiskLevelCritical
	case score >= threshold:
		return models.RiskLevelHigh
	case score >= threshold*cfg.MediumRatio:
		return models.RiskLevelMedium
	default:
		return models.RiskLevelLow
	}
}

func featureContext(window []models.Event, current *models.Event) features.Context {
	regions := map[string]bool{}
	for _, e := range window {
		if e.Region != "" {
			regions[e.Region] = true
		}
	}
	if current.Region != "" {
		regions[current.Region] = true
	}
	return features.Context{
		AccessFrequency: float64(len(window)),
		GeoVariance:     float64(len(regions) - 1),
	}
}

func anomalyScore(a *models.AnomalyResult) float64 {
	if a == nil {
		return 0
	}
	return a.EnsembleScore
}

func complianceScore(violations []models.Violation) float64 {
	score := float64(len(violations)) / 3
	if score > 1 {
		return 1
	}
	return score
}

func ringScore(ring *models.FraudRing) float64 {
	if ring == nil {
		return 0
	}
	return ring.RiskScore
}
