package anomaly

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/config"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/models"
)

// localSampleCap bounds how many training vectors the neighbor scorer
// retains; scoring cost is linear in this.
const localSampleCap = 512

type trainingSample struct {
	vector    models.FeatureVector
	violation bool
}

// Ensemble combines the isolation-forest and neighbor-distance scorers with
// conjunctive voting. Scoring reads a ModelState snapshot and never blocks;
// retraining runs asynchronously and publishes a new snapshot atomically.
type Ensemble struct {
	logger *zap.Logger

	cfgMu sync.RWMutex
	cfg   config.AnomalyConfig

	state atomic.Pointer[ModelState]

	histMu       sync.Mutex
	history      []trainingSample
	sinceRetrain int
	version      atomic.Int64

	retraining atomic.Bool
}

// NewEnsemble creates an untrained ensemble. Until the first retrain both
// sub-scores report zero and nothing is flagged anomalous.
func NewEnsemble(cfg config.AnomalyConfig, logger *zap.Logger) *Ensemble {
	return &Ensemble{
		logger:  logger,
		cfg:     cfg,
		history: make([]trainingSample, 0, cfg.MaxHistory),
	}
}

// Reconfigure applies a hot-reloaded anomaly configuration. The current
// ModelState stays valid; new settings take effect at the next retrain and
// the thresholds apply to subsequent scoring immediately.
func (e *Ensemble) Reconfigure(cfg config.AnomalyConfig) {
	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()
}

func (e *Ensemble) config() config.AnomalyConfig {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// Score evaluates a feature vector against the current model snapshot.
// sensitivity scales both sub-scores before the vote (segment-dependent).
// Deterministic for a fixed snapshot, so re-scoring an event is idempotent.
func (e *Ensemble) Score(fv models.FeatureVector, sensitivity float64) *models.AnomalyResult {
	cfg := e.config()
	state := e.state.Load()
	if state == nil {
		return &models.AnomalyResult{}
	}
	if sensitivity <= 0 {
		sensitivity = 1.0
	}

	scaled := state.scaler.transform(fv)
	forest := clamp01(state.forestScore(scaled) * sensitivity)
	local := clamp01(state.localScore(scaled) * sensitivity)

	forestAnomaly := forest > cfg.ForestThreshold
	localAnomaly := local > cfg.LocalThreshold

	var isAnomaly bool
	if cfg.VotingPolicy == "disjunctive" {
		isAnomaly = forestAnomaly || localAnomaly
	} else {
		// Conjunctive: both scorers must agree, trading recall for a lower
		// false-positive rate.
		isAnomaly = forestAnomaly && localAnomaly
	}

	result := &models.AnomalyResult{
		IsAnomaly:     isAnomaly,
		EnsembleScore: (forest + local) / 2,
		ForestScore:   forest,
		ForestAnomaly: forestAnomaly,
		LocalScore:    local,
		LocalAnomaly:  localAnomaly,
		ModelVersion:  state.Version,
	}
	if forestAnomaly {
		result.Flags = append(result.Flags, "isolation_forest_anomaly")
	}
	if localAnomaly {
		result.Flags = append(result.Flags, "local_density_anomaly")
	}
	return result
}

// Enroll appends a scored event's feature vector to the bounded FIFO
// training history, tagged when the rule engine confirmed a violation, and
// kicks off an asynchronous retrain once enough new samples accumulated.
// Never blocks scoring.
func (e *Ensemble) Enroll(fv models.FeatureVector, violation bool) {
	cfg := e.config()

	e.histMu.Lock()
	e.history = append(e.history, trainingSample{vector: fv, violation: violation})
	if len(e.history) > cfg.MaxHistory {
		e.history = e.history[len(e.history)-cfg.MaxHistory:]
	}
	e.sinceRetrain++
	trigger := e.sinceRetrain >= cfg.RetrainTrigger && len(e.history) >= cfg.MinTrainSamples
	e.histMu.Unlock()

	if trigger && e.retraining.CompareAndSwap(false, true) {
		go func() {
			defer e.retraining.Store(false)
			if _, err := e.retrain(context.Background()); err != nil {
				// Fail-open: the previous snapshot stays published.
				e.logger.Error("background retrain failed, keeping previous model", zap.Error(err))
			}
		}()
	}
}

// Retrain rebuilds the model from the full training history. force skips the
// minimum-sample check. The new state is fully built before being published;
// cancellation or failure leaves the previous state in place.
func (e *Ensemble) Retrain(ctx context.Context, force bool) (*models.RetrainResult, error) {
	cfg := e.config()

	e.histMu.Lock()
	n := len(e.history)
	e.histMu.Unlock()
	if !force && n < cfg.MinTrainSamples {
		return &models.RetrainResult{SampleSize: n}, &models.RetrainFailure{
			SampleSize: n,
			Cause:      errNotEnoughSamples,
		}
	}
	return e.retrain(ctx)
}

func (e *Ensemble) retrain(ctx context.Context) (*models.RetrainResult, error) {
	start := time.Now()
	cfg := e.config()

	// Snapshot the history; training works on the copy so scoring and
	// enrollment continue untouched.
	e.histMu.Lock()
	snapshot := make([]trainingSample, len(e.history))
	copy(snapshot, e.history)
	e.sinceRetrain = 0
	e.histMu.Unlock()

	if len(snapshot) == 0 {
		return &models.RetrainResult{}, &models.RetrainFailure{Cause: errNotEnoughSamples}
	}

	// Violation-tagged vectors are replicated so confirmed outcomes pull the
	// learned boundaries without requiring supervised labels.
	weight := int(math.Max(1, cfg.ViolationWeight))
	data := make([]models.FeatureVector, 0, len(snapshot)*weight)
	for _, s := range snapshot {
		data = append(data, s.vector)
		if s.violation {
			for i := 1; i < weight; i++ {
				data = append(data, s.vector)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, &models.RetrainFailure{SampleSize: len(snapshot), Cause: err}
	}

	version := e.version.Add(1)
	rng := rand.New(rand.NewSource(42 + version))

	sc := fitScaler(data)
	scaled := make([]models.FeatureVector, len(data))
	for i, fv := range data {
		scaled[i] = sc.transform(fv)
	}

	forest, cNorm := buildForest(scaled, cfg.Trees, cfg.SubsampleSize, rng)

	if err := ctx.Err(); err != nil {
		return nil, &models.RetrainFailure{SampleSize: len(snapshot), Cause: err}
	}

	sample := scaled
	if len(sample) > localSampleCap {
		sample = sample[len(sample)-localSampleCap:]
	}
	meanKD, stdKD := fitLocalStats(sample, cfg.Neighbors)

	next := &ModelState{
		Version:     version,
		TrainedAt:   time.Now().UTC(),
		SampleSize:  len(snapshot),
		scaler:      sc,
		forest:      forest,
		cNorm:       cNorm,
		sample:      sample,
		kNeighbors:  cfg.Neighbors,
		meanKDist:   meanKD,
		stddevKDist: stdKD,
	}

	if err := ctx.Err(); err != nil {
		return nil, &models.RetrainFailure{SampleSize: len(snapshot), Cause: err}
	}

	// Publish in one step; in-flight scoring keeps the snapshot it loaded.
	e.state.Store(next)

	duration := time.Since(start)
	e.logger.Info("anomaly model retrained",
		zap.Int64("version", version),
		zap.Int("samples", len(snapshot)),
		zap.Duration("duration", duration))

	return &models.RetrainResult{
		Success:    true,
		SampleSize: len(snapshot),
		Duration:   duration,
		Version:    version,
	}, nil
}

// Status reports a read-only snapshot for observability.
func (e *Ensemble) Status() map[string]interface{} {
	e.histMu.Lock()
	historyLen := len(e.history)
	pending := e.sinceRetrain
	e.histMu.Unlock()

	out := map[string]interface{}{
		"history_size":   historyLen,
		"since_retrain":  pending,
		"retraining":     e.retraining.Load(),
		"trained":        false,
	}
	if state := e.state.Load(); state != nil {
		out["trained"] = true
		out["model_version"] = state.Version
		out["trained_at"] = state.TrainedAt
		out["sample_size"] = state.SampleSize
	}
	return out
}

// CurrentState exposes the live snapshot so callers can pin a model for a
// batch of idempotent re-scores.
func (e *Ensemble) CurrentState() *ModelState { return e.state.Load() }

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var errNotEnoughSamples = &notEnoughSamplesError{}

type notEnoughSamplesError struct{}

func (*notEnoughSamplesError) Error() string { return "not enough training samples" }
