package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/anomaly"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/config"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/fraudgraph"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/geoip"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/models"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/predictor"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/rules"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/segments"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/thresholds"
)

type testPipeline struct {
	engine   *Engine
	segments *segments.Engine
	graph    *fraudgraph.Graph
}

func newTestPipeline(t *testing.T, mutate func(*config.Config), opts func(*Options)) *testPipeline {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Pipeline.Workers = 4
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	logger := zaptest.NewLogger(t)
	seg := segments.NewEngine(logger)
	graph := fraudgraph.NewGraph(cfg.FraudGraph, logger)
	options := Options{
		Rules:      rules.NewEngine(logger, cfg.Rules.RegionOverrides),
		Ensemble:   anomaly.NewEnsemble(cfg.Anomaly, logger),
		Thresholds: thresholds.NewManager(cfg.Thresholds, logger),
		Predictor:  predictor.NewPredictor(cfg.Predictor, logger),
		Graph:      graph,
		Segments:   seg,
	}
	if opts != nil {
		opts(&options)
	}
	return &testPipeline{
		engine:   NewEngine(cfg.Pipeline, logger, options),
		segments: seg,
		graph:    graph,
	}
}

func TestCriticalScenario(t *testing.T) {
	tp := newTestPipeline(t, nil, nil)
	ctx := context.Background()

	// Six accounts share one IP; the scored account is already profiled as
	// suspicious from prior violations.
	for i := 0; i < 6; i++ {
		tp.graph.Observe(&models.Event{
			UserID:    fmt.Sprintf("ring-user-%d", i),
			IPAddress: "203.0.113.7",
		})
	}
	tp.engine.RefreshRings(ctx)
	tp.segments.UpdateProfile(segments.Profile{
		UserID:            "ring-user-0",
		DaysSinceSignup:   120,
		EventCount30d:     80,
		ViolationCount30d: 7,
	})

	assessment, err := tp.engine.Score(ctx, &models.Event{
		EventID:    "evt-critical",
		UserID:     "ring-user-0",
		IPAddress:  "203.0.113.7",
		Region:     "DE",
		IsEU:       true,
		HasConsent: false,
		EventType:  "export",
		Timestamp:  time.Date(2026, 5, 12, 3, 10, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.Equal(t, models.RiskLevelCritical, assessment.RiskLevel)
	assert.Equal(t, models.SegmentSuspiciousUser, assessment.Segment)
	require.NotEmpty(t, assessment.Violations)
	assert.Equal(t, "GDPR", assessment.Violations[0].Regulation)
	require.NotNil(t, assessment.FraudRing)
	assert.Equal(t, 6, assessment.FraudRing.Size)
	assert.False(t, assessment.Partial)
	assert.Greater(t, assessment.RiskScore, assessment.Threshold)
}

func TestLowRiskScenario(t *testing.T) {
	tp := newTestPipeline(t, nil, nil)
	tp.segments.UpdateProfile(segments.Profile{
		UserID:          "veteran",
		EventCount30d:   900,
		DaysSinceSignup: 700,
	})

	assessment, err := tp.engine.Score(context.Background(), &models.Event{
		EventID:    "evt-low",
		UserID:     "veteran",
		IPAddress:  "198.51.100.20",
		Region:     "US",
		HasConsent: true,
		EventType:  "play",
		Timestamp:  time.Date(2026, 5, 12, 14, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.Equal(t, models.RiskLevelLow, assessment.RiskLevel)
	assert.Equal(t, models.SegmentPowerUser, assessment.Segment)
	assert.Empty(t, assessment.Violations)
	assert.Nil(t, assessment.FraudRing)
	assert.Less(t, assessment.RiskScore, assessment.Threshold)
}

func TestMalformedEventIsRejected(t *testing.T) {
	tp := newTestPipeline(t, nil, nil)

	assessment, err := tp.engine.Score(context.Background(), &models.Event{
		EventID: "evt-bad",
		UserID:  "u-1",
		Region:  "US",
		// no timestamp
	})
	require.Error(t, err)
	assert.Nil(t, assessment)

	var malformed *models.MalformedEventError
	require.ErrorAs(t, err, &malformed)
}

func TestIdenticalEventsScoreIdentically(t *testing.T) {
	tp := newTestPipeline(t, nil, nil)
	ctx := context.Background()

	event := func(user string) *models.Event {
		return &models.Event{
			EventID:    "evt-" + user,
			UserID:     user,
			Region:     "FR",
			IsEU:       true,
			HasConsent: false,
			EventType:  "download",
			Timestamp:  time.Date(2026, 5, 13, 23, 30, 0, 0, time.UTC),
		}
	}

	first, err := tp.engine.Score(ctx, event("twin-a"))
	require.NoError(t, err)
	second, err := tp.engine.Score(ctx, event("twin-b"))
	require.NoError(t, err)

	assert.Equal(t, first.RiskScore, second.RiskScore)
	assert.Equal(t, first.RiskLevel, second.RiskLevel)
	assert.Equal(t, first.SubScores, second.SubScores)
}

type slowResolver struct{ delay time.Duration }

func (r slowResolver) Resolve(ctx context.Context, _ string) (*geoip.Location, error) {
	select {
	case <-time.After(r.delay):
	case <-ctx.Done():
	}
	return &geoip.Location{CountryCode: "US"}, nil
}

func TestSlowSubStageDegradesToPartial(t *testing.T) {
	tp := newTestPipeline(t,
		func(c *config.Config) { c.Pipeline.SubStageDeadline = 50 * time.Millisecond },
		func(o *Options) {
			o.Geo = geoip.NewValidator(slowResolver{delay: 500 * time.Millisecond}, zaptest.NewLogger(t))
		})

	assessment, err := tp.engine.Score(context.Background(), &models.Event{
		EventID:    "evt-slow",
		UserID:     "u-1",
		IPAddress:  "198.51.100.9",
		Region:     "US",
		HasConsent: true,
		EventType:  "play",
		Timestamp:  time.Date(2026, 5, 12, 14, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.True(t, assessment.Partial)
	assert.Contains(t, assessment.DegradedStages, "geo")
	assert.Zero(t, assessment.SubScores["geo"])
}

// stalledResolver ignores cancellation and answers only when released, the
// worst case for a stage that blows its deadline.
type stalledResolver struct{ release chan struct{} }

func (r *stalledResolver) Resolve(context.Context, string) (*geoip.Location, error) {
	<-r.release
	return &geoip.Location{CountryCode: "RU", City: "Amsterdam", ASN: "AS16509"}, nil
}

func TestLateSubStageResultDoesNotOverrideDegradation(t *testing.T) {
	release := make(chan struct{})
	tp := newTestPipeline(t,
		func(c *config.Config) { c.Pipeline.SubStageDeadline = 20 * time.Millisecond },
		func(o *Options) {
			o.Geo = geoip.NewValidator(&stalledResolver{release: release}, zap.NewNop())
		})

	assessment, err := tp.engine.Score(context.Background(), &models.Event{
		EventID:    "evt-late",
		UserID:     "u-late",
		IPAddress:  "198.51.100.14",
		Region:     "US",
		HasConsent: true,
		EventType:  "play",
		Timestamp:  time.Date(2026, 5, 12, 14, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Contains(t, assessment.DegradedStages, "geo")
	assert.Zero(t, assessment.SubScores["geo"])
	scoreBefore := assessment.RiskScore

	// Release the stalled resolver after the verdict is out; its answer
	// would have scored high, and it must land nowhere.
	close(release)
	time.Sleep(100 * time.Millisecond)

	assert.Zero(t, assessment.SubScores["geo"])
	assert.Equal(t, scoreBefore, assessment.RiskScore)
}

func TestStopDrainsQueuedEvents(t *testing.T) {
	tp := newTestPipeline(t, func(c *config.Config) { c.Pipeline.Workers = 1 }, nil)

	const total = 50
	var (
		mu      sync.Mutex
		handled int
	)
	tp.engine.handler = func(*models.RiskAssessment) {
		mu.Lock()
		handled++
		mu.Unlock()
	}

	tp.engine.Start()
	for i := 0; i < total; i++ {
		require.True(t, tp.engine.Submit(&models.Event{
			EventID:    fmt.Sprintf("evt-%d", i),
			UserID:     fmt.Sprintf("drain-user-%d", i),
			IPAddress:  fmt.Sprintf("192.0.2.%d", i),
			Region:     "US",
			HasConsent: true,
			EventType:  "play",
			Timestamp:  time.Date(2026, 5, 12, 14, i%60, 0, 0, time.UTC),
		}))
	}
	tp.engine.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, total, handled)
}

func TestSubmitDropsWhenQueueFull(t *testing.T) {
	tp := newTestPipeline(t, func(c *config.Config) { c.Pipeline.QueueSize = 1 }, nil)

	// Workers not started: the queue fills immediately.
	assert.True(t, tp.engine.Submit(&models.Event{EventID: "evt-1"}))
	assert.False(t, tp.engine.Submit(&models.Event{EventID: "evt-2"}))
}

func TestConcurrentScoringWithMidstreamRetrain(t *testing.T) {
	tp := newTestPipeline(t, func(c *config.Config) {
		c.Pipeline.Workers = 8
		c.Anomaly.RetrainTrigger = 10000 // retrain only when forced below
	}, nil)

	const total = 1000
	var (
		mu      sync.Mutex
		results []*models.RiskAssessment
	)
	done := make(chan struct{})
	tp.engine.handler = func(a *models.RiskAssessment) {
		mu.Lock()
		results = append(results, a)
		if len(results) == total {
			close(done)
		}
		mu.Unlock()
	}

	tp.engine.Start()
	defer tp.engine.Stop()

	for i := 0; i < total; i++ {
		ok := tp.engine.Submit(&models.Event{
			EventID:    fmt.Sprintf("evt-%d", i),
			UserID:     fmt.Sprintf("user-%d", i),
			IPAddress:  fmt.Sprintf("198.51.%d.%d", i/250, i%250),
			Region:     []string{"US", "DE", "JP", "BR"}[i%4],
			IsEU:       i%4 == 1,
			HasConsent: i%5 != 0,
			EventType:  []string{"play", "login", "export", "download"}[i%4],
			Timestamp:  time.Date(2026, 5, 14, i%24, i%60, 0, 0, time.UTC),
		})
		require.True(t, ok)
		if i == total/2 {
			// A forced retrain needs at least one enrolled outcome; wait for
			// the first assessment so the swap happens mid-batch, not before it.
			require.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(results) > 0
			}, 5*time.Second, 5*time.Millisecond)
			_, err := tp.engine.Retrain(context.Background(), true)
			require.NoError(t, err)
		}
	}

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatalf("only %d of %d assessments finished", len(results), total)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, total)
	for _, a := range results {
		assert.NotEmpty(t, a.AssessmentID)
		assert.NotEmpty(t, a.RiskLevel)
		assert.GreaterOrEqual(t, a.RiskScore, 0.0)
	}
}

func TestStatusAggregatesEngines(t *testing.T) {
	tp := newTestPipeline(t, nil, nil)
	status := tp.engine.Status()
	assert.Contains(t, status, "queue_depth")
	assert.Contains(t, status, "anomaly")
	assert.Contains(t, status, "thresholds")
	assert.Contains(t, status, "fraud_graph")
	assert.Contains(t, status, "segments")
}
