package fraudgraph

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/config"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/models"
)

func testGraphConfig() config.FraudGraphConfig {
	return config.FraudGraphConfig{
		MinRingSize:         5,
		MinCorroboration:    1.0,
		RingRefreshInterval: time.Hour,
	}
}

func newTestGraph(t *testing.T) *Graph {
	return NewGraph(testGraphConfig(), zaptest.NewLogger(t))
}

func observeSharedIP(g *Graph, ip string, users int) {
	observeSharedIPGroup(g, ip, "user", users)
}

func observeSharedIPGroup(g *Graph, ip, prefix string, users int) {
	for i := 0; i < users; i++ {
		g.Observe(&models.Event{
			EventID:   fmt.Sprintf("evt-%s-%d", prefix, i),
			UserID:    fmt.Sprintf("%s-%d", prefix, i),
			IPAddress: ip,
		})
	}
}

func TestSmallGroupsAreNeverRings(t *testing.T) {
	g := newTestGraph(t)
	observeSharedIP(g, "10.0.0.1", 4)

	rings := g.Refresh(context.Background())
	assert.Empty(t, rings)
	assert.Nil(t, g.RingFor("user-0"))
}

func TestSharedResourceRingDetection(t *testing.T) {
	g := newTestGraph(t)
	observeSharedIP(g, "10.0.0.1", 6)

	rings := g.Refresh(context.Background())
	require.Len(t, rings, 1)

	ring := rings[0]
	assert.Equal(t, 6, ring.Size)
	assert.Len(t, ring.Members, 6)
	assert.Equal(t, []string{"ip:10.0.0.1"}, ring.Resources)
	// Every pair shares the single IP once: average edge weight 1.
	assert.InDelta(t, 1.0, ring.AvgEdgeWeight, 1e-9)
	assert.InDelta(t, 6.0/10+1.0/20, ring.RiskScore, 1e-9)
	assert.NotEmpty(t, ring.RingID)
}

func TestRingForReturnsACopyOfTheCache(t *testing.T) {
	g := newTestGraph(t)
	observeSharedIP(g, "10.0.0.2", 5)
	g.Refresh(context.Background())

	ring := g.RingFor("user-2")
	require.NotNil(t, ring)
	ring.RiskScore = 99

	fresh := g.RingFor("user-2")
	require.NotNil(t, fresh)
	assert.NotEqual(t, 99.0, fresh.RiskScore)
}

func TestWeakEdgesAreFilteredByCorroboration(t *testing.T) {
	cfg := testGraphConfig()
	cfg.MinCorroboration = 3.0
	g := NewGraph(cfg, zaptest.NewLogger(t))
	observeSharedIP(g, "10.0.0.3", 6)

	assert.Empty(t, g.Refresh(context.Background()))

	// Repeat observations corroborate the edges past the cutoff.
	observeSharedIP(g, "10.0.0.3", 6)
	observeSharedIP(g, "10.0.0.3", 6)
	observeSharedIP(g, "10.0.0.3", 6)
	rings := g.Refresh(context.Background())
	require.Len(t, rings, 1)
	assert.Equal(t, 6, rings[0].Size)
}

func TestMultipleResourceTypesLinkUsers(t *testing.T) {
	g := newTestGraph(t)
	for i := 0; i < 3; i++ {
		g.Observe(&models.Event{UserID: fmt.Sprintf("dev-user-%d", i), DeviceID: "device-A"})
	}
	for i := 2; i < 5; i++ {
		g.Observe(&models.Event{UserID: fmt.Sprintf("dev-user-%d", i), PaymentRef: "card-B"})
	}

	// The device group and the payment group overlap on dev-user-2, forming
	// one component of five.
	rings := g.Refresh(context.Background())
	require.Len(t, rings, 1)
	assert.Equal(t, 5, rings[0].Size)
	assert.ElementsMatch(t, []string{"device:device-A", "payment:card-B"}, rings[0].Resources)
}

func TestFraudRingsWithCustomMinimumSize(t *testing.T) {
	g := newTestGraph(t)
	observeSharedIP(g, "10.0.0.4", 3)

	assert.Empty(t, g.FraudRings(context.Background(), 0))
	rings := g.FraudRings(context.Background(), 2)
	require.Len(t, rings, 1)
	assert.Equal(t, 3, rings[0].Size)
}

func TestObserveIgnoresUnlinkableEvents(t *testing.T) {
	g := newTestGraph(t)
	g.Observe(&models.Event{UserID: "lonely"})
	g.Observe(&models.Event{IPAddress: "10.0.0.5"})

	status := g.Status()
	assert.Equal(t, 0, status["users"])
}

func TestConcurrentObserveAndDetect(t *testing.T) {
	g := newTestGraph(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			group := i % 5
			observeSharedIPGroup(g, fmt.Sprintf("10.1.0.%d", group), fmt.Sprintf("group%d", group), 6)
		}
	}()
	for i := 0; i < 20; i++ {
		g.Refresh(context.Background())
	}
	<-done

	rings := g.Refresh(context.Background())
	assert.Len(t, rings, 5)
}
