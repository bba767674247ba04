// Package fraudgraph maintains the shared-resource user graph and detects
// coordinated fraud rings. Edge upserts are O(1) against resource indices;
// ring detection traverses a point-in-time snapshot so it never holds the
// write lock during the scan.
package fraudgraph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/config"
	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/models"
)

// Resource type prefixes for shared-resource keys.
const (
	ResourceDevice  = "device"
	ResourceIP      = "ip"
	ResourcePayment = "payment"
)

type edgeData struct {
	weight    float64
	resources map[string]struct{}
}

// Graph is the in-memory fraud graph. Edges exist only between users that
// share a concrete resource value; there is no transitive inference.
type Graph struct {
	logger *zap.Logger

	cfgMu sync.RWMutex
	cfg   config.FraudGraphConfig

	mu        sync.RWMutex
	resources map[string]map[string]struct{} // resource key -> user set
	adj       map[string]map[string]*edgeData

	ringMu      sync.RWMutex
	rings       []models.FraudRing
	ringsByUser map[string]*models.FraudRing
	ringsAt     time.Time

	sf singleflight.Group
}

// NewGraph creates an empty fraud graph.
func NewGraph(cfg config.FraudGraphConfig, logger *zap.Logger) *Graph {
	return &Graph{
		logger:      logger,
		cfg:         cfg,
		resources:   make(map[string]map[string]struct{}),
		adj:         make(map[string]map[string]*edgeData),
		ringsByUser: make(map[string]*models.FraudRing),
	}
}

// Reconfigure applies a hot-reloaded fraud-graph configuration.
func (g *Graph) Reconfigure(cfg config.FraudGraphConfig) {
	g.cfgMu.Lock()
	g.cfg = cfg
	g.cfgMu.Unlock()
}

func (g *Graph) config() config.FraudGraphConfig {
	g.cfgMu.RLock()
	defer g.cfgMu.RUnlock()
	return g.cfg
}

// Observe upserts edges for every shareable resource the event carries,
// linking its user to every user already seen on the same resource value.
// Safe under concurrent writers.
func (g *Graph) Observe(event *models.Event) {
	if event.UserID == "" {
		return
	}
	keys := make([]string, 0, 3)
	if event.DeviceID != "" {
		keys = append(keys, resourceKey(ResourceDevice, event.DeviceID))
	}
	if event.IPAddress != "" {
		keys = append(keys, resourceKey(ResourceIP, event.IPAddress))
	}
	if event.PaymentRef != "" {
		keys = append(keys, resourceKey(ResourcePayment, event.PaymentRef))
	}
	if len(keys) == 0 {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, key := range keys {
		users := g.resources[key]
		if users == nil {
			users = make(map[string]struct{})
			g.resources[key] = users
		}
		if _, seen := users[event.UserID]; !seen {
			users[event.UserID] = struct{}{}
		}
		for peer := range users {
			if peer == event.UserID {
				continue
			}
			g.upsertEdgeLocked(event.UserID, peer, key)
			g.upsertEdgeLocked(peer, event.UserID, key)
		}
	}
}

func (g *Graph) upsertEdgeLocked(from, to, resource string) {
	peers := g.adj[from]
	if peers == nil {
		peers = make(map[string]*edgeData)
		g.adj[from] = peers
	}
	e := peers[to]
	if e == nil {
		e = &edgeData{resources: make(map[string]struct{})}
		peers[to] = e
	}
	e.weight++
	e.resources[resource] = struct{}{}
}

// RingFor returns the cached ring containing a user, or nil. Reads only the
// cached detection result so the per-event hot path never scans the graph;
// a stale cache kicks off an asynchronous refresh.
func (g *Graph) RingFor(userID string) *models.FraudRing {
	cfg := g.config()

	g.ringMu.RLock()
	ring := g.ringsByUser[userID]
	stale := time.Since(g.ringsAt) > cfg.RingRefreshInterval
	g.ringMu.RUnlock()

	if stale {
		go g.Refresh(context.Background())
	}
	if ring == nil {
		return nil
	}
	copied := *ring
	return &copied
}

// Refresh recomputes ring detection with the configured minimum size.
// Concurrent callers collapse into a single traversal.
func (g *Graph) Refresh(ctx context.Context) []models.FraudRing {
	cfg := g.config()
	rings := g.detect(ctx, cfg.MinRingSize)

	byUser := make(map[string]*models.FraudRing)
	for i := range rings {
		for _, member := range rings[i].Members {
			byUser[member] = &rings[i]
		}
	}

	g.ringMu.Lock()
	g.rings = rings
	g.ringsByUser = byUser
	g.ringsAt = time.Now()
	g.ringMu.Unlock()

	return rings
}

// FraudRings runs ring detection at the given minimum size (0 uses the
// configured default) and returns the detected rings largest first.
func (g *Graph) FraudRings(ctx context.Context, minSize int) []models.FraudRing {
	cfg := g.config()
	if minSize <= 0 {
		minSize = cfg.MinRingSize
	}
	if minSize == cfg.MinRingSize {
		return g.Refresh(ctx)
	}
	return g.detect(ctx, minSize)
}

// detect traverses a snapshot of the adjacency structure: connected
// components restricted to edges above the corroboration threshold, keeping
// components at or above minSize.
func (g *Graph) detect(ctx context.Context, minSize int) []models.FraudRing {
	key := fmt.Sprintf("detect:%d", minSize)
	v, _, _ := g.sf.Do(key, func() (interface{}, error) {
		return g.detectOnce(ctx, minSize), nil
	})
	rings, _ := v.([]models.FraudRing)
	return rings
}

type snapshotEdge struct {
	peer      string
	weight    float64
	resources []string
}

func (g *Graph) detectOnce(_ context.Context, minSize int) []models.FraudRing {
	cfg := g.config()

	// Copy the adjacency structure under the read lock; the traversal below
	// runs entirely on the copy.
	g.mu.RLock()
	snap := make(map[string][]snapshotEdge, len(g.adj))
	for user, peers := range g.adj {
		edges := make([]snapshotEdge, 0, len(peers))
		for peer, e := range peers {
			if e.weight < cfg.MinCorroboration {
				continue
			}
			res := make([]string, 0, len(e.resources))
			for r := range e.resources {
				res = append(res, r)
			}
			edges = append(edges, snapshotEdge{peer: peer, weight: e.weight, resources: res})
		}
		snap[user] = edges
	}
	g.mu.RUnlock()

	visited := make(map[string]bool, len(snap))
	var rings []models.FraudRing

	for user := range snap {
		if visited[user] {
			continue
		}
		members, edgeCount, weightSum, resources := component(snap, user, visited)
		if len(members) < minSize {
			continue
		}
		avgWeight := 0.0
		if edgeCount > 0 {
			avgWeight = weightSum / float64(edgeCount)
		}
		sort.Strings(members)
		rings = append(rings, models.FraudRing{
			RingID:        uuid.New().String(),
			Members:       members,
			Size:          len(members),
			Resources:     resources,
			AvgEdgeWeight: avgWeight,
			RiskScore:     ringRisk(len(members), avgWeight),
			DetectedAt:    time.Now().UTC(),
		})
	}

	sort.Slice(rings, func(i, j int) bool { return rings[i].Size > rings[j].Size })
	if len(rings) > 0 {
		g.logger.Debug("fraud ring detection completed",
			zap.Int("rings", len(rings)), zap.Int("min_size", minSize))
	}
	return rings
}

// component walks one connected component via BFS over the snapshot.
func component(snap map[string][]snapshotEdge, start string, visited map[string]bool) (members []string, edgeCount int, weightSum float64, resources []string) {
	queue := []string{start}
	visited[start] = true
	resSet := make(map[string]struct{})

	for len(queue) > 0 {
		user := queue[0]
		queue = queue[1:]
		members = append(members, user)
		for _, e := range snap[user] {
			// Each undirected edge appears twice in the snapshot.
			edgeCount++
			weightSum += e.weight
			for _, r := range e.resources {
				resSet[r] = struct{}{}
			}
			if !visited[e.peer] {
				visited[e.peer] = true
				queue = append(queue, e.peer)
			}
		}
	}
	edgeCount /= 2
	weightSum /= 2

	resources = make([]string, 0, len(resSet))
	for r := range resSet {
		resources = append(resources, r)
	}
	sort.Strings(resources)
	return members, edgeCount, weightSum, resources
}

// ringRisk grows with ring size and edge corroboration, capped at 1.
func ringRisk(size int, avgWeight float64) float64 {
	risk := float64(size)/10 + avgWeight/20
	if risk > 1 {
		return 1
	}
	return risk
}

// Status reports graph topology statistics for observability.
func (g *Graph) Status() map[string]interface{} {
	g.mu.RLock()
	users := len(g.adj)
	edges := 0
	for _, peers := range g.adj {
		edges += len(peers)
	}
	resources := len(g.resources)
	g.mu.RUnlock()

	g.ringMu.RLock()
	ringCount := len(g.rings)
	ringsAt := g.ringsAt
	g.ringMu.RUnlock()

	return map[string]interface{}{
		"users":          users,
		"edges":          edges / 2,
		"resources":      resources,
		"detected_rings": ringCount,
		"rings_at":       ringsAt,
	}
}

func resourceKey(kind, value string) string {
	return kind + ":" + value
}
