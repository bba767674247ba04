package anomaly

import (
	"math"
	"math/rand"

	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/models"
)

// isoTree is one randomized partitioning tree. Trees are built once at
// train time and read-only afterwards, so scoring needs no locking.
type isoTree struct {
	splitDim int
	splitVal float64
	left     *isoTree
	right    *isoTree
	// size is the number of training points in a leaf; interior nodes keep 0.
	size int
}

func buildTree(data []models.FeatureVector, depth, maxDepth int, rng *rand.Rand) *isoTree {
	if len(data) <= 1 || depth >= maxDepth {
		return &isoTree{size: len(data)}
	}

	// Pick a dimension that still varies across the partition; a partition
	// that is constant in every dimension cannot be split further.
	dims := rng.Perm(len(data[0]))
	for _, dim := range dims {
		lo, hi := data[0][dim], data[0][dim]
		for _, fv := range data[1:] {
			if fv[dim] < lo {
				lo = fv[dim]
			}
			if fv[dim] > hi {
				hi = fv[dim]
			}
		}
		if hi-lo < 1e-12 {
			continue
		}

		split := lo + rng.Float64()*(hi-lo)
		var left, right []models.FeatureVector
		for _, fv := range data {
			if fv[dim] < split {
				left = append(left, fv)
			} else {
				right = append(right, fv)
			}
		}
		if len(left) == 0 || len(right) == 0 {
			continue
		}
		return &isoTree{
			splitDim: dim,
			splitVal: split,
			left:     buildTree(left, depth+1, maxDepth, rng),
			right:    buildTree(right, depth+1, maxDepth, rng),
		}
	}
	return &isoTree{size: len(data)}
}

func (t *isoTree) pathLength(fv models.FeatureVector, depth int) float64 {
	if t.left == nil {
		return float64(depth) + avgPathLength(t.size)
	}
	if fv[t.splitDim] < t.splitVal {
		return t.left.pathLength(fv, depth+1)
	}
	return t.right.pathLength(fv, depth+1)
}

// buildForest trains the tree ensemble over scaled data. Each tree sees an
// independent subsample.
func buildForest(data []models.FeatureVector, trees, subsample int, rng *rand.Rand) ([]*isoTree, float64) {
	if subsample > len(data) {
		subsample = len(data)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(subsample)))) + 1

	forest := make([]*isoTree, 0, trees)
	for i := 0; i < trees; i++ {
		sub := make([]models.FeatureVector, subsample)
		for j := range sub {
			sub[j] = data[rng.Intn(len(data))]
		}
		forest = append(forest, buildTree(sub, 0, maxDepth, rng))
	}
	return forest, avgPathLength(subsample)
}

// forestScore maps a scaled vector to an isolation score in (0,1): short
// average paths isolate quickly and score near 1.
func (m *ModelState) forestScore(fv models.FeatureVector) float64 {
	if len(m.forest) == 0 || m.cNorm <= 0 {
		return 0
	}
	var total float64
	for _, t := range m.forest {
		total += t.pathLength(fv, 0)
	}
	avg := total / float64(len(m.forest))
	return math.Pow(2, -avg/m.cNorm)
}
