package anomaly

import (
	"math"
	"sort"

	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/models"
)

// kDistance is the mean distance from a point to its k nearest neighbors in
// the retained training sample.
func kDistance(fv models.FeatureVector, sample []models.FeatureVector, k int) float64 {
	if len(sample) == 0 {
		return 0
	}
	if k > len(sample) {
		k = len(sample)
	}
	dists := make([]float64, 0, len(sample))
	for _, s := range sample {
		dists = append(dists, euclidean(fv, s))
	}
	sort.Float64s(dists)
	var sum float64
	for _, d := range dists[:k] {
		sum += d
	}
	return sum / float64(k)
}

// fitLocalStats computes the distribution of k-neighbor distances across the
// training sample. Scoring compares a query's k-distance against this
// distribution; points far from any local cluster stand out.
func fitLocalStats(sample []models.FeatureVector, k int) (mean, stddev float64) {
	if len(sample) < 2 {
		return 0, 1
	}
	dists := make([]float64, len(sample))
	for i, fv := range sample {
		// Leave the point itself out of its own neighborhood.
		rest := make([]models.FeatureVector, 0, len(sample)-1)
		rest = append(rest, sample[:i]...)
		rest = append(rest, sample[i+1:]...)
		dists[i] = kDistance(fv, rest, k)
	}
	for _, d := range dists {
		mean += d
	}
	mean /= float64(len(dists))
	for _, d := range dists {
		diff := d - mean
		stddev += diff * diff
	}
	stddev = math.Sqrt(stddev / float64(len(dists)))
	if stddev < 1e-9 {
		stddev = 1
	}
	return mean, stddev
}

// localScore maps a scaled vector's neighbor distance to [0,1] through a
// sigmoid over its z-score against the training distribution. A point whose
// neighborhood distance matches the training norm lands near 0.5.
func (m *ModelState) localScore(fv models.FeatureVector) float64 {
	if len(m.sample) == 0 {
		return 0
	}
	kd := kDistance(fv, m.sample, m.kNeighbors)
	z := (kd - m.meanKDist) / m.stddevKDist
	return 1 / (1 + math.Exp(-z))
}
