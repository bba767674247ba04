// Package anomaly implements the unsupervised outlier ensemble: an
// isolation-forest scorer and a neighbor-distance scorer voting on each
// feature vector. The learned state is an immutable snapshot published by
// atomic pointer swap so scoring never observes a partial retrain.
package anomaly

import (
	"math"
	"time"

	"github.com/deokhwajeong/ott-compliance-events-pipeline/internal/models"
)

// ModelState is a versioned, immutable snapshot of the ensemble's learned
// parameters. Built fully off to the side during retrain and swapped in as a
// whole; in-flight scoring keeps the snapshot it was handed.
type ModelState struct {
	Version    int64
	TrainedAt  time.Time
	SampleSize int

	scaler scaler
	forest []*isoTree
	// cNorm is the expected path length for the forest subsample size,
	// used to normalize isolation depths to [0,1].
	cNorm float64

	// sample holds scaled training vectors retained for the neighbor scorer,
	// with the mean and spread of k-neighbor distances across the sample.
	sample       []models.FeatureVector
	kNeighbors   int
	meanKDist    float64
	stddevKDist  float64
}

type scaler struct {
	mean [8]float64
	std  [8]float64
}

func fitScaler(data []models.FeatureVector) scaler {
	var s scaler
	n := float64(len(data))
	if n == 0 {
		for i := range s.std {
			s.std[i] = 1
		}
		return s
	}
	for _, fv := range data {
		for i, v := range fv {
			s.mean[i] += v
		}
	}
	for i := range s.mean {
		s.mean[i] /= n
	}
	for _, fv := range data {
		for i, v := range fv {
			d := v - s.mean[i]
			s.std[i] += d * d
		}
	}
	for i := range s.std {
		s.std[i] = math.Sqrt(s.std[i] / n)
		if s.std[i] < 1e-9 {
			s.std[i] = 1
		}
	}
	return s
}

func (s scaler) transform(fv models.FeatureVector) models.FeatureVector {
	var out models.FeatureVector
	for i, v := range fv {
		out[i] = (v - s.mean[i]) / s.std[i]
	}
	return out
}

// avgPathLength is the expected average path length of an unsuccessful BST
// search over n points, the standard isolation-forest normalizer.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+0.5772156649) - 2*(fn-1)/fn
}

func euclidean(a, b models.FeatureVector) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}
