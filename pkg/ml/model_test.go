package ml

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clusteredMatrix builds n vectors scattered tightly around a few fixed
// centers, mimicking a stable baseline of normal traffic.
func clusteredMatrix(n, dim int, seed int64) (X [][]float64, centers [][]float64) {
	rng := rand.New(rand.NewSource(seed))
	centers = make([][]float64, 3)
	for c := range centers {
		centers[c] = make([]float64, dim)
		for j := range centers[c] {
			centers[c][j] = rng.Float64() * 10
		}
	}
	X = make([][]float64, n)
	for i := range X {
		center := centers[i%len(centers)]
		row := make([]float64, dim)
		for j := range row {
			row[j] = center[j] + rng.NormFloat64()*0.05
		}
		X[i] = row
	}
	return X, centers
}

func TestTrainModelRejectsSmallBaseline(t *testing.T) {
	X, _ := clusteredMatrix(9, 85, 1)
	_, err := TrainModel(X, TrainConfig{Epochs: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientSamples)
}

func TestBaselineAnomalyRateNearFivePercent(t *testing.T) {
	X, _ := clusteredMatrix(500, 85, 2)
	model, err := TrainModel(X, TrainConfig{Epochs: 10, BatchSize: 64, Seed: 7})
	require.NoError(t, err)

	errs, scores, err := model.ScoreMatrix(X)
	require.NoError(t, err)
	require.Len(t, errs, 500)

	above := 0
	for _, s := range scores {
		if s > 1.0 {
			above++
		}
	}
	// The threshold is the 95th percentile of this very distribution, so
	// the rate is ~5% by construction, within interpolation slack.
	rate := float64(above) / float64(len(scores))
	assert.InDelta(t, 0.05, rate, 0.03)
}

func TestInClusterVsExtremeOutlier(t *testing.T) {
	X, centers := clusteredMatrix(500, 85, 3)
	model, err := TrainModel(X, TrainConfig{Epochs: 40, BatchSize: 64, Seed: 11})
	require.NoError(t, err)

	// A cluster center is the most typical point the model has seen.
	_, centerScore, err := model.Score(centers[0])
	require.NoError(t, err)
	assert.Less(t, centerScore, 1.0, "in-cluster vector should score below threshold")

	outlier := make([]float64, len(centers[0]))
	for j, v := range centers[0] {
		outlier[j] = v*1000 + 500
	}
	_, outlierScore, err := model.Score(outlier)
	require.NoError(t, err)
	assert.Greater(t, outlierScore, 1.0, "extreme outlier should score above threshold")
}

func TestScoreRejectsWrongWidth(t *testing.T) {
	X, _ := clusteredMatrix(50, 10, 4)
	model, err := TrainModel(X, TrainConfig{Epochs: 2, Seed: 5})
	require.NoError(t, err)

	_, _, err = model.Score(make([]float64, 9))
	assert.Error(t, err)
}

func TestScalerStandardizes(t *testing.T) {
	X := [][]float64{{1, 100}, {3, 100}, {5, 100}}
	s := FitScaler(X)
	assert.InDelta(t, 3.0, s.Mean[0], 1e-9)
	// Constant column keeps a unit std so the transform stays defined.
	assert.Equal(t, 1.0, s.Std[1])

	out := s.Transform([]float64{3, 100})
	assert.InDelta(t, 0.0, out[0], 1e-9)
	assert.InDelta(t, 0.0, out[1], 1e-9)
}

func TestPercentileInterpolates(t *testing.T) {
	vals := []float64{4, 1, 3, 2}
	assert.InDelta(t, 2.5, percentile(vals, 50), 1e-9)
	assert.InDelta(t, 4.0, percentile(vals, 100), 1e-9)
	assert.InDelta(t, 1.0, percentile(vals, 0), 1e-9)
}

func TestReconstructIsDeterministic(t *testing.T) {
	X, _ := clusteredMatrix(50, 20, 6)
	model, err := TrainModel(X, TrainConfig{Epochs: 2, Seed: 9})
	require.NoError(t, err)

	e1, s1, err := model.Score(X[0])
	require.NoError(t, err)
	e2, s2, err := model.Score(X[0])
	require.NoError(t, err)
	assert.Equal(t, e1, e2)
	assert.Equal(t, s1, s2)
}
