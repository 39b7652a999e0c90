package ml

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
)

// MinTrainSamples is the smallest baseline that can produce a meaningful
// threshold. Training on less is refused outright instead of silently
// publishing a model calibrated on noise.
const MinTrainSamples = 10

// ThresholdPercentile calibrates the adaptive threshold: by construction
// about 5% of the baseline's own samples score above it.
const ThresholdPercentile = 95.0

// ErrInsufficientSamples is returned when the baseline matrix is too small.
var ErrInsufficientSamples = errors.New("insufficient baseline samples")

// DefaultBottleneck is the latent width of the trained network.
const DefaultBottleneck = 16

// Model bundles the trained network with the transform and threshold fitted
// in the same training run. The three parts are only meaningful together; the
// registry persists and resolves them as one unit.
type Model struct {
	Net       *Autoencoder
	Scaler    *Scaler
	Threshold float64
}

// TrainModel runs the full train/calibrate contract on a baseline matrix of
// assumed-normal flows:
//
//  1. fit the per-feature standardization on the matrix,
//  2. train the denoising autoencoder on the standardized rows,
//  3. set the threshold to the 95th percentile of reconstruction error over
//     the clean standardized matrix.
func TrainModel(X [][]float64, cfg TrainConfig) (*Model, error) {
	if len(X) < MinTrainSamples {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientSamples, len(X), MinTrainSamples)
	}
	cfg = cfg.withDefaults()

	scaler := FitScaler(X)
	scaled := scaler.TransformMatrix(X)

	net := NewAutoencoder(len(X[0]), DefaultBottleneck, rand.New(rand.NewSource(cfg.Seed)))
	net.Train(scaled, cfg)

	errs := make([]float64, len(scaled))
	for i, row := range scaled {
		errs[i] = net.ReconstructionError(row)
	}
	threshold := percentile(errs, ThresholdPercentile)
	if threshold <= 0 {
		// Degenerate baseline (all rows identical); keep scores finite.
		threshold = 1e-12
	}

	return &Model{Net: net, Scaler: scaler, Threshold: threshold}, nil
}

// Score standardizes one raw feature vector and returns its reconstruction
// error and normalized anomaly score. A score above 1.0 means the error
// exceeds the adaptive threshold.
func (m *Model) Score(x []float64) (reconErr, score float64, err error) {
	if len(x) != len(m.Scaler.Mean) {
		return 0, 0, fmt.Errorf("feature count mismatch: got %d, model expects %d", len(x), len(m.Scaler.Mean))
	}
	reconErr = m.Net.ReconstructionError(m.Scaler.Transform(x))
	return reconErr, reconErr / m.Threshold, nil
}

// ScoreMatrix scores every row, returning per-sample errors and normalized
// scores.
func (m *Model) ScoreMatrix(X [][]float64) (errs, scores []float64, err error) {
	errs = make([]float64, len(X))
	scores = make([]float64, len(X))
	for i, row := range X {
		e, s, serr := m.Score(row)
		if serr != nil {
			return nil, nil, serr
		}
		errs[i] = e
		scores[i] = s
	}
	return errs, scores, nil
}

// percentile computes the p-th percentile with linear interpolation between
// the closest ranks.
func percentile(vals []float64, p float64) float64 {
	sorted := append([]float64(nil), vals...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(rank)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[lo+1]*frac
}
