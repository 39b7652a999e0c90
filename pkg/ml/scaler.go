package ml

import "math"

// Scaler standardizes feature vectors with per-feature mean and standard
// deviation. It is fitted only on baseline (assumed-normal) traffic, so the
// standardized space is anchored to what the network looked like during
// learning.
type Scaler struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// FitScaler computes per-feature mean and population standard deviation over
// the matrix. Constant features get a unit std so transformation stays
// well-defined.
func FitScaler(X [][]float64) *Scaler {
	n := len(X)
	d := len(X[0])
	mean := make([]float64, d)
	std := make([]float64, d)
	for _, row := range X {
		for j, v := range row {
			mean[j] += v
		}
	}
	for j := range mean {
		mean[j] /= float64(n)
	}
	for _, row := range X {
		for j, v := range row {
			dv := v - mean[j]
			std[j] += dv * dv
		}
	}
	for j := range std {
		std[j] = math.Sqrt(std[j] / float64(n))
		if std[j] == 0 {
			std[j] = 1
		}
	}
	return &Scaler{Mean: mean, Std: std}
}

// Transform standardizes one vector. The input length must match the fitted
// feature count.
func (s *Scaler) Transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for j, v := range x {
		out[j] = (v - s.Mean[j]) / s.Std[j]
	}
	return out
}

// TransformMatrix standardizes every row.
func (s *Scaler) TransformMatrix(X [][]float64) [][]float64 {
	out := make([][]float64, len(X))
	for i, row := range X {
		out[i] = s.Transform(row)
	}
	return out
}
