package ml

import (
	"math"
	"math/rand"
	"time"
)

// Autoencoder is a small fully-connected denoising autoencoder. The encoder
// compresses the input through a bottleneck much narrower than the feature
// space, forcing the network to learn the manifold of normal traffic; inputs
// far off that manifold reconstruct poorly. Weights are exported so the
// trained network serializes to JSON as a self-contained artifact.
type Autoencoder struct {
	Dims    []int         `json:"dims"`    // layer widths, input first
	Weights [][][]float64 `json:"weights"` // Weights[l][out][in]
	Biases  [][]float64   `json:"biases"`  // Biases[l][out]
}

// TrainConfig bounds a training run. Zero values fall back to defaults.
type TrainConfig struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
	NoiseStd     float64 // stddev of Gaussian input noise, in standardized units
	Seed         int64
}

func (c TrainConfig) withDefaults() TrainConfig {
	if c.Epochs <= 0 {
		c.Epochs = 30
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 1e-3
	}
	if c.NoiseStd <= 0 {
		c.NoiseStd = 0.1
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return c
}

// NewAutoencoder builds an untrained network with the 64-32-bottleneck
// mirror-image layout around the given input width.
func NewAutoencoder(inputDim, bottleneck int, rng *rand.Rand) *Autoencoder {
	dims := []int{inputDim, 64, 32, bottleneck, 32, 64, inputDim}
	a := &Autoencoder{Dims: dims}
	for l := 0; l < len(dims)-1; l++ {
		in, out := dims[l], dims[l+1]
		scale := math.Sqrt(2.0 / float64(in))
		w := make([][]float64, out)
		for o := range w {
			w[o] = make([]float64, in)
			for i := range w[o] {
				w[o][i] = rng.NormFloat64() * scale
			}
		}
		a.Weights = append(a.Weights, w)
		a.Biases = append(a.Biases, make([]float64, out))
	}
	return a
}

// layers returns the number of weight layers.
func (a *Autoencoder) layers() int { return len(a.Weights) }

// linearLayer reports layers without ReLU: the bottleneck and the output.
func (a *Autoencoder) linearLayer(l int) bool {
	return l == a.layers()/2-1 || l == a.layers()-1
}

// forward runs one vector through the network and returns the activation of
// every layer, input included, for use by backpropagation.
func (a *Autoencoder) forward(x []float64) [][]float64 {
	acts := make([][]float64, a.layers()+1)
	acts[0] = x
	for l := 0; l < a.layers(); l++ {
		in := acts[l]
		out := make([]float64, a.Dims[l+1])
		for o, row := range a.Weights[l] {
			sum := a.Biases[l][o]
			for i, w := range row {
				sum += w * in[i]
			}
			if !a.linearLayer(l) && sum < 0 {
				sum = 0
			}
			out[o] = sum
		}
		acts[l+1] = out
	}
	return acts
}

// Reconstruct maps a standardized vector through encode and decode.
func (a *Autoencoder) Reconstruct(x []float64) []float64 {
	acts := a.forward(x)
	return acts[len(acts)-1]
}

// ReconstructionError is the mean squared difference between a standardized
// vector and its reconstruction.
func (a *Autoencoder) ReconstructionError(x []float64) float64 {
	recon := a.Reconstruct(x)
	var sum float64
	for i, v := range x {
		d := recon[i] - v
		sum += d * d
	}
	return sum / float64(len(x))
}

// adamState carries per-parameter first and second moment estimates.
type adamState struct {
	mW, vW [][][]float64
	mB, vB [][]float64
	step   int
}

func newAdamState(a *Autoencoder) *adamState {
	s := &adamState{}
	for l := 0; l < a.layers(); l++ {
		in, out := a.Dims[l], a.Dims[l+1]
		s.mW = append(s.mW, zeroMatrix(out, in))
		s.vW = append(s.vW, zeroMatrix(out, in))
		s.mB = append(s.mB, make([]float64, out))
		s.vB = append(s.vB, make([]float64, out))
	}
	return s
}

func zeroMatrix(rows, cols int) [][]float64 {
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
	}
	return m
}

// Train fits the network on an already-standardized matrix. Each mini-batch
// is perturbed with Gaussian noise while the loss targets the clean vector,
// so the network learns to project noisy observations back onto the normal
// manifold rather than memorizing inputs.
func (a *Autoencoder) Train(X [][]float64, cfg TrainConfig) {
	cfg = cfg.withDefaults()
	rng := rand.New(rand.NewSource(cfg.Seed))
	adam := newAdamState(a)

	n := len(X)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		rng.Shuffle(n, func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		for start := 0; start < n; start += cfg.BatchSize {
			end := start + cfg.BatchSize
			if end > n {
				end = n
			}
			a.trainBatch(X, idx[start:end], cfg, rng, adam)
		}
	}
}

func (a *Autoencoder) trainBatch(X [][]float64, batch []int, cfg TrainConfig, rng *rand.Rand, adam *adamState) {
	L := a.layers()
	gW := make([][][]float64, L)
	gB := make([][]float64, L)
	for l := 0; l < L; l++ {
		gW[l] = zeroMatrix(a.Dims[l+1], a.Dims[l])
		gB[l] = make([]float64, a.Dims[l+1])
	}

	noisy := make([]float64, a.Dims[0])
	for _, sample := range batch {
		clean := X[sample]
		for i, v := range clean {
			noisy[i] = v + rng.NormFloat64()*cfg.NoiseStd
		}
		acts := a.forward(noisy)
		recon := acts[L]

		// dLoss/dRecon for MSE averaged over output dims.
		delta := make([]float64, len(recon))
		for o := range recon {
			delta[o] = 2 * (recon[o] - clean[o]) / float64(len(recon))
		}

		for l := L - 1; l >= 0; l-- {
			in := acts[l]
			for o, d := range delta {
				gB[l][o] += d
				row := gW[l][o]
				for i, v := range in {
					row[i] += d * v
				}
			}
			if l == 0 {
				break
			}
			prev := make([]float64, a.Dims[l])
			for o, d := range delta {
				for i, w := range a.Weights[l][o] {
					prev[i] += d * w
				}
			}
			if !a.linearLayer(l - 1) {
				for i := range prev {
					if acts[l][i] <= 0 {
						prev[i] = 0
					}
				}
			}
			delta = prev
		}
	}

	inv := 1.0 / float64(len(batch))
	adam.step++
	const beta1, beta2, eps = 0.9, 0.999, 1e-8
	bc1 := 1 - math.Pow(beta1, float64(adam.step))
	bc2 := 1 - math.Pow(beta2, float64(adam.step))
	for l := 0; l < L; l++ {
		for o := range a.Weights[l] {
			for i := range a.Weights[l][o] {
				g := gW[l][o][i] * inv
				adam.mW[l][o][i] = beta1*adam.mW[l][o][i] + (1-beta1)*g
				adam.vW[l][o][i] = beta2*adam.vW[l][o][i] + (1-beta2)*g*g
				a.Weights[l][o][i] -= cfg.LearningRate * (adam.mW[l][o][i] / bc1) / (math.Sqrt(adam.vW[l][o][i]/bc2) + eps)
			}
			g := gB[l][o] * inv
			adam.mB[l][o] = beta1*adam.mB[l][o] + (1-beta1)*g
			adam.vB[l][o] = beta2*adam.vB[l][o] + (1-beta2)*g*g
			a.Biases[l][o] -= cfg.LearningRate * (adam.mB[l][o] / bc1) / (math.Sqrt(adam.vB[l][o]/bc2) + eps)
		}
	}
}
