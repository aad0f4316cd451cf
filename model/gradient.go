package model

import (
	"context"
	"math"
)

// GradientFn computes per-layer gradients and the training loss for one
// local epoch. Real deployments plug in a WASM or framework-backed
// implementation; SyntheticGradient is the deterministic fallback.
type GradientFn func(ctx context.Context, w Weights, epoch int) (map[string][]float64, float64, error)

// SyntheticGradient returns a deterministic gradient function that descends
// a quadratic bowl around the origin: grad = w + jitter, loss = mean(w^2)/2.
// Loss decreases monotonically under any of the supported optimizers, which
// makes multi-round convergence behavior reproducible in tests.
func SyntheticGradient(seed int64) GradientFn {
	return func(_ context.Context, w Weights, epoch int) (map[string][]float64, float64, error) {
		grads := make(map[string][]float64, len(w.Layers))
		var sum float64
		var n int

		for name, buf := range w.Layers {
			g := make([]float64, len(buf))
			for i, v := range buf {
				jitter := pseudoUniform(seed, name, epoch, i) * 1e-3
				g[i] = v + jitter
				sum += v * v
				n++
			}
			grads[name] = g
		}

		loss := 0.0
		if n > 0 {
			loss = sum / (2 * float64(n))
		}

		return grads, loss, nil
	}
}

// gradNorm is the global L2 norm across all layer gradients.
func gradNorm(grads map[string][]float64) float64 {
	var sum float64
	for _, g := range grads {
		for _, v := range g {
			sum += v * v
		}
	}

	return math.Sqrt(sum)
}
