// Package aggregator combines participants' model updates into one global
// delta per round. Strategies form a closed set chosen at construction, so
// adding one is a compile-time-checked extension. Clipping, differential
// privacy and budget accounting are cross-cutting and apply to every
// strategy.
package aggregator

import (
	"context"
	"fmt"
	"math"

	"github.com/flotilla-ml/flotilla/model"
	"github.com/flotilla-ml/flotilla/pkg/errors"
)

type Strategy string

const (
	FedAvg           Strategy = "fed_avg"
	FedProx          Strategy = "fed_prox"
	FedMA            Strategy = "fed_ma"
	WeightedMedian   Strategy = "weighted_median"
	TrimmedMean      Strategy = "trimmed_mean"
	CoordinateMedian Strategy = "coordinate_median"
	Krum             Strategy = "krum"
)

type Config struct {
	Strategy Strategy `json:"strategy"`

	// ClipNorm bounds each update's global L2 norm before combination,
	// limiting any one participant's influence and fixing the DP
	// sensitivity. Zero disables clipping.
	ClipNorm float64 `json:"clip_norm,omitempty"`

	// ProximalMu is the FedProx proximal coefficient pulling the
	// aggregate toward the previous global model.
	ProximalMu float64 `json:"proximal_mu,omitempty"`

	// TrimRatio is the fraction trimmed from each tail per coordinate by
	// the trimmed-mean strategy.
	TrimRatio float64 `json:"trim_ratio,omitempty"`

	// KrumNeighbors is k in the Krum score: summed squared distance to
	// the k nearest neighbors. Zero derives k = n - 2.
	KrumNeighbors int `json:"krum_neighbors,omitempty"`

	// Arch supplies layer shapes for matched averaging. Without it FedMA
	// degrades to sample-weighted averaging.
	Arch model.Architecture `json:"-"`

	Noise NoiseConfig `json:"noise,omitempty"`

	// TotalEpsilon/TotalDelta bound the session privacy budget.
	TotalEpsilon float64 `json:"total_epsilon,omitempty"`
	TotalDelta   float64 `json:"total_delta,omitempty"`
}

// Result is one round's aggregation outcome.
type Result struct {
	Deltas          map[string][]float64 `json:"deltas"`
	NumUpdates      int                  `json:"num_updates"`
	TotalSamples    int                  `json:"total_samples"`
	AverageLoss     float64              `json:"average_loss"`
	AverageAccuracy float64              `json:"average_accuracy,omitempty"`
	// Byzantine lists participant ids flagged or excluded by resilient
	// strategies. They are surfaced as events, never a round failure.
	Byzantine    []string `json:"byzantine,omitempty"`
	EpsilonSpent float64  `json:"epsilon_spent,omitempty"`
	DeltaSpent   float64  `json:"delta_spent,omitempty"`
	Noised       bool     `json:"noised,omitempty"`
}

type Aggregator interface {
	Aggregate(ctx context.Context, updates []model.Update) (Result, error)
	Budget() Budget
}

// combiner is the per-strategy core. Implementations receive clipped
// updates and return the combined deltas plus any flagged participant ids.
type combiner interface {
	combine(updates []model.Update) (map[string][]float64, []string, error)
}

type aggregator struct {
	cfg    Config
	comb   combiner
	budget *budget
}

func New(cfg Config) (Aggregator, error) {
	var comb combiner
	switch cfg.Strategy {
	case FedAvg, "":
		comb = fedAvg{}
	case FedProx:
		if cfg.ProximalMu < 0 {
			return nil, fmt.Errorf("%w: negative proximal mu", errors.ErrInvalidConfig)
		}
		comb = fedProx{mu: cfg.ProximalMu}
	case FedMA:
		comb = fedMA{arch: cfg.Arch}
	case WeightedMedian:
		comb = weightedMedian{}
	case TrimmedMean:
		if cfg.TrimRatio < 0 || cfg.TrimRatio >= 0.5 {
			return nil, fmt.Errorf("%w: trim ratio must be in [0, 0.5)", errors.ErrInvalidConfig)
		}
		comb = trimmedMean{ratio: cfg.TrimRatio}
	case CoordinateMedian:
		comb = coordinateMedian{}
	case Krum:
		comb = krum{neighbors: cfg.KrumNeighbors}
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", errors.ErrInvalidConfig, cfg.Strategy)
	}

	if cfg.Noise.Mechanism != NoiseNone {
		if err := cfg.Noise.validate(); err != nil {
			return nil, err
		}
		if cfg.TotalEpsilon <= 0 {
			return nil, fmt.Errorf("%w: noise requires a positive total epsilon", errors.ErrInvalidConfig)
		}
	}

	return &aggregator{
		cfg:    cfg,
		comb:   comb,
		budget: newBudget(cfg.TotalEpsilon, cfg.TotalDelta),
	}, nil
}

func (a *aggregator) Aggregate(ctx context.Context, updates []model.Update) (Result, error) {
	if len(updates) == 0 {
		return Result{}, errors.ErrNoUpdates
	}

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	if err := checkConsistent(updates); err != nil {
		return Result{}, err
	}

	clipped := make([]model.Update, len(updates))
	for i, u := range updates {
		clipped[i] = clipUpdate(u, a.cfg.ClipNorm)
	}

	deltas, byzantine, err := a.comb.combine(clipped)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Deltas:          deltas,
		NumUpdates:      len(updates),
		TotalSamples:    totalSamples(updates),
		AverageLoss:     averageLoss(updates),
		AverageAccuracy: averageAccuracy(updates),
		Byzantine:       byzantine,
	}

	if a.cfg.Noise.Mechanism != NoiseNone {
		// Budget spend happens before noise: a session that cannot pay
		// for this round fails closed rather than emitting an unnoised
		// aggregate.
		if err := a.budget.spend(a.cfg.Noise.Epsilon, a.cfg.Noise.Delta); err != nil {
			return Result{}, err
		}

		sensitivity := a.cfg.Noise.Sensitivity
		if sensitivity == 0 {
			sensitivity = a.sensitivity(len(updates))
		}
		if err := addNoise(deltas, a.cfg.Noise, sensitivity); err != nil {
			return Result{}, err
		}
		res.Noised = true
		res.EpsilonSpent = a.cfg.Noise.Epsilon
		res.DeltaSpent = a.cfg.Noise.Delta
	}

	return res, nil
}

func (a *aggregator) Budget() Budget {
	return a.budget.snapshot()
}

// sensitivity of the averaged aggregate under per-update L2 clipping.
func (a *aggregator) sensitivity(n int) float64 {
	clip := a.cfg.ClipNorm
	if clip == 0 {
		clip = 1
	}
	if n == 0 {
		n = 1
	}

	return clip / float64(n)
}

// clipUpdate bounds the update's global L2 norm. Clipping is idempotent:
// an already-clipped update passes through unchanged.
func clipUpdate(u model.Update, clipNorm float64) model.Update {
	if clipNorm <= 0 {
		return u
	}

	var sum float64
	for _, buf := range u.Deltas {
		for _, v := range buf {
			sum += v * v
		}
	}
	norm := math.Sqrt(sum)
	if norm <= clipNorm {
		return u
	}

	scale := clipNorm / norm
	scaled := make(map[string][]float64, len(u.Deltas))
	for name, buf := range u.Deltas {
		out := make([]float64, len(buf))
		for i, v := range buf {
			out[i] = v * scale
		}
		scaled[name] = out
	}
	u.Deltas = scaled

	return u
}

func checkConsistent(updates []model.Update) error {
	ref := updates[0].Deltas
	for _, u := range updates[1:] {
		if len(u.Deltas) != len(ref) {
			return fmt.Errorf("%w: update from %q has %d layers, expected %d",
				errors.ErrInvalidUpdate, u.ParticipantID, len(u.Deltas), len(ref))
		}
		for name, buf := range ref {
			other, ok := u.Deltas[name]
			if !ok || len(other) != len(buf) {
				return fmt.Errorf("%w: update from %q disagrees on layer %q",
					errors.ErrInvalidUpdate, u.ParticipantID, name)
			}
		}
	}

	return nil
}

func totalSamples(updates []model.Update) int {
	total := 0
	for _, u := range updates {
		total += u.NumSamples
	}

	return total
}

func averageLoss(updates []model.Update) float64 {
	if len(updates) == 0 {
		return 0
	}
	var sum float64
	for _, u := range updates {
		sum += u.Loss
	}

	return sum / float64(len(updates))
}

func averageAccuracy(updates []model.Update) float64 {
	if len(updates) == 0 {
		return 0
	}
	var sum float64
	for _, u := range updates {
		sum += u.Accuracy
	}

	return sum / float64(len(updates))
}
