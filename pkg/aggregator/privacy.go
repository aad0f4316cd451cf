package aggregator

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/flotilla-ml/flotilla/pkg/errors"
)

type NoiseMechanism string

const (
	NoiseNone     NoiseMechanism = ""
	NoiseGaussian NoiseMechanism = "gaussian"
	NoiseLaplace  NoiseMechanism = "laplace"
)

type NoiseConfig struct {
	Mechanism NoiseMechanism `json:"mechanism,omitempty"`
	// Epsilon and Delta are the per-round privacy cost.
	Epsilon float64 `json:"epsilon,omitempty"`
	Delta   float64 `json:"delta,omitempty"`
	// Sensitivity overrides the derived L2 sensitivity when non-zero.
	Sensitivity float64 `json:"sensitivity,omitempty"`
}

func (c NoiseConfig) validate() error {
	switch c.Mechanism {
	case NoiseGaussian:
		if c.Epsilon <= 0 || c.Delta <= 0 {
			return fmt.Errorf("%w: gaussian noise requires positive epsilon and delta", errors.ErrInvalidConfig)
		}
	case NoiseLaplace:
		if c.Epsilon <= 0 {
			return fmt.Errorf("%w: laplace noise requires a positive epsilon", errors.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown noise mechanism %q", errors.ErrInvalidConfig, c.Mechanism)
	}

	return nil
}

// Spend records one round's debit against the privacy budget.
type Spend struct {
	Epsilon float64   `json:"epsilon"`
	Delta   float64   `json:"delta"`
	At      time.Time `json:"at"`
}

// Budget is a read-only snapshot of the session privacy ledger. Consumed
// totals only ever grow and never exceed the configured totals.
type Budget struct {
	TotalEpsilon    float64 `json:"total_epsilon"`
	TotalDelta      float64 `json:"total_delta"`
	ConsumedEpsilon float64 `json:"consumed_epsilon"`
	ConsumedDelta   float64 `json:"consumed_delta"`
	Exhausted       bool    `json:"exhausted"`
	History         []Spend `json:"history,omitempty"`
}

func (b Budget) RemainingEpsilon() float64 {
	return b.TotalEpsilon - b.ConsumedEpsilon
}

type budget struct {
	mu sync.Mutex

	totalEpsilon float64
	totalDelta   float64
	epsilon      float64
	delta        float64
	exhausted    bool
	history      []Spend
}

func newBudget(totalEpsilon, totalDelta float64) *budget {
	return &budget{totalEpsilon: totalEpsilon, totalDelta: totalDelta}
}

// spend debits the ledger or fails closed. A denied spend leaves the
// consumed totals untouched but latches the exhausted flag, so every later
// round that needs noise also fails.
func (b *budget) spend(epsilon, delta float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.exhausted ||
		b.epsilon+epsilon > b.totalEpsilon ||
		(b.totalDelta > 0 && b.delta+delta > b.totalDelta) {
		b.exhausted = true

		return fmt.Errorf("%w: consumed %.4f of %.4f epsilon",
			errors.ErrPrivacyBudgetExhausted, b.epsilon, b.totalEpsilon)
	}

	b.epsilon += epsilon
	b.delta += delta
	b.history = append(b.history, Spend{Epsilon: epsilon, Delta: delta, At: time.Now()})

	return nil
}

func (b *budget) snapshot() Budget {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Budget{
		TotalEpsilon:    b.totalEpsilon,
		TotalDelta:      b.totalDelta,
		ConsumedEpsilon: b.epsilon,
		ConsumedDelta:   b.delta,
		Exhausted:       b.exhausted,
		History:         append([]Spend(nil), b.history...),
	}
}

// addNoise perturbs the aggregate in place using cryptographic randomness.
func addNoise(deltas map[string][]float64, cfg NoiseConfig, sensitivity float64) error {
	switch cfg.Mechanism {
	case NoiseGaussian:
		sigma := sensitivity * math.Sqrt(2*math.Log(1.25/cfg.Delta)) / cfg.Epsilon
		for _, buf := range deltas {
			for i := range buf {
				n, err := gaussianNoise(sigma)
				if err != nil {
					return err
				}
				buf[i] += n
			}
		}
	case NoiseLaplace:
		scale := sensitivity / cfg.Epsilon
		for _, buf := range deltas {
			for i := range buf {
				n, err := laplaceNoise(scale)
				if err != nil {
					return err
				}
				buf[i] += n
			}
		}
	}

	return nil
}

// gaussianNoise draws N(0, sigma^2) via Box-Muller.
func gaussianNoise(sigma float64) (float64, error) {
	u1, err := randomUnit()
	if err != nil {
		return 0, err
	}
	u2, err := randomUnit()
	if err != nil {
		return 0, err
	}

	return sigma * math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2), nil
}

// laplaceNoise draws Laplace(0, scale) via the inverse CDF.
func laplaceNoise(scale float64) (float64, error) {
	u, err := randomUnit()
	if err != nil {
		return 0, err
	}
	u -= 0.5

	sign := 1.0
	if u < 0 {
		sign = -1.0
	}

	return -scale * sign * math.Log(1-2*math.Abs(u)), nil
}

// randomUnit returns a uniform draw in (0, 1).
func randomUnit() (float64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("failed to read random bytes: %w", err)
	}

	u := float64(binary.LittleEndian.Uint64(b[:])>>11) / float64(1<<53)
	if u == 0 {
		u = math.SmallestNonzeroFloat64
	}

	return u, nil
}
