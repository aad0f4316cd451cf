package coordinator

type Verdict string

const (
	VerdictConverged  Verdict = "CONVERGED"
	VerdictConverging Verdict = "CONVERGING"
	VerdictPlateaued  Verdict = "PLATEAUED"
	VerdictDiverging  Verdict = "DIVERGING"
)

type ConvergenceConfig struct {
	// TargetAccuracy ends training as CONVERGED once reached. Zero
	// disables the accuracy criterion.
	TargetAccuracy float64 `json:"target_accuracy,omitempty"`
	// Patience is the trailing window, in rounds, for the variance and
	// plateau criteria.
	Patience int `json:"patience,omitempty"`
	// VarianceThreshold declares convergence when loss variance over the
	// patience window drops below it.
	VarianceThreshold float64 `json:"variance_threshold,omitempty"`
	// MinLossImprovement is the smallest loss decrease that counts as
	// progress against the plateau counter.
	MinLossImprovement float64 `json:"min_loss_improvement,omitempty"`
	// DivergenceFactor flags DIVERGING when loss exceeds this multiple of
	// the best loss seen.
	DivergenceFactor float64 `json:"divergence_factor,omitempty"`
}

func (c ConvergenceConfig) withDefaults() ConvergenceConfig {
	if c.Patience <= 0 {
		c.Patience = 5
	}
	if c.VarianceThreshold == 0 {
		c.VarianceThreshold = 1e-6
	}
	if c.MinLossImprovement == 0 {
		c.MinLossImprovement = 1e-4
	}
	if c.DivergenceFactor == 0 {
		c.DivergenceFactor = 3.0
	}

	return c
}

// monitor accumulates per-round loss/accuracy and renders a verdict after
// each observation. It is not safe for concurrent use; the coordinator's
// round loop is its only caller.
type monitor struct {
	cfg ConvergenceConfig

	losses    []float64
	bestLoss  float64
	hasBest   bool
	sinceImpr int
}

func newMonitor(cfg ConvergenceConfig) *monitor {
	return &monitor{cfg: cfg.withDefaults()}
}

func (m *monitor) observe(loss, accuracy float64) Verdict {
	improved := !m.hasBest || m.bestLoss-loss >= m.cfg.MinLossImprovement
	if !m.hasBest || loss < m.bestLoss {
		m.bestLoss = loss
		m.hasBest = true
	}
	if improved {
		m.sinceImpr = 0
	} else {
		m.sinceImpr++
	}

	m.losses = append(m.losses, loss)
	if len(m.losses) > m.cfg.Patience {
		m.losses = m.losses[1:]
	}

	switch {
	case m.cfg.TargetAccuracy > 0 && accuracy >= m.cfg.TargetAccuracy:
		return VerdictConverged
	case len(m.losses) == m.cfg.Patience && variance(m.losses) < m.cfg.VarianceThreshold:
		return VerdictConverged
	case m.hasBest && loss > m.cfg.DivergenceFactor*m.bestLoss:
		return VerdictDiverging
	case m.sinceImpr >= m.cfg.Patience:
		return VerdictPlateaued
	case improved:
		return VerdictConverging
	default:
		return VerdictPlateaued
	}
}

func (m *monitor) best() (float64, bool) {
	return m.bestLoss, m.hasBest
}

func (m *monitor) roundsWithoutImprovement() int {
	return m.sinceImpr
}

func variance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var sum float64
	for _, v := range values {
		d := v - mean
		sum += d * d
	}

	return sum / float64(len(values))
}
