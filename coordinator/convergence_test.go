package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorDefaults(t *testing.T) {
	cfg := ConvergenceConfig{}.withDefaults()

	assert.Equal(t, 5, cfg.Patience)
	assert.Equal(t, 1e-6, cfg.VarianceThreshold)
	assert.Equal(t, 1e-4, cfg.MinLossImprovement)
	assert.Equal(t, 3.0, cfg.DivergenceFactor)
}

func TestMonitorTargetAccuracy(t *testing.T) {
	m := newMonitor(ConvergenceConfig{TargetAccuracy: 0.9})

	assert.Equal(t, VerdictConverging, m.observe(1.0, 0.5))
	assert.Equal(t, VerdictConverged, m.observe(0.8, 0.95))
}

func TestMonitorConvergesOnFlatLoss(t *testing.T) {
	m := newMonitor(ConvergenceConfig{Patience: 3})

	assert.Equal(t, VerdictConverging, m.observe(0.5, 0))
	assert.Equal(t, VerdictPlateaued, m.observe(0.5, 0))
	// Window full, variance below threshold.
	assert.Equal(t, VerdictConverged, m.observe(0.5, 0))
}

func TestMonitorDiverges(t *testing.T) {
	m := newMonitor(ConvergenceConfig{})

	require.Equal(t, VerdictConverging, m.observe(1.0, 0))
	assert.Equal(t, VerdictDiverging, m.observe(4.0, 0))

	best, ok := m.best()
	require.True(t, ok)
	assert.Equal(t, 1.0, best)
}

func TestMonitorPlateaus(t *testing.T) {
	m := newMonitor(ConvergenceConfig{Patience: 2})

	require.Equal(t, VerdictConverging, m.observe(1.0, 0))
	assert.Equal(t, VerdictPlateaued, m.observe(1.05, 0))
	assert.Equal(t, VerdictPlateaued, m.observe(1.06, 0))
	assert.Equal(t, 2, m.roundsWithoutImprovement())
}

func TestMonitorConvergingOnImprovement(t *testing.T) {
	m := newMonitor(ConvergenceConfig{})

	require.Equal(t, VerdictConverging, m.observe(1.0, 0))
	assert.Equal(t, VerdictConverging, m.observe(0.5, 0))
	assert.Equal(t, 0, m.roundsWithoutImprovement())

	best, ok := m.best()
	require.True(t, ok)
	assert.Equal(t, 0.5, best)
}

func TestVariance(t *testing.T) {
	assert.Equal(t, 0.0, variance(nil))
	assert.Equal(t, 0.0, variance([]float64{2, 2, 2}))
	assert.InDelta(t, 2.0/3.0, variance([]float64{1, 2, 3}), 1e-12)
}
