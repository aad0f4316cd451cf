package model_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotilla-ml/flotilla/model"
	"github.com/flotilla-ml/flotilla/pkg/checkpoints"
	"github.com/flotilla-ml/flotilla/pkg/errors"
)

func testArchitecture(t *testing.T) model.Architecture {
	t.Helper()

	arch, err := model.NewArchitecture("mlp", []model.Layer{
		{Name: "dense_0", Shape: []int{4, 2}, Trainable: true},
		{Name: "bias_0", Shape: []int{2}, Trainable: true},
	})
	require.NoError(t, err)

	return arch
}

func newManager(t *testing.T, cfg model.Config) *model.Manager {
	t.Helper()

	m, err := model.NewManager(testArchitecture(t), cfg, checkpoints.NewInMemoryStore())
	require.NoError(t, err)

	return m
}

func TestSetWeightsValidatesShapes(t *testing.T) {
	m := newManager(t, model.Config{})

	w := model.InitialWeights(m.Architecture(), 42)
	require.NoError(t, m.SetWeights(w))

	w.Layers["dense_0"] = w.Layers["dense_0"][:3]
	assert.ErrorIs(t, m.SetWeights(w), errors.ErrInvalidUpdate)
}

func TestSetWeightsEnforcesSizeCap(t *testing.T) {
	m := newManager(t, model.Config{MaxModelBytes: 16})

	err := m.SetWeights(model.InitialWeights(m.Architecture(), 42))
	assert.ErrorIs(t, err, errors.ErrModelTooLarge)
}

func TestTrainLocalProducesDeltasWithoutMutatingSnapshot(t *testing.T) {
	m := newManager(t, model.Config{})
	require.NoError(t, m.SetWeights(model.InitialWeights(m.Architecture(), 7)))

	before := m.Weights()
	update, err := m.TrainLocal(context.Background(), model.TrainOptions{Epochs: 3, Seed: 7})
	require.NoError(t, err)

	assert.Equal(t, before.Layers, m.Weights().Layers)
	assert.Len(t, update.LossHistory, 3)
	assert.Len(t, update.Deltas, 2)
	assert.Equal(t, before.Version, update.BaseVersion)

	// The synthetic objective is a quadratic bowl, so loss decreases.
	assert.Less(t, update.LossHistory[2], update.LossHistory[0])
}

func TestTrainLocalHonorsCancellation(t *testing.T) {
	m := newManager(t, model.Config{})
	require.NoError(t, m.SetWeights(model.InitialWeights(m.Architecture(), 7)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.TrainLocal(ctx, model.TrainOptions{Epochs: 10, Seed: 7})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestApplyUpdateAdvancesVersionAndRound(t *testing.T) {
	m := newManager(t, model.Config{})
	require.NoError(t, m.SetWeights(model.InitialWeights(m.Architecture(), 7)))

	v0 := m.Weights().Version
	next := m.Weights()
	next.Layers["bias_0"][0] += 0.5
	require.NoError(t, m.ApplyUpdate(next))

	assert.Equal(t, v0+1, m.Weights().Version)
	assert.Equal(t, 1, m.Round())
	assert.NotEmpty(t, m.Weights().Checksum)
}

func TestRollbackIsSingleStep(t *testing.T) {
	m := newManager(t, model.Config{})
	require.NoError(t, m.SetWeights(model.InitialWeights(m.Architecture(), 7)))

	original := m.Weights()
	next := m.Weights()
	next.Layers["bias_0"][0] += 0.5
	require.NoError(t, m.ApplyUpdate(next))

	require.True(t, m.Rollback())
	assert.Equal(t, original.Layers, m.Weights().Layers)
	assert.Equal(t, 0, m.Round())

	// No retained snapshot remains, so a second rollback is a no-op.
	assert.False(t, m.Rollback())
	assert.Equal(t, original.Layers, m.Weights().Layers)
}

func TestCheckpointRestoreRoundTrip(t *testing.T) {
	m := newManager(t, model.Config{})
	require.NoError(t, m.SetWeights(model.InitialWeights(m.Architecture(), 7)))

	for i := 0; i < 3; i++ {
		next := m.Weights()
		next.Layers["bias_0"][0] += 0.1
		require.NoError(t, m.ApplyUpdate(next))
	}

	saved := m.Weights()
	cp, err := m.Checkpoint(context.Background(), map[string]float64{"loss": 0.42})
	require.NoError(t, err)
	assert.Equal(t, 3, cp.Round)

	next := m.Weights()
	next.Layers["bias_0"][1] -= 1.0
	require.NoError(t, m.ApplyUpdate(next))
	require.Equal(t, 4, m.Round())

	require.NoError(t, m.RestoreCheckpoint(context.Background(), cp.ID))
	assert.Equal(t, saved.Layers, m.Weights().Layers)
	assert.Equal(t, 3, m.Round())
}

func TestRestoreUnknownCheckpoint(t *testing.T) {
	m := newManager(t, model.Config{})

	err := m.RestoreCheckpoint(context.Background(), "no-such-checkpoint")
	assert.ErrorIs(t, err, errors.ErrCheckpoint)
}

func TestCheckpointPruningKeepsNewest(t *testing.T) {
	store := checkpoints.NewInMemoryStore()
	m, err := model.NewManager(testArchitecture(t), model.Config{MaxCheckpoints: 2}, store)
	require.NoError(t, err)
	require.NoError(t, m.SetWeights(model.InitialWeights(m.Architecture(), 7)))

	var last model.Checkpoint
	for i := 0; i < 4; i++ {
		next := m.Weights()
		next.Layers["bias_0"][0] += 0.1
		require.NoError(t, m.ApplyUpdate(next))

		last, err = m.Checkpoint(context.Background(), nil)
		require.NoError(t, err)
	}

	cps, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, cps, 2)

	_, err = store.Load(context.Background(), last.ID)
	assert.NoError(t, err)
}

func TestDivergenceSignal(t *testing.T) {
	m := newManager(t, model.Config{DivergenceThreshold: 1.5})

	m.RecordLoss(1.0)
	assert.False(t, m.Diverged())

	m.RecordLoss(2.0)
	assert.True(t, m.Diverged())

	// Recovery: the window absorbs the spike.
	m.RecordLoss(1.1)
	assert.False(t, m.Diverged())
}

func TestDivergenceNeedsHistory(t *testing.T) {
	m := newManager(t, model.Config{})

	assert.False(t, m.Diverged())
	m.RecordLoss(10.0)
	assert.False(t, m.Diverged())
}
