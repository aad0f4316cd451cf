package aggregator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotilla-ml/flotilla/model"
	"github.com/flotilla-ml/flotilla/pkg/errors"
)

func update(pid string, samples int, loss float64, values ...float64) model.Update {
	return model.Update{
		ParticipantID: pid,
		NumSamples:    samples,
		Loss:          loss,
		Deltas:        map[string][]float64{"dense": values},
	}
}

func TestFedAvgEqualSamplesIsArithmeticMean(t *testing.T) {
	agg, err := New(Config{Strategy: FedAvg})
	require.NoError(t, err)

	res, err := agg.Aggregate(context.Background(), []model.Update{
		update("p0", 10, 1.0, 1, 2, 3),
		update("p1", 10, 2.0, 3, 4, 5),
		update("p2", 10, 3.0, 5, 6, 7),
	})
	require.NoError(t, err)

	assert.InDeltaSlice(t, []float64{3, 4, 5}, res.Deltas["dense"], 1e-12)
	assert.Equal(t, 30, res.TotalSamples)
	assert.InDelta(t, 2.0, res.AverageLoss, 1e-12)
	assert.Empty(t, res.Byzantine)
}

func TestFedAvgWeightsBySampleCount(t *testing.T) {
	agg, err := New(Config{Strategy: FedAvg})
	require.NoError(t, err)

	res, err := agg.Aggregate(context.Background(), []model.Update{
		update("p0", 30, 1.0, 1),
		update("p1", 10, 1.0, 5),
	})
	require.NoError(t, err)

	assert.InDelta(t, 2.0, res.Deltas["dense"][0], 1e-12)
}

func TestFedProxShrinksAverage(t *testing.T) {
	agg, err := New(Config{Strategy: FedProx, ProximalMu: 1.0})
	require.NoError(t, err)

	res, err := agg.Aggregate(context.Background(), []model.Update{
		update("p0", 10, 1.0, 2, 4),
		update("p1", 10, 1.0, 2, 4),
	})
	require.NoError(t, err)

	assert.InDeltaSlice(t, []float64{1, 2}, res.Deltas["dense"], 1e-12)
}

func TestClippingIsIdempotent(t *testing.T) {
	u := update("p0", 1, 0, 3, 4)

	once := clipUpdate(u, 1.0)
	twice := clipUpdate(once, 1.0)

	assert.InDeltaSlice(t, []float64{0.6, 0.8}, once.Deltas["dense"], 1e-12)
	assert.InDeltaSlice(t, once.Deltas["dense"], twice.Deltas["dense"], 1e-12)
}

func TestClippingPreservesSmallUpdates(t *testing.T) {
	u := update("p0", 1, 0, 0.1, 0.2)

	clipped := clipUpdate(u, 10.0)

	assert.InDeltaSlice(t, []float64{0.1, 0.2}, clipped.Deltas["dense"], 1e-12)
}

func TestCoordinateMedianIgnoresAdversary(t *testing.T) {
	agg, err := New(Config{Strategy: CoordinateMedian})
	require.NoError(t, err)

	res, err := agg.Aggregate(context.Background(), []model.Update{
		update("honest-0", 10, 1.0, 1.0),
		update("honest-1", 10, 1.0, 1.1),
		update("honest-2", 10, 1.0, 0.9),
		update("evil", 10, 1.0, 1000),
	})
	require.NoError(t, err)

	assert.InDelta(t, 1.05, res.Deltas["dense"][0], 1e-9)
	assert.Equal(t, []string{"evil"}, res.Byzantine)
}

func TestTrimmedMeanDropsTails(t *testing.T) {
	agg, err := New(Config{Strategy: TrimmedMean, TrimRatio: 0.25})
	require.NoError(t, err)

	res, err := agg.Aggregate(context.Background(), []model.Update{
		update("p0", 10, 1.0, -100),
		update("p1", 10, 1.0, 1),
		update("p2", 10, 1.0, 3),
		update("p3", 10, 1.0, 100),
	})
	require.NoError(t, err)

	assert.InDelta(t, 2.0, res.Deltas["dense"][0], 1e-12)
}

func TestWeightedMedianFollowsSampleMass(t *testing.T) {
	agg, err := New(Config{Strategy: WeightedMedian})
	require.NoError(t, err)

	res, err := agg.Aggregate(context.Background(), []model.Update{
		update("p0", 80, 1.0, 1.0),
		update("p1", 10, 1.0, 5.0),
		update("p2", 10, 1.0, 9.0),
	})
	require.NoError(t, err)

	assert.InDelta(t, 1.0, res.Deltas["dense"][0], 1e-12)
}

func TestKrumSelectsHonestUpdate(t *testing.T) {
	agg, err := New(Config{Strategy: Krum})
	require.NoError(t, err)

	res, err := agg.Aggregate(context.Background(), []model.Update{
		update("honest-0", 10, 1.0, 1.0, 1.0),
		update("honest-1", 10, 1.0, 1.05, 0.95),
		update("honest-2", 10, 1.0, 0.95, 1.05),
		update("evil", 10, 1.0, 100, 100),
	})
	require.NoError(t, err)

	assert.Less(t, res.Deltas["dense"][0], 2.0)
	assert.Contains(t, res.Byzantine, "evil")
}

func TestAggregateRejectsMismatchedLayers(t *testing.T) {
	agg, err := New(Config{Strategy: FedAvg})
	require.NoError(t, err)

	_, err = agg.Aggregate(context.Background(), []model.Update{
		update("p0", 10, 1.0, 1, 2),
		update("p1", 10, 1.0, 1),
	})
	assert.ErrorIs(t, err, errors.ErrInvalidUpdate)
}

func TestAggregateRequiresUpdates(t *testing.T) {
	agg, err := New(Config{Strategy: FedAvg})
	require.NoError(t, err)

	_, err = agg.Aggregate(context.Background(), nil)
	assert.ErrorIs(t, err, errors.ErrNoUpdates)
}

func TestNewRejectsUnknownStrategy(t *testing.T) {
	_, err := New(Config{Strategy: "gradient_descent_by_committee"})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestPrivacyBudgetIsMonotonicAndFailsClosed(t *testing.T) {
	agg, err := New(Config{
		Strategy:     FedAvg,
		ClipNorm:     1.0,
		Noise:        NoiseConfig{Mechanism: NoiseGaussian, Epsilon: 1.0, Delta: 1e-5},
		TotalEpsilon: 2.5,
		TotalDelta:   1e-4,
	})
	require.NoError(t, err)

	updates := []model.Update{
		update("p0", 10, 1.0, 0.5),
		update("p1", 10, 1.0, 0.7),
	}

	prev := 0.0
	for round := 0; round < 2; round++ {
		res, err := agg.Aggregate(context.Background(), updates)
		require.NoError(t, err)
		assert.True(t, res.Noised)

		b := agg.Budget()
		assert.Greater(t, b.ConsumedEpsilon, prev)
		assert.LessOrEqual(t, b.ConsumedEpsilon, b.TotalEpsilon)
		prev = b.ConsumedEpsilon
	}

	// Third round would need 1.0 epsilon with only 0.5 remaining.
	_, err = agg.Aggregate(context.Background(), updates)
	assert.ErrorIs(t, err, errors.ErrPrivacyBudgetExhausted)

	b := agg.Budget()
	assert.True(t, b.Exhausted)
	assert.InDelta(t, 2.0, b.ConsumedEpsilon, 1e-12)

	// Once latched, every later noised round fails too.
	_, err = agg.Aggregate(context.Background(), updates)
	assert.ErrorIs(t, err, errors.ErrPrivacyBudgetExhausted)
	assert.InDelta(t, 2.0, agg.Budget().ConsumedEpsilon, 1e-12)
}

func TestLaplaceNoisePerturbsAggregate(t *testing.T) {
	agg, err := New(Config{
		Strategy:     FedAvg,
		ClipNorm:     1.0,
		Noise:        NoiseConfig{Mechanism: NoiseLaplace, Epsilon: 0.1},
		TotalEpsilon: 1.0,
	})
	require.NoError(t, err)

	res, err := agg.Aggregate(context.Background(), []model.Update{
		update("p0", 10, 1.0, 0.5, 0.5, 0.5, 0.5),
		update("p1", 10, 1.0, 0.5, 0.5, 0.5, 0.5),
	})
	require.NoError(t, err)
	require.True(t, res.Noised)

	identical := true
	for _, v := range res.Deltas["dense"] {
		if v != 0.5 {
			identical = false
		}
	}
	assert.False(t, identical)
}

func TestNoiseRequiresBudget(t *testing.T) {
	_, err := New(Config{
		Strategy: FedAvg,
		Noise:    NoiseConfig{Mechanism: NoiseGaussian, Epsilon: 1.0, Delta: 1e-5},
	})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestFedMAAlignsPermutedNeurons(t *testing.T) {
	arch, err := model.NewArchitecture("mlp", []model.Layer{
		{Name: "dense", Shape: []int{2, 2}, Trainable: true},
	})
	require.NoError(t, err)

	agg, err := New(Config{Strategy: FedMA, Arch: arch})
	require.NoError(t, err)

	// Second update carries the same two neurons in swapped order.
	res, err := agg.Aggregate(context.Background(), []model.Update{
		update("p0", 10, 1.0, 1, 0, 0, 1),
		update("p1", 10, 1.0, 0, 1, 1, 0),
	})
	require.NoError(t, err)

	assert.InDeltaSlice(t, []float64{1, 0, 0, 1}, res.Deltas["dense"], 1e-12)
}

func TestFedMAAveragesPlainlyWithoutLayerShape(t *testing.T) {
	agg, err := New(Config{Strategy: FedMA})
	require.NoError(t, err)

	// No architecture: layer lookup misses and the layer averages as one
	// flat vector instead of matched rows.
	res, err := agg.Aggregate(context.Background(), []model.Update{
		update("p0", 10, 1.0, 1, 0, 0, 1),
		update("p1", 10, 1.0, 0, 1, 1, 0),
	})
	require.NoError(t, err)

	assert.InDeltaSlice(t, []float64{0.5, 0.5, 0.5, 0.5}, res.Deltas["dense"], 1e-12)
}

func TestSecureCollectorRoundTrip(t *testing.T) {
	sharer := NewAdditiveSharer()
	collector, err := NewSecureCollector(SecureConfig{
		Expected:       2,
		Threshold:      3,
		MaxDropoutRate: 0,
		Sharer:         sharer,
	})
	require.ErrorIs(t, err, errors.ErrInvalidConfig)

	collector, err = NewSecureCollector(SecureConfig{
		Expected:       2,
		Threshold:      2,
		MaxDropoutRate: 0,
		Sharer:         sharer,
	})
	require.NoError(t, err)

	for _, pid := range []string{"p0", "p1"} {
		mask := []float64{0.25, -0.75}
		shares, err := sharer.Share(mask, 2, 2)
		require.NoError(t, err)

		u := update(pid, 10, 1.0, 1+mask[0], 2+mask[1])
		require.NoError(t, collector.Add(MaskedUpdate{Update: u, MaskShares: shares}))
	}

	updates, err := collector.Unmask()
	require.NoError(t, err)
	require.Len(t, updates, 2)
	for _, u := range updates {
		assert.InDeltaSlice(t, []float64{1, 2}, u.Deltas["dense"], 1e-9)
	}
}

func TestSecureCollectorUnmasksMultipleLayers(t *testing.T) {
	sharer := NewAdditiveSharer()

	// Repeated trials guard against any map-order dependence in the
	// unmasking walk; each layer gets a distinct mask segment.
	for trial := 0; trial < 20; trial++ {
		collector, err := NewSecureCollector(SecureConfig{
			Expected:       2,
			Threshold:      2,
			MaxDropoutRate: 0.5,
			Sharer:         sharer,
		})
		require.NoError(t, err)

		mask := []float64{0.5, -0.25, 1.5, -1.0, 0.75}
		shares, err := sharer.Share(mask, 2, 2)
		require.NoError(t, err)

		u := model.Update{
			ParticipantID: "p0",
			NumSamples:    10,
			Loss:          1.0,
			Deltas: map[string][]float64{
				"alpha": {1 + mask[0], 2 + mask[1]},
				"beta":  {3 + mask[2], 4 + mask[3], 5 + mask[4]},
			},
		}
		require.NoError(t, collector.Add(MaskedUpdate{Update: u, MaskShares: shares}))

		updates, err := collector.Unmask()
		require.NoError(t, err)
		require.Len(t, updates, 1)
		assert.InDeltaSlice(t, []float64{1, 2}, updates[0].Deltas["alpha"], 1e-9)
		assert.InDeltaSlice(t, []float64{3, 4, 5}, updates[0].Deltas["beta"], 1e-9)
	}
}

func TestSecureCollectorEnforcesDropoutTolerance(t *testing.T) {
	sharer := NewAdditiveSharer()
	collector, err := NewSecureCollector(SecureConfig{
		Expected:       4,
		Threshold:      2,
		MaxDropoutRate: 0.25,
		Sharer:         sharer,
	})
	require.NoError(t, err)

	shares, err := sharer.Share([]float64{0}, 2, 2)
	require.NoError(t, err)
	require.NoError(t, collector.Add(MaskedUpdate{Update: update("p0", 10, 1.0, 1), MaskShares: shares}))

	_, err = collector.Unmask()
	assert.ErrorIs(t, err, errors.ErrInsufficientParticipants)
}

func TestSecureCollectorRejectsDuplicates(t *testing.T) {
	sharer := NewAdditiveSharer()
	collector, err := NewSecureCollector(SecureConfig{
		Expected:  2,
		Threshold: 2,
		Sharer:    sharer,
	})
	require.NoError(t, err)

	shares, err := sharer.Share([]float64{0}, 2, 2)
	require.NoError(t, err)

	mu := MaskedUpdate{Update: update("p0", 10, 1.0, 1), MaskShares: shares}
	require.NoError(t, collector.Add(mu))
	assert.ErrorIs(t, collector.Add(mu), errors.ErrDuplicateUpdate)
}
