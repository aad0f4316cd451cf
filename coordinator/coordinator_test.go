package coordinator_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotilla-ml/flotilla/coordinator"
	"github.com/flotilla-ml/flotilla/model"
	"github.com/flotilla-ml/flotilla/participant"
	"github.com/flotilla-ml/flotilla/pkg/aggregator"
	"github.com/flotilla-ml/flotilla/pkg/checkpoints"
	"github.com/flotilla-ml/flotilla/pkg/transport"
	"github.com/flotilla-ml/flotilla/round"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testArchitecture(t *testing.T) model.Architecture {
	t.Helper()

	arch, err := model.NewArchitecture("mlp", []model.Layer{
		{Name: "dense", Shape: []int{4}, Trainable: true},
	})
	require.NoError(t, err)

	return arch
}

func newManager(t *testing.T, arch model.Architecture) *model.Manager {
	t.Helper()

	m, err := model.NewManager(arch, model.Config{}, checkpoints.NewInMemoryStore())
	require.NoError(t, err)
	require.NoError(t, m.SetWeights(model.InitialWeights(arch, 3)))

	return m
}

// startNode attaches a participant to the hub. A nil gradient uses the
// synthetic fallback; a failing node never submits.
func startNode(t *testing.T, hub *transport.Hub, id string, failing bool) {
	t.Helper()

	tp, err := hub.Attach(id)
	require.NoError(t, err)

	var gradient model.GradientFn
	if failing {
		gradient = func(context.Context, model.Weights, int) (map[string][]float64, float64, error) {
			return nil, 0, fmt.Errorf("local dataset unavailable")
		}
	}

	arch := testArchitecture(t)
	node := participant.NewNode(participant.NodeConfig{
		ID:         id,
		NumSamples: 10,
		Seed:       11,
		Gradient:   gradient,
	}, newManager(t, arch), tp, discard)
	require.NoError(t, node.Start(context.Background()))
}

func TestThreeRoundFedAvgScenario(t *testing.T) {
	hub := transport.NewHub()
	tp, err := hub.Attach("coordinator")
	require.NoError(t, err)

	manager := newManager(t, testArchitecture(t))
	registry := participant.NewRegistry(time.Minute)

	coord, err := coordinator.New(coordinator.TrainingConfig{
		TotalRounds:           3,
		Epochs:                2,
		TargetParticipants:    4,
		MinParticipants:       2,
		MinParticipationRatio: 0.5,
		JoinTimeout:           time.Second,
		UpdateTimeout:         500 * time.Millisecond,
		CheckpointInterval:    1,
		SendWeights:           true,
		Aggregation:           aggregator.Config{Strategy: aggregator.FedAvg},
	}, manager, tp, registry, discard)
	require.NoError(t, err)

	var mu sync.Mutex
	losses := make([]float64, 0, 3)
	coord.Subscribe(func(e coordinator.Event) {
		if e.Type == coordinator.EventRoundCompleted {
			mu.Lock()
			losses = append(losses, e.Details["average_loss"].(float64))
			mu.Unlock()
		}
	})

	// Two healthy participants and two that never manage to submit.
	startNode(t, hub, "node-0", false)
	startNode(t, hub, "node-1", false)
	startNode(t, hub, "node-2", true)
	startNode(t, hub, "node-3", true)

	res, err := coord.Start(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Completed)
	assert.Equal(t, 3, res.RoundsRun)
	assert.Len(t, res.Checkpoints, 3)
	assert.Equal(t, 3, manager.Round())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, losses, 3)
	assert.LessOrEqual(t, res.BestLoss, losses[0])

	for _, out := range res.Outcomes {
		assert.Equal(t, round.StatusCompleted, out.Status)
		assert.Len(t, out.Submitted, 2)
		assert.Len(t, out.Dropped, 2)
	}
}

func TestSessionSurvivesInsufficientParticipants(t *testing.T) {
	hub := transport.NewHub()
	tp, err := hub.Attach("coordinator")
	require.NoError(t, err)

	manager := newManager(t, testArchitecture(t))
	registry := participant.NewRegistry(time.Minute)

	coord, err := coordinator.New(coordinator.TrainingConfig{
		TotalRounds:        2,
		TargetParticipants: 2,
		MinParticipants:    2,
		JoinTimeout:        time.Second,
		UpdateTimeout:      200 * time.Millisecond,
		SendWeights:        true,
		Aggregation:        aggregator.Config{Strategy: aggregator.FedAvg},
	}, manager, tp, registry, discard)
	require.NoError(t, err)

	// Both participants join but neither can train, so every round runs
	// out of updates.
	startNode(t, hub, "node-0", true)
	startNode(t, hub, "node-1", true)

	res, err := coord.Start(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Completed)
	assert.Equal(t, 2, res.RoundsRun)
	assert.Len(t, res.Errors, 2)
	for _, out := range res.Outcomes {
		assert.Equal(t, round.StatusTimedOut, out.Status)
	}
	assert.Equal(t, 0, manager.Round())
}

func TestObserverFailuresDoNotAffectTraining(t *testing.T) {
	hub := transport.NewHub()
	tp, err := hub.Attach("coordinator")
	require.NoError(t, err)

	manager := newManager(t, testArchitecture(t))
	registry := participant.NewRegistry(time.Minute)

	coord, err := coordinator.New(coordinator.TrainingConfig{
		TotalRounds:        1,
		TargetParticipants: 1,
		MinParticipants:    1,
		JoinTimeout:        time.Second,
		UpdateTimeout:      time.Second,
		SendWeights:        true,
		Aggregation:        aggregator.Config{Strategy: aggregator.FedAvg},
	}, manager, tp, registry, discard)
	require.NoError(t, err)

	coord.Subscribe(func(coordinator.Event) {
		panic("observer exploded")
	})

	var mu sync.Mutex
	types := make(map[coordinator.EventType]int)
	coord.Subscribe(func(e coordinator.Event) {
		mu.Lock()
		types[e.Type]++
		mu.Unlock()
	})

	startNode(t, hub, "node-0", false)

	res, err := coord.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Completed)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, types[coordinator.EventSessionStarted])
	assert.Equal(t, 1, types[coordinator.EventRoundCompleted])
	assert.Equal(t, 1, types[coordinator.EventSessionCompleted])
	assert.NotZero(t, types[coordinator.EventRoundTransition])
}

func TestStopCancelsInFlightRound(t *testing.T) {
	hub := transport.NewHub()
	tp, err := hub.Attach("coordinator")
	require.NoError(t, err)

	manager := newManager(t, testArchitecture(t))
	registry := participant.NewRegistry(time.Minute)

	coord, err := coordinator.New(coordinator.TrainingConfig{
		TotalRounds:     5,
		MinParticipants: 3,
		JoinTimeout:     time.Minute,
		UpdateTimeout:   time.Minute,
		Aggregation:     aggregator.Config{Strategy: aggregator.FedAvg},
	}, manager, tp, registry, discard)
	require.NoError(t, err)

	done := make(chan coordinator.Result, 1)
	go func() {
		res, _ := coord.Start(context.Background())
		done <- res
	}()

	deadline := time.Now().Add(2 * time.Second)
	for coord.State() != coordinator.StateRunning && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, coord.Stop())

	select {
	case res := <-done:
		assert.Equal(t, coordinator.StateStopped, res.State)
		assert.False(t, res.Completed)
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not cancel the in-flight round")
	}
}

func TestPauseAndResume(t *testing.T) {
	hub := transport.NewHub()
	tp, err := hub.Attach("coordinator")
	require.NoError(t, err)

	manager := newManager(t, testArchitecture(t))
	registry := participant.NewRegistry(time.Minute)

	coord, err := coordinator.New(coordinator.TrainingConfig{
		TotalRounds:        2,
		TargetParticipants: 1,
		MinParticipants:    1,
		JoinTimeout:        time.Second,
		UpdateTimeout:      time.Second,
		SendWeights:        true,
		Aggregation:        aggregator.Config{Strategy: aggregator.FedAvg},
	}, manager, tp, registry, discard)
	require.NoError(t, err)

	paused := make(chan struct{})
	coord.Subscribe(func(e coordinator.Event) {
		if e.Type == coordinator.EventRoundCompleted && e.Details["round"] == 1 {
			if err := coord.Pause(); err == nil {
				close(paused)
			}
		}
	})

	startNode(t, hub, "node-0", false)

	done := make(chan coordinator.Result, 1)
	go func() {
		res, _ := coord.Start(context.Background())
		done <- res
	}()

	select {
	case <-paused:
	case <-time.After(5 * time.Second):
		t.Fatal("session never paused")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, coordinator.StatePaused, coord.State())

	require.NoError(t, coord.Resume())

	select {
	case res := <-done:
		assert.True(t, res.Completed)
		assert.Equal(t, 2, res.RoundsRun)
	case <-time.After(5 * time.Second):
		t.Fatal("session never completed after resume")
	}
}
