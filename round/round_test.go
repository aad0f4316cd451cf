package round_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotilla-ml/flotilla/model"
	"github.com/flotilla-ml/flotilla/pkg/aggregator"
	"github.com/flotilla-ml/flotilla/pkg/errors"
	"github.com/flotilla-ml/flotilla/pkg/transport"
	"github.com/flotilla-ml/flotilla/round"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testWeights(t *testing.T) model.Weights {
	t.Helper()

	arch, err := model.NewArchitecture("mlp", []model.Layer{
		{Name: "dense", Shape: []int{2}, Trainable: true},
	})
	require.NoError(t, err)

	return model.InitialWeights(arch, 1)
}

func newRound(t *testing.T, cfg round.Config) (*round.Round, *transport.Hub) {
	t.Helper()

	hub := transport.NewHub()
	tp, err := hub.Attach("coordinator")
	require.NoError(t, err)

	agg, err := aggregator.New(aggregator.Config{Strategy: aggregator.FedAvg})
	require.NoError(t, err)

	return round.New(cfg, testWeights(t), agg, tp, discard), hub
}

func join(t *testing.T, r *round.Round, pid string, samples int) {
	t.Helper()

	require.NoError(t, r.Join(context.Background(), transport.JoinRequest{
		RoundID:       r.ID(),
		ParticipantID: pid,
		NumSamples:    samples,
	}))
}

func submit(r *round.Round, pid string, values ...float64) error {
	return r.Submit(context.Background(), transport.UpdateSubmission{
		RoundID: r.ID(),
		Update: model.Update{
			ParticipantID: pid,
			NumSamples:    10,
			Loss:          1.0,
			Deltas:        map[string][]float64{"dense": values},
		},
	})
}

func runAsync(r *round.Round) (<-chan round.Outcome, <-chan error) {
	outCh := make(chan round.Outcome, 1)
	errCh := make(chan error, 1)
	go func() {
		out, err := r.Run(context.Background())
		outCh <- out
		errCh <- err
	}()

	return outCh, errCh
}

func waitStatus(t *testing.T, r *round.Round, want round.Status) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Status() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("round never reached %s, stuck at %s", want, r.Status())
}

func TestRoundCompletesWhenAllSubmit(t *testing.T) {
	transitions := make([]round.Status, 0, 8)
	r, hub := newRound(t, round.Config{
		SessionID:          "s-1",
		Number:             1,
		TargetParticipants: 2,
		MinParticipants:    2,
		JoinTimeout:        time.Second,
		UpdateTimeout:      time.Second,
		OnTransition:       func(s round.Status) { transitions = append(transitions, s) },
	})

	// A bystander endpoint observes the announcement and the broadcast.
	observer, err := hub.Attach("observer")
	require.NoError(t, err)
	seen := make(chan transport.MessageKind, 4)
	observer.SetHandler(func(_ context.Context, env transport.Envelope) error {
		seen <- env.Kind

		return nil
	})

	outCh, errCh := runAsync(r)
	waitStatus(t, r, round.StatusAnnounced)

	join(t, r, "p0", 10)
	join(t, r, "p1", 10)
	waitStatus(t, r, round.StatusCollecting)

	require.NoError(t, submit(r, "p0", 1, 2))
	require.NoError(t, submit(r, "p1", 3, 4))

	out := <-outCh
	require.NoError(t, <-errCh)

	assert.Equal(t, round.StatusCompleted, out.Status)
	assert.Equal(t, []string{"p0", "p1"}, out.Submitted)
	assert.Empty(t, out.Dropped)
	assert.InDeltaSlice(t, []float64{2, 3}, out.Result.Deltas["dense"], 1e-12)

	assert.Equal(t, transport.KindAnnouncement, <-seen)
	assert.Equal(t, transport.KindBroadcast, <-seen)

	assert.Equal(t, []round.Status{
		round.StatusAwaiting,
		round.StatusAnnounced,
		round.StatusCollecting,
		round.StatusAggregating,
		round.StatusDistributing,
		round.StatusCompleted,
	}, transitions)
}

func TestRoundProceedsAtParticipationRatio(t *testing.T) {
	r, _ := newRound(t, round.Config{
		TargetParticipants:    4,
		MinParticipants:       2,
		MinParticipationRatio: 0.5,
		JoinTimeout:           time.Second,
		UpdateTimeout:         100 * time.Millisecond,
	})

	outCh, errCh := runAsync(r)
	waitStatus(t, r, round.StatusAnnounced)

	for _, pid := range []string{"p0", "p1", "p2", "p3"} {
		join(t, r, pid, 10)
	}
	waitStatus(t, r, round.StatusCollecting)

	require.NoError(t, submit(r, "p0", 1, 1))
	require.NoError(t, submit(r, "p1", 1, 1))

	out := <-outCh
	require.NoError(t, <-errCh)

	assert.Equal(t, round.StatusCompleted, out.Status)
	assert.Equal(t, []string{"p0", "p1"}, out.Submitted)
	assert.Equal(t, []string{"p2", "p3"}, out.Dropped)
}

func TestRoundTimesOutBelowParticipationRatio(t *testing.T) {
	r, _ := newRound(t, round.Config{
		TargetParticipants:    3,
		MinParticipants:       2,
		MinParticipationRatio: 0.5,
		JoinTimeout:           time.Second,
		UpdateTimeout:         100 * time.Millisecond,
	})

	outCh, errCh := runAsync(r)
	waitStatus(t, r, round.StatusAnnounced)

	for _, pid := range []string{"p0", "p1", "p2"} {
		join(t, r, pid, 10)
	}
	waitStatus(t, r, round.StatusCollecting)

	require.NoError(t, submit(r, "p0", 1, 1))

	out := <-outCh
	err := <-errCh

	assert.Equal(t, round.StatusTimedOut, out.Status)
	assert.ErrorIs(t, err, errors.ErrInsufficientParticipants)
	assert.Equal(t, []string{"p1", "p2"}, out.Dropped)
}

func TestRoundFailsWithoutEnoughJoins(t *testing.T) {
	r, _ := newRound(t, round.Config{
		MinParticipants: 2,
		JoinTimeout:     50 * time.Millisecond,
		UpdateTimeout:   time.Second,
	})

	outCh, errCh := runAsync(r)
	waitStatus(t, r, round.StatusAnnounced)

	join(t, r, "p0", 10)

	out := <-outCh
	err := <-errCh

	assert.Equal(t, round.StatusFailed, out.Status)
	assert.ErrorIs(t, err, errors.ErrInsufficientParticipants)
}

func TestRoundRejectsDuplicateAndUnadmittedSubmissions(t *testing.T) {
	r, _ := newRound(t, round.Config{
		TargetParticipants: 2,
		MinParticipants:    1,
		JoinTimeout:        time.Second,
		UpdateTimeout:      time.Second,
	})

	outCh, errCh := runAsync(r)
	waitStatus(t, r, round.StatusAnnounced)

	join(t, r, "p0", 10)
	join(t, r, "p1", 10)
	waitStatus(t, r, round.StatusCollecting)

	assert.ErrorIs(t, submit(r, "stranger", 1, 1), errors.ErrNotAdmitted)

	require.NoError(t, submit(r, "p0", 1, 1))
	assert.ErrorIs(t, submit(r, "p0", 2, 2), errors.ErrDuplicateUpdate)

	require.NoError(t, submit(r, "p1", 1, 1))
	<-outCh
	require.NoError(t, <-errCh)

	// The round is closed: stragglers are rejected, not absorbed.
	assert.ErrorIs(t, submit(r, "p1", 9, 9), errors.ErrRoundClosed)
}

func TestRoundRejectsMismatchedRoundAndSession(t *testing.T) {
	r, _ := newRound(t, round.Config{
		SessionID:          "s-1",
		TargetParticipants: 2,
		MinParticipants:    1,
		JoinTimeout:        time.Second,
		UpdateTimeout:      time.Second,
	})

	outCh, errCh := runAsync(r)
	waitStatus(t, r, round.StatusAnnounced)

	err := r.Join(context.Background(), transport.JoinRequest{
		RoundID:       "stale-round",
		ParticipantID: "p0",
	})
	assert.ErrorIs(t, err, errors.ErrRoundClosed)

	join(t, r, "p0", 10)
	join(t, r, "p1", 10)
	waitStatus(t, r, round.StatusCollecting)

	// An admitted participant replaying its previous-round update is
	// rejected, not absorbed into this round.
	err = r.Submit(context.Background(), transport.UpdateSubmission{
		RoundID: "stale-round",
		Update: model.Update{
			ParticipantID: "p0",
			NumSamples:    10,
			Deltas:        map[string][]float64{"dense": {9, 9}},
		},
	})
	assert.ErrorIs(t, err, errors.ErrRoundClosed)

	err = r.Submit(context.Background(), transport.UpdateSubmission{
		RoundID:   r.ID(),
		SessionID: "other-session",
		Update: model.Update{
			ParticipantID: "p0",
			NumSamples:    10,
			Deltas:        map[string][]float64{"dense": {9, 9}},
		},
	})
	assert.ErrorIs(t, err, errors.ErrInvalidUpdate)

	require.NoError(t, submit(r, "p0", 1, 1))
	require.NoError(t, submit(r, "p1", 3, 3))

	out := <-outCh
	require.NoError(t, <-errCh)
	assert.InDeltaSlice(t, []float64{2, 2}, out.Result.Deltas["dense"], 1e-12)
}

func TestRoundRejectsJoinAfterWindowCloses(t *testing.T) {
	r, _ := newRound(t, round.Config{
		TargetParticipants: 1,
		MinParticipants:    1,
		JoinTimeout:        time.Second,
		UpdateTimeout:      time.Second,
	})

	outCh, errCh := runAsync(r)
	waitStatus(t, r, round.StatusAnnounced)

	join(t, r, "p0", 10)
	waitStatus(t, r, round.StatusCollecting)

	err := r.Join(context.Background(), transport.JoinRequest{ParticipantID: "late"})
	assert.ErrorIs(t, err, errors.ErrRoundClosed)

	require.NoError(t, submit(r, "p0", 1, 1))
	<-outCh
	require.NoError(t, <-errCh)
}

func TestRoundCancellationUnblocksRun(t *testing.T) {
	hub := transport.NewHub()
	tp, err := hub.Attach("coordinator")
	require.NoError(t, err)
	agg, err := aggregator.New(aggregator.Config{Strategy: aggregator.FedAvg})
	require.NoError(t, err)

	r := round.New(round.Config{
		MinParticipants: 1,
		JoinTimeout:     time.Minute,
		UpdateTimeout:   time.Minute,
	}, testWeights(t), agg, tp, discard)

	ctx, cancel := context.WithCancel(context.Background())
	outCh := make(chan round.Outcome, 1)
	errCh := make(chan error, 1)
	go func() {
		out, err := r.Run(ctx)
		outCh <- out
		errCh <- err
	}()
	waitStatus(t, r, round.StatusAnnounced)

	cancel()

	select {
	case out := <-outCh:
		assert.Equal(t, round.StatusCancelled, out.Status)
		assert.ErrorIs(t, <-errCh, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation did not unblock the round")
	}
}

func TestRoundFailsClosedOnExhaustedBudget(t *testing.T) {
	hub := transport.NewHub()
	tp, err := hub.Attach("coordinator")
	require.NoError(t, err)

	agg, err := aggregator.New(aggregator.Config{
		Strategy:     aggregator.FedAvg,
		ClipNorm:     1,
		Noise:        aggregator.NoiseConfig{Mechanism: aggregator.NoiseLaplace, Epsilon: 2.0},
		TotalEpsilon: 1.0,
	})
	require.NoError(t, err)

	r := round.New(round.Config{
		TargetParticipants: 1,
		MinParticipants:    1,
		JoinTimeout:        time.Second,
		UpdateTimeout:      time.Second,
	}, testWeights(t), agg, tp, discard)

	outCh, errCh := runAsync(r)
	waitStatus(t, r, round.StatusAnnounced)

	join(t, r, "p0", 10)
	waitStatus(t, r, round.StatusCollecting)
	require.NoError(t, submit(r, "p0", 1, 1))

	out := <-outCh
	assert.Equal(t, round.StatusFailed, out.Status)
	assert.ErrorIs(t, <-errCh, errors.ErrPrivacyBudgetExhausted)
}
