package participant_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotilla-ml/flotilla/participant"
	"github.com/flotilla-ml/flotilla/pkg/errors"
)

func TestRegisterFillsIdentity(t *testing.T) {
	r := participant.NewRegistry(0)

	p, err := r.Register(participant.Participant{NumSamples: 32})
	require.NoError(t, err)

	assert.NotEmpty(t, p.ID)
	assert.NotEmpty(t, p.Name)
	assert.Equal(t, 32, p.NumSamples)
	assert.Equal(t, participant.StateActive, p.State)
	assert.Equal(t, 1.0, p.TrustScore)
	assert.False(t, p.RegisteredAt.IsZero())
	assert.Equal(t, p.RegisteredAt, p.LastSeen)
}

func TestRegisterDuplicate(t *testing.T) {
	r := participant.NewRegistry(0)

	_, err := r.Register(participant.Participant{ID: "node-1"})
	require.NoError(t, err)

	_, err = r.Register(participant.Participant{ID: "node-1"})
	assert.ErrorIs(t, err, errors.ErrEntityExists)
}

func TestGetUnknown(t *testing.T) {
	r := participant.NewRegistry(0)

	_, err := r.Get("missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestRemove(t *testing.T) {
	r := participant.NewRegistry(0)

	p, err := r.Register(participant.Participant{ID: "node-1"})
	require.NoError(t, err)

	require.NoError(t, r.Remove(p.ID))
	_, err = r.Get(p.ID)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	assert.ErrorIs(t, r.Remove(p.ID), errors.ErrNotFound)
}

func TestListSortedByID(t *testing.T) {
	r := participant.NewRegistry(0)

	for _, id := range []string{"node-c", "node-a", "node-b"} {
		_, err := r.Register(participant.Participant{ID: id})
		require.NoError(t, err)
	}

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "node-a", list[0].ID)
	assert.Equal(t, "node-b", list[1].ID)
	assert.Equal(t, "node-c", list[2].ID)
}

func TestSweepMarksStaleOffline(t *testing.T) {
	r := participant.NewRegistry(time.Millisecond)

	_, err := r.Register(participant.Participant{ID: "node-1"})
	require.NoError(t, err)
	_, err = r.Register(participant.Participant{ID: "node-2"})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, r.Heartbeat("node-2"))

	assert.Equal(t, 1, r.Sweep())

	p, err := r.Get("node-1")
	require.NoError(t, err)
	assert.Equal(t, participant.StateOffline, p.State)

	p, err = r.Get("node-2")
	require.NoError(t, err)
	assert.Equal(t, participant.StateActive, p.State)

	// Already offline, nothing left to change.
	assert.Equal(t, 0, r.Sweep())
}

func TestHeartbeatRevives(t *testing.T) {
	r := participant.NewRegistry(time.Millisecond)

	_, err := r.Register(participant.Participant{ID: "node-1"})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.Equal(t, 1, r.Sweep())

	require.NoError(t, r.Heartbeat("node-1"))

	p, err := r.Get("node-1")
	require.NoError(t, err)
	assert.Equal(t, participant.StateActive, p.State)

	assert.ErrorIs(t, r.Heartbeat("missing"), errors.ErrNotFound)
}

func TestFlagAndReward(t *testing.T) {
	r := participant.NewRegistry(0)

	_, err := r.Register(participant.Participant{ID: "node-1"})
	require.NoError(t, err)

	r.Flag("node-1", 0.3)
	p, err := r.Get("node-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.7, p.TrustScore, 1e-9)
	assert.Equal(t, 1, p.Flags)

	// Trust never drops below zero.
	r.Flag("node-1", 2.0)
	p, err = r.Get("node-1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, p.TrustScore)
	assert.Equal(t, 2, p.Flags)

	// Reward restores trust but never above the ceiling, and does not
	// reset the flag counter.
	r.Reward("node-1", 5.0)
	p, err = r.Get("node-1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, p.TrustScore)
	assert.Equal(t, 2, p.Flags)

	// Unknown participants are ignored.
	r.Flag("missing", 0.5)
	r.Reward("missing", 0.5)
}

func TestEligible(t *testing.T) {
	r := participant.NewRegistry(time.Millisecond)

	for _, id := range []string{"node-a", "node-b", "node-c", "node-d"} {
		_, err := r.Register(participant.Participant{ID: id})
		require.NoError(t, err)
	}

	r.Flag("node-a", 0.6)
	r.Flag("node-b", 0.3)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, r.Heartbeat("node-b"))
	require.NoError(t, r.Heartbeat("node-c"))
	require.NoError(t, r.Heartbeat("node-d"))
	r.Sweep()

	eligible := r.Eligible(0.5)
	require.Len(t, eligible, 3)
	// Ties on trust break by ID, higher trust first.
	assert.Equal(t, "node-c", eligible[0].ID)
	assert.Equal(t, "node-d", eligible[1].ID)
	assert.Equal(t, "node-b", eligible[2].ID)

	// node-a is active again but still below the floor.
	require.NoError(t, r.Heartbeat("node-a"))
	assert.Len(t, r.Eligible(0.5), 3)
	assert.Len(t, r.Eligible(0), 4)
}
