package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flotilla-ml/flotilla/pkg/errors"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	req := JoinRequest{RoundID: "r-1", ParticipantID: "p-1", NumSamples: 128}

	env, err := Pack(KindJoinRequest, "p-1", req)
	require.NoError(t, err)
	assert.Equal(t, KindJoinRequest, env.Kind)

	var decoded JoinRequest
	require.NoError(t, env.Unpack(&decoded))
	assert.Equal(t, req, decoded)
}

func TestHubSendReachesNamedEndpoint(t *testing.T) {
	hub := NewHub()

	coord, err := hub.Attach("coordinator")
	require.NoError(t, err)
	node, err := hub.Attach("node-1")
	require.NoError(t, err)

	received := make([]Envelope, 0, 1)
	node.SetHandler(func(_ context.Context, env Envelope) error {
		received = append(received, env)

		return nil
	})

	env, err := Pack(KindAlive, "coordinator", Alive{ParticipantID: "node-1", Status: "ok"})
	require.NoError(t, err)
	require.NoError(t, coord.Send(context.Background(), "node-1", env))

	require.Len(t, received, 1)
	assert.Equal(t, KindAlive, received[0].Kind)
}

func TestHubBroadcastSkipsSender(t *testing.T) {
	hub := NewHub()

	coord, err := hub.Attach("coordinator")
	require.NoError(t, err)

	hits := map[string]int{}
	coord.SetHandler(func(_ context.Context, _ Envelope) error {
		hits["coordinator"]++

		return nil
	})

	for _, id := range []string{"node-1", "node-2"} {
		ep, err := hub.Attach(id)
		require.NoError(t, err)
		id := id
		ep.SetHandler(func(_ context.Context, _ Envelope) error {
			hits[id]++

			return nil
		})
	}

	env, err := Pack(KindAnnouncement, "coordinator", RoundAnnouncement{RoundID: "r-1"})
	require.NoError(t, err)
	require.NoError(t, coord.Broadcast(context.Background(), env))

	assert.Equal(t, 0, hits["coordinator"])
	assert.Equal(t, 1, hits["node-1"])
	assert.Equal(t, 1, hits["node-2"])
}

func TestHubRejectsDuplicateAndUnknownEndpoints(t *testing.T) {
	hub := NewHub()

	ep, err := hub.Attach("node-1")
	require.NoError(t, err)

	_, err = hub.Attach("node-1")
	assert.ErrorIs(t, err, errors.ErrEntityExists)

	err = ep.Send(context.Background(), "nobody", Envelope{Kind: KindAlive})
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestClosedEndpointDetaches(t *testing.T) {
	hub := NewHub()

	a, err := hub.Attach("a")
	require.NoError(t, err)
	b, err := hub.Attach("b")
	require.NoError(t, err)

	require.NoError(t, b.Close(context.Background()))

	err = a.Send(context.Background(), "b", Envelope{Kind: KindAlive})
	assert.ErrorIs(t, err, errors.ErrNotFound)

	err = b.Broadcast(context.Background(), Envelope{Kind: KindAlive})
	assert.ErrorIs(t, err, errors.ErrNotFound)
}
