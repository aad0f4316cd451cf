// Package transport moves federation protocol messages between the
// coordinator and participants. Payloads travel CBOR-encoded inside a thin
// envelope, so the broker and in-memory fabrics share one wire format.
package transport

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Envelope is the unit of exchange. Payload holds the CBOR encoding of one
// of the protocol message types, discriminated by Kind.
type Envelope struct {
	Kind    MessageKind `json:"kind"`
	Sender  string      `json:"sender"`
	Payload []byte      `json:"payload"`
}

// Pack wraps a protocol message into an envelope.
func Pack(kind MessageKind, sender string, msg any) (Envelope, error) {
	payload, err := cbor.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}

	return Envelope{Kind: kind, Sender: sender, Payload: payload}, nil
}

// Unpack decodes the envelope payload into msg.
func (e Envelope) Unpack(msg any) error {
	if err := cbor.Unmarshal(e.Payload, msg); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Kind, err)
	}

	return nil
}

// Handler consumes inbound envelopes. Handlers must be safe for concurrent
// invocation; the fabric does not serialize deliveries.
type Handler func(ctx context.Context, env Envelope) error

// Transport is one endpoint's view of the federation fabric.
type Transport interface {
	// Send delivers an envelope to a single named endpoint.
	Send(ctx context.Context, to string, env Envelope) error
	// Broadcast delivers an envelope to every other endpoint.
	Broadcast(ctx context.Context, env Envelope) error
	// SetHandler installs the inbound message handler.
	SetHandler(h Handler)
	// Close detaches the endpoint from the fabric.
	Close(ctx context.Context) error
}
