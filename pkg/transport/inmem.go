package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/flotilla-ml/flotilla/pkg/errors"
)

// Hub is an in-process fabric: every endpoint attached to the same hub can
// reach every other by name. Delivery is synchronous in the caller's
// goroutine, which keeps tests deterministic.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]*inmemEndpoint
}

func NewHub() *Hub {
	return &Hub{endpoints: make(map[string]*inmemEndpoint)}
}

// Attach registers a named endpoint and returns its transport.
func (h *Hub) Attach(id string) (Transport, error) {
	if id == "" {
		return nil, errors.ErrEmptyKey
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.endpoints[id]; ok {
		return nil, fmt.Errorf("%w: endpoint %q", errors.ErrEntityExists, id)
	}

	ep := &inmemEndpoint{id: id, hub: h}
	h.endpoints[id] = ep

	return ep, nil
}

func (h *Hub) deliver(ctx context.Context, to string, env Envelope) error {
	h.mu.RLock()
	ep, ok := h.endpoints[to]
	h.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: endpoint %q", errors.ErrNotFound, to)
	}

	ep.mu.RLock()
	handler := ep.handler
	ep.mu.RUnlock()

	if handler == nil {
		return nil
	}

	return handler(ctx, env)
}

type inmemEndpoint struct {
	mu      sync.RWMutex
	id      string
	hub     *Hub
	handler Handler
	closed  bool
}

func (e *inmemEndpoint) Send(ctx context.Context, to string, env Envelope) error {
	if e.isClosed() {
		return fmt.Errorf("%w: endpoint %q is closed", errors.ErrNotFound, e.id)
	}

	return e.hub.deliver(ctx, to, env)
}

func (e *inmemEndpoint) Broadcast(ctx context.Context, env Envelope) error {
	if e.isClosed() {
		return fmt.Errorf("%w: endpoint %q is closed", errors.ErrNotFound, e.id)
	}

	e.hub.mu.RLock()
	ids := make([]string, 0, len(e.hub.endpoints))
	for id := range e.hub.endpoints {
		if id != e.id {
			ids = append(ids, id)
		}
	}
	e.hub.mu.RUnlock()

	for _, id := range ids {
		if err := e.hub.deliver(ctx, id, env); err != nil {
			return err
		}
	}

	return nil
}

func (e *inmemEndpoint) SetHandler(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.handler = h
}

func (e *inmemEndpoint) Close(_ context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.handler = nil
	e.mu.Unlock()

	e.hub.mu.Lock()
	delete(e.hub.endpoints, e.id)
	e.hub.mu.Unlock()

	return nil
}

func (e *inmemEndpoint) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.closed
}
