package coordinator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventSessionStarted    EventType = "session_started"
	EventSessionPaused     EventType = "session_paused"
	EventSessionResumed    EventType = "session_resumed"
	EventSessionStopped    EventType = "session_stopped"
	EventSessionCompleted  EventType = "session_completed"
	EventSessionFailed     EventType = "session_failed"
	EventRoundTransition   EventType = "round_transition"
	EventRoundCompleted    EventType = "round_completed"
	EventRoundFailed       EventType = "round_failed"
	EventCheckpointSaved   EventType = "checkpoint_saved"
	EventByzantineDetected EventType = "byzantine_detected"
	EventConvergence       EventType = "convergence"
	EventDivergence        EventType = "divergence"
)

type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	RoundID   string         `json:"round_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

type EventHandler func(Event)

// Bus is a minimal typed publish/subscribe surface. Handler failures,
// including panics, are swallowed so that no observer can stall or kill
// the training loop.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
	logger   *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string]EventHandler),
		logger:   logger,
	}
}

// Subscribe registers a handler and returns its subscription id.
func (b *Bus) Subscribe(h EventHandler) string {
	id := uuid.NewString()

	b.mu.Lock()
	b.handlers[id] = h
	b.mu.Unlock()

	return id
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
}

func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(h, event)
	}
}

func (b *Bus) dispatch(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("Event handler panicked",
				slog.String("event_type", string(event.Type)),
				slog.Any("panic", r),
			)
		}
	}()

	h(event)
}
