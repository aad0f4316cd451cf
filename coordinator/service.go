package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/0x6flab/namegenerator"

	"github.com/flotilla-ml/flotilla/model"
	"github.com/flotilla-ml/flotilla/participant"
	"github.com/flotilla-ml/flotilla/pkg/errors"
	"github.com/flotilla-ml/flotilla/pkg/transport"
)

var namegen = namegenerator.NewGenerator()

// Session is the externally visible view of one training session.
type Session struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	State        SessionState   `json:"state"`
	Architecture string         `json:"architecture"`
	Config       TrainingConfig `json:"config"`
	RoundsRun    int            `json:"rounds_run"`
	CreatedAt    time.Time      `json:"created_at"`
}

type SessionRequest struct {
	Name         string             `json:"name,omitempty"`
	Architecture model.Architecture `json:"architecture"`
	Model        model.Config       `json:"model,omitempty"`
	Training     TrainingConfig     `json:"training"`
	// Seed initializes the global model deterministically when non-zero.
	Seed int64 `json:"seed,omitempty"`
}

// Service manages the coordinator fleet: one Coordinator per session,
// shared participant registry, pluggable transport and checkpoint storage
// per session.
type Service interface {
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
	GetSession(ctx context.Context, id string) (Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	StartSession(ctx context.Context, id string) error
	PauseSession(ctx context.Context, id string) error
	ResumeSession(ctx context.Context, id string) error
	StopSession(ctx context.Context, id string) error
	SessionResult(ctx context.Context, id string) (Result, error)
	ListParticipants(ctx context.Context) ([]participant.Participant, error)
	ListCheckpoints(ctx context.Context, id string) ([]model.Checkpoint, error)
	RestoreCheckpoint(ctx context.Context, id, checkpointID string) error
	Subscribe(ctx context.Context, id string, h EventHandler) (string, error)
}

// TransportFactory attaches a session's coordinator endpoint to the
// fabric. StoreFactory opens that session's checkpoint backend.
type (
	TransportFactory func(sessionID string) (transport.Transport, error)
	StoreFactory     func(sessionID string) (model.CheckpointStore, error)
)

type session struct {
	name        string
	arch        string
	coordinator *Coordinator
	manager     *model.Manager
	store       model.CheckpointStore
	createdAt   time.Time

	mu     sync.Mutex
	result *Result
}

type service struct {
	mu       sync.RWMutex
	sessions map[string]*session

	registry     *participant.Registry
	newTransport TransportFactory
	newStore     StoreFactory
	logger       *slog.Logger
}

func NewService(registry *participant.Registry, tf TransportFactory, sf StoreFactory, logger *slog.Logger) Service {
	return &service{
		sessions:     make(map[string]*session),
		registry:     registry,
		newTransport: tf,
		newStore:     sf,
		logger:       logger,
	}
}

func (s *service) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	if req.Name == "" {
		req.Name = namegen.Generate()
	}

	store, err := s.newStore(req.Name)
	if err != nil {
		return Session{}, err
	}

	manager, err := model.NewManager(req.Architecture, req.Model, store)
	if err != nil {
		return Session{}, err
	}
	if err := manager.SetWeights(model.InitialWeights(req.Architecture, req.Seed)); err != nil {
		return Session{}, err
	}

	tp, err := s.newTransport(req.Name)
	if err != nil {
		return Session{}, err
	}

	coord, err := New(req.Training, manager, tp, s.registry, s.logger)
	if err != nil {
		return Session{}, err
	}

	sess := &session{
		name:        req.Name,
		arch:        req.Architecture.Name,
		coordinator: coord,
		manager:     manager,
		store:       store,
		createdAt:   time.Now(),
	}

	s.mu.Lock()
	s.sessions[coord.ID()] = sess
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "Session created",
		slog.String("session_id", coord.ID()),
		slog.String("name", req.Name),
		slog.String("architecture", req.Architecture.Name),
	)

	return s.view(coord.ID(), sess), nil
}

func (s *service) GetSession(_ context.Context, id string) (Session, error) {
	sess, err := s.session(id)
	if err != nil {
		return Session{}, err
	}

	return s.view(id, sess), nil
}

func (s *service) ListSessions(_ context.Context) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		out = append(out, s.view(id, sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })

	return out, nil
}

// StartSession launches the round loop in the background. The final result
// is retained for SessionResult.
func (s *service) StartSession(ctx context.Context, id string) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	if sess.coordinator.State() != StateCreated {
		return fmt.Errorf("%w: session is %s", errors.ErrSessionState, sess.coordinator.State())
	}

	go func() {
		res, err := sess.coordinator.Start(context.WithoutCancel(ctx))
		if err != nil {
			s.logger.Warn("Session ended with error",
				slog.String("session_id", id),
				slog.Any("error", err),
			)
		}

		sess.mu.Lock()
		sess.result = &res
		sess.mu.Unlock()
	}()

	return nil
}

func (s *service) PauseSession(_ context.Context, id string) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}

	return sess.coordinator.Pause()
}

func (s *service) ResumeSession(_ context.Context, id string) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}

	return sess.coordinator.Resume()
}

func (s *service) StopSession(_ context.Context, id string) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}

	return sess.coordinator.Stop()
}

func (s *service) SessionResult(_ context.Context, id string) (Result, error) {
	sess, err := s.session(id)
	if err != nil {
		return Result{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.result == nil {
		return Result{}, fmt.Errorf("%w: session has not finished", errors.ErrSessionState)
	}

	return *sess.result, nil
}

func (s *service) ListParticipants(_ context.Context) ([]participant.Participant, error) {
	return s.registry.List(), nil
}

func (s *service) ListCheckpoints(ctx context.Context, id string) ([]model.Checkpoint, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}

	cps, err := sess.store.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i].Round < cps[j].Round })

	return cps, nil
}

func (s *service) RestoreCheckpoint(ctx context.Context, id, checkpointID string) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}

	state := sess.coordinator.State()
	if state == StateRunning {
		return fmt.Errorf("%w: cannot restore while the session is running", errors.ErrSessionState)
	}

	return sess.manager.RestoreCheckpoint(ctx, checkpointID)
}

func (s *service) Subscribe(_ context.Context, id string, h EventHandler) (string, error) {
	sess, err := s.session(id)
	if err != nil {
		return "", err
	}

	return sess.coordinator.Subscribe(h), nil
}

func (s *service) session(id string) (*session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session %q", errors.ErrNotFound, id)
	}

	return sess, nil
}

func (s *service) view(id string, sess *session) Session {
	return Session{
		ID:           id,
		Name:         sess.name,
		State:        sess.coordinator.State(),
		Architecture: sess.arch,
		Config:       sess.coordinator.cfg,
		RoundsRun:    sess.coordinator.RoundsRun(),
		CreatedAt:    sess.createdAt,
	}
}
