// Package checkpoints provides model.CheckpointStore implementations. The
// in-memory store covers reference behavior; the filesystem store persists
// checkpoints durably as JSON documents.
package checkpoints

import (
	"context"
	"sync"

	"github.com/flotilla-ml/flotilla/model"
	"github.com/flotilla-ml/flotilla/pkg/errors"
)

type memoryStore struct {
	mu   sync.RWMutex
	data map[string]model.Checkpoint
}

func NewInMemoryStore() model.CheckpointStore {
	return &memoryStore{data: make(map[string]model.Checkpoint)}
}

func (s *memoryStore) Save(_ context.Context, cp model.Checkpoint) error {
	if cp.ID == "" {
		return errors.ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[cp.ID] = cp

	return nil
}

func (s *memoryStore) Load(_ context.Context, id string) (model.Checkpoint, error) {
	if id == "" {
		return model.Checkpoint{}, errors.ErrEmptyKey
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.data[id]
	if !ok {
		return model.Checkpoint{}, errors.ErrNotFound
	}

	return cp, nil
}

func (s *memoryStore) List(_ context.Context) ([]model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cps := make([]model.Checkpoint, 0, len(s.data))
	for _, cp := range s.data {
		cps = append(cps, cp)
	}

	return cps, nil
}

func (s *memoryStore) Delete(_ context.Context, id string) error {
	if id == "" {
		return errors.ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, id)

	return nil
}
