package checkpoints

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/flotilla-ml/flotilla/model"
	"github.com/flotilla-ml/flotilla/pkg/errors"
)

type fsStore struct {
	mu  sync.RWMutex
	dir string
}

// NewFSStore persists checkpoints as JSON files under dir.
func NewFSStore(dir string) (model.CheckpointStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	return &fsStore{dir: dir}, nil
}

func (s *fsStore) Save(_ context.Context, cp model.Checkpoint) error {
	id := sanitizeID(cp.ID)
	if id == "" {
		return errors.ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	if err := os.WriteFile(s.path(id), data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}

	return nil
}

func (s *fsStore) Load(_ context.Context, id string) (model.Checkpoint, error) {
	id = sanitizeID(id)
	if id == "" {
		return model.Checkpoint{}, errors.ErrEmptyKey
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return model.Checkpoint{}, errors.ErrNotFound
		}

		return model.Checkpoint{}, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var cp model.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return model.Checkpoint{}, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}

	return cp, nil
}

func (s *fsStore) List(_ context.Context) ([]model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var cps []model.Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		var cp model.Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			continue
		}
		cps = append(cps, cp)
	}

	return cps, nil
}

func (s *fsStore) Delete(_ context.Context, id string) error {
	id = sanitizeID(id)
	if id == "" {
		return errors.ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

func (s *fsStore) path(id string) string {
	return filepath.Join(s.dir, "checkpoint_"+id+".json")
}

// sanitizeID strips path separators, traversal sequences and control
// characters so checkpoint ids are always safe filename components.
func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}

	return b.String()
}
