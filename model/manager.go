package model

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flotilla-ml/flotilla/pkg/errors"
)

const lossWindow = 5

// CheckpointStore persists model checkpoints. The in-memory and filesystem
// implementations live in pkg/checkpoints.
type CheckpointStore interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, id string) (Checkpoint, error)
	List(ctx context.Context) ([]Checkpoint, error)
	Delete(ctx context.Context, id string) error
}

type Config struct {
	// MaxModelBytes is the hard cap on total parameter buffer size.
	MaxModelBytes int64
	// MaxCheckpoints bounds the checkpoint store; oldest round evicted first.
	MaxCheckpoints int
	// DivergenceThreshold is the multiplicative factor over the trailing
	// loss average beyond which training is flagged as diverging.
	DivergenceThreshold float64
	Optimizer           OptimizerConfig
}

func (c Config) withDefaults() Config {
	if c.MaxModelBytes == 0 {
		c.MaxModelBytes = 1 << 30
	}
	if c.MaxCheckpoints == 0 {
		c.MaxCheckpoints = 10
	}
	if c.DivergenceThreshold == 0 {
		c.DivergenceThreshold = 2.0
	}

	return c
}

type TrainOptions struct {
	Epochs      int
	Gradient    GradientFn
	Compression CompressionConfig
	// Seed feeds the synthetic fallback when Gradient is nil.
	Seed int64
}

// Manager owns the authoritative local model snapshot: it runs local
// optimization, produces deltas, applies aggregated updates and handles
// checkpoint/rollback. Exactly one previous snapshot is retained for
// single-step rollback.
type Manager struct {
	mu sync.RWMutex

	arch     Architecture
	cfg      Config
	opt      Optimizer
	store    CheckpointStore
	current  Weights
	previous *Weights
	round    int
	losses   []float64
}

func NewManager(arch Architecture, cfg Config, store CheckpointStore) (*Manager, error) {
	cfg = cfg.withDefaults()

	opt, err := NewOptimizer(cfg.Optimizer)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		arch:    arch,
		cfg:     cfg,
		opt:     opt,
		store:   store,
		current: NewWeights(arch),
	}

	return m, nil
}

func (m *Manager) Architecture() Architecture {
	return m.arch
}

// SetWeights installs a full snapshot after validating shapes and the size
// cap. It does not retain the displaced snapshot: use ApplyUpdate for
// round-boundary replacement.
func (m *Manager) SetWeights(w Weights) error {
	if err := w.Validate(m.arch); err != nil {
		return err
	}
	if w.SizeBytes() > m.cfg.MaxModelBytes {
		return fmt.Errorf("%w: %d bytes over cap %d", errors.ErrModelTooLarge, w.SizeBytes(), m.cfg.MaxModelBytes)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = w.Clone()
	m.current.Checksum = m.current.ComputeChecksum()

	return nil
}

// Weights returns a defensive copy of the current snapshot.
func (m *Manager) Weights() Weights {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.current.Clone()
}

// PreviousWeights returns a copy of the retained pre-update snapshot.
func (m *Manager) PreviousWeights() (Weights, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.previous == nil {
		return Weights{}, false
	}

	return m.previous.Clone(), true
}

func (m *Manager) Round() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.round
}

// TrainLocal runs N local epochs against a working copy of the current
// snapshot and returns the delta as a ModelUpdate. The manager's own
// snapshot is not modified; optimizer momentum state persists across calls.
func (m *Manager) TrainLocal(ctx context.Context, opts TrainOptions) (Update, error) {
	if opts.Epochs <= 0 {
		opts.Epochs = 1
	}
	gradient := opts.Gradient
	if gradient == nil {
		gradient = SyntheticGradient(opts.Seed)
	}

	m.mu.Lock()
	snapshot := m.current.Clone()
	working := m.current.Clone()
	opt := m.opt
	m.mu.Unlock()

	start := time.Now()
	lossHistory := make([]float64, 0, opts.Epochs)
	gradNorms := make([]float64, 0, opts.Epochs)

	var finalLoss float64
	for epoch := 0; epoch < opts.Epochs; epoch++ {
		select {
		case <-ctx.Done():
			return Update{}, ctx.Err()
		default:
		}

		grads, loss, err := gradient(ctx, working, epoch)
		if err != nil {
			return Update{}, fmt.Errorf("gradient computation failed: %w", err)
		}

		for _, l := range m.arch.TrainableLayers() {
			g, ok := grads[l.Name]
			if !ok || len(g) != len(working.Layers[l.Name]) {
				return Update{}, fmt.Errorf("%w: gradient for layer %q", errors.ErrInvalidUpdate, l.Name)
			}
			opt.Step(l.Name, working.Layers[l.Name], g)
		}

		lossHistory = append(lossHistory, loss)
		gradNorms = append(gradNorms, gradNorm(grads))
		finalLoss = loss
	}

	deltas := make(map[string][]float64, len(m.arch.Layers))
	for _, l := range m.arch.TrainableLayers() {
		before := snapshot.Layers[l.Name]
		after := working.Layers[l.Name]
		d := make([]float64, len(after))
		for i := range after {
			d[i] = after[i] - before[i]
		}
		deltas[l.Name] = d
	}

	deltas, info, err := CompressDeltas(deltas, opts.Compression)
	if err != nil {
		return Update{}, err
	}

	m.recordLoss(finalLoss)

	return Update{
		BaseVersion: snapshot.Version,
		Deltas:      deltas,
		Loss:        finalLoss,
		LossHistory: lossHistory,
		GradNorms:   gradNorms,
		TrainTime:   time.Since(start),
		Compression: info,
	}, nil
}

// ApplyUpdate installs an aggregated model, retains the displaced snapshot
// as "previous" and increments the round counter.
func (m *Manager) ApplyUpdate(w Weights) error {
	if err := w.Validate(m.arch); err != nil {
		return err
	}
	if w.SizeBytes() > m.cfg.MaxModelBytes {
		return fmt.Errorf("%w: %d bytes over cap %d", errors.ErrModelTooLarge, w.SizeBytes(), m.cfg.MaxModelBytes)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	displaced := m.current.Clone()
	m.previous = &displaced

	next := w.Clone()
	next.Version = m.current.Version + 1
	next.UpdatedAt = time.Now()
	next.Checksum = next.ComputeChecksum()
	m.current = next
	m.round++

	return nil
}

// ApplyDeltaUpdate adds aggregated deltas to the current snapshot in place
// and recomputes checksum and version.
func (m *Manager) ApplyDeltaUpdate(deltas map[string][]float64) error {
	m.mu.Lock()
	next := m.current.Clone()
	m.mu.Unlock()

	for name, d := range deltas {
		buf, ok := next.Layers[name]
		if !ok {
			return fmt.Errorf("%w: unknown layer %q", errors.ErrInvalidUpdate, name)
		}
		if len(d) != len(buf) {
			return fmt.Errorf("%w: delta for layer %q has %d parameters, snapshot has %d",
				errors.ErrInvalidUpdate, name, len(d), len(buf))
		}
		for i := range buf {
			buf[i] += d[i]
		}
	}

	return m.ApplyUpdate(next)
}

// Rollback restores the retained previous snapshot. It is single-step: a
// second rollback with no intervening update returns false with no effect.
func (m *Manager) Rollback() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.previous == nil {
		return false
	}

	m.current = m.previous.Clone()
	m.previous = nil
	if m.round > 0 {
		m.round--
	}

	return true
}

// Checkpoint snapshots the full state (weights, optimizer, metrics) into the
// store, pruning oldest-by-round checkpoints past the configured maximum.
func (m *Manager) Checkpoint(ctx context.Context, metrics map[string]float64) (Checkpoint, error) {
	if m.store == nil {
		return Checkpoint{}, fmt.Errorf("%w: no checkpoint store configured", errors.ErrCheckpoint)
	}

	m.mu.RLock()
	cp := Checkpoint{
		ID:        uuid.NewString(),
		Round:     m.round,
		Weights:   m.current.Clone(),
		Optimizer: m.opt.State(),
		Metrics:   metrics,
		CreatedAt: time.Now(),
	}
	m.mu.RUnlock()

	if err := m.store.Save(ctx, cp); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: %s", errors.ErrCheckpoint, err)
	}

	if err := m.prune(ctx); err != nil {
		return Checkpoint{}, err
	}

	return cp, nil
}

// RestoreCheckpoint reinstates a stored checkpoint: weights, optimizer
// momentum and round counter.
func (m *Manager) RestoreCheckpoint(ctx context.Context, id string) error {
	if m.store == nil {
		return fmt.Errorf("%w: no checkpoint store configured", errors.ErrCheckpoint)
	}

	cp, err := m.store.Load(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %s", errors.ErrCheckpoint, err)
	}
	if err := cp.Weights.Validate(m.arch); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = cp.Weights.Clone()
	m.previous = nil
	m.round = cp.Round
	m.opt.LoadState(cp.Optimizer)

	return nil
}

func (m *Manager) prune(ctx context.Context) error {
	cps, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s", errors.ErrCheckpoint, err)
	}
	if len(cps) <= m.cfg.MaxCheckpoints {
		return nil
	}

	sort.Slice(cps, func(i, j int) bool { return cps[i].Round < cps[j].Round })
	for _, cp := range cps[:len(cps)-m.cfg.MaxCheckpoints] {
		if err := m.store.Delete(ctx, cp.ID); err != nil {
			return fmt.Errorf("%w: %s", errors.ErrCheckpoint, err)
		}
	}

	return nil
}

// RecordLoss feeds an observed round loss into the divergence window.
func (m *Manager) RecordLoss(loss float64) {
	m.recordLoss(loss)
}

func (m *Manager) recordLoss(loss float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.losses = append(m.losses, loss)
	if len(m.losses) > lossWindow+1 {
		m.losses = m.losses[1:]
	}
}

// Diverged compares the latest recorded loss against the trailing average of
// the preceding window. Exceeding the configured multiplicative threshold is
// a non-fatal signal for the caller to act on.
func (m *Manager) Diverged() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.losses) < 2 {
		return false
	}

	latest := m.losses[len(m.losses)-1]
	trailing := m.losses[:len(m.losses)-1]

	var sum float64
	for _, l := range trailing {
		sum += l
	}
	avg := sum / float64(len(trailing))
	if avg <= 0 {
		return false
	}

	return latest > m.cfg.DivergenceThreshold*avg
}
