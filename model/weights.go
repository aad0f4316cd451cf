package model

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/flotilla-ml/flotilla/pkg/errors"
)

// Weights is a versioned snapshot of the model parameters. Snapshots mutate
// only by full replacement across rounds.
type Weights struct {
	Version   int                  `json:"version"`
	Layers    map[string][]float64 `json:"layers"`
	Shapes    map[string][]int     `json:"shapes"`
	Checksum  string               `json:"checksum"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// NewWeights returns a zero-initialized snapshot matching the architecture.
func NewWeights(arch Architecture) Weights {
	layers := make(map[string][]float64, len(arch.Layers))
	shapes := make(map[string][]int, len(arch.Layers))
	for _, l := range arch.Layers {
		layers[l.Name] = make([]float64, l.Size())
		shapes[l.Name] = append([]int(nil), l.Shape...)
	}

	w := Weights{
		Version:   0,
		Layers:    layers,
		Shapes:    shapes,
		UpdatedAt: time.Now(),
	}
	w.Checksum = w.ComputeChecksum()

	return w
}

// InitialWeights returns a deterministic pseudo-random snapshot, used to
// bootstrap sessions without a pre-trained model artifact.
func InitialWeights(arch Architecture, seed int64) Weights {
	w := NewWeights(arch)
	for _, l := range arch.Layers {
		buf := w.Layers[l.Name]
		for i := range buf {
			buf[i] = pseudoUniform(seed, l.Name, 0, i) * 0.1
		}
	}
	w.Checksum = w.ComputeChecksum()

	return w
}

// Clone returns a deep copy. Getters hand out clones so callers can never
// alias internal manager state.
func (w Weights) Clone() Weights {
	layers := make(map[string][]float64, len(w.Layers))
	for name, buf := range w.Layers {
		layers[name] = append([]float64(nil), buf...)
	}
	shapes := make(map[string][]int, len(w.Shapes))
	for name, shape := range w.Shapes {
		shapes[name] = append([]int(nil), shape...)
	}

	return Weights{
		Version:   w.Version,
		Layers:    layers,
		Shapes:    shapes,
		Checksum:  w.Checksum,
		UpdatedAt: w.UpdatedAt,
	}
}

// ComputeChecksum hashes all layer buffers in sorted layer order.
func (w Weights) ComputeChecksum() string {
	names := make([]string, 0, len(w.Layers))
	for name := range w.Layers {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	var scratch [8]byte
	for _, name := range names {
		h.Write([]byte(name))
		for _, v := range w.Layers[name] {
			binary.LittleEndian.PutUint64(scratch[:], math.Float64bits(v))
			h.Write(scratch[:])
		}
	}

	return hex.EncodeToString(h.Sum(nil))
}

// SizeBytes returns the in-memory size of all parameter buffers.
func (w Weights) SizeBytes() int64 {
	var total int64
	for _, buf := range w.Layers {
		total += int64(len(buf)) * 8
	}

	return total
}

// Validate checks the snapshot against the architecture: every trainable
// layer must carry a buffer whose length equals the declared shape product.
func (w Weights) Validate(arch Architecture) error {
	for _, l := range arch.Layers {
		if !l.Trainable {
			continue
		}
		buf, ok := w.Layers[l.Name]
		if !ok {
			return fmt.Errorf("%w: missing trainable layer %q", errors.ErrInvalidUpdate, l.Name)
		}
		if len(buf) != l.Size() {
			return fmt.Errorf("%w: layer %q has %d parameters, architecture declares %d",
				errors.ErrInvalidUpdate, l.Name, len(buf), l.Size())
		}
	}

	return nil
}

// pseudoUniform returns a deterministic value in [-1, 1) derived from the
// seed, layer name, epoch and index.
func pseudoUniform(seed int64, layer string, epoch, index int) float64 {
	h := sha256.New()
	var scratch [8]byte
	binary.LittleEndian.PutUint64(scratch[:], uint64(seed))
	h.Write(scratch[:])
	h.Write([]byte(layer))
	binary.LittleEndian.PutUint64(scratch[:], uint64(epoch))
	h.Write(scratch[:])
	binary.LittleEndian.PutUint64(scratch[:], uint64(index))
	h.Write(scratch[:])
	sum := h.Sum(nil)

	v := binary.LittleEndian.Uint64(sum[:8]) >> 11

	return float64(v)/float64(1<<53)*2 - 1
}
