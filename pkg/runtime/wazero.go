package runtime

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	wazeroapi "github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/flotilla-ml/flotilla/model"
)

const (
	allocFunction = "alloc"
	gradFunction  = "grad"

	wordSize = 8
)

// WasmTrainer runs a WASM gradient module as the participant's local
// trainer. The module must export two functions:
//
//	alloc(size u64) u64         reserves size bytes, returns the offset
//	grad(ptr, n, epoch u64) u64 reads n float64 parameters at ptr and
//	                            returns the offset of n+1 float64s: the
//	                            per-parameter gradients followed by the loss
//
// Parameters are flattened layer by layer in lexicographic layer-name order,
// little-endian float64.
type WasmTrainer struct {
	mu      sync.Mutex
	runtime wazero.Runtime
	module  wazeroapi.Module
	alloc   wazeroapi.Function
	grad    wazeroapi.Function
	logger  *slog.Logger
}

func NewWasmTrainer(ctx context.Context, wasmBinary []byte, logger *slog.Logger) (*WasmTrainer, error) {
	r := wazero.NewRuntime(ctx)

	// Instantiate WASI, which implements host functions needed for TinyGo to
	// implement `panic`.
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	module, err := r.Instantiate(ctx, wasmBinary)
	if err != nil {
		_ = r.Close(ctx)

		return nil, errors.Join(errors.New("failed to instantiate Wasm module"), err)
	}

	alloc := module.ExportedFunction(allocFunction)
	grad := module.ExportedFunction(gradFunction)
	if alloc == nil || grad == nil {
		_ = r.Close(ctx)

		return nil, fmt.Errorf("wasm module must export %q and %q", allocFunction, gradFunction)
	}

	return &WasmTrainer{
		runtime: r,
		module:  module,
		alloc:   alloc,
		grad:    grad,
		logger:  logger,
	}, nil
}

// GradientFn adapts the module to the trainer contract.
func (t *WasmTrainer) GradientFn() model.GradientFn {
	return t.gradient
}

func (t *WasmTrainer) Close(ctx context.Context) error {
	return t.runtime.Close(ctx)
}

// gradient serializes one module call at a time: WASM linear memory is
// shared state between calls.
func (t *WasmTrainer) gradient(ctx context.Context, w model.Weights, epoch int) (map[string][]float64, float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(w.Layers))
	for name := range w.Layers {
		names = append(names, name)
	}
	sort.Strings(names)

	var flat []float64
	for _, name := range names {
		flat = append(flat, w.Layers[name]...)
	}
	n := len(flat)

	res, err := t.alloc.Call(ctx, uint64(wordSize*n))
	if err != nil {
		return nil, 0, errors.Join(errors.New("failed to allocate module memory"), err)
	}
	ptr := res[0]

	buf := make([]byte, wordSize*n)
	for i, v := range flat {
		binary.LittleEndian.PutUint64(buf[wordSize*i:], math.Float64bits(v))
	}
	if ok := t.module.Memory().Write(uint32(ptr), buf); !ok {
		return nil, 0, fmt.Errorf("failed to write %d bytes at offset %d", len(buf), ptr)
	}

	res, err = t.grad.Call(ctx, ptr, uint64(n), uint64(epoch))
	if err != nil {
		return nil, 0, errors.Join(errors.New("failed to call gradient function"), err)
	}

	out, ok := t.module.Memory().Read(uint32(res[0]), uint32(wordSize*(n+1)))
	if !ok {
		return nil, 0, fmt.Errorf("failed to read %d gradients at offset %d", n+1, res[0])
	}

	grads := make(map[string][]float64, len(names))
	offset := 0
	for _, name := range names {
		g := make([]float64, len(w.Layers[name]))
		for i := range g {
			g[i] = math.Float64frombits(binary.LittleEndian.Uint64(out[wordSize*offset:]))
			offset++
		}
		grads[name] = g
	}
	loss := math.Float64frombits(binary.LittleEndian.Uint64(out[wordSize*n:]))

	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return nil, 0, fmt.Errorf("wasm trainer returned non-finite loss at epoch %d", epoch)
	}

	return grads, loss, nil
}
