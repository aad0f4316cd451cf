package model

import (
	"fmt"
	"math"
	"sort"
)

type CompressionScheme string

const (
	CompressionNone     CompressionScheme = ""
	CompressionQuantize CompressionScheme = "quantize"
	CompressionTopK     CompressionScheme = "top_k"
	CompressionLowRank  CompressionScheme = "low_rank"
)

type CompressionConfig struct {
	Scheme CompressionScheme `json:"scheme,omitempty"`
	Bits   int               `json:"bits,omitempty"`
	K      int               `json:"k,omitempty"`
}

// CompressionInfo records how a delta was compressed. Index sets for
// sparsified layers travel with the update so receivers can account for the
// true wire size.
type CompressionInfo struct {
	Scheme  CompressionScheme `json:"scheme"`
	Bits    int               `json:"bits,omitempty"`
	K       int               `json:"k,omitempty"`
	Indices map[string][]int  `json:"indices,omitempty"`
}

// CompressDeltas applies the configured lossy compression to a delta set and
// returns the reconstructed dense buffers plus metadata. Quantization snaps
// values onto a uniform min/max grid of 2^bits buckets; top-K keeps the K
// largest-magnitude entries per layer; low-rank is a pass-through
// placeholder.
func CompressDeltas(deltas map[string][]float64, cfg CompressionConfig) (map[string][]float64, *CompressionInfo, error) {
	switch cfg.Scheme {
	case CompressionNone:
		return deltas, nil, nil
	case CompressionQuantize:
		if cfg.Bits < 1 || cfg.Bits > 16 {
			return nil, nil, fmt.Errorf("quantization bits out of range: %d", cfg.Bits)
		}

		out := make(map[string][]float64, len(deltas))
		for name, buf := range deltas {
			out[name] = quantize(buf, cfg.Bits)
		}

		return out, &CompressionInfo{Scheme: CompressionQuantize, Bits: cfg.Bits}, nil
	case CompressionTopK:
		if cfg.K < 1 {
			return nil, nil, fmt.Errorf("top-k requires k >= 1, got %d", cfg.K)
		}

		out := make(map[string][]float64, len(deltas))
		indices := make(map[string][]int, len(deltas))
		for name, buf := range deltas {
			kept, idx := sparsify(buf, cfg.K)
			out[name] = kept
			indices[name] = idx
		}

		return out, &CompressionInfo{Scheme: CompressionTopK, K: cfg.K, Indices: indices}, nil
	case CompressionLowRank:
		return deltas, &CompressionInfo{Scheme: CompressionLowRank}, nil
	default:
		return nil, nil, fmt.Errorf("unknown compression scheme %q", cfg.Scheme)
	}
}

func quantize(buf []float64, bits int) []float64 {
	out := make([]float64, len(buf))
	if len(buf) == 0 {
		return out
	}

	lo, hi := buf[0], buf[0]
	for _, v := range buf {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if hi == lo {
		copy(out, buf)

		return out
	}

	buckets := float64(uint64(1)<<uint(bits) - 1)
	step := (hi - lo) / buckets
	for i, v := range buf {
		q := math.Round((v - lo) / step)
		out[i] = lo + q*step
	}

	return out
}

func sparsify(buf []float64, k int) ([]float64, []int) {
	if k >= len(buf) {
		idx := make([]int, len(buf))
		for i := range idx {
			idx[i] = i
		}

		return append([]float64(nil), buf...), idx
	}

	order := make([]int, len(buf))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return math.Abs(buf[order[a]]) > math.Abs(buf[order[b]])
	})

	idx := append([]int(nil), order[:k]...)
	sort.Ints(idx)

	out := make([]float64, len(buf))
	for _, i := range idx {
		out[i] = buf[i]
	}

	return out, idx
}
