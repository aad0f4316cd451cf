package aggregator

import (
	"math"

	"github.com/flotilla-ml/flotilla/model"
)

// fedMA performs layer-wise matched averaging. Multi-dimensional layers are
// treated as rows of neurons; before averaging, each update's rows are
// permuted to best match the first update's rows by cosine similarity, so
// that functionally equivalent neurons in different orderings are averaged
// together. Vector layers and layers with unknown shape average plainly.
type fedMA struct {
	arch model.Architecture
}

func (f fedMA) combine(updates []model.Update) (map[string][]float64, []string, error) {
	weights := sampleWeights(updates)

	out := make(map[string][]float64, len(updates[0].Deltas))
	for name, ref := range updates[0].Deltas {
		rows, cols := f.rowLayout(name, len(ref))
		if rows < 2 {
			out[name] = mixLayer(updates, weights, name, len(ref))

			continue
		}

		buf := make([]float64, len(ref))
		for i, u := range updates {
			perm := matchRows(ref, u.Deltas[name], rows, cols)
			w := weights[i]
			for r := 0; r < rows; r++ {
				src := perm[r] * cols
				dst := r * cols
				for c := 0; c < cols; c++ {
					buf[dst+c] += w * u.Deltas[name][src+c]
				}
			}
		}
		out[name] = buf
	}

	return out, nil, nil
}

func (f fedMA) rowLayout(name string, size int) (rows, cols int) {
	layer, ok := f.arch.Layer(name)
	if !ok || len(layer.Shape) < 2 {
		return 1, size
	}

	rows = layer.Shape[0]
	if rows <= 0 || size%rows != 0 {
		return 1, size
	}

	return rows, size / rows
}

// matchRows greedily assigns each reference row its most cosine-similar
// unclaimed row from the candidate buffer.
func matchRows(ref, cand []float64, rows, cols int) []int {
	perm := make([]int, rows)
	claimed := make([]bool, rows)

	for r := 0; r < rows; r++ {
		best, bestSim := -1, math.Inf(-1)
		for c := 0; c < rows; c++ {
			if claimed[c] {
				continue
			}
			sim := cosine(ref[r*cols:(r+1)*cols], cand[c*cols:(c+1)*cols])
			if sim > bestSim {
				best, bestSim = c, sim
			}
		}
		perm[r] = best
		claimed[best] = true
	}

	return perm
}

func cosine(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}

	return dot / math.Sqrt(na*nb)
}

func mixLayer(updates []model.Update, weights []float64, name string, size int) []float64 {
	buf := make([]float64, size)
	for i, u := range updates {
		w := weights[i]
		for j, v := range u.Deltas[name] {
			buf[j] += w * v
		}
	}

	return buf
}
