package aggregator

import (
	"sort"

	"github.com/flotilla-ml/flotilla/model"
)

// krum selects the single update minimizing the summed squared distance to
// its k nearest neighbors. The winner becomes the round aggregate verbatim;
// updates scoring far above the cohort are flagged as suspected Byzantine.
type krum struct {
	neighbors int
}

func (k krum) combine(updates []model.Update) (map[string][]float64, []string, error) {
	n := len(updates)
	if n == 1 {
		return cloneDeltas(updates[0].Deltas), nil, nil
	}

	kn := k.neighbors
	if kn <= 0 {
		kn = n - 2
	}
	if kn < 1 {
		kn = 1
	}
	if kn > n-1 {
		kn = n - 1
	}

	dist := pairwiseSquaredDistances(updates)

	scores := make([]float64, n)
	for i := 0; i < n; i++ {
		others := make([]float64, 0, n-1)
		for j := 0; j < n; j++ {
			if j != i {
				others = append(others, dist[i][j])
			}
		}
		sort.Float64s(others)
		for _, d := range others[:kn] {
			scores[i] += d
		}
	}

	best := 0
	for i := 1; i < n; i++ {
		if scores[i] < scores[best] {
			best = i
		}
	}

	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)
	median := sorted[n/2]

	var flagged []string
	if median > 0 {
		for i, u := range updates {
			if scores[i] > outlierFactor*median {
				flagged = append(flagged, u.ParticipantID)
			}
		}
	}

	return cloneDeltas(updates[best].Deltas), flagged, nil
}

func pairwiseSquaredDistances(updates []model.Update) [][]float64 {
	n := len(updates)
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			var sum float64
			for name, buf := range updates[i].Deltas {
				other := updates[j].Deltas[name]
				for idx, v := range buf {
					d := v - other[idx]
					sum += d * d
				}
			}
			dist[i][j] = sum
			dist[j][i] = sum
		}
	}

	return dist
}

func cloneDeltas(deltas map[string][]float64) map[string][]float64 {
	out := make(map[string][]float64, len(deltas))
	for name, buf := range deltas {
		out[name] = append([]float64(nil), buf...)
	}

	return out
}
