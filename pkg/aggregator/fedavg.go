package aggregator

import (
	"github.com/flotilla-ml/flotilla/model"
)

// fedAvg is sample-weighted averaging: each participant's delta contributes
// proportionally to the number of samples it trained on. Updates reporting
// zero samples fall back to uniform weighting.
type fedAvg struct{}

func (fedAvg) combine(updates []model.Update) (map[string][]float64, []string, error) {
	return weightedMean(updates), nil, nil
}

// fedProx is FedAvg with a proximal damping term: the averaged delta is
// shrunk by 1/(1+mu), pulling the next global model toward the previous one
// in proportion to the proximal coefficient.
type fedProx struct {
	mu float64
}

func (p fedProx) combine(updates []model.Update) (map[string][]float64, []string, error) {
	deltas := weightedMean(updates)

	if p.mu > 0 {
		shrink := 1 / (1 + p.mu)
		for _, buf := range deltas {
			for i := range buf {
				buf[i] *= shrink
			}
		}
	}

	return deltas, nil, nil
}

func weightedMean(updates []model.Update) map[string][]float64 {
	weights := sampleWeights(updates)

	out := make(map[string][]float64, len(updates[0].Deltas))
	for name, ref := range updates[0].Deltas {
		buf := make([]float64, len(ref))
		for i, u := range updates {
			w := weights[i]
			for j, v := range u.Deltas[name] {
				buf[j] += w * v
			}
		}
		out[name] = buf
	}

	return out
}

// sampleWeights normalizes per-update sample counts into mixing weights.
func sampleWeights(updates []model.Update) []float64 {
	total := 0
	for _, u := range updates {
		total += u.NumSamples
	}

	weights := make([]float64, len(updates))
	if total == 0 {
		for i := range weights {
			weights[i] = 1 / float64(len(updates))
		}

		return weights
	}

	for i, u := range updates {
		weights[i] = float64(u.NumSamples) / float64(total)
	}

	return weights
}
