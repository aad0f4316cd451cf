package aggregator

import (
	"math"
	"sort"

	"github.com/flotilla-ml/flotilla/model"
)

// outlierFactor is the multiple of the median distance-to-aggregate beyond
// which an update is flagged as suspected Byzantine. Flagged participants
// are reported, not dropped: the robust statistic already limits their
// influence.
const outlierFactor = 3.0

// weightedMedian takes the per-coordinate weighted median, weights being
// sample counts. Resistant to a minority of arbitrarily corrupt updates.
type weightedMedian struct{}

func (weightedMedian) combine(updates []model.Update) (map[string][]float64, []string, error) {
	weights := sampleWeights(updates)

	out := perCoordinate(updates, func(values []float64, order []int) float64 {
		var cum float64
		for _, i := range order {
			cum += weights[i]
			if cum >= 0.5 {
				return values[i]
			}
		}

		return values[order[len(order)-1]]
	})

	return out, flagOutliers(updates, out), nil
}

// trimmedMean discards the configured fraction from each tail per
// coordinate and averages the remainder.
type trimmedMean struct {
	ratio float64
}

func (t trimmedMean) combine(updates []model.Update) (map[string][]float64, []string, error) {
	trim := int(math.Floor(t.ratio * float64(len(updates))))

	out := perCoordinate(updates, func(values []float64, order []int) float64 {
		kept := order
		if trim > 0 && len(order) > 2*trim {
			kept = order[trim : len(order)-trim]
		}

		var sum float64
		for _, i := range kept {
			sum += values[i]
		}

		return sum / float64(len(kept))
	})

	return out, flagOutliers(updates, out), nil
}

// coordinateMedian takes the plain per-coordinate median.
type coordinateMedian struct{}

func (coordinateMedian) combine(updates []model.Update) (map[string][]float64, []string, error) {
	out := perCoordinate(updates, func(values []float64, order []int) float64 {
		n := len(order)
		if n%2 == 1 {
			return values[order[n/2]]
		}

		return (values[order[n/2-1]] + values[order[n/2]]) / 2
	})

	return out, flagOutliers(updates, out), nil
}

// perCoordinate runs a reducer over each coordinate position. The reducer
// receives the per-update values at that position and their sort order.
func perCoordinate(updates []model.Update, reduce func(values []float64, order []int) float64) map[string][]float64 {
	out := make(map[string][]float64, len(updates[0].Deltas))
	values := make([]float64, len(updates))
	order := make([]int, len(updates))

	for name, ref := range updates[0].Deltas {
		buf := make([]float64, len(ref))
		for j := range ref {
			for i, u := range updates {
				values[i] = u.Deltas[name][j]
				order[i] = i
			}
			sort.Slice(order, func(a, b int) bool { return values[order[a]] < values[order[b]] })
			buf[j] = reduce(values, order)
		}
		out[name] = buf
	}

	return out
}

// flagOutliers reports participants whose update sits far from the robust
// aggregate, measured by L2 distance relative to the cohort median.
func flagOutliers(updates []model.Update, aggregate map[string][]float64) []string {
	if len(updates) < 3 {
		return nil
	}

	dists := make([]float64, len(updates))
	for i, u := range updates {
		var sum float64
		for name, buf := range u.Deltas {
			agg := aggregate[name]
			for j, v := range buf {
				d := v - agg[j]
				sum += d * d
			}
		}
		dists[i] = math.Sqrt(sum)
	}

	sorted := append([]float64(nil), dists...)
	sort.Float64s(sorted)
	median := sorted[len(sorted)/2]
	if median == 0 {
		return nil
	}

	var flagged []string
	for i, u := range updates {
		if dists[i] > outlierFactor*median {
			flagged = append(flagged, u.ParticipantID)
		}
	}

	return flagged
}
