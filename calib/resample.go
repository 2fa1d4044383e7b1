// Package calib calibrates the extrinsics (and optionally intrinsics) of a
// camera rig from multi-view 2D correspondences: sparse bundle adjustment
// plus an iterative outlier-reweighting loop in the manner of Fast Global
// Registration, which tightens an acceptance threshold round by round instead
// of relying on hand-tuned outlier cutoffs.
package calib

import (
	"math"
	"math/rand"
	"sort"

	"github.com/golang/geo/r2"

	"github.com/openmocap/rigcal/rig"
	"github.com/openmocap/rigcal/triangulate"
)

// minSharedPoints is the smallest number of points two cameras must share
// before their pairwise error summary is considered meaningful.
const minSharedPoints = 10

// Pair identifies an unordered camera pair, A < B.
type Pair struct {
	A, B int
}

// PairSummary condenses the reprojection errors of the points a camera pair
// shares: how many, and the 15th/75th percentile of their mean error.
type PairSummary struct {
	Shared int
	P15    float64
	P75    float64
}

// ErrorSummaries triangulates the observations with the current calibration
// and summarizes the reprojection errors per camera pair, a quick health
// check of a rig: a pair with a high 75th percentile is misaligned relative
// to the rest.
func ErrorSummaries(g *rig.Group, obs rig.Tensor) (map[Pair]PairSummary, error) {
	p3ds, err := triangulate.Points(g, obs, triangulate.DefaultOptions())
	if err != nil {
		return nil, err
	}
	errsFull, err := g.ReprojectionError(p3ds, obs)
	if err != nil {
		return nil, err
	}
	return pairErrorSummaries(errsFull), nil
}

// pairErrorSummaries computes, for every camera pair sharing more than
// minSharedPoints valid points, the percentile summary of the mean
// reprojection error across the two cameras.
func pairErrorSummaries(errsFull [][]r2.Point) map[Pair]PairSummary {
	nCams := len(errsFull)
	out := map[Pair]PairSummary{}
	for i := 0; i < nCams; i++ {
		for j := i + 1; j < nCams; j++ {
			var means []float64
			for p := range errsFull[i] {
				ei, ej := errsFull[i][p], errsFull[j][p]
				if math.IsNaN(ei.X) || math.IsNaN(ej.X) {
					continue
				}
				means = append(means, (ei.Norm()+ej.Norm())/2)
			}
			if len(means) > minSharedPoints {
				sort.Float64s(means)
				out[Pair{i, j}] = PairSummary{
					Shared: len(means),
					P15:    percentileSorted(means, 15),
					P75:    percentileSorted(means, 75),
				}
			}
		}
	}
	return out
}

// muBounds returns the largest 15th and 75th percentile across all pairs,
// the clamping interval for the robustness threshold.
func muBounds(summaries map[Pair]PairSummary) (minErr, maxErr float64) {
	for _, s := range summaries {
		maxErr = math.Max(maxErr, s.P75)
		minErr = math.Max(minErr, s.P15)
	}
	return minErr, maxErr
}

// ResamplePoints picks a representative point subset, favoring points visible
// to the most cameras so that repeated solves stay bounded on large datasets.
// For every camera pair it ranks the points both cameras observe by total
// observing-camera count (random tie-break) and keeps the top nSamp; the
// union over pairs is returned as sorted, duplicate-free indices into the
// input tensor.
func ResamplePoints(obs rig.Tensor, nSamp int) []int {
	nCams := len(obs)
	counts := obs.CountValid()

	include := map[int]struct{}{}
	for i := 0; i < nCams; i++ {
		for j := i + 1; j < nCams; j++ {
			type ranked struct {
				ix    int
				score float64
			}
			var shared []ranked
			for p := range counts {
				if obs[i][p].Valid && obs[j][p].Valid {
					shared = append(shared, ranked{p, float64(counts[p]) + rand.Float64()})
				}
			}
			sort.Slice(shared, func(a, b int) bool { return shared[a].score > shared[b].score })
			for k := 0; k < len(shared) && k < nSamp; k++ {
				include[shared[k].ix] = struct{}{}
			}
		}
	}

	out := make([]int, 0, len(include))
	for ix := range include {
		out = append(out, ix)
	}
	sort.Ints(out)
	return out
}

// percentileSorted returns the q-th percentile of ascending-sorted values
// with linear interpolation between ranks.
func percentileSorted(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	pos := q / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// nanMedian returns the median of the finite entries, NaN when none exist.
func nanMedian(vals []float64) float64 {
	kept := make([]float64, 0, len(vals))
	for _, v := range vals {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		return math.NaN()
	}
	sort.Float64s(kept)
	n := len(kept)
	if n%2 == 1 {
		return kept[n/2]
	}
	return (kept[n/2-1] + kept[n/2]) / 2
}
