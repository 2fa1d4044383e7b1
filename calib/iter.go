package calib

import (
	"math"

	"github.com/edaniels/golog"

	"github.com/openmocap/rigcal/lsq"
	"github.com/openmocap/rigcal/rig"
	"github.com/openmocap/rigcal/triangulate"
)

// IterOptions controls the iterative bundle adjustment schedule.
type IterOptions struct {
	// NIters is the number of tightening rounds.
	NIters int
	// StartMu and EndMu bound the acceptance threshold schedule in pixels.
	StartMu float64
	EndMu   float64
	// MaxIterations bounds each inner solve.
	MaxIterations int
	// Ftol terminates each inner solve on relative cost decrease below it.
	Ftol float64
	// NSampIter and NSampFull bound the per-pair sample sizes for the inner
	// rounds and the full-set solves.
	NSampIter int
	NSampFull int
	// ErrorThreshold stops early once the median error drops below it.
	ErrorThreshold float64
	// OnlyExtrinsics freezes intrinsics and distortion throughout.
	OnlyExtrinsics bool
}

// DefaultIterOptions returns the schedule used for rig calibration.
func DefaultIterOptions() IterOptions {
	return IterOptions{
		NIters:         6,
		StartMu:        15,
		EndMu:          1,
		MaxIterations:  200,
		Ftol:           1e-4,
		NSampIter:      200,
		NSampFull:      1000,
		ErrorThreshold: 0.3,
	}
}

// BundleAdjustIter runs bundle adjustment repeatedly under a shrinking
// acceptance threshold. Each round triangulates the current estimate, keeps
// only the points whose reprojection error falls under the round's threshold
// mu, and solves on a resampled subset of those; mu interpolates
// geometrically from StartMu to EndMu, clamped by the observed pairwise error
// percentiles so the loop never discards everything nor keeps everything. A
// final solve on the full accepted set finishes the schedule. Returns the
// median reprojection error of the calibrated rig.
func BundleAdjustIter(
	g *rig.Group,
	obs rig.Tensor,
	board *BoardData,
	opts IterOptions,
	logger golog.Logger,
) (float64, error) {
	if err := g.CheckShape(len(obs)); err != nil {
		return 0, err
	}

	fullIx := ResamplePoints(obs, opts.NSampFull)
	obsFull := obs.Select(fullIx)

	startErr, err := triangulate.AverageError(g, obsFull, true)
	if err != nil {
		return 0, err
	}
	logger.Infow("starting iterative bundle adjustment", "error", startErr, "points", obsFull.NumPoints())

	mus := muSchedule(opts.StartMu, opts.EndMu, opts.NIters)

	for round := 0; round < opts.NIters; round++ {
		roundIx := ResamplePoints(obs, opts.NSampFull)
		obsRound := obs.Select(roundIx)
		boardRound := board
		if board != nil {
			boardRound = board.Select(roundIx)
		}

		errsNorm, err := perPointErrors(g, obsRound)
		if err != nil {
			return 0, err
		}
		minErr, maxErr := pairwiseBounds(g, obsRound)
		mu := math.Max(math.Min(maxErr, mus[round]), minErr)

		goodIx := thresholdIndices(errsNorm, mu)
		obsGood := obsRound.Select(goodIx)
		boardGood := boardRound
		if board != nil {
			boardGood = boardRound.Select(goodIx)
		}

		medErr := nanMedian(errsNorm)
		logger.Infow("bundle adjustment round",
			"round", round+1, "mu", mu, "error", medErr, "kept", len(goodIx))
		if medErr < opts.ErrorThreshold {
			break
		}

		sampleIx := ResamplePoints(obsGood, opts.NSampIter)
		obsSample := obsGood.Select(sampleIx)
		boardSample := boardGood
		if board != nil {
			boardSample = boardGood.Select(sampleIx)
		}

		if _, err := BundleAdjust(g, obsSample, boardSample, BundleOptions{
			Loss:           lsq.LossLinear,
			Threshold:      mu,
			Ftol:           opts.Ftol,
			MaxIterations:  opts.MaxIterations,
			OnlyExtrinsics: opts.OnlyExtrinsics,
		}, logger); err != nil {
			return 0, err
		}
	}

	finalIx := ResamplePoints(obs, opts.NSampFull)
	obsFinal := obs.Select(finalIx)
	boardFinal := board
	if board != nil {
		boardFinal = board.Select(finalIx)
	}

	errsNorm, err := perPointErrors(g, obsFinal)
	if err != nil {
		return 0, err
	}
	minErr, maxErr := pairwiseBounds(g, obsFinal)
	mu := math.Max(math.Max(maxErr, opts.EndMu), minErr)
	goodIx := thresholdIndices(errsNorm, mu)
	obsGood := obsFinal.Select(goodIx)
	boardGood := boardFinal
	if board != nil {
		boardGood = boardFinal.Select(goodIx)
	}

	maxIter := opts.MaxIterations
	if maxIter < 200 {
		maxIter = 200
	}
	if _, err := BundleAdjust(g, obsGood, boardGood, BundleOptions{
		Loss:           lsq.LossLinear,
		Threshold:      mu,
		Ftol:           opts.Ftol,
		MaxIterations:  maxIter,
		OnlyExtrinsics: opts.OnlyExtrinsics,
	}, logger); err != nil {
		return 0, err
	}

	finalErr, err := triangulate.AverageError(g, obsFinal, true)
	if err != nil {
		return 0, err
	}
	logger.Infow("iterative bundle adjustment finished", "error", finalErr)
	return finalErr, nil
}

// muSchedule interpolates n thresholds geometrically from start to end.
func muSchedule(start, end float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = end
		return out
	}
	lo, hi := math.Log(start), math.Log(end)
	for i := range out {
		frac := float64(i) / float64(n-1)
		out[i] = math.Exp(lo + (hi-lo)*frac)
	}
	return out
}

// perPointErrors triangulates and returns the mean reprojection error norm
// per point, NaN where fewer than two cameras see it.
func perPointErrors(g *rig.Group, obs rig.Tensor) ([]float64, error) {
	p3ds, err := triangulate.Points(g, obs, triangulate.DefaultOptions())
	if err != nil {
		return nil, err
	}
	return g.MeanReprojectionError(p3ds, obs)
}

// pairwiseBounds triangulates and returns the clamping interval for mu from
// the per-pair error percentiles.
func pairwiseBounds(g *rig.Group, obs rig.Tensor) (minErr, maxErr float64) {
	p3ds, err := triangulate.Points(g, obs, triangulate.DefaultOptions())
	if err != nil {
		return 0, 0
	}
	errsFull, err := g.ReprojectionError(p3ds, obs)
	if err != nil {
		return 0, 0
	}
	return muBounds(pairErrorSummaries(errsFull))
}

// thresholdIndices returns the indices of points whose error is finite and
// under mu.
func thresholdIndices(errsNorm []float64, mu float64) []int {
	var out []int
	for i, e := range errsNorm {
		if !math.IsNaN(e) && e < mu {
			out = append(out, i)
		}
	}
	return out
}
