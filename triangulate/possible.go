package triangulate

import (
	"math"

	"github.com/golang/geo/r3"

	"github.com/openmocap/rigcal/rig"
)

// initialErrorBound is the reprojection error (pixels) a candidate
// combination must beat before it is considered at all.
const initialErrorBound = 200.0

// PossibleOptions controls the multi-hypothesis search.
type PossibleOptions struct {
	// Undistort is passed through to the per-combination triangulation.
	Undistort bool
	// MinCams is the minimum number of cameras a combination must pick,
	// unless the combination covers every camera that observed the point.
	MinCams int
	// Threshold short-circuits the search: the first combination scoring
	// below it wins immediately.
	Threshold float64
	// Progress, when non-nil, is called after each point with (done, total).
	Progress func(done, total int)
}

// DefaultPossibleOptions mirrors the conventional search parameters.
func DefaultPossibleOptions() PossibleOptions {
	return PossibleOptions{Undistort: true, MinCams: 2, Threshold: 0.5}
}

// PossibleResult is the outcome of the multi-hypothesis search.
type PossibleResult struct {
	// Points are the chosen 3D points, missing where no combination
	// satisfied the constraints.
	Points []r3.Vector
	// Picked marks the selected candidate per camera and point, with the
	// same shape as the input candidate tensor.
	Picked [][][]bool
	// Points2D holds the selected 2D observations, missing where unpicked.
	Points2D rig.Tensor
	// Errors holds the winning mean reprojection error per point, 0 where
	// no combination was accepted.
	Errors []float64
}

// Possible resolves ambiguous detections: for each point it enumerates the
// Cartesian product of "pick one candidate or none" per camera, triangulates
// every admissible combination, scores it by mean reprojection error, and
// keeps the lowest-scoring combination under the initial 200 px bound.
//
// Ties break toward the first combination reaching the minimum in enumeration
// order: cameras ascend by index, candidates ascend within a camera, and the
// none-option comes last. The search is exponential in the number of cameras
// observing a point; Threshold short-circuits it.
//
// A point with no combination of at least MinCams cameras is left missing,
// never guessed.
func Possible(g *rig.Group, cands rig.CandidateTensor, opts PossibleOptions) (*PossibleResult, error) {
	if err := g.CheckShape(len(cands)); err != nil {
		return nil, err
	}
	nCams := len(cands)
	nPoints := cands.NumPoints()

	res := &PossibleResult{
		Points:   make([]r3.Vector, nPoints),
		Picked:   make([][][]bool, nCams),
		Points2D: rig.NewTensor(nCams, nPoints),
		Errors:   make([]float64, nPoints),
	}
	for c := range cands {
		res.Picked[c] = make([][]bool, nPoints)
		for j := range cands[c] {
			res.Picked[c][j] = make([]bool, len(cands[c][j]))
		}
	}

	triOpts := Options{Undistort: opts.Undistort}

	for j := 0; j < nPoints; j++ {
		res.Points[j] = rig.MissingPoint()

		// per-camera candidate index lists; -1 is the none-option
		var camIdx []int
		var choices [][]int
		for c := 0; c < nCams; c++ {
			var list []int
			for p, o := range cands[c][j] {
				if o.Valid {
					list = append(list, p)
				}
			}
			if list == nil {
				continue
			}
			list = append(list, -1)
			camIdx = append(camIdx, c)
			choices = append(choices, list)
		}
		nCamsMax := len(camIdx)
		if nCamsMax == 0 {
			if opts.Progress != nil {
				opts.Progress(j+1, nPoints)
			}
			continue
		}

		bestErr := initialErrorBound
		var bestCams, bestCands []int

		// odometer over the choice lists, rightmost varying fastest
		counters := make([]int, len(choices))
		for {
			var pickedCams, pickedCands []int
			for i, ci := range counters {
				if choices[i][ci] >= 0 {
					pickedCams = append(pickedCams, camIdx[i])
					pickedCands = append(pickedCands, choices[i][ci])
				}
			}
			if len(pickedCams) >= opts.MinCams || len(pickedCams) == nCamsMax {
				err, p3d, ok := scoreCombination(g, cands, j, pickedCams, pickedCands, triOpts)
				if ok && err < bestErr {
					bestErr = err
					bestCams = append(bestCams[:0], pickedCams...)
					bestCands = append(bestCands[:0], pickedCands...)
					res.Points[j] = p3d
					if bestErr < opts.Threshold {
						break
					}
				}
			}
			// advance the odometer
			i := len(counters) - 1
			for ; i >= 0; i-- {
				counters[i]++
				if counters[i] < len(choices[i]) {
					break
				}
				counters[i] = 0
			}
			if i < 0 {
				break
			}
		}

		if bestCams != nil {
			res.Errors[j] = bestErr
			for i := range bestCams {
				c, p := bestCams[i], bestCands[i]
				res.Picked[c][j][p] = true
				res.Points2D[c][j] = cands[c][j][p]
			}
		} else {
			res.Points[j] = rig.MissingPoint()
		}
		if opts.Progress != nil {
			opts.Progress(j+1, nPoints)
		}
	}
	return res, nil
}

// Ransac runs the multi-hypothesis search on single-candidate input, purely
// for its robust camera-subset selection.
func Ransac(g *rig.Group, obs rig.Tensor, opts PossibleOptions) (*PossibleResult, error) {
	cands := make(rig.CandidateTensor, len(obs))
	for c := range obs {
		cands[c] = make([][]rig.Observation, len(obs[c]))
		for j := range obs[c] {
			cands[c][j] = []rig.Observation{obs[c][j]}
		}
	}
	return Possible(g, cands, opts)
}

// scoreCombination triangulates one candidate pick over a deep-copied camera
// subset and scores it by mean reprojection error.
func scoreCombination(
	g *rig.Group,
	cands rig.CandidateTensor,
	j int,
	pickedCams, pickedCands []int,
	triOpts Options,
) (float64, r3.Vector, bool) {
	sub, err := g.Subset(pickedCams)
	if err != nil {
		return 0, rig.MissingPoint(), false
	}
	obs := rig.NewTensor(len(pickedCams), 1)
	for i := range pickedCams {
		obs[i][0] = cands[pickedCams[i]][j][pickedCands[i]]
	}
	p3ds, err := Points(sub, obs, triOpts)
	if err != nil {
		return 0, rig.MissingPoint(), false
	}
	errs, err := sub.MeanReprojectionError(p3ds, obs)
	if err != nil {
		return 0, rig.MissingPoint(), false
	}
	if math.IsNaN(errs[0]) {
		return 0, rig.MissingPoint(), false
	}
	return errs[0], p3ds[0], true
}
