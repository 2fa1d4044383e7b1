package refine

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/openmocap/rigcal/lsq"
	"github.com/openmocap/rigcal/rig"
	"github.com/openmocap/rigcal/triangulate"
)

// CandidateTracks holds multiple candidate detections per camera, frame and
// joint, for trackers that emit several hypotheses per view.
type CandidateTracks [][][][]rig.Observation

// Dims returns the camera, frame and joint counts.
func (t CandidateTracks) Dims() (nCams, nFrames, nJoints int) {
	nCams = len(t)
	if nCams > 0 {
		nFrames = len(t[0])
		if nFrames > 0 {
			nJoints = len(t[0][0])
		}
	}
	return nCams, nFrames, nJoints
}

// softmax inverse temperature for candidate weights
const alphaBeta = 5.0

// weight of the candidate decisiveness penalty
const alphaPenalty = 10.0

// OptimPointsPossible refines a trajectory like OptimPoints while also
// choosing among candidate detections. Each candidate gets a selection
// variable; a softmax over them yields per-candidate weights, the weighted
// mean of the candidates serves as the observation, and a penalty rewards
// decisive weights. Returns the refined trajectory and the final weights,
// NaN at invalid candidate slots.
func OptimPointsPossible(
	g *rig.Group,
	cands CandidateTracks,
	init Series,
	opts OptimOptions,
	logger golog.Logger,
) (Series, [][][][]float64, error) {
	nCams, nFrames, nJoints := cands.Dims()
	if err := g.CheckShape(nCams); err != nil {
		return nil, nil, err
	}
	if len(init) != nFrames {
		return nil, nil, errors.Errorf("initial trajectory has %d frames, tracks have %d", len(init), nFrames)
	}

	intp := interpolatedInit(init, nFrames, nJoints)
	scaleSmoothFull := opts.ScaleSmooth * defaultSmooth(medianFiltered(intp, nFrames, nJoints))

	nStrong, nWeak := len(opts.Constraints), len(opts.ConstraintsWeak)
	n3d := nFrames * nJoints * 3

	// one selection variable per valid candidate, indexed by (cam, frame, joint, cand)
	alphaIx := make(map[[4]int]int)
	type slot struct{ c, f, j int }
	var slots []slot
	slotSeen := map[slot]bool{}
	for c := 0; c < nCams; c++ {
		for f := 0; f < nFrames; f++ {
			for j := 0; j < nJoints; j++ {
				for k, cand := range cands[c][f][j] {
					if !cand.Valid {
						continue
					}
					alphaIx[[4]int{c, f, j, k}] = len(alphaIx)
					s := slot{c, f, j}
					if !slotSeen[s] {
						slotSeen[s] = true
						slots = append(slots, s)
					}
				}
			}
		}
	}
	nAlphas := len(alphaIx)
	alphaStart := n3d + nStrong + nWeak

	x0 := make([]float64, alphaStart+nAlphas)
	for f := 0; f < nFrames; f++ {
		for j := 0; j < nJoints; j++ {
			base := (f*nJoints + j) * 3
			x0[base] = intp[f][j].X
			x0[base+1] = intp[f][j].Y
			x0[base+2] = intp[f][j].Z
		}
	}
	initLengths(x0[n3d:alphaStart], intp, opts.Constraints, opts.ConstraintsWeak)
	for i, v := range x0 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			x0[i] = 0
		}
	}

	fixed := make([]float64, opts.NFixed*nJoints*3)
	copy(fixed, x0[:len(fixed)])

	nSmooth := (nFrames - opts.NDerivSmooth) * nJoints * 3
	if nSmooth < 0 {
		nSmooth = 0
	}
	nResiduals := len(slots)*2 + nSmooth + (nStrong+nWeak)*nFrames + len(slots)

	weightsAt := func(x []float64, c, f, j int) []float64 {
		ws := make([]float64, len(cands[c][f][j]))
		maxA := math.Inf(-1)
		for k, cand := range cands[c][f][j] {
			if !cand.Valid {
				ws[k] = math.NaN()
				continue
			}
			a := x[alphaStart+alphaIx[[4]int{c, f, j, k}]]
			ws[k] = a
			if a > maxA {
				maxA = a
			}
		}
		sum := 0.0
		for k, a := range ws {
			if math.IsNaN(a) {
				continue
			}
			ws[k] = math.Exp(alphaBeta * (a - maxA))
			sum += ws[k]
		}
		for k := range ws {
			if !math.IsNaN(ws[k]) {
				ws[k] /= sum
			}
		}
		return ws
	}

	residuals := func(x, out []float64) {
		copy(x[:len(fixed)], fixed)
		p3ds := unpackPoints(x, nFrames, nJoints)
		proj, err := g.Project(p3ds)

		pos := 0
		for _, s := range slots {
			if err != nil {
				out[pos], out[pos+1] = math.NaN(), math.NaN()
				pos += 2
				continue
			}
			ws := weightsAt(x, s.c, s.f, s.j)
			eff := r2.Point{}
			for k, w := range ws {
				if math.IsNaN(w) {
					continue
				}
				eff.X += w * cands[s.c][s.f][s.j][k].Point.X
				eff.Y += w * cands[s.c][s.f][s.j][k].Point.Y
			}
			p := proj[s.c][s.f*nJoints+s.j]
			ex, ey := p.X-eff.X, p.Y-eff.Y
			if opts.Scores != nil {
				sc := opts.Scores[s.c][s.f][s.j]
				ex *= sc
				ey *= sc
			}
			out[pos] = robustify(math.Abs(ex), opts.ReprojThreshold, opts.ReprojLoss)
			out[pos+1] = robustify(math.Abs(ey), opts.ReprojThreshold, opts.ReprojLoss)
			pos += 2
		}

		pos += smoothResiduals(out[pos:pos+nSmooth], p3ds, opts.NDerivSmooth, scaleSmoothFull)
		pos += lengthResiduals(out[pos:], p3ds, opts.Constraints, x[n3d:], 100*opts.ScaleLength, nFrames, nJoints)
		pos += lengthResiduals(out[pos:], p3ds, opts.ConstraintsWeak, x[n3d+nStrong:], 100*opts.ScaleLengthWeak, nFrames, nJoints)

		for _, s := range slots {
			out[pos] = (1 - weightStd(weightsAt(x, s.c, s.f, s.j))) * alphaPenalty
			pos++
		}
	}

	pattern := lsq.NewPattern(nResiduals, len(x0))
	row := 0
	for _, s := range slots {
		for r := row; r < row+2; r++ {
			for k := 0; k < 3; k++ {
				pattern.Add(r, (s.f*nJoints+s.j)*3+k)
			}
			for k, cand := range cands[s.c][s.f][s.j] {
				if cand.Valid {
					pattern.Add(r, alphaStart+alphaIx[[4]int{s.c, s.f, s.j, k}])
				}
			}
		}
		row += 2
	}
	for f := 0; f < nFrames-opts.NDerivSmooth; f++ {
		for j := 0; j < nJoints; j++ {
			for k := 0; k < 3; k++ {
				for d := 0; d <= opts.NDerivSmooth; d++ {
					pattern.Add(row, ((f+d)*nJoints+j)*3+k)
				}
				row++
			}
		}
	}
	for group, constraints := range [][][2]int{opts.Constraints, opts.ConstraintsWeak} {
		offset := n3d
		if group == 1 {
			offset += nStrong
		}
		for cix, pair := range constraints {
			for f := 0; f < nFrames; f++ {
				for k := 0; k < 3; k++ {
					pattern.Add(row, (f*nJoints+pair[0])*3+k)
					pattern.Add(row, (f*nJoints+pair[1])*3+k)
				}
				pattern.Add(row, offset+cix)
				row++
			}
		}
	}
	for _, s := range slots {
		for k, cand := range cands[s.c][s.f][s.j] {
			if cand.Valid {
				pattern.Add(row, alphaStart+alphaIx[[4]int{s.c, s.f, s.j, k}])
			}
		}
		row++
	}

	result, err := lsq.Solve(lsq.Problem{
		Func:         residuals,
		NumResiduals: nResiduals,
		Sparsity:     pattern,
	}, x0, lsq.Options{
		Loss:          lsq.LossLinear,
		Ftol:          1e-3,
		MaxIterations: opts.MaxIterations,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "candidate trajectory optimization failed")
	}
	logger.Debugw("candidate trajectory optimization finished",
		"iterations", result.Iterations, "cost", result.Cost, "candidates", nAlphas)

	copy(result.X[:len(fixed)], fixed)
	flat := unpackPoints(result.X, nFrames, nJoints)
	out := make(Series, nFrames)
	for f := range out {
		out[f] = make([]r3.Vector, nJoints)
		copy(out[f], flat[f*nJoints:(f+1)*nJoints])
	}

	alphas := make([][][][]float64, nCams)
	for c := 0; c < nCams; c++ {
		alphas[c] = make([][][]float64, nFrames)
		for f := 0; f < nFrames; f++ {
			alphas[c][f] = make([][]float64, nJoints)
			for j := 0; j < nJoints; j++ {
				if slotSeen[slot{c, f, j}] {
					alphas[c][f][j] = weightsAt(result.X, c, f, j)
					continue
				}
				ws := make([]float64, len(cands[c][f][j]))
				for k := range ws {
					ws[k] = math.NaN()
				}
				alphas[c][f][j] = ws
			}
		}
	}
	return out, alphas, nil
}

// weightStd is the population standard deviation over every candidate slot,
// counting invalid candidates as zero weight.
func weightStd(ws []float64) float64 {
	if len(ws) == 0 {
		return 0
	}
	sum := 0.0
	for _, w := range ws {
		if !math.IsNaN(w) {
			sum += w
		}
	}
	mean := sum / float64(len(ws))
	varSum := 0.0
	for _, w := range ws {
		if math.IsNaN(w) {
			w = 0
		}
		varSum += (w - mean) * (w - mean)
	}
	return math.Sqrt(varSum / float64(len(ws)))
}

// minOptimPoints is the fewest triangulated points that justify running
// trajectory optimization at all.
const minOptimPoints = 20

// TriangulateOptimOptions controls end-to-end track reconstruction.
type TriangulateOptimOptions struct {
	OptimOptions
	// InitRansac initializes by subset-searching triangulation instead of
	// using all views.
	InitRansac bool
}

// TriangulateOptim reconstructs a 3D trajectory from tracked 2D detections:
// it triangulates every frame and joint independently, then refines the
// whole track jointly. Tracks too sparse to constrain the optimizer are
// returned as the raw triangulation.
func TriangulateOptim(g *rig.Group, tracks Tracks, opts TriangulateOptimOptions, logger golog.Logger) (Series, error) {
	nCams, nFrames, nJoints := tracks.Dims()
	if err := g.CheckShape(nCams); err != nil {
		return nil, err
	}

	obsFlat := tracks.Flatten()
	var p3ds []r3.Vector
	var err error
	if opts.InitRansac {
		res, rerr := triangulate.Ransac(g, obsFlat, triangulate.DefaultPossibleOptions())
		if rerr != nil {
			return nil, rerr
		}
		p3ds = res.Points
		// refine against the selected subset only; rejected observations
		// must not contribute reprojection residuals
		tracks = unflattenTracks(res.Points2D, nFrames, nJoints)
	} else {
		p3ds, err = triangulate.Points(g, obsFlat, triangulate.DefaultOptions())
		if err != nil {
			return nil, err
		}
	}

	init := NewSeries(nFrames, nJoints)
	finite := 0
	for f := 0; f < nFrames; f++ {
		for j := 0; j < nJoints; j++ {
			p := p3ds[f*nJoints+j]
			init[f][j] = p
			if rig.PointValid(p) {
				finite++
			}
		}
	}
	if finite < minOptimPoints {
		logger.Warnw("too few triangulated points for trajectory optimization, returning raw triangulation",
			"points", finite)
		return init, nil
	}
	return OptimPoints(g, tracks, init, opts.OptimOptions, logger)
}

// unflattenTracks reshapes a frame-major observation tensor back into Tracks.
func unflattenTracks(obs rig.Tensor, nFrames, nJoints int) Tracks {
	out := make(Tracks, len(obs))
	for c := range obs {
		out[c] = make([][]rig.Observation, nFrames)
		for f := 0; f < nFrames; f++ {
			out[c][f] = make([]rig.Observation, nJoints)
			copy(out[c][f], obs[c][f*nJoints:(f+1)*nJoints])
		}
	}
	return out
}
