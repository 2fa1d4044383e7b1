package refine

import (
	"math"
	"sort"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/openmocap/rigcal/lsq"
	"github.com/openmocap/rigcal/rig"
)

// Tracks holds 2D detections over time, indexed camera, frame, joint.
type Tracks [][][]rig.Observation

// Dims returns the camera, frame and joint counts.
func (t Tracks) Dims() (nCams, nFrames, nJoints int) {
	nCams = len(t)
	if nCams > 0 {
		nFrames = len(t[0])
		if nFrames > 0 {
			nJoints = len(t[0][0])
		}
	}
	return nCams, nFrames, nJoints
}

// Flatten collapses frames and joints into one point axis, frame-major, for
// the triangulation routines.
func (t Tracks) Flatten() rig.Tensor {
	nCams, nFrames, nJoints := t.Dims()
	out := rig.NewTensor(nCams, nFrames*nJoints)
	for c := 0; c < nCams; c++ {
		for f := 0; f < nFrames; f++ {
			copy(out[c][f*nJoints:], t[c][f])
		}
	}
	return out
}

// Series holds a 3D trajectory, indexed frame then joint.
type Series [][]r3.Vector

// NewSeries allocates a Series with every point missing.
func NewSeries(nFrames, nJoints int) Series {
	out := make(Series, nFrames)
	for f := range out {
		out[f] = make([]r3.Vector, nJoints)
		for j := range out[f] {
			out[f][j] = rig.MissingPoint()
		}
	}
	return out
}

// OptimOptions controls trajectory optimization.
type OptimOptions struct {
	// Constraints and ConstraintsWeak name joint pairs whose distance should
	// stay constant over time, e.g. limb segments. Weak constraints are
	// enforced more loosely.
	Constraints     [][2]int
	ConstraintsWeak [][2]int
	// ScaleSmooth weights the temporal smoothness residuals, relative to the
	// magnitude of motion in the data.
	ScaleSmooth float64
	// ScaleLength and ScaleLengthWeak weight the constraint residuals.
	ScaleLength     float64
	ScaleLengthWeak float64
	// ReprojThreshold is the pixel error scale beyond which reprojection
	// residuals are flattened by ReprojLoss.
	ReprojThreshold float64
	// ReprojLoss picks the robustifier for reprojection residuals.
	ReprojLoss lsq.Loss
	// NDerivSmooth is the derivative order penalized for smoothness.
	NDerivSmooth int
	// Scores optionally weights each detection in [0,1], indexed like Tracks.
	Scores [][][]float64
	// NFixed holds the first frames at their initial positions.
	NFixed int
	// MaxIterations bounds the solve.
	MaxIterations int
}

// DefaultOptimOptions returns the options tuned for marker trajectories.
func DefaultOptimOptions() OptimOptions {
	return OptimOptions{
		ScaleSmooth:     4,
		ScaleLength:     2,
		ScaleLengthWeak: 0.5,
		ReprojThreshold: 15,
		ReprojLoss:      lsq.LossSoftL1,
		NDerivSmooth:    1,
		MaxIterations:   200,
	}
}

const medfiltSize = 7

// OptimPoints refines an initial triangulated trajectory by jointly
// minimizing robustified reprojection error, temporal roughness, and
// deviation from constant inter-joint distances. The distances themselves
// are free parameters seeded from the median observed length. Returns the
// refined trajectory; the input is not modified.
func OptimPoints(g *rig.Group, tracks Tracks, init Series, opts OptimOptions, logger golog.Logger) (Series, error) {
	nCams, nFrames, nJoints := tracks.Dims()
	if err := g.CheckShape(nCams); err != nil {
		return nil, err
	}
	if len(init) != nFrames {
		return nil, errors.Errorf("initial trajectory has %d frames, tracks have %d", len(init), nFrames)
	}

	intp := interpolatedInit(init, nFrames, nJoints)
	scaleSmoothFull := opts.ScaleSmooth * defaultSmooth(medianFiltered(intp, nFrames, nJoints))

	obsFlat := tracks.Flatten()
	nStrong, nWeak := len(opts.Constraints), len(opts.ConstraintsWeak)
	n3d := nFrames * nJoints * 3

	x0 := make([]float64, n3d+nStrong+nWeak)
	for f := 0; f < nFrames; f++ {
		for j := 0; j < nJoints; j++ {
			base := (f*nJoints + j) * 3
			x0[base] = intp[f][j].X
			x0[base+1] = intp[f][j].Y
			x0[base+2] = intp[f][j].Z
		}
	}
	initLengths(x0[n3d:], intp, opts.Constraints, opts.ConstraintsWeak)
	for i, v := range x0 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			x0[i] = 0
		}
	}

	fixed := make([]float64, opts.NFixed*nJoints*3)
	copy(fixed, x0[:len(fixed)])

	nValid := 0
	for _, cnt := range obsFlat.CountValid() {
		nValid += cnt
	}
	nSmooth := (nFrames - opts.NDerivSmooth) * nJoints * 3
	if nSmooth < 0 {
		nSmooth = 0
	}
	nResiduals := nValid*2 + nSmooth + (nStrong+nWeak)*nFrames

	residuals := func(x, out []float64) {
		copy(x[:len(fixed)], fixed)
		p3ds := unpackPoints(x, nFrames, nJoints)

		pos := reprojResiduals(out, g, obsFlat, p3ds, opts, nCams, nJoints)
		pos += smoothResiduals(out[pos:pos+nSmooth], p3ds, opts.NDerivSmooth, scaleSmoothFull)
		pos += lengthResiduals(out[pos:], p3ds, opts.Constraints, x[n3d:], 100*opts.ScaleLength, nFrames, nJoints)
		lengthResiduals(out[pos:], p3ds, opts.ConstraintsWeak, x[n3d+nStrong:], 100*opts.ScaleLengthWeak, nFrames, nJoints)
	}

	pattern := optimSparsity(obsFlat, nFrames, nJoints, opts, nResiduals, len(x0))

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
		return nil, errors.Wrap(err, "trajectory optimization failed")
	}
	logger.Debugw("trajectory optimization finished", "iterations", result.Iterations, "cost", result.Cost)

	copy(result.X[:len(fixed)], fixed)
	flat := unpackPoints(result.X, nFrames, nJoints)
	out := make(Series, nFrames)
	for f := range out {
		out[f] = make([]r3.Vector, nJoints)
		copy(out[f], flat[f*nJoints:(f+1)*nJoints])
	}
	return out, nil
}

// interpolatedInit fills gaps in the initial trajectory by linear
// interpolation of each coordinate series over time. This is the seed the
// optimizer starts from, and the values held in place for fixed frames.
func interpolatedInit(init Series, nFrames, nJoints int) Series {
	out := make(Series, nFrames)
	for f := range out {
		out[f] = make([]r3.Vector, nJoints)
	}
	series := make([]float64, nFrames)
	for j := 0; j < nJoints; j++ {
		for coord := 0; coord < 3; coord++ {
			for f := 0; f < nFrames; f++ {
				series[f] = coordOf(init[f][j], coord)
			}
			filled := interpolateData(series)
			for f := 0; f < nFrames; f++ {
				setCoord(&out[f][j], coord, filled[f])
			}
		}
	}
	return out
}

// medianFiltered median-filters each coordinate series over time. Used only
// to estimate the scale of motion for the smoothness weight, never as the
// optimizer seed.
func medianFiltered(s Series, nFrames, nJoints int) Series {
	out := make(Series, nFrames)
	for f := range out {
		out[f] = make([]r3.Vector, nJoints)
	}
	series := make([]float64, nFrames)
	for j := 0; j < nJoints; j++ {
		for coord := 0; coord < 3; coord++ {
			for f := 0; f < nFrames; f++ {
				series[f] = coordOf(s[f][j], coord)
			}
			filtered := medfilt(series, medfiltSize)
			for f := 0; f < nFrames; f++ {
				setCoord(&out[f][j], coord, filtered[f])
			}
		}
	}
	return out
}

// defaultSmooth is the reciprocal of the mean absolute frame-to-frame motion,
// normalizing the smoothness weight to the scale of the data.
func defaultSmooth(med Series) float64 {
	sum, n := 0.0, 0
	for f := 1; f < len(med); f++ {
		for j := range med[f] {
			d := med[f][j].Sub(med[f-1][j])
			sum += math.Abs(d.X) + math.Abs(d.Y) + math.Abs(d.Z)
			n += 3
		}
	}
	if n == 0 || sum == 0 {
		return 1
	}
	return float64(n) / sum
}

// initLengths seeds the constraint length parameters from the median
// observed lengths, replacing zeros and gross outliers with the overall
// median.
func initLengths(dst []float64, s Series, strong, weak [][2]int) {
	all := append(append([][2]int{}, strong...), weak...)
	lengths := make([]float64, len(all))
	frameLens := make([]float64, len(s))
	for cix, pair := range all {
		for f := range s {
			frameLens[f] = s[f][pair[0]].Sub(s[f][pair[1]]).Norm()
		}
		lengths[cix] = median(frameLens)
	}

	overall := median(lengths)
	if overall == 0 || math.IsNaN(overall) {
		overall = 1e-3
	}
	devs := make([]float64, len(lengths))
	for i, l := range lengths {
		devs[i] = math.Abs(l - overall)
	}
	mad := median(devs)
	for i, l := range lengths {
		if l == 0 || math.IsNaN(l) || l > overall+5*mad {
			lengths[i] = overall
		}
	}
	copy(dst, lengths)
}

// reprojResiduals writes robustified reprojection error magnitudes for every
// valid observation and returns the number of rows written.
func reprojResiduals(out []float64, g *rig.Group, obsFlat rig.Tensor, p3ds []r3.Vector, opts OptimOptions, nCams, nJoints int) int {
	errs, err := g.ReprojectionError(p3ds, obsFlat)
	pos := 0
	if err != nil {
		for c := 0; c < nCams; c++ {
			for p := range obsFlat[c] {
				if obsFlat[c][p].Valid {
					out[pos], out[pos+1] = math.NaN(), math.NaN()
					pos += 2
				}
			}
		}
		return pos
	}
	for c := 0; c < nCams; c++ {
		for p := range obsFlat[c] {
			if !obsFlat[c][p].Valid {
				continue
			}
			ex, ey := errs[c][p].X, errs[c][p].Y
			if opts.Scores != nil {
				s := opts.Scores[c][p/nJoints][p%nJoints]
				ex *= s
				ey *= s
			}
			out[pos] = robustify(math.Abs(ex), opts.ReprojThreshold, opts.ReprojLoss)
			out[pos+1] = robustify(math.Abs(ey), opts.ReprojThreshold, opts.ReprojLoss)
			pos += 2
		}
	}
	return pos
}

// robustify flattens a residual magnitude beyond the threshold rp.
func robustify(r, rp float64, loss lsq.Loss) float64 {
	switch loss {
	case lsq.LossHuber:
		if r > rp {
			return rp * (2*math.Sqrt(r/rp) - 1)
		}
		return r
	case lsq.LossSoftL1:
		return rp * 2 * (math.Sqrt(1+r/rp) - 1)
	default:
		return r
	}
}

// smoothResiduals writes the n-th temporal difference of the flattened
// trajectory, scaled, and returns the number of rows written. The output is
// sized for (nFrames-nDeriv)*nJoints*3 rows, which fixes the frame stride.
func smoothResiduals(out []float64, p3ds []r3.Vector, nDeriv int, scale float64) int {
	if nDeriv <= 0 || len(out) == 0 {
		return 0
	}
	cur := make([]float64, len(p3ds)*3)
	for i, p := range p3ds {
		cur[i*3], cur[i*3+1], cur[i*3+2] = p.X, p.Y, p.Z
	}
	perFrame := (len(cur) - len(out)) / nDeriv
	work := cur
	for d := 0; d < nDeriv; d++ {
		next := work[:len(work)-perFrame]
		for i := range next {
			next[i] = work[i+perFrame] - work[i]
		}
		work = next
	}
	for i, v := range work {
		out[i] = v * scale
	}
	return len(work)
}

// lengthResiduals writes the percentage deviation of each constrained pair's
// length from its current length parameter, per frame, and returns the
// number of rows written.
func lengthResiduals(out []float64, p3ds []r3.Vector, constraints [][2]int, lengths []float64, scale float64, nFrames, stride int) int {
	if len(constraints) == 0 {
		return 0
	}
	pos := 0
	for _, pair := range constraints {
		expected := lengths[0]
		lengths = lengths[1:]
		if expected == 0 {
			expected = 1e-6
		}
		for f := 0; f < nFrames; f++ {
			l := p3ds[f*stride+pair[0]].Sub(p3ds[f*stride+pair[1]]).Norm()
			out[pos] = scale * (l - expected) / expected
			pos++
		}
	}
	return pos
}

// optimSparsity maps residual rows to parameters: reprojection rows to their
// point, smoothness rows to the points they difference, length rows to the
// two endpoint positions and the length parameter.
func optimSparsity(obsFlat rig.Tensor, nFrames, nJoints int, opts OptimOptions, nResiduals, nParams int) *lsq.Pattern {
	n3d := nFrames * nJoints * 3
	pattern := lsq.NewPattern(nResiduals, nParams)

	row := 0
	for c := range obsFlat {
		for p := range obsFlat[c] {
			if !obsFlat[c][p].Valid {
				continue
			}
			for r := row; r < row+2; r++ {
				for k := 0; k < 3; k++ {
					pattern.Add(r, p*3+k)
				}
			}
			row += 2
		}
	}

	nDeriv := opts.NDerivSmooth
	for f := 0; f < nFrames-nDeriv; f++ {
		for j := 0; j < nJoints; j++ {
			for k := 0; k < 3; k++ {
				for d := 0; d <= nDeriv; d++ {
					pattern.Add(row, ((f+d)*nJoints+j)*3+k)
				}
				row++
			}
		}
	}

	for group, constraints := range [][][2]int{opts.Constraints, opts.ConstraintsWeak} {
		offset := n3d
		if group == 1 {
			offset += len(opts.Constraints)
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
	return pattern
}

// unpackPoints reads a frame-major flattened trajectory from the head of x.
func unpackPoints(x []float64, nFrames, nJoints int) []r3.Vector {
	out := make([]r3.Vector, nFrames*nJoints)
	for i := range out {
		out[i] = r3.Vector{X: x[i*3], Y: x[i*3+1], Z: x[i*3+2]}
	}
	return out
}

func coordOf(v r3.Vector, coord int) float64 {
	switch coord {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

func setCoord(v *r3.Vector, coord int, val float64) {
	switch coord {
	case 0:
		v.X = val
	case 1:
		v.Y = val
	default:
		v.Z = val
	}
}

func median(vals []float64) float64 {
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
