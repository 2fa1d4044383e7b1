package triangulate

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/openmocap/rigcal/rig"
)

// Options controls group-level triangulation.
type Options struct {
	// Undistort applies each camera's inverse distortion first, moving the
	// observations into normalized image coordinates. When disabled the
	// caller must supply already-normalized points, since triangulation uses
	// extrinsics-only projection matrices.
	Undistort bool
	// Fast triangulates every camera pair separately and takes the
	// coordinate-wise median across pairs: cheaper and outlier-resistant,
	// at the cost of algebraic optimality.
	Fast bool
	// Progress, when non-nil, is called after each point with
	// (done, total). There is no cancellation contract.
	Progress func(done, total int)
}

// DefaultOptions enables undistortion and exact per-point DLT.
func DefaultOptions() Options {
	return Options{Undistort: true}
}

// Points triangulates every point of the tensor independently. A point
// observed by fewer than 2 cameras, or whose system is degenerate, yields the
// missing point; this is not an error.
func Points(g *rig.Group, obs rig.Tensor, opts Options) ([]r3.Vector, error) {
	if err := g.CheckShape(len(obs)); err != nil {
		return nil, err
	}
	nCams := len(g.Cameras)
	nPoints := obs.NumPoints()

	normed := obs
	if opts.Undistort {
		normed = undistortTensor(g, obs)
	}

	camMats := make([]*mat.Dense, nCams)
	for i, cam := range g.Cameras {
		camMats[i] = cam.Extrinsics()
	}

	if opts.Fast {
		return fastPoints(normed, camMats, nPoints, opts.Progress)
	}

	out := make([]r3.Vector, nPoints)
	for j := 0; j < nPoints; j++ {
		out[j] = triangulateOne(normed, camMats, j, nil)
		if opts.Progress != nil {
			opts.Progress(j+1, nPoints)
		}
	}
	return out, nil
}

// WeightedPoints is Points with per-observation confidence weights of shape
// (camera x point). A nil weights grid reproduces Points exactly.
func WeightedPoints(g *rig.Group, obs rig.Tensor, weights [][]float64, opts Options) ([]r3.Vector, error) {
	if err := g.CheckShape(len(obs)); err != nil {
		return nil, err
	}
	if weights != nil {
		if err := g.CheckShape(len(weights)); err != nil {
			return nil, err
		}
	}
	nPoints := obs.NumPoints()

	normed := obs
	if opts.Undistort {
		normed = undistortTensor(g, obs)
	}
	camMats := make([]*mat.Dense, len(g.Cameras))
	for i, cam := range g.Cameras {
		camMats[i] = cam.Extrinsics()
	}

	out := make([]r3.Vector, nPoints)
	for j := 0; j < nPoints; j++ {
		out[j] = triangulateOne(normed, camMats, j, weights)
		if opts.Progress != nil {
			opts.Progress(j+1, nPoints)
		}
	}
	return out, nil
}

// AverageError triangulates the tensor and aggregates the per-point mean
// reprojection errors by mean, or by median when median is set.
func AverageError(g *rig.Group, obs rig.Tensor, median bool) (float64, error) {
	p3ds, err := Points(g, obs, DefaultOptions())
	if err != nil {
		return 0, err
	}
	errs, err := g.MeanReprojectionError(p3ds, obs)
	if err != nil {
		return 0, err
	}
	if median {
		return nanMedian(errs), nil
	}
	return meanFinite(errs), nil
}

// MedianError is AverageError with median aggregation.
func MedianError(g *rig.Group, obs rig.Tensor) (float64, error) {
	return AverageError(g, obs, true)
}

func undistortTensor(g *rig.Group, obs rig.Tensor) rig.Tensor {
	out := make(rig.Tensor, len(obs))
	for c, cam := range g.Cameras {
		pts := make([]r2.Point, 0, len(obs[c]))
		for _, o := range obs[c] {
			if o.Valid {
				pts = append(pts, o.Point)
			}
		}
		und := cam.UndistortPoints(pts)
		out[c] = make([]rig.Observation, len(obs[c]))
		k := 0
		for j, o := range obs[c] {
			if o.Valid {
				out[c][j] = rig.Observation{Point: und[k], Valid: true}
				k++
			}
		}
	}
	return out
}

// triangulateOne gathers the valid views of point j and runs the (optionally
// weighted) DLT on them.
func triangulateOne(obs rig.Tensor, camMats []*mat.Dense, j int, weights [][]float64) r3.Vector {
	var pts []r2.Point
	var mats []*mat.Dense
	var w []float64
	for c := range obs {
		if !obs[c][j].Valid {
			continue
		}
		pts = append(pts, obs[c][j].Point)
		mats = append(mats, camMats[c])
		if weights != nil {
			w = append(w, weights[c][j])
		}
	}
	if len(pts) < 2 {
		return rig.MissingPoint()
	}
	p, err := Weighted(pts, mats, w)
	if err != nil {
		return rig.MissingPoint()
	}
	return p
}

// fastPoints triangulates each camera pair independently via two-view DLT and
// takes the NaN-ignoring coordinate-wise median across pairs.
func fastPoints(obs rig.Tensor, camMats []*mat.Dense, nPoints int, progress func(int, int)) ([]r3.Vector, error) {
	nCams := len(obs)
	out := make([]r3.Vector, nPoints)
	for j := 0; j < nPoints; j++ {
		var xs, ys, zs []float64
		for c1 := 0; c1 < nCams; c1++ {
			for c2 := c1 + 1; c2 < nCams; c2++ {
				if !obs[c1][j].Valid || !obs[c2][j].Valid {
					continue
				}
				p, err := Linear(
					[]r2.Point{obs[c1][j].Point, obs[c2][j].Point},
					[]*mat.Dense{camMats[c1], camMats[c2]},
				)
				if err != nil {
					continue
				}
				xs = append(xs, p.X)
				ys = append(ys, p.Y)
				zs = append(zs, p.Z)
			}
		}
		if len(xs) == 0 {
			out[j] = rig.MissingPoint()
		} else {
			out[j] = r3.Vector{X: nanMedian(xs), Y: nanMedian(ys), Z: nanMedian(zs)}
		}
		if progress != nil {
			progress(j+1, nPoints)
		}
	}
	return out, nil
}

// meanFinite averages the finite entries, NaN when none exist.
func meanFinite(vals []float64) float64 {
	kept := make([]float64, 0, len(vals))
	for _, v := range vals {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		return math.NaN()
	}
	return stat.Mean(kept, nil)
}
