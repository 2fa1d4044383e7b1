// Package triangulate reconstructs 3D points from multi-view 2D observations:
// exact linear (DLT) triangulation, confidence-weighted variants, a fast
// pairwise-median mode, and a robust multi-hypothesis search over ambiguous
// candidate detections.
package triangulate

import (
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/openmocap/rigcal/rig"
)

// Linear reconstructs a 3D point from its 2D projections by direct linear
// transform. For each view the projection relation yields two rows of a
// homogeneous system:
//
//	x*M[2] - M[0] = 0
//	y*M[2] - M[1] = 0
//
// stacked into a 2Cx4 matrix whose smallest-singular-value direction is the
// homogeneous solution. With exactly 2 views this is exact DLT; with more it
// is least-squares-optimal in the algebraic sense only.
//
// camMats holds one 3x4 projection matrix per view. At least 2 views are
// required.
func Linear(pts []r2.Point, camMats []*mat.Dense) (r3.Vector, error) {
	return Weighted(pts, camMats, nil)
}

// Weighted is Linear with each camera's two rows pre-scaled by a confidence
// weight in [0,1] before the SVD, down-weighting unreliable observations
// without discarding them. A nil weights slice means all weights are 1, which
// reproduces Linear exactly.
func Weighted(pts []r2.Point, camMats []*mat.Dense, weights []float64) (r3.Vector, error) {
	nCams := len(camMats)
	if len(pts) != nCams {
		return rig.MissingPoint(), errors.Errorf("got %d points for %d camera matrices", len(pts), nCams)
	}
	if weights != nil && len(weights) != nCams {
		return rig.MissingPoint(), errors.Errorf("got %d weights for %d camera matrices", len(weights), nCams)
	}
	if nCams < 2 {
		return rig.MissingPoint(), errors.Errorf("triangulation needs at least 2 views, got %d", nCams)
	}

	a := mat.NewDense(nCams*2, 4, nil)
	for i, m := range camMats {
		w := 1.0
		if weights != nil {
			w = weights[i]
		}
		x, y := pts[i].X, pts[i].Y
		for col := 0; col < 4; col++ {
			a.Set(i*2, col, w*(x*m.At(2, col)-m.At(0, col)))
			a.Set(i*2+1, col, w*(y*m.At(2, col)-m.At(1, col)))
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return rig.MissingPoint(), errors.New("failed to factorize triangulation system")
	}
	var v mat.Dense
	svd.VTo(&v)
	// smallest-singular-value direction, dehomogenized
	w := v.At(3, 3)
	return r3.Vector{
		X: v.At(0, 3) / w,
		Y: v.At(1, 3) / w,
		Z: v.At(2, 3) / w,
	}, nil
}

// nanMedian returns the median of the finite entries, or NaN when none exist.
func nanMedian(vals []float64) float64 {
	kept := vals[:0]
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
