// Package rig models an ordered group of calibrated cameras observing the
// same scene, the 2D observation tensors they produce, and the reprojection
// scoring shared by every calibration and triangulation routine.
package rig

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// Observation is one detected 2D point in image pixel coordinates.
// A missing detection is structural, not an error: Valid is false and the
// point carries no information.
type Observation struct {
	Point r2.Point
	Valid bool
}

// Obs returns a valid observation at (x, y).
func Obs(x, y float64) Observation {
	return Observation{Point: r2.Point{X: x, Y: y}, Valid: true}
}

// Missing returns the missing observation.
func Missing() Observation {
	return Observation{}
}

// Tensor is a (camera x point) grid of observations. The leading dimension
// must equal the camera count of the group it is used with.
type Tensor [][]Observation

// NewTensor returns an all-missing tensor of the given shape.
func NewTensor(nCams, nPoints int) Tensor {
	t := make(Tensor, nCams)
	for i := range t {
		t[i] = make([]Observation, nPoints)
	}
	return t
}

// NumPoints returns the point-dimension length, 0 for an empty tensor.
func (t Tensor) NumPoints() int {
	if len(t) == 0 {
		return 0
	}
	return len(t[0])
}

// CountValid returns, for each point, the number of cameras observing it.
func (t Tensor) CountValid() []int {
	out := make([]int, t.NumPoints())
	for _, row := range t {
		for j, o := range row {
			if o.Valid {
				out[j]++
			}
		}
	}
	return out
}

// Select returns a new tensor keeping only the given point indices, in order.
func (t Tensor) Select(indices []int) Tensor {
	out := make(Tensor, len(t))
	for i, row := range t {
		out[i] = make([]Observation, len(indices))
		for j, ix := range indices {
			out[i][j] = row[ix]
		}
	}
	return out
}

// CandidateTensor is a (camera x point x candidate) grid of observations for
// ambiguous detections with several plausible 2D positions per point.
type CandidateTensor [][][]Observation

// NumPoints returns the point-dimension length, 0 for an empty tensor.
func (t CandidateTensor) NumPoints() int {
	if len(t) == 0 {
		return 0
	}
	return len(t[0])
}

// MissingPoint is the missing 3D point: all coordinates NaN.
func MissingPoint() r3.Vector {
	nan := math.NaN()
	return r3.Vector{X: nan, Y: nan, Z: nan}
}

// PointValid reports whether a 3D point estimate is present and finite.
func PointValid(p r3.Vector) bool {
	return !math.IsNaN(p.X) && !math.IsInf(p.X, 0) &&
		!math.IsNaN(p.Y) && !math.IsInf(p.Y, 0) &&
		!math.IsNaN(p.Z) && !math.IsInf(p.Z, 0)
}
