// Package camera models a single calibrated camera view: pinhole or fisheye
// intrinsics, lens distortion, and a rigid world-to-camera transform in
// axis-angle form. Projection and distortion follow the OpenCV numerical
// conventions so that parameters calibrated elsewhere stay interchangeable.
package camera

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrDegenerateProjection is returned when the intrinsic matrix is singular
// and points cannot be projected to the image plane.
var ErrDegenerateProjection = errors.New("camera intrinsic matrix is singular")

// ModelType selects the projection and distortion formulas of a camera.
type ModelType string

const (
	// BrownConradyModel is the standard pinhole model with radial (k1,k2,k3)
	// and tangential (p1,p2) distortion, for narrow-field lenses.
	BrownConradyModel = ModelType("brown_conrady")
	// KannalaBrandtModel is the fisheye model with four radial coefficients,
	// for wide-angle lenses.
	KannalaBrandtModel = ModelType("kannala_brandt")
)

// distortion slot counts per model.
const (
	numDistBrownConrady  = 5
	numDistKannalaBrandt = 4
)

// Intrinsics holds the perspective mapping of a camera: focal lengths,
// principal point and skew. Together they form the upper-triangular camera
// matrix [[Fx Skew Cx] [0 Fy Cy] [0 0 1]].
type Intrinsics struct {
	Fx   float64
	Fy   float64
	Cx   float64
	Cy   float64
	Skew float64
}

// Matrix returns the 3x3 intrinsic camera matrix.
func (in Intrinsics) Matrix() *mat.Dense {
	m := mat.NewDense(3, 3, nil)
	m.Set(0, 0, in.Fx)
	m.Set(0, 1, in.Skew)
	m.Set(0, 2, in.Cx)
	m.Set(1, 1, in.Fy)
	m.Set(1, 2, in.Cy)
	m.Set(2, 2, 1)
	return m
}

// Camera is the full state of one physical view: intrinsics, distortion
// coefficients, extrinsic pose and frame size. The zero distortion vector is
// valid. Solvers mutate a Camera in place through SetParams only.
type Camera struct {
	Model      ModelType
	Intrinsics Intrinsics
	// Dist holds 5 coefficients (k1,k2,p1,p2,k3) for BrownConradyModel or
	// 4 (k1..k4) for KannalaBrandtModel.
	Dist []float64
	// Rvec is the world-to-camera rotation in axis-angle (Rodrigues) form.
	Rvec r3.Vector
	// Tvec is the world-to-camera translation.
	Tvec r3.Vector
	// Width and Height are the frame size in pixels, immutable once set.
	Width  int
	Height int
	Name   string
	// ExtraDist enables the second distortion coefficient during
	// legacy reduced-parameter optimization.
	ExtraDist bool
}

// New returns a pinhole camera with identity intrinsics and zero distortion.
func New(name string) *Camera {
	return &Camera{
		Model:      BrownConradyModel,
		Intrinsics: Intrinsics{Fx: 1, Fy: 1},
		Dist:       make([]float64, numDistBrownConrady),
		Name:       name,
	}
}

// NewFisheye returns a Kannala-Brandt camera with identity intrinsics and
// zero distortion.
func NewFisheye(name string) *Camera {
	return &Camera{
		Model:      KannalaBrandtModel,
		Intrinsics: Intrinsics{Fx: 1, Fy: 1},
		Dist:       make([]float64, numDistKannalaBrandt),
		Name:       name,
	}
}

// CheckValid checks the structural invariants of the camera state.
func (c *Camera) CheckValid() error {
	if c == nil {
		return errors.New("nil camera")
	}
	switch c.Model {
	case BrownConradyModel:
		if len(c.Dist) != numDistBrownConrady {
			return errors.Errorf("camera %q: brown-conrady needs %d distortion coefficients, got %d",
				c.Name, numDistBrownConrady, len(c.Dist))
		}
	case KannalaBrandtModel:
		if len(c.Dist) != numDistKannalaBrandt {
			return errors.Errorf("camera %q: kannala-brandt needs %d distortion coefficients, got %d",
				c.Name, numDistKannalaBrandt, len(c.Dist))
		}
	default:
		return errors.Errorf("camera %q: unknown model %q", c.Name, c.Model)
	}
	if c.Width < 0 || c.Height < 0 {
		return errors.Errorf("camera %q: invalid size (%d, %d)", c.Name, c.Width, c.Height)
	}
	return nil
}

// Size returns the frame size as (width, height).
func (c *Camera) Size() (int, int) {
	return c.Width, c.Height
}

// FocalLength returns the mean of the two focal lengths.
func (c *Camera) FocalLength() float64 {
	return (c.Intrinsics.Fx + c.Intrinsics.Fy) / 2
}

// SetFocalLength sets both focal lengths to f.
func (c *Camera) SetFocalLength(f float64) {
	c.Intrinsics.Fx = f
	c.Intrinsics.Fy = f
}

// Extrinsics returns the 3x4 [R|t] world-to-camera matrix built from the
// axis-angle rotation and the translation.
func (c *Camera) Extrinsics() *mat.Dense {
	rot := RotationMatrix(c.Rvec)
	out := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Set(i, j, rot.At(i, j))
		}
	}
	out.Set(0, 3, c.Tvec.X)
	out.Set(1, 3, c.Tvec.Y)
	out.Set(2, 3, c.Tvec.Z)
	return out
}

// NumParams reports the length of the packed parameter vector:
// 6 extrinsics, plus 5 intrinsics and the model's distortion slots when
// includeIntrinsics is set (16 pinhole, 15 fisheye).
func (c *Camera) NumParams(includeIntrinsics bool) int {
	if !includeIntrinsics {
		return 6
	}
	return 6 + 5 + len(c.Dist)
}

// Params packs the camera state into a flat vector. The packing order is a
// hard contract shared with SetParams and every solver:
// rvec[3], tvec[3], then if includeIntrinsics: fx, fy, cx, cy, skew,
// followed by the distortion coefficients (k1,k2,p1,p2,k3 for pinhole,
// k1..k4 for fisheye).
func (c *Camera) Params(includeIntrinsics bool) []float64 {
	out := make([]float64, 0, c.NumParams(includeIntrinsics))
	out = append(out, c.Rvec.X, c.Rvec.Y, c.Rvec.Z, c.Tvec.X, c.Tvec.Y, c.Tvec.Z)
	if !includeIntrinsics {
		return out
	}
	in := c.Intrinsics
	out = append(out, in.Fx, in.Fy, in.Cx, in.Cy, in.Skew)
	out = append(out, c.Dist...)
	return out
}

// SetParams is the inverse of Params and the only mutation path used during
// optimization. The slice length must match NumParams for the same
// includeIntrinsics setting.
func (c *Camera) SetParams(params []float64, includeIntrinsics bool) error {
	want := c.NumParams(includeIntrinsics)
	if len(params) != want {
		return errors.Errorf("camera %q: expected %d parameters, got %d", c.Name, want, len(params))
	}
	c.Rvec = r3.Vector{X: params[0], Y: params[1], Z: params[2]}
	c.Tvec = r3.Vector{X: params[3], Y: params[4], Z: params[5]}
	if !includeIntrinsics {
		return nil
	}
	c.Intrinsics = Intrinsics{Fx: params[6], Fy: params[7], Cx: params[8], Cy: params[9], Skew: params[10]}
	copy(c.Dist, params[11:])
	return nil
}

// Project maps world points to image pixel coordinates using the current
// intrinsics, extrinsics and distortion. It fails only when the intrinsic
// matrix is singular. Points at zero depth project to non-finite pixels.
func (c *Camera) Project(pts []r3.Vector) ([]r2.Point, error) {
	if c.Intrinsics.Fx == 0 || c.Intrinsics.Fy == 0 {
		return nil, errors.Wrapf(ErrDegenerateProjection, "camera %q", c.Name)
	}
	out := make([]r2.Point, len(pts))
	for i, p := range pts {
		pc := Rotate(c.Rvec, p).Add(c.Tvec)
		x, y := pc.X/pc.Z, pc.Y/pc.Z
		var xd, yd float64
		if c.Model == KannalaBrandtModel {
			xd, yd = fisheyeDistort(x, y, c.Dist)
		} else {
			xd, yd = brownConradyDistort(x, y, c.Dist)
		}
		in := c.Intrinsics
		out[i] = r2.Point{
			X: in.Fx*xd + in.Skew*yd + in.Cx,
			Y: in.Fy*yd + in.Cy,
		}
	}
	return out, nil
}

// ReprojectionError returns observed minus projected for each point pair.
// The two slices must be the same length.
func (c *Camera) ReprojectionError(p3ds []r3.Vector, observed []r2.Point) ([]r2.Point, error) {
	if len(p3ds) != len(observed) {
		return nil, errors.Errorf("camera %q: got %d 3D points but %d observations", c.Name, len(p3ds), len(observed))
	}
	proj, err := c.Project(p3ds)
	if err != nil {
		return nil, err
	}
	out := make([]r2.Point, len(proj))
	for i := range proj {
		out[i] = observed[i].Sub(proj[i])
	}
	return out, nil
}

// Copy returns a deep copy sharing no mutable state with the original.
func (c *Camera) Copy() *Camera {
	out := *c
	out.Dist = make([]float64, len(c.Dist))
	copy(out.Dist, c.Dist)
	return &out
}

// Resize scales the frame size and intrinsics by the given factor.
func (c *Camera) Resize(scale float64) {
	c.Width = int(math.Round(float64(c.Width) * scale))
	c.Height = int(math.Round(float64(c.Height) * scale))
	c.Intrinsics.Fx *= scale
	c.Intrinsics.Fy *= scale
	c.Intrinsics.Cx *= scale
	c.Intrinsics.Cy *= scale
	c.Intrinsics.Skew *= scale
}

// RotationMatrix converts an axis-angle rotation vector to its 3x3 rotation
// matrix by Rodrigues' formula.
func RotationMatrix(rvec r3.Vector) *mat.Dense {
	theta := rvec.Norm()
	out := mat.NewDense(3, 3, nil)
	if theta == 0 {
		out.Set(0, 0, 1)
		out.Set(1, 1, 1)
		out.Set(2, 2, 1)
		return out
	}
	k := rvec.Mul(1 / theta)
	c, s := math.Cos(theta), math.Sin(theta)
	kx, ky, kz := k.X, k.Y, k.Z
	out.Set(0, 0, c+kx*kx*(1-c))
	out.Set(0, 1, kx*ky*(1-c)-kz*s)
	out.Set(0, 2, kx*kz*(1-c)+ky*s)
	out.Set(1, 0, ky*kx*(1-c)+kz*s)
	out.Set(1, 1, c+ky*ky*(1-c))
	out.Set(1, 2, ky*kz*(1-c)-kx*s)
	out.Set(2, 0, kz*kx*(1-c)-ky*s)
	out.Set(2, 1, kz*ky*(1-c)+kx*s)
	out.Set(2, 2, c+kz*kz*(1-c))
	return out
}

// Rotate applies the axis-angle rotation rvec to a point by Rodrigues'
// rotation formula.
func Rotate(rvec, p r3.Vector) r3.Vector {
	theta := rvec.Norm()
	if theta == 0 {
		return p
	}
	k := rvec.Mul(1 / theta)
	c, s := math.Cos(theta), math.Sin(theta)
	return p.Mul(c).Add(k.Cross(p).Mul(s)).Add(k.Mul(k.Dot(p) * (1 - c)))
}

// Transform rotates a point by rvec and then translates it by tvec.
func Transform(rvec, tvec, p r3.Vector) r3.Vector {
	return Rotate(rvec, p).Add(tvec)
}
