package camera

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func testCamera() *Camera {
	c := New("cam")
	c.Intrinsics = Intrinsics{Fx: 900, Fy: 910, Cx: 320, Cy: 240, Skew: 0.5}
	c.Dist = []float64{0.08, -0.03, 0.001, -0.002, 0.004}
	c.Rvec = r3.Vector{X: 0.1, Y: -0.2, Z: 0.05}
	c.Tvec = r3.Vector{X: 0.3, Y: 0.1, Z: 2}
	c.Width, c.Height = 640, 480
	return c
}

func TestRotationMatrix(t *testing.T) {
	rot := RotationMatrix(r3.Vector{Z: math.Pi / 2})
	p := Rotate(r3.Vector{Z: math.Pi / 2}, r3.Vector{X: 1})
	test.That(t, p.Y, test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, p.X, test.ShouldAlmostEqual, 0, 1e-12)
	test.That(t, p.Z, test.ShouldAlmostEqual, 0, 1e-12)

	// rotation matrices are orthonormal
	for i := 0; i < 3; i++ {
		sum := 0.0
		for j := 0; j < 3; j++ {
			sum += rot.At(i, j) * rot.At(i, j)
		}
		test.That(t, sum, test.ShouldAlmostEqual, 1, 1e-12)
	}

	ident := RotationMatrix(r3.Vector{})
	for i := 0; i < 3; i++ {
		test.That(t, ident.At(i, i), test.ShouldAlmostEqual, 1)
	}
}

func TestProjectUndistortRoundTrip(t *testing.T) {
	c := testCamera()
	p3d := r3.Vector{X: 0.2, Y: -0.1, Z: 3}

	pix, err := c.Project([]r3.Vector{p3d})
	test.That(t, err, test.ShouldBeNil)

	// undistorting the projection recovers the normalized camera-frame ray
	norm := c.UndistortPoints(pix)
	inCam := Transform(c.Rvec, c.Tvec, p3d)
	test.That(t, norm[0].X, test.ShouldAlmostEqual, inCam.X/inCam.Z, 1e-6)
	test.That(t, norm[0].Y, test.ShouldAlmostEqual, inCam.Y/inCam.Z, 1e-6)
}

func TestFisheyeRoundTrip(t *testing.T) {
	c := NewFisheye("fish")
	c.Intrinsics = Intrinsics{Fx: 400, Fy: 405, Cx: 320, Cy: 240}
	c.Dist = []float64{0.02, -0.01, 0.005, -0.001}
	c.Tvec = r3.Vector{Z: 1.5}

	p3d := r3.Vector{X: 0.4, Y: 0.3, Z: 2}
	pix, err := c.Project([]r3.Vector{p3d})
	test.That(t, err, test.ShouldBeNil)

	norm := c.UndistortPoints(pix)
	inCam := Transform(c.Rvec, c.Tvec, p3d)
	test.That(t, norm[0].X, test.ShouldAlmostEqual, inCam.X/inCam.Z, 1e-6)
	test.That(t, norm[0].Y, test.ShouldAlmostEqual, inCam.Y/inCam.Z, 1e-6)
}

func TestProjectDegenerate(t *testing.T) {
	c := New("cam")
	c.Intrinsics.Fx = 0
	_, err := c.Project([]r3.Vector{{Z: 1}})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestParamsRoundTrip(t *testing.T) {
	c := testCamera()
	test.That(t, c.NumParams(true), test.ShouldEqual, 16)
	test.That(t, c.NumParams(false), test.ShouldEqual, 6)

	params := c.Params(true)
	test.That(t, len(params), test.ShouldEqual, 16)

	c2 := New("other")
	err := c2.SetParams(params, true)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c2.Intrinsics, test.ShouldResemble, c.Intrinsics)
	test.That(t, c2.Rvec, test.ShouldResemble, c.Rvec)
	test.That(t, c2.Tvec, test.ShouldResemble, c.Tvec)
	test.That(t, c2.Dist, test.ShouldResemble, c.Dist)

	fish := NewFisheye("fish")
	test.That(t, fish.NumParams(true), test.ShouldEqual, 15)

	err = c2.SetParams(params[:5], true)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestReprojectionErrorZero(t *testing.T) {
	c := testCamera()
	p3ds := []r3.Vector{{X: 0.1, Y: 0.2, Z: 2}, {X: -0.3, Y: 0, Z: 4}}
	pix, err := c.Project(p3ds)
	test.That(t, err, test.ShouldBeNil)

	errs, err := c.ReprojectionError(p3ds, pix)
	test.That(t, err, test.ShouldBeNil)
	for _, e := range errs {
		test.That(t, e.Norm(), test.ShouldAlmostEqual, 0, 1e-9)
	}
}

func TestResize(t *testing.T) {
	c := testCamera()
	fx, cy := c.Intrinsics.Fx, c.Intrinsics.Cy
	c.Resize(0.5)
	test.That(t, c.Intrinsics.Fx, test.ShouldAlmostEqual, fx*0.5)
	test.That(t, c.Intrinsics.Cy, test.ShouldAlmostEqual, cy*0.5)
	test.That(t, c.Width, test.ShouldEqual, 320)
	test.That(t, c.Height, test.ShouldEqual, 240)
}

func TestRecordRoundTrip(t *testing.T) {
	c := testCamera()
	rec := c.ToRecord()
	c2, err := FromRecord(rec)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c2.Name, test.ShouldEqual, c.Name)
	test.That(t, c2.Model, test.ShouldEqual, c.Model)
	test.That(t, c2.Intrinsics, test.ShouldResemble, c.Intrinsics)
	test.That(t, c2.Dist, test.ShouldResemble, c.Dist)
	test.That(t, c2.Rvec, test.ShouldResemble, c.Rvec)
	test.That(t, c2.Tvec, test.ShouldResemble, c.Tvec)

	rec.Matrix = [][]float64{{1, 2}}
	_, err = FromRecord(rec)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDistortPoints(t *testing.T) {
	c := testCamera()
	c.Dist = []float64{0, 0, 0, 0, 0}
	pts := c.DistortPoints([]r2.Point{{X: 0.1, Y: -0.2}})
	// zero distortion reduces to the pinhole projection
	test.That(t, pts[0].X, test.ShouldAlmostEqual, c.Intrinsics.Fx*0.1+c.Intrinsics.Skew*-0.2+c.Intrinsics.Cx, 1e-9)
	test.That(t, pts[0].Y, test.ShouldAlmostEqual, c.Intrinsics.Fy*-0.2+c.Intrinsics.Cy, 1e-9)
}

func TestCopyIsDeep(t *testing.T) {
	c := testCamera()
	c2 := c.Copy()
	c2.Dist[0] = 99
	c2.Rvec.X = 99
	test.That(t, c.Dist[0], test.ShouldNotAlmostEqual, 99)
	test.That(t, c.Rvec.X, test.ShouldNotAlmostEqual, 99)
}

func TestFocalLength(t *testing.T) {
	c := testCamera()
	c.SetFocalLength(500)
	test.That(t, c.Intrinsics.Fx, test.ShouldAlmostEqual, 500)
	test.That(t, c.Intrinsics.Fy, test.ShouldAlmostEqual, 500)
	test.That(t, c.FocalLength(), test.ShouldAlmostEqual, 500)
	test.That(t, math.IsNaN(c.FocalLength()), test.ShouldBeFalse)
}
