package camera

import (
	"math"

	"github.com/golang/geo/r2"
)

// brownConradyDistort applies the forward Brown-Conrady model to a normalized
// image point:
//
//	xd = x*(1 + k1*r² + k2*r⁴ + k3*r⁶) + 2*p1*x*y + p2*(r² + 2*x²)
//	yd = y*(1 + k1*r² + k2*r⁴ + k3*r⁶) + p1*(r² + 2*y²) + 2*p2*x*y
//
// dist holds (k1, k2, p1, p2, k3), matching the OpenCV coefficient order.
func brownConradyDistort(x, y float64, dist []float64) (float64, float64) {
	k1, k2, p1, p2, k3 := dist[0], dist[1], dist[2], dist[3], dist[4]
	r2 := x*x + y*y
	r4 := r2 * r2
	r6 := r4 * r2
	radial := 1 + k1*r2 + k2*r4 + k3*r6
	xd := x*radial + 2*p1*x*y + p2*(r2+2*x*x)
	yd := y*radial + p1*(r2+2*y*y) + 2*p2*x*y
	return xd, yd
}

// fisheyeDistort applies the forward Kannala-Brandt model to a normalized
// image point: theta is the angle of the incoming ray,
// thetaD = theta*(1 + k1*theta² + k2*theta⁴ + k3*theta⁶ + k4*theta⁸), and the
// point is rescaled radially by thetaD/r.
func fisheyeDistort(x, y float64, dist []float64) (float64, float64) {
	k1, k2, k3, k4 := dist[0], dist[1], dist[2], dist[3]
	r := math.Hypot(x, y)
	if r == 0 {
		return x, y
	}
	theta := math.Atan(r)
	t2 := theta * theta
	thetaD := theta * (1 + t2*(k1+t2*(k2+t2*(k3+t2*k4))))
	scale := thetaD / r
	return x * scale, y * scale
}

// DistortPoints maps normalized (undistorted) image coordinates to pixel
// coordinates, applying the camera's distortion model and intrinsic matrix.
// It is the inverse of UndistortPoints and is independent of the extrinsics.
func (c *Camera) DistortPoints(pts []r2.Point) []r2.Point {
	out := make([]r2.Point, len(pts))
	in := c.Intrinsics
	for i, p := range pts {
		var xd, yd float64
		if c.Model == KannalaBrandtModel {
			xd, yd = fisheyeDistort(p.X, p.Y, c.Dist)
		} else {
			xd, yd = brownConradyDistort(p.X, p.Y, c.Dist)
		}
		out[i] = r2.Point{
			X: in.Fx*xd + in.Skew*yd + in.Cx,
			Y: in.Fy*yd + in.Cy,
		}
	}
	return out
}
