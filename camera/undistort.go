package camera

import (
	"math"

	"github.com/golang/geo/r2"
)

const (
	undistortIterations = 20
	undistortTolerance  = 1e-10
)

// UndistortPoints maps pixel coordinates to normalized image coordinates with
// the distortion removed, matching the OpenCV undistortPoints convention of
// returning normalized (not pixel) coordinates. The inverse distortion has no
// closed form; a Newton-Raphson iteration on the forward model is used.
// Independent of the extrinsics.
func (c *Camera) UndistortPoints(pts []r2.Point) []r2.Point {
	out := make([]r2.Point, len(pts))
	in := c.Intrinsics
	for i, p := range pts {
		// pixel -> normalized distorted coordinates
		yd := (p.Y - in.Cy) / in.Fy
		xd := (p.X - in.Cx - in.Skew*yd) / in.Fx
		if c.Model == KannalaBrandtModel {
			out[i] = fisheyeUndistort(xd, yd, c.Dist)
		} else {
			out[i] = brownConradyUndistort(xd, yd, c.Dist)
		}
	}
	return out
}

// brownConradyUndistort solves the forward Brown-Conrady model for the
// undistorted normalized point by Newton-Raphson on the 2x2 system.
func brownConradyUndistort(xd, yd float64, dist []float64) r2.Point {
	k1, k2, p1, p2, k3 := dist[0], dist[1], dist[2], dist[3], dist[4]
	xu, yu := xd, yd
	for i := 0; i < undistortIterations; i++ {
		r2v := xu*xu + yu*yu
		r4 := r2v * r2v
		r6 := r4 * r2v
		radial := 1 + k1*r2v + k2*r4 + k3*r6
		xdEst := xu*radial + 2*p1*xu*yu + p2*(r2v+2*xu*xu)
		ydEst := yu*radial + p1*(r2v+2*yu*yu) + 2*p2*xu*yu
		errX := xdEst - xd
		errY := ydEst - yd
		if errX*errX+errY*errY < undistortTolerance*undistortTolerance {
			break
		}
		// Jacobian of the forward model at the current estimate.
		dRad := k1 + 2*k2*r2v + 3*k3*r4
		j00 := radial + 2*xu*xu*dRad + 2*p1*yu + 6*p2*xu
		j01 := 2*xu*yu*dRad + 2*p1*xu + 2*p2*yu
		j10 := 2*xu*yu*dRad + 2*p2*yu + 2*p1*xu
		j11 := radial + 2*yu*yu*dRad + 2*p2*xu + 6*p1*yu
		det := j00*j11 - j01*j10
		if det == 0 {
			break
		}
		xu -= (j11*errX - j01*errY) / det
		yu -= (-j10*errX + j00*errY) / det
	}
	return r2.Point{X: xu, Y: yu}
}

// fisheyeUndistort inverts the Kannala-Brandt model: the distorted radius is
// thetaD, the ray angle theta is recovered by Newton iteration, and the point
// is rescaled by tan(theta)/thetaD.
func fisheyeUndistort(xd, yd float64, dist []float64) r2.Point {
	k1, k2, k3, k4 := dist[0], dist[1], dist[2], dist[3]
	thetaD := math.Hypot(xd, yd)
	if thetaD == 0 {
		return r2.Point{X: xd, Y: yd}
	}
	theta := thetaD
	for i := 0; i < undistortIterations; i++ {
		t2 := theta * theta
		poly := 1 + t2*(k1+t2*(k2+t2*(k3+t2*k4)))
		f := theta*poly - thetaD
		if math.Abs(f) < undistortTolerance {
			break
		}
		df := poly + t2*(3*k1+t2*(5*k2+t2*(7*k3+t2*9*k4)))
		if df == 0 {
			break
		}
		theta -= f / df
	}
	scale := math.Tan(theta) / thetaD
	return r2.Point{X: xd * scale, Y: yd * scale}
}
