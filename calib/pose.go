package calib

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/openmocap/rigcal/camera"
)

// makeTransform builds the 4x4 homogeneous transform for a rotation vector
// and translation.
func makeTransform(rvec, tvec r3.Vector) *mat.Dense {
	rot := camera.RotationMatrix(rvec)
	out := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Set(i, j, rot.At(i, j))
		}
	}
	out.Set(0, 3, tvec.X)
	out.Set(1, 3, tvec.Y)
	out.Set(2, 3, tvec.Z)
	out.Set(3, 3, 1)
	return out
}

// invTransform inverts a rigid transform without a general matrix inverse,
// using R' = R^T, t' = -R^T t.
func invTransform(m *mat.Dense) *mat.Dense {
	out := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Set(i, j, m.At(j, i))
		}
	}
	for i := 0; i < 3; i++ {
		v := 0.0
		for j := 0; j < 3; j++ {
			v -= m.At(j, i) * m.At(j, 3)
		}
		out.Set(i, 3, v)
	}
	out.Set(3, 3, 1)
	return out
}

// decomposeTransform extracts the rotation vector and translation from a 4x4
// rigid transform.
func decomposeTransform(m *mat.Dense) (rvec, tvec r3.Vector) {
	rvec = rotationVector(m)
	tvec = r3.Vector{X: m.At(0, 3), Y: m.At(1, 3), Z: m.At(2, 3)}
	return rvec, tvec
}

// rotationVector returns the axis-angle vector of the rotation block in m,
// the inverse of the Rodrigues map.
func rotationVector(m mat.Matrix) r3.Vector {
	trace := m.At(0, 0) + m.At(1, 1) + m.At(2, 2)
	cosTheta := (trace - 1) / 2
	if cosTheta > 1 {
		cosTheta = 1
	} else if cosTheta < -1 {
		cosTheta = -1
	}
	theta := math.Acos(cosTheta)

	if theta < 1e-10 {
		return r3.Vector{}
	}
	if math.Pi-theta < 1e-6 {
		// near pi the skew part vanishes, recover the axis from the
		// diagonal of R = 2*a*a^T - I
		axis := r3.Vector{
			X: math.Sqrt(math.Max(0, (m.At(0, 0)+1)/2)),
			Y: math.Sqrt(math.Max(0, (m.At(1, 1)+1)/2)),
			Z: math.Sqrt(math.Max(0, (m.At(2, 2)+1)/2)),
		}
		// off-diagonals fix the relative signs
		if m.At(0, 1) < 0 {
			axis.Y = -axis.Y
		}
		if m.At(0, 2) < 0 {
			axis.Z = -axis.Z
		}
		return axis.Normalize().Mul(theta)
	}

	scale := theta / (2 * math.Sin(theta))
	return r3.Vector{
		X: scale * (m.At(2, 1) - m.At(1, 2)),
		Y: scale * (m.At(0, 2) - m.At(2, 0)),
		Z: scale * (m.At(1, 0) - m.At(0, 1)),
	}
}

// orthogonalize projects the rotation block of a rigid transform back onto
// SO(3) via SVD, used after averaging transforms element-wise.
func orthogonalize(m *mat.Dense) *mat.Dense {
	rot := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot.Set(i, j, m.At(i, j))
		}
	}
	var svd mat.SVD
	if !svd.Factorize(rot, mat.SVDFull) {
		return m
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	var fixed mat.Dense
	fixed.Mul(&u, v.T())

	out := mat.NewDense(4, 4, nil)
	out.Copy(m)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.Set(i, j, fixed.At(i, j))
		}
	}
	out.Set(3, 3, 1)
	return out
}

// matMul4 multiplies two 4x4 transforms.
func matMul4(a, b *mat.Dense) *mat.Dense {
	out := mat.NewDense(4, 4, nil)
	out.Mul(a, b)
	return out
}
