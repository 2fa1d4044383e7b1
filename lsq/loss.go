package lsq

import "math"

// Loss selects the robust loss limiting the influence of outlier residuals.
type Loss string

const (
	// LossLinear is the plain sum of squares.
	LossLinear = Loss("linear")
	// LossHuber is quadratic for small residuals and linear beyond the
	// scale parameter.
	LossHuber = Loss("huber")
	// LossSoftL1 is a smooth approximation of the absolute value.
	LossSoftL1 = Loss("soft_l1")
)

// rho evaluates the loss value and its first derivative at z = (f/scale)^2.
func (l Loss) rho(z float64) (val, deriv float64) {
	switch l {
	case LossHuber:
		if z <= 1 {
			return z, 1
		}
		return 2*math.Sqrt(z) - 1, 1 / math.Sqrt(z)
	case LossSoftL1:
		t := 1 + z
		return 2 * (math.Sqrt(t) - 1), 1 / math.Sqrt(t)
	default:
		return z, 1
	}
}

// cost returns the total robust cost 0.5 * scale^2 * sum rho((f/scale)^2).
func (l Loss) cost(residuals []float64, scale float64) float64 {
	s2 := scale * scale
	var total float64
	for _, f := range residuals {
		v, _ := l.rho(f * f / s2)
		total += v
	}
	return 0.5 * s2 * total
}

// weights fills w with the per-residual reweighting factors sqrt(rho'(z)):
// scaling residuals and Jacobian rows by them turns the robust problem into
// an ordinary least-squares step.
func (l Loss) weights(residuals []float64, scale float64, w []float64) {
	if l == LossLinear {
		for i := range w {
			w[i] = 1
		}
		return
	}
	s2 := scale * scale
	for i, f := range residuals {
		_, d := l.rho(f * f / s2)
		w[i] = math.Sqrt(d)
	}
}
