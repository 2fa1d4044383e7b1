package lsq

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Problem describes one least-squares problem: a residual function, the
// residual count, and an optional Jacobian sparsity pattern. With a nil
// pattern the Jacobian is treated as dense.
type Problem struct {
	// Func evaluates the residual vector at x into out (length NumResiduals).
	Func func(x, out []float64)
	// NumResiduals is the fixed length of the residual vector.
	NumResiduals int
	// Sparsity, when non-nil, restricts which residuals each parameter can
	// influence. It is compiled on demand.
	Sparsity *Pattern
}

// Options tunes the solve. The zero value selects a linear loss with
// defaults matching common trust-region practice.
type Options struct {
	Loss Loss
	// FScale is the robust loss scale; residuals are judged against it.
	// Defaults to 1.
	FScale float64
	// Ftol terminates when the relative cost decrease of an accepted step
	// falls below it. Defaults to 1e-8.
	Ftol float64
	// MaxIterations bounds the number of accepted steps. Defaults to 100.
	MaxIterations int
	// ScaleByJacobian normalizes parameters by their Jacobian column norms,
	// making damping invariant to parameter units.
	ScaleByJacobian bool
}

// Result carries the solve outcome. Non-convergence is not an error: the
// caller judges acceptability from the final cost.
type Result struct {
	X          []float64
	Cost       float64
	Iterations int
}

const (
	fdStep     = 1.4901161193847656e-08 // sqrt(machine epsilon)
	initDamp   = 1e-3
	maxDamp    = 1e12
	minColNorm = 1e-10
)

// Solve minimizes the summed robust loss of the residuals by damped
// Gauss-Newton (Levenberg-Marquardt) with a forward-difference Jacobian
// restricted to the sparsity pattern. The normal equations are accumulated
// row by row from the sparse Jacobian and solved by Cholesky factorization.
func Solve(prob Problem, x0 []float64, opts Options) (*Result, error) {
	if prob.Func == nil {
		return nil, errors.New("lsq: nil residual function")
	}
	if prob.NumResiduals <= 0 {
		return nil, errors.Errorf("lsq: invalid residual count %d", prob.NumResiduals)
	}
	n := len(x0)
	if n == 0 {
		return nil, errors.New("lsq: empty parameter vector")
	}
	if prob.Sparsity != nil {
		rows, cols := prob.Sparsity.Dims()
		if rows != prob.NumResiduals || cols != n {
			return nil, errors.Errorf("lsq: sparsity pattern is %dx%d, want %dx%d",
				rows, cols, prob.NumResiduals, n)
		}
		if !prob.Sparsity.isCompiled() {
			prob.Sparsity.Compile()
		}
	}
	if opts.FScale <= 0 {
		opts.FScale = 1
	}
	if opts.Ftol <= 0 {
		opts.Ftol = 1e-8
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 100
	}

	m := prob.NumResiduals
	x := append([]float64(nil), x0...)
	f := make([]float64, m)
	prob.Func(x, f)
	for i, v := range f {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.Errorf("lsq: residual %d is not finite at the initial guess", i)
		}
	}
	cost := opts.Loss.cost(f, opts.FScale)

	jac := newJacobian(m, n, prob.Sparsity)
	w := make([]float64, m)
	fw := make([]float64, m)
	ftmp := make([]float64, m)
	xtmp := make([]float64, n)
	damp := initDamp

	var iters int
	for iters = 0; iters < opts.MaxIterations; iters++ {
		jac.compute(prob.Func, x, f, ftmp, xtmp)

		// robust reweighting of residuals and Jacobian rows
		opts.Loss.weights(f, opts.FScale, w)
		for i := range f {
			fw[i] = w[i] * f[i]
		}

		jtj, g, colNorms := jac.normalEquations(fw, w)

		scale := make([]float64, n)
		for j := range scale {
			scale[j] = 1
			if opts.ScaleByJacobian {
				scale[j] = math.Max(colNorms[j], minColNorm)
			}
		}

		// inner damping loop: grow damp until a step reduces the cost
		accepted := false
		for damp <= maxDamp {
			step, ok := solveDamped(jtj, g, scale, damp)
			if !ok {
				damp *= 10
				continue
			}
			for j := range xtmp {
				xtmp[j] = x[j] + step[j]
			}
			prob.Func(xtmp, ftmp)
			newCost := opts.Loss.cost(ftmp, opts.FScale)
			if finiteCost(newCost) && newCost < cost {
				relDrop := (cost - newCost) / math.Max(cost, math.SmallestNonzeroFloat64)
				copy(x, xtmp)
				copy(f, ftmp)
				cost = newCost
				damp = math.Max(damp/3, 1e-12)
				accepted = true
				if relDrop < opts.Ftol {
					return &Result{X: x, Cost: cost, Iterations: iters + 1}, nil
				}
				break
			}
			damp *= 3
		}
		if !accepted {
			break
		}
	}
	return &Result{X: x, Cost: cost, Iterations: iters}, nil
}

func finiteCost(c float64) bool {
	return !math.IsNaN(c) && !math.IsInf(c, 0)
}

// solveDamped solves (J^T J + damp * D^2) step = -g via Cholesky, with D the
// parameter scaling.
func solveDamped(jtj *mat.SymDense, g, scale []float64, damp float64) ([]float64, bool) {
	n := len(g)
	sys := mat.NewSymDense(n, nil)
	sys.CopySym(jtj)
	for j := 0; j < n; j++ {
		sys.SetSym(j, j, sys.At(j, j)+damp*scale[j]*scale[j])
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(sys); !ok {
		return nil, false
	}
	rhs := mat.NewVecDense(n, nil)
	for j := 0; j < n; j++ {
		rhs.SetVec(j, -g[j])
	}
	var stepVec mat.VecDense
	if err := chol.SolveVecTo(&stepVec, rhs); err != nil {
		return nil, false
	}
	step := make([]float64, n)
	for j := 0; j < n; j++ {
		step[j] = stepVec.AtVec(j)
	}
	return step, true
}

// jacobian holds the forward-difference Jacobian in row-sparse form: for each
// residual row, the parameter indices it depends on and the corresponding
// derivative values.
type jacobian struct {
	m, n    int
	pattern *Pattern
	rowIdx  [][]int32
	rowVal  [][]float64
}

func newJacobian(m, n int, pattern *Pattern) *jacobian {
	j := &jacobian{m: m, n: n, pattern: pattern}
	j.rowIdx = make([][]int32, m)
	if pattern != nil {
		for col := 0; col < n; col++ {
			for _, r := range pattern.rowsForCol(col) {
				j.rowIdx[r] = append(j.rowIdx[r], int32(col))
			}
		}
	} else {
		for r := 0; r < m; r++ {
			j.rowIdx[r] = make([]int32, n)
			for col := 0; col < n; col++ {
				j.rowIdx[r][col] = int32(col)
			}
		}
	}
	j.rowVal = make([][]float64, m)
	for r := 0; r < m; r++ {
		j.rowVal[r] = make([]float64, len(j.rowIdx[r]))
	}
	return j
}

// compute fills the derivative values by forward differences around x, where
// f is the residual vector already evaluated at x. ftmp and xtmp are scratch.
func (j *jacobian) compute(fn func(x, out []float64), x, f, ftmp, xtmp []float64) {
	// column position within each row's index list, advanced as columns are
	// processed in ascending order
	pos := make([]int, j.m)
	copy(xtmp, x)
	for col := 0; col < j.n; col++ {
		h := fdStep * math.Max(1, math.Abs(x[col]))
		xtmp[col] = x[col] + h
		fn(xtmp, ftmp)
		xtmp[col] = x[col]

		if j.pattern != nil {
			for _, r := range j.pattern.rowsForCol(col) {
				j.rowVal[r][pos[r]] = (ftmp[r] - f[r]) / h
				pos[r]++
			}
		} else {
			for r := 0; r < j.m; r++ {
				j.rowVal[r][col] = (ftmp[r] - f[r]) / h
			}
		}
	}
}

// normalEquations accumulates J^T J, the gradient J^T f, and the Jacobian
// column norms, with rows pre-scaled by the robust weights.
func (j *jacobian) normalEquations(fw, w []float64) (*mat.SymDense, []float64, []float64) {
	jtj := mat.NewSymDense(j.n, nil)
	g := make([]float64, j.n)
	colSq := make([]float64, j.n)
	for r := 0; r < j.m; r++ {
		idx := j.rowIdx[r]
		val := j.rowVal[r]
		wr := w[r]
		for a := range idx {
			ca := int(idx[a])
			va := wr * val[a]
			if va == 0 {
				continue
			}
			g[ca] += va * fw[r]
			colSq[ca] += va * va
			for b := a; b < len(idx); b++ {
				cb := int(idx[b])
				jtj.SetSym(ca, cb, jtj.At(ca, cb)+va*wr*val[b])
			}
		}
	}
	colNorms := make([]float64, j.n)
	for c := range colSq {
		colNorms[c] = math.Sqrt(colSq[c])
	}
	return jtj, g, colNorms
}
