// Package lsq solves sparse robust nonlinear least-squares problems: given a
// residual function, an initial guess and a Jacobian sparsity pattern, it
// returns parameters minimizing the summed robust loss of the residuals. It
// is the solver capability consumed by bundle adjustment and constrained
// triangulation; callers describe only which residuals depend on which
// parameters, never solver internals.
package lsq

import "sort"

// Pattern declares the Jacobian sparsity of a residual function: entry
// (row, col) is set when residual row may depend on parameter col. It is
// built by accumulating coordinate triplets and compiled once into a
// column-ordered form before solving.
type Pattern struct {
	numRows int
	numCols int
	rows    []int32
	cols    []int32

	// compiled form: per-column sorted row indices
	colRows [][]int32
}

// NewPattern creates an empty pattern for the given residual and parameter
// counts.
func NewPattern(numRows, numCols int) *Pattern {
	return &Pattern{numRows: numRows, numCols: numCols}
}

// Add marks residual row as dependent on parameter col. Duplicate and
// out-of-range entries are tolerated; duplicates collapse at Compile and
// out-of-range entries are dropped.
func (p *Pattern) Add(row, col int) {
	p.rows = append(p.rows, int32(row))
	p.cols = append(p.cols, int32(col))
}

// AddBlock marks a dense block: every row in [row, row+nRows) depends on
// every column in [col, col+nCols).
func (p *Pattern) AddBlock(row, nRows, col, nCols int) {
	for r := 0; r < nRows; r++ {
		for c := 0; c < nCols; c++ {
			p.Add(row+r, col+c)
		}
	}
}

// Dims returns the (residuals, parameters) shape of the pattern.
func (p *Pattern) Dims() (int, int) {
	return p.numRows, p.numCols
}

// Compile converts the accumulated triplets into per-column sorted row lists.
// Calling it again after more Add calls recompiles from scratch.
func (p *Pattern) Compile() {
	p.colRows = make([][]int32, p.numCols)
	for i := range p.rows {
		r, c := p.rows[i], p.cols[i]
		if r < 0 || int(r) >= p.numRows || c < 0 || int(c) >= p.numCols {
			continue
		}
		p.colRows[c] = append(p.colRows[c], r)
	}
	for c := range p.colRows {
		rows := p.colRows[c]
		sort.Slice(rows, func(i, j int) bool { return rows[i] < rows[j] })
		// collapse duplicates in place
		out := rows[:0]
		for i, r := range rows {
			if i == 0 || r != out[len(out)-1] {
				out = append(out, r)
			}
		}
		p.colRows[c] = out
	}
	p.rows = nil
	p.cols = nil
}

// rowsForCol returns the residual rows that may depend on parameter col.
// Compile must have been called.
func (p *Pattern) rowsForCol(col int) []int32 {
	return p.colRows[col]
}

// compiled reports whether Compile has run.
func (p *Pattern) isCompiled() bool {
	return p.colRows != nil
}
