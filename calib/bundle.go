package calib

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/openmocap/rigcal/camera"
	"github.com/openmocap/rigcal/lsq"
	"github.com/openmocap/rigcal/rig"
	"github.com/openmocap/rigcal/triangulate"
)

// BoardData carries the calibration-board structure behind a correspondence
// tensor: the board-template coordinate of each point column, which physical
// board placement it came from, and per-camera board pose estimates from the
// detector (used only to seed the solve).
type BoardData struct {
	ObjectPoints []r3.Vector
	IDs          []int
	Rvecs        [][]r3.Vector
	Tvecs        [][]r3.Vector
}

// Select returns the board data restricted to the given point columns.
func (b *BoardData) Select(indices []int) *BoardData {
	out := &BoardData{
		ObjectPoints: make([]r3.Vector, len(indices)),
		IDs:          make([]int, len(indices)),
		Rvecs:        make([][]r3.Vector, len(b.Rvecs)),
		Tvecs:        make([][]r3.Vector, len(b.Tvecs)),
	}
	for k, ix := range indices {
		out.ObjectPoints[k] = b.ObjectPoints[ix]
		out.IDs[k] = b.IDs[ix]
	}
	for c := range b.Rvecs {
		out.Rvecs[c] = make([]r3.Vector, len(indices))
		out.Tvecs[c] = make([]r3.Vector, len(indices))
		for k, ix := range indices {
			out.Rvecs[c][k] = b.Rvecs[c][ix]
			out.Tvecs[c][k] = b.Tvecs[c][ix]
		}
	}
	return out
}

// denseIDs renumbers the board ids to a dense 0..n-1 range, returning the
// remapped ids and the board count.
func (b *BoardData) denseIDs() ([]int, int) {
	remap := map[int]int{}
	out := make([]int, len(b.IDs))
	for i, id := range b.IDs {
		dense, ok := remap[id]
		if !ok {
			dense = len(remap)
			remap[id] = dense
		}
		out[i] = dense
	}
	return out, len(remap)
}

// minPositiveScale returns the smallest positive coordinate among the board
// template points, the normalizer for board consistency residuals.
func (b *BoardData) minPositiveScale() float64 {
	scale := math.Inf(1)
	for _, p := range b.ObjectPoints {
		for _, v := range []float64{p.X, p.Y, p.Z} {
			if v > 0 && v < scale {
				scale = v
			}
		}
	}
	if math.IsInf(scale, 1) {
		return 1
	}
	return scale
}

// BundleOptions controls a single bundle adjustment solve.
type BundleOptions struct {
	// Loss selects the robust loss applied to reprojection residuals.
	Loss lsq.Loss
	// Threshold is the loss scale in pixels.
	Threshold float64
	// Ftol terminates the solve on relative cost decrease below it.
	Ftol float64
	// MaxIterations bounds the solver iteration count.
	MaxIterations int
	// OnlyExtrinsics freezes intrinsics and distortion, optimizing camera
	// poses and 3D points alone.
	OnlyExtrinsics bool
}

// DefaultBundleOptions returns the options for a standalone solve.
func DefaultBundleOptions() BundleOptions {
	return BundleOptions{
		Loss:          lsq.LossLinear,
		Threshold:     50,
		Ftol:          1e-4,
		MaxIterations: 1000,
	}
}

// BundleAdjust jointly refines the rig's camera parameters and the 3D
// positions of the observed points by minimizing reprojection error, with
// optional board consistency residuals tying points to a rigid template.
// Cameras are updated in place; the returned value is the mean reprojection
// error after the solve. All cameras must share a parameter width, so a rig
// mixing pinhole and fisheye models can only be adjusted with OnlyExtrinsics.
func BundleAdjust(
	g *rig.Group,
	obs rig.Tensor,
	board *BoardData,
	opts BundleOptions,
	logger golog.Logger,
) (float64, error) {
	if err := g.CheckShape(len(obs)); err != nil {
		return 0, err
	}
	nCams := len(g.Cameras)
	nPoints := obs.NumPoints()

	nCamParams := g.Cameras[0].NumParams(!opts.OnlyExtrinsics)
	for _, cam := range g.Cameras[1:] {
		if cam.NumParams(!opts.OnlyExtrinsics) != nCamParams {
			return 0, errors.New("cameras have mixed parameter widths; use OnlyExtrinsics for mixed-model rigs")
		}
	}

	x0, boardIDs, nBoards, err := packBundleParams(g, obs, board, nCamParams, opts.OnlyExtrinsics)
	if err != nil {
		return 0, err
	}

	camEnd := nCams * nCamParams
	pointEnd := camEnd + nPoints*3
	boardRvecStart := pointEnd
	boardTvecStart := pointEnd + nBoards*3

	minScale := 1.0
	if board != nil {
		minScale = board.minPositiveScale()
	}

	nValid := 0
	for _, cnt := range obs.CountValid() {
		nValid += cnt
	}
	nResiduals := nValid * 2
	if board != nil {
		nResiduals += nPoints * 3
	}

	residuals := func(x, out []float64) {
		for i, cam := range g.Cameras {
			// parameter errors surface as non-finite residuals
			//nolint:errcheck
			cam.SetParams(x[i*nCamParams:(i+1)*nCamParams], !opts.OnlyExtrinsics)
		}
		p3ds := make([]r3.Vector, nPoints)
		for p := 0; p < nPoints; p++ {
			p3ds[p] = r3.Vector{X: x[camEnd+p*3], Y: x[camEnd+p*3+1], Z: x[camEnd+p*3+2]}
		}
		errs, perr := g.ReprojectionError(p3ds, obs)
		pos := 0
		if perr != nil {
			for i := range out {
				out[i] = math.NaN()
			}
			return
		}
		for c := 0; c < nCams; c++ {
			for p := 0; p < nPoints; p++ {
				if !obs[c][p].Valid {
					continue
				}
				out[pos] = errs[c][p].X
				out[pos+1] = errs[c][p].Y
				pos += 2
			}
		}
		if board != nil {
			for p := 0; p < nPoints; p++ {
				id := boardIDs[p]
				rvec := r3.Vector{
					X: x[boardRvecStart+id*3],
					Y: x[boardRvecStart+id*3+1],
					Z: x[boardRvecStart+id*3+2],
				}
				tvec := r3.Vector{
					X: x[boardTvecStart+id*3],
					Y: x[boardTvecStart+id*3+1],
					Z: x[boardTvecStart+id*3+2],
				}
				expected := camera.Transform(rvec, tvec, board.ObjectPoints[p])
				out[pos] = 2 * (p3ds[p].X - expected.X) / minScale
				out[pos+1] = 2 * (p3ds[p].Y - expected.Y) / minScale
				out[pos+2] = 2 * (p3ds[p].Z - expected.Z) / minScale
				pos += 3
			}
		}
	}

	pattern := bundleSparsity(obs, nCamParams, boardIDs, nBoards)

	result, err := lsq.Solve(lsq.Problem{
		Func:         residuals,
		NumResiduals: nResiduals,
		Sparsity:     pattern,
	}, x0, lsq.Options{
		Loss:            opts.Loss,
		FScale:          opts.Threshold,
		Ftol:            opts.Ftol,
		MaxIterations:   opts.MaxIterations,
		ScaleByJacobian: true,
	})
	if err != nil {
		return 0, errors.Wrap(err, "bundle adjustment failed")
	}
	logger.Debugw("bundle adjustment finished", "iterations", result.Iterations, "cost", result.Cost)

	for i, cam := range g.Cameras {
		if err := cam.SetParams(result.X[i*nCamParams:(i+1)*nCamParams], !opts.OnlyExtrinsics); err != nil {
			return 0, errors.Wrapf(err, "committing parameters for camera %q", cam.Name)
		}
	}

	errs, err := g.MeanReprojectionError(triangulatedPoints(g, obs), obs)
	if err != nil {
		return 0, err
	}
	return meanFinite(errs), nil
}

// packBundleParams builds the initial parameter vector: camera blocks, then
// triangulated point coordinates, then board rotation vectors and
// translations. Non-finite entries are zeroed so the solver always starts
// from evaluable state.
func packBundleParams(
	g *rig.Group,
	obs rig.Tensor,
	board *BoardData,
	nCamParams int,
	onlyExtrinsics bool,
) (x0 []float64, boardIDs []int, nBoards int, err error) {
	nCams := len(g.Cameras)
	nPoints := obs.NumPoints()

	if board != nil {
		if len(board.ObjectPoints) != nPoints || len(board.IDs) != nPoints {
			return nil, nil, 0, errors.Errorf("board data covers %d points, observations have %d",
				len(board.ObjectPoints), nPoints)
		}
		if len(board.Rvecs) != nCams || len(board.Tvecs) != nCams {
			return nil, nil, 0, errors.Errorf("board poses cover %d cameras, rig has %d",
				len(board.Rvecs), nCams)
		}
		boardIDs, nBoards = board.denseIDs()
	}

	x0 = make([]float64, nCams*nCamParams+nPoints*3+nBoards*6)
	for i, cam := range g.Cameras {
		copy(x0[i*nCamParams:], cam.Params(!onlyExtrinsics))
	}

	p3ds := triangulatedPoints(g, obs)
	camEnd := nCams * nCamParams
	for p, pt := range p3ds {
		x0[camEnd+p*3] = pt.X
		x0[camEnd+p*3+1] = pt.Y
		x0[camEnd+p*3+2] = pt.Z
	}

	if board != nil {
		rvecStart := camEnd + nPoints*3
		tvecStart := rvecStart + nBoards*3
		seeded := make([]bool, nBoards)
		for p := 0; p < nPoints; p++ {
			id := boardIDs[p]
			if seeded[id] {
				continue
			}
			camIx := -1
			for c := 0; c < nCams; c++ {
				if obs[c][p].Valid {
					camIx = c
					break
				}
			}
			if camIx < 0 {
				continue
			}
			mCam := makeTransform(g.Cameras[camIx].Rvec, g.Cameras[camIx].Tvec)
			mBoardCam := makeTransform(board.Rvecs[camIx][p], board.Tvecs[camIx][p])
			rvec, tvec := decomposeTransform(matMul4(invTransform(mCam), mBoardCam))
			x0[rvecStart+id*3] = rvec.X
			x0[rvecStart+id*3+1] = rvec.Y
			x0[rvecStart+id*3+2] = rvec.Z
			x0[tvecStart+id*3] = tvec.X
			x0[tvecStart+id*3+1] = tvec.Y
			x0[tvecStart+id*3+2] = tvec.Z
			seeded[id] = true
		}
	}

	for i, v := range x0 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			x0[i] = 0
		}
	}
	return x0, boardIDs, nBoards, nil
}

// bundleSparsity maps each residual row to the parameters it depends on:
// reprojection rows touch their camera block and their point's coordinates,
// board rows touch the board's pose and the matching point coordinate.
func bundleSparsity(obs rig.Tensor, nCamParams int, boardIDs []int, nBoards int) *lsq.Pattern {
	nCams := len(obs)
	nPoints := obs.NumPoints()

	nValid := 0
	for _, cnt := range obs.CountValid() {
		nValid += cnt
	}
	nResiduals := nValid * 2
	if nBoards > 0 {
		nResiduals += nPoints * 3
	}

	camEnd := nCams * nCamParams
	pointEnd := camEnd + nPoints*3
	pattern := lsq.NewPattern(nResiduals, pointEnd+nBoards*6)

	row := 0
	for c := 0; c < nCams; c++ {
		for p := 0; p < nPoints; p++ {
			if !obs[c][p].Valid {
				continue
			}
			for r := row; r < row+2; r++ {
				for k := 0; k < nCamParams; k++ {
					pattern.Add(r, c*nCamParams+k)
				}
				for k := 0; k < 3; k++ {
					pattern.Add(r, camEnd+p*3+k)
				}
			}
			row += 2
		}
	}

	if nBoards > 0 {
		rvecStart := pointEnd
		tvecStart := pointEnd + nBoards*3
		for p := 0; p < nPoints; p++ {
			id := boardIDs[p]
			for i := 0; i < 3; i++ {
				pattern.Add(row+i, camEnd+p*3+i)
				for k := 0; k < 3; k++ {
					pattern.Add(row+i, rvecStart+id*3+k)
					pattern.Add(row+i, tvecStart+id*3+k)
				}
			}
			row += 3
		}
	}
	return pattern
}

// triangulatedPoints triangulates without a progress callback, for parameter
// initialization and error reporting.
func triangulatedPoints(g *rig.Group, obs rig.Tensor) []r3.Vector {
	opts := triangulate.DefaultOptions()
	p3ds, err := triangulate.Points(g, obs, opts)
	if err != nil {
		out := make([]r3.Vector, obs.NumPoints())
		for i := range out {
			out[i] = rig.MissingPoint()
		}
		return out
	}
	return p3ds
}

// meanFinite averages the finite entries of vals, NaN when none exist.
func meanFinite(vals []float64) float64 {
	sum, n := 0.0, 0
	for _, v := range vals {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			sum += v
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}
