package calib

import (
	"sort"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/openmocap/rigcal/rig"
)

// Row is one calibration-board detection in one camera frame: the detected
// template point ids, their pixel locations, their template coordinates, and
// the board pose the detector estimated for that view.
type Row struct {
	FrameID      string
	IDs          []int
	ImagePoints  []r2.Point
	ObjectPoints []r3.Vector
	Rvec         r3.Vector
	Tvec         r3.Vector
	PoseValid    bool
}

// minRowDetections is the fewest detected points for a row to be trusted.
const minRowDetections = 8

// MergeRows aligns per-camera detection rows by frame id. The input holds
// one slice of rows per camera; the output holds, per frame observed by any
// camera, the row each camera contributed (keyed by camera index), ordered
// by frame id.
func MergeRows(perCamera [][]Row) []map[int]Row {
	frames := map[string]map[int]Row{}
	for camIx, rows := range perCamera {
		for _, row := range rows {
			if frames[row.FrameID] == nil {
				frames[row.FrameID] = map[int]Row{}
			}
			frames[row.FrameID][camIx] = row
		}
	}

	ids := make([]string, 0, len(frames))
	for id := range frames {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]map[int]Row, len(ids))
	for i, id := range ids {
		out[i] = frames[id]
	}
	return out
}

// ExtractPoints turns merged detection rows into a correspondence tensor and
// the board data bundle adjustment needs. Each frame contributes one point
// column per template id detected in it; columns seen by fewer than minCams
// cameras are dropped. Board ids number the frames, so every column of a
// frame shares one optimized board pose.
func ExtractPoints(merged []map[int]Row, nCams, nTemplatePoints, minCams int) (rig.Tensor, *BoardData, error) {
	if minCams < 1 {
		minCams = 2
	}

	type column struct {
		obs     []rig.Observation
		objp    r3.Vector
		frame   int
		rvecs   []r3.Vector
		tvecs   []r3.Vector
		nValid  int
		haveObj bool
	}
	var cols []column

	for frameIx, frame := range merged {
		perPoint := make([]column, nTemplatePoints)
		for i := range perPoint {
			perPoint[i].obs = make([]rig.Observation, nCams)
			perPoint[i].rvecs = make([]r3.Vector, nCams)
			perPoint[i].tvecs = make([]r3.Vector, nCams)
			perPoint[i].frame = frameIx
		}
		for camIx, row := range frame {
			for k, id := range row.IDs {
				if id < 0 || id >= nTemplatePoints {
					return nil, nil, errors.Errorf("template point id %d out of range [0,%d)", id, nTemplatePoints)
				}
				perPoint[id].obs[camIx] = rig.Obs(row.ImagePoints[k].X, row.ImagePoints[k].Y)
				perPoint[id].nValid++
				if !perPoint[id].haveObj {
					perPoint[id].objp = row.ObjectPoints[k]
					perPoint[id].haveObj = true
				}
				if row.PoseValid {
					perPoint[id].rvecs[camIx] = row.Rvec
					perPoint[id].tvecs[camIx] = row.Tvec
				}
			}
		}
		for _, col := range perPoint {
			if col.nValid >= minCams {
				cols = append(cols, col)
			}
		}
	}

	if len(cols) == 0 {
		return nil, nil, errors.New("no board points seen by enough cameras")
	}

	obs := rig.NewTensor(nCams, len(cols))
	board := &BoardData{
		ObjectPoints: make([]r3.Vector, len(cols)),
		IDs:          make([]int, len(cols)),
		Rvecs:        make([][]r3.Vector, nCams),
		Tvecs:        make([][]r3.Vector, nCams),
	}
	for c := 0; c < nCams; c++ {
		board.Rvecs[c] = make([]r3.Vector, len(cols))
		board.Tvecs[c] = make([]r3.Vector, len(cols))
	}
	for p, col := range cols {
		board.ObjectPoints[p] = col.objp
		board.IDs[p] = col.frame
		for c := 0; c < nCams; c++ {
			obs[c][p] = col.obs[c]
			board.Rvecs[c][p] = col.rvecs[c]
			board.Tvecs[c][p] = col.tvecs[c]
		}
	}
	return obs, board, nil
}

// InitialExtrinsics estimates camera poses from detector board poses: for
// every camera pair sharing frames it takes the element-wise median relative
// transform (re-orthogonalized via SVD), then chains transforms over a
// breadth-first spanning tree rooted at camera 0, whose frame becomes the
// world frame.
func InitialExtrinsics(merged []map[int]Row, nCams int) (rvecs, tvecs []r3.Vector, err error) {
	relative := map[Pair][]*mat.Dense{}
	for _, frame := range merged {
		for i := 0; i < nCams; i++ {
			ri, ok := frame[i]
			if !ok || !ri.PoseValid || len(ri.IDs) < minRowDetections {
				continue
			}
			for j := i + 1; j < nCams; j++ {
				rj, ok := frame[j]
				if !ok || !rj.PoseValid || len(rj.IDs) < minRowDetections {
					continue
				}
				mi := makeTransform(ri.Rvec, ri.Tvec)
				mj := makeTransform(rj.Rvec, rj.Tvec)
				relative[Pair{i, j}] = append(relative[Pair{i, j}], matMul4(mi, invTransform(mj)))
			}
		}
	}

	medians := map[Pair]*mat.Dense{}
	adjacency := make([][]int, nCams)
	for pr, ms := range relative {
		medians[pr] = orthogonalize(medianTransform(ms))
		adjacency[pr.A] = append(adjacency[pr.A], pr.B)
		adjacency[pr.B] = append(adjacency[pr.B], pr.A)
	}

	// breadth-first chain of relative transforms from camera 0
	poses := make([]*mat.Dense, nCams)
	poses[0] = identity4()
	queue := []int{0}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adjacency[cur] {
			if poses[next] != nil {
				continue
			}
			if m, ok := medians[Pair{cur, next}]; ok {
				// x_cur = m x_next, so pose_next = m^-1 pose_cur
				poses[next] = matMul4(invTransform(m), poses[cur])
			} else {
				m := medians[Pair{next, cur}]
				poses[next] = matMul4(m, poses[cur])
			}
			queue = append(queue, next)
		}
	}

	rvecs = make([]r3.Vector, nCams)
	tvecs = make([]r3.Vector, nCams)
	for c, pose := range poses {
		if pose == nil {
			return nil, nil, errors.Errorf("camera %d shares no board views with the rest of the rig", c)
		}
		rvecs[c], tvecs[c] = decomposeTransform(pose)
	}
	return rvecs, tvecs, nil
}

// CalibrateRows is the full calibration entry point: it filters weak
// detections, seeds the rig extrinsics from the detector board poses, builds
// the correspondence tensor, and runs iterative bundle adjustment. Camera
// intrinsics must already be set (from a datasheet or a prior single-camera
// calibration). Returns the median reprojection error.
func CalibrateRows(
	g *rig.Group,
	perCamera [][]Row,
	nTemplatePoints int,
	opts IterOptions,
	logger golog.Logger,
) (float64, error) {
	if err := g.CheckValid(); err != nil {
		return 0, err
	}
	if len(perCamera) != len(g.Cameras) {
		return 0, errors.Errorf("have rows for %d cameras, rig has %d", len(perCamera), len(g.Cameras))
	}

	filtered := make([][]Row, len(perCamera))
	for c, rows := range perCamera {
		for _, row := range rows {
			if len(row.IDs) >= minRowDetections {
				filtered[c] = append(filtered[c], row)
			}
		}
	}

	merged := MergeRows(filtered)
	if len(merged) == 0 {
		return 0, errors.New("no usable board detections")
	}

	rvecs, tvecs, err := InitialExtrinsics(merged, len(g.Cameras))
	if err != nil {
		return 0, err
	}
	if err := g.SetRotations(rvecs); err != nil {
		return 0, err
	}
	if err := g.SetTranslations(tvecs); err != nil {
		return 0, err
	}

	obs, board, err := ExtractPoints(merged, len(g.Cameras), nTemplatePoints, 2)
	if err != nil {
		return 0, err
	}
	logger.Infow("extracted board correspondences", "frames", len(merged), "points", obs.NumPoints())

	return BundleAdjustIter(g, obs, board, opts, logger)
}

// medianTransform takes the element-wise median of a set of 4x4 transforms.
func medianTransform(ms []*mat.Dense) *mat.Dense {
	out := mat.NewDense(4, 4, nil)
	vals := make([]float64, 0, len(ms))
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			vals = vals[:0]
			for _, m := range ms {
				vals = append(vals, m.At(i, j))
			}
			out.Set(i, j, nanMedian(vals))
		}
	}
	return out
}

func identity4() *mat.Dense {
	out := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		out.Set(i, i, 1)
	}
	return out
}
