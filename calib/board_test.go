package calib

import (
	"fmt"
	"math"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/openmocap/rigcal/camera"
	"github.com/openmocap/rigcal/rig"
)

func TestRotationVectorRoundTrip(t *testing.T) {
	for _, rvec := range []r3.Vector{
		{},
		{X: 0.3},
		{X: 0.1, Y: -0.4, Z: 0.2},
		{Z: 3.1},
		{X: 1, Y: 1, Z: 1},
	} {
		back := rotationVector(camera.RotationMatrix(rvec))
		test.That(t, back.X, test.ShouldAlmostEqual, rvec.X, 1e-6)
		test.That(t, back.Y, test.ShouldAlmostEqual, rvec.Y, 1e-6)
		test.That(t, back.Z, test.ShouldAlmostEqual, rvec.Z, 1e-6)
	}
}

func TestTransformInverse(t *testing.T) {
	m := makeTransform(r3.Vector{X: 0.2, Y: -0.1, Z: 0.3}, r3.Vector{X: 1, Y: 2, Z: -0.5})
	prod := matMul4(m, invTransform(m))
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			test.That(t, prod.At(i, j), test.ShouldAlmostEqual, want, 1e-12)
		}
	}
}

func TestOrthogonalize(t *testing.T) {
	m := makeTransform(r3.Vector{X: 0.5, Z: -0.2}, r3.Vector{X: 1})
	// perturb off the rotation manifold
	m.Set(0, 1, m.At(0, 1)+0.01)
	fixed := orthogonalize(m)

	// rows of the rotation block are orthonormal again
	for i := 0; i < 3; i++ {
		norm := 0.0
		for j := 0; j < 3; j++ {
			norm += fixed.At(i, j) * fixed.At(i, j)
		}
		test.That(t, norm, test.ShouldAlmostEqual, 1, 1e-9)
	}
	test.That(t, fixed.At(0, 3), test.ShouldAlmostEqual, 1)
}

func TestBoardDataHelpers(t *testing.T) {
	board := &BoardData{
		ObjectPoints: []r3.Vector{{X: 0.1}, {X: 0.2}, {X: 0.3}},
		IDs:          []int{4, 4, 9},
		Rvecs:        [][]r3.Vector{{{X: 1}, {X: 2}, {X: 3}}},
		Tvecs:        [][]r3.Vector{{{Y: 1}, {Y: 2}, {Y: 3}}},
	}

	sel := board.Select([]int{2, 0})
	test.That(t, sel.ObjectPoints, test.ShouldResemble, []r3.Vector{{X: 0.3}, {X: 0.1}})
	test.That(t, sel.IDs, test.ShouldResemble, []int{9, 4})
	test.That(t, sel.Rvecs[0][0].X, test.ShouldAlmostEqual, 3)

	ids, n := board.denseIDs()
	test.That(t, ids, test.ShouldResemble, []int{0, 0, 1})
	test.That(t, n, test.ShouldEqual, 2)

	test.That(t, board.minPositiveScale(), test.ShouldAlmostEqual, 0.1)
	empty := &BoardData{ObjectPoints: []r3.Vector{{}}}
	test.That(t, empty.minPositiveScale(), test.ShouldAlmostEqual, 1)
}

// gridTemplate is a 4x4 planar board, 16 points at 0.1 spacing.
func gridTemplate() []r3.Vector {
	out := make([]r3.Vector, 16)
	for i := range out {
		out[i] = r3.Vector{X: 0.1 * float64(i%4), Y: 0.1 * float64(i/4)}
	}
	return out
}

// boardRows synthesizes detection rows for a rig observing a board moved
// through the given world poses.
func boardRows(t *testing.T, g *rig.Group, template []r3.Vector, rvecsW, tvecsW []r3.Vector) [][]Row {
	t.Helper()
	out := make([][]Row, len(g.Cameras))
	for frame := range rvecsW {
		world := make([]r3.Vector, len(template))
		for i, p := range template {
			world[i] = camera.Transform(rvecsW[frame], tvecsW[frame], p)
		}
		mBoard := makeTransform(rvecsW[frame], tvecsW[frame])
		for c, cam := range g.Cameras {
			pix, err := cam.Project(world)
			test.That(t, err, test.ShouldBeNil)
			mCam := makeTransform(cam.Rvec, cam.Tvec)
			rvec, tvec := decomposeTransform(matMul4(mCam, mBoard))
			row := Row{
				FrameID:      fmt.Sprintf("f%03d", frame),
				Rvec:         rvec,
				Tvec:         tvec,
				PoseValid:    true,
				ObjectPoints: template,
				ImagePoints:  append([]r2.Point(nil), pix...),
			}
			for i := range template {
				row.IDs = append(row.IDs, i)
			}
			out[c] = append(out[c], row)
		}
	}
	return out
}

func boardPoses() (rvecs, tvecs []r3.Vector) {
	rvecs = []r3.Vector{
		{}, {X: 0.3}, {Y: -0.4}, {X: 0.2, Z: 0.3}, {Y: 0.5, Z: -0.1}, {X: -0.3, Y: 0.2},
	}
	tvecs = []r3.Vector{
		{X: -0.2, Y: -0.2}, {X: 0.1}, {Y: 0.2, Z: 0.3}, {X: -0.3, Z: -0.2}, {Y: -0.1, Z: 0.2}, {X: 0.2, Y: 0.1, Z: -0.1},
	}
	return rvecs, tvecs
}

// boardRig is a three-camera arc looking down at the board volume.
func boardRig() *rig.Group {
	g := rig.NewGroup()
	for i := 0; i < 3; i++ {
		cam := camera.New(fmt.Sprintf("cam%d", i))
		cam.Intrinsics = camera.Intrinsics{Fx: 700, Fy: 700, Cx: 320, Cy: 240}
		cam.Width, cam.Height = 640, 480
		if i > 0 {
			cam.Rvec = r3.Vector{Y: 0.3 * float64(i)}
			cam.Tvec = r3.Vector{X: -0.4 * float64(i), Z: 0.2 * float64(i)}
		}
		cam.Tvec.Z += 2.5
		g.Cameras = append(g.Cameras, cam)
	}
	return g
}

func TestMergeRows(t *testing.T) {
	rows := [][]Row{
		{{FrameID: "b"}, {FrameID: "a"}},
		{{FrameID: "a"}},
	}
	merged := MergeRows(rows)
	test.That(t, merged, test.ShouldHaveLength, 2)
	test.That(t, merged[0], test.ShouldHaveLength, 2)
	test.That(t, merged[0][0].FrameID, test.ShouldEqual, "a")
	test.That(t, merged[1], test.ShouldHaveLength, 1)
	test.That(t, merged[1][0].FrameID, test.ShouldEqual, "b")
}

func TestExtractPoints(t *testing.T) {
	g := boardRig()
	template := gridTemplate()
	rvecsW, tvecsW := boardPoses()
	merged := MergeRows(boardRows(t, g, template, rvecsW, tvecsW))

	obs, board, err := ExtractPoints(merged, len(g.Cameras), len(template), 2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, obs.NumPoints(), test.ShouldEqual, len(template)*len(rvecsW))
	test.That(t, board.ObjectPoints, test.ShouldHaveLength, obs.NumPoints())

	// every column of one frame shares a board id
	test.That(t, board.IDs[0], test.ShouldEqual, board.IDs[len(template)-1])
	test.That(t, board.IDs[0], test.ShouldNotEqual, board.IDs[len(template)])

	for _, cnt := range obs.CountValid() {
		test.That(t, cnt, test.ShouldEqual, len(g.Cameras))
	}
}

func TestInitialExtrinsics(t *testing.T) {
	g := boardRig()
	template := gridTemplate()
	rvecsW, tvecsW := boardPoses()
	merged := MergeRows(boardRows(t, g, template, rvecsW, tvecsW))

	rvecs, tvecs, err := InitialExtrinsics(merged, len(g.Cameras))
	test.That(t, err, test.ShouldBeNil)

	// poses come out in camera 0's frame
	m0 := makeTransform(g.Cameras[0].Rvec, g.Cameras[0].Tvec)
	for i, cam := range g.Cameras {
		expected := matMul4(makeTransform(cam.Rvec, cam.Tvec), invTransform(m0))
		wantR, wantT := decomposeTransform(expected)
		test.That(t, rvecs[i].X, test.ShouldAlmostEqual, wantR.X, 1e-6)
		test.That(t, rvecs[i].Y, test.ShouldAlmostEqual, wantR.Y, 1e-6)
		test.That(t, rvecs[i].Z, test.ShouldAlmostEqual, wantR.Z, 1e-6)
		test.That(t, tvecs[i].X, test.ShouldAlmostEqual, wantT.X, 1e-6)
		test.That(t, tvecs[i].Y, test.ShouldAlmostEqual, wantT.Y, 1e-6)
		test.That(t, tvecs[i].Z, test.ShouldAlmostEqual, wantT.Z, 1e-6)
	}
}

func TestCalibrateRows(t *testing.T) {
	logger := golog.NewTestLogger(t)
	truth := boardRig()
	template := gridTemplate()
	rvecsW, tvecsW := boardPoses()
	rows := boardRows(t, truth, template, rvecsW, tvecsW)

	// same intrinsics, unknown extrinsics
	g := truth.Copy()
	for _, cam := range g.Cameras {
		cam.Rvec = r3.Vector{}
		cam.Tvec = r3.Vector{}
	}

	opts := DefaultIterOptions()
	opts.NIters = 2
	opts.OnlyExtrinsics = true
	errVal, err := CalibrateRows(g, rows, len(template), opts, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, errVal, test.ShouldBeLessThan, 0.5)
	test.That(t, math.IsNaN(errVal), test.ShouldBeFalse)
}
