package refine

import (
	"math"
	"math/rand"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/openmocap/rigcal/camera"
	"github.com/openmocap/rigcal/rig"
	"github.com/openmocap/rigcal/triangulate"
)

func ringRig(nCams int) *rig.Group {
	g := rig.NewGroup()
	for i := 0; i < nCams; i++ {
		cam := camera.New(string(rune('A' + i)))
		cam.Intrinsics = camera.Intrinsics{Fx: 800, Fy: 800, Cx: 320, Cy: 240}
		cam.Width, cam.Height = 640, 480
		cam.Rvec = r3.Vector{Y: 0.4 * float64(i)}
		cam.Tvec = r3.Vector{X: 0.3 * float64(i), Z: 3}
		g.Cameras = append(g.Cameras, cam)
	}
	return g
}

// swingSeries is a two-joint rigid link swinging smoothly, constant length.
func swingSeries(nFrames int) Series {
	out := make(Series, nFrames)
	for f := range out {
		phase := 0.1 * float64(f)
		base := r3.Vector{X: 0.3 * math.Sin(phase), Y: 0.1 * math.Cos(phase), Z: 0.05 * float64(f) / float64(nFrames)}
		tip := base.Add(r3.Vector{X: 0.2 * math.Cos(phase), Y: 0.2 * math.Sin(phase)})
		out[f] = []r3.Vector{base, tip}
	}
	return out
}

// observeSeries projects a trajectory into every camera, optionally with
// gaussian pixel noise.
func observeSeries(t *testing.T, g *rig.Group, truth Series, rnd *rand.Rand, noise float64) Tracks {
	t.Helper()
	nFrames := len(truth)
	nJoints := len(truth[0])
	tracks := make(Tracks, len(g.Cameras))
	for c := range tracks {
		tracks[c] = make([][]rig.Observation, nFrames)
	}
	for f := 0; f < nFrames; f++ {
		proj, err := g.Project(truth[f])
		test.That(t, err, test.ShouldBeNil)
		for c := range tracks {
			tracks[c][f] = make([]rig.Observation, nJoints)
			for j := 0; j < nJoints; j++ {
				x, y := proj[c][j].X, proj[c][j].Y
				if noise > 0 {
					x += rnd.NormFloat64() * noise
					y += rnd.NormFloat64() * noise
				}
				tracks[c][f][j] = rig.Obs(x, y)
			}
		}
	}
	return tracks
}

func lengthStd(series Series) float64 {
	var lengths []float64
	for f := range series {
		if rig.PointValid(series[f][0]) && rig.PointValid(series[f][1]) {
			lengths = append(lengths, series[f][0].Sub(series[f][1]).Norm())
		}
	}
	mean := 0.0
	for _, l := range lengths {
		mean += l
	}
	mean /= float64(len(lengths))
	varSum := 0.0
	for _, l := range lengths {
		varSum += (l - mean) * (l - mean)
	}
	return math.Sqrt(varSum / float64(len(lengths)))
}

func TestTracksFlatten(t *testing.T) {
	tracks := make(Tracks, 1)
	tracks[0] = [][]rig.Observation{
		{rig.Obs(1, 1), rig.Obs(2, 2)},
		{rig.Obs(3, 3), rig.Missing()},
	}
	flat := tracks.Flatten()
	test.That(t, flat.NumPoints(), test.ShouldEqual, 4)
	test.That(t, flat[0][2].Point.X, test.ShouldAlmostEqual, 3)
	test.That(t, flat[0][3].Valid, test.ShouldBeFalse)
}

func TestTriangulateOptimReducesLengthJitter(t *testing.T) {
	logger := golog.NewTestLogger(t)
	g := ringRig(4)
	truth := swingSeries(30)
	rnd := rand.New(rand.NewSource(3))
	tracks := observeSeries(t, g, truth, rnd, 2.0)

	opts := TriangulateOptimOptions{OptimOptions: DefaultOptimOptions()}
	opts.Constraints = [][2]int{{0, 1}}

	refined, err := TriangulateOptim(g, tracks, opts, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, refined, test.ShouldHaveLength, 30)

	// baseline: frame-by-frame triangulation of the same noisy tracks
	base, err := rawTriangulate(g, tracks, 30, 2)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, lengthStd(refined), test.ShouldBeLessThan, lengthStd(base))
}

// rawTriangulate triangulates every frame and joint independently, the
// un-refined baseline.
func rawTriangulate(g *rig.Group, tracks Tracks, nFrames, nJoints int) (Series, error) {
	p3ds, err := triangulate.Points(g, tracks.Flatten(), triangulate.DefaultOptions())
	if err != nil {
		return nil, err
	}
	out := NewSeries(nFrames, nJoints)
	for f := 0; f < nFrames; f++ {
		for j := 0; j < nJoints; j++ {
			out[f][j] = p3ds[f*nJoints+j]
		}
	}
	return out, nil
}

func TestOptimPointsHoldsFixedFrames(t *testing.T) {
	logger := golog.NewTestLogger(t)
	g := ringRig(3)
	truth := swingSeries(25)
	rnd := rand.New(rand.NewSource(4))
	tracks := observeSeries(t, g, truth, rnd, 1.0)

	init, err := rawTriangulate(g, tracks, 25, 2)
	test.That(t, err, test.ShouldBeNil)
	// a spike the median filter would flatten; the held frame must keep it
	init[1][0] = init[1][0].Add(r3.Vector{X: 0.5})

	opts := DefaultOptimOptions()
	opts.NFixed = 3
	refined, err := OptimPoints(g, tracks, init, opts, logger)
	test.That(t, err, test.ShouldBeNil)

	// held frames keep their gap-interpolated initial positions untouched
	// by the smoothing used for the motion scale estimate
	intp := interpolatedInit(init, 25, 2)
	med := medianFiltered(intp, 25, 2)
	test.That(t, math.Abs(intp[1][0].X-med[1][0].X), test.ShouldBeGreaterThan, 1e-3)
	for f := 0; f < 3; f++ {
		for j := 0; j < 2; j++ {
			test.That(t, refined[f][j].X, test.ShouldAlmostEqual, intp[f][j].X, 1e-9)
			test.That(t, refined[f][j].Y, test.ShouldAlmostEqual, intp[f][j].Y, 1e-9)
		}
	}
}

func TestTriangulateOptimSparseFallback(t *testing.T) {
	logger := golog.NewTestLogger(t)
	g := ringRig(3)
	truth := swingSeries(4)
	tracks := observeSeries(t, g, truth, nil, 0)
	// knock out most observations so almost nothing triangulates
	for c := range tracks {
		for f := 1; f < 4; f++ {
			for j := range tracks[c][f] {
				tracks[c][f][j] = rig.Missing()
			}
		}
	}

	out, err := TriangulateOptim(g, tracks, TriangulateOptimOptions{OptimOptions: DefaultOptimOptions()}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rig.PointValid(out[0][0]), test.ShouldBeTrue)
	test.That(t, rig.PointValid(out[2][1]), test.ShouldBeFalse)
}

func TestDefaultSmooth(t *testing.T) {
	med := Series{
		{{X: 0}, {X: 1}},
		{{X: 0.5}, {X: 1.5}},
	}
	// mean absolute per-coordinate step is 0.5/3
	test.That(t, defaultSmooth(med), test.ShouldAlmostEqual, 6, 1e-9)

	test.That(t, defaultSmooth(Series{{{X: 1}}}), test.ShouldAlmostEqual, 1)
}
