package rig

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/openmocap/rigcal/camera"
)

func testGroup() *Group {
	g := NewGroupFromNames([]string{"a", "b", "c"}, false)
	for i, cam := range g.Cameras {
		cam.Intrinsics = camera.Intrinsics{Fx: 800, Fy: 800, Cx: 320, Cy: 240}
		cam.Rvec = r3.Vector{Y: 0.2 * float64(i)}
		cam.Tvec = r3.Vector{X: -0.5 * float64(i), Z: 2}
		cam.Width, cam.Height = 640, 480
	}
	return g
}

func TestTensor(t *testing.T) {
	obs := NewTensor(2, 3)
	test.That(t, obs.NumPoints(), test.ShouldEqual, 3)
	for _, cam := range obs {
		for _, o := range cam {
			test.That(t, o.Valid, test.ShouldBeFalse)
		}
	}

	obs[0][0] = Obs(1, 2)
	obs[1][0] = Obs(3, 4)
	obs[0][2] = Obs(5, 6)
	counts := obs.CountValid()
	test.That(t, counts, test.ShouldResemble, []int{2, 0, 1})

	sel := obs.Select([]int{0, 2})
	test.That(t, sel.NumPoints(), test.ShouldEqual, 2)
	test.That(t, sel[0][1].Point.X, test.ShouldAlmostEqual, 5)
	test.That(t, sel[1][1].Valid, test.ShouldBeFalse)
}

func TestMissingPoint(t *testing.T) {
	p := MissingPoint()
	test.That(t, PointValid(p), test.ShouldBeFalse)
	test.That(t, PointValid(r3.Vector{X: 1, Y: 2, Z: 3}), test.ShouldBeTrue)
}

func TestGroupSubset(t *testing.T) {
	g := testGroup()
	sub, err := g.Subset([]int{0, 2})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, sub.Names(), test.ShouldResemble, []string{"a", "c"})

	// subsets are deep copies, metadata included
	sub.Cameras[0].Intrinsics.Fx = 1
	test.That(t, g.Cameras[0].Intrinsics.Fx, test.ShouldAlmostEqual, 800)
	sub.Metadata["session"] = "other"
	_, shared := g.Metadata["session"]
	test.That(t, shared, test.ShouldBeFalse)

	_, err = g.Subset([]int{5})
	test.That(t, err, test.ShouldNotBeNil)

	byName, err := g.SubsetByNames([]string{"b"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, byName.Cameras, test.ShouldHaveLength, 1)

	_, err = g.SubsetByNames([]string{"nope"})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRotationsTranslations(t *testing.T) {
	g := testGroup()
	rvecs := []r3.Vector{{X: 0.1}, {Y: 0.2}, {Z: 0.3}}
	test.That(t, g.SetRotations(rvecs), test.ShouldBeNil)
	test.That(t, g.Rotations(), test.ShouldResemble, rvecs)

	err := g.SetTranslations([]r3.Vector{{}})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestProjectAndError(t *testing.T) {
	g := testGroup()
	p3ds := []r3.Vector{{X: 0.1, Y: 0.1, Z: 1}, {X: -0.2, Y: 0.3, Z: 2}}
	proj, err := g.Project(p3ds)
	test.That(t, err, test.ShouldBeNil)

	obs := NewTensor(3, 2)
	for c := range obs {
		for p := range obs[c] {
			obs[c][p] = Obs(proj[c][p].X, proj[c][p].Y)
		}
	}
	obs[1][1] = Missing()

	errs, err := g.ReprojectionError(p3ds, obs)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, errs[0][0].Norm(), test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, math.IsNaN(errs[1][1].X), test.ShouldBeTrue)

	means, err := g.MeanReprojectionError(p3ds, obs)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, means[0], test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, means[1], test.ShouldAlmostEqual, 0, 1e-9)

	// under two observing cameras the mean error is undefined
	obs[0][1] = Missing()
	obs[2][1] = Missing()
	means, err = g.MeanReprojectionError(p3ds, obs)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, math.IsNaN(means[1]), test.ShouldBeTrue)
}

func TestDumpLoad(t *testing.T) {
	g := testGroup()
	g.Cameras[1].Dist = []float64{0.1, -0.05, 0.001, 0.002, 0.003}
	g.Metadata = map[string]any{"session": "test"}
	path := filepath.Join(t.TempDir(), "cameras.toml")

	test.That(t, g.Dump(path), test.ShouldBeNil)

	loaded, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded.Names(), test.ShouldResemble, g.Names())
	for i, cam := range loaded.Cameras {
		test.That(t, cam.Intrinsics, test.ShouldResemble, g.Cameras[i].Intrinsics)
		test.That(t, cam.Dist, test.ShouldResemble, g.Cameras[i].Dist)
		test.That(t, cam.Rvec, test.ShouldResemble, g.Cameras[i].Rvec)
		test.That(t, cam.Tvec, test.ShouldResemble, g.Cameras[i].Tvec)
	}
}

func TestLoadOrdersNumerically(t *testing.T) {
	// more than ten cameras exposes lexicographic key ordering
	names := make([]string, 12)
	for i := range names {
		names[i] = string(rune('a' + i))
	}
	g := NewGroupFromNames(names, false)
	for _, cam := range g.Cameras {
		cam.Intrinsics = camera.Intrinsics{Fx: 100, Fy: 100}
	}
	path := filepath.Join(t.TempDir(), "cameras.toml")
	test.That(t, g.Dump(path), test.ShouldBeNil)

	loaded, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded.Names(), test.ShouldResemble, names)
}

func TestRecordsRoundTrip(t *testing.T) {
	g := testGroup()
	recs := g.ToRecords()
	g2, err := FromRecords(recs)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, g2.Names(), test.ShouldResemble, g.Names())
}

func TestGroupResize(t *testing.T) {
	g := testGroup()
	g.Resize(2)
	test.That(t, g.Cameras[0].Intrinsics.Fx, test.ShouldAlmostEqual, 1600)
	test.That(t, g.Cameras[0].Width, test.ShouldEqual, 1280)
}
