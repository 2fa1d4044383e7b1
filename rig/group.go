package rig

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/openmocap/rigcal/camera"
)

// Group is an ordered sequence of cameras plus free-form metadata. The camera
// index is the canonical camera id: every (camera x point) tensor handed to a
// Group must have its leading dimension in the same order.
//
// A Group handed to a solver must not be mutated concurrently by another
// caller; camera parameters are updated in place during a solve.
type Group struct {
	Cameras  []*camera.Camera
	Metadata map[string]any
}

// NewGroup creates a group from the given cameras.
func NewGroup(cams ...*camera.Camera) *Group {
	return &Group{Cameras: cams, Metadata: map[string]any{}}
}

// NewGroupFromNames creates a group of default cameras with the given names,
// fisheye or pinhole.
func NewGroupFromNames(names []string, fisheye bool) *Group {
	cams := make([]*camera.Camera, len(names))
	for i, name := range names {
		if fisheye {
			cams[i] = camera.NewFisheye(name)
		} else {
			cams[i] = camera.New(name)
		}
	}
	return NewGroup(cams...)
}

// CheckValid validates every camera in the group, reporting all failures.
func (g *Group) CheckValid() error {
	if g == nil || len(g.Cameras) == 0 {
		return errors.New("camera group is empty")
	}
	var err error
	for _, cam := range g.Cameras {
		err = multierr.Append(err, cam.CheckValid())
	}
	return err
}

// CheckShape verifies that the leading dimension of a tensor matches the
// camera count. Shape violations are fatal, never silently corrected.
func (g *Group) CheckShape(nCams int) error {
	if nCams != len(g.Cameras) {
		return errors.Errorf("invalid points shape: first dim should equal number of cameras (%d), got %d",
			len(g.Cameras), nCams)
	}
	return nil
}

// Names returns the camera names in index order.
func (g *Group) Names() []string {
	out := make([]string, len(g.Cameras))
	for i, cam := range g.Cameras {
		out[i] = cam.Name
	}
	return out
}

// Copy returns a deep copy sharing no mutable state with the original.
func (g *Group) Copy() *Group {
	cams := make([]*camera.Camera, len(g.Cameras))
	for i, cam := range g.Cameras {
		cams[i] = cam.Copy()
	}
	meta := make(map[string]any, len(g.Metadata))
	for k, v := range g.Metadata {
		meta[k] = v
	}
	return &Group{Cameras: cams, Metadata: meta}
}

// Subset extracts the cameras at the given indices as an independent group.
// The subset deep-copies camera state and metadata to avoid aliasing with the
// parent.
func (g *Group) Subset(indices []int) (*Group, error) {
	cams := make([]*camera.Camera, len(indices))
	for i, ix := range indices {
		if ix < 0 || ix >= len(g.Cameras) {
			return nil, errors.Errorf("camera index %d out of range [0, %d)", ix, len(g.Cameras))
		}
		cams[i] = g.Cameras[ix].Copy()
	}
	meta := make(map[string]any, len(g.Metadata))
	for k, v := range g.Metadata {
		meta[k] = v
	}
	return &Group{Cameras: cams, Metadata: meta}, nil
}

// SubsetByNames extracts the named cameras as an independent deep-copied
// group, preserving the order of names.
func (g *Group) SubsetByNames(names []string) (*Group, error) {
	byName := make(map[string]int, len(g.Cameras))
	for i, cam := range g.Cameras {
		byName[cam.Name] = i
	}
	indices := make([]int, len(names))
	for i, name := range names {
		ix, ok := byName[name]
		if !ok {
			return nil, errors.Errorf("name %q not part of camera names %v", name, g.Names())
		}
		indices[i] = ix
	}
	return g.Subset(indices)
}

// Rotations returns the per-camera axis-angle rotations in index order.
func (g *Group) Rotations() []r3.Vector {
	out := make([]r3.Vector, len(g.Cameras))
	for i, cam := range g.Cameras {
		out[i] = cam.Rvec
	}
	return out
}

// Translations returns the per-camera translations in index order.
func (g *Group) Translations() []r3.Vector {
	out := make([]r3.Vector, len(g.Cameras))
	for i, cam := range g.Cameras {
		out[i] = cam.Tvec
	}
	return out
}

// SetRotations sets each camera's rotation from the given slice.
func (g *Group) SetRotations(rvecs []r3.Vector) error {
	if len(rvecs) != len(g.Cameras) {
		return errors.Errorf("got %d rotations for %d cameras", len(rvecs), len(g.Cameras))
	}
	for i, cam := range g.Cameras {
		cam.Rvec = rvecs[i]
	}
	return nil
}

// SetTranslations sets each camera's translation from the given slice.
func (g *Group) SetTranslations(tvecs []r3.Vector) error {
	if len(tvecs) != len(g.Cameras) {
		return errors.Errorf("got %d translations for %d cameras", len(tvecs), len(g.Cameras))
	}
	for i, cam := range g.Cameras {
		cam.Tvec = tvecs[i]
	}
	return nil
}

// Resize scales every camera in the group by the given factor.
func (g *Group) Resize(scale float64) {
	for _, cam := range g.Cameras {
		cam.Resize(scale)
	}
}

// Project projects world points through every camera, returning a
// (camera x point) grid of pixel coordinates.
func (g *Group) Project(p3ds []r3.Vector) ([][]r2.Point, error) {
	out := make([][]r2.Point, len(g.Cameras))
	for i, cam := range g.Cameras {
		proj, err := cam.Project(p3ds)
		if err != nil {
			return nil, err
		}
		out[i] = proj
	}
	return out, nil
}

// ReprojectionError computes observed minus projected for every camera and
// point. Entries where the observation is missing, or where the 3D point is
// missing, are NaN in both coordinates.
func (g *Group) ReprojectionError(p3ds []r3.Vector, obs Tensor) ([][]r2.Point, error) {
	if err := g.CheckShape(len(obs)); err != nil {
		return nil, err
	}
	if len(p3ds) != obs.NumPoints() {
		return nil, errors.Errorf("shapes of 2D and 3D points are not consistent: 2D has %d points, 3D has %d",
			obs.NumPoints(), len(p3ds))
	}
	proj, err := g.Project(p3ds)
	if err != nil {
		return nil, err
	}
	nan := math.NaN()
	out := make([][]r2.Point, len(g.Cameras))
	for c := range g.Cameras {
		out[c] = make([]r2.Point, len(p3ds))
		for j := range p3ds {
			if !obs[c][j].Valid || !PointValid(p3ds[j]) {
				out[c][j] = r2.Point{X: nan, Y: nan}
				continue
			}
			out[c][j] = obs[c][j].Point.Sub(proj[c][j])
		}
	}
	return out, nil
}

// MeanReprojectionError collapses the per-camera errors for each point into
// the mean Euclidean norm over the cameras that observed it. Points seen by
// fewer than 2 cameras score NaN, since their error cannot be attributed
// reliably.
func (g *Group) MeanReprojectionError(p3ds []r3.Vector, obs Tensor) ([]float64, error) {
	full, err := g.ReprojectionError(p3ds, obs)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(p3ds))
	for j := range p3ds {
		var sum float64
		var n int
		for c := range full {
			e := full[c][j]
			if math.IsNaN(e.X) {
				continue
			}
			sum += e.Norm()
			n++
		}
		if n < 2 {
			out[j] = math.NaN()
			continue
		}
		out[j] = sum / float64(n)
	}
	return out, nil
}
