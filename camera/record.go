package camera

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// Record is the persisted form of a camera, matching the on-disk calibration
// file layout: a 3x3 intrinsic matrix, the distortion coefficient list, and
// the axis-angle pose. Round-tripping through Record reproduces the camera
// state exactly.
type Record struct {
	Name        string      `toml:"name" json:"name"`
	Size        [2]int      `toml:"size" json:"size"`
	Matrix      [][]float64 `toml:"matrix" json:"matrix"`
	Distortions []float64   `toml:"distortions" json:"distortions"`
	Rotation    [3]float64  `toml:"rotation" json:"rotation"`
	Translation [3]float64  `toml:"translation" json:"translation"`
	Fisheye     bool        `toml:"fisheye,omitempty" json:"fisheye,omitempty"`
}

// ToRecord converts the camera to its persisted form.
func (c *Camera) ToRecord() Record {
	in := c.Intrinsics
	dist := make([]float64, len(c.Dist))
	copy(dist, c.Dist)
	return Record{
		Name: c.Name,
		Size: [2]int{c.Width, c.Height},
		Matrix: [][]float64{
			{in.Fx, in.Skew, in.Cx},
			{0, in.Fy, in.Cy},
			{0, 0, 1},
		},
		Distortions: dist,
		Rotation:    [3]float64{c.Rvec.X, c.Rvec.Y, c.Rvec.Z},
		Translation: [3]float64{c.Tvec.X, c.Tvec.Y, c.Tvec.Z},
		Fisheye:     c.Model == KannalaBrandtModel,
	}
}

// FromRecord builds a camera from its persisted form.
func FromRecord(rec Record) (*Camera, error) {
	if len(rec.Matrix) != 3 {
		return nil, errors.Errorf("camera %q: matrix must be 3x3, got %d rows", rec.Name, len(rec.Matrix))
	}
	for i, row := range rec.Matrix {
		if len(row) != 3 {
			return nil, errors.Errorf("camera %q: matrix row %d has %d entries, want 3", rec.Name, i, len(row))
		}
	}
	model := BrownConradyModel
	if rec.Fisheye {
		model = KannalaBrandtModel
	}
	dist := make([]float64, len(rec.Distortions))
	copy(dist, rec.Distortions)
	cam := &Camera{
		Model: model,
		Intrinsics: Intrinsics{
			Fx:   rec.Matrix[0][0],
			Fy:   rec.Matrix[1][1],
			Cx:   rec.Matrix[0][2],
			Cy:   rec.Matrix[1][2],
			Skew: rec.Matrix[0][1],
		},
		Dist:   dist,
		Rvec:   r3.Vector{X: rec.Rotation[0], Y: rec.Rotation[1], Z: rec.Rotation[2]},
		Tvec:   r3.Vector{X: rec.Translation[0], Y: rec.Translation[1], Z: rec.Translation[2]},
		Width:  rec.Size[0],
		Height: rec.Size[1],
		Name:   rec.Name,
	}
	if err := cam.CheckValid(); err != nil {
		return nil, err
	}
	return cam, nil
}
