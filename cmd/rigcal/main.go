// Package main is a command line front end for rig calibration, point
// triangulation and trajectory refinement.
package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	goutils "go.viam.com/utils"

	"github.com/openmocap/rigcal/calib"
	"github.com/openmocap/rigcal/lsq"
	"github.com/openmocap/rigcal/refine"
	"github.com/openmocap/rigcal/rig"
	"github.com/openmocap/rigcal/triangulate"
)

var logger = golog.NewDevelopmentLogger("rigcal")

func main() {
	goutils.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	app := &cli.App{
		Name:  "rigcal",
		Usage: "multi-camera rig calibration and 3D reconstruction",
		Commands: []*cli.Command{
			{
				Name:  "calibrate",
				Usage: "calibrate rig extrinsics from board detections",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "cameras", Required: true, Usage: "input camera TOML file"},
					&cli.StringFlag{Name: "detections", Required: true, Usage: "board detections JSON file"},
					&cli.StringFlag{Name: "out", Required: true, Usage: "output camera TOML file"},
					&cli.IntFlag{Name: "template-points", Required: true, Usage: "number of points on the board template"},
					&cli.BoolFlag{Name: "only-extrinsics", Usage: "freeze intrinsics and distortion"},
				},
				Action: runCalibrate,
			},
			{
				Name:  "triangulate",
				Usage: "triangulate 2D correspondences into 3D points",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "cameras", Required: true, Usage: "camera TOML file"},
					&cli.StringFlag{Name: "points", Required: true, Usage: "2D points JSON file"},
					&cli.StringFlag{Name: "out", Required: true, Usage: "output 3D points JSON file"},
					&cli.BoolFlag{Name: "ransac", Usage: "triangulate best camera subsets instead of all views"},
				},
				Action: runTriangulate,
			},
			{
				Name:  "refine",
				Usage: "reconstruct and refine a 3D trajectory from tracked detections",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "cameras", Required: true, Usage: "camera TOML file"},
					&cli.StringFlag{Name: "tracks", Required: true, Usage: "2D tracks JSON file"},
					&cli.StringFlag{Name: "out", Required: true, Usage: "output trajectory JSON file"},
					&cli.IntSliceFlag{Name: "constraint", Usage: "joint index pair a,b with fixed distance (repeatable)"},
					&cli.Float64Flag{Name: "scale-smooth", Value: 4, Usage: "temporal smoothness weight"},
					&cli.BoolFlag{Name: "ransac", Usage: "initialize with subset-searching triangulation"},
				},
				Action: runRefine,
			},
		},
	}
	return app.RunContext(ctx, args)
}

func runCalibrate(c *cli.Context) error {
	g, err := rig.Load(c.String("cameras"))
	if err != nil {
		return err
	}
	perCamera, err := loadDetections(c.String("detections"), len(g.Cameras))
	if err != nil {
		return err
	}

	opts := calib.DefaultIterOptions()
	opts.OnlyExtrinsics = c.Bool("only-extrinsics")
	errVal, err := calib.CalibrateRows(g, perCamera, c.Int("template-points"), opts, logger)
	if err != nil {
		return err
	}
	logger.Infow("calibration finished", "error", errVal)
	return g.Dump(c.String("out"))
}

func runTriangulate(c *cli.Context) error {
	g, err := rig.Load(c.String("cameras"))
	if err != nil {
		return err
	}
	obs, err := loadTensor(c.String("points"), len(g.Cameras))
	if err != nil {
		return err
	}

	var p3ds []r3.Vector
	if c.Bool("ransac") {
		res, err := triangulate.Ransac(g, obs, triangulate.DefaultPossibleOptions())
		if err != nil {
			return err
		}
		p3ds = res.Points
	} else {
		p3ds, err = triangulate.Points(g, obs, triangulate.DefaultOptions())
		if err != nil {
			return err
		}
	}

	errVal, err := triangulate.AverageError(g, obs, false)
	if err == nil {
		logger.Infow("triangulated", "points", len(p3ds), "error", errVal)
	}
	return writePoints(c.String("out"), p3ds)
}

func runRefine(c *cli.Context) error {
	g, err := rig.Load(c.String("cameras"))
	if err != nil {
		return err
	}
	tracks, err := loadTracks(c.String("tracks"), len(g.Cameras))
	if err != nil {
		return err
	}

	pairs := c.IntSlice("constraint")
	if len(pairs)%2 != 0 {
		return errors.New("constraint flags must come in index pairs")
	}
	opts := refine.TriangulateOptimOptions{OptimOptions: refine.DefaultOptimOptions()}
	opts.ScaleSmooth = c.Float64("scale-smooth")
	opts.ReprojLoss = lsq.LossSoftL1
	opts.InitRansac = c.Bool("ransac")
	for i := 0; i < len(pairs); i += 2 {
		opts.Constraints = append(opts.Constraints, [2]int{pairs[i], pairs[i+1]})
	}

	series, err := refine.TriangulateOptim(g, tracks, opts, logger)
	if err != nil {
		return err
	}
	return writeSeries(c.String("out"), series)
}

// detection wire format

type detectionsFile struct {
	Cameras []struct {
		Rows []struct {
			FrameID      string       `json:"frame_id"`
			IDs          []int        `json:"ids"`
			ImagePoints  [][2]float64 `json:"image_points"`
			ObjectPoints [][3]float64 `json:"object_points"`
			Rvec         *[3]float64  `json:"rvec"`
			Tvec         *[3]float64  `json:"tvec"`
		} `json:"rows"`
	} `json:"cameras"`
}

func loadDetections(path string, nCams int) ([][]calib.Row, error) {
	var file detectionsFile
	if err := readJSON(path, &file); err != nil {
		return nil, err
	}
	if len(file.Cameras) != nCams {
		return nil, errors.Errorf("detections cover %d cameras, rig has %d", len(file.Cameras), nCams)
	}
	out := make([][]calib.Row, nCams)
	for c, cam := range file.Cameras {
		for _, raw := range cam.Rows {
			row := calib.Row{
				FrameID: raw.FrameID,
				IDs:     raw.IDs,
			}
			for _, p := range raw.ImagePoints {
				row.ImagePoints = append(row.ImagePoints, r2.Point{X: p[0], Y: p[1]})
			}
			for _, p := range raw.ObjectPoints {
				row.ObjectPoints = append(row.ObjectPoints, r3.Vector{X: p[0], Y: p[1], Z: p[2]})
			}
			if raw.Rvec != nil && raw.Tvec != nil {
				row.Rvec = r3.Vector{X: raw.Rvec[0], Y: raw.Rvec[1], Z: raw.Rvec[2]}
				row.Tvec = r3.Vector{X: raw.Tvec[0], Y: raw.Tvec[1], Z: raw.Tvec[2]}
				row.PoseValid = true
			}
			out[c] = append(out[c], row)
		}
	}
	return out, nil
}

// loadTensor reads 2D points as cams x points arrays of [x,y], null for a
// missing detection.
func loadTensor(path string, nCams int) (rig.Tensor, error) {
	var raw [][]*[2]float64
	if err := readJSON(path, &raw); err != nil {
		return nil, err
	}
	if len(raw) != nCams {
		return nil, errors.Errorf("points cover %d cameras, rig has %d", len(raw), nCams)
	}
	nPoints := 0
	if len(raw) > 0 {
		nPoints = len(raw[0])
	}
	obs := rig.NewTensor(nCams, nPoints)
	for c := range raw {
		if len(raw[c]) != nPoints {
			return nil, errors.New("cameras disagree on point count")
		}
		for p, v := range raw[c] {
			if v != nil {
				obs[c][p] = rig.Obs(v[0], v[1])
			}
		}
	}
	return obs, nil
}

// loadTracks reads tracked 2D detections as cams x frames x joints arrays of
// [x,y], null for a missing detection.
func loadTracks(path string, nCams int) (refine.Tracks, error) {
	var raw [][][]*[2]float64
	if err := readJSON(path, &raw); err != nil {
		return nil, err
	}
	if len(raw) != nCams {
		return nil, errors.Errorf("tracks cover %d cameras, rig has %d", len(raw), nCams)
	}
	out := make(refine.Tracks, nCams)
	for c := range raw {
		out[c] = make([][]rig.Observation, len(raw[c]))
		for f := range raw[c] {
			out[c][f] = make([]rig.Observation, len(raw[c][f]))
			for j, v := range raw[c][f] {
				if v != nil {
					out[c][f][j] = rig.Obs(v[0], v[1])
				}
			}
		}
	}
	return out, nil
}

func writePoints(path string, p3ds []r3.Vector) error {
	out := make([]*[3]float64, len(p3ds))
	for i, p := range p3ds {
		if rig.PointValid(p) {
			out[i] = &[3]float64{p.X, p.Y, p.Z}
		}
	}
	return writeJSON(path, out)
}

func writeSeries(path string, series refine.Series) error {
	out := make([][]*[3]float64, len(series))
	for f := range series {
		out[f] = make([]*[3]float64, len(series[f]))
		for j, p := range series[f] {
			if rig.PointValid(p) {
				out[f][j] = &[3]float64{p.X, p.Y, p.Z}
			}
		}
	}
	return writeJSON(path, out)
}

func readJSON(path string, dst any) error {
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return errors.Wrapf(json.Unmarshal(data, dst), "parsing %s", path)
}

func writeJSON(path string, src any) error {
	data, err := json.MarshalIndent(src, "", "  ")
	if err != nil {
		return err
	}
	//nolint:gosec
	return os.WriteFile(path, data, 0o644)
}
