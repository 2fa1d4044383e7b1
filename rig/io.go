package rig

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/openmocap/rigcal/camera"
)

// Dump writes the group to a TOML calibration file: one [cam_N] table per
// camera in index order, then a [metadata] table. Load of the produced file
// reproduces numerically identical camera state.
func (g *Group) Dump(path string) (err error) {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "error creating calibration file")
	}
	defer goutils.UncheckedErrorFunc(f.Close)

	enc := toml.NewEncoder(f)
	for i, cam := range g.Cameras {
		key := fmt.Sprintf("cam_%d", i)
		if err := enc.Encode(map[string]camera.Record{key: cam.ToRecord()}); err != nil {
			return errors.Wrapf(err, "error encoding camera %q", cam.Name)
		}
	}
	meta := g.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	if err := enc.Encode(map[string]map[string]any{"metadata": meta}); err != nil {
		return errors.Wrap(err, "error encoding metadata")
	}
	return nil
}

// Load reads a group from a TOML calibration file written by Dump. Camera
// tables are ordered by their numeric cam_N suffix where present, falling
// back to lexical order.
func Load(path string) (*Group, error) {
	raw := map[string]toml.Primitive{}
	md, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, errors.Wrap(err, "error reading calibration file")
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		if k != "metadata" {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		ni, iok := camKeyIndex(keys[i])
		nj, jok := camKeyIndex(keys[j])
		if iok && jok {
			return ni < nj
		}
		return keys[i] < keys[j]
	})

	group := NewGroup()
	for _, k := range keys {
		var rec camera.Record
		if err := md.PrimitiveDecode(raw[k], &rec); err != nil {
			return nil, errors.Wrapf(err, "error decoding camera table %q", k)
		}
		cam, err := camera.FromRecord(rec)
		if err != nil {
			return nil, err
		}
		group.Cameras = append(group.Cameras, cam)
	}
	if len(group.Cameras) == 0 {
		return nil, errors.Errorf("no camera tables in %q", path)
	}
	if prim, ok := raw["metadata"]; ok {
		meta := map[string]any{}
		if err := md.PrimitiveDecode(prim, &meta); err != nil {
			return nil, errors.Wrap(err, "error decoding metadata table")
		}
		group.Metadata = meta
	}
	return group, nil
}

// FromRecords builds a group from persisted camera records in order.
func FromRecords(recs []camera.Record) (*Group, error) {
	group := NewGroup()
	for _, rec := range recs {
		cam, err := camera.FromRecord(rec)
		if err != nil {
			return nil, err
		}
		group.Cameras = append(group.Cameras, cam)
	}
	return group, nil
}

// ToRecords converts every camera to its persisted form, in index order.
func (g *Group) ToRecords() []camera.Record {
	out := make([]camera.Record, len(g.Cameras))
	for i, cam := range g.Cameras {
		out[i] = cam.ToRecord()
	}
	return out
}

func camKeyIndex(key string) (int, bool) {
	rest, ok := strings.CutPrefix(key, "cam_")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}
