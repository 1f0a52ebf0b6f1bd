package mapdata

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// The map host serves subdivision layers as TopoJSON.  Everything past
// the fetch works on orb feature collections, so the topology is expanded
// here: arcs are delta-decoded, the quantization transform is applied and
// every object is flattened into features.

type topology struct {
	Type      string                  `json:"type"`
	Transform *topoTransform          `json:"transform"`
	Arcs      [][][]float64           `json:"arcs"`
	Objects   map[string]topoGeometry `json:"objects"`
}

type topoTransform struct {
	Scale     [2]float64 `json:"scale"`
	Translate [2]float64 `json:"translate"`
}

type topoGeometry struct {
	Type        string          `json:"type"`
	ID          any             `json:"id,omitempty"`
	Properties  map[string]any  `json:"properties,omitempty"`
	Arcs        json.RawMessage `json:"arcs,omitempty"`
	Coordinates json.RawMessage `json:"coordinates,omitempty"`
	Geometries  []topoGeometry  `json:"geometries,omitempty"`
}

// DecodeTopoJSON converts a Topology document into a FeatureCollection.
// Objects are visited in name order so the output is deterministic.
func DecodeTopoJSON(body []byte) (*geojson.FeatureCollection, error) {
	var topo topology
	if err := json.Unmarshal(body, &topo); err != nil {
		return nil, fmt.Errorf("topojson: %w", err)
	}
	if topo.Type != "Topology" {
		return nil, fmt.Errorf("topojson: unexpected type %q", topo.Type)
	}

	arcs := topo.absoluteArcs()
	fc := geojson.NewFeatureCollection()

	names := make([]string, 0, len(topo.Objects))
	for name := range topo.Objects {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		obj := topo.Objects[name]
		members := []topoGeometry{obj}
		if obj.Type == "GeometryCollection" {
			members = obj.Geometries
		}
		for _, g := range members {
			geom, err := topo.geometry(g, arcs)
			if err != nil {
				return nil, fmt.Errorf("topojson object %q: %w", name, err)
			}
			if geom == nil {
				continue
			}
			f := geojson.NewFeature(geom)
			f.ID = g.ID
			for k, v := range g.Properties {
				f.Properties[k] = v
			}
			fc.Append(f)
		}
	}
	return fc, nil
}

func (t *topology) point(pos []float64) orb.Point {
	if len(pos) < 2 {
		return orb.Point{}
	}
	if t.Transform == nil {
		return orb.Point{pos[0], pos[1]}
	}
	return orb.Point{
		pos[0]*t.Transform.Scale[0] + t.Transform.Translate[0],
		pos[1]*t.Transform.Scale[1] + t.Transform.Translate[1],
	}
}

// absoluteArcs resolves every arc to real coordinates once.  Quantized
// topologies store each position as a delta from the previous one.
func (t *topology) absoluteArcs() [][]orb.Point {
	out := make([][]orb.Point, len(t.Arcs))
	for i, arc := range t.Arcs {
		pts := make([]orb.Point, 0, len(arc))
		var x, y float64
		for _, pos := range arc {
			if len(pos) < 2 {
				continue
			}
			if t.Transform == nil {
				pts = append(pts, orb.Point{pos[0], pos[1]})
				continue
			}
			x += pos[0]
			y += pos[1]
			pts = append(pts, t.point([]float64{x, y}))
		}
		out[i] = pts
	}
	return out
}

// stitch joins arcs into one line.  A negative index ~i means arc i
// reversed; consecutive arcs share their junction point, so it is kept once.
func stitch(indices []int, arcs [][]orb.Point) ([]orb.Point, error) {
	var line []orb.Point
	for k, idx := range indices {
		reverse := idx < 0
		if reverse {
			idx = ^idx
		}
		if idx >= len(arcs) {
			return nil, fmt.Errorf("arc index %d out of range (%d arcs)", idx, len(arcs))
		}
		src := arcs[idx]
		pts := make([]orb.Point, len(src))
		copy(pts, src)
		if reverse {
			for i, j := 0, len(pts)-1; i < j; i, j = i+1, j-1 {
				pts[i], pts[j] = pts[j], pts[i]
			}
		}
		if k > 0 && len(pts) > 0 {
			pts = pts[1:]
		}
		line = append(line, pts...)
	}
	return line, nil
}

func stitchRings(rings [][]int, arcs [][]orb.Point) (orb.Polygon, error) {
	poly := make(orb.Polygon, 0, len(rings))
	for _, ring := range rings {
		pts, err := stitch(ring, arcs)
		if err != nil {
			return nil, err
		}
		poly = append(poly, orb.Ring(pts))
	}
	return poly, nil
}

func (t *topology) geometry(g topoGeometry, arcs [][]orb.Point) (orb.Geometry, error) {
	switch g.Type {
	case "", "null":
		return nil, nil

	case "Point":
		var pos []float64
		if err := json.Unmarshal(g.Coordinates, &pos); err != nil {
			return nil, fmt.Errorf("point coordinates: %w", err)
		}
		return t.point(pos), nil

	case "MultiPoint":
		var pos [][]float64
		if err := json.Unmarshal(g.Coordinates, &pos); err != nil {
			return nil, fmt.Errorf("multipoint coordinates: %w", err)
		}
		mp := make(orb.MultiPoint, 0, len(pos))
		for _, p := range pos {
			mp = append(mp, t.point(p))
		}
		return mp, nil

	case "LineString":
		var idx []int
		if err := json.Unmarshal(g.Arcs, &idx); err != nil {
			return nil, fmt.Errorf("linestring arcs: %w", err)
		}
		pts, err := stitch(idx, arcs)
		if err != nil {
			return nil, err
		}
		return orb.LineString(pts), nil

	case "MultiLineString":
		var idx [][]int
		if err := json.Unmarshal(g.Arcs, &idx); err != nil {
			return nil, fmt.Errorf("multilinestring arcs: %w", err)
		}
		mls := make(orb.MultiLineString, 0, len(idx))
		for _, line := range idx {
			pts, err := stitch(line, arcs)
			if err != nil {
				return nil, err
			}
			mls = append(mls, orb.LineString(pts))
		}
		return mls, nil

	case "Polygon":
		var idx [][]int
		if err := json.Unmarshal(g.Arcs, &idx); err != nil {
			return nil, fmt.Errorf("polygon arcs: %w", err)
		}
		return stitchRings(idx, arcs)

	case "MultiPolygon":
		var idx [][][]int
		if err := json.Unmarshal(g.Arcs, &idx); err != nil {
			return nil, fmt.Errorf("multipolygon arcs: %w", err)
		}
		mp := make(orb.MultiPolygon, 0, len(idx))
		for _, rings := range idx {
			poly, err := stitchRings(rings, arcs)
			if err != nil {
				return nil, err
			}
			mp = append(mp, poly)
		}
		return mp, nil

	case "GeometryCollection":
		coll := make(orb.Collection, 0, len(g.Geometries))
		for _, member := range g.Geometries {
			geom, err := t.geometry(member, arcs)
			if err != nil {
				return nil, err
			}
			if geom != nil {
				coll = append(coll, geom)
			}
		}
		return coll, nil

	default:
		return nil, fmt.Errorf("unsupported geometry type %q", g.Type)
	}
}
