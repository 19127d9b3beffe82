// Package spatial holds the geometry helpers of the storage engine: bounding
// boxes, the exact geometry/box intersection used for row filtering, WKB and
// GeoJSON conversion, and the spatial sort key used to cluster rows into
// files.
package spatial

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/EPajares/goat-sub003/internal/models"
	"github.com/pierrre/geohash"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/encoding/wkb"
)

// sortKeyPrecision is the geohash length used for clustering. 8 characters
// resolve to roughly 40m cells, finer than any sensible file extent.
const sortKeyPrecision = 8

// BBoxOf returns the bounding box of g, or nil for an empty geometry.
func BBoxOf(g geom.T) *models.BBox {
	if g == nil || g.Empty() {
		return nil
	}
	b := g.Bounds()
	if b.IsEmpty() {
		return nil
	}
	return &models.BBox{MinX: b.Min(0), MinY: b.Min(1), MaxX: b.Max(0), MaxY: b.Max(1)}
}

// Intersects reports whether g shares at least one point with box. It is the
// exact per-row predicate applied after coarse file-level pruning.
func Intersects(g geom.T, box *models.BBox) bool {
	if g == nil || box == nil || g.Empty() {
		return false
	}
	if !box.Intersects(BBoxOf(g)) {
		return false
	}

	switch t := g.(type) {
	case *geom.Point:
		return box.ContainsPoint(t.X(), t.Y())
	case *geom.MultiPoint:
		for i := 0; i < t.NumPoints(); i++ {
			if Intersects(t.Point(i), box) {
				return true
			}
		}
		return false
	case *geom.LineString:
		return lineIntersectsBox(t.FlatCoords(), t.Stride(), box)
	case *geom.MultiLineString:
		for i := 0; i < t.NumLineStrings(); i++ {
			if Intersects(t.LineString(i), box) {
				return true
			}
		}
		return false
	case *geom.Polygon:
		return polygonIntersectsBox(t, box)
	case *geom.MultiPolygon:
		for i := 0; i < t.NumPolygons(); i++ {
			if polygonIntersectsBox(t.Polygon(i), box) {
				return true
			}
		}
		return false
	case *geom.GeometryCollection:
		for _, part := range t.Geoms() {
			if Intersects(part, box) {
				return true
			}
		}
		return false
	}
	// Unknown geometry kinds fall back to the bounding box test above.
	return true
}

func lineIntersectsBox(flat []float64, stride int, box *models.BBox) bool {
	n := len(flat) / stride
	if n == 1 {
		return box.ContainsPoint(flat[0], flat[1])
	}
	for i := 0; i+1 < n; i++ {
		x1, y1 := flat[i*stride], flat[i*stride+1]
		x2, y2 := flat[(i+1)*stride], flat[(i+1)*stride+1]
		if segmentIntersectsBox(x1, y1, x2, y2, box) {
			return true
		}
	}
	return false
}

func polygonIntersectsBox(p *geom.Polygon, box *models.BBox) bool {
	if p.Empty() {
		return false
	}
	// Any ring edge touching the box.
	for i := 0; i < p.NumLinearRings(); i++ {
		r := p.LinearRing(i)
		if lineIntersectsBox(r.FlatCoords(), r.Stride(), box) {
			return true
		}
	}
	// No edge touches the box: either the box lies inside the polygon
	// (test one corner) or they are disjoint.
	return pointInPolygon(box.MinX, box.MinY, p)
}

// pointInPolygon is an even-odd test over all rings, so holes are excluded.
func pointInPolygon(x, y float64, p *geom.Polygon) bool {
	inside := false
	for i := 0; i < p.NumLinearRings(); i++ {
		r := p.LinearRing(i)
		flat, stride := r.FlatCoords(), r.Stride()
		n := len(flat) / stride
		for a, b := 0, n-1; a < n; b, a = a, a+1 {
			xa, ya := flat[a*stride], flat[a*stride+1]
			xb, yb := flat[b*stride], flat[b*stride+1]
			if (ya > y) != (yb > y) && x < (xb-xa)*(y-ya)/(yb-ya)+xa {
				inside = !inside
			}
		}
	}
	return inside
}

// segmentIntersectsBox clips the segment against the box (Liang-Barsky).
func segmentIntersectsBox(x1, y1, x2, y2 float64, box *models.BBox) bool {
	if box.ContainsPoint(x1, y1) || box.ContainsPoint(x2, y2) {
		return true
	}
	dx, dy := x2-x1, y2-y1
	t0, t1 := 0.0, 1.0
	clip := func(p, q float64) bool {
		if p == 0 {
			return q >= 0
		}
		r := q / p
		if p < 0 {
			if r > t1 {
				return false
			}
			if r > t0 {
				t0 = r
			}
		} else {
			if r < t0 {
				return false
			}
			if r < t1 {
				t1 = r
			}
		}
		return true
	}
	return clip(-dx, x1-box.MinX) &&
		clip(dx, box.MaxX-x1) &&
		clip(-dy, y1-box.MinY) &&
		clip(dy, box.MaxY-y1) &&
		t0 <= t1
}

// EncodeWKB serialises g as little-endian WKB.
func EncodeWKB(g geom.T) ([]byte, error) {
	b, err := wkb.Marshal(g, binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("failed to encode geometry: %w", err)
	}
	return b, nil
}

// DecodeWKB parses WKB (either byte order).
func DecodeWKB(b []byte) (geom.T, error) {
	g, err := wkb.Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to decode geometry: %w", err)
	}
	return g, nil
}

// Feature is a decoded GeoJSON feature.
type Feature struct {
	Geometry   geom.T
	Properties map[string]any
}

// DecodeFeatureCollection parses a GeoJSON FeatureCollection.
func DecodeFeatureCollection(data []byte) ([]Feature, error) {
	var fc geojson.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse feature collection: %w", err)
	}
	features := make([]Feature, 0, len(fc.Features))
	for _, f := range fc.Features {
		features = append(features, Feature{Geometry: f.Geometry, Properties: f.Properties})
	}
	return features, nil
}

// GeometryTypeOf maps a geometry onto the dataset geometry type it belongs to.
func GeometryTypeOf(g geom.T) (models.GeometryType, bool) {
	switch g.(type) {
	case *geom.Point, *geom.MultiPoint:
		return models.GeometryPoint, true
	case *geom.LineString, *geom.MultiLineString:
		return models.GeometryLine, true
	case *geom.Polygon, *geom.MultiPolygon:
		return models.GeometryPolygon, true
	}
	return "", false
}

// SortKey returns a geohash of the centre of box. Rows sorted by this key are
// spatially clustered, which keeps per-file bounding boxes small. Coordinates
// outside the geographic range are clamped; ordering then degrades but stays
// deterministic. A nil box sorts last.
func SortKey(box *models.BBox) string {
	if box == nil {
		return "~"
	}
	x, y := box.Center()
	lon := math.Max(-180, math.Min(180, x))
	lat := math.Max(-90, math.Min(90, y))
	return geohash.Encode(lat, lon, sortKeyPrecision)
}
