package spatial

import (
	"testing"

	"github.com/EPajares/goat-sub003/internal/models"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
)

func square(minX, minY, maxX, maxY float64) *geom.Polygon {
	return geom.NewPolygonFlat(geom.XY, []float64{
		minX, minY, maxX, minY, maxX, maxY, minX, maxY, minX, minY,
	}, []int{10})
}

func TestIntersects(t *testing.T) {
	box := models.NewBBox(0, 0, 10, 10)

	donut := geom.NewPolygonFlat(geom.XY, []float64{
		-50, -50, 50, -50, 50, 50, -50, 50, -50, -50,
		-20, -20, 20, -20, 20, 20, -20, 20, -20, -20,
	}, []int{10, 20})

	tests := []struct {
		name string
		g    geom.T
		want bool
	}{
		{name: "point inside", g: geom.NewPointFlat(geom.XY, []float64{5, 5}), want: true},
		{name: "point on edge", g: geom.NewPointFlat(geom.XY, []float64{10, 3}), want: true},
		{name: "point outside", g: geom.NewPointFlat(geom.XY, []float64{100, 100}), want: false},
		{name: "line crossing box", g: geom.NewLineStringFlat(geom.XY, []float64{-5, 5, 15, 5}), want: true},
		{name: "line passing by corner", g: geom.NewLineStringFlat(geom.XY, []float64{-5, 12, 12, 30}), want: false},
		{name: "diagonal line with overlapping bbox but no contact", g: geom.NewLineStringFlat(geom.XY, []float64{11, -1, 20, 8}), want: false},
		{name: "polygon containing box", g: square(-100, -100, 100, 100), want: true},
		{name: "polygon inside box", g: square(2, 2, 3, 3), want: true},
		{name: "polygon overlapping edge", g: square(8, 8, 20, 20), want: true},
		{name: "disjoint polygon", g: square(20, 20, 30, 30), want: false},
		{name: "box inside polygon hole", g: donut, want: false},
		{
			name: "multipoint with one hit",
			g:    geom.NewMultiPointFlat(geom.XY, []float64{100, 100, 1, 1}),
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Intersects(tt.g, box))
		})
	}

	require.False(t, Intersects(nil, box))
	require.False(t, Intersects(geom.NewPointFlat(geom.XY, []float64{1, 1}), nil))
}

func TestBBoxOf(t *testing.T) {
	line := geom.NewLineStringFlat(geom.XY, []float64{3, 4, -1, 10})
	require.Equal(t, models.NewBBox(-1, 4, 3, 10), BBoxOf(line))
	require.Nil(t, BBoxOf(nil))
	require.Nil(t, BBoxOf(geom.NewPointEmpty(geom.XY)))
}

func TestWKBRoundTrip(t *testing.T) {
	p := square(0, 0, 1, 1)
	b, err := EncodeWKB(p)
	require.NoError(t, err)

	g, err := DecodeWKB(b)
	require.NoError(t, err)
	require.Equal(t, p.FlatCoords(), g.FlatCoords())

	_, err = DecodeWKB([]byte{0x01, 0x02})
	require.Error(t, err)
}

func TestDecodeFeatureCollection(t *testing.T) {
	data := []byte(`{
		"type": "FeatureCollection",
		"features": [
			{"type": "Feature", "geometry": {"type": "Point", "coordinates": [1, 2]}, "properties": {"name": "A"}},
			{"type": "Feature", "geometry": {"type": "Point", "coordinates": [3, 4]}, "properties": {"name": "B"}}
		]
	}`)

	features, err := DecodeFeatureCollection(data)
	require.NoError(t, err)
	require.Len(t, features, 2)
	require.Equal(t, "A", features[0].Properties["name"])

	gt, ok := GeometryTypeOf(features[1].Geometry)
	require.True(t, ok)
	require.Equal(t, models.GeometryPoint, gt)
}

func TestSortKey(t *testing.T) {
	near1 := SortKey(models.NewBBox(13.40, 52.52, 13.41, 52.53))
	near2 := SortKey(models.NewBBox(13.41, 52.52, 13.42, 52.53))
	far := SortKey(models.NewBBox(-73.9, 40.7, -73.8, 40.8))

	require.Equal(t, near1[:4], near2[:4])
	require.NotEqual(t, near1[:2], far[:2])
	require.Equal(t, "~", SortKey(nil))

	// Projected coordinates are clamped instead of failing.
	require.NotEmpty(t, SortKey(models.NewBBox(500000, 5000000, 500010, 5000010)))
}
