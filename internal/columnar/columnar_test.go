package columnar

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/EPajares/goat-sub003/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
)

func point(x, y float64) *geom.Point {
	return geom.NewPointFlat(geom.XY, []float64{x, y})
}

var citySchema = models.Schema{
	{Name: "name", Type: models.TypeText},
	{Name: "population", Type: models.TypeInteger},
	{Name: "geom", Type: models.TypeGeometry},
}

func cityRows() []models.Row {
	return []models.Row{
		{"name": "A", "population": int64(10), "geom": point(0, 0)},
		{"name": "B", "population": int64(20), "geom": point(5, 5)},
		{"name": "C", "population": nil, "geom": point(100, 100)},
	}
}

func TestEncodeDecode(t *testing.T) {
	var w Writer
	f, err := w.Encode(citySchema, models.GeometryPoint, cityRows())
	require.NoError(t, err)
	require.Equal(t, int64(3), f.RowCount)
	require.Equal(t, models.NewBBox(0, 0, 100, 100), f.BBox)
	require.Equal(t, Checksum(f.Bytes), f.Checksum)

	var r Reader
	rows, err := r.Decode(f.Bytes, DecodeOptions{Checksum: f.Checksum, VerifyChecksum: true})
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, "A", rows[0]["name"])
	assert.Equal(t, int64(10), rows[0]["population"])
	assert.Nil(t, rows[2]["population"])
	g, ok := rows[1]["geom"].(*geom.Point)
	require.True(t, ok)
	assert.Equal(t, []float64{5, 5}, g.FlatCoords())
}

func TestDecode_SpatialFilterProjectionLimit(t *testing.T) {
	var w Writer
	f, err := w.Encode(citySchema, models.GeometryPoint, cityRows())
	require.NoError(t, err)

	var r Reader

	t.Run("bbox keeps intersecting rows", func(t *testing.T) {
		rows, err := r.Decode(f.Bytes, DecodeOptions{BBox: models.NewBBox(-1, -1, 10, 10)})
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "A", rows[0]["name"])
		assert.Equal(t, "B", rows[1]["name"])
	})

	t.Run("projection drops other columns", func(t *testing.T) {
		rows, err := r.Decode(f.Bytes, DecodeOptions{
			Columns: []string{"name"},
			BBox:    models.NewBBox(99, 99, 101, 101),
		})
		require.NoError(t, err)
		require.Equal(t, []models.Row{{"name": "C"}}, rows)
	})

	t.Run("limit stops early", func(t *testing.T) {
		rows, err := r.Decode(f.Bytes, DecodeOptions{Limit: 1})
		require.NoError(t, err)
		require.Len(t, rows, 1)
	})

	t.Run("unknown column", func(t *testing.T) {
		_, err := r.Decode(f.Bytes, DecodeOptions{Columns: []string{"area"}})
		require.ErrorIs(t, err, models.ErrSchemaMismatch)
	})

	t.Run("empty result is not nil", func(t *testing.T) {
		rows, err := r.Decode(f.Bytes, DecodeOptions{BBox: models.NewBBox(500, 500, 600, 600)})
		require.NoError(t, err)
		require.NotNil(t, rows)
		require.Empty(t, rows)
	})
}

func TestEncode_AllTypes(t *testing.T) {
	schema := models.Schema{
		{Name: "i", Type: models.TypeInteger},
		{Name: "f", Type: models.TypeFloat},
		{Name: "s", Type: models.TypeText},
		{Name: "b", Type: models.TypeBoolean},
		{Name: "ts", Type: models.TypeTimestamp},
		{Name: "ia", Type: models.TypeIntArray},
		{Name: "fa", Type: models.TypeFloatArray},
		{Name: "sa", Type: models.TypeTextArray},
		{Name: "j", Type: models.TypeJSON},
	}
	ts := time.Date(2024, 5, 1, 12, 30, 0, 123456000, time.UTC)
	in := []models.Row{
		{
			"i": 1, "f": 2.5, "s": "x", "b": true, "ts": ts,
			"ia": []int64{1, 2, 3}, "fa": []float64{0.5}, "sa": []string{"a", "b"},
			"j": map[string]any{"k": "v"},
		},
		{"i": nil, "ia": []int64{}, "fa": []any{}, "sa": nil},
	}

	var w Writer
	f, err := w.Encode(schema, models.GeometryNone, in)
	require.NoError(t, err)
	require.Nil(t, f.BBox)

	var r Reader
	rows, err := r.Decode(f.Bytes, DecodeOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	got := rows[0]
	assert.Equal(t, int64(1), got["i"])
	assert.Equal(t, 2.5, got["f"])
	assert.Equal(t, "x", got["s"])
	assert.Equal(t, true, got["b"])
	assert.Equal(t, ts, got["ts"])
	assert.Equal(t, []int64{1, 2, 3}, got["ia"])
	assert.Equal(t, []float64{0.5}, got["fa"])
	assert.Equal(t, []string{"a", "b"}, got["sa"])
	assert.JSONEq(t, `{"k":"v"}`, string(got["j"].(json.RawMessage)))

	assert.Nil(t, rows[1]["i"])
	assert.Equal(t, []int64{}, rows[1]["ia"])
	assert.Equal(t, []float64{}, rows[1]["fa"])
	assert.Nil(t, rows[1]["sa"])
}

func TestEncode_RejectsBadRows(t *testing.T) {
	var w Writer

	_, err := w.Encode(citySchema, models.GeometryPoint, []models.Row{{"area": 1}})
	require.ErrorIs(t, err, models.ErrSchemaMismatch)

	_, err = w.Encode(citySchema, models.GeometryPoint, []models.Row{{"population": "lots"}})
	require.ErrorIs(t, err, models.ErrSchemaMismatch)

	line := geom.NewLineStringFlat(geom.XY, []float64{0, 0, 1, 1})
	_, err = w.Encode(citySchema, models.GeometryPoint, []models.Row{{"geom": line}})
	require.ErrorIs(t, err, models.ErrSchemaMismatch)
}

func TestDecode_ChecksumMismatch(t *testing.T) {
	var w Writer
	f, err := w.Encode(citySchema, models.GeometryPoint, cityRows())
	require.NoError(t, err)

	var r Reader
	_, err = r.Decode(f.Bytes, DecodeOptions{Checksum: f.Checksum + 1, VerifyChecksum: true})
	require.ErrorIs(t, err, ErrChecksumMismatch)

	_, err = r.Decode([]byte("not parquet"), DecodeOptions{})
	require.ErrorIs(t, err, ErrCorruptFile)
}

func TestReadMetadata(t *testing.T) {
	w := Writer{RowGroupSize: 1}
	f, err := w.Encode(citySchema, models.GeometryPoint, cityRows())
	require.NoError(t, err)

	md, err := ReadMetadata(f.Bytes)
	require.NoError(t, err)
	require.Equal(t, citySchema, md.Schema)
	require.Equal(t, models.GeometryPoint, md.GeometryType)
	require.Equal(t, int64(3), md.RowCount)
	require.Equal(t, f.BBox, md.BBox)

	// Rows spread over several row groups decode in order.
	var r Reader
	rows, err := r.Decode(f.Bytes, DecodeOptions{Columns: []string{"name"}})
	require.NoError(t, err)
	require.Equal(t, []models.Row{{"name": "A"}, {"name": "B"}, {"name": "C"}}, rows)
}

func TestSplitRows(t *testing.T) {
	var rows []models.Row
	for i := 0; i < 10; i++ {
		// Alternate between two distant clusters.
		x := float64(i)
		if i%2 == 1 {
			x += 100
		}
		rows = append(rows, models.Row{"name": fmt.Sprint(i), "geom": point(x, 0)})
	}

	t.Run("batches respect the limit", func(t *testing.T) {
		batches := SplitRows(rows, "geom", 4, false)
		require.Len(t, batches, 3)
		require.Len(t, batches[0], 4)
		require.Len(t, batches[2], 2)
		require.Equal(t, "0", batches[0][0]["name"])
	})

	t.Run("spatial sort clusters rows", func(t *testing.T) {
		batches := SplitRows(rows, "geom", 5, true)
		require.Len(t, batches, 2)

		var w Writer
		var boxes []*models.BBox
		for _, b := range batches {
			f, err := w.Encode(models.Schema{
				{Name: "name", Type: models.TypeText},
				{Name: "geom", Type: models.TypeGeometry},
			}, models.GeometryPoint, b)
			require.NoError(t, err)
			boxes = append(boxes, f.BBox)
		}
		require.False(t, boxes[0].Intersects(boxes[1]), "clusters end up in separate files")
	})

	t.Run("no rows", func(t *testing.T) {
		require.Empty(t, SplitRows(nil, "geom", 4, true))
	})
}

func TestEncode_EmptyAndNullArrays(t *testing.T) {
	schema := models.Schema{{Name: "tags", Type: models.TypeTextArray}}
	in := []models.Row{
		{"tags": []string{}},
		{"tags": nil},
		{"tags": []string{"a"}},
		{"tags": []string{}},
	}

	var w Writer
	f, err := w.Encode(schema, models.GeometryNone, in)
	require.NoError(t, err)

	var r Reader
	rows, err := r.Decode(f.Bytes, DecodeOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 4)

	require.NotNil(t, rows[0]["tags"])
	assert.Equal(t, []string{}, rows[0]["tags"])
	assert.Nil(t, rows[1]["tags"])
	assert.Equal(t, []string{"a"}, rows[2]["tags"])
	assert.Equal(t, []string{}, rows[3]["tags"])
}
