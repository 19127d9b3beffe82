package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
)

func pointSchema() Schema {
	return Schema{
		{Name: "name", Type: TypeText},
		{Name: "population", Type: TypeInteger},
		{Name: "geom", Type: TypeGeometry},
	}
}

func TestSchema_Validate(t *testing.T) {
	tests := []struct {
		name    string
		schema  Schema
		gt      GeometryType
		wantErr bool
	}{
		{name: "point schema", schema: pointSchema(), gt: GeometryPoint},
		{name: "tabular schema", schema: Schema{{Name: "a", Type: TypeText}}, gt: GeometryNone},
		{name: "empty schema", schema: Schema{}, gt: GeometryNone, wantErr: true},
		{name: "missing geometry column", schema: Schema{{Name: "a", Type: TypeText}}, gt: GeometryPolygon, wantErr: true},
		{name: "geometry on tabular dataset", schema: pointSchema(), gt: GeometryNone, wantErr: true},
		{name: "duplicate column", schema: Schema{{Name: "a", Type: TypeText}, {Name: "a", Type: TypeInteger}}, gt: GeometryNone, wantErr: true},
		{name: "unknown type", schema: Schema{{Name: "a", Type: "money"}}, gt: GeometryNone, wantErr: true},
		{name: "unknown geometry type", schema: pointSchema(), gt: "curve", wantErr: true},
		{
			name: "two geometry columns",
			schema: Schema{
				{Name: "g1", Type: TypeGeometry},
				{Name: "g2", Type: TypeGeometry},
			},
			gt:      GeometryPoint,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.schema.Validate(tt.gt)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrSchemaMismatch)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestSchema_CoerceRow(t *testing.T) {
	s := pointSchema()

	t.Run("coerces to canonical types", func(t *testing.T) {
		row, err := s.CoerceRow(Row{
			"name":       "A",
			"population": int32(10),
			"geom":       geom.NewPointFlat(geom.XY, []float64{1, 2}),
		}, GeometryPoint)
		require.NoError(t, err)
		require.Equal(t, "A", row["name"])
		require.Equal(t, int64(10), row["population"])
		require.IsType(t, &geom.Point{}, row["geom"])
	})

	t.Run("numeric strings are coerced", func(t *testing.T) {
		row, err := s.CoerceRow(Row{"population": "42"}, GeometryPoint)
		require.NoError(t, err)
		require.Equal(t, int64(42), row["population"])
	})

	t.Run("unknown column is rejected", func(t *testing.T) {
		_, err := s.CoerceRow(Row{"area": 1.5}, GeometryPoint)
		require.ErrorIs(t, err, ErrSchemaMismatch)
	})

	t.Run("uncoercible value is rejected", func(t *testing.T) {
		_, err := s.CoerceRow(Row{"population": "many"}, GeometryPoint)
		require.ErrorIs(t, err, ErrSchemaMismatch)
	})

	t.Run("fractional float is not an integer", func(t *testing.T) {
		_, err := s.CoerceRow(Row{"population": 1.5}, GeometryPoint)
		require.ErrorIs(t, err, ErrSchemaMismatch)
	})

	t.Run("wrong geometry kind is rejected", func(t *testing.T) {
		line := geom.NewLineStringFlat(geom.XY, []float64{0, 0, 1, 1})
		_, err := s.CoerceRow(Row{"geom": line}, GeometryPoint)
		require.ErrorIs(t, err, ErrSchemaMismatch)
	})

	t.Run("missing columns are null", func(t *testing.T) {
		row, err := s.CoerceRow(Row{"name": "B"}, GeometryPoint)
		require.NoError(t, err)
		require.Nil(t, row["population"])
		require.Nil(t, row["geom"])
	})
}

func TestCoerceValue(t *testing.T) {
	ts, err := CoerceValue(TypeTimestamp, "2024-03-01T10:00:00Z")
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), ts)

	arr, err := CoerceValue(TypeIntArray, []any{int32(1), int64(2), "3"})
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, arr)

	_, err = CoerceValue(TypeFloatArray, []any{1.0, nil})
	require.Error(t, err)

	empty, err := CoerceValue(TypeTextArray, []string{})
	require.NoError(t, err)
	require.NotNil(t, empty)
	require.Equal(t, []string{}, empty)

	j, err := CoerceValue(TypeJSON, map[string]any{"a": 1})
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(j.(json.RawMessage)))

	j, err = CoerceValue(TypeJSON, "plain text")
	require.NoError(t, err)
	require.Equal(t, `"plain text"`, string(j.(json.RawMessage)))

	b, err := CoerceValue(TypeBoolean, "true")
	require.NoError(t, err)
	require.Equal(t, true, b)

	txt, err := CoerceValue(TypeText, 12)
	require.NoError(t, err)
	require.Equal(t, "12", txt)

	nilValue, err := CoerceValue(TypeInteger, nil)
	require.NoError(t, err)
	require.Nil(t, nilValue)
}

func TestBBox(t *testing.T) {
	a := NewBBox(0, 0, 10, 10)
	b := NewBBox(10, 10, 20, 20)
	c := NewBBox(30, 30, 40, 40)

	require.True(t, a.Intersects(b), "touching boxes intersect")
	require.False(t, a.Intersects(c))
	require.False(t, a.Intersects(nil))

	u := a.Union(c)
	require.Equal(t, NewBBox(0, 0, 40, 40), u)

	var empty *BBox
	require.Equal(t, a, empty.Union(a))
	require.True(t, empty.ApproxEqual(nil, 0))
	require.True(t, a.ApproxEqual(NewBBox(0, 0, 10+1e-12, 10), 1e-9))
	require.False(t, a.ApproxEqual(NewBBox(0, 0, 10.1, 10), 1e-9))

	require.Equal(t, NewBBox(0, 0, 5, 5), NewBBox(5, 5, 0, 0))
}

func TestAggregateFiles(t *testing.T) {
	rows, bbox := AggregateFiles([]DataFile{
		{RowCount: 2, BBox: NewBBox(0, 0, 1, 1)},
		{RowCount: 3, BBox: NewBBox(5, 5, 6, 6)},
	})
	require.Equal(t, int64(5), rows)
	require.Equal(t, NewBBox(0, 0, 6, 6), bbox)

	rows, bbox = AggregateFiles(nil)
	require.Zero(t, rows)
	require.Nil(t, bbox)
}
