package legacy

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/EPajares/goat-sub003/internal/models"
	"github.com/EPajares/goat-sub003/internal/spatial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
)

func wkbPoint(t *testing.T, x, y float64) []byte {
	t.Helper()
	b, err := spatial.EncodeWKB(geom.NewPointFlat(geom.XY, []float64{x, y}))
	require.NoError(t, err)
	return b
}

func TestParseGenericColumn(t *testing.T) {
	tests := []struct {
		name      string
		wantType  models.ColumnType
		wantIndex int
		wantOK    bool
	}{
		{name: "integer_attr3", wantType: models.TypeInteger, wantIndex: 3, wantOK: true},
		{name: "bigint_attr1", wantType: models.TypeInteger, wantIndex: 1, wantOK: true},
		{name: "text_attr20", wantType: models.TypeText, wantIndex: 20, wantOK: true},
		{name: "arrfloat_attr2", wantType: models.TypeFloatArray, wantIndex: 2, wantOK: true},
		{name: "jsonb_attr1", wantType: models.TypeJSON, wantIndex: 1, wantOK: true},
		{name: "timestamp_attr4", wantType: models.TypeTimestamp, wantIndex: 4, wantOK: true},
		{name: "integer_attr0"},
		{name: "integer_attr01"},
		{name: "integer_attrx"},
		{name: "money_attr1"},
		{name: "geom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, index, ok := ParseGenericColumn(tt.name)
			require.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantType, typ)
				assert.Equal(t, tt.wantIndex, index)
			}
		})
	}
}

func TestParseGeometryType(t *testing.T) {
	for label, want := range map[string]models.GeometryType{
		"":        models.GeometryNone,
		"point":   models.GeometryPoint,
		"Line":    models.GeometryLine,
		"polygon": models.GeometryPolygon,
	} {
		got, err := ParseGeometryType(label)
		require.NoError(t, err)
		assert.Equal(t, want, got, label)
	}

	_, err := ParseGeometryType("raster")
	require.Error(t, err)
}

func TestNaturalSchema(t *testing.T) {
	info := &LayerInfo{
		DatasetID:    "d1",
		GeometryType: models.GeometryPoint,
		AttributeMapping: map[string]string{
			"text_attr2":    "label",
			"integer_attr1": "population",
			"text_attr1":    "name",
			"float_attr1":   "area",
		},
	}

	schema, generics, err := NaturalSchema(info)
	require.NoError(t, err)
	assert.Equal(t, []string{"integer_attr1", "float_attr1", "text_attr1", "text_attr2"}, generics)
	assert.Equal(t, models.Schema{
		{Name: "population", Type: models.TypeInteger},
		{Name: "area", Type: models.TypeFloat},
		{Name: "name", Type: models.TypeText},
		{Name: "label", Type: models.TypeText},
		{Name: "geom", Type: models.TypeGeometry},
	}, schema)

	t.Run("invalid mappings", func(t *testing.T) {
		for name, mapping := range map[string]map[string]string{
			"not generic":    {"population": "population"},
			"empty name":     {"integer_attr1": " "},
			"duplicate name": {"integer_attr1": "a", "text_attr1": "a"},
			"geometry clash": {"text_attr1": "geom"},
		} {
			_, _, err := NaturalSchema(&LayerInfo{GeometryType: models.GeometryPoint, AttributeMapping: mapping})
			require.ErrorIs(t, err, ErrInvalidMapping, name)
		}
	})

	t.Run("table without attributes", func(t *testing.T) {
		_, _, err := NaturalSchema(&LayerInfo{GeometryType: models.GeometryNone})
		require.ErrorIs(t, err, models.ErrSchemaMismatch)
	})
}

func TestBridge_ReadLegacy(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource()
	src.AddLayer(LayerInfo{
		DatasetID:      "d1",
		OrganizationID: "org1",
		OwnerID:        "owner1",
		GeometryType:   models.GeometryPoint,
		AttributeMapping: map[string]string{
			"text_attr1":    "name",
			"integer_attr1": "population",
			"jsonb_attr1":   "tags",
		},
	},
		GenericRow{"text_attr1": "A", "integer_attr1": int32(10), "jsonb_attr1": map[string]any{"k": "v"}, "text_attr2": "unmapped", "geom": wkbPoint(t, 0, 0)},
		GenericRow{"text_attr1": "B", "integer_attr1": int64(20), "geom": wkbPoint(t, 5, 5)},
		GenericRow{"text_attr1": "C", "integer_attr1": nil, "geom": nil},
	)

	bridge := NewBridge(src)
	ds, err := bridge.ReadLegacy(ctx, "d1")
	require.NoError(t, err)

	assert.Equal(t, "org1", ds.Info.OrganizationID)
	assert.Equal(t, models.GeometryPoint, ds.GeometryType)
	assert.Equal(t, int64(3), ds.RowCount)
	require.Len(t, ds.Rows, 3)
	assert.True(t, ds.BBox.ApproxEqual(models.NewBBox(0, 0, 5, 5), 1e-12))

	first := ds.Rows[0]
	assert.Equal(t, "A", first["name"])
	assert.Equal(t, int64(10), first["population"])
	assert.JSONEq(t, `{"k":"v"}`, string(first["tags"].(json.RawMessage)))
	assert.NotContains(t, first, "text_attr2")
	assert.NotContains(t, first, "text_attr1")
	_, isPoint := first["geom"].(*geom.Point)
	assert.True(t, isPoint)

	assert.Nil(t, ds.Rows[2]["population"])
	assert.Nil(t, ds.Rows[2]["geom"])

	// The translated rows satisfy the derived schema.
	for _, r := range ds.Rows {
		_, err := ds.Schema.CoerceRow(r, ds.GeometryType)
		require.NoError(t, err)
	}

	t.Run("unknown layer", func(t *testing.T) {
		_, err := bridge.ReadLegacy(ctx, "missing")
		require.ErrorIs(t, err, ErrLayerNotFound)
	})

	t.Run("bad value", func(t *testing.T) {
		src.AddLayer(LayerInfo{
			DatasetID:        "bad",
			GeometryType:     models.GeometryNone,
			AttributeMapping: map[string]string{"integer_attr1": "n"},
		}, GenericRow{"integer_attr1": "twelve"})
		_, err := bridge.ReadLegacy(ctx, "bad")
		require.ErrorIs(t, err, models.ErrSchemaMismatch)
	})
}

func TestMemorySource_ListLayers(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource()
	for _, id := range []string{"c", "a", "b"} {
		src.AddLayer(LayerInfo{DatasetID: id, GeometryType: models.GeometryNone})
	}
	src.MarkMigrated("b")

	ids, err := src.ListLayers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids)
}
