package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/EPajares/goat-sub003/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
)

func TestParseSchema(t *testing.T) {
	schema, err := parseSchema("name:text, height:float", "geom", models.GeometryPoint)
	require.NoError(t, err)
	assert.Equal(t, models.Schema{
		{Name: "name", Type: models.TypeText},
		{Name: "height", Type: models.TypeFloat},
		{Name: "geom", Type: models.TypeGeometry},
	}, schema)

	schema, err = parseSchema("name:text", "geom", models.GeometryNone)
	require.NoError(t, err)
	assert.Len(t, schema, 1)

	_, err = parseSchema("name", "geom", models.GeometryPoint)
	require.Error(t, err)

	_, err = parseSchema("name:varchar", "geom", models.GeometryPoint)
	require.Error(t, err)
}

func TestParseBBox(t *testing.T) {
	box, err := parseBBox("")
	require.NoError(t, err)
	assert.Nil(t, box)

	box, err = parseBBox("0, 0, 1.5, 2")
	require.NoError(t, err)
	assert.Equal(t, models.NewBBox(0, 0, 1.5, 2), box)

	_, err = parseBBox("0,0,1")
	require.Error(t, err)
	_, err = parseBBox("2,0,1,1")
	require.Error(t, err)
	_, err = parseBBox("a,0,1,1")
	require.Error(t, err)
}

func TestRowJSON(t *testing.T) {
	out, err := rowJSON(models.Row{
		"name": "A",
		"geom": geom.NewPointFlat(geom.XY, []float64{1, 2}),
	})
	require.NoError(t, err)
	assert.Equal(t, "A", out["name"])
	assert.NotNil(t, out["geom"])
}

func TestImportDescribe_Memory(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "points.geojson")
	require.NoError(t, os.WriteFile(input, []byte(`{
		"type": "FeatureCollection",
		"features": [
			{"type": "Feature", "geometry": {"type": "Point", "coordinates": [0, 0]}, "properties": {"name": "A"}},
			{"type": "Feature", "geometry": {"type": "Point", "coordinates": [5, 5]}, "properties": {"name": "B"}}
		]
	}`), 0o600))

	flags := StoreFlags{
		StoreType: "memory",
		Bucket:    BucketFlags{Type: "fs", Path: filepath.Join(dir, "data")},
	}

	imp := &ImportCmd{
		Store:        flags,
		Organization: "org-1",
		Dataset:      "d1",
		File:         input,
		Mode:         "overwrite",
		Schema:       "name:text",
		GeometryType: "point",
		GeometryName: "geom",
	}
	require.NoError(t, imp.Run(context.Background(), &Globals{}))

	// the memory catalog does not outlive a command
	desc := &DescribeCmd{Store: flags, Dataset: "d1"}
	require.Error(t, desc.Run(context.Background(), &Globals{}))
}
