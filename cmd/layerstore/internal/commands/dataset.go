package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/EPajares/goat-sub003/internal/lakehouse"
	"github.com/EPajares/goat-sub003/internal/models"
	"github.com/EPajares/goat-sub003/internal/spatial"
	"github.com/EPajares/goat-sub003/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
)

type DescribeCmd struct {
	Store   StoreFlags `embed:""`
	Dataset string     `arg:"" help:"Dataset id"`
}

func (c *DescribeCmd) Run(ctx context.Context, globals *Globals) (err error) {
	ctx, done := start(ctx, globals, "describe")
	defer func() { done(err) }()

	rt, err := c.Store.open(ctx, globals)
	if err != nil {
		return err
	}
	defer rt.Close()

	desc, err := rt.lake.Describe(ctx, c.Dataset)
	if err != nil {
		return fmt.Errorf("failed to describe dataset: %w", err)
	}

	fmt.Printf("Dataset:       %s\n", desc.DatasetID)
	fmt.Printf("Organization:  %s\n", desc.OrganizationID)
	fmt.Printf("Geometry type: %s\n", desc.GeometryType)
	fmt.Printf("Snapshot:      %d\n", desc.SnapshotID)
	fmt.Printf("Rows:          %d\n", desc.RowCount)
	fmt.Printf("Files:         %d\n", desc.FileCount)
	if desc.BBox != nil {
		fmt.Printf("Bounding box:  %s\n", desc.BBox)
	}
	fmt.Println("Columns:")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, col := range desc.Schema {
		fmt.Fprintf(w, "  %s\t%s\n", col.Name, col.Type)
	}
	return w.Flush()
}

type ReadCmd struct {
	Store   StoreFlags `embed:""`
	Dataset string     `arg:"" help:"Dataset id"`
	BBox    string     `help:"Bounding box filter as minx,miny,maxx,maxy" default:""`
	Columns []string   `help:"Columns to return (default all)"`
	Limit   int        `help:"Maximum rows to return (0 for all)" default:"0"`
}

func (c *ReadCmd) Run(ctx context.Context, globals *Globals) (err error) {
	ctx, done := start(ctx, globals, "read")
	defer func() { done(err) }()

	box, err := parseBBox(c.BBox)
	if err != nil {
		return err
	}

	rt, err := c.Store.open(ctx, globals)
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.lake.Read(ctx, c.Dataset, lakehouse.ReadRequest{BBox: box, Columns: c.Columns, Limit: c.Limit})
	if err != nil {
		return fmt.Errorf("failed to read dataset: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	for _, row := range res.Rows {
		out, err := rowJSON(row)
		if err != nil {
			return err
		}
		if err := enc.Encode(out); err != nil {
			return err
		}
	}

	log.Debug().
		Int64("snapshot_id", res.Snapshot.SnapshotID).
		Int("rows", len(res.Rows)).
		Int("files_scanned", res.FilesScanned).
		Int("files_pruned", res.FilesPruned).
		Msg("Read finished")
	return nil
}

type ImportCmd struct {
	Store        StoreFlags `embed:""`
	Organization string     `help:"Organization owning the dataset" required:""`
	Dataset      string     `help:"Dataset id" required:""`
	File         string     `arg:"" help:"GeoJSON FeatureCollection file" type:"existingfile"`
	Mode         string     `help:"Write mode" default:"overwrite" enum:"overwrite,append"`
	Schema       string     `help:"Schema for a new dataset as name:type,... (the geometry column is added)" default:""`
	GeometryType string     `help:"Geometry type for a new dataset" default:"point" enum:"none,point,line,polygon"`
	GeometryName string     `help:"Name of the geometry column" default:"geom"`
}

func (c *ImportCmd) Run(ctx context.Context, globals *Globals) (err error) {
	ctx, done := start(ctx, globals, "import")
	defer func() { done(err) }()

	data, err := os.ReadFile(c.File)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	features, err := spatial.DecodeFeatureCollection(data)
	if err != nil {
		return err
	}

	rt, err := c.Store.open(ctx, globals)
	if err != nil {
		return err
	}
	defer rt.Close()

	ds, err := rt.lake.Dataset(ctx, c.Dataset)
	if err != nil {
		if !errors.Is(err, store.ErrDatasetNotFound) {
			return err
		}
		if c.Schema == "" {
			return fmt.Errorf("dataset %s not found and no --schema given: %w", c.Dataset, err)
		}
		gt := models.GeometryType(c.GeometryType)
		schema, err := parseSchema(c.Schema, c.GeometryName, gt)
		if err != nil {
			return err
		}
		if ds, err = rt.lake.Create(ctx, c.Organization, c.Dataset, schema, gt); err != nil {
			return fmt.Errorf("failed to create dataset: %w", err)
		}
	}

	geomColumn := ""
	if col, ok := ds.Schema.GeometryColumn(); ok {
		geomColumn = col.Name
	}
	rows := make([]models.Row, 0, len(features))
	for _, f := range features {
		row := models.Row{}
		for k, v := range f.Properties {
			if _, _, ok := ds.Schema.Lookup(k); ok {
				row[k] = v
			}
		}
		if geomColumn != "" && f.Geometry != nil {
			row[geomColumn] = f.Geometry
		}
		rows = append(rows, row)
	}

	n, err := rt.lake.Write(ctx, c.Dataset, rows, models.WriteMode(c.Mode))
	if err != nil {
		return fmt.Errorf("failed to write dataset: %w", err)
	}
	fmt.Printf("Imported %d rows into %s\n", n, c.Dataset)
	return nil
}

type DeleteCmd struct {
	Store        StoreFlags `embed:""`
	Organization string     `help:"Organization owning the dataset" required:""`
	Dataset      string     `arg:"" help:"Dataset id"`
}

func (c *DeleteCmd) Run(ctx context.Context, globals *Globals) (err error) {
	ctx, done := start(ctx, globals, "delete")
	defer func() { done(err) }()

	rt, err := c.Store.open(ctx, globals)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.lake.Delete(ctx, c.Organization, c.Dataset); err != nil {
		return fmt.Errorf("failed to delete dataset: %w", err)
	}
	fmt.Printf("Deleted %s\n", c.Dataset)
	return nil
}

type HistoryCmd struct {
	Store   StoreFlags `embed:""`
	Dataset string     `arg:"" help:"Dataset id"`
}

func (c *HistoryCmd) Run(ctx context.Context, globals *Globals) (err error) {
	ctx, done := start(ctx, globals, "history")
	defer func() { done(err) }()

	rt, err := c.Store.open(ctx, globals)
	if err != nil {
		return err
	}
	defer rt.Close()

	history, err := rt.lake.History(ctx, c.Dataset)
	if err != nil {
		return fmt.Errorf("failed to list snapshots: %w", err)
	}
	if len(history) == 0 {
		fmt.Println("No snapshots found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SNAPSHOT\tPARENT\tOPERATION\tROWS\tFILES\tCREATED")
	for _, s := range history {
		fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%d\t%s\n",
			s.SnapshotID, s.ParentSnapshotID, s.Operation, s.RowCount, len(s.Files), s.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

// parseBBox parses "minx,miny,maxx,maxy"; empty means no filter.
func parseBBox(s string) (*models.BBox, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("bbox must be minx,miny,maxx,maxy")
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid bbox coordinate %q: %w", p, err)
		}
		v[i] = f
	}
	if v[0] > v[2] || v[1] > v[3] {
		return nil, fmt.Errorf("bbox minimum exceeds maximum")
	}
	return models.NewBBox(v[0], v[1], v[2], v[3]), nil
}

// parseSchema parses "name:type,..." and appends the geometry column for
// spatial datasets.
func parseSchema(s, geometryName string, gt models.GeometryType) (models.Schema, error) {
	var schema models.Schema
	for _, part := range strings.Split(s, ",") {
		name, typ, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("invalid column %q, expected name:type", part)
		}
		schema = append(schema, models.Column{Name: name, Type: models.ColumnType(typ)})
	}
	if gt.HasGeometry() {
		schema = append(schema, models.Column{Name: geometryName, Type: models.TypeGeometry})
	}
	if err := schema.Validate(gt); err != nil {
		return nil, err
	}
	return schema, nil
}

// rowJSON converts geometries to GeoJSON so rows can be printed.
func rowJSON(row models.Row) (map[string]any, error) {
	out := make(map[string]any, len(row))
	for k, v := range row {
		g, ok := v.(geom.T)
		if !ok {
			out[k] = v
			continue
		}
		enc, err := geojson.Encode(g)
		if err != nil {
			return nil, fmt.Errorf("failed to encode geometry: %w", err)
		}
		out[k] = enc
	}
	return out, nil
}
