// Package legacy reads datasets out of the shared, generic-column tables of
// the previous storage model. It is a read-only source for migration.
package legacy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/EPajares/goat-sub003/internal/models"
	"github.com/EPajares/goat-sub003/internal/spatial"
	"github.com/rs/zerolog/log"
)

// GeometryColumn is the name of the geometry column in legacy tables and in
// the migrated schema.
const GeometryColumn = "geom"

var (
	// ErrLayerNotFound is returned when the mapping table has no entry for a
	// dataset.
	ErrLayerNotFound = errors.New("legacy layer not found")
	// ErrInvalidMapping is returned for attribute mappings that cannot be
	// turned into a schema.
	ErrInvalidMapping = errors.New("invalid attribute mapping")
)

// LayerInfo is the mapping table entry of a legacy dataset.
type LayerInfo struct {
	DatasetID      string
	OrganizationID string
	// OwnerID selects the shared table holding the rows.
	OwnerID      string
	GeometryType models.GeometryType
	// AttributeMapping maps generic column names to real attribute names.
	AttributeMapping map[string]string
}

// GenericRow is one row of a shared table keyed by generic column name. The
// geometry, if any, is WKB under GeometryColumn.
type GenericRow map[string]any

// Source reads the legacy tables.
type Source interface {
	LookupLayer(ctx context.Context, datasetID string) (*LayerInfo, error)
	// ScanRows returns the rows of one dataset holding only the requested
	// generic columns (and the geometry for spatial layers).
	ScanRows(ctx context.Context, info *LayerInfo, columns []string) ([]GenericRow, error)
	// ListLayers returns the datasets still served from legacy storage.
	ListLayers(ctx context.Context) ([]string, error)
}

// LegacyDataset is a legacy dataset translated into its natural schema.
type LegacyDataset struct {
	Info         *LayerInfo
	Schema       models.Schema
	GeometryType models.GeometryType
	Rows         []models.Row
	RowCount     int64
	BBox         *models.BBox
}

// genericPrefixes lists the generic column families in schema order.
var genericPrefixes = []struct {
	prefix string
	typ    models.ColumnType
}{
	{"integer", models.TypeInteger},
	{"bigint", models.TypeInteger},
	{"float", models.TypeFloat},
	{"text", models.TypeText},
	{"boolean", models.TypeBoolean},
	{"jsonb", models.TypeJSON},
	{"arrint", models.TypeIntArray},
	{"arrfloat", models.TypeFloatArray},
	{"arrtext", models.TypeTextArray},
	{"timestamp", models.TypeTimestamp},
}

// ParseGenericColumn splits a generic column name such as "integer_attr3"
// into its column type and index.
func ParseGenericColumn(name string) (models.ColumnType, int, bool) {
	t, _, index, ok := parseGeneric(name)
	return t, index, ok
}

func parseGeneric(name string) (models.ColumnType, int, int, bool) {
	prefix, num, found := strings.Cut(name, "_attr")
	if !found {
		return "", 0, 0, false
	}
	index, err := strconv.Atoi(num)
	if err != nil || index < 1 || strconv.Itoa(index) != num {
		return "", 0, 0, false
	}
	for group, p := range genericPrefixes {
		if p.prefix == prefix {
			return p.typ, group, index, true
		}
	}
	return "", 0, 0, false
}

// ParseGeometryType maps the legacy geometry type label. Layers without one
// are plain tables.
func ParseGeometryType(label string) (models.GeometryType, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "", "none", "table", "no_geometry":
		return models.GeometryNone, nil
	case "point":
		return models.GeometryPoint, nil
	case "line":
		return models.GeometryLine, nil
	case "polygon":
		return models.GeometryPolygon, nil
	}
	return "", fmt.Errorf("unknown legacy geometry type %q", label)
}

type mappedColumn struct {
	generic string
	group   int
	index   int
	column  models.Column
}

// NaturalSchema derives the schema of a dataset from its attribute mapping.
// Columns are ordered by generic type family and then by index, so the
// result does not depend on map iteration. The geometry column comes last.
// It returns the schema and the generic columns to scan, in schema order.
func NaturalSchema(info *LayerInfo) (models.Schema, []string, error) {
	mapped := make([]mappedColumn, 0, len(info.AttributeMapping))
	names := make(map[string]string, len(info.AttributeMapping))
	for generic, name := range info.AttributeMapping {
		t, group, index, ok := parseGeneric(generic)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %q is not a generic column", ErrInvalidMapping, generic)
		}
		if strings.TrimSpace(name) == "" {
			return nil, nil, fmt.Errorf("%w: %q maps to an empty name", ErrInvalidMapping, generic)
		}
		if name == GeometryColumn && info.GeometryType.HasGeometry() {
			return nil, nil, fmt.Errorf("%w: %q clashes with the geometry column", ErrInvalidMapping, name)
		}
		if other, dup := names[name]; dup {
			return nil, nil, fmt.Errorf("%w: %q and %q both map to %q", ErrInvalidMapping, other, generic, name)
		}
		names[name] = generic
		mapped = append(mapped, mappedColumn{generic: generic, group: group, index: index, column: models.Column{Name: name, Type: t}})
	}

	sort.Slice(mapped, func(i, j int) bool {
		if mapped[i].group != mapped[j].group {
			return mapped[i].group < mapped[j].group
		}
		return mapped[i].index < mapped[j].index
	})

	schema := make(models.Schema, 0, len(mapped)+1)
	generics := make([]string, 0, len(mapped))
	for _, m := range mapped {
		schema = append(schema, m.column)
		generics = append(generics, m.generic)
	}
	if info.GeometryType.HasGeometry() {
		schema = append(schema, models.Column{Name: GeometryColumn, Type: models.TypeGeometry})
	}
	if err := schema.Validate(info.GeometryType); err != nil {
		return nil, nil, err
	}
	return schema, generics, nil
}

// Bridge translates legacy datasets into the natural schema.
type Bridge struct {
	source Source
}

// NewBridge creates a bridge reading from source.
func NewBridge(source Source) *Bridge {
	return &Bridge{source: source}
}

// ListLayers returns the datasets still on legacy storage.
func (b *Bridge) ListLayers(ctx context.Context) ([]string, error) {
	return b.source.ListLayers(ctx)
}

// ReadLegacy loads every row of a legacy dataset, renamed to the real
// attribute names and coerced to the derived schema. Unmapped generic
// columns are dropped.
func (b *Bridge) ReadLegacy(ctx context.Context, datasetID string) (*LegacyDataset, error) {
	info, err := b.source.LookupLayer(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	schema, generics, err := NaturalSchema(info)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", datasetID, err)
	}

	raw, err := b.source.ScanRows(ctx, info, generics)
	if err != nil {
		return nil, fmt.Errorf("failed to scan legacy rows: %w", err)
	}

	out := &LegacyDataset{
		Info:         info,
		Schema:       schema,
		GeometryType: info.GeometryType,
		Rows:         make([]models.Row, 0, len(raw)),
	}
	for i, g := range raw {
		row, bbox, err := translateRow(g, schema, generics, info.GeometryType)
		if err != nil {
			return nil, fmt.Errorf("dataset %s row %d: %w", datasetID, i, err)
		}
		out.Rows = append(out.Rows, row)
		out.BBox = out.BBox.Union(bbox)
	}
	out.RowCount = int64(len(out.Rows))

	log.Debug().Str("dataset_id", datasetID).Int64("rows", out.RowCount).Int("columns", len(schema)).Msg("Legacy dataset read")
	return out, nil
}

func translateRow(g GenericRow, schema models.Schema, generics []string, gt models.GeometryType) (models.Row, *models.BBox, error) {
	row := make(models.Row, len(schema))
	for i, generic := range generics {
		c := schema[i]
		v, err := models.CoerceValue(c.Type, g[generic])
		if err != nil {
			return nil, nil, fmt.Errorf("%w: column %q (%s): %v", models.ErrSchemaMismatch, c.Name, generic, err)
		}
		row[c.Name] = v
	}

	if !gt.HasGeometry() {
		return row, nil, nil
	}
	wkb, ok := g[GeometryColumn].([]byte)
	if !ok || len(wkb) == 0 {
		row[GeometryColumn] = nil
		return row, nil, nil
	}
	geometry, err := spatial.DecodeWKB(wkb)
	if err != nil {
		return nil, nil, err
	}
	row[GeometryColumn] = geometry
	return row, spatial.BBoxOf(geometry), nil
}
