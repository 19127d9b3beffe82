package legacy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSourceConfig names the legacy tables.
type PostgresSourceConfig struct {
	// MappingTable holds one row per layer with its attribute mapping.
	// Default: customer.layer
	MappingTable string `help:"Legacy layer mapping table." default:"customer.layer" env:"LAYERSTORE_LEGACY_MAPPING_TABLE"`

	// DataSchema holds the shared per-owner data tables.
	// Default: user_data
	DataSchema string `help:"Schema of the shared legacy data tables." default:"user_data" env:"LAYERSTORE_LEGACY_DATA_SCHEMA"`

	// OrganizationColumn is the mapping table column used as organization id.
	// Default: user_id
	OrganizationColumn string `help:"Mapping table column holding the organization id." default:"user_id" env:"LAYERSTORE_LEGACY_ORGANIZATION_COLUMN"`
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *PostgresSourceConfig) ApplyDefaults() {
	if c.MappingTable == "" {
		c.MappingTable = "customer.layer"
	}
	if c.DataSchema == "" {
		c.DataSchema = "user_data"
	}
	if c.OrganizationColumn == "" {
		c.OrganizationColumn = "user_id"
	}
}

// PostgresSource reads legacy layers from PostgreSQL. Rows live in shared
// tables named <kind>_<owner id without dashes>, one per owner and geometry
// kind, discriminated by layer_id.
type PostgresSource struct {
	pool         *pgxpool.Pool
	mappingTable string
	orgColumn    string
	dataSchema   string
}

var _ Source = (*PostgresSource)(nil)

// NewPostgresSource creates a legacy source on pool.
func NewPostgresSource(pool *pgxpool.Pool, cfg PostgresSourceConfig) *PostgresSource {
	cfg.ApplyDefaults()
	return &PostgresSource{
		pool:         pool,
		mappingTable: pgx.Identifier(strings.Split(cfg.MappingTable, ".")).Sanitize(),
		orgColumn:    pgx.Identifier{cfg.OrganizationColumn}.Sanitize(),
		dataSchema:   cfg.DataSchema,
	}
}

// LookupLayer reads the mapping table entry of a dataset.
func (s *PostgresSource) LookupLayer(ctx context.Context, datasetID string) (*LayerInfo, error) {
	var (
		info      LayerInfo
		org       *string
		geomLabel *string
		mapping   []byte
	)
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT id::text, user_id::text, %s::text, feature_layer_geometry_type::text, attribute_mapping
		FROM %s
		WHERE id::text = $1
	`, s.orgColumn, s.mappingTable), datasetID).Scan(&info.DatasetID, &info.OwnerID, &org, &geomLabel, &mapping)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLayerNotFound
		}
		return nil, fmt.Errorf("failed to look up legacy layer: %w", err)
	}

	if org != nil {
		info.OrganizationID = *org
	}
	label := ""
	if geomLabel != nil {
		label = *geomLabel
	}
	if info.GeometryType, err = ParseGeometryType(label); err != nil {
		return nil, err
	}

	info.AttributeMapping = map[string]string{}
	if len(mapping) > 0 {
		if err := json.Unmarshal(mapping, &info.AttributeMapping); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMapping, err)
		}
	}
	return &info, nil
}

// ScanRows reads the rows of one layer from its shared table, ordered by id.
func (s *PostgresSource) ScanRows(ctx context.Context, info *LayerInfo, columns []string) ([]GenericRow, error) {
	selects := make([]string, 0, len(columns)+1)
	for _, c := range columns {
		if _, _, ok := ParseGenericColumn(c); !ok {
			return nil, fmt.Errorf("%w: %q is not a generic column", ErrInvalidMapping, c)
		}
		selects = append(selects, pgx.Identifier{c}.Sanitize())
	}
	if info.GeometryType.HasGeometry() {
		selects = append(selects, `ST_AsBinary(geom) AS geom`)
	}
	if len(selects) == 0 {
		selects = append(selects, `NULL`)
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE layer_id::text = $1 ORDER BY id`,
		strings.Join(selects, ", "), s.dataTable(info))
	rows, err := s.pool.Query(ctx, query, info.DatasetID)
	if err != nil {
		return nil, fmt.Errorf("failed to query legacy rows: %w", err)
	}
	defer rows.Close()

	var out []GenericRow
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read legacy row: %w", err)
		}
		row := make(GenericRow, len(values))
		for i, c := range columns {
			row[c] = values[i]
		}
		if info.GeometryType.HasGeometry() {
			row[GeometryColumn] = values[len(columns)]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate legacy rows: %w", err)
	}
	return out, nil
}

// ListLayers returns the layers whose storage backend is still legacy.
func (s *PostgresSource) ListLayers(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id::text
		FROM %s
		WHERE COALESCE(storage_backend, 'legacy') = 'legacy'
		ORDER BY id
	`, s.mappingTable))
	if err != nil {
		return nil, fmt.Errorf("failed to list legacy layers: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan legacy layers: %w", err)
	}
	return ids, nil
}

func (s *PostgresSource) dataTable(info *LayerInfo) string {
	kind := string(info.GeometryType)
	if !info.GeometryType.HasGeometry() {
		kind = "no_geometry"
	}
	owner := strings.ReplaceAll(info.OwnerID, "-", "")
	return pgx.Identifier{s.dataSchema, kind + "_" + owner}.Sanitize()
}
