// Package lakehouse is the dataset store used by the rest of the platform.
// Datasets are addressed by organization and dataset id; data lives in
// immutable columnar files under the dataset location and the catalog decides
// which files form the current snapshot.
package lakehouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/EPajares/goat-sub003/internal/columnar"
	"github.com/EPajares/goat-sub003/internal/models"
	"github.com/EPajares/goat-sub003/internal/namespace"
	"github.com/EPajares/goat-sub003/internal/objstore"
	"github.com/EPajares/goat-sub003/internal/store"
	"github.com/EPajares/goat-sub003/internal/telemetry"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config holds dataset store settings. The tags let commands embed it as a
// flag group.
type Config struct {
	// MaxRowsPerFile splits large writes into several files.
	// Default: 100000
	MaxRowsPerFile int `help:"Maximum rows per data file." default:"100000" env:"LAYERSTORE_MAX_ROWS_PER_FILE"`

	// RowGroupSize caps rows per Parquet row group; 0 keeps one group per file.
	RowGroupSize int `help:"Maximum rows per row group (0 for one group per file)." default:"0" env:"LAYERSTORE_ROW_GROUP_SIZE"`

	// SpatialSort orders rows by geohash before splitting so file bounding
	// boxes stay tight.
	SpatialSort bool `help:"Sort rows spatially before splitting into files." default:"true" negatable:"" env:"LAYERSTORE_SPATIAL_SORT"`

	// RetainSnapshots is how many snapshots ExpireSnapshots keeps.
	// Default: 10
	RetainSnapshots int `help:"Snapshots kept by expiry." default:"10" env:"LAYERSTORE_RETAIN_SNAPSHOTS"`

	// SnapshotMinAge protects young snapshots from expiry.
	// Default: 1 hour
	SnapshotMinAge time.Duration `help:"Minimum snapshot age before expiry." default:"1h" env:"LAYERSTORE_SNAPSHOT_MIN_AGE"`

	// AutoExpire runs ExpireSnapshots after every commit.
	AutoExpire bool `help:"Expire old snapshots after each commit." env:"LAYERSTORE_AUTO_EXPIRE"`

	// WriteManifests uploads a compressed JSON manifest per snapshot.
	WriteManifests bool `help:"Write a manifest for every snapshot." default:"true" negatable:"" env:"LAYERSTORE_WRITE_MANIFESTS"`

	// VerifyChecksums compares file bytes with the catalog checksum on read.
	VerifyChecksums bool `help:"Verify data file checksums on read." default:"true" negatable:"" env:"LAYERSTORE_VERIFY_CHECKSUMS"`

	Retry objstore.RetryConfig `kong:"-"`

	// Now is the clock used for file timestamps and expiry.
	// Default: time.Now
	Now func() time.Time `kong:"-"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		MaxRowsPerFile:  100000,
		SpatialSort:     true,
		RetainSnapshots: 10,
		SnapshotMinAge:  time.Hour,
		WriteManifests:  true,
		VerifyChecksums: true,
	}
}

// ApplyDefaults applies default values to unset numeric configuration fields.
func (c *Config) ApplyDefaults() {
	if c.MaxRowsPerFile <= 0 {
		c.MaxRowsPerFile = 100000
	}
	if c.RetainSnapshots <= 0 {
		c.RetainSnapshots = 10
	}
	if c.SnapshotMinAge < 0 {
		c.SnapshotMinAge = 0
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Store is the dataset store facade.
type Store struct {
	catalog    store.CatalogStore
	bucket     objstore.Bucket
	namespaces *namespace.Manager
	cfg        Config

	writer columnar.Writer
	reader columnar.Reader
}

// NewStore creates a dataset store. Object operations on bucket and catalog
// reads are retried according to cfg.Retry.
func NewStore(catalog store.CatalogStore, bucket objstore.Bucket, cfg Config) *Store {
	cfg.ApplyDefaults()
	retrying := objstore.Retrying(bucket, cfg.Retry)
	catalog = store.RetryingCatalog(catalog, cfg.Retry)
	return &Store{
		catalog:    catalog,
		bucket:     retrying,
		namespaces: namespace.NewManager(catalog, retrying),
		cfg:        cfg,
		writer:     columnar.Writer{RowGroupSize: cfg.RowGroupSize},
	}
}

// Description summarises a dataset from its current snapshot.
type Description struct {
	DatasetID      string
	OrganizationID string
	GeometryType   models.GeometryType
	Schema         models.Schema
	Columns        []string
	SnapshotID     int64
	RowCount       int64
	BBox           *models.BBox
	FileCount      int
}

// Create registers a new, empty dataset.
func (s *Store) Create(ctx context.Context, organizationID, datasetID string, schema models.Schema, gt models.GeometryType) (*models.Dataset, error) {
	if datasetID == "" {
		return nil, fmt.Errorf("dataset id is required")
	}
	if err := schema.Validate(gt); err != nil {
		return nil, err
	}
	if _, err := s.namespaces.EnsureNamespaceExists(ctx, organizationID); err != nil {
		return nil, err
	}

	ds := &models.Dataset{
		DatasetID:      datasetID,
		OrganizationID: organizationID,
		Schema:         schema,
		GeometryType:   gt,
		CreatedAt:      s.cfg.Now(),
	}
	if err := s.catalog.RegisterDataset(ctx, ds); err != nil {
		return nil, err
	}

	log.Info().Str("dataset_id", datasetID).Str("organization_id", organizationID).Str("geometry_type", string(gt)).Msg("Dataset created")
	return s.catalog.GetDataset(ctx, datasetID)
}

// Dataset returns the catalog entry of a dataset.
func (s *Store) Dataset(ctx context.Context, datasetID string) (*models.Dataset, error) {
	return s.catalog.GetDataset(ctx, datasetID)
}

// Describe summarises the current snapshot without opening any file.
func (s *Store) Describe(ctx context.Context, datasetID string) (*Description, error) {
	ds, err := s.catalog.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	snap, err := s.catalog.CurrentSnapshot(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	return &Description{
		DatasetID:      ds.DatasetID,
		OrganizationID: ds.OrganizationID,
		GeometryType:   ds.GeometryType,
		Schema:         ds.Schema,
		Columns:        ds.Schema.Names(),
		SnapshotID:     snap.SnapshotID,
		RowCount:       snap.RowCount,
		BBox:           snap.BBox.Clone(),
		FileCount:      len(snap.Files),
	}, nil
}

// History returns the retained snapshots, newest first.
func (s *Store) History(ctx context.Context, datasetID string) ([]*models.Snapshot, error) {
	return s.catalog.ListSnapshots(ctx, datasetID)
}

// Delete drops the catalog entry and then removes every object under the
// dataset location. Both steps tolerate earlier partial runs, so a failed
// delete can simply be repeated.
func (s *Store) Delete(ctx context.Context, organizationID, datasetID string) (err error) {
	ctx, span := s.startSpan(ctx, "lakehouse.Delete", datasetID)
	defer func() { endSpan(span, err) }()

	if ds, getErr := s.catalog.GetDataset(ctx, datasetID); getErr == nil && ds.OrganizationID != organizationID {
		return fmt.Errorf("dataset %s belongs to organization %s, not %s", datasetID, ds.OrganizationID, organizationID)
	}

	if err := s.catalog.DropDataset(ctx, datasetID); err != nil && !errors.Is(err, store.ErrDatasetNotFound) {
		return fmt.Errorf("failed to drop dataset: %w", err)
	}

	location := namespace.TableLocation(organizationID, datasetID)
	objects, err := s.bucket.List(ctx, location+"/")
	if err != nil {
		return fmt.Errorf("failed to list dataset objects: %w", err)
	}

	var errs []error
	for _, obj := range objects {
		if err := s.bucket.Delete(ctx, obj.Key); err != nil {
			log.Warn().Err(err).Str("dataset_id", datasetID).Str("key", obj.Key).Msg("Failed to delete dataset object")
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to delete %d of %d objects: %w", len(errs), len(objects), errors.Join(errs...))
	}

	telemetry.GetMetrics().DatasetsDeletedTotal.Add(ctx, 1)
	log.Info().Str("dataset_id", datasetID).Int("objects", len(objects)).Msg("Dataset deleted")
	return nil
}

func (s *Store) location(ds *models.Dataset) string {
	return namespace.TableLocation(ds.OrganizationID, ds.DatasetID)
}

func (s *Store) startSpan(ctx context.Context, name, datasetID string) (context.Context, trace.Span) {
	return telemetry.Tracer().Start(ctx, name, trace.WithAttributes(attribute.String("dataset_id", datasetID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
