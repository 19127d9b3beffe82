package lakehouse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/EPajares/goat-sub003/internal/models"
	"github.com/EPajares/goat-sub003/internal/namespace"
	"github.com/klauspost/compress/zstd"
)

const manifestFormatVersion = 1

// Manifest is the self-describing record of one snapshot, stored next to the
// data so a dataset can be inspected without the catalog.
type Manifest struct {
	FormatVersion  int                 `json:"format_version"`
	DatasetID      string              `json:"dataset_id"`
	OrganizationID string              `json:"organization_id"`
	Location       string              `json:"location"`
	GeometryType   models.GeometryType `json:"geometry_type"`
	Schema         models.Schema       `json:"schema"`
	Snapshot       *models.Snapshot    `json:"snapshot"`
}

func manifestKey(location string, snapshotID int64) string {
	return fmt.Sprintf("%ssnap-%d.json.zst", namespace.MetadataPrefix(location), snapshotID)
}

func (s *Store) writeManifest(ctx context.Context, ds *models.Dataset, snap *models.Snapshot) error {
	location := s.location(ds)
	data, err := json.Marshal(Manifest{
		FormatVersion:  manifestFormatVersion,
		DatasetID:      ds.DatasetID,
		OrganizationID: ds.OrganizationID,
		Location:       location,
		GeometryType:   ds.GeometryType,
		Schema:         ds.Schema,
		Snapshot:       snap,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("failed to create encoder: %w", err)
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return fmt.Errorf("failed to compress manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to flush manifest: %w", err)
	}

	return s.bucket.Put(ctx, manifestKey(location, snap.SnapshotID), buf.Bytes())
}

// LoadManifest reads back the manifest written for a snapshot.
func (s *Store) LoadManifest(ctx context.Context, datasetID string, snapshotID int64) (*Manifest, error) {
	ds, err := s.catalog.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	data, err := s.bucket.Get(ctx, manifestKey(s.location(ds), snapshotID))
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest of snapshot %d: %w", snapshotID, err)
	}

	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}
	defer dec.Close()

	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}
	return &m, nil
}
