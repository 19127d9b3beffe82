package lakehouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/EPajares/goat-sub003/internal/columnar"
	"github.com/EPajares/goat-sub003/internal/models"
	"github.com/EPajares/goat-sub003/internal/objstore"
	"github.com/EPajares/goat-sub003/internal/store"
	"github.com/EPajares/goat-sub003/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// ReadRequest selects rows of the current snapshot.
type ReadRequest struct {
	// BBox keeps rows whose geometry intersects it; nil reads everything.
	BBox *models.BBox
	// Columns to return; empty returns all.
	Columns []string
	// Limit caps the number of rows; 0 means no limit.
	Limit int
}

// ReadResult holds the rows of one read and what it cost.
type ReadResult struct {
	Rows         []models.Row
	Snapshot     *models.Snapshot
	FilesScanned int
	FilesPruned  int
}

// Read returns rows of the current snapshot. Files whose bounding box misses
// the request box are never fetched; rows of the remaining files are filtered
// exactly. Rows come back in snapshot file order, which is stable for a
// given snapshot.
func (s *Store) Read(ctx context.Context, datasetID string, req ReadRequest) (res *ReadResult, err error) {
	ctx, span := s.startSpan(ctx, "lakehouse.Read", datasetID)
	defer func() {
		if res != nil {
			span.SetAttributes(
				attribute.Int("files_scanned", res.FilesScanned),
				attribute.Int("files_pruned", res.FilesPruned),
				attribute.Int("rows", len(res.Rows)),
			)
		}
		endSpan(span, err)
	}()

	if req.Limit < 0 {
		return nil, fmt.Errorf("limit must not be negative")
	}

	ds, err := s.catalog.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if req.BBox != nil && !ds.GeometryType.HasGeometry() {
		return nil, fmt.Errorf("%w: dataset %s has no geometry to filter on", models.ErrSchemaMismatch, datasetID)
	}
	if _, err := ds.Schema.Project(req.Columns); err != nil {
		return nil, err
	}

	started := time.Now()
	snap, err := s.catalog.CurrentSnapshot(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	res = &ReadResult{Rows: []models.Row{}, Snapshot: snap}
	if req.BBox != nil && !req.BBox.Intersects(snap.BBox) {
		res.FilesPruned = len(snap.Files)
		s.recordRead(ctx, res, started)
		return res, nil
	}

	for i, f := range snap.Files {
		if req.Limit > 0 && len(res.Rows) >= req.Limit {
			break
		}
		if req.BBox != nil && !req.BBox.Intersects(f.BBox) {
			res.FilesPruned++
			continue
		}

		rows, err := s.scanFile(ctx, f, req, req.Limit-len(res.Rows))
		if err != nil {
			return nil, fmt.Errorf("file %d of snapshot %d: %w", i, snap.SnapshotID, err)
		}
		res.FilesScanned++
		res.Rows = append(res.Rows, rows...)
	}

	s.recordRead(ctx, res, started)
	return res, nil
}

func (s *Store) scanFile(ctx context.Context, f models.DataFile, req ReadRequest, remaining int) ([]models.Row, error) {
	data, err := s.bucket.Get(ctx, f.Path)
	if err != nil {
		if errors.Is(err, objstore.ErrObjectNotFound) {
			return nil, store.IOError("data file "+f.Path+" is missing", err)
		}
		return nil, err
	}

	opts := columnar.DecodeOptions{
		Columns:        req.Columns,
		BBox:           req.BBox,
		Checksum:       f.Checksum,
		VerifyChecksum: s.cfg.VerifyChecksums,
	}
	if req.Limit > 0 {
		opts.Limit = remaining
	}
	return s.reader.Decode(data, opts)
}

func (s *Store) recordRead(ctx context.Context, res *ReadResult, started time.Time) {
	m := telemetry.GetMetrics()
	m.RowsReadTotal.Add(ctx, int64(len(res.Rows)))
	m.FilesScannedTotal.Add(ctx, int64(res.FilesScanned))
	m.FilesPrunedTotal.Add(ctx, int64(res.FilesPruned))
	m.ReadDuration.Record(ctx, telemetry.Millis(started))
}
