package lakehouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/EPajares/goat-sub003/internal/columnar"
	"github.com/EPajares/goat-sub003/internal/models"
	"github.com/EPajares/goat-sub003/internal/namespace"
	"github.com/EPajares/goat-sub003/internal/store"
	"github.com/EPajares/goat-sub003/internal/telemetry"
	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Write validates rows against the dataset schema, uploads them as new files
// and commits a snapshot. Overwrite replaces the file set; append adds to it.
// It returns the number of rows written.
//
// Nothing becomes visible unless the commit succeeds. A writer that loses
// the race gets store.ErrStaleTransaction (possibly as
// store.ErrConcurrentWriter) and must retry with fresh data.
func (s *Store) Write(ctx context.Context, datasetID string, rows []models.Row, mode models.WriteMode) (n int, err error) {
	if !mode.Valid() {
		return 0, fmt.Errorf("invalid write mode %q", mode)
	}

	ctx, span := s.startSpan(ctx, "lakehouse.Write", datasetID)
	span.SetAttributes(attribute.String("mode", string(mode)), attribute.Int("rows", len(rows)))
	defer func() { endSpan(span, err) }()

	ds, err := s.catalog.GetDataset(ctx, datasetID)
	if err != nil {
		return 0, err
	}

	coerced := make([]models.Row, len(rows))
	for i, row := range rows {
		c, err := ds.Schema.CoerceRow(row, ds.GeometryType)
		if err != nil {
			return 0, fmt.Errorf("row %d: %w", i, err)
		}
		coerced[i] = c
	}

	if len(coerced) == 0 && mode == models.WriteAppend {
		return 0, nil
	}

	started := time.Now()
	txn, err := s.catalog.BeginTransaction(ctx, datasetID)
	if err != nil {
		if errors.Is(err, store.ErrStaleTransaction) {
			telemetry.GetMetrics().CommitConflictsTotal.Add(ctx, 1)
		}
		return 0, err
	}

	var uploaded []string
	committed := false
	cleanup := true
	defer func() {
		if committed {
			return
		}
		if abortErr := s.catalog.Abort(context.WithoutCancel(ctx), txn); abortErr != nil {
			log.Warn().Err(abortErr).Str("dataset_id", datasetID).Str("txn_id", txn.ID).Msg("Failed to release writer lease")
		}
		if cleanup {
			s.deleteFiles(context.WithoutCancel(ctx), datasetID, uploaded)
		}
	}()

	newFiles, err := s.uploadFiles(ctx, ds, coerced, &uploaded)
	if err != nil {
		return 0, err
	}

	files := newFiles
	if mode == models.WriteAppend {
		files = append(append([]models.DataFile{}, txn.BaseFiles...), newFiles...)
	}

	snap, err := s.catalog.Commit(ctx, txn, store.CommitRequest{Operation: mode, Files: files})
	if err != nil {
		if errors.Is(err, store.ErrStaleTransaction) {
			telemetry.GetMetrics().CommitConflictsTotal.Add(ctx, 1)
		} else if !errors.Is(err, store.ErrDatasetNotFound) {
			// The commit may have landed; the files are left for SweepOrphans.
			cleanup = false
		}
		return 0, fmt.Errorf("failed to commit snapshot: %w", err)
	}
	committed = true

	m := telemetry.GetMetrics()
	m.RowsWrittenTotal.Add(ctx, int64(len(coerced)))
	m.FilesWrittenTotal.Add(ctx, int64(len(newFiles)))
	m.WriteDuration.Record(ctx, telemetry.Millis(started), metric.WithAttributes(attribute.String("mode", string(mode))))

	log.Info().
		Str("dataset_id", datasetID).
		Int64("snapshot_id", snap.SnapshotID).
		Str("mode", string(mode)).
		Int("rows", len(coerced)).
		Int("files", len(newFiles)).
		Msg("Snapshot committed")

	s.afterCommit(ctx, ds, snap)
	return len(coerced), nil
}

// uploadFiles encodes rows into files under the data prefix. Every key put
// is recorded in uploaded, even when a later step fails.
func (s *Store) uploadFiles(ctx context.Context, ds *models.Dataset, rows []models.Row, uploaded *[]string) ([]models.DataFile, error) {
	files := []models.DataFile{}
	if len(rows) == 0 {
		return files, nil
	}

	geomColumn := ""
	if c, ok := ds.Schema.GeometryColumn(); ok {
		geomColumn = c.Name
	}

	prefix := namespace.DataPrefix(s.location(ds))
	for _, batch := range columnar.SplitRows(rows, geomColumn, s.cfg.MaxRowsPerFile, s.cfg.SpatialSort) {
		enc, err := s.writer.Encode(ds.Schema, ds.GeometryType, batch)
		if err != nil {
			return nil, err
		}

		key, err := dataFileKey(prefix)
		if err != nil {
			return nil, err
		}
		if err := s.bucket.Put(ctx, key, enc.Bytes); err != nil {
			return nil, fmt.Errorf("failed to upload data file: %w", err)
		}
		*uploaded = append(*uploaded, key)

		files = append(files, models.DataFile{
			Path:      key,
			RowCount:  enc.RowCount,
			BBox:      enc.BBox,
			SizeBytes: int64(len(enc.Bytes)),
			Checksum:  enc.Checksum,
			CreatedAt: s.cfg.Now(),
		})
	}
	return files, nil
}

// dataFileKey names a new data file. The uuid v7 keeps names unique and
// roughly time ordered.
func dataFileKey(prefix string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate file id: %w", err)
	}
	return prefix + "part-" + base58.Encode(id[:]) + ".parquet", nil
}

func (s *Store) deleteFiles(ctx context.Context, datasetID string, keys []string) {
	for _, key := range keys {
		if err := s.bucket.Delete(ctx, key); err != nil {
			log.Warn().Err(err).Str("dataset_id", datasetID).Str("key", key).Msg("Failed to delete uncommitted file")
		}
	}
}

// afterCommit runs the best-effort steps that follow a commit.
func (s *Store) afterCommit(ctx context.Context, ds *models.Dataset, snap *models.Snapshot) {
	if s.cfg.WriteManifests {
		if err := s.writeManifest(ctx, ds, snap); err != nil {
			telemetry.GetMetrics().ManifestErrorsTotal.Add(ctx, 1)
			log.Warn().Err(err).Str("dataset_id", ds.DatasetID).Int64("snapshot_id", snap.SnapshotID).Msg("Failed to write snapshot manifest")
		}
	}
	if s.cfg.AutoExpire {
		if _, err := s.ExpireSnapshots(ctx, ds.DatasetID); err != nil {
			log.Warn().Err(err).Str("dataset_id", ds.DatasetID).Msg("Automatic snapshot expiry failed")
		}
	}
}
