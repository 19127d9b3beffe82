package lakehouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/EPajares/goat-sub003/internal/models"
	"github.com/EPajares/goat-sub003/internal/namespace"
	"github.com/EPajares/goat-sub003/internal/store"
	"github.com/EPajares/goat-sub003/internal/telemetry"
	"github.com/rs/zerolog/log"
)

// ExpireResult reports what ExpireSnapshots removed.
type ExpireResult struct {
	Expired      []*models.Snapshot
	FilesDeleted int
}

// ExpireSnapshots drops history beyond the retention policy and deletes the
// data files only the dropped snapshots referenced, along with their
// manifests. The current snapshot is always kept.
func (s *Store) ExpireSnapshots(ctx context.Context, datasetID string) (res *ExpireResult, err error) {
	ctx, span := s.startSpan(ctx, "lakehouse.ExpireSnapshots", datasetID)
	defer func() { endSpan(span, err) }()

	ds, err := s.catalog.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	expired, err := s.catalog.ExpireSnapshots(ctx, datasetID, store.ExpirePolicy{
		RetainLast: s.cfg.RetainSnapshots,
		MinAge:     s.cfg.SnapshotMinAge,
		Now:        s.cfg.Now(),
	})
	if err != nil {
		return nil, err
	}
	res = &ExpireResult{Expired: expired}
	if len(expired) == 0 {
		return res, nil
	}

	referenced, err := s.referencedFiles(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	location := s.location(ds)
	for _, snap := range expired {
		for _, f := range snap.Files {
			if _, ok := referenced[f.Path]; ok {
				continue
			}
			if err := s.bucket.Delete(ctx, f.Path); err != nil {
				return res, fmt.Errorf("failed to delete expired file: %w", err)
			}
			// Several expired snapshots can share a file.
			referenced[f.Path] = struct{}{}
			res.FilesDeleted++
		}
		if err := s.bucket.Delete(ctx, manifestKey(location, snap.SnapshotID)); err != nil {
			log.Warn().Err(err).Str("dataset_id", datasetID).Int64("snapshot_id", snap.SnapshotID).Msg("Failed to delete manifest")
		}
	}

	m := telemetry.GetMetrics()
	m.SnapshotsExpiredTotal.Add(ctx, int64(len(expired)))
	m.FilesReclaimedTotal.Add(ctx, int64(res.FilesDeleted))

	log.Info().Str("dataset_id", datasetID).Int("expired", len(expired)).Int("files_deleted", res.FilesDeleted).Msg("Snapshots expired")
	return res, nil
}

// SweepOrphans deletes data files under the dataset location that no
// retained snapshot references and that are older than olderThan. Such files
// come from writes that crashed or lost the commit race. The age threshold
// keeps files of writes still in progress.
func (s *Store) SweepOrphans(ctx context.Context, datasetID string, olderThan time.Duration) (n int, err error) {
	ctx, span := s.startSpan(ctx, "lakehouse.SweepOrphans", datasetID)
	defer func() { endSpan(span, err) }()

	ds, err := s.catalog.GetDataset(ctx, datasetID)
	if err != nil {
		return 0, err
	}

	objects, err := s.bucket.List(ctx, namespace.DataPrefix(s.location(ds)))
	if err != nil {
		return 0, fmt.Errorf("failed to list data files: %w", err)
	}

	// Read the history after listing so files committed meanwhile are seen
	// as referenced.
	referenced, err := s.referencedFiles(ctx, datasetID)
	if err != nil {
		return 0, err
	}

	cutoff := s.cfg.Now().Add(-olderThan)
	for _, obj := range objects {
		if _, ok := referenced[obj.Key]; ok {
			continue
		}
		if !strings.HasSuffix(obj.Key, ".parquet") || !obj.ModTime.Before(cutoff) {
			continue
		}
		if err := s.bucket.Delete(ctx, obj.Key); err != nil {
			return n, fmt.Errorf("failed to delete orphan file: %w", err)
		}
		n++
	}

	telemetry.GetMetrics().FilesReclaimedTotal.Add(ctx, int64(n))
	log.Info().Str("dataset_id", datasetID).Int("deleted", n).Msg("Orphan files swept")
	return n, nil
}

// referencedFiles returns the paths used by any retained snapshot.
func (s *Store) referencedFiles(ctx context.Context, datasetID string) (map[string]struct{}, error) {
	history, err := s.catalog.ListSnapshots(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	referenced := make(map[string]struct{})
	for _, snap := range history {
		for _, f := range snap.Files {
			referenced[f.Path] = struct{}{}
		}
	}
	return referenced, nil
}
