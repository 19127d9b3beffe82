package legacy

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/EPajares/goat-sub003/internal/models"
)

// MemorySource is an in-memory Source.
type MemorySource struct {
	mu     sync.RWMutex
	layers map[string]*LayerInfo
	rows   map[string][]GenericRow
	// migrated datasets are hidden from ListLayers.
	migrated map[string]bool
}

var _ Source = (*MemorySource)(nil)

// NewMemorySource creates an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		layers:   make(map[string]*LayerInfo),
		rows:     make(map[string][]GenericRow),
		migrated: make(map[string]bool),
	}
}

// AddLayer stores a layer and its rows, replacing an earlier one.
func (s *MemorySource) AddLayer(info LayerInfo, rows ...GenericRow) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info.AttributeMapping = maps.Clone(info.AttributeMapping)
	s.layers[info.DatasetID] = &info
	s.rows[info.DatasetID] = slices.Clone(rows)
}

// RemoveRow deletes the i-th row of a dataset.
func (s *MemorySource) RemoveRow(datasetID string, i int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.rows[datasetID]
	if i >= 0 && i < len(rows) {
		s.rows[datasetID] = slices.Delete(slices.Clone(rows), i, i+1)
	}
}

// MarkMigrated hides a dataset from ListLayers, the way the pointer flip
// does for the Postgres source.
func (s *MemorySource) MarkMigrated(datasetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.migrated[datasetID] = true
}

// LookupLayer returns the layer, or ErrLayerNotFound.
func (s *MemorySource) LookupLayer(ctx context.Context, datasetID string) (*LayerInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.layers[datasetID]
	if !ok {
		return nil, ErrLayerNotFound
	}
	c := *info
	c.AttributeMapping = maps.Clone(info.AttributeMapping)
	return &c, nil
}

// ScanRows returns copies of the stored rows restricted to columns.
func (s *MemorySource) ScanRows(ctx context.Context, info *LayerInfo, columns []string) ([]GenericRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.rows[info.DatasetID]
	out := make([]GenericRow, 0, len(stored))
	for _, r := range stored {
		row := make(GenericRow, len(columns)+1)
		for _, c := range columns {
			row[c] = r[c]
		}
		if info.GeometryType != models.GeometryNone {
			row[GeometryColumn] = r[GeometryColumn]
		}
		out = append(out, row)
	}
	return out, nil
}

// ListLayers returns the ids of layers not yet migrated, sorted.
func (s *MemorySource) ListLayers(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id := range s.layers {
		if !s.migrated[id] {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}
