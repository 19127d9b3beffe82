package models

import (
	"time"
)

// WriteMode selects how a write combines with the current snapshot.
type WriteMode string

const (
	// WriteOverwrite replaces the dataset content with the written rows.
	WriteOverwrite WriteMode = "overwrite"
	// WriteAppend adds the written rows to the current content.
	WriteAppend WriteMode = "append"
)

// Valid reports whether m is a known write mode.
func (m WriteMode) Valid() bool {
	return m == WriteOverwrite || m == WriteAppend
}

// DataFile references one immutable columnar file of a snapshot.
type DataFile struct {
	Path      string    `json:"path"`
	RowCount  int64     `json:"row_count"`
	BBox      *BBox     `json:"bbox,omitempty"`
	SizeBytes int64     `json:"size_bytes"`
	Checksum  uint64    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is an immutable, versioned file set of a dataset.
type Snapshot struct {
	DatasetID        string     `json:"dataset_id"`
	SnapshotID       int64      `json:"snapshot_id"`
	ParentSnapshotID int64      `json:"parent_snapshot_id"`
	Operation        WriteMode  `json:"operation"`
	Files            []DataFile `json:"files"`
	RowCount         int64      `json:"row_count"`
	BBox             *BBox      `json:"bbox,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// NewSnapshot builds a snapshot whose aggregates are derived from files.
func NewSnapshot(datasetID string, snapshotID, parentID int64, op WriteMode, files []DataFile, createdAt time.Time) *Snapshot {
	rows, bbox := AggregateFiles(files)
	return &Snapshot{
		DatasetID:        datasetID,
		SnapshotID:       snapshotID,
		ParentSnapshotID: parentID,
		Operation:        op,
		Files:            files,
		RowCount:         rows,
		BBox:             bbox,
		CreatedAt:        createdAt,
	}
}

// EmptySnapshot is what readers see for a dataset that was registered but
// never written.
func EmptySnapshot(datasetID string) *Snapshot {
	return &Snapshot{DatasetID: datasetID, Files: []DataFile{}}
}

// AggregateFiles sums row counts and unions bounding boxes.
func AggregateFiles(files []DataFile) (int64, *BBox) {
	var (
		rows int64
		bbox *BBox
	)
	for _, f := range files {
		rows += f.RowCount
		bbox = bbox.Union(f.BBox)
	}
	return rows, bbox
}

// Paths returns the file paths of the snapshot, in order.
func (s *Snapshot) Paths() []string {
	paths := make([]string, len(s.Files))
	for i, f := range s.Files {
		paths[i] = f.Path
	}
	return paths
}

// Clone returns a deep copy, so stores can hand snapshots out without sharing
// their file slices.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.BBox = s.BBox.Clone()
	c.Files = make([]DataFile, len(s.Files))
	for i, f := range s.Files {
		f.BBox = f.BBox.Clone()
		c.Files[i] = f
	}
	return &c
}
