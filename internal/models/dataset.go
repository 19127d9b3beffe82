package models

import (
	"time"
)

// GeometryType is the kind of geometry stored in a dataset. It is fixed for
// the lifetime of the dataset.
type GeometryType string

const (
	GeometryNone    GeometryType = "none"
	GeometryPoint   GeometryType = "point"
	GeometryLine    GeometryType = "line"
	GeometryPolygon GeometryType = "polygon"
)

// Valid reports whether g is one of the known geometry types.
func (g GeometryType) Valid() bool {
	switch g {
	case GeometryNone, GeometryPoint, GeometryLine, GeometryPolygon:
		return true
	}
	return false
}

// HasGeometry reports whether datasets of this type carry a geometry column.
func (g GeometryType) HasGeometry() bool {
	return g != GeometryNone && g != ""
}

// Dataset is the catalog entry of one logical layer. Business metadata such as
// the layer name or sharing settings lives outside this system.
type Dataset struct {
	DatasetID         string
	OrganizationID    string
	Schema            Schema
	GeometryType      GeometryType
	CurrentSnapshotID int64 // 0 until the first commit
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// StorageBackend names where the authoritative copy of a dataset lives.
type StorageBackend string

const (
	BackendLegacy    StorageBackend = "legacy"
	BackendLakehouse StorageBackend = "lakehouse"
)
