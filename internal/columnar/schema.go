// Package columnar encodes dataset rows into immutable Parquet files and
// decodes them back. Each file carries its own schema, geometry type, row count
// and bounding box in the Parquet key/value metadata, so a file can be
// understood without consulting the catalog.
package columnar

import (
	"errors"
	"fmt"
	"sort"

	"github.com/EPajares/goat-sub003/internal/models"
	"github.com/parquet-go/parquet-go"
)

// Metadata keys written into every file.
const (
	MetaSchema       = "layerstore.schema"
	MetaGeometryType = "layerstore.geometry_type"
	MetaBBox         = "layerstore.bbox"
	MetaRowCount     = "layerstore.row_count"
)

var (
	// ErrChecksumMismatch is returned when file bytes do not match the checksum
	// recorded for them.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrCorruptFile is returned when a file cannot be parsed or lacks the
	// layerstore metadata.
	ErrCorruptFile = errors.New("corrupt data file")
)

// arrayElement names the repeated leaf inside an array column's group.
const arrayElement = "element"

// columnNode maps a column type onto its Parquet node. Every column is
// optional. Arrays are an optional group around a repeated leaf, so a null
// array (definition level 0) differs from an empty one (level 1).
func columnNode(t models.ColumnType) (parquet.Node, error) {
	switch t {
	case models.TypeInteger:
		return parquet.Optional(parquet.Leaf(parquet.Int64Type)), nil
	case models.TypeFloat:
		return parquet.Optional(parquet.Leaf(parquet.DoubleType)), nil
	case models.TypeText:
		return parquet.Optional(parquet.String()), nil
	case models.TypeBoolean:
		return parquet.Optional(parquet.Leaf(parquet.BooleanType)), nil
	case models.TypeTimestamp:
		return parquet.Optional(parquet.Timestamp(parquet.Microsecond)), nil
	case models.TypeJSON:
		return parquet.Optional(parquet.JSON()), nil
	case models.TypeGeometry:
		return parquet.Optional(parquet.Leaf(parquet.ByteArrayType)), nil
	case models.TypeIntArray:
		return arrayNode(parquet.Leaf(parquet.Int64Type)), nil
	case models.TypeFloatArray:
		return arrayNode(parquet.Leaf(parquet.DoubleType)), nil
	case models.TypeTextArray:
		return arrayNode(parquet.String()), nil
	}
	return nil, fmt.Errorf("%w: unsupported column type %q", models.ErrSchemaMismatch, t)
}

func arrayNode(elem parquet.Node) parquet.Node {
	return parquet.Optional(parquet.Group{arrayElement: parquet.Repeated(elem)})
}

// layout binds a dataset schema to the Parquet schema built from it. Parquet
// orders group fields by name, so leaf indexes differ from schema positions.
type layout struct {
	schema  models.Schema
	parquet *parquet.Schema
	// leaf[i] is the Parquet column index of schema[i].
	leaf []int
	// byLeaf maps a Parquet column index back to the schema position.
	byLeaf map[int]int
	// order lists schema positions sorted by leaf index, the order in which
	// values must appear in a parquet.Row.
	order []int
}

func newLayout(schema models.Schema) (*layout, error) {
	group := make(parquet.Group, len(schema))
	for _, c := range schema {
		node, err := columnNode(c.Type)
		if err != nil {
			return nil, err
		}
		group[c.Name] = node
	}
	ps := parquet.NewSchema("layer", group)

	l := &layout{
		schema:  schema,
		parquet: ps,
		leaf:    make([]int, len(schema)),
		byLeaf:  make(map[int]int, len(schema)),
		order:   make([]int, len(schema)),
	}
	for i, c := range schema {
		path := []string{c.Name}
		if c.Type.IsArray() {
			path = append(path, arrayElement)
		}
		col, ok := ps.Lookup(path...)
		if !ok {
			return nil, fmt.Errorf("column %q missing from parquet schema", c.Name)
		}
		l.leaf[i] = col.ColumnIndex
		l.byLeaf[col.ColumnIndex] = i
		l.order[i] = i
	}
	sort.Slice(l.order, func(a, b int) bool {
		return l.leaf[l.order[a]] < l.leaf[l.order[b]]
	})
	return l, nil
}
