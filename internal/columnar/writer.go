package columnar

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/EPajares/goat-sub003/internal/models"
	"github.com/EPajares/goat-sub003/internal/spatial"
	"github.com/minio/crc64nvme"
	"github.com/parquet-go/parquet-go"
	"github.com/twpayne/go-geom"
)

// EncodedFile is the result of encoding one batch of rows.
type EncodedFile struct {
	Bytes    []byte
	RowCount int64
	BBox     *models.BBox
	Checksum uint64
}

// Writer turns row batches into Parquet files. The zero value is ready to use.
type Writer struct {
	// RowGroupSize caps rows per row group; 0 keeps all rows in one group.
	RowGroupSize int
}

// Encode writes rows into a single file. Values are coerced to the column
// types; a value that does not fit its column fails the whole file with
// models.ErrSchemaMismatch.
func (w *Writer) Encode(schema models.Schema, gt models.GeometryType, rows []models.Row) (*EncodedFile, error) {
	if err := schema.Validate(gt); err != nil {
		return nil, err
	}
	l, err := newLayout(schema)
	if err != nil {
		return nil, err
	}

	pqRows := make([]parquet.Row, 0, len(rows))
	var bbox *models.BBox
	for i, row := range rows {
		pr, rowBox, err := l.encodeRow(row, gt)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		bbox = bbox.Union(rowBox)
		pqRows = append(pqRows, pr)
	}

	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	bboxJSON, err := json.Marshal(bbox)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bbox: %w", err)
	}

	var buf bytes.Buffer
	opts := []parquet.WriterOption{
		l.parquet,
		parquet.Compression(&parquet.Zstd),
		parquet.KeyValueMetadata(MetaSchema, string(schemaJSON)),
		parquet.KeyValueMetadata(MetaGeometryType, string(gt)),
		parquet.KeyValueMetadata(MetaBBox, string(bboxJSON)),
		parquet.KeyValueMetadata(MetaRowCount, strconv.Itoa(len(rows))),
	}
	pw := parquet.NewWriter(&buf, opts...)

	batch := len(pqRows)
	if w.RowGroupSize > 0 {
		batch = w.RowGroupSize
	}
	for chunk := range slices.Chunk(pqRows, max(batch, 1)) {
		if _, err := pw.WriteRows(chunk); err != nil {
			return nil, fmt.Errorf("failed to write rows: %w", err)
		}
		if w.RowGroupSize > 0 {
			if err := pw.Flush(); err != nil {
				return nil, fmt.Errorf("failed to flush row group: %w", err)
			}
		}
	}
	if err := pw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close parquet writer: %w", err)
	}

	data := buf.Bytes()
	return &EncodedFile{
		Bytes:    data,
		RowCount: int64(len(rows)),
		BBox:     bbox,
		Checksum: Checksum(data),
	}, nil
}

// Checksum returns the CRC-64/NVME of data.
func Checksum(data []byte) uint64 {
	h := crc64nvme.New()
	h.Write(data)
	return h.Sum64()
}

func (l *layout) encodeRow(row models.Row, gt models.GeometryType) (parquet.Row, *models.BBox, error) {
	for name := range row {
		if _, _, ok := l.schema.Lookup(name); !ok {
			return nil, nil, fmt.Errorf("%w: unknown column %q", models.ErrSchemaMismatch, name)
		}
	}

	out := make(parquet.Row, 0, len(l.schema))
	var bbox *models.BBox
	for _, pos := range l.order {
		c := l.schema[pos]
		v, err := models.CoerceValue(c.Type, row[c.Name])
		if err != nil {
			return nil, nil, fmt.Errorf("%w: column %q: %v", models.ErrSchemaMismatch, c.Name, err)
		}
		if g, ok := v.(geom.T); ok {
			if !models.MatchesGeometryType(g, gt) {
				return nil, nil, fmt.Errorf("%w: column %q: %T is not a %s geometry", models.ErrSchemaMismatch, c.Name, g, gt)
			}
			bbox = spatial.BBoxOf(g)
		}
		out, err = appendValue(out, c.Type, v, l.leaf[pos])
		if err != nil {
			return nil, nil, fmt.Errorf("column %q: %w", c.Name, err)
		}
	}
	return out, bbox, nil
}

// appendValue appends the leaf values of one column. Arrays become one value
// per element at definition level 2; an empty array is a single null at
// level 1.
func appendValue(row parquet.Row, t models.ColumnType, v any, col int) (parquet.Row, error) {
	if v == nil {
		return append(row, parquet.NullValue().Level(0, 0, col)), nil
	}

	switch x := v.(type) {
	case int64:
		return append(row, parquet.Int64Value(x).Level(0, 1, col)), nil
	case float64:
		return append(row, parquet.DoubleValue(x).Level(0, 1, col)), nil
	case string:
		return append(row, parquet.ByteArrayValue([]byte(x)).Level(0, 1, col)), nil
	case bool:
		return append(row, parquet.BooleanValue(x).Level(0, 1, col)), nil
	case time.Time:
		return append(row, parquet.Int64Value(x.UnixMicro()).Level(0, 1, col)), nil
	case json.RawMessage:
		return append(row, parquet.ByteArrayValue(x).Level(0, 1, col)), nil
	case geom.T:
		b, err := spatial.EncodeWKB(x)
		if err != nil {
			return nil, err
		}
		return append(row, parquet.ByteArrayValue(b).Level(0, 1, col)), nil
	case []int64:
		return appendRepeated(row, x, col, parquet.Int64Value), nil
	case []float64:
		return appendRepeated(row, x, col, parquet.DoubleValue), nil
	case []string:
		return appendRepeated(row, x, col, func(s string) parquet.Value {
			return parquet.ByteArrayValue([]byte(s))
		}), nil
	}
	return nil, fmt.Errorf("%w: cannot store %T as %s", models.ErrSchemaMismatch, v, t)
}

func appendRepeated[T any](row parquet.Row, elems []T, col int, value func(T) parquet.Value) parquet.Row {
	if len(elems) == 0 {
		return append(row, parquet.NullValue().Level(0, 1, col))
	}
	for i, e := range elems {
		rep := 1
		if i == 0 {
			rep = 0
		}
		row = append(row, value(e).Level(rep, 2, col))
	}
	return row
}
