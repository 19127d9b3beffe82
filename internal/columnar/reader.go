package columnar

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/EPajares/goat-sub003/internal/models"
	"github.com/EPajares/goat-sub003/internal/spatial"
	"github.com/parquet-go/parquet-go"
	"github.com/twpayne/go-geom"
)

// FileMetadata is the layerstore metadata embedded in a file.
type FileMetadata struct {
	Schema       models.Schema
	GeometryType models.GeometryType
	BBox         *models.BBox
	RowCount     int64
}

// DecodeOptions controls which rows and columns Decode returns.
type DecodeOptions struct {
	// Columns to return; empty means all.
	Columns []string
	// BBox keeps only rows whose geometry intersects it.
	BBox *models.BBox
	// Limit stops decoding after this many rows; 0 means no limit.
	Limit int
	// Checksum is compared with the file bytes when VerifyChecksum is set.
	Checksum       uint64
	VerifyChecksum bool
}

// Reader decodes files written by Writer. The zero value is ready to use.
type Reader struct {
	// BatchSize is the number of rows pulled from a row group at a time.
	BatchSize int
}

const defaultBatchSize = 256

// ReadMetadata returns the embedded metadata without decoding any rows.
func ReadMetadata(data []byte) (*FileMetadata, error) {
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	return fileMetadata(f)
}

func fileMetadata(f *parquet.File) (*FileMetadata, error) {
	raw, ok := f.Lookup(MetaSchema)
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrCorruptFile, MetaSchema)
	}
	md := &FileMetadata{}
	if err := json.Unmarshal([]byte(raw), &md.Schema); err != nil {
		return nil, fmt.Errorf("%w: bad schema metadata: %v", ErrCorruptFile, err)
	}

	gt, _ := f.Lookup(MetaGeometryType)
	md.GeometryType = models.GeometryType(gt)

	if raw, ok := f.Lookup(MetaBBox); ok {
		if err := json.Unmarshal([]byte(raw), &md.BBox); err != nil {
			return nil, fmt.Errorf("%w: bad bbox metadata: %v", ErrCorruptFile, err)
		}
	}

	if raw, ok := f.Lookup(MetaRowCount); ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad row count metadata: %v", ErrCorruptFile, err)
		}
		md.RowCount = n
	} else {
		md.RowCount = f.NumRows()
	}
	return md, nil
}

// Decode returns the rows of a file, projected onto opts.Columns and filtered
// with the exact geometry/box predicate.
func (r *Reader) Decode(data []byte, opts DecodeOptions) ([]models.Row, error) {
	if opts.VerifyChecksum {
		if sum := Checksum(data); sum != opts.Checksum {
			return nil, fmt.Errorf("%w: expected %x, got %x", ErrChecksumMismatch, opts.Checksum, sum)
		}
	}

	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	md, err := fileMetadata(f)
	if err != nil {
		return nil, err
	}
	if _, err := md.Schema.Project(opts.Columns); err != nil {
		return nil, err
	}

	var geomColumn string
	if opts.BBox != nil {
		gc, ok := md.Schema.GeometryColumn()
		if !ok {
			return nil, fmt.Errorf("%w: spatial filter on a dataset without geometry", models.ErrSchemaMismatch)
		}
		geomColumn = gc.Name
	}

	l, err := newLayout(md.Schema)
	if err != nil {
		return nil, err
	}

	batch := r.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}

	var out []models.Row
	buf := make([]parquet.Row, batch)
	for _, rg := range f.RowGroups() {
		done, err := l.scanRowGroup(rg, buf, func(row models.Row) bool {
			if geomColumn != "" {
				g, _ := row[geomColumn].(geom.T)
				if !spatial.Intersects(g, opts.BBox) {
					return false
				}
			}
			out = append(out, row.Project(opts.Columns))
			return opts.Limit > 0 && len(out) >= opts.Limit
		})
		if err != nil {
			return nil, err
		}
		if done {
			break
		}
	}
	if out == nil {
		out = []models.Row{}
	}
	return out, nil
}

// scanRowGroup feeds decoded rows to visit until visit returns true.
func (l *layout) scanRowGroup(rg parquet.RowGroup, buf []parquet.Row, visit func(models.Row) bool) (bool, error) {
	rows := rg.Rows()
	defer rows.Close()

	for {
		n, err := rows.ReadRows(buf)
		for i := 0; i < n; i++ {
			row, derr := l.decodeRow(buf[i])
			if derr != nil {
				return false, derr
			}
			if visit(row) {
				return true, nil
			}
		}
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrCorruptFile, err)
		}
	}
}

func (l *layout) decodeRow(pr parquet.Row) (models.Row, error) {
	row := make(models.Row, len(l.schema))
	for _, c := range l.schema {
		row[c.Name] = nil
	}
	for _, v := range pr {
		pos, ok := l.byLeaf[v.Column()]
		if !ok {
			continue
		}
		c := l.schema[pos]
		if v.IsNull() {
			if c.Type.IsArray() && v.DefinitionLevel() == 1 {
				row[c.Name] = emptyArray(c.Type)
			}
			continue
		}
		val, err := decodeValue(c.Type, v)
		if err != nil {
			return nil, fmt.Errorf("%w: column %q: %v", ErrCorruptFile, c.Name, err)
		}
		if c.Type.IsArray() {
			row[c.Name] = appendElement(row[c.Name], val)
			continue
		}
		row[c.Name] = val
	}
	return row, nil
}

func decodeValue(t models.ColumnType, v parquet.Value) (any, error) {
	switch t {
	case models.TypeInteger, models.TypeIntArray:
		return v.Int64(), nil
	case models.TypeFloat, models.TypeFloatArray:
		return v.Double(), nil
	case models.TypeText, models.TypeTextArray:
		return string(v.ByteArray()), nil
	case models.TypeBoolean:
		return v.Boolean(), nil
	case models.TypeTimestamp:
		return time.UnixMicro(v.Int64()).UTC(), nil
	case models.TypeJSON:
		return json.RawMessage(bytes.Clone(v.ByteArray())), nil
	case models.TypeGeometry:
		return spatial.DecodeWKB(v.ByteArray())
	}
	return nil, fmt.Errorf("unsupported column type %q", t)
}

func emptyArray(t models.ColumnType) any {
	switch t {
	case models.TypeIntArray:
		return []int64{}
	case models.TypeFloatArray:
		return []float64{}
	}
	return []string{}
}

func appendElement(cur, elem any) any {
	switch e := elem.(type) {
	case int64:
		s, _ := cur.([]int64)
		return append(s, e)
	case float64:
		s, _ := cur.([]float64)
		return append(s, e)
	case string:
		s, _ := cur.([]string)
		return append(s, e)
	}
	return cur
}
