package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/twpayne/go-geom"
)

// ErrSchemaMismatch is returned when a schema or a row violates the rules of
// the dataset it is written to.
var ErrSchemaMismatch = errors.New("schema mismatch")

// ColumnType is the semantic type of a dataset column.
type ColumnType string

const (
	TypeInteger    ColumnType = "integer"
	TypeFloat      ColumnType = "float"
	TypeText       ColumnType = "text"
	TypeBoolean    ColumnType = "boolean"
	TypeTimestamp  ColumnType = "timestamp"
	TypeIntArray   ColumnType = "int_array"
	TypeFloatArray ColumnType = "float_array"
	TypeTextArray  ColumnType = "text_array"
	TypeJSON       ColumnType = "json"
	TypeGeometry   ColumnType = "geometry"
)

// Valid reports whether t is a known column type.
func (t ColumnType) Valid() bool {
	switch t {
	case TypeInteger, TypeFloat, TypeText, TypeBoolean, TypeTimestamp,
		TypeIntArray, TypeFloatArray, TypeTextArray, TypeJSON, TypeGeometry:
		return true
	}
	return false
}

// IsArray reports whether t is one of the array types.
func (t ColumnType) IsArray() bool {
	return t == TypeIntArray || t == TypeFloatArray || t == TypeTextArray
}

// ElementType returns the scalar type of an array type.
func (t ColumnType) ElementType() ColumnType {
	switch t {
	case TypeIntArray:
		return TypeInteger
	case TypeFloatArray:
		return TypeFloat
	case TypeTextArray:
		return TypeText
	}
	return t
}

// Column is one named, typed column of a dataset schema.
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Schema is the ordered column list of a dataset.
type Schema []Column

// Lookup finds a column by name.
func (s Schema) Lookup(name string) (Column, int, bool) {
	for i, c := range s {
		if c.Name == name {
			return c, i, true
		}
	}
	return Column{}, -1, false
}

// GeometryColumn returns the geometry column, if the schema has one.
func (s Schema) GeometryColumn() (Column, bool) {
	for _, c := range s {
		if c.Type == TypeGeometry {
			return c, true
		}
	}
	return Column{}, false
}

// Names returns the column names in schema order.
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, c := range s {
		names[i] = c.Name
	}
	return names
}

// Equal reports whether both schemas have the same columns in the same order.
func (s Schema) Equal(o Schema) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Project returns the sub-schema for the named columns, in the order given.
// An empty list selects every column.
func (s Schema) Project(columns []string) (Schema, error) {
	if len(columns) == 0 {
		return s, nil
	}
	out := make(Schema, 0, len(columns))
	for _, name := range columns {
		c, _, ok := s.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown column %q", ErrSchemaMismatch, name)
		}
		out = append(out, c)
	}
	return out, nil
}

// Validate checks the schema itself against the geometry type of the dataset:
// names must be non-empty and unique, types known, and exactly one geometry
// column must exist when the dataset carries geometry.
func (s Schema) Validate(gt GeometryType) error {
	if !gt.Valid() {
		return fmt.Errorf("%w: unknown geometry type %q", ErrSchemaMismatch, gt)
	}
	if len(s) == 0 {
		return fmt.Errorf("%w: schema has no columns", ErrSchemaMismatch)
	}

	seen := make(map[string]struct{}, len(s))
	geometryColumns := 0
	for _, c := range s {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("%w: empty column name", ErrSchemaMismatch)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("%w: duplicate column %q", ErrSchemaMismatch, c.Name)
		}
		seen[c.Name] = struct{}{}
		if !c.Type.Valid() {
			return fmt.Errorf("%w: column %q has unknown type %q", ErrSchemaMismatch, c.Name, c.Type)
		}
		if c.Type == TypeGeometry {
			geometryColumns++
		}
	}

	switch {
	case gt.HasGeometry() && geometryColumns != 1:
		return fmt.Errorf("%w: %s dataset needs exactly one geometry column, found %d", ErrSchemaMismatch, gt, geometryColumns)
	case !gt.HasGeometry() && geometryColumns != 0:
		return fmt.Errorf("%w: dataset without geometry has %d geometry columns", ErrSchemaMismatch, geometryColumns)
	}
	return nil
}

// CoerceRow validates row against the schema and returns a copy holding the
// canonical Go representation of every value. Unknown columns and values that
// cannot be converted to the declared type are rejected with
// ErrSchemaMismatch. Missing columns are stored as null.
func (s Schema) CoerceRow(row Row, gt GeometryType) (Row, error) {
	out := make(Row, len(s))
	for name, v := range row {
		c, _, ok := s.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown column %q", ErrSchemaMismatch, name)
		}
		cv, err := CoerceValue(c.Type, v)
		if err != nil {
			return nil, fmt.Errorf("%w: column %q: %v", ErrSchemaMismatch, name, err)
		}
		if g, isGeom := cv.(geom.T); isGeom && !MatchesGeometryType(g, gt) {
			return nil, fmt.Errorf("%w: column %q: %T is not a %s geometry", ErrSchemaMismatch, name, g, gt)
		}
		out[name] = cv
	}
	return out, nil
}

// MatchesGeometryType reports whether g may be stored in a dataset of type gt.
// Multi-geometries are accepted for their single counterpart.
func MatchesGeometryType(g geom.T, gt GeometryType) bool {
	switch g.(type) {
	case *geom.Point, *geom.MultiPoint:
		return gt == GeometryPoint
	case *geom.LineString, *geom.MultiLineString:
		return gt == GeometryLine
	case *geom.Polygon, *geom.MultiPolygon:
		return gt == GeometryPolygon
	}
	return false
}

// CoerceValue converts v to the canonical Go type for t:
// int64, float64, string, bool, time.Time, []int64, []float64, []string,
// json.RawMessage or geom.T. nil stays nil.
func CoerceValue(t ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case TypeInteger:
		return toInt64(v)
	case TypeFloat:
		return toFloat64(v)
	case TypeText:
		return toText(v)
	case TypeBoolean:
		return toBool(v)
	case TypeTimestamp:
		return toTime(v)
	case TypeIntArray:
		return toSlice(v, toInt64)
	case TypeFloatArray:
		return toSlice(v, toFloat64)
	case TypeTextArray:
		return toSlice(v, toText)
	case TypeJSON:
		return toJSON(v)
	case TypeGeometry:
		g, ok := v.(geom.T)
		if !ok {
			return nil, fmt.Errorf("cannot use %T as geometry", v)
		}
		return g, nil
	}
	return nil, fmt.Errorf("unknown column type %q", t)
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return 0, fmt.Errorf("%d overflows integer", x)
		}
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("%d overflows integer", x)
		}
		return int64(x), nil
	case float32:
		return floatToInt64(float64(x))
	case float64:
		return floatToInt64(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return 0, fmt.Errorf("cannot use %q as integer", x.String())
		}
		return floatToInt64(f)
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot use %q as integer", x)
		}
		return i, nil
	}
	return 0, fmt.Errorf("cannot use %T as integer", v)
}

func floatToInt64(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("%v is not an integral value", f)
	}
	return int64(f), nil
}

func toFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, fmt.Errorf("cannot use %q as float", x.String())
		}
		return f, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot use %q as float", x)
		}
		return f, nil
	}
	if i, err := toInt64(v); err == nil {
		return float64(i), nil
	}
	return 0, fmt.Errorf("cannot use %T as float", v)
}

func toText(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32), nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	}
	if i, err := toInt64(v); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	return "", fmt.Errorf("cannot use %T as text", v)
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return false, fmt.Errorf("cannot use %q as boolean", x)
		}
		return b, nil
	}
	return false, fmt.Errorf("cannot use %T as boolean", v)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

func toTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		// Files store microseconds.
		return x.UTC().Truncate(time.Microsecond), nil
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC().Truncate(time.Microsecond), nil
			}
		}
		return time.Time{}, fmt.Errorf("cannot use %q as timestamp", x)
	}
	return time.Time{}, fmt.Errorf("cannot use %T as timestamp", v)
}

func toJSON(v any) (json.RawMessage, error) {
	switch x := v.(type) {
	case json.RawMessage:
		if !json.Valid(x) {
			return nil, fmt.Errorf("invalid JSON value")
		}
		return append(json.RawMessage(nil), x...), nil
	case []byte:
		if !json.Valid(x) {
			return nil, fmt.Errorf("invalid JSON value")
		}
		return append(json.RawMessage(nil), x...), nil
	case string:
		if json.Valid([]byte(x)) {
			return json.RawMessage(x), nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cannot encode %T as JSON: %v", v, err)
	}
	return b, nil
}

func toSlice[T any](v any, conv func(any) (T, error)) ([]T, error) {
	if typed, ok := v.([]T); ok {
		out := make([]T, len(typed))
		copy(out, typed)
		return out, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("cannot use %T as array", v)
	}
	out := make([]T, rv.Len())
	for i := range out {
		elem := rv.Index(i).Interface()
		if elem == nil {
			return nil, fmt.Errorf("array element %d is null", i)
		}
		c, err := conv(elem)
		if err != nil {
			return nil, fmt.Errorf("array element %d: %w", i, err)
		}
		out[i] = c
	}
	return out, nil
}
