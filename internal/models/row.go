package models

// Row is one record of a dataset keyed by column name. After coercion every
// value has the canonical type of its column (see CoerceValue).
type Row map[string]any

// Project returns a row holding only the given columns. An empty column list
// returns the row unchanged.
func (r Row) Project(columns []string) Row {
	if len(columns) == 0 {
		return r
	}
	out := make(Row, len(columns))
	for _, c := range columns {
		out[c] = r[c]
	}
	return out
}
