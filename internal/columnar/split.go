package columnar

import (
	"cmp"
	"slices"

	"github.com/EPajares/goat-sub003/internal/models"
	"github.com/EPajares/goat-sub003/internal/spatial"
	"github.com/twpayne/go-geom"
)

// SplitRows groups rows into batches of at most maxRowsPerFile, one batch per
// file. With spatialSort the rows are first ordered by the geohash of their
// geometry so each file covers a compact area; rows without geometry keep
// their relative order at the end. The input slice is not modified.
func SplitRows(rows []models.Row, geometryColumn string, maxRowsPerFile int, spatialSort bool) [][]models.Row {
	if len(rows) == 0 {
		return nil
	}
	if maxRowsPerFile <= 0 {
		maxRowsPerFile = len(rows)
	}

	ordered := rows
	if spatialSort && geometryColumn != "" {
		type keyed struct {
			key string
			row models.Row
		}
		ks := make([]keyed, len(rows))
		for i, row := range rows {
			g, _ := row[geometryColumn].(geom.T)
			ks[i] = keyed{key: spatial.SortKey(spatial.BBoxOf(g)), row: row}
		}
		slices.SortStableFunc(ks, func(a, b keyed) int {
			return cmp.Compare(a.key, b.key)
		})
		ordered = make([]models.Row, len(ks))
		for i, k := range ks {
			ordered[i] = k.row
		}
	}

	batches := make([][]models.Row, 0, (len(ordered)+maxRowsPerFile-1)/maxRowsPerFile)
	for chunk := range slices.Chunk(ordered, maxRowsPerFile) {
		batches = append(batches, chunk)
	}
	return batches
}
