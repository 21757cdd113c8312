package domain

import "slices"

// Table is a parsed tabular submission: a header and rows keyed by
// column name. Cells missing from a short row read as empty strings.
type Table struct {
	Header []string
	Rows   []map[string]string
}

// HasColumn reports whether the header contains name.
func (t *Table) HasColumn(name string) bool {
	return slices.Contains(t.Header, name)
}
