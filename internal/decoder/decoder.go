// Package decoder turns raw retailer payloads into format-agnostic rows.
package decoder

import (
	"fmt"

	"price-ingest/internal/profile"
)

// Row is one raw record keyed by canonical field. Values are decoded text,
// otherwise untouched.
type Row struct {
	Member string
	Line   int
	Fields map[profile.Field]string
	// Defect describes a row-level decode problem; the row is still emitted
	// so the validator can reject it with context.
	Defect string
}

// Get returns the value of a field, or "" when absent
func (r Row) Get(f profile.Field) string {
	return r.Fields[f]
}

// Has reports whether the field was present in the source
func (r Row) Has(f profile.Field) bool {
	_, ok := r.Fields[f]
	return ok
}

// RowReader yields rows lazily in source order. Next returns io.EOF when the
// member is exhausted. A reader cannot be rewound; re-open the member instead.
type RowReader interface {
	Next() (Row, error)
	Close() error
}

// Open returns a row reader for one member
func Open(m Member, p *profile.Profile) (RowReader, error) {
	switch m.Format {
	case profile.FormatCSV:
		return newCSVReader(m, p)
	case profile.FormatXML:
		return newXMLReader(m, p), nil
	case profile.FormatXLSX:
		return newXLSXReader(m, p)
	default:
		return nil, fmt.Errorf("%s: unsupported format %q", m.Name, m.Format)
	}
}

func fieldNames(fields []profile.Field) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = string(f)
	}
	return out
}
