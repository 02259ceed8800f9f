// Package adapter holds the per-retailer parsing strategies. Every retailer
// gets an Adapter selected by its profile; most are fully described by the
// profile, a few need code for file name conventions a pattern cannot express.
package adapter

import (
	"fmt"
	"os"
	"path"
	"strings"

	"price-ingest/internal/decoder"
	"price-ingest/internal/models"
	"price-ingest/internal/profile"
)

// StoreInfo carries store fields recovered from a member's name or defaults
type StoreInfo map[profile.Field]string

// Parsed is one decoded member ready for normalization
type Parsed struct {
	Member decoder.Member
	Store  StoreInfo
	Rows   decoder.RowReader
}

// Adapter turns a retailer's source file into row streams
type Adapter interface {
	Retailer() string
	Profile() *profile.Profile
	FieldMap() map[profile.Field][]string
	Parse(file *models.SourceFile, limits decoder.Limits) ([]Parsed, error)
}

// storeNamer extracts store fields from a member's base file name
type storeNamer func(p *profile.Profile, baseName string) StoreInfo

type profileAdapter struct {
	p     *profile.Profile
	namer storeNamer
}

func newProfileAdapter(p *profile.Profile, namer storeNamer) *profileAdapter {
	if namer == nil {
		namer = patternStore
	}
	return &profileAdapter{p: p, namer: namer}
}

func (a *profileAdapter) Retailer() string          { return a.p.Code }
func (a *profileAdapter) Profile() *profile.Profile { return a.p }

func (a *profileAdapter) FieldMap() map[profile.Field][]string {
	out := make(map[profile.Field][]string, len(a.p.Columns))
	for f, aliases := range a.p.Columns {
		out[f] = append([]string(nil), aliases...)
	}
	return out
}

// Parse extracts and opens every member. An error means the whole file is
// unusable; partial results are closed before returning.
func (a *profileAdapter) Parse(file *models.SourceFile, limits decoder.Limits) ([]Parsed, error) {
	payload, err := Payload(file)
	if err != nil {
		return nil, err
	}

	members, err := decoder.Extract(file.FileName, payload, a.p, limits)
	if err != nil {
		return nil, err
	}

	parsed := make([]Parsed, 0, len(members))
	for _, m := range members {
		rows, err := decoder.Open(m, a.p)
		if err != nil {
			closeAll(parsed)
			return nil, err
		}
		parsed = append(parsed, Parsed{Member: m, Store: a.storeInfo(m), Rows: rows})
	}
	return parsed, nil
}

func (a *profileAdapter) storeInfo(m decoder.Member) StoreInfo {
	info := StoreInfo{}
	if a.p.DefaultStoreType != "" {
		info[profile.FieldStoreType] = a.p.DefaultStoreType
	}
	if a.p.DefaultStoreCode != "" {
		info[profile.FieldStoreCode] = a.p.DefaultStoreCode
	}
	for f, v := range a.namer(a.p, stripExt(m.BaseName())) {
		if v != "" {
			info[f] = v
		}
	}
	return info
}

// Payload returns the raw bytes of a source file, reading Path when needed
func Payload(file *models.SourceFile) ([]byte, error) {
	if len(file.Payload) > 0 {
		return file.Payload, nil
	}
	if file.Path == "" {
		return nil, fmt.Errorf("%s: no payload", file.FileName)
	}
	data, err := os.ReadFile(file.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file.Path, err)
	}
	return data, nil
}

// Close releases every row reader
func Close(parsed []Parsed) {
	closeAll(parsed)
}

func closeAll(parsed []Parsed) {
	for _, p := range parsed {
		_ = p.Rows.Close()
	}
}

func stripExt(name string) string {
	switch ext := strings.ToLower(path.Ext(name)); ext {
	case ".csv", ".txt", ".xml", ".xlsx", ".zip", ".gz":
		return name[:len(name)-len(ext)]
	}
	return name
}

// patternStore applies the profile's named-group file name pattern
func patternStore(p *profile.Profile, baseName string) StoreInfo {
	groups, ok := p.MatchFileName(baseName)
	if !ok {
		return nil
	}
	info := StoreInfo{}
	for group, field := range map[string]profile.Field{
		"store_code":  profile.FieldStoreCode,
		"type":        profile.FieldStoreType,
		"address":     profile.FieldStoreAddress,
		"city":        profile.FieldStoreCity,
		"postal_code": profile.FieldStorePostalCode,
	} {
		if v, ok := groups[group]; ok {
			info[field] = strings.ReplaceAll(v, "_", " ")
		}
	}
	return info
}
