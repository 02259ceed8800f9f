package decoder

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"price-ingest/internal/profile"
)

// Member is one decodable file, possibly extracted from nested archives.
// Name carries the archive path for provenance, e.g. "day.zip/store_12.csv".
type Member struct {
	Name   string
	Format profile.Format
	Data   []byte
}

// BaseName returns the innermost file name of the member
func (m Member) BaseName() string {
	name := m.Name
	if i := strings.LastIndex(name, "#"); i >= 0 {
		name = name[:i]
	}
	return path.Base(name)
}

// Limits bound archive extraction
type Limits struct {
	MaxMemberBytes int64
	MaxDepth       int
}

// DefaultLimits are used when a zero Limits is passed
var DefaultLimits = Limits{MaxMemberBytes: 256 << 20, MaxDepth: 4}

// Extract unpacks payload into decodable members. Archives are expanded
// recursively; members whose format cannot be determined are skipped.
func Extract(name string, payload []byte, p *profile.Profile, limits Limits) ([]Member, error) {
	if limits.MaxMemberBytes <= 0 {
		limits.MaxMemberBytes = DefaultLimits.MaxMemberBytes
	}
	if limits.MaxDepth <= 0 {
		limits.MaxDepth = DefaultLimits.MaxDepth
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%s: empty payload", name)
	}

	members, err := extract(name, payload, p, limits, 0)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%s: no decodable members", name)
	}
	return members, nil
}

func extract(name string, data []byte, p *profile.Profile, limits Limits, depth int) ([]Member, error) {
	switch {
	case isXLSX(name, data):
		return []Member{{Name: name, Format: profile.FormatXLSX, Data: data}}, nil
	case isZip(data):
		if depth >= limits.MaxDepth {
			return nil, fmt.Errorf("%s: archive nesting deeper than %d", name, limits.MaxDepth)
		}
		return extractZip(name, data, p, limits, depth)
	case isGzip(data):
		if depth >= limits.MaxDepth {
			return nil, fmt.Errorf("%s: archive nesting deeper than %d", name, limits.MaxDepth)
		}
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		defer zr.Close()
		inner, err := readLimited(zr, limits.MaxMemberBytes)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return extract(strings.TrimSuffix(name, path.Ext(name)), inner, p, limits, depth+1)
	}

	format, ok := formatOf(name, p, depth)
	if !ok {
		return nil, nil
	}
	return []Member{{Name: name, Format: format, Data: data}}, nil
}

func extractZip(name string, data []byte, p *profile.Profile, limits Limits, depth int) ([]Member, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	var members []Member
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.HasPrefix(f.Name, "__MACOSX/") || strings.HasPrefix(path.Base(f.Name), ".") {
			continue
		}
		if int64(f.UncompressedSize64) > limits.MaxMemberBytes {
			return nil, fmt.Errorf("%s/%s: member exceeds %d bytes", name, f.Name, limits.MaxMemberBytes)
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", name, f.Name, err)
		}
		inner, err := readLimited(rc, limits.MaxMemberBytes)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", name, f.Name, err)
		}
		sub, err := extract(name+"/"+f.Name, inner, p, limits, depth+1)
		if err != nil {
			return nil, err
		}
		members = append(members, sub...)
	}
	return members, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("member exceeds %d bytes", limit)
	}
	return data, nil
}

func formatOf(name string, p *profile.Profile, depth int) (profile.Format, bool) {
	switch strings.ToLower(path.Ext(name)) {
	case ".csv", ".txt":
		return profile.FormatCSV, true
	case ".xml":
		return profile.FormatXML, true
	case ".xlsx":
		return profile.FormatXLSX, true
	case "":
		return p.Format, true
	}
	// A bare top-level payload trusts the profile; archive members with a
	// foreign extension (pdf, json, ...) are skipped.
	if depth == 0 {
		return p.Format, true
	}
	return "", false
}

func isZip(data []byte) bool {
	return bytes.HasPrefix(data, []byte("PK\x03\x04")) || bytes.HasPrefix(data, []byte("PK\x05\x06"))
}

func isGzip(data []byte) bool {
	return len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b
}

func isXLSX(name string, data []byte) bool {
	if !isZip(data) {
		return false
	}
	if strings.EqualFold(path.Ext(name), ".xlsx") {
		return true
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return false
	}
	for _, f := range zr.File {
		if f.Name == "xl/workbook.xml" {
			return true
		}
	}
	return false
}
