package decoder

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"price-ingest/internal/models"
	"price-ingest/internal/profile"
)

// xlsxReader walks the sheets of a workbook. Each sheet has its own header
// below Sheet.SkipRows leading rows.
type xlsxReader struct {
	member string
	p      *profile.Profile
	file   *excelize.File
	sheets []string

	sheet string
	rows  *excelize.Rows
	index map[profile.Field]int
	line  int
}

func newXLSXReader(m Member, p *profile.Profile) (*xlsxReader, error) {
	f, err := excelize.OpenReader(bytes.NewReader(m.Data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.Name, err)
	}

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		f.Close()
		return nil, &models.SchemaMismatch{Member: m.Name, Missing: []string{"worksheet"}}
	}
	if !p.Sheet.AllSheets {
		sheets = sheets[:1]
	}

	x := &xlsxReader{member: m.Name, p: p, file: f, sheets: sheets}
	if err := x.openSheet(true); err != nil {
		f.Close()
		return nil, err
	}
	return x, nil
}

// openSheet advances to the next sheet with a usable header. Only the first
// sheet is required to have one; later sheets without it are skipped.
func (x *xlsxReader) openSheet(first bool) error {
	for len(x.sheets) > 0 {
		name := x.sheets[0]
		x.sheets = x.sheets[1:]

		rows, err := x.file.Rows(name)
		if err != nil {
			return fmt.Errorf("%s#%s: %w", x.member, name, err)
		}

		var header []string
		line := 0
		for rows.Next() {
			line++
			if line <= x.p.Sheet.SkipRows {
				continue
			}
			header, err = rows.Columns()
			if err != nil {
				rows.Close()
				return fmt.Errorf("%s#%s: %w", x.member, name, err)
			}
			break
		}

		idx, missing := x.p.Resolve(header)
		if len(missing) > 0 {
			rows.Close()
			if first {
				return &models.SchemaMismatch{Member: x.member + "#" + name, Missing: fieldNames(missing), Header: header}
			}
			continue
		}

		x.sheet, x.rows, x.index, x.line = name, rows, idx, line
		return nil
	}
	return io.EOF
}

func (x *xlsxReader) Next() (Row, error) {
	for {
		if x.rows == nil {
			return Row{}, io.EOF
		}
		if !x.rows.Next() {
			if err := x.rows.Error(); err != nil {
				return Row{}, fmt.Errorf("%s#%s: %w", x.member, x.sheet, err)
			}
			x.rows.Close()
			x.rows = nil
			if err := x.openSheet(false); err != nil {
				if errors.Is(err, io.EOF) {
					return Row{}, io.EOF
				}
				return Row{}, err
			}
			continue
		}
		x.line++

		cells, err := x.rows.Columns()
		if err != nil {
			return Row{}, fmt.Errorf("%s#%s: %w", x.member, x.sheet, err)
		}
		if blank(cells) {
			continue
		}

		fields := make(map[profile.Field]string, len(x.index))
		for f, i := range x.index {
			if i < len(cells) {
				fields[f] = RepairText(cells[i])
			} else {
				fields[f] = ""
			}
		}
		return Row{Member: x.member + "#" + x.sheet, Line: x.line, Fields: fields}, nil
	}
}

func (x *xlsxReader) Close() error {
	if x.rows != nil {
		x.rows.Close()
		x.rows = nil
	}
	return x.file.Close()
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
