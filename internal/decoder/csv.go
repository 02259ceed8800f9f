package decoder

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jszwec/csvutil"

	"price-ingest/internal/models"
	"price-ingest/internal/profile"
)

// headerScanLimit bounds how many leading records may precede the header
const headerScanLimit = 10

// csvRecord receives one decoded line; csv tags are canonical field names
type csvRecord struct {
	ProductName     string `csv:"product_name"`
	ProductCode     string `csv:"product_code"`
	SKU             string `csv:"sku"`
	Brand           string `csv:"brand"`
	NetQuantity     string `csv:"net_quantity"`
	Unit            string `csv:"unit"`
	Category        string `csv:"category"`
	RegularPrice    string `csv:"regular_price"`
	PromoPrice      string `csv:"promo_price"`
	UnitPrice       string `csv:"unit_price"`
	LowestPrice30d  string `csv:"lowest_price_30d"`
	AnchorPrice     string `csv:"anchor_price"`
	PromoFlag       string `csv:"promo_flag"`
	ObservedDate    string `csv:"observed_date"`
	StoreCode       string `csv:"store_code"`
	StoreAddress    string `csv:"store_address"`
	StoreCity       string `csv:"store_city"`
	StorePostalCode string `csv:"store_postal_code"`
	StoreType       string `csv:"store_type"`
}

func (r *csvRecord) values() map[profile.Field]string {
	return map[profile.Field]string{
		profile.FieldProductName:     r.ProductName,
		profile.FieldProductCode:     r.ProductCode,
		profile.FieldSKU:             r.SKU,
		profile.FieldBrand:           r.Brand,
		profile.FieldNetQuantity:     r.NetQuantity,
		profile.FieldUnit:            r.Unit,
		profile.FieldCategory:        r.Category,
		profile.FieldRegularPrice:    r.RegularPrice,
		profile.FieldPromoPrice:      r.PromoPrice,
		profile.FieldUnitPrice:       r.UnitPrice,
		profile.FieldLowestPrice30d:  r.LowestPrice30d,
		profile.FieldAnchorPrice:     r.AnchorPrice,
		profile.FieldPromoFlag:       r.PromoFlag,
		profile.FieldObservedDate:    r.ObservedDate,
		profile.FieldStoreCode:       r.StoreCode,
		profile.FieldStoreAddress:    r.StoreAddress,
		profile.FieldStoreCity:       r.StoreCity,
		profile.FieldStorePostalCode: r.StorePostalCode,
		profile.FieldStoreType:       r.StoreType,
	}
}

type csvReader struct {
	member   string
	src      *shapedReader
	dec      *csvutil.Decoder
	resolved map[profile.Field]bool
}

func newCSVReader(m Member, p *profile.Profile) (*csvReader, error) {
	text := DecodeText(m.Data, p.Encoding)

	cr := csv.NewReader(strings.NewReader(text))
	cr.Comma = p.SeparatorRune()
	if cr.Comma == 0 {
		cr.Comma = sniffSeparator(text)
	}
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = false

	header, idx, err := findHeader(cr, m.Name, p)
	if err != nil {
		return nil, err
	}

	// Each column is named after the canonical field it resolves to, so the
	// decoder binds by name no matter where the retailer put the column.
	canonical := make([]string, len(header))
	resolved := make(map[profile.Field]bool, len(idx))
	for i := range canonical {
		canonical[i] = fmt.Sprintf("_unmapped_%d", i)
	}
	for f, i := range idx {
		canonical[i] = string(f)
		resolved[f] = true
	}

	src := &shapedReader{r: cr, width: len(header)}
	dec, err := csvutil.NewDecoder(src, canonical...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.Name, err)
	}

	return &csvReader{member: m.Name, src: src, dec: dec, resolved: resolved}, nil
}

// findHeader scans the first records for one resolving every required field
func findHeader(cr *csv.Reader, member string, p *profile.Profile) ([]string, map[profile.Field]int, error) {
	var first []string
	for i := 0; i < headerScanLimit; i++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%s: reading header: %w", member, err)
		}
		if first == nil {
			first = rec
		}
		idx, missing := p.Resolve(rec)
		if len(missing) == 0 {
			return rec, idx, nil
		}
	}

	_, missing := p.Resolve(first)
	return nil, nil, &models.SchemaMismatch{Member: member, Missing: fieldNames(missing), Header: first}
}

func (r *csvReader) Next() (Row, error) {
	for {
		var rec csvRecord
		err := r.dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return Row{}, io.EOF
		}

		var perr *csv.ParseError
		if errors.As(err, &perr) {
			return Row{Member: r.member, Line: perr.Line, Fields: map[profile.Field]string{}, Defect: perr.Error()}, nil
		}
		if err != nil {
			return Row{}, fmt.Errorf("%s: %w", r.member, err)
		}
		if r.src.blank {
			continue
		}

		fields := make(map[profile.Field]string, len(r.resolved))
		for f, v := range rec.values() {
			if r.resolved[f] {
				fields[f] = v
			}
		}
		return Row{Member: r.member, Line: r.src.line, Fields: fields, Defect: r.src.defect}, nil
	}
}

func (r *csvReader) Close() error { return nil }

// shapedReader pads or truncates records to the header width and remembers
// what it changed, so a short or long line becomes a defect, not an abort.
type shapedReader struct {
	r      *csv.Reader
	width  int
	line   int
	defect string
	blank  bool
}

func (s *shapedReader) Read() ([]string, error) {
	rec, err := s.r.Read()
	if err != nil {
		return nil, err
	}
	s.line, _ = s.r.FieldPos(0)
	s.defect = ""
	s.blank = true
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			s.blank = false
			break
		}
	}

	switch {
	case len(rec) < s.width:
		s.defect = fmt.Sprintf("expected %d fields, got %d", s.width, len(rec))
		rec = append(rec, make([]string, s.width-len(rec))...)
	case len(rec) > s.width:
		extra := rec[s.width:]
		for _, v := range extra {
			if strings.TrimSpace(v) != "" {
				s.defect = fmt.Sprintf("expected %d fields, got %d", s.width, len(rec))
				break
			}
		}
		rec = rec[:s.width]
	}
	return rec, nil
}

func sniffSeparator(text string) rune {
	line := text
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		line = text[:i]
	}
	best, bestCount := ',', 0
	for _, c := range []rune{';', ',', '\t', '|'} {
		if n := strings.Count(line, string(c)); n > bestCount {
			best, bestCount = c, n
		}
	}
	return best
}
