// Package normalize maps decoded rows onto canonical records. It never
// rejects anything: unreadable values are marked invalid and left for the
// validator.
package normalize

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"

	"price-ingest/internal/decoder"
	"price-ingest/internal/models"
	"price-ingest/internal/profile"
)

// Normalizer applies one retailer profile's conventions. It holds no mutable
// state and may be shared between goroutines.
type Normalizer struct {
	p          *profile.Profile
	trueValues map[string]bool
}

func New(p *profile.Profile) *Normalizer {
	tv := make(map[string]bool, len(p.Promo.TrueValues))
	for _, v := range p.Promo.TrueValues {
		tv[strings.ToLower(strings.TrimSpace(v))] = true
	}
	return &Normalizer{p: p, trueValues: tv}
}

// File describes one member of a source file
func (n *Normalizer) File(file *models.SourceFile, m decoder.Member) models.FileMetadata {
	return models.FileMetadata{
		Retailer:        n.p.Code,
		FileName:        file.FileName,
		Member:          m.Name,
		Format:          string(m.Format),
		PublicationDate: Day(file.PublicationDate),
		Checksum:        file.Checksum,
	}
}

// Store builds a store candidate from member-level and row-level store fields
func (n *Normalizer) Store(member string, fields map[profile.Field]string) models.StoreCandidate {
	return models.StoreCandidate{
		Retailer:     n.p.Code,
		Member:       member,
		ExternalCode: Code(fields[profile.FieldStoreCode]),
		Address:      strings.ToUpper(Text(fields[profile.FieldStoreAddress])),
		City:         strings.ToUpper(Text(fields[profile.FieldStoreCity])),
		PostalCode:   digits(fields[profile.FieldStorePostalCode]),
		Type:         StoreType(fields[profile.FieldStoreType]),
	}
}

// Price builds a price candidate. storeCode is the member-level store used
// when the row carries none; an empty observed date falls back to published.
func (n *Normalizer) Price(row decoder.Row, storeCode string, published time.Time) models.PriceCandidate {
	c := models.PriceCandidate{
		Member:         row.Member,
		Line:           row.Line,
		StoreCode:      Code(storeCode),
		ProductCode:    Barcode(row.Get(profile.FieldProductCode)),
		SKU:            Code(row.Get(profile.FieldSKU)),
		ProductName:    Name(row.Get(profile.FieldProductName)),
		Brand:          Text(row.Get(profile.FieldBrand)),
		NetQuantity:    Text(row.Get(profile.FieldNetQuantity)),
		Unit:           Text(row.Get(profile.FieldUnit)),
		Category:       Text(row.Get(profile.FieldCategory)),
		RegularPrice:   n.Amount(row.Get(profile.FieldRegularPrice)),
		PromoPrice:     n.Amount(row.Get(profile.FieldPromoPrice)),
		UnitPrice:      n.Amount(row.Get(profile.FieldUnitPrice)),
		LowestPrice30d: n.Amount(row.Get(profile.FieldLowestPrice30d)),
		AnchorPrice:    n.Amount(row.Get(profile.FieldAnchorPrice)),
		Currency:       n.p.Currency,
		ObservedDate:   n.Date(row.Get(profile.FieldObservedDate), published),
		Defect:         row.Defect,
	}
	if code := Code(row.Get(profile.FieldStoreCode)); code != "" {
		c.StoreCode = code
	}
	c.IsPromotional = n.promotional(c, row.Get(profile.FieldPromoFlag))
	return c
}

func (n *Normalizer) promotional(c models.PriceCandidate, flag string) bool {
	switch n.p.Promo.Kind {
	case profile.PromoColumn:
		return n.trueValues[strings.ToLower(strings.TrimSpace(flag))]
	case profile.PromoSpecialPrice:
		promo := c.PromoPrice
		if !promo.Present || !promo.Valid || !promo.Value.IsPositive() {
			return false
		}
		regular := c.RegularPrice
		return !regular.Valid || promo.Value.LessThan(regular.Value)
	case profile.PromoBelowLowest30d:
		regular, lowest := c.RegularPrice, c.LowestPrice30d
		if !regular.Valid || !lowest.Valid || !lowest.Value.IsPositive() {
			return false
		}
		factor := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(n.p.Promo.Threshold))
		return regular.Value.LessThan(lowest.Value.Mul(factor))
	default:
		return false
	}
}

var currencyMarkers = strings.NewReplacer("€", "", "EUR", "", "eur", "", "HRK", "", "kn", "", " ", "", "\u00a0", "", "'", "")

// Amount reads a price written with either decimal separator. When both
// separators occur the profile's decimal separator wins and the other is
// taken as a thousands separator.
func (n *Normalizer) Amount(raw string) models.Amount {
	a := models.Amount{Raw: raw}
	s := currencyMarkers.Replace(strings.TrimSpace(raw))
	if s == "" || strings.Trim(s, "-–") == "" {
		return a
	}
	a.Present = true

	hasComma, hasDot := strings.Contains(s, ","), strings.Contains(s, ".")
	switch {
	case hasComma && hasDot:
		if n.p.DecimalSeparator == "," {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.ReplaceAll(s, ",", ".")
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case hasComma:
		s = strings.ReplaceAll(s, ",", ".")
	}
	if strings.HasPrefix(s, ".") {
		s = "0" + s
	} else if strings.HasPrefix(s, "-.") {
		s = "-0" + s[1:]
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return a
	}
	a.Value = Canonical(d)
	a.Valid = true
	return a
}

// Canonical drops trailing zeros beyond two fraction digits, so 1.2900
// becomes 1.29 while 1.299 keeps its third digit.
func Canonical(d decimal.Decimal) decimal.Decimal {
	if d.Exponent() < -2 {
		if t := d.Truncate(2); t.Equal(d) {
			return t
		}
	}
	return d
}

// Date parses an observed date; empty input means the publication date
func (n *Normalizer) Date(raw string, published time.Time) models.DateValue {
	s := strings.TrimSpace(raw)
	if s == "" {
		return models.DateValue{Time: Day(published), Valid: !published.IsZero()}
	}
	v := models.DateValue{Raw: raw}
	candidates := []string{s}
	if f := strings.Fields(s); len(f) > 1 {
		candidates = append(candidates, f[0])
	}
	for _, c := range candidates {
		for _, layout := range n.p.DateLayouts {
			if t, err := time.Parse(layout, c); err == nil {
				v.Time, v.Valid = Day(t), true
				return v
			}
		}
	}
	return v
}

// Day truncates t to a UTC calendar date
func Day(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var leadingJunk = regexp.MustCompile(`^[^\p{L}\p{N}]+`)

// Name cleans a product name: NFC, collapsed whitespace, no leading
// punctuation, upper case. Diacritics are preserved.
func Name(s string) string {
	s = norm.NFC.String(decoder.RepairText(s))
	s = strings.Join(strings.Fields(s), " ")
	s = leadingJunk.ReplaceAllString(s, "")
	return strings.ToUpper(s)
}

// Text trims and collapses whitespace
func Text(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// Code cleans an identifier, dropping the ".0" spreadsheets append to numbers
func Code(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".0")
	s = strings.TrimSuffix(s, ",0")
	return s
}

var scientific = regexp.MustCompile(`^\d(?:[.,]\d+)?[eE]\+?\d+$`)

// Barcode cleans a product code. Values a spreadsheet turned into
// scientific notation are expanded back into digits.
func Barcode(s string) string {
	s = strings.ReplaceAll(Code(s), " ", "")
	if scientific.MatchString(s) {
		if d, err := decimal.NewFromString(strings.Replace(s, ",", ".", 1)); err == nil {
			return d.Truncate(0).String()
		}
	}
	return s
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// StoreType maps retailer labels (HIPERMARKET, Supermarket, DISKONTNA, ...)
// onto store types
func StoreType(label string) models.StoreType {
	l := strings.ToLower(strings.TrimSpace(label))
	switch {
	case l == "":
		return models.StoreTypeOther
	case strings.Contains(l, "hiper") || strings.Contains(l, "hyper"):
		return models.StoreTypeHypermarket
	case strings.Contains(l, "super"):
		return models.StoreTypeSupermarket
	case strings.Contains(l, "mini"):
		return models.StoreTypeMinimarket
	case strings.Contains(l, "diskont") || strings.Contains(l, "discount"):
		return models.StoreTypeDiscount
	case strings.Contains(l, "cash"):
		return models.StoreTypeCashCarry
	case strings.Contains(l, "online") || strings.Contains(l, "web") || strings.Contains(l, "internet"):
		return models.StoreTypeOnline
	default:
		return models.StoreTypeOther
	}
}
