package profile

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Format is the declared file format of a retailer's price list
type Format string

const (
	FormatCSV  Format = "CSV"
	FormatXML  Format = "XML"
	FormatXLSX Format = "XLSX"
)

// Archive formats wrapping the price list
const (
	ArchiveNone = ""
	ArchiveZip  = "zip"
	ArchiveGzip = "gzip"
)

// Field is a canonical field name
type Field string

const (
	FieldProductName     Field = "product_name"
	FieldProductCode     Field = "product_code"
	FieldSKU             Field = "sku"
	FieldBrand           Field = "brand"
	FieldNetQuantity     Field = "net_quantity"
	FieldUnit            Field = "unit"
	FieldCategory        Field = "category"
	FieldRegularPrice    Field = "regular_price"
	FieldPromoPrice      Field = "promo_price"
	FieldUnitPrice       Field = "unit_price"
	FieldLowestPrice30d  Field = "lowest_price_30d"
	FieldAnchorPrice     Field = "anchor_price"
	FieldPromoFlag       Field = "promo_flag"
	FieldObservedDate    Field = "observed_date"
	FieldStoreCode       Field = "store_code"
	FieldStoreAddress    Field = "store_address"
	FieldStoreCity       Field = "store_city"
	FieldStorePostalCode Field = "store_postal_code"
	FieldStoreType       Field = "store_type"
)

// Fields lists every canonical field in a stable order
var Fields = []Field{
	FieldProductName, FieldProductCode, FieldSKU, FieldBrand, FieldNetQuantity,
	FieldUnit, FieldCategory, FieldRegularPrice, FieldPromoPrice, FieldUnitPrice,
	FieldLowestPrice30d, FieldAnchorPrice, FieldPromoFlag, FieldObservedDate,
	FieldStoreCode, FieldStoreAddress, FieldStoreCity, FieldStorePostalCode, FieldStoreType,
}

// PromoRuleKind selects how the promotional flag is derived
type PromoRuleKind string

const (
	PromoNone           PromoRuleKind = "none"
	PromoColumn         PromoRuleKind = "column"
	PromoSpecialPrice   PromoRuleKind = "special_price"
	PromoBelowLowest30d PromoRuleKind = "below_lowest_30d"
)

// PromoRule declares the retailer's promotion convention
type PromoRule struct {
	Kind PromoRuleKind `yaml:"kind"`
	// Threshold is the fraction below the 30-day lowest price that counts as
	// a promotion for PromoBelowLowest30d.
	Threshold  float64  `yaml:"threshold"`
	TrueValues []string `yaml:"true_values"`
}

type XMLSpec struct {
	Record string `yaml:"record"`
}

type SheetSpec struct {
	SkipRows  int  `yaml:"skip_rows"`
	AllSheets bool `yaml:"all_sheets"`
}

// Listing describes where the fetch collaborator finds a day's files
type Listing struct {
	URL         string `yaml:"url"`
	LinkPattern string `yaml:"link_pattern"`
	DateLayout  string `yaml:"date_layout"`
}

// Profile is the static descriptor of one retailer. Profiles are read-only
// once a Registry has been built from them.
type Profile struct {
	Code             string             `yaml:"code"`
	Name             string             `yaml:"name"`
	Format           Format             `yaml:"format"`
	Archive          string             `yaml:"archive"`
	Separator        string             `yaml:"separator"`
	Encoding         string             `yaml:"encoding"`
	DecimalSeparator string             `yaml:"decimal_separator"`
	DateLayouts      []string           `yaml:"date_layouts"`
	Currency         string             `yaml:"currency"`
	Columns          map[Field][]string `yaml:"columns"`
	Required         []Field            `yaml:"required"`
	Promo            PromoRule          `yaml:"promo"`
	XML              XMLSpec            `yaml:"xml"`
	Sheet            SheetSpec          `yaml:"sheet"`
	FileNamePattern  string             `yaml:"file_name_pattern"`
	DefaultStoreCode string             `yaml:"default_store_code"`
	DefaultStoreType string             `yaml:"default_store_type"`
	Adapter          string             `yaml:"adapter"`
	Listing          Listing            `yaml:"listing"`

	fileName *regexp.Regexp
	aliases  map[Field][]alias
}

type alias struct {
	text   string
	prefix bool
}

var defaultDateLayouts = []string{"02.01.2006", "2.1.2006", "02.01.2006.", "2006-01-02", "02/01/2006"}

// compile fills defaults, validates and prepares lookup structures
func (p *Profile) compile() error {
	p.Code = strings.ToUpper(strings.TrimSpace(p.Code))
	if p.Code == "" {
		return fmt.Errorf("profile without code")
	}
	if p.Name == "" {
		p.Name = p.Code
	}
	p.Format = Format(strings.ToUpper(string(p.Format)))
	switch p.Format {
	case FormatCSV, FormatXML, FormatXLSX:
	default:
		return fmt.Errorf("profile %s: unsupported format %q", p.Code, p.Format)
	}
	switch p.Archive {
	case ArchiveNone, ArchiveZip, ArchiveGzip:
	default:
		return fmt.Errorf("profile %s: unsupported archive %q", p.Code, p.Archive)
	}
	if p.Separator == `\t` {
		p.Separator = "\t"
	}
	if utf8.RuneCountInString(p.Separator) > 1 {
		return fmt.Errorf("profile %s: separator must be a single character", p.Code)
	}
	if p.Encoding == "" {
		p.Encoding = "auto"
	}
	switch p.DecimalSeparator {
	case "":
		p.DecimalSeparator = ","
	case ",", ".":
	default:
		return fmt.Errorf("profile %s: decimal separator %q", p.Code, p.DecimalSeparator)
	}
	if len(p.DateLayouts) == 0 {
		p.DateLayouts = defaultDateLayouts
	}
	if p.Currency == "" {
		p.Currency = "EUR"
	}
	if len(p.Required) == 0 {
		p.Required = []Field{FieldProductName, FieldRegularPrice}
	}
	switch p.Promo.Kind {
	case "":
		p.Promo.Kind = PromoSpecialPrice
	case PromoNone, PromoSpecialPrice, PromoBelowLowest30d:
	case PromoColumn:
		if len(p.Columns[FieldPromoFlag]) == 0 {
			return fmt.Errorf("profile %s: promo rule %q needs %s aliases", p.Code, p.Promo.Kind, FieldPromoFlag)
		}
	default:
		return fmt.Errorf("profile %s: unknown promo rule %q", p.Code, p.Promo.Kind)
	}
	if len(p.Promo.TrueValues) == 0 {
		p.Promo.TrueValues = []string{"da", "d", "yes", "y", "true", "1", "x", "akcija"}
	}
	if p.Format == FormatXML && p.XML.Record == "" {
		return fmt.Errorf("profile %s: xml record element is required", p.Code)
	}
	if p.FileNamePattern != "" {
		re, err := regexp.Compile(p.FileNamePattern)
		if err != nil {
			return fmt.Errorf("profile %s: file name pattern: %w", p.Code, err)
		}
		p.fileName = re
	}
	for _, f := range p.Required {
		if len(p.Columns[f]) == 0 {
			return fmt.Errorf("profile %s: required field %s has no aliases", p.Code, f)
		}
	}

	p.aliases = make(map[Field][]alias, len(p.Columns))
	for field, names := range p.Columns {
		for _, name := range names {
			a := alias{text: name}
			if strings.HasSuffix(name, "*") {
				a.prefix = true
				a.text = strings.TrimSuffix(name, "*")
			}
			a.text = NormalizeHeader(a.text)
			p.aliases[field] = append(p.aliases[field], a)
		}
	}
	return nil
}

// NormalizeHeader folds a column or element name for alias comparison
func NormalizeHeader(s string) string {
	s = strings.TrimPrefix(s, "\uFEFF")
	s = norm.NFC.String(s)
	s = strings.Trim(s, " \t\"'")
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}

// Matches reports whether a header name is an alias of field
func (p *Profile) Matches(field Field, header string) bool {
	h := NormalizeHeader(header)
	for _, a := range p.aliases[field] {
		if a.prefix && strings.HasPrefix(h, a.text) {
			return true
		}
		if !a.prefix && h == a.text {
			return true
		}
	}
	return false
}

// FieldFor returns the canonical field a header name maps to
func (p *Profile) FieldFor(header string) (Field, bool) {
	for _, f := range Fields {
		if p.Matches(f, header) {
			return f, true
		}
	}
	return "", false
}

// Resolve maps canonical fields to column indexes of header and reports the
// required fields that could not be resolved. The first matching column wins.
func (p *Profile) Resolve(header []string) (map[Field]int, []Field) {
	idx := make(map[Field]int)
	for _, f := range Fields {
		for i, h := range header {
			if p.Matches(f, h) {
				idx[f] = i
				break
			}
		}
	}
	var missing []Field
	for _, f := range p.Required {
		if _, ok := idx[f]; !ok {
			missing = append(missing, f)
		}
	}
	return idx, missing
}

// SeparatorRune returns the declared CSV separator, or 0 when it must be sniffed
func (p *Profile) SeparatorRune() rune {
	if p.Separator == "" {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(p.Separator)
	return r
}

// MatchFileName applies the file name pattern and returns its named groups
func (p *Profile) MatchFileName(name string) (map[string]string, bool) {
	if p.fileName == nil {
		return nil, false
	}
	m := p.fileName.FindStringSubmatch(name)
	if m == nil {
		return nil, false
	}
	groups := make(map[string]string)
	for i, g := range p.fileName.SubexpNames() {
		if g != "" && i < len(m) {
			groups[g] = m[i]
		}
	}
	return groups, true
}
