// Package validate enforces domain constraints on canonical records. All
// rules run for every candidate so a rejection lists every violation.
package validate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"price-ingest/internal/models"
)

// Rule names
const (
	RulePriceFormat       = "price_format"
	RuleProductIdentifier = "product_identifier"
	RuleBarcodeLength     = "barcode_length"
	RuleProductName       = "product_name"
	RuleDateFormat        = "observed_date_format"
	RuleFutureDate        = "future_date"
	RuleStoreCode         = "store_code"
	RuleRowShape          = "row_shape"
)

const (
	minBarcodeDigits = 8
	maxBarcodeDigits = 13
	maxFraction      = 2
)

// Violation is one failed rule
type Violation struct {
	Rule   string
	Reason string
}

// Validator applies the record rules to parsed candidates. It holds no state
// and is safe for concurrent use.
type Validator struct{}

// New creates a validator
func New() *Validator {
	return &Validator{}
}

// Price checks a price candidate against a file published on published
func (v *Validator) Price(c models.PriceCandidate, published time.Time) []Violation {
	var out []Violation
	add := func(rule, format string, args ...interface{}) {
		out = append(out, Violation{Rule: rule, Reason: fmt.Sprintf(format, args...)})
	}

	if c.Defect != "" {
		add(RuleRowShape, "%s", c.Defect)
	}

	if problems := priceProblems(c); len(problems) > 0 {
		add(RulePriceFormat, "%s", strings.Join(problems, "; "))
	}

	if c.ProductCode == "" && c.SKU == "" {
		add(RuleProductIdentifier, "neither barcode nor internal SKU present")
	}
	if c.ProductCode != "" {
		if reason := barcodeProblem(c.ProductCode); reason != "" {
			add(RuleBarcodeLength, "%s", reason)
		}
	}

	if strings.TrimSpace(c.ProductName) == "" {
		add(RuleProductName, "product name is empty")
	}

	switch {
	case !c.ObservedDate.Valid:
		add(RuleDateFormat, "observed date %q does not match the configured formats", c.ObservedDate.Raw)
	case !published.IsZero() && c.ObservedDate.Time.After(day(published)):
		add(RuleFutureDate, "observed date %s is after publication date %s",
			c.ObservedDate.Time.Format("2006-01-02"), day(published).Format("2006-01-02"))
	}

	if strings.TrimSpace(c.StoreCode) == "" {
		add(RuleStoreCode, "external store code is empty")
	}
	return out
}

// Store checks a store candidate
func (v *Validator) Store(c models.StoreCandidate) []Violation {
	if strings.TrimSpace(c.ExternalCode) == "" {
		return []Violation{{Rule: RuleStoreCode, Reason: "external store code is empty"}}
	}
	return nil
}

// Partition splits candidates into accepted records and rejections. A row
// with several violations yields one rejection per rule; rejectedRows
// counts rows.
func (v *Validator) Partition(cands []models.PriceCandidate, published time.Time) (accepted []models.PriceCandidate, rejected []models.ValidationRejection, rejectedRows int) {
	accepted = make([]models.PriceCandidate, 0, len(cands))
	for _, c := range cands {
		violations := v.Price(c, published)
		if len(violations) == 0 {
			accepted = append(accepted, c)
			continue
		}
		rejectedRows++
		rejected = append(rejected, Rejections(c.Member, c.Line, c, violations)...)
	}
	return accepted, rejected, rejectedRows
}

// PartitionStores splits store candidates the same way
func (v *Validator) PartitionStores(cands []models.StoreCandidate) (accepted []models.StoreCandidate, rejected []models.ValidationRejection) {
	for _, c := range cands {
		violations := v.Store(c)
		if len(violations) == 0 {
			accepted = append(accepted, c)
			continue
		}
		rejected = append(rejected, Rejections(c.Member, 0, c, violations)...)
	}
	return accepted, rejected
}

// Rejections snapshots record once and attaches it to every violation
func Rejections(member string, line int, record interface{}, violations []Violation) []models.ValidationRejection {
	snapshot, err := json.Marshal(record)
	if err != nil {
		snapshot = []byte(fmt.Sprintf("%+v", record))
	}
	out := make([]models.ValidationRejection, 0, len(violations))
	for _, vi := range violations {
		out = append(out, models.ValidationRejection{
			Member: member,
			Line:   line,
			Rule:   vi.Rule,
			Reason: vi.Reason,
			Record: string(snapshot),
		})
	}
	return out
}

func priceProblems(c models.PriceCandidate) []string {
	var problems []string
	if !c.RegularPrice.Present {
		problems = append(problems, "regular price is missing")
	}
	for _, f := range []struct {
		name   string
		amount models.Amount
	}{
		{"regular price", c.RegularPrice},
		{"promotional price", c.PromoPrice},
		{"unit price", c.UnitPrice},
		{"lowest 30-day price", c.LowestPrice30d},
		{"anchor price", c.AnchorPrice},
	} {
		a := f.amount
		switch {
		case !a.Present:
		case !a.Valid:
			problems = append(problems, fmt.Sprintf("%s %q is not a number", f.name, a.Raw))
		case a.Value.IsNegative():
			problems = append(problems, fmt.Sprintf("%s %s is negative", f.name, a.Value))
		case -a.Value.Exponent() > maxFraction:
			problems = append(problems, fmt.Sprintf("%s %s has more than %d fraction digits", f.name, a.Value, maxFraction))
		}
	}
	return problems
}

func barcodeProblem(code string) string {
	for _, r := range code {
		if r < '0' || r > '9' {
			return fmt.Sprintf("barcode %q contains non-digit characters", code)
		}
	}
	if n := len(code); n < minBarcodeDigits || n > maxBarcodeDigits {
		return fmt.Sprintf("barcode %q has %d digits, expected %d-%d", code, n, minBarcodeDigits, maxBarcodeDigits)
	}
	return ""
}

func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
