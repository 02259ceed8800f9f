package validate

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-ingest/internal/models"
)

var published = time.Date(2025, 10, 5, 0, 0, 0, 0, time.UTC)

func amount(s string) models.Amount {
	return models.Amount{Raw: s, Value: decimal.RequireFromString(s), Present: true, Valid: true}
}

func validCandidate() models.PriceCandidate {
	return models.PriceCandidate{
		Member:       "store.csv",
		Line:         2,
		StoreCode:    "0201",
		ProductCode:  "3850102123456",
		ProductName:  "ČOKOLINO ČOKOLADNI",
		RegularPrice: amount("2.49"),
		Currency:     "EUR",
		ObservedDate: models.DateValue{Time: published, Valid: true},
	}
}

func rules(vs []Violation) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Rule)
	}
	return out
}

func TestValidCandidatePasses(t *testing.T) {
	assert.Empty(t, New().Price(validCandidate(), published))
}

func TestBarcodeLength(t *testing.T) {
	v := New()
	for n := 1; n <= 16; n++ {
		c := validCandidate()
		c.ProductCode = strings.Repeat("7", n)
		violations := v.Price(c, published)
		if n >= 8 && n <= 13 {
			assert.Empty(t, violations, "digits=%d", n)
		} else {
			assert.Equal(t, []string{RuleBarcodeLength}, rules(violations), "digits=%d", n)
		}
	}

	c := validCandidate()
	c.ProductCode = "1234567"
	assert.Equal(t, []string{RuleBarcodeLength}, rules(v.Price(c, published)))

	c.ProductCode = "38501O2123456"
	assert.Equal(t, []string{RuleBarcodeLength}, rules(v.Price(c, published)))
}

func TestIdentifierRequired(t *testing.T) {
	c := validCandidate()
	c.ProductCode = ""
	assert.Equal(t, []string{RuleProductIdentifier}, rules(New().Price(c, published)))

	c.SKU = "1001"
	assert.Empty(t, New().Price(c, published))
}

func TestObservedDateRules(t *testing.T) {
	v := New()

	c := validCandidate()
	c.ObservedDate = models.DateValue{Time: published.AddDate(0, 0, 1), Valid: true}
	assert.Equal(t, []string{RuleFutureDate}, rules(v.Price(c, published)))

	c.ObservedDate = models.DateValue{Time: published, Valid: true}
	assert.Empty(t, v.Price(c, published.Add(15*time.Hour)))

	c.ObservedDate = models.DateValue{Time: published.AddDate(0, 0, -3), Valid: true}
	assert.Empty(t, v.Price(c, published))

	c.ObservedDate = models.DateValue{Raw: "32.13.2025"}
	assert.Equal(t, []string{RuleDateFormat}, rules(v.Price(c, published)))
}

func TestPriceFormat(t *testing.T) {
	v := New()
	cases := map[string]models.Amount{
		"missing":       {},
		"not a number":  {Raw: "abc", Present: true},
		"negative":      amount("-1.00"),
		"three digits":  amount("1.299"),
	}
	for name, a := range cases {
		c := validCandidate()
		c.RegularPrice = a
		assert.Equal(t, []string{RulePriceFormat}, rules(v.Price(c, published)), name)
	}

	c := validCandidate()
	c.PromoPrice = amount("1.999")
	vs := v.Price(c, published)
	require.Len(t, vs, 1)
	assert.Contains(t, vs[0].Reason, "promotional price")

	c = validCandidate()
	c.UnitPrice = amount("0")
	assert.Empty(t, v.Price(c, published))
}

func TestRulesAreIndependent(t *testing.T) {
	c := models.PriceCandidate{
		Defect:       "expected 5 fields, got 3",
		ProductCode:  "123",
		RegularPrice: models.Amount{Raw: "x", Present: true},
		ObservedDate: models.DateValue{Time: published.AddDate(0, 0, 2), Valid: true},
	}
	assert.ElementsMatch(t, []string{
		RuleRowShape, RulePriceFormat, RuleBarcodeLength, RuleProductName, RuleFutureDate, RuleStoreCode,
	}, rules(New().Price(c, published)))
}

func TestPartitionHundredRowsWithThreeBadPrices(t *testing.T) {
	cands := make([]models.PriceCandidate, 100)
	for i := range cands {
		c := validCandidate()
		c.Line = i + 2
		c.ProductCode = fmt.Sprintf("38501%08d", i)
		if i%40 == 7 {
			c.RegularPrice = models.Amount{Raw: "1,2,3", Present: true}
		}
		cands[i] = c
	}

	accepted, rejected, rows := New().Partition(cands, published)
	assert.Len(t, accepted, 97)
	assert.Len(t, rejected, 3)
	assert.Equal(t, 3, rows)
	for _, r := range rejected {
		assert.Equal(t, RulePriceFormat, r.Rule)
		assert.Equal(t, "store.csv", r.Member)
		assert.Contains(t, r.Record, `"raw":"1,2,3"`)
	}
}

func TestPartitionStores(t *testing.T) {
	accepted, rejected := New().PartitionStores([]models.StoreCandidate{
		{ExternalCode: "0201", Member: "a.csv"},
		{ExternalCode: " ", Member: "b.csv"},
	})
	assert.Len(t, accepted, 1)
	require.Len(t, rejected, 1)
	assert.Equal(t, RuleStoreCode, rejected[0].Rule)
	assert.Equal(t, "b.csv", rejected[0].Member)
}
