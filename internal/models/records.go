package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Canonical records produced by the normalizer. They are format independent
// and may carry invalid values; the validator decides what is accepted.

// FileMetadata describes one decoded member of a source file
type FileMetadata struct {
	Retailer        string    `json:"retailer"`
	FileName        string    `json:"file_name"`
	Member          string    `json:"member"`
	Format          string    `json:"format"`
	PublicationDate time.Time `json:"publication_date"`
	Checksum        string    `json:"checksum"`
}

// StoreCandidate is a store location as seen in one member
type StoreCandidate struct {
	Retailer     string    `json:"retailer"`
	Member       string    `json:"member"`
	ExternalCode string    `json:"external_code"`
	Address      string    `json:"address,omitempty"`
	City         string    `json:"city,omitempty"`
	PostalCode   string    `json:"postal_code,omitempty"`
	Type         StoreType `json:"store_type"`
}

// PriceCandidate is one price line before validation
type PriceCandidate struct {
	Member         string    `json:"member"`
	Line           int       `json:"line"`
	StoreCode      string    `json:"store_code"`
	ProductCode    string    `json:"product_code,omitempty"`
	SKU            string    `json:"sku,omitempty"`
	ProductName    string    `json:"product_name"`
	Brand          string    `json:"brand,omitempty"`
	NetQuantity    string    `json:"net_quantity,omitempty"`
	Unit           string    `json:"unit,omitempty"`
	Category       string    `json:"category,omitempty"`
	RegularPrice   Amount    `json:"regular_price"`
	PromoPrice     Amount    `json:"promo_price"`
	UnitPrice      Amount    `json:"unit_price"`
	LowestPrice30d Amount    `json:"lowest_price_30d"`
	AnchorPrice    Amount    `json:"anchor_price"`
	Currency       string    `json:"currency"`
	ObservedDate   DateValue `json:"observed_date"`
	IsPromotional  bool      `json:"is_promotional"`
	// Defect carries a row-level decode problem such as a wrong field count.
	Defect string `json:"defect,omitempty"`
}

// ProductKey is the identifier used in the observation key: the barcode when
// present, otherwise the internal SKU.
func (c *PriceCandidate) ProductKey() string {
	if c.ProductCode != "" {
		return c.ProductCode
	}
	if c.SKU != "" {
		return "sku:" + c.SKU
	}
	return ""
}

// Amount is a parsed monetary field. Present is false for empty source
// values; Valid is false when the raw text could not be read as a number.
type Amount struct {
	Raw     string          `json:"raw,omitempty"`
	Value   decimal.Decimal `json:"value"`
	Present bool            `json:"present"`
	Valid   bool            `json:"valid"`
}

// NullDecimal converts the amount into its persisted form
func (a Amount) NullDecimal() decimal.NullDecimal {
	if !a.Present || !a.Valid {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: a.Value, Valid: true}
}

// DateValue is a parsed date field
type DateValue struct {
	Raw   string    `json:"raw,omitempty"`
	Time  time.Time `json:"time"`
	Valid bool      `json:"valid"`
}
