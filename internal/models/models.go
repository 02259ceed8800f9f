package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Chain represents a retailer publishing daily price lists
type Chain struct {
	ID        int64     `db:"id" json:"id"`
	Code      string    `db:"code" json:"code"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// StoreLocation represents one physical or online outlet of a chain.
// (ChainID, ExternalCode) is the identity key and never changes.
type StoreLocation struct {
	ID           int64     `db:"id" json:"id"`
	ChainID      int64     `db:"chain_id" json:"chain_id"`
	ExternalCode string    `db:"external_code" json:"external_code"`
	Address      string    `db:"address" json:"address,omitempty"`
	City         string    `db:"city" json:"city,omitempty"`
	PostalCode   string    `db:"postal_code" json:"postal_code,omitempty"`
	Type         StoreType `db:"store_type" json:"store_type"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// SourceFile represents one downloaded artifact and its processing status
type SourceFile struct {
	ID              int64      `db:"id" json:"id"`
	ChainID         int64      `db:"chain_id" json:"chain_id"`
	Retailer        string     `db:"retailer" json:"retailer"`
	FileName        string     `db:"file_name" json:"file_name"`
	PublicationDate time.Time  `db:"publication_date" json:"publication_date"`
	Format          string     `db:"format" json:"format"`
	Checksum        string     `db:"checksum" json:"checksum"`
	Status          FileStatus `db:"status" json:"status"`
	Members         int        `db:"members" json:"members"`
	RowsSeen        int        `db:"rows_seen" json:"rows_seen"`
	RowsRejected    int        `db:"rows_rejected" json:"rows_rejected"`
	RowsInserted    int        `db:"rows_inserted" json:"rows_inserted"`
	RowsSuperseded  int        `db:"rows_superseded" json:"rows_superseded"`
	RowsDuplicate   int        `db:"rows_duplicate" json:"rows_duplicate"`
	ErrorMessage    string     `db:"error_message" json:"error_message,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`

	// Payload or Path carries the raw bytes; neither is persisted.
	Payload []byte `db:"-" json:"-"`
	Path    string `db:"-" json:"path,omitempty"`
}

// PriceObservation represents one product's price at one store on one date.
// At most one observation per (StoreID, ProductKey, ObservedDate) is CURRENT.
type PriceObservation struct {
	ID             int64               `db:"id" json:"id"`
	StoreID        int64               `db:"store_id" json:"store_id"`
	SourceFileID   int64               `db:"source_file_id" json:"source_file_id"`
	ProductKey     string              `db:"product_key" json:"product_key"`
	ProductCode    string              `db:"product_code" json:"product_code,omitempty"`
	SKU            string              `db:"sku" json:"sku,omitempty"`
	ProductName    string              `db:"product_name" json:"product_name"`
	Brand          string              `db:"brand" json:"brand,omitempty"`
	NetQuantity    string              `db:"net_quantity" json:"net_quantity,omitempty"`
	Unit           string              `db:"unit" json:"unit,omitempty"`
	Category       string              `db:"category" json:"category,omitempty"`
	RegularPrice   decimal.Decimal     `db:"regular_price" json:"regular_price"`
	PromoPrice     decimal.NullDecimal `db:"promo_price" json:"promo_price"`
	UnitPrice      decimal.NullDecimal `db:"unit_price" json:"unit_price"`
	LowestPrice30d decimal.NullDecimal `db:"lowest_price_30d" json:"lowest_price_30d"`
	AnchorPrice    decimal.NullDecimal `db:"anchor_price" json:"anchor_price"`
	Currency       string              `db:"currency" json:"currency"`
	ObservedDate   time.Time           `db:"observed_date" json:"observed_date"`
	IsPromotional  bool                `db:"is_promotional" json:"is_promotional"`
	State          ObservationState    `db:"state" json:"state"`
	SupersedesID   *int64              `db:"supersedes_id" json:"supersedes_id,omitempty"`
	SupersededAt   *time.Time          `db:"superseded_at" json:"superseded_at,omitempty"`
	CreatedAt      time.Time           `db:"created_at" json:"created_at"`
}

// SamePayload reports whether two observations carry the same prices and
// promotional flag. Descriptive fields do not take part.
func (o *PriceObservation) SamePayload(other *PriceObservation) bool {
	return o.RegularPrice.Equal(other.RegularPrice) &&
		sameNullDecimal(o.PromoPrice, other.PromoPrice) &&
		sameNullDecimal(o.UnitPrice, other.UnitPrice) &&
		sameNullDecimal(o.LowestPrice30d, other.LowestPrice30d) &&
		sameNullDecimal(o.AnchorPrice, other.AnchorPrice) &&
		o.Currency == other.Currency &&
		o.IsPromotional == other.IsPromotional
}

func sameNullDecimal(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}

// ValidationRejection is a diagnostic record of a candidate that failed a rule
type ValidationRejection struct {
	ID           int64     `db:"id" json:"id,omitempty"`
	SourceFileID int64     `db:"source_file_id" json:"source_file_id,omitempty"`
	Member       string    `db:"member" json:"member"`
	Line         int       `db:"line" json:"line"`
	Rule         string    `db:"rule" json:"rule"`
	Reason       string    `db:"reason" json:"reason"`
	Record       string    `db:"record" json:"record"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// StoreType classifies an outlet
type StoreType string

const (
	StoreTypeSupermarket StoreType = "SUPERMARKET"
	StoreTypeHypermarket StoreType = "HYPERMARKET"
	StoreTypeMinimarket  StoreType = "MINIMARKET"
	StoreTypeDiscount    StoreType = "DISCOUNT"
	StoreTypeCashCarry   StoreType = "CASH_AND_CARRY"
	StoreTypeOnline      StoreType = "ONLINE"
	StoreTypeOther       StoreType = "OTHER"
)

// ObservationState tags an observation as current or superseded
type ObservationState string

const (
	ObservationCurrent    ObservationState = "CURRENT"
	ObservationSuperseded ObservationState = "SUPERSEDED"
)

// FileStatus is the processing status of a SourceFile
type FileStatus string

// File statuses
const (
	FileStatusPending                FileStatus = "PENDING"
	FileStatusParsed                 FileStatus = "PARSED"
	FileStatusValidated              FileStatus = "VALIDATED"
	FileStatusReconciled             FileStatus = "RECONCILED"
	FileStatusReconciledWithWarnings FileStatus = "RECONCILED_WITH_WARNINGS"
	FileStatusFailed                 FileStatus = "FAILED"
)

var fileTransitions = map[FileStatus][]FileStatus{
	FileStatusPending:   {FileStatusParsed, FileStatusFailed},
	FileStatusParsed:    {FileStatusValidated, FileStatusFailed},
	FileStatusValidated: {FileStatusReconciled, FileStatusReconciledWithWarnings, FileStatusFailed},
}

// Terminal reports whether the status can no longer change
func (s FileStatus) Terminal() bool {
	return s == FileStatusReconciled || s == FileStatusReconciledWithWarnings || s == FileStatusFailed
}

// CanTransition reports whether s may move to next
func (s FileStatus) CanTransition(next FileStatus) bool {
	for _, allowed := range fileTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// NonTerminalStatuses lists statuses a file may still leave
func NonTerminalStatuses() []FileStatus {
	return []FileStatus{FileStatusPending, FileStatusParsed, FileStatusValidated}
}
