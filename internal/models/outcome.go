package models

import "time"

// Outcome is the per-file summary handed to logging and reporting
type Outcome struct {
	RunID           string         `json:"run_id"`
	FileID          int64          `json:"file_id"`
	Retailer        string         `json:"retailer"`
	FileName        string         `json:"file_name"`
	PublicationDate time.Time      `json:"publication_date"`
	Status          FileStatus     `json:"status"`
	Members         int            `json:"members"`
	RowsSeen        int            `json:"rows_seen"`
	RowsAccepted    int            `json:"rows_accepted"`
	RowsRejected    int            `json:"rows_rejected"`
	RejectedByRule  map[string]int `json:"rejected_by_rule"`
	Inserted        int            `json:"inserted"`
	Superseded      int            `json:"superseded"`
	Duplicates      int            `json:"duplicates"`
	Collapsed       int            `json:"collapsed,omitempty"`
	ReconcileErrors []string       `json:"reconcile_errors,omitempty"`
	StoresCreated   int            `json:"stores_created"`
	StoresUpdated   int            `json:"stores_updated"`
	Error           string         `json:"error,omitempty"`
	Skipped         bool           `json:"skipped,omitempty"`
	Duration        time.Duration  `json:"duration"`
}

// NewOutcome returns an outcome for file with empty counters
func NewOutcome(runID string, file *SourceFile) *Outcome {
	return &Outcome{
		RunID:           runID,
		FileID:          file.ID,
		Retailer:        file.Retailer,
		FileName:        file.FileName,
		PublicationDate: file.PublicationDate,
		Status:          FileStatusPending,
		RejectedByRule:  map[string]int{},
	}
}

// AddRejections counts rejections by rule. A row violating several rules
// is counted once in RowsRejected and once per rule in RejectedByRule.
func (o *Outcome) AddRejections(rows int, rejections []ValidationRejection) {
	o.RowsRejected += rows
	for _, r := range rejections {
		o.RejectedByRule[r.Rule]++
	}
}

// Warnings reports whether the file finished with rejected or failed rows
func (o *Outcome) Warnings() bool {
	return o.RowsRejected > 0 || len(o.ReconcileErrors) > 0
}
