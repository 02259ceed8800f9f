package models

import "time"

// Event types
const (
	EventTypeFileDownloaded  = "FILE_DOWNLOADED"
	EventTypeFileStarted     = "FILE_STARTED"
	EventTypeFileFinished    = "FILE_FINISHED"
	EventTypeRecordsRejected = "RECORDS_REJECTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// FileDownloadedEvent announces a downloaded file ready for ingestion
type FileDownloadedEvent struct {
	BaseEvent
	Retailer        string    `json:"retailer"`
	FileName        string    `json:"file_name"`
	Path            string    `json:"path"`
	Format          string    `json:"format,omitempty"`
	PublicationDate time.Time `json:"publication_date"`
	Checksum        string    `json:"checksum,omitempty"`
}

// FileStartedEvent published when the orchestrator picks up a file
type FileStartedEvent struct {
	BaseEvent
	RunID           string    `json:"run_id"`
	FileID          int64     `json:"file_id"`
	Retailer        string    `json:"retailer"`
	FileName        string    `json:"file_name"`
	PublicationDate time.Time `json:"publication_date"`
}

// FileFinishedEvent carries the outcome summary of one file
type FileFinishedEvent struct {
	BaseEvent
	Outcome *Outcome `json:"outcome"`
}

// RecordsRejectedEvent carries rejection details for one file
type RecordsRejectedEvent struct {
	BaseEvent
	RunID      string                `json:"run_id"`
	FileID     int64                 `json:"file_id"`
	Retailer   string                `json:"retailer"`
	Rejections []ValidationRejection `json:"rejections"`
}
