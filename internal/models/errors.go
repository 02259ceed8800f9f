package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnknownRetailer   = errors.New("unknown retailer")
	ErrInvalidTransition = errors.New("invalid file status transition")
	ErrFileLocked        = errors.New("file is being processed elsewhere")
)

// DownloadError reports a source file that could not be fetched
type DownloadError struct {
	Retailer string
	URL      string
	Err      error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s from %s: %v", e.Retailer, e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// SchemaMismatch reports a required canonical column missing from a member
type SchemaMismatch struct {
	Member  string
	Missing []string
	Header  []string
}

func (e *SchemaMismatch) Error() string {
	return fmt.Sprintf("schema mismatch in %q: missing %s (header: %s)",
		e.Member, strings.Join(e.Missing, ", "), strings.Join(e.Header, "|"))
}

// ReconciliationConflict reports a lost compare-and-supersede race on a key
type ReconciliationConflict struct {
	Key string
}

func (e *ReconciliationConflict) Error() string {
	return fmt.Sprintf("reconciliation conflict on %s", e.Key)
}

// PersistenceError wraps a database failure. Transient errors may be retried.
type PersistenceError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsConflict reports whether err is a ReconciliationConflict
func IsConflict(err error) bool {
	var c *ReconciliationConflict
	return errors.As(err, &c)
}

// IsTransient reports whether err is a retryable persistence error
func IsTransient(err error) bool {
	var p *PersistenceError
	return errors.As(err, &p) && p.Transient
}
