// Package pnr defines the core types shared across the status sync subsystems.
package pnr

import (
	"time"
)

// KeyLength is the number of digits in a lookup key.
const KeyLength = 10

// LookupKey identifies a booking record on the external status site.
type LookupKey string

// String returns the raw key.
func (k LookupKey) String() string {
	return string(k)
}

// ErrorKind classifies why a status lookup failed.
type ErrorKind string

// Failure classes assigned by the scraper client.
const (
	KindNone       ErrorKind = ""
	KindValidation ErrorKind = "validation"
	KindParse      ErrorKind = "parse"
	KindNetwork    ErrorKind = "network"
	KindHTTPClient ErrorKind = "http_client"
	KindHTTPServer ErrorKind = "http_server"
)

// Retryable reports whether another attempt could change the outcome.
func (k ErrorKind) Retryable() bool {
	return k == KindNetwork || k == KindHTTPServer
}

// Status text reported when the page carried no status row.
const (
	StatusTerminal = "terminal"
	StatusUnknown  = "unknown"
)

// StatusResult is the normalized outcome of a single status lookup. Every string
// field is always populated (possibly empty) so callers never branch on absence.
type StatusResult struct {
	Key               LookupKey `json:"key"`
	Origin            string    `json:"origin"`
	Destination       string    `json:"destination"`
	Date              string    `json:"date"`
	StatusText        string    `json:"statusText"`
	IsTerminalInvalid bool      `json:"isTerminalInvalid"`
	LastUpdated       time.Time `json:"lastUpdated"`
	Error             string    `json:"error,omitempty"`
	ErrorKind         ErrorKind `json:"errorKind,omitempty"`
}

// Failed reports whether the lookup produced an error.
func (r StatusResult) Failed() bool {
	return r.Error != "" || r.ErrorKind != KindNone
}

// Retryable reports whether the failure is transport-level and eligible for retry.
func (r StatusResult) Retryable() bool {
	return r.Failed() && r.ErrorKind.Retryable()
}

// FailedResult builds an error-flagged result with every field present.
func FailedResult(key LookupKey, kind ErrorKind, msg string, at time.Time) StatusResult {
	return StatusResult{
		Key:         key,
		LastUpdated: at,
		Error:       msg,
		ErrorKind:   kind,
	}
}

// Record is a single row reassembled from column-aligned selector results.
type Record map[string]string

// KeyError pairs a lookup key with the failure recorded for it.
type KeyError struct {
	Key   LookupKey `json:"key"`
	Error string    `json:"error"`
	Kind  ErrorKind `json:"kind,omitempty"`
}

// BatchOutcome summarizes a batch run.
type BatchOutcome struct {
	Results         []StatusResult `json:"results"`
	FlushedKeys     []LookupKey    `json:"flushedKeys"`
	Errors          []KeyError     `json:"errors"`
	TotalProcessed  int            `json:"totalProcessed"`
	TotalSuccessful int            `json:"totalSuccessful"`
	TotalFailed     int            `json:"totalFailed"`
	Cancelled       bool           `json:"cancelled,omitempty"`
	Duration        time.Duration  `json:"durationNs"`
}
