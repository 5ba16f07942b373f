package domain

import (
	"errors"
	"fmt"
)

// Run-fatal errors. Connectivity errors are retried before they become fatal.
var (
	ErrSourceUnavailable   = errors.New("source unavailable")
	ErrTargetUnavailable   = errors.New("target unavailable")
	ErrSchemaMismatch      = errors.New("schema mismatch")
	ErrUnresolvedReference = errors.New("unresolved reference")
	ErrIdentityConflict    = errors.New("identity conflict")
)

// Per-row errors. These are recorded as skips and never abort a run.
var (
	ErrIncompleteRecord = errors.New("incomplete record")
	ErrExpired          = errors.New("older than retention horizon")
	ErrRejected         = errors.New("rejected by target")
)

// Reason classifies why a row was skipped.
type Reason string

const (
	ReasonIncompleteRecord    Reason = "IncompleteRecord"
	ReasonExpired             Reason = "Expired"
	ReasonUnresolvedReference Reason = "UnresolvedReference"
	ReasonRejected            Reason = "Rejected"
	ReasonUnknown             Reason = "Unknown"
)

// ReasonOf maps an error to its skip reason.
func ReasonOf(err error) Reason {
	switch {
	case errors.Is(err, ErrIncompleteRecord):
		return ReasonIncompleteRecord
	case errors.Is(err, ErrExpired):
		return ReasonExpired
	case errors.Is(err, ErrUnresolvedReference):
		return ReasonUnresolvedReference
	case errors.Is(err, ErrRejected):
		return ReasonRejected
	}
	return ReasonUnknown
}

// IsConnectivity reports whether err is a store connectivity failure that
// may succeed on retry.
func IsConnectivity(err error) bool {
	return errors.Is(err, ErrSourceUnavailable) || errors.Is(err, ErrTargetUnavailable)
}

// RowError attaches the failing row's identity to a per-row error.
type RowError struct {
	Entity    Entity
	SourceKey int64
	Err       error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("%s %d: %v", e.Entity, e.SourceKey, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

func rowErr(row SourceRow, err error) *RowError {
	return &RowError{Entity: row.Entity(), SourceKey: row.Key(), Err: err}
}
