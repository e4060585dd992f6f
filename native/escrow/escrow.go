// Package escrow holds the milestone escrow domain: the contract aggregate, its
// milestone ledger, the pure state machine that moves both through their
// lifecycles and the read-only stats projection derived from the ledger.
//
// Nothing in this package performs I/O. Persistence, locking and calls to the
// external custody collaborators live in services/escrowd.
package escrow

import (
	"errors"
)

var (
	// ErrValidation marks malformed input such as percentages that do not sum
	// to 100 or a non-positive total.
	ErrValidation = errors.New("escrow: validation failed")
	// ErrNotFound marks unknown contract or milestone identifiers.
	ErrNotFound = errors.New("escrow: not found")
	// ErrInvalidState marks operations that are not legal from the current
	// contract or milestone status.
	ErrInvalidState = errors.New("escrow: invalid state")
	// ErrConflict is returned when a concurrent mutation won the race for the
	// same contract. It is the only error callers should retry.
	ErrConflict = errors.New("escrow: concurrent modification")
	// ErrInternalInconsistency marks a broken ledger invariant. Data is never
	// repaired silently when this is returned.
	ErrInternalInconsistency = errors.New("escrow: internal inconsistency")
	// ErrExternalDependency marks failures of the custody collaborators
	// (address provisioning, funding verification, fund release).
	ErrExternalDependency = errors.New("escrow: external dependency failure")
)

// Error codes exposed to API clients and metrics labels.
const (
	CodeValidation         = "validation_error"
	CodeNotFound           = "not_found"
	CodeInvalidState       = "invalid_state"
	CodeConflict           = "conflict"
	CodeInternal           = "internal_inconsistency"
	CodeExternalDependency = "external_dependency_failure"
	CodeUnknown            = "unknown"
)

// Retryable reports whether the caller may retry the operation unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// Code maps an error onto its stable taxonomy code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrInternalInconsistency):
		return CodeInternal
	case errors.Is(err, ErrExternalDependency):
		return CodeExternalDependency
	default:
		return CodeUnknown
	}
}
