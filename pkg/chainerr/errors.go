// Package chainerr enumerates the error kinds of spec.md §7 as
// sentinel values, so callers across pkg/block, pkg/tx, internal/chain,
// and internal/mempool can classify a failure with errors.Is instead of
// string-matching, and so the taxonomy lives in exactly one place.
package chainerr

import "errors"

var (
	// ErrMissingSource marks an input whose referenced previous
	// transaction is unknown. MissingSourceError wraps it to carry the hash.
	ErrMissingSource = errors.New("referenced previous transaction not found")

	ErrInvalidProofOfWork = errors.New("block hash does not satisfy declared difficulty")
	ErrInvalidMerkle      = errors.New("merkle root does not match transaction list")
	ErrInvalidTimestamp   = errors.New("block timestamp too far in the future")
	ErrInvalidStructure   = errors.New("malformed block or transaction structure")
	ErrNonStandard        = errors.New("non-standard transaction")
	ErrDoubleSpend        = errors.New("input conflicts with an already active output")

	// ErrUnknownParent is not a failure: it signals the caller to place
	// the block in the orphan pool (spec.md §4.3 step 3).
	ErrUnknownParent = errors.New("parent block not known")

	// ErrFatal marks a consistency violation that must be logged loudly
	// (spec.md §7); the chain/mempool state may be left inconsistent.
	ErrFatal = errors.New("internal consistency violation")
)

// MissingSourceError wraps ErrMissingSource with the offending hash, per
// spec.md §3's mempool-entry orphan annotation.
type MissingSourceError struct {
	MissingTxHash [32]byte
}

func (e *MissingSourceError) Error() string {
	return ErrMissingSource.Error()
}

func (e *MissingSourceError) Unwrap() error {
	return ErrMissingSource
}

// StorageError surfaces a Storage-collaborator failure unchanged, per
// spec.md §7 "StorageError (surfaced as-is)".
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "storage: " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
