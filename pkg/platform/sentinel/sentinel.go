// Package sentinel names the storage outcomes that services translate into
// domain errors. Stores return them, possibly wrapped.
package sentinel

import "errors"

var (
	// ErrNotFound: no evidence record, key or ledger entry under that id.
	ErrNotFound = errors.New("not found")
	// ErrConflict: the row already exists or the ledger head moved.
	ErrConflict = errors.New("conflict")
	// ErrInvalidState: the stored value cannot serve the operation.
	ErrInvalidState = errors.New("invalid state")
	// ErrUnavailable: the backing store cannot be reached.
	ErrUnavailable = errors.New("unavailable")
)
