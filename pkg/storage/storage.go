// Package storage contains the failed-transaction store interface and
// shared record types. Implementations live in the memory, sqlite and
// cached subpackages.
package storage

import (
	"context"
)

// DefaultLastN is the page size used by callers that do not ask for a
// specific number of records.
const DefaultLastN = 32

// RecordStore persists failed-transaction records.
type RecordStore interface {
	// Append stores one record.
	Append(ctx context.Context, rec TransactionRecord) error

	// Last returns up to n most recent records, newest first. A
	// non-positive n means DefaultLastN.
	Last(ctx context.Context, n int) ([]TransactionRecord, error)

	// GetByID returns the record with the given ULID.
	// If it's not found, it must return ErrNotFound.
	GetByID(ctx context.Context, id string) (TransactionRecord, error)

	// IsReady reports whether the store is ready to accept traffic.
	IsReady(ctx context.Context) (ReadinessStatus, error)

	// Close closes the store and cleans up any residual resources.
	Close()
}

// ReadinessStatus represents the readiness status of the store.
type ReadinessStatus struct {
	// Message is a human-friendly status message for the current store status.
	Message string

	IsReady bool
}
