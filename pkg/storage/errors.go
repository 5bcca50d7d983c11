package storage

import (
	"errors"
)

var (
	// ErrNotFound is returned when no record matches a lookup.
	ErrNotFound = errors.New("storage: record not found")

	// ErrCollision is returned when a record with the same ID already
	// exists within the store.
	ErrCollision = errors.New("storage: record already exists")
)
