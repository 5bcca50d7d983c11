package binder

import (
	"github.com/openbinder/openbinder/pkg/shm"
)

// Allocator is one participant's transfer arena. Transaction payloads
// are copied into a buffer reserved from the target's allocator and the
// buffer's address is what the target later frees.
//
// The default implementation is shm.New; WithAllocators installs a
// different one.
type Allocator interface {
	// Reserve carves out a buffer with the given section sizes. A
	// reservation for a one-way transaction draws against the async
	// budget.
	Reserve(dataSize, offsetsSize, extraSize uint64, async bool) (*shm.Buffer, error)

	// Lookup resolves a reserved buffer by its address.
	Lookup(addr uint64) (*shm.Buffer, bool)

	// Release returns a buffer to the arena.
	Release(buf *shm.Buffer)

	// FreeAsyncSpace reports the remaining one-way budget.
	FreeAsyncSpace() uint64

	// Detach rejects future reservations. Outstanding buffers stay
	// readable so teardown can still walk them.
	Detach()

	// Stats describes current arena occupancy.
	Stats() shm.Stats
}

var _ Allocator = (*shm.Allocator)(nil)
