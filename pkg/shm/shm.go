// Package shm models the per-participant transfer arena that payload
// buffers are carved from.
//
// Each participant owns one fixed-capacity arena. Reservations are
// served best-fit from a tree of free extents and released extents are
// coalesced with free neighbors. Half of the arena is set aside as a
// budget for one-way traffic so that a flood of asynchronous sends
// cannot starve synchronous calls.
package shm

import (
	"errors"
	"sync"

	"github.com/openbinder/openbinder/internal/ordered"
	"github.com/openbinder/openbinder/pkg/wire"
)

// DefaultCapacity is the arena size used when none is configured, and
// the hard cap on configured sizes.
const DefaultCapacity = 4 << 20

// arenaBase keeps buffer addresses away from zero so that a zero
// address never names a live buffer.
const arenaBase = 0x1000

const minReservation = 8

var (
	// ErrNoSpace reports that no free extent can hold the reservation,
	// or that the one-way budget is exhausted.
	ErrNoSpace = errors.New("shm: no space")

	// ErrDetached reports a reservation against a torn-down arena.
	ErrDetached = errors.New("shm: arena detached")

	// ErrInvalidSize reports a reservation larger than the arena.
	ErrInvalidSize = errors.New("shm: invalid size")
)

// Buffer is a reserved extent of an arena. The extent is divided into a
// data section, an offsets section and an extra section for
// scatter-gather copies, each packed at pointer alignment.
type Buffer struct {
	address     uint64
	size        uint64
	dataSize    uint64
	offsetsSize uint64
	extraSize   uint64
	async       bool

	free bool
	data []byte
}

// Address returns the arena address of the buffer. Addresses are stable
// for the lifetime of the reservation and are never zero.
func (b *Buffer) Address() uint64 { return b.address }

// Size returns the total reserved extent size.
func (b *Buffer) Size() uint64 { return b.size }

// DataSize returns the payload data section size.
func (b *Buffer) DataSize() uint64 { return b.dataSize }

// OffsetsSize returns the offsets section size.
func (b *Buffer) OffsetsSize() uint64 { return b.offsetsSize }

// ExtraSize returns the scatter-gather section size.
func (b *Buffer) ExtraSize() uint64 { return b.extraSize }

// Async reports whether the reservation was debited from the one-way
// budget.
func (b *Buffer) Async() bool { return b.async }

// Data returns the whole extent.
func (b *Buffer) Data() []byte { return b.data }

// DataRegion returns the payload data section.
func (b *Buffer) DataRegion() []byte {
	return b.data[:b.dataSize]
}

// OffsetsRegion returns the offsets section.
func (b *Buffer) OffsetsRegion() []byte {
	off := wire.Align8(b.dataSize)
	return b.data[off : off+b.offsetsSize]
}

// ExtraRegion returns the scatter-gather section.
func (b *Buffer) ExtraRegion() []byte {
	off := wire.Align8(b.dataSize) + wire.Align8(b.offsetsSize)
	return b.data[off : off+b.extraSize]
}

// OffsetsAddress returns the arena address of the offsets section.
func (b *Buffer) OffsetsAddress() uint64 {
	return b.address + wire.Align8(b.dataSize)
}

// ExtraAddress returns the arena address of the scatter-gather section.
func (b *Buffer) ExtraAddress() uint64 {
	return b.address + wire.Align8(b.dataSize) + wire.Align8(b.offsetsSize)
}

type freeKey struct {
	size uint64
	addr uint64
}

func compareFreeKeys(a, b freeKey) int {
	if a.size != b.size {
		if a.size < b.size {
			return -1
		}
		return 1
	}
	if a.addr != b.addr {
		if a.addr < b.addr {
			return -1
		}
		return 1
	}
	return 0
}

// Allocator carves buffers out of one arena. It is safe for concurrent
// use.
type Allocator struct {
	mu sync.Mutex

	capacity  uint64
	freeAsync uint64
	detached  bool
	arena     []byte

	// byAddr holds every extent, free and reserved, in address order.
	// freeBySize holds only free extents, keyed for best-fit lookup.
	byAddr     *ordered.Map[uint64, *Buffer]
	freeBySize *ordered.Map[freeKey, *Buffer]
}

// New returns an allocator over a fresh arena. A zero capacity selects
// DefaultCapacity; larger capacities are clamped to it.
func New(capacity uint64) *Allocator {
	if capacity == 0 || capacity > DefaultCapacity {
		capacity = DefaultCapacity
	}
	a := &Allocator{
		capacity:   capacity,
		freeAsync:  capacity / 2,
		byAddr:     ordered.NewMap[uint64, *Buffer](),
		freeBySize: ordered.NewMapFunc[freeKey, *Buffer](compareFreeKeys),
	}
	whole := &Buffer{address: arenaBase, size: capacity, free: true}
	a.byAddr.Put(whole.address, whole)
	a.freeBySize.Put(freeKey{size: whole.size, addr: whole.address}, whole)
	return a
}

// Capacity returns the arena size.
func (a *Allocator) Capacity() uint64 {
	return a.capacity
}

// FreeAsyncSpace returns the remaining one-way budget.
func (a *Allocator) FreeAsyncSpace() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeAsync
}

// Reserve carves an extent sized for the given sections out of the
// arena. Async reservations are additionally debited from the one-way
// budget.
func (a *Allocator) Reserve(dataSize, offsetsSize, extraSize uint64, async bool) (*Buffer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.detached {
		return nil, ErrDetached
	}
	if dataSize > a.capacity || offsetsSize > a.capacity || extraSize > a.capacity {
		return nil, ErrInvalidSize
	}
	total := wire.Align8(dataSize) + wire.Align8(offsetsSize) + wire.Align8(extraSize)
	if total > a.capacity {
		return nil, ErrInvalidSize
	}
	if total < minReservation {
		total = minReservation
	}
	if async && a.freeAsync < total {
		return nil, ErrNoSpace
	}

	_, buf, ok := a.freeBySize.Ceiling(freeKey{size: total})
	if !ok {
		return nil, ErrNoSpace
	}
	a.freeBySize.Remove(freeKey{size: buf.size, addr: buf.address})

	if buf.size > total {
		rest := &Buffer{address: buf.address + total, size: buf.size - total, free: true}
		a.byAddr.Put(rest.address, rest)
		a.freeBySize.Put(freeKey{size: rest.size, addr: rest.address}, rest)
		buf.size = total
	}

	if a.arena == nil {
		a.arena = make([]byte, a.capacity)
	}
	buf.free = false
	buf.dataSize = dataSize
	buf.offsetsSize = offsetsSize
	buf.extraSize = extraSize
	buf.async = async
	buf.data = a.arena[buf.address-arenaBase : buf.address-arenaBase+buf.size]
	clear(buf.data)
	if async {
		a.freeAsync -= total
	}
	return buf, nil
}

// Lookup returns the reserved buffer at addr.
func (a *Allocator) Lookup(addr uint64) (*Buffer, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	buf, ok := a.byAddr.Get(addr)
	if !ok || buf.free {
		return nil, false
	}
	return buf, true
}

// Release returns an extent to the arena and merges it with free
// neighbors. Releasing a buffer twice is a caller bug.
func (a *Allocator) Release(buf *Buffer) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if buf.free {
		panic("shm: release of free buffer")
	}
	if buf.async {
		a.freeAsync += buf.size
	}
	buf.free = true
	buf.data = nil
	buf.dataSize = 0
	buf.offsetsSize = 0
	buf.extraSize = 0
	buf.async = false

	if _, next, ok := a.byAddr.Ceiling(buf.address + 1); ok &&
		next.free && next.address == buf.address+buf.size {
		a.freeBySize.Remove(freeKey{size: next.size, addr: next.address})
		a.byAddr.Remove(next.address)
		buf.size += next.size
	}
	if _, prev, ok := a.byAddr.Floor(buf.address - 1); ok &&
		prev.free && prev.address+prev.size == buf.address {
		a.freeBySize.Remove(freeKey{size: prev.size, addr: prev.address})
		a.byAddr.Remove(buf.address)
		prev.size += buf.size
		buf = prev
	}
	a.freeBySize.Put(freeKey{size: buf.size, addr: buf.address}, buf)
}

// Detach fails all future reservations. Outstanding buffers stay
// readable so that in-flight teardown can still walk them.
func (a *Allocator) Detach() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.detached = true
}

// Detached reports whether Detach was called.
func (a *Allocator) Detached() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.detached
}

// Stats summarizes arena usage.
type Stats struct {
	Capacity       uint64 `json:"capacity"`
	Reserved       uint64 `json:"reserved"`
	ReservedAsync  uint64 `json:"reserved_async"`
	Buffers        int    `json:"buffers"`
	FreeAsyncSpace uint64 `json:"free_async_space"`
}

// Stats returns a snapshot of arena usage.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Stats{Capacity: a.capacity, FreeAsyncSpace: a.freeAsync}
	a.byAddr.Ascend(func(_ uint64, b *Buffer) bool {
		if !b.free {
			st.Buffers++
			st.Reserved += b.size
			if b.async {
				st.ReservedAsync += b.size
			}
		}
		return true
	})
	return st
}
