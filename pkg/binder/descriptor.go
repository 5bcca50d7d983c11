package binder

import (
	"sync"
)

// DefaultDescriptorLimit caps the default descriptor table.
const DefaultDescriptorLimit = 1024

// Descriptor is the resource a descriptor number names. Object is an
// opaque identity chosen by whoever installed the original descriptor;
// duplication preserves it.
type Descriptor struct {
	Object uint64
}

// DescriptorTable is one participant's descriptor namespace. Embedded
// descriptors are duplicated from the sender's table into the target's
// during payload translation.
type DescriptorTable interface {
	// Install adds a descriptor and returns its number.
	Install(d Descriptor) (uint32, error)

	// Lookup resolves a descriptor number.
	Lookup(fd uint32) (Descriptor, bool)

	// Close removes a descriptor number.
	Close(fd uint32) error
}

// memoryDescriptorTable is the default DescriptorTable. Numbers are
// allocated lowest-free-first.
type memoryDescriptorTable struct {
	mu    sync.Mutex
	limit int
	m     map[uint32]Descriptor
}

var _ DescriptorTable = (*memoryDescriptorTable)(nil)

// NewDescriptorTable returns an in-memory table holding at most limit
// descriptors. A non-positive limit means DefaultDescriptorLimit.
func NewDescriptorTable(limit int) DescriptorTable {
	if limit <= 0 {
		limit = DefaultDescriptorLimit
	}
	return &memoryDescriptorTable{
		limit: limit,
		m:     make(map[uint32]Descriptor),
	}
}

func (t *memoryDescriptorTable) Install(d Descriptor) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.m) >= t.limit {
		return 0, ErrDescriptorLimit
	}
	var fd uint32
	for {
		if _, ok := t.m[fd]; !ok {
			break
		}
		fd++
	}
	t.m[fd] = d
	return fd, nil
}

func (t *memoryDescriptorTable) Lookup(fd uint32) (Descriptor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.m[fd]
	return d, ok
}

func (t *memoryDescriptorTable) Close(fd uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.m[fd]; !ok {
		return ErrBadDescriptor
	}
	delete(t.m, fd)
	return nil
}
