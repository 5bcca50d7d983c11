package binder

import (
	"github.com/openbinder/openbinder/pkg/logger"
	"github.com/openbinder/openbinder/pkg/shm"
	"github.com/openbinder/openbinder/pkg/storage"
)

// Option configures a Domain at construction time.
type Option func(*Domain)

// WithLogger sets the domain logger.
func WithLogger(l logger.Logger) Option {
	return func(d *Domain) {
		d.log = l
	}
}

// WithSecurityPolicy installs the hooks consulted on sends, reference
// transfers, descriptor transfers and registrar claims.
func WithSecurityPolicy(p SecurityPolicy) Option {
	return func(d *Domain) {
		d.security = p
	}
}

// WithPriorityController replaces the scheduling shim used to read and
// apply thread priorities during delivery.
func WithPriorityController(c PriorityController) Option {
	return func(d *Domain) {
		d.priorities = c
	}
}

// WithAllocatorFactory supplies per-participant arenas. The factory
// runs once per Open.
func WithAllocatorFactory(f func(domain string, id Identity) Allocator) Option {
	return func(d *Domain) {
		d.allocFactory = f
	}
}

// WithArenaCapacity sizes the default per-participant arena. Ignored
// when WithAllocatorFactory is also given.
func WithArenaCapacity(capacity uint64) Option {
	return func(d *Domain) {
		d.allocFactory = defaultAllocatorFactory(capacity)
	}
}

// WithDescriptorTableFactory supplies per-participant descriptor
// tables, letting callers bridge to real resources.
func WithDescriptorTableFactory(f func(id Identity) DescriptorTable) Option {
	return func(d *Domain) {
		d.fdFactory = f
	}
}

// WithRecordStore persists failed-transaction records to s in the
// background. Without it failures live only in the in-memory ring.
func WithRecordStore(s storage.RecordStore) Option {
	return func(d *Domain) {
		d.recordStore = s
	}
}

func defaultAllocatorFactory(capacity uint64) func(string, Identity) Allocator {
	if capacity == 0 {
		capacity = shm.DefaultCapacity
	}
	return func(string, Identity) Allocator {
		return shm.New(capacity)
	}
}
