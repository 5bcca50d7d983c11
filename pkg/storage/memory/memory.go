// Package memory provides a RecordStore that keeps the most recent
// transaction records in a fixed-size ring. Once the ring is full the
// oldest record is overwritten, so the store never grows and never
// needs eviction bookkeeping.
package memory

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"

	"github.com/openbinder/openbinder/pkg/storage"
)

var tracer = otel.Tracer("openbinder/pkg/storage/memory")

const defaultCapacity = storage.DefaultLastN

// StorageOption defines an option that can be used to alter the behavior
// of RecordRing.
type StorageOption func(r *RecordRing)

// WithCapacity sets how many records the ring retains before it starts
// overwriting the oldest one.
func WithCapacity(n int) StorageOption {
	return func(r *RecordRing) {
		r.capacity = n
	}
}

// RecordRing is an in-memory implementation of storage.RecordStore.
type RecordRing struct {
	mu sync.RWMutex

	// GUARDED_BY(mu). Circular buffer, at most capacity entries.
	records []storage.TransactionRecord

	// GUARDED_BY(mu). Index the next Append writes to once the ring
	// has wrapped; equal to len(records) while it is still filling.
	next int

	capacity int
}

var _ storage.RecordStore = (*RecordRing)(nil)

// New creates a new RecordRing given the options.
func New(opts ...StorageOption) storage.RecordStore {
	r := &RecordRing{
		capacity: defaultCapacity,
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.capacity < 1 {
		r.capacity = defaultCapacity
	}

	return r
}

// Append implements storage.RecordStore.Append.
func (r *RecordRing) Append(ctx context.Context, rec storage.TransactionRecord) error {
	_, span := tracer.Start(ctx, "memory.Append")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.records) < r.capacity {
		r.records = append(r.records, rec)
		r.next = len(r.records) % r.capacity
		return nil
	}

	r.records[r.next] = rec
	r.next = (r.next + 1) % r.capacity
	return nil
}

// Last implements storage.RecordStore.Last. Records come back newest
// first, in the order they were appended.
func (r *RecordRing) Last(ctx context.Context, n int) ([]storage.TransactionRecord, error) {
	_, span := tracer.Start(ctx, "memory.Last")
	defer span.End()

	if n <= 0 {
		n = storage.DefaultLastN
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	size := len(r.records)
	if size == 0 {
		return nil, nil
	}
	if n > size {
		n = size
	}

	out := make([]storage.TransactionRecord, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, r.records[(r.next-i+size)%size])
	}
	return out, nil
}

// GetByID implements storage.RecordStore.GetByID. The scan runs newest
// to oldest since lookups tend to chase a record that just landed.
func (r *RecordRing) GetByID(ctx context.Context, id string) (storage.TransactionRecord, error) {
	_, span := tracer.Start(ctx, "memory.GetByID")
	defer span.End()

	r.mu.RLock()
	defer r.mu.RUnlock()

	size := len(r.records)
	for i := 1; i <= size; i++ {
		if rec := r.records[(r.next-i+size)%size]; rec.ID == id {
			return rec, nil
		}
	}
	return storage.TransactionRecord{}, storage.ErrNotFound
}

// IsReady see [storage.RecordStore].IsReady.
func (r *RecordRing) IsReady(context.Context) (storage.ReadinessStatus, error) {
	return storage.ReadinessStatus{IsReady: true}, nil
}

// Close does not do anything for RecordRing.
func (r *RecordRing) Close() {}
