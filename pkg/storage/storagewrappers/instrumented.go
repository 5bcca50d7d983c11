// Package storagewrappers holds decorators for storage.RecordStore.
package storagewrappers

import (
	"context"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/openbinder/openbinder/internal/build"
	"github.com/openbinder/openbinder/pkg/storage"
)

var _ storage.RecordStore = (*InstrumentedRecordStore)(nil)

var datastoreQueryCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: build.ProjectName,
	Name:      "datastore_query_count",
	Help:      "The number of queries issued to the record store, by method.",
}, []string{"method"})

// InstrumentedRecordStore wraps a RecordStore and counts every query it
// serves. Counts land in Prometheus and in a per-instance counter that
// state snapshots can read back.
// It is crucial that the wrapped object does NOT return results from an
// in-memory cache for this object to return accurate metrics.
type InstrumentedRecordStore struct {
	storage.RecordStore
	counter atomic.Uint32
}

// NewInstrumentedRecordStore creates a new instance of InstrumentedRecordStore
// that wraps the specified record store.
func NewInstrumentedRecordStore(wrapped storage.RecordStore) *InstrumentedRecordStore {
	return &InstrumentedRecordStore{
		RecordStore: wrapped,
		counter:     atomic.Uint32{},
	}
}

type Metrics struct {
	DatastoreQueryCount int
}

func (m *InstrumentedRecordStore) GetMetrics() Metrics {
	return Metrics{
		DatastoreQueryCount: int(m.counter.Load()),
	}
}

func (m *InstrumentedRecordStore) increase(method string) {
	m.counter.Add(1)
	datastoreQueryCounter.WithLabelValues(method).Inc()
}

// Append see [storage.RecordStore].Append.
func (m *InstrumentedRecordStore) Append(ctx context.Context, rec storage.TransactionRecord) error {
	m.increase("append")

	return m.RecordStore.Append(ctx, rec)
}

// Last see [storage.RecordStore].Last.
func (m *InstrumentedRecordStore) Last(ctx context.Context, n int) ([]storage.TransactionRecord, error) {
	m.increase("last")

	return m.RecordStore.Last(ctx, n)
}

// GetByID see [storage.RecordStore].GetByID.
func (m *InstrumentedRecordStore) GetByID(ctx context.Context, id string) (storage.TransactionRecord, error) {
	m.increase("get_by_id")

	return m.RecordStore.GetByID(ctx, id)
}
