// Package cached wraps a RecordStore with an in-memory read-through
// cache. Records are immutable once appended, so cached entries never
// go stale; the TTL only bounds how long a dead record lingers.
package cached

import (
	"context"
	"time"

	theine "github.com/Yiling-J/theine-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"github.com/openbinder/openbinder/internal/build"
	"github.com/openbinder/openbinder/pkg/storage"
)

var (
	tracer = otel.Tracer("openbinder/pkg/storage/cached")

	recordsCacheTotalCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "records_cache_total_count",
		Help:      "The total number of record lookups that consulted the cache.",
	})

	recordsCacheHitCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "records_cache_hit_count",
		Help:      "The total number of record lookups served from the cache.",
	})
)

const (
	defaultMaxSize = 1000
	defaultTTL     = 10 * time.Minute
)

// RecordStoreOpt configures a RecordStore wrapper.
type RecordStoreOpt func(*RecordStore)

// WithMaxSize sets how many records the cache holds.
func WithMaxSize(n int) RecordStoreOpt {
	return func(c *RecordStore) {
		c.maxSize = n
	}
}

// WithTTL sets how long a cached record is served before the next
// lookup goes back to the underlying store.
func WithTTL(ttl time.Duration) RecordStoreOpt {
	return func(c *RecordStore) {
		c.ttl = ttl
	}
}

// RecordStore is a wrapper over a RecordStore that caches records by ID.
type RecordStore struct {
	storage.RecordStore

	cache   *theine.Cache[string, storage.TransactionRecord]
	maxSize int
	ttl     time.Duration
}

var _ storage.RecordStore = (*RecordStore)(nil)

// New wraps inner with a record cache.
func New(inner storage.RecordStore, opts ...RecordStoreOpt) (*RecordStore, error) {
	c := &RecordStore{
		RecordStore: inner,
		maxSize:     defaultMaxSize,
		ttl:         defaultTTL,
	}

	for _, opt := range opts {
		opt(c)
	}

	cache, err := theine.NewBuilder[string, storage.TransactionRecord](int64(c.maxSize)).Build()
	if err != nil {
		return nil, err
	}
	c.cache = cache

	return c, nil
}

// Append stores the record and warms the cache with it, since a record
// that was just written is the one an operator is most likely to chase.
func (c *RecordStore) Append(ctx context.Context, rec storage.TransactionRecord) error {
	if err := c.RecordStore.Append(ctx, rec); err != nil {
		return err
	}
	c.cache.SetWithTTL(rec.ID, rec, 1, c.ttl)
	return nil
}

// GetByID returns the cached record when present and falls through to
// the underlying store otherwise. Misses are not cached, so a record
// that arrives later is still found.
func (c *RecordStore) GetByID(ctx context.Context, id string) (storage.TransactionRecord, error) {
	ctx, span := tracer.Start(ctx, "cached.GetByID")
	defer span.End()

	recordsCacheTotalCounter.Inc()

	if rec, ok := c.cache.Get(id); ok {
		recordsCacheHitCounter.Inc()
		return rec, nil
	}

	rec, err := c.RecordStore.GetByID(ctx, id)
	if err != nil {
		return storage.TransactionRecord{}, err
	}

	c.cache.SetWithTTL(id, rec, 1, c.ttl)
	return rec, nil
}

// Close releases the cache and closes the underlying store.
func (c *RecordStore) Close() {
	c.cache.Close()
	c.RecordStore.Close()
}
