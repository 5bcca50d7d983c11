package cached

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/openbinder/openbinder/pkg/storage"
	"github.com/openbinder/openbinder/pkg/storage/memory"
	"github.com/openbinder/openbinder/pkg/storage/test"
)

type countingStore struct {
	storage.RecordStore

	gets   atomic.Int64
	closed atomic.Bool
}

func (s *countingStore) GetByID(ctx context.Context, id string) (storage.TransactionRecord, error) {
	s.gets.Add(1)
	return s.RecordStore.GetByID(ctx, id)
}

func (s *countingStore) Close() {
	s.closed.Store(true)
	s.RecordStore.Close()
}

func TestCachedRecordStore(t *testing.T) {
	s, err := New(memory.New())
	require.NoError(t, err)
	defer s.Close()
	test.RunAllTests(t, s)
}

func TestGetByIDServedFromCache(t *testing.T) {
	ctx := context.Background()

	inner := &countingStore{RecordStore: memory.New()}
	s, err := New(inner)
	require.NoError(t, err)
	defer s.Close()

	// Seed the inner store directly so the first lookup is a miss.
	rec := test.NewRecord(time.Now(), 0)
	require.NoError(t, inner.RecordStore.Append(ctx, rec))

	hitsBefore := testutil.ToFloat64(recordsCacheHitCounter)

	got, err := s.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, rec, got)
	require.EqualValues(t, 1, inner.gets.Load())

	got, err = s.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, rec, got)
	require.EqualValues(t, 1, inner.gets.Load(), "second lookup must not reach the store")

	require.Equal(t, hitsBefore+1, testutil.ToFloat64(recordsCacheHitCounter))
}

func TestAppendWarmsCache(t *testing.T) {
	ctx := context.Background()

	inner := &countingStore{RecordStore: memory.New()}
	s, err := New(inner)
	require.NoError(t, err)
	defer s.Close()

	rec := test.NewRecord(time.Now(), 1)
	require.NoError(t, s.Append(ctx, rec))

	got, err := s.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, rec, got)
	require.Zero(t, inner.gets.Load())
}

func TestMissesAreNotCached(t *testing.T) {
	ctx := context.Background()

	inner := &countingStore{RecordStore: memory.New()}
	s, err := New(inner)
	require.NoError(t, err)
	defer s.Close()

	id := storage.NewRecordID()

	_, err = s.GetByID(ctx, id)
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetByID(ctx, id)
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.EqualValues(t, 2, inner.gets.Load())

	// Once the record lands it is found on the next lookup.
	rec := test.NewRecord(time.Now(), 2)
	rec.ID = id
	require.NoError(t, inner.RecordStore.Append(ctx, rec))

	got, err := s.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestTTLExpiresEntries(t *testing.T) {
	ctx := context.Background()

	inner := &countingStore{RecordStore: memory.New()}
	s, err := New(inner, WithTTL(10*time.Millisecond), WithMaxSize(16))
	require.NoError(t, err)
	defer s.Close()

	rec := test.NewRecord(time.Now(), 3)
	require.NoError(t, s.Append(ctx, rec))

	require.Eventually(t, func() bool {
		before := inner.gets.Load()
		_, err := s.GetByID(ctx, rec.ID)
		return err == nil && inner.gets.Load() > before
	}, time.Second, 20*time.Millisecond, "expired entry should fall through to the store")
}

func TestCloseClosesInner(t *testing.T) {
	inner := &countingStore{RecordStore: memory.New()}
	s, err := New(inner)
	require.NoError(t, err)

	s.Close()
	require.True(t, inner.closed.Load())
}
