package test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"github.com/openbinder/openbinder/pkg/storage"
)

var baseCounter atomic.Int64

// nextBase spaces each test's records a minute apart so records minted
// by different conformance tests against a shared backend never
// interleave in ID order.
func nextBase() time.Time {
	return time.Now().Add(time.Duration(baseCounter.Add(1)) * time.Minute)
}

// NewRecord returns a deterministic record for conformance tests. IDs
// minted from the same base sort strictly by seq, so append order and
// ULID order agree and every backend returns the same Last ordering.
func NewRecord(base time.Time, seq int) storage.TransactionRecord {
	ts := base.Add(time.Duration(seq) * time.Millisecond)

	callType := storage.CallTypeCall
	if seq%3 == 1 {
		callType = storage.CallTypeAsync
	}

	return storage.TransactionRecord{
		ID:            ulid.MustNew(ulid.Timestamp(ts), ulid.DefaultEntropy()).String(),
		DebugID:       uint64(1000 + seq),
		Domain:        "conformance",
		CallType:      callType,
		FromPID:       uint32(100 + seq),
		FromTID:       uint32(100 + seq),
		ToPID:         1,
		ToTID:         2,
		TargetHandle:  uint32(seq),
		ToNode:        77,
		DataSize:      uint64(8 * seq),
		OffsetsSize:   8,
		ReturnCode:    29201,
		ReturnParam:   -22,
		PayloadDigest: 0xbadc0ffee + uint64(seq),
		CreatedAt:     ts.UTC(),
	}
}

func AppendAndGetTest(t *testing.T, s storage.RecordStore) {
	ctx := context.Background()
	base := nextBase()

	recs := make([]storage.TransactionRecord, 0, 3)
	for seq := 0; seq < 3; seq++ {
		rec := NewRecord(base, seq)
		require.NoError(t, s.Append(ctx, rec))
		recs = append(recs, rec)
	}

	for _, want := range recs {
		got, err := s.GetByID(ctx, want.ID)
		require.NoError(t, err)

		if diff := cmp.Diff(want, got, cmpOpts...); diff != "" {
			t.Fatalf("mismatch (-want +got):\n%s", diff)
		}
	}
}

func LastOrderingTest(t *testing.T, s storage.RecordStore) {
	ctx := context.Background()
	base := nextBase()

	const appended = 10

	recs := make([]storage.TransactionRecord, 0, appended)
	for seq := 0; seq < appended; seq++ {
		rec := NewRecord(base, seq)
		require.NoError(t, s.Append(ctx, rec))
		recs = append(recs, rec)
	}

	// Newest first, so the tail of what we appended comes back reversed.
	got, err := s.Last(ctx, 4)
	require.NoError(t, err)

	want := []storage.TransactionRecord{recs[9], recs[8], recs[7], recs[6]}
	if diff := cmp.Diff(want, got, cmpOpts...); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}

	// A non-positive n falls back to the default page size. Other
	// conformance tests may have left records behind, so only pin the
	// prefix this test owns.
	got, err = s.Last(ctx, -1)
	require.NoError(t, err)
	require.LessOrEqual(t, len(got), storage.DefaultLastN)
	require.GreaterOrEqual(t, len(got), appended)

	for i := 0; i < appended; i++ {
		if diff := cmp.Diff(recs[appended-1-i], got[i], cmpOpts...); diff != "" {
			t.Fatalf("position %d mismatch (-want +got):\n%s", i, diff)
		}
	}
}

func NotFoundTest(t *testing.T, s storage.RecordStore) {
	ctx := context.Background()

	_, err := s.GetByID(ctx, storage.NewRecordID())
	require.ErrorIs(t, err, storage.ErrNotFound)

	// IDs that cannot parse as ULIDs must miss too, not error out.
	_, err = s.GetByID(ctx, "not-a-record-id")
	require.ErrorIs(t, err, storage.ErrNotFound)
}
