package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/openbinder/openbinder/pkg/storage"
	"github.com/openbinder/openbinder/pkg/storage/test"
)

func TestMemoryRecordStore(t *testing.T) {
	s := New()
	defer s.Close()
	test.RunAllTests(t, s)
}

func TestRingOverwrite(t *testing.T) {
	ctx := context.Background()
	base := time.Now()

	s := New(WithCapacity(4))
	defer s.Close()

	recs := make([]storage.TransactionRecord, 0, 7)
	for seq := 0; seq < 7; seq++ {
		rec := test.NewRecord(base, seq)
		require.NoError(t, s.Append(ctx, rec))
		recs = append(recs, rec)
	}

	got, err := s.Last(ctx, 0)
	require.NoError(t, err)

	want := []storage.TransactionRecord{recs[6], recs[5], recs[4], recs[3]}
	require.Equal(t, want, got)

	// The three oldest were overwritten.
	for _, rec := range recs[:3] {
		_, err := s.GetByID(ctx, rec.ID)
		require.ErrorIs(t, err, storage.ErrNotFound)
	}

	gotRec, err := s.GetByID(ctx, recs[6].ID)
	require.NoError(t, err)
	require.Equal(t, recs[6], gotRec)
}

func TestLastPageSize(t *testing.T) {
	ctx := context.Background()
	base := time.Now()

	s := New(WithCapacity(48))
	defer s.Close()

	for seq := 0; seq < 40; seq++ {
		require.NoError(t, s.Append(ctx, test.NewRecord(base, seq)))
	}

	got, err := s.Last(ctx, -5)
	require.NoError(t, err)
	require.Len(t, got, storage.DefaultLastN)
	require.Equal(t, uint64(1000+39), got[0].DebugID)

	got, err = s.Last(ctx, 1000)
	require.NoError(t, err)
	require.Len(t, got, 40)
}

func TestEmptyRing(t *testing.T) {
	s := New()
	defer s.Close()

	got, err := s.Last(context.Background(), 5)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestRecordRingNoRace(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	ctx := context.Background()
	base := time.Now()

	s := New(WithCapacity(8))
	defer s.Close()

	var g errgroup.Group
	for w := 0; w < 4; w++ {
		g.Go(func() error {
			for seq := 0; seq < 64; seq++ {
				if err := s.Append(ctx, test.NewRecord(base, w*64+seq)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	for r := 0; r < 2; r++ {
		g.Go(func() error {
			for i := 0; i < 64; i++ {
				if _, err := s.Last(ctx, 8); err != nil {
					return err
				}
				if _, err := s.GetByID(ctx, storage.NewRecordID()); !errors.Is(err, storage.ErrNotFound) {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	got, err := s.Last(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 8)
}
