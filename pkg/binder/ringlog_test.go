package binder

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingLog(t *testing.T) {
	t.Run("should_show_in_flight_sends_until_they_settle", func(t *testing.T) {
		l := newRingLog()
		slot := l.add(ringEntry{debugID: 1, fromProc: 10})
		l.add(ringEntry{debugID: 2, fromProc: 11})

		all, failed := l.snapshot()
		require.Len(t, all, 2)
		require.Empty(t, failed)
		require.Equal(t, uint64(1), all[0].debugID)
		require.False(t, all[0].done)

		l.complete(slot, ringEntry{debugID: 1, fromProc: 10, toProc: 20})
		all, _ = l.snapshot()
		require.True(t, all[0].done)
		require.Equal(t, uint32(20), all[0].toProc)
		require.False(t, all[1].done, "the second send is still in flight")
	})

	t.Run("should_keep_the_newest_entries_once_full", func(t *testing.T) {
		l := newRingLog()
		for id := uint64(1); id <= ringEntries+8; id++ {
			l.add(ringEntry{debugID: id})
		}

		all, _ := l.snapshot()
		require.Len(t, all, ringEntries)
		require.Equal(t, uint64(9), all[0].debugID, "oldest surviving entry first")
		require.Equal(t, uint64(ringEntries+8), all[len(all)-1].debugID)
	})

	t.Run("should_drop_settles_for_slots_the_ring_reclaimed", func(t *testing.T) {
		l := newRingLog()
		slot := l.add(ringEntry{debugID: 1})
		for id := uint64(2); id <= ringEntries+1; id++ {
			l.add(ringEntry{debugID: id})
		}

		// Slot zero now belongs to a newer send; the late settle of the
		// evicted one must not clobber it.
		l.complete(slot, ringEntry{debugID: 1, toProc: 99})

		all, _ := l.snapshot()
		last := all[len(all)-1]
		require.Equal(t, uint64(ringEntries+1), last.debugID)
		require.False(t, last.done)
		require.Zero(t, last.toProc)
	})

	t.Run("should_keep_failures_past_a_burst_of_traffic", func(t *testing.T) {
		l := newRingLog()
		slot := l.add(ringEntry{debugID: 7})
		l.fail(slot, ringEntry{debugID: 7, returnError: 1, returnErrorParam: -22})

		for id := uint64(100); id < 100+ringEntries; id++ {
			s := l.add(ringEntry{debugID: id})
			l.complete(s, ringEntry{debugID: id})
		}

		all, failed := l.snapshot()
		require.Len(t, failed, 1)
		require.Equal(t, uint64(7), failed[0].debugID)
		require.Equal(t, int32(-22), failed[0].returnErrorParam)
		for _, e := range all {
			require.NotEqual(t, uint64(7), e.debugID, "the main ring wrapped past the failure")
		}
	})
}
