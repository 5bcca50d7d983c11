package storagewrappers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/openbinder/openbinder/pkg/storage/memory"
	"github.com/openbinder/openbinder/pkg/storage/test"
)

func TestInstrumentedRecordStore(t *testing.T) {
	const reads = 100

	inner := memory.New()
	defer inner.Close()
	dut := NewInstrumentedRecordStore(inner)

	lastBefore := testutil.ToFloat64(datastoreQueryCounter.WithLabelValues("last"))

	var wg sync.WaitGroup
	wg.Add(reads)

	for range reads {
		go func() {
			defer wg.Done()
			_, _ = dut.Last(context.Background(), 1)
		}()
	}

	wg.Wait()

	require.Equal(t, reads, dut.GetMetrics().DatastoreQueryCount)
	require.Equal(t, lastBefore+reads, testutil.ToFloat64(datastoreQueryCounter.WithLabelValues("last")))
}

func TestInstrumentedRecordStorePerMethod(t *testing.T) {
	ctx := context.Background()

	inner := memory.New()
	defer inner.Close()
	dut := NewInstrumentedRecordStore(inner)

	appendBefore := testutil.ToFloat64(datastoreQueryCounter.WithLabelValues("append"))
	getBefore := testutil.ToFloat64(datastoreQueryCounter.WithLabelValues("get_by_id"))

	rec := test.NewRecord(time.Now(), 0)
	require.NoError(t, dut.Append(ctx, rec))

	got, err := dut.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, rec, got)

	require.Equal(t, 2, dut.GetMetrics().DatastoreQueryCount)
	require.Equal(t, appendBefore+1, testutil.ToFloat64(datastoreQueryCounter.WithLabelValues("append")))
	require.Equal(t, getBefore+1, testutil.ToFloat64(datastoreQueryCounter.WithLabelValues("get_by_id")))
}
