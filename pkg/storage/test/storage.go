package test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/openbinder/openbinder/pkg/storage"
)

var (
	// Backends are allowed to truncate timestamps to whatever their
	// column type holds, so CreatedAt only has to land close.
	cmpOpts = []cmp.Option{
		cmpopts.EquateApproxTime(time.Second),
	}
)

// RunAllTests exercises the storage.RecordStore contract shared by every
// backend. Behavior specific to one backend, such as the memory ring's
// capacity or sqlite's migrations, belongs in that backend's own tests.
func RunAllTests(t *testing.T, s storage.RecordStore) {
	t.Run("TestStoreIsReady", func(t *testing.T) {
		status, err := s.IsReady(context.Background())
		require.NoError(t, err)
		require.True(t, status.IsReady)
	})

	t.Run("TestAppendAndGet", func(t *testing.T) { AppendAndGetTest(t, s) })
	t.Run("TestLastOrdering", func(t *testing.T) { LastOrderingTest(t, s) })
	t.Run("TestGetByIDNotFound", func(t *testing.T) { NotFoundTest(t, s) })
}
