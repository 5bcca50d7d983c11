package sqlite

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"

	"github.com/openbinder/openbinder/assets"
	"github.com/openbinder/openbinder/pkg/storage"
	"github.com/openbinder/openbinder/pkg/storage/sqlcommon"
	"github.com/openbinder/openbinder/pkg/storage/test"
)

// testDatastore migrates a throwaway database file and opens a store on it.
func testDatastore(t *testing.T) (*Datastore, string) {
	t.Helper()

	uri := filepath.Join(t.TempDir(), "records.db")

	provider := NewSQLiteMigrationProvider()
	err := provider.RunMigrations(context.Background(), storage.MigrationConfig{
		Engine:  "sqlite",
		URI:     uri,
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)

	ds, err := New(uri, sqlcommon.NewConfig())
	require.NoError(t, err)
	t.Cleanup(ds.Close)

	return ds, uri
}

func TestSQLiteRecordStore(t *testing.T) {
	ds, _ := testDatastore(t)
	test.RunAllTests(t, ds)
}

func TestSQLiteDatastoreAfterCloseIsNotReady(t *testing.T) {
	ds, uri := testDatastore(t)

	dsToClose, err := New(uri, sqlcommon.NewConfig())
	require.NoError(t, err)
	dsToClose.Close()

	status, err := dsToClose.IsReady(context.Background())
	require.Error(t, err)
	require.False(t, status.IsReady)

	// The store opened by the helper is unaffected.
	status, err = ds.IsReady(context.Background())
	require.NoError(t, err)
	require.True(t, status.IsReady)
}

func TestIsReadyReportsPendingMigrations(t *testing.T) {
	ds, uri := testDatastore(t)

	// Roll the schema back underneath the store.
	dsn, err := PrepareDSN(uri)
	require.NoError(t, err)

	db, err := goose.OpenDBWithDriver("sqlite", dsn)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, goose.SetDialect("sqlite"))
	goose.SetBaseFS(assets.EmbedMigrations)
	require.NoError(t, goose.DownTo(db, assets.SqliteMigrationDir, 0))

	status, err := ds.IsReady(context.Background())
	require.NoError(t, err)
	require.False(t, status.IsReady)
	require.Contains(t, status.Message, "datastore requires migrations")
	require.Contains(t, status.Message, "openbinder migrate")
}

func TestAppendDuplicateIDIsACollision(t *testing.T) {
	ds, _ := testDatastore(t)
	ctx := context.Background()

	rec := test.NewRecord(time.Now(), 0)
	require.NoError(t, ds.Append(ctx, rec))

	err := ds.Append(ctx, rec)
	require.ErrorIs(t, err, storage.ErrCollision)
}

func TestLargeCountersRoundTrip(t *testing.T) {
	ds, _ := testDatastore(t)
	ctx := context.Background()

	// Digests and node addresses use the full uint64 range, which only
	// survives SQLite's signed integers via the bit-pattern conversion.
	rec := test.NewRecord(time.Now(), 0)
	rec.PayloadDigest = math.MaxUint64
	rec.ToNode = math.MaxUint64 - 1
	rec.DebugID = uint64(math.MaxInt64) + 7

	require.NoError(t, ds.Append(ctx, rec))

	got, err := ds.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(math.MaxUint64), got.PayloadDigest)
	require.Equal(t, uint64(math.MaxUint64-1), got.ToNode)
	require.Equal(t, uint64(math.MaxInt64)+7, got.DebugID)
}

func TestPrepareDSN(t *testing.T) {
	t.Run("should_default_pragmas", func(t *testing.T) {
		uri, err := PrepareDSN("records.db")
		require.NoError(t, err)
		require.Contains(t, uri, "_pragma=journal_mode%28WAL%29")
		require.Contains(t, uri, "_pragma=busy_timeout%28100%29")
		require.Contains(t, uri, "_txlock=immediate")
	})

	t.Run("should_keep_caller_pragmas", func(t *testing.T) {
		uri, err := PrepareDSN("records.db?_pragma=journal_mode(DELETE)&_txlock=deferred")
		require.NoError(t, err)
		require.Contains(t, uri, "journal_mode%28DELETE%29")
		require.NotContains(t, uri, "journal_mode%28WAL%29")
		require.Contains(t, uri, "_txlock=deferred")
		require.Contains(t, uri, "_pragma=busy_timeout%28100%29")
	})

	t.Run("should_reject_a_malformed_query", func(t *testing.T) {
		_, err := PrepareDSN("records.db?_pragma=%zz")
		require.Error(t, err)
	})
}
