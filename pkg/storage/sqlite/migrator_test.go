package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openbinder/openbinder/pkg/storage"
)

func TestSQLiteMigrationProvider(t *testing.T) {
	provider := NewSQLiteMigrationProvider()

	t.Run("GetSupportedEngine", func(t *testing.T) {
		require.Equal(t, "sqlite", provider.GetSupportedEngine())
	})

	t.Run("NewSQLiteMigrationProvider", func(t *testing.T) {
		require.NotNil(t, provider)
		require.Implements(t, (*storage.MigrationProvider)(nil), provider)
	})

	t.Run("MigratesToLatest", func(t *testing.T) {
		uri := filepath.Join(t.TempDir(), "records.db")
		config := storage.MigrationConfig{
			Engine:  "sqlite",
			URI:     uri,
			Timeout: 5 * time.Second,
		}

		ctx := context.Background()
		require.NoError(t, provider.RunMigrations(ctx, config))

		version, err := provider.GetCurrentVersion(ctx, config)
		require.NoError(t, err)
		require.Equal(t, int64(1), version)

		// The schema is in place.
		dsn, err := PrepareDSN(uri)
		require.NoError(t, err)
		db, err := sql.Open("sqlite", dsn)
		require.NoError(t, err)
		defer db.Close()

		var count int
		err = db.QueryRow("SELECT COUNT(*) FROM transaction_record").Scan(&count)
		require.NoError(t, err)
		require.Zero(t, count)
	})

	t.Run("MigrationsAreIdempotent", func(t *testing.T) {
		uri := filepath.Join(t.TempDir(), "records.db")
		config := storage.MigrationConfig{
			Engine:  "sqlite",
			URI:     uri,
			Timeout: 5 * time.Second,
		}

		ctx := context.Background()
		require.NoError(t, provider.RunMigrations(ctx, config))
		require.NoError(t, provider.RunMigrations(ctx, config))

		version, err := provider.GetCurrentVersion(ctx, config)
		require.NoError(t, err)
		require.Equal(t, int64(1), version)
	})

	t.Run("ConnectionFailure", func(t *testing.T) {
		config := storage.MigrationConfig{
			Engine:  "sqlite",
			URI:     "/invalid/path/that/does/not/exist/db.sqlite",
			Timeout: 1 * time.Second,
		}

		ctx := context.Background()
		err := provider.RunMigrations(ctx, config)
		require.Error(t, err)
		require.Contains(t, err.Error(), "failed to initialize sqlite connection")
	})

	t.Run("ConnectionFailure_GetCurrentVersion", func(t *testing.T) {
		config := storage.MigrationConfig{
			Engine:  "sqlite",
			URI:     "/invalid/path/that/does/not/exist/db.sqlite",
			Timeout: 1 * time.Second,
		}

		ctx := context.Background()
		_, err := provider.GetCurrentVersion(ctx, config)
		require.Error(t, err)
		// The error could be either connection failure or database error
		require.True(t,
			strings.Contains(err.Error(), "failed to open sqlite connection") ||
				strings.Contains(err.Error(), "unable to open database file"))
	})
}

func TestSQLiteMigrationProviderPrepareURI(t *testing.T) {
	provider := NewSQLiteMigrationProvider()

	t.Run("ValidPath", func(t *testing.T) {
		tempDir := t.TempDir()
		dbPath := filepath.Join(tempDir, "test.db")

		config := storage.MigrationConfig{
			Engine: "sqlite",
			URI:    dbPath,
		}

		uri, err := provider.prepareURI(config)
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(uri, dbPath))
		require.Contains(t, uri, "_pragma=journal_mode")
	})

	t.Run("FileWithQueryParams", func(t *testing.T) {
		tempDir := t.TempDir()
		dbPath := filepath.Join(tempDir, "test.db")

		config := storage.MigrationConfig{
			Engine: "sqlite",
			URI:    dbPath + "?_pragma=busy_timeout(500)",
		}

		uri, err := provider.prepareURI(config)
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(uri, dbPath))
		require.Contains(t, uri, "busy_timeout%28500%29")
		require.NotContains(t, uri, "busy_timeout%28100%29")
	})
}
