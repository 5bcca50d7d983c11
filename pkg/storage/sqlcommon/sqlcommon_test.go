package sqlcommon

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/openbinder/openbinder/pkg/logger"
)

func TestNewConfig(t *testing.T) {
	t.Run("should_default_to_a_noop_logger", func(t *testing.T) {
		cfg := NewConfig()
		require.NotNil(t, cfg.Logger)
		require.Zero(t, cfg.MaxOpenConns)
		require.False(t, cfg.ExportMetrics)
	})

	t.Run("should_apply_options", func(t *testing.T) {
		l := logger.NewNoopLogger()

		cfg := NewConfig(
			WithLogger(l),
			WithMaxOpenConns(10),
			WithMaxIdleConns(5),
			WithConnMaxIdleTime(time.Minute),
			WithConnMaxLifetime(time.Hour),
			WithMetrics(),
		)

		require.Equal(t, l, cfg.Logger)
		require.Equal(t, 10, cfg.MaxOpenConns)
		require.Equal(t, 5, cfg.MaxIdleConns)
		require.Equal(t, time.Minute, cfg.ConnMaxIdleTime)
		require.Equal(t, time.Hour, cfg.ConnMaxLifetime)
		require.True(t, cfg.ExportMetrics)
	})
}

func TestIsReady(t *testing.T) {
	ctx := context.Background()

	t.Run("should_be_ready_when_skipping_the_version_check", func(t *testing.T) {
		db, err := sql.Open("sqlite", ":memory:")
		require.NoError(t, err)
		defer db.Close()

		status, err := IsReady(ctx, true, db)
		require.NoError(t, err)
		require.True(t, status.IsReady)
	})

	t.Run("should_surface_a_ping_failure", func(t *testing.T) {
		db, err := sql.Open("sqlite", ":memory:")
		require.NoError(t, err)
		require.NoError(t, db.Close())

		_, err = IsReady(ctx, true, db)
		require.Error(t, err)
	})
}
