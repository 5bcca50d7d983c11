package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errStubMigrate = errors.New("stub migrate failure")

type stubMigrationProvider struct {
	engine     string
	shouldFail bool
	version    int64
	ran        bool
}

func (m *stubMigrationProvider) GetSupportedEngine() string {
	return m.engine
}

func (m *stubMigrationProvider) RunMigrations(_ context.Context, _ MigrationConfig) error {
	if m.shouldFail {
		return errStubMigrate
	}
	m.ran = true
	return nil
}

func (m *stubMigrationProvider) GetCurrentVersion(_ context.Context, _ MigrationConfig) (int64, error) {
	if m.shouldFail {
		return 0, errStubMigrate
	}
	return m.version, nil
}

func TestMigratorRegistry(t *testing.T) {
	t.Run("should_start_with_no_engines", func(t *testing.T) {
		registry := NewMigratorRegistry()
		require.Empty(t, registry.GetSupportedEngines())

		provider, ok := registry.GetProvider("sqlite")
		require.False(t, ok)
		require.Nil(t, provider)
	})

	t.Run("should_return_registered_providers", func(t *testing.T) {
		registry := NewMigratorRegistry()
		sqlite := &stubMigrationProvider{engine: "sqlite", version: 1}
		memory := &stubMigrationProvider{engine: "memory"}

		registry.RegisterProvider("sqlite", sqlite)
		registry.RegisterProvider("memory", memory)

		require.ElementsMatch(t, []string{"sqlite", "memory"}, registry.GetSupportedEngines())

		got, ok := registry.GetProvider("sqlite")
		require.True(t, ok)
		require.Equal(t, sqlite, got)
	})

	t.Run("should_let_a_later_registration_win", func(t *testing.T) {
		registry := NewMigratorRegistry()
		first := &stubMigrationProvider{engine: "sqlite", version: 1}
		second := &stubMigrationProvider{engine: "sqlite", version: 2}

		registry.RegisterProvider("sqlite", first)
		registry.RegisterProvider("sqlite", second)

		got, ok := registry.GetProvider("sqlite")
		require.True(t, ok)
		require.Same(t, second, got)
	})

	t.Run("should_pass_config_through_to_the_provider", func(t *testing.T) {
		registry := NewMigratorRegistry()
		provider := &stubMigrationProvider{engine: "sqlite", version: 3}
		registry.RegisterProvider("sqlite", provider)

		cfg := MigrationConfig{
			Engine:  "sqlite",
			URI:     "file:records.db",
			Timeout: 5 * time.Second,
		}

		got, ok := registry.GetProvider(cfg.Engine)
		require.True(t, ok)
		require.NoError(t, got.RunMigrations(context.Background(), cfg))
		require.True(t, provider.ran)

		version, err := got.GetCurrentVersion(context.Background(), cfg)
		require.NoError(t, err)
		require.Equal(t, int64(3), version)

		provider.shouldFail = true
		require.ErrorIs(t, got.RunMigrations(context.Background(), cfg), errStubMigrate)
	})
}
