package util

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestMustBindPFlag(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("listen-path", "/tmp/test.sock", "")

	MustBindPFlag("test.listenPath", flags.Lookup("listen-path"))
	require.Equal(t, "/tmp/test.sock", viper.GetString("test.listenPath"))
}

func TestMustBindPFlagPanicsOnNilFlag(t *testing.T) {
	require.Panics(t, func() { MustBindPFlag("test.nilFlag", nil) })
}

func TestMustBindEnv(t *testing.T) {
	t.Setenv("OPENBINDER_TEST_VALUE", "42")

	MustBindEnv("test.value", "OPENBINDER_TEST_VALUE")
	require.Equal(t, "42", viper.GetString("test.value"))
}

func TestMustBindEnvPanicsWithoutAKey(t *testing.T) {
	require.Panics(t, func() { MustBindEnv() })
}
