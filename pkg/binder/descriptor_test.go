package binder

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDescriptorTable(t *testing.T) {
	t.Run("should_allocate_lowest_free_numbers_first", func(t *testing.T) {
		tbl := NewDescriptorTable(0)

		for i := uint64(0); i < 3; i++ {
			fd, err := tbl.Install(Descriptor{Object: 100 + i})
			require.NoError(t, err)
			require.Equal(t, uint32(i), fd)
		}

		require.NoError(t, tbl.Close(1))
		fd, err := tbl.Install(Descriptor{Object: 200})
		require.NoError(t, err)
		require.Equal(t, uint32(1), fd, "a closed number is reused before fresh ones")

		d, ok := tbl.Lookup(1)
		require.True(t, ok)
		require.Equal(t, uint64(200), d.Object)
		d, ok = tbl.Lookup(0)
		require.True(t, ok)
		require.Equal(t, uint64(100), d.Object)
	})

	t.Run("should_enforce_the_limit", func(t *testing.T) {
		tbl := NewDescriptorTable(2)

		_, err := tbl.Install(Descriptor{Object: 1})
		require.NoError(t, err)
		_, err = tbl.Install(Descriptor{Object: 2})
		require.NoError(t, err)
		_, err = tbl.Install(Descriptor{Object: 3})
		require.ErrorIs(t, err, ErrDescriptorLimit)

		require.NoError(t, tbl.Close(0))
		fd, err := tbl.Install(Descriptor{Object: 3})
		require.NoError(t, err)
		require.Equal(t, uint32(0), fd)
	})

	t.Run("should_reject_closing_unknown_numbers", func(t *testing.T) {
		tbl := NewDescriptorTable(0)

		require.ErrorIs(t, tbl.Close(7), ErrBadDescriptor)

		fd, err := tbl.Install(Descriptor{Object: 1})
		require.NoError(t, err)
		require.NoError(t, tbl.Close(fd))
		require.ErrorIs(t, tbl.Close(fd), ErrBadDescriptor)

		_, ok := tbl.Lookup(fd)
		require.False(t, ok)
	})
}
