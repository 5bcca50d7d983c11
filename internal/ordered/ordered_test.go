package ordered

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMap(t *testing.T) {
	t.Run("put_get_remove", func(t *testing.T) {
		m := NewMap[uint32, string]()
		require.True(t, m.Empty())

		m.Put(3, "c")
		m.Put(1, "a")
		m.Put(2, "b")
		require.Equal(t, 3, m.Len())

		v, ok := m.Get(2)
		require.True(t, ok)
		require.Equal(t, "b", v)

		_, ok = m.Get(9)
		require.False(t, ok)

		m.Remove(2)
		require.Equal(t, 2, m.Len())
		_, ok = m.Get(2)
		require.False(t, ok)
	})

	t.Run("put_overwrites", func(t *testing.T) {
		m := NewMap[uint64, int]()
		m.Put(7, 1)
		m.Put(7, 2)
		require.Equal(t, 1, m.Len())
		v, _ := m.Get(7)
		require.Equal(t, 2, v)
	})

	t.Run("min", func(t *testing.T) {
		m := NewMap[uint32, string]()
		_, _, ok := m.Min()
		require.False(t, ok)

		m.Put(10, "x")
		m.Put(5, "y")
		k, v, ok := m.Min()
		require.True(t, ok)
		require.Equal(t, uint32(5), k)
		require.Equal(t, "y", v)
	})

	t.Run("ascend_in_order", func(t *testing.T) {
		m := NewMap[uint32, string]()
		m.Put(2, "b")
		m.Put(1, "a")
		m.Put(3, "c")

		var keys []uint32
		m.Ascend(func(k uint32, _ string) bool {
			keys = append(keys, k)
			return true
		})
		require.Equal(t, []uint32{1, 2, 3}, keys)
	})

	t.Run("ascend_stops_early", func(t *testing.T) {
		m := NewMap[uint32, string]()
		m.Put(1, "a")
		m.Put(2, "b")
		m.Put(3, "c")

		var keys []uint32
		m.Ascend(func(k uint32, _ string) bool {
			keys = append(keys, k)
			return k < 2
		})
		require.Equal(t, []uint32{1, 2}, keys)
	})

	t.Run("custom_comparator", func(t *testing.T) {
		type key struct{ size, addr uint64 }
		m := NewMapFunc[key, string](func(a, b key) int {
			if a.size != b.size {
				if a.size < b.size {
					return -1
				}
				return 1
			}
			if a.addr != b.addr {
				if a.addr < b.addr {
					return -1
				}
				return 1
			}
			return 0
		})
		m.Put(key{size: 64, addr: 0x200}, "far")
		m.Put(key{size: 64, addr: 0x100}, "near")
		m.Put(key{size: 128, addr: 0x300}, "big")

		k, v, ok := m.Ceiling(key{size: 32})
		require.True(t, ok)
		require.Equal(t, key{size: 64, addr: 0x100}, k)
		require.Equal(t, "near", v)

		k, _, ok = m.Ceiling(key{size: 65})
		require.True(t, ok)
		require.Equal(t, uint64(128), k.size)
	})

	t.Run("floor_and_ceiling", func(t *testing.T) {
		m := NewMap[uint64, string]()
		m.Put(10, "a")
		m.Put(20, "b")

		k, _, ok := m.Floor(15)
		require.True(t, ok)
		require.Equal(t, uint64(10), k)

		k, _, ok = m.Ceiling(15)
		require.True(t, ok)
		require.Equal(t, uint64(20), k)

		_, _, ok = m.Floor(5)
		require.False(t, ok)

		_, _, ok = m.Ceiling(25)
		require.False(t, ok)
	})
}
