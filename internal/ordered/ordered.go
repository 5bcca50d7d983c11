// Package ordered provides a typed ordered map built on a red-black tree.
//
// The engine keeps several indexes that must support smallest-key scans and
// in-order iteration (object tables, handle tables, buffer tables), so a
// sorted tree is used rather than a hash map.
package ordered

import (
	"github.com/emirpasic/gods/trees/redblacktree"
	"golang.org/x/exp/constraints"
)

// Map is an ordered map from K to V. It is not safe for concurrent use;
// callers hold their own locks.
type Map[K any, V any] struct {
	tree *redblacktree.Tree
}

// NewMap returns an empty ordered map over a naturally ordered key type.
func NewMap[K constraints.Ordered, V any]() *Map[K, V] {
	return NewMapFunc[K, V](func(a, b K) int {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	})
}

// NewMapFunc returns an empty ordered map using cmp to order keys.
func NewMapFunc[K any, V any](cmp func(a, b K) int) *Map[K, V] {
	return &Map[K, V]{tree: redblacktree.NewWith(func(a, b interface{}) int {
		return cmp(a.(K), b.(K))
	})}
}

func (m *Map[K, V]) Put(key K, value V) {
	m.tree.Put(key, value)
}

func (m *Map[K, V]) Get(key K) (V, bool) {
	v, ok := m.tree.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

func (m *Map[K, V]) Remove(key K) {
	m.tree.Remove(key)
}

func (m *Map[K, V]) Len() int {
	return m.tree.Size()
}

func (m *Map[K, V]) Empty() bool {
	return m.tree.Empty()
}

// Min returns the smallest key and its value.
func (m *Map[K, V]) Min() (K, V, bool) {
	n := m.tree.Left()
	if n == nil {
		var zk K
		var zv V
		return zk, zv, false
	}
	return n.Key.(K), n.Value.(V), true
}

// Ascend calls fn for each entry in ascending key order until fn returns
// false. Mutating the map during iteration is not allowed.
func (m *Map[K, V]) Ascend(fn func(key K, value V) bool) {
	it := m.tree.Iterator()
	for it.Next() {
		if !fn(it.Key().(K), it.Value().(V)) {
			return
		}
	}
}

// Floor returns the largest entry with key <= key.
func (m *Map[K, V]) Floor(key K) (K, V, bool) {
	n, ok := m.tree.Floor(key)
	if !ok {
		var zk K
		var zv V
		return zk, zv, false
	}
	return n.Key.(K), n.Value.(V), true
}

// Ceiling returns the smallest entry with key >= key.
func (m *Map[K, V]) Ceiling(key K) (K, V, bool) {
	n, ok := m.tree.Ceiling(key)
	if !ok {
		var zk K
		var zv V
		return zk, zv, false
	}
	return n.Key.(K), n.Value.(V), true
}
