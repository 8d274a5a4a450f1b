// Package freemap implements component D of the allocator design: an
// ordered map from block size to one or more free offsets of that size,
// built on the shared cluster tree substrate (internal/cluster) exactly
// the way internal/offsetindex is, but with a 16-byte item and a nested
// offsetindex.Index for size classes that hold more than one offset.
package freemap

import (
	"encoding/binary"

	"github.com/svenbieg/Heap/internal/cluster"
	"github.com/svenbieg/Heap/internal/offsetindex"
)

const itemSize = 16

// indexedBit is bit 0 of the ptr half of an item: 0 means ptr is a
// single free-block offset (word-aligned, so bit 0 is otherwise free
// for this use), 1 means ptr&^1 is the root offset of a nested
// offsetindex.Index holding every offset that currently shares size.
const indexedBit = uint64(1)

func codec() cluster.Codec {
	return cluster.Codec{
		ItemSize: itemSize,
		Compare: func(a, b []byte) int {
			x := binary.LittleEndian.Uint64(a[0:8])
			y := binary.LittleEndian.Uint64(b[0:8])
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			default:
				return 0
			}
		},
	}
}

func encodeItem(size uintptr, ptr uint64) []byte {
	b := make([]byte, itemSize)
	binary.LittleEndian.PutUint64(b[0:8], uint64(size))
	binary.LittleEndian.PutUint64(b[8:16], ptr)
	return b
}

func decodeSize(item []byte) uintptr { return uintptr(binary.LittleEndian.Uint64(item[0:8])) }
func decodePtr(item []byte) uint64   { return binary.LittleEndian.Uint64(item[8:16]) }

func isIndexed(ptr uint64) bool    { return ptr&indexedBit != 0 }
func indexRoot(ptr uint64) uintptr { return uintptr(ptr &^ indexedBit) }
func singleOffset(ptr uint64) uintptr {
	return uintptr(ptr)
}

// Map is an ordered size -> offset(s) map, rooted wherever its owner
// keeps Root (the allocator façade's control structure).
type Map struct {
	mem   []byte
	tree  *cluster.Tree
	alloc cluster.Allocator
	Root  uintptr
}

// New constructs a Map over mem using alloc to grow or shrink its own
// nodes (and, transitively, any nested offsetindex.Index nodes it needs
// for a size class with more than one offset).
func New(mem []byte, alloc cluster.Allocator, root uintptr) *Map {
	return &Map{mem: mem, tree: cluster.New(mem, codec(), alloc), alloc: alloc, Root: root}
}

func (m *Map) searchKey(size uintptr) []byte {
	return encodeItem(size, 0)
}

// Add records a free block of size bytes at offset. ok is false only on
// allocator exhaustion (no node could be carved for tree growth, or for
// a newly promoted nested index); the caller is responsible for routing
// a failed Add to the deferred-free cache instead, per spec.md §4.5 step 5.
func (m *Map) Add(size uintptr, offset uintptr) bool {
	leaf, idx, found := m.tree.Find(m.Root, m.searchKey(size))
	if !found {
		newRoot, ok := m.tree.Insert(m.Root, encodeItem(size, uint64(offset)))
		if !ok {
			return false
		}
		m.Root = newRoot
		return true
	}

	item := m.tree.ItemAt(leaf, idx)
	ptr := decodePtr(item)
	if !isIndexed(ptr) {
		prior := singleOffset(ptr)
		ix := offsetindex.New(m.mem, m.alloc, 0)
		if !ix.Add(prior) || !ix.Add(offset) {
			return false
		}
		m.tree.SetItemAt(leaf, idx, encodeItem(size, uint64(ix.Root)|indexedBit))
		return true
	}

	ix := offsetindex.New(m.mem, m.alloc, indexRoot(ptr))
	if !ix.Add(offset) {
		return false
	}
	m.tree.SetItemAt(leaf, idx, encodeItem(size, uint64(ix.Root)|indexedBit))
	return true
}

// Get performs a best-fit lookup: the smallest recorded size that is >=
// minSize, removing and returning one offset of that size. found is
// false if no block large enough exists anywhere in the map.
func (m *Map) Get(minSize uintptr) (size uintptr, offset uintptr, found bool) {
	ceilItem, ok := m.tree.Ceiling(m.Root, m.searchKey(minSize))
	if !ok {
		return 0, 0, false
	}
	size = decodeSize(ceilItem)
	leaf, idx, exact := m.tree.Find(m.Root, m.searchKey(size))
	if !exact {
		return 0, 0, false
	}
	item := m.tree.ItemAt(leaf, idx)
	ptr := decodePtr(item)

	if !isIndexed(ptr) {
		offset = singleOffset(ptr)
		newRoot, _ := m.tree.Remove(m.Root, m.searchKey(size))
		m.Root = newRoot
		return size, offset, true
	}

	ix := offsetindex.New(m.mem, m.alloc, indexRoot(ptr))
	offset, _ = ix.PopLast()
	if remaining, ok := ix.First(); ok && ix.Count() == 1 {
		// Demoting back to a single offset: drain ix's last entry too so
		// its now-redundant node is reclaimed via the index's own Remove,
		// rather than abandoning it with ix.Root discarded and its node
		// left allocated but unreachable.
		ix.Remove(remaining)
		newRoot, _ := m.tree.Remove(m.Root, m.searchKey(size))
		m.Root = newRoot
		newRoot, _ = m.tree.Insert(m.Root, encodeItem(size, uint64(remaining)))
		m.Root = newRoot
		return size, offset, true
	}
	m.tree.SetItemAt(leaf, idx, encodeItem(size, uint64(ix.Root)|indexedBit))
	return size, offset, true
}

// Remove deletes a specific (size, offset) pair by exact identity,
// mirroring Add in reverse. It reports whether the pair was present.
func (m *Map) Remove(size uintptr, offset uintptr) bool {
	leaf, idx, found := m.tree.Find(m.Root, m.searchKey(size))
	if !found {
		return false
	}
	item := m.tree.ItemAt(leaf, idx)
	ptr := decodePtr(item)

	if !isIndexed(ptr) {
		if singleOffset(ptr) != offset {
			return false
		}
		newRoot, _ := m.tree.Remove(m.Root, m.searchKey(size))
		m.Root = newRoot
		return true
	}

	ix := offsetindex.New(m.mem, m.alloc, indexRoot(ptr))
	if !ix.Remove(offset) {
		return false
	}
	if remaining, ok := ix.First(); ok && ix.Count() == 1 {
		// Same demotion-time reclamation as Get: drain ix down to empty
		// so its node is freed through its own Remove, instead of
		// abandoning a node the map no longer has any pointer to.
		ix.Remove(remaining)
		newRoot, _ := m.tree.Remove(m.Root, m.searchKey(size))
		m.Root = newRoot
		newRoot, _ = m.tree.Insert(m.Root, encodeItem(size, uint64(remaining)))
		m.Root = newRoot
		return true
	}
	if ix.Count() == 0 {
		newRoot, _ := m.tree.Remove(m.Root, m.searchKey(size))
		m.Root = newRoot
		return true
	}
	m.tree.SetItemAt(leaf, idx, encodeItem(size, uint64(ix.Root)|indexedBit))
	return true
}

// LargestKey returns the largest size currently recorded in the map.
// Used by the allocator façade's LargestFreeBlock statistic.
func (m *Map) LargestKey() (uintptr, bool) {
	item, ok := m.tree.Last(m.Root)
	if !ok {
		return 0, false
	}
	return decodeSize(item), true
}

// CheckInvariants verifies the underlying cluster tree's structural
// invariants. Exposed for tests; it does not descend into nested
// offset indexes (those are checked independently by offsetindex's own
// tests against the same underlying cluster package).
func (m *Map) CheckInvariants() error {
	return m.tree.CheckInvariants(m.Root)
}
