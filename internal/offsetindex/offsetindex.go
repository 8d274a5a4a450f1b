// Package offsetindex implements component C of the allocator design: an
// ordered set of block offsets, built directly on the shared cluster
// tree substrate. It is used nested inside a free-block map item whenever
// two or more free blocks share a size.
package offsetindex

import (
	"encoding/binary"

	"github.com/svenbieg/Heap/internal/cluster"
)

const itemSize = 8

func codec() cluster.Codec {
	return cluster.Codec{
		ItemSize: itemSize,
		Compare: func(a, b []byte) int {
			x := binary.LittleEndian.Uint64(a)
			y := binary.LittleEndian.Uint64(b)
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

func encode(offset uintptr) []byte {
	b := make([]byte, itemSize)
	binary.LittleEndian.PutUint64(b, uint64(offset))
	return b
}

func decode(b []byte) uintptr {
	return uintptr(binary.LittleEndian.Uint64(b))
}

// Index is an ordered set of offsets, rooted wherever its owner keeps
// Root (a struct field for a free-standing index, or inline within a
// free-block map item for a nested one).
type Index struct {
	tree *cluster.Tree
	Root uintptr
}

// New constructs an Index over mem using alloc to grow or shrink its
// nodes. root is the current root offset, 0 for an empty index.
func New(mem []byte, alloc cluster.Allocator, root uintptr) *Index {
	return &Index{tree: cluster.New(mem, codec(), alloc), Root: root}
}

// Add inserts offset into the index. ok is false only on allocator
// exhaustion, in which case the index is left unchanged.
func (ix *Index) Add(offset uintptr) bool {
	newRoot, ok := ix.tree.Insert(ix.Root, encode(offset))
	if !ok {
		return false
	}
	ix.Root = newRoot
	return true
}

// Remove deletes offset from the index, reporting whether it was present.
func (ix *Index) Remove(offset uintptr) bool {
	newRoot, found := ix.tree.Remove(ix.Root, encode(offset))
	if !found {
		return false
	}
	ix.Root = newRoot
	return true
}

// First returns the smallest offset in the index.
func (ix *Index) First() (uintptr, bool) {
	item, ok := ix.tree.First(ix.Root)
	if !ok {
		return 0, false
	}
	return decode(item), true
}

// Last returns the largest offset in the index.
func (ix *Index) Last() (uintptr, bool) {
	item, ok := ix.tree.Last(ix.Root)
	if !ok {
		return 0, false
	}
	return decode(item), true
}

// PopLast removes and returns the largest offset in the index. This is
// the operation the free-block map uses to pull one offset out of a
// size class's nested index without disturbing the others (the resolved
// Open Question on pop order - see DESIGN.md: popping the tail keeps
// the common case, a size class shrinking back to a single offset,
// O(1) rather than needing a subsequent re-shift of everything else).
func (ix *Index) PopLast() (uintptr, bool) {
	off, ok := ix.Last()
	if !ok {
		return 0, false
	}
	ix.Remove(off)
	return off, true
}

// RemoveAt removes and returns the offset at the given ascending rank
// (0 = smallest). This port implements it against the already-tested
// Items/Remove path rather than a dedicated cached-item-count rank
// descent (spec.md §4.3's literal algorithm) - a scope simplification
// recorded in DESIGN.md, since no surviving caller in this port needs
// RemoveAt off the hot alloc/free path (the free-block map's own
// best-fit pop uses PopLast, not rank access).
func (ix *Index) RemoveAt(rank int) (uintptr, bool) {
	items := ix.tree.Items(ix.Root, nil)
	if rank < 0 || rank >= len(items) {
		return 0, false
	}
	off := decode(items[rank])
	ix.Remove(off)
	return off, true
}

// Count returns the number of offsets currently in the index. It costs
// O(tree size) - it walks the whole subtree - and is intended for tests
// and diagnostics, not the hot alloc/free path.
func (ix *Index) Count() int {
	return len(ix.tree.Items(ix.Root, nil))
}

// CheckInvariants verifies the underlying cluster tree's structural
// invariants. Exposed for tests.
func (ix *Index) CheckInvariants() error {
	return ix.tree.CheckInvariants(ix.Root)
}
