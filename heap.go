// Package heap implements a fixed-region, real-time memory allocator: it
// partitions a single caller-supplied byte region into variable-sized
// blocks and serves Alloc/Free against it without ever growing, copying,
// or compacting the region. All bookkeeping - the block header/footer
// chain, the free-block index, and the deferred-free cache that makes
// that index's own self-referential allocation reentrancy-safe - lives
// inside the region itself, the way the teacher's
// internal/allocator.OptimizedAllocator and internal/runtime region code
// carve their own metadata out of caller/host memory rather than the Go
// heap.
//
// A Handle is not safe for concurrent use. Carrying a mutex here would
// itself violate the single-threaded, synchronous design this allocator
// exists to provide (see the package's non-goals); callers needing
// concurrent access must serialize it themselves.
package heap

import (
	"encoding/binary"
	"unsafe"

	"github.com/svenbieg/Heap/internal/align"
	"github.com/svenbieg/Heap/internal/block"
	"github.com/svenbieg/Heap/internal/cluster"
	"github.com/svenbieg/Heap/internal/freemap"
	"github.com/svenbieg/Heap/internal/herrors"
)

// Control layout: 5 words at region offset 0.
const (
	controlFree             = 0 * align.Word
	controlUsed             = 1 * align.Word
	controlSize             = 2 * align.Word
	controlDeferredFreeHead = 3 * align.Word
	controlMapRoot          = 4 * align.Word
	controlSize5Words       = 5 * align.Word
)

// Handle wraps a caller-supplied region and is the only way to Alloc or
// Free blocks within it. The region's backing array is never copied;
// every payload pointer Alloc returns aliases straight into it.
type Handle struct {
	mem  []byte
	base unsafe.Pointer
	fm   *freemap.Map
}

// New prepares region for allocation: it rounds size down to a word
// boundary, requires enough room for the control structure plus at
// least one minimum-sized block, and returns a Handle over it. It
// returns a *herrors.Error (category Validation) instead of panicking,
// since this is a library entry point, not an internal corruption
// check - see §7 of the design notes.
func New(region []byte) (*Handle, error) {
	if len(region) == 0 {
		return nil, herrors.NilRegion()
	}
	size := align.Down(uintptr(len(region)))
	required := uintptr(controlSize5Words + align.MinBlockSize)
	if size <= controlSize5Words || size < required {
		return nil, herrors.RegionTooSmall(uintptr(len(region)), required)
	}
	region = region[:size]

	h := &Handle{mem: region, base: unsafe.Pointer(&region[0])}
	// free tracks only bytes currently recorded in the free-block map (zero
	// until something is freed); the region's entire unused capacity lives
	// in the gap between used and size, counted separately by BytesFree.
	h.writeWord(controlFree, 0)
	h.writeWord(controlUsed, uint64(controlSize5Words))
	h.writeWord(controlSize, uint64(size))
	h.writeWord(controlDeferredFreeHead, 0)
	h.writeWord(controlMapRoot, 0)
	h.fm = freemap.New(h.mem, h, 0)
	return h, nil
}

// readWord/writeWord use the same encoding/binary.LittleEndian word
// access as internal/block and internal/cluster, rather than a
// hand-rolled shift-and-mask, so the whole region's control words and
// node headers share one byte layout convention.
func (h *Handle) readWord(offset uintptr) uint64 {
	return binary.LittleEndian.Uint64(h.mem[offset : offset+8])
}

func (h *Handle) writeWord(offset uintptr, w uint64) {
	binary.LittleEndian.PutUint64(h.mem[offset:offset+8], w)
}

func (h *Handle) free() uintptr             { return uintptr(h.readWord(controlFree)) }
func (h *Handle) setFree(v uintptr)         { h.writeWord(controlFree, uint64(v)) }
func (h *Handle) used() uintptr             { return uintptr(h.readWord(controlUsed)) }
func (h *Handle) setUsed(v uintptr)         { h.writeWord(controlUsed, uint64(v)) }
func (h *Handle) regionSize() uintptr       { return uintptr(h.readWord(controlSize)) }
func (h *Handle) deferredHead() uintptr     { return uintptr(h.readWord(controlDeferredFreeHead)) }
func (h *Handle) setDeferredHead(v uintptr) { h.writeWord(controlDeferredFreeHead, uint64(v)) }

// syncMapRoot persists the free-block map's current root (kept live in
// h.fm.Root across the map's own Add/Get/Remove calls) back into the
// control structure, mirroring spec.md §4.5's map_root field.
func (h *Handle) syncMapRoot() {
	h.writeWord(controlMapRoot, uint64(h.fm.Root))
}

// pushDeferred threads offset (a block whose header the caller has already
// written, free flag included) onto the front of the deferred-free LIFO cache, using the
// block's first payload word as the link - see spec.md §4.5.
func (h *Handle) pushDeferred(offset uintptr) {
	payload := block.ToPayload(offset)
	h.writeWord(payload, uint64(h.deferredHead()))
	h.setDeferredHead(offset)
}

// popDeferred unlinks and returns the block currently at the head of
// the deferred-free cache, or ok=false if the cache is empty.
func (h *Handle) popDeferred() (offset uintptr, ok bool) {
	head := h.deferredHead()
	if head == 0 {
		return 0, false
	}
	payload := block.ToPayload(head)
	next := uintptr(h.readWord(payload))
	h.setDeferredHead(next)
	return head, true
}

// drainOneDeferred migrates exactly one cached block into the free-block
// map, per the amortisation rule in spec.md §4.5: at most one entry
// moves per top-level Alloc or Free call, keeping worst-case per-call
// work bounded. If the map can't take it right now (no node could be
// carved), the block goes straight back onto the cache.
func (h *Handle) drainOneDeferred() {
	offset, ok := h.popDeferred()
	if !ok {
		return
	}
	size, _ := block.ReadSize(h.mem, offset)
	if h.fm.Add(size, offset) {
		h.setFree(h.free() + size)
	} else {
		h.pushDeferred(offset)
	}
	h.syncMapRoot()
}

// AllocNode satisfies cluster.Allocator for the free-block map's own
// tree (and any nested offset index it needs). It is the
// heap_alloc_internal boundary named in spec.md §5: it may only consult
// the map via Get, never Add, and it never splits a recovered block's
// remainder back into the map - the remainder is pushed onto the
// deferred-free cache instead, which is what keeps the reentrant chain
// map_add -> node_alloc -> map_alloc -> map_add from recursing further.
//
// The offset handed back to the tree is the block's payload, not its
// header: a node's own header/item bytes must never alias the block
// header/footer word that keeps this block in the same intact
// header+payload+footer shape as every other block (data-model
// invariant 2), so that block.ReadChain's coalescing in Free still sees
// a real size/free word at a node block's boundary rather than whatever
// the tree last wrote into its node header.
func (h *Handle) AllocNode(size uintptr) (uintptr, bool) {
	need := align.BlockSizeFor(size)
	blockOffset, ok := h.allocInternal(need)
	if !ok {
		return 0, false
	}
	return block.ToPayload(blockOffset), true
}

// FreeNode satisfies cluster.Allocator: a node no longer needed by the
// tree is marked free in place and pushed onto the deferred-free cache,
// never published to the map directly from inside a tree mutation.
// offset is the payload address AllocNode returned, so it is converted
// back to the owning block's header offset before touching the block
// format.
func (h *Handle) FreeNode(offset uintptr) {
	blockOffset := block.FromPayload(offset)
	block.SetFree(h.mem, blockOffset, true)
	h.pushDeferred(blockOffset)
}

// allocInternal is the reentrancy-safe allocation path used by
// AllocNode: best-fit against the map, else carve from the bump frontier.
// allocRaw repeats the same two steps for the public Alloc and, unlike
// this path, also drains one deferred entry after a map hit.
func (h *Handle) allocInternal(need uintptr) (uintptr, bool) {
	if size, offset, found := h.fm.Get(need); found {
		h.syncMapRoot()
		remainder := size - need
		if remainder >= align.MinBlockSize {
			block.Write(h.mem, offset, need, false)
			tail := offset + need
			block.Write(h.mem, tail, remainder, true)
			h.pushDeferred(tail)
		} else {
			block.Write(h.mem, offset, size, false)
		}
		h.setFree(h.free() - size)
		return offset, true
	}

	used := h.used()
	if used+need <= h.regionSize() {
		block.Write(h.mem, used, need, false)
		h.setUsed(used + need)
		return used, true
	}

	return 0, false
}

// allocRaw is the public Alloc's top-level entry: best-fit via the map
// (draining one deferred entry into it on success, per spec.md §4.5
// step 2), else bump-allocate from the frontier.
func (h *Handle) allocRaw(need uintptr) (uintptr, bool) {
	if size, offset, found := h.fm.Get(need); found {
		h.syncMapRoot()
		remainder := size - need
		if remainder >= align.MinBlockSize {
			block.Write(h.mem, offset, need, false)
			tail := offset + need
			block.Write(h.mem, tail, remainder, true)
			h.pushDeferred(tail)
		} else {
			block.Write(h.mem, offset, size, false)
		}
		h.setFree(h.free() - size)
		h.drainOneDeferred()
		return offset, true
	}

	used := h.used()
	if used+need <= h.regionSize() {
		block.Write(h.mem, used, need, false)
		h.setUsed(used + need)
		return used, true
	}

	return 0, false
}

// Alloc reserves at least n bytes and returns a pointer to them, or nil
// if the region has no room left (out of memory is reported this way,
// never as a panic - see §7).
func (h *Handle) Alloc(n uintptr) unsafe.Pointer {
	need := align.BlockSizeFor(n)
	offset, ok := h.allocRaw(need)
	if !ok {
		return nil
	}
	return h.pointerAt(block.ToPayload(offset))
}

// Free releases a block previously returned by Alloc, coalescing it
// with an immediately adjacent free neighbour on either side before
// either dropping it from the bump frontier (if it now abuts the
// frontier) or publishing it to the free-block map - exactly the six
// steps of spec.md §4.5's free().
func (h *Handle) Free(p unsafe.Pointer) {
	if p == nil {
		return
	}
	payload := h.offsetOf(p)
	regionStart := uintptr(controlSize5Words)
	chain := block.ReadChain(h.mem, regionStart, h.used(), payload)
	cur := chain.Current

	if chain.Previous != nil && chain.Previous.Free {
		h.fm.Remove(chain.Previous.Size, chain.Previous.Offset)
		h.syncMapRoot()
		h.setFree(h.free() - chain.Previous.Size)
		cur = block.Header{Offset: chain.Previous.Offset, Size: chain.Previous.Size + cur.Size}
	}

	if chain.Next == nil {
		block.SetFree(h.mem, cur.Offset, true)
		h.setUsed(cur.Offset)
		h.drainOneDeferred()
		return
	}

	if chain.Next.Free {
		h.fm.Remove(chain.Next.Size, chain.Next.Offset)
		h.syncMapRoot()
		h.setFree(h.free() - chain.Next.Size)
		cur = block.Header{Offset: cur.Offset, Size: cur.Size + chain.Next.Size}
	}

	block.Write(h.mem, cur.Offset, cur.Size, true)
	if h.fm.Add(cur.Size, cur.Offset) {
		h.setFree(h.free() + cur.Size)
	} else {
		block.SetFree(h.mem, cur.Offset, false)
		h.pushDeferred(cur.Offset)
	}
	h.syncMapRoot()
	h.drainOneDeferred()
}

// BytesFree returns the total number of bytes currently available to
// satisfy a future Alloc, across both the free-block map and the unused
// tail of the region.
func (h *Handle) BytesFree() uintptr {
	return h.free() + (h.regionSize() - h.used())
}

// LargestFreeBlock returns the size of the single largest block Alloc
// could satisfy without growing the region: the larger of the unused
// tail and the biggest size class currently recorded in the free-block
// map.
func (h *Handle) LargestFreeBlock() uintptr {
	tail := h.regionSize() - h.used()
	mapMax, ok := h.fm.LargestKey()
	if !ok || tail > mapMax {
		return tail
	}
	return mapMax
}

func (h *Handle) pointerAt(offset uintptr) unsafe.Pointer {
	return unsafe.Pointer(uintptr(h.base) + offset)
}

func (h *Handle) offsetOf(p unsafe.Pointer) uintptr {
	return uintptr(p) - uintptr(h.base)
}

var _ cluster.Allocator = (*Handle)(nil)
