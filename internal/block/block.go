// Package block implements the in-place block header/footer format and the
// previous/current/next chain walk described as component A of the
// allocator design: a single word packs size_in_bytes into the high bits
// and a free flag into the lowest bit, duplicated at the head and tail of
// every block so the previous neighbour can be found in constant time
// without a doubly-linked list.
package block

import (
	"encoding/binary"

	"github.com/svenbieg/Heap/internal/align"
)

const freeBit = uint64(1)

// Header describes one block's metadata as read from the region.
type Header struct {
	Offset uintptr
	Size   uintptr
	Free   bool
}

func packHeader(size uintptr, free bool) uint64 {
	w := uint64(size)
	if free {
		w |= freeBit
	}
	return w
}

func unpackHeader(w uint64) (size uintptr, free bool) {
	free = w&freeBit != 0
	size = uintptr(w &^ freeBit)
	return
}

func readWord(mem []byte, offset uintptr) uint64 {
	return binary.LittleEndian.Uint64(mem[offset : offset+align.Word])
}

func writeWord(mem []byte, offset uintptr, w uint64) {
	binary.LittleEndian.PutUint64(mem[offset:offset+align.Word], w)
}

// Write installs a header and a matching footer for a block of size bytes
// starting at offset, and returns the payload offset (offset + Word).
func Write(mem []byte, offset, size uintptr, free bool) uintptr {
	w := packHeader(size, free)
	writeWord(mem, offset, w)
	writeWord(mem, offset+size-align.Word, w)
	return offset + align.Word
}

// SetFree flips the free bit of an already-written block in place, leaving
// its size untouched. Used when a block changes state without being
// resized (e.g. carved out of the map for reuse, or pushed onto the
// deferred-free cache).
func SetFree(mem []byte, offset uintptr, free bool) {
	size, _ := ReadSize(mem, offset)
	Write(mem, offset, size, free)
}

// ReadSize reads just the size recorded at a block's header offset, paired
// with its free flag.
func ReadSize(mem []byte, offset uintptr) (size uintptr, free bool) {
	return unpackHeader(readWord(mem, offset))
}

// FromPayload converts a payload offset back to the block's header offset.
func FromPayload(payload uintptr) uintptr {
	return payload - align.Word
}

// ToPayload converts a block's header offset to its payload offset.
func ToPayload(offset uintptr) uintptr {
	return offset + align.Word
}

// ReadAt reads the header of the block whose header word lives at offset.
func ReadAt(mem []byte, offset uintptr) Header {
	size, free := unpackHeader(readWord(mem, offset))
	return Header{Offset: offset, Size: size, Free: free}
}

// Read reads the header of the block that owns payload.
func Read(mem []byte, payload uintptr) Header {
	return ReadAt(mem, FromPayload(payload))
}

// Chain is the previous/current/next neighbourhood of a block, as used by
// the coalescing logic in the allocator façade.
type Chain struct {
	Previous *Header
	Current  Header
	Next     *Header
}

// ReadChain reconstructs the previous and next neighbours of the block
// owning payload. regionStart is the first usable block offset
// (sizeof(control)); used is the current bump frontier.
func ReadChain(mem []byte, regionStart, used, payload uintptr) Chain {
	cur := Read(mem, payload)
	c := Chain{Current: cur}

	if cur.Offset > regionStart {
		footerOffset := cur.Offset - align.Word
		prevSize, prevFree := unpackHeader(readWord(mem, footerOffset))
		prevOffset := cur.Offset - prevSize
		prev := Header{Offset: prevOffset, Size: prevSize, Free: prevFree}
		c.Previous = &prev
	}

	if cur.Offset+cur.Size < used {
		next := ReadAt(mem, cur.Offset+cur.Size)
		c.Next = &next
	}

	return c
}
