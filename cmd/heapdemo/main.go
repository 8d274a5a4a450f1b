// Command heapdemo drives a scripted sequence of Alloc/Free calls
// against an in-process region and logs bytes_free/largest_free_block
// after each step - a runnable version of SPEC_FULL.md §8's concrete
// scenarios, in the teacher's cmd/<tool>/main.go + log convention.
package main

import (
	"log"
	"unsafe"

	"github.com/svenbieg/Heap"
)

func main() {
	region := make([]byte, 4096)
	h, err := heap.New(region)
	if err != nil {
		log.Fatalf("heap.New: %v", err)
	}
	report(h, "create")

	a := h.Alloc(24)
	report(h, "alloc(24) -> a")
	b := h.Alloc(24)
	report(h, "alloc(24) -> b")
	c := h.Alloc(24)
	report(h, "alloc(24) -> c")

	h.Free(b)
	report(h, "free(b)")

	h.Free(a)
	report(h, "free(a)")

	h.Free(c)
	report(h, "free(c)")

	sizes := []uintptr{16, 24, 32, 40, 48, 56, 64, 72, 80, 88, 96, 104}
	ptrs := make([]unsafe.Pointer, 0, len(sizes))
	for _, n := range sizes {
		p := h.Alloc(n)
		if p == nil {
			log.Fatalf("alloc(%d) failed", n)
		}
		ptrs = append(ptrs, p)
	}
	report(h, "alloc 12 distinct size classes")

	for _, p := range ptrs {
		h.Free(p)
	}
	report(h, "free all 12")
}

func report(h *heap.Handle, step string) {
	log.Printf("%-45s bytes_free=%-6d largest_free_block=%d", step, h.BytesFree(), h.LargestFreeBlock())
}
