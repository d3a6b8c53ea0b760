// Package kheap implements the kernel heap (component D): a free-list
// allocator for kernel objects that grows by pulling whole frames from the
// physical frame allocator and carving them into sub-page blocks.
package kheap

import (
	"sync"

	"github.com/vellum-os/vellum/addr"
	"github.com/vellum-os/vellum/kerr"
	"github.com/vellum-os/vellum/pmm"
)

const (
	minBlockSize  = 16
	blockAlign    = 16
	headerSize    = 16 // size, next, packed into one free-list node
	growFrameSpan = 1  // frames pulled from pmm per heap growth
)

// freeNode is the in-place header written at the start of every free block.
// It lives in the block's own memory, mirroring a classic intrusive
// free-list kernel allocator.
type freeNode struct {
	size uintptr
	next addr.PhysAddr // 0 means end of list
}

// Heap is a single global free-list allocator over frames obtained from a
// pmm.Allocator, guarded by one spinlock-equivalent mutex per spec.md's
// "kernel heap: single global spin lock" contract.
type Heap struct {
	mu     sync.Mutex
	frames *pmm.Allocator
	mem    addr.Memory
	free   addr.PhysAddr // head of the free list, 0 if empty
}

// New constructs an empty heap over frames, backed by mem for reading and
// writing block headers.
func New(frames *pmm.Allocator, mem addr.Memory) *Heap {
	return &Heap{frames: frames, mem: mem}
}

func (h *Heap) readNode(pa addr.PhysAddr) freeNode {
	var buf [headerSize]byte
	h.mem.ReadAt(pa, buf[:])
	size := uintptr(0)
	next := addr.PhysAddr(0)
	for i := 0; i < 8; i++ {
		size |= uintptr(buf[i]) << (8 * i)
	}
	for i := 0; i < 8; i++ {
		next |= addr.PhysAddr(buf[8+i]) << (8 * i)
	}
	return freeNode{size: size, next: next}
}

func (h *Heap) writeNode(pa addr.PhysAddr, n freeNode) {
	var buf [headerSize]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(n.size >> (8 * i))
	}
	for i := 0; i < 8; i++ {
		buf[8+i] = byte(n.next >> (8 * i))
	}
	h.mem.WriteAt(pa, buf[:])
}

// grow pulls one or more frames from the frame allocator and links them in
// as a single free block at the head of the list.
func (h *Heap) grow(minSize uintptr) error {
	frameCount := (minSize + uintptr(addr.PageSize4K) - 1) / uintptr(addr.PageSize4K)
	if frameCount < growFrameSpan {
		frameCount = growFrameSpan
	}
	pa, err := h.frames.AllocFrames(uint64(frameCount), 0)
	if err != nil {
		return err
	}
	node := freeNode{size: frameCount * uintptr(addr.PageSize4K), next: h.free}
	h.writeNode(pa, node)
	h.free = pa
	return nil
}

// Alloc reserves at least n bytes and returns the physical address of the
// usable region (past the block header). It grows the heap from the frame
// allocator on first-fit failure. The caller must pass the same n to Free.
func (h *Heap) Alloc(n uintptr) (addr.PhysAddr, error) {
	if n == 0 {
		return 0, kerr.InvalidArgument
	}
	want := addr.AlignUp(n, blockAlign) + headerSize

	h.mu.Lock()
	defer h.mu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		var prev addr.PhysAddr
		cur := h.free
		for cur != 0 {
			node := h.readNode(cur)
			if node.size >= want {
				remaining := node.size - want
				if remaining >= minBlockSize {
					// Split: shrink this node in place, carve the tail off
					// as the allocation.
					tail := cur + addr.PhysAddr(remaining)
					h.writeNode(cur, freeNode{size: remaining, next: node.next})
					if prev == 0 {
						h.free = cur
					}
					return tail + headerSize, nil
				}
				// Exact-ish fit: unlink the whole node.
				if prev == 0 {
					h.free = node.next
				} else {
					pn := h.readNode(prev)
					pn.next = node.next
					h.writeNode(prev, pn)
				}
				return cur + headerSize, nil
			}
			prev = cur
			cur = node.next
		}
		if err := h.grow(want); err != nil {
			return 0, err
		}
	}
	return 0, kerr.AllocationFailed
}

// Free returns a block previously returned by Alloc to the free list. It
// does not coalesce with adjacent blocks; fragmentation is out of scope,
// matching the frame allocator's own contract.
func (h *Heap) Free(p addr.PhysAddr, n uintptr) error {
	if p < headerSize {
		return kerr.InvalidArgument
	}
	blockStart := p - headerSize
	want := addr.AlignUp(n, blockAlign) + headerSize

	h.mu.Lock()
	defer h.mu.Unlock()

	h.writeNode(blockStart, freeNode{size: want, next: h.free})
	h.free = blockStart
	return nil
}
