// Package pmm implements the physical frame allocator (component B):
// a free-bitmap allocator over the firmware memory map, with contiguous
// allocation and zero-on-alloc support.
package pmm

import (
	"sync"

	"github.com/vellum-os/vellum/addr"
	"github.com/vellum-os/vellum/kerr"
)

// AllocFlags controls allocation behavior.
type AllocFlags uint8

const (
	// FlagZero zeroes the returned frame(s) via the HHDM alias.
	FlagZero AllocFlags = 1 << iota
)

// Region describes one entry of the firmware memory map.
type Region struct {
	Base   addr.PhysAddr
	Length uintptr
	Usable bool
}

// Allocator is a bitmap-backed frame allocator over a flat array of 4 KiB
// frames. It is globally serialized by a single spinlock-equivalent mutex,
// matching spec.md §4.B's "globally serialized, fragmentation out of
// scope" contract.
type Allocator struct {
	mu sync.Mutex

	base      addr.PhysAddr // physical address of frame 0 in the bitmap
	numFrames uint64
	free      []uint64 // one bit per frame; 1 = free
	freeCount uint64

	mem addr.Memory
}

// New builds an allocator covering every usable region in the memory map.
// mem provides the HHDM-backed zero-on-alloc primitive; it may be nil if
// FlagZero is never requested (e.g. in tests that don't care about zeroing).
func New(regions []Region, mem addr.Memory) *Allocator {
	a := &Allocator{mem: mem}
	if len(regions) == 0 {
		return a
	}

	var lo, hi addr.PhysAddr
	lo = addr.PhysAddr(^uintptr(0))
	for _, r := range regions {
		if !r.Usable || r.Length == 0 {
			continue
		}
		start := addr.PhysAddr(addr.AlignUp(uintptr(r.Base), addr.PageSize4K))
		end := addr.PhysAddr(addr.AlignDown(uintptr(r.Base)+r.Length, addr.PageSize4K))
		if end <= start {
			continue
		}
		if start < lo {
			lo = start
		}
		if end > hi {
			hi = end
		}
	}
	if hi <= lo {
		return a
	}

	a.base = lo
	a.numFrames = uint64(hi-lo) / uint64(addr.PageSize4K)
	words := (a.numFrames + 63) / 64
	a.free = make([]uint64, words)

	for _, r := range regions {
		if !r.Usable || r.Length == 0 {
			continue
		}
		start := addr.PhysAddr(addr.AlignUp(uintptr(r.Base), addr.PageSize4K))
		end := addr.PhysAddr(addr.AlignDown(uintptr(r.Base)+r.Length, addr.PageSize4K))
		if end <= start {
			continue
		}
		first := uint64(start-a.base) / uint64(addr.PageSize4K)
		count := uint64(end-start) / uint64(addr.PageSize4K)
		for i := uint64(0); i < count; i++ {
			a.setFree(first+i, true)
		}
	}
	return a
}

func (a *Allocator) setFree(frame uint64, free bool) {
	word, bit := frame/64, frame%64
	before := a.free[word]&(1<<bit) != 0
	if free {
		a.free[word] |= 1 << bit
	} else {
		a.free[word] &^= 1 << bit
	}
	after := free
	if before != after {
		if after {
			a.freeCount++
		} else {
			a.freeCount--
		}
	}
}

func (a *Allocator) isFree(frame uint64) bool {
	word, bit := frame/64, frame%64
	return a.free[word]&(1<<bit) != 0
}

func (a *Allocator) frameToAddr(frame uint64) addr.PhysAddr {
	return a.base + addr.PhysAddr(frame*uint64(addr.PageSize4K))
}

func (a *Allocator) addrToFrame(pa addr.PhysAddr) (uint64, bool) {
	if pa < a.base {
		return 0, false
	}
	off := uint64(pa - a.base)
	if off%uint64(addr.PageSize4K) != 0 {
		return 0, false
	}
	frame := off / uint64(addr.PageSize4K)
	return frame, frame < a.numFrames
}

// AllocFrame reserves one free frame and returns its physical address.
func (a *Allocator) AllocFrame(flags AllocFlags) (addr.PhysAddr, error) {
	return a.AllocFrames(1, flags)
}

// AllocFrames reserves n contiguous free frames. It fails with
// kerr.AllocationFailed if no contiguous run of n free frames exists.
func (a *Allocator) AllocFrames(n uint64, flags AllocFlags) (addr.PhysAddr, error) {
	if n == 0 {
		return 0, kerr.InvalidArgument
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	run := uint64(0)
	start := uint64(0)
	for f := uint64(0); f < a.numFrames; f++ {
		if a.isFree(f) {
			if run == 0 {
				start = f
			}
			run++
			if run == n {
				for i := uint64(0); i < n; i++ {
					a.setFree(start+i, false)
				}
				pa := a.frameToAddr(start)
				if flags&FlagZero != 0 && a.mem != nil {
					a.mem.Zero(pa, uintptr(n)*addr.PageSize4K)
				}
				return pa, nil
			}
		} else {
			run = 0
		}
	}
	return 0, kerr.AllocationFailed
}

// FreeFrame releases a single frame previously returned by AllocFrame.
// Double-free is detected via the free bitmap and reported as kerr.Busy
// rather than silently accepted.
func (a *Allocator) FreeFrame(pa addr.PhysAddr) error {
	return a.FreeFrames(pa, 1)
}

// FreeFrames releases n contiguous frames previously returned together by
// AllocFrames.
func (a *Allocator) FreeFrames(pa addr.PhysAddr, n uint64) error {
	if n == 0 {
		return kerr.InvalidArgument
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	first, ok := a.addrToFrame(pa)
	if !ok || first+n > a.numFrames {
		return kerr.InvalidArgument
	}
	for i := uint64(0); i < n; i++ {
		if a.isFree(first + i) {
			return kerr.Busy // double-free
		}
	}
	for i := uint64(0); i < n; i++ {
		a.setFree(first+i, true)
	}
	return nil
}

// FreeFrameCount returns the number of frames currently available.
func (a *Allocator) FreeFrameCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeCount
}

// TotalFrames returns the total number of frames tracked by the allocator.
func (a *Allocator) TotalFrames() uint64 {
	return a.numFrames
}
