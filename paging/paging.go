// Package paging implements the 4-level page-table manager (component C):
// walking and installing 4 KiB/2 MiB/1 GiB mappings for the kernel
// directory and per-process directories, plus the HHDM install and the
// paging_is_user_accessible / unmap_user_range primitives the user-copy
// and process-VM layers build on.
package paging

import (
	"encoding/binary"

	"github.com/vellum-os/vellum/addr"
	"github.com/vellum-os/vellum/kerr"
	"github.com/vellum-os/vellum/pmm"
)

const entriesPerTable = 512

// PageDir is an opaque handle owning a level-4 table. The kernel directory
// and every process directory are each a PageDir; the kernel's upper-half
// L3 tables are shared by reference across all of them.
type PageDir struct {
	L4 addr.PhysAddr
}

// Manager owns the frame allocator and physical-memory accessor used to
// walk and install page-table entries.
type Manager struct {
	frames     *pmm.Allocator
	mem        addr.Memory
	invalidate func(addr.VirtAddr)
	kernel     *PageDir
}

// NewManager constructs a page-table manager. invalidate is called after
// every modification that could affect a currently-executing mapping; it
// may be nil in tests that don't care about TLB semantics.
func NewManager(frames *pmm.Allocator, mem addr.Memory, invalidate func(addr.VirtAddr)) *Manager {
	if invalidate == nil {
		invalidate = func(addr.VirtAddr) {}
	}
	return &Manager{frames: frames, mem: mem, invalidate: invalidate}
}

func (m *Manager) readEntry(table addr.PhysAddr, idx int) uint64 {
	var b [8]byte
	m.mem.ReadAt(table+addr.PhysAddr(idx*8), b[:])
	return binary.LittleEndian.Uint64(b[:])
}

func (m *Manager) writeEntry(table addr.PhysAddr, idx int, val uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], val)
	m.mem.WriteAt(table+addr.PhysAddr(idx*8), b[:])
}

func entryAddr(e uint64) addr.PhysAddr { return addr.PhysAddr(e & addr.AddrMask) }

func pml4Index(va addr.VirtAddr) int { return int((uintptr(va) >> 39) & 0x1ff) }
func pdptIndex(va addr.VirtAddr) int { return int((uintptr(va) >> 30) & 0x1ff) }
func pdIndex(va addr.VirtAddr) int   { return int((uintptr(va) >> 21) & 0x1ff) }
func ptIndex(va addr.VirtAddr) int   { return int((uintptr(va) >> 12) & 0x1ff) }

// NewKernelDir allocates the kernel's own L4 table and remembers it so that
// future process directories can copy its upper-half entries by reference.
func (m *Manager) NewKernelDir() (*PageDir, error) {
	l4, err := m.frames.AllocFrame(pmm.FlagZero)
	if err != nil {
		return nil, err
	}
	dir := &PageDir{L4: l4}
	m.kernel = dir
	return dir, nil
}

// KernelDir returns the kernel directory created by NewKernelDir.
func (m *Manager) KernelDir() *PageDir { return m.kernel }

// NewProcessDir allocates a new L4 table and copies the kernel
// directory's present upper-half (canonical, indices 256..511) L4 entries
// into it, so both share the kernel's lower-level tables: a later kernel
// mapping under one of those entries is visible in every process
// directory. An upper-half L4 entry the kernel directory gains after this
// call is not copied into directories that already exist.
func (m *Manager) NewProcessDir() (*PageDir, error) {
	if m.kernel == nil {
		return nil, kerr.InvalidArgument
	}
	l4, err := m.frames.AllocFrame(pmm.FlagZero)
	if err != nil {
		return nil, err
	}
	for i := 256; i < entriesPerTable; i++ {
		e := m.readEntry(m.kernel.L4, i)
		if e != 0 {
			m.writeEntry(l4, i, e)
		}
	}
	return &PageDir{L4: l4}, nil
}

// getOrCreateTable returns the physical address of the child table at
// index idx of parent, allocating and installing a zeroed one if absent.
// Intermediate tables are installed present+writable, plus user if the
// mapping being satisfied may be user-accessible.
func (m *Manager) getOrCreateTable(parent addr.PhysAddr, idx int, leafFlags uint64) (addr.PhysAddr, error) {
	e := m.readEntry(parent, idx)
	if e&addr.FlagPresent != 0 {
		if leafFlags&addr.FlagUser != 0 && e&addr.FlagUser == 0 {
			// Widen the intermediate table to user-accessible so a leaf
			// below it can be reached from user mode.
			m.writeEntry(parent, idx, e|addr.FlagUser)
		}
		return entryAddr(e), nil
	}

	child, err := m.frames.AllocFrame(pmm.FlagZero)
	if err != nil {
		return 0, err
	}
	flags := addr.FlagPresent | addr.FlagWritable
	if leafFlags&addr.FlagUser != 0 {
		flags |= addr.FlagUser
	}
	m.writeEntry(parent, idx, uint64(child)|flags)
	return child, nil
}

// MapPage4K installs a 4 KiB mapping in dir.
func (m *Manager) MapPage4K(dir *PageDir, va addr.VirtAddr, pa addr.PhysAddr, flags uint64) error {
	l3, err := m.getOrCreateTable(dir.L4, pml4Index(va), flags)
	if err != nil {
		return err
	}
	l2, err := m.getOrCreateTable(l3, pdptIndex(va), flags)
	if err != nil {
		return err
	}
	l1, err := m.getOrCreateTable(l2, pdIndex(va), flags)
	if err != nil {
		return err
	}
	m.writeEntry(l1, ptIndex(va), uint64(pa)|flags|addr.FlagPresent)
	m.invalidate(va)
	return nil
}

// MapPage2M installs a 2 MiB large-page mapping in dir. pa must be 2 MiB
// aligned.
func (m *Manager) MapPage2M(dir *PageDir, va addr.VirtAddr, pa addr.PhysAddr, flags uint64) error {
	if !addr.IsAligned(uintptr(pa), addr.PageSize2M) || !addr.IsAligned(uintptr(va), addr.PageSize2M) {
		return kerr.InvalidArgument
	}
	l3, err := m.getOrCreateTable(dir.L4, pml4Index(va), flags)
	if err != nil {
		return err
	}
	l2, err := m.getOrCreateTable(l3, pdptIndex(va), flags)
	if err != nil {
		return err
	}
	m.writeEntry(l2, pdIndex(va), uint64(pa)|flags|addr.FlagPresent|addr.FlagLargePage)
	m.invalidate(va)
	return nil
}

// MapPage1G installs a 1 GiB large-page mapping in dir. pa must be 1 GiB
// aligned. Used to install the HHDM.
func (m *Manager) MapPage1G(dir *PageDir, va addr.VirtAddr, pa addr.PhysAddr, flags uint64) error {
	if !addr.IsAligned(uintptr(pa), addr.PageSize1G) || !addr.IsAligned(uintptr(va), addr.PageSize1G) {
		return kerr.InvalidArgument
	}
	l3, err := m.getOrCreateTable(dir.L4, pml4Index(va), flags)
	if err != nil {
		return err
	}
	m.writeEntry(l3, pdptIndex(va), uint64(pa)|flags|addr.FlagPresent|addr.FlagLargePage)
	m.invalidate(va)
	return nil
}

// MapPage4KInDir is the per-process equivalent of MapPage4K; it is the same
// operation, named separately in spec.md to mirror the process-VM API
// surface. It creates any missing intermediate tables.
func (m *Manager) MapPage4KInDir(dir *PageDir, va addr.VirtAddr, pa addr.PhysAddr, flags uint64) error {
	return m.MapPage4K(dir, va, pa, flags)
}

// walkResult describes the leaf entry found for a virtual address.
type walkResult struct {
	entry    uint64
	pageSize uintptr
}

func (m *Manager) walk(dir *PageDir, va addr.VirtAddr) (walkResult, bool) {
	e4 := m.readEntry(dir.L4, pml4Index(va))
	if e4&addr.FlagPresent == 0 {
		return walkResult{}, false
	}
	l3 := entryAddr(e4)

	e3 := m.readEntry(l3, pdptIndex(va))
	if e3&addr.FlagPresent == 0 {
		return walkResult{}, false
	}
	if e3&addr.FlagLargePage != 0 {
		return walkResult{entry: e3, pageSize: addr.PageSize1G}, true
	}
	l2 := entryAddr(e3)

	e2 := m.readEntry(l2, pdIndex(va))
	if e2&addr.FlagPresent == 0 {
		return walkResult{}, false
	}
	if e2&addr.FlagLargePage != 0 {
		return walkResult{entry: e2, pageSize: addr.PageSize2M}, true
	}
	l1 := entryAddr(e2)

	e1 := m.readEntry(l1, ptIndex(va))
	if e1&addr.FlagPresent == 0 {
		return walkResult{}, false
	}
	return walkResult{entry: e1, pageSize: addr.PageSize4K}, true
}

// VirtToPhysInDir walks dir's tables and returns the physical address
// mapped at va, or (0, false) if no present leaf covers it.
func (m *Manager) VirtToPhysInDir(dir *PageDir, va addr.VirtAddr) (addr.PhysAddr, bool) {
	w, ok := m.walk(dir, va)
	if !ok {
		return 0, false
	}
	base := entryAddr(w.entry)
	offset := uintptr(va) & (w.pageSize - 1)
	return base + addr.PhysAddr(offset), true
}

// PagingIsUserAccessible walks dir's tables and reports whether the leaf
// covering va is present and marked user-accessible.
func (m *Manager) PagingIsUserAccessible(dir *PageDir, va addr.VirtAddr) bool {
	w, ok := m.walk(dir, va)
	if !ok {
		return false
	}
	return w.entry&addr.FlagUser != 0
}

// UnmapUserRange unmaps only user pages in [vaStart, vaEnd); kernel pages
// are never touched, even if the range happens to straddle into the
// canonical upper half.
func (m *Manager) UnmapUserRange(dir *PageDir, vaStart, vaEnd addr.VirtAddr) error {
	if vaEnd < vaStart {
		return kerr.InvalidArgument
	}
	for va := vaStart.PageDown(); va < vaEnd; va = va.Add(addr.PageSize4K) {
		e4 := m.readEntry(dir.L4, pml4Index(va))
		if e4&addr.FlagPresent == 0 {
			continue
		}
		l3 := entryAddr(e4)
		e3 := m.readEntry(l3, pdptIndex(va))
		if e3&addr.FlagPresent == 0 || e3&addr.FlagLargePage != 0 {
			continue
		}
		l2 := entryAddr(e3)
		e2 := m.readEntry(l2, pdIndex(va))
		if e2&addr.FlagPresent == 0 || e2&addr.FlagLargePage != 0 {
			continue
		}
		l1 := entryAddr(e2)
		idx := ptIndex(va)
		e1 := m.readEntry(l1, idx)
		if e1&addr.FlagPresent != 0 && e1&addr.FlagUser != 0 {
			m.writeEntry(l1, idx, 0)
			m.invalidate(va)
		}
	}
	return nil
}

// CollectUserFrames walks the user half (L4 indices 0..255) of dir and
// returns every physical frame reachable from it: intermediate tables and
// leaf pages alike. The kernel's shared upper half is never visited, so a
// caller freeing every returned frame can never free a kernel-owned frame.
func (m *Manager) CollectUserFrames(dir *PageDir) []addr.PhysAddr {
	var frames []addr.PhysAddr
	for i := 0; i < 256; i++ {
		e4 := m.readEntry(dir.L4, i)
		if e4&addr.FlagPresent == 0 {
			continue
		}
		l3 := entryAddr(e4)
		frames = append(frames, l3)
		for j := 0; j < entriesPerTable; j++ {
			e3 := m.readEntry(l3, j)
			if e3&addr.FlagPresent == 0 {
				continue
			}
			if e3&addr.FlagLargePage != 0 {
				frames = append(frames, entryAddr(e3))
				continue
			}
			l2 := entryAddr(e3)
			frames = append(frames, l2)
			for k := 0; k < entriesPerTable; k++ {
				e2 := m.readEntry(l2, k)
				if e2&addr.FlagPresent == 0 {
					continue
				}
				if e2&addr.FlagLargePage != 0 {
					frames = append(frames, entryAddr(e2))
					continue
				}
				l1 := entryAddr(e2)
				frames = append(frames, l1)
				for l := 0; l < entriesPerTable; l++ {
					e1 := m.readEntry(l1, l)
					if e1&addr.FlagPresent == 0 {
						continue
					}
					frames = append(frames, entryAddr(e1))
				}
			}
		}
	}
	return frames
}

// ClearUserHalf zeroes L4 indices 0..255 of dir, unmapping the entire user
// half in one step. It does not free the frames those entries referenced;
// callers collect them first with CollectUserFrames.
func (m *Manager) ClearUserHalf(dir *PageDir) {
	for i := 0; i < 256; i++ {
		m.writeEntry(dir.L4, i, 0)
	}
}

// InstallHHDM maps length bytes of physical memory starting at physBase to
// the higher-half direct-map window starting at virtBase, using 1 GiB
// pages as spec.md §4.C requires. physBase, virtBase, and length must all
// be 1 GiB aligned.
func (m *Manager) InstallHHDM(dir *PageDir, virtBase addr.VirtAddr, physBase addr.PhysAddr, length uintptr) error {
	if !addr.IsAligned(uintptr(virtBase), addr.PageSize1G) ||
		!addr.IsAligned(uintptr(physBase), addr.PageSize1G) ||
		!addr.IsAligned(length, addr.PageSize1G) {
		return kerr.InvalidArgument
	}
	for off := uintptr(0); off < length; off += addr.PageSize1G {
		va := virtBase.Add(off)
		pa := physBase + addr.PhysAddr(off)
		if err := m.MapPage1G(dir, va, pa, addr.FlagsKernelRW); err != nil {
			return err
		}
	}
	return nil
}
