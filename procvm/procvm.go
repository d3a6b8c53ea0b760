// Package procvm implements per-process address-space lifecycle
// (component E): creating and destroying process directories, and loading
// an already-parsed image's segments into a freshly created one.
package procvm

import (
	"sync"

	"github.com/vellum-os/vellum/addr"
	"github.com/vellum-os/vellum/kerr"
	"github.com/vellum-os/vellum/paging"
	"github.com/vellum-os/vellum/pmm"
)

// ProcessId is the small integer handle returned by CreateProcessVM.
type ProcessId uint32

// Segment describes one loadable region of a user-mode image. Parsing the
// image container itself (ELF headers, sections, relocations) is a
// collaborator's responsibility; Manager only maps and populates pages.
type Segment struct {
	VirtAddr   addr.VirtAddr
	Data       []byte
	Writable   bool
	Executable bool
}

type process struct {
	dir *paging.PageDir
}

// Manager owns every live process address space.
type Manager struct {
	mu     sync.Mutex
	paging *paging.Manager
	frames *pmm.Allocator
	mem    addr.Memory
	next   ProcessId
	procs  map[ProcessId]*process
}

// NewManager constructs a process-VM manager. pg must already have a
// kernel directory installed via pg.NewKernelDir.
func NewManager(pg *paging.Manager, frames *pmm.Allocator, mem addr.Memory) *Manager {
	return &Manager{paging: pg, frames: frames, mem: mem, procs: map[ProcessId]*process{}}
}

// CreateProcessVM allocates a new L4 table, copies the kernel upper-half
// entries by reference, and returns a small integer id.
func (m *Manager) CreateProcessVM() (ProcessId, error) {
	dir, err := m.paging.NewProcessDir()
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	id := m.next
	m.procs[id] = &process{dir: dir}
	return id, nil
}

// ProcessVMGetPageDir returns the page-directory handle for id, usable
// with the page-table manager.
func (m *Manager) ProcessVMGetPageDir(id ProcessId) (*paging.PageDir, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[id]
	if !ok {
		return nil, kerr.NotFound
	}
	return p.dir, nil
}

// DestroyProcessVM unmaps the user half, frees any user-half page tables
// and leaf frames it still owns, then frees the L4.
func (m *Manager) DestroyProcessVM(id ProcessId) error {
	m.mu.Lock()
	p, ok := m.procs[id]
	if !ok {
		m.mu.Unlock()
		return kerr.NotFound
	}
	delete(m.procs, id)
	m.mu.Unlock()

	owned := m.paging.CollectUserFrames(p.dir)
	m.paging.ClearUserHalf(p.dir)
	for _, f := range owned {
		if err := m.frames.FreeFrame(f); err != nil {
			return err
		}
	}
	return m.frames.FreeFrame(p.dir.L4)
}

// ProcessVMLoadImage maps each segment's pages into id's directory and
// copies its bytes in, then returns entry unchanged as the reported entry
// point. After a successful call the directory contains valid user-mode
// mappings for the image.
func (m *Manager) ProcessVMLoadImage(id ProcessId, segments []Segment, entry addr.VirtAddr) (addr.VirtAddr, error) {
	dir, err := m.ProcessVMGetPageDir(id)
	if err != nil {
		return 0, err
	}

	for _, seg := range segments {
		if len(seg.Data) == 0 {
			continue
		}
		flags := addr.FlagsUserRO
		if seg.Writable {
			flags = addr.FlagsUserRW
		}

		start := seg.VirtAddr.PageDown()
		end := seg.VirtAddr.Add(uintptr(len(seg.Data)))
		for va := start; va < end; va = va.Add(addr.PageSize4K) {
			frame, err := m.frames.AllocFrame(pmm.FlagZero)
			if err != nil {
				return 0, err
			}
			if err := m.paging.MapPage4KInDir(dir, va, frame, flags); err != nil {
				return 0, err
			}

			pageStart := uintptr(va)
			segStart := uintptr(seg.VirtAddr)
			var copyOff, destOff uintptr
			if pageStart > segStart {
				copyOff = pageStart - segStart
			} else {
				destOff = segStart - pageStart
			}
			pageEndInData := copyOff + addr.PageSize4K - destOff
			if pageEndInData > uintptr(len(seg.Data)) {
				pageEndInData = uintptr(len(seg.Data))
			}
			if copyOff >= pageEndInData {
				continue
			}
			chunk := seg.Data[copyOff:pageEndInData]

			m.mem.WriteAt(frame+addr.PhysAddr(destOff), chunk)
		}
	}

	return entry, nil
}
