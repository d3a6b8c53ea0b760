// Package shm implements the shared-memory buffer pool (component P): a
// fixed-capacity, generation-tokened pool of page-backed buffers that can
// be mapped read-only or read-write into multiple process address spaces.
// Grounded on original_source/abi/src/shm.rs's pool-ceiling constants and
// spec.md §4.P's create/map/unmap/destroy contract.
package shm

import (
	"sync"

	"github.com/vellum-os/vellum/addr"
	"github.com/vellum-os/vellum/kerr"
	"github.com/vellum-os/vellum/paging"
	"github.com/vellum-os/vellum/pmm"
)

// Read-only and read-write shared-memory access flags, from
// original_source/abi/src/shm.rs's SHM_ACCESS_RO/SHM_ACCESS_RW.
const (
	AccessRO uint32 = 0
	AccessRW uint32 = 1
)

// Pool ceilings, from original_source/abi/src/shm.rs.
const (
	MaxBuffers  = 256
	MaxMappings = 8
)

// shmWindowBase is the start of the fixed per-process virtual window this
// package carves shared-memory mappings from. spec.md leaves the virtual
// placement policy unspecified; the window starts at a fixed address in
// the lower (user) half.
const shmWindowBase = addr.VirtAddr(0x0000_7000_0000_0000)

// DirResolver resolves a process id to the page directory its address
// space mutations should target, mirroring the resolver-closure pattern
// usercopy.Copier uses to find the calling process's directory.
type DirResolver func(pid uint32) (*paging.PageDir, bool)

type mapping struct {
	pid      uint32
	virtBase addr.VirtAddr
	access   uint32
}

type buffer struct {
	inUse      bool
	generation uint32
	owner      uint32
	size       uintptr
	phys       addr.PhysAddr
	frameCount uint64
	mappings   []mapping
}

// Manager owns the fixed-capacity shared-memory buffer pool.
type Manager struct {
	mu         sync.Mutex
	frames     *pmm.Allocator
	pg         *paging.Manager
	resolveDir DirResolver
	buffers    [MaxBuffers]buffer
	nextVirt   map[uint32]addr.VirtAddr
}

// NewManager builds an empty shared-memory pool.
func NewManager(frames *pmm.Allocator, pg *paging.Manager, resolveDir DirResolver) *Manager {
	return &Manager{frames: frames, pg: pg, resolveDir: resolveDir, nextVirt: make(map[uint32]addr.VirtAddr)}
}

// slotBits is wide enough to hold every 1-based slot index up to
// MaxBuffers (index+1 must fit, and MaxBuffers itself must fit in
// 1<<slotBits - 1 so the top slot's token round-trips).
const slotBits = 9

// encodeToken packs a pool index (1-based so 0 stays an invalid sentinel)
// and a per-slot generation counter into one nonzero 32-bit token.
func encodeToken(index int, generation uint32) uint32 {
	return generation<<slotBits | uint32(index+1)
}

func decodeToken(token uint32) (index int, generation uint32, ok bool) {
	if token == 0 {
		return 0, 0, false
	}
	idx := int(token&(1<<slotBits-1)) - 1
	if idx < 0 || idx >= MaxBuffers {
		return 0, 0, false
	}
	return idx, token >> slotBits, true
}

func framesFor(size uintptr) uint64 {
	return uint64((size + addr.PageSize4K - 1) / addr.PageSize4K)
}

// Create pins size bytes of zeroed, contiguous frames and returns a fresh
// token. Fails with kerr.Busy if the pool is at capacity, or
// kerr.AllocationFailed if the frame allocator cannot satisfy the
// request.
func (m *Manager) Create(size uintptr, ownerPID uint32) (uint32, error) {
	if size == 0 {
		return 0, kerr.InvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i := range m.buffers {
		if !m.buffers[i].inUse {
			idx = i
			break
		}
	}
	if idx == -1 {
		return 0, kerr.Busy
	}

	frameCount := framesFor(size)
	phys, err := m.frames.AllocFrames(frameCount, pmm.FlagZero)
	if err != nil {
		return 0, kerr.AllocationFailed
	}

	b := &m.buffers[idx]
	b.generation++
	b.inUse = true
	b.owner = ownerPID
	b.size = size
	b.phys = phys
	b.frameCount = frameCount
	b.mappings = b.mappings[:0]

	return encodeToken(idx, b.generation), nil
}

func (m *Manager) lookupLocked(token uint32) (*buffer, error) {
	idx, gen, ok := decodeToken(token)
	if !ok {
		return nil, kerr.NotFound
	}
	b := &m.buffers[idx]
	if !b.inUse || b.generation != gen {
		return nil, kerr.NotFound
	}
	return b, nil
}

// PhysOf returns the physical base address of the buffer token names.
func (m *Manager) PhysOf(token uint32) (addr.PhysAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.lookupLocked(token)
	if err != nil {
		return 0, err
	}
	return b.phys, nil
}

// Map installs the buffer named by token into targetPID's address space
// as user pages with the requested access, and returns the chosen
// virtual base. Fails with kerr.Busy if the buffer already carries
// MaxMappings entries, kerr.NotFound for a stale token or unknown
// target process, or kerr.AllocationFailed if the page-table walk cannot
// be completed.
func (m *Manager) Map(token uint32, targetPID uint32, access uint32) (addr.VirtAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.lookupLocked(token)
	if err != nil {
		return 0, err
	}
	if len(b.mappings) >= MaxMappings {
		return 0, kerr.Busy
	}
	dir, ok := m.resolveDir(targetPID)
	if !ok {
		return 0, kerr.NotFound
	}

	virtBase, ok := m.nextVirt[targetPID]
	if !ok {
		virtBase = shmWindowBase
	}

	flags := addr.FlagsUserRO
	if access == AccessRW {
		flags = addr.FlagsUserRW
	}
	for i := uint64(0); i < b.frameCount; i++ {
		va := virtBase + addr.VirtAddr(i*uint64(addr.PageSize4K))
		pa := b.phys + addr.PhysAddr(i*uint64(addr.PageSize4K))
		if err := m.pg.MapPage4K(dir, va, pa, flags); err != nil {
			return 0, kerr.AllocationFailed
		}
	}
	m.nextVirt[targetPID] = virtBase + addr.VirtAddr(b.frameCount*uint64(addr.PageSize4K))

	b.mappings = append(b.mappings, mapping{pid: targetPID, virtBase: virtBase, access: access})
	return virtBase, nil
}

// Unmap tears down the page-table entries Map installed for targetPID and
// removes the mapping bookkeeping for the buffer named by token, so
// Destroy's empty-mapping-list check is a true guarantee that no address
// space still references the freed frames. Returns kerr.NotFound if no
// such mapping exists, or if targetPID's page directory can no longer be
// resolved.
func (m *Manager) Unmap(token uint32, targetPID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.lookupLocked(token)
	if err != nil {
		return err
	}
	for i, mp := range b.mappings {
		if mp.pid == targetPID {
			dir, ok := m.resolveDir(targetPID)
			if !ok {
				return kerr.NotFound
			}
			vaEnd := mp.virtBase + addr.VirtAddr(b.frameCount*uint64(addr.PageSize4K))
			if err := m.pg.UnmapUserRange(dir, mp.virtBase, vaEnd); err != nil {
				return err
			}
			b.mappings = append(b.mappings[:i], b.mappings[i+1:]...)
			return nil
		}
	}
	return kerr.NotFound
}

// Destroy frees the buffer named by token back to the frame allocator.
// Permitted only for the owning process and only when the mapping list
// is empty.
func (m *Manager) Destroy(token uint32, callerPID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.lookupLocked(token)
	if err != nil {
		return err
	}
	if b.owner != callerPID {
		return kerr.PermissionDenied
	}
	if len(b.mappings) != 0 {
		return kerr.Busy
	}
	if err := m.frames.FreeFrames(b.phys, b.frameCount); err != nil {
		return err
	}
	b.inUse = false
	b.mappings = nil
	return nil
}

// MappingCount returns the number of live mappings on the buffer named by
// token, for diagnostics and tests.
func (m *Manager) MappingCount(token uint32) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.lookupLocked(token)
	if err != nil {
		return 0, err
	}
	return len(b.mappings), nil
}
