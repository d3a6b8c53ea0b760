package shm

import (
	"testing"

	"github.com/vellum-os/vellum/addr"
	"github.com/vellum-os/vellum/kerr"
	"github.com/vellum-os/vellum/paging"
	"github.com/vellum-os/vellum/pmm"
)

type fakeMemory struct {
	base addr.PhysAddr
	buf  []byte
}

func (m *fakeMemory) offset(pa addr.PhysAddr) int { return int(pa - m.base) }
func (m *fakeMemory) ReadAt(pa addr.PhysAddr, p []byte) {
	copy(p, m.buf[m.offset(pa):])
}
func (m *fakeMemory) WriteAt(pa addr.PhysAddr, p []byte) {
	copy(m.buf[m.offset(pa):], p)
}
func (m *fakeMemory) Zero(pa addr.PhysAddr, n uintptr) {
	off := m.offset(pa)
	for i := 0; i < int(n); i++ {
		m.buf[off+i] = 0
	}
}

type harness struct {
	mgr    *Manager
	frames *pmm.Allocator
	pg     *paging.Manager
	dirs   map[uint32]*paging.PageDir
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	base := addr.PhysAddr(1 << 20)
	mem := &fakeMemory{base: base, buf: make([]byte, 16<<20)}
	frames := pmm.New([]pmm.Region{{Base: base, Length: 16 << 20, Usable: true}}, mem)
	pg := paging.NewManager(frames, mem, nil)
	if _, err := pg.NewKernelDir(); err != nil {
		t.Fatalf("NewKernelDir: %v", err)
	}

	h := &harness{frames: frames, pg: pg, dirs: make(map[uint32]*paging.PageDir)}
	resolve := func(pid uint32) (*paging.PageDir, bool) {
		dir, ok := h.dirs[pid]
		return dir, ok
	}
	h.mgr = NewManager(frames, pg, resolve)
	return h
}

func (h *harness) addProcess(t *testing.T, pid uint32) {
	t.Helper()
	dir, err := h.pg.NewProcessDir()
	if err != nil {
		t.Fatalf("NewProcessDir: %v", err)
	}
	h.dirs[pid] = dir
}

func TestCreateAllocatesZeroedFrames(t *testing.T) {
	h := newHarness(t)
	token, err := h.mgr.Create(4096, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if token == 0 {
		t.Fatal("expected nonzero token")
	}
	phys, err := h.mgr.PhysOf(token)
	if err != nil {
		t.Fatalf("PhysOf: %v", err)
	}
	if phys == 0 {
		t.Fatal("expected nonzero physical base")
	}
}

func TestCreateRejectsZeroSize(t *testing.T) {
	h := newHarness(t)
	if _, err := h.mgr.Create(0, 1); err != kerr.InvalidArgument {
		t.Fatalf("Create(0) = %v, want kerr.InvalidArgument", err)
	}
}

func TestCreateFailsWhenPoolExhausted(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < MaxBuffers; i++ {
		if _, err := h.mgr.Create(4096, 1); err != nil {
			t.Fatalf("Create #%d: %v", i, err)
		}
	}
	if _, err := h.mgr.Create(4096, 1); err != kerr.Busy {
		t.Fatalf("Create at capacity = %v, want kerr.Busy", err)
	}
}

func TestMapRejectsStaleToken(t *testing.T) {
	h := newHarness(t)
	h.addProcess(t, 1)
	token, err := h.mgr.Create(4096, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.mgr.Destroy(token, 1); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := h.mgr.Map(token, 1, AccessRO); err != kerr.NotFound {
		t.Fatalf("Map with stale token = %v, want kerr.NotFound", err)
	}
}

func TestMapRejectsUnknownProcess(t *testing.T) {
	h := newHarness(t)
	token, err := h.mgr.Create(4096, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.mgr.Map(token, 99, AccessRO); err != kerr.NotFound {
		t.Fatalf("Map to unknown process = %v, want kerr.NotFound", err)
	}
}

func TestMapRoundTripReadsWrittenBytes(t *testing.T) {
	h := newHarness(t)
	h.addProcess(t, 1)
	token, err := h.mgr.Create(4096, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	virt, err := h.mgr.Map(token, 1, AccessRW)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	dir := h.dirs[1]
	phys, ok := h.pg.VirtToPhysInDir(dir, virt)
	if !ok {
		t.Fatal("expected mapped virtual address to resolve")
	}
	bufPhys, err := h.mgr.PhysOf(token)
	if err != nil {
		t.Fatalf("PhysOf: %v", err)
	}
	if phys != bufPhys {
		t.Fatalf("mapped phys = %#x, want %#x", phys, bufPhys)
	}
}

func TestMapFailsAtMappingLimit(t *testing.T) {
	h := newHarness(t)
	token, err := h.mgr.Create(4096, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := uint32(1); i <= MaxMappings; i++ {
		h.addProcess(t, i)
		if _, err := h.mgr.Map(token, i, AccessRO); err != nil {
			t.Fatalf("Map #%d: %v", i, err)
		}
	}
	h.addProcess(t, MaxMappings+1)
	if _, err := h.mgr.Map(token, MaxMappings+1, AccessRO); err != kerr.Busy {
		t.Fatalf("Map past limit = %v, want kerr.Busy", err)
	}
}

func TestUnmapRemovesEntry(t *testing.T) {
	h := newHarness(t)
	h.addProcess(t, 1)
	token, _ := h.mgr.Create(4096, 1)
	if _, err := h.mgr.Map(token, 1, AccessRW); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := h.mgr.Unmap(token, 1); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	count, err := h.mgr.MappingCount(token)
	if err != nil {
		t.Fatalf("MappingCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("MappingCount = %d, want 0", count)
	}
}

func TestUnmapTearsDownPageTableEntries(t *testing.T) {
	h := newHarness(t)
	h.addProcess(t, 1)
	token, _ := h.mgr.Create(4096, 1)
	virt, err := h.mgr.Map(token, 1, AccessRW)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	dir := h.dirs[1]
	if _, ok := h.pg.VirtToPhysInDir(dir, virt); !ok {
		t.Fatal("expected mapped virtual address to resolve before Unmap")
	}
	if err := h.mgr.Unmap(token, 1); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if _, ok := h.pg.VirtToPhysInDir(dir, virt); ok {
		t.Fatal("expected Unmap to tear down the page-table entry, but it still resolves")
	}
}

func TestUnmapThenDestroyFreesFramesOnlyAfterTeardown(t *testing.T) {
	h := newHarness(t)
	h.addProcess(t, 1)
	token, _ := h.mgr.Create(4096, 1)
	virt, err := h.mgr.Map(token, 1, AccessRW)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := h.mgr.Unmap(token, 1); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if err := h.mgr.Destroy(token, 1); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	dir := h.dirs[1]
	if _, ok := h.pg.VirtToPhysInDir(dir, virt); ok {
		t.Fatal("expected no live mapping to the destroyed buffer's frames")
	}
}

func TestDestroyRejectsNonOwner(t *testing.T) {
	h := newHarness(t)
	token, err := h.mgr.Create(4096, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.mgr.Destroy(token, 2); err != kerr.PermissionDenied {
		t.Fatalf("Destroy by non-owner = %v, want kerr.PermissionDenied", err)
	}
}

func TestDestroyRejectsNonEmptyMappingList(t *testing.T) {
	h := newHarness(t)
	h.addProcess(t, 1)
	token, _ := h.mgr.Create(4096, 1)
	if _, err := h.mgr.Map(token, 1, AccessRO); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := h.mgr.Destroy(token, 1); err != kerr.Busy {
		t.Fatalf("Destroy with live mapping = %v, want kerr.Busy", err)
	}
}

func TestCreateFillsEveryBufferSlotIncludingTheLast(t *testing.T) {
	h := newHarness(t)
	tokens := make([]uint32, 0, MaxBuffers)
	for i := 0; i < MaxBuffers; i++ {
		token, err := h.mgr.Create(4096, 1)
		if err != nil {
			t.Fatalf("Create #%d: %v", i, err)
		}
		if token == 0 {
			t.Fatalf("Create #%d returned zero token", i)
		}
		tokens = append(tokens, token)
	}
	// Every token, including the one for the 256th (last) slot, must
	// round-trip through PhysOf rather than being rejected as stale.
	for i, token := range tokens {
		if _, err := h.mgr.PhysOf(token); err != nil {
			t.Fatalf("PhysOf(token for slot %d) = %v, want nil", i, err)
		}
	}
}

func TestDestroyThenCreateReusesSlotWithNewGeneration(t *testing.T) {
	h := newHarness(t)
	token1, err := h.mgr.Create(4096, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.mgr.Destroy(token1, 1); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	token2, err := h.mgr.Create(4096, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if token1 == token2 {
		t.Fatal("expected a reused slot to carry a fresh generation, not the old token")
	}
}
