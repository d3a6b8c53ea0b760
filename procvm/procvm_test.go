package procvm

import (
	"bytes"
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

func newTestManager(t *testing.T) (*Manager, *paging.Manager) {
	t.Helper()
	base := addr.PhysAddr(1 << 20)
	size := uintptr(16 << 20)
	mem := &fakeMemory{base: base, buf: make([]byte, size)}
	frames := pmm.New([]pmm.Region{{Base: base, Length: size, Usable: true}}, mem)
	pg := paging.NewManager(frames, mem, nil)
	if _, err := pg.NewKernelDir(); err != nil {
		t.Fatalf("NewKernelDir: %v", err)
	}
	return NewManager(pg, frames, mem), pg
}

func TestCreateAndDestroyProcessVM(t *testing.T) {
	m, _ := newTestManager(t)
	id, err := m.CreateProcessVM()
	if err != nil {
		t.Fatalf("CreateProcessVM: %v", err)
	}
	if _, err := m.ProcessVMGetPageDir(id); err != nil {
		t.Fatalf("ProcessVMGetPageDir: %v", err)
	}
	if err := m.DestroyProcessVM(id); err != nil {
		t.Fatalf("DestroyProcessVM: %v", err)
	}
	if _, err := m.ProcessVMGetPageDir(id); err != kerr.NotFound {
		t.Fatalf("expected kerr.NotFound after destroy, got %v", err)
	}
}

func TestDestroyUnknownProcessVM(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.DestroyProcessVM(999); err != kerr.NotFound {
		t.Fatalf("expected kerr.NotFound, got %v", err)
	}
}

func TestLoadImageMapsAndCopiesData(t *testing.T) {
	m, pg := newTestManager(t)
	id, err := m.CreateProcessVM()
	if err != nil {
		t.Fatalf("CreateProcessVM: %v", err)
	}

	data := bytes.Repeat([]byte{0xAB}, 10)
	seg := Segment{VirtAddr: addr.VirtAddr(0x40_1030), Data: data, Writable: false}

	entry := addr.VirtAddr(0x40_1000)
	got, err := m.ProcessVMLoadImage(id, []Segment{seg}, entry)
	if err != nil {
		t.Fatalf("ProcessVMLoadImage: %v", err)
	}
	if got != entry {
		t.Fatalf("entry = %#x, want %#x", got, entry)
	}

	dir, err := m.ProcessVMGetPageDir(id)
	if err != nil {
		t.Fatalf("ProcessVMGetPageDir: %v", err)
	}
	if !pg.PagingIsUserAccessible(dir, seg.VirtAddr) {
		t.Fatal("expected segment page to be user-accessible")
	}
	pa, ok := pg.VirtToPhysInDir(dir, seg.VirtAddr)
	if !ok {
		t.Fatal("expected segment mapping to be present")
	}

	buf := make([]byte, 10)
	m.mem.ReadAt(pa, buf)
	if !bytes.Equal(buf, data) {
		t.Fatalf("read back %v, want %v", buf, data)
	}
}

func TestDestroyFreesUserFramesNotKernel(t *testing.T) {
	m, pg := newTestManager(t)
	kdir := pg.KernelDir()
	kernelLeaf, err := m.frames.AllocFrame(0)
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	kernelVA := addr.VirtAddr(0xffff_8000_0010_0000)
	if err := pg.MapPage4K(kdir, kernelVA, kernelLeaf, addr.FlagsKernelRW); err != nil {
		t.Fatalf("MapPage4K kernel: %v", err)
	}

	id, err := m.CreateProcessVM()
	if err != nil {
		t.Fatalf("CreateProcessVM: %v", err)
	}
	if err := m.DestroyProcessVM(id); err != nil {
		t.Fatalf("DestroyProcessVM: %v", err)
	}

	if _, ok := pg.VirtToPhysInDir(kdir, kernelVA); !ok {
		t.Fatal("destroying a process VM must not unmap kernel mappings")
	}
}
