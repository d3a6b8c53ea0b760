package syscall

import (
	"bytes"
	"testing"

	"github.com/vellum-os/vellum/addr"
	"github.com/vellum-os/vellum/kerr"
	"github.com/vellum-os/vellum/paging"
	"github.com/vellum-os/vellum/pmm"
	"github.com/vellum-os/vellum/task"
	"github.com/vellum-os/vellum/usercopy"
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

const kernelProbeVA = addr.VirtAddr(0xffff_9100_0000_0000)

type harness struct {
	tasks   *task.Table
	table   *Table
	copier  *usercopy.Copier
	pg      *paging.Manager
	dir     *paging.PageDir
	frames  *pmm.Allocator
	console bytes.Buffer
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
	dir, err := pg.NewProcessDir()
	if err != nil {
		t.Fatalf("NewProcessDir: %v", err)
	}
	resolve := func() (*paging.PageDir, bool) { return dir, true }
	copier := usercopy.NewCopier(pg, mem, resolve, kernelProbeVA)

	h := &harness{tasks: task.NewTable(8), pg: pg, dir: dir, frames: frames, copier: copier}
	h.table = NewTable()

	h.table.Install(NumWrite, func(ctx *Context) {
		args := ctx.Args()
		va := addr.VirtAddr(args.Arg0U32())
		n := args.Arg1Usize()
		if n > UserIOMaxBytes {
			n = UserIOMaxBytes
		}
		buf := make([]byte, n)
		if err := h.copier.CopyFromUser(buf, va); err != nil {
			ctx.Err()
			return
		}
		h.console.Write(buf)
		ctx.Ok(uint64(n))
	})
	h.table.Install(NumYield, func(ctx *Context) { ctx.Ok(0) })
	h.table.Install(NumExit, func(ctx *Context) {
		h.tasks.Terminate(ctx.TaskID())
		ctx.Ok(0)
	})
	return h
}

func (h *harness) mapUserPage(t *testing.T, va addr.VirtAddr) addr.PhysAddr {
	t.Helper()
	frame, err := h.frames.AllocFrame(pmm.FlagZero)
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	if err := h.pg.MapPage4KInDir(h.dir, va, frame, addr.FlagsUserRW); err != nil {
		t.Fatalf("MapPage4KInDir: %v", err)
	}
	return frame
}

func TestHandleTrapWriteDeliversBytes(t *testing.T) {
	h := newHarness(t)
	id, err := h.tasks.Create("user", 1, 0, task.FlagUserMode)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	va := addr.VirtAddr(0x2000)
	frame := h.mapUserPage(t, va)
	h.copier.CopyToUser(va, []byte("hello"))
	_ = frame

	f := &Frame{RAX: NumWrite, RDI: uint64(va), RSI: 5}
	HandleTrap(h.tasks, h.table, id, f)

	if f.RAX != 5 {
		t.Fatalf("rax = %d, want 5", f.RAX)
	}
	if h.console.String() != "hello" {
		t.Fatalf("console = %q, want %q", h.console.String(), "hello")
	}
}

func TestHandleTrapWriteFaultsOnUnmappedPointer(t *testing.T) {
	h := newHarness(t)
	id, _ := h.tasks.Create("user", 1, 0, task.FlagUserMode)

	f := &Frame{RAX: NumWrite, RDI: 0xDEAD_0000, RSI: 5}
	HandleTrap(h.tasks, h.table, id, f)
	if f.RAX != ErrReturn {
		t.Fatalf("rax = %#x, want ErrReturn", f.RAX)
	}
}

func TestHandleTrapRejectsKernelModeTask(t *testing.T) {
	h := newHarness(t)
	id, _ := h.tasks.Create("kthread", 0, 0, task.FlagKernelMode)
	f := &Frame{RAX: NumYield}
	HandleTrap(h.tasks, h.table, id, f)
	if f.RAX != ErrReturn {
		t.Fatalf("rax = %#x, want ErrReturn for a kernel-mode task", f.RAX)
	}
}

func TestHandleTrapUnknownSyscallReturnsErr(t *testing.T) {
	h := newHarness(t)
	id, _ := h.tasks.Create("user", 1, 0, task.FlagUserMode)
	f := &Frame{RAX: 200}
	HandleTrap(h.tasks, h.table, id, f)
	if f.RAX != ErrReturn {
		t.Fatalf("rax = %#x, want ErrReturn for an unknown syscall", f.RAX)
	}
}

func TestHandleTrapClearsNoPreemptAfterReturn(t *testing.T) {
	h := newHarness(t)
	id, _ := h.tasks.Create("user", 1, 0, task.FlagUserMode)
	f := &Frame{RAX: NumYield}
	HandleTrap(h.tasks, h.table, id, f)

	tcb, err := h.tasks.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tcb.Flags&task.FlagNoPreempt != 0 {
		t.Fatal("expected FlagNoPreempt cleared after HandleTrap returns")
	}
}

func TestHandleTrapExitTerminatesTask(t *testing.T) {
	h := newHarness(t)
	id, _ := h.tasks.Create("user", 1, 0, task.FlagUserMode)
	f := &Frame{RAX: NumExit}
	HandleTrap(h.tasks, h.table, id, f)

	tcb, err := h.tasks.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tcb.State != task.StateTerminated {
		t.Fatalf("State = %v, want Terminated", tcb.State)
	}
}

func TestInstallRejectsOutOfRangeNumber(t *testing.T) {
	tab := NewTable()
	if err := tab.Install(NumSyscalls, func(*Context) {}); err != kerr.InvalidArgument {
		t.Fatalf("expected kerr.InvalidArgument, got %v", err)
	}
}
