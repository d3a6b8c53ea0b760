// Package kernel wires the per-component packages (A-P) into one boot
// sequence and services aggregate, the way original_source/boot/src
// sequences gdt_init, idt_load, apic bring-up, and smp_init from its
// kernel_main. Grounded primarily on original_source/boot/src/{boot_impl,
// smp,gdt}.rs for ordering, and on the teacher's top-level main/boot
// wiring for the Go idiom of a single Services struct passed down instead
// of package-level globals.
package kernel

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vellum-os/vellum/addr"
	"github.com/vellum-os/vellum/apic"
	"github.com/vellum-os/vellum/compositor"
	"github.com/vellum-os/vellum/idt"
	"github.com/vellum-os/vellum/irq"
	"github.com/vellum-os/vellum/kerr"
	"github.com/vellum-os/vellum/kheap"
	"github.com/vellum-os/vellum/klog"
	"github.com/vellum-os/vellum/paging"
	"github.com/vellum-os/vellum/pmm"
	"github.com/vellum-os/vellum/procvm"
	"github.com/vellum-os/vellum/sched"
	"github.com/vellum-os/vellum/shm"
	"github.com/vellum-os/vellum/syscall"
	"github.com/vellum-os/vellum/task"
	"github.com/vellum-os/vellum/usercopy"
)

// ISTStackSpec is the guard-paged exception stack layout for one of the
// four IST-guarded vectors; the kernel's memory-map setup computes these
// addresses before Boot runs, the same boundary component K's own tests
// draw around stack placement.
type ISTStackSpec struct {
	Vector             uint8
	Handler             uintptr
	GuardPage, Base, Top addr.VirtAddr
}

// BootInputs collects everything Boot needs that only firmware/bootloader
// discovery (outside this package's scope) can supply.
type BootInputs struct {
	Config Config

	Regions []pmm.Region
	Mem     addr.Memory

	MADT apic.MADT
	Mmio addr.Mmio

	Ports addr.PortIO

	ISTStacks []ISTStackSpec

	APs        []APInfo
	APStarter  APStarter
	BSPLapicID uint32

	KernelProbeVA addr.VirtAddr
}

// Services is the fully wired kernel: every component package's top-level
// object, reachable from one place instead of package-level globals, the
// way the teacher's own `kernel` top-level ties its subsystems together.
type Services struct {
	Config Config
	Log    *klog.Logger

	Frames *pmm.Allocator
	Paging *paging.Manager
	Heap   *kheap.Heap
	ProcVM *procvm.Manager
	Copier *usercopy.Copier

	Tasks     *task.Table
	Scheduler *sched.Scheduler

	GDT *GDT
	IDT *idt.Table

	LAPIC  *apic.LAPIC
	IOAPIC *apic.IOAPIC
	IRQ    *irq.Dispatcher

	Syscalls *syscall.Table

	Compositor *compositor.Compositor
	SHM        *shm.Manager

	BringUp BringUpResult

	mu         sync.Mutex
	currentDir *paging.PageDir
}

// SetCurrentProcessDir records which address space usercopy operations
// validate against. Nothing in this module calls it on a context switch
// (sched.SafeContextSwitch does not update it) and Boot leaves it unset,
// so Copier copies fail with kerr.Fault until it has been called.
func (s *Services) SetCurrentProcessDir(dir *paging.PageDir) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentDir = dir
}

func (s *Services) resolveCurrentDir() (*paging.PageDir, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentDir, s.currentDir != nil
}

func (s *Services) resolveProcessDir(pid uint32) (*paging.PageDir, bool) {
	dir, err := s.ProcVM.ProcessVMGetPageDir(procvm.ProcessId(pid))
	if err != nil {
		return nil, false
	}
	return dir, true
}

// Boot brings up every subsystem in dependency order and returns the
// wired Services aggregate. Three independent bring-up steps — the frame
// allocator's region scan, LAPIC/IO-APIC discovery from the pre-parsed
// MADT, and the per-CPU scheduler table init for every discovered AP —
// have no dependency on one another and run concurrently via errgroup,
// grounded on original_source/boot/src/smp.rs's MP bring-up loop and the
// teacher's golang.org/x/sync dependency. Every later step depends on one
// of those three, so it runs after the group completes.
func Boot(ctx context.Context, in BootInputs) (*Services, error) {
	log := klog.New(in.Config.LogLevel)
	svc := &Services{Config: in.Config, Log: log}

	var (
		frames    *pmm.Allocator
		lapic     *apic.LAPIC
		ioapic    *apic.IOAPIC
		tasks     = task.NewTable(in.Config.MaxTasks)
		scheduler = sched.NewScheduler(tasks)
	)

	// Mask every line on both legacy 8259 PICs (master and slave data
	// ports) so only the IO-APIC delivers device interrupts.
	if in.Ports != nil {
		in.Ports.Out8(0x21, 0xFF)
		in.Ports.Out8(0xA1, 0xFF)
	}

	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		frames = pmm.New(in.Regions, in.Mem)
		log.Info("PMM: %d frames free", frames.FreeFrameCount())
		return nil
	})

	g.Go(func() error {
		var err error
		lapic = apic.NewLAPIC(in.Mmio, in.MADT.LAPICBase)
		lapic.Enable()
		ioapic, err = apic.Discover(in.Mmio, in.MADT)
		if err != nil {
			return err
		}
		log.Info("APIC: BSP lapic %#x, %d IO-APIC(s) discovered", in.MADT.BSPLAPICID, len(in.MADT.IOAPICs))
		return nil
	})

	g.Go(func() error {
		idleID, err := tasks.Create("idle", 0, 3, task.FlagKernelMode)
		if err != nil {
			return err
		}
		numCPUs := 1 + len(in.APs)
		if numCPUs > in.Config.MaxCPUs {
			numCPUs = in.Config.MaxCPUs
		}
		for cpuID := 0; cpuID < numCPUs; cpuID++ {
			if err := scheduler.InitCPU(cpuID, idleID, 10); err != nil {
				return err
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	svc.Tasks = tasks
	svc.Scheduler = scheduler
	svc.Frames = frames
	svc.LAPIC = lapic
	svc.IOAPIC = ioapic

	pg := paging.NewManager(frames, in.Mem, nil)
	if _, err := pg.NewKernelDir(); err != nil {
		return nil, err
	}
	svc.Paging = pg
	svc.Heap = kheap.New(frames, in.Mem)
	svc.ProcVM = procvm.NewManager(pg, frames, in.Mem)
	svc.Copier = usercopy.NewCopier(pg, in.Mem, svc.resolveCurrentDir, in.KernelProbeVA)

	gdt := NewGDT()
	idtTable := idt.NewTable()
	for _, spec := range in.ISTStacks {
		if err := idtTable.InstallISTStack(spec.Vector, spec.Handler, spec.GuardPage, spec.Base, spec.Top); err != nil {
			return nil, err
		}
		ist, ok := idtTable.ISTStackFor(spec.Vector)
		if !ok {
			continue
		}
		if err := gdt.SetIST(ist.Index, uint64(spec.Top)); err != nil {
			return nil, err
		}
	}
	svc.GDT = gdt
	svc.IDT = idtTable

	if svc.IOAPIC != nil {
		dispatcher := irq.NewDispatcher(0, lapic, in.Ports, scheduler)
		if err := irq.Init(dispatcher, svc.IOAPIC, nil, nil); err != nil {
			return nil, err
		}
		svc.IRQ = dispatcher
	}

	svc.Syscalls = syscall.NewTable()
	installCoreSyscalls(svc)

	svc.Compositor = compositor.NewCompositor()
	svc.SHM = shm.NewManager(frames, pg, svc.resolveProcessDir)

	if len(in.APs) > 0 {
		if in.APStarter == nil {
			return nil, kerr.InvalidArgument
		}
		svc.BringUp = BringUpAPs(in.APStarter, in.APs, in.BSPLapicID)
		log.Info("MP: %d discovered, %d started, %d failed", svc.BringUp.Discovered, svc.BringUp.Started, svc.BringUp.Failed)
	}

	return svc, nil
}

// installCoreSyscalls wires the syscalls this kernel core itself
// implements end to end (yield, exit, write, halt); the remaining
// spec.md syscall numbers belong to drivers (fs, gfx, roulette) that
// SPEC_FULL.md's Non-goals explicitly leave unimplemented.
func installCoreSyscalls(svc *Services) {
	_ = svc.Syscalls.Install(syscall.NumYield, func(ctx *syscall.Context) {
		if err := svc.Scheduler.Yield(0); err != nil {
			ctx.Err()
			return
		}
		ctx.Ok(0)
	})
	_ = svc.Syscalls.Install(syscall.NumExit, func(ctx *syscall.Context) {
		if err := svc.Tasks.Terminate(ctx.TaskID()); err != nil {
			ctx.Err()
			return
		}
		ctx.Ok(0)
	})
	_ = svc.Syscalls.Install(syscall.NumWrite, func(ctx *syscall.Context) {
		args := ctx.Args()
		va := addr.VirtAddr(args.Arg0Usize())
		n := args.Arg1Usize()
		if n > syscall.UserIOMaxBytes {
			n = syscall.UserIOMaxBytes
		}
		buf := make([]byte, n)
		if err := svc.Copier.CopyFromUser(buf, va); err != nil {
			ctx.Err()
			return
		}
		svc.Log.Info("write: %s", string(buf))
		ctx.Ok(uint64(n))
	})
	_ = svc.Syscalls.Install(syscall.NumHalt, func(ctx *syscall.Context) {
		svc.Log.Info("halt requested by task %d", ctx.TaskID())
		ctx.Ok(0)
	})
}
