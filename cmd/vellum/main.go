// Command vellum is the kernel's boot entrypoint: it hands firmware- and
// bootloader-discovered inputs (memory map, MADT, MMIO/port windows) to
// kernel.Boot, logs a boot summary and exits, the way biscuit's own
// src/kernel ties chentry-style build tooling to the runtime's entry
// point rather than doing discovery itself.
//
// Real ACPI table parsing, the physical memory map, and raw MMIO/port
// access are firmware-boundary concerns this module's component L
// explicitly takes as pre-parsed input (see DESIGN.md's component L
// entry) — nothing here decodes ACPI. main wires a hosted stand-in
// backend so the boot sequence itself is exercised end to end; a real
// boot loader (limine, per original_source/boot) would supply the same
// BootInputs shape from its own probed tables.
package main

import (
	"context"
	"os"

	"github.com/vellum-os/vellum/addr"
	"github.com/vellum-os/vellum/apic"
	"github.com/vellum-os/vellum/kdiag"
	"github.com/vellum-os/vellum/kernel"
	"github.com/vellum-os/vellum/pmm"
)

// flatMemory is a hosted stand-in for the identity-mapped physical
// memory a real boot loader hands the kernel; production wiring backs
// addr.Memory with the HHDM window instead.
type flatMemory struct {
	base addr.PhysAddr
	buf  []byte
}

func (m *flatMemory) offset(pa addr.PhysAddr) int { return int(pa - m.base) }

func (m *flatMemory) ReadAt(pa addr.PhysAddr, p []byte) {
	copy(p, m.buf[m.offset(pa):])
}

func (m *flatMemory) WriteAt(pa addr.PhysAddr, p []byte) {
	copy(m.buf[m.offset(pa):], p)
}

func (m *flatMemory) Zero(pa addr.PhysAddr, n uintptr) {
	off := m.offset(pa)
	for i := 0; i < int(n); i++ {
		m.buf[off+i] = 0
	}
}

// nullMmio and nullPorts stand in for the LAPIC/IO-APIC register windows
// and legacy PIC/PIT ports on a host with no such hardware attached.
type nullMmio struct{}

func (nullMmio) Read32(addr.MmioAddr) uint32   { return 0 }
func (nullMmio) Write32(addr.MmioAddr, uint32) {}

type nullPorts struct{}

func (nullPorts) In8(uint16) uint8   { return 0 }
func (nullPorts) Out8(uint16, uint8) {}

func main() {
	os.Exit(run())
}

func run() int {
	const memSize = 64 << 20
	base := addr.PhysAddr(1 << 20)
	mem := &flatMemory{base: base, buf: make([]byte, memSize)}

	cfg := kernel.ParseCmdline(os.Getenv("VELLUM_CMDLINE"))

	in := kernel.BootInputs{
		Config:  cfg,
		Regions: []pmm.Region{{Base: base, Length: memSize, Usable: true}},
		Mem:     mem,
		MADT: apic.MADT{
			BSPLAPICID: 0,
			LAPICBase:  0xFEE00000,
			IOAPICs:    []apic.IOAPICDescriptor{{ID: 0, Base: 0xFEC00000, GSIBase: 0}},
		},
		Mmio:          nullMmio{},
		Ports:         nullPorts{},
		KernelProbeVA: addr.VirtAddr(0xffff_9100_0000_0000),
	}

	svc, err := kernel.Boot(context.Background(), in)
	if err != nil {
		return 1
	}

	svc.Log.Info("vellum: boot complete, compositor=%v", svc.Config.CompositorOn)
	svc.Log.Info("%s", kdiag.Summary(kdiag.SchedulerProfile(svc.Scheduler, svc.Config.MaxCPUs)))

	return 0
}
