package kernel

import "github.com/vellum-os/vellum/kerr"

// Segment selectors, taken verbatim from
// original_source/abi/src/arch/x86_64/gdt.rs's SegmentSelector constants:
// GDT index << 3 | RPL.
const (
	SelectorNull       uint16 = 0x00
	SelectorKernelCode uint16 = 0x08
	SelectorKernelData uint16 = 0x10
	SelectorUserData   uint16 = 0x1B
	SelectorUserCode   uint16 = 0x23
	SelectorTSS        uint16 = 0x28
)

// tss mirrors the fields original_source/boot/src/gdt.rs's Tss64 exposes
// through gdt_set_kernel_rsp0/gdt_set_ist: the privilege-0 stack pointer
// used on every ring3->ring0 transition, and the seven IST stack tops the
// guarded exception vectors in package idt switch onto.
type tss struct {
	rsp0 uint64
	ist  [7]uint64
}

// GDT is the kernel's descriptor table plus the one TSS it installs,
// mirroring original_source/boot/src/gdt.rs's gdt_init wiring without the
// raw lgdt/ltr asm, which belongs to the freestanding entry stub this
// hosted core never compiles.
type GDT struct {
	t tss
}

// NewGDT returns a GDT with an empty TSS; SetRSP0 and SetIST populate it
// before the first privilege-level transition.
func NewGDT() *GDT { return &GDT{} }

// SetRSP0 installs the kernel-mode stack pointer used whenever a syscall
// or exception lifts a user-mode task into ring 0.
func (g *GDT) SetRSP0(rsp0 uint64) { g.t.rsp0 = rsp0 }

// RSP0 returns the currently installed ring-0 stack pointer.
func (g *GDT) RSP0() uint64 { return g.t.rsp0 }

// SetIST installs stackTop into one of the seven IST slots (1-indexed, as
// the architecture itself numbers them). index must be in 1..7.
func (g *GDT) SetIST(index uint8, stackTop uint64) error {
	if index == 0 || index > 7 {
		return kerr.InvalidArgument
	}
	g.t.ist[index-1] = stackTop
	return nil
}

// IST returns the stack top installed at the given 1-indexed IST slot.
func (g *GDT) IST(index uint8) (uint64, error) {
	if index == 0 || index > 7 {
		return 0, kerr.InvalidArgument
	}
	return g.t.ist[index-1], nil
}
