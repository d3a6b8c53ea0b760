// Package idt implements the IDT and IST-backed exception stacks
// (component K): the 256-entry interrupt descriptor table, the IST
// mapping for vectors #8/#12/#13/#14, and the guard-paged exception
// stacks those vectors run on.
package idt

import (
	"sync"
	"sync/atomic"

	"github.com/vellum-os/vellum/addr"
	"github.com/vellum-os/vellum/kerr"
)

// Exception vectors that run on a dedicated IST stack.
const (
	VectorDoubleFault       uint8 = 8
	VectorStackFault        uint8 = 12
	VectorGeneralProtection uint8 = 13
	VectorPageFault         uint8 = 14
)

// StackPages is the length of each IST stack, in 4 KiB pages.
const StackPages = 4

// istForVector maps the four guarded vectors to IST slots 1..4.
var istForVector = map[uint8]uint8{
	VectorDoubleFault:       1,
	VectorStackFault:        2,
	VectorGeneralProtection: 3,
	VectorPageFault:         4,
}

// Entry is one IDT gate descriptor.
type Entry struct {
	Vector   uint8
	Handler  uintptr
	ISTIndex uint8 // 0 = none, 1..4 = dedicated IST stack
	Present  bool
}

// ISTStack is one guard-paged exception stack. GuardPage is deliberately
// left unmapped: a stack overflow touches it and immediately takes a new
// fault, landing on a fresh IST stack where a "stack overflow in <vector>"
// panic is generated with the peak-usage watermark captured atomically.
type ISTStack struct {
	Index     uint8
	GuardPage addr.VirtAddr
	Base      addr.VirtAddr // stack bottom (lowest address of the usable region)
	Top       addr.VirtAddr // initial RSP value for this stack
	peakUsage atomic.Uint64
}

// RecordUsage updates the peak-usage watermark if usedBytes exceeds it.
func (s *ISTStack) RecordUsage(usedBytes uint64) {
	for {
		cur := s.peakUsage.Load()
		if usedBytes <= cur {
			return
		}
		if s.peakUsage.CompareAndSwap(cur, usedBytes) {
			return
		}
	}
}

// PeakUsage returns the highest usage recorded on this stack so far.
func (s *ISTStack) PeakUsage() uint64 { return s.peakUsage.Load() }

// Table is the 256-entry IDT plus its four guarded IST stacks.
type Table struct {
	mu      sync.Mutex
	entries [256]Entry
	stacks  [5]*ISTStack // index 0 unused, 1..4 map to the guarded vectors
}

// NewTable builds an empty IDT. Guarded vectors still need their IST
// stacks installed via InstallISTStack before a fault on them is safe.
func NewTable() *Table {
	t := &Table{}
	for v, ist := range istForVector {
		t.entries[v] = Entry{Vector: v, ISTIndex: ist}
	}
	return t
}

// InstallGate registers handler at vector with no dedicated IST stack.
func (t *Table) InstallGate(vector uint8, handler uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[vector]
	e.Vector = vector
	e.Handler = handler
	e.Present = true
	t.entries[vector] = e
}

// InstallISTStack attaches a guard-paged stack to one of the four guarded
// vectors' IST slots.
func (t *Table) InstallISTStack(vector uint8, handler uintptr, guardPage, base, top addr.VirtAddr) error {
	ist, ok := istForVector[vector]
	if !ok {
		return kerr.InvalidArgument
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[vector] = Entry{Vector: vector, Handler: handler, ISTIndex: ist, Present: true}
	t.stacks[ist] = &ISTStack{Index: ist, GuardPage: guardPage, Base: base, Top: top}
	return nil
}

// EntryAt returns the gate installed at vector.
func (t *Table) EntryAt(vector uint8) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[vector]
}

// ISTStackFor returns the guard-paged stack backing vector's IST slot, if
// any.
func (t *Table) ISTStackFor(vector uint8) (*ISTStack, bool) {
	ist, ok := istForVector[vector]
	if !ok {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stacks[ist]
	return s, s != nil
}

// GuardPageHit reports whether faultAddr lies within any installed IST
// stack's guard page, and if so which vector it guards — the signal that
// a stack overflow, not an ordinary fault, occurred.
func (t *Table) GuardPageHit(faultAddr addr.VirtAddr) (vector uint8, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for v, ist := range istForVector {
		s := t.stacks[ist]
		if s == nil {
			continue
		}
		if faultAddr >= s.GuardPage && faultAddr < s.GuardPage.Add(addr.PageSize4K) {
			return v, true
		}
	}
	return 0, false
}

// TSS holds the fields the IDT layer touches directly: rsp0 is updated on
// every transition to user mode so syscall/exception entries land on the
// per-task kernel stack.
type TSS struct {
	mu   sync.Mutex
	RSP0 addr.VirtAddr
}

// SetRSP0 updates the kernel-mode stack pointer used on privilege-level
// transitions into the kernel.
func (tss *TSS) SetRSP0(v addr.VirtAddr) {
	tss.mu.Lock()
	defer tss.mu.Unlock()
	tss.RSP0 = v
}

// GetRSP0 returns the currently installed rsp0.
func (tss *TSS) GetRSP0() addr.VirtAddr {
	tss.mu.Lock()
	defer tss.mu.Unlock()
	return tss.RSP0
}
