// Package apic implements the LAPIC and IO-APIC collaborators (component
// L): local-APIC enable/EOI/timer control and IO-APIC discovery plus
// legacy-IRQ-to-vector routing. The legacy 8259 PIC is never touched by
// this package — kernel.Boot masks it unconditionally before the LAPIC is
// enabled, per spec.md §4.L.
package apic

import (
	"sync"

	"github.com/vellum-os/vellum/addr"
	"github.com/vellum-os/vellum/kerr"
	"github.com/vellum-os/vellum/klog"
)

// IRQBaseVector is the vector the first legacy IRQ (timer, line 0) is
// routed to; line N routes to IRQBaseVector+N.
const IRQBaseVector uint8 = 0x20

// Legacy IRQ line numbers named in spec.md §4.L.
const (
	LegacyIRQTimer    uint8 = 0
	LegacyIRQKeyboard uint8 = 1
	LegacyIRQCOM1     uint8 = 4
	LegacyIRQMouse    uint8 = 12
)

// LAPIC register offsets from the firmware-reported base.
const (
	regID             addr.MmioAddr = 0x20
	regEOI            addr.MmioAddr = 0xB0
	regSpuriousVector addr.MmioAddr = 0xF0
	regICRLow         addr.MmioAddr = 0x300
	regICRHigh        addr.MmioAddr = 0x310
	regTimerLVT       addr.MmioAddr = 0x320
	regTimerInitCount addr.MmioAddr = 0x380
)

const spuriousEnableBit uint32 = 1 << 8
const spuriousVectorValue uint32 = 0xFF

// ICR delivery-mode/destination-shorthand bits used by SendIPIHaltAll.
const (
	icrDeliveryFixed      uint32 = 0 << 8
	icrDestShorthandOther uint32 = 3 << 18 // all excluding self
)

// LAPIC wraps the local APIC's MMIO register block.
type LAPIC struct {
	mu      sync.Mutex
	mmio    addr.Mmio
	base    addr.MmioAddr
	enabled bool
}

// NewLAPIC returns a LAPIC collaborator over the firmware-reported base.
func NewLAPIC(mmio addr.Mmio, base addr.MmioAddr) *LAPIC {
	return &LAPIC{mmio: mmio, base: base}
}

func (l *LAPIC) reg(off addr.MmioAddr) addr.MmioAddr { return l.base + off }

// Enable sets the APIC software-enable bit and installs the spurious
// interrupt vector.
func (l *LAPIC) Enable() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mmio.Write32(l.reg(regSpuriousVector), spuriousEnableBit|spuriousVectorValue)
	l.enabled = true
	klog.Default.Info("APIC: LAPIC enabled, id=%d", l.getIDLocked())
}

// Disable clears the APIC software-enable bit.
func (l *LAPIC) Disable() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mmio.Write32(l.reg(regSpuriousVector), spuriousVectorValue)
	l.enabled = false
}

// IsEnabled reports whether Enable has been called without a subsequent
// Disable.
func (l *LAPIC) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

func (l *LAPIC) getIDLocked() uint8 {
	return uint8(l.mmio.Read32(l.reg(regID)) >> 24)
}

// GetID returns this CPU's local APIC id.
func (l *LAPIC) GetID() uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getIDLocked()
}

// SendEOI signals end-of-interrupt to the local APIC.
func (l *LAPIC) SendEOI() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mmio.Write32(l.reg(regEOI), 0)
}

// TimerStop halts the local APIC timer by zeroing its initial count.
func (l *LAPIC) TimerStop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mmio.Write32(l.reg(regTimerInitCount), 0)
	l.mmio.Write32(l.reg(regTimerLVT), 1<<16) // masked
}

// SendIPIHaltAll broadcasts a fixed-delivery IPI at haltVector to every
// other CPU, using the "all excluding self" destination shorthand so the
// calling CPU never interrupts itself.
func (l *LAPIC) SendIPIHaltAll(haltVector uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mmio.Write32(l.reg(regICRHigh), 0)
	l.mmio.Write32(l.reg(regICRLow), icrDestShorthandOther|icrDeliveryFixed|uint32(haltVector))
}

// IOAPICDescriptor is one IO-APIC entry as discovered from the ACPI MADT.
// MADT table parsing (checksum validation, SDT walking) is out of scope
// for this package per spec.md's ELF/ACPI-internals non-goals; callers
// supply the already-parsed descriptor list.
type IOAPICDescriptor struct {
	ID      uint8
	Base    addr.MmioAddr
	GSIBase uint32
}

// LegacyOverride records a MADT interrupt-source-override entry that
// redirects a legacy ISA IRQ line to a non-identity GSI with non-default
// polarity/trigger mode.
type LegacyOverride struct {
	IRQLine      uint8
	GSI          uint32
	PolarityLow  bool
	TriggerLevel bool
}

// MADT is the subset of ACPI MADT data the IO-APIC layer needs.
type MADT struct {
	BSPLAPICID uint8
	LAPICBase  addr.MmioAddr
	IOAPICs    []IOAPICDescriptor
	Overrides  []LegacyOverride
}

// IO-APIC register-select/window offsets and redirection-table layout.
const (
	ioRegSel addr.MmioAddr = 0x00
	ioWin    addr.MmioAddr = 0x10
	ioRedTbl addr.MmioAddr = 0x10 // + 2*gsiIndex low dword, +1 high dword
)

// Redirection-entry flag bits (low dword), named after the Rust source's
// IOAPIC_FLAG_* constants.
const (
	FlagDeliveryFixed  uint32 = 0 << 8
	FlagDestPhysical   uint32 = 0 << 11
	FlagPolarityLow    uint32 = 1 << 13
	FlagTriggerLevel   uint32 = 1 << 15
	FlagMask           uint32 = 1 << 16
)

// IOAPIC wraps a single discovered IO-APIC and the legacy-IRQ routing
// table derived from the MADT.
type IOAPIC struct {
	mu       sync.Mutex
	mmio     addr.Mmio
	base     addr.MmioAddr
	gsiBase  uint32
	ready    bool
	legacy   map[uint8]legacyRoute
	maskRefs map[uint32]int
}

type legacyRoute struct {
	gsi          uint32
	polarityLow  bool
	triggerLevel bool
}

// Discover builds the IO-APIC collaborator from MADT data: it selects the
// first reported IO-APIC (multi-IOAPIC systems are out of scope) and the
// identity-unless-overridden legacy IRQ map.
func Discover(mmio addr.Mmio, m MADT) (*IOAPIC, error) {
	if len(m.IOAPICs) == 0 {
		return nil, kerr.NotFound
	}
	desc := m.IOAPICs[0]
	legacy := make(map[uint8]legacyRoute, 16)
	for irq := uint8(0); irq < 16; irq++ {
		legacy[irq] = legacyRoute{gsi: uint32(irq)}
	}
	for _, ov := range m.Overrides {
		legacy[ov.IRQLine] = legacyRoute{gsi: ov.GSI, polarityLow: ov.PolarityLow, triggerLevel: ov.TriggerLevel}
	}
	io := &IOAPIC{
		mmio:     mmio,
		base:     desc.Base,
		gsiBase:  desc.GSIBase,
		ready:    true,
		legacy:   legacy,
		maskRefs: make(map[uint32]int),
	}
	return io, nil
}

// IsReady reports whether the IO-APIC has been discovered and is usable.
func (io *IOAPIC) IsReady() bool {
	io.mu.Lock()
	defer io.mu.Unlock()
	return io.ready
}

// LegacyIRQInfo translates a legacy ISA IRQ line into its GSI and
// polarity/trigger flag bits.
func (io *IOAPIC) LegacyIRQInfo(irqLine uint8) (gsi uint32, flags uint32, err error) {
	io.mu.Lock()
	defer io.mu.Unlock()
	route, ok := io.legacy[irqLine]
	if !ok {
		return 0, 0, kerr.NotFound
	}
	if route.polarityLow {
		flags |= FlagPolarityLow
	}
	if route.triggerLevel {
		flags |= FlagTriggerLevel
	}
	return route.gsi, flags, nil
}

func (io *IOAPIC) selRead(index uint8) uint32 {
	io.mmio.Write32(io.base+ioRegSel, uint32(index))
	return io.mmio.Read32(io.base + ioWin)
}

func (io *IOAPIC) selWrite(index uint8, val uint32) {
	io.mmio.Write32(io.base+ioRegSel, uint32(index))
	io.mmio.Write32(io.base+ioWin, val)
}

// ConfigIRQ programs the redirection-table entry for gsi: vector, target
// lapicID, and the delivery/destination/polarity/trigger/mask flags.
func (io *IOAPIC) ConfigIRQ(gsi uint32, vector uint8, lapicID uint8, flags uint32) error {
	io.mu.Lock()
	defer io.mu.Unlock()
	if gsi < io.gsiBase {
		return kerr.InvalidArgument
	}
	idx := uint8(ioRedTbl) + uint8((gsi-io.gsiBase)*2)
	low := flags | uint32(vector)
	high := uint32(lapicID) << 24
	io.selWrite(idx, low)
	io.selWrite(idx+1, high)
	return nil
}

// setMasked flips the redirection entry's mask bit without touching the
// rest of the entry.
func (io *IOAPIC) setMasked(gsi uint32, masked bool) error {
	if gsi < io.gsiBase {
		return kerr.InvalidArgument
	}
	idx := uint8(ioRedTbl) + uint8((gsi-io.gsiBase)*2)
	low := io.selRead(idx)
	if masked {
		low |= FlagMask
	} else {
		low &^= FlagMask
	}
	io.selWrite(idx, low)
	return nil
}

// MaskGSI increments gsi's mask refcount, masking the line on the 0->1
// transition.
func (io *IOAPIC) MaskGSI(gsi uint32) error {
	io.mu.Lock()
	defer io.mu.Unlock()
	n := io.maskRefs[gsi]
	io.maskRefs[gsi] = n + 1
	if n == 0 {
		return io.setMasked(gsi, true)
	}
	return nil
}

// UnmaskGSI decrements gsi's mask refcount, unmasking the line on the
// 1->0 transition. Unmasking a line with no outstanding mask is a no-op.
func (io *IOAPIC) UnmaskGSI(gsi uint32) error {
	io.mu.Lock()
	defer io.mu.Unlock()
	n := io.maskRefs[gsi]
	if n == 0 {
		return nil
	}
	n--
	io.maskRefs[gsi] = n
	if n == 0 {
		return io.setMasked(gsi, false)
	}
	return nil
}

// ProgramLegacyRoute is the single entry point that wires one legacy IRQ
// line through to a vector: translate to GSI, compute the fixed vector,
// program the redirection entry masked, record the route, then apply
// whatever mask state the caller already wanted (mirrors
// program_ioapic_route in the original driver).
func ProgramLegacyRoute(io *IOAPIC, lapic *LAPIC, irqLine uint8, startMasked bool) error {
	if !lapic.IsEnabled() || !io.IsReady() {
		return kerr.Fatal
	}
	gsi, flags, err := io.LegacyIRQInfo(irqLine)
	if err != nil {
		return err
	}
	vector := IRQBaseVector + irqLine
	lapicID := lapic.GetID()
	progFlags := FlagDeliveryFixed | FlagDestPhysical | flags | FlagMask
	if err := io.ConfigIRQ(gsi, vector, lapicID, progFlags); err != nil {
		return err
	}
	klog.Default.Info("APIC: IOAPIC route IRQ %d -> GSI %d, vector 0x%x", irqLine, gsi, vector)
	// ConfigIRQ always programs the entry masked (progFlags carries
	// FlagMask unconditionally above), and no mask refcount has been
	// taken yet for this GSI. startMasked=true just seats that refcount
	// to match the physical state already in place; startMasked=false
	// must physically unmask directly rather than go through
	// UnmaskGSI's decrement, which would see a zero refcount and no-op,
	// leaving the line masked despite the caller's request.
	io.mu.Lock()
	io.maskRefs[gsi] = 0
	io.mu.Unlock()
	if startMasked {
		return io.MaskGSI(gsi)
	}
	io.mu.Lock()
	defer io.mu.Unlock()
	return io.setMasked(gsi, false)
}
