// Package irq implements the IRQ dispatcher (component M): a table of
// handlers indexed by legacy IRQ line, the timer/keyboard/mouse built-in
// handlers, and the ISR tail that sends EOI and triggers the post-IRQ
// reschedule check.
package irq

import (
	"sync"
	"sync/atomic"

	"github.com/vellum-os/vellum/apic"
	"github.com/vellum-os/vellum/addr"
	"github.com/vellum-os/vellum/kerr"
	"github.com/vellum-os/vellum/klog"
	"github.com/vellum-os/vellum/sched"
)

// IRQLines is the number of legacy ISA IRQ lines the dispatcher indexes.
const IRQLines = 16

// PS/2 controller ports and status bits.
const (
	PS2DataPort   uint16 = 0x60
	PS2StatusPort uint16 = 0x64

	ps2StatusOutputFull uint8 = 0x01 // keyboard byte ready
	ps2StatusAuxData    uint8 = 0x20 // mouse byte ready
)

// Handler is an IRQ line's installed callback. irqLine identifies which
// line fired; ctx is whatever RegisterHandler was given.
type Handler func(irqLine uint8, ctx any)

type handlerEntry struct {
	fn        Handler
	ctx       any
	installed bool
}

// Dispatcher owns the per-line handler table for one CPU's interrupt
// controller and drives the timer tick counter and PS/2 polling.
type Dispatcher struct {
	mu       sync.Mutex
	handlers [IRQLines]handlerEntry

	ports addr.PortIO
	lapic *apic.LAPIC
	sched *sched.Scheduler
	cpuID int

	timerTicks     atomic.Uint64
	keyboardEvents atomic.Uint64
}

// NewDispatcher builds a dispatcher bound to one CPU's LAPIC and the
// shared scheduler; cpuID is the owning CPU's index into sched.Scheduler.
func NewDispatcher(cpuID int, lapic *apic.LAPIC, ports addr.PortIO, s *sched.Scheduler) *Dispatcher {
	return &Dispatcher{ports: ports, lapic: lapic, sched: s, cpuID: cpuID}
}

// RegisterHandler installs fn (with ctx) at irqLine, replacing whatever
// was there before.
func (d *Dispatcher) RegisterHandler(irqLine uint8, fn Handler, ctx any) error {
	if irqLine >= IRQLines || fn == nil {
		return kerr.InvalidArgument
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[irqLine] = handlerEntry{fn: fn, ctx: ctx, installed: true}
	return nil
}

// IncrementTimerTicks bumps the canonical tick counter.
func (d *Dispatcher) IncrementTimerTicks() { d.timerTicks.Add(1) }

// TimerTicks returns the canonical tick counter's current value.
func (d *Dispatcher) TimerTicks() uint64 { return d.timerTicks.Load() }

// IncrementKeyboardEvents bumps the keyboard-scancode counter.
func (d *Dispatcher) IncrementKeyboardEvents() { d.keyboardEvents.Add(1) }

// KeyboardEvents returns the keyboard-scancode counter's current value.
func (d *Dispatcher) KeyboardEvents() uint64 { return d.keyboardEvents.Load() }

// Dispatch runs the handler installed at irqLine, sends LAPIC EOI, then
// calls the scheduler's post-IRQ reschedule check. EnterIRQ/ExitIRQ
// bracket the handler invocation so nested interrupts suppress dispatch
// until the outermost ISR returns.
func (d *Dispatcher) Dispatch(irqLine uint8) error {
	if irqLine >= IRQLines {
		return kerr.InvalidArgument
	}
	d.mu.Lock()
	entry := d.handlers[irqLine]
	d.mu.Unlock()

	d.sched.EnterIRQ(d.cpuID)
	if entry.installed {
		entry.fn(irqLine, entry.ctx)
	}
	d.lapic.SendEOI()
	d.sched.ExitIRQ(d.cpuID)
	return d.sched.SchedulerHandlePostIRQ(d.cpuID)
}

// TimerHandler increments the tick counter, logs the first few ticks,
// and drives the scheduler's timer-tick accounting.
func TimerHandler(d *Dispatcher) Handler {
	return func(irqLine uint8, ctx any) {
		d.IncrementTimerTicks()
		if tick := d.TimerTicks(); tick <= 3 {
			klog.Default.Debug("IRQ: timer tick #%d", tick)
		}
		d.sched.SchedulerTimerTick(d.cpuID)
	}
}

// KeyboardHandler polls the PS/2 status register's output-full bit
// before reading the data port, so a stray IRQ with nothing queued is a
// no-op. onScancode receives the raw scancode byte when present.
func KeyboardHandler(d *Dispatcher, onScancode func(scancode uint8)) Handler {
	return func(irqLine uint8, ctx any) {
		status := d.ports.In8(PS2StatusPort)
		if status&ps2StatusOutputFull == 0 {
			return
		}
		scancode := d.ports.In8(PS2DataPort)
		d.IncrementKeyboardEvents()
		if onScancode != nil {
			onScancode(scancode)
		}
	}
}

// MouseHandler polls the PS/2 status register's aux-data bit before
// reading the data port. onByte receives the raw packet byte when
// present.
func MouseHandler(d *Dispatcher, onByte func(b uint8)) Handler {
	return func(irqLine uint8, ctx any) {
		status := d.ports.In8(PS2StatusPort)
		if status&ps2StatusAuxData == 0 {
			return
		}
		data := d.ports.In8(PS2DataPort)
		if onByte != nil {
			onByte(data)
		}
	}
}

// Init programs the IO-APIC routes for the four legacy lines this
// package drives (timer, keyboard, COM1, mouse) and installs the
// built-in timer/keyboard/mouse handlers, leaving COM1 unclaimed for a
// higher layer to register.
func Init(d *Dispatcher, io *apic.IOAPIC, onScancode func(uint8), onMouseByte func(uint8)) error {
	lines := []uint8{apic.LegacyIRQTimer, apic.LegacyIRQKeyboard, apic.LegacyIRQCOM1, apic.LegacyIRQMouse}
	for _, line := range lines {
		if err := apic.ProgramLegacyRoute(io, d.lapic, line, true); err != nil {
			return err
		}
	}
	if err := d.RegisterHandler(apic.LegacyIRQTimer, TimerHandler(d), nil); err != nil {
		return err
	}
	if err := d.RegisterHandler(apic.LegacyIRQKeyboard, KeyboardHandler(d, onScancode), nil); err != nil {
		return err
	}
	if err := d.RegisterHandler(apic.LegacyIRQMouse, MouseHandler(d, onMouseByte), nil); err != nil {
		return err
	}

	for _, line := range []uint8{apic.LegacyIRQTimer, apic.LegacyIRQKeyboard, apic.LegacyIRQMouse} {
		gsi, _, err := io.LegacyIRQInfo(line)
		if err != nil {
			return err
		}
		if err := io.UnmaskGSI(gsi); err != nil {
			return err
		}
	}
	return nil
}
