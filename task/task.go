// Package task implements the task model (component G): task control
// blocks held in a fixed-size arena indexed by stable TaskID, never by raw
// pointer, per the redesign away from the original's intrusive-pointer
// ready-queue links.
package task

import (
	"sync"

	"github.com/vellum-os/vellum/addr"
	"github.com/vellum-os/vellum/kerr"
	"golang.org/x/text/unicode/norm"
)

// MaxTasks bounds the task arena; id 0 is reserved as invalid and slot
// indices run 1..MaxTasks-1.
const MaxTasks = 1024

// InvalidTaskID is never assigned to a live task.
const InvalidTaskID TaskID = 0

// TaskID is a stable arena index; it is never reused for a different task
// without its generation advancing.
type TaskID uint32

// State is the task lifecycle state.
type State uint8

const (
	StateFree State = iota // slot not currently owned by any task
	StateReady
	StateRunning
	StateBlocked
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateTerminated:
		return "terminated"
	default:
		return "?"
	}
}

// Flags are the per-task mode/behavior bits.
type Flags uint16

const (
	FlagKernelMode Flags = 1 << iota
	FlagUserMode
	FlagCompositor
	FlagDisplayExclusive
	FlagNoPreempt
)

// SwitchContext is the saved register state safe_context_switch swaps in
// and out: callee-saved general registers plus RSP/RIP/RFLAGS.
type SwitchContext struct {
	RBX, RBP, R12, R13, R14, R15 uintptr
	RSP, RIP, RFLAGS             uintptr
}

// EntryFunc is the trampoline target installed by InitTaskSwitchContext.
// The core never calls it directly — on real hardware the first context
// switch into a task resumes execution at a trampoline that invokes it —
// it is recorded here only so tests can assert on what was installed.
type EntryFunc func(arg uintptr)

// TCB is one task control block.
type TCB struct {
	ID         TaskID
	generation uint32
	ProcessID  uint32
	Name       string
	State      State
	Priority   uint8 // 0..3, clamped on enqueue
	Affinity   uint64
	Flags      Flags

	Switch SwitchContext
	CR3    addr.PhysAddr

	LastCPU   int
	NextReady TaskID // intrusive ready-queue link, by id not pointer

	FPUArea        [512]byte
	FPUInitialized bool

	WaitingOn TaskID // joins: task id this one is blocked waiting on

	Fate [2]int64 // opaque scratch pair; the core never reads it

	Entry    EntryFunc
	EntryArg uintptr
	started  bool
}

// Generation returns the slot-reuse counter for this TCB, letting a caller
// that stashed a TaskID detect whether the slot has since been recycled.
func (t *TCB) Generation() uint32 { return t.generation }

// Table is the fixed-size task arena.
type Table struct {
	mu    sync.Mutex
	slots []TCB
	free  []TaskID
}

// NewTable allocates an arena of the given capacity (kernel.Boot passes
// Config.MaxTasks).
// Slot 0 is reserved as InvalidTaskID and never handed out.
func NewTable(capacity int) *Table {
	t := &Table{slots: make([]TCB, capacity)}
	for i := capacity - 1; i >= 1; i-- {
		t.slots[i].ID = TaskID(i)
		t.free = append(t.free, TaskID(i))
	}
	return t
}

// Create allocates a task, returning its id. A user-mode task is always
// created inside an existing process id; a kernel task passes process
// id 0 and runs in the kernel's own directory. name is
// NFC-normalized before storage.
func (t *Table) Create(name string, processID uint32, priority uint8, flags Flags) (TaskID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.free) == 0 {
		return InvalidTaskID, kerr.AllocationFailed
	}
	id := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]

	slot := &t.slots[id]
	slot.generation++
	slot.ProcessID = processID
	slot.Name = norm.NFC.String(name)
	slot.State = StateReady
	slot.Priority = clampPriority(priority)
	slot.Affinity = ^uint64(0)
	slot.Flags = flags
	slot.Switch = SwitchContext{}
	slot.CR3 = 0
	slot.LastCPU = -1
	slot.NextReady = InvalidTaskID
	slot.FPUInitialized = false
	slot.WaitingOn = InvalidTaskID
	slot.Fate = [2]int64{}
	slot.Entry = nil
	slot.EntryArg = 0
	slot.started = false
	return id, nil
}

func clampPriority(p uint8) uint8 {
	if p > 3 {
		return 3
	}
	return p
}

// Get returns the TCB for id, or an error if id is out of range or the
// slot is currently free.
func (t *Table) Get(id TaskID) (*TCB, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tcb, err := t.get(id)
	return tcb, err
}

func (t *Table) get(id TaskID) (*TCB, error) {
	if id == InvalidTaskID || int(id) >= len(t.slots) {
		return nil, kerr.InvalidArgument
	}
	tcb := &t.slots[id]
	if tcb.State == StateFree {
		return nil, kerr.NotFound
	}
	return tcb, nil
}

// InitTaskSwitchContext records stackTop as the saved RSP and stores
// entry and arg on the TCB. It does not set the saved RIP, and nothing in
// this package calls entry or Terminate when entry returns.
func (t *Table) InitTaskSwitchContext(id TaskID, stackTop uintptr, entry EntryFunc, arg uintptr) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tcb, err := t.get(id)
	if err != nil {
		return err
	}
	tcb.Switch.RSP = stackTop
	tcb.Entry = entry
	tcb.EntryArg = arg
	tcb.started = false
	return nil
}

// BlockSelf transitions id from Running or Ready to Blocked. Blocking an
// already-Blocked task is a programming error, reported rather than
// panicking.
func (t *Table) BlockSelf(id TaskID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tcb, err := t.get(id)
	if err != nil {
		return err
	}
	if tcb.State == StateBlocked {
		return kerr.InvalidArgument
	}
	if tcb.State == StateTerminated {
		return kerr.InvalidArgument
	}
	tcb.State = StateBlocked
	return nil
}

// Unblock transitions id from Blocked back to Ready. The caller
// (scheduler) is responsible for re-enqueuing it on a chosen CPU.
func (t *Table) Unblock(id TaskID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tcb, err := t.get(id)
	if err != nil {
		return err
	}
	if tcb.State != StateBlocked {
		return kerr.InvalidArgument
	}
	tcb.State = StateReady
	return nil
}

// Terminate transitions id to Terminated from any non-free state. The slot
// is not reclaimed until Reap is called.
func (t *Table) Terminate(id TaskID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tcb, err := t.get(id)
	if err != nil {
		return err
	}
	tcb.State = StateTerminated
	return nil
}

// Reap returns a Terminated task's slot to the free list so its id can be
// reused; the generation counter advances on the next Create.
func (t *Table) Reap(id TaskID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	tcb, err := t.get(id)
	if err != nil {
		return err
	}
	if tcb.State != StateTerminated {
		return kerr.InvalidArgument
	}
	tcb.State = StateFree
	t.free = append(t.free, id)
	return nil
}
