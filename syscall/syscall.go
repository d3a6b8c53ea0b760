// Package syscall implements the int 0x80 trap entry and dispatch table
// (component N): the 24-entry syscall table, six-argument extraction, and
// the typed SyscallContext accessors/return builders. HandleTrap works on
// the trap frame in place; it does not copy it into the calling task.
package syscall

import (
	"github.com/vellum-os/vellum/addr"
	"github.com/vellum-os/vellum/kerr"
	"github.com/vellum-os/vellum/klog"
	"github.com/vellum-os/vellum/task"
	"github.com/vellum-os/vellum/usercopy"
)

// Fixed syscall numbers, per spec.md §6.
const (
	NumYield           uint64 = 0
	NumExit            uint64 = 1
	NumWrite           uint64 = 2
	NumRead            uint64 = 3
	NumRoulette        uint64 = 4
	NumSleepMs         uint64 = 5
	NumFbInfo          uint64 = 6
	NumGfxFillRect     uint64 = 7
	NumGfxDrawLine     uint64 = 8
	NumGfxDrawCircle   uint64 = 9
	NumGfxDrawCircleFl uint64 = 10
	NumFontDraw        uint64 = 11
	NumRandomNext      uint64 = 12
	NumRouletteResult  uint64 = 13
	NumFsOpen          uint64 = 14
	NumFsClose         uint64 = 15
	NumFsRead          uint64 = 16
	NumFsWrite         uint64 = 17
	NumFsStat          uint64 = 18
	NumFsMkdir         uint64 = 19
	NumFsUnlink        uint64 = 20
	NumFsList          uint64 = 21
	NumSysInfo         uint64 = 22
	NumHalt            uint64 = 23
)

// NumSyscalls is the size of the dispatch table (numbers 0..23).
const NumSyscalls = 24

// ErrReturn is the wire value an errored syscall returns in rax.
const ErrReturn uint64 = ^uint64(0)

// Bounded user-I/O ceilings shared with usercopy.
const (
	UserPathMax    = usercopy.USER_PATH_MAX
	UserIOMaxBytes = usercopy.USER_IO_MAX_BYTES
)

// Frame is the trap frame captured on entry via int 0x80: rax carries the
// syscall number in and the return value out; the six System V argument
// registers are exposed directly.
type Frame struct {
	RAX                       uint64
	RDI, RSI, RDX, RCX, R8, R9 uint64
}

// Args is the six-argument extraction from a Frame (System V AMD64 ABI).
type Args struct {
	arg0, arg1, arg2, arg3, arg4, arg5 uint64
}

func argsFromFrame(f *Frame) Args {
	return Args{arg0: f.RDI, arg1: f.RSI, arg2: f.RDX, arg3: f.RCX, arg4: f.R8, arg5: f.R9}
}

func (a Args) Arg0U32() uint32    { return uint32(a.arg0) }
func (a Args) Arg0I32() int32     { return int32(a.arg0) }
func (a Args) Arg0Usize() uintptr { return uintptr(a.arg0) }
func (a Args) Arg1U32() uint32 { return uint32(a.arg1) }
func (a Args) Arg1I32() int32  { return int32(a.arg1) }
func (a Args) Arg1Usize() uintptr { return uintptr(a.arg1) }
func (a Args) Arg2U32() uint32 { return uint32(a.arg2) }
func (a Args) Arg2I32() int32  { return int32(a.arg2) }
func (a Args) Arg2Usize() uintptr { return uintptr(a.arg2) }
func (a Args) Arg3U32() uint32 { return uint32(a.arg3) }
func (a Args) Arg3I32() int32  { return int32(a.arg3) }
func (a Args) Arg4U32() uint32 { return uint32(a.arg4) }
func (a Args) Arg5U32() uint32 { return uint32(a.arg5) }

// UserPtr is a typed view of a raw user-space virtual address, mirroring
// the original's arg1_ptr<T>() cast without ever actually dereferencing a
// Go pointer into user memory — callers still route through usercopy.
type UserPtr[T any] struct {
	Addr addr.VirtAddr
}

func Arg0Ptr[T any](a Args) UserPtr[T] { return UserPtr[T]{Addr: addr.VirtAddr(a.arg0)} }
func Arg1Ptr[T any](a Args) UserPtr[T] { return UserPtr[T]{Addr: addr.VirtAddr(a.arg1)} }
func Arg2Ptr[T any](a Args) UserPtr[T] { return UserPtr[T]{Addr: addr.VirtAddr(a.arg2)} }

// Context wraps the task/frame pair a syscall handler operates on,
// exposing typed argument accessors and the Ok/Err return builders.
type Context struct {
	tasks  *task.Table
	taskID task.TaskID
	frame  *Frame
	args   Args
}

// NewContext builds a Context, returning ok=false if frame is nil
// (mirrors SyscallContext::new returning None for a null frame).
func NewContext(tasks *task.Table, taskID task.TaskID, frame *Frame) (*Context, bool) {
	if frame == nil {
		return nil, false
	}
	return &Context{tasks: tasks, taskID: taskID, frame: frame, args: argsFromFrame(frame)}, true
}

// Args returns the six extracted argument registers.
func (c *Context) Args() Args { return c.args }

// TaskID returns the calling task's id.
func (c *Context) TaskID() task.TaskID { return c.taskID }

// Task returns the calling task's TCB.
func (c *Context) Task() (*task.TCB, error) { return c.tasks.Get(c.taskID) }

// HasFlag reports whether the calling task has flag set.
func (c *Context) HasFlag(flag task.Flags) bool {
	tcb, err := c.Task()
	if err != nil {
		return false
	}
	return tcb.Flags&flag != 0
}

// IsCompositor reports whether the calling task holds the compositor flag.
func (c *Context) IsCompositor() bool { return c.HasFlag(task.FlagCompositor) }

// IsDisplayExclusive reports whether the calling task holds the
// display-exclusive flag.
func (c *Context) IsDisplayExclusive() bool { return c.HasFlag(task.FlagDisplayExclusive) }

// Ok writes value into rax.
func (c *Context) Ok(value uint64) { c.frame.RAX = value }

// Err writes the error sentinel into rax.
func (c *Context) Err() { c.frame.RAX = ErrReturn }

// RequireCompositor returns kerr.PermissionDenied (after calling Err) if
// the calling task lacks the compositor flag.
func (c *Context) RequireCompositor() error {
	if !c.IsCompositor() {
		c.Err()
		return kerr.PermissionDenied
	}
	return nil
}

// RequireDisplayExclusive returns kerr.PermissionDenied (after calling
// Err) if the calling task lacks the display-exclusive flag.
func (c *Context) RequireDisplayExclusive() error {
	if !c.IsDisplayExclusive() {
		c.Err()
		return kerr.PermissionDenied
	}
	return nil
}

// Handler is one syscall's implementation. It must call ctx.Ok or ctx.Err
// exactly once.
type Handler func(ctx *Context)

// Table is the fixed 24-entry syscall dispatch table.
type Table struct {
	entries [NumSyscalls]Handler
}

// NewTable returns an empty dispatch table; Install populates entries.
func NewTable() *Table { return &Table{} }

// Install registers handler at number. number must be < NumSyscalls.
func (t *Table) Install(number uint64, handler Handler) error {
	if number >= NumSyscalls || handler == nil {
		return kerr.InvalidArgument
	}
	t.entries[number] = handler
	return nil
}

// Lookup returns the handler installed at number, if any.
func (t *Table) Lookup(number uint64) (Handler, bool) {
	if number >= NumSyscalls {
		return nil, false
	}
	h := t.entries[number]
	return h, h != nil
}

// HandleTrap is the int 0x80 entry point: it validates the calling task,
// marks it non-preemptible for the duration of the handler (so a context
// switch never lands mid-dispatch), looks up rax in table, and invokes
// the handler with a fresh Context. An invalid calling task gets the
// error sentinel with its flags untouched; an unknown syscall number also
// gets the error sentinel, and the no-preempt flag is cleared on return.
func HandleTrap(tasks *task.Table, table *Table, taskID task.TaskID, frame *Frame) {
	if frame == nil {
		return
	}
	tcb, err := tasks.Get(taskID)
	if err != nil || tcb.Flags&task.FlagUserMode == 0 {
		frame.RAX = ErrReturn
		return
	}

	tcb.Flags |= task.FlagNoPreempt
	defer func() { tcb.Flags &^= task.FlagNoPreempt }()

	sysno := frame.RAX
	handler, ok := table.Lookup(sysno)
	if !ok {
		klog.Default.Info("SYSCALL: unknown syscall %d", sysno)
		frame.RAX = ErrReturn
		return
	}

	ctx, ok := NewContext(tasks, taskID, frame)
	if !ok {
		return
	}
	handler(ctx)
}
