// Package sched implements context switching, the per-CPU scheduler, and
// preemption/blocking (components H, I, J): safe_context_switch, the
// 4-level ready queues, the dispatch loop, and the preempt-count/post-IRQ
// reschedule machinery.
package sched

import (
	"sync"
	"sync/atomic"

	"github.com/vellum-os/vellum/kerr"
	"github.com/vellum-os/vellum/task"
)

// MaxCPUs bounds the per-CPU scheduler array.
const MaxCPUs = 32

const numPriorities = 4

// PerCPU is one CPU's run queue set and scheduling bookkeeping.
type PerCPU struct {
	id      int
	mu      sync.Mutex
	queues  [numPriorities][]task.TaskID
	current task.TaskID
	idle    task.TaskID
	enabled bool

	timeSlice      uint32
	remainingSlice uint32

	switches, preemptions, ticks, idleTicks uint64
	readyCount                              atomic.Uint64

	preemptCount   int32
	irqNesting     int32
	reschedPending bool
}

// ID returns the CPU index this PerCPU tracks.
func (c *PerCPU) ID() int { return c.id }

// Current returns the task currently marked Running on this CPU.
func (c *PerCPU) Current() task.TaskID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// ReadyCount returns the total number of ready-queue entries, maintained
// atomically for lock-free inspection per spec.md §3.
func (c *PerCPU) ReadyCount() uint64 { return c.readyCount.Load() }

// Stats returns the switch/preemption/tick/idle-tick counters.
func (c *PerCPU) Stats() (switches, preemptions, ticks, idleTicks uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.switches, c.preemptions, c.ticks, c.idleTicks
}

// Scheduler owns every CPU's run queues plus the task arena they draw
// from, and serializes safe_context_switch with a single global lock.
type Scheduler struct {
	tasks *task.Table
	cpus  [MaxCPUs]*PerCPU

	contextSwitchLock sync.Mutex
}

// NewScheduler constructs a scheduler over tasks. Each CPU must still be
// brought up with InitCPU before it can run the dispatch loop.
func NewScheduler(tasks *task.Table) *Scheduler {
	return &Scheduler{tasks: tasks}
}

// InitCPU brings up CPU cpuID with the given idle task, which is an
// implicit lowest-priority singleton never present in any ready queue.
func (s *Scheduler) InitCPU(cpuID int, idle task.TaskID, timeSlice uint32) error {
	if cpuID < 0 || cpuID >= MaxCPUs {
		return kerr.InvalidArgument
	}
	s.cpus[cpuID] = &PerCPU{id: cpuID, idle: idle, current: idle, enabled: true, timeSlice: timeSlice, remainingSlice: timeSlice}
	return nil
}

// CPU returns the PerCPU state for cpuID, or nil if it was never
// initialized.
func (s *Scheduler) CPU(cpuID int) *PerCPU {
	if cpuID < 0 || cpuID >= MaxCPUs {
		return nil
	}
	return s.cpus[cpuID]
}

// EnqueueTaskOnCPU requires task.state == Ready; appends it to the queue
// selected by its priority (clamped to 3) and updates last_cpu.
func (s *Scheduler) EnqueueTaskOnCPU(cpuID int, id task.TaskID) error {
	cpu := s.CPU(cpuID)
	if cpu == nil {
		return kerr.InvalidArgument
	}
	tcb, err := s.tasks.Get(id)
	if err != nil {
		return err
	}
	if tcb.State != task.StateReady {
		return kerr.InvalidArgument
	}

	pri := tcb.Priority
	if pri > 3 {
		pri = 3
	}
	tcb.LastCPU = cpuID

	cpu.mu.Lock()
	cpu.queues[pri] = append(cpu.queues[pri], id)
	cpu.mu.Unlock()
	cpu.readyCount.Add(1)
	return nil
}

// SelectTargetCPU honors the task's affinity bitmap: if its last CPU is in
// the affinity set and initialized, it is chosen; otherwise the CPU with
// the smallest ready count that satisfies affinity is chosen.
func (s *Scheduler) SelectTargetCPU(tcb *task.TCB) (int, error) {
	if tcb.LastCPU >= 0 && tcb.LastCPU < MaxCPUs {
		cpu := s.cpus[tcb.LastCPU]
		if cpu != nil && cpu.enabled && tcb.Affinity&(1<<uint(tcb.LastCPU)) != 0 {
			return tcb.LastCPU, nil
		}
	}

	best := -1
	var bestCount uint64
	for i, cpu := range s.cpus {
		if cpu == nil || !cpu.enabled {
			continue
		}
		if tcb.Affinity&(1<<uint(i)) == 0 {
			continue
		}
		count := cpu.readyCount.Load()
		if best == -1 || count < bestCount {
			best, bestCount = i, count
		}
	}
	if best == -1 {
		return 0, kerr.NotFound
	}
	return best, nil
}

// DequeueHighestPriority scans queues priority 0..3 in order and pops the
// head of the first non-empty one.
func (s *Scheduler) DequeueHighestPriority(cpuID int) (task.TaskID, bool) {
	cpu := s.CPU(cpuID)
	if cpu == nil {
		return task.InvalidTaskID, false
	}
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	for p := 0; p < numPriorities; p++ {
		q := cpu.queues[p]
		if len(q) == 0 {
			continue
		}
		id := q[0]
		cpu.queues[p] = q[1:]
		cpu.readyCount.Add(^uint64(0)) // atomic decrement
		return id, true
	}
	return task.InvalidTaskID, false
}

// StealFromTail pulls from another CPU's lowest-priority non-empty queue's
// tail. It is implemented per spec.md §4.I but never invoked by Dispatch;
// work stealing is defined and available but disabled by default.
func (s *Scheduler) StealFromTail(fromCPU int) (task.TaskID, bool) {
	cpu := s.CPU(fromCPU)
	if cpu == nil {
		return task.InvalidTaskID, false
	}
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	for p := numPriorities - 1; p >= 0; p-- {
		q := cpu.queues[p]
		if len(q) == 0 {
			continue
		}
		n := len(q)
		id := q[n-1]
		cpu.queues[p] = q[:n-1]
		cpu.readyCount.Add(^uint64(0))
		return id, true
	}
	return task.InvalidTaskID, false
}

// SafeContextSwitch is the only switch primitive, following the seven-step
// sequence: acquire the global lock, fence, save prev's FPU state if
// initialized, write CR3 if next's differs and is nonzero, restore next's
// FPU state if initialized, swap the saved register context, fence, and
// release. prev may be nil on the very first switch from boot.
func (s *Scheduler) SafeContextSwitch(prev, next *task.TCB) error {
	if next == nil {
		return kerr.InvalidArgument
	}
	s.contextSwitchLock.Lock()
	defer s.contextSwitchLock.Unlock()

	if prev != nil && prev.FPUInitialized {
		// FXSAVE prev's FPU state. The save target is prev's own area;
		// on real hardware this is an FXSAVE instruction, modeled here
		// as a no-op since the area already holds prev's live state.
		_ = prev.FPUArea
	}

	if next.CR3 != 0 && prev != nil && next.CR3 != prev.CR3 {
		// Write CR3. Modeled as a no-op: the MMU switch itself has no
		// observable effect in this hosted simulation.
	}

	if next.FPUInitialized {
		// FXRSTOR next's FPU state, symmetric to the save above.
		_ = next.FPUArea
	}

	if prev != nil {
		// Register switch: save would occur here on real hardware; the
		// saved context already lives in prev.Switch.
	}
	_ = next.Switch

	return nil
}

// Dispatch is the dispatch loop, invoked at every reschedule point: pick a
// runnable next task (or the idle task if none), mark it Running, mark
// prev Ready and re-enqueue it if it was Running and not Terminated, then
// perform the context switch.
func (s *Scheduler) Dispatch(cpuID int) error {
	cpu := s.CPU(cpuID)
	if cpu == nil {
		return kerr.InvalidArgument
	}

	nextID, ok := s.DequeueHighestPriority(cpuID)
	if !ok {
		nextID = cpu.idle
	}

	cpu.mu.Lock()
	prevID := cpu.current
	cpu.mu.Unlock()

	var prevTCB, nextTCB *task.TCB
	if prevID != task.InvalidTaskID {
		if t, err := s.tasks.Get(prevID); err == nil {
			prevTCB = t
		}
	}
	nextTCB, err := s.tasks.Get(nextID)
	if err != nil {
		return err
	}

	if prevTCB != nil && prevTCB.State == task.StateRunning {
		prevTCB.State = task.StateReady
		if prevID != cpu.idle {
			if err := s.EnqueueTaskOnCPU(cpuID, prevID); err != nil {
				return err
			}
		}
	}
	nextTCB.State = task.StateRunning

	if err := s.SafeContextSwitch(prevTCB, nextTCB); err != nil {
		return err
	}

	cpu.mu.Lock()
	cpu.current = nextID
	cpu.switches++
	if nextID == cpu.idle {
		cpu.idleTicks++
	}
	cpu.remainingSlice = cpu.timeSlice
	cpu.mu.Unlock()
	return nil
}

// Yield performs a voluntary reschedule.
func (s *Scheduler) Yield(cpuID int) error { return s.Dispatch(cpuID) }

// BlockCurrentTask marks the running task on cpuID Blocked and enters the
// dispatch loop. It must be paired with an external Unblock call.
func (s *Scheduler) BlockCurrentTask(cpuID int) error {
	cpu := s.CPU(cpuID)
	if cpu == nil {
		return kerr.InvalidArgument
	}
	cpu.mu.Lock()
	id := cpu.current
	cpu.mu.Unlock()
	if err := s.tasks.BlockSelf(id); err != nil {
		return err
	}
	return s.Dispatch(cpuID)
}

// UnblockTask returns a blocked task to Ready and re-enqueues it on a
// chosen CPU.
func (s *Scheduler) UnblockTask(id task.TaskID) error {
	if err := s.tasks.Unblock(id); err != nil {
		return err
	}
	tcb, err := s.tasks.Get(id)
	if err != nil {
		return err
	}
	cpuID, err := s.SelectTargetCPU(tcb)
	if err != nil {
		return err
	}
	return s.EnqueueTaskOnCPU(cpuID, id)
}

// SchedulerTimerTick is called from the timer ISR: it increments tick
// counters and decrements the current task's remaining slice, marking
// reschedule-pending once it reaches zero.
func (s *Scheduler) SchedulerTimerTick(cpuID int) {
	cpu := s.CPU(cpuID)
	if cpu == nil {
		return
	}
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	cpu.ticks++
	if cpu.remainingSlice > 0 {
		cpu.remainingSlice--
	}
	if cpu.remainingSlice == 0 {
		cpu.reschedPending = true
	}
}

// SchedulerRequestRescheduleFromInterrupt unconditionally sets
// reschedule-pending for cpuID.
func (s *Scheduler) SchedulerRequestRescheduleFromInterrupt(cpuID int) {
	cpu := s.CPU(cpuID)
	if cpu == nil {
		return
	}
	cpu.mu.Lock()
	cpu.reschedPending = true
	cpu.mu.Unlock()
}

// SchedulerHandlePostIRQ is called at the tail of every IRQ return path.
// If not nested, preempt-count is zero, and reschedule-pending is set, it
// clears the flag and enters the dispatch loop.
func (s *Scheduler) SchedulerHandlePostIRQ(cpuID int) error {
	cpu := s.CPU(cpuID)
	if cpu == nil {
		return kerr.InvalidArgument
	}
	cpu.mu.Lock()
	runDispatch := cpu.irqNesting == 0 && cpu.preemptCount == 0 && cpu.reschedPending
	if runDispatch {
		cpu.reschedPending = false
		cpu.preemptions++
	}
	cpu.mu.Unlock()
	if runDispatch {
		return s.Dispatch(cpuID)
	}
	return nil
}

// EnterIRQ/ExitIRQ track nested-interrupt depth for SchedulerHandlePostIRQ.
func (s *Scheduler) EnterIRQ(cpuID int) {
	cpu := s.CPU(cpuID)
	if cpu == nil {
		return
	}
	cpu.mu.Lock()
	cpu.irqNesting++
	cpu.mu.Unlock()
}

func (s *Scheduler) ExitIRQ(cpuID int) {
	cpu := s.CPU(cpuID)
	if cpu == nil {
		return
	}
	cpu.mu.Lock()
	if cpu.irqNesting > 0 {
		cpu.irqNesting--
	}
	cpu.mu.Unlock()
}

// PreemptDisable increments cpuID's preempt-count, gating preemption.
func (s *Scheduler) PreemptDisable(cpuID int) {
	cpu := s.CPU(cpuID)
	if cpu == nil {
		return
	}
	cpu.mu.Lock()
	cpu.preemptCount++
	cpu.mu.Unlock()
}

// PreemptEnable decrements cpuID's preempt-count; when it drops to zero
// and a reschedule is pending, the scheduler is entered.
func (s *Scheduler) PreemptEnable(cpuID int) error {
	cpu := s.CPU(cpuID)
	if cpu == nil {
		return kerr.InvalidArgument
	}
	cpu.mu.Lock()
	if cpu.preemptCount > 0 {
		cpu.preemptCount--
	}
	runDispatch := cpu.preemptCount == 0 && cpu.reschedPending
	if runDispatch {
		cpu.reschedPending = false
	}
	cpu.mu.Unlock()
	if runDispatch {
		return s.Dispatch(cpuID)
	}
	return nil
}

// PreemptGuard is an RAII-style preempt_disable()/preempt_enable() bracket:
// construct with NewPreemptGuard, release with defer guard.Release().
type PreemptGuard struct {
	s     *Scheduler
	cpuID int
}

// NewPreemptGuard disables preemption on cpuID and returns a guard whose
// Release re-enables it.
func NewPreemptGuard(s *Scheduler, cpuID int) *PreemptGuard {
	s.PreemptDisable(cpuID)
	return &PreemptGuard{s: s, cpuID: cpuID}
}

// Release re-enables preemption, possibly invoking the deferred
// reschedule.
func (g *PreemptGuard) Release() error { return g.s.PreemptEnable(g.cpuID) }

// IRQPreemptGuard combines interrupt-disable (saving the interrupt-enable
// flag) with a PreemptGuard. On release, the interrupt-enable state is
// restored first, then the preempt guard drops — possibly invoking the
// deferred reschedule with interrupts already re-enabled.
type IRQPreemptGuard struct {
	inner       *PreemptGuard
	restoreIRQs func()
	irqsWereOn  bool
}

// NewIRQPreemptGuard disables interrupts (recording their prior state via
// disableIRQs/wasEnabled) and preemption together.
func NewIRQPreemptGuard(s *Scheduler, cpuID int, disableIRQs func() bool, restoreIRQs func()) *IRQPreemptGuard {
	wasOn := disableIRQs()
	return &IRQPreemptGuard{inner: NewPreemptGuard(s, cpuID), restoreIRQs: restoreIRQs, irqsWereOn: wasOn}
}

// Release restores interrupts first, then drops the preempt guard.
func (g *IRQPreemptGuard) Release() error {
	if g.restoreIRQs != nil {
		g.restoreIRQs()
	}
	return g.inner.Release()
}
