package ke

import (
	"sync"
	"sync/atomic"

	"keyronex/internal/dpc"
	"keyronex/internal/ipl"
	"keyronex/internal/klimits"
	"keyronex/internal/rcu"
)

// RescheduleReason records why a CPU's dispatch loop should call
// reschedule after draining its DPC queue (ki_dispatch_dpcs' tail
// check).
type RescheduleReason int32

const (
	ReasonNone RescheduleReason = iota
	ReasonPreempted
)

// CPU is one virtual processor: its IPL state, DPC queue, RCU bookkeeping,
// run queue and idle thread.
type CPU struct {
	num int

	ipl   *ipl.CPUState
	dpcQ  *dpc.Queue
	rcu   *rcu.PerCPU

	schedLock *ipl.Spinlock
	runq      []*Thread

	idleThread *Thread
	curThread  *Thread

	rescheduleReason RescheduleReason

	doneThreadDPC *dpc.Dpc
	preemptDPC    *dpc.Dpc
}

var (
	cpusMu sync.Mutex
	cpus   []*CPU

	idleMask atomic.Uint64

	doneMu    sync.Mutex
	doneQueue []*Thread
)

// NewCPU constructs CPU number num with its idle thread, wiring its DPC
// queue and RCU per-CPU state (kcpu_t, ki_cpu_init).
func NewCPU(num int) *CPU {
	cpu := &CPU{num: num, schedLock: ipl.NewSpinlock(ipl.DPC)}
	cpu.ipl = ipl.NewCPUState()
	cpu.dpcQ = dpc.NewQueue(cpu.ipl)
	cpu.rcu = rcu.NewPerCPU(num, cpu.dpcQ, cpu.ipl)

	cpu.idleThread = &Thread{Name: "idle", lock: ipl.NewSpinlock(ipl.DPC), state: Running, lastCPU: cpu}
	cpu.curThread = cpu.idleThread

	cpu.doneThreadDPC = dpc.New(func(any) { drainDoneQueue() }, nil)
	cpu.preemptDPC = dpc.New(func(any) { cpu.requestReschedule() }, nil)

	cpusMu.Lock()
	cpus = append(cpus, cpu)
	idleMask.Or(uint64(1) << uint(num))
	cpusMu.Unlock()

	return cpu
}

// Num returns the CPU's zero-based index.
func (cpu *CPU) Num() int { return cpu.num }

// Current returns the thread currently occupying this CPU.
func (cpu *CPU) Current() *Thread {
	old := cpu.schedLock.Acquire(cpu.ipl)
	t := cpu.curThread
	cpu.schedLock.Release(cpu.ipl, old)
	return t
}

// IPL exposes the CPU's interrupt-priority-level state, so callers (e.g.
// object Wait methods) can raise/lower around dispatcher operations.
func (cpu *CPU) IPL() *ipl.CPUState { return cpu.ipl }

func setIdle(cpu *CPU, idle bool) {
	bit := uint64(1) << uint(cpu.num)
	if idle {
		idleMask.Or(bit)
	} else {
		idleMask.And(^bit)
	}
}

// popNext implements next_thread: pop the runqueue head, or fall back to
// the idle thread.
func popNext(cpu *CPU) *Thread {
	if len(cpu.runq) == 0 {
		return cpu.idleThread
	}
	t := cpu.runq[0]
	cpu.runq = cpu.runq[1:]
	return t
}

// Hardclock is the per-tick upcall driving the DPC/timer subsystem. It
// also counts down the running thread's timeslice, but the expiry it
// reports is not acted on: no reschedule is requested and the thread is
// not preempted when its slice runs out.
func (cpu *CPU) Hardclock(nsPerTick int64) {
	cpu.dpcQ.Hardclock(nsPerTick, func() bool {
		old := cpu.schedLock.Acquire(cpu.ipl)
		t := cpu.curThread
		expired := false
		if t != cpu.idleThread {
			t.timeslice--
			expired = t.timeslice <= 0
		}
		cpu.schedLock.Release(cpu.ipl, old)
		return expired
	})

	// The idle thread has no goroutine to lower IPL and take the DPC
	// interrupt, so an idle CPU runs its queued DPCs (timer expiry among
	// them) from the tick.
	if cpu.Current() == cpu.idleThread && cpu.ipl.Current() == ipl.DPC {
		cpu.dpcQ.DispatchAll()
	}
}

func (cpu *CPU) requestReschedule() {
	t := cpu.Current()
	if t == cpu.idleThread {
		return
	}
	old := t.lock.Acquire(cpu.ipl)
	reschedule(cpu, t, old)
}

// kick drives an idle CPU into running the head of its runqueue, standing
// in for the reschedule interrupt a real CPU would take
// (ki_thread_resume_locked's md_raise_dpc_interrupt/md_send_dpc_ipi): the
// idle thread has no goroutine of its own to be interrupted, so resuming
// a thread onto an idle CPU must promote it directly.
func (cpu *CPU) kick() {
	old := cpu.schedLock.Acquire(cpu.ipl)
	if cpu.curThread != cpu.idleThread || len(cpu.runq) == 0 {
		cpu.schedLock.Release(cpu.ipl, old)
		return
	}
	next := cpu.runq[0]
	cpu.runq = cpu.runq[1:]
	next.state = Running
	next.timeslice = klimits.DefaultTimesliceTicks
	next.lastCPU = cpu
	cpu.curThread = next
	cpu.rescheduleReason = ReasonNone
	setIdle(cpu, false)
	cpu.schedLock.Release(cpu.ipl, old)

	select {
	case next.resume <- struct{}{}:
	default:
	}
}

func drainDoneQueue() {
	for {
		doneMu.Lock()
		if len(doneQueue) == 0 {
			doneMu.Unlock()
			return
		}
		doneQueue = doneQueue[1:]
		doneMu.Unlock()
		// Threads carry no refcounted object header; dropping the
		// queue reference leaves the rest to garbage collection.
	}
}

// resumeOnBestCPU implements ki_thread_resume_locked: choose the
// lowest-numbered idle CPU or, with none idle, the thread's last CPU (CPU
// 0 if it has none), push the thread to the head of its runqueue and kick
// it into running. The calling CPU gets no preference.
func resumeOnBestCPU(t *Thread) {
	idle := idleMask.Load()
	var chosen *CPU
	cpusMu.Lock()
	switch {
	case len(cpus) == 0:
		cpusMu.Unlock()
		return
	case idle != 0:
		for _, c := range cpus {
			if idle&(uint64(1)<<uint(c.num)) != 0 {
				chosen = c
				break
			}
		}
	default:
		if t.lastCPU != nil {
			chosen = t.lastCPU
		} else {
			chosen = cpus[0]
		}
	}
	cpusMu.Unlock()

	old := chosen.schedLock.Acquire(chosen.ipl)
	chosen.runq = append([]*Thread{t}, chosen.runq...)
	chosen.rescheduleReason = ReasonPreempted
	chosen.schedLock.Release(chosen.ipl, old)

	chosen.kick()
}

// Resume implements ke_thread_resume: mark thread Runnable and hand it to
// a CPU. A thread that has never run (no lastCPU yet) takes the first
// registered CPU as its last CPU, which resumeOnBestCPU uses only when no
// CPU is idle.
func Resume(t *Thread) {
	cs := t.lastCPU
	if cs == nil {
		cpusMu.Lock()
		if len(cpus) > 0 {
			t.lastCPU = cpus[0]
		}
		cpusMu.Unlock()
		cs = t.lastCPU
	}
	old := t.lock.Acquire(cs.ipl)
	t.state = Runnable
	resumeOnBestCPU(t)
	t.lock.Release(cs.ipl, old)
}

// wakeWaiters implements ki_wake_waiters: every waitblock handed back by a
// signal already has its thread marked Runnable by the caller; this just
// dispatches each to a CPU.
func wakeWaiters(wbs []*WaitBlock) {
	for _, wb := range wbs {
		wb.thread.state = Runnable
		resumeOnBestCPU(wb.thread)
	}
}
