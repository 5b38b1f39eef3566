// Package dpc implements per-CPU deferred-procedure-call queues and the
// timer wheel driven by hardclock.
//
// A DPC (ke_dpc_enqueue/ki_dispatch_dpcs) runs at IPL = DPC from the
// queue's drain path; timers (ke_timer_set/ke_timer_cancel,
// ki_cpu_hardclock) are a per-CPU deadline-sorted list whose expiry is
// itself dispatched as a DPC.
package dpc

import (
	"keyronex/internal/ipl"
)

// Func is a DPC callback, run at IPL = DPC.
type Func func(arg any)

// Dpc is a deferred procedure call. Enqueuing an already-queued DPC is a
// no-op.
type Dpc struct {
	Callback Func
	Arg      any

	queue *Queue // non-nil while queued; cleared on dequeue
}

// New returns a DPC bound to callback/arg.
func New(callback Func, arg any) *Dpc {
	return &Dpc{Callback: callback, Arg: arg}
}

// Queue is one CPU's FIFO of pending DPCs plus its sorted timer list,
// guarded by a single spinlock acquired at IPL = High.
type Queue struct {
	cpu  *ipl.CPUState
	lock *ipl.Spinlock

	fifo   []*Dpc
	timers []*Timer // ascending deadline

	nanos int64

	// RaiseInterrupt models md_raise_dpc_interrupt/md_send_dpc_ipi: when
	// non-nil it is called, with the queue lock held, each time a DPC is
	// queued rather than run inline. Queued DPCs run on the CPU's next
	// Lower(< DPC) crossing. The ke scheduler leaves this nil; an idle ke
	// CPU runs its queued DPCs from its Hardclock tick instead.
	RaiseInterrupt func()

	doneDPC         *Dpc
	timerExpiryDPC  *Dpc
	onTimerExpiryFn func(*Timer)
}

// NewQueue returns a DPC queue for cpu and wires it as cpu's drain handler,
// so lowering IPL below DPC always flushes this queue first.
func NewQueue(cpu *ipl.CPUState) *Queue {
	q := &Queue{cpu: cpu, lock: ipl.NewSpinlock(ipl.High)}
	cpu.Drain = q.DispatchAll
	q.timerExpiryDPC = New(func(any) { q.expireTimers() }, nil)
	return q
}

// Nanos returns this CPU's nanosecond clock, advanced only by Hardclock.
func (q *Queue) Nanos() int64 {
	old := q.lock.Acquire(q.cpu)
	n := q.nanos
	q.lock.Release(q.cpu, old)
	return n
}

// Enqueue implements ke_dpc_enqueue: if the caller's IPL is already below
// DPC, the callback runs inline under a temporary raise; otherwise it is
// appended to the FIFO under the DPC lock (acquired at IPL = High) and an
// interrupt is requested.
func (q *Queue) Enqueue(d *Dpc) {
	if q.cpu.Current() < ipl.DPC {
		old := q.cpu.Raise(ipl.DPC)
		d.Callback(d.Arg)
		q.cpu.Lower(old)
		return
	}

	old := q.lock.Acquire(q.cpu)
	if d.queue == nil {
		d.queue = q
		q.fifo = append(q.fifo, d)
		if q.RaiseInterrupt != nil {
			q.RaiseInterrupt()
		}
	}
	q.lock.Release(q.cpu, old)
}

// DispatchAll runs every queued DPC to completion, at IPL = DPC, in FIFO
// order. It is installed as the CPU's ipl.CPUState.Drain callback.
func (q *Queue) DispatchAll() {
	if q.cpu.Current() != ipl.DPC {
		panic("dpc: DispatchAll called off IPL=DPC")
	}
	for {
		old := q.lock.Acquire(q.cpu)
		if len(q.fifo) == 0 {
			q.lock.Release(q.cpu, old)
			return
		}
		d := q.fifo[0]
		q.fifo = q.fifo[1:]
		d.queue = nil
		q.lock.Release(q.cpu, old)

		d.Callback(d.Arg)
	}
}

// Hardclock is the KERN_HZ-frequency tick upcall (ki_cpu_hardclock): it
// advances the CPU's nanosecond clock, decrements the
// running thread's timeslice (reporting underflow to the caller so the
// scheduler can request a reschedule), and enqueues the timer-expiry DPC if
// the timer queue's head has elapsed.
func (q *Queue) Hardclock(nsPerTick int64, timesliceExpired func() bool) (preempt bool) {
	old := q.lock.Acquire(q.cpu)
	q.nanos += nsPerTick
	nanos := q.nanos
	wantTimers := len(q.timers) > 0 && q.timers[0].deadline <= nanos
	q.lock.Release(q.cpu, old)

	preempt = timesliceExpired()

	if wantTimers {
		q.Enqueue(q.timerExpiryDPC)
	}
	return preempt
}

func (q *Queue) expireTimers() {
	for {
		old := q.lock.Acquire(q.cpu)
		if len(q.timers) == 0 || q.timers[0].deadline > q.nanos {
			q.lock.Release(q.cpu, old)
			return
		}
		t := q.timers[0]
		if !t.state.CompareAndSwap(int32(InQueue), int32(Executing)) {
			// cancelled concurrently; its dequeue already
			// happened or is about to.
			q.lock.Release(q.cpu, old)
			continue
		}
		q.timers = q.timers[1:]
		q.lock.Release(q.cpu, old)

		t.fire()
		t.state.Store(int32(Disabled))
	}
}
