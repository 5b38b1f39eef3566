package dpc

import "sync/atomic"

// TimerState is one of {Disabled, InQueue, Executing}.
type TimerState int32

const (
	Disabled TimerState = iota
	InQueue
	Executing
)

// Timer is a per-CPU sorted-list timer entry. It does not know about
// dispatcher objects (internal/ke) — that would create an import cycle,
// since ke's Timer dispatcher object is built on top of this one — so
// firing invokes a plain callback (ke wires that callback to
// ki_signal-equivalent behavior) and, if set, enqueues an attached DPC,
// matching "Timers expire by signalling their dispatcher header and
// optionally enqueuing an attached DPC."
type Timer struct {
	state    atomic.Int32
	deadline int64
	queue    *Queue
	onFire   func()
	attached *Dpc
}

// NewTimer returns a disabled timer. onFire is invoked (at IPL = DPC, with
// no locks held) when the timer expires; it is typically a dispatcher
// header's signal routine.
func NewTimer(onFire func()) *Timer {
	t := &Timer{onFire: onFire}
	t.state.Store(int32(Disabled))
	return t
}

// State returns the timer's current state.
func (t *Timer) State() TimerState {
	return TimerState(t.state.Load())
}

// AttachDPC registers a DPC to enqueue alongside signalling on expiry.
func (t *Timer) AttachDPC(d *Dpc) {
	t.attached = d
}

func (t *Timer) fire() {
	if t.onFire != nil {
		t.onFire()
	}
	if t.attached != nil && t.queue != nil {
		t.queue.Enqueue(t.attached)
	}
}

// SetTimer arms the timer to fire nanosFromNow from now on the CPU-local
// clock (ke_timer_set). It first drains any in-flight cancellation;
// blocking on the queue's spinlock already serialises the state
// transition, so no pause-spin is needed.
func (q *Queue) SetTimer(t *Timer, nanosFromNow int64) {
	for {
		old := q.lock.Acquire(q.cpu)
		switch t.State() {
		case Executing:
			q.lock.Release(q.cpu, old)
			continue
		case InQueue:
			q.lock.Release(q.cpu, old)
			q.CancelTimer(t)
			continue
		}

		t.queue = q
		t.deadline = q.nanos + nanosFromNow
		t.state.Store(int32(InQueue))
		insertTimerLocked(q, t)
		q.lock.Release(q.cpu, old)
		return
	}
}

func insertTimerLocked(q *Queue, t *Timer) {
	i := 0
	for ; i < len(q.timers); i++ {
		if q.timers[i].deadline > t.deadline {
			break
		}
	}
	q.timers = append(q.timers, nil)
	copy(q.timers[i+1:], q.timers[i:])
	q.timers[i] = t
}

// CancelTimer implements ke_timer_cancel: it waits out any in-progress
// expiry and then removes the timer from its queue if still pending.
func (q *Queue) CancelTimer(t *Timer) {
	for {
		old := q.lock.Acquire(q.cpu)
		switch t.State() {
		case Disabled:
			q.lock.Release(q.cpu, old)
			return
		case Executing:
			q.lock.Release(q.cpu, old)
			continue
		}

		for i, qt := range q.timers {
			if qt == t {
				q.timers = append(q.timers[:i], q.timers[i+1:]...)
				break
			}
		}
		t.state.Store(int32(Disabled))
		q.lock.Release(q.cpu, old)
		return
	}
}
