package ke

import "keyronex/internal/dpc"

// Timer is the dispatcher-object wrapper around a per-CPU dpc.Timer
// (ktimer_t): a dispatcher header embedding the low-level timer, which
// signals the header on expiry.
type Timer struct {
	header *Header
	raw    *dpc.Timer
	cpu    *CPU
}

// NewTimer returns a disabled timer bound to cpu's DPC queue.
func NewTimer(cpu *CPU) *Timer {
	t := &Timer{header: NewHeader(KindTimer), cpu: cpu}
	t.raw = dpc.NewTimer(func() {
		// Fired timers stay stickily signalled until the next Set.
		old := t.header.Lock.Acquire(cpu.ipl)
		t.header.signalled = 1
		wake := t.header.signalLocked()
		t.header.Lock.Release(cpu.ipl, old)
		if len(wake) > 0 {
			wakeWaiters(wake)
		}
	})
	return t
}

func (t *Timer) hdr() *Header { return t.header }

// arm sets the timer to fire nanosFromNow nanoseconds from now.
func (t *Timer) arm(nanosFromNow int64) {
	t.cpu.dpcQ.SetTimer(t.raw, nanosFromNow)
}

// cancel disables the timer if still pending.
func (t *Timer) cancel() {
	t.cpu.dpcQ.CancelTimer(t.raw)
}

// Set implements ke_timer_set for a standalone wait-timer object (as
// opposed to the anonymous one WaitMulti builds for its timeout
// argument), allowing callers to build their own periodic/one-shot
// timers with dispatcher-object wait semantics.
func (t *Timer) Set(nanosFromNow int64) {
	old := t.header.Lock.Acquire(t.cpu.ipl)
	t.header.signalled = 0
	t.header.Lock.Release(t.cpu.ipl, old)
	t.arm(nanosFromNow)
}

// Cancel implements ke_timer_cancel.
func (t *Timer) Cancel() { t.cancel() }

// Header returns the timer's dispatcher header, so it can be waited on
// directly via WaitMulti alongside other objects.
func (t *Timer) Header() *Header { return t.header }
