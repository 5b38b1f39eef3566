package ke

import (
	"sync/atomic"

	"keyronex/internal/ipl"
)

// ObjKind identifies a dispatcher object's acquire side effect.
type ObjKind uint8

const (
	KindEvent ObjKind = iota
	KindSemaphore
	KindMutex
	KindTimer
	KindMsgQueue
	KindPort
)

// WaitResult is what WaitOne/WaitMulti returns: the index of the object
// that satisfied the wait, or TimedOut.
type WaitResult int

const TimedOut WaitResult = -1

// Header is the common dispatcher-object header embedded by every waitable
// object (kdispatchheader_t).
type Header struct {
	Lock *ipl.Spinlock

	Kind      ObjKind
	signalled int64
	waiters   []*WaitBlock

	// Owner is populated only for mutexes.
	Owner *Thread
}

// NewHeader returns a dispatcher header of the given kind, unsignalled.
func NewHeader(kind ObjKind) *Header {
	return &Header{Lock: ipl.NewSpinlock(ipl.DPC), Kind: kind}
}

// WaitBlock links a waiting thread to one object in a multi-wait
// (kwaitblock_t).
type WaitBlock struct {
	object       *Header
	waiterStatus *atomic.Int32
	thread       *Thread
	status       blockStatus
}

func loadWaitStatus(a *atomic.Int32) int32 { return a.Load() }

func casWaitStatus(a *atomic.Int32, old, new int32) bool {
	return a.CompareAndSwap(old, new)
}

func storeWaitStatus(a *atomic.Int32, v int32) { a.Store(v) }

// acquireLocked applies ki_object_acquire's per-kind side effect. h.Lock
// must be held.
func (h *Header) acquireLocked(thread *Thread) {
	switch h.Kind {
	case KindSemaphore:
		h.signalled--
	case KindMutex:
		h.signalled--
		h.Owner = thread
	case KindTimer, KindEvent, KindMsgQueue, KindPort:
		// epsilon: these stay signalled until explicitly reset/posted.
	}
}

// signalLocked implements ki_signal: wake waiters while h is signalled,
// applying the acquire side effect to each and collecting the ones that
// were mid-wait (not pre-wait) into wake for the caller to hand to
// wakeWaiters once h.Lock is released.
func (h *Header) signalLocked() (wake []*WaitBlock) {
	for len(h.waiters) > 0 && h.signalled > 0 {
		wb := h.waiters[0]
		h.waiters = h.waiters[1:]

		switch tryDeliverTo(wb) {
		case deliveredPreWait:
			wb.status = blockAcquired
			h.acquireLocked(wb.thread)
		case deliveredMidWait:
			wb.status = blockAcquired
			h.acquireLocked(wb.thread)
			wake = append(wake, wb)
		case alreadySatisfied:
			wb.status = blockDeactivated
		}
	}
	return wake
}

type deliverOutcome int

const (
	deliveredPreWait deliverOutcome = iota
	deliveredMidWait
	alreadySatisfied
)

func tryDeliverTo(wb *WaitBlock) deliverOutcome {
	for {
		cur := loadWaitStatus(wb.waiterStatus)
		switch internalWaitStatus(cur) {
		case waitPreparing:
			if casWaitStatus(wb.waiterStatus, cur, int32(waitSatisfied)) {
				return deliveredPreWait
			}
		case waitWaiting:
			if casWaitStatus(wb.waiterStatus, cur, int32(waitSatisfied)) {
				return deliveredMidWait
			}
		default:
			return alreadySatisfied
		}
	}
}

// Signal wakes waiters on h. h must already have signalled incremented by
// the caller (e.g. a semaphore Release or event Set) before calling this.
func Signal(h *Header, cpu *CPU) {
	old := h.Lock.Acquire(cpu.ipl)
	wake := h.signalLocked()
	h.Lock.Release(cpu.ipl, old)
	if len(wake) > 0 {
		wakeWaiters(wake)
	}
}

// WaitOne waits on a single dispatcher object (ke_wait).
func WaitOne(cpu *CPU, thread *Thread, obj *Header, reason string, timeoutNanos int64) WaitResult {
	return WaitMulti(cpu, thread, []*Header{obj}, reason, timeoutNanos)
}

// WaitMulti implements ke_wait_multi: block thread until one of objects
// is signalled, or timeoutNanos elapses (0 = poll, negative = forever).
// There is no wait-all mode. A thread that blocks while it is a port's
// processor first gives that port's processing slot back.
func WaitMulti(cpu *CPU, thread *Thread, objects []*Header, reason string, timeoutNanos int64) WaitResult {
	oldIPL := cpu.ipl.Raise(ipl.DPC)
	defer cpu.ipl.Lower(oldIPL)

	n := len(objects)
	var timer *Timer
	if timeoutNanos > 0 {
		timer = NewTimer(cpu)
		objects = append(objects, timer.hdr())
	}

	var blocks []WaitBlock
	if len(objects) <= len(thread.integralBlocks) {
		blocks = thread.integralBlocks[:len(objects)]
	} else {
		blocks = make([]WaitBlock, len(objects))
	}

	storeWaitStatus(&thread.waitStatus, int32(waitPreparing))

	satisfier := -1
	for i, obj := range objects {
		objOld := obj.Lock.Acquire(cpu.ipl)

		if obj.signalled > 0 {
			if casWaitStatus(&thread.waitStatus, int32(waitPreparing), int32(waitSatisfied)) {
				satisfier = i
				obj.acquireLocked(thread)
				obj.Lock.Release(cpu.ipl, objOld)
				break
			}
			obj.Lock.Release(cpu.ipl, objOld)
			break
		}

		blocks[i] = WaitBlock{object: obj, waiterStatus: &thread.waitStatus, thread: thread, status: blockActive}
		obj.waiters = append(obj.waiters, &blocks[i])
		obj.Lock.Release(cpu.ipl, objOld)
	}

	if satisfier != -1 || timeoutNanos == 0 {
		for i := 0; i < len(objects); i++ {
			if satisfier != -1 && i >= satisfier {
				break
			}
			obj := objects[i]
			objOld := obj.Lock.Acquire(cpu.ipl)
			blocks[i].status = blockDeactivated
			removeWaitBlock(obj, &blocks[i])
			obj.Lock.Release(cpu.ipl, objOld)
		}
		if timer != nil {
			timer.cancel()
		}
		if satisfier == -1 {
			return TimedOut
		}
		return finalResult(satisfier, n, timer)
	}

	if timer != nil {
		timer.arm(timeoutNanos)
	}

	if p := thread.port; p != nil {
		thread.port = nil
		if wake, _ := p.threadRelease(); len(wake) > 0 {
			wakeWaiters(wake)
		}
	}

	thread.waitReason = reason
	lockOld := thread.lock.Acquire(cpu.ipl)
	if casWaitStatus(&thread.waitStatus, int32(waitPreparing), int32(waitWaiting)) {
		thread.state = Waiting
		reschedule(cpu, thread, lockOld)
	} else {
		thread.lock.Release(cpu.ipl, lockOld)
	}
	thread.waitReason = ""

	if timer != nil {
		timer.cancel()
	}

	for i := range objects {
		obj := objects[i]
		objOld := obj.Lock.Acquire(cpu.ipl)
		switch blocks[i].status {
		case blockActive:
			removeWaitBlock(obj, &blocks[i])
		case blockAcquired:
			satisfier = i
		case blockDeactivated:
		}
		obj.Lock.Release(cpu.ipl, objOld)
	}

	return finalResult(satisfier, n, timer)
}

func finalResult(satisfier, n int, timer *Timer) WaitResult {
	if timer != nil && satisfier == n {
		return TimedOut
	}
	return WaitResult(satisfier)
}

func removeWaitBlock(obj *Header, wb *WaitBlock) {
	for i, w := range obj.waiters {
		if w == wb {
			obj.waiters = append(obj.waiters[:i], obj.waiters[i+1:]...)
			return
		}
	}
}
