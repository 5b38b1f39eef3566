package ke

// MsgQueue is a fixed-capacity ring of messages with dispatcher-object
// wait semantics (kmsgqueue_t, ke_msgq_post/ke_msgq_read): Post blocks
// while full, via an internal semaphore tracking free slots; Wait blocks
// while empty. Ring indexes are head/tail counters taken modulo the
// capacity, which must be a power of two.
type MsgQueue struct {
	header *Header
	cpu    *CPU
	free   *Semaphore

	messages  []any
	size      int
	readhead  int
	writehead int
}

// NewMsgQueue returns an empty queue that can hold up to capacity
// messages.
func NewMsgQueue(cpu *CPU, capacity int) *MsgQueue {
	return &MsgQueue{
		header:   NewHeader(KindMsgQueue),
		cpu:      cpu,
		free:     NewSemaphore(cpu, int64(capacity)),
		messages: make([]any, capacity),
		size:     capacity,
	}
}

// Header returns the queue's dispatcher header.
func (q *MsgQueue) Header() *Header { return q.header }

// Post blocks the calling thread until a slot is free, then enqueues msg
// and wakes any reader.
func (q *MsgQueue) Post(thread *Thread, msg any) {
	r := q.free.Wait(thread, "msgqueue_wait", -1)
	if r == TimedOut {
		panic("ke: msgqueue post wait timed out with no timeout set")
	}

	old := q.header.Lock.Acquire(q.cpu.ipl)
	q.messages[q.writehead] = msg
	q.writehead++
	if q.writehead == q.size {
		q.writehead = 0
	}
	q.header.signalled = 1
	wake := q.header.signalLocked()
	q.header.Lock.Release(q.cpu.ipl, old)
	if len(wake) > 0 {
		wakeWaiters(wake)
	}
}

// TryRead pops the oldest message without blocking, reporting false if
// the queue is empty.
func (q *MsgQueue) TryRead() (any, bool) {
	old := q.header.Lock.Acquire(q.cpu.ipl)
	if q.writehead == q.readhead && q.header.signalled == 0 {
		q.header.Lock.Release(q.cpu.ipl, old)
		return nil, false
	}
	msg := q.messages[q.readhead]
	q.readhead++
	if q.readhead == q.size {
		q.readhead = 0
	}
	if q.writehead == q.readhead {
		q.header.signalled = 0
	}
	q.header.Lock.Release(q.cpu.ipl, old)
	q.free.Release(1)
	return msg, true
}

// Wait blocks the calling thread until a message is available, then
// returns it.
func (q *MsgQueue) Wait(thread *Thread, reason string) any {
	for {
		if msg, ok := q.TryRead(); ok {
			return msg
		}
		WaitOne(q.cpu, thread, q.header, reason, -1)
	}
}
