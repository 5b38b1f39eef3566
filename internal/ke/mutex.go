package ke

// Mutex is a non-recursive owned dispatcher object: Lock acquires it
// (blocking, the waiter becomes the owner as ki_object_acquire's
// kDispatchMutex case), Unlock must be called by the current owner
// (kmutex_t).
type Mutex struct {
	header *Header
	cpu    *CPU
}

// NewMutex returns an unlocked mutex.
func NewMutex(cpu *CPU) *Mutex {
	m := &Mutex{header: NewHeader(KindMutex), cpu: cpu}
	m.header.signalled = 1
	return m
}

// Header returns the mutex's dispatcher header.
func (m *Mutex) Header() *Header { return m.header }

// Lock blocks the calling thread until it owns the mutex.
func (m *Mutex) Lock(thread *Thread, reason string) {
	WaitOne(m.cpu, thread, m.header, reason, -1)
}

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock(thread *Thread) bool {
	r := WaitOne(m.cpu, thread, m.header, "trylock", 0)
	return r != TimedOut
}

// Unlock releases the mutex. thread must be the current owner.
func (m *Mutex) Unlock(thread *Thread) {
	old := m.header.Lock.Acquire(m.cpu.ipl)
	if m.header.Owner != thread {
		m.header.Lock.Release(m.cpu.ipl, old)
		panic("ke: mutex unlocked by non-owner")
	}
	m.header.Owner = nil
	m.header.signalled = 1
	wake := m.header.signalLocked()
	m.header.Lock.Release(m.cpu.ipl, old)
	if len(wake) > 0 {
		wakeWaiters(wake)
	}
}

// Owner returns the thread currently holding the mutex, or nil.
func (m *Mutex) Owner() *Thread {
	old := m.header.Lock.Acquire(m.cpu.ipl)
	o := m.header.Owner
	m.header.Lock.Release(m.cpu.ipl, old)
	return o
}
