package ke

import (
	"sync"
	"time"
)

/// Accnt accumulates a thread's CPU-time accounting: nanoseconds spent in
/// user mode and nanoseconds spent in the kernel on its behalf.
///
/// Each kthread_t carries its own accounting rather than sharing its
/// process's.
type Accnt struct {
	/// Nanoseconds of user-mode time consumed.
	UserNs int64
	/// Nanoseconds of kernel time consumed.
	SysNs int64

	mu sync.Mutex
}

/// AddUser adds delta nanoseconds to the user-time counter.
func (a *Accnt) AddUser(delta int64) {
	a.mu.Lock()
	a.UserNs += delta
	a.mu.Unlock()
}

/// AddSys adds delta nanoseconds to the system-time counter.
func (a *Accnt) AddSys(delta int64) {
	a.mu.Lock()
	a.SysNs += delta
	a.mu.Unlock()
}

/// Now returns the current wall-clock time in nanoseconds since the Unix
/// epoch.
func (a *Accnt) Now() int64 {
	return time.Now().UnixNano()
}

/// Merge folds another thread's final accounting into this one, used when
/// a process collects its exited threads' usage.
func (a *Accnt) Merge(other *Accnt) {
	other.mu.Lock()
	u, s := other.UserNs, other.SysNs
	other.mu.Unlock()

	a.mu.Lock()
	a.UserNs += u
	a.SysNs += s
	a.mu.Unlock()
}

/// Snapshot returns a consistent (userNs, sysNs) pair.
func (a *Accnt) Snapshot() (userNs, sysNs int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.UserNs, a.SysNs
}
