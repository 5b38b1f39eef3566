// Package ipl implements the interrupt-priority-level hierarchy and the
// spinlocks built on it.
//
// IPL is a per-CPU priority: holding a spinlock raises the CPU to at
// least the highest level of any interrupt that may also take that lock,
// and lowering back below DPC drains the deferred-procedure queue before
// control returns to passive level.
package ipl

import (
	"sync"
	"sync/atomic"
)

// Level is a 4-bit interrupt priority level, lowest to highest.
type Level uint8

const (
	Passive Level = 0
	APC     Level = 1
	DPC     Level = 2
	Device  Level = 8 // architecture-specific band starts here
	High    Level = 15
)

// perCPU current IPL. A real port keeps this in machine-specific per-CPU
// data (%gs-relative on amd64); this package models one CPU's worth of
// state per goroutine-free-standing "virtual CPU" via an explicit handle
// rather than assuming a 1:1 goroutine-to-CPU mapping, since Go gives no
// portable way to pin a goroutine to an OS thread. Callers (internal/ke)
// own one *CPUState per kcpu and pass it through; there is deliberately no
// implicit global "current CPU".
type CPUState struct {
	cur atomic.Uint32 // holds Level

	// Drain is invoked whenever IPL crosses from >= DPC down to below
	// DPC, so that this CPU's DPC queue runs before control returns to
	// passive level: lowering IPL below DPC must drain the DPC
	// queue before return. internal/dpc wires this per-CPU at
	// construction; this package cannot import dpc (dpc imports ipl).
	Drain func()
}

// NewCPUState returns per-CPU IPL state initialised to Passive.
func NewCPUState() *CPUState {
	return &CPUState{}
}

// Current returns the CPU's current IPL.
func (c *CPUState) Current() Level {
	return Level(c.cur.Load())
}

// Raise sets IPL to new, which must be >= the current level, and returns
// the prior level for a matching Lower.
func (c *CPUState) Raise(new Level) Level {
	old := Level(c.cur.Load())
	if new < old {
		panic("ipl: raise below current level")
	}
	c.cur.Store(uint32(new))
	return old
}

// Lower restores IPL to old. If this crosses the DPC -> below-DPC boundary,
// it drains the DPC queue before returning.
func (c *CPUState) Lower(old Level) {
	cur := Level(c.cur.Load())
	if old > cur {
		panic("ipl: lower above current level")
	}
	if cur >= DPC && old < DPC {
		// Drain runs with IPL pinned at DPC; the dispatch loop
		// asserts as much.
		c.cur.Store(uint32(DPC))
		if c.Drain != nil {
			c.Drain()
		}
	}
	c.cur.Store(uint32(old))
}

// Spinlock is a single machine word with acquire/release ordering and an
// associated minimum IPL. Reentrant acquisition is forbidden.
type Spinlock struct {
	mu       sync.Mutex
	min      Level
	held     atomic.Bool
	acquired atomic.Int64 // diagnostics: count of acquisitions
}

// NewSpinlock returns a spinlock whose minimum acquisition IPL is min: any
// interrupt handler that might also acquire this lock determines min.
func NewSpinlock(min Level) *Spinlock {
	return &Spinlock{min: min}
}

// MinLevel reports the lock's configured minimum IPL.
func (s *Spinlock) MinLevel() Level {
	return s.min
}

// Acquire raises cpu's IPL to at least the lock's minimum, takes the lock,
// and returns the prior IPL for Release.
func (s *Spinlock) Acquire(cpu *CPUState) Level {
	old := cpu.Current()
	want := old
	if s.min > want {
		want = s.min
	}
	if want != old {
		cpu.Raise(want)
	}
	s.mu.Lock()
	if s.held.Load() {
		panic("ipl: reentrant spinlock acquisition")
	}
	s.held.Store(true)
	s.acquired.Add(1)
	return old
}

// Release drops the lock and restores cpu's IPL to old.
func (s *Spinlock) Release(cpu *CPUState, old Level) {
	s.held.Store(false)
	s.mu.Unlock()
	if cpu.Current() != old {
		cpu.Lower(old)
	}
}

// TryAcquire attempts a non-blocking acquisition; callers at IPL == DPC use
// this rather than Acquire, which may need to raise IPL and therefore
// should not be attempted by code that must not block: dispatcher-based
// locks are acquired at IPL <= APC for waits, or IPL = DPC for a try.
func (s *Spinlock) TryAcquire(cpu *CPUState) (Level, bool) {
	old := cpu.Current()
	want := old
	if s.min > want {
		want = s.min
	}
	if !s.mu.TryLock() {
		return old, false
	}
	if s.held.Load() {
		s.mu.Unlock()
		panic("ipl: reentrant spinlock acquisition")
	}
	if want != old {
		cpu.Raise(want)
	}
	s.held.Store(true)
	s.acquired.Add(1)
	return old, true
}

// Held reports whether the lock is currently held, for assertions only
// (ke_spinlock_held).
func (s *Spinlock) Held() bool {
	return s.held.Load()
}
