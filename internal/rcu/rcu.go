// Package rcu implements classic-RCU grace-period tracking: a global
// quiesced-CPU bitmap plus current/highest generation counters, and
// per-CPU next/current/past callback lists rotated as generations
// advance. Readers run at IPL = DPC; each CPU quiesces once per
// reschedule, and a generation completes when the last CPU's bit clears.
package rcu

import (
	"sync"

	"keyronex/internal/dpc"
	"keyronex/internal/ipl"
)

// Callback is an RCU callback, invoked once its grace period has elapsed.
type Callback func(arg any)

type entry struct {
	callback Callback
	arg      any
}

// state is the single global RCU engine.
type state struct {
	mu                sync.Mutex
	quiesced          uint64
	generation        uint64
	highestGeneration uint64
	ncpus             uint
}

var global state

// Init sets the number of CPUs RCU must track quiescence for. Must be
// called once at bootstrap before any CPU registers itself.
func Init(ncpus uint) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.ncpus = ncpus
}

func startGenerationLocked() {
	global.quiesced = (uint64(1) << global.ncpus) - 1
	global.generation++
	global.highestGeneration = global.generation
}

// PerCPU is one CPU's RCU bookkeeping: next/current/past callback lists and
// its per-CPU generation number, plus the DPC that drains past_callbacks.
type PerCPU struct {
	cpuNum int

	mu         sync.Mutex // protects the three lists below
	next       []entry
	current    []entry
	past       []entry
	generation uint64

	queue      *dpc.Queue
	pastDPC    *dpc.Dpc
	ipl        *ipl.CPUState
}

// NewPerCPU returns RCU state for CPU number cpuNum (0-based, must be <
// ncpus passed to Init), wired to queue for scheduling its
// past-callbacks-processing DPC.
func NewPerCPU(cpuNum int, queue *dpc.Queue, cpuState *ipl.CPUState) *PerCPU {
	p := &PerCPU{cpuNum: cpuNum, queue: queue, ipl: cpuState}
	p.pastDPC = dpc.New(func(any) { p.processPastCallbacks() }, nil)
	return p
}

// ReadLock enters an RCU read-side critical section by raising IPL to DPC,
// which prevents this CPU from being preempted or marked quiescent until
// ReadUnlock.
func ReadLock(cpu *ipl.CPUState) ipl.Level {
	return cpu.Raise(ipl.DPC)
}

// ReadUnlock ends a read-side critical section.
func ReadUnlock(cpu *ipl.CPUState, old ipl.Level) {
	cpu.Lower(old)
}

// Call enqueues callback onto this CPU's next-generation list at
// IPL = DPC (rcu_call).
func (p *PerCPU) Call(callback Callback, arg any) {
	old := p.ipl.Raise(ipl.DPC)
	p.mu.Lock()
	p.next = append(p.next, entry{callback, arg})
	p.mu.Unlock()
	p.ipl.Lower(old)
}

// Quiet is called once per reschedule (ki_rcu_quiet): it
// clears this CPU's bit in the global quiesced bitmap, advances the grace
// period if it was the last bit, rotates this CPU's next/current/past
// lists, and schedules the past-callbacks DPC if anything moved onto the
// past list.
func (p *PerCPU) Quiet() {
	global.mu.Lock()
	bit := uint64(1) << uint(p.cpuNum)
	if global.quiesced&bit != 0 {
		global.quiesced &^= bit
		if global.quiesced == 0 {
			global.generation++
			if global.generation <= global.highestGeneration {
				startGenerationLocked()
			}
		}
	}
	global.mu.Unlock()

	p.mu.Lock()
	if len(p.current) != 0 {
		global.mu.Lock()
		gen := global.generation
		global.mu.Unlock()
		if gen > p.generation {
			p.past = append(p.past, p.current...)
			p.current = nil
			p.mu.Unlock()
			p.queue.Enqueue(p.pastDPC)
			p.mu.Lock()
		}
	}

	if len(p.current) == 0 && len(p.next) != 0 {
		p.current, p.next = p.next, nil

		global.mu.Lock()
		p.generation = global.generation + 1
		if global.quiesced != 0 {
			if global.highestGeneration > p.generation {
				panic("rcu: highest generation invariant violated")
			}
			global.highestGeneration = p.generation + 1
		} else {
			startGenerationLocked()
		}
		global.mu.Unlock()
	}
	p.mu.Unlock()
}

func (p *PerCPU) processPastCallbacks() {
	for {
		p.mu.Lock()
		if len(p.past) == 0 {
			p.mu.Unlock()
			return
		}
		e := p.past[0]
		p.past = p.past[1:]
		p.mu.Unlock()
		e.callback(e.arg)
	}
}

// Synchronise blocks the calling thread until every RCU read-side critical
// section in progress when it was called has completed: it enqueues a
// set-event callback and waits (rcu_synchronise). wait is a
// function supplying wait-for-event semantics (internal/ke.Event.Wait), so
// this package does not need to import the dispatcher-object package.
func (p *PerCPU) Synchronise(signal func(), wait func()) {
	p.Call(func(any) { signal() }, nil)
	wait()
}
