package ke

import (
	"keyronex/internal/ipl"
	"keyronex/internal/klimits"
	"keyronex/internal/rcu"
)

// Init resets global scheduler state and builds ncpus fresh CPUs. It must
// be called once at bootstrap, before any thread is created.
func Init(ncpus int) []*CPU {
	cpusMu.Lock()
	cpus = nil
	idleMask.Store(0)
	cpusMu.Unlock()

	doneMu.Lock()
	doneQueue = nil
	doneMu.Unlock()

	rcu.Init(uint(ncpus))

	built := make([]*CPU, 0, ncpus)
	for i := 0; i < ncpus; i++ {
		built = append(built, NewCPU(i))
	}
	return built
}

// reschedule implements ki_reschedule: update old's scheduling state,
// pick the next thread to run on cpu, and park old's goroutine until it
// is chosen to run again. The caller must hold old.lock at oldLevel and
// cpu's IPL must already be at ipl.DPC.
func reschedule(cpu *CPU, old *Thread, oldLevel ipl.Level) {
	schedOld := cpu.schedLock.Acquire(cpu.ipl)

	wasDone := false
	switch old.state {
	case Running:
		if old != cpu.idleThread {
			old.state = Runnable
			cpu.runq = append(cpu.runq, old)
		}
	case Waiting:
		// nothing further: the thread stays off every runqueue
		// until something resumes it.
	case Done:
		wasDone = true
		doneMu.Lock()
		doneQueue = append(doneQueue, old)
		doneMu.Unlock()
		cpu.dpcQ.Enqueue(cpu.doneThreadDPC)
	}

	next := popNext(cpu)
	next.state = Running
	next.timeslice = klimits.DefaultTimesliceTicks
	next.lastCPU = cpu
	cpu.curThread = next
	cpu.rescheduleReason = ReasonNone
	setIdle(cpu, next == cpu.idleThread)

	cpu.schedLock.Release(cpu.ipl, schedOld)

	cpu.rcu.Quiet()

	if old == next {
		old.lock.Release(cpu.ipl, oldLevel)
		return
	}

	old.lock.Release(cpu.ipl, oldLevel)

	if next != cpu.idleThread {
		select {
		case next.resume <- struct{}{}:
		default:
		}
	}

	if wasDone {
		// this goroutine is exiting; it must not wait to be resumed.
		return
	}

	<-old.resume
}
