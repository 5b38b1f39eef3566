package vm

import (
	"sync"

	"keyronex/internal/ipl"
)

// trimBatch is how many entries one balance-set visit takes from a
// working set; locked entries are skipped by the eviction scan.
const trimBatch = 16

// balanceSet is the round-robin queue of process states the balance-set
// manager trims under memory pressure (vmp_trim_queue).
type balanceSet struct {
	mu      sync.Mutex
	queue   []*ProcState
	counter uint32
}

func (b *balanceSet) add(ps *ProcState) {
	b.mu.Lock()
	b.queue = append(b.queue, ps)
	b.mu.Unlock()
}

func (b *balanceSet) remove(ps *ProcState) {
	b.mu.Lock()
	for i, it := range b.queue {
		if it == ps {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
}

// TrimWorkingSets visits every working set once, evicting up to
// trimBatch least-recent entries from each (trim_working_sets). The
// per-round counter stops the walk when it comes back around to a set
// already visited this round. Returns the total entries evicted.
func (vm *VM) TrimWorkingSets(cpu *ipl.CPUState) int {
	b := &vm.balance
	b.mu.Lock()
	b.counter++
	round := b.counter
	b.mu.Unlock()

	total := 0
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return total
		}
		ps := b.queue[0]
		if ps.lastTrimCounter == round {
			// All working sets visited this round.
			b.mu.Unlock()
			return total
		}
		ps.lastTrimCounter = round
		b.queue = b.queue[1:]
		b.mu.Unlock()

		ps.wsMutex.Lock()
		old := vm.DB.Acquire(cpu)
		total += ps.wslTrim(cpu, trimBatch)
		vm.DB.Release(cpu, old)
		ps.wsMutex.Unlock()

		b.mu.Lock()
		b.queue = append(b.queue, ps)
		b.mu.Unlock()
	}
}
