package ke

import (
	"sync"

	"keyronex/internal/errs"
	"keyronex/internal/ipl"
)

// IntrHandler services one interrupt; it reports whether the interrupt
// was its device's, which is what lets shareable vectors chain
// (intr_handler_t).
type IntrHandler func(arg any) bool

// IntrEntry is one registered interrupt attachment (struct intr_entry).
// Callers allocate it and keep it alive for as long as the attachment
// stands.
type IntrEntry struct {
	Name      string
	IPL       ipl.Level
	Handler   IntrHandler
	Arg       any
	Shareable bool

	vector int
}

// Vector returns the vector the entry is attached to.
func (e *IntrEntry) Vector() int { return e.vector }

// The vector space follows the amd64 convention: a vector's high nibble
// is its priority class, so each IPL owns a band of sixteen vectors.
const vectorsPerLevel = 16

var (
	intrMu    sync.Mutex
	intrTable [256][]*IntrEntry
)

// IntrAlloc allocates a vector suitable for the given priority and
// shareability and attaches entry to it (md_intr_alloc). It fails with
// ResourceExhausted when every vector in the priority's band is taken
// non-shareable (or taken at all, for a non-shareable request).
func IntrAlloc(name string, prio ipl.Level, handler IntrHandler, arg any,
	shareable bool, entry *IntrEntry) (int, errs.Kind) {

	intrMu.Lock()
	defer intrMu.Unlock()

	base := int(prio) * vectorsPerLevel
	for vec := base; vec < base+vectorsPerLevel; vec++ {
		existing := intrTable[vec]
		if len(existing) == 0 {
			registerLocked(name, vec, prio, handler, arg, shareable, entry)
			return vec, errs.OK
		}
		if !shareable {
			continue
		}
		ok := true
		for _, e := range existing {
			if !e.Shareable || e.IPL != prio {
				ok = false
				break
			}
		}
		if ok {
			registerLocked(name, vec, prio, handler, arg, shareable, entry)
			return vec, errs.OK
		}
	}
	return 0, errs.ResourceExhausted
}

// IntrRegister attaches entry to a specific vector without validation
// (md_intr_register); the caller vouches for vector and priority.
func IntrRegister(name string, vec int, prio ipl.Level, handler IntrHandler,
	arg any, shareable bool, entry *IntrEntry) {
	intrMu.Lock()
	registerLocked(name, vec, prio, handler, arg, shareable, entry)
	intrMu.Unlock()
}

func registerLocked(name string, vec int, prio ipl.Level, handler IntrHandler,
	arg any, shareable bool, entry *IntrEntry) {
	*entry = IntrEntry{
		Name:      name,
		IPL:       prio,
		Handler:   handler,
		Arg:       arg,
		Shareable: shareable,
		vector:    vec,
	}
	intrTable[vec] = append(intrTable[vec], entry)
}

// IntrReset clears the vector table, for bootstrap and tests.
func IntrReset() {
	intrMu.Lock()
	intrTable = [256][]*IntrEntry{}
	intrMu.Unlock()
}

// Interrupt is the platform's upcall when cpu takes the vector: IPL
// rises to the vector's class for the handler chain, and the lowering
// on the way out drains whatever DPCs the handlers queued. Reports
// whether any handler claimed the interrupt.
func (cpu *CPU) Interrupt(vector int) bool {
	prio := ipl.Level(vector / vectorsPerLevel)
	if cur := cpu.ipl.Current(); prio < cur {
		prio = cur
	}
	old := cpu.ipl.Raise(prio)

	intrMu.Lock()
	entries := append([]*IntrEntry(nil), intrTable[vector]...)
	intrMu.Unlock()

	handled := false
	for _, e := range entries {
		if e.Handler(e.Arg) {
			handled = true
			if !e.Shareable {
				break
			}
		}
	}

	cpu.ipl.Lower(old)
	return handled
}
