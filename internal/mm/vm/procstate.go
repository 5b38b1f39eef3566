// Package vm implements the upper virtual-memory manager: per-process
// address spaces (VAD trees, working-set lists), the page-fault handler
// with fork-on-write, vm_fork, memory descriptor lists and the unified
// buffer cache.
//
// Process-level locks are plain sync mutexes on the procstate; spinlock
// discipline applies only from the PFN lock down, which
// internal/mm/pfndb owns.
package vm

import (
	"sync"

	"keyronex/internal/arch"
	"keyronex/internal/errs"
	"keyronex/internal/ipl"
	"keyronex/internal/mm/kmem"
	"keyronex/internal/mm/pfndb"
	"keyronex/internal/mm/pt"
	"keyronex/internal/mm/vmem"
	"keyronex/internal/util"
)

// PageSize re-exports the machine page size for callers above the VM.
const PageSize = pfndb.PageSize

// Protection is a mapping protection mask (vm_protection_t).
type Protection uint8

const (
	ProtRead    Protection = 0x1
	ProtWrite   Protection = 0x2
	ProtExecute Protection = 0x4
	ProtAll                = ProtRead | ProtWrite | ProtExecute
)

// VM holds the machine-wide virtual memory state: the PFN database, the
// wired heap, the PTE backend, the pagefile pager and the fork-page
// registry.
type VM struct {
	DB   *pfndb.DB
	Heap *kmem.Heap
	Arch arch.Backend

	// Pager moves anonymous pages to and from drum slots; nil until a
	// pagefile is added.
	Pager Pager

	// GlobalShootdown models md_send_invlpg_ipi to all CPUs; nil in
	// tests.
	GlobalShootdown func()

	// Fork pages are addressed from PTEs by a compressed integer ID;
	// the registry maps it back. Guarded by the PFN lock.
	forkpages  map[uint64]*ForkPage
	nextForkID uint64

	balance balanceSet
}

// New builds the VM over a PFN database and heap.
func New(db *pfndb.DB, heap *kmem.Heap, backend arch.Backend) *VM {
	return &VM{
		DB:        db,
		Heap:      heap,
		Arch:      backend,
		forkpages: make(map[uint64]*ForkPage),
	}
}

// MapEntry is a virtual address descriptor: one reserved [Start, End)
// range with its protections and optional object backing (vm_map_entry).
type MapEntry struct {
	Start, End uint64

	Prot    Protection
	MaxProt Protection

	// InheritShared maps the range shared into fork children; otherwise
	// it is copied.
	InheritShared bool
	// COW marks an object-backed mapping copy-on-write.
	COW bool

	Object *Object
	// Offset is the page-unit offset into Object.
	Offset uint64

	ps *ProcState
}

// ProcState is the per-process VM state (vm_procstate_t).
type ProcState struct {
	vm *VM

	// mapLock guards the VAD list and address-space arena; wsMutex
	// guards the working set and page tables. Lock order: mapLock,
	// then any object's map-entry-list lock, then wsMutex, then the
	// PFN lock's IPL domain.
	mapLock sync.RWMutex
	wsMutex sync.Mutex

	space *pt.Space
	arena *vmem.Arena
	vads  []*MapEntry // sorted by Start; never overlapping
	wsl   WSL

	// nAnonymous counts private anonymous pages; Fork resets it to zero
	// once they have become fork-shared. Guarded by wsMutex.
	nAnonymous int

	kernel bool

	// Balance-set linkage, guarded by the trimmer's lock.
	lastTrimCounter uint32
}

// NewProcState creates a process address space spanning [base,
// base+size), with its own page-table tree.
func (vm *VM) NewProcState(cpu *ipl.CPUState, name string, base, size uint64) (*ProcState, errs.Kind) {
	space, kind := pt.NewSpace(cpu, vm.DB, vm.Arch)
	if kind != errs.OK {
		return nil, kind
	}
	ps := &ProcState{
		vm:    vm,
		space: space,
		arena: vmem.Init(name, base, size, pfndb.PageSize, nil, nil, nil, 0),
	}
	space.Owner = ps
	ps.wsl.init(DefaultWSLMax)
	vm.balance.add(ps)
	return ps, errs.OK
}

// NewKernelProcState builds the kernel's own address space: identical
// machinery, but mappings are supervisor-only.
func (vm *VM) NewKernelProcState(cpu *ipl.CPUState, base, size uint64) (*ProcState, errs.Kind) {
	ps, kind := vm.NewProcState(cpu, "kernel-dynamic-va", base, size)
	if kind != errs.OK {
		return nil, kind
	}
	ps.kernel = true
	return ps, errs.OK
}

// Space exposes the page-table tree, for the platform port to load its
// root on context switch.
func (ps *ProcState) Space() *pt.Space { return ps.space }

// NAnonymous reports the process's private anonymous page count.
func (ps *ProcState) NAnonymous() int {
	ps.wsMutex.Lock()
	defer ps.wsMutex.Unlock()
	return ps.nAnonymous
}

// vadFind returns the entry containing vaddr, or nil (vmp_ps_vad_find).
// mapLock held.
func (ps *ProcState) vadFind(vaddr uint64) *MapEntry {
	lo, hi := 0, len(ps.vads)
	for lo < hi {
		mid := (lo + hi) / 2
		e := ps.vads[mid]
		switch {
		case vaddr < e.Start:
			hi = mid
		case vaddr >= e.End:
			lo = mid + 1
		default:
			return e
		}
	}
	return nil
}

// vadInsert places entry in start order. mapLock held for writing.
func (ps *ProcState) vadInsert(entry *MapEntry) {
	lo, hi := 0, len(ps.vads)
	for lo < hi {
		mid := (lo + hi) / 2
		if ps.vads[mid].Start < entry.Start {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	ps.vads = append(ps.vads, nil)
	copy(ps.vads[lo+1:], ps.vads[lo:])
	ps.vads[lo] = entry
}

func (ps *ProcState) vadRemove(entry *MapEntry) {
	for i, e := range ps.vads {
		if e == entry {
			ps.vads = append(ps.vads[:i], ps.vads[i+1:]...)
			return
		}
	}
	errs.KernelFault("vm: removing unknown map entry")
}

// Entries snapshots the VAD list, for diagnostics and tests.
func (ps *ProcState) Entries() []MapEntry {
	ps.mapLock.RLock()
	defer ps.mapLock.RUnlock()
	out := make([]MapEntry, len(ps.vads))
	for i, e := range ps.vads {
		out[i] = *e
	}
	return out
}

func pageAligned(v uint64) bool { return v%pfndb.PageSize == 0 }

func roundupPage(v uint64) uint64 { return util.Roundup(v, pfndb.PageSize) }
