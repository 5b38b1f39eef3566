// Package exec is the executive: the upward face of the nanokernel and
// VM for services above them. It owns system bring-up — PFN
// database, wired heap, kernel address space, unified buffer cache,
// scheduler CPUs, and the paging daemons — and wraps processes around
// address spaces and threads.
//
// Bring-up follows vmp_kernel_init/vmp_paging_init: memory first, then
// the kernel address space and buffer cache, then the balance-set
// manager and dirty-writer threads.
package exec

import (
	"runtime"
	"sync"

	"keyronex/internal/arch"
	"keyronex/internal/errs"
	"keyronex/internal/ipl"
	"keyronex/internal/ke"
	"keyronex/internal/klimits"
	"keyronex/internal/kprintf"
	"keyronex/internal/mm/kmem"
	"keyronex/internal/mm/pfndb"
	"keyronex/internal/mm/vm"
	"keyronex/internal/mm/vmstat"
)

// Address-space geometry: the lower half belongs to user processes, the
// dynamic kernel region sits in the upper half above the direct map.
const (
	lowerHalfBase = 0x0000_0000_0040_0000
	lowerHalfSize = 0x0000_7fff_ffc0_0000

	kernelDynamicBase = 0xffff_c000_0000_0000
	kernelDynamicSize = 0x0000_0040_0000_0000
)

// EProcess is one process of the executive: an address space plus its
// threads.
type EProcess struct {
	Name string
	VM   *vm.ProcState

	mu      sync.Mutex
	threads []*ke.Thread
}

// Threads snapshots the process's thread list.
func (p *EProcess) Threads() []*ke.Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*ke.Thread(nil), p.threads...)
}

// Executive is the assembled system.
type Executive struct {
	DB   *pfndb.DB
	Heap *kmem.Heap
	VM   *vm.VM
	UBC  *vm.UBC

	CPUs []*ke.CPU

	KernelProcess *EProcess

	balanceEvent *ke.Event
	writerEvent  *ke.Event

	balancer *ke.Thread
	writer   *ke.Thread

	mu    sync.Mutex
	procs []*EProcess
}

// Bringup assembles a system: ncpus scheduler CPUs over npages of
// managed memory, with the given PTE backend.
func Bringup(ncpus, npages int, backend arch.Backend) (*Executive, errs.Kind) {
	ex := &Executive{}

	ex.DB = pfndb.New()
	ex.DB.AddRegion(0x100000, npages)
	ex.Heap = kmem.NewHeap(ex.DB, uint64(npages)*pfndb.PageSize)
	ex.VM = vm.New(ex.DB, ex.Heap, backend)

	ex.CPUs = ke.Init(ncpus)
	cpu0 := ex.CPUs[0]

	kernelPS, kind := ex.VM.NewKernelProcState(cpu0.IPL(), kernelDynamicBase, kernelDynamicSize)
	if kind != errs.OK {
		return nil, kind
	}
	ex.KernelProcess = &EProcess{Name: "kernel", VM: kernelPS}
	ex.procs = append(ex.procs, ex.KernelProcess)

	ex.UBC = vm.NewUBC(ex.VM, kernelPS, 8)

	// The paging daemons: the balance-set manager trims working sets
	// under pressure; the dirty writer exists as the thread the
	// modified-page writeback will hang off once a pagefile driver
	// provides somewhere to push to.
	ex.balanceEvent = ke.NewEvent(cpu0)
	ex.writerEvent = ke.NewEvent(cpu0)
	ex.DB.BalanceSetWake = func() { ex.balanceEvent.Set() }
	ex.DB.WriterWake = func() { ex.writerEvent.Set() }

	var balancer, writer *ke.Thread
	balancer = ex.ThreadCreate(ex.KernelProcess, "vm balance set manager", func() {
		ex.balancerLoop(balancer)
	})
	writer = ex.ThreadCreate(ex.KernelProcess, "vm dirty writer daemon", func() {
		ex.writerLoop(writer)
	})
	ex.balancer, ex.writer = balancer, writer
	ke.Resume(balancer)
	ke.Resume(writer)

	kprintf.Printf("exec: %d cpus, %d pages under management\n", ncpus, npages)
	return ex, errs.OK
}

func (ex *Executive) balancerLoop(self *ke.Thread) {
	for {
		ke.WaitOne(self.LastCPU(), self, ex.balanceEvent.Header(),
			"vmp_balance_set_scheduler_event", nsPerSecond)
		ex.balanceEvent.Clear()
		ex.VM.TrimWorkingSets(self.LastCPU().IPL())
	}
}

// writerLoop is the modified-page writer's thread. Its push loop stays
// empty until a pagefile driver provides drum slots to clean pages to.
func (ex *Executive) writerLoop(self *ke.Thread) {
	for {
		ke.WaitOne(self.LastCPU(), self, ex.writerEvent.Header(),
			"vmp_writer_event", nsPerSecond)
		ex.writerEvent.Clear()
	}
}

const nsPerSecond = 1_000_000_000

// ProcessCreate builds a user process with a fresh lower-half address
// space (ps_process_create + vm_ps_init).
func (ex *Executive) ProcessCreate(name string) (*EProcess, errs.Kind) {
	ps, kind := ex.VM.NewProcState(ex.CPUs[0].IPL(), "dynamic-va", lowerHalfBase, lowerHalfSize)
	if kind != errs.OK {
		return nil, kind
	}
	p := &EProcess{Name: name, VM: ps}
	ex.mu.Lock()
	ex.procs = append(ex.procs, p)
	ex.mu.Unlock()
	return p, errs.OK
}

// ThreadCreate adds a thread to proc, initially suspended
// (ps_thread_create).
func (ex *Executive) ThreadCreate(proc *EProcess, name string, body func()) *ke.Thread {
	t := ke.NewThread(name, body)
	proc.mu.Lock()
	proc.threads = append(proc.threads, t)
	proc.mu.Unlock()
	return t
}

// CreateKernelThread creates and resumes a kernel-process thread
// (ps_create_kernel_thread).
func (ex *Executive) CreateKernelThread(name string, body func()) *ke.Thread {
	t := ex.ThreadCreate(ex.KernelProcess, name, body)
	ke.Resume(t)
	return t
}

// ExitThisThread ends the calling thread (ps_exit_this_thread): the
// goroutine unwinds and the scheduler's Done handling reaps it.
func (ex *Executive) ExitThisThread() {
	runtime.Goexit()
}

// MemoryObjectNew wraps a vnode as a mappable memory object, or creates
// a shared anonymous one if vn is nil (ex_memory_object_new).
func (ex *Executive) MemoryObjectNew(vn vm.Vnode) *vm.Object {
	if vn == nil {
		return vm.NewAnonObject()
	}
	return vm.NewFileObject(vn)
}

// MemoryObjectMap maps a view of obj into proc (ex_memory_object_map /
// vm_ps_map_object_view).
func (ex *Executive) MemoryObjectMap(proc *EProcess, obj *vm.Object,
	vaddrp *uint64, size, offset uint64, prot, maxProt vm.Protection,
	inheritShared, cow, exact bool) errs.Kind {
	return proc.VM.MapObjectView(ex.CPUs[0].IPL(), obj, vaddrp, size, offset,
		prot, maxProt, inheritShared, cow, exact)
}

// MapPhysicalView maps device memory into proc
// (vm_ps_map_physical_view).
func (ex *Executive) MapPhysicalView(proc *EProcess, vaddrp *uint64,
	size, phys uint64, prot, maxProt vm.Protection, exact bool) errs.Kind {
	return proc.VM.MapPhysicalView(ex.CPUs[0].IPL(), vaddrp, size, phys,
		prot, maxProt, exact)
}

// Allocate reserves anonymous memory in proc (vm_ps_allocate).
func (ex *Executive) Allocate(proc *EProcess, vaddrp *uint64, size uint64, exact bool) errs.Kind {
	return proc.VM.Allocate(ex.CPUs[0].IPL(), vaddrp, size, exact)
}

// Deallocate releases address space of proc (vm_ps_deallocate).
func (ex *Executive) Deallocate(proc *EProcess, start, size uint64) errs.Kind {
	return proc.VM.Deallocate(ex.CPUs[0].IPL(), start, size)
}

// Fault services a page fault on behalf of proc (vm_fault). A kernel
// fault that misses every VAD is fatal; a user one surfaces for signal
// delivery.
func (ex *Executive) Fault(proc *EProcess, vaddr uint64, write bool) errs.Kind {
	kind := proc.VM.Fault(ex.CPUs[0].IPL(), vaddr, write)
	if kind == errs.NotPresent && proc == ex.KernelProcess {
		errs.KernelFault("exec: kernel page fault on unmapped address")
	}
	return kind
}

// Fork replicates parent's address space into a new process (vm_fork).
func (ex *Executive) Fork(parent *EProcess, name string) (*EProcess, errs.Kind) {
	child, kind := ex.ProcessCreate(name)
	if kind != errs.OK {
		return nil, kind
	}
	if kind := ex.VM.Fork(ex.CPUs[0].IPL(), parent.VM, child.VM); kind != errs.OK {
		return nil, kind
	}
	return child, kind
}

// Stat snapshots the VM counters.
func (ex *Executive) Stat() vmstat.Snapshot {
	return vmstat.Take(ex.CPUs[0].IPL(), ex.DB, ex.Heap)
}

// Tunables re-exported for services that schedule against the clock.
const KernHZ = klimits.KernHZ

// IPL0 returns the boot CPU's IPL handle, for services that must take
// VM locks themselves (the UBC's I/O entry points want one).
func (ex *Executive) IPL0() *ipl.CPUState {
	return ex.CPUs[0].IPL()
}
