package vm

import (
	"sync"

	"keyronex/internal/errs"
	"keyronex/internal/ipl"
	"keyronex/internal/klimits"
	"keyronex/internal/kprintf"
	"keyronex/internal/mm/pfndb"
	"keyronex/internal/util"
)

// WindowBytes is one UBC window's span.
const WindowBytes = klimits.UBCWindowBytes

// Window is one cache view (ubc_window_t): a WindowBytes-sized mapping
// of some object, found through the per-object window tree while bound
// and recycled through the free and LRU queues.
type Window struct {
	obj         *Object
	offsetUnits uint64
	refcnt      int
	addr        uint64
	bound       bool
}

// UBC is the unified buffer cache: a fixed population of
// windows over file objects, mapped in the kernel address space so that
// cached I/O is ordinary faulting memory access.
type UBC struct {
	vm       *VM
	kernelPS *ProcState

	// mu stands in for ubc_lock. Window replacement runs under it,
	// trading replace/take concurrency for a plain critical section.
	mu sync.Mutex

	windows []*Window
	free    []*Window
	lru     []*Window // front least recently used
	trees   map[*Object]map[uint64]*Window
}

// NewUBC populates the cache with nwindows windows (ubc_init).
func NewUBC(vm *VM, kernelPS *ProcState, nwindows int) *UBC {
	u := &UBC{
		vm:       vm,
		kernelPS: kernelPS,
		trees:    make(map[*Object]map[uint64]*Window),
	}
	kprintf.Printf("ubc: %d windows in unified buffer cache\n", nwindows)
	for i := 0; i < nwindows; i++ {
		w := &Window{}
		u.windows = append(u.windows, w)
		u.free = append(u.free, w)
	}
	return u
}

func (u *UBC) lruRemove(w *Window) {
	for i, it := range u.lru {
		if it == w {
			u.lru = append(u.lru[:i], u.lru[i+1:]...)
			return
		}
	}
}

// bind maps a window over [offsetUnits*WindowBytes, +WindowBytes) of
// obj in the kernel address space.
func (u *UBC) bind(cpu *ipl.CPUState, w *Window, obj *Object, offsetUnits uint64) {
	w.obj = obj
	w.offsetUnits = offsetUnits
	w.addr = 0
	kind := u.kernelPS.MapObjectView(cpu, obj, &w.addr, WindowBytes,
		offsetUnits*WindowBytes, ProtRead|ProtWrite, ProtAll, false, false, false)
	if kind != errs.OK {
		errs.KernelFault("ubc: no address space for window")
	}
	w.bound = true

	tree := u.trees[obj]
	if tree == nil {
		tree = make(map[uint64]*Window)
		u.trees[obj] = tree
	}
	tree[offsetUnits] = w
}

// replace strips a window for reuse (window_replace): every valid PTE in
// its range is evicted from the kernel working set first, so cached
// content survives on the object's page tree, then the view unmaps.
func (u *UBC) replace(cpu *ipl.CPUState, w *Window) {
	delete(u.trees[w.obj], w.offsetUnits)

	ps := u.kernelPS
	ps.wsMutex.Lock()
	old := u.vm.DB.Acquire(cpu)
	for i := uint64(0); i < WindowBytes; i += pfndb.PageSize {
		vaddr := w.addr + i
		ptePaddr, kind := ps.space.FetchPTE(vaddr)
		if kind != errs.OK {
			continue
		}
		if u.vm.Arch.IsValid(u.vm.DB.ReadPTE(ptePaddr)) {
			ps.wslRemove(vaddr)
			ps.pageEvict(cpu, vaddr)
		}
	}
	u.vm.DB.Release(cpu, old)
	ps.wsMutex.Unlock()

	ps.Deallocate(cpu, w.addr, WindowBytes)
	w.bound = false
	w.obj = nil
}

// takeWindow finds or builds the window covering offsetUnits of obj
// (take_window).
func (u *UBC) takeWindow(cpu *ipl.CPUState, obj *Object, offsetUnits uint64) *Window {
	u.mu.Lock()
	defer u.mu.Unlock()

	if w := u.trees[obj][offsetUnits]; w != nil {
		if w.refcnt == 0 {
			u.lruRemove(w)
		}
		w.refcnt++
		return w
	}

	var w *Window
	if len(u.free) > 0 {
		w = u.free[0]
		u.free = u.free[1:]
	} else {
		if len(u.lru) == 0 {
			errs.KernelFault("ubc: all windows referenced")
		}
		w = u.lru[0]
		u.lru = u.lru[1:]
		u.replace(cpu, w)
	}
	w.refcnt = 1
	u.bind(cpu, w, obj, offsetUnits)
	return w
}

func (u *UBC) putWindow(w *Window) {
	u.mu.Lock()
	w.refcnt--
	if w.refcnt == 0 {
		u.lru = append(u.lru, w)
	}
	u.mu.Unlock()
}

// IO copies between buf and the cached object (ubc_io): the object's
// rwlock pins its size for the duration, each touched window is taken
// (replacing the least recent one if none is free), and the bytes move
// through faulted-in kernel mappings of the file pages.
func (u *UBC) IO(cpu *ipl.CPUState, obj *Object, buf []byte, off uint64, write bool) (int, errs.Kind) {
	obj.rw.Lock()
	defer obj.rw.Unlock()

	done := 0
	for done < len(buf) {
		pos := off + uint64(done)
		windowOff := util.Rounddown(pos, uint64(WindowBytes))
		winOff := pos % WindowBytes
		n := util.Min(WindowBytes-winOff, uint64(len(buf)-done))

		w := u.takeWindow(cpu, obj, windowOff/WindowBytes)

		if kind := u.copyWindow(cpu, w, buf[done:done+int(n)], winOff, write); kind != errs.OK {
			u.putWindow(w)
			return done, kind
		}

		u.putWindow(w)
		done += int(n)
	}
	return done, errs.OK
}

// copyWindow moves bytes between buf and the window at internal offset
// winOff, faulting each page through the kernel address space.
func (u *UBC) copyWindow(cpu *ipl.CPUState, w *Window, buf []byte, winOff uint64, write bool) errs.Kind {
	ps := u.kernelPS
	db := u.vm.DB

	for len(buf) > 0 {
		vaddr := w.addr + winOff
		chunk := util.Min(uint64(len(buf)), pfndb.PageSize-vaddr%pfndb.PageSize)

		if kind := ps.Fault(cpu, vaddr, write); kind != errs.OK {
			return kind
		}

		ps.wsMutex.Lock()
		old := db.Acquire(cpu)
		paddr, kind := ps.space.Translate(vaddr)
		if kind != errs.OK {
			// Trimmed between fault and copy; go again.
			db.Release(cpu, old)
			ps.wsMutex.Unlock()
			continue
		}
		data := db.Data(paddr, int(chunk))
		if write {
			copy(data, buf[:chunk])
		} else {
			copy(buf[:chunk], data)
		}
		db.Release(cpu, old)
		ps.wsMutex.Unlock()

		buf = buf[chunk:]
		winOff += chunk
	}
	return errs.OK
}
