package vm

import (
	"testing"

	"keyronex/internal/arch/amd64"
	"keyronex/internal/errs"
	"keyronex/internal/ipl"
	"keyronex/internal/mm/kmem"
	"keyronex/internal/mm/pfndb"
)

func newTestVM(t *testing.T) (*VM, *ipl.CPUState) {
	t.Helper()
	db := pfndb.New()
	db.AddRegion(0x100000, 4096)
	heap := kmem.NewHeap(db, 64<<20)
	return New(db, heap, amd64.New()), ipl.NewCPUState()
}

func newUserPS(t *testing.T, vm *VM, cpu *ipl.CPUState) *ProcState {
	t.Helper()
	ps, kind := vm.NewProcState(cpu, "dynamic-va", 0x1000_0000, 256<<20)
	if kind != errs.OK {
		t.Fatalf("NewProcState: %v", kind)
	}
	return ps
}

// writeByte stores val at vaddr through the fault handler, as a store
// instruction would after its fault is serviced.
func writeByte(t *testing.T, cpu *ipl.CPUState, ps *ProcState, vaddr uint64, val byte) {
	t.Helper()
	if kind := ps.Fault(cpu, vaddr, true); kind != errs.OK {
		t.Fatalf("write fault at %#x: %v", vaddr, kind)
	}
	old := ps.vm.DB.Acquire(cpu)
	paddr, kind := ps.space.Translate(vaddr)
	if kind != errs.OK {
		t.Fatalf("translate %#x after write fault: %v", vaddr, kind)
	}
	ps.vm.DB.Data(paddr, 1)[0] = val
	ps.vm.DB.Release(cpu, old)
}

// readByte loads the byte at vaddr through the fault handler.
func readByte(t *testing.T, cpu *ipl.CPUState, ps *ProcState, vaddr uint64) byte {
	t.Helper()
	if kind := ps.Fault(cpu, vaddr, false); kind != errs.OK {
		t.Fatalf("read fault at %#x: %v", vaddr, kind)
	}
	old := ps.vm.DB.Acquire(cpu)
	paddr, kind := ps.space.Translate(vaddr)
	if kind != errs.OK {
		t.Fatalf("translate %#x after read fault: %v", vaddr, kind)
	}
	b := ps.vm.DB.Data(paddr, 1)[0]
	ps.vm.DB.Release(cpu, old)
	return b
}

func TestDemandZero(t *testing.T) {
	vm, cpu := newTestVM(t)
	ps := newUserPS(t, vm, cpu)

	var base uint64
	if kind := ps.Allocate(cpu, &base, 3*PageSize, false); kind != errs.OK {
		t.Fatalf("allocate: %v", kind)
	}

	if got := readByte(t, cpu, ps, base+PageSize+7); got != 0 {
		t.Fatalf("demand-zero page read %#x, want 0", got)
	}
	writeByte(t, cpu, ps, base, 0x5a)
	if got := readByte(t, cpu, ps, base); got != 0x5a {
		t.Fatalf("read back %#x, want 0x5a", got)
	}

	if n := ps.NAnonymous(); n != 2 {
		t.Fatalf("nAnonymous = %d after touching 2 pages, want 2", n)
	}
	if ps.wsl.Count() != 2 {
		t.Fatalf("working set holds %d entries, want 2", ps.wsl.Count())
	}
}

func TestFaultOutsideVAD(t *testing.T) {
	vm, cpu := newTestVM(t)
	ps := newUserPS(t, vm, cpu)

	if kind := ps.Fault(cpu, 0x1234_0000, false); kind != errs.NotPresent {
		t.Fatalf("fault outside any VAD: %v, want not present", kind)
	}
}

func TestProtectionViolation(t *testing.T) {
	vm, cpu := newTestVM(t)
	ps := newUserPS(t, vm, cpu)

	var base uint64
	if kind := ps.MapObjectView(cpu, nil, &base, PageSize, 0,
		ProtRead, ProtAll, false, false, false); kind != errs.OK {
		t.Fatalf("map: %v", kind)
	}
	if kind := ps.Fault(cpu, base, true); kind != errs.PermissionDenied {
		t.Fatalf("write to read-only VAD: %v, want permission denied", kind)
	}
}

func TestDeallocateWhole(t *testing.T) {
	vm, cpu := newTestVM(t)
	ps := newUserPS(t, vm, cpu)

	baseline := vm.DB.StatSnapshot(cpu)

	var base uint64
	if kind := ps.Allocate(cpu, &base, 4*PageSize, false); kind != errs.OK {
		t.Fatalf("allocate: %v", kind)
	}
	writeByte(t, cpu, ps, base, 1)
	writeByte(t, cpu, ps, base+3*PageSize, 2)

	if kind := ps.Deallocate(cpu, base, 4*PageSize); kind != errs.OK {
		t.Fatalf("deallocate: %v", kind)
	}
	if len(ps.Entries()) != 0 {
		t.Fatalf("%d entries survive full deallocation", len(ps.Entries()))
	}
	if ps.wsl.Count() != 0 {
		t.Fatalf("%d working-set entries survive deallocation", ps.wsl.Count())
	}
	if n := ps.NAnonymous(); n != 0 {
		t.Fatalf("nAnonymous = %d after deallocation", n)
	}

	// Everything — anon pages and page-table pages — returns.
	after := vm.DB.StatSnapshot(cpu)
	if after.NFree != baseline.NFree {
		t.Fatalf("NFree %d after deallocate, want %d", after.NFree, baseline.NFree)
	}
}

// TestDeallocateSplits covers the three partial-overlap shapes of
// vm_ps_deallocate, including a deallocation splitting a VAD at both
// edges at once.
func TestDeallocateSplits(t *testing.T) {
	vm, cpu := newTestVM(t)
	ps := newUserPS(t, vm, cpu)

	var base uint64
	if kind := ps.Allocate(cpu, &base, 16*PageSize, false); kind != errs.OK {
		t.Fatalf("allocate: %v", kind)
	}

	// Middle: one entry becomes two.
	if kind := ps.Deallocate(cpu, base+4*PageSize, 4*PageSize); kind != errs.OK {
		t.Fatalf("middle deallocate: %v", kind)
	}
	entries := ps.Entries()
	if len(entries) != 2 {
		t.Fatalf("%d entries after middle deallocate, want 2", len(entries))
	}
	if entries[0].Start != base || entries[0].End != base+4*PageSize {
		t.Fatalf("head entry [%#x,%#x)", entries[0].Start, entries[0].End)
	}
	if entries[1].Start != base+8*PageSize || entries[1].End != base+16*PageSize {
		t.Fatalf("tail entry [%#x,%#x)", entries[1].Start, entries[1].End)
	}

	// A range spanning the gap trims the right edge of the first entry
	// and the left edge of the second simultaneously.
	if kind := ps.Deallocate(cpu, base+3*PageSize, 6*PageSize); kind != errs.OK {
		t.Fatalf("straddling deallocate: %v", kind)
	}
	entries = ps.Entries()
	if len(entries) != 2 {
		t.Fatalf("%d entries after straddling deallocate, want 2", len(entries))
	}
	if entries[0].End != base+3*PageSize {
		t.Fatalf("head entry end %#x, want %#x", entries[0].End, base+3*PageSize)
	}
	if entries[1].Start != base+9*PageSize {
		t.Fatalf("tail entry start %#x, want %#x", entries[1].Start, base+9*PageSize)
	}

	// The freed hole is allocatable again.
	hole := base + 3*PageSize
	if kind := ps.MapObjectView(cpu, nil, &hole, 6*PageSize, 0, ProtAll,
		ProtAll, false, false, true); kind != errs.OK {
		t.Fatalf("exact re-allocation of hole: %v", kind)
	}
}

// TestDeallocateLastPage maps at the very end of a VAD and deallocates
// the last page.
func TestDeallocateLastPage(t *testing.T) {
	vm, cpu := newTestVM(t)
	ps := newUserPS(t, vm, cpu)

	var base uint64
	if kind := ps.Allocate(cpu, &base, 4*PageSize, false); kind != errs.OK {
		t.Fatalf("allocate: %v", kind)
	}
	last := base + 3*PageSize
	writeByte(t, cpu, ps, last+PageSize-1, 0x77)

	if kind := ps.Deallocate(cpu, last, PageSize); kind != errs.OK {
		t.Fatalf("deallocate last page: %v", kind)
	}
	entries := ps.Entries()
	if len(entries) != 1 || entries[0].End != last {
		t.Fatalf("entry not trimmed to [%#x,%#x)", base, last)
	}
	if kind := ps.Fault(cpu, last, false); kind != errs.NotPresent {
		t.Fatalf("fault on deallocated last page: %v", kind)
	}
}

// TestPageTableReclamation: touch one page of a 1 MiB
// reservation, deallocate, and watch the vmstat counters return to
// baseline.
func TestPageTableReclamation(t *testing.T) {
	vm, cpu := newTestVM(t)
	ps := newUserPS(t, vm, cpu)

	baseline := vm.DB.StatSnapshot(cpu)

	var base uint64
	if kind := ps.Allocate(cpu, &base, 1<<20, false); kind != errs.OK {
		t.Fatalf("allocate 1MiB: %v", kind)
	}
	writeByte(t, cpu, ps, base+512*1024, 0x42)

	mid := vm.DB.StatSnapshot(cpu)
	if mid.NProcPgtable <= baseline.NProcPgtable {
		t.Fatalf("no page-table pages allocated by the touch")
	}

	if kind := ps.Deallocate(cpu, base, 1<<20); kind != errs.OK {
		t.Fatalf("deallocate: %v", kind)
	}

	after := vm.DB.StatSnapshot(cpu)
	if after.NProcPgtable != baseline.NProcPgtable {
		t.Fatalf("NProcPgtable %d after deallocate, want baseline %d",
			after.NProcPgtable, baseline.NProcPgtable)
	}
	if after.NFree != baseline.NFree {
		t.Fatalf("NFree %d after deallocate, want baseline %d",
			after.NFree, baseline.NFree)
	}
	if after.NAnonPrivate != baseline.NAnonPrivate {
		t.Fatalf("NAnonPrivate %d after deallocate, want baseline %d",
			after.NAnonPrivate, baseline.NAnonPrivate)
	}
}

func TestMDLPinsPages(t *testing.T) {
	vm, cpu := newTestVM(t)
	ps := newUserPS(t, vm, cpu)

	var base uint64
	if kind := ps.Allocate(cpu, &base, 2*PageSize, false); kind != errs.OK {
		t.Fatalf("allocate: %v", kind)
	}

	mdl, kind := ps.CreateMDL(cpu, base+100, PageSize+200, true)
	if kind != errs.OK {
		t.Fatalf("CreateMDL: %v", kind)
	}
	if len(mdl.Pages) != 2 {
		t.Fatalf("MDL spans %d pages, want 2", len(mdl.Pages))
	}
	if mdl.Offset != 100 {
		t.Fatalf("MDL offset %d, want 100", mdl.Offset)
	}

	// Mapping reference plus MDL pin.
	if rc := mdl.Pages[0].RefCount(); rc != 2 {
		t.Fatalf("pinned page refcount %d, want 2", rc)
	}

	paddr, kind := mdl.Paddr(PageSize)
	if kind != errs.OK {
		t.Fatalf("Paddr: %v", kind)
	}
	if want := mdl.Pages[1].Paddr() + 100; paddr != want {
		t.Fatalf("Paddr(PageSize) = %#x, want %#x", paddr, want)
	}
	if _, kind := mdl.Paddr(2 * PageSize); kind != errs.InvalidArgument {
		t.Fatalf("out-of-range Paddr accepted")
	}

	mdl.Release(cpu)
	if rc := mdl.Pages; rc != nil {
		t.Fatalf("release kept pages")
	}
}

func TestBufferMDL(t *testing.T) {
	vm, cpu := newTestVM(t)
	mdl, kind := vm.BufferMDL(cpu, 3)
	if kind != errs.OK {
		t.Fatalf("BufferMDL: %v", kind)
	}
	if len(mdl.Pages) != 3 {
		t.Fatalf("buffer MDL has %d pages", len(mdl.Pages))
	}
	for _, p := range mdl.Pages {
		if p.Use != pfndb.UseKWired {
			t.Fatalf("buffer page use %v", p.Use)
		}
	}
	mdl.Release(cpu)
}

func TestMapPhysicalView(t *testing.T) {
	vm, cpu := newTestVM(t)
	ps := newUserPS(t, vm, cpu)

	// Device memory: a physical range outside every managed region.
	const devPhys = 0xfe00_0000

	var base uint64
	if kind := ps.MapPhysicalView(cpu, &base, 2*PageSize, devPhys,
		ProtRead|ProtWrite, ProtAll, false); kind != errs.OK {
		t.Fatalf("MapPhysicalView: %v", kind)
	}

	// The PTEs are wired up front; no fault needed.
	old := vm.DB.Acquire(cpu)
	paddr, kind := ps.space.Translate(base + PageSize + 12)
	vm.DB.Release(cpu, old)
	if kind != errs.OK {
		t.Fatalf("translate unwired physical view: %v", kind)
	}
	if want := uint64(devPhys) + PageSize + 12; paddr != want {
		t.Fatalf("physical view translates to %#x, want %#x", paddr, want)
	}

	// Teardown takes the no-page path.
	if kind := ps.Deallocate(cpu, base, 2*PageSize); kind != errs.OK {
		t.Fatalf("deallocate physical view: %v", kind)
	}
	old = vm.DB.Acquire(cpu)
	if _, kind := ps.space.Translate(base); kind != errs.NotPresent {
		t.Fatalf("physical view survives deallocation")
	}
	vm.DB.Release(cpu, old)
}

func TestWorkingSetTrimAndRefault(t *testing.T) {
	vm, cpu := newTestVM(t)
	ps := newUserPS(t, vm, cpu)

	var base uint64
	if kind := ps.Allocate(cpu, &base, 32*PageSize, false); kind != errs.OK {
		t.Fatalf("allocate: %v", kind)
	}
	for i := uint64(0); i < 32; i++ {
		writeByte(t, cpu, ps, base+i*PageSize, byte(i+1))
	}
	if ps.wsl.Count() != 32 {
		t.Fatalf("working set %d, want 32", ps.wsl.Count())
	}

	evicted := vm.TrimWorkingSets(cpu)
	if evicted != trimBatch {
		t.Fatalf("trim evicted %d, want %d", evicted, trimBatch)
	}
	if ps.wsl.Count() != 32-trimBatch {
		t.Fatalf("working set %d after trim", ps.wsl.Count())
	}

	// Trimmed pages reinstate from their transition PTEs with content
	// intact.
	for i := uint64(0); i < 32; i++ {
		if got := readByte(t, cpu, ps, base+i*PageSize); got != byte(i+1) {
			t.Fatalf("page %d read %#x after trim, want %#x", i, got, byte(i+1))
		}
	}
	if ps.wsl.Count() != 32 {
		t.Fatalf("working set %d after refault, want 32", ps.wsl.Count())
	}
}
