// Package arch defines the architecture-neutral page-table-entry contract
// that internal/mm/pt walks, and is implemented by the per-architecture
// backends under internal/arch/{amd64,aarch64,riscv64,m68k}.
//
// A hardware build would select one of these per target at compile
// time; here the choice is a runtime value instead: internal/exec picks
// a Backend when it brings up a process' address space, and
// internal/mm/pt holds only the Backend interface.
package arch

import "fmt"

// PTEKind classifies the software interpretation of a PTE that isn't a
// valid hardware mapping, mirroring vmp_pte_characterise's enum
// vmp_pte_kind.
type PTEKind int

const (
	KindZero PTEKind = iota
	KindValid
	KindBusy
	KindTrans
	KindFork
	KindSwap
)

func (k PTEKind) String() string {
	switch k {
	case KindZero:
		return "zero"
	case KindValid:
		return "valid"
	case KindBusy:
		return "busy"
	case KindTrans:
		return "trans"
	case KindFork:
		return "fork"
	case KindSwap:
		return "swap"
	default:
		return fmt.Sprintf("PTEKind(%d)", int(k))
	}
}

// PTE is one page table entry's raw bit pattern. Architectures differ in
// layout but never in width on the targets this kernel runs on.
type PTE uint64

// Backend implements one architecture's page-table-entry encoding plus
// enough fault-frame introspection to render a diagnostic backtrace.
type Backend interface {
	Name() string

	CreateHW(pfn uint64, writeable, executable, user bool) PTE
	CreateTrans(pfn uint64) PTE
	CreateBusy(pfn uint64) PTE
	CreateSwap(descriptor uint64) PTE
	CreateFork(forkpage uint64) PTE
	Zero() PTE

	IsEmpty(p PTE) bool
	IsValid(p PTE) bool
	IsWriteable(p PTE) bool
	Characterise(p PTE) PTEKind

	// SoftPFN recovers the PFN or descriptor carried by a busy/trans/swap
	// software PTE.
	SoftPFN(p PTE) uint64
	// HWPFN recovers the PFN mapped by a valid hardware PTE.
	HWPFN(p PTE) uint64

	// TraceFault renders a short disassembly-backed description of the
	// instruction at the faulting PC, for fault diagnostics. code is the
	// raw bytes at pc; implementations that have no disassembler for
	// their architecture fall back to a hex dump.
	TraceFault(pc uint64, code []byte) string
}

const (
	pteValidBit = 1 << 0
	// pteSoftKindShift/pteSoftKindMask locate a 2-bit software kind
	// field just above the valid bit, for packSoft, softKind and
	// softData below. The backends in the arch subpackages do not use
	// these helpers; each keeps its software kind in the top two bits.
	pteSoftKindShift = 1
	pteSoftKindMask  = 0x3
	pteSoftDataShift = 3
)

func packSoft(kind PTEKind, data uint64) PTE {
	return PTE(uint64(kind&pteSoftKindMask)<<pteSoftKindShift | data<<pteSoftDataShift)
}

func softKind(p PTE) PTEKind {
	return PTEKind((uint64(p) >> pteSoftKindShift) & pteSoftKindMask)
}

func softData(p PTE) uint64 {
	return uint64(p) >> pteSoftDataShift
}
