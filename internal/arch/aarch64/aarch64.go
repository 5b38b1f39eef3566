// Package aarch64 implements arch.Backend for the AArch64 page table
// format. Busy/Swap/Fork all reuse one software-PTE shape; this is the
// least developed of the backends, and amd64 remains the primary target.
package aarch64

import (
	"fmt"

	"keyronex/internal/arch"

	"golang.org/x/arch/arm64/arm64asm"
)

const (
	validBit = 1 << 0
	afBit    = 1 << 10
	apWriteProtect = 1 << 7 // AP[2]: 1 = read-only

	pfnShift = 12
	pfnMask  = 0x0000_ffff_ffff_f000
)

type Backend struct{}

func New() arch.Backend { return Backend{} }

func (Backend) Name() string { return "aarch64" }

func (Backend) CreateHW(pfn uint64, writeable, executable, user bool) arch.PTE {
	v := uint64(validBit) | 1<<1 /* reserved_must_be_1, a block/page descriptor */ | (pfn << pfnShift) | afBit | 3<<8 /* sh = inner shareable */
	if !writeable {
		v |= apWriteProtect
	}
	_ = executable // no XN bit modelled yet; all mappings are executable
	_ = user
	return arch.PTE(v)
}

// softPTE packs a software kind (Busy/Trans/Fork/Swap) into the top 2
// bits, mirroring pte_sw_t's `valid:1, data:61, kind:2` layout (kind sits
// above the data field, not adjacent to the valid bit), with the payload
// shifted left past the valid bit. The field holds kind-relative-to-
// KindBusy since those are the only four values a software PTE carries.
func softPTE(kind arch.PTEKind, data uint64) arch.PTE {
	return arch.PTE(uint64(kind-arch.KindBusy)<<62 | data<<1)
}

func unpackSoftKind(p arch.PTE) arch.PTEKind {
	return arch.KindBusy + arch.PTEKind((uint64(p)>>62)&0x3)
}

func (b Backend) CreateTrans(pfn uint64) arch.PTE { return softPTE(arch.KindTrans, pfn) }
func (b Backend) CreateBusy(pfn uint64) arch.PTE  { return softPTE(arch.KindBusy, pfn) }
func (b Backend) CreateSwap(desc uint64) arch.PTE { return softPTE(arch.KindSwap, desc) }
func (b Backend) CreateFork(fp uint64) arch.PTE   { return softPTE(arch.KindFork, fp>>3) }
func (Backend) Zero() arch.PTE                    { return 0 }

func (Backend) IsEmpty(p arch.PTE) bool { return p == 0 }

// IsValid mirrors vmp_md_pte_is_valid's `(*pte & 0x3) != 0` test: either
// bit 0 (valid) or bit 1 (the block/page discriminator) set.
func (Backend) IsValid(p arch.PTE) bool { return uint64(p)&0x3 != 0 }

func (Backend) IsWriteable(p arch.PTE) bool { return uint64(p)&apWriteProtect == 0 }

func (b Backend) Characterise(p arch.PTE) arch.PTEKind {
	if b.IsEmpty(p) {
		return arch.KindZero
	}
	if b.IsValid(p) {
		return arch.KindValid
	}
	return unpackSoftKind(p)
}

func (Backend) SoftPFN(p arch.PTE) uint64 { return (uint64(p) >> 1) & (1<<61 - 1) }

func (Backend) HWPFN(p arch.PTE) uint64 { return (uint64(p) & pfnMask) >> pfnShift }

func (Backend) TraceFault(pc uint64, code []byte) string {
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return fmt.Sprintf("%#x: <undecodable: %v>", pc, err)
	}
	return fmt.Sprintf("%#x: %s", pc, inst)
}
