// Package archsel resolves an architecture name to its arch.Backend. It is
// kept separate from internal/arch itself so that arch stays free of
// import-cycle-inducing references to its own implementations.
package archsel

import (
	"fmt"

	"keyronex/internal/arch"
	"keyronex/internal/arch/aarch64"
	"keyronex/internal/arch/amd64"
	"keyronex/internal/arch/m68k"
	"keyronex/internal/arch/riscv64"
)

// Backend returns the named architecture's backend, or an error if name
// is not one of "amd64", "aarch64", "riscv64", "m68k".
func Backend(name string) (arch.Backend, error) {
	switch name {
	case "amd64":
		return amd64.New(), nil
	case "aarch64":
		return aarch64.New(), nil
	case "riscv64":
		return riscv64.New(), nil
	case "m68k":
		return m68k.New(), nil
	default:
		return nil, fmt.Errorf("arch: unknown architecture %q", name)
	}
}
