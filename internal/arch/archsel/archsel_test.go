package archsel

import "testing"

func TestBackendRoundTrip(t *testing.T) {
	for _, name := range []string{"amd64", "aarch64", "riscv64", "m68k"} {
		b, err := Backend(name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if b.Name() != name {
			t.Fatalf("Name() = %q, want %q", b.Name(), name)
		}

		zero := b.Zero()
		if !b.IsEmpty(zero) {
			t.Errorf("%s: Zero() not IsEmpty", name)
		}

		hw := b.CreateHW(0x1234, true, true, true)
		if !b.IsValid(hw) {
			t.Errorf("%s: CreateHW not IsValid", name)
		}
		if !b.IsWriteable(hw) {
			t.Errorf("%s: CreateHW(writeable=true) not IsWriteable", name)
		}
		if pfn := b.HWPFN(hw); pfn != 0x1234 {
			t.Errorf("%s: HWPFN = %#x, want 0x1234", name, pfn)
		}

		ro := b.CreateHW(0x1234, false, true, true)
		if b.IsWriteable(ro) {
			t.Errorf("%s: CreateHW(writeable=false) reports writeable", name)
		}

		trans := b.CreateTrans(0x5678)
		if got := b.Characterise(trans); got.String() == "" {
			t.Errorf("%s: Characterise(trans) gave empty string", name)
		}
		if pfn := b.SoftPFN(trans); pfn != 0x5678 {
			t.Errorf("%s: SoftPFN(trans) = %#x, want 0x5678", name, pfn)
		}

		if s := b.TraceFault(0x1000, []byte{0x90, 0x90, 0x90, 0x90}); s == "" {
			t.Errorf("%s: TraceFault returned empty string", name)
		}
	}
}

func TestBackendUnknown(t *testing.T) {
	if _, err := Backend("sparc"); err == nil {
		t.Fatalf("Backend(\"sparc\") should have failed")
	}
}
