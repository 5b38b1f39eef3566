package ipl

import "testing"

func TestRaiseLower(t *testing.T) {
	cpu := NewCPUState()
	if cpu.Current() != Passive {
		t.Fatalf("initial IPL = %v, want Passive", cpu.Current())
	}
	old := cpu.Raise(DPC)
	if old != Passive {
		t.Fatalf("Raise returned %v, want Passive", old)
	}
	if cpu.Current() != DPC {
		t.Fatalf("Current() = %v, want DPC", cpu.Current())
	}
	cpu.Lower(old)
	if cpu.Current() != Passive {
		t.Fatalf("Current() after Lower = %v, want Passive", cpu.Current())
	}
}

func TestRaiseBelowCurrentPanics(t *testing.T) {
	cpu := NewCPUState()
	cpu.Raise(DPC)
	defer func() {
		if recover() == nil {
			t.Fatalf("Raise(Passive) after DPC did not panic")
		}
	}()
	cpu.Raise(Passive)
}

func TestSpinlockAcquireRaisesIPL(t *testing.T) {
	cpu := NewCPUState()
	lock := NewSpinlock(DPC)
	old := lock.Acquire(cpu)
	if cpu.Current() != DPC {
		t.Fatalf("Current() = %v, want DPC", cpu.Current())
	}
	if !lock.Held() {
		t.Fatalf("Held() = false while acquired")
	}
	lock.Release(cpu, old)
	if lock.Held() {
		t.Fatalf("Held() = true after release")
	}
	if cpu.Current() != Passive {
		t.Fatalf("Current() after release = %v, want Passive", cpu.Current())
	}
}

func TestDPCDrainOnCrossing(t *testing.T) {
	cpu := NewCPUState()
	drained := false
	cpu.Drain = func() { drained = true }

	old := cpu.Raise(DPC)
	cpu.Lower(old)
	if !drained {
		t.Fatalf("lowering below DPC did not drain DPC queue")
	}
}
