package diag

import "testing"

func TestBacktraceNonEmpty(t *testing.T) {
	bt := Backtrace(0)
	if bt == "" {
		t.Fatalf("Backtrace returned empty string")
	}
}

func call1(dc *DistinctCaller) bool { return dc.Seen() }
func call2(dc *DistinctCaller) bool { return dc.Seen() }

func TestDistinctCaller(t *testing.T) {
	dc := NewDistinctCaller(true)
	if call1(dc) {
		t.Fatalf("first call from call1 reported already-seen")
	}
	if !call1(dc) {
		t.Fatalf("second call from call1 should report already-seen")
	}
	if call2(dc) {
		t.Fatalf("first call from call2 reported already-seen")
	}
	if dc.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", dc.Count())
	}
}

func TestDistinctCallerDisabled(t *testing.T) {
	dc := NewDistinctCaller(false)
	if dc.Seen() || dc.Seen() {
		t.Fatalf("disabled DistinctCaller should never report true")
	}
}
