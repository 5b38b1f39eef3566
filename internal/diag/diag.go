// Package diag provides crash/backtrace diagnostics: stack rendering for
// fatal errors and a distinct-caller filter that rate-limits noisy
// warnings to one report per call site.
package diag

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
)

// Backtrace formats the call stack starting skip frames above its own
// caller, one frame per line, most-recent first. It is the Go-native
// implementation of downward interface md_intr_frame_trace: a
// platform port would instead decode a trapped register frame, but the
// portable shape — a readable, depth-bounded stack description used for
// fatal diagnostics — is the same.
func Backtrace(skip int) string {
	var b strings.Builder
	i := skip + 1
	for {
		_, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if i > skip+1 {
			b.WriteString("\t<-")
		}
		fmt.Fprintf(&b, "%s:%d\n", file, line)
		i++
	}
	return b.String()
}

// DistinctCaller records whether a given call site has already fired,
// throttling repeated diagnostics (e.g. "retried fault N times") to one
// report per call site rather than one per call.
type DistinctCaller struct {
	mu      sync.Mutex
	enabled bool
	seen    map[string]bool
}

// NewDistinctCaller returns a DistinctCaller; enabled gates whether Seen
// ever reports true, so call sites can cheaply no-op in production builds.
func NewDistinctCaller(enabled bool) *DistinctCaller {
	return &DistinctCaller{enabled: enabled, seen: make(map[string]bool)}
}

func pcHash(pcs []uintptr) uintptr {
	var ret uintptr
	for _, pc := range pcs {
		pc = pc*1103515245 + 12345
		ret ^= pc
	}
	return ret
}

// Seen reports whether its call site (the file and line in Seen's caller)
// has been observed before, recording it if not. Only the first call from
// a given site reports false.
func (dc *DistinctCaller) Seen() bool {
	if !dc.enabled {
		return false
	}
	pcs := make([]uintptr, 1)
	if runtime.Callers(2, pcs) == 0 {
		return false
	}
	frame, _ := runtime.CallersFrames(pcs).Next()
	h := fmt.Sprintf("%s:%d", frame.File, frame.Line)

	dc.mu.Lock()
	defer dc.mu.Unlock()
	if dc.seen[h] {
		return true
	}
	dc.seen[h] = true
	return false
}

// Count returns the number of distinct call sites recorded so far.
func (dc *DistinctCaller) Count() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.seen)
}
