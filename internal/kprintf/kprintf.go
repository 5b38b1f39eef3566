// Package kprintf is the kernel's console output sink.
//
// The kernel owns its own console and cannot assume a terminal, so output
// is plain Printf routed through a swappable io.Writer; tests capture it
// instead of polluting `go test -v`, and a real console driver would
// install itself the same way.
package kprintf

import (
	"fmt"
	"io"
	"os"
	"sync"
)

var (
	mu  sync.Mutex
	out io.Writer = os.Stderr
)

// SetOutput redirects kernel console output, returning the previous writer
// so callers (mainly tests) can restore it.
func SetOutput(w io.Writer) io.Writer {
	mu.Lock()
	defer mu.Unlock()
	prev := out
	out = w
	return prev
}

// Printf writes a formatted console line.
func Printf(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(out, format, args...)
}
