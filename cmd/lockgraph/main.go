// Command lockgraph generates a Graphviz DOT description of the
// kernel's lock-ordering graph.
//
// The kernel's documented lock order runs scheduler lock, per-CPU sched
// lock, DPC lock, dispatcher object spinlocks, PFN lock, per-process
// map lock, working-set mutex, VMem arena lock, slab cache lock. This
// tool loads the kernel packages, finds every lock acquisition, and
// emits the observed may-hold-while-acquiring edges so a reviewer can
// diff the drawing against the documented order by eye; an edge running
// against that order is drawn in red.
//
// The analysis is static and approximate: within one function, a lock
// acquired textually after another is assumed nested inside it, and a
// lock held in a caller is assumed held across the calls the caller
// makes. Indirect calls are resolved with the go/pointer analysis when
// a main package is among the loaded set; otherwise only static calls
// contribute edges.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"go/ast"
	"go/printer"
	"go/token"
	"go/types"
	"os"
	"sort"
	"strings"

	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/pointer"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

// lockOrder is the documented order, outermost first.
var lockOrder = []string{
	"sched_lock",
	"dpc_lock",
	"dispatcher",
	"pfn_lock",
	"map_lock",
	"ws_mutex",
	"vmem_arena",
	"slab_cache",
}

func orderIndex(lock string) int {
	for i, l := range lockOrder {
		if l == lock {
			return i
		}
	}
	return len(lockOrder)
}

// acquisition is one lock-taking call site.
type acquisition struct {
	lock string
	pos  token.Pos
}

// funcInfo accumulates per-function facts.
type funcInfo struct {
	acquires []acquisition
	calls    []callSite
	// transitively is the set of locks reachable through this
	// function's call tree, filled by the fixed point below.
	transitively map[string]bool
}

type callSite struct {
	callee *types.Func
	pos    token.Pos
}

func main() {
	pattern := flag.String("pkg", "keyronex/internal/...", "packages to analyse")
	flag.Parse()

	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedFiles | packages.NeedSyntax |
			packages.NeedTypes | packages.NeedTypesInfo | packages.NeedDeps |
			packages.NeedImports,
	}
	pkgs, err := packages.Load(cfg, *pattern)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lockgraph: %v\n", err)
		os.Exit(1)
	}
	if packages.PrintErrors(pkgs) > 0 {
		os.Exit(1)
	}

	funcs := make(map[*types.Func]*funcInfo)
	for _, pkg := range pkgs {
		scanPackage(pkg, funcs)
	}
	propagate(funcs)

	edges := collectEdges(funcs)
	addPointerEdges(pkgs, funcs, edges)

	writer := bufio.NewWriter(os.Stdout)
	defer writer.Flush()
	emitDot(writer, edges)
}

// classify maps a call expression to a lock class, or "" if it is not a
// lock acquisition. Receiver spelling carries the identity: the IPL
// spinlock type is shared by every spinlock in the system, so the field
// holding it is what distinguishes the scheduler lock from the PFN
// lock.
func classify(pkg *packages.Package, call *ast.CallExpr) string {
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok {
		return ""
	}
	method := sel.Sel.Name

	var recv strings.Builder
	printer.Fprint(&recv, pkg.Fset, sel.X)
	recvText := recv.String()

	switch method {
	case "Acquire", "TryAcquire":
		switch {
		case strings.Contains(recvText, "schedLock"):
			return "sched_lock"
		case pkg.PkgPath == "keyronex/internal/dpc":
			return "dpc_lock"
		case strings.Contains(recvText, ".Lock"):
			// Dispatcher headers expose their spinlock as Lock.
			return "dispatcher"
		case strings.Contains(recvText, "DB") || strings.Contains(recvText, "db") ||
			pkg.PkgPath == "keyronex/internal/mm/pfndb":
			return "pfn_lock"
		}
		return ""
	case "Lock", "RLock":
		switch {
		case strings.Contains(recvText, "mapLock"):
			return "map_lock"
		case strings.Contains(recvText, "wsMutex"):
			return "ws_mutex"
		case pkg.PkgPath == "keyronex/internal/mm/vmem" &&
			strings.HasSuffix(recvText, ".mu"):
			return "vmem_arena"
		case pkg.PkgPath == "keyronex/internal/mm/kmem" &&
			strings.HasSuffix(recvText, ".mu"):
			return "slab_cache"
		}
		return ""
	}
	return ""
}

func scanPackage(pkg *packages.Package, funcs map[*types.Func]*funcInfo) {
	for _, file := range pkg.Syntax {
		for _, decl := range file.Decls {
			fd, ok := decl.(*ast.FuncDecl)
			if !ok || fd.Body == nil {
				continue
			}
			obj, ok := pkg.TypesInfo.Defs[fd.Name].(*types.Func)
			if !ok {
				continue
			}
			info := &funcInfo{transitively: make(map[string]bool)}
			funcs[obj] = info

			ast.Inspect(fd.Body, func(n ast.Node) bool {
				call, ok := n.(*ast.CallExpr)
				if !ok {
					return true
				}
				if lock := classify(pkg, call); lock != "" {
					info.acquires = append(info.acquires,
						acquisition{lock: lock, pos: call.Pos()})
					return true
				}
				if sel, ok := call.Fun.(*ast.SelectorExpr); ok {
					if callee, ok := pkg.TypesInfo.Uses[sel.Sel].(*types.Func); ok {
						info.calls = append(info.calls,
							callSite{callee: callee, pos: call.Pos()})
					}
				} else if id, ok := call.Fun.(*ast.Ident); ok {
					if callee, ok := pkg.TypesInfo.Uses[id].(*types.Func); ok {
						info.calls = append(info.calls,
							callSite{callee: callee, pos: call.Pos()})
					}
				}
				return true
			})
		}
	}
}

// propagate computes each function's transitive lock set to a fixed
// point.
func propagate(funcs map[*types.Func]*funcInfo) {
	for changed := true; changed; {
		changed = false
		for _, info := range funcs {
			for _, a := range info.acquires {
				if !info.transitively[a.lock] {
					info.transitively[a.lock] = true
					changed = true
				}
			}
			for _, c := range info.calls {
				callee := funcs[c.callee]
				if callee == nil {
					continue
				}
				for lock := range callee.transitively {
					if !info.transitively[lock] {
						info.transitively[lock] = true
						changed = true
					}
				}
			}
		}
	}
}

// collectEdges derives may-hold-while-acquiring edges: textual nesting
// within a function, plus locks a callee subtree takes while the caller
// holds one.
func collectEdges(funcs map[*types.Func]*funcInfo) map[[2]string]bool {
	edges := make(map[[2]string]bool)
	for _, info := range funcs {
		for i, outer := range info.acquires {
			for _, inner := range info.acquires[i+1:] {
				if inner.lock != outer.lock {
					edges[[2]string{outer.lock, inner.lock}] = true
				}
			}
			for _, c := range info.calls {
				if c.pos < outer.pos {
					continue
				}
				callee := funcs[c.callee]
				if callee == nil {
					continue
				}
				for lock := range callee.transitively {
					if lock != outer.lock {
						edges[[2]string{outer.lock, lock}] = true
					}
				}
			}
		}
	}
	return edges
}

// addPointerEdges refines the graph through points-to analysis when the
// loaded set contains a main package; function values (DPC callbacks,
// drain hooks) then resolve to their possible targets.
func addPointerEdges(pkgs []*packages.Package, funcs map[*types.Func]*funcInfo,
	edges map[[2]string]bool) {

	prog, _ := ssautil.AllPackages(pkgs, ssa.InstantiateGenerics)
	prog.Build()
	mains := ssautil.MainPackages(prog.AllPackages())
	if len(mains) == 0 {
		return
	}

	result, err := pointer.Analyze(&pointer.Config{
		Mains:          mains,
		BuildCallGraph: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "lockgraph: pointer analysis: %v\n", err)
		return
	}

	for _, node := range result.CallGraph.Nodes {
		if node.Func == nil {
			continue
		}
		callerObj, ok := node.Func.Object().(*types.Func)
		if !ok {
			continue
		}
		caller := funcs[callerObj]
		if caller == nil || len(caller.acquires) == 0 {
			continue
		}
		for _, out := range node.Out {
			if out.Callee.Func == nil {
				continue
			}
			calleeObj, ok := out.Callee.Func.Object().(*types.Func)
			if !ok {
				continue
			}
			callee := funcs[calleeObj]
			if callee == nil {
				continue
			}
			for _, a := range caller.acquires {
				for lock := range callee.transitively {
					if lock != a.lock {
						edges[[2]string{a.lock, lock}] = true
					}
				}
			}
		}
	}
}

func emitDot(w *bufio.Writer, edges map[[2]string]bool) {
	w.WriteString("digraph locks {\n")
	w.WriteString("    rankdir=TB;\n")
	for _, lock := range lockOrder {
		fmt.Fprintf(w, "    %q;\n", lock)
	}

	sorted := make([][2]string, 0, len(edges))
	for e := range edges {
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i][0] != sorted[j][0] {
			return sorted[i][0] < sorted[j][0]
		}
		return sorted[i][1] < sorted[j][1]
	})

	for _, e := range sorted {
		attr := ""
		if orderIndex(e[0]) > orderIndex(e[1]) {
			// Runs against the documented order.
			attr = " [color=red]"
		}
		fmt.Fprintf(w, "    %q -> %q%s;\n", e[0], e[1], attr)
	}
	w.WriteString("}\n")
}
