// Package lower converts compiler intrinsics into plain external calls.
// Code randomization rewrites constant-pool references, and intrinsics that
// expand late in code generation can reintroduce such references behind the
// transform's back; turning them into libcalls up front locks their ABI.
package lower

import (
	"strings"
	"sync"

	"stabilizer/internal/diag"
	"stabilizer/internal/ir"
)

// libcalls maps intrinsic names to the external library function carrying
// the same semantics. Populated once per process on first lookup.
var (
	libcallOnce sync.Once
	libcalls    map[string]string
)

func libcallTable() map[string]string {
	libcallOnce.Do(func() {
		libcalls = map[string]string{
			"llvm.sqrt.f32":      "sqrtf",
			"llvm.sqrt.f64":      "sqrt",
			"llvm.sin.f32":       "sinf",
			"llvm.sin.f64":       "sin",
			"llvm.cos.f32":       "cosf",
			"llvm.cos.f64":       "cos",
			"llvm.pow.f32":       "powf",
			"llvm.pow.f64":       "pow",
			"llvm.exp.f32":       "expf",
			"llvm.exp.f64":       "exp",
			"llvm.exp2.f32":      "exp2f",
			"llvm.exp2.f64":      "exp2",
			"llvm.log.f32":       "logf",
			"llvm.log.f64":       "log",
			"llvm.log2.f32":      "log2f",
			"llvm.log2.f64":      "log2",
			"llvm.log10.f32":     "log10f",
			"llvm.log10.f64":     "log10",
			"llvm.fabs.f32":      "fabsf",
			"llvm.fabs.f64":      "fabs",
			"llvm.floor.f32":     "floorf",
			"llvm.floor.f64":     "floor",
			"llvm.ceil.f32":      "ceilf",
			"llvm.ceil.f64":      "ceil",
			"llvm.trunc.f32":     "truncf",
			"llvm.trunc.f64":     "trunc",
			"llvm.rint.f32":      "rintf",
			"llvm.rint.f64":      "rint",
			"llvm.nearbyint.f32": "nearbyintf",
			"llvm.nearbyint.f64": "nearbyint",
			"llvm.copysign.f32":  "copysignf",
			"llvm.copysign.f64":  "copysign",
			"llvm.fma.f32":       "fmaf",
			"llvm.fma.f64":       "fma",
			"llvm.trap":          "abort",
		}
	})
	return libcalls
}

// Memory intrinsics are overloaded on pointer and length types; any variant
// maps to the same libcall.
var memFamilies = map[string]string{
	"llvm.memcpy":  "memcpy",
	"llvm.memmove": "memmove",
	"llvm.memset":  "memset",
}

// alwaysInline lists intrinsics the code generator always expands in place
// without touching a constant pool. They are left alone.
var alwaysInline = []string{
	"llvm.stacksave",
	"llvm.stackrestore",
	"llvm.frameaddress",
	"llvm.returnaddress",
	"llvm.expect",
	"llvm.assume",
	"llvm.donothing",
	"llvm.prefetch",
	"llvm.objectsize",
	"llvm.lifetime.",
	"llvm.invariant.",
	"llvm.dbg.",
	"llvm.va_start",
	"llvm.va_end",
	"llvm.va_copy",
}

func isAlwaysInline(name string) bool {
	for _, p := range alwaysInline {
		if strings.HasSuffix(p, ".") {
			if strings.HasPrefix(name, p) {
				return true
			}
		} else if name == p || strings.HasPrefix(name, p+".") {
			return true
		}
	}
	return false
}

// LibcallName resolves an intrinsic name to its libcall, or "" when no
// mapping exists.
func LibcallName(name string) string {
	if lc, ok := libcallTable()[name]; ok {
		return lc
	}
	for family, lc := range memFamilies {
		if name == family || strings.HasPrefix(name, family+".") {
			return lc
		}
	}
	return ""
}

// Lowering is the lower-intrinsics module pass.
type Lowering struct{}

func (l *Lowering) Name() string { return "lower-intrinsics" }

func (l *Lowering) Description() string {
	return "Replaces non-always-inlined intrinsics with calls to named library functions"
}

// Apply visits every function in the module. Mapped intrinsics are redirected
// to an external declaration and deleted after the scan; unmapped ones get a
// warning and stay. Returns true when the module changed.
func (l *Lowering) Apply(m *ir.Module) bool {
	var doomed []*ir.Function

	for _, f := range m.Funcs {
		if !f.Intrinsic || isAlwaysInline(f.Name) {
			continue
		}
		lc := LibcallName(f.Name)
		if lc == "" {
			diag.Warningf("no libcall mapping for intrinsic %s; leaving it in place", f.Name)
			continue
		}
		repl := m.DeclareFunction(lc, f.Sig)
		m.ReplaceAllUsesWith(f, repl)
		doomed = append(doomed, f)
	}

	// Deletion happens after the scan so no traversal observes a function
	// whose uses are mid-rewrite.
	for _, f := range doomed {
		m.RemoveFunction(f)
	}
	return len(doomed) > 0
}
