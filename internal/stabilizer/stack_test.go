package stabilizer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"stabilizer/internal/ir"
)

func TestStackPadGlobal(t *testing.T) {
	mod := parseModule(t, `module "m"
target triple = "x86_64-unknown-linux-gnu"
target ptrwidth = 64

declare @ext : () -> void

func @f : () -> void {
entry:
  call void @ext()
  ret void
}
`)

	apply(t, mod, Options{Stack: true})

	pad := mod.NamedGlobal("f.stack_pad")
	require.NotNil(t, pad)
	require.Equal(t, ir.InternalLinkage, pad.Linkage)
	require.True(t, ir.TypesEqual(pad.ValueType, ir.I8))
	init, ok := pad.Init.(*ir.ConstInt)
	require.True(t, ok)
	require.Equal(t, int64(0), init.Val)
}

func TestCallSiteBracketing(t *testing.T) {
	mod := parseModule(t, `module "m"
target triple = "x86_64-unknown-linux-gnu"
target ptrwidth = 64

declare @ext : () -> void

func @f : () -> void {
entry:
  call void @ext()
  ret void
}
`)

	apply(t, mod, Options{Stack: true})

	f := mod.NamedFunction("f")
	bb := f.Blocks[0]

	// load pad, zext, mul, stacksave, ptrtoint, sub, inttoptr, restore,
	// the original call, restore.
	require.Len(t, bb.Insts, 10)

	pad := mod.NamedGlobal("f.stack_pad")
	padLoad, ok := bb.Insts[0].(*ir.Load)
	require.True(t, ok)
	require.Equal(t, ir.Value(pad), padLoad.Addr)

	ext, ok := bb.Insts[1].(*ir.Cast)
	require.True(t, ok)
	require.Equal(t, ir.CastZExt, ext.Op)
	require.Equal(t, ir.Value(padLoad), ext.In)

	scale, ok := bb.Insts[2].(*ir.BinOp)
	require.True(t, ok)
	require.Equal(t, "mul", scale.Op)
	factor, ok := scale.Y.(*ir.ConstInt)
	require.True(t, ok)
	require.Equal(t, int64(16), factor.Val)

	saved, ok := bb.Insts[3].(*ir.Call)
	require.True(t, ok)
	require.Equal(t, "llvm.stacksave", saved.Callee.(*ir.Function).Name)

	toInt, ok := bb.Insts[4].(*ir.Cast)
	require.True(t, ok)
	require.Equal(t, ir.CastPtrToInt, toInt.Op)
	require.Equal(t, ir.Value(saved), toInt.In)

	sub, ok := bb.Insts[5].(*ir.BinOp)
	require.True(t, ok)
	require.Equal(t, "sub", sub.Op)
	require.Equal(t, ir.Value(toInt), sub.X)
	require.Equal(t, ir.Value(scale), sub.Y)

	toPtr, ok := bb.Insts[6].(*ir.Cast)
	require.True(t, ok)
	require.Equal(t, ir.CastIntToPtr, toPtr.Op)

	install, ok := bb.Insts[7].(*ir.Call)
	require.True(t, ok)
	require.Equal(t, "llvm.stackrestore", install.Callee.(*ir.Function).Name)
	require.Equal(t, ir.Value(toPtr), install.Args[0])

	orig, ok := bb.Insts[8].(*ir.Call)
	require.True(t, ok)
	require.Equal(t, "ext", orig.Callee.(*ir.Function).Name)

	reinstall, ok := bb.Insts[9].(*ir.Call)
	require.True(t, ok)
	require.Equal(t, "llvm.stackrestore", reinstall.Callee.(*ir.Function).Name)
	require.Equal(t, ir.Value(saved), reinstall.Args[0], "the post-call restore reinstalls the saved pointer")
}

func TestEveryCallSiteIsBracketed(t *testing.T) {
	mod := parseModule(t, `module "m"
target triple = "x86_64-unknown-linux-gnu"
target ptrwidth = 64

declare @ext : () -> void

func @f : (%c i1) -> void {
entry:
  call void @ext()
  condbr %c, a, b
a:
  call void @ext()
  br b
b:
  ret void
}
`)

	apply(t, mod, Options{Stack: true})

	f := mod.NamedFunction("f")
	saves, restores := 0, 0
	for _, bb := range f.Blocks {
		for _, inst := range bb.Insts {
			call, ok := inst.(*ir.Call)
			if !ok {
				continue
			}
			if callee, ok := call.Callee.(*ir.Function); ok {
				switch callee.Name {
				case "llvm.stacksave":
					saves++
				case "llvm.stackrestore":
					restores++
				}
			}
		}
	}
	require.Equal(t, 2, saves, "one save per call site")
	require.Equal(t, 4, restores, "two restores per call site")
}

func TestStackOnlyRegistersPads(t *testing.T) {
	mod := parseModule(t, `module "m"
target triple = "x86_64-unknown-linux-gnu"
target ptrwidth = 64

func @f : () -> void {
entry:
  ret void
}

func @g : () -> void {
entry:
  ret void
}
`)

	apply(t, mod, Options{Stack: true})

	body := ctorBody(t, mod)
	regs := callsTo(body, "stabilizer_register_stack_pad")
	require.Len(t, regs, 2)
	require.Equal(t, ir.Value(mod.NamedGlobal("f.stack_pad")), regs[0].Args[0])
	require.Equal(t, ir.Value(mod.NamedGlobal("g.stack_pad")), regs[1].Args[0])
	require.Empty(t, callsTo(body, "stabilizer_register_function"))
}

func TestIntrinsicCallSitesAreNotPadded(t *testing.T) {
	mod := parseModule(t, `module "m"
target triple = "x86_64-unknown-linux-gnu"
target ptrwidth = 64

intrinsic @llvm.donothing : () -> void

func @f : () -> void {
entry:
  call void @llvm.donothing()
  ret void
}
`)

	apply(t, mod, Options{Stack: true})

	f := mod.NamedFunction("f")
	require.Len(t, f.Blocks[0].Insts, 1, "intrinsic call should remain unbracketed")
}
