package stabilizer

import (
	"stabilizer/internal/ir"
	"stabilizer/internal/platform"
)

// stackAlign is the alignment the ABI demands of the stack pointer at call
// sites. The single-byte pad scaled by it yields up to 256 distinct frame
// placements without ever producing a misaligned frame.
const stackAlign = 16

// randomizeStack gives f a one-byte pad global and brackets every call site
// with a save / pad-adjust / restore sequence, so the callee's frame offset
// becomes a per-call decision the runtime can change by rewriting one byte.
func (p *Pass) randomizeStack(f *ir.Function) {
	pad := p.mod.AddGlobal(&ir.GlobalVariable{
		Name:      f.Name + ".stack_pad",
		Linkage:   ir.InternalLinkage,
		ValueType: ir.I8,
		Init:      &ir.ConstInt{Ty: ir.I8, Val: 0},
		Align:     1,
	})
	p.pads[f] = pad

	p.declareStackIntrinsics()

	// Call sites are collected up front: the bracketing inserts calls of its
	// own, and those must not be padded in turn.
	var calls []*ir.Call
	for _, bb := range f.Blocks {
		for _, inst := range bb.Insts {
			call, ok := inst.(*ir.Call)
			if !ok {
				continue
			}
			if callee, ok := call.Callee.(*ir.Function); ok && callee.Intrinsic {
				continue
			}
			calls = append(calls, call)
		}
	}

	for _, call := range calls {
		p.padCallSite(call, pad)
	}
}

func (p *Pass) declareStackIntrinsics() {
	if p.stackSave != nil {
		return
	}
	i8p := ir.BytePtr()
	p.stackSave = p.mod.DeclareFunction("llvm.stacksave", &ir.FunctionType{Return: i8p})
	p.stackSave.Intrinsic = true
	p.stackRestore = p.mod.DeclareFunction("llvm.stackrestore", &ir.FunctionType{
		Return: ir.Void,
		Params: []ir.Type{i8p},
	})
	p.stackRestore.Intrinsic = true
}

// padCallSite inserts, immediately before call:
//
//	pad     = load i8 from the pad global
//	ext     = zext pad to pointer width
//	size    = ext * 16
//	saved   = stacksave
//	adjust  = inttoptr(ptrtoint(saved) - size)
//	stackrestore(adjust)
//
// and a stackrestore(saved) immediately after, so the pad only skews the
// callee's frame and no stack space leaks.
func (p *Pass) padCallSite(call *ir.Call, pad *ir.GlobalVariable) {
	bb := call.Parent()
	ptrInt := platform.PtrIntType(p.mod)
	i8p := ir.BytePtr()

	padLoad := &ir.Load{Ty: ir.I8, Addr: pad}
	padLoad.Nm = "pad"
	ext := &ir.Cast{Op: ir.CastZExt, To: ptrInt, In: padLoad}
	ext.Nm = "pad.ext"
	size := &ir.BinOp{Op: "mul", Ty: ptrInt, X: ext, Y: platform.PtrInt(p.mod, stackAlign)}
	size.Nm = "pad.size"
	saved := &ir.Call{Sig: p.stackSave.Sig, Callee: p.stackSave}
	saved.Nm = "sp"
	savedInt := &ir.Cast{Op: ir.CastPtrToInt, To: ptrInt, In: saved}
	savedInt.Nm = "sp.int"
	adjInt := &ir.BinOp{Op: "sub", Ty: ptrInt, X: savedInt, Y: size}
	adjInt.Nm = "sp.adj.int"
	adj := &ir.Cast{Op: ir.CastIntToPtr, To: i8p, In: adjInt}
	adj.Nm = "sp.adj"
	install := &ir.Call{Sig: p.stackRestore.Sig, Callee: p.stackRestore, Args: []ir.Value{adj}}

	for _, inst := range []ir.Instruction{padLoad, ext, size, saved, savedInt, adjInt, adj, install} {
		bb.InsertBefore(inst, call)
	}

	reinstall := &ir.Call{Sig: p.stackRestore.Sig, Callee: p.stackRestore, Args: []ir.Value{saved}}
	bb.InsertAfter(reinstall, call)
}
