package stabilizer

import "stabilizer/internal/ir"

// beginCtor creates the single synthesized module constructor. Registration
// calls are appended to the returned block as the sub-passes run; the caller
// terminates it and installs the one-entry constructor table.
func (p *Pass) beginCtor() (*ir.Function, *ir.BasicBlock) {
	fn := &ir.Function{
		Name:    "stabilizer.module_ctor",
		Linkage: ir.InternalLinkage,
		Sig:     &ir.FunctionType{Return: ir.Void},
	}
	p.mod.AddFunction(fn)
	return fn, fn.AddBlock("entry")
}

// emitRegisterFunction appends the stabilizer_register_function call for one
// randomized function: code base, code limit, table base or null, table byte
// size, adjacent flag, and the stack pad or null when stack randomization is
// off.
func (p *Pass) emitRegisterFunction(body *ir.BasicBlock, info regInfo, pad *ir.GlobalVariable) {
	i8p := ir.BytePtr()

	var tablePtr ir.Constant = &ir.ConstNull{Ty: i8p}
	if info.table != nil {
		tablePtr = ir.ConstBitcast(info.table, i8p)
	}
	var padPtr ir.Constant = &ir.ConstNull{Ty: i8p}
	if pad != nil {
		padPtr = ir.ConstBitcast(pad, i8p)
	}
	adjacent := int64(0)
	if info.adjacent {
		adjacent = 1
	}

	body.Append(&ir.Call{
		Sig:    p.registerFunction.Sig,
		Callee: p.registerFunction,
		Args: []ir.Value{
			ir.ConstBitcast(info.fn, i8p),
			ir.ConstBitcast(info.sentinel, i8p),
			tablePtr,
			&ir.ConstInt{Ty: ir.I32, Val: int64(info.tableSize)},
			&ir.ConstInt{Ty: ir.I1, Val: adjacent},
			padPtr,
		},
	})
}
