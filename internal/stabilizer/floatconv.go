package stabilizer

import (
	"fmt"

	"stabilizer/internal/diag"
	"stabilizer/internal/ir"
	"stabilizer/internal/platform"
)

// Floating-point operations and literals would make the back end emit
// PC-relative loads from a constant pool the randomizer cannot see. The two
// extractions below move that machinery into module-level state the
// relocation pass can track.

// extractFloatOps outlines int↔float conversions into converter functions
// and moves float-literal operands into read-only globals loaded at the use.
func (p *Pass) extractFloatOps(f *ir.Function) {
	p.outlineConversions(f)
	p.extractFloatLiterals(f)
}

// outlineConversions replaces each conversion instruction with a call to a
// memoized converter whose body performs only that conversion. On PowerPC
// the float-truncate instruction goes through a constant pool too.
func (p *Pass) outlineConversions(f *ir.Function) {
	for _, bb := range f.Blocks {
		for i, inst := range bb.Insts {
			cast, ok := inst.(*ir.Cast)
			if !ok {
				continue
			}
			if !cast.Op.IsFloatConversion() && !(p.arch == platform.PowerPC && cast.Op == ir.CastFPTrunc) {
				continue
			}
			conv := p.converter(cast.Op, cast.In.Type(), cast.To)
			call := &ir.Call{Sig: conv.Sig, Callee: conv, Args: []ir.Value{cast.In}}
			call.Nm = cast.Nm
			bb.Replace(i, call)
			replaceUsesInFunction(f, cast, call)
		}
	}
}

// converter returns the module's converter function for (op, in, out),
// synthesizing it on first request. An unrecognized opcode is a programmer
// error in the pass and aborts.
func (p *Pass) converter(op ir.CastOp, in, out ir.Type) *ir.Function {
	if !op.IsFloatConversion() && op != ir.CastFPTrunc {
		diag.Fatalf("cannot synthesize a converter for opcode %s", op)
	}

	name := fmt.Sprintf("%s.%s.%s", op, in, out)
	if conv, ok := p.converters[name]; ok {
		return conv
	}

	conv := &ir.Function{
		Name:    name,
		Linkage: ir.InternalLinkage,
		Sig:     &ir.FunctionType{Return: out, Params: []ir.Type{in}},
	}
	x := &ir.Param{Name: "x", Ty: in, Fn: conv}
	conv.Params = []*ir.Param{x}
	body := conv.AddBlock("entry")
	res := &ir.Cast{Op: op, To: out, In: x}
	res.Nm = "r"
	body.Append(res)
	body.SetTerm(&ir.Ret{Val: res})
	p.mod.AddFunction(conv)

	p.converters[name] = conv
	return conv
}

// extractFloatLiterals moves every operand whose constant closure contains a
// floating-point literal into a fresh internal read-only global, loaded at
// the use. Phi operands load on the incoming edge.
func (p *Pass) extractFloatLiterals(f *ir.Function) {
	n := 0
	rewrite := func(inst ir.Instruction) {
		for i := 0; i < inst.NumOperands(); i++ {
			c, ok := inst.Operand(i).(ir.Constant)
			if !ok || !ir.ContainsFloat(c) {
				continue
			}
			g := p.mod.AddGlobal(&ir.GlobalVariable{
				Name:      fmt.Sprintf("%s.fp.%d", f.Name, n),
				Linkage:   ir.InternalLinkage,
				ValueType: c.Type(),
				Init:      c,
				ReadOnly:  true,
			})
			n++
			load := &ir.Load{Ty: c.Type(), Addr: g}
			load.Nm = "fp"
			if phi, ok := inst.(*ir.Phi); ok {
				phi.Pred(i).Append(load)
			} else {
				inst.Parent().InsertBefore(load, inst)
			}
			inst.SetOperand(i, load)
		}
	}

	for _, bb := range f.Blocks {
		// The rewrite inserts loads into the block, so it runs over a
		// snapshot of the body.
		insts := append([]ir.Instruction(nil), bb.Insts...)
		for _, inst := range insts {
			rewrite(inst)
		}
		if bb.Term != nil {
			rewrite(bb.Term)
		}
	}
}

// replaceUsesInFunction retargets every operand slot in f holding old.
func replaceUsesInFunction(f *ir.Function, old, rep ir.Value) {
	for _, bb := range f.Blocks {
		for _, inst := range bb.Insts {
			for i := 0; i < inst.NumOperands(); i++ {
				if inst.Operand(i) == old {
					inst.SetOperand(i, rep)
				}
			}
		}
		if bb.Term != nil {
			for i := 0; i < bb.Term.NumOperands(); i++ {
				if bb.Term.Operand(i) == old {
					bb.Term.SetOperand(i, rep)
				}
			}
		}
	}
}
