package sir

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2/lexer"

	"stabilizer/internal/ir"
)

// BuildError is a semantic error found while turning the parse tree into a
// module: an undefined name, a malformed type, a block without a terminator.
type BuildError struct {
	Pos     lexer.Position
	Message string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename, e.Pos.Line, e.Pos.Column, e.Message)
}

// Parse turns source text into a module. The returned error is either a
// participle parse error or a *BuildError.
func Parse(filename, source string) (*ir.Module, error) {
	file, err := irParser.ParseString(filename, source)
	if err != nil {
		return nil, err
	}
	return build(file)
}

type builder struct {
	mod     *ir.Module
	globals map[string]*ir.GlobalVariable
	funcs   map[string]*ir.Function
}

func build(file *File) (*ir.Module, error) {
	b := &builder{
		mod:     ir.NewModule(file.Module),
		globals: make(map[string]*ir.GlobalVariable),
		funcs:   make(map[string]*ir.Function),
	}

	// First pass creates every global and function shell so initializers and
	// operands can reference them in any order.
	for _, d := range file.Decls {
		switch {
		case d.Target != nil:
			if d.Target.Triple != nil {
				b.mod.Triple = *d.Target.Triple
			}
			if d.Target.PtrWidth != nil {
				b.mod.PtrBits = *d.Target.PtrWidth
			}
		case d.Global != nil:
			ty, err := b.typeOf(d.Global.Ty, d.Global.Pos)
			if err != nil {
				return nil, err
			}
			g := &ir.GlobalVariable{Name: trimSigil(d.Global.Name), ValueType: ty}
			for _, a := range d.Global.Attrs {
				switch {
				case a.Linkage != "":
					g.Linkage = parseLinkage(a.Linkage)
				case a.ReadOnly:
					g.ReadOnly = true
				case a.Align != nil:
					g.Align = *a.Align
				}
			}
			b.mod.AddGlobal(g)
			b.globals[g.Name] = g
		case d.Declare != nil:
			sig, err := b.funcType(d.Declare.Sig, d.Declare.Pos)
			if err != nil {
				return nil, err
			}
			f := b.mod.DeclareFunction(trimSigil(d.Declare.Name), sig)
			f.Intrinsic = d.Declare.Kind == "intrinsic"
			applyDeclAttrs(f, d.Declare.Attrs)
			b.funcs[f.Name] = f
		case d.Func != nil:
			f, err := b.funcShell(d.Func)
			if err != nil {
				return nil, err
			}
			b.mod.AddFunction(f)
			b.funcs[f.Name] = f
		}
	}

	// Second pass fills in initializers, bodies, and the constructor table.
	for _, d := range file.Decls {
		switch {
		case d.Global != nil && d.Global.Init != nil:
			g := b.globals[trimSigil(d.Global.Name)]
			init, err := b.constant(d.Global.Init)
			if err != nil {
				return nil, err
			}
			g.Init = init
		case d.Ctors != nil:
			table := &ir.CtorTable{Name: d.Ctors.Name}
			for _, e := range d.Ctors.Entries {
				fn := b.funcs[trimSigil(e.Fn)]
				if fn == nil {
					return nil, &BuildError{Pos: e.Pos, Message: "undefined constructor " + e.Fn}
				}
				table.Entries = append(table.Entries, ir.CtorEntry{
					Priority: e.Priority,
					Fn:       fn,
					Data:     &ir.ConstNull{Ty: ir.BytePtr()},
				})
			}
			b.mod.Ctors = table
		case d.Func != nil:
			if err := b.funcBody(d.Func); err != nil {
				return nil, err
			}
		}
	}

	return b.mod, nil
}

// funcShell creates the function with its signature and parameters, leaving
// the body for the second pass.
func (b *builder) funcShell(def *FuncDef) (*ir.Function, error) {
	ret, err := b.typeOf(def.Return, def.Pos)
	if err != nil {
		return nil, err
	}
	f := &ir.Function{Name: trimSigil(def.Name), Sig: &ir.FunctionType{Return: ret, Variadic: def.Variadic}}
	if def.Linkage != "" {
		f.Linkage = parseLinkage(def.Linkage)
	}
	if def.Align != nil {
		f.Align = *def.Align
	}
	applyDeclAttrs(f, def.Attrs)
	for _, pr := range def.Params {
		ty, err := b.typeOf(pr.Ty, def.Pos)
		if err != nil {
			return nil, err
		}
		f.Sig.Params = append(f.Sig.Params, ty)
		f.Params = append(f.Params, &ir.Param{Name: trimSigil(pr.Name), Ty: ty, Fn: f})
	}
	return f, nil
}

// funcCtx carries per-function resolution state.
type funcCtx struct {
	fn     *ir.Function
	blocks map[string]*ir.BasicBlock
	values map[string]ir.Value
	fixups []fixup
}

// fixup is a forward reference: an operand slot waiting for a local value
// that is defined later in the function (typically through a phi).
type fixup struct {
	inst ir.Instruction
	op   int
	name string
	pos  lexer.Position
}

func (b *builder) funcBody(def *FuncDef) error {
	f := b.funcs[trimSigil(def.Name)]
	ctx := &funcCtx{
		fn:     f,
		blocks: make(map[string]*ir.BasicBlock),
		values: make(map[string]ir.Value),
	}
	for _, p := range f.Params {
		ctx.values[p.Name] = p
	}
	for _, br := range def.Blocks {
		ctx.blocks[br.Label] = f.AddBlock(br.Label)
	}

	for _, br := range def.Blocks {
		bb := ctx.blocks[br.Label]
		for _, inst := range br.Insts {
			if err := b.instruction(ctx, bb, inst); err != nil {
				return err
			}
		}
		if bb.Term == nil {
			return &BuildError{Pos: def.Pos, Message: fmt.Sprintf("block %s in @%s has no terminator", br.Label, f.Name)}
		}
	}

	for _, fx := range ctx.fixups {
		v, ok := ctx.values[fx.name]
		if !ok {
			return &BuildError{Pos: fx.pos, Message: "undefined value %" + fx.name}
		}
		fx.inst.SetOperand(fx.op, v)
	}
	return nil
}

func (b *builder) instruction(ctx *funcCtx, bb *ir.BasicBlock, ref *InstRef) error {
	op := ref.Op
	name := trimSigil(ref.Result)

	define := func(inst ir.Instruction) {
		bb.Append(inst)
		if name != "" {
			ctx.values[name] = inst
		}
	}

	switch {
	case op.Load != nil:
		ty, err := b.typeOf(op.Load.Ty, ref.Pos)
		if err != nil {
			return err
		}
		inst := &ir.Load{Ty: ty}
		inst.Nm = name
		define(inst)
		return b.resolve(ctx, inst, 0, op.Load.Addr)
	case op.Store != nil:
		inst := &ir.Store{}
		define(inst)
		if err := b.resolve(ctx, inst, 0, op.Store.Addr); err != nil {
			return err
		}
		return b.resolve(ctx, inst, 1, op.Store.Val)
	case op.Call != nil:
		ret, err := b.typeOf(op.Call.Ret, ref.Pos)
		if err != nil {
			return err
		}
		inst := &ir.Call{Sig: &ir.FunctionType{Return: ret}, Args: make([]ir.Value, len(op.Call.Args))}
		inst.Nm = name
		define(inst)
		if err := b.resolve(ctx, inst, 0, op.Call.Callee); err != nil {
			return err
		}
		for i, a := range op.Call.Args {
			if err := b.resolve(ctx, inst, 1+i, a); err != nil {
				return err
			}
		}
		// Direct calls take the callee's signature; indirect ones keep the
		// synthesized one and gain parameter types from the arguments.
		if callee, ok := inst.Callee.(*ir.Function); ok {
			inst.Sig = callee.Sig
		} else {
			for _, a := range inst.Args {
				if a != nil {
					inst.Sig.Params = append(inst.Sig.Params, a.Type())
				}
			}
		}
		return nil
	case op.Gep != nil:
		inst := &ir.GEP{Indices: make([]ir.Value, len(op.Gep.Indices))}
		inst.Nm = name
		define(inst)
		if err := b.resolve(ctx, inst, 0, op.Gep.Base); err != nil {
			return err
		}
		for i, idx := range op.Gep.Indices {
			if err := b.resolve(ctx, inst, 1+i, idx); err != nil {
				return err
			}
		}
		if inst.Base == nil {
			return &BuildError{Pos: ref.Pos, Message: "gep base must be defined before use"}
		}
		resTy, err := gepResultType(inst.Base, inst.Indices)
		if err != nil {
			return &BuildError{Pos: ref.Pos, Message: err.Error()}
		}
		inst.ResTy = resTy
		return nil
	case op.Alloca != nil:
		ty, err := b.typeOf(op.Alloca.Ty, ref.Pos)
		if err != nil {
			return err
		}
		inst := &ir.Alloca{Elem: ty}
		inst.Nm = name
		define(inst)
		return nil
	case op.Phi != nil:
		ty, err := b.typeOf(op.Phi.Ty, ref.Pos)
		if err != nil {
			return err
		}
		inst := &ir.Phi{Ty: ty, Incomings: make([]ir.Incoming, len(op.Phi.In))}
		inst.Nm = name
		define(inst)
		for i, in := range op.Phi.In {
			pred, ok := ctx.blocks[in.Label]
			if !ok {
				return &BuildError{Pos: ref.Pos, Message: "undefined block " + in.Label}
			}
			inst.Incomings[i].Pred = pred
			if err := b.resolve(ctx, inst, i, in.Val); err != nil {
				return err
			}
		}
		return nil
	case op.Icmp != nil:
		inst := &ir.ICmp{Pred: op.Icmp.Pred}
		inst.Nm = name
		define(inst)
		if err := b.resolve(ctx, inst, 0, op.Icmp.X); err != nil {
			return err
		}
		return b.resolve(ctx, inst, 1, op.Icmp.Y)
	case op.Cast != nil:
		to, err := b.typeOf(op.Cast.To, ref.Pos)
		if err != nil {
			return err
		}
		inst := &ir.Cast{Op: ir.CastOp(op.Cast.Op), To: to}
		inst.Nm = name
		define(inst)
		return b.resolve(ctx, inst, 0, op.Cast.In)
	case op.Bin != nil:
		ty, err := b.typeOf(op.Bin.Ty, ref.Pos)
		if err != nil {
			return err
		}
		inst := &ir.BinOp{Op: op.Bin.Op, Ty: ty}
		inst.Nm = name
		define(inst)
		if err := b.resolve(ctx, inst, 0, op.Bin.X); err != nil {
			return err
		}
		return b.resolve(ctx, inst, 1, op.Bin.Y)
	case op.Ret != nil:
		inst := &ir.Ret{}
		bb.SetTerm(inst)
		if op.Ret.Void {
			return nil
		}
		// The operand slot only exists once Val is set, so forward
		// references resolve through a placeholder.
		inst.Val = &ir.ConstNull{Ty: ir.BytePtr()}
		return b.resolve(ctx, inst, 0, op.Ret.Val)
	case op.Br != nil:
		target, ok := ctx.blocks[op.Br.Label]
		if !ok {
			return &BuildError{Pos: ref.Pos, Message: "undefined block " + op.Br.Label}
		}
		bb.SetTerm(&ir.Br{Target: target})
		return nil
	case op.CondBr != nil:
		then, ok := ctx.blocks[op.CondBr.Then]
		if !ok {
			return &BuildError{Pos: ref.Pos, Message: "undefined block " + op.CondBr.Then}
		}
		els, ok := ctx.blocks[op.CondBr.Else]
		if !ok {
			return &BuildError{Pos: ref.Pos, Message: "undefined block " + op.CondBr.Else}
		}
		inst := &ir.CondBr{Then: then, Else: els}
		bb.SetTerm(inst)
		return b.resolve(ctx, inst, 0, op.CondBr.Cond)
	case op.Unreachable:
		bb.SetTerm(&ir.Unreachable{})
		return nil
	}
	return &BuildError{Pos: ref.Pos, Message: "unrecognized instruction"}
}

// resolve sets operand slot i of inst from the operand reference, deferring
// locals that are not defined yet.
func (b *builder) resolve(ctx *funcCtx, inst ir.Instruction, i int, op *Operand) error {
	if op.Local != "" {
		name := trimSigil(op.Local)
		if v, ok := ctx.values[name]; ok {
			inst.SetOperand(i, v)
			return nil
		}
		ctx.fixups = append(ctx.fixups, fixup{inst: inst, op: i, name: name, pos: op.Pos})
		return nil
	}
	c, err := b.constant(op)
	if err != nil {
		return err
	}
	inst.SetOperand(i, c)
	return nil
}

// constant builds an ir.Constant from an operand reference.
func (b *builder) constant(op *Operand) (ir.Constant, error) {
	switch {
	case op.Global != "":
		name := trimSigil(op.Global)
		if g, ok := b.globals[name]; ok {
			return g, nil
		}
		if f, ok := b.funcs[name]; ok {
			return f, nil
		}
		return nil, &BuildError{Pos: op.Pos, Message: "undefined global @" + name}
	case op.Null != nil:
		ty, err := b.typeOf(op.Null.Ty, op.Pos)
		if err != nil {
			return nil, err
		}
		pt, ok := ty.(*ir.PointerType)
		if !ok {
			return nil, &BuildError{Pos: op.Pos, Message: "null constant needs a pointer type"}
		}
		return &ir.ConstNull{Ty: pt}, nil
	case op.Lit != nil:
		ty, err := b.typeOf(op.Lit.Ty, op.Pos)
		if err != nil {
			return nil, err
		}
		switch tt := ty.(type) {
		case *ir.IntType:
			val, err := strconv.ParseInt(op.Lit.Num, 10, 64)
			if err != nil {
				return nil, &BuildError{Pos: op.Pos, Message: "bad integer literal " + op.Lit.Num}
			}
			return &ir.ConstInt{Ty: tt, Val: val}, nil
		case *ir.FloatType:
			val, err := strconv.ParseFloat(op.Lit.Num, 64)
			if err != nil {
				return nil, &BuildError{Pos: op.Pos, Message: "bad float literal " + op.Lit.Num}
			}
			return &ir.ConstFloat{Ty: tt, Val: val}, nil
		}
		return nil, &BuildError{Pos: op.Pos, Message: "literal type must be integer or float"}
	case op.Expr != nil:
		val, err := b.constant(op.Expr.Val)
		if err != nil {
			return nil, err
		}
		to, err := b.typeOf(op.Expr.To, op.Pos)
		if err != nil {
			return nil, err
		}
		return &ir.ConstExpr{Op: op.Expr.Op, Ty: to, Ops: []ir.Constant{val}}, nil
	case op.GepC != nil:
		ops := make([]ir.Constant, len(op.GepC.Ops))
		for i, o := range op.GepC.Ops {
			c, err := b.constant(o)
			if err != nil {
				return nil, err
			}
			ops[i] = c
		}
		vals := make([]ir.Value, len(ops)-1)
		for i, c := range ops[1:] {
			vals[i] = c
		}
		resTy, err := gepResultType(ops[0], vals)
		if err != nil {
			return nil, &BuildError{Pos: op.Pos, Message: err.Error()}
		}
		return &ir.ConstExpr{Op: "gep", Ty: resTy, Ops: ops}, nil
	case op.Struct != nil:
		fields := make([]ir.Constant, len(op.Struct.Fields))
		types := make([]ir.Type, len(op.Struct.Fields))
		for i, fr := range op.Struct.Fields {
			c, err := b.constant(fr)
			if err != nil {
				return nil, err
			}
			fields[i] = c
			types[i] = c.Type()
		}
		return &ir.ConstStruct{Ty: &ir.StructType{Fields: types}, Fields: fields}, nil
	case op.Array != nil:
		if len(op.Array.Elems) == 0 {
			return nil, &BuildError{Pos: op.Pos, Message: "array constant needs at least one element"}
		}
		elems := make([]ir.Constant, len(op.Array.Elems))
		for i, er := range op.Array.Elems {
			c, err := b.constant(er)
			if err != nil {
				return nil, err
			}
			elems[i] = c
		}
		return &ir.ConstArray{
			Ty:    &ir.ArrayType{Elem: elems[0].Type(), Len: len(elems)},
			Elems: elems,
		}, nil
	case op.Local != "":
		return nil, &BuildError{Pos: op.Pos, Message: "expected a constant, found local " + op.Local}
	}
	return nil, &BuildError{Pos: op.Pos, Message: "unrecognized constant"}
}

// gepResultType steps the base pointer type through the index list.
func gepResultType(base ir.Value, indices []ir.Value) (ir.Type, error) {
	pt, ok := base.Type().(*ir.PointerType)
	if !ok {
		return nil, fmt.Errorf("gep base must have pointer type, got %s", base.Type())
	}
	cur := pt.Elem
	for _, idx := range indices[1:] {
		switch ct := cur.(type) {
		case *ir.StructType:
			ci, ok := idx.(*ir.ConstInt)
			if !ok || int(ci.Val) < 0 || int(ci.Val) >= len(ct.Fields) {
				return nil, fmt.Errorf("struct gep index out of range")
			}
			cur = ct.Fields[ci.Val]
		case *ir.ArrayType:
			cur = ct.Elem
		default:
			return nil, fmt.Errorf("cannot index into %s", cur)
		}
	}
	return ir.PtrTo(cur), nil
}

func (b *builder) typeOf(ref *TypeRef, pos lexer.Position) (ir.Type, error) {
	switch {
	case ref == nil:
		return nil, &BuildError{Pos: pos, Message: "missing type"}
	case ref.Ptr != nil:
		elem, err := b.typeOf(ref.Ptr, pos)
		if err != nil {
			return nil, err
		}
		return ir.PtrTo(elem), nil
	case ref.Array != nil:
		elem, err := b.typeOf(ref.Array.Elem, pos)
		if err != nil {
			return nil, err
		}
		return &ir.ArrayType{Elem: elem, Len: ref.Array.Len}, nil
	case ref.Struct != nil:
		fields := make([]ir.Type, len(ref.Struct.Fields))
		for i, fr := range ref.Struct.Fields {
			ty, err := b.typeOf(fr, pos)
			if err != nil {
				return nil, err
			}
			fields[i] = ty
		}
		return &ir.StructType{Fields: fields}, nil
	case ref.Func != nil:
		return b.funcType(ref.Func, pos)
	case ref.Name != "":
		return b.namedType(ref.Name, pos)
	}
	return nil, &BuildError{Pos: pos, Message: "malformed type"}
}

func (b *builder) funcType(ref *FuncRef, pos lexer.Position) (*ir.FunctionType, error) {
	ret, err := b.typeOf(ref.Return, pos)
	if err != nil {
		return nil, err
	}
	ft := &ir.FunctionType{Return: ret, Variadic: ref.Variadic}
	for _, pr := range ref.Params {
		ty, err := b.typeOf(pr, pos)
		if err != nil {
			return nil, err
		}
		ft.Params = append(ft.Params, ty)
	}
	return ft, nil
}

func (b *builder) namedType(name string, pos lexer.Position) (ir.Type, error) {
	switch name {
	case "void":
		return ir.Void, nil
	}
	if strings.HasPrefix(name, "i") {
		if bits, err := strconv.Atoi(name[1:]); err == nil && bits > 0 && bits <= 128 {
			return &ir.IntType{Bits: bits}, nil
		}
	}
	if strings.HasPrefix(name, "f") {
		if bits, err := strconv.Atoi(name[1:]); err == nil && (bits == 32 || bits == 64) {
			return &ir.FloatType{Bits: bits}, nil
		}
	}
	return nil, &BuildError{Pos: pos, Message: "unknown type " + name}
}

func parseLinkage(name string) ir.Linkage {
	switch name {
	case "internal":
		return ir.InternalLinkage
	case "linkonce_odr":
		return ir.LinkOnceODRLinkage
	}
	return ir.ExternalLinkage
}

func applyDeclAttrs(f *ir.Function, attrs []*DeclAttr) {
	for _, a := range attrs {
		switch {
		case a.Linkage != "":
			f.Linkage = parseLinkage(a.Linkage)
		case a.Name == "nonlazybind":
			f.NonLazyBind = true
		case a.Name != "":
			f.SetAttr(a.Name)
		}
	}
}

func trimSigil(name string) string {
	if len(name) > 0 && (name[0] == '@' || name[0] == '%') {
		return name[1:]
	}
	return name
}
