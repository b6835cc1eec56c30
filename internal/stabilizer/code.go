package stabilizer

import (
	"stabilizer/internal/diag"
	"stabilizer/internal/ir"
	"stabilizer/internal/platform"
)

// regInfo is the registration tuple for one randomized function, handed to
// the constructor emitter.
type regInfo struct {
	fn        *ir.Function
	sentinel  *ir.Function
	table     *ir.GlobalVariable // nil when no global references were found
	tableSize int                // byte size of the table struct
	adjacent  bool               // table copy lives at the sentinel address
}

// randomizeCode rewrites f so its emitted code carries no direct global
// references and its extent is measurable: a sentinel bounds the code range,
// float operations that would hit a hidden constant pool are extracted, and
// every global-valued constant is reached through the relocation table.
func (p *Pass) randomizeCode(f *ir.Function) regInfo {
	sentinel := p.makeSentinel(f)

	// Stack-protector codegen materializes the guard through an implicit
	// global reference; randomized copies must not be deduplicated.
	f.RemoveAttr(ir.AttrStackProtect)
	f.RemoveAttr(ir.AttrStackProtectStrong)
	f.RemoveAttr(ir.AttrStackProtectReq)
	if f.Linkage == ir.LinkOnceODRLinkage {
		f.Linkage = ir.ExternalLinkage
	}

	p.extractFloatOps(f)

	uses, order := p.collectGlobalUses(f)
	info := regInfo{fn: f, sentinel: sentinel}
	if len(order) == 0 {
		return info
	}

	fields := make([]ir.Type, len(order))
	for i, c := range order {
		fields[i] = c.Type()
	}
	tableType := &ir.StructType{Fields: fields}
	table := p.mod.AddGlobal(&ir.GlobalVariable{
		Name:      f.Name + ".relocation_table",
		Linkage:   ir.InternalLinkage,
		ValueType: tableType,
		Init:      &ir.ConstStruct{Ty: tableType, Fields: order},
	})

	// On PC-relative targets the code reaches the table through the sentinel
	// address: the runtime places a copy of the table there, so the data
	// moves with the function. Elsewhere the global itself is addressed.
	var base ir.Constant
	adjacent := platform.PCRelativeData(p.arch)
	if adjacent {
		base = ir.ConstBitcast(sentinel, ir.PtrTo(tableType))
	} else {
		base = table
	}

	p.rewriteUses(uses, base, tableType)

	info.table = table
	info.tableSize = platform.SizeOf(tableType, p.mod.PtrBits)
	info.adjacent = adjacent
	return info
}

// makeSentinel fabricates the empty aligned function that delimits f's code
// extent and inserts it immediately after f in the module's function list.
func (p *Pass) makeSentinel(f *ir.Function) *ir.Function {
	d := &ir.Function{
		Name:    "stabilizer.dummy." + f.Name,
		Linkage: ir.InternalLinkage,
		Sig:     &ir.FunctionType{Return: ir.Void},
		Align:   64,
	}
	d.AddBlock("entry").SetTerm(&ir.Ret{})
	p.mod.InsertFunctionAfter(d, f)
	return d
}

// constUse is one recorded (constant, use-slot) pair.
type constUse struct {
	inst ir.Instruction
	op   int // operand index within inst
	slot int // field index within the relocation table
}

// collectGlobalUses scans f for operands whose constant closure references a
// global value, skipping intrinsics and the personality routine. The
// returned order is the deduplicated insertion order of first discovery and
// becomes the relocation-table initializer.
func (p *Pass) collectGlobalUses(f *ir.Function) ([]constUse, []ir.Constant) {
	keep := func(gv ir.GlobalValue) bool {
		if fn, ok := gv.(*ir.Function); ok {
			if fn.Intrinsic || fn.Name == PersonalityName {
				return false
			}
		}
		return true
	}

	var uses []constUse
	var order []ir.Constant
	slots := make(map[string]int)

	record := func(inst ir.Instruction) {
		for i := 0; i < inst.NumOperands(); i++ {
			c, ok := inst.Operand(i).(ir.Constant)
			if !ok || !ir.ContainsGlobal(c, keep) {
				continue
			}
			key := ir.ConstKey(c)
			slot, seen := slots[key]
			if !seen {
				slot = len(order)
				slots[key] = slot
				order = append(order, c)
			}
			uses = append(uses, constUse{inst: inst, op: i, slot: slot})
		}
	}

	for _, bb := range f.Blocks {
		for _, inst := range bb.Insts {
			record(inst)
		}
		if bb.Term != nil {
			record(bb.Term)
		}
	}
	return uses, order
}

// rewriteUses retargets every recorded use to a load from its table slot.
// For phi uses the load executes on the incoming edge: it is placed at the
// predecessor's terminator, never between phi nodes.
func (p *Pass) rewriteUses(uses []constUse, base ir.Constant, tableType *ir.StructType) {
	for _, u := range uses {
		if u.inst.Parent() == nil {
			diag.Fatalf("recorded use (slot %d) is not owned by an instruction", u.slot)
		}

		slotTy := tableType.Fields[u.slot]
		gep := &ir.GEP{
			ResTy:   ir.PtrTo(slotTy),
			Base:    base,
			Indices: []ir.Value{&ir.ConstInt{Ty: ir.I32, Val: 0}, &ir.ConstInt{Ty: ir.I32, Val: int64(u.slot)}},
		}
		gep.Nm = "reloc.addr"
		load := &ir.Load{Ty: slotTy, Addr: gep}
		load.Nm = "reloc"

		if phi, ok := u.inst.(*ir.Phi); ok {
			pred := phi.Pred(u.op)
			pred.Append(gep)
			pred.Append(load)
		} else {
			bb := u.inst.Parent()
			bb.InsertBefore(gep, u.inst)
			bb.InsertBefore(load, u.inst)
		}
		u.inst.SetOperand(u.op, load)
	}
}
