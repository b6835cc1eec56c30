package ir

// Module owns the globals, functions, and constructor table of one
// translation unit. Entries refer to one another by pointer but are only ever
// owned here; passes mutate the module in place.
type Module struct {
	Name    string
	Triple  string // target-architecture descriptor
	PtrBits int    // pointer width from the data layout, 32 or 64
	Globals []*GlobalVariable
	Funcs   []*Function
	Ctors   *CtorTable // nil when the module has no constructor table
}

// CtorTable is the special array-of-struct global holding module
// constructors. Each entry pairs a priority with a function pointer and an
// opaque data pointer.
type CtorTable struct {
	Name    string
	Entries []CtorEntry
}

type CtorEntry struct {
	Priority int
	Fn       *Function
	Data     Constant // usually null
}

// DefaultCtorTableName is used when a module gains a constructor table it
// never had.
const DefaultCtorTableName = "llvm.global_ctors"

func NewModule(name string) *Module {
	return &Module{Name: name, PtrBits: 64}
}

// NamedFunction returns the function with the given name, or nil.
func (m *Module) NamedFunction(name string) *Function {
	for _, f := range m.Funcs {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// NamedGlobal returns the global variable with the given name, or nil.
func (m *Module) NamedGlobal(name string) *GlobalVariable {
	for _, g := range m.Globals {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// AddGlobal appends g to the module and returns it.
func (m *Module) AddGlobal(g *GlobalVariable) *GlobalVariable {
	m.Globals = append(m.Globals, g)
	return g
}

// AddFunction appends f to the module's function list and returns it.
func (m *Module) AddFunction(f *Function) *Function {
	m.Funcs = append(m.Funcs, f)
	return f
}

// InsertFunctionAfter places f immediately after pos in the function list.
// Function order is observable: the emitted code layout follows it, which is
// what makes sentinel adjacency meaningful.
func (m *Module) InsertFunctionAfter(f *Function, pos *Function) {
	for i, cur := range m.Funcs {
		if cur == pos {
			rest := append([]*Function{f}, m.Funcs[i+1:]...)
			m.Funcs = append(m.Funcs[:i+1], rest...)
			return
		}
	}
	m.Funcs = append(m.Funcs, f)
}

// RemoveFunction deletes f from the function list.
func (m *Module) RemoveFunction(f *Function) {
	for i, cur := range m.Funcs {
		if cur == f {
			m.Funcs = append(m.Funcs[:i], m.Funcs[i+1:]...)
			return
		}
	}
}

// DeclareFunction returns the declaration with the given name, creating an
// external one with the given signature when absent.
func (m *Module) DeclareFunction(name string, sig *FunctionType) *Function {
	if f := m.NamedFunction(name); f != nil {
		return f
	}
	f := &Function{Name: name, Linkage: ExternalLinkage, Sig: sig}
	for _, p := range sig.Params {
		f.Params = append(f.Params, &Param{Ty: p, Fn: f})
	}
	return m.AddFunction(f)
}

// ForEachInstruction visits every instruction in every function body,
// terminators included.
func (m *Module) ForEachInstruction(visit func(*Function, *BasicBlock, Instruction)) {
	for _, f := range m.Funcs {
		for _, bb := range f.Blocks {
			for _, inst := range bb.Insts {
				visit(f, bb, inst)
			}
			if bb.Term != nil {
				visit(f, bb, bb.Term)
			}
		}
	}
}

// ReplaceAllUsesWith retargets every use of old to rep: instruction operands,
// constants nested in operands, global initializers, and constructor-table
// entries.
func (m *Module) ReplaceAllUsesWith(old, rep Value) {
	m.ForEachInstruction(func(_ *Function, _ *BasicBlock, inst Instruction) {
		for i := 0; i < inst.NumOperands(); i++ {
			op := inst.Operand(i)
			if op == old {
				inst.SetOperand(i, rep)
				continue
			}
			oc, ok := op.(Constant)
			if !ok {
				continue
			}
			oldC, okOld := old.(Constant)
			repC, okRep := rep.(Constant)
			if !okOld || !okRep {
				continue
			}
			if nc := ReplaceInConstant(oc, oldC, repC); nc != oc {
				inst.SetOperand(i, nc)
			}
		}
	})
	oldC, okOld := old.(Constant)
	repC, okRep := rep.(Constant)
	if !okOld || !okRep {
		return
	}
	for _, g := range m.Globals {
		if g.Init != nil {
			g.Init = ReplaceInConstant(g.Init, oldC, repC)
		}
	}
	if m.Ctors != nil {
		if of, ok := oldC.(*Function); ok {
			if rf, ok := repC.(*Function); ok {
				for i := range m.Ctors.Entries {
					if m.Ctors.Entries[i].Fn == of {
						m.Ctors.Entries[i].Fn = rf
					}
				}
			}
		}
	}
}

// NumUses counts operand slots whose value is, or transitively contains, v.
func (m *Module) NumUses(v Value) int {
	count := 0
	m.ForEachInstruction(func(_ *Function, _ *BasicBlock, inst Instruction) {
		for i := 0; i < inst.NumOperands(); i++ {
			op := inst.Operand(i)
			if op == v {
				count++
				continue
			}
			if oc, ok := op.(Constant); ok {
				if vc, okV := v.(Constant); okV {
					hit := false
					WalkConstant(oc, func(n Constant) bool {
						if n == vc {
							hit = true
							return false
						}
						return true
					})
					if hit {
						count++
					}
				}
			}
		}
	})
	return count
}
