// Package stabilizer rewrites a module so a linked runtime can relocate its
// code, stack frames, heap allocations, and global data while the program
// runs. The transform itself randomizes nothing; it arranges for every
// movable thing to be reached through state the runtime controls.
package stabilizer

import (
	"stabilizer/internal/ir"
	"stabilizer/internal/platform"
)

// PersonalityName is the exception-unwinding personality routine. It is
// wired into unwind tables by the back end and must keep its identity, so it
// is never randomized and references to it are never redirected.
const PersonalityName = "__gxx_personality_v0"

// Options selects which randomization sub-passes run. Any subset is legal.
type Options struct {
	Heap  bool
	Stack bool
	Code  bool
}

// Pass is the stabilize module pass. A Pass carries no state between
// invocations; everything below is reset by Apply.
type Pass struct {
	Opts Options

	mod  *ir.Module
	arch platform.Arch

	registerFunction *ir.Function
	registerCtor     *ir.Function
	registerPad      *ir.Function
	stackSave        *ir.Function
	stackRestore     *ir.Function

	pads       map[*ir.Function]*ir.GlobalVariable
	converters map[string]*ir.Function
}

func New(opts Options) *Pass {
	return &Pass{Opts: opts}
}

func (p *Pass) Name() string { return "stabilize" }

func (p *Pass) Description() string {
	return "Prepares heap, stack, code, and global references for runtime re-randomization"
}

// Apply transforms m in place. The phase order is load-bearing: the snapshot
// of locally-defined functions is taken before any sub-pass fabricates new
// ones, so sentinels, converters, and the constructor are never themselves
// randomization targets.
func (p *Pass) Apply(m *ir.Module) bool {
	p.mod = m
	p.arch = platform.Classify(m.Triple)
	p.pads = make(map[*ir.Function]*ir.GlobalVariable)
	p.converters = make(map[string]*ir.Function)
	p.stackSave = nil
	p.stackRestore = nil

	if p.Opts.Heap {
		p.randomizeHeap()
	}

	locals := p.snapshotLocals()

	p.declareRuntime()

	if p.Opts.Stack {
		for _, f := range locals {
			p.randomizeStack(f)
		}
	}

	// The previous constructor list is read before the table is replaced;
	// those functions must run under the randomized layout, so the runtime
	// invokes them instead of the platform loader.
	var oldCtors []*ir.Function
	oldName := ir.DefaultCtorTableName
	if m.Ctors != nil {
		oldName = m.Ctors.Name
		for _, e := range m.Ctors.Entries {
			oldCtors = append(oldCtors, e.Fn)
		}
	}

	ctor, body := p.beginCtor()

	if p.Opts.Code {
		for _, f := range locals {
			info := p.randomizeCode(f)
			p.emitRegisterFunction(body, info, p.pads[f])
		}
	}

	for _, fn := range oldCtors {
		p.emitCall(body, p.registerCtor, ir.ConstBitcast(fn, ir.BytePtr()))
	}

	if p.Opts.Stack && !p.Opts.Code {
		for _, f := range locals {
			if pad := p.pads[f]; pad != nil {
				p.emitCall(body, p.registerPad, ir.ConstBitcast(pad, ir.BytePtr()))
			}
		}
	}

	body.SetTerm(&ir.Ret{})

	m.Ctors = &ir.CtorTable{
		Name: oldName,
		Entries: []ir.CtorEntry{{
			Priority: 65535,
			Fn:       ctor,
			Data:     &ir.ConstNull{Ty: ir.BytePtr()},
		}},
	}

	// The runtime supplies main and ultimately transfers into the renamed
	// entry point.
	if mainFn := m.NamedFunction("main"); mainFn != nil && !mainFn.IsDeclaration() {
		mainFn.Name = "stabilizer_main"
	}

	return true
}

// snapshotLocals captures the randomizable function set before any sub-pass
// inserts new functions into the module.
func (p *Pass) snapshotLocals() []*ir.Function {
	var locals []*ir.Function
	for _, f := range p.mod.Funcs {
		if f.IsDeclaration() || f.Intrinsic || f.Name == PersonalityName {
			continue
		}
		locals = append(locals, f)
	}
	return locals
}

// declareRuntime installs the registration entry points. All three are
// non-lazy-bound: the runtime relocates code before the dynamic linker would
// get a second chance to resolve them.
func (p *Pass) declareRuntime() {
	i8p := ir.BytePtr()
	p.registerFunction = p.declare("stabilizer_register_function", &ir.FunctionType{
		Return: ir.Void,
		Params: []ir.Type{i8p, i8p, i8p, ir.I32, ir.I1, i8p},
	})
	p.registerCtor = p.declare("stabilizer_register_constructor", &ir.FunctionType{
		Return: ir.Void,
		Params: []ir.Type{i8p},
	})
	p.registerPad = p.declare("stabilizer_register_stack_pad", &ir.FunctionType{
		Return: ir.Void,
		Params: []ir.Type{i8p},
	})
}

func (p *Pass) declare(name string, sig *ir.FunctionType) *ir.Function {
	f := p.mod.DeclareFunction(name, sig)
	f.NonLazyBind = true
	return f
}

// emitCall appends a void call with one argument to the constructor body.
func (p *Pass) emitCall(body *ir.BasicBlock, callee *ir.Function, arg ir.Value) {
	body.Append(&ir.Call{Sig: callee.Sig, Callee: callee, Args: []ir.Value{arg}})
}
