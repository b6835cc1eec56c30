package ir

import (
	"testing"
)

func TestTypesEqual(t *testing.T) {
	cases := []struct {
		a, b  Type
		equal bool
	}{
		{I32, &IntType{Bits: 32}, true},
		{I32, I64, false},
		{F64, &FloatType{Bits: 64}, true},
		{PtrTo(I8), BytePtr(), true},
		{PtrTo(I8), PtrTo(I16), false},
		{&StructType{Fields: []Type{I32, F64}}, &StructType{Fields: []Type{I32, F64}}, true},
		{&StructType{Fields: []Type{I32}}, &StructType{Fields: []Type{I32, I32}}, false},
		{&FunctionType{Return: Void, Params: []Type{BytePtr()}}, &FunctionType{Return: Void, Params: []Type{BytePtr()}}, true},
		{&FunctionType{Return: Void}, &FunctionType{Return: Void, Variadic: true}, false},
		{&ArrayType{Elem: I8, Len: 4}, &ArrayType{Elem: I8, Len: 4}, true},
		{&ArrayType{Elem: I8, Len: 4}, &ArrayType{Elem: I8, Len: 5}, false},
	}

	for _, c := range cases {
		if got := TypesEqual(c.a, c.b); got != c.equal {
			t.Errorf("TypesEqual(%s, %s) = %v, want %v", c.a, c.b, got, c.equal)
		}
	}
}

func TestInsertFunctionAfter(t *testing.T) {
	m := NewModule("test")
	a := m.AddFunction(&Function{Name: "a", Sig: &FunctionType{Return: Void}})
	m.AddFunction(&Function{Name: "b", Sig: &FunctionType{Return: Void}})

	mid := &Function{Name: "a.dummy", Sig: &FunctionType{Return: Void}}
	m.InsertFunctionAfter(mid, a)

	want := []string{"a", "a.dummy", "b"}
	if len(m.Funcs) != len(want) {
		t.Fatalf("expected %d functions, got %d", len(want), len(m.Funcs))
	}
	for i, name := range want {
		if m.Funcs[i].Name != name {
			t.Errorf("function %d: expected %s, got %s", i, name, m.Funcs[i].Name)
		}
	}
}

func TestReplaceAllUsesWith(t *testing.T) {
	m := NewModule("test")
	sig := &FunctionType{Return: BytePtr(), Params: []Type{I64}}
	old := m.DeclareFunction("malloc", sig)
	rep := m.DeclareFunction("stabilizer_malloc", sig)

	caller := m.AddFunction(&Function{Name: "f", Sig: &FunctionType{Return: Void}})
	bb := caller.AddBlock("entry")
	call := &Call{Sig: sig, Callee: old, Args: []Value{&ConstInt{Ty: I64, Val: 8}}}
	bb.Append(call)
	bb.SetTerm(&Ret{})

	if m.NumUses(old) != 1 {
		t.Fatalf("expected 1 use of malloc before replacement, got %d", m.NumUses(old))
	}

	m.ReplaceAllUsesWith(old, rep)

	if call.Callee != Value(rep) {
		t.Errorf("call site was not retargeted")
	}
	if m.NumUses(old) != 0 {
		t.Errorf("expected 0 uses of malloc after replacement, got %d", m.NumUses(old))
	}
	if m.NumUses(rep) != 1 {
		t.Errorf("expected 1 use of stabilizer_malloc, got %d", m.NumUses(rep))
	}
}

func TestReplaceAllUsesInsideConstants(t *testing.T) {
	m := NewModule("test")
	sig := &FunctionType{Return: Void}
	old := m.AddFunction(&Function{Name: "old", Sig: sig})
	rep := m.AddFunction(&Function{Name: "rep", Sig: sig})

	caller := m.AddFunction(&Function{Name: "f", Sig: sig})
	bb := caller.AddBlock("entry")
	store := &Store{
		Addr: &GlobalVariable{Name: "slot", ValueType: BytePtr()},
		Val:  ConstBitcast(old, BytePtr()),
	}
	bb.Append(store)
	bb.SetTerm(&Ret{})

	m.ReplaceAllUsesWith(old, rep)

	expr, ok := store.Val.(*ConstExpr)
	if !ok {
		t.Fatalf("expected a bitcast expression, got %T", store.Val)
	}
	if expr.Ops[0] != Constant(rep) {
		t.Errorf("nested constant use was not retargeted")
	}
}

func TestWalkConstantAndContains(t *testing.T) {
	g := &GlobalVariable{Name: "g", ValueType: I32}
	pi := &ConstFloat{Ty: F64, Val: 3.14}
	nested := &ConstStruct{
		Ty:     &StructType{Fields: []Type{PtrTo(I32), F64}},
		Fields: []Constant{g, pi},
	}

	if !ContainsGlobal(nested, func(GlobalValue) bool { return true }) {
		t.Error("nested struct should contain a global")
	}
	if !ContainsFloat(nested) {
		t.Error("nested struct should contain a float literal")
	}
	if ContainsFloat(&ConstInt{Ty: I32, Val: 1}) {
		t.Error("integer constant should not contain a float")
	}

	wrapped := ConstBitcast(g, BytePtr())
	if !ContainsGlobal(wrapped, func(GlobalValue) bool { return true }) {
		t.Error("bitcast expression should contain the wrapped global")
	}
	if ContainsGlobal(wrapped, func(GlobalValue) bool { return false }) {
		t.Error("filter rejecting all globals should find nothing")
	}
}

func TestConstKeyDeduplicates(t *testing.T) {
	g := &GlobalVariable{Name: "g", ValueType: I32}
	a := ConstBitcast(g, BytePtr())
	b := ConstBitcast(g, BytePtr())

	if ConstKey(a) != ConstKey(b) {
		t.Error("structurally identical expressions should share a key")
	}
	if ConstKey(a) == ConstKey(g) {
		t.Error("a cast of a global should not collide with the bare global")
	}
	if !ConstantsEqual(a, b) {
		t.Error("structurally identical expressions should compare equal")
	}
}

func TestInsertBeforeTerminator(t *testing.T) {
	f := &Function{Name: "f", Sig: &FunctionType{Return: Void}}
	bb := f.AddBlock("entry")
	bb.SetTerm(&Ret{})

	load := &Load{Ty: I8, Addr: &GlobalVariable{Name: "g", ValueType: I8}}
	bb.InsertBefore(load, bb.Term)

	if len(bb.Insts) != 1 || bb.Insts[0] != Instruction(load) {
		t.Fatal("inserting before the terminator should append to the body")
	}
	if load.Parent() != bb {
		t.Error("inserted instruction should know its block")
	}
}
