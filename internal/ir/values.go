package ir

import "fmt"

// Value is anything an instruction operand can refer to: a constant, a
// function parameter, or the result of another instruction.
type Value interface {
	Type() Type
}

// Constant is a value known at compile time. Constants nest: a constant
// expression may recursively contain other constants, which is exactly the
// structure the code-randomization pass walks when hunting for global
// references.
type Constant interface {
	Value
	isConstant()
}

// GlobalValue is a named, module-owned constant: a global variable or a
// function. Its value is the symbol's address.
type GlobalValue interface {
	Constant
	GlobalName() string
}

type ConstInt struct {
	Ty  *IntType
	Val int64
}

type ConstFloat struct {
	Ty  *FloatType
	Val float64
}

// ConstNull is the null pointer of a given pointer type.
type ConstNull struct {
	Ty *PointerType
}

type ConstStruct struct {
	Ty     *StructType
	Fields []Constant
}

type ConstArray struct {
	Ty    *ArrayType
	Elems []Constant
}

// ConstExpr is a constant computed from other constants. Op is one of
// "bitcast", "ptrtoint", "inttoptr", or "gep"; for "gep" the first operand is
// the base and the rest are indices.
type ConstExpr struct {
	Op  string
	Ty  Type
	Ops []Constant
}

func (*ConstInt) isConstant()    {}
func (*ConstFloat) isConstant()  {}
func (*ConstNull) isConstant()   {}
func (*ConstStruct) isConstant() {}
func (*ConstArray) isConstant()  {}
func (*ConstExpr) isConstant()   {}

func (c *ConstInt) Type() Type    { return c.Ty }
func (c *ConstFloat) Type() Type  { return c.Ty }
func (c *ConstNull) Type() Type   { return c.Ty }
func (c *ConstStruct) Type() Type { return c.Ty }
func (c *ConstArray) Type() Type  { return c.Ty }
func (c *ConstExpr) Type() Type   { return c.Ty }

// ConstBitcast wraps c in a bitcast expression, collapsing the no-op case.
func ConstBitcast(c Constant, to Type) Constant {
	if TypesEqual(c.Type(), to) {
		return c
	}
	return &ConstExpr{Op: "bitcast", Ty: to, Ops: []Constant{c}}
}

// WalkConstant invokes visit on c and every constant nested inside it.
// Walking stops early when visit returns false.
func WalkConstant(c Constant, visit func(Constant) bool) bool {
	if !visit(c) {
		return false
	}
	switch cc := c.(type) {
	case *ConstStruct:
		for _, f := range cc.Fields {
			if !WalkConstant(f, visit) {
				return false
			}
		}
	case *ConstArray:
		for _, e := range cc.Elems {
			if !WalkConstant(e, visit) {
				return false
			}
		}
	case *ConstExpr:
		for _, op := range cc.Ops {
			if !WalkConstant(op, visit) {
				return false
			}
		}
	}
	return true
}

// ContainsGlobal reports whether c transitively references a global value for
// which keep returns true.
func ContainsGlobal(c Constant, keep func(GlobalValue) bool) bool {
	found := false
	WalkConstant(c, func(n Constant) bool {
		if gv, ok := n.(GlobalValue); ok && keep(gv) {
			found = true
			return false
		}
		return true
	})
	return found
}

// ContainsFloat reports whether c transitively contains a floating-point
// literal.
func ContainsFloat(c Constant) bool {
	found := false
	WalkConstant(c, func(n Constant) bool {
		if _, ok := n.(*ConstFloat); ok {
			found = true
			return false
		}
		return true
	})
	return found
}

// ReplaceInConstant rebuilds c with every occurrence of old swapped for rep.
// Globals and leaves are shared; only the spine containing a replacement is
// reallocated.
func ReplaceInConstant(c Constant, old, rep Constant) Constant {
	if c == old {
		return rep
	}
	switch cc := c.(type) {
	case *ConstStruct:
		changed := false
		fields := make([]Constant, len(cc.Fields))
		for i, f := range cc.Fields {
			fields[i] = ReplaceInConstant(f, old, rep)
			if fields[i] != f {
				changed = true
			}
		}
		if !changed {
			return c
		}
		return &ConstStruct{Ty: cc.Ty, Fields: fields}
	case *ConstArray:
		changed := false
		elems := make([]Constant, len(cc.Elems))
		for i, e := range cc.Elems {
			elems[i] = ReplaceInConstant(e, old, rep)
			if elems[i] != e {
				changed = true
			}
		}
		if !changed {
			return c
		}
		return &ConstArray{Ty: cc.Ty, Elems: elems}
	case *ConstExpr:
		changed := false
		ops := make([]Constant, len(cc.Ops))
		for i, op := range cc.Ops {
			ops[i] = ReplaceInConstant(op, old, rep)
			if ops[i] != op {
				changed = true
			}
		}
		if !changed {
			return c
		}
		return &ConstExpr{Op: cc.Op, Ty: cc.Ty, Ops: ops}
	}
	return c
}

// ConstantsEqual reports structural equality. Global values compare by
// identity: two distinct globals are never the same constant even when their
// names collide across modules.
func ConstantsEqual(a, b Constant) bool {
	if a == b {
		return true
	}
	switch ac := a.(type) {
	case *ConstInt:
		bc, ok := b.(*ConstInt)
		return ok && ac.Val == bc.Val && TypesEqual(ac.Ty, bc.Ty)
	case *ConstFloat:
		bc, ok := b.(*ConstFloat)
		return ok && ac.Val == bc.Val && TypesEqual(ac.Ty, bc.Ty)
	case *ConstNull:
		bc, ok := b.(*ConstNull)
		return ok && TypesEqual(ac.Ty, bc.Ty)
	case *ConstStruct:
		bc, ok := b.(*ConstStruct)
		if !ok || len(ac.Fields) != len(bc.Fields) {
			return false
		}
		for i := range ac.Fields {
			if !ConstantsEqual(ac.Fields[i], bc.Fields[i]) {
				return false
			}
		}
		return true
	case *ConstArray:
		bc, ok := b.(*ConstArray)
		if !ok || len(ac.Elems) != len(bc.Elems) {
			return false
		}
		for i := range ac.Elems {
			if !ConstantsEqual(ac.Elems[i], bc.Elems[i]) {
				return false
			}
		}
		return true
	case *ConstExpr:
		bc, ok := b.(*ConstExpr)
		if !ok || ac.Op != bc.Op || len(ac.Ops) != len(bc.Ops) || !TypesEqual(ac.Ty, bc.Ty) {
			return false
		}
		for i := range ac.Ops {
			if !ConstantsEqual(ac.Ops[i], bc.Ops[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// ConstKey renders a stable structural key for deduplication maps.
func ConstKey(c Constant) string {
	switch cc := c.(type) {
	case *ConstInt:
		return fmt.Sprintf("int:%s:%d", cc.Ty, cc.Val)
	case *ConstFloat:
		return fmt.Sprintf("float:%s:%x", cc.Ty, cc.Val)
	case *ConstNull:
		return "null:" + cc.Ty.String()
	case *ConstStruct:
		key := "struct:"
		for _, f := range cc.Fields {
			key += ConstKey(f) + ";"
		}
		return key
	case *ConstArray:
		key := "array:"
		for _, e := range cc.Elems {
			key += ConstKey(e) + ";"
		}
		return key
	case *ConstExpr:
		key := "expr:" + cc.Op + ":" + cc.Ty.String() + ":"
		for _, op := range cc.Ops {
			key += ConstKey(op) + ";"
		}
		return key
	case GlobalValue:
		return "global:" + cc.GlobalName()
	}
	return fmt.Sprintf("opaque:%p", c)
}
