package ir

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Printer renders a module in the textual form the front end parses. The
// output is stable: functions, blocks, and instructions print in module
// order, and unnamed results are numbered per function.
type Printer struct {
	out   strings.Builder
	names map[Value]string
	used  map[string]bool
}

func NewPrinter() *Printer {
	return &Printer{names: make(map[Value]string), used: make(map[string]bool)}
}

// Print returns the textual representation of m.
func Print(m *Module) string {
	p := NewPrinter()
	p.printModule(m)
	return p.out.String()
}

func (p *Printer) write(format string, args ...interface{}) {
	p.out.WriteString(fmt.Sprintf(format, args...))
}

func (p *Printer) printModule(m *Module) {
	p.write("module %q\n", m.Name)
	p.write("target triple = %q\n", m.Triple)
	p.write("target ptrwidth = %d\n", m.PtrBits)

	if m.Ctors != nil {
		p.write("\nctors %q {", m.Ctors.Name)
		for i, e := range m.Ctors.Entries {
			if i > 0 {
				p.write(",")
			}
			p.write(" %d -> @%s", e.Priority, e.Fn.Name)
		}
		p.write(" }\n")
	}

	if len(m.Globals) > 0 {
		p.write("\n")
	}
	for _, g := range m.Globals {
		p.printGlobal(g)
	}

	for _, f := range m.Funcs {
		p.write("\n")
		p.printFunction(f)
	}
}

func (p *Printer) printGlobal(g *GlobalVariable) {
	p.write("global @%s : %s", g.Name, g.ValueType)
	if g.Init != nil {
		p.write(" = %s", p.constString(g.Init))
	}
	p.write(", linkage %s", g.Linkage)
	if g.ReadOnly {
		p.write(", readonly")
	}
	if g.Align != 0 {
		p.write(", align %d", g.Align)
	}
	p.write("\n")
}

func (p *Printer) printFunction(f *Function) {
	if f.IsDeclaration() {
		kw := "declare"
		if f.Intrinsic {
			kw = "intrinsic"
		}
		p.write("%s @%s : %s", kw, f.Name, f.Sig)
		p.printFunctionAttrs(f)
		p.write("\n")
		return
	}

	// Local names are per-function.
	p.names = make(map[Value]string)
	p.used = make(map[string]bool)

	p.write("func @%s : (", f.Name)
	for i, param := range f.Params {
		if i > 0 {
			p.write(", ")
		}
		p.write("%s %s", p.valueString(param), param.Ty)
	}
	if f.Sig.Variadic {
		p.write(", ...")
	}
	p.write(") -> %s", f.Sig.Return)
	if f.Linkage != ExternalLinkage {
		p.write(" linkage %s", f.Linkage)
	}
	if f.Align != 0 {
		p.write(" align %d", f.Align)
	}
	p.printFunctionAttrs(f)
	p.write(" {\n")
	for _, bb := range f.Blocks {
		p.write("%s:\n", bb.Name)
		for _, inst := range bb.Insts {
			p.write("  %s\n", p.instString(inst))
		}
		if bb.Term != nil {
			p.write("  %s\n", p.instString(bb.Term))
		}
	}
	p.write("}\n")
}

func (p *Printer) printFunctionAttrs(f *Function) {
	var attrs []string
	if f.NonLazyBind {
		attrs = append(attrs, "nonlazybind")
	}
	for a := range f.Attrs {
		if f.Attrs[a] {
			attrs = append(attrs, a)
		}
	}
	if f.IsDeclaration() && f.Linkage != ExternalLinkage {
		attrs = append(attrs, "linkage "+f.Linkage.String())
	}
	if len(attrs) > 0 {
		sort.Strings(attrs)
		p.write(" [%s]", strings.Join(attrs, ", "))
	}
}

func (p *Printer) instString(inst Instruction) string {
	switch i := inst.(type) {
	case *Load:
		return fmt.Sprintf("%s = load %s, %s", p.valueString(i), i.Ty, p.valueString(i.Addr))
	case *Store:
		return fmt.Sprintf("store %s, %s", p.valueString(i.Val), p.valueString(i.Addr))
	case *BinOp:
		return fmt.Sprintf("%s = %s %s %s, %s", p.valueString(i), i.Op, i.Ty, p.valueString(i.X), p.valueString(i.Y))
	case *ICmp:
		return fmt.Sprintf("%s = icmp %s %s, %s", p.valueString(i), i.Pred, p.valueString(i.X), p.valueString(i.Y))
	case *Cast:
		return fmt.Sprintf("%s = %s %s to %s", p.valueString(i), i.Op, p.valueString(i.In), i.To)
	case *Call:
		args := make([]string, len(i.Args))
		for j, a := range i.Args {
			args[j] = p.valueString(a)
		}
		callee := p.valueString(i.Callee)
		if _, ok := i.Sig.Return.(*VoidType); ok {
			return fmt.Sprintf("call void %s(%s)", callee, strings.Join(args, ", "))
		}
		return fmt.Sprintf("%s = call %s %s(%s)", p.valueString(i), i.Sig.Return, callee, strings.Join(args, ", "))
	case *GEP:
		parts := []string{p.valueString(i.Base)}
		for _, idx := range i.Indices {
			parts = append(parts, p.valueString(idx))
		}
		return fmt.Sprintf("%s = gep %s", p.valueString(i), strings.Join(parts, ", "))
	case *Alloca:
		return fmt.Sprintf("%s = alloca %s", p.valueString(i), i.Elem)
	case *Phi:
		parts := make([]string, len(i.Incomings))
		for j, in := range i.Incomings {
			parts[j] = fmt.Sprintf("[ %s, %s ]", p.valueString(in.Val), in.Pred.Name)
		}
		return fmt.Sprintf("%s = phi %s %s", p.valueString(i), i.Ty, strings.Join(parts, ", "))
	case *Ret:
		if i.Val == nil {
			return "ret void"
		}
		return fmt.Sprintf("ret %s", p.valueString(i.Val))
	case *Br:
		return fmt.Sprintf("br %s", i.Target.Name)
	case *CondBr:
		return fmt.Sprintf("condbr %s, %s, %s", p.valueString(i.Cond), i.Then.Name, i.Else.Name)
	case *Unreachable:
		return "unreachable"
	}
	return fmt.Sprintf("<unknown instruction %T>", inst)
}

// valueString renders an operand reference.
func (p *Printer) valueString(v Value) string {
	switch vv := v.(type) {
	case Constant:
		return p.constString(vv)
	case *Param:
		return "%" + p.localName(v, vv.Name)
	case Instruction:
		name := ""
		if named, ok := v.(interface{ Name() string }); ok {
			name = named.Name()
		}
		return "%" + p.localName(v, name)
	}
	return "<?>"
}

func (p *Printer) localName(v Value, name string) string {
	if existing, ok := p.names[v]; ok {
		return existing
	}
	if name == "" {
		name = "t" + strconv.Itoa(len(p.names))
	}
	// Passes reuse short result names; number the collisions.
	unique := name
	for n := 1; p.used[unique]; n++ {
		unique = name + "." + strconv.Itoa(n)
	}
	p.names[v] = unique
	p.used[unique] = true
	return unique
}

func (p *Printer) constString(c Constant) string {
	switch cc := c.(type) {
	case *ConstInt:
		return fmt.Sprintf("%d:%s", cc.Val, cc.Ty)
	case *ConstFloat:
		return fmt.Sprintf("%s:%s", strconv.FormatFloat(cc.Val, 'g', -1, 64), cc.Ty)
	case *ConstNull:
		return "null:" + cc.Ty.String()
	case *ConstStruct:
		parts := make([]string, len(cc.Fields))
		for i, f := range cc.Fields {
			parts[i] = p.constString(f)
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case *ConstArray:
		parts := make([]string, len(cc.Elems))
		for i, e := range cc.Elems {
			parts[i] = p.constString(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case *ConstExpr:
		switch cc.Op {
		case "bitcast", "ptrtoint", "inttoptr":
			return fmt.Sprintf("%s(%s to %s)", cc.Op, p.constString(cc.Ops[0]), cc.Ty)
		case "gep":
			parts := make([]string, len(cc.Ops))
			for i, op := range cc.Ops {
				parts[i] = p.constString(op)
			}
			return fmt.Sprintf("gep(%s)", strings.Join(parts, ", "))
		}
		return fmt.Sprintf("%s(...)", cc.Op)
	case *GlobalVariable:
		return "@" + cc.Name
	case *Function:
		return "@" + cc.Name
	}
	return "<const?>"
}
