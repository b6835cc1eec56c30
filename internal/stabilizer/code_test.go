package stabilizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stabilizer/internal/ir"
)

func TestSentinelAdjacency(t *testing.T) {
	mod := parseModule(t, `module "m"
target triple = "x86_64-unknown-linux-gnu"
target ptrwidth = 64

func @f : () -> i32 {
entry:
  ret 42:i32
}

func @g : () -> i32 {
entry:
  ret 7:i32
}
`)

	apply(t, mod, Options{Code: true})

	for _, name := range []string{"f", "g"} {
		i := funcIndex(mod, name)
		require.GreaterOrEqual(t, i, 0)
		require.Less(t, i+1, len(mod.Funcs), "sentinel must follow %s", name)

		dummy := mod.Funcs[i+1]
		require.Equal(t, "stabilizer.dummy."+name, dummy.Name)
		require.Equal(t, 64, dummy.Align)
		require.Equal(t, ir.InternalLinkage, dummy.Linkage)
		require.Len(t, dummy.Blocks, 1)
		require.Empty(t, dummy.Blocks[0].Insts)
		ret, ok := dummy.Blocks[0].Term.(*ir.Ret)
		require.True(t, ok)
		require.Nil(t, ret.Val)
	}
}

func TestSimpleFunctionRegistration(t *testing.T) {
	mod := parseModule(t, `module "m"
target triple = "x86_64-unknown-linux-gnu"
target ptrwidth = 64

func @f : () -> i32 {
entry:
  ret 42:i32
}
`)

	apply(t, mod, Options{Code: true})

	f := mod.NamedFunction("f")
	require.Len(t, f.Blocks[0].Insts, 0, "a function without global references is untouched")

	body := ctorBody(t, mod)
	regs := callsTo(body, "stabilizer_register_function")
	require.Len(t, regs, 1)
	args := regs[0].Args
	require.Len(t, args, 6)

	base, ok := args[0].(*ir.ConstExpr)
	require.True(t, ok)
	require.Equal(t, ir.Constant(f), base.Ops[0])

	limit, ok := args[1].(*ir.ConstExpr)
	require.True(t, ok)
	require.Equal(t, "stabilizer.dummy.f", limit.Ops[0].(*ir.Function).Name)

	_, isNull := args[2].(*ir.ConstNull)
	require.True(t, isNull, "empty collection yields a null table pointer")
	size, ok := args[3].(*ir.ConstInt)
	require.True(t, ok)
	require.Equal(t, int64(0), size.Val)
	adjacent, ok := args[4].(*ir.ConstInt)
	require.True(t, ok)
	require.Equal(t, int64(0), adjacent.Val, "empty table is never adjacent")
	_, isNull = args[5].(*ir.ConstNull)
	require.True(t, isNull, "no stack pad without stack randomization")
}

func TestGlobalReferenceGoesThroughRelocationTable(t *testing.T) {
	mod := parseModule(t, `module "m"
target triple = "x86_64-unknown-linux-gnu"
target ptrwidth = 64

global @g : i32 = 7:i32, linkage external

func @h : () -> i32 {
entry:
  %v = load i32, @g
  ret %v
}
`)

	apply(t, mod, Options{Code: true})

	g := mod.NamedGlobal("g")
	table := mod.NamedGlobal("h.relocation_table")
	require.NotNil(t, table)
	require.Equal(t, ir.InternalLinkage, table.Linkage)

	// Table initializer is exactly the ordered referenced constants.
	init, ok := table.Init.(*ir.ConstStruct)
	require.True(t, ok)
	require.Len(t, init.Fields, 1)
	require.Equal(t, ir.Constant(g), init.Fields[0])

	h := mod.NamedFunction("h")
	bb := h.Blocks[0]
	require.Len(t, bb.Insts, 3)

	// On x86-64 the table is addressed through the sentinel cast.
	gep, ok := bb.Insts[0].(*ir.GEP)
	require.True(t, ok)
	baseCast, ok := gep.Base.(*ir.ConstExpr)
	require.True(t, ok)
	require.Equal(t, "bitcast", baseCast.Op)
	require.Equal(t, "stabilizer.dummy.h", baseCast.Ops[0].(*ir.Function).Name)
	idx, ok := gep.Indices[1].(*ir.ConstInt)
	require.True(t, ok)
	require.Equal(t, int64(0), idx.Val)

	slotLoad, ok := bb.Insts[1].(*ir.Load)
	require.True(t, ok)
	require.Equal(t, ir.Value(gep), slotLoad.Addr)

	origLoad, ok := bb.Insts[2].(*ir.Load)
	require.True(t, ok)
	require.Equal(t, ir.Value(slotLoad), origLoad.Addr, "the original load now goes through the table slot")

	// Registration reports the table and the adjacent flag.
	regs := callsTo(ctorBody(t, mod), "stabilizer_register_function")
	require.Len(t, regs, 1)
	tableArg, ok := regs[0].Args[2].(*ir.ConstExpr)
	require.True(t, ok)
	require.Equal(t, ir.Constant(table), tableArg.Ops[0])
	size := regs[0].Args[3].(*ir.ConstInt)
	require.Equal(t, int64(8), size.Val, "one pointer slot on a 64-bit target")
	adjacent := regs[0].Args[4].(*ir.ConstInt)
	require.Equal(t, int64(1), adjacent.Val)
}

func TestNoDirectGlobalReferencesRemain(t *testing.T) {
	mod := parseModule(t, `module "m"
target triple = "x86_64-unknown-linux-gnu"
target ptrwidth = 64

global @a : i32 = 1:i32, linkage external
global @b : i32 = 2:i32, linkage external

func @h : () -> i32 {
entry:
  %x = load i32, @a
  %y = load i32, @b
  %z = add i32 %x, %y
  store %z, @a
  ret %z
}
`)

	apply(t, mod, Options{Code: true})

	h := mod.NamedFunction("h")
	sentinel := mod.NamedFunction("stabilizer.dummy.h")
	table := mod.NamedGlobal("h.relocation_table")

	// The only global-valued constants left in h are the sanctioned access
	// path: the sentinel cast (and, on non-PC-relative targets, the table).
	allowed := func(gv ir.GlobalValue) bool {
		return gv == ir.GlobalValue(sentinel) || gv == ir.GlobalValue(table)
	}
	for _, bb := range h.Blocks {
		insts := append([]ir.Instruction{}, bb.Insts...)
		insts = append(insts, bb.Term)
		for _, inst := range insts {
			for i := 0; i < inst.NumOperands(); i++ {
				c, ok := inst.Operand(i).(ir.Constant)
				if !ok {
					continue
				}
				hit := ir.ContainsGlobal(c, func(gv ir.GlobalValue) bool { return !allowed(gv) })
				assert.False(t, hit, "direct global reference survived in %s", h.Name)
			}
		}
	}

	// @a is referenced twice but occupies one deduplicated slot; the table
	// keeps first-discovery order.
	init := table.Init.(*ir.ConstStruct)
	require.Len(t, init.Fields, 2)
	require.Equal(t, ir.Constant(mod.NamedGlobal("a")), init.Fields[0])
	require.Equal(t, ir.Constant(mod.NamedGlobal("b")), init.Fields[1])
}

func TestNonPCRelativeTargetAddressesTableDirectly(t *testing.T) {
	mod := parseModule(t, `module "m"
target triple = "powerpc-unknown-linux-gnu"
target ptrwidth = 32

global @g : i32 = 7:i32, linkage external

func @h : () -> i32 {
entry:
  %v = load i32, @g
  ret %v
}
`)

	apply(t, mod, Options{Code: true})

	h := mod.NamedFunction("h")
	table := mod.NamedGlobal("h.relocation_table")
	gep, ok := h.Blocks[0].Insts[0].(*ir.GEP)
	require.True(t, ok)
	require.Equal(t, ir.Value(table), gep.Base, "PowerPC reaches the global table directly")

	regs := callsTo(ctorBody(t, mod), "stabilizer_register_function")
	adjacent := regs[0].Args[4].(*ir.ConstInt)
	require.Equal(t, int64(0), adjacent.Val)
	size := regs[0].Args[3].(*ir.ConstInt)
	require.Equal(t, int64(4), size.Val, "one pointer slot on a 32-bit target")
}

func TestPhiUsesLoadOnIncomingEdge(t *testing.T) {
	mod := parseModule(t, `module "m"
target triple = "x86_64-unknown-linux-gnu"
target ptrwidth = 64

global @g : i32 = 1:i32, linkage external

func @f : (%c i1) -> *i32 {
entry:
  condbr %c, a, b
a:
  br join
b:
  br join
join:
  %p = phi *i32 [ @g, a ], [ @g, b ]
  ret %p
}
`)

	apply(t, mod, Options{Code: true})

	f := mod.NamedFunction("f")
	blockA, blockB, join := f.Blocks[1], f.Blocks[2], f.Blocks[3]

	phi, ok := join.Insts[0].(*ir.Phi)
	require.True(t, ok, "no load may be inserted before the phi")

	// Each incoming edge got its own gep+load at the predecessor terminator.
	for i, pred := range []*ir.BasicBlock{blockA, blockB} {
		require.Len(t, pred.Insts, 2, "edge load lives in %s", pred.Name)
		_, ok := pred.Insts[0].(*ir.GEP)
		require.True(t, ok)
		load, ok := pred.Insts[1].(*ir.Load)
		require.True(t, ok)
		require.Equal(t, ir.Value(load), phi.Incomings[i].Val)
	}

	// Both uses share one deduplicated table slot.
	table := mod.NamedGlobal("f.relocation_table")
	init := table.Init.(*ir.ConstStruct)
	require.Len(t, init.Fields, 1)
}

func TestLinkOnceODRBecomesExternal(t *testing.T) {
	mod := parseModule(t, `module "m"
target triple = "x86_64-unknown-linux-gnu"
target ptrwidth = 64

func @f : () -> void linkage linkonce_odr [ssp] {
entry:
  ret void
}
`)

	apply(t, mod, Options{Code: true})

	f := mod.NamedFunction("f")
	require.Equal(t, ir.ExternalLinkage, f.Linkage)
	require.False(t, f.HasAttr(ir.AttrStackProtect), "stack-protector attributes are stripped")
}

func TestHeapStackCodeTogether(t *testing.T) {
	mod := parseModule(t, `module "m"
target triple = "x86_64-unknown-linux-gnu"
target ptrwidth = 64

declare @malloc : (i64) -> *i8

func @f : () -> *i8 {
entry:
  %p = call *i8 @malloc(8:i64)
  ret %p
}
`)

	apply(t, mod, Options{Heap: true, Stack: true, Code: true})

	f := mod.NamedFunction("f")

	// The allocator call was rewired before stack and code randomization,
	// so the bracketing and the relocation rewrite act on the replacement.
	saves := 0
	for _, inst := range f.Blocks[0].Insts {
		if call, ok := inst.(*ir.Call); ok {
			if callee, ok := call.Callee.(*ir.Function); ok && callee.Name == "llvm.stacksave" {
				saves++
			}
		}
	}
	require.Equal(t, 1, saves)

	require.Equal(t, 0, mod.NumUses(mod.NamedFunction("malloc")))

	// The relocation table carries the rewired allocator and the pad.
	table := mod.NamedGlobal("f.relocation_table")
	require.NotNil(t, table)
	foundAllocator := false
	for _, field := range table.Init.(*ir.ConstStruct).Fields {
		if fn, ok := field.(*ir.Function); ok && fn.Name == "stabilizer_malloc" {
			foundAllocator = true
		}
	}
	require.True(t, foundAllocator)

	// Registration includes the pad pointer.
	regs := callsTo(ctorBody(t, mod), "stabilizer_register_function")
	require.Len(t, regs, 1)
	require.Equal(t, ir.Value(mod.NamedGlobal("f.stack_pad")), regs[0].Args[5])

	// Pads are not registered separately when code randomization is on.
	require.Empty(t, callsTo(ctorBody(t, mod), "stabilizer_register_stack_pad"))
}
