package platform

import (
	"testing"

	"stabilizer/internal/ir"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		triple string
		want   Arch
	}{
		{"x86_64-unknown-linux-gnu", X8664},
		{"amd64-pc-freebsd", X8664},
		{"i386-pc-linux-gnu", X8632},
		{"i686-w64-mingw32", X8632},
		{"powerpc-unknown-linux-gnu", PowerPC},
		{"powerpc64le-unknown-linux-gnu", PowerPC},
		{"ppc64-ibm-aix", PowerPC},
		{"aarch64-unknown-linux-gnu", Other},
		{"", Other},
	}

	for _, c := range cases {
		if got := Classify(c.triple); got != c.want {
			t.Errorf("Classify(%q) = %s, want %s", c.triple, got, c.want)
		}
	}
}

func TestPCRelativeData(t *testing.T) {
	if !PCRelativeData(X8664) {
		t.Error("x86-64 uses PC-relative data")
	}
	if !PCRelativeData(Other) {
		t.Error("unknown targets are treated as PC-relative")
	}
	if PCRelativeData(X8632) {
		t.Error("x86-32 does not use PC-relative data")
	}
	if PCRelativeData(PowerPC) {
		t.Error("PowerPC does not use PC-relative data")
	}
}

func TestPtrIntType(t *testing.T) {
	m := ir.NewModule("m")
	if ty := PtrIntType(m); ty.Bits != 64 {
		t.Errorf("expected 64-bit pointer int, got %d", ty.Bits)
	}
	m.PtrBits = 32
	if ty := PtrIntType(m); ty.Bits != 32 {
		t.Errorf("expected 32-bit pointer int, got %d", ty.Bits)
	}
	c := PtrInt(m, 16)
	if c.Val != 16 || c.Ty.Bits != 32 {
		t.Errorf("PtrInt built %d:i%d, want 16:i32", c.Val, c.Ty.Bits)
	}
}

func TestSizeOf(t *testing.T) {
	cases := []struct {
		ty   ir.Type
		bits int
		want int
	}{
		{ir.I8, 64, 1},
		{ir.I32, 64, 4},
		{ir.F64, 64, 8},
		{ir.BytePtr(), 64, 8},
		{ir.BytePtr(), 32, 4},
		{&ir.ArrayType{Elem: ir.I32, Len: 4}, 64, 16},
		// Padding: i8 at offset 0, f64 aligned up to offset 8.
		{&ir.StructType{Fields: []ir.Type{ir.I8, ir.F64}}, 64, 16},
		{&ir.StructType{Fields: []ir.Type{ir.PtrTo(ir.I32), ir.PtrTo(ir.I32)}}, 64, 16},
		{&ir.StructType{Fields: []ir.Type{}}, 64, 0},
	}

	for _, c := range cases {
		if got := SizeOf(c.ty, c.bits); got != c.want {
			t.Errorf("SizeOf(%s, %d) = %d, want %d", c.ty, c.bits, got, c.want)
		}
	}
}
