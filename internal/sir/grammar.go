// Package sir is the textual front end for the IR. The syntax is the same
// form the printer emits, so modules round-trip between text and memory.
package sir

import (
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

var irLexer = lexer.MustStateful(lexer.Rules{
	"Root": {
		{"Comment", `;[^\n]*`, nil},
		{"String", `"[^"]*"`, nil},
		{"Float", `-?[0-9]+\.[0-9]+([eE][-+]?[0-9]+)?|-?[0-9]+[eE][-+]?[0-9]+`, nil},
		{"Int", `-?[0-9]+`, nil},
		{"GlobalIdent", `@[a-zA-Z_.$][a-zA-Z0-9_.$]*`, nil},
		{"LocalIdent", `%[a-zA-Z_.$][a-zA-Z0-9_.$]*`, nil},
		{"Ellipsis", `\.\.\.`, nil},
		{"Arrow", `->`, nil},
		{"Ident", `[a-zA-Z_][a-zA-Z0-9_]*`, nil},
		{"Punct", `[{}\[\]():,=*]`, nil},
		{"Whitespace", `[ \t\r\n]+`, nil},
	},
})

var irParser = participle.MustBuild[File](
	participle.Lexer(irLexer),
	participle.Elide("Whitespace", "Comment"),
	participle.Unquote("String"),
	// Block labels and instruction mnemonics both start with an identifier;
	// lookahead past the ":" disambiguates.
	participle.UseLookahead(3),
)

type File struct {
	Module string  `"module" @String`
	Decls  []*Decl `@@*`
}

type Decl struct {
	Target  *Target  `  @@`
	Ctors   *Ctors   `| @@`
	Global  *Global  `| @@`
	Declare *Declare `| @@`
	Func    *FuncDef `| @@`
}

type Target struct {
	Triple   *string `"target" ( "triple" "=" @String`
	PtrWidth *int    `| "ptrwidth" "=" @Int )`
}

type Ctors struct {
	Name    string       `"ctors" @String "{"`
	Entries []*CtorEntry `( @@ ( "," @@ )* )? "}"`
}

type CtorEntry struct {
	Pos      lexer.Position
	Priority int    `@Int`
	Fn       string `Arrow @GlobalIdent`
}

type Global struct {
	Pos   lexer.Position
	Name  string        `"global" @GlobalIdent ":"`
	Ty    *TypeRef      `@@`
	Init  *Operand      `( "=" @@ )?`
	Attrs []*GlobalAttr `( "," @@ )*`
}

type GlobalAttr struct {
	Linkage  string `  "linkage" @Ident`
	ReadOnly bool   `| @"readonly"`
	Align    *int   `| "align" @Int`
}

type Declare struct {
	Pos   lexer.Position
	Kind  string      `@("declare" | "intrinsic")`
	Name  string      `@GlobalIdent ":"`
	Sig   *FuncRef    `@@`
	Attrs []*DeclAttr `( "[" ( @@ ( "," @@ )* )? "]" )?`
}

type DeclAttr struct {
	Linkage string `  "linkage" @Ident`
	Name    string `| @Ident`
}

type FuncDef struct {
	Pos      lexer.Position
	Name     string      `"func" @GlobalIdent ":"`
	Params   []*ParamRef `"(" ( @@ ( "," @@ )* )?`
	Variadic bool        `( "," @Ellipsis )? ")"`
	Return   *TypeRef    `Arrow @@`
	Linkage  string      `( "linkage" @Ident )?`
	Align    *int        `( "align" @Int )?`
	Attrs    []*DeclAttr `( "[" ( @@ ( "," @@ )* )? "]" )?`
	Blocks   []*BlockRef `"{" @@* "}"`
}

type ParamRef struct {
	Name string   `@LocalIdent`
	Ty   *TypeRef `@@`
}

type BlockRef struct {
	Label string     `@Ident ":"`
	Insts []*InstRef `@@*`
}

type InstRef struct {
	Pos    lexer.Position
	Result string `( @LocalIdent "=" )?`
	Op     *OpRef `@@`
}

type OpRef struct {
	Load        *LoadOp   `  @@`
	Store       *StoreOp  `| @@`
	Call        *CallOp   `| @@`
	Gep         *GepOp    `| @@`
	Alloca      *AllocaOp `| @@`
	Phi         *PhiOp    `| @@`
	Icmp        *IcmpOp   `| @@`
	Cast        *CastRef  `| @@`
	Bin         *BinRef   `| @@`
	Ret         *RetOp    `| @@`
	Br          *BrOp     `| @@`
	CondBr      *CondBrOp `| @@`
	Unreachable bool      `| @"unreachable"`
}

type LoadOp struct {
	Ty   *TypeRef `"load" @@ ","`
	Addr *Operand `@@`
}

type StoreOp struct {
	Val  *Operand `"store" @@ ","`
	Addr *Operand `@@`
}

type CallOp struct {
	Ret    *TypeRef   `"call" @@`
	Callee *Operand   `@@`
	Args   []*Operand `"(" ( @@ ( "," @@ )* )? ")"`
}

type GepOp struct {
	Base    *Operand   `"gep" @@`
	Indices []*Operand `( "," @@ )*`
}

type AllocaOp struct {
	Ty *TypeRef `"alloca" @@`
}

type PhiOp struct {
	Ty *TypeRef `"phi" @@`
	In []*PhiIn `@@ ( "," @@ )*`
}

type PhiIn struct {
	Val   *Operand `"[" @@ ","`
	Label string   `@Ident "]"`
}

type IcmpOp struct {
	Pred string   `"icmp" @Ident`
	X    *Operand `@@ ","`
	Y    *Operand `@@`
}

type CastRef struct {
	Op string   `@("trunc" | "zext" | "sext" | "bitcast" | "ptrtoint" | "inttoptr" | "fptosi" | "fptoui" | "sitofp" | "uitofp" | "fptrunc" | "fpext")`
	In *Operand `@@`
	To *TypeRef `"to" @@`
}

type BinRef struct {
	Op string   `@("add" | "sub" | "mul" | "udiv" | "sdiv" | "urem" | "srem" | "and" | "or" | "xor" | "shl" | "lshr" | "ashr")`
	Ty *TypeRef `@@`
	X  *Operand `@@ ","`
	Y  *Operand `@@`
}

type RetOp struct {
	Void bool     `"ret" ( @"void"`
	Val  *Operand `| @@ )`
}

type BrOp struct {
	Label string `"br" @Ident`
}

type CondBrOp struct {
	Cond *Operand `"condbr" @@ ","`
	Then string   `@Ident ","`
	Else string   `@Ident`
}

// Operand is a value reference or an inline constant.
type Operand struct {
	Pos    lexer.Position
	Expr   *ConstCast   `  @@`
	GepC   *ConstGep    `| @@`
	Null   *NullRef     `| @@`
	Lit    *Literal     `| @@`
	Struct *StructConst `| @@`
	Array  *ArrayConst  `| @@`
	Local  string       `| @LocalIdent`
	Global string       `| @GlobalIdent`
}

type NullRef struct {
	Ty *TypeRef `"null" ":" @@`
}

type Literal struct {
	Num string   `@(Float | Int)`
	Ty  *TypeRef `":" @@`
}

type ConstCast struct {
	Op  string   `@("bitcast" | "ptrtoint" | "inttoptr") "("`
	Val *Operand `@@ "to"`
	To  *TypeRef `@@ ")"`
}

type ConstGep struct {
	Ops []*Operand `"gep" "(" @@ ( "," @@ )* ")"`
}

type StructConst struct {
	Fields []*Operand `"{" ( @@ ( "," @@ )* )? "}"`
}

type ArrayConst struct {
	Elems []*Operand `"[" ( @@ ( "," @@ )* )? "]"`
}

// Types.

type TypeRef struct {
	Ptr    *TypeRef   `  "*" @@`
	Array  *ArrayRef  `| @@`
	Struct *StructRef `| @@`
	Func   *FuncRef   `| @@`
	Name   string     `| @Ident`
}

type ArrayRef struct {
	Len  int      `"[" @Int`
	Elem *TypeRef `"x" @@ "]"`
}

type StructRef struct {
	Fields []*TypeRef `"{" ( @@ ( "," @@ )* )? "}"`
}

type FuncRef struct {
	Params   []*TypeRef `"(" ( @@ ( "," @@ )* )?`
	Variadic bool       `( "," @Ellipsis )? ")"`
	Return   *TypeRef   `Arrow @@`
}
