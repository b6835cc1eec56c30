package stabilizer

// allocators are retargeted by name only; signatures and argument order are
// untouched, so the runtime's replacements must be call-compatible.
var allocators = []string{"malloc", "calloc", "realloc", "free"}

// randomizeHeap rewires every allocator call to its stabilizer_ replacement.
// The original declaration stays in the module as an unused symbol.
func (p *Pass) randomizeHeap() {
	for _, name := range allocators {
		orig := p.mod.NamedFunction(name)
		if orig == nil {
			continue
		}
		repl := p.mod.DeclareFunction("stabilizer_"+name, orig.Sig)
		p.mod.ReplaceAllUsesWith(orig, repl)
	}
}
