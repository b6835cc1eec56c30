// Package passes wires named module passes into a pipeline. The host looks
// passes up by the pipeline name they register under, mirroring how the
// transform is loaded as a compiler plugin.
package passes

import (
	"stabilizer/internal/diag"
	"stabilizer/internal/ir"
)

// ModulePass is a single module-to-module transformation.
type ModulePass interface {
	Name() string
	Apply(m *ir.Module) bool // returns true if changes were made
	Description() string
}

// Registry maps pipeline names to passes.
type Registry struct {
	byName map[string]ModulePass
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]ModulePass)}
}

// Register adds a pass under its pipeline name. A later registration for the
// same name wins, matching plugin reload semantics.
func (r *Registry) Register(p ModulePass) {
	r.byName[p.Name()] = p
}

// Lookup resolves a pipeline name.
func (r *Registry) Lookup(name string) (ModulePass, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// Pipeline runs passes in the order they were added.
type Pipeline struct {
	passes []ModulePass
}

func NewPipeline() *Pipeline {
	return &Pipeline{}
}

func (p *Pipeline) AddPass(pass ModulePass) {
	p.passes = append(p.passes, pass)
}

// Run executes all passes on the module, strictly sequentially.
func (p *Pipeline) Run(m *ir.Module) {
	for _, pass := range p.passes {
		diag.Infof("%s: %s", pass.Name(), pass.Description())
		if pass.Apply(m) {
			diag.Infof("%s: module changed", pass.Name())
		}
	}
}
