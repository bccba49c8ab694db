package optimizing

import (
	"github.com/aosp-leddaz/art/internal/engine/optimizing/passes"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/ssa"
)

// RunOptimizations runs the passes of defs in order over graph and returns true if any of them
// changed it. An invocation only runs if the latest invocation of the pass kind it depends on,
// run or skipped, changed the graph; a skipped invocation counts as no change.
func (c *OptimizingCompiler) RunOptimizations(graph ssa.Builder, observer *PassObserver, defs []passes.OptimizationDef) bool {
	optimizations := c.registry.ConstructOptimizations(defs, c.passEnvironment(graph))

	var passChanges [passes.Last + 1]bool
	passChanges[passes.None] = true
	change := false
	for i, def := range defs {
		if !passChanges[def.DependsOn] {
			passChanges[def.Pass] = false
			continue
		}
		passChanges[def.Pass] = c.runPass(observer, optimizations[i])
		if passChanges[def.Pass] {
			change = true
		}
	}
	return change
}

// runPass runs p in its PassScope.
func (c *OptimizingCompiler) runPass(observer *PassObserver, p passes.Pass) bool {
	scope := NewPassScope(p.Name(), observer)
	defer scope.Close()
	changed := p.Run()
	if !changed {
		scope.SetPassNotChanged()
	}
	return changed
}

func (c *OptimizingCompiler) passEnvironment(graph ssa.Builder) *passes.Environment {
	return &passes.Environment{
		Graph:          graph,
		ISA:            c.opts.InstructionSet,
		Stats:          c.stats,
		ConstantReturn: c.constantReturn,
	}
}

// runOptimizations runs the pipeline of an optimizing compile: the operator's pass list
// if any, else the full pipeline followed by the architecture passes.
func (c *OptimizingCompiler) runOptimizations(graph ssa.Builder, observer *PassObserver) {
	if c.passesToRun != nil {
		c.RunOptimizations(graph, observer, c.passesToRun)
		return
	}
	c.RunOptimizations(graph, observer, passes.FullOptimizations())
	c.runArchOptimizations(graph, observer)
}

func (c *OptimizingCompiler) runBaselineOptimizations(graph ssa.Builder, observer *PassObserver) bool {
	return c.RunOptimizations(graph, observer, passes.BaselineOptimizations(c.opts.InstructionSet))
}

func (c *OptimizingCompiler) runArchOptimizations(graph ssa.Builder, observer *PassObserver) bool {
	return c.RunOptimizations(graph, observer, passes.ArchOptimizations(c.opts.InstructionSet))
}
