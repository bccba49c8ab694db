package passes

import (
	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/ssa"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/stats"
	"github.com/aosp-leddaz/art/internal/util/logging"
)

// Pass is one transformation over a method graph.
type Pass interface {
	// Name returns the display name of the invocation.
	Name() string
	// Run transforms the graph and returns true if it changed anything.
	Run() bool
}

// Environment is what a pass constructor may bind to.
type Environment struct {
	Graph ssa.Builder
	ISA   optimizingapi.InstructionSet
	Stats *stats.Stats
	// ConstantReturn reports the constant returned by the method methodIndex when its
	// body does nothing else. It may be nil.
	ConstantReturn func(methodIndex uint32) (uint64, bool)
}

// Constructor creates the pass of one invocation.
type Constructor func(env *Environment, name string) Pass

// Registry maps pass kinds to their constructors. Kinds without a constructor get a pass
// that never changes the graph.
type Registry struct {
	constructors [Last]Constructor
}

// NewRegistry returns a Registry holding the passes implemented in this repository.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Register(ConstantFolding, graphPass(ssa.PassConstantFolding, stats.ConstantFolded))
	r.Register(InstructionSimplifier, graphPass(func(b ssa.Builder) bool { return ssa.PassSimplify(b, false) }, stats.SimplifiedInstruction))
	r.Register(AggressiveInstructionSimplifier, graphPass(func(b ssa.Builder) bool { return ssa.PassSimplify(b, true) }, stats.SimplifiedInstruction))
	r.Register(DeadCodeElimination, graphPass(ssa.PassDeadCodeElimination, stats.RemovedDeadInstruction))
	r.Register(SideEffectsAnalysis, graphPass(ssa.PassSideEffectsAnalysis, -1))
	r.Register(GlobalValueNumbering, graphPass(ssa.PassGlobalValueNumbering, stats.GlobalValueNumbered))
	r.Register(InvariantCodeMotion, graphPass(ssa.PassLICM, stats.HoistedLoopInvariant))
	r.Register(InductionVarAnalysis, graphPass(ssa.PassInductionVarAnalysis, -1))
	r.Register(LoadStoreElimination, graphPass(ssa.PassLoadStoreElimination, stats.RemovedLoad))
	r.Register(ConstructorFenceRedundancyElimination, graphPass(ssa.PassConstructorFenceElimination, stats.RemovedConstructorFence))
	for _, k := range []PassKind{InstructionSimplifierArm, InstructionSimplifierArm64, InstructionSimplifierX86, InstructionSimplifierX86_64} {
		r.Register(k, graphPass(ssa.PassArchSimplify, stats.SimplifiedInstruction))
	}
	r.Register(Inliner, func(env *Environment, name string) Pass {
		return &funcPass{name: name, run: func() bool {
			changed := ssa.PassInlineConstantCalls(env.Graph, env.ConstantReturn)
			if changed {
				stats.MaybeRecordStat(env.Stats, stats.InlinedInvoke)
			}
			return changed
		}}
	})
	return r
}

// Register sets the constructor of kind, replacing any previous one.
func (r *Registry) Register(kind PassKind, c Constructor) {
	r.constructors[kind] = c
}

// ConstructOptimizations creates one pass per definition, in order.
func (r *Registry) ConstructOptimizations(defs []OptimizationDef, env *Environment) []Pass {
	ret := make([]Pass, len(defs))
	for i, def := range defs {
		if c := r.constructors[def.Pass]; c != nil {
			ret[i] = c(env, def.DisplayName())
		} else {
			ret[i] = &inertPass{name: def.DisplayName()}
		}
	}
	return ret
}

type funcPass struct {
	name string
	run  func() bool
}

// Name implements Pass.
func (p *funcPass) Name() string { return p.name }

// Run implements Pass.
func (p *funcPass) Run() bool { return p.run() }

// graphPass adapts an ssa pass, recording stat when it changes the graph. A negative stat records nothing.
func graphPass(run func(ssa.Builder) bool, stat stats.MethodCompilationStat) Constructor {
	return func(env *Environment, name string) Pass {
		return &funcPass{name: name, run: func() bool {
			changed := run(env.Graph)
			if changed && stat >= 0 {
				stats.MaybeRecordStat(env.Stats, stat)
			}
			return changed
		}}
	}
}

// inertPass stands for a pass kind with no implementation here.
type inertPass struct {
	name string
}

// Name implements Pass.
func (p *inertPass) Name() string { return p.name }

// Run implements Pass.
func (p *inertPass) Run() bool {
	logging.V(7).Infof("%s: nothing to do", p.name)
	return false
}
