package optimizing

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aosp-leddaz/art/internal/config"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/frontend"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/passes"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/ssa"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/testcases"
)

// buildGraphFor returns the graph of m and an observer over it.
func buildGraphFor(t *testing.T, c *OptimizingCompiler, m *optimizingapi.Method) (ssa.Builder, *PassObserver) {
	graph := ssa.NewBuilder()
	fc := frontend.NewFrontendCompiler(graph)
	fc.Init(m, optimizingapi.CompilationKindOptimized)
	require.Equal(t, frontend.AnalysisSuccess, fc.LowerToSSA())
	observer := c.newPassObserver(graph, nil, m)
	t.Cleanup(observer.Close)
	return graph, observer
}

type recordingPass struct {
	name    string
	changes bool
	ran     *[]string
}

func (p *recordingPass) Name() string { return p.name }

func (p *recordingPass) Run() bool {
	*p.ran = append(*p.ran, p.name)
	return p.changes
}

// record makes the passes of kind append their name to ran and report changes.
func record(c *OptimizingCompiler, kind passes.PassKind, changes bool, ran *[]string) {
	c.Registry().Register(kind, func(_ *passes.Environment, name string) passes.Pass {
		return &recordingPass{name: name, changes: changes, ran: ran}
	})
}

func TestOptimizingCompiler_RunOptimizations(t *testing.T) {
	const (
		a = passes.SelectGenerator
		b = passes.CodeSinking
		d = passes.LoopOptimization
	)
	for _, tc := range []struct {
		name       string
		aChanges   bool
		defs       []passes.OptimizationDef
		expRan     []string
		expChanged bool
	}{
		{
			name: "dependency without change",
			defs: []passes.OptimizationDef{passes.OptDef(a), passes.OptDefNamed(b, "b", a)},
			// b would change the graph, but is skipped.
			expRan: []string{"select_generator"},
		},
		{
			name:       "dependency with change",
			aChanges:   true,
			defs:       []passes.OptimizationDef{passes.OptDef(a), passes.OptDefNamed(b, "b", a)},
			expRan:     []string{"select_generator", "b"},
			expChanged: true,
		},
		{
			name:   "dependency never run",
			defs:   []passes.OptimizationDef{passes.OptDefNamed(b, "b", a)},
			expRan: nil,
		},
		{
			name:     "skipped pass counts as unchanged",
			aChanges: true,
			defs: []passes.OptimizationDef{
				passes.OptDefNamed(b, "b$first", d),
				passes.OptDefNamed(a, "a$after_b", b),
			},
			expRan: nil,
		},
		{
			name:     "latest invocation wins",
			aChanges: true,
			defs: []passes.OptimizationDef{
				passes.OptDef(b),
				passes.OptDefNamed(a, "a$first", passes.None),
				passes.OptDefNamed(d, "d$after_a", a),
			},
			expRan:     []string{"code_sinking", "a$first", "d$after_a"},
			expChanged: true,
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newCompiler(t, nil)
			var ran []string
			record(c, a, tc.aChanges, &ran)
			record(c, b, true, &ran)
			record(c, d, false, &ran)
			graph, observer := buildGraphFor(t, c, testcases.AddSubParamsReturn.Method)
			require.Equal(t, tc.expChanged, c.RunOptimizations(graph, observer, tc.defs))
			require.Equal(t, tc.expRan, ran)
		})
	}

	t.Run("latest invocation without change", func(t *testing.T) {
		c, _ := newCompiler(t, nil)
		var ran []string
		record(c, b, true, &ran)
		record(c, d, false, &ran)
		graph, observer := buildGraphFor(t, c, testcases.AddSubParamsReturn.Method)
		changed := c.RunOptimizations(graph, observer, []passes.OptimizationDef{
			passes.OptDefNamed(b, "b$first", passes.None),
			passes.OptDefNamed(b, "b$second", d),
			passes.OptDefNamed(d, "d$after_b", b),
		})
		require.True(t, changed)
		require.Equal(t, []string{"b$first"}, ran)
	})
}

func TestOptimizingCompiler_runOptimizations_override(t *testing.T) {
	c, _ := newCompiler(t, func(o *config.CompilerOptions) {
		o.PassesToRun = []string{"dead_code_elimination$custom", "constant_folding", "dead_code_elimination"}
	})
	for _, def := range c.passesToRun {
		require.Equal(t, passes.None, def.DependsOn)
	}
	var ran []string
	record(c, passes.ConstantFolding, false, &ran)
	record(c, passes.DeadCodeElimination, false, &ran)
	record(c, passes.InstructionSimplifierArm64, false, &ran)
	graph, observer := buildGraphFor(t, c, testcases.ConstantFolding.Method)
	c.runOptimizations(graph, observer)
	// The architecture passes are not run either.
	require.Equal(t, []string{"dead_code_elimination$custom", "constant_folding", "dead_code_elimination"}, ran)
}

func TestOptimizingCompiler_runOptimizations_full(t *testing.T) {
	c, _ := newCompiler(t, nil)
	var ran []string
	record(c, passes.InstructionSimplifierArm64, false, &ran)
	graph, observer := buildGraphFor(t, c, testcases.ConstantFolding.Method)
	c.runOptimizations(graph, observer)
	require.Equal(t, []string{"instruction_simplifier_arm64"}, ran)
}

// corruptingPass leaves an empty block in the graph.
func corruptingPass(env *passes.Environment, name string) passes.Pass {
	return &funcPass{name: name, run: func() bool {
		env.Graph.AllocateBasicBlock()
		return true
	}}
}

type funcPass struct {
	name string
	run  func() bool
}

func (p *funcPass) Name() string { return p.name }
func (p *funcPass) Run() bool    { return p.run() }

func TestPassObserver_validation(t *testing.T) {
	if !debugBuild {
		t.Skip("graphs are only validated in debug builds")
	}
	defs := []passes.OptimizationDef{passes.OptDef(passes.ConstantFolding)}

	t.Run("invalid graph", func(t *testing.T) {
		msgs := fatals(t)
		c, _ := newCompiler(t, nil)
		c.Registry().Register(passes.ConstantFolding, corruptingPass)
		graph, observer := buildGraphFor(t, c, testcases.AddSubParamsReturn.Method)
		c.RunOptimizations(graph, observer, defs)
		require.Len(t, *msgs, 1)
		require.Contains(t, (*msgs)[0], "A failure has occurred: (constant_folding) add_sub_params_return: ")
		require.Contains(t, (*msgs)[0], "is empty")
	})
	t.Run("bad state", func(t *testing.T) {
		msgs := fatals(t)
		c, _ := newCompiler(t, nil)
		c.Registry().Register(passes.ConstantFolding, corruptingPass)
		graph, observer := buildGraphFor(t, c, testcases.AddSubParamsReturn.Method)
		observer.SetGraphInBadState()
		c.RunOptimizations(graph, observer, defs)
		c.RunOptimizations(graph, observer, defs)
		require.Empty(t, *msgs)
	})
	t.Run("incorrect no-change assertion", func(t *testing.T) {
		msgs := fatals(t)
		c, _ := newCompiler(t, nil)
		c.Registry().Register(passes.ConstantFolding, func(env *passes.Environment, name string) passes.Pass {
			return &funcPass{name: name, run: func() bool {
				ssa.PassConstantFolding(env.Graph)
				ssa.PassDeadCodeElimination(env.Graph)
				return false
			}}
		})
		graph, observer := buildGraphFor(t, c, testcases.ConstantFolding.Method)
		// Record the size of the graph.
		c.RunOptimizations(graph, observer, []passes.OptimizationDef{passes.OptDef(passes.SelectGenerator)})
		require.Empty(t, *msgs)
		c.RunOptimizations(graph, observer, defs)
		require.Len(t, *msgs, 1)
		require.Contains(t, (*msgs)[0], "Incorrect no-change assertion")
	})
}
