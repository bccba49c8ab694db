package passes

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/ssa"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/stats"
)

func TestConvertPassNameToOptimizationName(t *testing.T) {
	for _, tc := range []struct{ in, exp string }{
		{in: "foo$bar", exp: "foo"},
		{in: "foo", exp: "foo"},
		{in: "dead_code_elimination$after_inlining", exp: "dead_code_elimination"},
		{in: "a$b$c", exp: "a"},
		{in: "$x", exp: ""},
	} {
		require.Equal(t, tc.exp, ConvertPassNameToOptimizationName(tc.in), tc.in)
	}
}

func TestOptimizationPassByName(t *testing.T) {
	for k := PassKind(0); k < Last; k++ {
		got, err := OptimizationPassByName(k.String())
		require.NoError(t, err)
		if k == AggressiveInstructionSimplifier {
			// Shares its name with the regular simplifier, which comes first.
			require.Equal(t, InstructionSimplifier, got)
		} else {
			require.Equal(t, k, got)
		}
	}
	_, err := OptimizationPassByName("no_such_pass")
	require.Error(t, err)
	require.Equal(t, "none", None.String())
}

func TestFullOptimizations(t *testing.T) {
	defs := FullOptimizations()
	require.Len(t, defs, 26)
	require.Equal(t, "constant_folding", defs[0].DisplayName())
	require.Equal(t, "constructor_fence_redundancy_elimination", defs[len(defs)-1].DisplayName())

	var gated []string
	for _, d := range defs {
		if d.DependsOn != None {
			require.Equal(t, Inliner, d.DependsOn)
			gated = append(gated, d.DisplayName())
		}
	}
	require.Equal(t, []string{
		"constant_folding$after_inlining",
		"instruction_simplifier$after_inlining",
		"dead_code_elimination$after_inlining",
	}, gated)
}

func TestArchAndBaselineOptimizations(t *testing.T) {
	names := func(defs []OptimizationDef) (ret []string) {
		for _, d := range defs {
			ret = append(ret, d.DisplayName())
		}
		return
	}
	for _, tc := range []struct {
		isa                  optimizingapi.InstructionSet
		expArch, expBaseline []string
	}{
		{
			isa:         optimizingapi.InstructionSetArm64,
			expArch:     []string{"instruction_simplifier_arm64", "side_effects", "GVN$after_arch", "scheduler"},
			expBaseline: nil,
		},
		{
			isa:         optimizingapi.InstructionSetThumb2,
			expArch:     []string{"instruction_simplifier_arm", "side_effects", "GVN$after_arch", "critical_native_abi_fixup_arm", "scheduler"},
			expBaseline: []string{"critical_native_abi_fixup_arm"},
		},
		{
			isa:         optimizingapi.InstructionSetX86,
			expArch:     []string{"instruction_simplifier_x86", "side_effects", "GVN$after_arch", "pc_relative_fixups_x86", "x86_memory_operand_generation"},
			expBaseline: []string{"pc_relative_fixups_x86"},
		},
		{
			isa:         optimizingapi.InstructionSetX86_64,
			expArch:     []string{"instruction_simplifier_x86_64", "side_effects", "GVN$after_arch", "x86_memory_operand_generation"},
			expBaseline: nil,
		},
		{isa: optimizingapi.InstructionSetRiscv64},
	} {
		tc := tc
		t.Run(tc.isa.String(), func(t *testing.T) {
			require.Equal(t, tc.expArch, names(ArchOptimizations(tc.isa)))
			require.Equal(t, tc.expBaseline, names(BaselineOptimizations(tc.isa)))
		})
	}
}

func TestOverrideOptimizations(t *testing.T) {
	defs, err := OverrideOptimizations([]string{"inliner", "constant_folding$after_inlining", "GVN"})
	require.NoError(t, err)
	require.Equal(t, []OptimizationDef{
		{Pass: Inliner, Name: "inliner", DependsOn: None},
		{Pass: ConstantFolding, Name: "constant_folding$after_inlining", DependsOn: None},
		{Pass: GlobalValueNumbering, Name: "GVN", DependsOn: None},
	}, defs)

	_, err = OverrideOptimizations([]string{"GVN", "bogus$x"})
	require.EqualError(t, err, `pass "bogus$x": cannot find optimization "bogus"`)
}

func TestRegistry_ConstructOptimizations(t *testing.T) {
	b := ssa.NewBuilder()
	entry := b.AllocateBasicBlock()
	p := entry.AddParam(b, ssa.TypeI64)
	b.SetCurrentBlock(entry)
	c := b.AllocateInstruction().AsIconst64(0)
	b.InsertInstruction(c)
	add := b.AllocateInstruction().AsIadd(p, c.Return())
	b.InsertInstruction(add)
	ret := b.AllocateInstruction().AsReturn([]ssa.Value{add.Return()})
	b.InsertInstruction(ret)

	s := stats.New()
	env := &Environment{Graph: b, ISA: optimizingapi.InstructionSetArm64, Stats: s}
	defs := []OptimizationDef{
		OptDefNamed(InstructionSimplifier, "instruction_simplifier$test", None),
		OptDef(BoundsCheckElimination),
		OptDef(DeadCodeElimination),
	}
	passes := NewRegistry().ConstructOptimizations(defs, env)
	require.Len(t, passes, 3)
	require.Equal(t, "instruction_simplifier$test", passes[0].Name())
	require.Equal(t, "BCE", passes[1].Name())

	require.True(t, passes[0].Run())
	require.False(t, passes[1].Run())
	require.True(t, passes[2].Run())
	require.False(t, passes[2].Run())
	require.Equal(t, uint32(1), s.Get(stats.SimplifiedInstruction))
	require.Equal(t, uint32(1), s.Get(stats.RemovedDeadInstruction))

	r := NewRegistry()
	r.Register(BoundsCheckElimination, func(_ *Environment, name string) Pass {
		return &funcPass{name: name, run: func() bool { return true }}
	})
	require.True(t, r.ConstructOptimizations(defs[1:2], env)[0].Run())
}
