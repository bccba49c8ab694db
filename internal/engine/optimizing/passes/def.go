package passes

import (
	"github.com/pkg/errors"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
)

// OptimizationDef is one invocation of a pass in a pipeline.
type OptimizationDef struct {
	Pass PassKind
	// Name is the display name, the canonical name of Pass when empty.
	Name string
	// DependsOn gates the invocation on the most recent invocation of that kind having
	// changed the graph. None runs unconditionally.
	DependsOn PassKind
}

// DisplayName returns the name the invocation is reported under.
func (d OptimizationDef) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Pass.String()
}

// OptDef returns the unconditional invocation of pass under its canonical name.
func OptDef(pass PassKind) OptimizationDef {
	return OptimizationDef{Pass: pass, DependsOn: None}
}

// OptDefNamed returns the invocation of pass under name, gated on dependsOn.
func OptDefNamed(pass PassKind, name string, dependsOn PassKind) OptimizationDef {
	return OptimizationDef{Pass: pass, Name: name, DependsOn: dependsOn}
}

// FullOptimizations returns the pipeline of an optimizing compile, before the architecture block.
func FullOptimizations() []OptimizationDef {
	return []OptimizationDef{
		// Initial optimizations.
		OptDef(ConstantFolding),
		OptDef(InstructionSimplifier),
		OptDefNamed(DeadCodeElimination, "dead_code_elimination$initial", None),
		// Inlining.
		OptDef(Inliner),
		// Simplification, if inlining occurred.
		OptDefNamed(ConstantFolding, "constant_folding$after_inlining", Inliner),
		OptDefNamed(InstructionSimplifier, "instruction_simplifier$after_inlining", Inliner),
		OptDefNamed(DeadCodeElimination, "dead_code_elimination$after_inlining", Inliner),
		// GVN.
		OptDefNamed(SideEffectsAnalysis, "side_effects$before_gvn", None),
		OptDef(GlobalValueNumbering),
		// Simplification.
		OptDef(SelectGenerator),
		OptDefNamed(ConstantFolding, "constant_folding$after_gvn", None),
		OptDefNamed(InstructionSimplifier, "instruction_simplifier$after_gvn", None),
		OptDefNamed(DeadCodeElimination, "dead_code_elimination$after_gvn", None),
		// High-level optimizations.
		OptDefNamed(SideEffectsAnalysis, "side_effects$before_licm", None),
		OptDef(InvariantCodeMotion),
		OptDef(InductionVarAnalysis),
		OptDef(BoundsCheckElimination),
		OptDef(LoopOptimization),
		// Simplification.
		OptDefNamed(ConstantFolding, "constant_folding$after_bce", None),
		OptDefNamed(AggressiveInstructionSimplifier, "instruction_simplifier$after_bce", None),
		// Other high-level optimizations.
		OptDef(LoadStoreElimination),
		OptDef(CHAGuardOptimization),
		OptDefNamed(DeadCodeElimination, "dead_code_elimination$final", None),
		OptDef(CodeSinking),
		// The code generators expect the canonical forms only the simplifier produces.
		OptDefNamed(AggressiveInstructionSimplifier, "instruction_simplifier$before_codegen", None),
		// After code sinking, so that sinking never has to split a fence.
		OptDef(ConstructorFenceRedundancyElimination),
	}
}

// ArchOptimizations returns the architecture block run after FullOptimizations, or nil
// for an ISA without one.
func ArchOptimizations(isa optimizingapi.InstructionSet) []OptimizationDef {
	switch isa {
	case optimizingapi.InstructionSetArm, optimizingapi.InstructionSetThumb2:
		return []OptimizationDef{
			OptDef(InstructionSimplifierArm),
			OptDef(SideEffectsAnalysis),
			OptDefNamed(GlobalValueNumbering, "GVN$after_arch", None),
			OptDef(CriticalNativeAbiFixupArm),
			OptDef(Scheduling),
		}
	case optimizingapi.InstructionSetArm64:
		return []OptimizationDef{
			OptDef(InstructionSimplifierArm64),
			OptDef(SideEffectsAnalysis),
			OptDefNamed(GlobalValueNumbering, "GVN$after_arch", None),
			OptDef(Scheduling),
		}
	case optimizingapi.InstructionSetX86:
		return []OptimizationDef{
			OptDef(InstructionSimplifierX86),
			OptDef(SideEffectsAnalysis),
			OptDefNamed(GlobalValueNumbering, "GVN$after_arch", None),
			OptDef(PcRelativeFixupsX86),
			OptDef(X86MemoryOperandGeneration),
		}
	case optimizingapi.InstructionSetX86_64:
		return []OptimizationDef{
			OptDef(InstructionSimplifierX86_64),
			OptDef(SideEffectsAnalysis),
			OptDefNamed(GlobalValueNumbering, "GVN$after_arch", None),
			OptDef(X86MemoryOperandGeneration),
		}
	}
	return nil
}

// BaselineOptimizations returns the patch-only passes of a baseline compile.
func BaselineOptimizations(isa optimizingapi.InstructionSet) []OptimizationDef {
	switch isa {
	case optimizingapi.InstructionSetArm, optimizingapi.InstructionSetThumb2:
		return []OptimizationDef{OptDef(CriticalNativeAbiFixupArm)}
	case optimizingapi.InstructionSetX86:
		return []OptimizationDef{OptDef(PcRelativeFixupsX86)}
	}
	return nil
}

// IntrinsicOptimizations returns the passes run over an intrinsic graph before the architecture block.
func IntrinsicOptimizations() []OptimizationDef {
	return []OptimizationDef{OptDef(InstructionSimplifier)}
}

// OverrideOptimizations builds the pipeline from operator-supplied pass names, in order.
// Dependencies cannot be expressed this way, so every entry runs unconditionally.
func OverrideOptimizations(passNames []string) ([]OptimizationDef, error) {
	defs := make([]OptimizationDef, 0, len(passNames))
	for _, name := range passNames {
		kind, err := OptimizationPassByName(ConvertPassNameToOptimizationName(name))
		if err != nil {
			return nil, errors.Wrapf(err, "pass %q", name)
		}
		defs = append(defs, OptDefNamed(kind, name, None))
	}
	return defs, nil
}
