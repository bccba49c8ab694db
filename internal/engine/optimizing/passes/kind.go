// Package passes names the optimization passes and describes the pipelines built from them.
package passes

import (
	"strings"

	"github.com/pkg/errors"
)

// PassKind identifies an optimization. Several invocations of the same kind may appear
// in one pipeline under different display names.
type PassKind int

const (
	BoundsCheckElimination PassKind = iota
	CHAGuardOptimization
	CodeSinking
	ConstantFolding
	ConstructorFenceRedundancyElimination
	DeadCodeElimination
	GlobalValueNumbering
	InductionVarAnalysis
	Inliner
	InstructionSimplifier
	InvariantCodeMotion
	LoadStoreElimination
	LoopOptimization
	Scheduling
	SelectGenerator
	SideEffectsAnalysis
	AggressiveInstructionSimplifier
	InstructionSimplifierArm
	InstructionSimplifierArm64
	CriticalNativeAbiFixupArm
	InstructionSimplifierX86
	InstructionSimplifierX86_64
	PcRelativeFixupsX86
	X86MemoryOperandGeneration
	// None is the "no dependency" sentinel.
	None
	Last = None
)

// PassNameSeparator joins a canonical pass name and the tag of its invocation site.
const PassNameSeparator = "$"

var passNames = [Last]string{
	BoundsCheckElimination:                "BCE",
	CHAGuardOptimization:                  "cha_guard_optimization",
	CodeSinking:                           "code_sinking",
	ConstantFolding:                       "constant_folding",
	ConstructorFenceRedundancyElimination: "constructor_fence_redundancy_elimination",
	DeadCodeElimination:                   "dead_code_elimination",
	GlobalValueNumbering:                  "GVN",
	InductionVarAnalysis:                  "induction_var_analysis",
	Inliner:                               "inliner",
	InstructionSimplifier:                 "instruction_simplifier",
	InvariantCodeMotion:                   "licm",
	LoadStoreElimination:                  "load_store_elimination",
	LoopOptimization:                      "loop_optimization",
	Scheduling:                            "scheduler",
	SelectGenerator:                       "select_generator",
	SideEffectsAnalysis:                   "side_effects",
	AggressiveInstructionSimplifier:       "instruction_simplifier",
	InstructionSimplifierArm:              "instruction_simplifier_arm",
	InstructionSimplifierArm64:            "instruction_simplifier_arm64",
	CriticalNativeAbiFixupArm:             "critical_native_abi_fixup_arm",
	InstructionSimplifierX86:              "instruction_simplifier_x86",
	InstructionSimplifierX86_64:           "instruction_simplifier_x86_64",
	PcRelativeFixupsX86:                   "pc_relative_fixups_x86",
	X86MemoryOperandGeneration:            "x86_memory_operand_generation",
}

// String returns the canonical name of the pass kind.
func (k PassKind) String() string {
	if k >= 0 && k < Last {
		return passNames[k]
	}
	if k == None {
		return "none"
	}
	panic("BUG: unknown pass kind")
}

// OptimizationPassByName returns the first kind whose canonical name is name.
func OptimizationPassByName(name string) (PassKind, error) {
	for k := PassKind(0); k < Last; k++ {
		if passNames[k] == name {
			return k, nil
		}
	}
	return None, errors.Errorf("cannot find optimization %q", name)
}

// ConvertPassNameToOptimizationName strips the invocation-site tag of a pass name.
func ConvertPassNameToOptimizationName(passName string) string {
	if pos := strings.Index(passName, PassNameSeparator); pos >= 0 {
		return passName[:pos]
	}
	return passName
}
