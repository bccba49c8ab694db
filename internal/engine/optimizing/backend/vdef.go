package backend

import "github.com/aosp-leddaz/art/internal/engine/optimizing/ssa"

// SSAValueDefinition represents a definition of an SSA value.
type SSAValueDefinition struct {
	// BlkParamVReg is valid if Instr == nil.
	BlkParamVReg VReg
	// Blk is the block defining the value: the owner of Instr or of the parameter.
	Blk ssa.BasicBlock

	// Instr is not nil if the value is produced by an instruction.
	Instr *ssa.Instruction
	// N is the index of the parameter in Blk if the value is a block parameter.
	N int
	// RefCount is the number of references to the result.
	RefCount int
}

// IsFromInstr returns true if the value is produced by an instruction.
func (d *SSAValueDefinition) IsFromInstr() bool {
	return d.Instr != nil
}

// IsFromBlockParam returns true if the value is a block parameter.
func (d *SSAValueDefinition) IsFromBlockParam() bool {
	return d.Instr == nil
}
