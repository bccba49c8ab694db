package backend

import (
	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/ssa"
)

type (
	// Machine is a backend for a specific machine. The compiler drives it with physical
	// registers only: register allocation and the choice of scratch registers happen before
	// any of the Emit methods is called.
	Machine interface {
		// ISA returns the instruction set this Machine emits.
		ISA() optimizingapi.InstructionSet

		// RegisterInfo describes the registers and the managed calling convention of the Machine.
		RegisterInfo() *RegisterInfo

		// Reset resets the machine state for the next compilation.
		Reset()

		// Offset returns the current offset in the code buffer.
		Offset() int

		// NewLabel allocates an unbound Label.
		NewLabel() Label

		// Bind binds l to the current offset.
		Bind(l Label)

		// EmitPrologue sets up a frame of frameSize bytes below the saved frame pointer
		// and returns the CFI events it produced.
		EmitPrologue(frameSize int) []CFIEvent

		// EmitEpilogue tears down the frame set up by EmitPrologue and returns.
		EmitEpilogue(frameSize int)

		// EmitLoadConstant sets dst to v.
		EmitLoadConstant(dst RealReg, v uint64)

		// EmitMove copies src to dst.
		EmitMove(dst, src RealReg)

		// EmitBinary computes `dst = x op y` for a binary ssa.Opcode.
		EmitBinary(op ssa.Opcode, dst, x, y RealReg)

		// EmitLoad loads the word at base+offset into dst.
		EmitLoad(dst, base RealReg, offset uint32)

		// EmitStore stores src into the word at base+offset.
		EmitStore(src, base RealReg, offset uint32)

		// EmitLoadStack loads the stack slot at sp+offset into dst.
		EmitLoadStack(dst RealReg, offset int)

		// EmitStoreStack stores src into the stack slot at sp+offset.
		EmitStoreStack(src RealReg, offset int)

		// EmitArrayGet loads the element `index` of the word array `array` whose data starts at dataOffset.
		EmitArrayGet(dst, array, index RealReg, dataOffset uint32)

		// EmitJump jumps to l.
		EmitJump(l Label)

		// EmitBranchIfZero jumps to l if r is zero, or if r is not zero when zero is false.
		EmitBranchIfZero(r RealReg, l Label, zero bool)

		// EmitCallRelative emits a pc-relative call whose target is resolved by a patch,
		// and returns the literal offset of the patch.
		EmitCallRelative() int

		// EmitCallEntrypoint calls the Thread entrypoint at threadOffset. If the call goes through
		// a thunk, it returns the literal offset of the patch and true.
		EmitCallEntrypoint(threadOffset uint32) (literalOffset int, patched bool)

		// EmitCallIndirect calls the address stored at base+offset.
		EmitCallIndirect(base RealReg, offset uint32)

		// EmitLoadData loads the word at an address resolved by a patch into dst,
		// and returns the literal offset of the patch.
		EmitLoadData(dst RealReg) int

		// EmitStoreStoreBarrier orders the preceding stores before the following ones.
		EmitStoreStoreBarrier()

		// Encode resolves the label references and returns the code.
		Encode() ([]byte, error)

		// Format returns the text listing of the emitted instructions.
		Format() string

		// PatchCall makes the call at literalOffset of code, placed at codeAddr, target the address target.
		PatchCall(code []byte, literalOffset int, codeAddr, target uint64) error

		// PatchDataLoad makes the load at literalOffset of code, placed at codeAddr, read the word at target.
		PatchDataLoad(code []byte, literalOffset int, codeAddr, target uint64) error

		// EntrypointThunk returns the code of the thunk jumping to the Thread entrypoint at threadOffset.
		EntrypointThunk(threadOffset uint32) []byte
	}

	// Label is a position in the code of a Machine.
	Label uint32
)

// RegisterInfo describes the registers of a Machine.
type RegisterInfo struct {
	// AllocatableRegisters are the registers the allocators hand out, in preference order.
	AllocatableRegisters []RealReg
	// CalleeSavedRegisters is the subset of AllocatableRegisters preserved across calls.
	CalleeSavedRegisters []RealReg
	// ArgumentRegisters carry the first arguments of calls; the remaining ones go to the stack.
	ArgumentRegisters []RealReg
	// ReturnRegister holds the result of calls.
	ReturnRegister RealReg
	// Scratch registers are never allocated. The compiler uses them to materialize
	// spilled operands and to break cycles of moves.
	Scratch [2]RealReg
	// WordSize is the size of a stack slot.
	WordSize int
	// IncomingArgsOffset is the distance from the top of the frame to the first stack argument of the caller.
	IncomingArgsOffset int
	// RealRegName returns the name of a register.
	RealRegName func(RealReg) string
	// DWARFRegister returns the DWARF number of a register.
	DWARFRegister func(RealReg) int
}

// IsCalleeSaved returns true if r is preserved across calls.
func (ri *RegisterInfo) IsCalleeSaved(r RealReg) bool {
	for _, c := range ri.CalleeSavedRegisters {
		if c == r {
			return true
		}
	}
	return false
}
