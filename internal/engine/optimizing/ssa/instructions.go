package ssa

import (
	"fmt"
	"strings"
)

// Opcode represents a SSA instruction.
type Opcode uint32

// Instruction represents an instruction whose opcode is specified by
// Opcode. Since Go doesn't have union type, we use this flattened type
// for all instructions, and therefore each field has different meaning
// depending on Opcode.
type Instruction struct {
	opcode     Opcode
	u64        uint64
	v          Value
	v2         Value
	vs         []Value
	typ        Type
	blk        BasicBlock
	prev, next *Instruction
	srcPos     uint64

	// owner is the block this instruction is inserted into.
	owner   *basicBlock
	rValue  Value
	removed bool
}

// Return returns the Value produced by this instruction if any.
func (i *Instruction) Return() Value {
	return i.rValue
}

// Next returns the next instruction laid out next to itself.
func (i *Instruction) Next() *Instruction {
	return i.next
}

// Prev returns the previous instruction laid out prior to itself.
func (i *Instruction) Prev() *Instruction {
	return i.prev
}

// Opcode returns the opcode of this instruction.
func (i *Instruction) Opcode() Opcode {
	return i.opcode
}

// Block returns the BasicBlock this instruction belongs to.
func (i *Instruction) Block() BasicBlock {
	return i.owner
}

// SetSourcePos sets the bytecode pc of this instruction.
func (i *Instruction) SetSourcePos(p uint64) {
	i.srcPos = p
}

// SourcePos returns the bytecode pc of this instruction set by SetSourcePos.
func (i *Instruction) SourcePos() (p uint64) {
	return i.srcPos
}

const (
	opcodeInvalid Opcode = iota

	// OpcodeJump takes the list of args to the `block` and unconditionally jumps to it.
	OpcodeJump

	// OpcodeBrz branches into `blk` with `args` if the value `c` equals zero: `Brz c, blk, args`.
	OpcodeBrz

	// OpcodeBrnz branches into `blk` with `args` if the value `c` is not zero: `Brnz c, blk, args`.
	OpcodeBrnz

	// OpcodeReturn returns from the method: `return rvalues`.
	OpcodeReturn

	// OpcodeThrow delivers the exception `x` to the runtime and never returns: `Throw x`.
	OpcodeThrow

	// OpcodeIconst represents an integer constant: `v = Iconst imm`.
	OpcodeIconst

	// OpcodeIadd performs an integer addition: `v = Iadd x, y`.
	OpcodeIadd

	// OpcodeIsub performs an integer subtraction: `v = Isub x, y`.
	OpcodeIsub

	// OpcodeImul performs an integer multiplication: `v = Imul x, y`.
	OpcodeImul

	// OpcodeBand performs a binary and: `v = Band x, y`.
	OpcodeBand

	// OpcodeBor performs a binary or: `v = Bor x, y`.
	OpcodeBor

	// OpcodeBxor performs a binary xor: `v = Bxor x, y`.
	OpcodeBxor

	// OpcodeIshl does logical shift left: `v = Ishl x, y`. The shift amount is taken modulo the type width.
	OpcodeIshl

	// OpcodeLoad loads a field of an object: `v = Load base, offset`.
	OpcodeLoad

	// OpcodeStore stores a value to a field of an object: `Store value, base, offset`.
	OpcodeStore

	// OpcodeArrayGet loads an element of a 64-bit element array: `v = ArrayGet array, index`.
	OpcodeArrayGet

	// OpcodeLoadString loads a reference to the interned string `idx`: `v = LoadString idx`.
	OpcodeLoadString

	// OpcodeCall calls the method with the index `idx` with arguments `args`: `v = Call idx, args...`.
	OpcodeCall

	// OpcodeCallRuntime calls the runtime entrypoint `ep` with arguments `args`: `v = CallRuntime ep, args...`.
	OpcodeCallRuntime

	// OpcodeConstructorFence orders the stores initializing `obj` before its publication: `ConstructorFence obj`.
	OpcodeConstructorFence

	opcodeEnd
)

// SideEffect summarizes how an instruction interacts with memory and the runtime.
type SideEffect byte

const (
	SideEffectNone SideEffect = 0
	// SideEffectRead is set for instructions reading the heap.
	SideEffectRead SideEffect = 1 << iota
	// SideEffectWrite is set for instructions writing the heap.
	SideEffectWrite
	// SideEffectCall is set for instructions that may call into arbitrary code.
	SideEffectCall
)

// String implements fmt.Stringer.
func (s SideEffect) String() string {
	if s == SideEffectNone {
		return "none"
	}
	var parts []string
	if s&SideEffectRead != 0 {
		parts = append(parts, "read")
	}
	if s&SideEffectWrite != 0 {
		parts = append(parts, "write")
	}
	if s&SideEffectCall != 0 {
		parts = append(parts, "call")
	}
	return strings.Join(parts, "|")
}

// SideEffect returns the side effects of this instruction.
func (i *Instruction) SideEffect() SideEffect {
	switch i.opcode {
	case OpcodeLoad, OpcodeArrayGet:
		return SideEffectRead
	case OpcodeStore, OpcodeConstructorFence:
		return SideEffectWrite
	case OpcodeCall, OpcodeCallRuntime, OpcodeThrow:
		return SideEffectRead | SideEffectWrite | SideEffectCall
	}
	return SideEffectNone
}

// IsPure returns true if this instruction has no side effects, cannot throw and
// does not affect the control flow. Pure instructions can be moved, merged and removed freely.
func (i *Instruction) IsPure() bool {
	switch i.opcode {
	case OpcodeIconst, OpcodeIadd, OpcodeIsub, OpcodeImul, OpcodeBand, OpcodeBor, OpcodeBxor, OpcodeIshl, OpcodeLoadString:
		return true
	}
	return false
}

// IsBranching returns true if this instruction transfers control to another block.
func (i *Instruction) IsBranching() bool {
	switch i.opcode {
	case OpcodeJump, OpcodeBrz, OpcodeBrnz:
		return true
	}
	return false
}

// IsTerminator returns true if this instruction must be the last one of its block.
func (i *Instruction) IsTerminator() bool {
	switch i.opcode {
	case OpcodeJump, OpcodeReturn, OpcodeThrow:
		return true
	}
	return false
}

// IsCall returns true if this instruction requires a call frame.
func (i *Instruction) IsCall() bool {
	switch i.opcode {
	case OpcodeCall, OpcodeCallRuntime, OpcodeThrow:
		return true
	}
	return false
}

// IsBinary returns true for two-operand arithmetic instructions.
func (o Opcode) IsBinary() bool {
	return o >= OpcodeIadd && o <= OpcodeIshl
}

// IsCommutative returns true if the operands of the binary operation can be swapped.
func (o Opcode) IsCommutative() bool {
	switch o {
	case OpcodeIadd, OpcodeImul, OpcodeBand, OpcodeBor, OpcodeBxor:
		return true
	}
	return false
}

// AsIconst64 initializes this instruction as a 64-bit integer constant.
func (i *Instruction) AsIconst64(v uint64) *Instruction {
	i.opcode = OpcodeIconst
	i.typ = TypeI64
	i.u64 = v
	i.v, i.v2, i.vs = ValueInvalid, ValueInvalid, nil
	return i
}

// AsIconst32 initializes this instruction as a 32-bit integer constant.
func (i *Instruction) AsIconst32(v uint32) *Instruction {
	i.opcode = OpcodeIconst
	i.typ = TypeI32
	i.u64 = uint64(v)
	i.v, i.v2, i.vs = ValueInvalid, ValueInvalid, nil
	return i
}

// AsBinary initializes this instruction as the binary operation op over x and y.
func (i *Instruction) AsBinary(op Opcode, x, y Value) *Instruction {
	if !op.IsBinary() {
		panic("BUG: not a binary opcode: " + op.String())
	}
	i.opcode = op
	i.v = x
	i.v2 = y
	i.typ = x.Type()
	return i
}

// AsIadd initializes this instruction as an integer addition.
func (i *Instruction) AsIadd(x, y Value) *Instruction { return i.AsBinary(OpcodeIadd, x, y) }

// AsIsub initializes this instruction as an integer subtraction.
func (i *Instruction) AsIsub(x, y Value) *Instruction { return i.AsBinary(OpcodeIsub, x, y) }

// AsImul initializes this instruction as an integer multiplication.
func (i *Instruction) AsImul(x, y Value) *Instruction { return i.AsBinary(OpcodeImul, x, y) }

// AsIshl initializes this instruction as a shift left.
func (i *Instruction) AsIshl(x, y Value) *Instruction { return i.AsBinary(OpcodeIshl, x, y) }

// AsLoad initializes this instruction as a field load.
func (i *Instruction) AsLoad(base Value, offset uint32, typ Type) *Instruction {
	i.opcode = OpcodeLoad
	i.v = base
	i.u64 = uint64(offset)
	i.typ = typ
	return i
}

// AsStore initializes this instruction as a field store.
func (i *Instruction) AsStore(value, base Value, offset uint32) *Instruction {
	i.opcode = OpcodeStore
	i.v = value
	i.v2 = base
	i.u64 = uint64(offset)
	return i
}

// AsArrayGet initializes this instruction as an array element load.
func (i *Instruction) AsArrayGet(array, index Value) *Instruction {
	i.opcode = OpcodeArrayGet
	i.v = array
	i.v2 = index
	i.typ = TypeI64
	return i
}

// AsLoadString initializes this instruction as a string reference load.
func (i *Instruction) AsLoadString(stringIndex uint32) *Instruction {
	i.opcode = OpcodeLoadString
	i.u64 = uint64(stringIndex)
	i.typ = TypeI64
	return i
}

// AsCall initializes this instruction as a call to the method methodIndex.
// typ is TypeInvalid for calls whose result is unused.
func (i *Instruction) AsCall(methodIndex uint32, args []Value, typ Type) *Instruction {
	i.opcode = OpcodeCall
	i.u64 = uint64(methodIndex)
	i.vs = args
	i.typ = typ
	return i
}

// AsCallRuntime initializes this instruction as a call to a runtime entrypoint.
func (i *Instruction) AsCallRuntime(entrypoint uint32, args []Value, typ Type) *Instruction {
	i.opcode = OpcodeCallRuntime
	i.u64 = uint64(entrypoint)
	i.vs = args
	i.typ = typ
	return i
}

// AsConstructorFence initializes this instruction as a constructor fence on obj.
func (i *Instruction) AsConstructorFence(obj Value) *Instruction {
	i.opcode = OpcodeConstructorFence
	i.v = obj
	return i
}

// AsReturn initializes this instruction as a return of vs.
func (i *Instruction) AsReturn(vs []Value) *Instruction {
	i.opcode = OpcodeReturn
	i.vs = vs
	return i
}

// AsThrow initializes this instruction as a throw of the exception x.
func (i *Instruction) AsThrow(x Value) *Instruction {
	i.opcode = OpcodeThrow
	i.v = x
	return i
}

// AsJump initializes this instruction as an unconditional jump.
func (i *Instruction) AsJump(vs []Value, target BasicBlock) *Instruction {
	i.opcode = OpcodeJump
	i.vs = vs
	i.blk = target
	return i
}

// AsBrz initializes this instruction as a branch taken when v is zero.
func (i *Instruction) AsBrz(v Value, args []Value, target BasicBlock) *Instruction {
	i.opcode = OpcodeBrz
	i.v = v
	i.vs = args
	i.blk = target
	return i
}

// AsBrnz initializes this instruction as a branch taken when v is not zero.
func (i *Instruction) AsBrnz(v Value, args []Value, target BasicBlock) *Instruction {
	i.opcode = OpcodeBrnz
	i.v = v
	i.vs = args
	i.blk = target
	return i
}

// ConstantVal returns the immediate of OpcodeIconst.
func (i *Instruction) ConstantVal() uint64 {
	return i.u64
}

// Arg returns the first argument of this instruction.
func (i *Instruction) Arg() Value {
	return i.v
}

// Arg2 returns the first two arguments of this instruction.
func (i *Instruction) Arg2() (Value, Value) {
	return i.v, i.v2
}

// Args returns the variable-length arguments of this instruction: call arguments,
// return values or branch arguments.
func (i *Instruction) Args() []Value {
	return i.vs
}

// Offset returns the field offset of OpcodeLoad and OpcodeStore.
func (i *Instruction) Offset() uint32 {
	return uint32(i.u64)
}

// Index returns the method index of OpcodeCall, the entrypoint of OpcodeCallRuntime
// or the string index of OpcodeLoadString.
func (i *Instruction) Index() uint32 {
	return uint32(i.u64)
}

// Type returns the type of the value produced by this instruction.
func (i *Instruction) Type() Type {
	return i.typ
}

// BranchData returns the branch condition (invalid for Jump), the arguments and the target of a branching instruction.
func (i *Instruction) BranchData() (condVal Value, blockArgs []Value, target BasicBlock) {
	switch i.opcode {
	case OpcodeJump:
		condVal = ValueInvalid
	case OpcodeBrz, OpcodeBrnz:
		condVal = i.v
	default:
		panic("BUG: not a branch: " + i.opcode.String())
	}
	return condVal, i.vs, i.blk
}

// producesValue returns true if inserting this instruction must allocate its result Value.
func (i *Instruction) producesValue() bool {
	switch i.opcode {
	case OpcodeIconst, OpcodeLoad, OpcodeArrayGet, OpcodeLoadString:
		return true
	case OpcodeCall, OpcodeCallRuntime:
		return i.typ != TypeInvalid
	}
	return i.opcode.IsBinary()
}

// forEachArg calls fn for every Value used by this instruction, including branch arguments.
func (i *Instruction) forEachArg(fn func(v *Value)) {
	if i.v.Valid() && i.opcode != OpcodeIconst && i.opcode != OpcodeLoadString {
		fn(&i.v)
	}
	if i.v2.Valid() && i.opcode != OpcodeIconst && i.opcode != OpcodeLoadString {
		fn(&i.v2)
	}
	for j := range i.vs {
		fn(&i.vs[j])
	}
}

// Format returns a string representation of this instruction with the given builder.
func (i *Instruction) Format(b Builder) string {
	var instSuffix string
	switch i.opcode {
	case OpcodeIconst:
		switch i.typ {
		case TypeI32:
			instSuffix = fmt.Sprintf("_32 %#x", uint32(i.u64))
		case TypeI64:
			instSuffix = fmt.Sprintf("_64 %#x", i.u64)
		}
	case OpcodeIadd, OpcodeIsub, OpcodeImul, OpcodeBand, OpcodeBor, OpcodeBxor, OpcodeIshl:
		instSuffix = fmt.Sprintf(" %s, %s", i.v.Format(b), i.v2.Format(b))
	case OpcodeLoad:
		instSuffix = fmt.Sprintf(" %s, %#x", i.v.Format(b), uint32(i.u64))
	case OpcodeStore:
		instSuffix = fmt.Sprintf(" %s, %s, %#x", i.v.Format(b), i.v2.Format(b), uint32(i.u64))
	case OpcodeArrayGet:
		instSuffix = fmt.Sprintf(" %s, %s", i.v.Format(b), i.v2.Format(b))
	case OpcodeLoadString:
		instSuffix = fmt.Sprintf(" string@%d", uint32(i.u64))
	case OpcodeCall, OpcodeCallRuntime:
		vs := make([]string, len(i.vs)+1)
		if i.opcode == OpcodeCall {
			vs[0] = fmt.Sprintf(" method@%d", uint32(i.u64))
		} else {
			vs[0] = fmt.Sprintf(" entrypoint@%d", uint32(i.u64))
		}
		for idx := range i.vs {
			vs[idx+1] = i.vs[idx].Format(b)
		}
		instSuffix = strings.Join(vs, ", ")
	case OpcodeConstructorFence, OpcodeThrow:
		instSuffix = " " + i.v.Format(b)
	case OpcodeReturn:
		if len(i.vs) == 0 {
			break
		}
		vs := make([]string, len(i.vs))
		for idx := range vs {
			vs[idx] = i.vs[idx].Format(b)
		}
		instSuffix = fmt.Sprintf(" %s", strings.Join(vs, ", "))
	case OpcodeJump:
		vs := make([]string, len(i.vs)+1)
		vs[0] = " " + i.blk.(*basicBlock).Name()
		for idx := range i.vs {
			vs[idx+1] = i.vs[idx].Format(b)
		}
		instSuffix = strings.Join(vs, ", ")
	case OpcodeBrz, OpcodeBrnz:
		vs := make([]string, len(i.vs)+2)
		vs[0] = " " + i.v.Format(b)
		vs[1] = i.blk.(*basicBlock).Name()
		for idx := range i.vs {
			vs[idx+2] = i.vs[idx].Format(b)
		}
		instSuffix = strings.Join(vs, ", ")
	default:
		panic(fmt.Sprintf("BUG: no format for %s", i.opcode))
	}

	instr := i.opcode.String() + instSuffix
	if rv := i.rValue; rv.Valid() {
		return fmt.Sprintf("%s = %s", rv.formatWithType(b), instr)
	}
	return instr
}

// addArgumentBranchInst adds an argument to this instruction.
func (i *Instruction) addArgumentBranchInst(v Value) {
	switch i.opcode {
	case OpcodeJump, OpcodeBrz, OpcodeBrnz:
		i.vs = append(i.vs, v)
	default:
		panic("BUG: " + i.opcode.String())
	}
}

// removeArgumentBranchInst removes the n-th branch argument of this instruction.
func (i *Instruction) removeArgumentBranchInst(n int) {
	copy(i.vs[n:], i.vs[n+1:])
	i.vs = i.vs[:len(i.vs)-1]
}

// String implements fmt.Stringer.
func (o Opcode) String() (ret string) {
	switch o {
	case OpcodeJump:
		return "Jump"
	case OpcodeBrz:
		return "Brz"
	case OpcodeBrnz:
		return "Brnz"
	case OpcodeReturn:
		return "Return"
	case OpcodeThrow:
		return "Throw"
	case OpcodeIconst:
		return "Iconst"
	case OpcodeIadd:
		return "Iadd"
	case OpcodeIsub:
		return "Isub"
	case OpcodeImul:
		return "Imul"
	case OpcodeBand:
		return "Band"
	case OpcodeBor:
		return "Bor"
	case OpcodeBxor:
		return "Bxor"
	case OpcodeIshl:
		return "Ishl"
	case OpcodeLoad:
		return "Load"
	case OpcodeStore:
		return "Store"
	case OpcodeArrayGet:
		return "ArrayGet"
	case OpcodeLoadString:
		return "LoadString"
	case OpcodeCall:
		return "Call"
	case OpcodeCallRuntime:
		return "CallRuntime"
	case OpcodeConstructorFence:
		return "ConstructorFence"
	}
	panic(fmt.Sprintf("unknown opcode %d", o))
}
