package frontend

import (
	"fmt"

	"github.com/pkg/errors"
)

// Opcode is the low byte of the first code unit of a bytecode instruction.
type Opcode byte

const (
	OpcodeNop              Opcode = 0x00
	OpcodeMove             Opcode = 0x02
	OpcodeMoveResult       Opcode = 0x0a
	OpcodeReturnVoid       Opcode = 0x0e
	OpcodeReturn           Opcode = 0x10
	OpcodeConst            Opcode = 0x14
	OpcodeConstString      Opcode = 0x1a
	OpcodeThrow            Opcode = 0x27
	OpcodeGoto             Opcode = 0x29
	OpcodeIfEqz            Opcode = 0x38
	OpcodeIfNez            Opcode = 0x39
	OpcodeAget             Opcode = 0x45
	OpcodeIget             Opcode = 0x53
	OpcodeIput             Opcode = 0x5a
	OpcodeInvoke           Opcode = 0x74
	OpcodeInvokeStringInit Opcode = 0x76
	OpcodeConstructorFence Opcode = 0x79
	OpcodeAdd              Opcode = 0x9b
	OpcodeSub              Opcode = 0x9c
	OpcodeMul              Opcode = 0x9d
	OpcodeAnd              Opcode = 0xa0
	OpcodeOr               Opcode = 0xa1
	OpcodeXor              Opcode = 0xa2
	OpcodeShl              Opcode = 0xa3
)

// format describes the layout of an instruction in code units.
//
//	fmt10x: op                         (1 unit)
//	fmt11x: AA|op                      (1 unit)
//	fmt20t: op, +AAAA                  (2 units)
//	fmt21t: AA|op, +BBBB               (2 units)
//	fmt22x: AA|op, BBBB                (2 units)
//	fmt23x: AA|op, CC|BB               (2 units)
//	fmt31i: AA|op, BBBB(lo), BBBB(hi)  (3 units)
//	fmt32c: AA|op, BBBB, CCCC          (3 units)
//	fmt3rc: AA|op, BBBB, CCCC          (3 units, AA registers from vCCCC, method BBBB)
type format byte

const (
	formatInvalid format = iota
	fmt10x
	fmt11x
	fmt20t
	fmt21t
	fmt22x
	fmt23x
	fmt31i
	fmt32c
	fmt3rc
)

var formatSizes = [...]int{
	formatInvalid: 0,
	fmt10x:        1,
	fmt11x:        1,
	fmt20t:        2,
	fmt21t:        2,
	fmt22x:        2,
	fmt23x:        2,
	fmt31i:        3,
	fmt32c:        3,
	fmt3rc:        3,
}

type opcodeInfo struct {
	name   string
	format format
}

var opcodeInfos = [256]opcodeInfo{
	OpcodeNop:              {"nop", fmt10x},
	OpcodeMove:             {"move", fmt22x},
	OpcodeMoveResult:       {"move-result", fmt11x},
	OpcodeReturnVoid:       {"return-void", fmt10x},
	OpcodeReturn:           {"return", fmt11x},
	OpcodeConst:            {"const", fmt31i},
	OpcodeConstString:      {"const-string", fmt22x},
	OpcodeThrow:            {"throw", fmt11x},
	OpcodeGoto:             {"goto", fmt20t},
	OpcodeIfEqz:            {"if-eqz", fmt21t},
	OpcodeIfNez:            {"if-nez", fmt21t},
	OpcodeAget:             {"aget", fmt23x},
	OpcodeIget:             {"iget", fmt32c},
	OpcodeIput:             {"iput", fmt32c},
	OpcodeInvoke:           {"invoke", fmt3rc},
	OpcodeInvokeStringInit: {"invoke-string-init", fmt3rc},
	OpcodeConstructorFence: {"constructor-fence", fmt11x},
	OpcodeAdd:              {"add", fmt23x},
	OpcodeSub:              {"sub", fmt23x},
	OpcodeMul:              {"mul", fmt23x},
	OpcodeAnd:              {"and", fmt23x},
	OpcodeOr:               {"or", fmt23x},
	OpcodeXor:              {"xor", fmt23x},
	OpcodeShl:              {"shl", fmt23x},
}

// String implements fmt.Stringer.
func (o Opcode) String() string {
	if name := opcodeInfos[o].name; name != "" {
		return name
	}
	return fmt.Sprintf("opcode(%#02x)", byte(o))
}

func (o Opcode) valid() bool {
	return opcodeInfos[o].format != formatInvalid
}

// isBinary returns true for the three-register arithmetic instructions.
func (o Opcode) isBinary() bool {
	return o >= OpcodeAdd && o <= OpcodeShl && o.valid()
}

// branches returns true if the instruction has a branch target.
func (o Opcode) branches() bool {
	return o == OpcodeGoto || o == OpcodeIfEqz || o == OpcodeIfNez
}

// continues returns true if control may reach the next instruction.
func (o Opcode) continues() bool {
	switch o {
	case OpcodeGoto, OpcodeReturn, OpcodeReturnVoid, OpcodeThrow:
		return false
	}
	return true
}

// Instruction is one decoded bytecode instruction.
type Instruction struct {
	// PC is the offset in code units of the first unit of this instruction.
	PC     int
	Opcode Opcode
	// A, B and C are the operands in the order of the text format: registers,
	// field offsets, method and string indexes, or the register count of invoke.
	A, B, C uint32
	// Literal is the sign-extended constant of const, or the relative branch offset.
	Literal int64
	Size    int
}

// Target returns the absolute pc of the branch target.
func (i *Instruction) Target() int {
	return i.PC + int(i.Literal)
}

// Decode decodes the instruction at pc.
func Decode(code []uint16, pc int) (Instruction, error) {
	if pc < 0 || pc >= len(code) {
		return Instruction{}, errors.Errorf("pc %d out of range", pc)
	}
	unit := code[pc]
	op := Opcode(unit & 0xff)
	info := opcodeInfos[op]
	if info.format == formatInvalid {
		return Instruction{}, errors.Errorf("unknown opcode %#02x at pc %d", byte(op), pc)
	}
	size := formatSizes[info.format]
	if pc+size > len(code) {
		return Instruction{}, errors.Errorf("truncated %s at pc %d", op, pc)
	}
	aa := uint32(unit >> 8)
	in := Instruction{PC: pc, Opcode: op, Size: size}
	switch info.format {
	case fmt10x:
	case fmt11x:
		in.A = aa
	case fmt20t:
		in.Literal = int64(int16(code[pc+1]))
	case fmt21t:
		in.A = aa
		in.Literal = int64(int16(code[pc+1]))
	case fmt22x:
		in.A, in.B = aa, uint32(code[pc+1])
	case fmt23x:
		in.A, in.B, in.C = aa, uint32(code[pc+1]&0xff), uint32(code[pc+1]>>8)
	case fmt31i:
		in.A = aa
		in.Literal = int64(int32(uint32(code[pc+1]) | uint32(code[pc+2])<<16))
	case fmt32c:
		in.A, in.B, in.C = aa, uint32(code[pc+1]), uint32(code[pc+2])
	case fmt3rc:
		// Text order is {vC .. vC+A-1}, method@B.
		in.A, in.B, in.C = aa, uint32(code[pc+1]), uint32(code[pc+2])
	}
	if in.Opcode == OpcodeGoto || in.Opcode == OpcodeIfEqz || in.Opcode == OpcodeIfNez {
		if in.Literal == 0 {
			return Instruction{}, errors.Errorf("%s at pc %d branches to itself", op, pc)
		}
	}
	return in, nil
}

// encode appends the code units of in to code.
func encode(code []uint16, in *Instruction) []uint16 {
	op := uint16(in.Opcode)
	switch opcodeInfos[in.Opcode].format {
	case fmt10x:
		return append(code, op)
	case fmt11x:
		return append(code, op|uint16(in.A)<<8)
	case fmt20t:
		return append(code, op, uint16(int16(in.Literal)))
	case fmt21t:
		return append(code, op|uint16(in.A)<<8, uint16(int16(in.Literal)))
	case fmt22x:
		return append(code, op|uint16(in.A)<<8, uint16(in.B))
	case fmt23x:
		return append(code, op|uint16(in.A)<<8, uint16(in.B)|uint16(in.C)<<8)
	case fmt31i:
		lit := uint32(int32(in.Literal))
		return append(code, op|uint16(in.A)<<8, uint16(lit), uint16(lit>>16))
	case fmt32c, fmt3rc:
		return append(code, op|uint16(in.A)<<8, uint16(in.B), uint16(in.C))
	}
	panic("BUG: invalid opcode " + in.Opcode.String())
}

// uses calls fn for every register read by the instruction.
func (i *Instruction) uses(fn func(reg uint32)) {
	switch i.Opcode {
	case OpcodeMove:
		fn(i.B)
	case OpcodeReturn, OpcodeThrow, OpcodeIfEqz, OpcodeIfNez, OpcodeConstructorFence:
		fn(i.A)
	case OpcodeIget:
		fn(i.B)
	case OpcodeIput:
		fn(i.A)
		fn(i.B)
	case OpcodeAget, OpcodeAdd, OpcodeSub, OpcodeMul, OpcodeAnd, OpcodeOr, OpcodeXor, OpcodeShl:
		fn(i.B)
		fn(i.C)
	case OpcodeInvoke, OpcodeInvokeStringInit:
		for r := i.C; r < i.C+i.A; r++ {
			fn(r)
		}
	}
}

// def returns the register written by the instruction, if any.
func (i *Instruction) def() (reg uint32, ok bool) {
	switch i.Opcode {
	case OpcodeMove, OpcodeMoveResult, OpcodeConst, OpcodeConstString, OpcodeIget, OpcodeAget,
		OpcodeAdd, OpcodeSub, OpcodeMul, OpcodeAnd, OpcodeOr, OpcodeXor, OpcodeShl:
		return i.A, true
	case OpcodeInvokeStringInit:
		return i.C, true
	}
	return 0, false
}

// String returns the text form accepted by Assemble, with branch targets as relative offsets.
func (i *Instruction) String() string {
	switch opcodeInfos[i.Opcode].format {
	case fmt10x:
		return i.Opcode.String()
	case fmt11x:
		return fmt.Sprintf("%s v%d", i.Opcode, i.A)
	case fmt20t:
		return fmt.Sprintf("%s %+d", i.Opcode, i.Literal)
	case fmt21t:
		return fmt.Sprintf("%s v%d, %+d", i.Opcode, i.A, i.Literal)
	case fmt22x:
		if i.Opcode == OpcodeConstString {
			return fmt.Sprintf("%s v%d, string@%d", i.Opcode, i.A, i.B)
		}
		return fmt.Sprintf("%s v%d, v%d", i.Opcode, i.A, i.B)
	case fmt23x:
		return fmt.Sprintf("%s v%d, v%d, v%d", i.Opcode, i.A, i.B, i.C)
	case fmt31i:
		return fmt.Sprintf("%s v%d, %d", i.Opcode, i.A, i.Literal)
	case fmt32c:
		return fmt.Sprintf("%s v%d, v%d, %d", i.Opcode, i.A, i.B, i.C)
	case fmt3rc:
		regs := ""
		for r := i.C; r < i.C+i.A; r++ {
			if r != i.C {
				regs += ", "
			}
			regs += fmt.Sprintf("v%d", r)
		}
		return fmt.Sprintf("%s {%s}, method@%d", i.Opcode, regs, i.B)
	}
	return i.Opcode.String()
}
