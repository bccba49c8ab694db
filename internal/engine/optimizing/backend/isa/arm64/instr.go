package arm64

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/backend"
)

type (
	// instruction represents either a real instruction in arm64, or the meta instructions
	// that are convenient for code generation such as label bindings.
	//
	// Basically, each instruction knows how to get encoded in binaries. Hence, the final output of compilation
	// can be considered equivalent to the sequence of such instructions.
	//
	// Each field is interpreted depending on the kind.
	instruction struct {
		kind       instructionKind
		prev, next *instruction
		rd, rn, rm backend.RealReg
		u1, u2     uint64
		// offset is the position of the instruction in the code.
		offset int
	}

	// instructionKind represents the kind of instruction.
	// This controls how the instruction struct is interpreted.
	instructionKind int

	// aluOp is the operation of aluRRR.
	aluOp int
)

const (
	// nop0 binds the label u1 and occupies no space.
	nop0 instructionKind = iota + 1
	// aluRRR computes `rd = rn op rm` with the aluOp u1.
	aluRRR
	// addShifted computes `rd = rn + (rm << u1)`.
	addShifted
	// mov64 copies rn to rd.
	mov64
	// movZ, movK and movN move the 16-bit immediate u1 shifted by u2 into rd.
	movZ
	movK
	movN
	// uLoad64 loads the doubleword at rn+int64(u1) into rd.
	uLoad64
	// store64 stores rd to the doubleword at rn+int64(u1).
	store64
	// pushFrame is `stp fp, lr, [sp, #-16]!`.
	pushFrame
	// popFrame is `ldp fp, lr, [sp], #16`.
	popFrame
	// setFP is `mov fp, sp`.
	setFP
	// subSP and addSP adjust sp by the 12-bit immediate u1, shifted by 12 when u2 is 1.
	subSP
	addSP
	// br jumps to the label u1.
	br
	// cbz branches to the label u1 if rd is zero, or if it is not zero when u2 is 1.
	cbz
	// call is a `bl` resolved by a patch. u1 is the thread offset of the entrypoint for entrypoint calls.
	call
	// callReg is `blr rn`.
	callReg
	// jmpReg is `br rn`.
	jmpReg
	// adrp sets rd to the page of an address resolved by a patch.
	adrp
	// loadPageOffset is the `ldr rd, [rd, #lo12]` completing an adrp.
	loadPageOffset
	// ret returns to lr.
	ret
	// dmbIshSt is the store-store barrier.
	dmbIshSt
)

const (
	aluOpAdd aluOp = iota
	aluOpSub
	aluOpMul
	aluOpAnd
	aluOpOrr
	aluOpEor
	aluOpLsl
)

// String implements fmt.Stringer.
func (a aluOp) String() string {
	switch a {
	case aluOpAdd:
		return "add"
	case aluOpSub:
		return "sub"
	case aluOpMul:
		return "mul"
	case aluOpAnd:
		return "and"
	case aluOpOrr:
		return "orr"
	case aluOpEor:
		return "eor"
	case aluOpLsl:
		return "lsl"
	}
	panic(int(a))
}

func (i *instruction) asNop0(l backend.Label) {
	i.kind = nop0
	i.u1 = uint64(l)
}

func (i *instruction) asALU(op aluOp, rd, rn, rm backend.RealReg) {
	i.kind = aluRRR
	i.u1 = uint64(op)
	i.rd, i.rn, i.rm = rd, rn, rm
}

func (i *instruction) asAddShifted(rd, rn, rm backend.RealReg, amount uint64) {
	i.kind = addShifted
	i.rd, i.rn, i.rm = rd, rn, rm
	i.u1 = amount
}

func (i *instruction) asMove64(rd, rn backend.RealReg) {
	i.kind = mov64
	i.rd, i.rn = rd, rn
}

func (i *instruction) asMOVZ(rd backend.RealReg, imm uint64, shift uint64) {
	i.kind = movZ
	i.rd = rd
	i.u1, i.u2 = imm, shift
}

func (i *instruction) asMOVK(rd backend.RealReg, imm uint64, shift uint64) {
	i.kind = movK
	i.rd = rd
	i.u1, i.u2 = imm, shift
}

func (i *instruction) asMOVN(rd backend.RealReg, imm uint64, shift uint64) {
	i.kind = movN
	i.rd = rd
	i.u1, i.u2 = imm, shift
}

func (i *instruction) asULoad64(rd, rn backend.RealReg, offset int64) {
	i.kind = uLoad64
	i.rd, i.rn = rd, rn
	i.u1 = uint64(offset)
}

func (i *instruction) asStore64(src, rn backend.RealReg, offset int64) {
	i.kind = store64
	i.rd, i.rn = src, rn
	i.u1 = uint64(offset)
}

func (i *instruction) asSPAdjust(sub bool, imm12 uint64, shifted bool) {
	i.kind = addSP
	if sub {
		i.kind = subSP
	}
	i.u1 = imm12
	if shifted {
		i.u2 = 1
	}
}

func (i *instruction) asBr(l backend.Label) {
	i.kind = br
	i.u1 = uint64(l)
}

func (i *instruction) asCBZ(r backend.RealReg, l backend.Label, nonZero bool) {
	i.kind = cbz
	i.rd = r
	i.u1 = uint64(l)
	if nonZero {
		i.u2 = 1
	}
}

func (i *instruction) asCall(threadOffset uint64, entrypoint bool) {
	i.kind = call
	i.u1 = threadOffset
	if entrypoint {
		i.u2 = 1
	}
}

func (i *instruction) asCallReg(rn backend.RealReg) {
	i.kind = callReg
	i.rn = rn
}

func (i *instruction) asJmpReg(rn backend.RealReg) {
	i.kind = jmpReg
	i.rn = rn
}

func (i *instruction) asAdrp(rd backend.RealReg) {
	i.kind = adrp
	i.rd = rd
}

func (i *instruction) asLoadPageOffset(rd backend.RealReg) {
	i.kind = loadPageOffset
	i.rd = rd
}

// String implements fmt.Stringer.
func (i *instruction) String() (str string) {
	switch i.kind {
	case nop0:
		str = fmt.Sprintf("L%d:", i.u1)
	case aluRRR:
		str = fmt.Sprintf("%s %s, %s, %s", aluOp(i.u1), regName(i.rd), regName(i.rn), regName(i.rm))
	case addShifted:
		str = fmt.Sprintf("add %s, %s, %s, lsl #%d", regName(i.rd), regName(i.rn), regName(i.rm), i.u1)
	case mov64:
		str = fmt.Sprintf("mov %s, %s", regName(i.rd), regName(i.rn))
	case movZ:
		str = fmt.Sprintf("movz %s, #%#x, lsl %d", regName(i.rd), i.u1, i.u2)
	case movK:
		str = fmt.Sprintf("movk %s, #%#x, lsl %d", regName(i.rd), i.u1, i.u2)
	case movN:
		str = fmt.Sprintf("movn %s, #%#x, lsl %d", regName(i.rd), i.u1, i.u2)
	case uLoad64:
		str = fmt.Sprintf("ldr %s, [%s, #%#x]", regName(i.rd), regName(i.rn), int64(i.u1))
	case store64:
		str = fmt.Sprintf("str %s, [%s, #%#x]", regName(i.rd), regName(i.rn), int64(i.u1))
	case pushFrame:
		str = "stp x29, x30, [sp, #-16]!"
	case popFrame:
		str = "ldp x29, x30, [sp], #16"
	case setFP:
		str = "mov x29, sp"
	case subSP, addSP:
		op := "add"
		if i.kind == subSP {
			op = "sub"
		}
		imm := i.u1
		if i.u2 == 1 {
			imm <<= 12
		}
		str = fmt.Sprintf("%s sp, sp, #%#x", op, imm)
	case br:
		str = fmt.Sprintf("b L%d", i.u1)
	case cbz:
		op := "cbz"
		if i.u2 == 1 {
			op = "cbnz"
		}
		str = fmt.Sprintf("%s %s, L%d", op, regName(i.rd), i.u1)
	case call:
		if i.u2 == 1 {
			str = fmt.Sprintf("bl <entrypoint %#x>", i.u1)
		} else {
			str = "bl <method>"
		}
	case callReg:
		str = fmt.Sprintf("blr %s", regName(i.rn))
	case jmpReg:
		str = fmt.Sprintf("br %s", regName(i.rn))
	case adrp:
		str = fmt.Sprintf("adrp %s, <data>", regName(i.rd))
	case loadPageOffset:
		str = fmt.Sprintf("ldr %s, [%s, <data>]", regName(i.rd), regName(i.rd))
	case ret:
		str = "ret"
	case dmbIshSt:
		str = "dmb ishst"
	default:
		panic(fmt.Sprintf("BUG: unknown instruction kind %d", i.kind))
	}
	return
}

// encode returns the machine code of i. labelOffset resolves the labels of branches.
func (i *instruction) encode(labelOffset func(backend.Label) (int, error)) (uint32, error) {
	rd, rn, rm := regNumber(i.rd), regNumber(i.rn), regNumber(i.rm)
	switch i.kind {
	case aluRRR:
		switch aluOp(i.u1) {
		case aluOpAdd:
			return encodeRRR(0x8b000000, rd, rn, rm), nil
		case aluOpSub:
			return encodeRRR(0xcb000000, rd, rn, rm), nil
		case aluOpAnd:
			return encodeRRR(0x8a000000, rd, rn, rm), nil
		case aluOpOrr:
			return encodeRRR(0xaa000000, rd, rn, rm), nil
		case aluOpEor:
			return encodeRRR(0xca000000, rd, rn, rm), nil
		case aluOpMul:
			// madd rd, rn, rm, xzr
			return encodeRRR(0x9b007c00, rd, rn, rm), nil
		case aluOpLsl:
			// lslv
			return encodeRRR(0x9ac02000, rd, rn, rm), nil
		}
	case addShifted:
		return encodeRRR(0x8b000000, rd, rn, rm) | uint32(i.u1)<<10, nil
	case mov64:
		if i.rd == sp || i.rn == sp {
			// add rd, rn, #0
			return 0x91000000 | rn<<5 | rd, nil
		}
		// orr rd, xzr, rn
		return encodeRRR(0xaa000000, rd, 31, rn), nil
	case movZ:
		return encodeMoveWide(0xd2800000, rd, i.u1, i.u2), nil
	case movK:
		return encodeMoveWide(0xf2800000, rd, i.u1, i.u2), nil
	case movN:
		return encodeMoveWide(0x92800000, rd, i.u1, i.u2), nil
	case uLoad64:
		return encodeLoadStore(0xf9400000, 0xf8400000, rd, rn, int64(i.u1))
	case store64:
		return encodeLoadStore(0xf9000000, 0xf8000000, rd, rn, int64(i.u1))
	case pushFrame:
		return 0xa9bf7bfd, nil
	case popFrame:
		return 0xa8c17bfd, nil
	case setFP:
		return 0x910003fd, nil
	case subSP, addSP:
		base := uint32(0x910003ff)
		if i.kind == subSP {
			base = 0xd10003ff
		}
		return base | uint32(i.u2)<<22 | uint32(i.u1)<<10, nil
	case br:
		disp, err := i.branchDisplacement(labelOffset, 26)
		if err != nil {
			return 0, err
		}
		return 0x14000000 | disp, nil
	case cbz:
		disp, err := i.branchDisplacement(labelOffset, 19)
		if err != nil {
			return 0, err
		}
		base := uint32(0xb4000000)
		if i.u2 == 1 {
			base = 0xb5000000
		}
		return base | disp<<5 | rd, nil
	case call:
		return 0x94000000, nil
	case callReg:
		return 0xd63f0000 | rn<<5, nil
	case jmpReg:
		return 0xd61f0000 | rn<<5, nil
	case adrp:
		return 0x90000000 | rd, nil
	case loadPageOffset:
		return 0xf9400000 | rd<<5 | rd, nil
	case ret:
		return 0xd65f03c0, nil
	case dmbIshSt:
		return 0xd5033a9f, nil
	}
	return 0, errors.Errorf("BUG: cannot encode %s", i)
}

// branchDisplacement returns the word displacement to the label of i as a bits-wide field.
func (i *instruction) branchDisplacement(labelOffset func(backend.Label) (int, error), bits uint) (uint32, error) {
	target, err := labelOffset(backend.Label(i.u1))
	if err != nil {
		return 0, err
	}
	disp := int64(target-i.offset) / 4
	if !fitsSigned(disp, bits) {
		return 0, errors.Errorf("branch to L%d at %#x is out of range of %#x", i.u1, target, i.offset)
	}
	return uint32(disp) & (1<<bits - 1), nil
}

func encodeRRR(base, rd, rn, rm uint32) uint32 {
	return base | rm<<16 | rn<<5 | rd
}

func encodeMoveWide(base, rd uint32, imm, shift uint64) uint32 {
	return base | uint32(shift/16)<<21 | uint32(imm)<<5 | rd
}

// encodeLoadStore uses the scaled unsigned offset form when possible and the unscaled one otherwise.
func encodeLoadStore(scaled, unscaled, rt, rn uint32, offset int64) (uint32, error) {
	switch {
	case offset >= 0 && offset%8 == 0 && offset/8 < 1<<12:
		return scaled | uint32(offset/8)<<10 | rn<<5 | rt, nil
	case fitsSigned(offset, 9):
		return unscaled | (uint32(offset)&0x1ff)<<12 | rn<<5 | rt, nil
	}
	return 0, errors.Errorf("memory offset %#x is out of range", offset)
}

func fitsSigned(v int64, bits uint) bool {
	return v >= -(1<<(bits-1)) && v < 1<<(bits-1)
}

// validMemoryOffset returns true if encodeLoadStore can encode offset.
func validMemoryOffset(offset int64) bool {
	_, err := encodeLoadStore(0, 0, 0, 0, offset)
	return err == nil
}
