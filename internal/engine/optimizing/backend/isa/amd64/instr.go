package amd64

import (
	"encoding/binary"
	"fmt"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/backend"
)

type (
	// instruction is an encoded instruction with its listing. Branches carry a label whose
	// rel32 is written by Encode.
	instruction struct {
		text   string
		code   []byte
		offset int
		// target is the label of a branch, or invalidLabel.
		target backend.Label
		// bind is the label bound by this instruction, which then has no code.
		bind backend.Label
	}
)

const (
	opcodeJmpRel32  = 0xe9
	opcodeCallRel32 = 0xe8
	opcodeRet       = 0xc3
	opcodeMovLoad   = 0x8b
	opcodeMovStore  = 0x89
	prefixREX       = 0x40
	rexW            = 0x08
	rexR            = 0x04
	rexX            = 0x02
	rexB            = 0x01
)

// String implements fmt.Stringer.
func (i *instruction) String() string {
	if i.bind != invalidLabel {
		return fmt.Sprintf("L%d:", i.bind)
	}
	return i.text
}

// rex returns the REX prefix of an instruction using the given register fields, if one is needed.
func rex(w bool, reg, index, base byte) []byte {
	b := byte(prefixREX)
	if w {
		b |= rexW
	}
	if reg&8 != 0 {
		b |= rexR
	}
	if index&8 != 0 {
		b |= rexX
	}
	if base&8 != 0 {
		b |= rexB
	}
	if b == prefixREX {
		return nil
	}
	return []byte{b}
}

func modRM(mod, reg, rm byte) byte {
	return mod<<6 | (reg&7)<<3 | rm&7
}

// memOperand encodes [base+disp] with reg in the ModRM reg field.
func memOperand(reg, base byte, disp int32) []byte {
	var mod byte
	switch {
	case disp == 0 && base&7 != 5:
		mod = 0
	case disp >= -128 && disp < 128:
		mod = 1
	default:
		mod = 2
	}
	ret := []byte{modRM(mod, reg, base)}
	if base&7 == 4 {
		// rsp and r12 as a base need a SIB byte.
		ret = append(ret, 0x24)
	}
	switch mod {
	case 1:
		ret = append(ret, byte(disp))
	case 2:
		ret = binary.LittleEndian.AppendUint32(ret, uint32(disp))
	}
	return ret
}

// indexedOperand encodes [base+index*8+disp32].
func indexedOperand(reg, base, index byte, disp int32) []byte {
	ret := []byte{modRM(2, reg, 4), 3<<6 | (index&7)<<3 | base&7}
	return binary.LittleEndian.AppendUint32(ret, uint32(disp))
}

func formatMem(base string, disp int64) string {
	switch {
	case disp == 0:
		return fmt.Sprintf("[%s]", base)
	case disp < 0:
		return fmt.Sprintf("[%s-%#x]", base, -disp)
	}
	return fmt.Sprintf("[%s+%#x]", base, disp)
}
