package arm64

import "github.com/aosp-leddaz/art/internal/engine/optimizing/backend"

// EmitLoadConstant implements backend.Machine.
//
// The constant is built from its 16-bit halfwords: movz then movk for the non-zero ones,
// or movn then movk for the ones other than 0xffff when that takes fewer instructions.
func (m *machine) EmitLoadConstant(dst backend.RealReg, v uint64) {
	var zeros, ones int
	for shift := uint64(0); shift < 64; shift += 16 {
		switch (v >> shift) & 0xffff {
		case 0:
			zeros++
		case 0xffff:
			ones++
		}
	}

	inverted := ones > zeros
	skip := uint64(0)
	if inverted {
		skip = 0xffff
	}
	first := true
	for shift := uint64(0); shift < 64; shift += 16 {
		hw := (v >> shift) & 0xffff
		if hw == skip {
			continue
		}
		switch {
		case first && inverted:
			m.allocateInstr().asMOVN(dst, ^hw&0xffff, shift)
		case first:
			m.allocateInstr().asMOVZ(dst, hw, shift)
		default:
			m.allocateInstr().asMOVK(dst, hw, shift)
		}
		first = false
	}
	if first {
		// Every halfword was skipped: v is either 0 or all ones.
		if inverted {
			m.allocateInstr().asMOVN(dst, 0, 0)
		} else {
			m.allocateInstr().asMOVZ(dst, 0, 0)
		}
	}
}
