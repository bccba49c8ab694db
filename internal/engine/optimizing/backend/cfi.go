package backend

import "encoding/binary"

// CFIOp is a DWARF call frame instruction.
type CFIOp byte

const (
	// CFIDefCFAOffset sets the distance from the stack pointer to the CFA.
	CFIDefCFAOffset CFIOp = iota + 1
	// CFIOffset records that Reg is saved at CFA+Offset.
	CFIOffset
	// CFIRememberState pushes the current rules.
	CFIRememberState
	// CFIRestoreState pops the rules pushed by CFIRememberState.
	CFIRestoreState
)

// CFIEvent is a change of the frame description effective after the instruction ending at PC.
type CFIEvent struct {
	PC     int
	Op     CFIOp
	Reg    int
	Offset int
}

const (
	dwCFAAdvanceLoc     = 0x40
	dwCFAOffset         = 0x80
	dwCFAAdvanceLoc1    = 0x02
	dwCFAAdvanceLoc2    = 0x03
	dwCFAAdvanceLoc4    = 0x04
	dwCFAOffsetExtended = 0x05
	dwCFARememberState  = 0x0a
	dwCFARestoreState   = 0x0b
	dwCFADefCFAOffset   = 0x0e
	cfiDataAlignment    = -4
	cfiCodeAlignment    = 1
)

// EncodeCFI encodes events in the DWARF call frame instruction format, assuming a CIE with a code
// alignment factor of 1 and a data alignment factor of -4.
func EncodeCFI(events []CFIEvent) []byte {
	var buf []byte
	pc := 0
	for _, e := range events {
		if delta := (e.PC - pc) / cfiCodeAlignment; delta > 0 {
			switch {
			case delta < 0x40:
				buf = append(buf, dwCFAAdvanceLoc|byte(delta))
			case delta <= 0xff:
				buf = append(buf, dwCFAAdvanceLoc1, byte(delta))
			case delta <= 0xffff:
				buf = append(buf, dwCFAAdvanceLoc2)
				buf = binary.LittleEndian.AppendUint16(buf, uint16(delta))
			default:
				buf = append(buf, dwCFAAdvanceLoc4)
				buf = binary.LittleEndian.AppendUint32(buf, uint32(delta))
			}
			pc = e.PC
		}
		switch e.Op {
		case CFIDefCFAOffset:
			buf = append(buf, dwCFADefCFAOffset)
			buf = binary.AppendUvarint(buf, uint64(e.Offset))
		case CFIOffset:
			factored := uint64(e.Offset / cfiDataAlignment)
			if e.Reg < 0x40 {
				buf = append(buf, dwCFAOffset|byte(e.Reg))
			} else {
				buf = append(buf, dwCFAOffsetExtended)
				buf = binary.AppendUvarint(buf, uint64(e.Reg))
			}
			buf = binary.AppendUvarint(buf, factored)
		case CFIRememberState:
			buf = append(buf, dwCFARememberState)
		case CFIRestoreState:
			buf = append(buf, dwCFARestoreState)
		default:
			panic("BUG: unknown CFI op")
		}
	}
	return buf
}
