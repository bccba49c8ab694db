package arm64

import (
	"fmt"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/backend"
)

// Arm64-specific registers.
//
// See https://developer.arm.com/documentation/dui0801/a/Overview-of-AArch64-state/Predeclared-core-register-names-in-AArch64-state

const (
	// General purpose registers.

	x0 = backend.RealRegInvalid + 1 + iota
	x1
	x2
	x3
	x4
	x5
	x6
	x7
	x8
	x9
	x10
	x11
	x12
	x13
	x14
	x15
	x16
	x17
	x18
	x19
	x20
	x21
	x22
	x23
	x24
	x25
	x26
	x27
	x28
	x29
	x30

	// Special registers. Both are encoded as 31; which one is meant depends on the instruction.

	sp
	xzr

	numRegisters
)

const (
	// tr holds the current Thread. Entrypoints are loaded from it.
	tr = x19
	fp = x29
	lr = x30
	// ip0 and ip1 are the intra-procedure-call scratch registers.
	ip0 = x16
	ip1 = x17
)

var regNames = [...]string{
	x0:  "x0",
	x1:  "x1",
	x2:  "x2",
	x3:  "x3",
	x4:  "x4",
	x5:  "x5",
	x6:  "x6",
	x7:  "x7",
	x8:  "x8",
	x9:  "x9",
	x10: "x10",
	x11: "x11",
	x12: "x12",
	x13: "x13",
	x14: "x14",
	x15: "x15",
	x16: "x16",
	x17: "x17",
	x18: "x18",
	x19: "x19",
	x20: "x20",
	x21: "x21",
	x22: "x22",
	x23: "x23",
	x24: "x24",
	x25: "x25",
	x26: "x26",
	x27: "x27",
	x28: "x28",
	x29: "x29",
	x30: "x30",
	sp:  "sp",
	xzr: "xzr",
}

func regName(r backend.RealReg) string {
	if r == backend.RealRegInvalid || r >= numRegisters {
		return fmt.Sprintf("r%d?", r)
	}
	return regNames[r]
}

// regNumber returns the 5-bit register field of r.
func regNumber(r backend.RealReg) uint32 {
	switch r {
	case sp, xzr:
		return 31
	}
	return uint32(r - x0)
}

// dwarfRegister follows the DWARF for the Arm 64-bit Architecture: x0-x30 are 0-30 and sp is 31.
func dwarfRegister(r backend.RealReg) int {
	return int(regNumber(r))
}

// regInfo is the managed calling convention: arguments in x0-x7, the result in x0,
// the Thread in x19 and x20-x28 preserved across calls. x16 and x17 are left to the compiler
// and x18 is the platform register.
var regInfo = &backend.RegisterInfo{
	AllocatableRegisters: []backend.RealReg{
		x0, x1, x2, x3, x4, x5, x6, x7, x8, x9, x10, x11, x12, x13, x14, x15,
		x20, x21, x22, x23, x24, x25, x26, x27, x28,
	},
	CalleeSavedRegisters: []backend.RealReg{x20, x21, x22, x23, x24, x25, x26, x27, x28},
	ArgumentRegisters:    []backend.RealReg{x0, x1, x2, x3, x4, x5, x6, x7},
	ReturnRegister:       x0,
	Scratch:              [2]backend.RealReg{ip0, ip1},
	WordSize:             8,
	// The saved frame pointer and link register.
	IncomingArgsOffset: 16,
	RealRegName:        regName,
	DWARFRegister:      dwarfRegister,
}
