package optimizingapi

import (
	"fmt"
	"strings"
)

// InstructionSet identifies the target architecture of a compilation.
type InstructionSet byte

const (
	InstructionSetNone InstructionSet = iota
	InstructionSetArm
	InstructionSetArm64
	InstructionSetThumb2
	InstructionSetRiscv64
	InstructionSetX86
	InstructionSetX86_64
)

// String implements fmt.Stringer.
func (isa InstructionSet) String() string {
	switch isa {
	case InstructionSetNone:
		return "none"
	case InstructionSetArm:
		return "arm"
	case InstructionSetArm64:
		return "arm64"
	case InstructionSetThumb2:
		return "thumb2"
	case InstructionSetRiscv64:
		return "riscv64"
	case InstructionSetX86:
		return "x86"
	case InstructionSetX86_64:
		return "x86_64"
	}
	return fmt.Sprintf("InstructionSet(%d)", isa)
}

// ParseInstructionSet returns the InstructionSet named by s.
func ParseInstructionSet(s string) (InstructionSet, error) {
	switch strings.ToLower(s) {
	case "arm":
		return InstructionSetArm, nil
	case "arm64", "aarch64":
		return InstructionSetArm64, nil
	case "thumb2":
		return InstructionSetThumb2, nil
	case "riscv64":
		return InstructionSetRiscv64, nil
	case "x86", "i386":
		return InstructionSetX86, nil
	case "x86_64", "x86-64", "amd64":
		return InstructionSetX86_64, nil
	}
	return InstructionSetNone, fmt.Errorf("unknown instruction set %q", s)
}

// Is64Bit returns true if the pointer size of isa is 8 bytes.
func (isa InstructionSet) Is64Bit() bool {
	return isa == InstructionSetArm64 || isa == InstructionSetX86_64 || isa == InstructionSetRiscv64
}

// PointerSize returns the size of a native pointer on isa.
func (isa InstructionSet) PointerSize() int {
	if isa.Is64Bit() {
		return 8
	}
	return 4
}

// CodeAlignment returns the required alignment of the start of a method's code.
func (isa InstructionSet) CodeAlignment() int {
	switch isa {
	case InstructionSetArm, InstructionSetThumb2:
		return 8
	default:
		return 16
	}
}

// IsSupportedByOptimizing returns true if the optimizing compiler accepts methods for isa.
func IsSupportedByOptimizing(isa InstructionSet) bool {
	switch isa {
	case InstructionSetArm, InstructionSetArm64, InstructionSetThumb2, InstructionSetX86, InstructionSetX86_64:
		return true
	}
	return false
}
