package amd64

import (
	"fmt"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/backend"
)

// x86 registers in hardware encoding order. The 32-bit mode only uses the first eight.
const (
	rax = backend.RealRegInvalid + 1 + iota
	rcx
	rdx
	rbx
	rsp
	rbp
	rsi
	rdi
	r8
	r9
	r10
	r11
	r12
	r13
	r14
	r15

	numRegisters
)

var regNames64 = [...]string{
	rax: "rax",
	rcx: "rcx",
	rdx: "rdx",
	rbx: "rbx",
	rsp: "rsp",
	rbp: "rbp",
	rsi: "rsi",
	rdi: "rdi",
	r8:  "r8",
	r9:  "r9",
	r10: "r10",
	r11: "r11",
	r12: "r12",
	r13: "r13",
	r14: "r14",
	r15: "r15",
}

var regNames32 = [...]string{
	rax: "eax",
	rcx: "ecx",
	rdx: "edx",
	rbx: "ebx",
	rsp: "esp",
	rbp: "ebp",
	rsi: "esi",
	rdi: "edi",
}

func regName64(r backend.RealReg) string {
	if r == backend.RealRegInvalid || r >= numRegisters {
		return fmt.Sprintf("r%d?", r)
	}
	return regNames64[r]
}

func regName32(r backend.RealReg) string {
	if r == backend.RealRegInvalid || r > rdi {
		return fmt.Sprintf("r%d?", r)
	}
	return regNames32[r]
}

// hw returns the 4-bit hardware number of r. The high bit goes to the REX prefix.
func hw(r backend.RealReg) byte {
	return byte(r - rax)
}

// dwarfRegisters64 is the register numbering of the System V AMD64 psABI.
var dwarfRegisters64 = [...]int{
	rax: 0, rdx: 1, rcx: 2, rbx: 3, rsi: 4, rdi: 5, rbp: 6, rsp: 7,
	r8: 8, r9: 9, r10: 10, r11: 11, r12: 12, r13: 13, r14: 14, r15: 15,
}

func dwarfRegister64(r backend.RealReg) int {
	return dwarfRegisters64[r]
}

// The i386 DWARF numbering matches the hardware encoding.
func dwarfRegister32(r backend.RealReg) int {
	return int(hw(r))
}

// regInfo64 is the managed calling convention on x86_64. rcx is kept for shift counts,
// r10 and r11 are left to the compiler and the Thread is reached through gs.
var regInfo64 = &backend.RegisterInfo{
	AllocatableRegisters: []backend.RealReg{rax, rdi, rsi, rdx, r8, r9, rbx, r12, r13, r14, r15},
	CalleeSavedRegisters: []backend.RealReg{rbx, r12, r13, r14, r15},
	ArgumentRegisters:    []backend.RealReg{rdi, rsi, rdx, r8, r9},
	ReturnRegister:       rax,
	Scratch:              [2]backend.RealReg{r10, r11},
	WordSize:             8,
	// The return address and the saved rbp.
	IncomingArgsOffset: 16,
	RealRegName:        regName64,
	DWARFRegister:      dwarfRegister64,
}

// regInfo32 is the managed calling convention on x86: the Thread is reached through fs.
var regInfo32 = &backend.RegisterInfo{
	AllocatableRegisters: []backend.RealReg{rax, rdx, rbx},
	CalleeSavedRegisters: []backend.RealReg{rbx},
	ArgumentRegisters:    []backend.RealReg{rax, rdx},
	ReturnRegister:       rax,
	Scratch:              [2]backend.RealReg{rsi, rdi},
	WordSize:             4,
	IncomingArgsOffset:   8,
	RealRegName:          regName32,
	DWARFRegister:        dwarfRegister32,
}
