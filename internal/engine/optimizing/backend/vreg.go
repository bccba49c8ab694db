package backend

import (
	"fmt"
)

// VReg represents a register which is assigned to an SSA value. This is used to represent a register in the backend.
// A VReg may or may not be a physical register, and the info of physical register can be obtained by RealReg.
type VReg uint64

// VRegID is the lower 32bit of VReg, which is the pure identifier of VReg without RealReg info.
type VRegID uint32

// RealReg returns the RealReg of this VReg.
func (v VReg) RealReg() RealReg {
	return RealReg(v >> 32)
}

// SetRealReg sets the RealReg of this VReg and returns the updated VReg.
func (v VReg) SetRealReg(r RealReg) VReg {
	return VReg(r)<<32 | v&0xffffffff
}

// ID returns the VRegID of this VReg.
func (v VReg) ID() VRegID {
	return VRegID(v & 0xffffffff)
}

// Valid returns true if this VReg is Valid.
func (v VReg) Valid() bool {
	return v.ID() != vRegIDInvalid
}

// RealReg represents a physical register. The numbering is private to each Machine.
type RealReg byte

const RealRegInvalid = RealReg(0)

const (
	vRegIDInvalid VRegID = 1 << 31
	vRegInvalid          = VReg(vRegIDInvalid)
)

// String implements fmt.Stringer.
func (v VReg) String() string {
	return fmt.Sprintf("r%d?", v.ID())
}

// LocationKind tells where a value lives after register allocation.
type LocationKind byte

const (
	LocationInvalid LocationKind = iota
	// LocationRegister is a physical register.
	LocationRegister
	// LocationStack is a slot addressed relative to the stack pointer once the frame is set up.
	LocationStack
)

// Location is the home of a value: a register or a stack slot.
type Location struct {
	Kind   LocationKind
	Reg    RealReg
	Offset int
}

// RegisterLocation returns the Location of the register r.
func RegisterLocation(r RealReg) Location {
	return Location{Kind: LocationRegister, Reg: r}
}

// StackLocation returns the Location of the stack slot at the given offset from the stack pointer.
func StackLocation(offset int) Location {
	return Location{Kind: LocationStack, Offset: offset}
}

// IsRegister returns true if l is a register.
func (l Location) IsRegister() bool { return l.Kind == LocationRegister }

// IsStack returns true if l is a stack slot.
func (l Location) IsStack() bool { return l.Kind == LocationStack }

// Format returns the text form of l using the register names of m.
func (l Location) Format(m Machine) string {
	switch l.Kind {
	case LocationRegister:
		return m.RegisterInfo().RealRegName(l.Reg)
	case LocationStack:
		return fmt.Sprintf("[sp+%#x]", l.Offset)
	}
	return "invalid"
}
