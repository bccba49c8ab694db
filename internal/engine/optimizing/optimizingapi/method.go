package optimizingapi

import "fmt"

// AccessFlags are the access and runtime flags of a method.
type AccessFlags uint32

const (
	AccPublic  AccessFlags = 0x0001
	AccPrivate AccessFlags = 0x0002
	AccStatic  AccessFlags = 0x0008
	AccFinal   AccessFlags = 0x0010
	AccNative  AccessFlags = 0x0100
	// AccFastNative marks @FastNative methods.
	AccFastNative AccessFlags = 0x0008_0000
	// AccCriticalNative marks @CriticalNative methods: no JNIEnv, no thread transitions.
	AccCriticalNative AccessFlags = 0x0020_0000
	// AccCompileDontBother tells the compiler to leave the method to the interpreter.
	AccCompileDontBother AccessFlags = 0x0200_0000
)

// Intrinsic identifies methods with a hand-specialized implementation graph.
type Intrinsic uint16

const (
	IntrinsicNone Intrinsic = iota
	IntrinsicLongSum
	IntrinsicIntegerLowestOneBit
	IntrinsicStringLength
	IntrinsicSystemArrayCopy
)

// String implements fmt.Stringer.
func (i Intrinsic) String() string {
	switch i {
	case IntrinsicNone:
		return "None"
	case IntrinsicLongSum:
		return "LongSum"
	case IntrinsicIntegerLowestOneBit:
		return "IntegerLowestOneBit"
	case IntrinsicStringLength:
		return "StringLength"
	case IntrinsicSystemArrayCopy:
		return "SystemArrayCopy"
	}
	return fmt.Sprintf("Intrinsic(%d)", i)
}

// ParseIntrinsic returns the Intrinsic named by s.
func ParseIntrinsic(s string) (Intrinsic, error) {
	for i := IntrinsicNone; i <= IntrinsicSystemArrayCopy; i++ {
		if i.String() == s {
			return i, nil
		}
	}
	return IntrinsicNone, fmt.Errorf("unknown intrinsic %q", s)
}

// Method describes one method handed to the compiler: its identity, flags and bytecode.
type Method struct {
	// Index is the method index in its dex file.
	Index uint32
	// Name is the pretty name used in logs, visualizer output and profiler maps.
	Name        string
	AccessFlags AccessFlags
	Intrinsic   Intrinsic
	// RegistersSize is the number of virtual registers of the frame, InsSize of which
	// hold the incoming arguments in the highest-numbered registers.
	RegistersSize uint16
	InsSize       uint16
	// Code is the bytecode in 16-bit code units.
	Code []uint16
	// HasCatchHandlers is true if the code item declares try blocks.
	HasCatchHandlers bool
}

// IsNative returns true for methods implemented in native code.
func (m *Method) IsNative() bool { return m.AccessFlags&AccNative != 0 }

// IsCriticalNative returns true for @CriticalNative methods.
func (m *Method) IsCriticalNative() bool { return m.AccessFlags&AccCriticalNative != 0 }

// IsStatic returns true for static methods.
func (m *Method) IsStatic() bool { return m.AccessFlags&AccStatic != 0 }

// IsIntrinsic returns true if the method has an intrinsic implementation.
func (m *Method) IsIntrinsic() bool { return m.Intrinsic != IntrinsicNone }

// InsnsSizeInCodeUnits returns the size of the bytecode.
func (m *Method) InsnsSizeInCodeUnits() int { return len(m.Code) }

// String implements fmt.Stringer.
func (m *Method) String() string {
	if m.Name != "" {
		return m.Name
	}
	return fmt.Sprintf("method@%d", m.Index)
}
