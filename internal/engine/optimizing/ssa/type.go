package ssa

// Type is the type of a Value.
type Type byte

const (
	TypeInvalid Type = iota

	// TypeI32 represents an integer type with 32 bits.
	TypeI32

	// TypeI64 represents an integer type with 64 bits. Bytecode registers, references
	// and method arguments are all lowered to this type.
	TypeI64
)

// String implements fmt.Stringer.
func (t Type) String() (ret string) {
	switch t {
	case TypeInvalid:
		return "invalid"
	case TypeI32:
		return "i32"
	case TypeI64:
		return "i64"
	}
	return
}

// Bits returns the number of bits of the type.
func (t Type) Bits() byte {
	switch t {
	case TypeI32:
		return 32
	case TypeI64:
		return 64
	default:
		panic(int(t))
	}
}
