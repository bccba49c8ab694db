package optimizingapi

// OffsetData allows the backend to get the offsets of runtime structures (Thread, ArtMethod, String, arrays)
// which are necessary for compiling various instructions.
//
// This is unique per InstructionSet since the layouts depend on the pointer size.
type OffsetData struct {
	// ThreadEntrypointsBegin is the offset of the first quick entrypoint in the Thread.
	ThreadEntrypointsBegin Offset
	// ArtMethodJniEntryOffset is the offset of the native code pointer of a native ArtMethod.
	ArtMethodJniEntryOffset Offset
	// ArtMethodQuickEntryOffset is the offset of the compiled code entry point of an ArtMethod.
	ArtMethodQuickEntryOffset Offset
	// StringCountOffset is the offset of the `count` field in a String.
	StringCountOffset Offset
	// ArrayDataOffset is the offset of the first element of a 64-bit element array.
	ArrayDataOffset Offset

	pointerSize int
}

// Offset represents an offset of a field of a struct.
type Offset int32

// U32 encodes an Offset as uint32 for convenience.
func (o Offset) U32() uint32 {
	return uint32(o)
}

// QuickEntrypoint is a runtime helper reachable through the Thread register.
type QuickEntrypoint uint32

const (
	QuickDeliverException QuickEntrypoint = iota
	QuickJniMethodStart
	QuickJniMethodEnd
	QuickSystemArrayCopy
	QuickTestSuspend
	// QuickResolutionTrampoline resolves the callee of a call and tail-calls its code.
	QuickResolutionTrampoline
	quickEntrypointEnd
)

// String implements fmt.Stringer.
func (e QuickEntrypoint) String() string {
	switch e {
	case QuickDeliverException:
		return "pDeliverException"
	case QuickJniMethodStart:
		return "pJniMethodStart"
	case QuickJniMethodEnd:
		return "pJniMethodEnd"
	case QuickSystemArrayCopy:
		return "pSystemArrayCopy"
	case QuickTestSuspend:
		return "pTestSuspend"
	case QuickResolutionTrampoline:
		return "pQuickResolutionTrampoline"
	}
	return "pUnknown"
}

// NewOffsetData creates an OffsetData for the given InstructionSet.
func NewOffsetData(isa InstructionSet) OffsetData {
	ps := isa.PointerSize()
	return OffsetData{
		ThreadEntrypointsBegin:    Offset(0x100),
		ArtMethodJniEntryOffset:   Offset(16),
		ArtMethodQuickEntryOffset: Offset(16 + ps),
		StringCountOffset:         Offset(8),
		ArrayDataOffset:           Offset(16),
		pointerSize:               ps,
	}
}

// EntrypointOffset returns the Thread-relative offset of the entrypoint e.
func (o OffsetData) EntrypointOffset(e QuickEntrypoint) Offset {
	if e >= quickEntrypointEnd {
		panic("BUG: invalid entrypoint")
	}
	return o.ThreadEntrypointsBegin + Offset(int(e)*o.pointerSize)
}

// EntrypointAt returns the entrypoint stored at the Thread-relative offset, if any.
func (o OffsetData) EntrypointAt(off Offset) (QuickEntrypoint, bool) {
	rel := int(off - o.ThreadEntrypointsBegin)
	if rel < 0 || rel%o.pointerSize != 0 || rel/o.pointerSize >= int(quickEntrypointEnd) {
		return 0, false
	}
	return QuickEntrypoint(rel / o.pointerSize), true
}
