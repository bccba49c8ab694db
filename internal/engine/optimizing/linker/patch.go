// Package linker holds the link-time view of compiled methods: the patches a code generator
// leaves unresolved, the thunks shared by those patches and the image that lays methods out.
package linker

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// PatchType tells what the literal at a patch's offset refers to.
type PatchType byte

const (
	patchTypeInvalid PatchType = iota
	// PatchCallRelative is a pc-relative call to another method; TargetIndex is the method index.
	PatchCallRelative
	// PatchCallEntrypoint is a call to a Thread entrypoint through a shared thunk;
	// TargetIndex is the Thread offset of the entrypoint.
	PatchCallEntrypoint
	// PatchStringBssEntry is a pc-relative load of the .bss slot of an interned string;
	// TargetIndex is the string index.
	PatchStringBssEntry
)

// String implements fmt.Stringer.
func (t PatchType) String() string {
	switch t {
	case PatchCallRelative:
		return "call_relative"
	case PatchCallEntrypoint:
		return "call_entrypoint"
	case PatchStringBssEntry:
		return "string_bss_entry"
	}
	return fmt.Sprintf("PatchType(%d)", t)
}

// LinkerPatch is a location in the code of a method that must be fixed up at link time.
type LinkerPatch struct {
	// LiteralOffset is the offset of the patched instruction from the start of the method code.
	LiteralOffset uint32
	Type          PatchType
	TargetIndex   uint32
}

// CallRelativePatch returns a PatchCallRelative.
func CallRelativePatch(literalOffset, methodIndex uint32) LinkerPatch {
	return LinkerPatch{LiteralOffset: literalOffset, Type: PatchCallRelative, TargetIndex: methodIndex}
}

// CallEntrypointPatch returns a PatchCallEntrypoint.
func CallEntrypointPatch(literalOffset, threadOffset uint32) LinkerPatch {
	return LinkerPatch{LiteralOffset: literalOffset, Type: PatchCallEntrypoint, TargetIndex: threadOffset}
}

// StringBssEntryPatch returns a PatchStringBssEntry.
func StringBssEntryPatch(literalOffset, stringIndex uint32) LinkerPatch {
	return LinkerPatch{LiteralOffset: literalOffset, Type: PatchStringBssEntry, TargetIndex: stringIndex}
}

// String implements fmt.Stringer.
func (p LinkerPatch) String() string {
	return fmt.Sprintf("%s@%#x -> %d", p.Type, p.LiteralOffset, p.TargetIndex)
}

// ThunkKey identifies the shared code of a patch. Two patches with the same content
// share the thunk regardless of where they are located.
type ThunkKey struct {
	Type        PatchType
	TargetIndex uint32
}

// Key returns the ThunkKey of p.
func (p LinkerPatch) Key() ThunkKey {
	return ThunkKey{Type: p.Type, TargetIndex: p.TargetIndex}
}

// SortPatches sorts ps by ascending literal offset. The order of patches sharing an offset is unspecified.
func SortPatches(ps []LinkerPatch) {
	sort.Slice(ps, func(i, j int) bool {
		return ps[i].LiteralOffset < ps[j].LiteralOffset
	})
}

// VerifyPatchOrder returns an error unless the literal offsets of ps are strictly ascending.
// Readers of the patch encoding decode offsets as deltas and rely on this.
func VerifyPatchOrder(ps []LinkerPatch) error {
	for i := 1; i < len(ps); i++ {
		prev, cur := ps[i-1].LiteralOffset, ps[i].LiteralOffset
		if cur == prev {
			return errors.Errorf("duplicate patch offset %#x: %s and %s", cur, ps[i-1], ps[i])
		}
		if cur < prev {
			return errors.Errorf("patches are not sorted: %#x follows %#x", cur, prev)
		}
	}
	return nil
}
