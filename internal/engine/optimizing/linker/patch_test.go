package linker

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
)

func TestSortPatches(t *testing.T) {
	ps := []LinkerPatch{
		CallRelativePatch(0x20, 1),
		StringBssEntryPatch(0x4, 7),
		CallEntrypointPatch(0x10, 0x108),
	}
	require.EqualError(t, VerifyPatchOrder(ps), "patches are not sorted: 0x4 follows 0x20")
	SortPatches(ps)
	require.NoError(t, VerifyPatchOrder(ps))
	require.Equal(t, []uint32{0x4, 0x10, 0x20}, []uint32{ps[0].LiteralOffset, ps[1].LiteralOffset, ps[2].LiteralOffset})

	dup := []LinkerPatch{CallRelativePatch(0x8, 1), CallRelativePatch(0x8, 2)}
	require.EqualError(t, VerifyPatchOrder(dup), "duplicate patch offset 0x8: call_relative@0x8 -> 1 and call_relative@0x8 -> 2")
	require.NoError(t, VerifyPatchOrder(nil))
}

func TestPatchType_String(t *testing.T) {
	require.Equal(t, "string_bss_entry@0x4 -> 7", StringBssEntryPatch(4, 7).String())
	require.Equal(t, "call_entrypoint", PatchCallEntrypoint.String())
	require.Equal(t, "PatchType(9)", PatchType(9).String())
}

func TestCompiledMethodStorage_thunks(t *testing.T) {
	s := NewCompiledMethodStorage()
	p := CallEntrypointPatch(0x10, 0x108)
	_, _, ok := s.GetThunkCode(p)
	require.False(t, ok)

	// Patches at different offsets share the thunk of the same entrypoint.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.SetThunkCode(CallEntrypointPatch(uint32(i*4), 0x108), []byte{byte(i)}, "thunk")
		}(i)
	}
	wg.Wait()
	code, name, ok := s.GetThunkCode(p)
	require.True(t, ok)
	require.Equal(t, "thunk", name)
	require.Len(t, code, 1)

	s.SetThunkCode(CallEntrypointPatch(0, 0x110), []byte{1}, "another")
	thunks := s.Thunks()
	require.Len(t, thunks, 2)
	require.Equal(t, "another", thunks[0].DebugName)
	require.Equal(t, ThunkKey{Type: PatchCallEntrypoint, TargetIndex: 0x108}, thunks[1].Key)
}

func TestCompiledMethodStorage_thunkOrder(t *testing.T) {
	exp := []ThunkKey{
		{Type: PatchCallRelative, TargetIndex: 7},
		{Type: PatchCallEntrypoint, TargetIndex: 0x108},
		{Type: PatchCallEntrypoint, TargetIndex: 0x110},
		{Type: PatchCallEntrypoint, TargetIndex: 0x118},
	}
	// Thunks sharing a debug name come out in the same order however the map iterates.
	for i := 0; i < 16; i++ {
		s := NewCompiledMethodStorage()
		for j := len(exp) - 1; j >= 0; j-- {
			k := exp[j]
			s.SetThunkCode(LinkerPatch{Type: k.Type, TargetIndex: k.TargetIndex}, []byte{byte(j)}, "thunk")
		}
		var keys []ThunkKey
		for _, th := range s.Thunks() {
			keys = append(keys, th.Key)
		}
		require.Equal(t, exp, keys)
	}
}

func TestCompiledMethodStorage_methods(t *testing.T) {
	s := NewCompiledMethodStorage()
	code := []byte{1, 2, 3, 4}
	patches := []LinkerPatch{CallRelativePatch(4, 1), CallRelativePatch(0, 2)}
	for _, idx := range []uint32{3, 1} {
		m := &optimizingapi.Method{Index: idx, Name: "m"}
		s.Add(NewCompiledMethod(optimizingapi.InstructionSetArm64, m, code, nil, nil, 16, patches))
	}
	ms := s.Methods()
	require.Len(t, ms, 2)
	require.Equal(t, uint32(1), ms[0].MethodIndex)
	require.NoError(t, VerifyPatchOrder(ms[0].Patches))
	require.Equal(t, 16, ms[0].FrameSize)

	// The compiled method owns its buffers.
	code[0] = 0xff
	require.Equal(t, byte(1), ms[0].Code[0])
	require.Equal(t, uint32(4), patches[0].LiteralOffset)
}
