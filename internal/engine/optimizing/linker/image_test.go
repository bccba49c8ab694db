package linker_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/backend/isa/arm64"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/linker"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
)

func code(words ...uint32) []byte {
	var b []byte
	for _, w := range words {
		b = binary.LittleEndian.AppendUint32(b, w)
	}
	return b
}

func words(b []byte) []uint32 {
	var ret []uint32
	for i := 0; i+4 <= len(b); i += 4 {
		ret = append(ret, binary.LittleEndian.Uint32(b[i:]))
	}
	return ret
}

func testMethods() ([]*linker.CompiledMethod, []*linker.Thunk) {
	isa := optimizingapi.InstructionSetArm64
	caller := linker.NewCompiledMethod(isa, &optimizingapi.Method{Index: 1, Name: "caller"},
		code(0x94000000, 0x90000000, 0xf9400000), []byte{0, 0}, []byte{0x44}, 0,
		[]linker.LinkerPatch{linker.StringBssEntryPatch(4, 5), linker.CallRelativePatch(0, 2)})
	callee := linker.NewCompiledMethod(isa, &optimizingapi.Method{Index: 2, Name: "callee"},
		code(0x94000000, 0xd65f03c0), nil, nil, 16,
		[]linker.LinkerPatch{linker.CallEntrypointPatch(0, 0x108)})
	callee.NativeStub = true
	thunk := &linker.Thunk{
		Key:       linker.CallEntrypointPatch(0, 0x108).Key(),
		Code:      code(0xf9408670, 0xd61f0200),
		DebugName: "EntrypointCallThunk_pJniMethodStart",
	}
	return []*linker.CompiledMethod{caller, callee}, []*linker.Thunk{thunk}
}

func TestLink(t *testing.T) {
	methods, thunks := testMethods()
	img, err := linker.Link(optimizingapi.InstructionSetArm64, methods, thunks, arm64.NewBackend())
	require.NoError(t, err)

	require.Equal(t, []linker.ImageThunk{{Name: "EntrypointCallThunk_pJniMethodStart", Offset: 32, Size: 8}}, img.Thunks)
	require.Equal(t, map[uint32]uint32{5: 40}, img.StringSlots)
	require.Equal(t, uint32(8), img.BssSize)
	require.Equal(t, []uint32{
		// caller: bl callee; adrp x0, bss; ldr x0, [x0, #40]
		0x94000004, 0x90000000, 0xf9401400, 0,
		// callee: bl thunk; ret
		0x94000004, 0xd65f03c0, 0, 0,
		0xf9408670, 0xd61f0200,
	}, words(img.Text))

	callee, ok := img.Method(2)
	require.True(t, ok)
	require.Equal(t, uint32(16), callee.Offset)
	require.True(t, callee.NativeStub)
	require.Equal(t, []uint32{0x94000004, 0xd65f03c0}, words(img.Code(callee)))
	_, ok = img.Method(3)
	require.False(t, ok)
}

func TestLink_errors(t *testing.T) {
	p := arm64.NewBackend()
	t.Run("undefined method", func(t *testing.T) {
		methods, thunks := testMethods()
		_, err := linker.Link(optimizingapi.InstructionSetArm64, methods[:1], thunks, p)
		require.EqualError(t, err, "method caller: call to undefined method@2")
	})
	t.Run("missing thunk", func(t *testing.T) {
		methods, _ := testMethods()
		_, err := linker.Link(optimizingapi.InstructionSetArm64, methods, nil, p)
		require.EqualError(t, err, "method callee: no thunk for call_entrypoint@0x0 -> 264")
	})
	t.Run("isa", func(t *testing.T) {
		methods, thunks := testMethods()
		_, err := linker.Link(optimizingapi.InstructionSetX86_64, methods, thunks, p)
		require.EqualError(t, err, "method caller is compiled for arm64, not x86_64")
	})
	t.Run("unsorted", func(t *testing.T) {
		methods, thunks := testMethods()
		methods[0].Patches[0], methods[0].Patches[1] = methods[0].Patches[1], methods[0].Patches[0]
		_, err := linker.Link(optimizingapi.InstructionSetArm64, methods, thunks, p)
		require.EqualError(t, err, "method caller: patches are not sorted: 0x0 follows 0x4")
	})
	t.Run("bad literal", func(t *testing.T) {
		methods, thunks := testMethods()
		methods[0].Patches[0] = linker.CallRelativePatch(0, 2)
		methods[0].Patches[1] = linker.CallRelativePatch(8, 2)
		_, err := linker.Link(optimizingapi.InstructionSetArm64, methods, thunks, p)
		require.EqualError(t, err, "method caller: call_relative@0x8 -> 2: no bl at 0x8")
	})
}

func TestImage_roundTrip(t *testing.T) {
	methods, thunks := testMethods()
	img, err := linker.Link(optimizingapi.InstructionSetArm64, methods, thunks, arm64.NewBackend())
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := img.WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(buf.Len()), n)

	read, err := linker.ReadImage(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Equal(t, img.BuildID, read.BuildID)
	require.Equal(t, img.ISA, read.ISA)
	require.Equal(t, img.Text, read.Text)
	require.Equal(t, img.Thunks, read.Thunks)
	require.Equal(t, img.StringSlots, read.StringSlots)
	require.Equal(t, img.BssSize, read.BssSize)
	require.Len(t, read.Methods, 2)
	for i := range img.Methods {
		exp, actual := img.Methods[i], read.Methods[i]
		require.Equal(t, exp.Name, actual.Name)
		require.Equal(t, exp.Offset, actual.Offset)
		require.Equal(t, exp.FrameSize, actual.FrameSize)
		require.Equal(t, exp.NativeStub, actual.NativeStub)
		require.Equal(t, exp.Patches, actual.Patches)
		require.Equal(t, len(exp.CFI), len(actual.CFI))
	}

	t.Run("bad magic", func(t *testing.T) {
		b := append([]byte(nil), buf.Bytes()...)
		b[0] = 'X'
		_, err := linker.ReadImage(bytes.NewReader(b))
		require.EqualError(t, err, `bad image magic "XRTI"`)
	})
	t.Run("truncated header", func(t *testing.T) {
		_, err := linker.ReadImage(bytes.NewReader(buf.Bytes()[:3]))
		require.Error(t, err)
	})
	t.Run("version", func(t *testing.T) {
		b := append([]byte(nil), buf.Bytes()...)
		b[4] = 9
		_, err := linker.ReadImage(bytes.NewReader(b))
		require.EqualError(t, err, "unsupported image version 9")
	})
}
