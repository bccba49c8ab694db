package arm64

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/backend"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/ssa"
)

func TestMachine_frame(t *testing.T) {
	m := newMachine()
	events := m.EmitPrologue(32)
	m.EmitEpilogue(32)
	require.Equal(t, "stp x29, x30, [sp, #-16]!; mov x29, sp; sub sp, sp, #0x20; add sp, sp, #0x20; "+
		"ldp x29, x30, [sp], #16; ret", formatEmittedInstructions(m))
	require.Equal(t, []backend.CFIEvent{
		{PC: 4, Op: backend.CFIDefCFAOffset, Offset: 16},
		{PC: 4, Op: backend.CFIOffset, Reg: 29, Offset: -16},
		{PC: 4, Op: backend.CFIOffset, Reg: 30, Offset: -8},
		{PC: 12, Op: backend.CFIDefCFAOffset, Offset: 48},
	}, events)

	code, err := m.Encode()
	require.NoError(t, err)
	require.Equal(t, []uint32{0xa9bf7bfd, 0x910003fd, 0xd10083ff, 0x910083ff, 0xa8c17bfd, 0xd65f03c0}, words(code))

	t.Run("large frame", func(t *testing.T) {
		m := newMachine()
		m.EmitPrologue(0x1010)
		require.Equal(t, "stp x29, x30, [sp, #-16]!; mov x29, sp; sub sp, sp, #0x1000; sub sp, sp, #0x10",
			formatEmittedInstructions(m))
	})
	t.Run("leaf", func(t *testing.T) {
		m := newMachine()
		m.EmitPrologue(0)
		m.EmitEpilogue(0)
		require.Equal(t, 16, m.Offset())
	})
}

func TestMachine_labels(t *testing.T) {
	m := newMachine()
	top, exit := m.NewLabel(), m.NewLabel()
	m.Bind(top)
	m.EmitBinary(ssa.OpcodeIsub, x0, x0, x1)
	m.EmitBranchIfZero(x0, exit, true)
	m.EmitJump(top)
	m.Bind(exit)
	m.EmitEpilogue(0)
	require.Equal(t, "L1:\n\tsub x0, x0, x1\n\tcbz x0, L2\n\tb L1\nL2:\n\tldp x29, x30, [sp], #16\n\tret", m.Format())

	code, err := m.Encode()
	require.NoError(t, err)
	// cbz at 4 jumps by 2 words, b at 8 jumps back by 2 words.
	require.Equal(t, []uint32{0xcb010000, 0xb4000040, 0x17fffffe, 0xa8c17bfd, 0xd65f03c0}, words(code))

	t.Run("unbound", func(t *testing.T) {
		m := newMachine()
		m.EmitJump(m.NewLabel())
		_, err := m.Encode()
		require.EqualError(t, err, "label L1 is not bound")
	})
	t.Run("reset", func(t *testing.T) {
		m.Reset()
		require.Equal(t, 0, m.Offset())
		require.Equal(t, backend.Label(1), m.NewLabel())
		require.Equal(t, "", m.Format())
	})
}

func TestMachine_calls(t *testing.T) {
	m := newMachine()
	m.EmitMove(x1, x1)
	require.Equal(t, 0, m.Offset())

	require.Equal(t, 0, m.EmitCallRelative())
	off, patched := m.EmitCallEntrypoint(0x108)
	require.True(t, patched)
	require.Equal(t, 4, off)
	m.EmitCallIndirect(x0, 16)
	require.Equal(t, 16, m.EmitLoadData(x2))
	m.EmitStoreStoreBarrier()
	m.EmitArrayGet(x3, x4, x5, 16)
	require.Equal(t, "bl <method>; bl <entrypoint 0x108>; ldr x16, [x0, #0x10]; blr x16; adrp x2, <data>; "+
		"ldr x2, [x2, <data>]; dmb ishst; add x3, x4, x5, lsl #3; ldr x3, [x3, #0x10]", formatEmittedInstructions(m))
	_, err := m.Encode()
	require.NoError(t, err)
}

func TestMachine_EmitLoad_outOfRange(t *testing.T) {
	m := newMachine()
	m.EmitLoad(x0, x1, 0x10001)
	m.EmitStoreStack(x0, 0x8000)
	_, err := m.Encode()
	require.EqualError(t, err, "load offset 0x10001 is out of range")
}

func TestMachine_PatchCall(t *testing.T) {
	m := newMachine()
	m.EmitLoadConstant(x0, 1)
	m.EmitLoadConstant(x1, 2)
	off := m.EmitCallRelative()
	code, err := m.Encode()
	require.NoError(t, err)

	require.NoError(t, m.PatchCall(code, off, 0x1000, 0x2000))
	require.Equal(t, uint32(0x940003fe), binary.LittleEndian.Uint32(code[off:]))

	require.NoError(t, m.PatchCall(code, off, 0x2000, 0x1000))
	require.Equal(t, uint32(0x97fffbfe), binary.LittleEndian.Uint32(code[off:]))

	require.EqualError(t, m.PatchCall(code, 0, 0x1000, 0x2000), "no bl at 0x0")
	require.EqualError(t, m.PatchCall(code, 12, 0x1000, 0x2000), "invalid literal offset 0xc")
	require.Error(t, m.PatchCall(code, off, 0, 1<<30))
}

func TestMachine_PatchDataLoad(t *testing.T) {
	m := newMachine()
	off := m.EmitLoadData(x0)
	code, err := m.Encode()
	require.NoError(t, err)

	require.NoError(t, m.PatchDataLoad(code, off, 0x10000, 0x23458))
	require.Equal(t, []uint32{0xf0000080, 0xf9422c00}, words(code))

	// Patching again only replaces the immediates.
	require.NoError(t, m.PatchDataLoad(code, off, 0x10000, 0x10008))
	require.Equal(t, []uint32{0x90000000, 0xf9400400}, words(code))

	require.EqualError(t, m.PatchDataLoad(code, off, 0x10000, 0x10004), "data at 0x10004 is not aligned")
}

func TestMachine_EntrypointThunk(t *testing.T) {
	m := newMachine()
	require.Equal(t, []uint32{0xf9408670, 0xd61f0200}, words(m.EntrypointThunk(0x108)))
}
