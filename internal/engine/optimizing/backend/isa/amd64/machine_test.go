package amd64

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/backend"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/ssa"
)

func formatEmittedInstructions(m *machine) string {
	var strs []string
	for idx := range m.instrs {
		strs = append(strs, m.instrs[idx].String())
	}
	return strings.Join(strs, "; ")
}

func encoded(t *testing.T, m *machine) string {
	code, err := m.Encode()
	require.NoError(t, err)
	return hex.EncodeToString(code)
}

func TestMachine_frame(t *testing.T) {
	t.Run("x86_64", func(t *testing.T) {
		m := NewBackend().(*machine)
		require.Equal(t, optimizingapi.InstructionSetX86_64, m.ISA())
		events := m.EmitPrologue(32)
		m.EmitEpilogue(32)
		require.Equal(t, "push rbp; mov rbp, rsp; sub rsp, 0x20; add rsp, 0x20; pop rbp; ret", formatEmittedInstructions(m))
		require.Equal(t, "554889e54883ec204883c4205dc3", encoded(t, m))
		require.Equal(t, []backend.CFIEvent{
			{PC: 1, Op: backend.CFIDefCFAOffset, Offset: 16},
			{PC: 1, Op: backend.CFIOffset, Reg: 6, Offset: -16},
			{PC: 8, Op: backend.CFIDefCFAOffset, Offset: 48},
		}, events)
	})
	t.Run("x86", func(t *testing.T) {
		m := NewX86Backend().(*machine)
		require.Equal(t, optimizingapi.InstructionSetX86, m.ISA())
		events := m.EmitPrologue(16)
		require.Equal(t, "push ebp; mov ebp, esp; sub esp, 0x10", formatEmittedInstructions(m))
		require.Equal(t, "5589e583ec10", encoded(t, m))
		require.Equal(t, []backend.CFIEvent{
			{PC: 1, Op: backend.CFIDefCFAOffset, Offset: 8},
			{PC: 1, Op: backend.CFIOffset, Reg: 5, Offset: -8},
			{PC: 6, Op: backend.CFIDefCFAOffset, Offset: 24},
		}, events)
	})
	t.Run("large frame", func(t *testing.T) {
		m := NewBackend().(*machine)
		m.EmitPrologue(0x200)
		require.Equal(t, "554889e54881ec00020000", encoded(t, m))
	})
}

func TestMachine_EmitLoadConstant(t *testing.T) {
	for _, tc := range []struct {
		name    string
		dst     backend.RealReg
		v       uint64
		exp     string
		expCode string
	}{
		{name: "imm32", dst: rax, v: 42, exp: "mov rax, 0x2a", expCode: "b82a000000"},
		{name: "extended register", dst: r9, v: 42, exp: "mov r9, 0x2a", expCode: "41b92a000000"},
		{name: "sign extended", dst: rax, v: 0xffff_ffff_ffff_ffff, exp: "mov rax, -0x1", expCode: "48c7c0ffffffff"},
		{name: "imm64", dst: rdx, v: 0x1_0000_0000, exp: "movabs rdx, 0x100000000", expCode: "48ba0000000001000000"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := NewBackend().(*machine)
			m.EmitLoadConstant(tc.dst, tc.v)
			require.Equal(t, tc.exp, formatEmittedInstructions(m))
			require.Equal(t, tc.expCode, encoded(t, m))
		})
	}

	t.Run("x86", func(t *testing.T) {
		m := NewX86Backend().(*machine)
		m.EmitLoadConstant(rbx, 0xffff_ffff_ffff_fffe)
		require.Equal(t, "mov ebx, -0x2", formatEmittedInstructions(m))
		require.Equal(t, "bbfeffffff", encoded(t, m))

		m.EmitLoadConstant(rax, 0x1_0000_0000)
		_, err := m.Encode()
		require.EqualError(t, err, "constant 0x100000000 does not fit in a register")
	})
}

func TestMachine_EmitBinary(t *testing.T) {
	for _, tc := range []struct {
		name      string
		op        ssa.Opcode
		dst, x, y backend.RealReg
		exp       string
		expCode   string
	}{
		{name: "add", op: ssa.OpcodeIadd, dst: rax, x: rdi, y: rsi, exp: "mov rax, rdi; add rax, rsi", expCode: "4889f84801f0"},
		{name: "add into y", op: ssa.OpcodeIadd, dst: rsi, x: rdi, y: rsi, exp: "add rsi, rdi", expCode: "4801fe"},
		{name: "sub into y", op: ssa.OpcodeIsub, dst: rsi, x: rdi, y: rsi, exp: "neg rsi; add rsi, rdi", expCode: "48f7de4801fe"},
		{name: "sub self", op: ssa.OpcodeIsub, dst: rax, x: rax, y: rax, exp: "sub rax, rax", expCode: "4829c0"},
		{name: "imul", op: ssa.OpcodeImul, dst: rax, x: rax, y: r12, exp: "imul rax, r12", expCode: "490fafc4"},
		{name: "shl", op: ssa.OpcodeIshl, dst: rax, x: rdi, y: rsi, exp: "mov rcx, rsi; mov rax, rdi; shl rax, cl", expCode: "4889f14889f848d3e0"},
		{name: "xor", op: ssa.OpcodeBxor, dst: rbx, x: rbx, y: rdx, exp: "xor rbx, rdx", expCode: "4831d3"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := NewBackend().(*machine)
			m.EmitBinary(tc.op, tc.dst, tc.x, tc.y)
			require.Equal(t, tc.exp, formatEmittedInstructions(m))
			require.Equal(t, tc.expCode, encoded(t, m))
		})
	}
}

func TestMachine_memory(t *testing.T) {
	for _, tc := range []struct {
		name    string
		emit    func(m *machine)
		exp     string
		expCode string
	}{
		{name: "disp8", emit: func(m *machine) { m.EmitLoad(rax, rdi, 8) }, exp: "mov rax, [rdi+0x8]", expCode: "488b4708"},
		{name: "disp32", emit: func(m *machine) { m.EmitLoad(rax, rdi, 0x200) }, exp: "mov rax, [rdi+0x200]", expCode: "488b8700020000"},
		{name: "stack store", emit: func(m *machine) { m.EmitStoreStack(rbx, 0x10) }, exp: "mov [rsp+0x10], rbx", expCode: "48895c2410"},
		{name: "stack load", emit: func(m *machine) { m.EmitLoadStack(r8, 0) }, exp: "mov r8, [rsp]", expCode: "4c8b0424"},
		{name: "r13 base", emit: func(m *machine) { m.EmitLoad(rax, r13, 0) }, exp: "mov rax, [r13]", expCode: "498b4500"},
		{
			name: "array", emit: func(m *machine) { m.EmitArrayGet(rax, rdi, rsi, 16) },
			exp: "mov rax, [rdi+rsi*8+0x10]", expCode: "488b84f710000000",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := NewBackend().(*machine)
			tc.emit(m)
			require.Equal(t, tc.exp, formatEmittedInstructions(m))
			require.Equal(t, tc.expCode, encoded(t, m))
		})
	}
}

func TestMachine_labels(t *testing.T) {
	m := NewBackend().(*machine)
	top, exit := m.NewLabel(), m.NewLabel()
	m.Bind(top)
	m.EmitBranchIfZero(rax, exit, true)
	m.EmitJump(top)
	m.Bind(exit)
	m.EmitEpilogue(0)
	require.Equal(t, "L1:\n\ttest rax, rax\n\tje L2\n\tjmp L1\nL2:\n\tpop rbp\n\tret", m.Format())
	require.Equal(t, "4885c00f8405000000e9f2ffffff5dc3", encoded(t, m))

	m.Reset()
	require.Equal(t, 0, m.Offset())
	m.EmitBranchIfZero(rax, m.NewLabel(), false)
	_, err := m.Encode()
	require.EqualError(t, err, "label L1 is not bound")
}

func TestMachine_calls(t *testing.T) {
	m := NewBackend().(*machine)
	require.Equal(t, 1, m.EmitCallRelative())
	off, patched := m.EmitCallEntrypoint(0x108)
	require.False(t, patched)
	require.Equal(t, 0, off)
	m.EmitCallIndirect(rdi, 16)
	require.Equal(t, 19, m.EmitLoadData(rax))
	m.EmitStoreStoreBarrier()
	require.Equal(t, "call <method>; call gs:[0x108]; call [rdi+0x10]; mov rax, [rip+<data>]", formatEmittedInstructions(m))

	code, err := m.Encode()
	require.NoError(t, err)
	require.Equal(t, "e800000000"+"65ff142508010000"+"ff5710"+"488b0500000000", hex.EncodeToString(code))

	require.NoError(t, m.PatchCall(code, 1, 0x1000, 0x2000))
	require.Equal(t, "fb0f0000", hex.EncodeToString(code[1:5]))
	require.NoError(t, m.PatchDataLoad(code, 19, 0x1000, 0x3000))
	require.Equal(t, "e91f0000", hex.EncodeToString(code[19:23]))

	require.EqualError(t, m.PatchCall(code, 19, 0x1000, 0x2000), "no call at 0x13")
	require.EqualError(t, m.PatchDataLoad(code, 1, 0x1000, 0x2000), "no load at 0x1")
	require.Error(t, m.PatchCall(code, 1, 0, 1<<40))
	require.Equal(t, "65ff242508010000", hex.EncodeToString(m.EntrypointThunk(0x108)))
}

func TestMachine_x86(t *testing.T) {
	m := NewX86Backend().(*machine)
	m.EmitCallEntrypoint(0x108)
	off := m.EmitLoadData(rax)
	m.EmitLoadStack(rdx, 4)
	require.Equal(t, "call fs:[0x108]; mov eax, [<data>]; mov edx, [esp+0x4]", formatEmittedInstructions(m))
	code, err := m.Encode()
	require.NoError(t, err)
	require.Equal(t, "64ff1508010000"+"8b0500000000"+"8b542404", hex.EncodeToString(code))

	require.Equal(t, 9, off)
	require.NoError(t, m.PatchDataLoad(code, off, 0x1000, 0x12345678))
	require.Equal(t, "78563412", hex.EncodeToString(code[off:off+4]))
	require.Error(t, m.PatchDataLoad(code, off, 0x1000, 1<<33))
	require.Equal(t, "64ff2508010000", hex.EncodeToString(m.EntrypointThunk(0x108)))
}

func Test_regInfo(t *testing.T) {
	for _, ri := range []*backend.RegisterInfo{regInfo64, regInfo32} {
		for _, r := range ri.AllocatableRegisters {
			require.NotEqual(t, rcx, r)
			require.NotEqual(t, rsp, r)
			require.NotEqual(t, rbp, r)
			require.NotEqual(t, ri.Scratch[0], r)
			require.NotEqual(t, ri.Scratch[1], r)
		}
	}
	require.Equal(t, "r15", regName64(r15))
	require.Equal(t, "edi", regName32(rdi))
	require.Equal(t, "r9?", regName32(r8))
	require.Equal(t, 7, dwarfRegister64(rsp))
	require.Equal(t, 4, dwarfRegister32(rsp))
}
