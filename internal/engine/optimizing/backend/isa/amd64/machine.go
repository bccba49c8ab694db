package amd64

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/backend"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/ssa"
)

// machine implements backend.Machine for x86_64 and, with is64 unset, for x86.
type machine struct {
	is64    bool
	regInfo *backend.RegisterInfo
	instrs  []instruction
	// offset is the size of the code emitted so far.
	offset    int
	nextLabel backend.Label
	// labelOffsets maps the bound labels to their offsets.
	labelOffsets map[backend.Label]int
	// err is the first error found while emitting, reported by Encode.
	err error
}

const invalidLabel = backend.Label(0)

// NewBackend returns a new backend for x86_64.
func NewBackend() backend.Machine {
	return &machine{is64: true, regInfo: regInfo64, labelOffsets: make(map[backend.Label]int)}
}

// NewX86Backend returns a new backend for 32-bit x86.
func NewX86Backend() backend.Machine {
	return &machine{regInfo: regInfo32, labelOffsets: make(map[backend.Label]int)}
}

// ISA implements backend.Machine.
func (m *machine) ISA() optimizingapi.InstructionSet {
	if m.is64 {
		return optimizingapi.InstructionSetX86_64
	}
	return optimizingapi.InstructionSetX86
}

// RegisterInfo implements backend.Machine.
func (m *machine) RegisterInfo() *backend.RegisterInfo {
	return m.regInfo
}

// Reset implements backend.Machine.
func (m *machine) Reset() {
	m.instrs = m.instrs[:0]
	m.offset = 0
	m.nextLabel = invalidLabel
	for l := range m.labelOffsets {
		delete(m.labelOffsets, l)
	}
	m.err = nil
}

// Offset implements backend.Machine.
func (m *machine) Offset() int {
	return m.offset
}

// NewLabel implements backend.Machine.
func (m *machine) NewLabel() backend.Label {
	m.nextLabel++
	return m.nextLabel
}

// Bind implements backend.Machine.
func (m *machine) Bind(l backend.Label) {
	if _, ok := m.labelOffsets[l]; ok {
		panic("BUG: label bound twice")
	}
	m.labelOffsets[l] = m.offset
	m.instrs = append(m.instrs, instruction{offset: m.offset, bind: l})
}

func (m *machine) name(r backend.RealReg) string {
	return m.regInfo.RealRegName(r)
}

// emit appends an instruction made of the concatenation of parts.
func (m *machine) emit(text string, parts ...[]byte) *instruction {
	var code []byte
	for _, p := range parts {
		code = append(code, p...)
	}
	m.instrs = append(m.instrs, instruction{text: text, code: code, offset: m.offset})
	m.offset += len(code)
	return &m.instrs[len(m.instrs)-1]
}

func (m *machine) setErr(err error) {
	if m.err == nil {
		m.err = err
	}
}

func imm32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

// EmitPrologue implements backend.Machine.
func (m *machine) EmitPrologue(frameSize int) []backend.CFIEvent {
	ws := m.regInfo.WordSize
	m.emit("push "+m.name(rbp), []byte{0x50 + hw(rbp)})
	events := []backend.CFIEvent{
		{PC: m.offset, Op: backend.CFIDefCFAOffset, Offset: 2 * ws},
		{PC: m.offset, Op: backend.CFIOffset, Reg: m.regInfo.DWARFRegister(rbp), Offset: -2 * ws},
	}
	m.EmitMove(rbp, rsp)
	if frameSize > 0 {
		m.adjustSP("sub", 5, frameSize)
		events = append(events, backend.CFIEvent{PC: m.offset, Op: backend.CFIDefCFAOffset, Offset: 2*ws + frameSize})
	}
	return events
}

// EmitEpilogue implements backend.Machine.
func (m *machine) EmitEpilogue(frameSize int) {
	if frameSize > 0 {
		m.adjustSP("add", 0, frameSize)
	}
	m.emit("pop "+m.name(rbp), []byte{0x58 + hw(rbp)})
	m.emit("ret", []byte{opcodeRet})
}

func (m *machine) adjustSP(op string, ext byte, size int) {
	text := fmt.Sprintf("%s %s, %#x", op, m.name(rsp), size)
	prefix := rex(m.is64, 0, 0, hw(rsp))
	if size < 128 {
		m.emit(text, prefix, []byte{0x83, modRM(3, ext, hw(rsp)), byte(size)})
	} else {
		m.emit(text, prefix, []byte{0x81, modRM(3, ext, hw(rsp))}, imm32(uint32(size)))
	}
}

// EmitLoadConstant implements backend.Machine.
func (m *machine) EmitLoadConstant(dst backend.RealReg, v uint64) {
	d := hw(dst)
	switch {
	case v <= math.MaxUint32:
		// Writing the 32-bit register clears the upper half.
		m.emit(fmt.Sprintf("mov %s, %#x", m.name(dst), v), rex(false, 0, 0, d), []byte{0xb8 + d&7}, imm32(uint32(v)))
	case int64(v) >= math.MinInt32 && int64(v) < 0:
		if !m.is64 {
			m.emit(fmt.Sprintf("mov %s, %#x", m.name(dst), int64(v)), []byte{0xb8 + d&7}, imm32(uint32(v)))
			return
		}
		m.emit(fmt.Sprintf("mov %s, %#x", m.name(dst), int64(v)), rex(true, 0, 0, d), []byte{0xc7, modRM(3, 0, d)}, imm32(uint32(v)))
	case m.is64:
		m.emit(fmt.Sprintf("movabs %s, %#x", m.name(dst), v), rex(true, 0, 0, d), []byte{0xb8 + d&7},
			binary.LittleEndian.AppendUint64(nil, v))
	default:
		m.setErr(errors.Errorf("constant %#x does not fit in a register", v))
	}
}

// EmitMove implements backend.Machine.
func (m *machine) EmitMove(dst, src backend.RealReg) {
	if dst == src {
		return
	}
	m.aluRR("mov", opcodeMovStore, dst, src)
}

// aluRR emits `op dst, src` in the `op r/m, r` form.
func (m *machine) aluRR(op string, opcode byte, dst, src backend.RealReg) {
	d, s := hw(dst), hw(src)
	m.emit(fmt.Sprintf("%s %s, %s", op, m.name(dst), m.name(src)), rex(m.is64, s, 0, d), []byte{opcode, modRM(3, s, d)})
}

// EmitBinary implements backend.Machine.
//
// x86 arithmetic is two-address, so x is first moved to dst unless dst already holds y.
func (m *machine) EmitBinary(op ssa.Opcode, dst, x, y backend.RealReg) {
	switch op {
	case ssa.OpcodeIshl:
		m.EmitMove(rcx, y)
		m.EmitMove(dst, x)
		d := hw(dst)
		m.emit(fmt.Sprintf("shl %s, cl", m.name(dst)), rex(m.is64, 0, 0, d), []byte{0xd3, modRM(3, 4, d)})
		return
	case ssa.OpcodeIsub:
		if dst == y && dst != x {
			d := hw(dst)
			m.emit("neg "+m.name(dst), rex(m.is64, 0, 0, d), []byte{0xf7, modRM(3, 3, d)})
			m.aluRR("add", 0x01, dst, x)
			return
		}
	default:
		if dst == y {
			x, y = y, x
		}
	}
	m.EmitMove(dst, x)
	switch op {
	case ssa.OpcodeIadd:
		m.aluRR("add", 0x01, dst, y)
	case ssa.OpcodeIsub:
		m.aluRR("sub", 0x29, dst, y)
	case ssa.OpcodeBand:
		m.aluRR("and", 0x21, dst, y)
	case ssa.OpcodeBor:
		m.aluRR("or", 0x09, dst, y)
	case ssa.OpcodeBxor:
		m.aluRR("xor", 0x31, dst, y)
	case ssa.OpcodeImul:
		d, s := hw(dst), hw(y)
		m.emit(fmt.Sprintf("imul %s, %s", m.name(dst), m.name(y)), rex(m.is64, d, 0, s), []byte{0x0f, 0xaf, modRM(3, d, s)})
	default:
		panic("BUG: not a binary opcode: " + op.String())
	}
}

// EmitLoad implements backend.Machine.
func (m *machine) EmitLoad(dst, base backend.RealReg, offset uint32) {
	m.load(dst, base, int64(offset))
}

// EmitStore implements backend.Machine.
func (m *machine) EmitStore(src, base backend.RealReg, offset uint32) {
	m.store(src, base, int64(offset))
}

// EmitLoadStack implements backend.Machine.
func (m *machine) EmitLoadStack(dst backend.RealReg, offset int) {
	m.load(dst, rsp, int64(offset))
}

// EmitStoreStack implements backend.Machine.
func (m *machine) EmitStoreStack(src backend.RealReg, offset int) {
	m.store(src, rsp, int64(offset))
}

func (m *machine) displacement(offset int64) int32 {
	if offset < math.MinInt32 || offset > math.MaxInt32 {
		m.setErr(errors.Errorf("memory offset %#x is out of range", offset))
	}
	return int32(offset)
}

func (m *machine) load(dst, base backend.RealReg, offset int64) {
	d, b := hw(dst), hw(base)
	m.emit(fmt.Sprintf("mov %s, %s", m.name(dst), formatMem(m.name(base), offset)),
		rex(m.is64, d, 0, b), []byte{opcodeMovLoad}, memOperand(d, b, m.displacement(offset)))
}

func (m *machine) store(src, base backend.RealReg, offset int64) {
	s, b := hw(src), hw(base)
	m.emit(fmt.Sprintf("mov %s, %s", formatMem(m.name(base), offset), m.name(src)),
		rex(m.is64, s, 0, b), []byte{opcodeMovStore}, memOperand(s, b, m.displacement(offset)))
}

// EmitArrayGet implements backend.Machine.
func (m *machine) EmitArrayGet(dst, array, index backend.RealReg, dataOffset uint32) {
	d, a, i := hw(dst), hw(array), hw(index)
	m.emit(fmt.Sprintf("mov %s, [%s+%s*8+%#x]", m.name(dst), m.name(array), m.name(index), dataOffset),
		rex(m.is64, d, i, a), []byte{opcodeMovLoad}, indexedOperand(d, a, i, m.displacement(int64(dataOffset))))
}

// EmitJump implements backend.Machine.
func (m *machine) EmitJump(l backend.Label) {
	m.emit(fmt.Sprintf("jmp L%d", l), []byte{opcodeJmpRel32}, imm32(0)).target = l
}

// EmitBranchIfZero implements backend.Machine.
func (m *machine) EmitBranchIfZero(r backend.RealReg, l backend.Label, zero bool) {
	m.aluRR("test", 0x85, r, r)
	if zero {
		m.emit(fmt.Sprintf("je L%d", l), []byte{0x0f, 0x84}, imm32(0)).target = l
	} else {
		m.emit(fmt.Sprintf("jne L%d", l), []byte{0x0f, 0x85}, imm32(0)).target = l
	}
}

// EmitCallRelative implements backend.Machine.
func (m *machine) EmitCallRelative() int {
	i := m.emit("call <method>", []byte{opcodeCallRel32}, imm32(0))
	return i.offset + 1
}

// EmitCallEntrypoint implements backend.Machine.
//
// The entrypoint is called through the segment register holding the Thread, so no patch is needed.
func (m *machine) EmitCallEntrypoint(threadOffset uint32) (int, bool) {
	if m.is64 {
		m.emit(fmt.Sprintf("call gs:[%#x]", threadOffset), []byte{0x65, 0xff, 0x14, 0x25}, imm32(threadOffset))
	} else {
		m.emit(fmt.Sprintf("call fs:[%#x]", threadOffset), []byte{0x64, 0xff, 0x15}, imm32(threadOffset))
	}
	return 0, false
}

// EmitCallIndirect implements backend.Machine.
func (m *machine) EmitCallIndirect(base backend.RealReg, offset uint32) {
	b := hw(base)
	m.emit("call "+formatMem(m.name(base), int64(offset)), rex(false, 0, 0, b), []byte{0xff},
		memOperand(2, b, m.displacement(int64(offset))))
}

// EmitLoadData implements backend.Machine.
//
// x86_64 loads pc-relatively, x86 from an absolute address. The patch is the trailing 32-bit field.
func (m *machine) EmitLoadData(dst backend.RealReg) int {
	d := hw(dst)
	var i *instruction
	if m.is64 {
		i = m.emit(fmt.Sprintf("mov %s, [rip+<data>]", m.name(dst)), rex(true, d, 0, 0), []byte{opcodeMovLoad, modRM(0, d, 5)}, imm32(0))
	} else {
		i = m.emit(fmt.Sprintf("mov %s, [<data>]", m.name(dst)), []byte{opcodeMovLoad, modRM(0, d, 5)}, imm32(0))
	}
	return i.offset + len(i.code) - 4
}

// EmitStoreStoreBarrier implements backend.Machine. Stores are not reordered with other stores on x86.
func (m *machine) EmitStoreStoreBarrier() {}

// Encode implements backend.Machine.
func (m *machine) Encode() ([]byte, error) {
	if m.err != nil {
		return nil, m.err
	}
	buf := make([]byte, 0, m.offset)
	for idx := range m.instrs {
		i := &m.instrs[idx]
		start := len(buf)
		buf = append(buf, i.code...)
		if i.target == invalidLabel {
			continue
		}
		target, ok := m.labelOffsets[i.target]
		if !ok {
			return nil, errors.Errorf("label L%d is not bound", i.target)
		}
		end := start + len(i.code)
		binary.LittleEndian.PutUint32(buf[end-4:], uint32(int32(target-end)))
	}
	return buf, nil
}

// Format implements backend.Machine.
func (m *machine) Format() string {
	var lines []string
	for idx := range m.instrs {
		i := &m.instrs[idx]
		if i.bind != invalidLabel {
			lines = append(lines, i.String())
		} else {
			lines = append(lines, "\t"+i.String())
		}
	}
	return strings.Join(lines, "\n")
}

// PatchCall implements backend.Machine.
func (m *machine) PatchCall(code []byte, literalOffset int, codeAddr, target uint64) error {
	if literalOffset < 1 || literalOffset+4 > len(code) || code[literalOffset-1] != opcodeCallRel32 {
		return errors.Errorf("no call at %#x", literalOffset)
	}
	return patchRel32(code, literalOffset, codeAddr, target)
}

// PatchDataLoad implements backend.Machine.
func (m *machine) PatchDataLoad(code []byte, literalOffset int, codeAddr, target uint64) error {
	if literalOffset < 2 || literalOffset+4 > len(code) || code[literalOffset-2] != opcodeMovLoad {
		return errors.Errorf("no load at %#x", literalOffset)
	}
	if m.is64 {
		return patchRel32(code, literalOffset, codeAddr, target)
	}
	if target > math.MaxUint32 {
		return errors.Errorf("data at %#x is out of the address space", target)
	}
	binary.LittleEndian.PutUint32(code[literalOffset:], uint32(target))
	return nil
}

// patchRel32 writes the displacement from the end of the 32-bit field at literalOffset to target.
func patchRel32(code []byte, literalOffset int, codeAddr, target uint64) error {
	disp := int64(target - (codeAddr + uint64(literalOffset) + 4))
	if disp < math.MinInt32 || disp > math.MaxInt32 {
		return errors.Errorf("target %#x is out of range of %#x", target, codeAddr+uint64(literalOffset))
	}
	binary.LittleEndian.PutUint32(code[literalOffset:], uint32(int32(disp)))
	return nil
}

// EntrypointThunk implements backend.Machine.
//
// Calls from the code go to the entrypoints directly, so the thunk only serves callers that
// need a pc-relative target, like JIT code calling methods that are not compiled yet.
func (m *machine) EntrypointThunk(threadOffset uint32) []byte {
	if m.is64 {
		return append([]byte{0x65, 0xff, 0x24, 0x25}, imm32(threadOffset)...)
	}
	return append([]byte{0x64, 0xff, 0x25}, imm32(threadOffset)...)
}

var _ backend.Machine = (*machine)(nil)
