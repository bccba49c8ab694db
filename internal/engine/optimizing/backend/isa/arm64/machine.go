package arm64

import (
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/backend"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/ssa"
)

type (
	// machine implements backend.Machine.
	machine struct {
		instrPool  optimizingapi.Pool[instruction]
		head, tail *instruction
		// offset is the size of the code emitted so far.
		offset    int
		nextLabel backend.Label
		// labelOffsets maps the bound labels to their offsets.
		labelOffsets map[backend.Label]int
		// err is the first error found while emitting, reported by Encode.
		err error
	}
)

const invalidLabel = backend.Label(0)

// NewBackend returns a new backend for arm64.
func NewBackend() backend.Machine {
	return &machine{
		instrPool:    optimizingapi.NewPool[instruction](nil),
		labelOffsets: make(map[backend.Label]int),
		nextLabel:    invalidLabel,
	}
}

// ISA implements backend.Machine.
func (m *machine) ISA() optimizingapi.InstructionSet {
	return optimizingapi.InstructionSetArm64
}

// RegisterInfo implements backend.Machine.
func (m *machine) RegisterInfo() *backend.RegisterInfo {
	return regInfo
}

// Reset implements backend.Machine.
func (m *machine) Reset() {
	m.instrPool.Reset()
	m.head, m.tail = nil, nil
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
	i := m.instrPool.Allocate()
	*i = instruction{offset: m.offset}
	i.asNop0(l)
	m.insert(i)
}

// allocateInstr appends a new one-word instruction at the current offset.
func (m *machine) allocateInstr() *instruction {
	i := m.instrPool.Allocate()
	*i = instruction{offset: m.offset}
	m.insert(i)
	m.offset += 4
	return i
}

func (m *machine) insert(i *instruction) {
	if m.tail == nil {
		m.head, m.tail = i, i
	} else {
		i.prev = m.tail
		m.tail.next = i
		m.tail = i
	}
}

func (m *machine) setErr(err error) {
	if m.err == nil {
		m.err = err
	}
}

// EmitPrologue implements backend.Machine.
func (m *machine) EmitPrologue(frameSize int) []backend.CFIEvent {
	m.allocateInstr().kind = pushFrame
	events := []backend.CFIEvent{
		{PC: m.offset, Op: backend.CFIDefCFAOffset, Offset: 16},
		{PC: m.offset, Op: backend.CFIOffset, Reg: dwarfRegister(fp), Offset: -16},
		{PC: m.offset, Op: backend.CFIOffset, Reg: dwarfRegister(lr), Offset: -8},
	}
	m.allocateInstr().kind = setFP
	if frameSize > 0 {
		m.adjustSP(true, frameSize)
		events = append(events, backend.CFIEvent{PC: m.offset, Op: backend.CFIDefCFAOffset, Offset: 16 + frameSize})
	}
	return events
}

// EmitEpilogue implements backend.Machine.
func (m *machine) EmitEpilogue(frameSize int) {
	if frameSize > 0 {
		m.adjustSP(false, frameSize)
	}
	m.allocateInstr().kind = popFrame
	m.allocateInstr().kind = ret
}

func (m *machine) adjustSP(sub bool, size int) {
	if size >= 1<<24 {
		m.setErr(errors.Errorf("frame size %#x is too large", size))
		return
	}
	if hi := size >> 12; hi != 0 {
		m.allocateInstr().asSPAdjust(sub, uint64(hi), true)
	}
	if lo := size & 0xfff; lo != 0 {
		m.allocateInstr().asSPAdjust(sub, uint64(lo), false)
	}
}

// EmitMove implements backend.Machine.
func (m *machine) EmitMove(dst, src backend.RealReg) {
	if dst == src {
		return
	}
	m.allocateInstr().asMove64(dst, src)
}

// EmitBinary implements backend.Machine.
func (m *machine) EmitBinary(op ssa.Opcode, dst, x, y backend.RealReg) {
	var a aluOp
	switch op {
	case ssa.OpcodeIadd:
		a = aluOpAdd
	case ssa.OpcodeIsub:
		a = aluOpSub
	case ssa.OpcodeImul:
		a = aluOpMul
	case ssa.OpcodeBand:
		a = aluOpAnd
	case ssa.OpcodeBor:
		a = aluOpOrr
	case ssa.OpcodeBxor:
		a = aluOpEor
	case ssa.OpcodeIshl:
		a = aluOpLsl
	default:
		panic("BUG: not a binary opcode: " + op.String())
	}
	m.allocateInstr().asALU(a, dst, x, y)
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
	m.load(dst, sp, int64(offset))
}

// EmitStoreStack implements backend.Machine.
func (m *machine) EmitStoreStack(src backend.RealReg, offset int) {
	m.store(src, sp, int64(offset))
}

func (m *machine) load(dst, base backend.RealReg, offset int64) {
	if !validMemoryOffset(offset) {
		m.setErr(errors.Errorf("load offset %#x is out of range", offset))
	}
	m.allocateInstr().asULoad64(dst, base, offset)
}

func (m *machine) store(src, base backend.RealReg, offset int64) {
	if !validMemoryOffset(offset) {
		m.setErr(errors.Errorf("store offset %#x is out of range", offset))
	}
	m.allocateInstr().asStore64(src, base, offset)
}

// EmitArrayGet implements backend.Machine.
func (m *machine) EmitArrayGet(dst, array, index backend.RealReg, dataOffset uint32) {
	m.allocateInstr().asAddShifted(dst, array, index, 3)
	m.load(dst, dst, int64(dataOffset))
}

// EmitJump implements backend.Machine.
func (m *machine) EmitJump(l backend.Label) {
	m.allocateInstr().asBr(l)
}

// EmitBranchIfZero implements backend.Machine.
func (m *machine) EmitBranchIfZero(r backend.RealReg, l backend.Label, zero bool) {
	m.allocateInstr().asCBZ(r, l, !zero)
}

// EmitCallRelative implements backend.Machine.
func (m *machine) EmitCallRelative() int {
	i := m.allocateInstr()
	i.asCall(0, false)
	return i.offset
}

// EmitCallEntrypoint implements backend.Machine.
//
// Entrypoint calls branch to a shared thunk loading the entrypoint from the Thread register,
// which keeps each call site a single instruction.
func (m *machine) EmitCallEntrypoint(threadOffset uint32) (int, bool) {
	i := m.allocateInstr()
	i.asCall(uint64(threadOffset), true)
	return i.offset, true
}

// EmitCallIndirect implements backend.Machine.
func (m *machine) EmitCallIndirect(base backend.RealReg, offset uint32) {
	m.load(ip0, base, int64(offset))
	m.allocateInstr().asCallReg(ip0)
}

// EmitLoadData implements backend.Machine.
func (m *machine) EmitLoadData(dst backend.RealReg) int {
	i := m.allocateInstr()
	i.asAdrp(dst)
	m.allocateInstr().asLoadPageOffset(dst)
	return i.offset
}

// EmitStoreStoreBarrier implements backend.Machine.
func (m *machine) EmitStoreStoreBarrier() {
	m.allocateInstr().kind = dmbIshSt
}

// Encode implements backend.Machine.
func (m *machine) Encode() ([]byte, error) {
	if m.err != nil {
		return nil, m.err
	}
	labelOffset := func(l backend.Label) (int, error) {
		off, ok := m.labelOffsets[l]
		if !ok {
			return 0, errors.Errorf("label L%d is not bound", l)
		}
		return off, nil
	}
	buf := make([]byte, 0, m.offset)
	for cur := m.head; cur != nil; cur = cur.next {
		if cur.kind == nop0 {
			continue
		}
		w, err := cur.encode(labelOffset)
		if err != nil {
			return nil, err
		}
		buf = binary.LittleEndian.AppendUint32(buf, w)
	}
	return buf, nil
}

// Format implements backend.Machine.
func (m *machine) Format() string {
	var lines []string
	for cur := m.head; cur != nil; cur = cur.next {
		if cur.kind == nop0 {
			lines = append(lines, cur.String())
		} else {
			lines = append(lines, "\t"+cur.String())
		}
	}
	return strings.Join(lines, "\n")
}

// PatchCall implements backend.Machine.
func (m *machine) PatchCall(code []byte, literalOffset int, codeAddr, target uint64) error {
	w, err := instructionAt(code, literalOffset)
	if err != nil {
		return err
	}
	if w&0xfc000000 != 0x94000000 {
		return errors.Errorf("no bl at %#x", literalOffset)
	}
	disp := int64(target - (codeAddr + uint64(literalOffset)))
	if disp%4 != 0 || !fitsSigned(disp/4, 26) {
		return errors.Errorf("call target %#x is out of range of %#x", target, codeAddr+uint64(literalOffset))
	}
	binary.LittleEndian.PutUint32(code[literalOffset:], 0x94000000|uint32(disp/4)&(1<<26-1))
	return nil
}

// PatchDataLoad implements backend.Machine.
func (m *machine) PatchDataLoad(code []byte, literalOffset int, codeAddr, target uint64) error {
	adrpWord, err := instructionAt(code, literalOffset)
	if err != nil {
		return err
	}
	ldrWord, err := instructionAt(code, literalOffset+4)
	if err != nil {
		return err
	}
	if adrpWord&0x9f000000 != 0x90000000 || ldrWord&0xffc00000 != 0xf9400000 {
		return errors.Errorf("no adrp and ldr at %#x", literalOffset)
	}
	if target%8 != 0 {
		return errors.Errorf("data at %#x is not aligned", target)
	}
	pages := int64(target>>12) - int64((codeAddr+uint64(literalOffset))>>12)
	if !fitsSigned(pages, 21) {
		return errors.Errorf("data at %#x is out of range of %#x", target, codeAddr+uint64(literalOffset))
	}
	immlo, immhi := uint32(pages)&0x3, (uint32(pages)>>2)&0x7ffff
	adrpWord = adrpWord&0x9f00001f | immlo<<29 | immhi<<5
	ldrWord = ldrWord&^(0xfff<<10) | uint32(target&0xfff)/8<<10
	binary.LittleEndian.PutUint32(code[literalOffset:], adrpWord)
	binary.LittleEndian.PutUint32(code[literalOffset+4:], ldrWord)
	return nil
}

func instructionAt(code []byte, offset int) (uint32, error) {
	if offset < 0 || offset+4 > len(code) || offset%4 != 0 {
		return 0, errors.Errorf("invalid literal offset %#x", offset)
	}
	return binary.LittleEndian.Uint32(code[offset:]), nil
}

// EntrypointThunk implements backend.Machine.
//
// The thunk is `ldr ip0, [tr, #offset]; br ip0`.
func (m *machine) EntrypointThunk(threadOffset uint32) []byte {
	ld := &instruction{}
	ld.asULoad64(ip0, tr, int64(threadOffset))
	jmp := &instruction{}
	jmp.asJmpReg(ip0)
	var buf []byte
	for _, i := range []*instruction{ld, jmp} {
		w, err := i.encode(nil)
		if err != nil {
			panic("BUG: " + err.Error())
		}
		buf = binary.LittleEndian.AppendUint32(buf, w)
	}
	return buf
}

var _ backend.Machine = (*machine)(nil)
