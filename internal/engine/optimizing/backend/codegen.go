package backend

import (
	"github.com/pkg/errors"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/linker"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/ssa"
)

// Compile implements Compiler.Compile.
func (c *compiler[T]) Compile() error {
	if !c.allocated {
		return errors.New("registers are not allocated")
	}
	m := c.mach
	c.stackMaps.BeginMethod(c.frame.size)
	c.cfiEvents = append(c.cfiEvents, m.EmitPrologue(c.frame.size)...)
	c.saveCalleeSaved()
	c.moveEntryParameters()

	for i, blk := range c.blocks {
		m.Bind(c.blockLabels[blk.ID()])
		for cur := blk.Root(); cur != nil; cur = cur.Next() {
			if err := c.lowerInstr(cur, i); err != nil {
				return err
			}
		}
	}
	return c.encode()
}

func (c *compiler[T]) encode() error {
	code, err := c.mach.Encode()
	if err != nil {
		return errors.Wrap(err, "encoding")
	}
	c.code = code
	c.listing = c.mach.Format()
	return nil
}

// BuildStackMaps implements Compiler.BuildStackMaps.
func (c *compiler[T]) BuildStackMaps() []byte {
	return c.stackMaps.Encode()
}

// CFI implements Compiler.CFI.
func (c *compiler[T]) CFI() []byte {
	return EncodeCFI(c.cfiEvents)
}

// cfaOffsetOf returns the offset from the CFA of the stack slot at sp+offset once the frame is set up.
func (c *compiler[T]) cfaOffsetOf(offset int) int {
	return offset - (c.frame.size + c.regInfo.IncomingArgsOffset)
}

func (c *compiler[T]) saveCalleeSaved() {
	ws := c.regInfo.WordSize
	for i, r := range c.usedCalleeSaved {
		off := c.frame.calleeSaveBase + i*ws
		c.mach.EmitStoreStack(r, off)
		c.cfiEvents = append(c.cfiEvents, CFIEvent{
			PC: c.mach.Offset(), Op: CFIOffset, Reg: c.regInfo.DWARFRegister(r), Offset: c.cfaOffsetOf(off),
		})
	}
}

func (c *compiler[T]) emitReturn() {
	ws := c.regInfo.WordSize
	c.cfiEvents = append(c.cfiEvents, CFIEvent{PC: c.mach.Offset(), Op: CFIRememberState})
	for i, r := range c.usedCalleeSaved {
		c.mach.EmitLoadStack(r, c.frame.calleeSaveBase+i*ws)
	}
	c.mach.EmitEpilogue(c.frame.size)
	c.cfiEvents = append(c.cfiEvents, CFIEvent{PC: c.mach.Offset(), Op: CFIRestoreState})
}

// incomingArgument returns where the caller passed the i-th argument.
func (c *compiler[T]) incomingArgument(i int) Location {
	ri := c.regInfo
	if i < len(ri.ArgumentRegisters) {
		return RegisterLocation(ri.ArgumentRegisters[i])
	}
	return StackLocation(c.frame.size + ri.IncomingArgsOffset + (i-len(ri.ArgumentRegisters))*ri.WordSize)
}

// outgoingArgument returns where the i-th argument of a call is passed.
func (c *compiler[T]) outgoingArgument(i int) Location {
	ri := c.regInfo
	if i < len(ri.ArgumentRegisters) {
		return RegisterLocation(ri.ArgumentRegisters[i])
	}
	return StackLocation((i - len(ri.ArgumentRegisters)) * ri.WordSize)
}

func (c *compiler[T]) moveEntryParameters() {
	if len(c.blocks) == 0 {
		return
	}
	entry := c.blocks[0]
	var moves []move
	for i := 0; i < entry.Params(); i++ {
		moves = append(moves, move{dst: c.valueLocation(entry.Param(i)), src: c.incomingArgument(i)})
	}
	c.emitParallelMoves(moves)
}

func (c *compiler[T]) valueLocation(v ssa.Value) Location {
	return c.locations[c.vRegOf(v).ID()]
}

// use returns a register holding v, loading it into scratch if v is spilled.
func (c *compiler[T]) use(v ssa.Value, scratch RealReg) RealReg {
	l := c.valueLocation(v)
	if l.IsRegister() {
		return l.Reg
	}
	c.mach.EmitLoadStack(scratch, l.Offset)
	return scratch
}

// def returns the register receiving v. If v is spilled it is the first scratch register,
// and endDef stores it to the stack slot.
func (c *compiler[T]) def(v ssa.Value) RealReg {
	if l := c.valueLocation(v); l.IsRegister() {
		return l.Reg
	}
	return c.regInfo.Scratch[0]
}

func (c *compiler[T]) endDef(v ssa.Value) {
	if l := c.valueLocation(v); l.IsStack() {
		c.mach.EmitStoreStack(c.regInfo.Scratch[0], l.Offset)
	}
}

func (c *compiler[T]) lowerInstr(instr *ssa.Instruction, blockIndex int) error {
	m := c.mach
	s0, s1 := c.regInfo.Scratch[0], c.regInfo.Scratch[1]
	switch op := instr.Opcode(); op {
	case ssa.OpcodeIconst:
		r := instr.Return()
		v := instr.ConstantVal()
		if instr.Type() == ssa.TypeI32 {
			v = uint64(uint32(v))
		}
		m.EmitLoadConstant(c.def(r), v)
		c.endDef(r)
	case ssa.OpcodeIadd, ssa.OpcodeIsub, ssa.OpcodeImul, ssa.OpcodeBand, ssa.OpcodeBor, ssa.OpcodeBxor, ssa.OpcodeIshl:
		x, y := instr.Arg2()
		r := instr.Return()
		m.EmitBinary(op, c.def(r), c.use(x, s0), c.use(y, s1))
		c.endDef(r)
	case ssa.OpcodeLoad:
		r := instr.Return()
		m.EmitLoad(c.def(r), c.use(instr.Arg(), s0), instr.Offset())
		c.endDef(r)
	case ssa.OpcodeStore:
		value, base := instr.Arg2()
		m.EmitStore(c.use(value, s0), c.use(base, s1), instr.Offset())
	case ssa.OpcodeArrayGet:
		array, index := instr.Arg2()
		r := instr.Return()
		m.EmitArrayGet(c.def(r), c.use(array, s0), c.use(index, s1), c.opts.Offsets.ArrayDataOffset.U32())
		c.endDef(r)
	case ssa.OpcodeLoadString:
		r := instr.Return()
		off := m.EmitLoadData(c.def(r))
		c.endDef(r)
		if c.opts.JIT {
			c.jitRootPatches = append(c.jitRootPatches, jitRootPatch{literalOffset: off, root: c.jitRoot(instr.Index())})
		} else {
			c.patches = append(c.patches, linker.StringBssEntryPatch(uint32(off), instr.Index()))
		}
	case ssa.OpcodeConstructorFence:
		m.EmitStoreStoreBarrier()
	case ssa.OpcodeCall:
		c.setupCallArguments(instr.Args())
		off := m.EmitCallRelative()
		c.patches = append(c.patches, linker.CallRelativePatch(uint32(off), instr.Index()))
		c.recordStackMap(instr)
		c.moveCallResult(instr)
	case ssa.OpcodeCallRuntime:
		c.setupCallArguments(instr.Args())
		c.callEntrypoint(optimizingapi.QuickEntrypoint(instr.Index()))
		c.recordStackMap(instr)
		c.moveCallResult(instr)
	case ssa.OpcodeThrow:
		c.setupCallArguments([]ssa.Value{instr.Arg()})
		c.callEntrypoint(optimizingapi.QuickDeliverException)
		c.recordStackMap(instr)
	case ssa.OpcodeReturn:
		if vs := instr.Args(); len(vs) > 0 {
			c.emitMove(RegisterLocation(c.regInfo.ReturnRegister), c.valueLocation(vs[0]), s1)
		}
		c.emitReturn()
	case ssa.OpcodeJump:
		_, args, target := instr.BranchData()
		c.emitBlockArguments(args, target)
		if blockIndex+1 >= len(c.blocks) || c.blocks[blockIndex+1].ID() != target.ID() {
			m.EmitJump(c.blockLabels[target.ID()])
		}
	case ssa.OpcodeBrz, ssa.OpcodeBrnz:
		cond, args, target := instr.BranchData()
		zero := op == ssa.OpcodeBrz
		r := c.use(cond, s0)
		if len(args) == 0 {
			m.EmitBranchIfZero(r, c.blockLabels[target.ID()], zero)
			break
		}
		skip := m.NewLabel()
		m.EmitBranchIfZero(r, skip, !zero)
		c.emitBlockArguments(args, target)
		m.EmitJump(c.blockLabels[target.ID()])
		m.Bind(skip)
	default:
		return errors.Errorf("unsupported instruction %s", op)
	}
	return nil
}

func (c *compiler[T]) jitRoot(stringIndex uint32) int {
	for i, idx := range c.jitRoots {
		if idx == stringIndex {
			return i
		}
	}
	c.jitRoots = append(c.jitRoots, stringIndex)
	return len(c.jitRoots) - 1
}

func (c *compiler[T]) emitBlockArguments(args []ssa.Value, target ssa.BasicBlock) {
	moves := make([]move, 0, len(args))
	for i, a := range args {
		moves = append(moves, move{dst: c.valueLocation(target.Param(i)), src: c.valueLocation(a)})
	}
	c.emitParallelMoves(moves)
}

func (c *compiler[T]) setupCallArguments(args []ssa.Value) {
	moves := make([]move, 0, len(args))
	for i, a := range args {
		moves = append(moves, move{dst: c.outgoingArgument(i), src: c.valueLocation(a)})
	}
	c.emitParallelMoves(moves)
}

func (c *compiler[T]) callEntrypoint(ep optimizingapi.QuickEntrypoint) {
	threadOffset := c.opts.Offsets.EntrypointOffset(ep).U32()
	if off, patched := c.mach.EmitCallEntrypoint(threadOffset); patched {
		c.patches = append(c.patches, linker.CallEntrypointPatch(uint32(off), threadOffset))
	}
}

func (c *compiler[T]) moveCallResult(instr *ssa.Instruction) {
	if r := instr.Return(); r.Valid() {
		c.emitMove(c.valueLocation(r), RegisterLocation(c.regInfo.ReturnRegister), c.regInfo.Scratch[1])
	}
}

// recordStackMap records the values live across the call instr right after it.
func (c *compiler[T]) recordStackMap(instr *ssa.Instruction) {
	pos := c.positions[instr]
	var regs uint64
	var slots []int
	for i := range c.intervals {
		iv := &c.intervals[i]
		if iv.start < 0 || !iv.liveAcross(pos) {
			continue
		}
		switch l := c.locations[i]; l.Kind {
		case LocationRegister:
			regs |= 1 << l.Reg
		case LocationStack:
			slots = append(slots, l.Offset/c.regInfo.WordSize)
		}
	}
	c.stackMaps.AddStackMap(uint32(c.mach.Offset()), uint32(instr.SourcePos()), regs, slots)
}
