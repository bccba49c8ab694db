package frontend

import (
	"github.com/aosp-leddaz/art/internal/engine/optimizing/ssa"
)

// lowerBody translates every reachable bytecode block of the verified method into the builder.
func (c *Compiler) lowerBody() AnalysisResult {
	builder := c.ssaBuilder
	info := c.info
	m := c.method

	entry := builder.AllocateBasicBlock()
	for r := 0; r < int(m.RegistersSize); r++ {
		c.vars = append(c.vars, builder.DeclareVariable(ssa.TypeI64))
	}
	// Incoming arguments live in the highest-numbered registers.
	for r := m.RegistersSize - m.InsSize; r < m.RegistersSize; r++ {
		p := entry.AddParam(builder, ssa.TypeI64)
		builder.DefineVariable(c.vars[r], p, entry)
	}
	builder.Seal(entry)

	for i := range info.blocks {
		switch {
		case !info.blocks[i].reachable:
			c.ssaBlocks = append(c.ssaBlocks, nil)
		case i == 0 && !info.firstIsTarget:
			c.ssaBlocks = append(c.ssaBlocks, entry)
		default:
			c.ssaBlocks = append(c.ssaBlocks, builder.AllocateBasicBlock())
		}
		c.seenPreds = append(c.seenPreds, 0)
	}

	builder.SetCurrentBlock(entry)
	if info.firstIsTarget {
		// The first instruction is a loop header, which the entry block must not be.
		c.jumpTo(0, 0)
	}

	for i := range info.blocks {
		blk := &info.blocks[i]
		if !blk.reachable {
			continue
		}
		builder.SetCurrentBlock(c.ssaBlocks[i])
		for idx := blk.start; idx < blk.end; idx++ {
			c.lowerInstruction(i, idx)
			if c.result != AnalysisSuccess {
				return c.result
			}
		}
		if last := &info.instrs[blk.end-1]; last.Opcode.continues() && !last.Opcode.branches() {
			c.jumpTo(i+1, last.PC+last.Size)
		}
	}
	return AnalysisSuccess
}

func (c *Compiler) lowerInstruction(blkIndex, idx int) {
	builder := c.ssaBuilder
	info := c.info
	in := &info.instrs[idx]
	pc := in.PC

	switch op := in.Opcode; op {
	case OpcodeNop:
	case OpcodeConst:
		instr := builder.AllocateInstruction().AsIconst64(uint64(in.Literal))
		c.insert(instr, pc)
		builder.DefineVariableInCurrentBB(c.vars[in.A], instr.Return())
	case OpcodeConstString:
		instr := builder.AllocateInstruction().AsLoadString(in.B)
		c.insert(instr, pc)
		builder.DefineVariableInCurrentBB(c.vars[in.A], instr.Return())
	case OpcodeMove:
		builder.DefineVariableInCurrentBB(c.vars[in.A], builder.MustFindValue(c.vars[in.B]))
	case OpcodeMoveResult:
		builder.DefineVariableInCurrentBB(c.vars[in.A], c.lastInvoke)
	case OpcodeAdd, OpcodeSub, OpcodeMul, OpcodeAnd, OpcodeOr, OpcodeXor, OpcodeShl:
		x, y := builder.MustFindValue(c.vars[in.B]), builder.MustFindValue(c.vars[in.C])
		instr := builder.AllocateInstruction().AsBinary(binaryOpcodes[op], x, y)
		c.insert(instr, pc)
		builder.DefineVariableInCurrentBB(c.vars[in.A], instr.Return())
	case OpcodeIget:
		base := builder.MustFindValue(c.vars[in.B])
		instr := builder.AllocateInstruction().AsLoad(base, in.C, ssa.TypeI64)
		c.insert(instr, pc)
		builder.DefineVariableInCurrentBB(c.vars[in.A], instr.Return())
	case OpcodeIput:
		value, base := builder.MustFindValue(c.vars[in.A]), builder.MustFindValue(c.vars[in.B])
		c.insert(builder.AllocateInstruction().AsStore(value, base, in.C), pc)
	case OpcodeAget:
		array, index := builder.MustFindValue(c.vars[in.B]), builder.MustFindValue(c.vars[in.C])
		if def := builder.ValueDefinition(array); def != nil && def.Opcode() == ssa.OpcodeIconst && def.ConstantVal() == 0 {
			// The element type of a null array cannot be inferred.
			c.result = AnalysisFailAmbiguousArrayOp
			return
		}
		instr := builder.AllocateInstruction().AsArrayGet(array, index)
		c.insert(instr, pc)
		builder.DefineVariableInCurrentBB(c.vars[in.A], instr.Return())
	case OpcodeInvoke, OpcodeInvokeStringInit:
		args := make([]ssa.Value, in.A)
		for i := range args {
			args[i] = builder.MustFindValue(c.vars[in.C+uint32(i)])
		}
		typ := ssa.TypeInvalid
		if op == OpcodeInvokeStringInit {
			typ = ssa.TypeI64
		} else if next := idx + 1; next < len(info.instrs) && info.instrs[next].Opcode == OpcodeMoveResult {
			typ = ssa.TypeI64
		}
		instr := builder.AllocateInstruction().AsCall(in.B, args, typ)
		c.insert(instr, pc)
		c.lastInvoke = instr.Return()
		if op == OpcodeInvokeStringInit {
			// The new string replaces the uninitialized receiver.
			builder.DefineVariableInCurrentBB(c.vars[in.C], instr.Return())
		}
	case OpcodeConstructorFence:
		c.insert(builder.AllocateInstruction().AsConstructorFence(builder.MustFindValue(c.vars[in.A])), pc)
	case OpcodeThrow:
		c.insert(builder.AllocateInstruction().AsThrow(builder.MustFindValue(c.vars[in.A])), pc)
	case OpcodeReturn:
		v := builder.MustFindValue(c.vars[in.A])
		c.insert(builder.AllocateInstruction().AsReturn([]ssa.Value{v}), pc)
	case OpcodeReturnVoid:
		c.insert(builder.AllocateInstruction().AsReturn(nil), pc)
	case OpcodeGoto:
		c.jumpTo(info.pcToBlock[in.Target()], pc)
	case OpcodeIfEqz, OpcodeIfNez:
		target, fall := info.pcToBlock[in.Target()], blkIndex+1
		if target == fall {
			c.jumpTo(target, pc)
			return
		}
		cond := builder.MustFindValue(c.vars[in.A])
		br := builder.AllocateInstruction()
		if op == OpcodeIfEqz {
			br.AsBrz(cond, nil, c.ssaBlocks[target])
		} else {
			br.AsBrnz(cond, nil, c.ssaBlocks[target])
		}
		c.insert(br, pc)
		c.addPred(target)
		c.jumpTo(fall, pc)
	default:
		panic("BUG: unverified opcode " + op.String())
	}
}

var binaryOpcodes = map[Opcode]ssa.Opcode{
	OpcodeAdd: ssa.OpcodeIadd,
	OpcodeSub: ssa.OpcodeIsub,
	OpcodeMul: ssa.OpcodeImul,
	OpcodeAnd: ssa.OpcodeBand,
	OpcodeOr:  ssa.OpcodeBor,
	OpcodeXor: ssa.OpcodeBxor,
	OpcodeShl: ssa.OpcodeIshl,
}

func (c *Compiler) insert(instr *ssa.Instruction, pc int) {
	instr.SetSourcePos(uint64(pc))
	c.ssaBuilder.InsertInstruction(instr)
}

// jumpTo inserts the unconditional branch to the bytecode block target.
func (c *Compiler) jumpTo(target, pc int) {
	jmp := c.ssaBuilder.AllocateInstruction().AsJump(nil, c.ssaBlocks[target])
	c.insert(jmp, pc)
	c.addPred(target)
}

// addPred records one more lowered edge into target, and seals target once all of them are known.
func (c *Compiler) addPred(target int) {
	c.seenPreds[target]++
	expected := c.info.blocks[target].preds
	if target == 0 && c.info.firstIsTarget {
		expected++
	}
	if c.seenPreds[target] == expected {
		c.ssaBuilder.Seal(c.ssaBlocks[target])
	}
}
