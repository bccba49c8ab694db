package backend

import (
	"github.com/aosp-leddaz/art/internal/engine/optimizing/ssa"
)

// PrepareForRegisterAllocation implements Compiler.PrepareForRegisterAllocation.
func (c *compiler[T]) PrepareForRegisterAllocation() {
	builder := c.ssaBuilder
	builder.RunCFGAnalysis()
	c.blocks = c.blocks[:0]
	for blk := builder.BlockIteratorReversePostOrderBegin(); blk != nil; blk = builder.BlockIteratorReversePostOrderNext() {
		c.blocks = append(c.blocks, blk)
		c.blockLabels[blk.ID()] = c.mach.NewLabel()
	}
	c.assignVirtualRegisters()
	c.numberInstructions()
}

// assignVirtualRegisters assigns a virtual register to each ssa.ValueID Valid in the ssa.Builder.
func (c *compiler[T]) assignVirtualRegisters() {
	refCounts := c.ssaBuilder.ValueRefCounts()
	if len(refCounts) > len(c.ssaValuesToVRegs) {
		c.ssaValuesToVRegs = append(c.ssaValuesToVRegs, make([]VReg, len(refCounts)-len(c.ssaValuesToVRegs))...)
	}
	for i := range c.ssaValuesToVRegs {
		c.ssaValuesToVRegs[i] = vRegInvalid
	}

	for _, blk := range c.blocks {
		// First we assign a virtual register to each parameter.
		for i := 0; i < blk.Params(); i++ {
			p := blk.Param(i).ID()
			vr := c.allocateVReg()
			c.ssaValuesToVRegs[p] = vr
			c.ssaValueDefinitions = append(c.ssaValueDefinitions, SSAValueDefinition{
				BlkParamVReg: vr,
				Blk:          blk,
				N:            i,
				RefCount:     refCounts[p],
			})
		}

		// Assigns each value to a virtual register produced by instructions.
		for cur := blk.Root(); cur != nil; cur = cur.Next() {
			if r := cur.Return(); r.Valid() {
				c.ssaValuesToVRegs[r.ID()] = c.allocateVReg()
				c.ssaValueDefinitions = append(c.ssaValueDefinitions, SSAValueDefinition{
					Blk:      blk,
					Instr:    cur,
					RefCount: refCounts[r.ID()],
				})
			}
		}
	}
}

// numberInstructions gives every instruction an even position in the layout order. A block
// starts with a position of its own where its parameters are defined. Operands are read at the
// position of the instruction and its result is defined right after, so that the result may
// reuse the register of an operand whose life ends there.
func (c *compiler[T]) numberInstructions() {
	pos := 0
	for _, blk := range c.blocks {
		r := positionRange{start: pos}
		pos += 2
		for cur := blk.Root(); cur != nil; cur = cur.Next() {
			c.positions[cur] = pos
			if cur.IsCall() {
				c.hasCalls = true
				c.callSites = append(c.callSites, pos)
				if n := len(callArguments(cur)); n > c.maxCallArgs {
					c.maxCallArgs = n
				}
			}
			pos += 2
		}
		r.end = pos
		c.blockRanges = append(c.blockRanges, r)
	}
}

// callArguments returns the values passed in argument registers or stack slots by a call.
func callArguments(instr *ssa.Instruction) []ssa.Value {
	switch instr.Opcode() {
	case ssa.OpcodeCall, ssa.OpcodeCallRuntime:
		return instr.Args()
	case ssa.OpcodeThrow:
		return []ssa.Value{instr.Arg()}
	}
	return nil
}

// forEachUse calls fn for every value read by instr, including branch arguments.
func forEachUse(instr *ssa.Instruction, fn func(v ssa.Value)) {
	switch op := instr.Opcode(); {
	case op.IsBinary(), op == ssa.OpcodeStore, op == ssa.OpcodeArrayGet:
		x, y := instr.Arg2()
		fn(x)
		fn(y)
	case op == ssa.OpcodeLoad, op == ssa.OpcodeConstructorFence, op == ssa.OpcodeThrow:
		fn(instr.Arg())
	case op == ssa.OpcodeCall, op == ssa.OpcodeCallRuntime, op == ssa.OpcodeReturn, op == ssa.OpcodeJump:
		for _, v := range instr.Args() {
			fn(v)
		}
	case op == ssa.OpcodeBrz, op == ssa.OpcodeBrnz:
		cond, args, _ := instr.BranchData()
		fn(cond)
		for _, v := range args {
			fn(v)
		}
	}
}
