package ssa

// The passes in this file transform the graph in place. Each returns true if it changed
// the graph, which the pass observer relies on to validate the no-change claims.

// PassRedundantPhiElimination removes block parameters whose incoming arguments are either
// the parameter itself or one single other value. The builder runs it once the graph is complete.
func PassRedundantPhiElimination(bb Builder) (changed bool) {
	b := bb.(*builder)
	for {
		iterChanged := false
		for blk := b.blockIteratorBegin(); blk != nil; blk = b.blockIteratorNext() {
			if blk.EntryBlock() {
				// Entry block params are the method arguments.
				continue
			}
			for n := len(blk.params) - 1; n >= 0; n-- {
				phi := blk.params[n].value
				redundant := true
				same := ValueInvalid
				for i := range blk.preds {
					arg := b.resolveAlias(blk.preds[i].branch.vs[n])
					if arg == phi {
						continue
					}
					if same.Valid() && same != arg {
						redundant = false
						break
					}
					same = arg
				}
				if !redundant || !same.Valid() {
					continue
				}
				b.alias(phi, same)
				blk.removeParam(n)
				iterChanged = true
			}
		}
		if !iterChanged {
			break
		}
		changed = true
	}
	b.resolveAllAliases()
	return
}

// PassDeadCodeElimination invalidates the blocks unreachable from the entry, and removes the
// pure instructions whose results are never used.
func PassDeadCodeElimination(bb Builder) (changed bool) {
	b := bb.(*builder)
	if passEliminateUnreachableBlocks(b) {
		changed = true
	}

	refs := b.ValueRefCounts()
	liveInstrs := b.instStack[:0]
	for blk := b.blockIteratorBegin(); blk != nil; blk = b.blockIteratorNext() {
		for cur := blk.rootInstr; cur != nil; cur = cur.next {
			liveInstrs = append(liveInstrs, cur)
		}
	}
	// Visiting in the reverse order lets a removal free the operands of the same chain.
	for i := len(liveInstrs) - 1; i >= 0; i-- {
		instr := liveInstrs[i]
		if !instr.IsPure() || !instr.rValue.Valid() || refs[instr.rValue.ID()] > 0 {
			continue
		}
		instr.forEachArg(func(v *Value) {
			refs[v.ID()]--
		})
		instr.owner.removeInstruction(instr)
		changed = true
	}
	b.instStack = liveInstrs[:0]
	return
}

// passEliminateUnreachableBlocks sets the basicBlock.invalid flag of the blocks unreachable
// from the entry, and detaches them from their reachable successors.
func passEliminateUnreachableBlocks(b *builder) (changed bool) {
	b.clearBlkVisited()
	entryBlk := b.entryBlk()
	b.blkStack = append(b.blkStack[:0], entryBlk)
	for len(b.blkStack) > 0 {
		reachableBlk := b.blkStack[len(b.blkStack)-1]
		b.blkStack = b.blkStack[:len(b.blkStack)-1]
		b.blkVisited[reachableBlk] = 0

		for _, successor := range reachableBlk.success {
			if _, ok := b.blkVisited[successor]; ok {
				continue
			}
			b.blkStack = append(b.blkStack, successor)
		}
	}

	for i := 0; i < b.basicBlocksPool.Allocated(); i++ {
		blk := b.basicBlocksPool.View(i)
		if _, ok := b.blkVisited[blk]; ok || blk.invalid {
			continue
		}
		blk.invalid = true
		changed = true
		for cur := blk.rootInstr; cur != nil; cur = cur.next {
			if cur.IsBranching() {
				target := cur.blk.(*basicBlock)
				target.removePred(blk, cur)
			}
		}
	}
	if changed {
		b.cfgValid = false
	}
	b.clearBlkVisited()
	return
}

// PassConstantFolding evaluates the arithmetic over constants, and resolves the conditional
// branches whose condition is a constant.
func PassConstantFolding(bb Builder) (changed bool) {
	b := bb.(*builder)
	for blk := b.blockIteratorBegin(); blk != nil; blk = b.blockIteratorNext() {
		for cur := blk.rootInstr; cur != nil; {
			next := cur.next
			switch {
			case cur.opcode.IsBinary():
				x, y := b.constantOf(cur.v), b.constantOf(cur.v2)
				if x != nil && y != nil {
					foldBinary(cur, x.u64, y.u64)
					changed = true
				}
			case cur.opcode == OpcodeBrz || cur.opcode == OpcodeBrnz:
				if c := b.constantOf(cur.v); c != nil {
					taken := (c.u64 == 0) == (cur.opcode == OpcodeBrz)
					b.foldBranch(cur, taken)
					changed = true
					next = nil
				}
			}
			cur = next
		}
	}
	return
}

// constantOf returns the Iconst instruction defining v, or nil.
func (b *builder) constantOf(v Value) *Instruction {
	if !v.Valid() {
		return nil
	}
	def := b.valueIDToInstruction[v.ID()]
	if def == nil || def.removed || def.opcode != OpcodeIconst {
		return nil
	}
	return def
}

func foldBinary(instr *Instruction, x, y uint64) {
	var r uint64
	switch instr.opcode {
	case OpcodeIadd:
		r = x + y
	case OpcodeIsub:
		r = x - y
	case OpcodeImul:
		r = x * y
	case OpcodeBand:
		r = x & y
	case OpcodeBor:
		r = x | y
	case OpcodeBxor:
		r = x ^ y
	case OpcodeIshl:
		r = x << (y % uint64(instr.typ.Bits()))
	}
	if instr.typ == TypeI32 {
		instr.AsIconst32(uint32(r))
	} else {
		instr.AsIconst64(r)
	}
}

// foldBranch replaces the conditional branch `br`, always followed by a Jump, with the edge
// that is actually taken.
func (b *builder) foldBranch(br *Instruction, taken bool) {
	blk := br.owner
	jmp := br.next
	if taken {
		jmpTarget := jmp.blk.(*basicBlock)
		jmpTarget.removePred(blk, jmp)
		blk.removeInstruction(jmp)
		br.opcode = OpcodeJump
		br.v = ValueInvalid
	} else {
		target := br.blk.(*basicBlock)
		target.removePred(blk, br)
		blk.removeInstruction(br)
	}
	b.cfgValid = false
}

// PassSimplify applies algebraic identities, replacing the instructions computing a value
// that already exists. The aggressive variant additionally reduces multiplications by a
// power of two into shifts.
func PassSimplify(bb Builder, aggressive bool) (changed bool) {
	b := bb.(*builder)
	for blk := b.blockIteratorBegin(); blk != nil; blk = b.blockIteratorNext() {
		for cur := blk.rootInstr; cur != nil; {
			next := cur.next
			b.resolveArgumentAlias(cur)
			if cur.opcode.IsBinary() && b.simplifyBinary(cur, aggressive) {
				changed = true
			}
			cur = next
		}
	}
	b.resolveAllAliases()
	return
}

func (b *builder) simplifyBinary(instr *Instruction, aggressive bool) bool {
	x, y := instr.v, instr.v2
	cx, cy := b.constantOf(x), b.constantOf(y)
	if cx != nil && cy == nil && instr.opcode.IsCommutative() {
		x, y = y, x
		cx, cy = cy, cx
	}

	replaceWith := func(v Value) bool {
		b.alias(instr.rValue, v)
		instr.owner.removeInstruction(instr)
		return true
	}
	toConst := func(c uint64) bool {
		if instr.typ == TypeI32 {
			instr.AsIconst32(uint32(c))
		} else {
			instr.AsIconst64(c)
		}
		return true
	}

	if cy != nil {
		c := cy.u64
		if instr.typ == TypeI32 {
			c = uint64(uint32(c))
		}
		switch instr.opcode {
		case OpcodeIadd, OpcodeIsub, OpcodeBor, OpcodeBxor, OpcodeIshl:
			if c == 0 {
				return replaceWith(x)
			}
		case OpcodeImul:
			switch {
			case c == 0:
				return toConst(0)
			case c == 1:
				return replaceWith(x)
			case aggressive && c&(c-1) == 0:
				shift := b.AllocateInstruction()
				n := uint64(0)
				for ; c > 1; c >>= 1 {
					n++
				}
				if instr.typ == TypeI32 {
					shift.AsIconst32(uint32(n))
				} else {
					shift.AsIconst64(n)
				}
				instr.owner.insertBefore(shift, instr)
				shift.rValue = b.allocateValue(shift.typ)
				b.valueIDToInstruction[shift.rValue.ID()] = shift
				instr.opcode = OpcodeIshl
				instr.v, instr.v2 = x, shift.rValue
				return true
			}
		case OpcodeBand:
			if c == 0 {
				return toConst(0)
			}
		}
	}

	if x == y {
		switch instr.opcode {
		case OpcodeIsub, OpcodeBxor:
			return toConst(0)
		case OpcodeBand, OpcodeBor:
			return replaceWith(x)
		}
	}
	return false
}

// PassArchSimplify canonicalizes the commutative operations so that a constant operand comes
// second, where the code generators can encode it as an immediate.
func PassArchSimplify(bb Builder) (changed bool) {
	b := bb.(*builder)
	for blk := b.blockIteratorBegin(); blk != nil; blk = b.blockIteratorNext() {
		for cur := blk.rootInstr; cur != nil; cur = cur.next {
			if !cur.opcode.IsCommutative() {
				continue
			}
			if b.constantOf(cur.v) != nil && b.constantOf(cur.v2) == nil {
				cur.v, cur.v2 = cur.v2, cur.v
				changed = true
			}
		}
	}
	return
}

// PassSideEffectsAnalysis computes the side effects of each block. It only annotates the graph.
func PassSideEffectsAnalysis(bb Builder) bool {
	b := bb.(*builder)
	for blk := b.blockIteratorBegin(); blk != nil; blk = b.blockIteratorNext() {
		blk.sideEffects = SideEffectNone
		for cur := blk.rootInstr; cur != nil; cur = cur.next {
			blk.sideEffects |= cur.SideEffect()
		}
	}
	return true
}

type gvnKey struct {
	opcode Opcode
	typ    Type
	u64    uint64
	v, v2  Value
}

// PassGlobalValueNumbering replaces a pure instruction with an equivalent one that dominates it.
func PassGlobalValueNumbering(bb Builder) (changed bool) {
	b := bb.(*builder)
	b.RunCFGAnalysis()
	table := make(map[gvnKey][]*Instruction)
	for _, blk := range b.reversePostOrderedBasicBlocks {
		for cur := blk.rootInstr; cur != nil; {
			next := cur.next
			b.resolveArgumentAlias(cur)
			if !cur.IsPure() {
				cur = next
				continue
			}
			key := gvnKey{opcode: cur.opcode, typ: cur.typ, v: cur.v, v2: cur.v2}
			if cur.opcode == OpcodeIconst || cur.opcode == OpcodeLoadString {
				key.u64, key.v, key.v2 = cur.u64, ValueInvalid, ValueInvalid
			} else if cur.opcode.IsCommutative() && key.v > key.v2 {
				key.v, key.v2 = key.v2, key.v
			}

			var found *Instruction
			for _, candidate := range table[key] {
				if !candidate.removed && b.isDominatedBy(blk, candidate.owner) {
					found = candidate
					break
				}
			}
			if found != nil {
				b.alias(cur.rValue, found.rValue)
				blk.removeInstruction(cur)
				changed = true
			} else {
				table[key] = append(table[key], cur)
			}
			cur = next
		}
	}
	b.resolveAllAliases()
	return
}

// PassLICM moves the pure instructions of a loop whose operands are all defined outside
// of the loop into its preheader.
func PassLICM(bb Builder) (changed bool) {
	b := bb.(*builder)
	b.RunCFGAnalysis()
	if b.irreducible {
		return false
	}

	paramOwners := make(map[ValueID]*basicBlock)
	for _, blk := range b.reversePostOrderedBasicBlocks {
		for _, p := range blk.params {
			paramOwners[p.value.ID()] = blk
		}
	}
	definedIn := func(v Value) *basicBlock {
		if def := b.valueIDToInstruction[v.ID()]; def != nil {
			return def.owner
		}
		return paramOwners[v.ID()]
	}

	for _, header := range b.reversePostOrderedBasicBlocks {
		if !header.loopHeader {
			continue
		}
		pre := b.preheader(header)
		if pre == nil {
			continue
		}
		body := b.loopBody(header)
		for _, blk := range b.reversePostOrderedBasicBlocks {
			if _, ok := body[blk]; !ok {
				continue
			}
			for cur := blk.rootInstr; cur != nil; {
				next := cur.next
				if cur.IsPure() {
					invariant := true
					cur.forEachArg(func(v *Value) {
						if _, ok := body[definedIn(*v)]; ok {
							invariant = false
						}
					})
					if invariant {
						blk.removeInstruction(cur)
						cur.removed = false
						pre.insertBefore(cur, pre.currentInstr)
						changed = true
					}
				}
				cur = next
			}
		}
	}
	return
}

// InductionVariable is a loop header parameter incremented by a constant on every back edge.
type InductionVariable struct {
	Header BasicBlock
	Phi    Value
	// Init is the value flowing in from outside the loop.
	Init Value
	Step int64
}

// PassInductionVarAnalysis finds the basic induction variables of the loops. It only annotates the graph.
func PassInductionVarAnalysis(bb Builder) bool {
	b := bb.(*builder)
	b.RunCFGAnalysis()
	b.inductionVariables = b.inductionVariables[:0]
	for _, header := range b.reversePostOrderedBasicBlocks {
		if !header.loopHeader {
			continue
		}
	params:
		for n, p := range header.params {
			iv := InductionVariable{Header: header, Phi: p.value, Init: ValueInvalid}
			stepSet := false
			for i := range header.preds {
				pred := &header.preds[i]
				arg := pred.branch.vs[n]
				if !b.isDominatedBy(pred.blk, header) {
					if iv.Init.Valid() && iv.Init != arg {
						continue params
					}
					iv.Init = arg
					continue
				}
				def := b.valueIDToInstruction[arg.ID()]
				if def == nil || def.opcode != OpcodeIadd {
					continue params
				}
				var step *Instruction
				switch {
				case def.v == p.value:
					step = b.constantOf(def.v2)
				case def.v2 == p.value:
					step = b.constantOf(def.v)
				}
				if step == nil {
					continue params
				}
				s := int64(step.u64)
				if step.typ == TypeI32 {
					s = int64(int32(step.u64))
				}
				if stepSet && s != iv.Step {
					continue params
				}
				iv.Step, stepSet = s, true
			}
			if stepSet && iv.Init.Valid() {
				b.inductionVariables = append(b.inductionVariables, iv)
			}
		}
	}
	return true
}

type heapLocation struct {
	base   Value
	offset uint32
}

// PassLoadStoreElimination removes the loads of a field whose value is already known
// from an earlier load or store in the same block.
func PassLoadStoreElimination(bb Builder) (changed bool) {
	b := bb.(*builder)
	known := make(map[heapLocation]Value)
	for blk := b.blockIteratorBegin(); blk != nil; blk = b.blockIteratorNext() {
		for k := range known {
			delete(known, k)
		}
		for cur := blk.rootInstr; cur != nil; {
			next := cur.next
			b.resolveArgumentAlias(cur)
			switch cur.opcode {
			case OpcodeLoad:
				loc := heapLocation{base: cur.v, offset: cur.Offset()}
				if v, ok := known[loc]; ok && v.Type() == cur.typ {
					b.alias(cur.rValue, v)
					blk.removeInstruction(cur)
					changed = true
				} else {
					known[loc] = cur.rValue
				}
			case OpcodeStore:
				// Distinct bases may still be the same object.
				for loc := range known {
					if loc.offset == cur.Offset() {
						delete(known, loc)
					}
				}
				known[heapLocation{base: cur.v2, offset: cur.Offset()}] = cur.v
			default:
				if cur.SideEffect()&SideEffectCall != 0 {
					for k := range known {
						delete(known, k)
					}
				}
			}
			cur = next
		}
	}
	b.resolveAllAliases()
	return
}

// PassConstructorFenceElimination removes a constructor fence when a later fence of the same
// block covers the same object before it can escape.
func PassConstructorFenceElimination(bb Builder) (changed bool) {
	b := bb.(*builder)
	pending := make(map[Value]*Instruction)
	for blk := b.blockIteratorBegin(); blk != nil; blk = b.blockIteratorNext() {
		for k := range pending {
			delete(pending, k)
		}
		for cur := blk.rootInstr; cur != nil; cur = cur.next {
			switch cur.opcode {
			case OpcodeConstructorFence:
				if prev, ok := pending[cur.v]; ok {
					blk.removeInstruction(prev)
					changed = true
				}
				pending[cur.v] = cur
			case OpcodeStore, OpcodeLoad:
				// Accessing the fields of the object does not publish it, but storing it elsewhere does.
				if cur.opcode == OpcodeStore {
					delete(pending, cur.v)
				}
			case OpcodeCall, OpcodeCallRuntime, OpcodeThrow:
				for k := range pending {
					delete(pending, k)
				}
			default:
				cur.forEachArg(func(v *Value) {
					delete(pending, *v)
				})
			}
		}
	}
	return
}

// PassInlineConstantCalls replaces the calls to the methods that only return a constant
// with that constant. constantReturn reports the constant of a callee, if any.
func PassInlineConstantCalls(bb Builder, constantReturn func(methodIndex uint32) (uint64, bool)) (changed bool) {
	b := bb.(*builder)
	if constantReturn == nil {
		return false
	}
	for blk := b.blockIteratorBegin(); blk != nil; blk = b.blockIteratorNext() {
		for cur := blk.rootInstr; cur != nil; {
			next := cur.next
			if cur.opcode == OpcodeCall {
				if c, ok := constantReturn(cur.Index()); ok {
					switch cur.typ {
					case TypeInvalid:
						blk.removeInstruction(cur)
					case TypeI32:
						cur.AsIconst32(uint32(c))
					default:
						cur.AsIconst64(c)
					}
					changed = true
				}
			}
			cur = next
		}
	}
	return
}
