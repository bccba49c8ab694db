package ssa

import "fmt"

// Checker validates the structural invariants of a graph between passes.
type Checker struct {
	b    *builder
	errs []string
}

// NewChecker returns a Checker for the graph held by b.
func NewChecker(b Builder) *Checker {
	return &Checker{b: b.(*builder)}
}

// Errors returns the violations recorded so far.
func (c *Checker) Errors() []string {
	return c.errs
}

// IsValid returns true if no violation has been recorded.
func (c *Checker) IsValid() bool {
	return len(c.errs) == 0
}

func (c *Checker) addError(format string, args ...any) {
	c.errs = append(c.errs, fmt.Sprintf(format, args...))
}

// Run validates the graph and returns its current size. If passChanged is false and lastSize
// is known, the size must not have moved since the previous run.
func (c *Checker) Run(passChanged bool, lastSize int) int {
	b := c.b
	b.RunCFGAnalysis()

	paramOwners := make(map[ValueID]*basicBlock)
	for blk := b.blockIteratorBegin(); blk != nil; blk = b.blockIteratorNext() {
		for _, p := range blk.params {
			paramOwners[p.value.ID()] = blk
		}
	}

	for blk := b.blockIteratorBegin(); blk != nil; blk = b.blockIteratorNext() {
		c.checkBlock(blk, paramOwners)
	}

	size := b.Size()
	if !passChanged && lastSize != 0 && size != lastSize {
		c.addError("Incorrect no-change assertion: size %d -> %d", lastSize, size)
	}
	return size
}

func (c *Checker) checkBlock(blk *basicBlock, paramOwners map[ValueID]*basicBlock) {
	b := c.b
	if blk.EntryBlock() && len(blk.preds) > 0 {
		c.addError("entry block %s has predecessors", blk.Name())
	}
	if blk.rootInstr == nil {
		c.addError("%s is empty", blk.Name())
		return
	}
	if !blk.currentInstr.IsTerminator() {
		c.addError("%s does not end with a terminator: %s", blk.Name(), blk.currentInstr.opcode)
	}

	for i := range blk.preds {
		pred := blk.preds[i]
		if pred.blk.invalid {
			c.addError("%s has an invalid predecessor %s", blk.Name(), pred.blk.Name())
			continue
		}
		if pred.branch.owner != pred.blk || pred.branch.removed {
			c.addError("%s: the branch from %s is not in its block", blk.Name(), pred.blk.Name())
		}
		if len(pred.branch.vs) != len(blk.params) {
			c.addError("%s: %d arguments from %s for %d parameters", blk.Name(), len(pred.branch.vs), pred.blk.Name(), len(blk.params))
		}
		if !containsBlock(pred.blk.success, blk) {
			c.addError("%s is a predecessor of %s but not the other way around", pred.blk.Name(), blk.Name())
		}
	}
	for _, succ := range blk.success {
		found := false
		for i := range succ.preds {
			if succ.preds[i].blk == blk {
				found = true
				break
			}
		}
		if !found {
			c.addError("%s is a successor of %s but not the other way around", succ.Name(), blk.Name())
		}
	}

	var prev *Instruction
	reachable := b.dominators[blk.id] != nil
	for cur := blk.rootInstr; cur != nil; cur = cur.next {
		if cur.owner != blk {
			c.addError("%s: instruction %s belongs to another block", blk.Name(), cur.opcode)
		}
		if cur.prev != prev {
			c.addError("%s: broken instruction list at %s", blk.Name(), cur.opcode)
		}
		if cur.IsTerminator() && cur.next != nil {
			c.addError("%s: %s is followed by %s", blk.Name(), cur.opcode, cur.next.opcode)
		}
		if (cur.opcode == OpcodeBrz || cur.opcode == OpcodeBrnz) && (cur.next == nil || cur.next.opcode != OpcodeJump) {
			c.addError("%s: %s is not followed by a jump", blk.Name(), cur.opcode)
		}
		if cur.opcode.IsBinary() && cur.v.Type() != cur.v2.Type() {
			c.addError("%s: %s has operands of different types", blk.Name(), cur.opcode)
		}
		if reachable {
			cur.forEachArg(func(v *Value) {
				c.checkUse(blk, cur, *v, paramOwners)
			})
		}
		prev = cur
	}
	if prev != blk.currentInstr {
		c.addError("%s: tail is not the last instruction", blk.Name())
	}
}

// checkUse verifies that v is defined in a block dominating the use, and before it in the same block.
func (c *Checker) checkUse(blk *basicBlock, user *Instruction, v Value, paramOwners map[ValueID]*basicBlock) {
	b := c.b
	if !v.Valid() || int(v.ID()) >= len(b.valueIDToInstruction) {
		c.addError("%s: %s uses an unknown value", blk.Name(), user.opcode)
		return
	}
	if def := b.valueIDToInstruction[v.ID()]; def != nil {
		switch {
		case def.removed:
			c.addError("%s: %s uses v%d whose definition was removed", blk.Name(), user.opcode, v.ID())
		case def.owner == blk:
			for cur := def.next; ; cur = cur.next {
				if cur == nil {
					c.addError("%s: v%d is used before its definition", blk.Name(), v.ID())
					break
				} else if cur == user {
					break
				}
			}
		case !b.isDominatedBy(blk, def.owner):
			c.addError("%s: v%d defined in %s does not dominate its use", blk.Name(), v.ID(), def.owner.Name())
		}
		if def.rValue.Type() != v.Type() {
			c.addError("%s: v%d used as %s but defined as %s", blk.Name(), v.ID(), v.Type(), def.rValue.Type())
		}
		return
	}
	owner, ok := paramOwners[v.ID()]
	if !ok {
		c.addError("%s: %s uses v%d which has no definition", blk.Name(), user.opcode, v.ID())
	} else if !b.isDominatedBy(blk, owner) {
		c.addError("%s: parameter v%d of %s does not dominate its use", blk.Name(), v.ID(), owner.Name())
	}
}

func containsBlock(blks []*basicBlock, target *basicBlock) bool {
	for _, blk := range blks {
		if blk == target {
			return true
		}
	}
	return false
}
