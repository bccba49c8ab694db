package ssa

import (
	"fmt"
	"strings"
)

// BasicBlock represents the Basic Block of an SSA function.
// In traditional SSA terminology, the block "params" here are called phi values,
// and there does not exist "params". However, for simplicity, we handle them as parameters to a BB.
type BasicBlock interface {
	// ID returns the unique ID of this block.
	ID() BasicBlockID

	// Name returns the unique string ID of this block. e.g. blk0, blk1, ...
	Name() string

	// AddParam adds the parameter to the block whose type specified by `t`.
	AddParam(b Builder, t Type) Value

	// Params returns the number of parameters to this block.
	Params() int

	// Param returns the Value which corresponds to the i-th parameter of this block.
	// The returned Value is the phi definition of a variable in this block.
	Param(i int) Value

	// InsertInstruction inserts an instruction that implements Value into the tail of this block.
	InsertInstruction(raw *Instruction)

	// Root returns the root instruction of this block.
	Root() *Instruction

	// Tail returns the last instruction of this block.
	Tail() *Instruction

	// EntryBlock returns true if this block represents the method entry.
	EntryBlock() bool

	// Preds returns the number of predecessors of this block.
	Preds() int

	// Pred returns the i-th predecessor of this block.
	Pred(i int) BasicBlock

	// Succs returns the number of successors of this block.
	Succs() int

	// Succ returns the i-th successor of this block.
	Succ(i int) BasicBlock

	// LoopHeader returns true if this block is a loop header.
	LoopHeader() bool

	// Valid is true if this block is still reachable after optimizations.
	Valid() bool
}

type (
	// basicBlock is a basic block in a SSA-transformed function.
	basicBlock struct {
		id                      BasicBlockID
		rootInstr, currentInstr *Instruction
		params                  []blockParam
		preds                   []basicBlockPredecessorInfo
		success                 []*basicBlock
		// singlePred is the alias to preds[0] for fast lookup, and only set after Seal is called.
		singlePred *basicBlock
		// lastDefinitions maps Variable to its last definition in this block.
		lastDefinitions map[Variable]Value
		// unknownsValues are used in builder.findValue. The usage is well-described in the paper.
		unknownValues []unknownValue
		// invalid is true if this block is made invalid during optimizations.
		invalid bool
		// sealed is true if this is sealed (all the predecessors are known).
		sealed bool
		// loopHeader is true if this block is a loop header:
		//
		// > A loop header (sometimes called the entry point of the loop) is a dominator that is the target
		// > of a loop-forming back edge. The loop header dominates all blocks in the loop body.
		// > A block may be a loop header for more than one loop. A loop may have multiple entry points,
		// > in which case it has no "loop header".
		//
		// See https://en.wikipedia.org/wiki/Control-flow_graph for more details.
		loopHeader bool
		// sideEffects is the union of the side effects of the instructions of this block,
		// computed by PassSideEffectsAnalysis.
		sideEffects SideEffect
	}
	// BasicBlockID is the unique ID of a basicBlock.
	BasicBlockID uint32

	// blockParam implements Value and represents a parameter to a basicBlock.
	blockParam struct {
		// value represents the very first value that defines .variable in this block,
		// and can be considered as phi instruction.
		value Value
		typ   Type
	}

	unknownValue struct {
		// variable is the variable that this unknownValue represents.
		variable Variable
		// value is the value that this unknownValue represents.
		value Value
	}

	basicBlockPredecessorInfo struct {
		blk    *basicBlock
		branch *Instruction
	}
)

// String implements fmt.Stringer for debugging.
func (bid BasicBlockID) String() string {
	return fmt.Sprintf("blk%d", bid)
}

// ID implements BasicBlock.
func (bb *basicBlock) ID() BasicBlockID {
	return bb.id
}

// Name implements BasicBlock.
func (bb *basicBlock) Name() string {
	return fmt.Sprintf("blk%d", bb.id)
}

// EntryBlock implements BasicBlock.
func (bb *basicBlock) EntryBlock() bool {
	return bb.id == 0
}

// AddParam implements BasicBlock.
func (bb *basicBlock) AddParam(b Builder, typ Type) Value {
	paramValue := b.(*builder).allocateValue(typ)
	bb.params = append(bb.params, blockParam{typ: typ, value: paramValue})
	return paramValue
}

// addParamOn adds a parameter to this block whose value is already allocated.
func (bb *basicBlock) addParamOn(typ Type, value Value) {
	bb.params = append(bb.params, blockParam{typ: typ, value: value})
}

// removeParam removes the n-th parameter, and the corresponding argument of every incoming branch.
func (bb *basicBlock) removeParam(n int) {
	copy(bb.params[n:], bb.params[n+1:])
	bb.params = bb.params[:len(bb.params)-1]
	for i := range bb.preds {
		bb.preds[i].branch.removeArgumentBranchInst(n)
	}
}

// Params implements BasicBlock.
func (bb *basicBlock) Params() int {
	return len(bb.params)
}

// Param implements BasicBlock.
func (bb *basicBlock) Param(i int) Value {
	return bb.params[i].value
}

// Valid implements BasicBlock.
func (bb *basicBlock) Valid() bool {
	return !bb.invalid
}

// InsertInstruction implements BasicBlock.
func (bb *basicBlock) InsertInstruction(next *Instruction) {
	current := bb.currentInstr
	if current != nil {
		current.next = next
		next.prev = current
	} else {
		bb.rootInstr = next
	}
	bb.currentInstr = next
	next.owner = bb

	switch next.opcode {
	case OpcodeJump, OpcodeBrz, OpcodeBrnz:
		target := next.blk.(*basicBlock)
		target.addPred(bb, next)
	}
}

// insertBefore inserts `instr` right before `at` which must belong to this block.
func (bb *basicBlock) insertBefore(instr, at *Instruction) {
	instr.owner = bb
	instr.next = at
	instr.prev = at.prev
	if at.prev != nil {
		at.prev.next = instr
	} else {
		bb.rootInstr = instr
	}
	at.prev = instr
}

// removeInstruction unlinks `instr` from this block. Predecessor bookkeeping
// of branches must be handled by the caller.
func (bb *basicBlock) removeInstruction(instr *Instruction) {
	if instr.prev != nil {
		instr.prev.next = instr.next
	} else {
		bb.rootInstr = instr.next
	}
	if instr.next != nil {
		instr.next.prev = instr.prev
	} else {
		bb.currentInstr = instr.prev
	}
	instr.prev, instr.next = nil, nil
	instr.removed = true
}

// Preds implements BasicBlock.
func (bb *basicBlock) Preds() int {
	return len(bb.preds)
}

// Pred implements BasicBlock.
func (bb *basicBlock) Pred(i int) BasicBlock {
	return bb.preds[i].blk
}

// Succs implements BasicBlock.
func (bb *basicBlock) Succs() int {
	return len(bb.success)
}

// Succ implements BasicBlock.
func (bb *basicBlock) Succ(i int) BasicBlock {
	return bb.success[i]
}

// Root implements BasicBlock.
func (bb *basicBlock) Root() *Instruction {
	return bb.rootInstr
}

// Tail implements BasicBlock.
func (bb *basicBlock) Tail() *Instruction {
	return bb.currentInstr
}

// LoopHeader implements BasicBlock.
func (bb *basicBlock) LoopHeader() bool {
	return bb.loopHeader
}

func resetBasicBlock(bb *basicBlock) {
	bb.params = bb.params[:0]
	bb.rootInstr, bb.currentInstr = nil, nil
	bb.preds = bb.preds[:0]
	bb.success = bb.success[:0]
	bb.invalid, bb.sealed = false, false
	bb.singlePred = nil
	bb.unknownValues = bb.unknownValues[:0]
	bb.lastDefinitions = make(map[Variable]Value)
	bb.loopHeader = false
	bb.sideEffects = SideEffectNone
}

// addPred adds a predecessor to this block specified by the branch instruction.
func (bb *basicBlock) addPred(blk BasicBlock, branch *Instruction) {
	if bb.sealed {
		panic("BUG: trying to add predecessor to a sealed block: " + bb.Name())
	}

	pred := blk.(*basicBlock)
	for i := range bb.preds {
		existingPred := &bb.preds[i]
		if existingPred.blk == pred && existingPred.branch != branch {
			// If the target is already added, then this must come from the same BrTable,
			// otherwise such redundant branch should be eliminated by the frontend. (which should be simpler).
			panic(fmt.Sprintf("BUG: redundant non BrTable jumps in %s whose targes are the same", bb.Name()))
		}
	}

	bb.preds = append(bb.preds, basicBlockPredecessorInfo{
		blk:    pred,
		branch: branch,
	})

	pred.success = append(pred.success, bb)
}

// removePred removes the edge coming from `pred` through `branch`. It returns the index of the removed edge.
func (bb *basicBlock) removePred(pred *basicBlock, branch *Instruction) int {
	for i := range bb.preds {
		if bb.preds[i].blk == pred && bb.preds[i].branch == branch {
			copy(bb.preds[i:], bb.preds[i+1:])
			bb.preds = bb.preds[:len(bb.preds)-1]
			for j, s := range pred.success {
				if s == bb {
					copy(pred.success[j:], pred.success[j+1:])
					pred.success = pred.success[:len(pred.success)-1]
					break
				}
			}
			if len(bb.preds) == 1 {
				bb.singlePred = bb.preds[0].blk
			} else {
				bb.singlePred = nil
			}
			return i
		}
	}
	panic("BUG: edge not found " + pred.Name() + " -> " + bb.Name())
}

// formatHeader returns the string representation of the header of the basicBlock.
func (bb *basicBlock) formatHeader(b Builder) string {
	ps := make([]string, len(bb.params))
	for i, p := range bb.params {
		ps[i] = p.value.formatWithType(b)
	}

	if len(bb.preds) > 0 {
		preds := make([]string, 0, len(bb.preds))
		for _, pred := range bb.preds {
			if pred.blk.invalid {
				continue
			}
			preds = append(preds, fmt.Sprintf("blk%d", pred.blk.id))
		}
		return fmt.Sprintf("blk%d: (%s) <-- (%s)",
			bb.id, strings.Join(ps, ", "), strings.Join(preds, ","))
	}
	return fmt.Sprintf("blk%d: (%s)", bb.id, strings.Join(ps, ", "))
}
