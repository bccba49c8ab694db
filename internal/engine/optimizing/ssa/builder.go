// Package ssa is used to construct the SSA method graph that the optimizing compiler
// transforms. By nature this is free of bytecode specific things and ISA.
package ssa

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
)

// Builder is used to builds SSA consisting of Basic Blocks per method.
type Builder interface {
	// Reset must be called to reuse this builder for the next method.
	Reset()

	// AllocateBasicBlock creates a basic block in SSA function.
	AllocateBasicBlock() BasicBlock

	// CurrentBlock returns the currently handled BasicBlock which is set by the latest call to SetCurrentBlock.
	CurrentBlock() BasicBlock

	// EntryBlock returns the entry BasicBlock of the currently-compiled method.
	EntryBlock() BasicBlock

	// SetCurrentBlock sets the instruction insertion target to the BasicBlock `b`.
	SetCurrentBlock(b BasicBlock)

	// DeclareVariable declares a Variable of the given Type.
	DeclareVariable(Type) Variable

	// DefineVariable defines a variable in the `block` with value.
	// The defining instruction will be inserted into the `block`.
	DefineVariable(variable Variable, value Value, block BasicBlock)

	// DefineVariableInCurrentBB is the same as DefineVariable except the definition is
	// inserted into the current BasicBlock. Alias to DefineVariable(x, y, CurrentBlock()).
	DefineVariableInCurrentBB(variable Variable, value Value)

	// AllocateInstruction returns a new Instruction.
	AllocateInstruction() *Instruction

	// InsertInstruction executes BasicBlock.InsertInstruction for the currently handled basic block.
	InsertInstruction(raw *Instruction)

	// MustFindValue searches the latest definition of the given Variable and returns the result.
	MustFindValue(variable Variable) Value

	// Seal declares that we've known all the predecessors to this block and were added via AddPred.
	// After calling this, AddPred will be forbidden.
	Seal(blk BasicBlock)

	// AnnotateValue is for debugging purpose.
	AnnotateValue(value Value, annotation string)

	// ValueDefinition returns the instruction defining v, or nil if v is a block parameter.
	ValueDefinition(v Value) *Instruction

	// ValueRefCounts returns the number of uses of each ValueID.
	ValueRefCounts() []int

	// Size returns the number of live instructions plus block parameters. This is the
	// size the Checker compares across passes that report no change.
	Size() int

	// Format returns the debugging string of the SSA function.
	Format() string

	// BlockIteratorBegin initializes the state to iterate over all the valid BasicBlock(s) compiled.
	// Combined with BlockIteratorNext, we can use this like:
	//
	// 	for blk := builder.BlockIteratorBegin(); blk != nil; blk = builder.BlockIteratorNext() {
	// 		// ...
	//	}
	//
	// The returned blocks are ordered in the order of AllocateBasicBlock being called.
	BlockIteratorBegin() BasicBlock

	// BlockIteratorNext advances the state for iteration initialized by BlockIteratorBegin.
	// Returns nil if there's no unseen BasicBlock.
	BlockIteratorNext() BasicBlock

	// BlockIteratorReversePostOrderBegin is almost the same as BlockIteratorBegin except it returns the BasicBlock in the reverse post-order.
	// This is available after RunCFGAnalysis is run.
	BlockIteratorReversePostOrderBegin() BasicBlock

	// BlockIteratorReversePostOrderNext is almost the same as BlockIteratorNext except it returns the BasicBlock in the reverse post-order.
	// This is available after RunCFGAnalysis is run.
	BlockIteratorReversePostOrderNext() BasicBlock

	// RunCFGAnalysis computes the reverse post order, the dominator tree and the loop headers.
	// Passes modifying the CFG invalidate the result, and the passes needing it call this lazily.
	RunCFGAnalysis()

	// IsDominatedBy returns true if `n` is dominated by `d`.
	IsDominatedBy(n, d BasicBlock) bool

	// Idom returns the immediate dominator of the given block.
	Idom(blk BasicBlock) BasicBlock

	// HasIrreducibleLoops returns true if some cycle of the CFG is entered through more than one block.
	HasIrreducibleLoops() bool

	// HasLoops returns true if the CFG has at least one back edge.
	HasLoops() bool

	// InductionVariables returns the basic induction variables found by PassInductionVarAnalysis.
	InductionVariables() []InductionVariable

	// SideEffectsOf returns the side effects of the block computed by PassSideEffectsAnalysis.
	SideEffectsOf(blk BasicBlock) SideEffect
}

// NewBuilder returns a new Builder implementation.
func NewBuilder() Builder {
	return &builder{
		instructionsPool: optimizingapi.NewPool[Instruction](resetInstruction),
		basicBlocksPool:  optimizingapi.NewPool[basicBlock](resetBasicBlock),
		valueAnnotations: make(map[ValueID]string),
		valueIDAliases:   make(map[ValueID]Value),
		blkVisited:       make(map[*basicBlock]int),
	}
}

// builder implements Builder interface.
//
// We use the algorithm described in the paper:
// "Simple and Efficient Construction of Static Single Assignment Form" https://link.springer.com/content/pdf/10.1007/978-3-642-37051-9_6.pdf
//
// with the stricter assumption that our input is always a "complete" CFG.
type builder struct {
	basicBlocksPool  optimizingapi.Pool[basicBlock]
	instructionsPool optimizingapi.Pool[Instruction]
	currentBB        *basicBlock

	// variables track the types for Variable with the index regarded Variable.
	variables []Type
	// nextValueID is used by builder.allocateValue.
	nextValueID ValueID
	// nextVariable is used by builder.allocateVariable.
	nextVariable Variable

	valueAnnotations map[ValueID]string
	// valueIDAliases contains src -> dst aliases which are introduced by optimizations
	// and resolved by resolveArgumentAlias.
	valueIDAliases map[ValueID]Value
	// valueIDToInstruction maps a value to the instruction that defines it. nil for block params.
	valueIDToInstruction []*Instruction
	// valueRefCounts is used by ValueRefCounts.
	valueRefCounts []int

	// dominators stores the immediate dominator of each BasicBlock.
	// The index is blockID of the BasicBlock.
	dominators []*basicBlock
	// reversePostOrderedBasicBlocks are the BasicBlock(s) ordered in the reverse post-order after RunCFGAnalysis.
	reversePostOrderedBasicBlocks []*basicBlock
	cfgValid                      bool
	irreducible, hasLoops         bool
	inductionVariables            []InductionVariable

	// blockIterCur is used to implement blockIteratorBegin and blockIteratorNext.
	blockIterCur int

	// Used for iterating over the blocks without allocation.
	blkVisited           map[*basicBlock]int
	blkStack, blkStack2  []*basicBlock
	instStack            []*Instruction
}

func resetInstruction(i *Instruction) {
	*i = Instruction{v: ValueInvalid, v2: ValueInvalid, rValue: ValueInvalid}
}

// Reset implements Builder.
func (b *builder) Reset() {
	b.instructionsPool.Reset()
	b.basicBlocksPool.Reset()
	b.currentBB = nil
	for i := Variable(0); i < b.nextVariable; i++ {
		b.variables[i] = TypeInvalid
	}
	b.nextVariable = 0
	b.nextValueID = 0
	for v := range b.valueAnnotations {
		delete(b.valueAnnotations, v)
	}
	for v := range b.valueIDAliases {
		delete(b.valueIDAliases, v)
	}
	b.valueIDToInstruction = b.valueIDToInstruction[:0]
	b.reversePostOrderedBasicBlocks = b.reversePostOrderedBasicBlocks[:0]
	b.cfgValid, b.irreducible, b.hasLoops = false, false, false
	b.inductionVariables = b.inductionVariables[:0]
	b.clearBlkVisited()
}

// AnnotateValue implements Builder.AnnotateValue.
func (b *builder) AnnotateValue(value Value, a string) {
	b.valueAnnotations[value.ID()] = a
}

// AllocateInstruction implements Builder.AllocateInstruction.
func (b *builder) AllocateInstruction() *Instruction {
	return b.instructionsPool.Allocate()
}

// AllocateBasicBlock implements Builder.AllocateBasicBlock.
func (b *builder) AllocateBasicBlock() BasicBlock {
	return b.allocateBasicBlock()
}

// allocateBasicBlock allocates a new basicBlock.
func (b *builder) allocateBasicBlock() *basicBlock {
	id := BasicBlockID(b.basicBlocksPool.Allocated())
	blk := b.basicBlocksPool.Allocate()
	blk.id = id
	b.cfgValid = false
	return blk
}

// InsertInstruction implements Builder.InsertInstruction.
func (b *builder) InsertInstruction(instr *Instruction) {
	b.currentBB.InsertInstruction(instr)
	if instr.producesValue() {
		instr.rValue = b.allocateValue(instr.typ)
		b.valueIDToInstruction[instr.rValue.ID()] = instr
	}
	if instr.IsBranching() {
		b.cfgValid = false
	}
}

// DefineVariable implements Builder.DefineVariable.
func (b *builder) DefineVariable(variable Variable, value Value, block BasicBlock) {
	if b.variables[variable] == TypeInvalid {
		panic("BUG: trying to define variable " + variable.String() + " but is not declared yet")
	}

	bb := block.(*basicBlock)
	bb.lastDefinitions[variable] = value
}

// DefineVariableInCurrentBB implements Builder.DefineVariableInCurrentBB.
func (b *builder) DefineVariableInCurrentBB(variable Variable, value Value) {
	b.DefineVariable(variable, value, b.currentBB)
}

// SetCurrentBlock implements Builder.SetCurrentBlock.
func (b *builder) SetCurrentBlock(bb BasicBlock) {
	b.currentBB = bb.(*basicBlock)
}

// CurrentBlock implements Builder.CurrentBlock.
func (b *builder) CurrentBlock() BasicBlock {
	return b.currentBB
}

// EntryBlock implements Builder.EntryBlock.
func (b *builder) EntryBlock() BasicBlock {
	return b.entryBlk()
}

// DeclareVariable implements Builder.DeclareVariable.
func (b *builder) DeclareVariable(typ Type) Variable {
	v := b.allocateVariable()
	iv := int(v)
	if l := len(b.variables); l <= iv {
		b.variables = append(b.variables, make([]Type, 2*(l+1))...)
	}
	b.variables[v] = typ
	return v
}

// allocateVariable allocates a new variable.
func (b *builder) allocateVariable() (ret Variable) {
	ret = b.nextVariable
	b.nextVariable++
	return
}

// allocateValue implements Builder.AllocateValue.
func (b *builder) allocateValue(typ Type) (v Value) {
	v = Value(b.nextValueID)
	v = v.setType(typ)
	b.nextValueID++
	b.valueIDToInstruction = append(b.valueIDToInstruction, nil)
	return
}

// ValueDefinition implements Builder.ValueDefinition.
func (b *builder) ValueDefinition(v Value) *Instruction {
	return b.valueIDToInstruction[v.ID()]
}

// MustFindValue implements Builder.MustFindValue.
func (b *builder) MustFindValue(variable Variable) Value {
	typ := b.definedVariableType(variable)
	return b.findValue(typ, variable, b.currentBB)
}

// findValue recursively tries to find the latest definition of a `variable`. The algorithm is described in
// the section 2 of the paper https://link.springer.com/content/pdf/10.1007/978-3-642-37051-9_6.pdf.
//
// TODO: reimplement this in iterative, not recursive, to avoid stack overflow.
func (b *builder) findValue(typ Type, variable Variable, blk *basicBlock) Value {
	if val, ok := blk.lastDefinitions[variable]; ok {
		// The value is already defined in this block!
		return val
	} else if !blk.sealed { // Incomplete CFG as in the paper.
		// If this is not sealed, that means it might have additional unknown predecessor later on.
		// So we temporarily define the placeholder value here (not add as a parameter yet!),
		// and record it as unknown.
		// The unknown values are resolved when we call seal this block via BasicBlock.Seal().
		value := b.allocateValue(typ)
		blk.lastDefinitions[variable] = value
		blk.unknownValues = append(blk.unknownValues, unknownValue{
			variable: variable,
			value:    value,
		})
		return value
	}

	if pred := blk.singlePred; pred != nil {
		// If this block is sealed and have only one predecessor,
		// we can use the value in that block without ambiguity on definition.
		return b.findValue(typ, variable, pred)
	} else if len(blk.preds) == 0 {
		panic("BUG: value is not defined for " + variable.String())
	}

	// If this block has multiple predecessors, we have to gather the definitions,
	// and treat them as an argument to this block.
	//
	// The first thing is to define a new parameter to this block which may or may not be redundant, but
	// later we eliminate trivial params in an optimization pass. This must be done before finding the
	// definitions in the predecessors so that we can break the cycle.
	paramValue := blk.AddParam(b, typ)
	b.DefineVariable(variable, paramValue, blk)

	// After the new param is added, we have to manipulate the original branching instructions
	// in predecessors so that they would pass the definition of `variable` as the argument to
	// the newly added PHI.
	for i := range blk.preds {
		pred := &blk.preds[i]
		value := b.findValue(typ, variable, pred.blk)
		pred.branch.addArgumentBranchInst(value)
	}
	return paramValue
}

// Seal implements Builder.Seal.
func (b *builder) Seal(raw BasicBlock) {
	blk := raw.(*basicBlock)
	if len(blk.preds) == 1 {
		blk.singlePred = blk.preds[0].blk
	}
	blk.sealed = true

	for _, v := range blk.unknownValues {
		variable, phiValue := v.variable, v.value
		typ := b.definedVariableType(variable)
		blk.addParamOn(typ, phiValue)
		for i := range blk.preds {
			pred := &blk.preds[i]
			predValue := b.findValue(typ, variable, pred.blk)
			if !predValue.Valid() {
				panic("BUG: value is not defined anywhere in the predecessors in the CFG")
			}
			pred.branch.addArgumentBranchInst(predValue)
		}
	}
}

// definedVariableType returns the type of the given variable. If the variable is not defined yet, it panics.
func (b *builder) definedVariableType(variable Variable) Type {
	typ := b.variables[variable]
	if typ == TypeInvalid {
		panic(fmt.Sprintf("%s is not defined yet", variable))
	}
	return typ
}

// Format implements Builder.Format.
func (b *builder) Format() string {
	str := strings.Builder{}
	usedSigs := b.usedAliases()
	if len(usedSigs) > 0 {
		str.WriteByte('\n')
		str.WriteString("aliases:\n")
		for _, line := range usedSigs {
			str.WriteByte('\t')
			str.WriteString(line)
			str.WriteByte('\n')
		}
	}

	for bb := b.blockIteratorBegin(); bb != nil; bb = b.blockIteratorNext() {
		str.WriteByte('\n')
		str.WriteString(bb.formatHeader(b))
		str.WriteByte('\n')

		for cur := bb.Root(); cur != nil; cur = cur.Next() {
			str.WriteByte('\t')
			str.WriteString(cur.Format(b))
			str.WriteByte('\n')
		}
	}
	return str.String()
}

func (b *builder) usedAliases() []string {
	if len(b.valueIDAliases) == 0 {
		return nil
	}
	var lines []string
	for src, dst := range b.valueIDAliases {
		lines = append(lines, fmt.Sprintf("v%d = %s", src, dst.Format(b)))
	}
	sort.Strings(lines)
	return lines
}

// BlockIteratorNext implements Builder.BlockIteratorNext.
func (b *builder) BlockIteratorNext() BasicBlock {
	if blk := b.blockIteratorNext(); blk == nil {
		return nil // BasicBlock((*basicBlock)(nil)) != BasicBlock(nil)
	} else {
		return blk
	}
}

// blockIteratorNext implements Builder.BlockIteratorNext.
func (b *builder) blockIteratorNext() *basicBlock {
	index := b.blockIterCur
	for {
		if index == b.basicBlocksPool.Allocated() {
			return nil
		}
		ret := b.basicBlocksPool.View(index)
		index++
		if !ret.invalid {
			b.blockIterCur = index
			return ret
		}
	}
}

// BlockIteratorBegin implements Builder.BlockIteratorBegin.
func (b *builder) BlockIteratorBegin() BasicBlock {
	return b.blockIteratorBegin()
}

// blockIteratorBegin implements Builder.BlockIteratorBegin.
func (b *builder) blockIteratorBegin() *basicBlock {
	b.blockIterCur = 0
	return b.blockIteratorNext()
}

// BlockIteratorReversePostOrderBegin implements Builder.BlockIteratorReversePostOrderBegin.
func (b *builder) BlockIteratorReversePostOrderBegin() BasicBlock {
	b.blockIterCur = 0
	return b.BlockIteratorReversePostOrderNext()
}

// BlockIteratorReversePostOrderNext implements Builder.BlockIteratorReversePostOrderNext.
func (b *builder) BlockIteratorReversePostOrderNext() BasicBlock {
	if b.blockIterCur >= len(b.reversePostOrderedBasicBlocks) {
		return nil
	}
	ret := b.reversePostOrderedBasicBlocks[b.blockIterCur]
	b.blockIterCur++
	return ret
}

// ValueRefCounts implements Builder.ValueRefCounts.
func (b *builder) ValueRefCounts() []int {
	b.computeValueRefCounts()
	return b.valueRefCounts
}

func (b *builder) computeValueRefCounts() {
	if cap(b.valueRefCounts) < int(b.nextValueID) {
		b.valueRefCounts = make([]int, b.nextValueID)
	}
	b.valueRefCounts = b.valueRefCounts[:b.nextValueID]
	for i := range b.valueRefCounts {
		b.valueRefCounts[i] = 0
	}
	for blk := b.blockIteratorBegin(); blk != nil; blk = b.blockIteratorNext() {
		for cur := blk.rootInstr; cur != nil; cur = cur.next {
			cur.forEachArg(func(v *Value) {
				b.valueRefCounts[v.ID()]++
			})
		}
	}
}

// Size implements Builder.Size.
func (b *builder) Size() (size int) {
	for blk := b.blockIteratorBegin(); blk != nil; blk = b.blockIteratorNext() {
		size += len(blk.params)
		for cur := blk.rootInstr; cur != nil; cur = cur.next {
			size++
		}
	}
	return
}

// alias records the alias of the given values. The alias(es) will be
// eliminated in resolveArgumentAlias.
func (b *builder) alias(dst, src Value) {
	b.valueIDAliases[dst.ID()] = src
}

// resolveArgumentAlias resolves the alias of the arguments of the given instruction.
func (b *builder) resolveArgumentAlias(instr *Instruction) {
	instr.forEachArg(func(v *Value) {
		*v = b.resolveAlias(*v)
	})
}

// resolveAlias resolves the alias of the given value.
func (b *builder) resolveAlias(v Value) Value {
	// Some aliases are chained, so we need to resolve them recursively.
	for {
		if src, ok := b.valueIDAliases[v.ID()]; ok {
			v = src
		} else {
			break
		}
	}
	return v
}

// resolveAllAliases rewrites every argument to its alias target, then forgets the aliases.
func (b *builder) resolveAllAliases() {
	if len(b.valueIDAliases) == 0 {
		return
	}
	for blk := b.blockIteratorBegin(); blk != nil; blk = b.blockIteratorNext() {
		for cur := blk.rootInstr; cur != nil; cur = cur.next {
			b.resolveArgumentAlias(cur)
		}
	}
	for v := range b.valueIDAliases {
		delete(b.valueIDAliases, v)
	}
}

// entryBlk returns the entry block of the function.
func (b *builder) entryBlk() *basicBlock {
	return b.basicBlocksPool.View(0)
}

// isDominatedBy returns true if the given block `n` is dominated by the given block `d`.
// Before calling this, the builder must pass by passCalculateImmediateDominators.
func (b *builder) isDominatedBy(n *basicBlock, d *basicBlock) bool {
	if len(b.dominators) == 0 {
		panic("BUG: passCalculateImmediateDominators must be called before calling isDominatedBy")
	}
	ent := b.entryBlk()
	doms := b.dominators
	for n != d && n != ent {
		n = doms[n.id]
		if n == nil {
			return false
		}
	}
	return n == d
}

// IsDominatedBy implements Builder.IsDominatedBy.
func (b *builder) IsDominatedBy(n, d BasicBlock) bool {
	b.ensureCFGAnalysis()
	return b.isDominatedBy(n.(*basicBlock), d.(*basicBlock))
}

// Idom implements Builder.Idom.
func (b *builder) Idom(blk BasicBlock) BasicBlock {
	b.ensureCFGAnalysis()
	if d := b.dominators[blk.ID()]; d != nil {
		return d
	}
	return nil
}

// HasIrreducibleLoops implements Builder.HasIrreducibleLoops.
func (b *builder) HasIrreducibleLoops() bool {
	b.ensureCFGAnalysis()
	return b.irreducible
}

// HasLoops implements Builder.HasLoops.
func (b *builder) HasLoops() bool {
	b.ensureCFGAnalysis()
	return b.hasLoops
}

// InductionVariables implements Builder.InductionVariables.
func (b *builder) InductionVariables() []InductionVariable {
	return b.inductionVariables
}

// SideEffectsOf implements Builder.SideEffectsOf.
func (b *builder) SideEffectsOf(blk BasicBlock) SideEffect {
	return blk.(*basicBlock).sideEffects
}

// RunCFGAnalysis implements Builder.RunCFGAnalysis.
func (b *builder) RunCFGAnalysis() {
	passCalculateImmediateDominators(b)
	b.cfgValid = true
}

func (b *builder) ensureCFGAnalysis() {
	if !b.cfgValid {
		b.RunCFGAnalysis()
	}
}

func (b *builder) clearBlkVisited() {
	b.blkStack2 = b.blkStack2[:0]
	for key := range b.blkVisited {
		b.blkStack2 = append(b.blkStack2, key)
	}
	for _, blk := range b.blkStack2 {
		delete(b.blkVisited, blk)
	}
	b.blkStack2 = b.blkStack2[:0]
}
