package backend

import (
	"github.com/aosp-leddaz/art/internal/engine/optimizing/linker"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/ssa"
)

// NewBackendCompiler returns a new Compiler that can generate a machine code.
//
// The type parameter T must be a type that implements Machine.
func NewBackendCompiler[T Machine](mach T, builder ssa.Builder, opts Options) Compiler {
	c := &compiler[T]{mach: mach, ssaBuilder: builder, regInfo: mach.RegisterInfo(), opts: opts}
	c.Reset()
	return c
}

// Options configures a Compiler.
type Options struct {
	// JIT is true if the code is installed in the code cache: strings are then loaded
	// from the JIT roots of the method instead of .bss entries.
	JIT     bool
	Offsets optimizingapi.OffsetData
}

// Compiler is the backend which lowers the state stored in ssa.Builder into the ISA-specific
// machine code. The phases must be called in order: PrepareForRegisterAllocation, ComputeLiveness,
// NewRegisterAllocator(...).AllocateRegisters, and Compile.
type Compiler interface {
	// ISA returns the instruction set of the Machine.
	ISA() optimizingapi.InstructionSet

	// PrepareForRegisterAllocation linearizes the blocks and assigns a virtual register to each value.
	PrepareForRegisterAllocation()

	// ComputeLiveness computes the live interval of each virtual register. Its transient data is
	// accounted in arena.
	ComputeLiveness(arena *optimizingapi.Arena)

	// NewRegisterAllocator returns the allocator implementing strategy.
	NewRegisterAllocator(arena *optimizingapi.Arena, strategy optimizingapi.RegisterAllocationStrategy) RegisterAllocator

	// Compile emits the machine code of the allocated graph.
	Compile() error

	// GenerateJniStub emits the stub calling the native code of m. It does not use the ssa.Builder.
	GenerateJniStub(m *optimizingapi.Method) error

	// Code returns the emitted machine code.
	Code() []byte

	// BuildStackMaps returns the encoded stack map table of the code.
	BuildStackMaps() []byte

	// CFI returns the DWARF call frame instructions of the code.
	CFI() []byte

	// EmitLinkerPatches returns the patches left unresolved in the code, in emission order.
	EmitLinkerPatches() []linker.LinkerPatch

	// JitRoots returns the string indexes referenced by the code when compiled for the JIT.
	JitRoots() []uint32

	// EmitJitRoots makes the code placed at codeAddr load the JIT roots from the table at rootsAddr.
	EmitJitRoots(code []byte, codeAddr, rootsAddr uint64) error

	// IsLeafMethod returns true if the code never calls.
	IsLeafMethod() bool

	// GetFrameSize returns the size of the frame below the saved frame pointer and return address.
	GetFrameSize() int

	// NeedsThunkCode returns true if p refers to shared thunk code.
	NeedsThunkCode(p linker.LinkerPatch) bool

	// EmitThunkCode returns the thunk referred to by p.
	EmitThunkCode(p linker.LinkerPatch) (code []byte, debugName string)

	// Patcher returns the linker.Patcher of the instruction set.
	Patcher() linker.Patcher

	// Format returns the text listing of the code.
	Format() string

	// Reset should be called to allow this Compiler to use for the next method.
	Reset()
}

// compiler is the backend which takes ssa.Builder and
// use the information there to emit the final machine code.
type compiler[T Machine] struct {
	mach       T
	ssaBuilder ssa.Builder
	regInfo    *RegisterInfo
	opts       Options

	// blocks are the valid blocks in the order the code is laid out.
	blocks []ssa.BasicBlock
	// blockLabels maps ssa.BasicBlockID to the Label of the block.
	blockLabels map[ssa.BasicBlockID]Label
	// nextVRegID is the next virtual register ID to be allocated.
	nextVRegID VRegID
	// ssaValuesToVRegs maps ssa.ValueID to VReg.
	ssaValuesToVRegs []VReg
	// ssaValueDefinitions maps VRegID to its definition.
	ssaValueDefinitions []SSAValueDefinition
	// positions are the linear positions of instructions. See numberInstructions.
	positions    map[*ssa.Instruction]int
	blockRanges  []positionRange
	callSites    []int
	maxCallArgs  int
	hasCalls     bool
	livenessDone bool

	intervals []liveInterval

	// locations maps VRegID to the home of the value after register allocation.
	locations       []Location
	allocated       bool
	spillSlots      int
	usedCalleeSaved []RealReg
	frame           frameLayout

	code           []byte
	patches        []linker.LinkerPatch
	jitRoots       []uint32
	jitRootPatches []jitRootPatch
	stackMaps      StackMapStream
	cfiEvents      []CFIEvent
	listing        string
}

type positionRange struct {
	start, end int
}

type jitRootPatch struct {
	literalOffset int
	root          int
}

// ISA implements Compiler.ISA.
func (c *compiler[T]) ISA() optimizingapi.InstructionSet {
	return c.mach.ISA()
}

// Code implements Compiler.Code.
func (c *compiler[T]) Code() []byte {
	return c.code
}

// EmitLinkerPatches implements Compiler.EmitLinkerPatches.
func (c *compiler[T]) EmitLinkerPatches() []linker.LinkerPatch {
	return c.patches
}

// JitRoots implements Compiler.JitRoots.
func (c *compiler[T]) JitRoots() []uint32 {
	return c.jitRoots
}

// EmitJitRoots implements Compiler.EmitJitRoots.
func (c *compiler[T]) EmitJitRoots(code []byte, codeAddr, rootsAddr uint64) error {
	ws := uint64(c.regInfo.WordSize)
	for _, p := range c.jitRootPatches {
		if err := c.mach.PatchDataLoad(code, p.literalOffset, codeAddr, rootsAddr+uint64(p.root)*ws); err != nil {
			return err
		}
	}
	return nil
}

// IsLeafMethod implements Compiler.IsLeafMethod.
func (c *compiler[T]) IsLeafMethod() bool {
	return !c.hasCalls
}

// GetFrameSize implements Compiler.GetFrameSize.
func (c *compiler[T]) GetFrameSize() int {
	return c.frame.size
}

// NeedsThunkCode implements Compiler.NeedsThunkCode.
func (c *compiler[T]) NeedsThunkCode(p linker.LinkerPatch) bool {
	return p.Type == linker.PatchCallEntrypoint
}

// EmitThunkCode implements Compiler.EmitThunkCode.
func (c *compiler[T]) EmitThunkCode(p linker.LinkerPatch) ([]byte, string) {
	if !c.NeedsThunkCode(p) {
		panic("BUG: no thunk for " + p.String())
	}
	name := "EntrypointCallThunk"
	if ep, ok := c.opts.Offsets.EntrypointAt(optimizingapi.Offset(p.TargetIndex)); ok {
		name += "_" + ep.String()
	}
	return c.mach.EntrypointThunk(p.TargetIndex), name
}

// Patcher implements Compiler.Patcher.
func (c *compiler[T]) Patcher() linker.Patcher {
	return c.mach
}

// Format implements Compiler.Format.
func (c *compiler[T]) Format() string {
	return c.listing
}

// allocateVReg allocates a new virtual register.
func (c *compiler[T]) allocateVReg() VReg {
	ret := VReg(c.nextVRegID)
	c.nextVRegID++
	return ret
}

// vRegOf returns the virtual register assigned to the SSA value v.
func (c *compiler[T]) vRegOf(v ssa.Value) VReg {
	return c.ssaValuesToVRegs[v.ID()]
}

// Reset implements Compiler.Reset.
func (c *compiler[T]) Reset() {
	for i := range c.ssaValuesToVRegs {
		c.ssaValuesToVRegs[i] = vRegInvalid
	}
	c.nextVRegID = 0
	c.blocks = c.blocks[:0]
	c.blockLabels = map[ssa.BasicBlockID]Label{}
	c.ssaValueDefinitions = c.ssaValueDefinitions[:0]
	c.positions = map[*ssa.Instruction]int{}
	c.blockRanges = c.blockRanges[:0]
	c.callSites = c.callSites[:0]
	c.maxCallArgs = 0
	c.hasCalls = false
	c.livenessDone = false
	c.intervals = c.intervals[:0]
	c.locations = c.locations[:0]
	c.allocated = false
	c.spillSlots = 0
	c.usedCalleeSaved = c.usedCalleeSaved[:0]
	c.frame = frameLayout{}
	c.code = nil
	c.patches = nil
	c.jitRoots = nil
	c.jitRootPatches = nil
	c.stackMaps.Reset()
	c.cfiEvents = nil
	c.listing = ""
	c.mach.Reset()
}
