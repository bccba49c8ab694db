package optimizing

import (
	"unsafe"

	"github.com/golang/glog"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/backend"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/frontend"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/linker"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/passes"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/ssa"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/stats"
	"github.com/aosp-leddaz/art/internal/util/contract"
	"github.com/aosp-leddaz/art/internal/util/logging"
)

// Names of the phases run outside of the optimization pipeline, as they appear in the
// timings and the visualizer output.
const (
	builderPassName                      = "builder"
	prepareForRegisterAllocationPassName = "prepare_for_register_allocation"
	livenessPassName                     = "liveness"
	registerPassName                     = "register"
)

// TryCompile compiles the bytecode of m and returns the code generator holding the code, or
// nil if m is not compiled. The reason of a rejection is recorded in the stats.
func (c *OptimizingCompiler) TryCompile(arena *optimizingapi.Arena, m *optimizingapi.Method, kind optimizingapi.CompilationKind) backend.Compiler {
	stats.MaybeRecordStat(c.stats, stats.AttemptBytecodeCompilation)
	isa := c.opts.InstructionSet
	if !optimizingapi.IsSupportedByOptimizing(isa) {
		stats.MaybeRecordStat(c.stats, stats.NotCompiledUnsupportedIsa)
		return nil
	}
	if isPathologicalCase(m) {
		stats.MaybeRecordStat(c.stats, stats.NotCompiledPathological)
		return nil
	}
	// Implementation of the space filter: do not compile a code item whose size in
	// code units is bigger than 128.
	if c.opts.CompilerFilter == optimizingapi.CompilerFilterSpace && m.InsnsSizeInCodeUnits() > spaceFilterThreshold {
		stats.MaybeRecordStat(c.stats, stats.NotCompiledSpaceFilter)
		return nil
	}

	graph := ssa.NewBuilder()
	codegen := c.newCodegen(isa, graph)
	if codegen == nil {
		stats.MaybeRecordStat(c.stats, stats.NotCompiledNoCodegen)
		return nil
	}
	arena.Record(optimizingapi.ArenaAllocGraph, int(unsafe.Sizeof(*m))+m.InsnsSizeInCodeUnits()*2)

	observer := c.newPassObserver(graph, codegen, m)
	defer observer.Close()

	logging.V(5).Infof("Building %s", observer.MethodName())
	if !c.buildGraph(graph, observer, m, kind) {
		return nil
	}
	arena.Record(optimizingapi.ArenaAllocInstruction, graph.Size()*int(unsafe.Sizeof(ssa.Instruction{})))

	if kind == optimizingapi.CompilationKindBaseline {
		c.runBaselineOptimizations(graph, observer)
	} else {
		c.runOptimizations(graph, observer)
	}
	allocateRegisters(codegen, observer, arena, c.opts.RegisterAllocationStrategy)

	if err := codegen.Compile(); err != nil {
		glog.Warningf("Code generation of %s failed: %v", observer.MethodName(), err)
		stats.MaybeRecordStat(c.stats, stats.NotCompiledNoCodegen)
		return nil
	}
	observer.DumpDisassembly()

	stats.MaybeRecordStat(c.stats, stats.CompiledBytecode)
	return codegen
}

// buildGraph runs the frontend over m in the builder pass. On failure the graph is left in a
// bad state and the reason is recorded.
func (c *OptimizingCompiler) buildGraph(graph ssa.Builder, observer *PassObserver, m *optimizingapi.Method, kind optimizingapi.CompilationKind) bool {
	scope := NewPassScope(builderPassName, observer)
	defer scope.Close()

	fe := frontend.NewFrontendCompiler(graph)
	fe.Init(m, kind)
	result := fe.LowerToSSA()
	if result == frontend.AnalysisSuccess {
		return true
	}
	switch result {
	case frontend.AnalysisSkipped:
		stats.MaybeRecordStat(c.stats, stats.NotCompiledSkipped)
	case frontend.AnalysisInvalidBytecode:
		stats.MaybeRecordStat(c.stats, stats.NotCompiledInvalidBytecode)
	case frontend.AnalysisFailThrowCatchLoop:
		stats.MaybeRecordStat(c.stats, stats.NotCompiledThrowCatchLoop)
	case frontend.AnalysisFailAmbiguousArrayOp:
		stats.MaybeRecordStat(c.stats, stats.NotCompiledAmbiguousArrayOp)
	case frontend.AnalysisFailIrreducibleLoopAndStringInit:
		stats.MaybeRecordStat(c.stats, stats.NotCompiledIrreducibleLoopAndStringInit)
	case frontend.AnalysisFailPhiEquivalentInOsr:
		stats.MaybeRecordStat(c.stats, stats.NotCompiledPhiEquivalentInOsr)
	default:
		contract.Failf("unexpected analysis result %s", result)
	}
	logging.V(5).Infof("Not compiling %s: %s", m, result)
	observer.SetGraphInBadState()
	return false
}

// TryCompileIntrinsic compiles the intrinsic implementation of m. The intrinsic code must
// not call: it is installed in place of methods the runtime may call from anywhere.
func (c *OptimizingCompiler) TryCompileIntrinsic(arena *optimizingapi.Arena, m *optimizingapi.Method) backend.Compiler {
	stats.MaybeRecordStat(c.stats, stats.AttemptIntrinsicCompilation)
	isa := c.opts.InstructionSet
	if !optimizingapi.IsSupportedByOptimizing(isa) {
		stats.MaybeRecordStat(c.stats, stats.NotCompiledUnsupportedIsa)
		return nil
	}
	graph := ssa.NewBuilder()
	codegen := c.newCodegen(isa, graph)
	if codegen == nil {
		stats.MaybeRecordStat(c.stats, stats.NotCompiledNoCodegen)
		return nil
	}

	observer := c.newPassObserver(graph, codegen, m)
	defer observer.Close()

	if !c.buildIntrinsicGraph(graph, observer, m) {
		return nil
	}
	arena.Record(optimizingapi.ArenaAllocInstruction, graph.Size()*int(unsafe.Sizeof(ssa.Instruction{})))

	c.RunOptimizations(graph, observer, passes.IntrinsicOptimizations())
	c.runArchOptimizations(graph, observer)
	allocateRegisters(codegen, observer, arena, c.opts.RegisterAllocationStrategy)

	if !codegen.IsLeafMethod() {
		logging.V(3).Infof("Intrinsic method is not leaf: %s %s", m.Intrinsic, observer.MethodName())
		stats.MaybeRecordStat(c.stats, stats.NotCompiledIntrinsicNotLeaf)
		return nil
	}

	if err := codegen.Compile(); err != nil {
		glog.Warningf("Code generation of intrinsic %s failed: %v", observer.MethodName(), err)
		stats.MaybeRecordStat(c.stats, stats.NotCompiledNoCodegen)
		return nil
	}
	observer.DumpDisassembly()

	logging.V(3).Infof("Compiled intrinsic: %s %s", m.Intrinsic, observer.MethodName())
	stats.MaybeRecordStat(c.stats, stats.CompiledIntrinsic)
	return codegen
}

func (c *OptimizingCompiler) buildIntrinsicGraph(graph ssa.Builder, observer *PassObserver, m *optimizingapi.Method) bool {
	scope := NewPassScope(builderPassName, observer)
	defer scope.Close()
	if !frontend.BuildIntrinsicGraph(graph, m, optimizingapi.NewOffsetData(c.opts.InstructionSet)) {
		observer.SetGraphInBadState()
		return false
	}
	return true
}

// allocateRegisters runs the register allocation phases, each in its own PassScope. Liveness
// and the allocator use scoped arenas, released once the locations are assigned.
func allocateRegisters(codegen backend.Compiler, observer *PassObserver, arena *optimizingapi.Arena,
	strategy optimizingapi.RegisterAllocationStrategy,
) {
	{
		scope := NewPassScope(prepareForRegisterAllocationPassName, observer)
		codegen.PrepareForRegisterAllocation()
		scope.Close()
	}
	local := arena.Scope()
	defer local.Release()
	{
		scope := NewPassScope(livenessPassName, observer)
		codegen.ComputeLiveness(local)
		scope.Close()
	}
	{
		scope := NewPassScope(registerPassName, observer)
		codegen.NewRegisterAllocator(local, strategy).AllocateRegisters()
		scope.Close()
	}
}

// Emit packages the code of codegen into the artifact of m, registering in the storage of the
// session the thunks its patches need.
func (c *OptimizingCompiler) Emit(arena *optimizingapi.Arena, codegen backend.Compiler, m *optimizingapi.Method) *linker.CompiledMethod {
	stackMap := codegen.BuildStackMaps()
	patches := codegen.EmitLinkerPatches()
	cm := linker.NewCompiledMethod(codegen.ISA(), m, codegen.Code(), stackMap, codegen.CFI(), codegen.GetFrameSize(), patches)
	if err := linker.VerifyPatchOrder(cm.Patches); err != nil {
		contract.Failf("%s: %v", m, err)
	}

	for _, p := range cm.Patches {
		if !codegen.NeedsThunkCode(p) {
			continue
		}
		if _, _, ok := c.storage.GetThunkCode(p); ok {
			continue
		}
		code, name := codegen.EmitThunkCode(p)
		c.storage.SetThunkCode(p, code, name)
	}

	arena.Record(optimizingapi.ArenaAllocCodeBuffer, len(cm.Code))
	arena.Record(optimizingapi.ArenaAllocStackMaps, len(stackMap))
	arena.Record(optimizingapi.ArenaAllocPatches, len(patches)*int(unsafe.Sizeof(linker.LinkerPatch{})))
	return cm
}
