package optimizing

import (
	"time"

	"github.com/pkg/errors"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/backend"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/linker"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/ssa"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/stats"
	"github.com/aosp-leddaz/art/internal/util/contract"
)

// Compile compiles m ahead of time and records the artifact in the storage of the session. It
// returns nil if m is not compiled; the caller then falls back to interpreting it.
func (c *OptimizingCompiler) Compile(m *optimizingapi.Method) *linker.CompiledMethod {
	start := time.Now()
	defer warnIfSlow(m, start)

	arena := optimizingapi.NewArena()
	var cm *linker.CompiledMethod
	// Go native so that the compilation does not block the garbage collector.
	c.runtime.EnterNativeSafepoint()
	intrinsic := false
	codegen := c.tryCompileIntrinsicForAOT(arena, m)
	if codegen != nil {
		intrinsic = true
	} else {
		kind := optimizingapi.CompilationKindOptimized
		if c.opts.Baseline {
			kind = optimizingapi.CompilationKindBaseline
		}
		codegen = c.TryCompile(arena, m, kind)
	}
	c.runtime.LeaveNativeSafepoint()

	if codegen != nil {
		cm = c.Emit(arena, codegen, m)
		cm.Intrinsic = intrinsic
		c.storage.Add(cm)
		reportArenaUsage(arena, m)
	}

	if debugBuild && c.opts.CompileArtTest && optimizingapi.IsSupportedByOptimizing(c.opts.InstructionSet) {
		// Compiler tests mark the methods that must compile with "$opt$".
		if cm == nil && isOptTestMethod(m) {
			contract.Failf("Didn't compile %s", m)
		}
	}
	return cm
}

// tryCompileIntrinsicForAOT returns the intrinsic code of m when compiling the boot image,
// the only image whose intrinsics are compiled ahead of time.
func (c *OptimizingCompiler) tryCompileIntrinsicForAOT(arena *optimizingapi.Arena, m *optimizingapi.Method) backend.Compiler {
	if !c.opts.BootImage || !m.IsIntrinsic() {
		return nil
	}
	return c.TryCompileIntrinsic(arena, m)
}

// JniCompile compiles the native method m ahead of time: its intrinsic implementation in the
// boot image, the stub calling its native code otherwise.
func (c *OptimizingCompiler) JniCompile(m *optimizingapi.Method) *linker.CompiledMethod {
	contract.Requiref(m.IsNative(), "m", "%s is not native", m)
	arena := optimizingapi.NewArena()
	if codegen := c.tryCompileIntrinsicForAOT(arena, m); codegen != nil {
		cm := c.Emit(arena, codegen, m)
		cm.Intrinsic = true
		c.storage.Add(cm)
		return cm
	}

	codegen := c.generateJniStub(m)
	if codegen == nil {
		return nil
	}
	cm := c.Emit(arena, codegen, m)
	cm.NativeStub = true
	c.storage.Add(cm)
	return cm
}

// generateJniStub returns the code generator holding the JNI stub of m, or nil if the
// instruction set has no code generator.
func (c *OptimizingCompiler) generateJniStub(m *optimizingapi.Method) backend.Compiler {
	codegen := c.newCodegen(c.opts.InstructionSet, ssa.NewBuilder())
	if codegen == nil {
		stats.MaybeRecordStat(c.stats, stats.NotCompiledNoCodegen)
		return nil
	}
	if err := codegen.GenerateJniStub(m); err != nil {
		contract.Failf("JNI stub of %s: %v", m, err)
		return nil
	}
	stats.MaybeRecordStat(c.stats, stats.CompiledNativeStub)
	return codegen
}

// LinkImage links the methods compiled so far and their thunks into an image identified by
// the session ID.
func (c *OptimizingCompiler) LinkImage() (*linker.Image, error) {
	isa := c.opts.InstructionSet
	mach := newMachine(isa)
	if mach == nil {
		return nil, errors.Errorf("no code generator for %s", isa)
	}
	img, err := linker.Link(isa, c.storage.Methods(), c.storage.Thunks(), mach)
	if err != nil {
		return nil, err
	}
	img.BuildID = c.sessionID
	return img, nil
}
