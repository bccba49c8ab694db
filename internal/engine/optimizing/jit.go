package optimizing

import (
	"time"

	"github.com/golang/glog"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/backend"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/jit"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/linker"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/stats"
	"github.com/aosp-leddaz/art/internal/util/contract"
)

// CodeCache is the code cache JitCompile installs methods into. *jit.CodeCache implements it.
type CodeCache interface {
	Reserve(region *jit.Region, m *optimizingapi.Method, codeSize, stackMapSize, numRoots int) (*jit.Reservation, error)
	Commit(r *jit.Reservation, info jit.CommitInfo) bool
	Free(r *jit.Reservation)
	Lookup(methodIndex uint32) *jit.Entry
	AddMemoryUsage(m *optimizingapi.Method, bytes int)
}

var _ CodeCache = (*jit.CodeCache)(nil)

// JitCompile compiles m and installs its code in region of cache. It returns false if m is
// not compiled or its code cannot be installed, in which case nothing is published. logger
// may be nil.
func (c *OptimizingCompiler) JitCompile(cache CodeCache, region *jit.Region, m *optimizingapi.Method,
	kind optimizingapi.CompilationKind, logger *jit.Logger,
) bool {
	start := time.Now()
	defer warnIfSlow(m, start)
	arena := optimizingapi.NewArena()

	if m.IsNative() {
		// Debuggable runtimes call method entry and exit hooks, which critical native
		// stubs do not support: leave those methods to the generic trampoline.
		if c.runtime.IsJavaDebuggable() && m.IsCriticalNative() {
			return false
		}
		codegen := c.generateJniStub(m)
		if codegen == nil {
			return false
		}
		return c.commit(cache, region, arena, codegen, m, true, logger)
	}

	c.runtime.EnterNativeSafepoint()
	codegen := c.TryCompile(arena, m, kind)
	c.runtime.LeaveNativeSafepoint()
	if codegen == nil {
		return false
	}
	return c.commit(cache, region, arena, codegen, m, false, logger)
}

// commit runs the reserve, commit or free protocol for the code of codegen.
func (c *OptimizingCompiler) commit(cache CodeCache, region *jit.Region, arena *optimizingapi.Arena,
	codegen backend.Compiler, m *optimizingapi.Method, nativeStub bool, logger *jit.Logger,
) bool {
	layout := c.layoutJitCode(cache, codegen)
	stackMap := codegen.BuildStackMaps()
	rootIndexes := codegen.JitRoots()
	arena.Record(optimizingapi.ArenaAllocCodeBuffer, len(layout.code))
	arena.Record(optimizingapi.ArenaAllocStackMaps, len(stackMap))

	r, err := cache.Reserve(region, m, len(layout.code), len(stackMap), len(rootIndexes))
	if err != nil {
		stats.MaybeRecordStat(c.stats, stats.JitOutOfMemoryForCommit)
		return false
	}
	codeAddr := r.CodeAddress()

	if err := layout.link(codegen.Patcher(), codeAddr); err != nil {
		return c.abandon(cache, r, m, err)
	}
	if err := codegen.EmitJitRoots(layout.code, codeAddr, r.RootsAddress()); err != nil {
		return c.abandon(cache, r, m, err)
	}
	roots := make([]uint64, len(rootIndexes))
	for i, idx := range rootIndexes {
		roots[i] = c.runtime.ResolveString(idx)
	}

	name := m.String()
	if nativeStub {
		name = jit.JniTrampolineName
	}
	var debugInfo []byte
	// The debug info needs the final code address, only known once reserved.
	if c.opts.GenerateAnyDebugInfo() {
		debugInfo, err = jit.GenerateMiniDebugInfo(&jit.MethodDebugInfo{
			Name:        name,
			ISA:         codegen.ISA(),
			CodeAddress: codeAddr,
			CodeSize:    len(layout.code),
			FrameSize:   codegen.GetFrameSize(),
			CFI:         codegen.CFI(),
		})
		if err != nil {
			glog.Warningf("No debug info for %s: %v", m, err)
		}
	}

	if !cache.Commit(r, jit.CommitInfo{
		Code:       layout.code,
		FrameSize:  codegen.GetFrameSize(),
		StackMap:   stackMap,
		Roots:      roots,
		DebugInfo:  debugInfo,
		NativeStub: nativeStub,
	}) {
		cache.Free(r)
		stats.MaybeRecordStat(c.stats, stats.JitCommitFailed)
		return false
	}

	cache.AddMemoryUsage(m, arena.PeakBytesAllocated())
	if logger != nil {
		entry := &jit.Entry{Name: m.String(), CodeAddress: codeAddr, CodeSize: len(layout.code), NativeStub: nativeStub}
		if err := logger.WriteLog(entry); err != nil {
			glog.Warningf("%v", err)
		}
	}
	reportArenaUsage(arena, m)
	return true
}

// abandon frees r after a failure to link the code of m.
func (c *OptimizingCompiler) abandon(cache CodeCache, r *jit.Reservation, m *optimizingapi.Method, err error) bool {
	glog.Warningf("Linking the JIT code of %s failed: %v", m, err)
	cache.Free(r)
	stats.MaybeRecordStat(c.stats, stats.JitCommitFailed)
	return false
}

// jitCode is the code of a method laid out for the code cache: the code generated for the
// method followed by the thunks its calls go through.
type jitCode struct {
	code  []byte
	calls []jitCall
}

type jitCall struct {
	literalOffset int
	// target is the address of a committed callee, or zero for a call to the thunk at
	// thunkOffset.
	target      uint64
	thunkOffset int
}

// layoutJitCode appends to the code of codegen a copy of each thunk it needs. Calls to
// committed methods go straight to their code; calls to the others go through the
// resolution trampoline.
func (c *OptimizingCompiler) layoutJitCode(cache CodeCache, codegen backend.Compiler) *jitCode {
	isa := codegen.ISA()
	resolution := optimizingapi.NewOffsetData(isa).EntrypointOffset(optimizingapi.QuickResolutionTrampoline).U32()
	align := isa.CodeAlignment()

	code := append([]byte(nil), codegen.Code()...)
	patches := codegen.EmitLinkerPatches()
	thunks := map[linker.ThunkKey]int{}
	ret := &jitCode{}
	for _, p := range patches {
		call := jitCall{literalOffset: int(p.LiteralOffset)}
		switch p.Type {
		case linker.PatchCallRelative:
			if e := cache.Lookup(p.TargetIndex); e != nil {
				call.target = e.CodeAddress
				break
			}
			p = linker.CallEntrypointPatch(p.LiteralOffset, resolution)
			fallthrough
		case linker.PatchCallEntrypoint:
			off, ok := thunks[p.Key()]
			if !ok {
				thunk, _ := codegen.EmitThunkCode(p)
				off = alignUp(len(code), align)
				code = append(code, make([]byte, off-len(code))...)
				code = append(code, thunk...)
				thunks[p.Key()] = off
			}
			call.thunkOffset = off
		default:
			contract.Failf("unexpected %s patch in JIT code", p.Type)
		}
		ret.calls = append(ret.calls, call)
	}
	ret.code = code
	return ret
}

// link resolves the calls of the code installed at codeAddr.
func (j *jitCode) link(p linker.Patcher, codeAddr uint64) error {
	for _, call := range j.calls {
		target := call.target
		if target == 0 {
			target = codeAddr + uint64(call.thunkOffset)
		}
		if err := p.PatchCall(j.code, call.literalOffset, codeAddr, target); err != nil {
			return err
		}
	}
	return nil
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
