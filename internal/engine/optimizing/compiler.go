// Package optimizing drives the compilation of methods: it builds the graph of a method, runs
// the optimization passes over it, allocates registers and generates code, and turns the code
// into an image artifact or an entry of the JIT code cache.
package optimizing

import (
	"bytes"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/aosp-leddaz/art/internal/config"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/frontend"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/linker"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/passes"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/stats"
)

const (
	// maximumCompilationTimeBeforeWarning is the compile time above which a method is reported.
	maximumCompilationTimeBeforeWarning = 100 * time.Millisecond
	// arenaAllocatorMemoryReportThreshold is the arena use above which a compilation is reported.
	arenaAllocatorMemoryReportThreshold = 8 << 20
	// spaceFilterThreshold is the largest method compiled under the space filter, in code units.
	spaceFilterThreshold = 128
	// pathologicalLimit bounds the code and frame sizes of the methods worth compiling.
	pathologicalLimit = 65535 / 4
)

// OptimizingCompiler is a compiler session. It is safe for concurrent use: each call compiles
// one method on the calling goroutine, sharing only the stats, the compiled method storage and
// the visualizer output of the session.
type OptimizingCompiler struct {
	opts     *config.CompilerOptions
	runtime  Runtime
	registry *passes.Registry
	// passesToRun replaces the optimization pipeline when not nil.
	passesToRun []passes.OptimizationDef

	stats            *stats.Stats
	storage          *linker.CompiledMethodStorage
	visualizerOutput *visualizerOutput
	sessionID        uuid.UUID
	tracer           opentracing.Tracer
}

// NewOptimizingCompiler returns a session compiling with opts. It fails if the cfg file cannot be
// opened or if the pass list of opts names an unknown pass.
func NewOptimizingCompiler(opts *config.CompilerOptions, runtime Runtime) (*OptimizingCompiler, error) {
	c := &OptimizingCompiler{
		opts:      opts,
		runtime:   runtime,
		registry:  passes.NewRegistry(),
		storage:   linker.NewCompiledMethodStorage(),
		sessionID: uuid.New(),
		tracer:    opentracing.GlobalTracer(),
	}
	if opts.PassesToRun != nil {
		defs, err := passes.OverrideOptimizations(opts.PassesToRun)
		if err != nil {
			return nil, errors.Wrap(err, "passes to run")
		}
		c.passesToRun = defs
	}
	if opts.DumpStats {
		c.stats = stats.New()
	}
	if opts.DumpCfgFileName != "" {
		out, err := openVisualizerOutput(opts.DumpCfgFileName, opts.DumpCfgAppend)
		if err != nil {
			return nil, err
		}
		c.visualizerOutput = out
		c.dumpInstructionSetFeaturesToCfg()
	}
	return c, nil
}

// dumpInstructionSetFeaturesToCfg writes the meta data block, which comes before any method.
func (c *OptimizingCompiler) dumpInstructionSetFeaturesToCfg() {
	meta := "isa:" + c.opts.InstructionSet.String() + " isa_features:" + c.opts.InstructionSetFeatures
	buf := bytes.NewBuffer(metaDataCompilationBlock(meta, "session", c.sessionID.String()))
	c.visualizerOutput.flush(buf)
}

// Options returns the options of the session.
func (c *OptimizingCompiler) Options() *config.CompilerOptions {
	return c.opts
}

// Stats returns the counters of the session, nil unless DumpStats is set.
func (c *OptimizingCompiler) Stats() *stats.Stats {
	return c.stats
}

// Storage returns the methods compiled ahead of time by the session and their thunks.
func (c *OptimizingCompiler) Storage() *linker.CompiledMethodStorage {
	return c.storage
}

// Registry returns the pass constructors of the session. Constructors must be registered
// before the first compilation.
func (c *OptimizingCompiler) Registry() *passes.Registry {
	return c.registry
}

// SessionID identifies the session in the cfg file and in images.
func (c *OptimizingCompiler) SessionID() uuid.UUID {
	return c.sessionID
}

// SetTracer sets the tracer receiving the spans of the compilations.
func (c *OptimizingCompiler) SetTracer(t opentracing.Tracer) {
	c.tracer = t
}

// Close logs the stats and closes the cfg file.
func (c *OptimizingCompiler) Close() error {
	if c.stats != nil {
		c.stats.Log()
	}
	if c.visualizerOutput != nil {
		return errors.Wrap(c.visualizerOutput.Close(), "closing the cfg file")
	}
	return nil
}

// constantReturn resolves the callee of an invoke for the inliner. Resolution needs the
// runtime, so the compiling thread leaves its native safepoint for the duration.
func (c *OptimizingCompiler) constantReturn(methodIndex uint32) (uint64, bool) {
	c.runtime.LeaveNativeSafepoint()
	m := c.runtime.ResolveMethod(methodIndex)
	c.runtime.EnterNativeSafepoint()
	return frontend.ConstantReturn(m)
}

// isPathologicalCase returns true for methods too large to be worth compiling.
func isPathologicalCase(m *optimizingapi.Method) bool {
	return m.InsnsSizeInCodeUnits() >= pathologicalLimit || int(m.RegistersSize) >= pathologicalLimit
}

// reportArenaUsage logs the arena use of a compilation above the report threshold.
func reportArenaUsage(arena *optimizingapi.Arena, m *optimizingapi.Method) {
	total := arena.PeakBytesAllocated()
	if total > arenaAllocatorMemoryReportThreshold {
		glog.Infof("Used %d bytes of arena memory for compiling %s\n%s", total, m, arena.MemStats())
	}
}

// warnIfSlow logs compilations that took longer than maximumCompilationTimeBeforeWarning.
func warnIfSlow(m *optimizingapi.Method, start time.Time) {
	if d := time.Since(start); d > maximumCompilationTimeBeforeWarning {
		glog.Warningf("Compilation of %s took %v", m, d)
	}
}

// isOptTestMethod returns true for the compiler test methods, which must compile.
func isOptTestMethod(m *optimizingapi.Method) bool {
	return strings.Contains(m.String(), "$opt$")
}
