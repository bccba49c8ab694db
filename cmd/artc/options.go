package main

import (
	"runtime"
	"sync"

	"github.com/dc0d/onexit"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/aosp-leddaz/art/internal/config"
	"github.com/aosp-leddaz/art/internal/engine/optimizing"
)

// compilerFlags are the flags shared by the commands running a compiler session.
type compilerFlags struct {
	configFile     string
	isa            string
	filter         string
	regalloc       string
	baseline       bool
	debuggable     bool
	dumpCfg        string
	dumpCfgAppend  bool
	dumpTimings    bool
	dumpStats      bool
	disassembly    bool
	miniDebugInfo  bool
	verboseMethods []string
	passes         []string
	jobs           int
}

func (f *compilerFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.configFile, "config", "", "YAML file of compiler options, applied before the environment and the flags")
	flags.StringVar(&f.isa, "isa", "arm64", "Instruction set to compile for")
	flags.StringVar(&f.filter, "filter", "speed", "Compiler filter")
	flags.StringVar(&f.regalloc, "regalloc", "linear-scan", "Register allocation strategy")
	flags.BoolVar(&f.baseline, "baseline", false, "Compile with the baseline pipeline")
	flags.BoolVar(&f.debuggable, "debuggable", false, "Compile for a debuggable runtime")
	flags.StringVar(&f.dumpCfg, "dump-cfg", "", "Write the graph after every pass to this c1visualizer file")
	flags.BoolVar(&f.dumpCfgAppend, "dump-cfg-append", false, "Append to the --dump-cfg file instead of truncating it")
	flags.BoolVar(&f.dumpTimings, "dump-timings", false, "Log the time spent in every pass")
	flags.BoolVar(&f.dumpStats, "dump-stats", false, "Log the compilation stats of the session")
	flags.BoolVar(&f.disassembly, "dump-disassembly", false, "Add the generated code to the --dump-cfg file")
	flags.BoolVar(&f.miniDebugInfo, "mini-debug-info", false, "Generate mini debug info")
	flags.StringSliceVar(&f.verboseMethods, "verbose-methods", nil, "Restrict the instrumentation to these methods")
	flags.StringSliceVar(&f.passes, "passes", nil, "Run these passes instead of the optimization pipeline")
	flags.IntVarP(&f.jobs, "jobs", "j", runtime.NumCPU(), "Number of methods compiled in parallel")
}

// options returns the options of a session of the given kind: the defaults, overridden by
// the config file, the ART_* environment variables and the flags set on the command line,
// in that order.
func (f *compilerFlags) options(cmd *cobra.Command, kind config.CompilerKind) (*config.CompilerOptions, error) {
	if f.jobs < 1 {
		return nil, errors.Errorf("invalid number of jobs %d", f.jobs)
	}
	opts := config.Default()
	opts.Kind = kind
	if f.configFile != "" {
		if err := opts.LoadFile(f.configFile); err != nil {
			return nil, err
		}
	}
	if err := opts.FromEnv(); err != nil {
		return nil, err
	}

	changed := cmd.Flags().Changed
	for _, o := range []struct {
		flag, option, value string
	}{
		{"isa", "isa", f.isa},
		{"filter", "filter", f.filter},
		{"regalloc", "regalloc", f.regalloc},
	} {
		if changed(o.flag) {
			if err := opts.Set(o.option, o.value); err != nil {
				return nil, errors.Wrapf(err, "--%s", o.flag)
			}
		}
	}
	for _, b := range []struct {
		flag string
		dst  *bool
		src  bool
	}{
		{"baseline", &opts.Baseline, f.baseline},
		{"debuggable", &opts.Debuggable, f.debuggable},
		{"dump-cfg-append", &opts.DumpCfgAppend, f.dumpCfgAppend},
		{"dump-timings", &opts.DumpPassTimings, f.dumpTimings},
		{"dump-stats", &opts.DumpStats, f.dumpStats},
		{"dump-disassembly", &opts.DumpDisassembly, f.disassembly},
		{"mini-debug-info", &opts.GenerateMiniDebugInfo, f.miniDebugInfo},
	} {
		if changed(b.flag) {
			*b.dst = b.src
		}
	}
	if changed("dump-cfg") {
		opts.DumpCfgFileName = f.dumpCfg
	}
	if changed("verbose-methods") {
		opts.VerboseMethods = f.verboseMethods
	}
	if changed("passes") {
		opts.PassesToRun = f.passes
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// session is a compiler session closed exactly once: by the command, or on exit if the
// command is interrupted.
type session struct {
	*optimizing.OptimizingCompiler
	once sync.Once
	err  error
}

func newSession(opts *config.CompilerOptions, rt optimizing.Runtime) (*session, error) {
	c, err := optimizing.NewOptimizingCompiler(opts, rt)
	if err != nil {
		return nil, err
	}
	s := &session{OptimizingCompiler: c}
	onexit.Register(func() {
		if err := s.Close(); err != nil {
			glog.Warningf("%v", err)
		}
	})
	return s, nil
}

// Close logs the stats and closes the cfg file of the session.
func (s *session) Close() error {
	s.once.Do(func() {
		s.err = s.OptimizingCompiler.Close()
	})
	return s.err
}
