// Package config holds the options of a compiler session and loads them from a YAML file
// and the environment.
package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/xyproto/env/v2"
	"gopkg.in/yaml.v3"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
)

// CompilerKind tells whether a session compiles ahead of time or for the code cache.
type CompilerKind byte

const (
	CompilerKindAOT CompilerKind = iota
	CompilerKindJIT
)

// String implements fmt.Stringer.
func (k CompilerKind) String() string {
	if k == CompilerKindJIT {
		return "jit"
	}
	return "aot"
}

// DefaultCodeCacheCapacity is the size of each half of a code cache region.
const DefaultCodeCacheCapacity = 1 << 20

// CompilerOptions are the options of one compiler session. They are read-only once the
// session is created.
type CompilerOptions struct {
	Kind                   CompilerKind
	InstructionSet         optimizingapi.InstructionSet
	InstructionSetFeatures string
	CompilerFilter         optimizingapi.CompilerFilter
	// Baseline compiles every method with the baseline pipeline.
	Baseline   bool
	Debuggable bool
	// NativeDebuggable keeps the frames of native code walkable.
	NativeDebuggable      bool
	GenerateDebugInfo     bool
	GenerateMiniDebugInfo bool
	// BootImage is true when compiling the boot image: only then are intrinsics compiled ahead of time.
	BootImage bool
	// CompileArtTest makes a failure to compile a "$opt$" method fatal.
	CompileArtTest bool

	// DumpCfgFileName is the visualizer output; empty disables the visualizer.
	DumpCfgFileName string
	DumpCfgAppend   bool
	// DumpDisassembly adds the generated code to the visualizer output.
	DumpDisassembly bool
	DumpPassTimings bool
	DumpStats       bool
	// VerboseMethods restricts the instrumentation to the methods with these exact names.
	VerboseMethods []string
	// MethodFilter restricts the instrumentation to the methods whose name contains it,
	// unless VerboseMethods is set.
	MethodFilter string

	// PassesToRun replaces the optimization pipeline when not nil.
	PassesToRun                []string
	RegisterAllocationStrategy optimizingapi.RegisterAllocationStrategy

	CodeCacheCapacity int
}

// Default returns the options of an AOT session for the host-independent default target.
func Default() *CompilerOptions {
	return &CompilerOptions{
		Kind:                       CompilerKindAOT,
		InstructionSet:             optimizingapi.InstructionSetArm64,
		InstructionSetFeatures:     "default",
		CompilerFilter:             optimizingapi.CompilerFilterSpeed,
		RegisterAllocationStrategy: optimizingapi.RegisterAllocatorLinearScan,
		CodeCacheCapacity:          DefaultCodeCacheCapacity,
	}
}

// HasVerboseMethods returns true if the instrumentation is restricted to a list of methods.
func (o *CompilerOptions) HasVerboseMethods() bool {
	return len(o.VerboseMethods) > 0
}

// IsVerboseMethod returns true if the instrumentation is enabled for the method name.
func (o *CompilerOptions) IsVerboseMethod(name string) bool {
	if o.HasVerboseMethods() {
		for _, m := range o.VerboseMethods {
			if m == name {
				return true
			}
		}
		return false
	}
	return strings.Contains(name, o.MethodFilter)
}

// GenerateAnyDebugInfo returns true if any kind of debug info is requested.
func (o *CompilerOptions) GenerateAnyDebugInfo() bool {
	return o.GenerateDebugInfo || o.GenerateMiniDebugInfo
}

// IsJitCompiler returns true for a session installing code in a code cache.
func (o *CompilerOptions) IsJitCompiler() bool {
	return o.Kind == CompilerKindJIT
}

// IsAotCompiler returns true for a session producing an image.
func (o *CompilerOptions) IsAotCompiler() bool {
	return o.Kind == CompilerKindAOT
}

// fileOptions is the YAML form of CompilerOptions. Absent keys leave the option untouched.
type fileOptions struct {
	Kind                  *string  `yaml:"kind"`
	ISA                   *string  `yaml:"isa"`
	ISAFeatures           *string  `yaml:"isa-features"`
	CompilerFilter        *string  `yaml:"compiler-filter"`
	Baseline              *bool    `yaml:"baseline"`
	Debuggable            *bool    `yaml:"debuggable"`
	NativeDebuggable      *bool    `yaml:"native-debuggable"`
	GenerateDebugInfo     *bool    `yaml:"generate-debug-info"`
	GenerateMiniDebugInfo *bool    `yaml:"generate-mini-debug-info"`
	BootImage             *bool    `yaml:"boot-image"`
	CompileArtTest        *bool    `yaml:"compile-art-test"`
	DumpCfg               *string  `yaml:"dump-cfg"`
	DumpCfgAppend         *bool    `yaml:"dump-cfg-append"`
	DumpDisassembly       *bool    `yaml:"dump-disassembly"`
	DumpPassTimings       *bool    `yaml:"dump-pass-timings"`
	DumpStats             *bool    `yaml:"dump-stats"`
	VerboseMethods        []string `yaml:"verbose-methods"`
	MethodFilter          *string  `yaml:"method-filter"`
	Passes                []string `yaml:"passes"`
	RegAlloc              *string  `yaml:"regalloc"`
	CodeCacheCapacity     *int     `yaml:"code-cache-capacity"`
}

// LoadFile overrides o with the options set in the YAML file at path.
func (o *CompilerOptions) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading compiler options")
	}
	return errors.Wrapf(o.LoadYAML(b), "%s", path)
}

// LoadYAML overrides o with the options set in the YAML document b.
func (o *CompilerOptions) LoadYAML(b []byte) error {
	var f fileOptions
	if err := yaml.Unmarshal(b, &f); err != nil {
		return errors.Wrap(err, "decoding compiler options")
	}
	if f.Kind != nil {
		if err := o.setKind(*f.Kind); err != nil {
			return err
		}
	}
	if f.ISA != nil {
		if err := o.setISA(*f.ISA); err != nil {
			return err
		}
	}
	if f.CompilerFilter != nil {
		if err := o.setCompilerFilter(*f.CompilerFilter); err != nil {
			return err
		}
	}
	if f.RegAlloc != nil {
		if err := o.setRegAlloc(*f.RegAlloc); err != nil {
			return err
		}
	}
	setString(&o.InstructionSetFeatures, f.ISAFeatures)
	setString(&o.DumpCfgFileName, f.DumpCfg)
	setString(&o.MethodFilter, f.MethodFilter)
	for _, b := range []struct {
		dst *bool
		src *bool
	}{
		{&o.Baseline, f.Baseline},
		{&o.Debuggable, f.Debuggable},
		{&o.NativeDebuggable, f.NativeDebuggable},
		{&o.GenerateDebugInfo, f.GenerateDebugInfo},
		{&o.GenerateMiniDebugInfo, f.GenerateMiniDebugInfo},
		{&o.BootImage, f.BootImage},
		{&o.CompileArtTest, f.CompileArtTest},
		{&o.DumpCfgAppend, f.DumpCfgAppend},
		{&o.DumpDisassembly, f.DumpDisassembly},
		{&o.DumpPassTimings, f.DumpPassTimings},
		{&o.DumpStats, f.DumpStats},
	} {
		if b.src != nil {
			*b.dst = *b.src
		}
	}
	if f.VerboseMethods != nil {
		o.VerboseMethods = f.VerboseMethods
	}
	if f.Passes != nil {
		o.PassesToRun = f.Passes
	}
	if f.CodeCacheCapacity != nil {
		o.CodeCacheCapacity = *f.CodeCacheCapacity
	}
	return o.Validate()
}

// FromEnv overrides o with the ART_* environment variables that are set. The environment is
// read again on every call.
func (o *CompilerOptions) FromEnv() error {
	env.Load()
	if env.Has("ART_ISA") {
		if err := o.setISA(env.Str("ART_ISA")); err != nil {
			return errors.Wrap(err, "ART_ISA")
		}
	}
	if env.Has("ART_COMPILER_FILTER") {
		if err := o.setCompilerFilter(env.Str("ART_COMPILER_FILTER")); err != nil {
			return errors.Wrap(err, "ART_COMPILER_FILTER")
		}
	}
	if env.Has("ART_REGALLOC") {
		if err := o.setRegAlloc(env.Str("ART_REGALLOC")); err != nil {
			return errors.Wrap(err, "ART_REGALLOC")
		}
	}
	for name, dst := range map[string]*bool{
		"ART_BASELINE":          &o.Baseline,
		"ART_DEBUGGABLE":        &o.Debuggable,
		"ART_DUMP_CFG_APPEND":   &o.DumpCfgAppend,
		"ART_DUMP_PASS_TIMINGS": &o.DumpPassTimings,
		"ART_DUMP_STATS":        &o.DumpStats,
		"ART_DEBUG_INFO":        &o.GenerateDebugInfo,
	} {
		if env.Has(name) {
			*dst = env.Bool(name)
		}
	}
	if env.Has("ART_DUMP_CFG") {
		o.DumpCfgFileName = env.Str("ART_DUMP_CFG")
	}
	if env.Has("ART_VERBOSE_METHODS") {
		o.VerboseMethods = splitList(env.Str("ART_VERBOSE_METHODS"))
	}
	if env.Has("ART_PASSES") {
		o.PassesToRun = splitList(env.Str("ART_PASSES"))
	}
	return o.Validate()
}

// Validate returns an error if the options contradict each other.
func (o *CompilerOptions) Validate() error {
	if o.IsJitCompiler() && o.BootImage {
		return errors.New("the boot image is compiled ahead of time")
	}
	if o.DumpCfgAppend && o.DumpCfgFileName == "" {
		return errors.New("dump-cfg-append needs a dump-cfg file")
	}
	if o.CodeCacheCapacity <= 0 {
		return errors.Errorf("invalid code cache capacity %d", o.CodeCacheCapacity)
	}
	return nil
}

// setKind sets the compiler kind from its name.
func (o *CompilerOptions) setKind(s string) error {
	switch s {
	case "aot":
		o.Kind = CompilerKindAOT
	case "jit":
		o.Kind = CompilerKindJIT
	default:
		return errors.Errorf("unknown compiler kind %q", s)
	}
	return nil
}

func (o *CompilerOptions) setISA(s string) error {
	isa, err := optimizingapi.ParseInstructionSet(s)
	if err != nil {
		return errors.WithStack(err)
	}
	o.InstructionSet = isa
	return nil
}

func (o *CompilerOptions) setCompilerFilter(s string) error {
	f, err := optimizingapi.ParseCompilerFilter(s)
	if err != nil {
		return errors.WithStack(err)
	}
	o.CompilerFilter = f
	return nil
}

func (o *CompilerOptions) setRegAlloc(s string) error {
	r, err := optimizingapi.ParseRegisterAllocationStrategy(s)
	if err != nil {
		return errors.WithStack(err)
	}
	o.RegisterAllocationStrategy = r
	return nil
}

// Set applies a textual option, as given on the command line.
func (o *CompilerOptions) Set(name, value string) error {
	switch name {
	case "kind":
		return o.setKind(value)
	case "isa":
		return o.setISA(value)
	case "filter":
		return o.setCompilerFilter(value)
	case "regalloc":
		return o.setRegAlloc(value)
	case "passes":
		o.PassesToRun = splitList(value)
	case "verbose-methods":
		o.VerboseMethods = splitList(value)
	default:
		return errors.Errorf("unknown option %q", name)
	}
	return nil
}

func setString(dst, src *string) {
	if src != nil {
		*dst = *src
	}
}

// splitList splits a comma separated list, dropping empty items.
func splitList(s string) []string {
	var ret []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			ret = append(ret, item)
		}
	}
	return ret
}
