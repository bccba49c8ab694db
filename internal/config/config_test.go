package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
)

func TestDefault(t *testing.T) {
	o := Default()
	require.NoError(t, o.Validate())
	require.True(t, o.IsAotCompiler())
	require.False(t, o.IsJitCompiler())
	require.False(t, o.GenerateAnyDebugInfo())
	require.Equal(t, optimizingapi.InstructionSetArm64, o.InstructionSet)
	require.Nil(t, o.PassesToRun)
}

func TestCompilerOptions_IsVerboseMethod(t *testing.T) {
	for _, tc := range []struct {
		name    string
		methods []string
		filter  string
		method  string
		exp     bool
	}{
		{name: "match all", method: "Main.foo", exp: true},
		{name: "substring", filter: "foo", method: "Main.foo", exp: true},
		{name: "substring mismatch", filter: "bar", method: "Main.foo", exp: false},
		{name: "exact", methods: []string{"Main.foo"}, method: "Main.foo", exp: true},
		{name: "exact wins over filter", methods: []string{"Main.foo"}, filter: "Main", method: "Main.foobar", exp: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			o := Default()
			o.VerboseMethods, o.MethodFilter = tc.methods, tc.filter
			require.Equal(t, tc.methods != nil, o.HasVerboseMethods())
			require.Equal(t, tc.exp, o.IsVerboseMethod(tc.method))
		})
	}
}

func TestCompilerOptions_LoadYAML(t *testing.T) {
	o := Default()
	require.NoError(t, o.LoadYAML([]byte(`
kind: jit
isa: x86_64
compiler-filter: space
baseline: true
dump-cfg: out.cfg
dump-cfg-append: true
generate-mini-debug-info: true
verbose-methods: [Main.foo, Main.bar]
passes: [constant_folding, dead_code_elimination$final]
regalloc: graph-color
`)))
	require.True(t, o.IsJitCompiler())
	require.Equal(t, optimizingapi.InstructionSetX86_64, o.InstructionSet)
	require.Equal(t, optimizingapi.CompilerFilterSpace, o.CompilerFilter)
	require.True(t, o.Baseline)
	require.Equal(t, "out.cfg", o.DumpCfgFileName)
	require.True(t, o.DumpCfgAppend)
	require.True(t, o.GenerateAnyDebugInfo())
	require.Equal(t, []string{"Main.foo", "Main.bar"}, o.VerboseMethods)
	require.Equal(t, []string{"constant_folding", "dead_code_elimination$final"}, o.PassesToRun)
	require.Equal(t, optimizingapi.RegisterAllocatorGraphColor, o.RegisterAllocationStrategy)
	// Untouched.
	require.Equal(t, "default", o.InstructionSetFeatures)

	for _, tc := range []struct {
		name, doc, exp string
	}{
		{name: "isa", doc: "isa: mips", exp: `unknown instruction set "mips"`},
		{name: "filter", doc: "compiler-filter: fast", exp: `unknown compiler filter "fast"`},
		{name: "kind", doc: "kind: interpreter", exp: `unknown compiler kind "interpreter"`},
		{name: "append", doc: "dump-cfg-append: true", exp: "dump-cfg-append needs a dump-cfg file"},
		{name: "jit boot image", doc: "{kind: jit, boot-image: true}", exp: "the boot image is compiled ahead of time"},
		{name: "capacity", doc: "code-cache-capacity: 0", exp: "invalid code cache capacity 0"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.EqualError(t, Default().LoadYAML([]byte(tc.doc)), tc.exp)
		})
	}
	require.Error(t, Default().LoadYAML([]byte("isa: [")))
}

func TestCompilerOptions_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.yaml")
	require.NoError(t, os.WriteFile(path, []byte("isa: x86\ndump-stats: true\n"), 0o600))
	o := Default()
	require.NoError(t, o.LoadFile(path))
	require.Equal(t, optimizingapi.InstructionSetX86, o.InstructionSet)
	require.True(t, o.DumpStats)

	err := o.LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "reading compiler options")
}

func TestCompilerOptions_FromEnv(t *testing.T) {
	t.Setenv("ART_ISA", "x86_64")
	t.Setenv("ART_BASELINE", "true")
	t.Setenv("ART_DUMP_CFG", "env.cfg")
	t.Setenv("ART_VERBOSE_METHODS", "Main.a, Main.b,")
	t.Setenv("ART_PASSES", "inliner,GVN")
	t.Setenv("ART_REGALLOC", "graph_color")
	o := Default()
	require.NoError(t, o.FromEnv())
	require.Equal(t, optimizingapi.InstructionSetX86_64, o.InstructionSet)
	require.True(t, o.Baseline)
	require.False(t, o.DumpStats)
	require.Equal(t, "env.cfg", o.DumpCfgFileName)
	require.Equal(t, []string{"Main.a", "Main.b"}, o.VerboseMethods)
	require.Equal(t, []string{"inliner", "GVN"}, o.PassesToRun)
	require.Equal(t, optimizingapi.RegisterAllocatorGraphColor, o.RegisterAllocationStrategy)

	t.Setenv("ART_COMPILER_FILTER", "bogus")
	require.ErrorContains(t, Default().FromEnv(), "ART_COMPILER_FILTER")
}

func TestCompilerOptions_FromEnv_changed(t *testing.T) {
	o := Default()
	require.NoError(t, o.FromEnv())
	require.Equal(t, optimizingapi.CompilerFilterSpeed, o.CompilerFilter)

	t.Setenv("ART_COMPILER_FILTER", "quicken")
	t.Setenv("ART_DUMP_STATS", "true")
	require.NoError(t, o.FromEnv())
	require.Equal(t, optimizingapi.CompilerFilterQuicken, o.CompilerFilter)
	require.True(t, o.DumpStats)
}

func TestCompilerOptions_Set(t *testing.T) {
	o := Default()
	require.NoError(t, o.Set("isa", "arm"))
	require.NoError(t, o.Set("kind", "jit"))
	require.NoError(t, o.Set("passes", "constant_folding"))
	require.Equal(t, optimizingapi.InstructionSetArm, o.InstructionSet)
	require.True(t, o.IsJitCompiler())
	require.Equal(t, []string{"constant_folding"}, o.PassesToRun)
	require.EqualError(t, o.Set("colour", "blue"), `unknown option "colour"`)
	require.Equal(t, "jit", o.Kind.String())
}
