package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/aosp-leddaz/art/internal/config"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
)

const testProgram = `
strings:
  11: 0x7000
methods:
  - index: 3
    name: Main.add
    flags: [static]
    registers: 3
    ins: 2
    code: |
      add v0, v1, v2
      return v0
  - index: 4
    name: Main.callAdd
    flags: [static]
    registers: 3
    ins: 2
    code: |
      invoke {v1, v2}, method@3
      move-result v0
      return v0
  - index: 5
    name: Main.nativeAdd
    flags: [static, native]
    ins: 2
  - index: 6
    name: Main.fail
    registers: 1
    ins: 1
    code: throw v0
  - index: 7
    name: Main.skipped
    flags: [dont-bother]
    registers: 1
    code: return-void
`

func writeProgram(t *testing.T, src string) string {
	path := filepath.Join(t.TempDir(), "program.yaml")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestParseProgram(t *testing.T) {
	p, err := parseProgram([]byte(testProgram))
	require.NoError(t, err)
	require.Len(t, p.methods, 5)
	require.Equal(t, map[uint32]uint64{11: 0x7000}, p.strings)

	add := p.methods[0]
	require.Equal(t, uint32(3), add.Index)
	require.Equal(t, "Main.add", add.String())
	require.True(t, add.IsStatic())
	require.Equal(t, uint16(3), add.RegistersSize)
	require.Equal(t, uint16(2), add.InsSize)
	require.NotEmpty(t, add.Code)

	native := p.methods[2]
	require.True(t, native.IsNative())
	require.Empty(t, native.Code)
	require.Equal(t, optimizingapi.AccCompileDontBother, p.methods[4].AccessFlags)

	rt := p.runtime(true)
	require.True(t, rt.IsJavaDebuggable())
	require.Equal(t, uint64(0x7000), rt.ResolveString(11))
	require.Equal(t, add, rt.ResolveMethod(3))
}

func TestParseProgram_errors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		src    string
		expErr string
		// expCount is the number of method errors reported together.
		expCount int
	}{
		{name: "yaml", src: "methods: [", expErr: "decoding program"},
		{name: "empty", src: "strings: {}", expErr: "no method in program"},
		{
			name: "methods",
			src: `
methods:
  - {index: 1, name: A.flag, flags: [volatile], code: return-void}
  - {index: 2, name: A.native, flags: [native], code: return-void}
  - {index: 3, name: A.ins, registers: 1, ins: 2, code: return-void}
  - {index: 4, name: A.asm, registers: 1, code: "frobnicate v0"}
  - {index: 5, name: A.intrinsic, intrinsic: Nope, code: return-void}
  - {index: 6, name: A.ok, code: return-void}
  - {index: 6, name: A.again, code: return-void}
`,
			expErr:   "method A.flag: unknown flag \"volatile\"",
			expCount: 6,
		},
		{
			name:     "unnamed",
			src:      "methods: [{index: 9, flags: [bogus]}]",
			expErr:   "method method@9: unknown flag",
			expCount: 1,
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseProgram([]byte(tc.src))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.expErr)
			if tc.expCount > 0 {
				var merr *multierror.Error
				require.ErrorAs(t, err, &merr)
				require.Len(t, merr.Errors, tc.expCount)
			}
		})
	}
}

func TestLoadProgram(t *testing.T) {
	p, err := loadProgram(writeProgram(t, testProgram))
	require.NoError(t, err)
	require.Len(t, p.methods, 5)

	_, err = loadProgram(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "reading program")

	path := writeProgram(t, "strings: {}")
	_, err = loadProgram(path)
	require.ErrorContains(t, err, path+": no method in program")
}

func TestCompilerFlags_options(t *testing.T) {
	parse := func(t *testing.T, args ...string) (*config.CompilerOptions, error) {
		var f compilerFlags
		cmd := &cobra.Command{}
		f.register(cmd)
		require.NoError(t, cmd.ParseFlags(args))
		return f.options(cmd, config.CompilerKindJIT)
	}

	t.Run("defaults", func(t *testing.T) {
		opts, err := parse(t)
		require.NoError(t, err)
		require.Equal(t, config.CompilerKindJIT, opts.Kind)
		require.Equal(t, optimizingapi.InstructionSetArm64, opts.InstructionSet)
		require.Nil(t, opts.PassesToRun)
		require.False(t, opts.DumpStats)
	})
	t.Run("flags", func(t *testing.T) {
		opts, err := parse(t, "--isa=x86_64", "--filter=space", "--regalloc=graph-color", "--baseline",
			"--dump-cfg=out.cfg", "--dump-cfg-append", "--dump-stats", "--dump-timings",
			"--verbose-methods=A.a,A.b", "--passes=constant_folding,dead_code_elimination$final")
		require.NoError(t, err)
		require.Equal(t, optimizingapi.InstructionSetX86_64, opts.InstructionSet)
		require.Equal(t, optimizingapi.CompilerFilterSpace, opts.CompilerFilter)
		require.Equal(t, optimizingapi.RegisterAllocatorGraphColor, opts.RegisterAllocationStrategy)
		require.True(t, opts.Baseline)
		require.Equal(t, "out.cfg", opts.DumpCfgFileName)
		require.True(t, opts.DumpCfgAppend)
		require.True(t, opts.DumpStats)
		require.True(t, opts.DumpPassTimings)
		require.Equal(t, []string{"A.a", "A.b"}, opts.VerboseMethods)
		require.Equal(t, []string{"constant_folding", "dead_code_elimination$final"}, opts.PassesToRun)
	})
	t.Run("precedence", func(t *testing.T) {
		cfg := filepath.Join(t.TempDir(), "art.yaml")
		require.NoError(t, os.WriteFile(cfg, []byte("isa: x86\ncompiler-filter: space\ndump-stats: true\n"), 0o644))
		t.Setenv("ART_COMPILER_FILTER", "quicken")

		opts, err := parse(t, "--config="+cfg)
		require.NoError(t, err)
		require.Equal(t, optimizingapi.InstructionSetX86, opts.InstructionSet)
		require.Equal(t, optimizingapi.CompilerFilterQuicken, opts.CompilerFilter)
		require.True(t, opts.DumpStats)

		opts, err = parse(t, "--config="+cfg, "--isa=arm64", "--dump-stats=false")
		require.NoError(t, err)
		require.Equal(t, optimizingapi.InstructionSetArm64, opts.InstructionSet)
		require.False(t, opts.DumpStats)
	})
	t.Run("invalid", func(t *testing.T) {
		_, err := parse(t, "--isa=mips")
		require.ErrorContains(t, err, "--isa")
		_, err = parse(t, "--dump-cfg-append")
		require.ErrorContains(t, err, "dump-cfg-append needs a dump-cfg file")
		_, err = parse(t, "--jobs=0")
		require.ErrorContains(t, err, "invalid number of jobs 0")
	})
}
