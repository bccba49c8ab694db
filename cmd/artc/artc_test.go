package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/linker"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
)

// runArtc runs the command line and returns its output.
func runArtc(t *testing.T, args ...string) (string, error) {
	cmd := newArtcCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestArtc_compile(t *testing.T) {
	prog := writeProgram(t, testProgram)
	image := filepath.Join(t.TempDir(), "out.art")
	cfg := filepath.Join(t.TempDir(), "out.cfg")

	out, err := runArtc(t, "compile", "--output", image, "--jobs", "2", "--dump-cfg", cfg, prog)
	require.NoError(t, err, out)
	require.Regexp(t, `Main\.skipped\s+-\s+-\s+-\s+interpreted`, out)
	require.Regexp(t, `Main\.nativeAdd\s+.*jni stub`, out)
	require.Contains(t, out, image+": 4 methods, 3 thunks")

	f, err := os.Open(image)
	require.NoError(t, err)
	defer f.Close()
	img, err := linker.ReadImage(f)
	require.NoError(t, err)
	require.Equal(t, optimizingapi.InstructionSetArm64, img.ISA)
	require.Len(t, img.Methods, 4)
	m, ok := img.Method(5)
	require.True(t, ok)
	require.True(t, m.NativeStub)
	_, ok = img.Method(7)
	require.False(t, ok)
	require.Contains(t, out, img.BuildID.String())

	dump, err := os.ReadFile(cfg)
	require.NoError(t, err)
	require.Contains(t, string(dump), "method \"Main.callAdd\"")
}

func TestArtc_compile_errors(t *testing.T) {
	prog := writeProgram(t, testProgram)
	image := filepath.Join(t.TempDir(), "out.art")
	for _, tc := range []struct {
		name   string
		args   []string
		expErr string
	}{
		{name: "strict", args: []string{"--strict"}, expErr: "Main.skipped was not compiled"},
		{name: "unknown pass", args: []string{"--passes", "frobnicate"}, expErr: "passes to run"},
		{name: "no codegen", args: []string{"--isa", "arm"}, expErr: "linking: no code generator for arm"},
		{name: "invalid options", args: []string{"--dump-cfg-append"}, expErr: "dump-cfg-append"},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			args := append([]string{"compile", "--output", image}, tc.args...)
			_, err := runArtc(t, append(args, prog)...)
			require.ErrorContains(t, err, tc.expErr)
		})
	}

	t.Run("missing program", func(t *testing.T) {
		_, err := runArtc(t, "compile", filepath.Join(t.TempDir(), "missing.yaml"))
		require.ErrorContains(t, err, "reading program")
	})
	t.Run("arguments", func(t *testing.T) {
		_, err := runArtc(t, "compile")
		require.Error(t, err)
	})
}

func TestArtc_jit(t *testing.T) {
	prog := writeProgram(t, testProgram)
	perfMap := filepath.Join(t.TempDir(), "perf.map")

	out, err := runArtc(t, "jit", "--jobs", "1", "--perf-map", perfMap, "--mini-debug-info", prog)
	require.NoError(t, err, out)
	require.Contains(t, out, "Main.nativeAdd (art_jni_trampoline)")
	require.Contains(t, out, "4 methods")
	require.Contains(t, out, "4 JIT compilations")
	require.NotContains(t, out, "Main.skipped")

	b, err := os.ReadFile(perfMap)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 4)
	require.True(t, strings.HasSuffix(lines[0], " Main.add"), lines[0])
	require.True(t, strings.HasSuffix(lines[2], " art_jni_trampoline"), lines[2])
}

func TestArtc_passes(t *testing.T) {
	out, err := runArtc(t, "passes", "--isa", "x86")
	require.NoError(t, err)
	require.Contains(t, out, "optimized:\n  constant_folding\n")
	require.Contains(t, out, "  constant_folding$after_inlining if inliner changed\n")
	require.Contains(t, out, "architecture (x86):\n  instruction_simplifier_x86\n")
	require.Contains(t, out, "baseline (x86):\n  pc_relative_fixups_x86\n")
	require.Contains(t, out, "intrinsic:\n  instruction_simplifier\n")

	out, err = runArtc(t, "passes", "--isa", "riscv64")
	require.NoError(t, err)
	require.Contains(t, out, "architecture (riscv64):\n  (none)\n")

	_, err = runArtc(t, "passes", "--isa", "mips")
	require.Error(t, err)
}
