package optimizing

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opentracing/opentracing-go/mocktracer"
	"github.com/stretchr/testify/require"

	"github.com/aosp-leddaz/art/internal/config"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/testcases"
)

func TestTimingLogger(t *testing.T) {
	clock := time.Unix(0, 0)
	tl := newTimingLogger("Test.m")
	tl.now = func() time.Time { return clock }

	tl.StartTiming("a")
	clock = clock.Add(30 * time.Millisecond)
	tl.EndTiming()
	tl.StartTiming("b")
	clock = clock.Add(10 * time.Millisecond)
	tl.EndTiming()

	require.Equal(t, []string{
		"  a: 30ms (75.0%)",
		"  b: 10ms (25.0%)",
		"Total: 40ms",
	}, tl.Lines())

	require.Equal(t, []string{"Total: 0s"}, newTimingLogger("Test.m").Lines())
}

func TestPassDescription(t *testing.T) {
	for _, tc := range []struct {
		after, changed, badState bool
		exp                      string
	}{
		{exp: "GVN (before)"},
		{changed: true, exp: "GVN (before)"},
		{badState: true, exp: "GVN (before, bad_state)"},
		{after: true, changed: true, exp: "GVN (after)"},
		{after: true, exp: "GVN (after, no_change)"},
		{after: true, badState: true, exp: "GVN (after, no_change, bad_state)"},
	} {
		tc := tc
		t.Run(tc.exp, func(t *testing.T) {
			require.Equal(t, tc.exp, passDescription("GVN", tc.after, tc.changed, tc.badState))
		})
	}
}

// compileWithCfg compiles the methods in a session dumping to the cfg file at path and
// returns the content of the file.
func compileWithCfg(t *testing.T, path string, configure func(o *config.CompilerOptions), ms ...*optimizingapi.Method) string {
	c, _ := newCompiler(t, func(o *config.CompilerOptions) {
		o.DumpCfgFileName = path
		if configure != nil {
			configure(o)
		}
	})
	for _, m := range ms {
		require.NotNil(t, c.TryCompile(optimizingapi.NewArena(), m, optimizingapi.CompilationKindOptimized))
	}
	require.NoError(t, c.Close())
	out, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(out)
}

func TestPassObserver_visualizer(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "art.cfg")
		out := compileWithCfg(t, path, nil, testcases.Diamond.Method)

		require.True(t, strings.HasPrefix(out, "begin_compilation\n  name \"isa:arm64 isa_features:default\"\n"), out)
		require.Contains(t, out, "  session \"")
		require.Contains(t, out, "  name \"diamond\"\n  method \"diamond\"\n")
		// The graph is empty before it is built.
		require.NotContains(t, out, "name \"builder (before)\"")
		require.Contains(t, out, "name \"builder (after)\"")
		require.Contains(t, out, "name \"cha_guard_optimization (before)\"")
		require.Contains(t, out, "name \"cha_guard_optimization (after, no_change)\"")
		require.Contains(t, out, "name \"register (after)\"")
		require.Contains(t, out, "name \"disassembly (after)\"")
		require.NotContains(t, out, "code:")
		require.Equal(t, strings.Count(out, "begin_cfg"), strings.Count(out, "end_cfg"))
	})
	t.Run("disassembly", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "art.cfg")
		out := compileWithCfg(t, path, func(o *config.CompilerOptions) {
			o.DumpDisassembly = true
		}, testcases.Diamond.Method)
		require.Contains(t, out, "name \"disassembly (after)\"")
		require.Contains(t, out, "  code:\n")
	})
	t.Run("append", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "art.cfg")
		appendMode := func(o *config.CompilerOptions) { o.DumpCfgAppend = true }
		compileWithCfg(t, path, appendMode, testcases.Empty.Method)
		out := compileWithCfg(t, path, appendMode, testcases.Empty.Method)
		// One meta data block and one method block per session.
		require.Equal(t, 4, strings.Count(out, "begin_compilation"))
		require.Equal(t, 2, strings.Count(out, "name \"isa:arm64"))
		require.Equal(t, 2, strings.Count(out, "name \"builder (after)\""))
	})
	t.Run("truncate", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "art.cfg")
		compileWithCfg(t, path, nil, testcases.Empty.Method)
		out := compileWithCfg(t, path, nil, testcases.Empty.Method)
		require.Equal(t, 2, strings.Count(out, "begin_compilation"))
		require.Equal(t, 1, strings.Count(out, "name \"isa:arm64"))
	})
	t.Run("verbose methods", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "art.cfg")
		out := compileWithCfg(t, path, func(o *config.CompilerOptions) {
			o.VerboseMethods = []string{"loop"}
		}, testcases.Diamond.Method, testcases.Loop.Method)
		require.NotContains(t, out, "method \"diamond\"")
		require.Contains(t, out, "method \"loop\"")
	})
	t.Run("method filter", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "art.cfg")
		out := compileWithCfg(t, path, func(o *config.CompilerOptions) {
			o.MethodFilter = "dia"
		}, testcases.Diamond.Method, testcases.Loop.Method)
		require.Contains(t, out, "method \"diamond\"")
		require.NotContains(t, out, "method \"loop\"")
	})
	t.Run("cannot open", func(t *testing.T) {
		opts := config.Default()
		opts.DumpCfgFileName = filepath.Join(t.TempDir(), "missing", "art.cfg")
		_, err := NewOptimizingCompiler(opts, NewStaticRuntime(nil, false))
		require.Error(t, err)
	})
}

func TestPassObserver_tracing(t *testing.T) {
	for _, tc := range []struct {
		name         string
		dumpTimings  bool
		expPassSpans bool
	}{
		{name: "method span only"},
		{name: "pass spans", dumpTimings: true, expPassSpans: true},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newCompiler(t, func(o *config.CompilerOptions) {
				o.DumpPassTimings = tc.dumpTimings
			})
			tracer := mocktracer.New()
			c.SetTracer(tracer)
			require.NotNil(t, c.TryCompile(optimizingapi.NewArena(), testcases.Empty.Method, optimizingapi.CompilationKindOptimized))

			spans := tracer.FinishedSpans()
			require.NotEmpty(t, spans)
			// The method span finishes last.
			methodSpan := spans[len(spans)-1]
			require.Equal(t, "compile empty", methodSpan.OperationName)
			require.Equal(t, "arm64", methodSpan.Tag("isa"))

			passSpans := spans[:len(spans)-1]
			if !tc.expPassSpans {
				require.Empty(t, passSpans)
				return
			}
			names := make([]string, len(passSpans))
			for i, s := range passSpans {
				names[i] = s.OperationName
				require.Equal(t, methodSpan.SpanContext.SpanID, s.ParentID, s.OperationName)
				require.NotNil(t, s.Tag("changed"), s.OperationName)
			}
			require.Equal(t, builderPassName, names[0])
			require.Equal(t, registerPassName, names[len(names)-1])
			require.Contains(t, names, "constant_folding")
			require.Contains(t, names, "cha_guard_optimization")
		})
	}

	t.Run("bad state", func(t *testing.T) {
		c, _ := newCompiler(t, nil)
		tracer := mocktracer.New()
		c.SetTracer(tracer)
		require.Nil(t, c.TryCompile(optimizingapi.NewArena(), testcases.InvalidBytecode.Method, optimizingapi.CompilationKindOptimized))
		spans := tracer.FinishedSpans()
		require.Len(t, spans, 1)
		require.Equal(t, true, spans[0].Tag("bad_state"))
	})
}
