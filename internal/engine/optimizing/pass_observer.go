package optimizing

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/opentracing/opentracing-go"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/backend"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/ssa"
	"github.com/aosp-leddaz/art/internal/util/contract"
	"github.com/aosp-leddaz/art/internal/util/logging"
)

// PassObserver instruments the passes run over the graph of one method: timing, visualizer
// dumps, and validation of the graph in debug builds.
type PassObserver struct {
	graph             ssa.Builder
	codegen           backend.Compiler
	methodName        string
	lastSeenGraphSize int

	timingLoggerEnabled bool
	timings             *timingLogger

	visualizerEnabled bool
	visualizerBuf     bytes.Buffer
	visualizerOutput  *visualizerOutput
	visualizer        *graphVisualizer

	// graphInBadState is set when the graph is not expected to validate, e.g. after a
	// failed build.
	graphInBadState bool

	tracer     opentracing.Tracer
	methodSpan opentracing.Span
	passSpan   opentracing.Span
}

// newPassObserver returns the observer of the compilation of m.
func (c *OptimizingCompiler) newPassObserver(graph ssa.Builder, codegen backend.Compiler, m *optimizingapi.Method) *PassObserver {
	o := &PassObserver{
		graph:               graph,
		codegen:             codegen,
		methodName:          m.String(),
		timingLoggerEnabled: c.opts.DumpPassTimings,
		visualizerEnabled:   c.visualizerOutput != nil,
		visualizerOutput:    c.visualizerOutput,
		tracer:              c.tracer,
	}
	if o.timingLoggerEnabled || o.visualizerEnabled {
		if !c.opts.IsVerboseMethod(o.methodName) {
			o.timingLoggerEnabled, o.visualizerEnabled = false, false
		}
	}
	if o.timingLoggerEnabled {
		o.timings = newTimingLogger(o.methodName)
	}
	if o.visualizerEnabled {
		// The code listing is only printed on request.
		var listing backend.Compiler
		if c.opts.DumpDisassembly {
			listing = codegen
		}
		o.visualizer = newGraphVisualizer(&o.visualizerBuf, graph, listing)
		o.visualizer.PrintHeader(o.methodName)
	}
	o.methodSpan = o.tracer.StartSpan("compile " + o.methodName)
	o.methodSpan.SetTag("isa", c.opts.InstructionSet.String())
	return o
}

// MethodName returns the name of the method being compiled.
func (o *PassObserver) MethodName() string {
	return o.methodName
}

// SetGraphInBadState disables the validation of the graph for the rest of the compilation.
func (o *PassObserver) SetGraphInBadState() {
	o.graphInBadState = true
	o.methodSpan.SetTag("bad_state", true)
}

// DumpDisassembly adds the generated code to the visualizer output.
func (o *PassObserver) DumpDisassembly() {
	if o.visualizerEnabled {
		o.visualizer.DumpGraphWithDisassembly()
		o.flushVisualizer()
	}
}

// Close logs the timings of the passes and finishes the method span.
func (o *PassObserver) Close() {
	if o.timingLoggerEnabled {
		glog.Infof("TIMINGS %s", o.methodName)
		for _, line := range o.timings.Lines() {
			glog.Info(line)
		}
	}
	if o.visualizerEnabled {
		o.flushVisualizer()
	}
	o.methodSpan.Finish()
}

func (o *PassObserver) startPass(passName string) {
	logging.V(7).Infof("Starting pass: %s", passName)
	// Dump the graph first, then start the timer.
	if o.visualizerEnabled {
		o.visualizer.DumpGraph(passName, false, true, o.graphInBadState)
		o.flushVisualizer()
	}
	if o.timingLoggerEnabled {
		o.timings.StartTiming(passName)
		o.passSpan = o.tracer.StartSpan(passName, opentracing.ChildOf(o.methodSpan.Context()))
	}
}

func (o *PassObserver) endPass(passName string, changed bool) {
	// Stop the timer first, then dump the graph.
	if o.timingLoggerEnabled {
		o.timings.EndTiming()
		o.passSpan.SetTag("changed", changed)
		o.passSpan.Finish()
		o.passSpan = nil
	}
	if o.visualizerEnabled {
		o.visualizer.DumpGraph(passName, true, changed, o.graphInBadState)
		o.flushVisualizer()
	}

	if debugBuild && !o.graphInBadState {
		checker := ssa.NewChecker(o.graph)
		o.lastSeenGraphSize = checker.Run(changed, o.lastSeenGraphSize)
		if !checker.IsValid() {
			glog.Errorf("Error after %s(%s):\n%s", passName, o.methodName, o.graph.Format())
			contract.Failf("(%s) %s: %s", passName, o.methodName, strings.Join(checker.Errors(), "; "))
		}
	}
}

func (o *PassObserver) flushVisualizer() {
	o.visualizerOutput.flush(&o.visualizerBuf)
}

// PassScope brackets one pass with the instrumentation of its PassObserver. The pass is
// assumed to change the graph unless SetPassNotChanged is called before Close.
type PassScope struct {
	passName string
	changed  bool
	observer *PassObserver
}

// NewPassScope starts the pass passName.
func NewPassScope(passName string, observer *PassObserver) *PassScope {
	s := &PassScope{passName: passName, changed: true, observer: observer}
	observer.startPass(passName)
	return s
}

// SetPassNotChanged records that the pass left the graph as it was.
func (s *PassScope) SetPassNotChanged() {
	s.changed = false
}

// Close ends the pass.
func (s *PassScope) Close() {
	s.observer.endPass(s.passName, s.changed)
}

// timingLogger accumulates the duration of each pass of one compilation.
type timingLogger struct {
	name    string
	now     func() time.Time
	timings []passTiming
	current string
	start   time.Time
}

type passTiming struct {
	name string
	d    time.Duration
}

func newTimingLogger(name string) *timingLogger {
	return &timingLogger{name: name, now: time.Now}
}

// StartTiming starts the timer of the pass name.
func (t *timingLogger) StartTiming(name string) {
	t.current, t.start = name, t.now()
}

// EndTiming stops the timer started last.
func (t *timingLogger) EndTiming() {
	t.timings = append(t.timings, passTiming{name: t.current, d: t.now().Sub(t.start)})
	t.current = ""
}

// Lines returns one line per pass, in execution order, followed by the total.
func (t *timingLogger) Lines() []string {
	var total time.Duration
	for _, pt := range t.timings {
		total += pt.d
	}
	ret := make([]string, 0, len(t.timings)+1)
	for _, pt := range t.timings {
		share := 0.0
		if total > 0 {
			share = float64(pt.d) * 100 / float64(total)
		}
		ret = append(ret, fmt.Sprintf("  %s: %v (%.1f%%)", pt.name, pt.d, share))
	}
	return append(ret, fmt.Sprintf("Total: %v", total))
}
