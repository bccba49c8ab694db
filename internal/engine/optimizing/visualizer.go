package optimizing

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/backend"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/ssa"
)

// disassemblyPassName names the block holding the generated code.
const disassemblyPassName = "disassembly"

// visualizerOutput is the c1visualizer file shared by the compilations of a session. The
// compilations buffer their blocks and flush whole blocks, so blocks never interleave.
type visualizerOutput struct {
	mux    sync.Mutex
	w      io.Writer
	closer io.Closer
	failed bool
}

// openVisualizerOutput opens the file at path, truncating it unless appendMode is set.
func openVisualizerOutput(path string, appendMode bool) (*visualizerOutput, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "opening the cfg file")
	}
	return &visualizerOutput{w: f, closer: f}, nil
}

// flush moves the content of buf to the output.
func (o *visualizerOutput) flush(buf *bytes.Buffer) {
	o.mux.Lock()
	defer o.mux.Unlock()
	if _, err := buf.WriteTo(o.w); err != nil && !o.failed {
		o.failed = true
		glog.Warningf("Writing the cfg file: %v", err)
	}
	buf.Reset()
}

// Close closes the file. Later calls do nothing.
func (o *visualizerOutput) Close() error {
	o.mux.Lock()
	defer o.mux.Unlock()
	if o.closer == nil {
		return nil
	}
	err := o.closer.Close()
	o.closer = nil
	return err
}

// graphVisualizer prints a method graph in the c1visualizer format.
type graphVisualizer struct {
	out     *bytes.Buffer
	graph   ssa.Builder
	codegen backend.Compiler
	indent  int
}

func newGraphVisualizer(out *bytes.Buffer, graph ssa.Builder, codegen backend.Compiler) *graphVisualizer {
	return &graphVisualizer{out: out, graph: graph, codegen: codegen}
}

func (v *graphVisualizer) startTag(name string) {
	v.printIndent()
	fmt.Fprintf(v.out, "begin_%s\n", name)
	v.indent++
}

func (v *graphVisualizer) endTag(name string) {
	v.indent--
	v.printIndent()
	fmt.Fprintf(v.out, "end_%s\n", name)
}

func (v *graphVisualizer) printProperty(name, value string) {
	v.printIndent()
	fmt.Fprintf(v.out, "%s %q\n", name, value)
}

func (v *graphVisualizer) printTime(name string) {
	v.printIndent()
	fmt.Fprintf(v.out, "%s %d\n", name, time.Now().Unix())
}

func (v *graphVisualizer) printIndent() {
	for i := 0; i < v.indent; i++ {
		v.out.WriteString("  ")
	}
}

func (v *graphVisualizer) printLines(text string) {
	for _, line := range strings.Split(strings.Trim(text, "\n"), "\n") {
		v.printIndent()
		v.out.WriteString(strings.TrimRight(line, " \t"))
		v.out.WriteByte('\n')
	}
}

// PrintHeader opens the compilation of the method.
func (v *graphVisualizer) PrintHeader(methodName string) {
	v.startTag("compilation")
	v.printProperty("name", methodName)
	v.printProperty("method", methodName)
	v.printTime("date")
	v.endTag("compilation")
}

// DumpGraph prints the graph as it is before or after the named pass. Nothing is printed
// while the graph holds no instruction, as before it is built.
func (v *graphVisualizer) DumpGraph(passName string, isAfterPass, changed, graphInBadState bool) {
	if v.graph.Size() == 0 {
		return
	}
	v.dumpCFG(passDescription(passName, isAfterPass, changed, graphInBadState), v.graph.Format())
}

// DumpGraphWithDisassembly prints the final graph followed by the generated code.
func (v *graphVisualizer) DumpGraphWithDisassembly() {
	if v.graph.BlockIteratorBegin() == nil {
		return
	}
	text := v.graph.Format()
	if v.codegen != nil {
		text += "\ncode:\n" + v.codegen.Format()
	}
	v.dumpCFG(passDescription(disassemblyPassName, true, true, false), text)
}

func (v *graphVisualizer) dumpCFG(name, text string) {
	v.startTag("cfg")
	v.printProperty("name", name)
	v.printLines(text)
	v.endTag("cfg")
}

// passDescription names a graph dump, e.g. "GVN (after, no_change)".
func passDescription(passName string, isAfterPass, changed, graphInBadState bool) string {
	var sb strings.Builder
	sb.WriteString(passName)
	if isAfterPass {
		sb.WriteString(" (after")
		if !changed {
			sb.WriteString(", no_change")
		}
	} else {
		sb.WriteString(" (before")
	}
	if graphInBadState {
		sb.WriteString(", bad_state")
	}
	sb.WriteByte(')')
	return sb.String()
}

// metaDataCompilationBlock returns a compilation block carrying meta data instead of a method.
func metaDataCompilationBlock(meta string, properties ...string) []byte {
	var buf bytes.Buffer
	v := &graphVisualizer{out: &buf}
	v.startTag("compilation")
	v.printProperty("name", meta)
	v.printProperty("method", meta)
	for i := 0; i+1 < len(properties); i += 2 {
		v.printProperty(properties[i], properties[i+1])
	}
	v.printTime("date")
	v.endTag("compilation")
	return buf.Bytes()
}
