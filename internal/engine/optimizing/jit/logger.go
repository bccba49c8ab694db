package jit

import (
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// JniTrampolineName is the symbol native stubs are logged under, which profilers recognize.
const JniTrampolineName = "art_jni_trampoline"

// Logger writes one perf map line per committed entry: "<address> <size> <name>" in hex.
type Logger struct {
	mux sync.Mutex
	w   io.Writer
}

// NewLogger returns a Logger writing to w.
func NewLogger(w io.Writer) *Logger {
	return &Logger{w: w}
}

// WriteLog logs e.
func (l *Logger) WriteLog(e *Entry) error {
	name := e.Name
	if e.NativeStub {
		name = JniTrampolineName
	}
	l.mux.Lock()
	defer l.mux.Unlock()
	_, err := fmt.Fprintf(l.w, "%x %x %s\n", e.CodeAddress, e.CodeSize, name)
	return errors.Wrap(err, "writing perf map")
}
