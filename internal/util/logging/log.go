// Package logging wraps glog initialisation and verbosity checks for the compiler.
package logging

import (
	"flag"
	"strconv"

	"github.com/golang/glog"
)

var (
	// LogToStderr is true once InitLogging redirected glog to stderr.
	LogToStderr = false
	// Verbose is the glog verbosity set by InitLogging.
	Verbose = 0
	// LogFlow enables the per-pass flow logs at V(7) regardless of Verbose.
	LogFlow = false
)

// InitLogging ensures the glog library has been initialized with the given settings.
func InitLogging(logToStderr bool, verbose int, logFlow bool) {
	// glog reads its settings from the flag set only.
	if !flag.Parsed() {
		flag.CommandLine.Parse(nil) // nolint: errcheck
	}
	LogToStderr, Verbose, LogFlow = logToStderr, verbose, logFlow
	if f := flag.Lookup("logtostderr"); f != nil {
		f.Value.Set(strconv.FormatBool(logToStderr)) // nolint: errcheck
	}
	if f := flag.Lookup("v"); f != nil {
		level := verbose
		if logFlow && level < 7 {
			level = 7
		}
		f.Value.Set(strconv.Itoa(level)) // nolint: errcheck
	}
}

// V logs at a given level if that level is enabled.
func V(level glog.Level) glog.Verbose {
	return glog.V(level)
}
