// Package contract provides fail-fast assertions for internal invariants.
package contract

import (
	"flag"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/golang/glog"
)

// FatalHook is called with the message of a failed contract. It ends the process unless
// replaced, which tests do to observe a failure without exiting.
var FatalHook = func(msg string) {
	glog.Fatal(msg)
}

// failfast logs and ends the process in a way that is friendly to debugging.
func failfast(msg string) {
	if f := flag.Lookup("logtostderr"); f != nil {
		if g, isgettable := f.Value.(flag.Getter); isgettable {
			if enabled, ok := g.Get().(bool); ok && enabled {
				// Print the stack to stderr anytime glog verbose logging is enabled, since glog won't.
				fmt.Fprintf(os.Stderr, "fatal: %v\n", msg)
				debug.PrintStack()
			}
		}
	}
	FatalHook(msg)
}
