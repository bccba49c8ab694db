// Command artc drives the optimizing compiler over the methods of a program file: ahead of
// time into an image, or just in time into an in-process code cache.
package main

import (
	"fmt"
	"os"

	"github.com/dc0d/onexit"
	"github.com/golang/glog"
)

func main() {
	err := newArtcCmd().Execute()
	// Run the exit hooks of the sessions, then flush what they logged.
	onexit.Done()
	glog.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
