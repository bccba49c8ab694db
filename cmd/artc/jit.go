package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dc0d/onexit"
	"github.com/golang/glog"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aosp-leddaz/art/internal/config"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/jit"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
)

func newJitCmd() *cobra.Command {
	var flags compilerFlags
	var perfMap string
	var osr bool
	cmd := &cobra.Command{
		Use:   "jit [flags] <program.yaml>",
		Args:  cobra.ExactArgs(1),
		Short: "Install the methods of a program into a code cache",
		Long: "Install the methods of a program into a code cache.\n" +
			"\n" +
			"Every method is compiled just in time and committed to an in-process code cache,\n" +
			"whose entries are then listed. Calls to methods committed earlier go straight to\n" +
			"their code, the others through the resolution trampoline.",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.options(cmd, config.CompilerKindJIT)
			if err != nil {
				return err
			}
			prog, err := loadProgram(args[0])
			if err != nil {
				return err
			}
			cache, err := jit.NewCodeCache(opts.InstructionSet, opts.CodeCacheCapacity)
			if err != nil {
				return err
			}
			onexit.Register(func() {
				if err := cache.Close(); err != nil {
					glog.Warningf("%v", err)
				}
			})
			s, err := newSession(opts, prog.runtime(opts.Debuggable))
			if err != nil {
				return err
			}

			var logger *jit.Logger
			if perfMap != "" {
				f, err := os.Create(perfMap)
				if err != nil {
					return multierror.Append(errors.Wrap(err, "creating perf map"), s.Close())
				}
				defer f.Close()
				logger = jit.NewLogger(f)
			}

			kind := optimizingapi.CompilationKindOptimized
			switch {
			case osr:
				kind = optimizingapi.CompilationKindOsr
			case opts.Baseline:
				kind = optimizingapi.CompilationKindBaseline
			}

			var result error
			if err := jitAll(cmd, s, cache, prog.methods, kind, logger, flags.jobs); err != nil {
				result = multierror.Append(result, err)
			} else {
				printEntries(cmd.OutOrStdout(), cache)
			}
			if err := s.Close(); err != nil {
				result = multierror.Append(result, err)
			}
			return result
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&perfMap, "perf-map", "", "Write the perf map of the committed methods to this file")
	cmd.Flags().BoolVar(&osr, "osr", false, "Compile for on-stack replacement")

	return cmd
}

// jitAll compiles the methods into the private region of cache on jobs workers.
func jitAll(cmd *cobra.Command, s *session, cache *jit.CodeCache, methods []*optimizingapi.Method,
	kind optimizingapi.CompilationKind, logger *jit.Logger, jobs int,
) error {
	region := cache.PrivateRegion()
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(jobs)
	for _, m := range methods {
		m := m
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !s.JitCompile(cache, region, m, kind, logger) {
				glog.V(2).Infof("%s left to the interpreter", m)
			}
			return nil
		})
	}
	return g.Wait()
}

func printEntries(w io.Writer, cache *jit.CodeCache) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tMETHOD\tADDRESS\tSIZE\tFRAME\tROOTS")
	for _, e := range cache.Entries() {
		name := e.Name
		if e.NativeStub {
			name += " (" + jit.JniTrampolineName + ")"
		}
		fmt.Fprintf(tw, "%d\t%s\t%#x\t%d\t%d\t%d\n", e.MethodIndex, name, e.CodeAddress, e.CodeSize, e.FrameSize, e.NumRoots)
	}
	tw.Flush() // nolint: errcheck
	fmt.Fprintln(w, cache)
	fmt.Fprintln(w, cache.MemoryUsage())
}
