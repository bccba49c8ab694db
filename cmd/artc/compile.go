package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aosp-leddaz/art/internal/config"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/linker"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
)

func newCompileCmd() *cobra.Command {
	var flags compilerFlags
	var output string
	var strict bool
	var bootImage bool
	cmd := &cobra.Command{
		Use:   "compile [flags] <program.yaml>",
		Args:  cobra.ExactArgs(1),
		Short: "Compile the methods of a program into an image",
		Long: "Compile the methods of a program into an image.\n" +
			"\n" +
			"Every method is compiled ahead of time, native methods into the stub calling their\n" +
			"native code. The methods that cannot be compiled are left to the interpreter and\n" +
			"are not part of the image, unless --strict is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.options(cmd, config.CompilerKindAOT)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("boot-image") {
				opts.BootImage = bootImage
			}
			prog, err := loadProgram(args[0])
			if err != nil {
				return err
			}
			s, err := newSession(opts, prog.runtime(opts.Debuggable))
			if err != nil {
				return err
			}

			compiled, err := compileAll(cmd, s, prog.methods, flags.jobs)
			if err != nil {
				return multierror.Append(err, s.Close())
			}
			printCompiled(cmd.OutOrStdout(), prog.methods, compiled)

			var result error
			if strict {
				for i, m := range prog.methods {
					if compiled[i] == nil {
						result = multierror.Append(result, errors.Errorf("%s was not compiled", m))
					}
				}
			}
			if result == nil {
				result = writeImage(cmd.OutOrStdout(), s, output)
			}
			if err := s.Close(); err != nil {
				result = multierror.Append(result, err)
			}
			return result
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "a.art", "Image file to write")
	cmd.Flags().BoolVar(&strict, "strict", false, "Fail if any method is not compiled")
	cmd.Flags().BoolVar(&bootImage, "boot-image", false, "Compile the boot image, with the intrinsics")

	return cmd
}

// compileAll compiles the methods on jobs workers. The artifact of methods[i], nil if it was
// not compiled, is at index i of the result.
func compileAll(cmd *cobra.Command, s *session, methods []*optimizingapi.Method, jobs int) ([]*linker.CompiledMethod, error) {
	compiled := make([]*linker.CompiledMethod, len(methods))
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(jobs)
	for i, m := range methods {
		i, m := i, m
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if m.IsNative() {
				compiled[i] = s.JniCompile(m)
			} else {
				compiled[i] = s.Compile(m)
			}
			return nil
		})
	}
	return compiled, g.Wait()
}

func printCompiled(w io.Writer, methods []*optimizingapi.Method, compiled []*linker.CompiledMethod) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "METHOD\tSIZE\tFRAME\tPATCHES\tKIND")
	for i, m := range methods {
		cm := compiled[i]
		if cm == nil {
			fmt.Fprintf(tw, "%s\t-\t-\t-\tinterpreted\n", m)
			continue
		}
		kind := "compiled"
		switch {
		case cm.Intrinsic:
			kind = "intrinsic"
		case cm.NativeStub:
			kind = "jni stub"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", m, units.HumanSize(float64(len(cm.Code))), cm.FrameSize, len(cm.Patches), kind)
	}
	tw.Flush() // nolint: errcheck
}

// writeImage links the methods compiled by s into the image file at path.
func writeImage(w io.Writer, s *session, path string) error {
	img, err := s.LinkImage()
	if err != nil {
		return errors.Wrap(err, "linking")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating image")
	}
	n, err := img.WriteTo(f)
	if cerr := f.Close(); err == nil {
		err = errors.Wrap(cerr, "closing image")
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: %d methods, %d thunks, text %s, written %s (build %s)\n", path,
		len(img.Methods), len(img.Thunks), units.HumanSize(float64(len(img.Text))), units.HumanSize(float64(n)), img.BuildID)
	return nil
}
