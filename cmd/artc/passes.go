package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/aosp-leddaz/art/internal/engine/optimizing/optimizingapi"
	"github.com/aosp-leddaz/art/internal/engine/optimizing/passes"
)

func newPassesCmd() *cobra.Command {
	var isaName string
	cmd := &cobra.Command{
		Use:   "passes",
		Args:  cobra.NoArgs,
		Short: "List the optimization pipelines",
		Long: "List the optimization pipelines of an instruction set.\n" +
			"\n" +
			"An invocation followed by \"if <pass> changed\" only runs if the latest invocation\n" +
			"of that pass changed the graph. The names listed are accepted by --passes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			isa, err := optimizingapi.ParseInstructionSet(isaName)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			printPipeline(w, "optimized", passes.FullOptimizations())
			printPipeline(w, "architecture ("+isa.String()+")", passes.ArchOptimizations(isa))
			printPipeline(w, "baseline ("+isa.String()+")", passes.BaselineOptimizations(isa))
			printPipeline(w, "intrinsic", passes.IntrinsicOptimizations())
			return nil
		},
	}

	cmd.Flags().StringVar(&isaName, "isa", "arm64", "Instruction set of the architecture and baseline pipelines")

	return cmd
}

func printPipeline(w io.Writer, title string, defs []passes.OptimizationDef) {
	fmt.Fprintf(w, "%s:\n", title)
	if len(defs) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, def := range defs {
		if def.DependsOn != passes.None {
			fmt.Fprintf(w, "  %s if %s changed\n", def.DisplayName(), def.DependsOn)
		} else {
			fmt.Fprintf(w, "  %s\n", def.DisplayName())
		}
	}
}
