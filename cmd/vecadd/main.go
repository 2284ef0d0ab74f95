// Package main provides the vecadd CLI.
//
// vecadd adds two large float32 arrays with a compute kernel on the selected
// device and verifies every element on the host.
//
// Usage:
//
//	vecadd run [flags]
//	vecadd devices
//	vecadd version
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/born-ml/vecadd/internal/adder"
	"github.com/spf13/cobra"
)

const version = "v0.1.0"

// maxPrintedMismatches bounds the mismatch lines printed on failure.
const maxPrintedMismatches = 10

func main() {
	if err := newRootCmd().Execute(); err != nil {
		printFailure(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vecadd",
		Short:         "Add two float32 arrays on a compute device and verify the result",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newDevicesCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "vecadd %s\n", version)
		},
	}
}

// printFailure writes err to w, listing the first mismatches of a failed
// verification.
func printFailure(w io.Writer, err error) {
	var me *adder.MismatchError
	if errors.As(err, &me) {
		mismatches := me.Report.Mismatches
		for _, m := range mismatches[:min(len(mismatches), maxPrintedMismatches)] {
			fmt.Fprintf(w, "Compute ERROR: %s\n", m)
		}
		if len(mismatches) > maxPrintedMismatches {
			fmt.Fprintf(w, "... %d more\n", len(mismatches)-maxPrintedMismatches)
		}
	}
	fmt.Fprintf(w, "Error: %v\n", err)
}
