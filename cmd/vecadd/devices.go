package main

import (
	"fmt"
	"strings"

	"github.com/born-ml/vecadd/internal/backend"
	"github.com/born-ml/vecadd/internal/kernel"
	"github.com/spf13/cobra"
)

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List available compute backends and built-in kernels",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			for _, info := range backend.List() {
				status := "unavailable"
				if info.Available {
					status = info.Device
				}
				fmt.Fprintf(out, "%-8s %s\n", info.Kind, status)
			}
			module := kernel.Builtin()
			fmt.Fprintf(out, "kernels  %s: %s\n", module.Name(), strings.Join(module.Names(), ", "))
		},
	}
}
