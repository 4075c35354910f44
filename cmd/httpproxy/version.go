package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fabian4/httpproxy/internal/version"
)

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "httpproxy %s\n", version.String())
		},
	}
}
