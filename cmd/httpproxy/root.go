package main

import (
	"github.com/spf13/cobra"
)

const (
	envPrefix     = "HTTPPROXY"
	flagsFileFlag = "flags-file"
)

func rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "httpproxy",
		Short:         "HTTP/1.1 reverse proxy with routing, pooling and service registration",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return bindAll(cmd, envPrefix, flagsFileFlag)
		},
	}
	cmd.PersistentFlags().String(flagsFileFlag, "", "YAML `path` with default flag values")

	cmd.AddCommand(runCommand(), versionCommand())
	return cmd
}
