package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/songyanbo/http-client/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  exactArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "httpool %s (%s %s/%s)\n",
				version.Full(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
