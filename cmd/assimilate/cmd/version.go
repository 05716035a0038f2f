package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set via -ldflags "-X ...cmd.version=..." at release build
// time; it stays "dev" for local builds.
var version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the assimilate build version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
