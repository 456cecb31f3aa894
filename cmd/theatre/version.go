package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is stamped at release time; unset in development builds.
var version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the theatre version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}
