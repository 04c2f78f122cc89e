package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keeldb/keel/version"
)

func init() {
	keelCmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number of keel",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(version.Version)
			},
		})
}
