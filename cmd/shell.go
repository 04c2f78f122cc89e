package cmd

import (
	"github.com/spf13/cobra"

	"github.com/keeldb/keel/repl"
)

var (
	shellCmd = &cobra.Command{
		Use:   "shell",
		Short: "Run an interactive session against a keel server",
		RunE:  shellRun,
	}

	addr = "127.0.0.1:9999"
)

func init() {
	fs := shellCmd.Flags()
	fs.StringVar(&addr, "addr", addr, "`address` of the server")
	cfgVars["addr"] = fs.Lookup("addr")

	keelCmd.AddCommand(shellCmd)
}

func shellRun(cmd *cobra.Command, args []string) error {
	return repl.Interact(addr)
}
