// Command vaultsyncctl is a small demonstration CLI driving the core
// Connection/Database API from a terminal: connect, open a database,
// insert a record, print its current item set, and grant or accept
// database access between accounts. Packaging and bootstrap code are
// out of scope for the core itself; this binary exists only to
// exercise the core end-to-end.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vaultsyncctl",
		Short: "Drive a vaultsync Connection from the command line",
	}
	root.AddCommand(connectCmd())
	root.AddCommand(insertCmd())
	root.AddCommand(itemsCmd())
	root.AddCommand(grantCmd())
	root.AddCommand(acceptCmd())
	return root
}
