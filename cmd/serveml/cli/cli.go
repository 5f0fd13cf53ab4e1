// Package cli implements the "serveml product" subcommand tree, a client
// for a running serveml server.
package cli

import (
	"github.com/spf13/cobra"

	"serveml/internal/server"
)

// NewProductCommand returns the "product" command with all subcommands wired in.
func NewProductCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "product",
		Short: "Manage products on a running server",
		Long:  "Connect to a running serveml server to add, run, remove and list products.",
	}

	cmd.PersistentFlags().String("addr", "http://localhost:5000", "server address")
	cmd.PersistentFlags().StringP("output", "o", "table", "output format: table or json")

	cmd.AddCommand(
		newAddCmd(),
		newInferCmd(),
		newRemoveCmd(),
		newListCmd(),
	)

	return cmd
}

func clientFromCmd(cmd *cobra.Command) *server.Client {
	addr, _ := cmd.Flags().GetString("addr")
	return server.NewClient(addr, nil)
}

func outputFormat(cmd *cobra.Command) string {
	f, _ := cmd.Flags().GetString("output")
	return f
}
