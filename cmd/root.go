package cmd

import (
	"fmt"
	"os"

	"github.com/jsiwek/repkv/cmd/client"
	"github.com/jsiwek/repkv/cmd/server"
	"github.com/spf13/cobra"
)

const Version = "0.1.0"

// RootCmd represents the base command when called without any subcommands.
var RootCmd = &cobra.Command{
	Use:   "repkv",
	Short: "replicated, topic-scoped key-value store",
	Long: fmt.Sprintf(`repkv (v%s)

A replicated key-value store: one authoritative node per topic, any number
of non-authoritative replicas kept in sync over three TCP channels
(request/reply, publish/subscribe, push/pull).`, Version),
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of repkv",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("repkv v%s\n", Version)
	},
}

func init() {
	RootCmd.AddCommand(server.ServerCmd)
	RootCmd.AddCommand(client.ClientCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen
// once to RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
