// redoflow - Oracle-compatible redo-log replication engine.
// Reads archived and online redo logs and emits committed transactions in
// SCN order.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// CLI flags
var (
	configFile string
	outputFile string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "redoflow",
	Short: "Redo-log change-data-capture replicator",
	Long: `redoflow ingests a database's redo stream - archived and online
log files across all redo threads - and emits committed transactions to a
serializer in strict SCN order.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("redoflow %s (%s)\n", version, commit)
	},
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "redoflow.yaml", "configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	rootCmd.AddCommand(replicateCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
