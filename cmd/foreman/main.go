// Command foreman is the multi-instance orchestration controller's CLI:
// "serve" runs the controller, distributor, health monitor, and
// transport loop together; "exec" is the literal stdin/stdout thin
// wrapper of spec §6. Grounded on cmd/warren/main.go's cobra tree and
// cobra.OnInitialize logging setup.
package main

import (
	"fmt"
	"os"

	"github.com/cuemby/foreman/pkg/log"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "foreman",
	Short:   "Foreman - multi-instance orchestration controller",
	Long:    `Foreman launches and supervises a fleet of worker instances, routing tasks to them over a text protocol.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("foreman version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(execCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}
