package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalFlags are shared by every command
type globalFlags struct {
	configPath string
	transport  string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "mmate-mq",
		Short: "Run and inspect mmate message queue workers",
		Long: `mmate-mq runs message handlers on a memory, Redis or RabbitMQ backend
and publishes, fetches and counts messages on their queues.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&flags.transport, "transport", "t", "", "Override the configured transport (memory, redis, rabbitmq)")

	rootCmd.AddCommand(
		newServeCmd(flags),
		newPublishCmd(flags),
		newGetCmd(flags),
		newStatsCmd(flags),
	)
	return rootCmd
}
