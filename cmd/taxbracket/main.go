package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "taxbracket",
		Short:         "TaxBracket backend: API server, job workers and admin tools",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $XDG_CONFIG_HOME/taxbracket/config.toml)")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(workerCmd(&configPath))
	rootCmd.AddCommand(enqueueCmd(&configPath))
	rootCmd.AddCommand(jobsCmd(&configPath))
	rootCmd.AddCommand(creditsCmd(&configPath))
	rootCmd.AddCommand(pipelineCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
