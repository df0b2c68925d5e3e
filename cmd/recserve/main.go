// Package main provides the recserve binary: the recommendation server and
// its operator commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ricesearch/recserve/internal/config"
	"github.com/ricesearch/recserve/internal/pkg/logger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "recserve",
		Short: "recserve - batched recommendation serving",
		Long: `recserve answers recommendation requests over HTTP. Concurrent requests
are coalesced into micro-batches so the ranking model is called once per
batch instead of once per request.

Run 'recserve serve' (or just 'recserve') to start the server.
Run 'recserve --help' for available commands.`,
		RunE:         runServe,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose logging")
	addServeFlags(rootCmd)

	rootCmd.AddCommand(
		serveCmd(),
		seedCmd(),
		benchCmd(),
		eventsCmd(),
		versionCmd(),
	)

	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "recserve %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}
}

// loadConfig reads the config file named by --config, applies env
// overrides and builds the logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *logger.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	log := logger.NewWithWriter(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	return cfg, log, nil
}
