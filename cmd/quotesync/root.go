package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/quotesync/config"
	"github.com/c0deZ3R0/quotesync/logging"
)

var (
	configPath string
	verbose    bool

	// cfg is loaded once per invocation by the root command.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "quotesync",
	Short: "Offline-first sync of deals, quotes and inventory with a remote quoting system",
	Long: `quotesync keeps a local copy of deals, quotes and inventory items, journals
local edits while offline and reconciles them with the remote quoting API.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			loaded.Logging.Level = "debug"
		}
		logging.InitTo(os.Stderr, loaded.Logging)
		cfg = loaded
		return nil
	},
}

// Execute runs the root command. Called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("QUOTESYNC_CONFIG"), "Path to the YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}
