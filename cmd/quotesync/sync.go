package main

import (
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single sync cycle and print the result",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, true)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.engine.SyncOnce(cmd.Context())
		if err != nil {
			return err
		}
		return printSyncResult(cmd.OutOrStdout(), res)
	},
}

func init() {
	syncCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the result as JSON")
	rootCmd.AddCommand(syncCmd)
}
