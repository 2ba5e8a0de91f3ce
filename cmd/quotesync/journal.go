package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/quotesync/transport/api"
)

var journalStates []string

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect and repair the change journal",
}

var journalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List journal entries",
	Example: `  quotesync journal list
  quotesync journal list --state failed
  quotesync journal list --state pending,in_flight --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		states, err := api.ParseStates(journalStates...)
		if err != nil {
			return err
		}
		a, err := newApp(cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.engine.Journal().Entries(cmd.Context(), states...)
		if err != nil {
			return err
		}
		return printEntries(cmd.OutOrStdout(), entries)
	},
}

var journalRetryCmd = &cobra.Command{
	Use:   "retry <entry-id>",
	Short: "Requeue a failed entry on top of the latest known record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		entry, err := a.engine.Retry(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Entry %s for %s is pending again (base version %d)\n",
			entry.ID, entry.Key(), entry.PreviousVersion)
		return nil
	},
}

var journalDiscardCmd = &cobra.Command{
	Use:   "discard <entry-id>",
	Short: "Drop an entry without sending it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.engine.Discard(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Entry %s discarded\n", args[0])
		return nil
	},
}

func init() {
	journalListCmd.Flags().StringSliceVar(&journalStates, "state", nil, "Only list entries in these states (pending, in_flight, confirmed, failed)")
	journalListCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print entries as JSON")

	journalCmd.AddCommand(journalListCmd, journalRetryCmd, journalDiscardCmd)
	rootCmd.AddCommand(journalCmd)
}
