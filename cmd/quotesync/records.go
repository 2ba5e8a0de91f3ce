package main

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	syncErrors "github.com/c0deZ3R0/quotesync/errors"
	"github.com/c0deZ3R0/quotesync/synckit"
)

var refreshFirst bool

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Read and edit locally cached records",
}

var recordsListCmd = &cobra.Command{
	Use:   "list <deal|quote|inventory_item>",
	Short: "List the local records of a kind",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := synckit.ParseKind(args[0])
		if err != nil {
			return err
		}
		a, err := newApp(cfg, refreshFirst)
		if err != nil {
			return err
		}
		defer a.Close()

		if refreshFirst {
			n, err := a.engine.Refresh(cmd.Context(), kind)
			if err != nil {
				return err
			}
			a.logger.Debug("Refreshed records", slog.String("kind", string(kind)), slog.Int("updated", n))
		}
		records, err := a.engine.Store().List(cmd.Context(), kind)
		if err != nil {
			return err
		}
		return printRecords(cmd.OutOrStdout(), records)
	},
}

var recordsEditCmd = &cobra.Command{
	Use:     "edit <kind> <id> <payload-json>",
	Short:   "Journal a local edit; the next sync sends it",
	Example: `  quotesync records edit quote q-42 '{"price": 1200, "currency": "EUR"}'`,
	Args:    cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := synckit.ParseKind(args[0])
		if err != nil {
			return err
		}
		var payload synckit.Payload
		if err := json.Unmarshal([]byte(args[2]), &payload); err != nil {
			return syncErrors.NewValidationError(syncErrors.OpEdit, fmt.Errorf("payload must be a JSON object: %w", err))
		}
		a, err := newApp(cfg, false)
		if err != nil {
			return err
		}
		defer a.Close()

		entry, err := a.engine.Edit(cmd.Context(), kind, args[1], payload)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Journaled %s as entry %s (seq %d)\n", entry.Key(), entry.ID, entry.Seq)
		return nil
	},
}

var recordsRefreshCmd = &cobra.Command{
	Use:   "refresh <kind> [id...]",
	Short: "Fetch records from the remote API; without ids every cached record of the kind",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := synckit.ParseKind(args[0])
		if err != nil {
			return err
		}
		a, err := newApp(cfg, true)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.engine.Refresh(cmd.Context(), kind, args[1:]...)
		fmt.Fprintf(cmd.OutOrStdout(), "Updated %d %s record(s)\n", n, kind)
		return err
	},
}

func init() {
	recordsListCmd.Flags().BoolVar(&refreshFirst, "refresh", false, "Fetch the kind from the remote API before listing")
	recordsListCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print records as JSON")

	recordsCmd.AddCommand(recordsListCmd, recordsRefreshCmd, recordsEditCmd)
	rootCmd.AddCommand(recordsCmd)
}
