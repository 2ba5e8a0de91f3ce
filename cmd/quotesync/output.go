package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/c0deZ3R0/quotesync/synckit"
)

var jsonOutput bool

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSyncResult(w io.Writer, res *synckit.SyncResult) error {
	if jsonOutput {
		out := struct {
			*synckit.SyncResult
			Errors []string `json:"errors,omitempty"`
		}{SyncResult: res}
		for _, err := range res.Errors {
			out.Errors = append(out.Errors, err.Error())
		}
		return printJSON(w, out)
	}
	fmt.Fprintf(w, "Sync finished in %s\n", res.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  dispatched: %d  confirmed: %d  conflicts: %d  retried: %d  failed: %d  deferred: %d\n",
		res.Dispatched, res.Confirmed, res.Conflicts, res.Retried, res.Failed, res.Deferred)
	if res.Recovered > 0 || res.Purged > 0 {
		fmt.Fprintf(w, "  recovered: %d  purged: %d\n", res.Recovered, res.Purged)
	}
	for _, err := range res.Errors {
		fmt.Fprintf(w, "  error: %v\n", err)
	}
	return nil
}

func printEntries(w io.Writer, entries []synckit.ChangeEntry) error {
	if jsonOutput {
		if entries == nil {
			entries = []synckit.ChangeEntry{}
		}
		return printJSON(w, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "No journal entries.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSEQ\tRECORD\tSTATE\tATTEMPTS\tLAST ERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%s\n", e.ID, e.Seq, e.Key(), e.State, e.Attempts, e.LastError)
	}
	return tw.Flush()
}

func printRecords(w io.Writer, records []synckit.Record) error {
	if jsonOutput {
		if records == nil {
			records = []synckit.Record{}
		}
		return printJSON(w, records)
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "No records.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tORIGIN\tUPDATED\tFIELDS")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", r.ID, r.Version, r.Origin, r.UpdatedAt.Format(time.RFC3339), fieldSummary(r.Payload))
	}
	return tw.Flush()
}

func fieldSummary(p synckit.Payload) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, p[k]))
	}
	return strings.Join(parts, " ")
}
