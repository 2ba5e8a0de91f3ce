package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/quotesync/synckit"
	"github.com/c0deZ3R0/quotesync/transport/sse"
)

var (
	eventsURL   string
	eventsKinds []string
	eventsTypes []string
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow the event stream of a running quotesync",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		target := eventsURL
		if target == "" {
			target = "http://" + localAddr(cfg.HTTP.Addr) + "/events"
		}
		filter := sse.Filter{}
		for _, k := range eventsKinds {
			kind, err := synckit.ParseKind(k)
			if err != nil {
				return err
			}
			filter.Kinds = append(filter.Kinds, kind)
		}
		for _, t := range eventsTypes {
			filter.Types = append(filter.Types, synckit.EventType(t))
		}

		client := sse.NewClient(target, &http.Client{})
		out := cmd.OutOrStdout()
		err := client.Subscribe(ctx, filter, func(ev synckit.Event) error {
			if jsonOutput {
				return printJSON(out, ev)
			}
			fmt.Fprintf(out, "%s  %-16s %s", ev.At.Format("15:04:05.000"), ev.Type, ev.Key())
			if ev.Reason != "" {
				fmt.Fprintf(out, "  %s", ev.Reason)
			}
			fmt.Fprintln(out)
			return nil
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

// localAddr turns a listen address such as ":8080" into a dialable host:port.
func localAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

func init() {
	eventsCmd.Flags().StringVar(&eventsURL, "url", "", "Event stream URL (default: derived from http.addr)")
	eventsCmd.Flags().StringSliceVar(&eventsKinds, "kind", nil, "Only follow these record kinds")
	eventsCmd.Flags().StringSliceVar(&eventsTypes, "type", nil, "Only follow these event types")
	eventsCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print events as JSON")
	rootCmd.AddCommand(eventsCmd)
}
