package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"swarm/pkg/eventlog"
)

// eventsConfig holds the flags of swarm events.
type eventsConfig struct {
	typ  string
	tail int
}

// newEventsCmd creates the "swarm events" subcommand.
func newEventsCmd() *cobra.Command {
	var cfg eventsConfig

	cmd := &cobra.Command{
		Use:   "events [NAME]",
		Short: "Query the heartbeat and Ralph event history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var name string
			if len(args) == 1 {
				name = args[0]
			}
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if _, err := os.Stat(a.cfg.EventsDB); errors.Is(err, os.ErrNotExist) {
				fmt.Fprintln(out, "no events found")
				return nil
			}
			r, err := eventlog.NewReader(a.cfg.EventsDB)
			if err != nil {
				return fmt.Errorf("open events: %w", err)
			}
			defer r.Close()

			events, err := r.Query(cmd.Context(), eventlog.QueryOpts{Worker: name, Type: cfg.typ, Limit: cfg.tail})
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Fprintln(out, "no events found")
				return nil
			}
			// Query returns newest first; print oldest first like a log.
			for i := len(events) - 1; i >= 0; i-- {
				formatEvent(out, events[i])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.typ, "type", "", "only this event type, e.g. ralph.timeout")
	cmd.Flags().IntVar(&cfg.tail, "tail", 20, "number of recent events to show")
	return cmd
}

// formatEvent writes a single event in a human-readable format.
func formatEvent(w io.Writer, e eventlog.Event) {
	fmt.Fprintf(w, "%s | %-16s | %-18s | %-9s | %s\n",
		e.CreatedAt.Local().Format(time.DateTime), e.Worker, e.Type, e.Source, e.Payload)
}
