package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"edbridge/pkg/eventlog"
)

// eventsConfig holds flags for the events command.
type eventsConfig struct {
	eventType string
	workerID  string
	since     time.Duration
	limit     int
	counts    bool
}

// newEventsCmd creates the "edbridge events" subcommand.
func newEventsCmd(opts *rootOptions) *cobra.Command {
	var cfg eventsConfig

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the host's lifecycle event log",
		Long:  "Reads worker connects, disconnects, rejections, heartbeat timeouts and\nbridge state changes from the event database, oldest first.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.load()
			if err != nil {
				return err
			}
			return runEvents(cmd.Context(), cmd.OutOrStdout(), c.EventDB, cfg, time.Now())
		},
	}

	cmd.Flags().StringVar(&cfg.eventType, "type", "", "only events of this type, e.g. worker_disconnected")
	cmd.Flags().StringVar(&cfg.workerID, "worker", "", "only events for this worker instance")
	cmd.Flags().DurationVar(&cfg.since, "since", 0, "only events from the last duration, e.g. 1h")
	cmd.Flags().IntVar(&cfg.limit, "limit", 50, "number of recent events to show (0 = all)")
	cmd.Flags().BoolVar(&cfg.counts, "counts", false, "print per-type totals instead of events")

	return cmd
}

func runEvents(ctx context.Context, w io.Writer, dbPath string, cfg eventsConfig, now time.Time) error {
	r, err := eventlog.NewReader(dbPath)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer func() { _ = r.Close() }()

	if cfg.counts {
		counts, err := r.CountByType(ctx)
		if err != nil {
			return err
		}
		types := make([]string, 0, len(counts))
		for typ := range counts {
			types = append(types, typ)
		}
		sort.Strings(types)
		for _, typ := range types {
			fmt.Fprintf(w, "%-22s %d\n", typ, counts[typ])
		}
		return nil
	}

	q := eventlog.QueryOpts{EventType: cfg.eventType, WorkerID: cfg.workerID, Limit: cfg.limit}
	if cfg.since > 0 {
		after := now.Add(-cfg.since).UTC()
		q.After = &after
	}
	events, err := r.Query(ctx, q)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(w, "no events found")
		return nil
	}
	// Query returns newest first.
	for i := len(events) - 1; i >= 0; i-- {
		formatEvent(w, events[i])
	}
	return nil
}

func formatEvent(w io.Writer, ev eventlog.Event) {
	line := fmt.Sprintf("%s  %-20s", ev.CreatedAt.Format(time.DateTime), ev.Type)
	if ev.WorkerID != "" {
		line += "  worker=" + ev.WorkerID
	}
	if ev.ConnID != "" {
		line += "  conn=" + ev.ConnID
	}
	if ev.Payload != "" {
		line += "  " + ev.Payload
	}
	fmt.Fprintln(w, line)
}
