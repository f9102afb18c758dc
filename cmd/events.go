package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/techplay/ab-cli/internal/model"
	"github.com/techplay/ab-cli/internal/store"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect and prune the tracked event log",
}

var (
	eventsExperiment string
	eventsName       string
	eventsVisitor    string
	eventsSince      time.Duration
	eventsLimit      int
)

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked events",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close(context.Background())

		filter := store.EventFilter{
			ExperimentKey: eventsExperiment,
			Name:          model.EventName(eventsName),
			VisitorID:     eventsVisitor,
			Limit:         eventsLimit,
		}
		if eventsSince > 0 {
			filter.Since = time.Now().Add(-eventsSince)
		}

		evs, err := env.Store.ListEvents(cmd.Context(), filter)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "OCCURRED\tEVENT\tEXPERIMENT\tVARIANT\tSUBJECT\tVISITOR")
		for _, ev := range evs {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				ev.OccurredAt.Format(time.RFC3339), ev.Name, ev.ExperimentKey,
				ev.Variant, ev.SubjectID, ev.VisitorID)
		}
		return w.Flush()
	},
}

var eventsPruneOlderThan time.Duration

var eventsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete events older than a cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close(context.Background())

		n, err := env.Store.DeleteEventsBefore(cmd.Context(), time.Now().Add(-eventsPruneOlderThan))
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d events\n", n)
		return nil
	},
}

func init() {
	f := eventsListCmd.Flags()
	f.StringVar(&eventsExperiment, "experiment", "", "filter by experiment key")
	f.StringVar(&eventsName, "event", "", "filter by event name")
	f.StringVar(&eventsVisitor, "visitor", "", "filter by visitor ID")
	f.DurationVar(&eventsSince, "since", 0, "only events within this lookback")
	f.IntVar(&eventsLimit, "limit", 100, "maximum events to list")

	eventsPruneCmd.Flags().DurationVar(&eventsPruneOlderThan, "older-than", 90*24*time.Hour, "delete events older than this")

	eventsCmd.AddCommand(eventsListCmd, eventsPruneCmd)
	rootCmd.AddCommand(eventsCmd)
}
