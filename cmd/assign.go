package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/techplay/ab-cli/internal/dedup"
	"github.com/techplay/ab-cli/internal/tracker"
	"github.com/techplay/ab-cli/internal/variant"
)

var (
	assignExperiment string
	assignVariants   string
	assignVisitor    string
	assignOverride   string
	assignTTLDays    int
	assignJSON       bool
)

var assignCmd = &cobra.Command{
	Use:   "assign",
	Short: "Resolve and persist a visitor's variant for an experiment",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if assignExperiment == "" || assignVisitor == "" {
			return eris.New("--experiment and --visitor are required")
		}

		env, err := initEnv(ctx, "store")
		if err != nil {
			return err
		}
		defer env.Close(context.Background())

		exp, err := resolveExperiment(env.Registry, assignExperiment, splitList(assignVariants))
		if err != nil {
			return eris.Wrap(err, "resolve experiment")
		}
		ttl := exp.TTLDays
		if cmd.Flags().Changed("ttl-days") {
			ttl = assignTTLDays
		}

		assigner := variant.NewAssigner(variant.NewKVStore(env.Store, assignVisitor))
		t := tracker.New(assigner, dedup.New(dedup.WithDefaultWindow(cfg.Dedup.Window())), buildSinks(env),
			tracker.WithVisitor(assignVisitor),
			tracker.WithQueueSize(cfg.Tracker.QueueSize),
			tracker.WithEmitTimeout(cfg.Tracker.Timeout()),
		)
		sess, err := t.Mount(ctx, exp.Key, exp.Variants, "",
			variant.WithTTLDays(ttl),
			variant.WithOverride(assignOverride),
		)
		t.Close()
		if err != nil {
			return err
		}

		a := sess.Assignment()
		out := cmd.OutOrStdout()
		if assignJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(a)
		}
		_, _ = fmt.Fprintf(out, "%s\t%s\t%s\n", a.ExperimentKey, a.Variant, a.Source)
		return nil
	},
}

func init() {
	f := assignCmd.Flags()
	f.StringVar(&assignExperiment, "experiment", "", "experiment key")
	f.StringVar(&assignVariants, "variants", "", "comma-separated variants (default from registered experiment)")
	f.StringVar(&assignVisitor, "visitor", "", "visitor ID owning the assignment")
	f.StringVar(&assignOverride, "override", "", "force a variant, as a QA link would")
	f.IntVar(&assignTTLDays, "ttl-days", 0, "expire the assignment after N days (0 = never)")
	f.BoolVar(&assignJSON, "json", false, "print the assignment as JSON")
	rootCmd.AddCommand(assignCmd)
}
