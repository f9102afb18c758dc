package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/techplay/ab-cli/internal/dedup"
	"github.com/techplay/ab-cli/internal/model"
	"github.com/techplay/ab-cli/internal/tracker"
	"github.com/techplay/ab-cli/internal/variant"
)

var (
	simVariants  string
	simTrials    int
	simSeed      uint64
	simTolerance float64
	simTrack     int
)

// simOptions configures a simulation run.
type simOptions struct {
	Variants  []string
	Trials    int
	Seed      uint64
	Tolerance float64
	Track     int // visitors to run through the tracker; 0 skips it
}

// simResult holds the observed distribution and, when tracking ran, the
// event counts pushed to the data layer.
type simResult struct {
	Counts       map[string]int
	MaxDeviation float64
	Events       map[model.EventName]int
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run fresh assignments and check the variant distribution is uniform",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("simulate"); err != nil {
			return err
		}
		res, err := simulate(cmd.Context(), simOptions{
			Variants:  splitList(simVariants),
			Trials:    simTrials,
			Seed:      simSeed,
			Tolerance: simTolerance,
			Track:     simTrack,
		})
		if res != nil {
			printSimulation(cmd.OutOrStdout(), splitList(simVariants), simTrials, res)
		}
		return err
	},
}

// simulate assigns Trials fresh visitors, each with empty storage, and fails
// when any variant's share deviates from uniform by more than Tolerance.
func simulate(ctx context.Context, opts simOptions) (*simResult, error) {
	if opts.Trials <= 0 {
		return nil, eris.New("simulate: trials must be > 0")
	}
	rnd := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))

	res := &simResult{Counts: make(map[string]int, len(opts.Variants))}
	for range opts.Trials {
		a := variant.NewAssigner(variant.NewMemoryStore(), variant.WithRand(rnd))
		got, err := a.Assign(ctx, "simulate", opts.Variants)
		if err != nil {
			return nil, err
		}
		res.Counts[got.Variant]++
	}

	want := 1 / float64(len(opts.Variants))
	for _, v := range opts.Variants {
		dev := math.Abs(float64(res.Counts[v])/float64(opts.Trials) - want)
		res.MaxDeviation = max(res.MaxDeviation, dev)
	}

	if opts.Track > 0 {
		events, err := simulateTracking(ctx, opts, rnd)
		if err != nil {
			return nil, err
		}
		res.Events = events
	}

	if opts.Tolerance > 0 && res.MaxDeviation > opts.Tolerance {
		return res, eris.Errorf("simulate: max deviation %.4f exceeds tolerance %.4f", res.MaxDeviation, opts.Tolerance)
	}
	return res, nil
}

// simulateTracking renders each visitor's experiment twice on the same
// product, fires both impressions and one click, and returns what reached the
// data layer. Duplicate impressions collapse to one per visitor.
func simulateTracking(ctx context.Context, opts simOptions, rnd *rand.Rand) (map[model.EventName]int, error) {
	dl := tracker.NewDataLayer()
	guard := dedup.New()

	for i := range opts.Track {
		visitor := fmt.Sprintf("visitor-%d", i)
		subject := fmt.Sprintf("product-%d", i)
		assigner := variant.NewAssigner(variant.NewMemoryStore(), variant.WithRand(rnd))
		t := tracker.New(assigner, guard, []tracker.Sink{dl}, tracker.WithVisitor(visitor))

		for range 2 {
			sess, err := t.Mount(ctx, "simulate", opts.Variants, subject)
			if err != nil {
				t.Close()
				return nil, err
			}
			sess.Impression(ctx)
		}
		sess, err := t.Mount(ctx, "simulate", opts.Variants, subject)
		if err == nil {
			sess.Click(ctx, model.EventCTAClick, map[string]any{"button": "buy"})
		}
		t.Close()
		if err != nil {
			return nil, err
		}
	}

	return map[model.EventName]int{
		model.EventAssign:     dl.Count(model.EventAssign),
		model.EventImpression: dl.Count(model.EventImpression),
		model.EventCTAClick:   dl.Count(model.EventCTAClick),
	}, nil
}

func printSimulation(out io.Writer, variants []string, trials int, res *simResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VARIANT\tCOUNT\tSHARE")
	for _, v := range variants {
		n := res.Counts[v]
		_, _ = fmt.Fprintf(w, "%s\t%d\t%.2f%%\n", v, n, float64(n)/float64(trials)*100)
	}
	_, _ = fmt.Fprintf(w, "Max deviation:\t%.4f\n", res.MaxDeviation)
	if res.Events != nil {
		_, _ = fmt.Fprintf(w, "Assign events:\t%d\n", res.Events[model.EventAssign])
		_, _ = fmt.Fprintf(w, "Impressions:\t%d\n", res.Events[model.EventImpression])
		_, _ = fmt.Fprintf(w, "Clicks:\t%d\n", res.Events[model.EventCTAClick])
	}
	_ = w.Flush()
}

func init() {
	f := simulateCmd.Flags()
	f.StringVar(&simVariants, "variants", "A,B", "comma-separated variants")
	f.IntVar(&simTrials, "trials", 10000, "number of fresh assignments")
	f.Uint64Var(&simSeed, "seed", 42, "PCG seed")
	f.Float64Var(&simTolerance, "tolerance", 0.03, "maximum allowed deviation from a uniform share")
	f.IntVar(&simTrack, "track", 0, "also run N visitors through the tracker")
	rootCmd.AddCommand(simulateCmd)
}
