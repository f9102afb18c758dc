// Package report summarises per-variant experiment results.
package report

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/techplay/ab-cli/internal/model"
)

// ExperimentReport is a point-in-time summary of one experiment.
type ExperimentReport struct {
	Experiment  string               `json:"experiment"`
	Variants    []model.VariantStats `json:"variants"`
	Totals      model.VariantStats   `json:"totals"`
	Leader      string               `json:"leader,omitempty"`
	Share       map[string]float64   `json:"assignment_share"`
	CollectedAt time.Time            `json:"collected_at"`
}

// StatsSource abstracts the store method the collector needs.
type StatsSource interface {
	VariantStats(ctx context.Context, experimentKey string) ([]model.VariantStats, error)
}

// Collector builds experiment reports from a stats source.
type Collector struct {
	src         StatsSource
	now         func() time.Time
	concurrency int
}

// NewCollector creates a new report collector.
func NewCollector(src StatsSource) *Collector {
	return &Collector{src: src, now: time.Now, concurrency: 4}
}

// Collect builds the report for a single experiment.
func (c *Collector) Collect(ctx context.Context, experimentKey string) (*ExperimentReport, error) {
	stats, err := c.src.VariantStats(ctx, experimentKey)
	if err != nil {
		return nil, eris.Wrapf(err, "report: stats for %s", experimentKey)
	}
	return Build(experimentKey, stats, c.now().UTC()), nil
}

// CollectAll builds reports for several experiments concurrently. Results
// are returned in the order of keys.
func (c *Collector) CollectAll(ctx context.Context, keys []string) ([]*ExperimentReport, error) {
	out := make([]*ExperimentReport, len(keys))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, key := range keys {
		g.Go(func() error {
			rep, err := c.Collect(gctx, key)
			if err != nil {
				return err
			}
			mu.Lock()
			out[i] = rep
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Build derives totals, assignment share and the leading variant from raw stats.
// The leader is the variant with the highest conversion rate; ties and an
// all-zero experiment produce no leader.
func Build(experimentKey string, stats []model.VariantStats, at time.Time) *ExperimentReport {
	rep := &ExperimentReport{
		Experiment:  experimentKey,
		Variants:    make([]model.VariantStats, len(stats)),
		Share:       make(map[string]float64, len(stats)),
		CollectedAt: at,
	}
	copy(rep.Variants, stats)
	sort.Slice(rep.Variants, func(i, j int) bool {
		return rep.Variants[i].Variant < rep.Variants[j].Variant
	})

	rep.Totals.Variant = "total"
	for i := range rep.Variants {
		v := &rep.Variants[i]
		v.ComputeRates()
		rep.Totals.Assignments += v.Assignments
		rep.Totals.Impressions += v.Impressions
		rep.Totals.Clicks += v.Clicks
		rep.Totals.Conversions += v.Conversions
	}
	rep.Totals.ComputeRates()

	for _, v := range rep.Variants {
		if rep.Totals.Assignments > 0 {
			rep.Share[v.Variant] = float64(v.Assignments) / float64(rep.Totals.Assignments)
		} else {
			rep.Share[v.Variant] = 0
		}
	}

	best, tied := -1.0, false
	for _, v := range rep.Variants {
		switch {
		case v.ConversionRate > best:
			best, tied = v.ConversionRate, false
			rep.Leader = v.Variant
		case v.ConversionRate == best:
			tied = true
		}
	}
	if tied || best <= 0 {
		rep.Leader = ""
	}
	return rep
}
