package main

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/techplay/ab-cli/internal/experiments"
	"github.com/techplay/ab-cli/internal/model"
	"github.com/techplay/ab-cli/internal/resilience"
	"github.com/techplay/ab-cli/internal/store"
	"github.com/techplay/ab-cli/internal/telemetry"
	"github.com/techplay/ab-cli/internal/tracker"
)

// appEnv holds the store, experiment registry and optional metrics exporter
// shared by the commands.
type appEnv struct {
	Store    store.Store
	Registry *experiments.Registry
	Metrics  *telemetry.Metrics // may be nil
}

// Close releases resources held by the environment.
func (e *appEnv) Close(ctx context.Context) {
	if e.Metrics != nil {
		if err := e.Metrics.Close(ctx); err != nil {
			zap.L().Warn("telemetry shutdown failed", zap.Error(err))
		}
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates config for mode, opens and migrates the store and loads
// the experiment registry. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	reg, err := loadRegistry()
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env := &appEnv{Store: st, Registry: reg}
	if cfg.Telemetry.Enabled {
		m, err := telemetry.New(ctx, cfg.Telemetry)
		if err != nil {
			zap.L().Warn("telemetry disabled", zap.Error(err))
		} else {
			env.Metrics = m
		}
	}
	return env, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "ab.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.Pool.MaxConns,
			MinConns: cfg.Store.Pool.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// loadRegistry merges the experiments file (if any) with experiments declared
// inline in config. File entries win on key collisions.
func loadRegistry() (*experiments.Registry, error) {
	var (
		reg *experiments.Registry
		err error
	)
	if cfg.ExperimentsFile != "" {
		reg, err = experiments.LoadFile(cfg.ExperimentsFile)
	} else {
		reg, err = experiments.NewRegistry(nil)
	}
	if err != nil {
		return nil, err
	}
	if err := reg.Merge(cfg.Experiments); err != nil {
		return nil, eris.Wrap(err, "merge configured experiments")
	}
	return reg, nil
}

// buildSinks returns the delivery targets for tracked events: the store,
// plus the logging endpoint and metrics exporter when configured.
func buildSinks(env *appEnv) []tracker.Sink {
	var sinks []tracker.Sink
	if env.Store != nil {
		sinks = append(sinks, tracker.NewStoreSink(env.Store))
	}
	if cfg.Tracker.Endpoint != "" {
		sinks = append(sinks, tracker.NewHTTPSink(tracker.HTTPSinkConfig{
			Endpoint:   cfg.Tracker.Endpoint,
			Timeout:    cfg.Tracker.Timeout(),
			RatePerSec: cfg.Tracker.RatePerSec,
			Retry:      resilience.DefaultRetryConfig(),
		}))
	}
	if env.Metrics != nil {
		sinks = append(sinks, env.Metrics)
	}
	return sinks
}

// resolveExperiment returns the registered experiment for key, or an ad-hoc
// one when variants are given explicitly.
func resolveExperiment(reg *experiments.Registry, key string, variants []string) (model.Experiment, error) {
	registered, err := reg.Get(key)
	if len(variants) == 0 {
		return registered, err
	}
	exp := model.Experiment{Key: key, Variants: variants}
	if err == nil {
		exp.TTLDays = registered.TTLDays
		exp.OverrideParam = registered.OverrideParam
	}
	return exp, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
