package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/techplay/ab-cli/internal/config"
	"github.com/techplay/ab-cli/internal/model"
	"github.com/techplay/ab-cli/internal/tracker"
)

func TestInitStore_SQLite(t *testing.T) {
	tmpDir := t.TempDir()
	dsn := filepath.Join(tmpDir, "test.db")

	cfg = &config.Config{
		Store: config.StoreConfig{
			Driver:      "sqlite",
			DatabaseURL: dsn,
		},
	}

	st, err := initStore(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st)
	defer st.Close() //nolint:errcheck

	require.NoError(t, st.Migrate(context.Background()))
	_, err = os.Stat(dsn)
	assert.NoError(t, err)
}

func TestInitStore_Unsupported(t *testing.T) {
	cfg = &config.Config{Store: config.StoreConfig{Driver: "mysql"}}

	_, err := initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitEnv_LoadsRegistry(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "experiments.yaml")
	require.NoError(t, os.WriteFile(file, []byte("experiments:\n  - key: from_file\n    variants: [A, B]\n"), 0644))

	cfg = &config.Config{
		Store:           config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(dir, "ab.db")},
		ExperimentsFile: file,
		Experiments: []model.Experiment{
			{Key: "inline", Variants: []string{"X", "Y"}},
			{Key: "from_file", Variants: []string{"ignored"}},
		},
	}

	env, err := initEnv(context.Background(), "store")
	require.NoError(t, err)
	defer env.Close(context.Background())

	assert.Equal(t, []string{"from_file", "inline"}, env.Registry.Keys())
	exp, err := env.Registry.Get("from_file")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, exp.Variants)
	assert.Nil(t, env.Metrics)
}

func TestInitEnv_InvalidConfig(t *testing.T) {
	cfg = &config.Config{Store: config.StoreConfig{Driver: "sqlite"}}

	_, err := initEnv(context.Background(), "store")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestBuildSinks(t *testing.T) {
	dir := t.TempDir()
	cfg = &config.Config{Store: config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(dir, "ab.db")}}

	env, err := initEnv(context.Background(), "store")
	require.NoError(t, err)
	defer env.Close(context.Background())

	sinks := buildSinks(env)
	require.Len(t, sinks, 1)
	_, ok := sinks[0].(*tracker.StoreSink)
	assert.True(t, ok)

	cfg.Tracker.Endpoint = "http://127.0.0.1:1/log"
	sinks = buildSinks(env)
	require.Len(t, sinks, 2)
	_, ok = sinks[1].(*tracker.HTTPSink)
	assert.True(t, ok)
}

func TestResolveExperiment(t *testing.T) {
	cfg = &config.Config{Experiments: []model.Experiment{{Key: "cta", Variants: []string{"A", "B"}, TTLDays: 7}}}
	reg, err := loadRegistry()
	require.NoError(t, err)

	exp, err := resolveExperiment(reg, "cta", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, exp.Variants)

	exp, err = resolveExperiment(reg, "cta", []string{"X"})
	require.NoError(t, err)
	assert.Equal(t, []string{"X"}, exp.Variants)
	assert.Equal(t, 7, exp.TTLDays)

	_, err = resolveExperiment(reg, "missing", nil)
	assert.Error(t, err)
}
