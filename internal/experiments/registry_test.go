package experiments

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/techplay/ab-cli/internal/model"
)

func TestLoadFile(t *testing.T) {
	data := `
defaults:
  ttl_days: 30
experiments:
  - key: cta_copy
    variants: [A, B]
  - key: pricing
    variants: [control, annual, monthly]
    ttl_days: 7
    override_param: force
`
	path := filepath.Join(t.TempDir(), "experiments.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	reg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, []string{"cta_copy", "pricing"}, reg.Keys())

	cta, err := reg.Get("cta_copy")
	require.NoError(t, err)
	assert.Equal(t, 30, cta.TTLDays) // inherited
	assert.Equal(t, model.DefaultOverrideParam, cta.Param())

	pricing, err := reg.Get("pricing")
	require.NoError(t, err)
	assert.Equal(t, 7, pricing.TTLDays)
	assert.Equal(t, "force", pricing.Param())
	assert.Len(t, pricing.Variants, 3)
}

func TestLoadFile_FileNotFound(t *testing.T) {
	_, err := LoadFile("/nonexistent/experiments.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "experiments: read")
}

func TestLoadFile_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("experiments: [\n  - {key"), 0644))

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse file")
}

func TestLoadFile_EmptyVariants(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, []byte("experiments:\n  - key: broken\n    variants: []\n"), 0644))

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one variant")
}

func TestNewRegistry_DuplicateKey(t *testing.T) {
	_, err := NewRegistry([]model.Experiment{
		{Key: "x", Variants: []string{"A"}},
		{Key: "x", Variants: []string{"B"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate key")
}

func TestRegistry_GetUnknown(t *testing.T) {
	reg, err := NewRegistry(nil)
	require.NoError(t, err)

	_, err = reg.Get("missing")
	assert.True(t, errors.Is(err, ErrUnknown))
}

func TestRegistry_Merge(t *testing.T) {
	reg, err := NewRegistry([]model.Experiment{{Key: "a", Variants: []string{"A", "B"}}})
	require.NoError(t, err)

	require.NoError(t, reg.Merge([]model.Experiment{
		{Key: "a", Variants: []string{"X"}},
		{Key: "b", Variants: []string{"C"}},
	}))

	a, _ := reg.Get("a")
	assert.Equal(t, []string{"A", "B"}, a.Variants)
	assert.Equal(t, 2, reg.Len())

	err = reg.Merge([]model.Experiment{{Key: "c"}})
	assert.Error(t, err)
}
