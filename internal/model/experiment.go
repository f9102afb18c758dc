package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// StorageKeyPrefix is prepended to an experiment key to form its persisted storage key.
const StorageKeyPrefix = "ab-"

// DefaultOverrideParam is the query parameter used to force a variant.
const DefaultOverrideParam = "ab_variant"

// Experiment defines one A/B test and its candidate variants.
type Experiment struct {
	Key           string   `json:"key" yaml:"key" mapstructure:"key"`
	Variants      []string `json:"variants" yaml:"variants" mapstructure:"variants"`
	TTLDays       int      `json:"ttl_days,omitempty" yaml:"ttl_days" mapstructure:"ttl_days"`
	OverrideParam string   `json:"override_param,omitempty" yaml:"override_param" mapstructure:"override_param"`
}

// Validate checks the experiment has a key and a non-empty set of distinct variants.
func (e Experiment) Validate() error {
	if strings.TrimSpace(e.Key) == "" {
		return eris.New("experiment: key is required")
	}
	if len(e.Variants) == 0 {
		return eris.Errorf("experiment %s: at least one variant is required", e.Key)
	}
	seen := make(map[string]bool, len(e.Variants))
	for _, v := range e.Variants {
		if v == "" {
			return eris.Errorf("experiment %s: empty variant", e.Key)
		}
		if seen[v] {
			return eris.Errorf("experiment %s: duplicate variant %q", e.Key, v)
		}
		seen[v] = true
	}
	return nil
}

// Param returns the override query parameter, falling back to the default.
func (e Experiment) Param() string {
	if e.OverrideParam != "" {
		return e.OverrideParam
	}
	return DefaultOverrideParam
}

// StorageKey returns the persisted storage key for an experiment.
func StorageKey(experimentKey string) string {
	return StorageKeyPrefix + experimentKey
}
