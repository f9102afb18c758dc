// Package experiments loads and indexes experiment definitions.
package experiments

import (
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/techplay/ab-cli/internal/model"
)

// ErrUnknown is returned when an experiment key is not registered.
var ErrUnknown = eris.New("experiments: unknown experiment")

// Defaults are applied to experiments that leave the field unset.
type Defaults struct {
	TTLDays       int    `yaml:"ttl_days"`
	OverrideParam string `yaml:"override_param"`
}

// File is the on-disk layout of an experiments YAML file.
type File struct {
	Defaults    Defaults           `yaml:"defaults"`
	Experiments []model.Experiment `yaml:"experiments"`
}

// Registry indexes validated experiments by key.
type Registry struct {
	byKey map[string]model.Experiment
}

// NewRegistry validates each experiment and indexes it by key.
func NewRegistry(exps []model.Experiment) (*Registry, error) {
	r := &Registry{byKey: make(map[string]model.Experiment, len(exps))}
	for _, e := range exps {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byKey[e.Key]; dup {
			return nil, eris.Errorf("experiments: duplicate key %s", e.Key)
		}
		r.byKey[e.Key] = e
	}
	return r, nil
}

// LoadFile reads experiments from a YAML file. The file has a top-level
// "experiments" list and an optional "defaults" block.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "experiments: read %s", path)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "experiments: parse file")
	}

	for i, e := range f.Experiments {
		if e.TTLDays == 0 {
			e.TTLDays = f.Defaults.TTLDays
		}
		if e.OverrideParam == "" {
			e.OverrideParam = f.Defaults.OverrideParam
		}
		f.Experiments[i] = e
	}
	return NewRegistry(f.Experiments)
}

// Merge adds experiments not already registered. Existing keys win.
func (r *Registry) Merge(exps []model.Experiment) error {
	for _, e := range exps {
		if _, ok := r.byKey[e.Key]; ok {
			continue
		}
		if err := e.Validate(); err != nil {
			return err
		}
		r.byKey[e.Key] = e
	}
	return nil
}

// Get returns the experiment registered under key.
func (r *Registry) Get(key string) (model.Experiment, error) {
	e, ok := r.byKey[key]
	if !ok {
		return model.Experiment{}, eris.Wrapf(ErrUnknown, "key %s", key)
	}
	return e, nil
}

// Keys returns registered keys in sorted order.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Registry) Len() int { return len(r.byKey) }
