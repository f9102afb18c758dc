package variant

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/techplay/ab-cli/internal/model"
)

var (
	// ErrEmptyKey is returned when Assign is called without an experiment key.
	ErrEmptyKey = eris.New("variant: experiment key is required")

	// ErrNoVariants is returned when Assign is called with no candidates.
	// There is no sensible variant to return, so this is a caller bug.
	ErrNoVariants = eris.New("variant: at least one variant is required")
)

// Rand picks an index in [0, n). *rand.Rand from math/rand/v2 satisfies it.
type Rand interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// Assigner resolves a stable variant per experiment for one storage scope.
type Assigner struct {
	store Store
	log   *zap.Logger
	now   func() time.Time

	mu  sync.Mutex // guards rnd; seeded sources are not safe for concurrent use
	rnd Rand
}

// AssignerOption configures an Assigner.
type AssignerOption func(*Assigner)

// WithRand replaces the random source. Use a seeded source for deterministic tests.
func WithRand(r Rand) AssignerOption {
	return func(a *Assigner) { a.rnd = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) AssignerOption {
	return func(a *Assigner) { a.now = now }
}

// WithLogger sets the logger used for degraded-storage diagnostics.
func WithLogger(l *zap.Logger) AssignerOption {
	return func(a *Assigner) { a.log = l }
}

// NewAssigner creates an Assigner persisting through s.
func NewAssigner(s Store, opts ...AssignerOption) *Assigner {
	a := &Assigner{
		store: s,
		rnd:   globalRand{},
		now:   time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = zap.L()
	}
	return a
}

type assignConfig struct {
	ttl      time.Duration
	override string
}

// AssignOption tunes a single Assign call.
type AssignOption func(*assignConfig)

// WithTTL makes the persisted assignment expire after d. An expired
// assignment is re-randomized on the next call.
func WithTTL(d time.Duration) AssignOption {
	return func(c *assignConfig) { c.ttl = d }
}

// WithTTLDays is WithTTL in whole days.
func WithTTLDays(days int) AssignOption {
	return WithTTL(time.Duration(days) * 24 * time.Hour)
}

// WithOverride forces a variant, e.g. from a QA link. Values that do not
// match a candidate are ignored.
func WithOverride(v string) AssignOption {
	return func(c *assignConfig) { c.override = v }
}

// OverrideFromQuery returns the override value carried by q under param
// (model.DefaultOverrideParam when param is empty).
func OverrideFromQuery(q url.Values, param string) string {
	if param == "" {
		param = model.DefaultOverrideParam
	}
	return q.Get(param)
}

// Assign returns the variant for experimentKey, reusing the persisted choice
// when it is still one of variants and picking uniformly at random otherwise.
// Storage failures never surface here: reads degrade to "not found" and failed
// writes are dropped, so the worst case is a fresh pick on every call.
func (a *Assigner) Assign(ctx context.Context, experimentKey string, variants []string, opts ...AssignOption) (model.Assignment, error) {
	if experimentKey == "" {
		return model.Assignment{}, ErrEmptyKey
	}
	if len(variants) == 0 {
		return model.Assignment{}, eris.Wrapf(ErrNoVariants, "experiment %s", experimentKey)
	}

	var cfg assignConfig
	for _, o := range opts {
		o(&cfg)
	}

	now := a.now()
	key := model.StorageKey(experimentKey)

	if cfg.override != "" {
		if v, ok := matchVariant(cfg.override, variants); ok {
			exp := a.persist(ctx, key, v, now, cfg.ttl)
			return model.Assignment{
				ExperimentKey: experimentKey,
				Variant:       v,
				Source:        model.AssignmentSourceOverride,
				AssignedAt:    now,
				ExpiresAt:     exp,
			}, nil
		}
		a.log.Debug("variant: ignoring unknown override",
			zap.String("experiment", experimentKey),
			zap.String("override", cfg.override),
		)
	}

	if env, ok := a.lookup(ctx, key, now); ok && slices.Contains(variants, env.Value) {
		var exp time.Time
		if env.ExpiresAt > 0 {
			exp = time.UnixMilli(env.ExpiresAt)
		}
		return model.Assignment{
			ExperimentKey: experimentKey,
			Variant:       env.Value,
			Source:        model.AssignmentSourceStored,
			ExpiresAt:     exp,
		}, nil
	}

	v := a.pick(variants)
	exp := a.persist(ctx, key, v, now, cfg.ttl)
	return model.Assignment{
		ExperimentKey: experimentKey,
		Variant:       v,
		Source:        model.AssignmentSourceRandom,
		AssignedAt:    now,
		ExpiresAt:     exp,
	}, nil
}

// Reset forgets the persisted assignment so the next Assign re-randomizes.
func (a *Assigner) Reset(ctx context.Context, experimentKey string) error {
	if experimentKey == "" {
		return ErrEmptyKey
	}
	// An already-expired envelope reads back as absent on every backend,
	// including ones without a delete operation.
	raw := EncodeEnvelope("", time.UnixMilli(1))
	if err := a.store.Write(ctx, model.StorageKey(experimentKey), raw); err != nil {
		return eris.Wrapf(err, "variant: reset %s", experimentKey)
	}
	return nil
}

func (a *Assigner) lookup(ctx context.Context, key string, now time.Time) (model.Envelope, bool) {
	raw, err := a.store.Read(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		return model.Envelope{}, false
	default:
		a.log.Debug("variant: storage read failed", zap.String("key", key), zap.Error(err))
		return model.Envelope{}, false
	}

	env := DecodeEnvelope(raw)
	if env.Expired(now) {
		return model.Envelope{}, false
	}
	return env, true
}

func (a *Assigner) persist(ctx context.Context, key, value string, now time.Time, ttl time.Duration) time.Time {
	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	if err := a.store.Write(ctx, key, EncodeEnvelope(value, exp)); err != nil {
		a.log.Debug("variant: storage write failed", zap.String("key", key), zap.Error(err))
	}
	return exp
}

func (a *Assigner) pick(variants []string) string {
	a.mu.Lock()
	i := a.rnd.IntN(len(variants))
	a.mu.Unlock()
	return variants[i]
}

// matchVariant resolves an override against the candidates, preferring an
// exact match and falling back to a case-insensitive one.
func matchVariant(override string, variants []string) (string, bool) {
	if slices.Contains(variants, override) {
		return override, true
	}
	fold := cases.Fold()
	want := fold.String(override)
	for _, v := range variants {
		if fold.String(v) == want {
			return v, true
		}
	}
	return "", false
}
