// Package tracker wires variant assignment and event dedup into the
// assign/impression/click lifecycle of a rendered experiment.
package tracker

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/techplay/ab-cli/internal/dedup"
	"github.com/techplay/ab-cli/internal/model"
	"github.com/techplay/ab-cli/internal/variant"
)

const (
	defaultQueueSize   = 256
	defaultEmitTimeout = 5 * time.Second
)

// Sink receives tracked events. Errors are logged and otherwise ignored.
type Sink interface {
	Emit(ctx context.Context, ev model.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev model.Event) error

func (f SinkFunc) Emit(ctx context.Context, ev model.Event) error { return f(ctx, ev) }

// Tracker emits experiment events without ever blocking or failing the
// caller: events are queued and delivered to every sink by a background
// dispatcher.
type Tracker struct {
	assigner *variant.Assigner
	guard    *dedup.Guard
	sinks    []Sink

	log         *zap.Logger
	now         func() time.Time
	window      time.Duration
	visitorID   string
	emitTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan model.Event
	wg     sync.WaitGroup
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

// WithClock replaces time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithImpressionWindow sets the dedup window for impressions.
func WithImpressionWindow(d time.Duration) Option {
	return func(t *Tracker) { t.window = d }
}

// WithVisitor stamps every event with visitorID.
func WithVisitor(visitorID string) Option {
	return func(t *Tracker) { t.visitorID = visitorID }
}

// WithQueueSize bounds the number of undelivered events. When full, new
// events are dropped.
func WithQueueSize(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.queue = make(chan model.Event, n)
		}
	}
}

// WithEmitTimeout bounds how long one event may take across all sinks.
func WithEmitTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.emitTimeout = d
		}
	}
}

// New creates a Tracker and starts its dispatcher. Call Close to flush.
func New(assigner *variant.Assigner, guard *dedup.Guard, sinks []Sink, opts ...Option) *Tracker {
	t := &Tracker{
		assigner:    assigner,
		guard:       guard,
		sinks:       sinks,
		now:         time.Now,
		emitTimeout: defaultEmitTimeout,
		queue:       make(chan model.Event, defaultQueueSize),
	}
	for _, o := range opts {
		o(t)
	}
	if t.log == nil {
		t.log = zap.L()
	}
	if t.guard == nil {
		t.guard = dedup.New()
	}

	t.wg.Add(1)
	go t.run()
	return t
}

// Close stops accepting events and waits for queued ones to be delivered.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.queue)
	t.mu.Unlock()
	t.wg.Wait()
}

// Mount resolves the variant for one rendered instance and emits its
// ab_assign event. The only errors are caller contract violations such as an
// empty variant list.
func (t *Tracker) Mount(ctx context.Context, experimentKey string, variants []string, subjectID string, opts ...variant.AssignOption) (*Session, error) {
	a, err := t.assigner.Assign(ctx, experimentKey, variants, opts...)
	if err != nil {
		return nil, err
	}
	s := &Session{tracker: t, assignment: a, subjectID: subjectID}
	t.enqueue(s.event(model.EventAssign, map[string]any{"source": string(a.Source)}))
	return s, nil
}

func (t *Tracker) enqueue(ev model.Event) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		t.log.Debug("tracker: dropping event after close", zap.String("event", string(ev.Name)))
		return
	}
	select {
	case t.queue <- ev:
	default:
		t.log.Warn("tracker: queue full, dropping event",
			zap.String("event", string(ev.Name)),
			zap.String("experiment", ev.ExperimentKey),
		)
	}
}

func (t *Tracker) run() {
	defer t.wg.Done()
	for ev := range t.queue {
		t.deliver(ev)
	}
}

// deliver fans an event out to every sink concurrently. One sink failing
// does not cancel the others.
func (t *Tracker) deliver(ev model.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), t.emitTimeout)
	defer cancel()

	var g errgroup.Group
	for _, s := range t.sinks {
		g.Go(func() error {
			if err := s.Emit(ctx, ev); err != nil {
				t.log.Warn("tracker: sink emit failed",
					zap.String("event", string(ev.Name)),
					zap.String("experiment", ev.ExperimentKey),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Session is one rendered instance of an experiment for one subject
// (typically a product).
type Session struct {
	tracker    *Tracker
	assignment model.Assignment
	subjectID  string

	mu        sync.Mutex
	impressed bool
}

// Variant returns the assigned variant.
func (s *Session) Variant() string { return s.assignment.Variant }

// Assignment returns the full assignment.
func (s *Session) Assignment() model.Assignment { return s.assignment }

// Impression emits ab_impression at most once per session and, through the
// shared guard, at most once per (experiment, variant, subject) within the
// dedup window. It reports whether the event was emitted.
func (s *Session) Impression(_ context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.impressed {
		return false
	}

	sig := dedup.Signature(string(model.EventImpression), s.assignment.ExperimentKey, s.assignment.Variant, s.subjectID)
	if s.tracker.guard.Seen(sig, s.tracker.window) {
		return false
	}
	s.impressed = true
	s.tracker.enqueue(s.event(model.EventImpression, nil))
	return true
}

// Click emits a click event. Clicks are never deduplicated.
func (s *Session) Click(_ context.Context, name model.EventName, meta map[string]any) {
	s.tracker.enqueue(s.event(name, meta))
}

// Conversion emits ab_conversion. Conversions are never deduplicated.
func (s *Session) Conversion(_ context.Context, meta map[string]any) {
	s.tracker.enqueue(s.event(model.EventConversion, meta))
}

func (s *Session) event(name model.EventName, meta map[string]any) model.Event {
	return model.Event{
		ID:            uuid.New().String(),
		Name:          name,
		ExperimentKey: s.assignment.ExperimentKey,
		Variant:       s.assignment.Variant,
		SubjectID:     s.subjectID,
		VisitorID:     s.tracker.visitorID,
		Metadata:      maps.Clone(meta),
		OccurredAt:    s.tracker.now(),
	}
}
