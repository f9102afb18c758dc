// Package store persists visitor assignments and the tracked event log.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/techplay/ab-cli/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = eris.New("store: not found")

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	ExperimentKey string          `json:"experiment,omitempty"`
	Name          model.EventName `json:"event,omitempty"`
	VisitorID     string          `json:"visitor_id,omitempty"`
	Since         time.Time       `json:"since,omitzero"`
	Limit         int             `json:"limit,omitempty"`
	Offset        int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for experiments.
type Store interface {
	// Assignments, keyed by (visitor, storage key).
	GetAssignment(ctx context.Context, visitorID, key string) (string, error)
	PutAssignment(ctx context.Context, visitorID, key, value string) error
	DeleteAssignment(ctx context.Context, visitorID, key string) error

	// Event log
	RecordEvent(ctx context.Context, ev model.Event) error
	RecordEvents(ctx context.Context, evs []model.Event) (int, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]model.Event, error)
	VariantStats(ctx context.Context, experimentKey string) ([]model.VariantStats, error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}

func finishStats(stats []model.VariantStats) []model.VariantStats {
	for i := range stats {
		stats[i].ComputeRates()
	}
	return stats
}
