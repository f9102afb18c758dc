package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/techplay/ab-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetAssignment_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT value FROM ab_assignments`).
		WithArgs("visitor-1", "ab-cta_test").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetAssignment(context.Background(), "visitor-1", "ab-cta_test")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetAssignment_Found(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT value FROM ab_assignments`).
		WithArgs("visitor-1", "ab-cta_test").
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow("B"))

	v, err := s.GetAssignment(context.Background(), "visitor-1", "ab-cta_test")
	require.NoError(t, err)
	assert.Equal(t, "B", v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetAssignment_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT value FROM ab_assignments`).
		WithArgs("visitor-1", "ab-cta_test").
		WillReturnError(errors.New("connection refused"))

	_, err := s.GetAssignment(context.Background(), "visitor-1", "ab-cta_test")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "get assignment")
}

func TestPostgresStore_PutAssignment_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT`).
		WithArgs("visitor-1", "ab-cta_test", "A").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.PutAssignment(context.Background(), "visitor-1", "ab-cta_test", "A"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordEvent(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`(?s)INSERT INTO ab_events.*ON CONFLICT \(id\) DO NOTHING`).
		WithArgs("ev-1", "ab_impression", "cta_test", "A", "sku-1", "visitor-1", nil, at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.RecordEvent(context.Background(), model.Event{
		ID: "ev-1", Name: model.EventImpression, ExperimentKey: "cta_test",
		Variant: "A", SubjectID: "sku-1", VisitorID: "visitor-1", OccurredAt: at,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordEvents_Copy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"ab_events"}, eventColumns).
		WillReturnResult(2)

	n, err := s.RecordEvents(context.Background(), []model.Event{
		{Name: model.EventAssign, ExperimentKey: "cta_test", Variant: "A"},
		{Name: model.EventImpression, ExperimentKey: "cta_test", Variant: "A"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_VariantStats(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM ab_events WHERE experiment = \$1`).
		WithArgs("cta_test").
		WillReturnRows(pgxmock.NewRows([]string{"variant", "assignments", "impressions", "clicks", "conversions"}).
			AddRow("A", int64(10), int64(8), int64(4), int64(2)).
			AddRow("B", int64(10), int64(0), int64(0), int64(0)))

	stats, err := s.VariantStats(context.Background(), "cta_test")
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, 8, stats[0].Impressions)
	assert.InDelta(t, 0.5, stats[0].ClickRate, 0.001)
	assert.InDelta(t, 0.25, stats[0].ConversionRate, 0.001)
	assert.Zero(t, stats[1].ConversionRate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteEventsBefore(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`DELETE FROM ab_events WHERE occurred_at < \$1`).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	n, err := s.DeleteEventsBefore(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListEvents_Filter(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`AND experiment = \$1 AND name = \$2 ORDER BY occurred_at ASC, id ASC LIMIT \$3`).
		WithArgs("cta_test", "cta_click", 100).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "experiment", "variant", "subject", "visitor_id", "metadata", "occurred_at"}).
			AddRow("ev-1", "cta_click", "cta_test", "B", "sku-1", "visitor-1", []byte(`{"source":"pdp"}`), at))

	events, err := s.ListEvents(context.Background(), EventFilter{ExperimentKey: "cta_test", Name: model.EventCTAClick})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventCTAClick, events[0].Name)
	assert.Equal(t, "pdp", events[0].Metadata["source"])
	assert.NoError(t, mock.ExpectationsWereMet())
}
