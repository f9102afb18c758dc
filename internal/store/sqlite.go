package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/techplay/ab-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// occurred_at is unix milliseconds so range filters compare numerically.
const sqliteMigration = `
CREATE TABLE IF NOT EXISTS ab_assignments (
	visitor_id  TEXT NOT NULL,
	storage_key TEXT NOT NULL,
	value       TEXT NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (visitor_id, storage_key)
);

CREATE TABLE IF NOT EXISTS ab_events (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	experiment  TEXT NOT NULL,
	variant     TEXT NOT NULL,
	subject     TEXT NOT NULL DEFAULT '',
	visitor_id  TEXT NOT NULL DEFAULT '',
	metadata    TEXT,
	occurred_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ab_events_experiment ON ab_events(experiment, variant);
CREATE INDEX IF NOT EXISTS idx_ab_events_occurred_at ON ab_events(occurred_at);
CREATE INDEX IF NOT EXISTS idx_ab_events_visitor ON ab_events(visitor_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetAssignment(ctx context.Context, visitorID, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM ab_assignments WHERE visitor_id = ? AND storage_key = ?`,
		visitorID, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: get assignment %s/%s", visitorID, key)
	}
	return value, nil
}

func (s *SQLiteStore) PutAssignment(ctx context.Context, visitorID, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ab_assignments (visitor_id, storage_key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (visitor_id, storage_key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		visitorID, key, value, time.Now().UTC().UnixMilli(),
	)
	return eris.Wrapf(err, "sqlite: put assignment %s/%s", visitorID, key)
}

func (s *SQLiteStore) DeleteAssignment(ctx context.Context, visitorID, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM ab_assignments WHERE visitor_id = ? AND storage_key = ?`,
		visitorID, key,
	)
	return eris.Wrapf(err, "sqlite: delete assignment %s/%s", visitorID, key)
}

func (s *SQLiteStore) RecordEvent(ctx context.Context, ev model.Event) error {
	_, err := s.RecordEvents(ctx, []model.Event{ev})
	return err
}

func (s *SQLiteStore) RecordEvents(ctx context.Context, evs []model.Event) (int, error) {
	if len(evs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin record events")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO ab_events (id, name, experiment, variant, subject, visitor_id, metadata, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare insert event")
	}
	defer stmt.Close()

	for _, ev := range evs {
		row, err := eventRow(ev)
		if err != nil {
			return 0, err
		}
		row[7] = row[7].(time.Time).UnixMilli()
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert event %s", ev.Name)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit events")
	}
	return len(evs), nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]model.Event, error) {
	query := `SELECT id, name, experiment, variant, subject, visitor_id, metadata, occurred_at FROM ab_events WHERE 1=1`
	var args []any

	if filter.ExperimentKey != "" {
		query += ` AND experiment = ?`
		args = append(args, filter.ExperimentKey)
	}
	if filter.Name != "" {
		query += ` AND name = ?`
		args = append(args, string(filter.Name))
	}
	if filter.VisitorID != "" {
		query += ` AND visitor_id = ?`
		args = append(args, filter.VisitorID)
	}
	if !filter.Since.IsZero() {
		query += ` AND occurred_at >= ?`
		args = append(args, filter.Since.UnixMilli())
	}
	query += ` ORDER BY occurred_at ASC, id ASC LIMIT ?`
	args = append(args, listLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list events")
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		var meta sql.NullString
		var occurred int64
		if err := rows.Scan(&ev.ID, &ev.Name, &ev.ExperimentKey, &ev.Variant, &ev.SubjectID, &ev.VisitorID, &meta, &occurred); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		ev.OccurredAt = time.UnixMilli(occurred).UTC()
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &ev.Metadata); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal event metadata")
			}
		}
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list events iterate")
}

func (s *SQLiteStore) VariantStats(ctx context.Context, experimentKey string) ([]model.VariantStats, error) {
	rows, err := s.db.QueryContext(ctx, variantStatsQuery("?"), experimentKey)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: variant stats %s", experimentKey)
	}
	defer rows.Close()

	var stats []model.VariantStats
	for rows.Next() {
		var vs model.VariantStats
		if err := rows.Scan(&vs.Variant, &vs.Assignments, &vs.Impressions, &vs.Clicks, &vs.Conversions); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan variant stats")
		}
		stats = append(stats, vs)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: variant stats iterate")
	}
	return finishStats(stats), nil
}

func (s *SQLiteStore) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ab_events WHERE occurred_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: delete old events")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// helpers

// eventRow flattens an event into ab_events column order. A missing ID or
// timestamp is filled in.
func eventRow(ev model.Event) ([]any, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	var meta any
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return nil, eris.Wrap(err, "store: marshal event metadata")
		}
		meta = string(b)
	}
	return []any{
		ev.ID, string(ev.Name), ev.ExperimentKey, ev.Variant,
		ev.SubjectID, ev.VisitorID, meta, ev.OccurredAt.UTC(),
	}, nil
}

var eventColumns = []string{"id", "name", "experiment", "variant", "subject", "visitor_id", "metadata", "occurred_at"}

func variantStatsQuery(placeholder string) string {
	return `SELECT variant,
		COALESCE(SUM(CASE WHEN name = '` + string(model.EventAssign) + `' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN name = '` + string(model.EventImpression) + `' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN name IN ('` + string(model.EventCTAClick) + `', '` + string(model.EventBuyNowClick) + `') THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN name = '` + string(model.EventConversion) + `' THEN 1 ELSE 0 END), 0)
	FROM ab_events WHERE experiment = ` + placeholder + `
	GROUP BY variant ORDER BY variant`
}
