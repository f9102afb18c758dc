package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/techplay/ab-cli/internal/db"
	"github.com/techplay/ab-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists the hot-path queries prepared on each new connection.
var preparedStatements = map[string]string{
	"get_assignment": `SELECT value FROM ab_assignments WHERE visitor_id = $1 AND storage_key = $2`,
	"put_assignment": `INSERT INTO ab_assignments (visitor_id, storage_key, value, updated_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (visitor_id, storage_key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
	"insert_event": `INSERT INTO ab_events (id, name, experiment, variant, subject, visitor_id, metadata, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS ab_assignments (
	visitor_id  TEXT NOT NULL,
	storage_key TEXT NOT NULL,
	value       TEXT NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (visitor_id, storage_key)
);

CREATE TABLE IF NOT EXISTS ab_events (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name        TEXT NOT NULL,
	experiment  TEXT NOT NULL,
	variant     TEXT NOT NULL,
	subject     TEXT NOT NULL DEFAULT '',
	visitor_id  TEXT NOT NULL DEFAULT '',
	metadata    JSONB,
	occurred_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_ab_events_experiment ON ab_events(experiment, variant);
CREATE INDEX IF NOT EXISTS idx_ab_events_occurred_at ON ab_events(occurred_at);
CREATE INDEX IF NOT EXISTS idx_ab_events_visitor ON ab_events(visitor_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) GetAssignment(ctx context.Context, visitorID, key string) (string, error) {
	var value string
	err := s.pool.QueryRow(ctx, preparedStatements["get_assignment"], visitorID, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", eris.Wrapf(err, "postgres: get assignment %s/%s", visitorID, key)
	}
	return value, nil
}

func (s *PostgresStore) PutAssignment(ctx context.Context, visitorID, key, value string) error {
	_, err := s.pool.Exec(ctx, preparedStatements["put_assignment"], visitorID, key, value)
	return eris.Wrapf(err, "postgres: put assignment %s/%s", visitorID, key)
}

func (s *PostgresStore) DeleteAssignment(ctx context.Context, visitorID, key string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM ab_assignments WHERE visitor_id = $1 AND storage_key = $2`,
		visitorID, key,
	)
	return eris.Wrapf(err, "postgres: delete assignment %s/%s", visitorID, key)
}

func (s *PostgresStore) RecordEvent(ctx context.Context, ev model.Event) error {
	row, err := eventRow(ev)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, preparedStatements["insert_event"], row...)
	return eris.Wrapf(err, "postgres: insert event %s", ev.Name)
}

// RecordEvents inserts a batch with the COPY protocol.
func (s *PostgresStore) RecordEvents(ctx context.Context, evs []model.Event) (int, error) {
	if len(evs) == 0 {
		return 0, nil
	}
	rows := make([][]any, 0, len(evs))
	for _, ev := range evs {
		row, err := eventRow(ev)
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}
	n, err := db.CopyFrom(ctx, s.pool, "ab_events", eventColumns, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: record events")
	}
	return int(n), nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, filter EventFilter) ([]model.Event, error) {
	query := `SELECT id, name, experiment, variant, subject, visitor_id, metadata, occurred_at FROM ab_events WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if filter.ExperimentKey != "" {
		query += ` AND experiment = ` + arg(filter.ExperimentKey)
	}
	if filter.Name != "" {
		query += ` AND name = ` + arg(string(filter.Name))
	}
	if filter.VisitorID != "" {
		query += ` AND visitor_id = ` + arg(filter.VisitorID)
	}
	if !filter.Since.IsZero() {
		query += ` AND occurred_at >= ` + arg(filter.Since.UTC())
	}
	query += ` ORDER BY occurred_at ASC, id ASC LIMIT ` + arg(listLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ` + arg(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list events")
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		var name string
		var meta []byte
		if err := rows.Scan(&ev.ID, &name, &ev.ExperimentKey, &ev.Variant, &ev.SubjectID, &ev.VisitorID, &meta, &ev.OccurredAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		ev.Name = model.EventName(name)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal event metadata")
			}
		}
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "postgres: list events iterate")
}

func (s *PostgresStore) VariantStats(ctx context.Context, experimentKey string) ([]model.VariantStats, error) {
	rows, err := s.pool.Query(ctx, variantStatsQuery("$1"), experimentKey)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: variant stats %s", experimentKey)
	}
	defer rows.Close()

	var stats []model.VariantStats
	for rows.Next() {
		var vs model.VariantStats
		var assigns, imps, clicks, convs int64
		if err := rows.Scan(&vs.Variant, &assigns, &imps, &clicks, &convs); err != nil {
			return nil, eris.Wrap(err, "postgres: scan variant stats")
		}
		vs.Assignments, vs.Impressions, vs.Clicks, vs.Conversions = int(assigns), int(imps), int(clicks), int(convs)
		stats = append(stats, vs)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: variant stats iterate")
	}
	return finishStats(stats), nil
}

func (s *PostgresStore) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ab_events WHERE occurred_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, eris.Wrap(err, "postgres: delete old events")
	}
	return int(tag.RowsAffected()), nil
}
