// Package postgres provides a PostgreSQL-backed [ledger.Store].
//
// All tables share a single [pgxpool.Pool]. [Migrate] creates them with
// CREATE TABLE IF NOT EXISTS, so it is safe to run on every start.
//
// Exclusive consumption is enforced by the database itself: segment_usage is
// keyed on raw_segment_id, and a group close inserts its refined row and all
// usage rows in one transaction that rolls back on any conflict.
//
// Usage:
//
//	store, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	id, err := store.CloseGroup(ctx, seg)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id  TEXT         PRIMARY KEY,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS speakers (
    id           BIGSERIAL    PRIMARY KEY,
    external_id  TEXT         NOT NULL UNIQUE,
    name         TEXT         NOT NULL DEFAULT '',
    is_user      BOOLEAN      NOT NULL DEFAULT false,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlSegments = `
CREATE TABLE IF NOT EXISTS raw_segments (
    id           BIGSERIAL         PRIMARY KEY,
    session_id   TEXT              NOT NULL REFERENCES sessions (session_id),
    speaker_id   BIGINT            NOT NULL REFERENCES speakers (id),
    text         TEXT              NOT NULL,
    start_time   DOUBLE PRECISION  NOT NULL,
    end_time     DOUBLE PRECISION  NOT NULL,
    received_at  TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_raw_segments_session_start
    ON raw_segments (session_id, start_time, id);

CREATE TABLE IF NOT EXISTS refined_segments (
    id          BIGSERIAL         PRIMARY KEY,
    group_id    BIGINT            NOT NULL,
    session_id  TEXT              NOT NULL,
    speaker_id  BIGINT            NOT NULL,
    text        TEXT              NOT NULL,
    start_time  DOUBLE PRECISION  NOT NULL,
    end_time    DOUBLE PRECISION  NOT NULL,
    confidence  DOUBLE PRECISION  NOT NULL DEFAULT 0,
    source_ids  BIGINT[]          NOT NULL DEFAULT '{}',
    phase       SMALLINT          NOT NULL,
    locked      BOOLEAN           NOT NULL DEFAULT false,
    metadata    JSONB             NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ       NOT NULL DEFAULT now(),
    CHECK (phase BETWEEN 0 AND 2)
);

CREATE INDEX IF NOT EXISTS idx_refined_segments_session_group
    ON refined_segments (session_id, group_id);

CREATE TABLE IF NOT EXISTS segment_usage (
    raw_segment_id      BIGINT       PRIMARY KEY REFERENCES raw_segments (id),
    refined_segment_id  BIGINT       NOT NULL REFERENCES refined_segments (id),
    created_at          TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates every table and index the ledger needs.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlSessions, ddlSegments} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
