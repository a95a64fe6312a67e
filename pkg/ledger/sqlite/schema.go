// Package sqlite provides an embedded [ledger.Store] on the pure-Go
// modernc.org/sqlite driver.
//
// The store keeps a single open connection, so SQLite's one-writer model never
// surfaces as SQLITE_BUSY and every transaction observes all earlier commits.
// Timestamps are stored as Unix nanoseconds; source id lists and metadata are
// stored as JSON text.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id  TEXT     PRIMARY KEY,
    created_at  INTEGER  NOT NULL
);

CREATE TABLE IF NOT EXISTS speakers (
    id           INTEGER  PRIMARY KEY AUTOINCREMENT,
    external_id  TEXT     NOT NULL UNIQUE,
    name         TEXT     NOT NULL DEFAULT '',
    is_user      INTEGER  NOT NULL DEFAULT 0,
    created_at   INTEGER  NOT NULL
);

CREATE TABLE IF NOT EXISTS raw_segments (
    id           INTEGER  PRIMARY KEY AUTOINCREMENT,
    session_id   TEXT     NOT NULL REFERENCES sessions (session_id),
    speaker_id   INTEGER  NOT NULL REFERENCES speakers (id),
    text         TEXT     NOT NULL,
    start_time   REAL     NOT NULL,
    end_time     REAL     NOT NULL,
    received_at  INTEGER  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_raw_segments_session_start
    ON raw_segments (session_id, start_time, id);

CREATE TABLE IF NOT EXISTS refined_segments (
    id          INTEGER  PRIMARY KEY AUTOINCREMENT,
    group_id    INTEGER  NOT NULL DEFAULT 0,
    session_id  TEXT     NOT NULL,
    speaker_id  INTEGER  NOT NULL,
    text        TEXT     NOT NULL,
    start_time  REAL     NOT NULL,
    end_time    REAL     NOT NULL,
    confidence  REAL     NOT NULL DEFAULT 0,
    source_ids  TEXT     NOT NULL DEFAULT '[]',
    phase       INTEGER  NOT NULL CHECK (phase BETWEEN 0 AND 2),
    locked      INTEGER  NOT NULL DEFAULT 0,
    metadata    TEXT     NOT NULL DEFAULT '{}',
    created_at  INTEGER  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_refined_segments_session_group
    ON refined_segments (session_id, group_id);

CREATE TABLE IF NOT EXISTS segment_usage (
    raw_segment_id      INTEGER  PRIMARY KEY REFERENCES raw_segments (id),
    refined_segment_id  INTEGER  NOT NULL REFERENCES refined_segments (id),
    created_at          INTEGER  NOT NULL
);
`

// Migrate creates every table and index the ledger needs.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite migrate: %w", err)
	}
	return nil
}
