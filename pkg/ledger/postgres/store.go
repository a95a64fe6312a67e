package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/thalamus/pkg/ledger"
)

// Compile-time interface check.
var _ ledger.Store = (*Store)(nil)

// Store is a PostgreSQL-backed [ledger.Store]. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New parses dsn, opens a connection pool, verifies connectivity and runs
// [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres ledger: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres ledger: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ledger: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ledger: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// NewFromPool wraps an existing pool. The caller owns migration.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping implements [ledger.Store].
func (s *Store) Ping(ctx context.Context) error {
	return ledger.Wrap("ping", s.pool.Ping(ctx))
}

// Close implements [ledger.Store]. It releases every pooled connection.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Ingestion
// ─────────────────────────────────────────────────────────────────────────────

// EnsureSession implements [ledger.Ingester].
func (s *Store) EnsureSession(ctx context.Context, sessionID string) error {
	const q = `INSERT INTO sessions (session_id) VALUES ($1) ON CONFLICT (session_id) DO NOTHING`
	if _, err := s.pool.Exec(ctx, q, sessionID); err != nil {
		return ledger.Wrap("ensure session", err)
	}
	return nil
}

// EnsureSpeaker implements [ledger.Ingester]. The no-op update on conflict
// makes RETURNING yield the existing row's id.
func (s *Store) EnsureSpeaker(ctx context.Context, sp ledger.Speaker) (int64, error) {
	const q = `
		INSERT INTO speakers (external_id, name, is_user)
		VALUES ($1, $2, $3)
		ON CONFLICT (external_id) DO UPDATE SET external_id = EXCLUDED.external_id
		RETURNING id`

	var id int64
	if err := s.pool.QueryRow(ctx, q, sp.Key(), sp.Name, sp.IsUser).Scan(&id); err != nil {
		return 0, ledger.Wrap("ensure speaker", err)
	}
	return id, nil
}

// InsertRawSegment implements [ledger.Ingester].
func (s *Store) InsertRawSegment(ctx context.Context, seg ledger.RawSegment) (int64, error) {
	const q = `
		INSERT INTO raw_segments (session_id, speaker_id, text, start_time, end_time, received_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6::timestamptz, now()))
		RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, q,
		seg.SessionID,
		seg.SpeakerID,
		seg.Text,
		seg.Start,
		seg.End,
		nullTime(seg.ReceivedAt),
	).Scan(&id)
	if err != nil {
		return 0, ledger.Wrap("insert raw segment", err)
	}
	return id, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Pipeline operations
// ─────────────────────────────────────────────────────────────────────────────

// ListUnconsumedRawSegments implements [ledger.Ledger].
func (s *Store) ListUnconsumedRawSegments(ctx context.Context, sessionID string) ([]ledger.RawSegment, error) {
	const q = `
		SELECT r.id, r.session_id, r.speaker_id, COALESCE(sp.name, ''), r.text,
		       r.start_time, r.end_time, r.received_at
		FROM   raw_segments r
		LEFT   JOIN speakers sp ON sp.id = r.speaker_id
		WHERE  r.session_id = $1
		  AND  NOT EXISTS (SELECT 1 FROM segment_usage u WHERE u.raw_segment_id = r.id)
		ORDER  BY r.start_time, r.id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, ledger.Wrap("list unconsumed raw segments", err)
	}
	segs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.RawSegment, error) {
		var r ledger.RawSegment
		err := row.Scan(&r.ID, &r.SessionID, &r.SpeakerID, &r.SpeakerName, &r.Text, &r.Start, &r.End, &r.ReceivedAt)
		return r, err
	})
	if err != nil {
		return nil, ledger.Wrap("scan raw segments", err)
	}
	if segs == nil {
		segs = []ledger.RawSegment{}
	}
	return segs, nil
}

// CloseGroup implements [ledger.Ledger]. The refined row takes its own id as
// group id; usage rows are inserted with ON CONFLICT DO NOTHING and the
// transaction is rolled back unless every one of them was written.
func (s *Store) CloseGroup(ctx context.Context, seg ledger.RefinedSegment) (int64, error) {
	if seg.Phase != ledger.PhaseGrouped {
		return 0, fmt.Errorf("postgres ledger: close group: phase %s is not a group close", seg.Phase)
	}
	if len(seg.SourceIDs) == 0 {
		return 0, fmt.Errorf("postgres ledger: close group: no source segments")
	}

	const insertGroup = `
		WITH next AS (SELECT nextval(pg_get_serial_sequence('refined_segments', 'id')) AS id)
		INSERT INTO refined_segments
		    (id, group_id, session_id, speaker_id, text, start_time, end_time,
		     confidence, source_ids, phase, locked, metadata)
		SELECT next.id, next.id, $1::text, $2::bigint, $3::text, $4::float8, $5::float8,
		       $6::float8, $7::bigint[], $8::smallint, $9::boolean, $10::jsonb
		FROM   next
		RETURNING id`

	var id int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, insertGroup, refinedArgs(seg)...).Scan(&id); err != nil {
			return err
		}
		return bindUsage(ctx, tx, seg.SourceIDs, id)
	})
	if err != nil {
		return 0, ledger.Wrap("close group", err)
	}
	return id, nil
}

// WriteRefinedSegment implements [ledger.Ledger]. The group's phase-0 row is
// locked FOR UPDATE so concurrent writers for one group serialise on it, and a
// phase-1 row is refused once any row of the group is locked.
func (s *Store) WriteRefinedSegment(ctx context.Context, seg ledger.RefinedSegment) (int64, error) {
	const (
		lockGroup = `SELECT id FROM refined_segments WHERE id = $1 AND phase = 0 FOR UPDATE`
		hasLocked = `SELECT EXISTS (SELECT 1 FROM refined_segments WHERE group_id = $1 AND locked)`
		insert    = `
			INSERT INTO refined_segments
			    (session_id, speaker_id, text, start_time, end_time,
			     confidence, source_ids, phase, locked, metadata, group_id)
			VALUES ($1::text, $2::bigint, $3::text, $4::float8, $5::float8,
			        $6::float8, $7::bigint[], $8::smallint, $9::boolean, $10::jsonb, $11::bigint)
			RETURNING id`
	)

	var id int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var gid int64
		err := tx.QueryRow(ctx, lockGroup, seg.GroupID).Scan(&gid)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("postgres ledger: write refined segment: group %d: %w", seg.GroupID, ledger.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if seg.Phase == ledger.PhaseRefined {
			var locked bool
			if err := tx.QueryRow(ctx, hasLocked, seg.GroupID).Scan(&locked); err != nil {
				return err
			}
			if locked {
				return fmt.Errorf("postgres ledger: write refined segment: group %d: %w", seg.GroupID, ledger.ErrAlreadyLocked)
			}
		}
		return tx.QueryRow(ctx, insert, append(refinedArgs(seg), seg.GroupID)...).Scan(&id)
	})
	if err != nil {
		return 0, ledger.Wrap("write refined segment", err)
	}
	return id, nil
}

// WriteUsageRecords implements [ledger.Ledger].
func (s *Store) WriteUsageRecords(ctx context.Context, rawIDs []int64, refinedID int64) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return bindUsage(ctx, tx, rawIDs, refinedID)
	})
	return ledger.Wrap("write usage records", err)
}

// ListLockedSegments implements [ledger.Ledger]. DISTINCT ON picks the
// highest-phase locked row of each group; a NULL limit means no limit.
func (s *Store) ListLockedSegments(ctx context.Context, sessionID string, limit int, mostRecentFirst bool) ([]ledger.RefinedSegment, error) {
	dir := "ASC"
	if mostRecentFirst {
		dir = "DESC"
	}
	q := `
		SELECT * FROM (
		    SELECT DISTINCT ON (r.group_id) ` + refinedColumns + `
		    FROM   refined_segments r
		    LEFT   JOIN speakers sp ON sp.id = r.speaker_id
		    WHERE  r.session_id = $1 AND r.locked
		    ORDER  BY r.group_id, r.phase DESC, r.id DESC
		) latest
		ORDER BY latest.start_time ` + dir + `, latest.group_id ` + dir + `
		LIMIT $2::bigint`

	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx, q, sessionID, lim)
	if err != nil {
		return nil, ledger.Wrap("list locked segments", err)
	}
	return collectRefined(rows)
}

// ListRefinableSegments implements [ledger.Ledger].
func (s *Store) ListRefinableSegments(ctx context.Context, sessionID string) ([]ledger.RefinedSegment, error) {
	q := `
		SELECT * FROM (
		    SELECT DISTINCT ON (r.group_id) ` + refinedColumns + `
		    FROM   refined_segments r
		    LEFT   JOIN speakers sp ON sp.id = r.speaker_id
		    WHERE  r.session_id = $1
		      AND  NOT EXISTS (
		               SELECT 1 FROM refined_segments l
		               WHERE  l.group_id = r.group_id AND l.locked)
		    ORDER  BY r.group_id, r.id DESC
		) latest
		ORDER BY latest.start_time, latest.group_id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, ledger.Wrap("list refinable segments", err)
	}
	return collectRefined(rows)
}

// ListActiveSessions implements [ledger.Ledger].
func (s *Store) ListActiveSessions(ctx context.Context) ([]string, error) {
	const q = `
		SELECT DISTINCT r.session_id
		FROM   raw_segments r
		WHERE  NOT EXISTS (SELECT 1 FROM segment_usage u WHERE u.raw_segment_id = r.id)
		ORDER  BY r.session_id`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, ledger.Wrap("list active sessions", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, ledger.Wrap("scan active sessions", err)
	}
	return ids, nil
}

// ListRefinableSessions implements [ledger.Ledger].
func (s *Store) ListRefinableSessions(ctx context.Context) ([]string, error) {
	const q = `
		SELECT DISTINCT r.session_id
		FROM   refined_segments r
		WHERE  r.phase = 0
		  AND  NOT EXISTS (
		           SELECT 1 FROM refined_segments l
		           WHERE  l.group_id = r.group_id AND l.locked)
		ORDER  BY r.session_id`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, ledger.Wrap("list refinable sessions", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, ledger.Wrap("scan refinable sessions", err)
	}
	return ids, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Inspection
// ─────────────────────────────────────────────────────────────────────────────

// ListRefinedSegments implements [ledger.Inspector].
func (s *Store) ListRefinedSegments(ctx context.Context, sessionID string) ([]ledger.RefinedSegment, error) {
	q := `
		SELECT ` + refinedColumns + `
		FROM   refined_segments r
		LEFT   JOIN speakers sp ON sp.id = r.speaker_id
		WHERE  $1 = '' OR r.session_id = $1
		ORDER  BY r.id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, ledger.Wrap("list refined segments", err)
	}
	return collectRefined(rows)
}

// ListUsage implements [ledger.Inspector].
func (s *Store) ListUsage(ctx context.Context) ([]ledger.UsageRecord, error) {
	const q = `
		SELECT raw_segment_id, refined_segment_id, created_at
		FROM   segment_usage
		ORDER  BY raw_segment_id`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, ledger.Wrap("list usage", err)
	}
	usage, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.UsageRecord, error) {
		var u ledger.UsageRecord
		err := row.Scan(&u.RawSegmentID, &u.RefinedSegmentID, &u.CreatedAt)
		return u, err
	})
	if err != nil {
		return nil, ledger.Wrap("scan usage", err)
	}
	return usage, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// helpers
// ─────────────────────────────────────────────────────────────────────────────

const refinedColumns = `r.id, r.group_id, r.session_id, r.speaker_id, COALESCE(sp.name, '') AS speaker_name,
		           r.text, r.start_time, r.end_time, r.confidence, r.source_ids,
		           r.phase, r.locked, r.metadata, r.created_at`

// refinedArgs returns the ten positional arguments shared by both refined
// insert statements. INSERT ... SELECT cannot infer parameter types from the
// target columns, hence the explicit casts in those statements.
func refinedArgs(seg ledger.RefinedSegment) []any {
	ids := seg.SourceIDs
	if ids == nil {
		ids = []int64{}
	}
	md := seg.Metadata
	if md == nil {
		md = ledger.Metadata{}
	}
	return []any{
		seg.SessionID,
		seg.SpeakerID,
		seg.Text,
		seg.Start,
		seg.End,
		seg.Confidence,
		ids,
		int16(seg.Phase),
		seg.Locked,
		md,
	}
}

func bindUsage(ctx context.Context, tx pgx.Tx, rawIDs []int64, refinedID int64) error {
	const q = `
		INSERT INTO segment_usage (raw_segment_id, refined_segment_id)
		SELECT DISTINCT unnest($1::bigint[]), $2
		ON CONFLICT (raw_segment_id) DO NOTHING`

	tag, err := tx.Exec(ctx, q, rawIDs, refinedID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != int64(len(rawIDs)) {
		return fmt.Errorf("bound %d of %d raw segments: %w", tag.RowsAffected(), len(rawIDs), ledger.ErrAlreadyConsumed)
	}
	return nil
}

func collectRefined(rows pgx.Rows) ([]ledger.RefinedSegment, error) {
	segs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.RefinedSegment, error) {
		var (
			seg   ledger.RefinedSegment
			phase int16
		)
		if err := row.Scan(
			&seg.ID,
			&seg.GroupID,
			&seg.SessionID,
			&seg.SpeakerID,
			&seg.SpeakerName,
			&seg.Text,
			&seg.Start,
			&seg.End,
			&seg.Confidence,
			&seg.SourceIDs,
			&phase,
			&seg.Locked,
			&seg.Metadata,
			&seg.CreatedAt,
		); err != nil {
			return ledger.RefinedSegment{}, err
		}
		seg.Phase = ledger.Phase(phase)
		return seg, nil
	})
	if err != nil {
		return nil, ledger.Wrap("scan refined segments", err)
	}
	if segs == nil {
		segs = []ledger.RefinedSegment{}
	}
	return segs, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
