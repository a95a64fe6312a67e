package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/thalamus/pkg/ledger"
)

// Compile-time interface check.
var _ ledger.Store = (*Store)(nil)

// Store is a SQLite-backed [ledger.Store].
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database file at path and runs
// [Migrate]. Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		dsn = "file:" + path
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite ledger: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ledger: ping database: %w", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ledger: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Ping implements [ledger.Store].
func (s *Store) Ping(ctx context.Context) error {
	return ledger.Wrap("ping", s.db.PingContext(ctx))
}

// Close implements [ledger.Store].
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSession implements [ledger.Ingester].
func (s *Store) EnsureSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, created_at) VALUES (?, ?) ON CONFLICT (session_id) DO NOTHING`,
		sessionID, s.now().UnixNano())
	return ledger.Wrap("ensure session", err)
}

// EnsureSpeaker implements [ledger.Ingester].
func (s *Store) EnsureSpeaker(ctx context.Context, sp ledger.Speaker) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO speakers (external_id, name, is_user, created_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (external_id) DO NOTHING`,
			sp.Key(), sp.Name, sp.IsUser, s.now().UnixNano())
		if err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT id FROM speakers WHERE external_id = ?`, sp.Key()).Scan(&id)
	})
	if err != nil {
		return 0, ledger.Wrap("ensure speaker", err)
	}
	return id, nil
}

// InsertRawSegment implements [ledger.Ingester].
func (s *Store) InsertRawSegment(ctx context.Context, seg ledger.RawSegment) (int64, error) {
	received := seg.ReceivedAt
	if received.IsZero() {
		received = s.now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO raw_segments (session_id, speaker_id, text, start_time, end_time, received_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		seg.SessionID, seg.SpeakerID, seg.Text, seg.Start, seg.End, received.UnixNano())
	if err != nil {
		return 0, ledger.Wrap("insert raw segment", err)
	}
	id, err := res.LastInsertId()
	return id, ledger.Wrap("insert raw segment", err)
}

// ListUnconsumedRawSegments implements [ledger.Ledger].
func (s *Store) ListUnconsumedRawSegments(ctx context.Context, sessionID string) ([]ledger.RawSegment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.session_id, r.speaker_id, COALESCE(sp.name, ''), r.text,
		       r.start_time, r.end_time, r.received_at
		FROM raw_segments r
		LEFT JOIN speakers sp ON sp.id = r.speaker_id
		WHERE r.session_id = ?
		  AND NOT EXISTS (SELECT 1 FROM segment_usage u WHERE u.raw_segment_id = r.id)
		ORDER BY r.start_time, r.id`, sessionID)
	if err != nil {
		return nil, ledger.Wrap("list unconsumed raw segments", err)
	}
	defer rows.Close()

	segs := []ledger.RawSegment{}
	for rows.Next() {
		var (
			r        ledger.RawSegment
			received int64
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.SpeakerID, &r.SpeakerName, &r.Text, &r.Start, &r.End, &received); err != nil {
			return nil, ledger.Wrap("scan raw segment", err)
		}
		r.ReceivedAt = time.Unix(0, received)
		segs = append(segs, r)
	}
	return segs, ledger.Wrap("list unconsumed raw segments", rows.Err())
}

// CloseGroup implements [ledger.Ledger].
func (s *Store) CloseGroup(ctx context.Context, seg ledger.RefinedSegment) (int64, error) {
	if seg.Phase != ledger.PhaseGrouped {
		return 0, fmt.Errorf("sqlite ledger: close group: phase %s is not a group close", seg.Phase)
	}
	if len(seg.SourceIDs) == 0 {
		return 0, fmt.Errorf("sqlite ledger: close group: no source segments")
	}

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if id, err = s.insertRefined(ctx, tx, seg); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE refined_segments SET group_id = id WHERE id = ?`, id); err != nil {
			return err
		}
		return s.bindUsage(ctx, tx, seg.SourceIDs, id)
	})
	if err != nil {
		return 0, ledger.Wrap("close group", err)
	}
	return id, nil
}

// WriteRefinedSegment implements [ledger.Ledger].
func (s *Store) WriteRefinedSegment(ctx context.Context, seg ledger.RefinedSegment) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM refined_segments WHERE id = ? AND phase = 0)`, seg.GroupID).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("group %d: %w", seg.GroupID, ledger.ErrNotFound)
		}
		if seg.Phase == ledger.PhaseRefined {
			var locked bool
			err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM refined_segments WHERE group_id = ? AND locked = 1)`, seg.GroupID).Scan(&locked)
			if err != nil {
				return err
			}
			if locked {
				return fmt.Errorf("group %d: %w", seg.GroupID, ledger.ErrAlreadyLocked)
			}
		}
		id, err = s.insertRefined(ctx, tx, seg)
		return err
	})
	if err != nil {
		return 0, ledger.Wrap("write refined segment", err)
	}
	return id, nil
}

// WriteUsageRecords implements [ledger.Ledger].
func (s *Store) WriteUsageRecords(ctx context.Context, rawIDs []int64, refinedID int64) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return s.bindUsage(ctx, tx, rawIDs, refinedID)
	})
	return ledger.Wrap("write usage records", err)
}

// ListLockedSegments implements [ledger.Ledger].
func (s *Store) ListLockedSegments(ctx context.Context, sessionID string, limit int, mostRecentFirst bool) ([]ledger.RefinedSegment, error) {
	rows, err := s.queryRefined(ctx, `WHERE r.session_id = ? AND r.locked = 1`, sessionID)
	if err != nil {
		return nil, ledger.Wrap("list locked segments", err)
	}
	return ledger.SelectLocked(rows, limit, mostRecentFirst), nil
}

// ListRefinableSegments implements [ledger.Ledger].
func (s *Store) ListRefinableSegments(ctx context.Context, sessionID string) ([]ledger.RefinedSegment, error) {
	rows, err := s.queryRefined(ctx, `WHERE r.session_id = ?`, sessionID)
	if err != nil {
		return nil, ledger.Wrap("list refinable segments", err)
	}
	return ledger.SelectRefinable(rows), nil
}

// ListActiveSessions implements [ledger.Ledger].
func (s *Store) ListActiveSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT r.session_id
		FROM raw_segments r
		WHERE NOT EXISTS (SELECT 1 FROM segment_usage u WHERE u.raw_segment_id = r.id)
		ORDER BY r.session_id`)
	if err != nil {
		return nil, ledger.Wrap("list active sessions", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, ledger.Wrap("scan active session", err)
		}
		ids = append(ids, id)
	}
	return ids, ledger.Wrap("list active sessions", rows.Err())
}

// ListRefinableSessions implements [ledger.Ledger].
func (s *Store) ListRefinableSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT r.session_id
		FROM refined_segments r
		WHERE r.phase = 0
		  AND NOT EXISTS (SELECT 1 FROM refined_segments l WHERE l.group_id = r.group_id AND l.locked = 1)
		ORDER BY r.session_id`)
	if err != nil {
		return nil, ledger.Wrap("list refinable sessions", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, ledger.Wrap("scan refinable session", err)
		}
		ids = append(ids, id)
	}
	return ids, ledger.Wrap("list refinable sessions", rows.Err())
}

// ListRefinedSegments implements [ledger.Inspector].
func (s *Store) ListRefinedSegments(ctx context.Context, sessionID string) ([]ledger.RefinedSegment, error) {
	rows, err := s.queryRefined(ctx, `WHERE ? = '' OR r.session_id = ?`, sessionID, sessionID)
	return rows, ledger.Wrap("list refined segments", err)
}

// ListUsage implements [ledger.Inspector].
func (s *Store) ListUsage(ctx context.Context) ([]ledger.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT raw_segment_id, refined_segment_id, created_at FROM segment_usage ORDER BY raw_segment_id`)
	if err != nil {
		return nil, ledger.Wrap("list usage", err)
	}
	defer rows.Close()

	var usage []ledger.UsageRecord
	for rows.Next() {
		var (
			u       ledger.UsageRecord
			created int64
		)
		if err := rows.Scan(&u.RawSegmentID, &u.RefinedSegmentID, &created); err != nil {
			return nil, ledger.Wrap("scan usage", err)
		}
		u.CreatedAt = time.Unix(0, created)
		usage = append(usage, u)
	}
	return usage, ledger.Wrap("list usage", rows.Err())
}

// withTx runs fn in a transaction, committing on nil and rolling back
// otherwise.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) insertRefined(ctx context.Context, tx *sql.Tx, seg ledger.RefinedSegment) (int64, error) {
	ids := seg.SourceIDs
	if ids == nil {
		ids = []int64{}
	}
	srcJSON, err := json.Marshal(ids)
	if err != nil {
		return 0, fmt.Errorf("encode source ids: %w", err)
	}
	md := seg.Metadata
	if md == nil {
		md = ledger.Metadata{}
	}
	mdJSON, err := json.Marshal(md)
	if err != nil {
		return 0, fmt.Errorf("encode metadata: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO refined_segments
		    (group_id, session_id, speaker_id, text, start_time, end_time,
		     confidence, source_ids, phase, locked, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seg.GroupID, seg.SessionID, seg.SpeakerID, seg.Text, seg.Start, seg.End,
		seg.Confidence, string(srcJSON), int(seg.Phase), seg.Locked, string(mdJSON), s.now().UnixNano())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) bindUsage(ctx context.Context, tx *sql.Tx, rawIDs []int64, refinedID int64) error {
	now := s.now().UnixNano()
	for _, raw := range rawIDs {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO segment_usage (raw_segment_id, refined_segment_id, created_at) VALUES (?, ?, ?)
			 ON CONFLICT (raw_segment_id) DO NOTHING`,
			raw, refinedID, now)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("raw segment %d: %w", raw, ledger.ErrAlreadyConsumed)
		}
	}
	return nil
}

func (s *Store) queryRefined(ctx context.Context, where string, args ...any) ([]ledger.RefinedSegment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.group_id, r.session_id, r.speaker_id, COALESCE(sp.name, ''), r.text,
		       r.start_time, r.end_time, r.confidence, r.source_ids, r.phase, r.locked,
		       r.metadata, r.created_at
		FROM refined_segments r
		LEFT JOIN speakers sp ON sp.id = r.speaker_id
		`+where+`
		ORDER BY r.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	segs := []ledger.RefinedSegment{}
	for rows.Next() {
		var (
			seg     ledger.RefinedSegment
			srcJSON string
			mdJSON  string
			phase   int
			created int64
		)
		if err := rows.Scan(&seg.ID, &seg.GroupID, &seg.SessionID, &seg.SpeakerID, &seg.SpeakerName,
			&seg.Text, &seg.Start, &seg.End, &seg.Confidence, &srcJSON, &phase, &seg.Locked,
			&mdJSON, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(srcJSON), &seg.SourceIDs); err != nil {
			return nil, fmt.Errorf("decode source ids of segment %d: %w", seg.ID, err)
		}
		if err := json.Unmarshal([]byte(mdJSON), &seg.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of segment %d: %w", seg.ID, err)
		}
		seg.Phase = ledger.Phase(phase)
		seg.CreatedAt = time.Unix(0, created)
		segs = append(segs, seg)
	}
	return segs, rows.Err()
}
