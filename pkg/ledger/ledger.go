// Package ledger defines the durable record of a transcript refinement run:
// sessions, speakers, raw segments, refined segments and the usage index that
// binds each raw segment to the single refined segment that consumed it.
//
// The package is storage-agnostic. Backends live in sub-packages:
//
//   - memledger: in-process, mutex-guarded; used by tests and the "memory" driver.
//   - postgres:  pgx connection pool with a usage table keyed on raw_segment_id.
//   - sqlite:    embedded, pure-Go SQLite through database/sql.
//
// Every implementation must be safe for concurrent use. Writes that touch the
// usage index (group close, usage writes) must be transactional so a raw
// segment can never be bound to two refined segments.
package ledger

import "context"

// Ledger is the set of storage operations the refinement pipeline consumes.
type Ledger interface {
	// ListUnconsumedRawSegments returns every raw segment of sessionID that has
	// no usage record, ordered by start offset (ties broken by id). Reads must
	// observe all committed usage records.
	ListUnconsumedRawSegments(ctx context.Context, sessionID string) ([]RawSegment, error)

	// CloseGroup persists a phase-0 refined segment and a usage record for
	// every id in seg.SourceIDs in a single transaction. If any raw id is
	// already consumed nothing is written and the returned error wraps
	// [ErrAlreadyConsumed]. The new row's id (which is also its GroupID) is
	// returned.
	CloseGroup(ctx context.Context, seg RefinedSegment) (int64, error)

	// WriteRefinedSegment appends a phase-1 or phase-2 row. seg.GroupID must
	// reference an existing phase-0 row. Existing rows are never rewritten. A
	// phase-1 row for a group that already has a locked row is refused with
	// [ErrAlreadyLocked]; the check and the insert are one transaction.
	WriteRefinedSegment(ctx context.Context, seg RefinedSegment) (int64, error)

	// WriteUsageRecords binds rawIDs to refinedID atomically. A collision with
	// an existing record fails the whole write with [ErrAlreadyConsumed].
	WriteUsageRecords(ctx context.Context, rawIDs []int64, refinedID int64) error

	// ListLockedSegments returns the authoritative locked row of each group in
	// sessionID (the phase-2 correction when one exists, otherwise the locked
	// phase-1 row), ordered by start offset. limit <= 0 means no limit.
	ListLockedSegments(ctx context.Context, sessionID string, limit int, mostRecentFirst bool) ([]RefinedSegment, error)

	// ListRefinableSegments returns, for every group of sessionID that has no
	// locked row yet, the most recently written row of that group, ordered by
	// start offset.
	ListRefinableSegments(ctx context.Context, sessionID string) ([]RefinedSegment, error)

	// ListActiveSessions returns the ids of sessions with at least one
	// unconsumed raw segment.
	ListActiveSessions(ctx context.Context) ([]string, error)

	// ListRefinableSessions returns the ids of sessions with at least one
	// group that has no locked row yet, sorted. It applies the same rule as
	// [Ledger.ListRefinableSegments].
	ListRefinableSessions(ctx context.Context) ([]string, error)
}

// Ingester is implemented by ledgers that accept raw segments from the
// ingestion boundary.
type Ingester interface {
	// EnsureSession creates the session row if it does not exist yet.
	EnsureSession(ctx context.Context, sessionID string) error

	// EnsureSpeaker returns the id of the speaker identified by sp.ExternalID
	// (or sp.Name when ExternalID is empty), creating it on first sighting.
	EnsureSpeaker(ctx context.Context, sp Speaker) (int64, error)

	// InsertRawSegment appends a raw segment and returns its id.
	InsertRawSegment(ctx context.Context, seg RawSegment) (int64, error)
}

// Inspector exposes full-table reads used by the integrity audit.
type Inspector interface {
	// ListRefinedSegments returns every refined row of sessionID ordered by id.
	// An empty sessionID lists all sessions.
	ListRefinedSegments(ctx context.Context, sessionID string) ([]RefinedSegment, error)

	// ListUsage returns every usage record ordered by raw segment id.
	ListUsage(ctx context.Context) ([]UsageRecord, error)
}

// Store is a complete ledger backend.
type Store interface {
	Ledger
	Ingester
	Inspector

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
