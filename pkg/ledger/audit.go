package ledger

import (
	"context"
	"fmt"
	"slices"
)

// AuditReport is the result of an exclusive-consumption integrity scan.
type AuditReport struct {
	// RefinedRows and UsageRows count what was scanned.
	RefinedRows int
	UsageRows   int

	// Duplicates maps a raw segment id to the ids of every phase-0 group that
	// claims it. Only ids claimed by two or more groups are listed.
	Duplicates map[int64][]int64

	// Divergent lists phase-1/phase-2 rows whose source ids differ from the
	// phase-0 group they descend from.
	Divergent []int64

	// Orphans lists raw ids whose usage record points at a group that does
	// not list them as a source.
	Orphans []int64
}

// OK reports whether the scan found no violation.
func (r *AuditReport) OK() bool {
	return len(r.Duplicates) == 0 && len(r.Divergent) == 0 && len(r.Orphans) == 0
}

// Err returns nil for a clean report, or an error wrapping
// [ErrInvariantViolation] that summarises the findings.
func (r *AuditReport) Err() error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("%w: %d duplicated raw segments, %d divergent rows, %d orphaned usage records",
		ErrInvariantViolation, len(r.Duplicates), len(r.Divergent), len(r.Orphans))
}

// Audit scans every refined segment and usage record held by src.
func Audit(ctx context.Context, src Inspector) (*AuditReport, error) {
	refined, err := src.ListRefinedSegments(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("audit: list refined segments: %w", err)
	}
	usage, err := src.ListUsage(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: list usage: %w", err)
	}
	return AuditRows(refined, usage), nil
}

// AuditRows runs the integrity checks over already-loaded rows.
func AuditRows(refined []RefinedSegment, usage []UsageRecord) *AuditReport {
	report := &AuditReport{
		RefinedRows: len(refined),
		UsageRows:   len(usage),
		Duplicates:  make(map[int64][]int64),
	}

	groups := make(map[int64][]int64)
	claims := make(map[int64][]int64)
	for _, seg := range refined {
		if seg.Phase != PhaseGrouped {
			continue
		}
		groups[seg.ID] = seg.SourceIDs
		for _, raw := range seg.SourceIDs {
			claims[raw] = append(claims[raw], seg.ID)
		}
	}
	for raw, ids := range claims {
		if len(ids) > 1 {
			report.Duplicates[raw] = ids
		}
	}

	for _, seg := range refined {
		if seg.Phase == PhaseGrouped {
			continue
		}
		base, ok := groups[seg.GroupID]
		if !ok || !slices.Equal(base, seg.SourceIDs) {
			report.Divergent = append(report.Divergent, seg.ID)
		}
	}

	for _, u := range usage {
		if !slices.Contains(groups[u.RefinedSegmentID], u.RawSegmentID) {
			report.Orphans = append(report.Orphans, u.RawSegmentID)
		}
	}

	slices.Sort(report.Divergent)
	slices.Sort(report.Orphans)
	return report
}
