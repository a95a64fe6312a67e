package ledger

import (
	"cmp"
	"slices"
)

// SelectLocked picks the authoritative locked row of every group in rows: the
// highest-phase locked row, latest id first. The result is ordered by start
// offset (descending when mostRecentFirst) and truncated to limit when
// limit > 0. Backends that cannot express this in their query language share
// this implementation.
func SelectLocked(rows []RefinedSegment, limit int, mostRecentFirst bool) []RefinedSegment {
	best := make(map[int64]RefinedSegment)
	for _, r := range rows {
		if !r.Locked {
			continue
		}
		cur, ok := best[r.GroupID]
		if !ok || r.Phase > cur.Phase || (r.Phase == cur.Phase && r.ID > cur.ID) {
			best[r.GroupID] = r
		}
	}

	out := make([]RefinedSegment, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	sortByStart(out)
	if mostRecentFirst {
		slices.Reverse(out)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SelectRefinable returns the latest row of every group in rows that has no
// locked row, ordered by start offset.
func SelectRefinable(rows []RefinedSegment) []RefinedSegment {
	locked := make(map[int64]bool)
	latest := make(map[int64]RefinedSegment)
	for _, r := range rows {
		if r.Locked {
			locked[r.GroupID] = true
		}
		if cur, ok := latest[r.GroupID]; !ok || r.ID > cur.ID {
			latest[r.GroupID] = r
		}
	}

	out := make([]RefinedSegment, 0, len(latest))
	for gid, r := range latest {
		if locked[gid] {
			continue
		}
		out = append(out, r)
	}
	sortByStart(out)
	return out
}

func sortByStart(rows []RefinedSegment) {
	slices.SortFunc(rows, func(a, b RefinedSegment) int {
		if c := cmp.Compare(a.Start, b.Start); c != 0 {
			return c
		}
		return cmp.Compare(a.GroupID, b.GroupID)
	})
}
