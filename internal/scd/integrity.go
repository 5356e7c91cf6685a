package scd

import (
	"sort"
	"time"
)

type (
	// VersionRow is one stored version of a canonical record, as fetched from
	// a type_2 table for integrity checking. NaturalKey is the table's
	// business identifier (company_id, ticket_id, ...).
	VersionRow struct {
		TenantID           string
		NaturalKey         string
		RecordHash         string
		EffectiveStartDate time.Time
		EffectiveEndDate   *time.Time
		IsCurrent          bool
	}

	// VersionKey identifies one record's version chain within a table.
	VersionKey struct {
		TenantID   string
		NaturalKey string
	}

	// Overlap reports a version chain with more than one current row. Rows
	// are ordered by effective_start_date ascending.
	Overlap struct {
		Key  VersionKey
		Rows []VersionRow
	}

	// Report is the outcome of one integrity pass over a table's version rows.
	Report struct {
		RowsChecked int

		// Overlaps: version chains with more than one is_current row.
		Overlaps []Overlap

		// Orphans: superseded rows left open-ended (is_current false but
		// effective_end_date null).
		Orphans []VersionRow

		// FutureDated: rows whose effective window starts after now.
		FutureDated []VersionRow

		// InvertedRanges: rows whose effective window ends before it starts.
		InvertedRanges []VersionRow
	}

	// RepairKind names one category of planned mutation.
	RepairKind string

	// Repair is one planned storage mutation. Planning is separated from
	// execution so repairs can be reviewed in dry-run mode and so the planner
	// stays testable without a database.
	Repair struct {
		Kind RepairKind
		Key  VersionKey

		// KeepStart and KeepHash are set for DemoteDuplicate: they identify
		// the row that stays current. Every other current row in the chain is
		// demoted. The hash disambiguates current rows stamped with the same
		// effective_start_date.
		KeepStart time.Time
		KeepHash  string

		// CloseAt is the effective_end_date written by the mutation.
		CloseAt time.Time
	}

	// KeepPolicy decides which of several concurrent current rows survives a
	// demotion repair. It receives the chain's current rows ordered by
	// effective_start_date ascending and returns the survivor.
	KeepPolicy func(current []VersionRow) VersionRow
)

// Repair kinds.
const (
	// RepairCloseOrphan closes an open-ended superseded row.
	RepairCloseOrphan RepairKind = "close_orphan"

	// RepairDemoteDuplicate demotes the losing rows of an overlap, leaving
	// exactly one current row per chain.
	RepairDemoteDuplicate RepairKind = "demote_duplicate"
)

// KeepEarliestStart keeps the longest-standing current row. This is the
// default: overlaps are usually caused by re-ingestion stamping a fresh
// current row without demoting the old one, and the earliest row is the one
// whose window downstream consumers have already observed.
func KeepEarliestStart(current []VersionRow) VersionRow {
	return current[0]
}

// KeepLatestStart keeps the most recently stamped current row, treating the
// newest ingestion as authoritative.
func KeepLatestStart(current []VersionRow) VersionRow {
	return current[len(current)-1]
}

// Detect runs every integrity check over a table's version rows and returns
// the findings. It never mutates anything.
//
// Exact duplicate rows (same version stamped twice) are not reported here;
// storage deduplicates those on merge.
func Detect(rows []VersionRow, now time.Time) Report {
	report := Report{RowsChecked: len(rows)}

	for _, row := range rows {
		if !row.IsCurrent && row.EffectiveEndDate == nil {
			report.Orphans = append(report.Orphans, row)
		}

		if row.EffectiveStartDate.After(now) {
			report.FutureDated = append(report.FutureDated, row)
		}

		// A closed window must end strictly after it starts; an end date equal
		// to the start is an empty window and just as broken as a negative one.
		if row.EffectiveEndDate != nil && !row.EffectiveEndDate.After(row.EffectiveStartDate) {
			report.InvertedRanges = append(report.InvertedRanges, row)
		}
	}

	for _, key := range sortedKeys(rows) {
		current := currentRows(rows, key)
		if len(current) > 1 {
			report.Overlaps = append(report.Overlaps, Overlap{Key: key, Rows: current})
		}
	}

	return report
}

// Clean reports whether the pass found no violations.
func (r Report) Clean() bool {
	return len(r.Overlaps) == 0 &&
		len(r.Orphans) == 0 &&
		len(r.FutureDated) == 0 &&
		len(r.InvertedRanges) == 0
}

// ViolationCount returns the total number of findings across all checks.
func (r Report) ViolationCount() int {
	return len(r.Overlaps) + len(r.Orphans) + len(r.FutureDated) + len(r.InvertedRanges)
}

// PlanRepairs turns a detection pass into an ordered list of mutations:
// demote the losing rows of every overlap, then close every orphan.
//
// Planning is idempotent: applying the planned repairs and re-running
// PlanRepairs over the repaired rows yields an empty plan. Future-dated and
// inverted-range findings have no safe automatic repair and are reported
// only.
func PlanRepairs(rows []VersionRow, now time.Time, policy KeepPolicy) []Repair {
	if policy == nil {
		policy = KeepEarliestStart
	}

	report := Detect(rows, now)

	var repairs []Repair

	for _, overlap := range report.Overlaps {
		keep := policy(overlap.Rows)

		repairs = append(repairs, Repair{
			Kind:      RepairDemoteDuplicate,
			Key:       overlap.Key,
			KeepStart: keep.EffectiveStartDate,
			KeepHash:  keep.RecordHash,
			CloseAt:   now,
		})
	}

	seen := make(map[VersionKey]struct{})

	for _, orphan := range report.Orphans {
		key := VersionKey{TenantID: orphan.TenantID, NaturalKey: orphan.NaturalKey}
		if _, dup := seen[key]; dup {
			continue
		}

		seen[key] = struct{}{}

		repairs = append(repairs, Repair{
			Kind:    RepairCloseOrphan,
			Key:     key,
			CloseAt: now,
		})
	}

	return repairs
}

// Apply rewrites the rows as the planned repairs would, in memory. The audit
// CLI uses it to preview post-repair state, and the tests use it to prove
// idempotence.
func Apply(rows []VersionRow, repairs []Repair) []VersionRow {
	repaired := make([]VersionRow, len(rows))
	copy(repaired, rows)

	for _, repair := range repairs {
		for i := range repaired {
			row := &repaired[i]

			if row.TenantID != repair.Key.TenantID || row.NaturalKey != repair.Key.NaturalKey {
				continue
			}

			switch repair.Kind {
			case RepairDemoteDuplicate:
				survives := row.EffectiveStartDate.Equal(repair.KeepStart) &&
					row.RecordHash == repair.KeepHash
				if row.IsCurrent && !survives {
					closeAt := repair.CloseAt

					row.IsCurrent = false
					row.EffectiveEndDate = &closeAt
				}

			case RepairCloseOrphan:
				if !row.IsCurrent && row.EffectiveEndDate == nil {
					closeAt := repair.CloseAt

					row.EffectiveEndDate = &closeAt
				}
			}
		}
	}

	return repaired
}

// currentRows returns a chain's current rows ordered by effective_start_date
// ascending. Exact duplicates (same start, same hash) collapse to one row;
// the merge engine deduplicates those and no mutation can tell them apart.
func currentRows(rows []VersionRow, key VersionKey) []VersionRow {
	type version struct {
		startUnixNano int64
		hash          string
	}

	seen := make(map[version]struct{})

	var current []VersionRow

	for _, row := range rows {
		if row.TenantID != key.TenantID || row.NaturalKey != key.NaturalKey || !row.IsCurrent {
			continue
		}

		v := version{startUnixNano: row.EffectiveStartDate.UnixNano(), hash: row.RecordHash}
		if _, dup := seen[v]; dup {
			continue
		}

		seen[v] = struct{}{}

		current = append(current, row)
	}

	sort.Slice(current, func(i, j int) bool {
		if !current[i].EffectiveStartDate.Equal(current[j].EffectiveStartDate) {
			return current[i].EffectiveStartDate.Before(current[j].EffectiveStartDate)
		}

		// Equal starts are ordered by hash so the keep policy picks a
		// deterministic survivor.
		return current[i].RecordHash < current[j].RecordHash
	})

	return current
}

// sortedKeys returns the distinct version keys in deterministic order.
func sortedKeys(rows []VersionRow) []VersionKey {
	seen := make(map[VersionKey]struct{})

	var keys []VersionKey

	for _, row := range rows {
		key := VersionKey{TenantID: row.TenantID, NaturalKey: row.NaturalKey}
		if _, dup := seen[key]; dup {
			continue
		}

		seen[key] = struct{}{}

		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].TenantID != keys[j].TenantID {
			return keys[i].TenantID < keys[j].TenantID
		}

		return keys[i].NaturalKey < keys[j].NaturalKey
	})

	return keys
}
