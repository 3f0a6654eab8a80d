package enrich

import (
	"sort"
	"time"

	"github.com/boogieLing/Tsugie/internal/domain/events"
)

// startDateOlderThan reports whether the row's start date parses and falls
// strictly before cutoff. Rows without a parseable date are not old.
func startDateOlderThan(row events.Record, cutoff time.Time) bool {
	start, ok := events.ParseEventDate(row.Field("event_date_start"))
	if !ok {
		return false
	}
	return start.Before(cutoff)
}

// keepOnlyPast drops every row that is not strictly older than cutoff.
// Rows without a parseable date are dropped too: an only-past run wants
// provably finished events, not unknowns.
func keepOnlyPast(rows []events.Record, cutoff time.Time) ([]events.Record, int) {
	kept := rows[:0]
	for _, row := range rows {
		if startDateOlderThan(row, cutoff) {
			kept = append(kept, row)
		}
	}
	return kept, len(rows) - len(kept)
}

// dropPast removes rows strictly older than cutoff. Rows without a
// parseable date survive; age cannot be proven for them.
func dropPast(rows []events.Record, cutoff time.Time) ([]events.Record, int) {
	kept := rows[:0]
	for _, row := range rows {
		if !startDateOlderThan(row, cutoff) {
			kept = append(kept, row)
		}
	}
	return kept, len(rows) - len(kept)
}

// prioritizeNearStart reorders rows so imminent events are enriched first:
// rows a failed-only run will merely reuse sort last, then upcoming events
// by days until start, then past events by days since start, then rows
// without a date. Ties keep input order.
func prioritizeNearStart(rows []events.Record, today time.Time, reusable func(events.Record) bool) {
	type rankedRow struct {
		row      events.Record
		workRank int
		bucket   int
		delta    int
	}
	ranked := make([]rankedRow, len(rows))
	for i, row := range rows {
		r := rankedRow{row: row, bucket: 2, delta: 36500}
		if reusable(row) {
			r.workRank = 1
		}
		if start, ok := events.ParseEventDate(row.Field("event_date_start")); ok {
			delta := int(start.Sub(today).Hours() / 24)
			if delta >= 0 {
				r.bucket, r.delta = 0, delta
			} else {
				r.bucket, r.delta = 1, -delta
			}
		}
		ranked[i] = r
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.workRank != b.workRank {
			return a.workRank < b.workRank
		}
		if a.bucket != b.bucket {
			return a.bucket < b.bucket
		}
		return a.delta < b.delta
	})
	for i := range ranked {
		rows[i] = ranked[i].row
	}
}
