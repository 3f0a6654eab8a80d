package enrich

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boogieLing/Tsugie/internal/domain/events"
)

func dateRow(name, start string) events.Record {
	return events.Record{"event_name": name, "event_date_start": start}
}

func rowNames(rows []events.Record) []string {
	names := make([]string, len(rows))
	for i, row := range rows {
		names[i] = row["event_name"]
	}
	return names
}

func TestStartDateOlderThan(t *testing.T) {
	cutoff := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, startDateOlderThan(dateRow("past", "2026-07-01"), cutoff))
	assert.False(t, startDateOlderThan(dateRow("on the cutoff", "2026-08-01"), cutoff))
	assert.False(t, startDateOlderThan(dateRow("future", "2026-08-20"), cutoff))
	assert.False(t, startDateOlderThan(dateRow("undated", ""), cutoff))
	assert.False(t, startDateOlderThan(dateRow("vague", "開催日未定"), cutoff))
}

func TestKeepOnlyPast_DropsUnknownDates(t *testing.T) {
	cutoff := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	rows := []events.Record{
		dateRow("past", "2026-07-01"),
		dateRow("future", "2026-08-20"),
		dateRow("undated", ""),
		dateRow("on the cutoff", "2026-08-01"),
	}
	kept, removed := keepOnlyPast(rows, cutoff)
	assert.Equal(t, 3, removed)
	assert.Equal(t, []string{"past"}, rowNames(kept))
}

func TestDropPast_KeepsUnknownDates(t *testing.T) {
	cutoff := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	rows := []events.Record{
		dateRow("past", "2026-07-01"),
		dateRow("future", "2026-08-20"),
		dateRow("undated", ""),
	}
	kept, removed := dropPast(rows, cutoff)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"future", "undated"}, rowNames(kept))
}

func TestPrioritizeNearStart(t *testing.T) {
	today := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	rows := []events.Record{
		dateRow("reusable tomorrow", "2026-08-26"),
		dateRow("undated", ""),
		dateRow("three days ago", "2026-08-22"),
		dateRow("in ten days", "2026-09-04"),
		dateRow("in two days", "2026-08-27"),
	}
	prioritizeNearStart(rows, today, func(row events.Record) bool {
		return row["event_name"] == "reusable tomorrow"
	})

	// upcoming by closeness, then past, then undated; reusable rows last
	assert.Equal(t, []string{
		"in two days",
		"in ten days",
		"three days ago",
		"undated",
		"reusable tomorrow",
	}, rowNames(rows))
}

func TestPrioritizeNearStart_StableForTies(t *testing.T) {
	today := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)
	rows := []events.Record{
		dateRow("first of the day", "2026-08-30"),
		dateRow("second of the day", "2026-08-30"),
		dateRow("third of the day", "2026-08-30"),
	}
	prioritizeNearStart(rows, today, func(events.Record) bool { return false })

	require.Equal(t, []string{
		"first of the day",
		"second of the day",
		"third of the day",
	}, rowNames(rows))
}
