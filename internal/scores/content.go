package scores

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/boogieLing/Tsugie/internal/domain/events"
	"github.com/boogieLing/Tsugie/internal/match"
)

// contentKeys derives the matching keys from a raw content row. The
// description source URL counts as a source: a row fetched from a single
// page is still reachable through it.
func contentKeys(row events.Record) match.Keys {
	urls := events.SplitFlexibleList(row["source_urls"])
	if desc := row.Field("description_source_url"); desc != "" {
		found := false
		for _, u := range urls {
			if u == desc {
				found = true
				break
			}
		}
		if !found {
			urls = append(urls, desc)
		}
	}
	return match.Keys{
		CanonicalID: row.Field("canonical_id"),
		SourceURLs:  urls,
		NameDate:    match.NameDateKey(row.Field("event_name"), row.Field("event_date_start")),
	}
}

func contentStatusRank(status string) int {
	switch strings.ToLower(events.Clean(status)) {
	case "ok":
		return 4
	case "cached":
		return 3
	case "partial":
		return 2
	case "empty":
		return 1
	default:
		return 0
	}
}

// compareContentRows orders content rows by usefulness for scoring: status
// rank, then having a polished description, then one-liner plus full ZH/EN
// coverage, then the fetched_at stamp.
func compareContentRows(a, b events.Record) int {
	if ra, rb := contentStatusRank(a.Field("status")), contentStatusRank(b.Field("status")); ra != rb {
		return ra - rb
	}
	if pa, pb := boolInt(events.CleanBlock(a["polished_description"]) != ""), boolInt(events.CleanBlock(b["polished_description"]) != ""); pa != pb {
		return pa - pb
	}
	if la, lb := oneLinerScore(a), oneLinerScore(b); la != lb {
		return la - lb
	}
	return strings.Compare(a.Field("fetched_at"), b.Field("fetched_at"))
}

func oneLinerScore(row events.Record) int {
	score := boolInt(events.CleanBlock(row["one_liner"]) != "")
	i18nReady := events.CleanBlock(row["polished_description_zh"]) != "" &&
		events.CleanBlock(row["one_liner_zh"]) != "" &&
		events.CleanBlock(row["polished_description_en"]) != "" &&
		events.CleanBlock(row["one_liner_en"]) != ""
	return score + boolInt(i18nReady)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// loadContentIndex indexes every content row reachable from the project's
// content dir, preferring the named run. The run names seen come back for
// the summary.
func loadContentIndex(contentDir, preferredRunID string) (*match.Index[events.Record], []string, error) {
	idx := match.NewIndex(contentKeys, compareContentRows)

	files, err := match.CandidateFiles(contentDir, preferredRunID, "events_content.jsonl")
	if err != nil {
		return nil, nil, fmt.Errorf("list content runs: %w", err)
	}
	var runNames []string
	for _, path := range files {
		rows, _, err := events.LoadJSONL(path)
		if err != nil {
			return nil, nil, fmt.Errorf("load content rows: %w", err)
		}
		for _, row := range rows {
			idx.Add(row)
		}
		if name := filepath.Base(filepath.Dir(path)); name != "latest" {
			runNames = append(runNames, name)
		}
	}
	return idx, runNames, nil
}
