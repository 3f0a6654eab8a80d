package export

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/boogieLing/Tsugie/internal/domain/events"
	"github.com/boogieLing/Tsugie/internal/match"
	"github.com/boogieLing/Tsugie/internal/runs"
)

// contentRowKeys mirrors the enrichment row identity: canonical id, every
// source URL plus the description source page, and the name+date key.
func contentRowKeys(row events.Record) match.Keys {
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

// genericDescriptionMarkers flag boilerplate listing-page copy that slipped
// through extraction; a description carrying one ranks below a real one.
var genericDescriptionMarkers = [...]string{"今日は何の祭り", "一覧形式で紹介"}

func looksGenericDescription(text string) bool {
	for _, marker := range genericDescriptionMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	if strings.Contains(text, "お祭り日程") && strings.Contains(text, "スケジュール") {
		return true
	}
	return strings.Contains(strings.ToLower(text), "festival schedule")
}

func hasReplacementRune(s string) bool {
	return strings.ContainsRune(s, '�')
}

// descriptionQuality ranks a row's description for bundling: a clean
// polished text wins, a mojibake or generic one drops a step, and a raw
// description sits below any polished one.
func descriptionQuality(row events.Record) int {
	if polished := row.Field("polished_description"); polished != "" {
		if hasReplacementRune(polished) || looksGenericDescription(polished) {
			return 1
		}
		return 2
	}
	if raw := row.Field("raw_description"); raw != "" {
		if hasReplacementRune(raw) || looksGenericDescription(raw) {
			return 0
		}
		return 1
	}
	return 0
}

func oneLinerQuality(row events.Record) int {
	one := row.Field("one_liner")
	if one == "" {
		return 0
	}
	if hasReplacementRune(one) || looksGenericDescription(one) {
		return 1
	}
	return 2
}

// usableImageFlag reports whether the row's downloaded images can actually
// illustrate the event: at least one download whose source URL is not site
// furniture (rows downloaded without any recorded URLs count too).
func usableImageFlag(row events.Record) int {
	downloaded := events.SplitFlexibleList(row["downloaded_images"])
	if len(downloaded) == 0 {
		return 0
	}
	imageURLs := events.SplitFlexibleList(row["image_urls"])
	if len(imageURLs) == 0 {
		return 1
	}
	for _, u := range imageURLs {
		if !isGenericImageURL(u) {
			return 1
		}
	}
	return 0
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

// compareContentRows orders content rows by usefulness for the bundle:
// fetch status, then description quality, one-liner quality, a usable
// image, and finally the fetched_at stamp.
func compareContentRows(a, b events.Record) int {
	if ra, rb := contentStatusRank(a.Field("status")), contentStatusRank(b.Field("status")); ra != rb {
		return ra - rb
	}
	if da, db := descriptionQuality(a), descriptionQuality(b); da != db {
		return da - db
	}
	if la, lb := oneLinerQuality(a), oneLinerQuality(b); la != lb {
		return la - lb
	}
	if ia, ib := usableImageFlag(a), usableImageFlag(b); ia != ib {
		return ia - ib
	}
	return strings.Compare(a.Field("fetched_at"), b.Field("fetched_at"))
}

// loadContentIndex indexes the content rows of every run that enriched the
// selected fused run. Runs whose summary names a different fused run are
// skipped; runs without a summary are trusted. Run names come back
// ascending, which is chronological for timestamp-named runs.
func loadContentIndex(contentDir, fusedRunID string) (*match.Index[events.Record], []string, error) {
	idx := match.NewIndex(contentRowKeys, compareContentRows)

	dirs, err := runs.ListRunDirs(contentDir)
	if err != nil {
		return nil, nil, fmt.Errorf("list content runs: %w", err)
	}
	sort.Strings(dirs)

	var runNames []string
	for _, dir := range dirs {
		path := filepath.Join(dir, "events_content.jsonl")
		if !isRegularFile(path) {
			continue
		}
		skip, err := summaryMismatch(filepath.Join(dir, "content_summary.json"), fusedRunID)
		if err != nil {
			return nil, nil, err
		}
		if skip {
			continue
		}
		rows, _, err := events.LoadJSONL(path)
		if err != nil {
			return nil, nil, fmt.Errorf("load content rows: %w", err)
		}
		for _, row := range rows {
			idx.Add(row)
		}
		runNames = append(runNames, filepath.Base(dir))
	}
	return idx, runNames, nil
}

// summaryMismatch reports whether the run's summary names a different fused
// run. A missing or unparsable summary never disqualifies the run.
func summaryMismatch(path, fusedRunID string) (bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	var doc struct {
		FusedRunID string `json:"fused_run_id"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false, nil
	}
	summaryFused := strings.TrimSpace(doc.FusedRunID)
	return summaryFused != "" && summaryFused != fusedRunID, nil
}
