package enrich

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/boogieLing/Tsugie/internal/domain/events"
	"github.com/boogieLing/Tsugie/internal/match"
)

// contentFileName is the JSONL artifact every content run writes and every
// later run reads back for reuse.
const contentFileName = "events_content.jsonl"

func statusRank(status string) int {
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

// compareRecords orders prior records by usefulness: status rank, then
// having a description, then having images, then the fetched_at stamp.
func compareRecords(a, b *Record) int {
	if ra, rb := statusRank(a.Status), statusRank(b.Status); ra != rb {
		return ra - rb
	}
	if da, db := boolInt(events.CleanBlock(a.RawDescription) != ""), boolInt(events.CleanBlock(b.RawDescription) != ""); da != db {
		return da - db
	}
	if ia, ib := boolInt(len(a.ImageURLs) > 0), boolInt(len(b.ImageURLs) > 0); ia != ib {
		return ia - ib
	}
	return strings.Compare(events.Clean(a.FetchedAt), events.Clean(b.FetchedAt))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func recordKeys(r *Record) match.Keys {
	return match.Keys{
		CanonicalID: events.Clean(r.CanonicalID),
		SourceURLs:  r.sourceURLSet(),
		NameDate:    match.NameDateKey(r.EventName, r.EventDateStart),
	}
}

// loadPrevious indexes every prior content record reachable from the
// project's content dir: the pointer's run first, then the latest mirror,
// then all historical runs newest first. Unreadable lines are skipped.
func loadPrevious(contentDir, pointerRunID string) (*match.Index[*Record], error) {
	idx := match.NewIndex(recordKeys, compareRecords)

	files, err := match.CandidateFiles(contentDir, pointerRunID, contentFileName)
	if err != nil {
		return nil, fmt.Errorf("list previous content runs: %w", err)
	}
	for _, path := range files {
		if err := loadRecordFile(idx, path); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

func loadRecordFile(idx *match.Index[*Record], path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rec := &Record{}
		if err := json.Unmarshal([]byte(line), rec); err != nil {
			continue
		}
		idx.Add(rec)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return nil
}
