package scores

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/boogieLing/Tsugie/internal/domain/events"
	"github.com/boogieLing/Tsugie/internal/match"
)

// scoreFileName is the JSONL artifact every score run writes and every
// later run reads back for reuse.
const scoreFileName = "events_scores.jsonl"

// ScoreRecord is one scoring output row, written to events_scores.jsonl.
// InputHash fingerprints the model input so later runs can tell whether
// the underlying event data changed since the row was scored.
type ScoreRecord struct {
	CanonicalID      string   `json:"canonical_id"`
	EventName        string   `json:"event_name"`
	EventDateStart   string   `json:"event_date_start"`
	SourceURLs       []string `json:"source_urls"`
	InitialHeatScore int      `json:"initial_heat_score"`
	SurpriseScore    int      `json:"surprise_score"`
	Reason           string   `json:"reason"`
	Status           string   `json:"status"`
	ScoreSource      string   `json:"score_source"`
	ScoreProvider    string   `json:"score_provider"`
	ScoreModel       string   `json:"score_model"`
	InputHash        string   `json:"input_hash"`
	Error            string   `json:"error"`
	GeneratedAt      string   `json:"generated_at"`
}

// scoreCSVColumns fixes the CSV column order; csvRow must match.
var scoreCSVColumns = []string{
	"canonical_id",
	"event_name",
	"event_date_start",
	"source_urls",
	"initial_heat_score",
	"surprise_score",
	"reason",
	"status",
	"score_source",
	"score_provider",
	"score_model",
	"input_hash",
	"error",
	"generated_at",
}

func (r *ScoreRecord) csvRow() []string {
	return []string{
		r.CanonicalID,
		r.EventName,
		r.EventDateStart,
		events.JoinPipe(r.SourceURLs),
		strconv.Itoa(r.InitialHeatScore),
		strconv.Itoa(r.SurpriseScore),
		r.Reason,
		r.Status,
		r.ScoreSource,
		r.ScoreProvider,
		r.ScoreModel,
		r.InputHash,
		r.Error,
		r.GeneratedAt,
	}
}

// normalize replaces nil slices so JSON serialization emits [] not null.
func (r *ScoreRecord) normalize() {
	if r.SourceURLs == nil {
		r.SourceURLs = []string{}
	}
}

// scoreRank orders prior rows by trustworthiness: a fresh AI score beats
// any other ok row, which beats reused rows, which beat failed ones.
func scoreRank(r *ScoreRecord) int {
	status := strings.ToLower(events.Clean(r.Status))
	source := strings.ToLower(events.Clean(r.ScoreSource))
	switch {
	case status == "ok" && source == "ai":
		return 4
	case status == "ok":
		return 3
	case strings.HasPrefix(status, "cached"):
		return 2
	case status != "":
		return 1
	default:
		return 0
	}
}

func compareRecords(a, b *ScoreRecord) int {
	if ra, rb := scoreRank(a), scoreRank(b); ra != rb {
		return ra - rb
	}
	return strings.Compare(events.Clean(a.GeneratedAt), events.Clean(b.GeneratedAt))
}

func recordKeys(r *ScoreRecord) match.Keys {
	return match.Keys{
		CanonicalID: events.Clean(r.CanonicalID),
		SourceURLs:  cleanURLs(r.SourceURLs),
		NameDate:    match.NameDateKey(r.EventName, r.EventDateStart),
	}
}

func cleanURLs(urls []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// LoadIndex indexes every score record reachable from a project's score
// dir for consumers outside the scoring stage, the export bundle join in
// particular.
func LoadIndex(scoreDir, pointerRunID string) (*match.Index[*ScoreRecord], []string, error) {
	return loadPrevious(scoreDir, pointerRunID, "")
}

// loadPrevious indexes every prior score record reachable from the
// project's score dir: the pointer's run first, then the latest mirror,
// then all historical runs newest first. The current run id is excluded
// so reruns never reuse their own half-written output. The run names seen
// (mirror excluded) come back for the summary. Unreadable lines are
// skipped.
func loadPrevious(scoreDir, pointerRunID, excludeRunID string) (*match.Index[*ScoreRecord], []string, error) {
	idx := match.NewIndex(recordKeys, compareRecords)

	files, err := match.CandidateFiles(scoreDir, pointerRunID, scoreFileName)
	if err != nil {
		return nil, nil, fmt.Errorf("list previous score runs: %w", err)
	}
	var runNames []string
	for _, path := range files {
		name := filepath.Base(filepath.Dir(path))
		if excludeRunID != "" && name == excludeRunID {
			continue
		}
		if err := loadScoreFile(idx, path); err != nil {
			return nil, nil, err
		}
		if name != "latest" {
			runNames = append(runNames, name)
		}
	}
	return idx, runNames, nil
}

func loadScoreFile(idx *match.Index[*ScoreRecord], path string) error {
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
		rec := &ScoreRecord{}
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
