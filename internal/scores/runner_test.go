package scores

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boogieLing/Tsugie/internal/config"
	"github.com/boogieLing/Tsugie/internal/domain/events"
	"github.com/boogieLing/Tsugie/internal/runs"
)

func testScoreProject(t *testing.T) (*config.Project, string) {
	t.Helper()
	dataDir := t.TempDir()
	return &config.Project{
		Name:       "hanabi_test",
		Category:   "hanabi",
		FusedDir:   filepath.Join(dataDir, "hanabi_test", "fused"),
		ContentDir: filepath.Join(dataDir, "hanabi_test", "content"),
		ScoreDir:   filepath.Join(dataDir, "hanabi_test", "scores"),
	}, dataDir
}

func testScoreClock() clockwork.Clock {
	return clockwork.NewFakeClockAt(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))
}

func writeFusedRun(t *testing.T, project *config.Project, dataDir, runID string, rows []map[string]string) {
	t.Helper()
	dir := filepath.Join(project.FusedDir, runID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	f, err := os.Create(filepath.Join(dir, "events_fused.jsonl"))
	require.NoError(t, err)
	defer f.Close()
	for _, row := range rows {
		line, err := json.Marshal(row)
		require.NoError(t, err)
		f.Write(line)
		f.Write([]byte("\n"))
	}
	require.NoError(t, runs.UpdatePointer(project.RootDir(dataDir), map[string]string{
		"fused_run_id": runID,
	}))
}

func readScoresJSONL(t *testing.T, path string) []*ScoreRecord {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []*ScoreRecord
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		rec := &ScoreRecord{}
		require.NoError(t, json.Unmarshal([]byte(line), rec))
		out = append(out, rec)
	}
	return out
}

func readCSVFile(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

type fakeAnalyzer struct {
	data   map[string]any
	err    error
	inputs []ModelInput
}

func (f *fakeAnalyzer) Analyze(_ context.Context, input ModelInput) (map[string]any, error) {
	f.inputs = append(f.inputs, input)
	if f.err != nil {
		return nil, f.err
	}
	return f.data, nil
}

func TestRun_FreshAIScores(t *testing.T) {
	project, dataDir := testScoreProject(t)
	writeFusedRun(t, project, dataDir, "20260801_000000", []map[string]string{
		{
			"canonical_id":     "E000002",
			"event_name":       "葛飾納涼花火大会",
			"event_date_start": "2026-07-22",
			"source_urls":      "https://b.example/2",
		},
		{
			"canonical_id":     "E000001",
			"event_name":       "隅田川花火大会",
			"event_date_start": "2026-07-26",
			"source_urls":      "https://a.example/1",
			"launch_count":     "約20,000発",
		},
	})
	writeContentRunDir(t, project.ContentDir, "20260810_000000_content", []map[string]any{
		{
			"canonical_id":         "E000001",
			"event_name":           "隅田川花火大会",
			"event_date_start":     "2026-07-26",
			"source_urls":          []string{"https://a.example/1"},
			"status":               "ok",
			"polished_description": "隅田川河畔で開催される夏の花火大会です。",
			"fetched_at":           "2026-08-10T00:00:00Z",
		},
	})
	require.NoError(t, runs.UpdatePointer(project.RootDir(dataDir), map[string]string{
		"content_run_id": "20260810_000000_content",
	}))

	fake := &fakeAnalyzer{data: map[string]any{
		"initial_heat_score": float64(88),
		"surprise_score":     float64(70),
		"reason":             strings.Repeat("豪華", 50),
	}}
	runner := NewRunner(project, dataDir, WithClock(testScoreClock()), WithAnalyzer(fake))

	summary, err := runner.Run(context.Background(), Params{
		Model:           "deepseek-chat",
		BaseURL:         "https://api.deepseek.com/chat/completions",
		UpdateLatestRun: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "20260825_120000_score", summary.RunID)
	assert.Equal(t, "hanabi_test", summary.Project)
	assert.Equal(t, "hanabi", summary.Category)
	assert.Equal(t, "20260801_000000", summary.FusedRunID)
	assert.Equal(t, "20260810_000000_content", summary.ContentRunID)
	assert.Equal(t, "deepseek-chat", summary.ScoreModel)
	assert.Equal(t, &Stats{Total: 2, AIOk: 2}, summary.Stats)
	assert.Contains(t, summary.ContentRunsSeen, "20260810_000000_content")
	assert.Empty(t, summary.PreviousScoreRunsSeen)
	require.Len(t, fake.inputs, 2)

	// the matching content row feeds the model input
	var sumida ModelInput
	for _, input := range fake.inputs {
		if input.EventName == "隅田川花火大会" {
			sumida = input
		}
	}
	assert.Equal(t, "隅田川河畔で開催される夏の花火大会です。", sumida.DescriptionJP)

	// JSONL rows come out sorted by canonical id
	recs := readScoresJSONL(t, summary.Files.JSONL)
	require.Len(t, recs, 2)
	assert.Equal(t, "E000001", recs[0].CanonicalID)
	assert.Equal(t, "E000002", recs[1].CanonicalID)
	for _, rec := range recs {
		assert.Equal(t, 88, rec.InitialHeatScore)
		assert.Equal(t, 70, rec.SurpriseScore)
		assert.Equal(t, "ok", rec.Status)
		assert.Equal(t, "ai", rec.ScoreSource)
		assert.Equal(t, "deepseek", rec.ScoreProvider)
		assert.Equal(t, "deepseek-chat", rec.ScoreModel)
		assert.Len(t, rec.InputHash, 64)
		assert.Empty(t, rec.Error)
		assert.Equal(t, "2026-08-25T12:00:00Z", rec.GeneratedAt)
		assert.Len(t, []rune(rec.Reason), maxReasonRunes)
	}
	assert.Equal(t, []string{"https://a.example/1"}, recs[0].SourceURLs)

	rows := readCSVFile(t, summary.Files.CSV)
	require.Len(t, rows, 3)
	assert.Equal(t, scoreCSVColumns, rows[0])

	// summary document, latest mirror, and pointer agree on the artifacts
	var doc map[string]any
	raw, err := os.ReadFile(summary.SummaryPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "20260825_120000_score", doc["run_id"])
	stats, ok := doc["stats"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), stats["total"])
	assert.Equal(t, float64(2), stats["ai_ok"])

	for _, name := range []string{"events_scores.jsonl", "events_scores.csv", "score_summary.json"} {
		_, err := os.Stat(filepath.Join(project.ScoreDir, "latest", name))
		assert.NoError(t, err, "latest mirror misses %s", name)
	}

	pointer, err := runs.ReadPointer(project.RootDir(dataDir))
	require.NoError(t, err)
	assert.Equal(t, "20260825_120000_score", pointer["score_run_id"])
	assert.Equal(t, "2026-08-25T12:00:00Z", pointer["score_generated_at"])
	assert.Equal(t, filepath.Join("scores", "20260825_120000_score", "score_summary.json"), pointer["score_summary"])
	assert.Equal(t, filepath.Join("scores", "20260825_120000_score", "events_scores.jsonl"), pointer["score_events_jsonl"])
}

func TestRun_NoFusedRun(t *testing.T) {
	project, dataDir := testScoreProject(t)
	runner := NewRunner(project, dataDir, WithClock(testScoreClock()))

	_, err := runner.Run(context.Background(), Params{})
	assert.ErrorIs(t, err, ErrNoFusedRun)

	// a pointer naming a vanished run is just as dead
	require.NoError(t, runs.UpdatePointer(project.RootDir(dataDir), map[string]string{
		"fused_run_id": "20260801_000000",
	}))
	_, err = runner.Run(context.Background(), Params{})
	assert.ErrorIs(t, err, ErrNoFusedRun)
	assert.ErrorContains(t, err, "fused run 20260801_000000 has no events_fused.jsonl")
}

func TestRun_HeuristicWithoutAnalyzer(t *testing.T) {
	project, dataDir := testScoreProject(t)
	writeFusedRun(t, project, dataDir, "20260801_000000", []map[string]string{
		{
			"canonical_id":     "E000001",
			"event_name":       "隅田川花火大会",
			"event_date_start": "2026-07-26",
		},
	})
	runner := NewRunner(project, dataDir, WithClock(testScoreClock()))

	summary, err := runner.Run(context.Background(), Params{})
	require.NoError(t, err)
	assert.Equal(t, &Stats{Total: 1, Fallback: 1}, summary.Stats)
	assert.Equal(t, DefaultModel, summary.ScoreModel)

	recs := readScoresJSONL(t, summary.Files.JSONL)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "fallback_no_api_key", rec.Status)
	assert.Equal(t, "fallback", rec.ScoreSource)
	assert.Equal(t, "local", rec.ScoreProvider)
	assert.Empty(t, rec.ScoreModel)
	assert.Equal(t, "missing_api_key", rec.Error)
	assert.Equal(t, 54, rec.InitialHeatScore)
	assert.Equal(t, 53, rec.SurpriseScore)
	assert.Equal(t, "heuristic", rec.Reason)
	assert.Len(t, rec.InputHash, 64)
}

func TestRun_AnalyzerErrorFallsBack(t *testing.T) {
	project, dataDir := testScoreProject(t)
	writeFusedRun(t, project, dataDir, "20260801_000000", []map[string]string{
		{
			"canonical_id":     "E000001",
			"event_name":       "隅田川花火大会",
			"event_date_start": "2026-07-26",
		},
	})
	fake := &fakeAnalyzer{err: errors.New("model exploded")}
	runner := NewRunner(project, dataDir, WithClock(testScoreClock()), WithAnalyzer(fake))

	summary, err := runner.Run(context.Background(), Params{})
	require.NoError(t, err)
	assert.Equal(t, &Stats{Total: 1, AIFailed: 1, Fallback: 1}, summary.Stats)

	recs := readScoresJSONL(t, summary.Files.JSONL)
	require.Len(t, recs, 1)
	assert.Equal(t, "fallback_ai_error", recs[0].Status)
	assert.Equal(t, "model exploded", recs[0].Error)
	assert.Equal(t, "heuristic", recs[0].Reason)
}

func TestRun_BadModelAnswerFallsBack(t *testing.T) {
	project, dataDir := testScoreProject(t)
	writeFusedRun(t, project, dataDir, "20260801_000000", []map[string]string{
		{"canonical_id": "E000001", "event_name": "隅田川花火大会"},
	})
	fake := &fakeAnalyzer{data: map[string]any{"initial_heat_score": float64(88)}}
	runner := NewRunner(project, dataDir, WithClock(testScoreClock()), WithAnalyzer(fake))

	summary, err := runner.Run(context.Background(), Params{})
	require.NoError(t, err)
	assert.Equal(t, &Stats{Total: 1, AIFailed: 1, Fallback: 1}, summary.Stats)

	recs := readScoresJSONL(t, summary.Files.JSONL)
	require.Len(t, recs, 1)
	assert.Equal(t, "fallback_ai_error", recs[0].Status)
	assert.Contains(t, recs[0].Error, "missing initial_heat_score/surprise_score")
}

func TestRun_MaxEventsBudget(t *testing.T) {
	project, dataDir := testScoreProject(t)
	writeFusedRun(t, project, dataDir, "20260801_000000", []map[string]string{
		{"canonical_id": "E000001", "event_name": "一番祭"},
		{"canonical_id": "E000002", "event_name": "二番祭"},
		{"canonical_id": "E000003", "event_name": "三番祭"},
	})
	fake := &fakeAnalyzer{data: map[string]any{
		"initial_heat_score": float64(60),
		"surprise_score":     float64(50),
	}}
	runner := NewRunner(project, dataDir, WithClock(testScoreClock()), WithAnalyzer(fake))

	summary, err := runner.Run(context.Background(), Params{MaxEvents: 1})
	require.NoError(t, err)
	assert.Equal(t, &Stats{Total: 3, AIOk: 1, Fallback: 2, SkippedMaxEvents: 2}, summary.Stats)
	assert.Len(t, fake.inputs, 1)
	assert.Equal(t, "一番祭", fake.inputs[0].EventName)

	recs := readScoresJSONL(t, summary.Files.JSONL)
	require.Len(t, recs, 3)
	assert.Equal(t, "ok", recs[0].Status)
	for _, rec := range recs[1:] {
		assert.Equal(t, "fallback_max_events", rec.Status)
		assert.Equal(t, "max_events_reached", rec.Error)
	}
}

func TestRun_FailedOnlyReusesSuccess(t *testing.T) {
	project, dataDir := testScoreProject(t)
	writeFusedRun(t, project, dataDir, "20260801_000000", []map[string]string{
		{
			"canonical_id":     "E000001",
			"event_name":       "隅田川花火大会",
			"event_date_start": "2026-07-26",
			"source_urls":      "https://a.example/1",
		},
	})
	prev := &ScoreRecord{
		CanonicalID:      "E900001",
		EventName:        "隅田川花火大会",
		EventDateStart:   "2026-07-26",
		SourceURLs:       []string{"https://a.example/1"},
		InitialHeatScore: 91,
		SurpriseScore:    64,
		Reason:           "前回の判断",
		Status:           "ok",
		ScoreSource:      "ai",
		ScoreProvider:    "deepseek",
		ScoreModel:       "deepseek-chat",
		InputHash:        "stale-hash",
		GeneratedAt:      "2026-08-01T00:00:00Z",
	}
	writeScoreRunDir(t, project.ScoreDir, "20260801_000000_score", []*ScoreRecord{prev})
	require.NoError(t, runs.UpdatePointer(project.RootDir(dataDir), map[string]string{
		"score_run_id": "20260801_000000_score",
	}))

	fake := &fakeAnalyzer{data: map[string]any{
		"initial_heat_score": float64(10),
		"surprise_score":     float64(10),
	}}
	runner := NewRunner(project, dataDir, WithClock(testScoreClock()), WithAnalyzer(fake))

	summary, err := runner.Run(context.Background(), Params{FailedOnly: true})
	require.NoError(t, err)
	assert.Equal(t, &Stats{Total: 1, ReusedOK: 1}, summary.Stats)
	assert.Empty(t, fake.inputs)
	assert.Contains(t, summary.PreviousScoreRunsSeen, "20260801_000000_score")

	// the prior row is carried wholesale, status and stamp refreshed
	recs := readScoresJSONL(t, summary.Files.JSONL)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "E900001", rec.CanonicalID)
	assert.Equal(t, 91, rec.InitialHeatScore)
	assert.Equal(t, 64, rec.SurpriseScore)
	assert.Equal(t, "前回の判断", rec.Reason)
	assert.Equal(t, "cached_ok", rec.Status)
	assert.Equal(t, "ai", rec.ScoreSource)
	assert.Equal(t, "stale-hash", rec.InputHash)
	assert.Equal(t, "2026-08-25T12:00:00Z", rec.GeneratedAt)
}

func TestRun_HashDecidesReuseOutsideFailedOnly(t *testing.T) {
	project, dataDir := testScoreProject(t)
	rowA := map[string]string{
		"canonical_id":     "E000001",
		"event_name":       "早川花火大会",
		"event_date_start": "2026-09-01",
		"source_urls":      "https://a.example/1",
	}
	rowB := map[string]string{
		"canonical_id":     "E000002",
		"event_name":       "遅川花火大会",
		"event_date_start": "2026-09-02",
		"source_urls":      "https://b.example/2",
	}
	writeFusedRun(t, project, dataDir, "20260801_000000", []map[string]string{rowA, rowB})

	sigA, err := inputHash(buildModelInput(events.Record(rowA), nil, "hanabi"))
	require.NoError(t, err)
	writeScoreRunDir(t, project.ScoreDir, "20260801_000000_score", []*ScoreRecord{
		{
			CanonicalID:      "E000001",
			EventName:        "早川花火大会",
			EventDateStart:   "2026-09-01",
			SourceURLs:       []string{"https://a.example/1"},
			InitialHeatScore: 77,
			Status:           "cached_ok",
			ScoreSource:      "ai",
			InputHash:        sigA,
			GeneratedAt:      "2026-08-01T00:00:00Z",
		},
		{
			CanonicalID:      "E000002",
			EventName:        "遅川花火大会",
			EventDateStart:   "2026-09-02",
			SourceURLs:       []string{"https://b.example/2"},
			InitialHeatScore: 30,
			Status:           "ok",
			ScoreSource:      "ai",
			InputHash:        "hash-of-older-input",
			GeneratedAt:      "2026-08-01T00:00:00Z",
		},
	})

	fake := &fakeAnalyzer{data: map[string]any{
		"initial_heat_score": float64(62),
		"surprise_score":     float64(58),
	}}
	runner := NewRunner(project, dataDir, WithClock(testScoreClock()), WithAnalyzer(fake))

	summary, err := runner.Run(context.Background(), Params{FailedOnly: false})
	require.NoError(t, err)
	assert.Equal(t, &Stats{Total: 2, AIOk: 1, ReusedOK: 1}, summary.Stats)

	// only the row whose input drifted hits the model again
	require.Len(t, fake.inputs, 1)
	assert.Equal(t, "遅川花火大会", fake.inputs[0].EventName)

	recs := readScoresJSONL(t, summary.Files.JSONL)
	require.Len(t, recs, 2)
	assert.Equal(t, "cached_ok", recs[0].Status)
	assert.Equal(t, 77, recs[0].InitialHeatScore)
	assert.Equal(t, "ok", recs[1].Status)
	assert.Equal(t, 62, recs[1].InitialHeatScore)
}

func TestRun_PrioritizeNearStartOrdersCalls(t *testing.T) {
	project, dataDir := testScoreProject(t)
	writeFusedRun(t, project, dataDir, "20260801_000000", []map[string]string{
		{"canonical_id": "E000001", "event_name": "秋祭り", "event_date_start": "2026-09-10"},
		{"canonical_id": "E000002", "event_name": "納涼祭", "event_date_start": "2026-08-26"},
		{"canonical_id": "E000003", "event_name": "謎祭り"},
		{"canonical_id": "E000004", "event_name": "夏祭り", "event_date_start": "2026-08-20"},
	})
	fake := &fakeAnalyzer{data: map[string]any{
		"initial_heat_score": float64(50),
		"surprise_score":     float64(50),
	}}
	runner := NewRunner(project, dataDir, WithClock(testScoreClock()), WithAnalyzer(fake))

	_, err := runner.Run(context.Background(), Params{PrioritizeNearStart: true})
	require.NoError(t, err)

	var order []string
	for _, input := range fake.inputs {
		order = append(order, input.EventName)
	}
	assert.Equal(t, []string{"納涼祭", "夏祭り", "秋祭り", "謎祭り"}, order)
}

func TestRun_ContextCancelled(t *testing.T) {
	project, dataDir := testScoreProject(t)
	writeFusedRun(t, project, dataDir, "20260801_000000", []map[string]string{
		{"canonical_id": "E000001", "event_name": "隅田川花火大会"},
	})
	runner := NewRunner(project, dataDir, WithClock(testScoreClock()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := runner.Run(ctx, Params{})
	assert.ErrorIs(t, err, context.Canceled)
}
