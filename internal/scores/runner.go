// Package scores assigns every fused event an initial heat score and a
// surprise score: via a chat-completions model when a key is configured,
// via a deterministic heuristic otherwise. Prior runs are reused when the
// model input has not changed, so reruns only pay for new or failed rows.
package scores

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/boogieLing/Tsugie/internal/config"
	"github.com/boogieLing/Tsugie/internal/domain/events"
	"github.com/boogieLing/Tsugie/internal/match"
	"github.com/boogieLing/Tsugie/internal/metrics"
	"github.com/boogieLing/Tsugie/internal/polish"
	"github.com/boogieLing/Tsugie/internal/runs"
)

// Default per-run knobs; the CLI exposes each as a flag. Scoring is slow
// on purpose: one model call per event at a fraction of a query per
// second keeps a full reload inside the provider's cheapest tier.
const (
	DefaultTimeout = 45 * time.Second
	DefaultQPS     = 0.2
	DefaultModel   = "deepseek-chat"
	DefaultBaseURL = "https://api.deepseek.com/chat/completions"

	maxReasonRunes = 80
	maxErrorRunes  = 300
)

// ErrNoFusedRun reports that neither the params nor the project pointer
// name a fused run with artifacts to score.
var ErrNoFusedRun = errors.New("no fused run to score")

// Runner scores one project's fused rows and writes the run's score
// artifacts.
type Runner struct {
	project    *config.Project
	root       string
	logger     zerolog.Logger
	clock      clockwork.Clock
	analyzer   Analyzer
	httpClient *http.Client
}

type Option func(*Runner)

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

func WithClock(clock clockwork.Clock) Option {
	return func(r *Runner) { r.clock = clock }
}

// WithAnalyzer replaces the DeepSeek analyzer the runner would otherwise
// build from the params.
func WithAnalyzer(a Analyzer) Option {
	return func(r *Runner) { r.analyzer = a }
}

// WithHTTPClient overrides the analyzer's HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Runner) { r.httpClient = c }
}

func NewRunner(project *config.Project, dataDir string, opts ...Option) *Runner {
	r := &Runner{
		project: project,
		root:    project.RootDir(dataDir),
		logger:  zerolog.Nop(),
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Params are the per-run knobs.
type Params struct {
	RunID        string // empty derives <timestamp>_score from the clock
	FusedRunID   string // empty follows the project pointer
	ContentRunID string // empty follows the project pointer

	APIKey     string
	Model      string
	BaseURL    string
	PromptPath string // empty selects the built-in prompt

	Timeout   time.Duration
	QPS       float64
	MaxEvents int // >0 caps model calls; later rows fall back

	FailedOnly          bool
	PrioritizeNearStart bool
	UpdateLatestRun     bool
}

// Stats tallies one score run by outcome.
type Stats struct {
	Total            int `json:"total"`
	AIOk             int `json:"ai_ok"`
	AIFailed         int `json:"ai_failed"`
	ReusedOK         int `json:"reused_ok"`
	Fallback         int `json:"fallback"`
	SkippedMaxEvents int `json:"skipped_max_events"`
}

// OutputFiles names the per-run artifacts inside the summary document.
type OutputFiles struct {
	JSONL string `json:"events_scores_jsonl"`
	CSV   string `json:"events_scores_csv"`
}

// Summary reports one score run; it is also the score_summary.json
// document written into the run directory.
type Summary struct {
	Project               string      `json:"project"`
	Category              string      `json:"category"`
	RunID                 string      `json:"run_id"`
	GeneratedAt           string      `json:"generated_at"`
	FusedRunID            string      `json:"fused_run_id"`
	ContentRunID          string      `json:"content_run_id"`
	ScoreModel            string      `json:"score_model"`
	ScoreBaseURL          string      `json:"score_base_url"`
	QPS                   float64     `json:"qps"`
	MaxEvents             int         `json:"max_events"`
	FailedOnly            bool        `json:"failed_only"`
	PrioritizeNearStart   bool        `json:"prioritize_near_start"`
	Stats                 *Stats      `json:"stats"`
	ContentRunsSeen       []string    `json:"content_runs_seen"`
	PreviousScoreRunsSeen []string    `json:"previous_score_runs_seen"`
	Files                 OutputFiles `json:"files"`

	SummaryPath string `json:"-"`
}

// scoreItem pairs one fused row with everything reuse and scoring need.
type scoreItem struct {
	row   events.Record
	prev  *ScoreRecord
	input ModelInput
	sig   string
}

// rowIdentity is the part of a score row the current fused row dictates.
type rowIdentity struct {
	canonicalID string
	eventName   string
	dateStart   string
	sourceURLs  []string
	sig         string
}

// Run scores the project's fused rows for one run id and writes all
// artifacts: the JSONL/CSV score streams, the summary document, the
// latest mirror, and (optionally) the stage pointer.
func (r *Runner) Run(ctx context.Context, params Params) (*Summary, error) {
	pointer, err := runs.ReadPointer(r.root)
	if err != nil {
		return nil, err
	}
	fusedRunID := events.Clean(params.FusedRunID)
	if fusedRunID == "" {
		fusedRunID = events.Clean(pointer["fused_run_id"])
	}
	if fusedRunID == "" {
		return nil, ErrNoFusedRun
	}
	fusedJSONL := filepath.Join(r.project.FusedDir, fusedRunID, "events_fused.jsonl")
	if _, err := os.Stat(fusedJSONL); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: fused run %s has no events_fused.jsonl", ErrNoFusedRun, fusedRunID)
		}
		return nil, fmt.Errorf("stat fused jsonl: %w", err)
	}
	rows, _, err := events.LoadJSONL(fusedJSONL)
	if err != nil {
		return nil, fmt.Errorf("load fused rows: %w", err)
	}

	contentRunID := events.Clean(params.ContentRunID)
	if contentRunID == "" {
		contentRunID = events.Clean(pointer["content_run_id"])
	}
	runID := events.Clean(params.RunID)
	if runID == "" {
		runID = runs.NewRunID(r.clock) + "_score"
	}

	contentIndex, contentRuns, err := loadContentIndex(r.project.ContentDir, contentRunID)
	if err != nil {
		return nil, err
	}
	previous, previousRuns, err := loadPrevious(r.project.ScoreDir, events.Clean(pointer["score_run_id"]), runID)
	if err != nil {
		return nil, err
	}

	items := make([]scoreItem, 0, len(rows))
	for _, row := range rows {
		keys := rowKeys(row)
		content, _ := contentIndex.Resolve(keys)
		input := buildModelInput(row, content, r.project.Category)
		sig, err := inputHash(input)
		if err != nil {
			return nil, err
		}
		var prev *ScoreRecord
		if old, ok := previous.Resolve(keys); ok {
			prev = old
		}
		items = append(items, scoreItem{row: row, prev: prev, input: input, sig: sig})
	}

	if params.PrioritizeNearStart {
		prioritizeItems(items, dateOnly(r.clock.Now().UTC()))
	}

	scoreModel := events.Clean(params.Model)
	if scoreModel == "" {
		scoreModel = DefaultModel
	}
	analyzer := r.analyzer
	if analyzer == nil {
		if key := strings.TrimSpace(params.APIKey); key != "" {
			template, err := polish.LoadTemplate(params.PromptPath, DefaultScorePrompt)
			if err != nil {
				return nil, err
			}
			timeout := params.Timeout
			if timeout <= 0 {
				timeout = DefaultTimeout
			} else if timeout < 10*time.Second {
				timeout = 10 * time.Second
			}
			analyzer = NewDeepSeekAnalyzer(DeepSeekConfig{
				APIKey:         key,
				Model:          params.Model,
				BaseURL:        params.BaseURL,
				PromptTemplate: template,
				Timeout:        timeout,
				HTTPClient:     r.httpClient,
			})
		} else {
			r.logger.Warn().
				Str("run_id", runID).
				Msg("[score] api key empty; every row gets heuristic fallback scores")
		}
	}

	limit := rate.Inf
	if params.QPS > 0 {
		limit = rate.Limit(params.QPS)
	}
	limiter := rate.NewLimiter(limit, 1)

	runDir, err := runs.EnsureRunDir(r.project.ScoreDir, runID)
	if err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("run_id", runID).
		Str("fused_run_id", fusedRunID).
		Int("total_rows", len(items)).
		Int("max_events", params.MaxEvents).
		Bool("failed_only", params.FailedOnly).
		Bool("prioritize_near_start", params.PrioritizeNearStart).
		Msg("[batch] rows selected")

	stats := &Stats{Total: len(items)}
	outRows := make([]*ScoreRecord, 0, len(items))
	apiCalls := 0

	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := rowIdentity{
			canonicalID: it.row.Clean("canonical_id"),
			eventName:   it.row.Clean("event_name"),
			dateStart:   it.row.Clean("event_date_start"),
			sourceURLs:  events.SplitFlexibleList(it.row["source_urls"]),
			sig:         it.sig,
		}

		if shouldReuse(it.prev, it.sig, params.FailedOnly) {
			out := *it.prev
			out.Status = "cached_ok"
			out.GeneratedAt = r.clock.Now().UTC().Format(time.RFC3339)
			outRows = append(outRows, &out)
			stats.ReusedOK++
			metrics.ScoreRecords.WithLabelValues("cached").Inc()
			continue
		}

		if params.MaxEvents > 0 && apiCalls >= params.MaxEvents {
			outRows = append(outRows, r.fallbackRecord(it.row, id, "fallback_max_events", "max_events_reached"))
			stats.Fallback++
			stats.SkippedMaxEvents++
			metrics.ScoreRecords.WithLabelValues("fallback").Inc()
			continue
		}

		if analyzer == nil {
			outRows = append(outRows, r.fallbackRecord(it.row, id, "fallback_no_api_key", "missing_api_key"))
			stats.Fallback++
			metrics.ScoreRecords.WithLabelValues("fallback").Inc()
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
		apiCalls++

		rec, err := r.analyzeRow(ctx, analyzer, it.input, id, scoreModel)
		if err != nil {
			rec = r.fallbackRecord(it.row, id, "fallback_ai_error", truncateRunes(events.Clean(err.Error()), maxErrorRunes))
			stats.AIFailed++
			stats.Fallback++
			metrics.ScoreRecords.WithLabelValues("fallback").Inc()
		} else {
			stats.AIOk++
			metrics.ScoreRecords.WithLabelValues("ai").Inc()
		}
		outRows = append(outRows, rec)
	}

	// Stable output ordering by canonical id for downstream diffs.
	sort.SliceStable(outRows, func(i, j int) bool {
		a, b := outRows[i], outRows[j]
		if ca, cb := events.Clean(a.CanonicalID), events.Clean(b.CanonicalID); ca != cb {
			return ca < cb
		}
		return events.Clean(a.EventName) < events.Clean(b.EventName)
	})

	jsonlPath := filepath.Join(runDir, "events_scores.jsonl")
	csvPath := filepath.Join(runDir, "events_scores.csv")
	summaryPath := filepath.Join(runDir, "score_summary.json")
	if err := writeArtifacts(jsonlPath, csvPath, outRows); err != nil {
		return nil, err
	}

	if contentRuns == nil {
		contentRuns = []string{}
	}
	if previousRuns == nil {
		previousRuns = []string{}
	}
	summary := &Summary{
		Project:               r.project.Name,
		Category:              r.project.Category,
		RunID:                 runID,
		GeneratedAt:           r.clock.Now().UTC().Format(time.RFC3339),
		FusedRunID:            fusedRunID,
		ContentRunID:          contentRunID,
		ScoreModel:            scoreModel,
		ScoreBaseURL:          events.Clean(params.BaseURL),
		QPS:                   params.QPS,
		MaxEvents:             params.MaxEvents,
		FailedOnly:            params.FailedOnly,
		PrioritizeNearStart:   params.PrioritizeNearStart,
		Stats:                 stats,
		ContentRunsSeen:       contentRuns,
		PreviousScoreRunsSeen: previousRuns,
		Files:                 OutputFiles{JSONL: jsonlPath, CSV: csvPath},
		SummaryPath:           summaryPath,
	}
	raw, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode score summary: %w", err)
	}
	if err := runs.WriteFileAtomic(summaryPath, append(raw, '\n'), 0o644); err != nil {
		return nil, err
	}

	if _, err := runs.MirrorLatest(r.project.ScoreDir, jsonlPath, csvPath, summaryPath); err != nil {
		return nil, err
	}

	if params.UpdateLatestRun {
		err := runs.UpdatePointer(r.root, map[string]string{
			"score_run_id":       runID,
			"score_generated_at": summary.GeneratedAt,
			"score_summary":      runs.RelativePath(summaryPath, r.root),
			"score_events_jsonl": runs.RelativePath(jsonlPath, r.root),
		})
		if err != nil {
			return nil, err
		}
	}

	r.logger.Info().
		Str("run_id", runID).
		Int("total", stats.Total).
		Int("ai_ok", stats.AIOk).
		Int("ai_failed", stats.AIFailed).
		Int("reused_ok", stats.ReusedOK).
		Int("fallback", stats.Fallback).
		Int("skipped_max_events", stats.SkippedMaxEvents).
		Str("summary", summaryPath).
		Msg("[score] run complete")

	return summary, nil
}

func rowKeys(row events.Record) match.Keys {
	return match.Keys{
		CanonicalID: row.Clean("canonical_id"),
		SourceURLs:  events.SplitFlexibleList(row["source_urls"]),
		NameDate:    match.NameDateKey(row.Field("event_name"), row.Field("event_date_start")),
	}
}

// shouldReuse decides whether a prior score row still stands in for the
// current input. An ok row survives a failed-only run outright and any run
// whose input hash is unchanged; a cached row needs the matching hash.
func shouldReuse(prev *ScoreRecord, sig string, failedOnly bool) bool {
	if prev == nil {
		return false
	}
	status := strings.ToLower(events.Clean(prev.Status))
	hash := events.Clean(prev.InputHash)
	switch {
	case status == "ok":
		return failedOnly || (hash != "" && hash == sig)
	case strings.HasPrefix(status, "cached"):
		return hash != "" && hash == sig
	default:
		return false
	}
}

// prioritizeItems reorders items so events nearest their start date, past
// or future, are scored first; rows without a parseable date go last.
// Ties fall back to the event name, then input order.
func prioritizeItems(items []scoreItem, today time.Time) {
	type rankedItem struct {
		item   scoreItem
		bucket int
		days   int
		name   string
	}
	ranked := make([]rankedItem, len(items))
	for i, it := range items {
		rk := rankedItem{item: it, bucket: 1, days: 10_000_000, name: it.row.Clean("event_name")}
		if start, ok := events.ParseEventDate(it.row.Field("event_date_start")); ok {
			delta := int(start.Sub(today).Hours() / 24)
			if delta < 0 {
				delta = -delta
			}
			rk.bucket, rk.days = 0, delta
		}
		ranked[i] = rk
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.bucket != b.bucket {
			return a.bucket < b.bucket
		}
		if a.days != b.days {
			return a.days < b.days
		}
		return a.name < b.name
	})
	for i := range ranked {
		items[i] = ranked[i].item
	}
}

func (r *Runner) analyzeRow(ctx context.Context, analyzer Analyzer, input ModelInput, id rowIdentity, scoreModel string) (*ScoreRecord, error) {
	data, err := analyzer.Analyze(ctx, input)
	if err != nil {
		return nil, err
	}
	heat, okHeat := parseScoreValue(data["initial_heat_score"])
	surprise, okSurprise := parseScoreValue(data["surprise_score"])
	if !okHeat || !okSurprise {
		return nil, errors.New("missing initial_heat_score/surprise_score in model output")
	}
	reason := ""
	if s, ok := data["reason"].(string); ok {
		reason = truncateRunes(events.CleanBlock(s), maxReasonRunes)
	}
	return &ScoreRecord{
		CanonicalID:      id.canonicalID,
		EventName:        id.eventName,
		EventDateStart:   id.dateStart,
		SourceURLs:       id.sourceURLs,
		InitialHeatScore: heat,
		SurpriseScore:    surprise,
		Reason:           reason,
		Status:           "ok",
		ScoreSource:      "ai",
		ScoreProvider:    "deepseek",
		ScoreModel:       scoreModel,
		InputHash:        id.sig,
		GeneratedAt:      r.clock.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (r *Runner) fallbackRecord(row events.Record, id rowIdentity, status, errMsg string) *ScoreRecord {
	heat, surprise, reason := fallbackScores(row, r.project.Category)
	return &ScoreRecord{
		CanonicalID:      id.canonicalID,
		EventName:        id.eventName,
		EventDateStart:   id.dateStart,
		SourceURLs:       id.sourceURLs,
		InitialHeatScore: heat,
		SurpriseScore:    surprise,
		Reason:           reason,
		Status:           status,
		ScoreSource:      "fallback",
		ScoreProvider:    "local",
		InputHash:        id.sig,
		Error:            errMsg,
		GeneratedAt:      r.clock.Now().UTC().Format(time.RFC3339),
	}
}

func writeArtifacts(jsonlPath, csvPath string, rows []*ScoreRecord) error {
	var jsonl bytes.Buffer
	for _, rec := range rows {
		rec.normalize()
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode score row: %w", err)
		}
		jsonl.Write(raw)
		jsonl.WriteByte('\n')
	}
	if err := runs.WriteFileAtomic(jsonlPath, jsonl.Bytes(), 0o644); err != nil {
		return err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(scoreCSVColumns); err != nil {
		return fmt.Errorf("write score csv header: %w", err)
	}
	for _, rec := range rows {
		if err := w.Write(rec.csvRow()); err != nil {
			return fmt.Errorf("write score csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush score csv: %w", err)
	}
	return runs.WriteFileAtomic(csvPath, buf.Bytes(), 0o644)
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
