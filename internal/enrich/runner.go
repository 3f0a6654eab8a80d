package enrich

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/boogieLing/Tsugie/internal/config"
	"github.com/boogieLing/Tsugie/internal/domain/events"
	"github.com/boogieLing/Tsugie/internal/match"
	"github.com/boogieLing/Tsugie/internal/metrics"
	"github.com/boogieLing/Tsugie/internal/polish"
	"github.com/boogieLing/Tsugie/internal/runs"
)

// Default per-run knobs; the CLI exposes each as a flag. The crawl defaults
// are deliberately slow: the target sites are small operators and the
// pipeline reruns for weeks.
const (
	DefaultTimeout        = 25 * time.Second
	DefaultQPS            = 0.12
	DefaultMinRefreshDays = 45
	DefaultMaxRetries     = 3
	DefaultMaxSourceURLs  = 3
	DefaultMaxDescChars   = 1800
	DefaultMaxImages      = 6
	DefaultMaxImageBytes  = 5 << 20
	DefaultProgressEvery  = 20
	DefaultSkipPastDays   = 31
	DefaultOnlyPastDays   = -1
)

// ErrNoFusedRun reports that the project pointer names no fused run, or
// names one whose artifacts are gone.
var ErrNoFusedRun = errors.New("no fused run to enrich")

// Runner enriches one project's fused rows: it fetches their source pages,
// extracts descriptions and images, optionally polishes the text, and
// writes the run's content artifacts.
type Runner struct {
	project    *config.Project
	root       string
	logger     zerolog.Logger
	clock      clockwork.Clock
	polisher   polish.Polisher
	polishMode string
	httpClient *http.Client
}

type Option func(*Runner)

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

func WithClock(clock clockwork.Clock) Option {
	return func(r *Runner) { r.clock = clock }
}

// WithPolisher routes descriptions through p. The mode (polish.ModeOpenAI
// or polish.ModeCodex) selects the failure bookkeeping and translate rules.
func WithPolisher(mode string, p polish.Polisher) Option {
	return func(r *Runner) {
		r.polishMode = mode
		r.polisher = p
	}
}

// WithHTTPClient overrides the page and image client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Runner) { r.httpClient = c }
}

func NewRunner(project *config.Project, dataDir string, opts ...Option) *Runner {
	r := &Runner{
		project:    project,
		root:       project.RootDir(dataDir),
		logger:     zerolog.Nop(),
		clock:      clockwork.NewRealClock(),
		polishMode: polish.ModeNone,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Params are the per-run knobs.
type Params struct {
	RunID         string // empty derives <timestamp>_content from the clock
	FusedRunID    string // empty follows the project pointer
	StartIndex    int
	MaxEvents     int // 0 enriches every eligible row
	ProgressEvery int

	MinRefreshDays int
	Force          bool // ignore prior records entirely

	QPS           float64
	Timeout       time.Duration
	MaxRetries    int
	MaxSourceURLs int
	MaxDescChars  int
	MaxImages     int
	MaxImageBytes int
	UserAgent     string
	RespectRobots bool

	SkipPastDays int // drop rows older than this many days; negative disables
	OnlyPastDays int // keep only rows older than this many days; negative disables

	FailedOnly          bool
	PrioritizeNearStart bool
	CodexSinglePassI18N bool

	DownloadImages  bool
	UpdateLatestRun bool

	DescriptionPromptPath string
	OneLinerPromptPath    string
}

// recordIdentity is the part of a record the current fused row dictates,
// refreshed even on reused records.
type recordIdentity struct {
	canonicalID string
	eventName   string
	dateStart   string
	dateEnd     string
	fusedRunID  string
	sourceURLs  []string
	sig         string
}

// Run enriches the project's fused rows for one run id and writes all
// artifacts: the JSONL/CSV record streams, the enrich log, the summary
// document, the latest mirror, and (optionally) the stage pointer.
func (r *Runner) Run(ctx context.Context, params Params) (*Summary, error) {
	runID := events.Clean(params.RunID)
	if runID == "" {
		runID = runs.NewRunID(r.clock) + "_content"
	}

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

	counts := &Counts{}
	filter := FilterSettings{
		SkipPastDays:        params.SkipPastDays,
		Basis:               "event_date_start",
		OnlyPastDays:        params.OnlyPastDays,
		FailedOnly:          params.FailedOnly,
		PrioritizeNearStart: params.PrioritizeNearStart,
		CodexSinglePassI18N: params.CodexSinglePassI18N,
	}
	today := dateOnly(r.clock.Now().UTC())

	if params.OnlyPastDays >= 0 {
		cutoff := today.AddDate(0, 0, -params.OnlyPastDays)
		rows, counts.SkippedByNotOldEnough = keepOnlyPast(rows, cutoff)
		filter.OnlyPastCutoffDate = isoDate(cutoff)
	}
	if params.SkipPastDays >= 0 {
		cutoff := today.AddDate(0, 0, -params.SkipPastDays)
		rows, counts.SkippedByAge = dropPast(rows, cutoff)
		filter.CutoffDate = isoDate(cutoff)
	}

	previous, err := loadPrevious(r.project.ContentDir, events.Clean(pointer["content_run_id"]))
	if err != nil {
		return nil, err
	}

	if params.PrioritizeNearStart && len(rows) > 0 {
		prioritizeNearStart(rows, today, func(row events.Record) bool {
			return params.FailedOnly && shouldReuseSuccess(resolveForRow(previous, row), params.Force)
		})
	}

	eligibleRows := len(rows)
	start := params.StartIndex
	if start < 0 {
		start = 0
	}
	if start > len(rows) {
		start = len(rows)
	}
	rows = rows[start:]
	if params.MaxEvents > 0 && len(rows) > params.MaxEvents {
		rows = rows[:params.MaxEvents]
	}

	r.logger.Info().
		Str("run_id", runID).
		Int("start_index", params.StartIndex).
		Int("max_events", params.MaxEvents).
		Int("selected_rows", len(rows)).
		Int("eligible_rows", eligibleRows).
		Int("skipped_by_age", counts.SkippedByAge).
		Bool("failed_only", params.FailedOnly).
		Bool("prioritize_near_start", params.PrioritizeNearStart).
		Bool("codex_single_pass_i18n", params.CodexSinglePassI18N).
		Msg("[batch] rows selected")
	if filter.CutoffDate != nil {
		r.logger.Info().
			Int("skip_past_days", params.SkipPastDays).
			Str("basis", "event_date_start").
			Str("cutoff_date", *filter.CutoffDate).
			Msg("[filter] past events dropped")
	}
	if filter.OnlyPastCutoffDate != nil {
		r.logger.Info().
			Int("only_past_days", params.OnlyPastDays).
			Str("basis", "event_date_start").
			Str("older_than", *filter.OnlyPastCutoffDate).
			Msg("[filter] only past events kept")
	}

	runDir := filepath.Join(r.project.ContentDir, runID)
	imageRoot := filepath.Join(r.project.ContentAssetsDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	paths := contentPaths{
		jsonl:   filepath.Join(runDir, "events_content.jsonl"),
		csv:     filepath.Join(runDir, "events_content.csv"),
		log:     filepath.Join(runDir, "content_enrich_log.csv"),
		summary: filepath.Join(runDir, "content_summary.json"),
	}
	writers, err := newRunWriters(paths)
	if err != nil {
		return nil, err
	}
	defer writers.close()

	timeout := params.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	fetch := newFetcher(fetcherOptions{
		Timeout:       timeout,
		QPS:           params.QPS,
		MaxRetries:    params.MaxRetries,
		UserAgent:     params.UserAgent,
		RespectRobots: params.RespectRobots,
		Client:        r.httpClient,
	})

	now := r.clock.Now().UTC()
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		idx := i + 1

		canonicalID := row.Field("canonical_id")
		if canonicalID == "" {
			canonicalID = sha1Hex(fmt.Sprintf("%s:%d", r.project.Name, idx))[:12]
		}
		id := recordIdentity{
			canonicalID: canonicalID,
			eventName:   row.Clean("event_name"),
			dateStart:   row["event_date_start"],
			dateEnd:     row["event_date_end"],
			fusedRunID:  fusedRunID,
		}
		id.sourceURLs = parseSourceURLs(row)
		id.sig = sourceSignature(id.sourceURLs)
		old := resolveForRow(previous, row)

		var rec *Record
		var logRow []string
		switch {
		case params.FailedOnly && shouldReuseSuccess(old, params.Force):
			// Failed-only runs retry failed or incomplete rows; complete
			// ones are reused without touching the network or a model.
			counts.ReusedByFailedOnly++
			rec = reuseRecord(old, id)
			rec.Status = "cached"
			rec.Error = ""
			logRow = []string{r.project.Name, canonicalID, id.eventName, "cached", "", "0", "0", "0"}

		case !params.FailedOnly && isRecentEnough(old, id.sig, params.MinRefreshDays, params.Force, now):
			rec = r.upgradeReused(ctx, old, id, params.CodexSinglePassI18N)
			logRow = []string{r.project.Name, canonicalID, id.eventName, rec.Status, "", "0", "0", "0"}

		default:
			rec, err = r.enrichRow(ctx, fetch, id, params, imageRoot)
			if err != nil {
				return nil, err
			}
			logRow = []string{
				r.project.Name, canonicalID, id.eventName, rec.Status, rec.Error,
				strconv.Itoa(len(rec.SourceURLs)),
				strconv.Itoa(len(rec.ImageURLs)),
				strconv.Itoa(len(rec.DownloadedImages)),
			}
		}

		if err := writers.persist(rec, logRow); err != nil {
			return nil, err
		}
		counts.observe(rec)
		metrics.ContentRecords.WithLabelValues(rec.Status).Inc()

		if params.ProgressEvery > 0 && (idx%params.ProgressEvery == 0 || idx == len(rows)) {
			r.logger.Info().
				Str("run_id", runID).
				Int("processed", idx).
				Int("selected_rows", len(rows)).
				Msg("[progress] rows enriched")
		}
	}

	if err := writers.close(); err != nil {
		return nil, fmt.Errorf("close run artifacts: %w", err)
	}

	summary := &Summary{
		Project:     r.project.Name,
		Category:    r.project.Category,
		RunID:       runID,
		GeneratedAt: r.clock.Now().UTC().Format(time.RFC3339),
		FusedRunID:  fusedRunID,
		FusedJSONL:  fusedJSONL,
		Counts:      counts,
		Output:      OutputPaths{JSONL: paths.jsonl, CSV: paths.csv, Log: paths.log},
		PromptPaths: PromptPaths{
			Description: params.DescriptionPromptPath,
			OneLiner:    params.OneLinerPromptPath,
		},
		Filter:      filter,
		SummaryPath: paths.summary,
	}
	raw, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode content summary: %w", err)
	}
	if err := runs.WriteFileAtomic(paths.summary, append(raw, '\n'), 0o644); err != nil {
		return nil, err
	}

	if _, err := runs.MirrorLatest(r.project.ContentDir, paths.jsonl, paths.csv, paths.log, paths.summary); err != nil {
		return nil, err
	}

	if params.UpdateLatestRun {
		err := runs.UpdatePointer(r.root, map[string]string{
			"content_run_id":       runID,
			"content_generated_at": summary.GeneratedAt,
			"content_summary":      runs.RelativePath(paths.summary, r.root),
			"content_events_jsonl": runs.RelativePath(paths.jsonl, r.root),
			"content_events_csv":   runs.RelativePath(paths.csv, r.root),
		})
		if err != nil {
			return nil, err
		}
	}

	r.logger.Info().
		Str("run_id", runID).
		Int("total", counts.Total).
		Int("ok", counts.OK).
		Int("partial", counts.Partial).
		Int("empty", counts.Empty).
		Int("cached", counts.Cached).
		Str("summary", paths.summary).
		Msg("[content] run complete")

	return summary, nil
}

func resolveForRow(previous *match.Index[*Record], row events.Record) *Record {
	old, ok := previous.Resolve(match.Keys{
		CanonicalID: row.Clean("canonical_id"),
		SourceURLs:  parseSourceURLs(row),
		NameDate:    match.NameDateKey(row.Field("event_name"), row.Field("event_date_start")),
	})
	if !ok {
		return nil
	}
	return old
}

// reuseRecord copies a prior record and refreshes the identity fields the
// current fused row owns.
func reuseRecord(old *Record, id recordIdentity) *Record {
	rec := *old
	rec.CanonicalID = id.canonicalID
	rec.EventName = id.eventName
	rec.EventDateStart = id.dateStart
	rec.EventDateEnd = id.dateEnd
	rec.FusedRunID = id.fusedRunID
	rec.SourceURLs = id.sourceURLs
	rec.SourceURLsSig = id.sig
	return &rec
}

// upgradeReused reuses a recent record, re-polishing it when the configured
// backend is better than the one that produced it: a remote polisher
// upgrades any non-remote record, codex re-runs its own records while their
// translations are incomplete. Polish failures keep the record cached.
func (r *Runner) upgradeReused(ctx context.Context, old *Record, id recordIdentity, singlePass bool) *Record {
	rec := reuseRecord(old, id)
	rec.Error = ""

	reusedMode := strings.ToLower(events.Clean(rec.PolishMode))
	rawCached := events.CleanBlock(rec.RawDescription)
	missingZH := events.CleanBlock(rec.PolishedDescriptionZH) == "" || events.CleanBlock(rec.OneLinerZH) == ""
	missingEN := events.CleanBlock(rec.PolishedDescriptionEN) == "" || events.CleanBlock(rec.OneLinerEN) == ""

	upgrade := false
	if r.polisher != nil && rawCached != "" {
		switch r.polishMode {
		case polish.ModeOpenAI:
			upgrade = reusedMode != polish.ModeOpenAI
		case polish.ModeCodex:
			upgrade = reusedMode != polish.ModeCodex || missingZH || missingEN
		}
	}
	if !upgrade {
		rec.Status = "cached"
		return rec
	}
	if err := r.upgradePolish(ctx, rec, rawCached, singlePass); err != nil {
		rec.Status = "cached"
		rec.Error = "polish_error:" + err.Error()
	}
	return rec
}

// upgradePolish rewrites rec's polished fields from raw cached text and
// marks the record ok. The zh/en fields are replaced wholesale: whatever
// the bundle leaves blank, one translate call fills.
func (r *Runner) upgradePolish(ctx context.Context, rec *Record, raw string, singlePass bool) error {
	bundle, err := r.polisher.PolishBundle(ctx, raw)
	if err != nil {
		return err
	}
	polished := events.CleanBlock(bundle.Description)
	one := events.CleanBlock(bundle.OneLiner)
	if r.polishMode == polish.ModeCodex && polished == "" && one == "" {
		return errors.New("empty codex polish response")
	}
	if polished != "" {
		rec.PolishedDescription = polished
	}
	used := one
	if used == "" {
		used = polish.FallbackOneLiner(raw)
	}
	rec.OneLiner = used

	zhDesc := events.CleanBlock(bundle.DescriptionZH)
	zhOne := events.CleanBlock(bundle.OneLinerZH)
	enDesc := events.CleanBlock(bundle.DescriptionEN)
	enOne := events.CleanBlock(bundle.OneLinerEN)
	needTranslate := zhDesc == "" || zhOne == "" || enDesc == "" || enOne == ""
	if r.polishMode == polish.ModeCodex && singlePass {
		needTranslate = false
	}
	if needTranslate {
		source := polished
		if source == "" {
			base := rec.PolishedDescription
			if base == "" {
				base = raw
			}
			source = events.CleanBlock(base)
		}
		tr, err := r.polisher.TranslatePair(ctx, source, used)
		if err != nil {
			return err
		}
		if zhDesc == "" {
			zhDesc = events.CleanBlock(tr.DescriptionZH)
		}
		if zhOne == "" {
			zhOne = events.CleanBlock(tr.OneLinerZH)
		}
		if enDesc == "" {
			enDesc = events.CleanBlock(tr.DescriptionEN)
		}
		if enOne == "" {
			enOne = events.CleanBlock(tr.OneLinerEN)
		}
	}
	rec.PolishedDescriptionZH = zhDesc
	rec.OneLinerZH = zhOne
	rec.PolishedDescriptionEN = enDesc
	rec.OneLinerEN = enOne
	rec.PolishMode = r.polishMode
	rec.PolishModel = r.polisher.ModelTag()
	rec.Status = "ok"
	return nil
}

// enrichRow fetches a row's source pages and builds a fresh record.
func (r *Runner) enrichRow(ctx context.Context, fetch *fetcher, id recordIdentity, params Params, imageRoot string) (*Record, error) {
	maxSourceURLs := params.MaxSourceURLs
	if maxSourceURLs < 1 {
		maxSourceURLs = 1
	}
	maxDesc := params.MaxDescChars
	if maxDesc < 300 {
		maxDesc = 300
	}
	maxImages := params.MaxImages
	if maxImages < 1 {
		maxImages = 1
	}

	selected := id.sourceURLs
	if len(selected) > maxSourceURLs {
		selected = selected[:maxSourceURLs]
	}

	var extracts []PageExtract
	fetchError := ""
	for _, pageURL := range selected {
		if fetch.robots != nil {
			ok, err := fetch.robots.allowed(ctx, pageURL)
			if err != nil {
				return nil, err
			}
			if !ok {
				fetchError = "robots_disallowed"
				metrics.ContentFetches.WithLabelValues("robots_disallowed").Inc()
				continue
			}
		}
		page, errText, err := fetch.fetchPage(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		if page == nil {
			if errText != "" {
				fetchError = errText
			}
			continue
		}
		extracts = append(extracts, ExtractFromPage(pageURL, page.FinalURL, page.HTML, id.eventName, maxDesc, maxImages))
	}

	best := pickBestPageExtract(extracts)
	raw := ""
	var imageURLs []string
	descriptionSource := ""
	if best != nil {
		raw = best.RawDescription
		imageURLs = best.ImageURLs
		descriptionSource = best.FinalURL
	} else if len(selected) > 0 {
		descriptionSource = selected[0]
	}

	rec := &Record{
		CanonicalID:          id.canonicalID,
		Category:             r.project.Category,
		EventName:            id.eventName,
		EventDateStart:       id.dateStart,
		EventDateEnd:         id.dateEnd,
		FusedRunID:           id.fusedRunID,
		DescriptionSourceURL: descriptionSource,
		RawDescription:       raw,
		PolishedDescription:  raw,
		ImageURLs:            imageURLs,
		SourceURLs:           id.sourceURLs,
		SourceURLsSig:        id.sig,
		PolishMode:           "none",
	}

	if raw != "" && r.polisher != nil {
		if err := r.polishFresh(ctx, rec, raw); err != nil {
			rec.PolishMode = r.polishMode + "_failed"
			fetchError = joinError(fetchError, "polish_error:"+err.Error())
		} else {
			rec.PolishMode = r.polishMode
			rec.PolishModel = r.polisher.ModelTag()
		}
	}
	if rec.OneLiner == "" && raw != "" {
		rec.OneLiner = polish.FallbackOneLiner(raw)
	}

	if r.polisher != nil && raw != "" && rec.PolishMode == r.polishMode && translationIncomplete(rec) {
		if r.polishMode == polish.ModeCodex && params.CodexSinglePassI18N {
			fetchError = joinError(fetchError, "polish_i18n_incomplete(single_pass)")
		} else {
			source := rec.PolishedDescription
			if source == "" {
				source = raw
			}
			tr, err := r.polisher.TranslatePair(ctx, source, rec.OneLiner)
			if err != nil {
				fetchError = joinError(fetchError, "translate_error:"+err.Error())
			} else {
				if rec.PolishedDescriptionZH == "" {
					rec.PolishedDescriptionZH = events.CleanBlock(tr.DescriptionZH)
				}
				if rec.OneLinerZH == "" {
					rec.OneLinerZH = events.CleanBlock(tr.OneLinerZH)
				}
				if rec.PolishedDescriptionEN == "" {
					rec.PolishedDescriptionEN = events.CleanBlock(tr.DescriptionEN)
				}
				if rec.OneLinerEN == "" {
					rec.OneLinerEN = events.CleanBlock(tr.OneLinerEN)
				}
			}
		}
	}

	if len(imageURLs) > 0 && params.DownloadImages {
		maxBytes := params.MaxImageBytes
		if maxBytes < 0 {
			maxBytes = 0
		}
		downloaded, err := fetch.downloadImages(ctx, imageURLs, filepath.Join(imageRoot, id.canonicalID), maxImages, maxBytes)
		if err != nil {
			return nil, err
		}
		rel := make([]string, 0, len(downloaded))
		for _, p := range downloaded {
			rel = append(rel, runs.RelativePath(p, r.root))
		}
		rec.DownloadedImages = rel
	}

	rec.Status = "ok"
	if raw == "" && len(imageURLs) == 0 {
		rec.Status = "empty"
	} else if fetchError != "" {
		rec.Status = "partial"
	}
	rec.Error = fetchError
	rec.FetchedAt = r.clock.Now().UTC().Format(time.RFC3339)
	return rec, nil
}

// polishFresh applies one bundle call to a freshly fetched record.
func (r *Runner) polishFresh(ctx context.Context, rec *Record, raw string) error {
	bundle, err := r.polisher.PolishBundle(ctx, raw)
	if err != nil {
		return err
	}
	polished := events.CleanBlock(bundle.Description)
	one := events.CleanBlock(bundle.OneLiner)
	if r.polishMode == polish.ModeCodex && polished == "" && one == "" {
		return errors.New("empty codex polish response")
	}
	if polished != "" {
		rec.PolishedDescription = polished
	}
	rec.OneLiner = one
	rec.PolishedDescriptionZH = events.CleanBlock(bundle.DescriptionZH)
	rec.OneLinerZH = events.CleanBlock(bundle.OneLinerZH)
	rec.PolishedDescriptionEN = events.CleanBlock(bundle.DescriptionEN)
	rec.OneLinerEN = events.CleanBlock(bundle.OneLinerEN)
	return nil
}

func translationIncomplete(rec *Record) bool {
	hasZH := rec.PolishedDescriptionZH != "" && rec.OneLinerZH != ""
	hasEN := rec.PolishedDescriptionEN != "" && rec.OneLinerEN != ""
	return !hasZH || !hasEN
}

func joinError(existing, added string) string {
	if existing == "" {
		return added
	}
	return existing + "; " + added
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func isoDate(t time.Time) *string {
	s := t.Format("2006-01-02")
	return &s
}
