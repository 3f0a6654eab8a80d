// Package fuse merges the per-site raw streams of one project into
// canonical events: rows are grouped by a normalized dedup key, each field
// is voted across group members, coordinates are resolved through layered
// geocode fallbacks, coincident low-confidence points are re-resolved, and
// the run's artifacts (fused JSONL/CSV plus audit logs) are written under
// the project's run directories.
package fuse

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/boogieLing/Tsugie/internal/config"
	"github.com/boogieLing/Tsugie/internal/domain/events"
	"github.com/boogieLing/Tsugie/internal/geocoding"
	"github.com/boogieLing/Tsugie/internal/metrics"
	"github.com/boogieLing/Tsugie/internal/runs"
)

// Geocoder resolves free-text queries to coordinates. Implementations
// replay cached answers without rate-limit waits.
type Geocoder interface {
	Geocode(ctx context.Context, query string) geocoding.Response
	SaveCache() error
}

// Member is one raw observation annotated with its grouping identity.
type Member struct {
	Rec           events.Record
	EventYear     string
	NameRaw       string
	NameCanonical string
	AliasApplied  bool
}

// Engine fuses one project's raw site streams.
type Engine struct {
	project  *config.Project
	weights  events.SiteWeights
	geocoder Geocoder
	logger   zerolog.Logger
	clock    clockwork.Clock
}

type Option func(*Engine)

// WithGeocoder enables coordinate resolution. Without it only coordinates
// already present in the winning row (or prefecture centers) are used.
func WithGeocoder(g Geocoder) Option {
	return func(e *Engine) { e.geocoder = g }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

func NewEngine(project *config.Project, opts ...Option) *Engine {
	e := &Engine{
		project: project,
		weights: events.SiteWeights(project.SiteWeights),
		logger:  zerolog.Nop(),
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Params are the per-run knobs.
type Params struct {
	RunID      string // empty derives one from the clock
	TargetYear string // empty disables the year filter
	StrictYear bool
}

// derived keys the engine sets itself; member values for these never vote.
var voteSkipKeys = map[string]bool{
	"source_site": true, "source_url": true,
	"canonical_id": true, "dedup_key": true, "event_year": true,
	"geo_source": true, "source_sites": true, "source_urls": true,
	"source_count": true, "fused_at": true,
	"is_info_incomplete": true, "incomplete_field_count": true,
	"incomplete_fields": true, "update_priority": true,
}

// Run fuses the project's raw rows for one run id and writes all artifacts.
func (e *Engine) Run(ctx context.Context, params Params) (*Summary, error) {
	runID := params.RunID
	if runID == "" {
		runID = runs.NewRunID(e.clock)
	}

	rows, skippedLines, err := events.LoadSiteRows(e.project.RawDir, e.project.Sites)
	if err != nil {
		return nil, fmt.Errorf("load raw rows: %w", err)
	}
	aliases, err := events.LoadAliasMap(e.project.AliasMap)
	if err != nil {
		return nil, fmt.Errorf("load alias map: %w", err)
	}

	members := annotate(rows, aliases)
	inputRowsRaw := len(members)

	yearFilterEnabled := params.StrictYear && params.TargetYear != ""
	if yearFilterEnabled {
		kept := members[:0]
		for _, m := range members {
			if m.EventYear == params.TargetYear {
				kept = append(kept, m)
			}
		}
		members = kept
	}

	summary := &Summary{
		RunID:                    runID,
		InputRows:                len(members),
		InputRowsRaw:             inputRowsRaw,
		InputRowsAfterYearFilter: len(members),
		YearFilterEnabled:        yearFilterEnabled,
		TargetYear:               params.TargetYear,
		YearDroppedRows:          inputRowsRaw - len(members),
		SkippedLines:             skippedLines,
		AliasMapEntries:          len(aliases),
	}

	groupKeys, groups := groupMembers(members)
	summary.GroupCount = len(groupKeys)

	fusedDir := filepath.Join(e.project.FusedDir, runID)
	logDir := filepath.Join(e.project.LogDir, runID)
	for _, dir := range []string{fusedDir, logDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create run dir: %w", err)
		}
	}

	var (
		fusedRows     []events.Record
		dedupLog      [][]string
		geocodeLog    [][]string
		incompleteLog [][]string
	)

	for idx, key := range groupKeys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		grp := groups[key]
		canonicalID := fmt.Sprintf("E%06d", idx+1)

		recs := make([]events.Record, len(grp))
		for i, m := range grp {
			recs[i] = m.Rec
		}

		merged := e.mergeGroup(canonicalID, key, grp, recs)
		e.resolveCoordinates(ctx, merged, runID, canonicalID, summary, &geocodeLog)

		tags := events.ComputeIncompleteTags(merged, e.project.IncompleteFields)
		merged["is_info_incomplete"] = boolCell(tags.Incomplete())
		merged["incomplete_field_count"] = strconv.Itoa(len(tags.Fields))
		merged["incomplete_fields"] = events.JoinPipe(tags.Fields)
		merged["update_priority"] = tags.Priority

		if tags.Incomplete() {
			site, url := events.PickPrimarySource(recs, e.weights)
			incompleteLog = append(incompleteLog, []string{
				runID, canonicalID, merged["event_year"], merged.Clean("event_name"),
				merged["incomplete_field_count"], merged["incomplete_fields"], merged["update_priority"],
				site, url, events.InferRefreshMethod(url),
				merged["source_sites"], merged["source_urls"],
			})
		}

		for i, m := range grp {
			action := "merged"
			if i == 0 {
				action = "canonical"
			}
			dedupLog = append(dedupLog, []string{
				runID, canonicalID, key,
				m.Rec.Field("source_site"), m.Rec.Field("source_url"),
				m.EventYear, m.NameRaw, m.NameCanonical, boolCell(m.AliasApplied), action,
			})
		}

		fusedRows = append(fusedRows, merged)
	}

	overlapLog, overlapStats := e.repairOverlaps(ctx, fusedRows, runID)
	summary.applyOverlapStats(overlapStats)
	summary.IncompleteCount = len(incompleteLog)

	paths := runPaths{
		fusedJSONL:    filepath.Join(fusedDir, "events_fused.jsonl"),
		fusedCSV:      filepath.Join(fusedDir, "events_fused.csv"),
		dedupLog:      filepath.Join(logDir, "dedup_log.csv"),
		geocodeLog:    filepath.Join(logDir, "geocode_log.csv"),
		overlapLog:    filepath.Join(logDir, "geo_overlap_repair_log.csv"),
		incompleteLog: filepath.Join(logDir, "incomplete_events.csv"),
		aliasLog:      filepath.Join(logDir, "name_alias_candidates.csv"),
	}
	if err := writeRunArtifacts(paths, fusedRows, dedupLog, geocodeLog, overlapLog, incompleteLog); err != nil {
		return nil, err
	}
	summary.setPaths(paths)

	if e.geocoder != nil {
		if err := e.geocoder.SaveCache(); err != nil {
			return nil, fmt.Errorf("save geocode cache: %w", err)
		}
	}

	candidateCount, err := writeAliasCandidates(paths.aliasLog, members, runID)
	if err != nil {
		return nil, err
	}
	summary.AliasCandidatesCount = candidateCount

	metrics.FusedRows.WithLabelValues(e.project.Name).Add(float64(len(fusedRows)))

	e.logger.Info().
		Str("run_id", runID).
		Int("input_rows_raw", summary.InputRowsRaw).
		Int("input_rows_after_year_filter", summary.InputRowsAfterYearFilter).
		Bool("year_filter_enabled", summary.YearFilterEnabled).
		Str("target_year", summary.TargetYear).
		Int("year_dropped_rows", summary.YearDroppedRows).
		Int("group_count", summary.GroupCount).
		Int("geocode_attempted", summary.GeocodeAttempted).
		Int("geocode_resolved", summary.GeocodeResolved).
		Int("geocode_cache_hits", summary.GeocodeCacheHits).
		Int("overlap_groups_detected", summary.OverlapGroupsDetected).
		Int("overlap_repair_resolved", summary.OverlapRepairResolved).
		Int("incomplete_count", summary.IncompleteCount).
		Int("alias_candidates_count", summary.AliasCandidatesCount).
		Msg("[fuse] run complete")

	return summary, nil
}

// annotate computes each raw row's grouping identity.
func annotate(rows []events.Record, aliases events.AliasMap) []Member {
	members := make([]Member, 0, len(rows))
	for _, r := range rows {
		raw, canonical, aliasApplied := events.NormalizeName(r.Field("event_name"), aliases)
		members = append(members, Member{
			Rec:           r,
			EventYear:     events.ExtractEventYear(r),
			NameRaw:       raw,
			NameCanonical: canonical,
			AliasApplied:  aliasApplied,
		})
	}
	return members
}

// groupMembers buckets members by dedup key, preserving first-seen order so
// canonical ids are stable for a given input ordering.
func groupMembers(members []Member) ([]string, map[string][]Member) {
	var order []string
	groups := make(map[string][]Member)
	for _, m := range members {
		key := events.BuildDedupKey(
			m.NameCanonical,
			m.EventYear,
			events.ExtractDateToken(m.Rec.Clean("event_date_start")),
			events.RecordPrefecture(m.Rec),
			m.Rec.Field("source_url"),
		)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], m)
	}
	return order, groups
}

// mergeGroup votes every observed field across the group's members and
// attaches the derived identity fields.
func (e *Engine) mergeGroup(canonicalID, key string, grp []Member, recs []events.Record) events.Record {
	merged := events.Record{
		"canonical_id": canonicalID,
		"dedup_key":    key,
		"event_year":   "",
		"geo_source":   "",
		"source_count": strconv.Itoa(len(grp)),
		"fused_at":     e.clock.Now().UTC().Format(time.RFC3339),
	}

	merged["source_sites"] = events.JoinPipe(uniqueSorted(recs, "source_site"))
	merged["source_urls"] = events.JoinPipe(uniqueSorted(recs, "source_url"))
	for _, m := range grp {
		if m.EventYear != "" {
			merged["event_year"] = m.EventYear
			break
		}
	}

	for _, field := range voteFields(recs) {
		merged[field] = events.PickWinner(field, recs, e.weights)
	}
	return merged
}

// voteFields is the union of the group's observed keys minus the derived
// ones, sorted for deterministic output.
func voteFields(recs []events.Record) []string {
	set := make(map[string]struct{})
	for _, r := range recs {
		for k := range r {
			if voteSkipKeys[k] || strings.HasPrefix(k, "_") {
				continue
			}
			set[k] = struct{}{}
		}
	}
	fields := make([]string, 0, len(set))
	for k := range set {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

// resolveCoordinates applies the four-step ladder: keep parseable winner
// coordinates, else query the geocoder, else fall back to the prefecture
// center, else mark the row missing. Every attempt is logged.
func (e *Engine) resolveCoordinates(ctx context.Context, merged events.Record, runID, canonicalID string, summary *Summary, geocodeLog *[][]string) {
	lat, okLat := merged.Coord("lat")
	lng, okLng := merged.Coord("lng")
	if okLat && okLng {
		merged["lat"] = events.FormatCoord(lat)
		merged["lng"] = events.FormatCoord(lng)
		merged["geo_source"] = "source_exact"
		*geocodeLog = append(*geocodeLog, []string{
			runID, canonicalID, "existing", "existing_coord", "", "", "0",
			events.FormatCoord(lat), events.FormatCoord(lng), "", "",
		})
		return
	}

	if e.geocoder != nil {
		queries := buildGeocodeQueries(merged)
		if len(queries) == 0 {
			*geocodeLog = append(*geocodeLog, []string{
				runID, canonicalID, "geocoder", "skipped_no_query", "", "", "0", "", "", "", "",
			})
		}
		for _, q := range queries {
			summary.GeocodeAttempted++
			resp := e.geocoder.Geocode(ctx, q.text)
			if resp.CacheHit {
				summary.GeocodeCacheHits++
			}
			*geocodeLog = append(*geocodeLog, []string{
				runID, canonicalID, "geocoder", resp.Status, q.strategy, resp.Query,
				boolCell(resp.CacheHit), resp.LatString(), resp.LngString(), resp.Title, resp.Err,
			})
			if !resp.Resolved() {
				continue
			}
			merged["lat"] = resp.LatString()
			merged["lng"] = resp.LngString()
			source := "network_geocode"
			if strings.Contains(q.strategy, "event_name") {
				source = "network_geocode_title"
			}
			if resp.Status == geocoding.StatusCachedOK {
				source += "_cache"
			}
			merged["geo_source"] = source
			summary.GeocodeResolved++
			return
		}
	}

	if center, ok := events.ResolvePrefectureCenter(merged); ok {
		merged["lat"] = events.FormatCoord(center.Lat)
		merged["lng"] = events.FormatCoord(center.Lng)
		merged["geo_source"] = "pref_center_fallback"
		*geocodeLog = append(*geocodeLog, []string{
			runID, canonicalID, "pref_center", "fallback_pref_center", "", "", "0",
			events.FormatCoord(center.Lat), events.FormatCoord(center.Lng), "", "",
		})
		return
	}

	merged["lat"] = ""
	merged["lng"] = ""
	merged["geo_source"] = "missing"
}

func uniqueSorted(recs []events.Record, key string) []string {
	set := make(map[string]struct{})
	for _, r := range recs {
		if v := r.Field(key); v != "" {
			set[v] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func boolCell(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
