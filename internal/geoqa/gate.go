// Package geoqa holds the coordinate-quality tooling that runs outside the
// fusion engine: a release gate that flags fused rows collapsing onto shared
// coordinates, and a repair pass that backfills geo_source on fused files
// written before the field existed.
package geoqa

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/boogieLing/Tsugie/internal/config"
	"github.com/boogieLing/Tsugie/internal/domain/events"
	"github.com/boogieLing/Tsugie/internal/metrics"
	"github.com/boogieLing/Tsugie/internal/runs"
)

// Thresholds tunes the high-risk rules and the gate verdict. TopN only
// bounds how many groups the report keeps, so it stays out of the report's
// thresholds block.
type Thresholds struct {
	MaxHighRiskGroups     int     `json:"max_high_risk_groups"`
	MinGroupSize          int     `json:"high_risk_min_group_size"`
	MinUniqueVenues       int     `json:"high_risk_min_unique_venues"`
	MinLowConfidenceRatio float64 `json:"high_risk_min_low_confidence_ratio"`
	TopN                  int     `json:"-"`
}

// DefaultThresholds is the release posture: a single high-risk group fails
// the gate.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxHighRiskGroups:     0,
		MinGroupSize:          4,
		MinUniqueVenues:       3,
		MinLowConfidenceRatio: 0.8,
		TopN:                  20,
	}
}

// GroupSample is one member row of an overlap group, trimmed for the report.
type GroupSample struct {
	CanonicalID string `json:"canonical_id"`
	EventName   string `json:"event_name"`
	VenueName   string `json:"venue_name"`
	Prefecture  string `json:"prefecture"`
	GeoSource   string `json:"geo_source"`
}

// SuspiciousGroup describes one rounded coordinate shared by two or more
// fused rows.
type SuspiciousGroup struct {
	Lat                float64        `json:"lat"`
	Lng                float64        `json:"lng"`
	GroupSize          int            `json:"group_size"`
	UniqueVenues       int            `json:"unique_venues"`
	UniquePrefectures  int            `json:"unique_prefectures"`
	LowConfidenceRatio float64        `json:"low_confidence_ratio"`
	GeoSourceBreakdown map[string]int `json:"geo_source_breakdown"`
	IsHighRisk         bool           `json:"is_high_risk"`
	RiskReasons        []string       `json:"risk_reasons"`
	Samples            []GroupSample  `json:"samples"`
}

// ProjectReport is the per-project section of the gate report.
type ProjectReport struct {
	Project             string             `json:"project"`
	RunID               string             `json:"run_id"`
	TotalRows           int                `json:"total_rows"`
	ValidCoordinateRows int                `json:"valid_coordinate_rows"`
	OverlapGroupCount   int                `json:"overlap_group_count"`
	OverlapRecordCount  int                `json:"overlap_record_count"`
	HighRiskGroupCount  int                `json:"high_risk_group_count"`
	TopSuspiciousGroups []*SuspiciousGroup `json:"top_suspicious_groups"`
}

// Summary is the gate verdict across every checked project.
type Summary struct {
	ProjectsChecked     []string `json:"projects_checked"`
	TotalHighRiskGroups int      `json:"total_high_risk_groups"`
	GatePassed          bool     `json:"gate_passed"`
}

// Report is the full gate report document.
type Report struct {
	GeneratedAt string           `json:"generated_at"`
	Thresholds  Thresholds       `json:"thresholds"`
	Summary     Summary          `json:"summary"`
	Projects    []*ProjectReport `json:"projects"`
}

// Params configures one gate run.
type Params struct {
	Thresholds Thresholds

	// ReportPath receives the indented report JSON when non-empty.
	ReportPath string

	// FusedRunIDs overrides the pointer run per project name.
	FusedRunIDs map[string]string
}

// Gate scans fused runs for coordinate overlaps that look like geocoding
// collapses rather than genuinely shared venues.
type Gate struct {
	projects []*config.Project
	dataDir  string
	logger   zerolog.Logger
	clock    clockwork.Clock
}

type Option func(*Gate)

func WithLogger(logger zerolog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

func WithClock(clock clockwork.Clock) Option {
	return func(g *Gate) { g.clock = clock }
}

func NewGate(projects []*config.Project, dataDir string, opts ...Option) *Gate {
	g := &Gate{
		projects: projects,
		dataDir:  dataDir,
		logger:   zerolog.Nop(),
		clock:    clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run scans every project concurrently and assembles the gate report,
// writing it to params.ReportPath when set. Summary.GatePassed carries the
// verdict; mapping a failed gate to an exit status is the caller's job.
func (g *Gate) Run(ctx context.Context, params Params) (*Report, error) {
	th := params.Thresholds
	reports := make([]*ProjectReport, len(g.projects))
	eg, ctx := errgroup.WithContext(ctx)
	for i, project := range g.projects {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			runID, rows, err := g.loadFusedRows(project, params.FusedRunIDs[project.Name])
			if err != nil {
				return err
			}
			report := analyzeProject(project.Name, runID, rows, th)
			g.logger.Info().
				Str("project", project.Name).
				Str("run_id", runID).
				Int("rows", report.TotalRows).
				Int("overlap_groups", report.OverlapGroupCount).
				Int("high_risk_groups", report.HighRiskGroupCount).
				Msg("[geo-gate] project scanned")
			reports[i] = report
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	total := 0
	names := make([]string, 0, len(reports))
	for _, r := range reports {
		total += r.HighRiskGroupCount
		names = append(names, r.Project)
	}
	report := &Report{
		GeneratedAt: g.clock.Now().UTC().Format(time.RFC3339),
		Thresholds:  th,
		Summary: Summary{
			ProjectsChecked:     names,
			TotalHighRiskGroups: total,
			GatePassed:          total <= th.MaxHighRiskGroups,
		},
		Projects: reports,
	}

	if params.ReportPath != "" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode gate report: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(params.ReportPath), 0o755); err != nil {
			return nil, fmt.Errorf("create report dir: %w", err)
		}
		if err := runs.WriteFileAtomic(params.ReportPath, append(data, '\n'), 0o644); err != nil {
			return nil, fmt.Errorf("write gate report: %w", err)
		}
		g.logger.Info().Str("report", params.ReportPath).Msg("[geo-gate] report written")
	}

	g.logger.Info().
		Str("projects", strings.Join(names, ",")).
		Int("high_risk_groups", total).
		Int("threshold", th.MaxHighRiskGroups).
		Bool("passed", report.Summary.GatePassed).
		Msg("[geo-gate] gate evaluated")
	return report, nil
}

func (g *Gate) loadFusedRows(project *config.Project, override string) (string, []events.Record, error) {
	runID := events.Clean(override)
	if runID == "" {
		pointer, err := runs.ReadPointer(project.RootDir(g.dataDir))
		if err != nil {
			return "", nil, fmt.Errorf("project %s: %w", project.Name, err)
		}
		runID = events.Clean(pointer["fused_run_id"])
	}
	if runID == "" {
		return "", nil, fmt.Errorf("project %s: no fused run to gate", project.Name)
	}
	fusedPath := filepath.Join(project.FusedDir, runID, "events_fused.jsonl")
	rows, _, err := events.LoadJSONL(fusedPath)
	if err != nil {
		return "", nil, fmt.Errorf("project %s: %w", project.Name, err)
	}
	return runID, rows, nil
}

// analyzeProject groups parseable coordinates after rounding to six decimals
// and inspects every group of two or more rows. Groups keep first-seen order
// before the risk sort so equal-risk groups stay in file order.
func analyzeProject(name, runID string, rows []events.Record, th Thresholds) *ProjectReport {
	type point struct{ lat, lng float64 }
	var order []point
	grouped := make(map[point][]events.Record)
	valid := 0
	for _, row := range rows {
		lat, okLat := row.Coord("lat")
		lng, okLng := row.Coord("lng")
		if !okLat || !okLng {
			continue
		}
		valid++
		p := point{round6(lat), round6(lng)}
		if _, ok := grouped[p]; !ok {
			order = append(order, p)
		}
		grouped[p] = append(grouped[p], row)
	}

	report := &ProjectReport{
		Project:             name,
		RunID:               runID,
		TotalRows:           len(rows),
		ValidCoordinateRows: valid,
	}

	var suspicious []*SuspiciousGroup
	for _, p := range order {
		members := grouped[p]
		if len(members) < 2 {
			continue
		}
		report.OverlapGroupCount++
		report.OverlapRecordCount += len(members)
		group := inspectGroup(p.lat, p.lng, members, th)
		metrics.GeoGateGroups.WithLabelValues("overlap").Inc()
		if group.IsHighRisk {
			report.HighRiskGroupCount++
			metrics.GeoGateGroups.WithLabelValues("high_risk").Inc()
		}
		suspicious = append(suspicious, group)
	}

	sort.SliceStable(suspicious, func(i, j int) bool {
		a, b := suspicious[i], suspicious[j]
		if a.IsHighRisk != b.IsHighRisk {
			return a.IsHighRisk
		}
		if a.GroupSize != b.GroupSize {
			return a.GroupSize > b.GroupSize
		}
		if a.UniqueVenues != b.UniqueVenues {
			return a.UniqueVenues > b.UniqueVenues
		}
		return a.LowConfidenceRatio > b.LowConfidenceRatio
	})
	keep := max(1, th.TopN)
	if len(suspicious) > keep {
		suspicious = suspicious[:keep]
	}
	if suspicious == nil {
		suspicious = []*SuspiciousGroup{}
	}
	report.TopSuspiciousGroups = suspicious
	return report
}

func inspectGroup(lat, lng float64, members []events.Record, th Thresholds) *SuspiciousGroup {
	breakdown := make(map[string]int, 2)
	lowConf := 0
	venues := make(map[string]struct{})
	prefs := make(map[string]struct{})
	for _, row := range members {
		breakdown[sampleGeoSource(row)]++
		if lowConfidenceGeoSource(row["geo_source"]) {
			lowConf++
		}
		if venue := firstClean(row, "venue_name", "venue_address", "event_name"); venue != "" {
			venues[venue] = struct{}{}
		}
		if pref := gatePrefecture(row); pref != "" {
			prefs[pref] = struct{}{}
		}
	}
	ratio := float64(lowConf) / float64(len(members))

	reasons := []string{}
	if len(prefs) >= 2 {
		reasons = append(reasons, "cross_prefecture")
	}
	if len(members) >= th.MinGroupSize && len(venues) >= th.MinUniqueVenues && ratio >= th.MinLowConfidenceRatio {
		reasons = append(reasons, "multi_venue_low_conf")
	}

	samples := make([]GroupSample, 0, min(5, len(members)))
	for _, row := range members[:min(5, len(members))] {
		samples = append(samples, GroupSample{
			CanonicalID: row.Clean("canonical_id"),
			EventName:   row.Clean("event_name"),
			VenueName:   row.Clean("venue_name"),
			Prefecture:  gatePrefecture(row),
			GeoSource:   sampleGeoSource(row),
		})
	}

	return &SuspiciousGroup{
		Lat:                lat,
		Lng:                lng,
		GroupSize:          len(members),
		UniqueVenues:       len(venues),
		UniquePrefectures:  len(prefs),
		LowConfidenceRatio: round4(ratio),
		GeoSourceBreakdown: breakdown,
		IsHighRisk:         len(reasons) > 0,
		RiskReasons:        reasons,
		Samples:            samples,
	}
}

// lowConfidenceGeoSource mirrors the fusion engine's overlap heuristic: an
// empty source, a prefecture-center fallback, or any network geocode could
// all have produced a shared bogus point.
func lowConfidenceGeoSource(source string) bool {
	s := events.Clean(source)
	if s == "" {
		return true
	}
	return s == "missing" || s == "pref_center_fallback" || strings.HasPrefix(s, "network_geocode")
}

// gatePrefecture trusts an explicit prefecture field as-is and otherwise
// falls back to pattern extraction over the venue fields.
func gatePrefecture(r events.Record) string {
	if pref := r.Clean("prefecture"); pref != "" {
		return pref
	}
	return events.RecordPrefecture(r)
}

func sampleGeoSource(r events.Record) string {
	if s := r.Clean("geo_source"); s != "" {
		return s
	}
	return "missing"
}

func firstClean(r events.Record, keys ...string) string {
	for _, key := range keys {
		if v := r.Clean(key); v != "" {
			return v
		}
	}
	return ""
}

func round6(v float64) float64 { return math.Round(v*1e6) / 1e6 }

func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }
