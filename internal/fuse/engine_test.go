package fuse

import (
	"bufio"
	"context"
	"encoding/csv"
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
	"github.com/boogieLing/Tsugie/internal/geocoding"
)

func testProject(t *testing.T) *config.Project {
	t.Helper()
	root := t.TempDir()
	return &config.Project{
		Name:             "hanabi_test",
		Category:         "hanabi",
		Sites:            []string{"alpha", "beta"},
		SiteWeights:      map[string]int{"alpha": 8, "beta": 2},
		RawDir:           filepath.Join(root, "raw"),
		FusedDir:         filepath.Join(root, "fused"),
		LogDir:           filepath.Join(root, "logs"),
		AliasMap:         filepath.Join(root, "alias.csv"),
		IncompleteFields: events.HanabiIncompleteCheckFields,
	}
}

func writeSiteJSONL(t *testing.T, dir, site string, rows []map[string]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	f, err := os.Create(filepath.Join(dir, site+".jsonl"))
	require.NoError(t, err)
	defer f.Close()
	for _, row := range rows {
		line, err := json.Marshal(row)
		require.NoError(t, err)
		f.Write(line)
		f.Write([]byte("\n"))
	}
}

func readFusedJSONL(t *testing.T, path string) map[string]events.Record {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	out := map[string]events.Record{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec events.Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		out[rec["canonical_id"]] = rec
	}
	require.NoError(t, scanner.Err())
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

// fakeGeocoder replays canned responses by exact query text and falls back
// to no_result, mirroring a cold cache over a sparse upstream.
type fakeGeocoder struct {
	responses map[string]geocoding.Response
	queries   []string
	saveCalls int
}

func (g *fakeGeocoder) Geocode(_ context.Context, query string) geocoding.Response {
	g.queries = append(g.queries, query)
	if resp, ok := g.responses[query]; ok {
		resp.Query = query
		return resp
	}
	return geocoding.Response{Query: query, Status: geocoding.StatusNoResult}
}

func (g *fakeGeocoder) SaveCache() error {
	g.saveCalls++
	return nil
}

func okResponse(lat, lng float64, title string) geocoding.Response {
	return geocoding.Response{Status: geocoding.StatusOK, Lat: lat, Lng: lng, HasCoord: true, Title: title}
}

func TestRun_GroupsVotesAndArtifacts(t *testing.T) {
	project := testProject(t)
	writeSiteJSONL(t, project.RawDir, "alpha", []map[string]string{{
		"event_name":       "第48回 隅田川花火大会",
		"event_date_start": "2026-07-26",
		"venue_name":       "隅田川",
		"venue_address":    "東京都墨田区向島",
		"lat":              "35.7100627",
		"lng":              "139.8107004",
		"launch_count":     "20000",
		"source_url":       "https://alpha.example/sumida",
	}})
	writeSiteJSONL(t, project.RawDir, "beta", []map[string]string{{
		"event_name":       "隅田川花火大会(墨田区)",
		"event_date_start": "2026年7月26日",
		"venue_name":       "隅田川",
		"venue_address":    "東京都墨田区",
		"launch_count":     "約20,000発",
		"organizer":        "隅田川花火大会実行委員会",
		"source_url":       "https://beta.example/sumida",
	}})

	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	engine := NewEngine(project, WithClock(clk))

	summary, err := engine.Run(context.Background(), Params{})
	require.NoError(t, err)

	assert.Equal(t, "20260301_120000", summary.RunID)
	assert.Equal(t, 2, summary.InputRowsRaw)
	assert.Equal(t, 2, summary.InputRows)
	assert.False(t, summary.YearFilterEnabled)
	assert.Equal(t, 1, summary.GroupCount)
	assert.Equal(t, 0, summary.SkippedLines)

	fused := readFusedJSONL(t, summary.FusedJSONL)
	require.Len(t, fused, 1)
	row := fused["E000001"]
	require.NotNil(t, row)

	// higher-weight site wins conflicting fields
	assert.Equal(t, "第48回 隅田川花火大会", row["event_name"])
	assert.Equal(t, "20000", row["launch_count"])
	assert.Equal(t, "東京都墨田区向島", row["venue_address"])
	// a field only one member carries survives the vote
	assert.Equal(t, "隅田川花火大会実行委員会", row["organizer"])

	assert.Equal(t, "2", row["source_count"])
	assert.Equal(t, "alpha|beta", row["source_sites"])
	assert.Equal(t, "https://alpha.example/sumida|https://beta.example/sumida", row["source_urls"])
	assert.Equal(t, "2026", row["event_year"])
	assert.Equal(t, "2026-03-01T12:00:00Z", row["fused_at"])

	// coordinates already on the winner are kept as-is
	assert.Equal(t, "source_exact", row["geo_source"])
	assert.Equal(t, "35.7100627", row["lat"])

	// start time is unknown, so the row is flagged for refresh
	assert.Equal(t, "1", row["is_info_incomplete"])
	assert.Equal(t, "event_time_start:missing", row["incomplete_fields"])
	assert.Equal(t, "high", row["update_priority"])
	assert.Equal(t, 1, summary.IncompleteCount)

	csvRows := readCSVFile(t, summary.FusedCSV)
	require.Len(t, csvRows, 2)
	assert.Equal(t, fusedCSVColumns, csvRows[0])

	dedup := readCSVFile(t, summary.DedupLog)
	require.Len(t, dedup, 3)
	assert.Equal(t, dedupLogColumns, dedup[0])
	assert.Equal(t, "canonical", dedup[1][9])
	assert.Equal(t, "merged", dedup[2][9])

	incomplete := readCSVFile(t, summary.IncompleteLog)
	require.Len(t, incomplete, 2)
	assert.Equal(t, "alpha", incomplete[1][7], "highest-weight member drives the refresh")
	assert.Equal(t, "detail_url_refetch", incomplete[1][9])
}

func TestRun_StrictYearFilter(t *testing.T) {
	project := testProject(t)
	writeSiteJSONL(t, project.RawDir, "alpha", []map[string]string{
		{"event_name": "長岡まつり大花火大会", "event_date_start": "2026-08-02", "source_url": "https://alpha.example/nagaoka"},
		{"event_name": "熱海海上花火大会", "event_date_start": "2025-08-05", "source_url": "https://alpha.example/atami"},
		{"event_name": "日程未定の祭典", "event_date_start": "", "source_url": "https://alpha.example/pending"},
	})

	engine := NewEngine(project)
	summary, err := engine.Run(context.Background(), Params{TargetYear: "2026", StrictYear: true})
	require.NoError(t, err)

	assert.True(t, summary.YearFilterEnabled)
	assert.Equal(t, "2026", summary.TargetYear)
	assert.Equal(t, 3, summary.InputRowsRaw)
	assert.Equal(t, 1, summary.InputRowsAfterYearFilter)
	assert.Equal(t, 2, summary.YearDroppedRows, "wrong-year and yearless rows are both dropped")
	assert.Equal(t, 1, summary.GroupCount)

	fused := readFusedJSONL(t, summary.FusedJSONL)
	require.Len(t, fused, 1)
	assert.Equal(t, "長岡まつり大花火大会", fused["E000001"]["event_name"])
}

func TestRun_BadLinesCounted(t *testing.T) {
	project := testProject(t)
	require.NoError(t, os.MkdirAll(project.RawDir, 0o755))
	raw := `{"event_name":"葛飾納涼花火大会","event_date_start":"2026-07-21","source_url":"https://alpha.example/katsushika"}
not json at all
{"event_name":"いたばし花火大会","event_date_start":"2026-08-01","source_url":"https://alpha.example/itabashi"}
`
	require.NoError(t, os.WriteFile(filepath.Join(project.RawDir, "alpha.jsonl"), []byte(raw), 0o644))

	summary, err := NewEngine(project).Run(context.Background(), Params{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SkippedLines)
	assert.Equal(t, 2, summary.GroupCount)
}

func TestRun_GeocodeLadder(t *testing.T) {
	project := testProject(t)
	writeSiteJSONL(t, project.RawDir, "alpha", []map[string]string{
		{"event_name": "隅田川花火大会", "event_date_start": "2026-07-26", "venue_address": "東京都墨田区向島", "source_url": "https://alpha.example/1"},
		{"event_name": "さっぽろ夏まつり", "event_date_start": "2026-07-20", "venue_address": "北海道札幌市中央区大通公園", "source_url": "https://alpha.example/2"},
		{"event_name": "長岡まつり大花火大会", "event_date_start": "2026-08-02", "prefecture": "新潟県", "source_url": "https://alpha.example/3"},
		{"event_name": "全国花火競技大会", "event_date_start": "2026-10-03", "venue_address": "秋田県大仙市雄物川河畔", "source_url": "https://alpha.example/4"},
		{"event_name": "祭り", "source_url": "https://alpha.example/go"},
	})

	geo := &fakeGeocoder{responses: map[string]geocoding.Response{
		"東京都墨田区向島": okResponse(35.7106, 139.8097, "向島, 墨田区"),
		"北海道札幌市中央区大通公園": {
			Status: geocoding.StatusCachedOK, Lat: 43.0595, Lng: 141.3469,
			HasCoord: true, CacheHit: true, Title: "大通公園, 札幌市",
		},
		"新潟県長岡まつり大花火大会": okResponse(37.4468, 138.8412, "長生橋, 長岡市"),
	}}
	engine := NewEngine(project, WithGeocoder(geo))

	summary, err := engine.Run(context.Background(), Params{})
	require.NoError(t, err)

	fused := readFusedJSONL(t, summary.FusedJSONL)
	require.Len(t, fused, 5)

	assert.Equal(t, "network_geocode", fused["E000001"]["geo_source"])
	assert.Equal(t, "35.7106", fused["E000001"]["lat"])

	assert.Equal(t, "network_geocode_cache", fused["E000002"]["geo_source"])

	// a title-derived hit is marked so downstream treats it as low confidence
	assert.Equal(t, "network_geocode_title", fused["E000003"]["geo_source"])

	assert.Equal(t, "pref_center_fallback", fused["E000004"]["geo_source"])
	assert.Equal(t, "39.71861", fused["E000004"]["lat"])

	assert.Equal(t, "missing", fused["E000005"]["geo_source"])
	assert.Equal(t, "", fused["E000005"]["lat"])

	assert.Equal(t, 3, summary.GeocodeResolved)
	assert.Equal(t, 1, summary.GeocodeCacheHits)
	assert.GreaterOrEqual(t, summary.GeocodeAttempted, 3)
	assert.Equal(t, 1, geo.saveCalls)

	geocodeLog := readCSVFile(t, summary.GeocodeLog)
	assert.Equal(t, geocodeLogColumns, geocodeLog[0])
	var skipped, fallback int
	for _, row := range geocodeLog[1:] {
		switch row[3] {
		case "skipped_no_query":
			skipped++
		case "fallback_pref_center":
			fallback++
		}
	}
	assert.Equal(t, 1, skipped, "the unlocatable row logs one skipped_no_query entry")
	assert.Equal(t, 1, fallback)
}

func TestRun_OverlapRepair(t *testing.T) {
	project := testProject(t)
	writeSiteJSONL(t, project.RawDir, "alpha", []map[string]string{
		{
			"event_name": "ふちゅう曲水の宴", "event_date_start": "2026-09-01",
			"venue_name": "速星神社", "venue_address": "富山県富山市婦中町速星",
			"source_url": "https://alpha.example/kyokusui",
		},
		{
			"event_name": "おわら風の盆", "event_date_start": "2026-09-03",
			"venue_name": "八尾曳山展示館", "venue_address": "富山県富山市八尾町上新町",
			"source_url": "https://alpha.example/owara",
		},
	})

	// both rows fail the normal ladder and collapse onto the prefecture
	// center; the repair ladder's combined queries pull them apart
	geo := &fakeGeocoder{responses: map[string]geocoding.Response{
		"速星神社富山県富山市婦中町速星":    okResponse(36.7005, 137.1786, "速星神社"),
		"八尾曳山展示館富山県富山市八尾町上新町": okResponse(36.5751, 137.1337, "八尾曳山展示館"),
	}}
	engine := NewEngine(project, WithGeocoder(geo))

	summary, err := engine.Run(context.Background(), Params{})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.OverlapGroupsDetected)
	assert.Equal(t, 2, summary.OverlapRowsConsidered)
	assert.Equal(t, 2, summary.OverlapRepairResolved)
	assert.Equal(t, 0, summary.OverlapRepairSkippedNoQuery)

	fused := readFusedJSONL(t, summary.FusedJSONL)
	require.Len(t, fused, 2)
	assert.Equal(t, "network_geocode_overlap_repair", fused["E000001"]["geo_source"])
	assert.Equal(t, "36.7005", fused["E000001"]["lat"])
	assert.Equal(t, "network_geocode_overlap_repair", fused["E000002"]["geo_source"])
	assert.Equal(t, "36.5751", fused["E000002"]["lat"])

	overlapLog := readCSVFile(t, summary.OverlapRepairLog)
	assert.Equal(t, overlapLogColumns, overlapLog[0])
	require.GreaterOrEqual(t, len(overlapLog), 3)
	// old coordinates are the shared prefecture center
	assert.Equal(t, "36.69528", overlapLog[1][7])
	assert.Equal(t, "137.21139", overlapLog[1][8])
}

func TestRun_OverlapKeepsConfidentPoints(t *testing.T) {
	project := testProject(t)
	// same coordinates, but source_exact rows are never second-guessed
	writeSiteJSONL(t, project.RawDir, "alpha", []map[string]string{
		{
			"event_name": "神宮外苑花火大会", "event_date_start": "2026-08-10",
			"lat": "35.674", "lng": "139.717", "source_url": "https://alpha.example/jingu",
		},
		{
			"event_name": "明治神宮奉納祭", "event_date_start": "2026-08-11",
			"lat": "35.674", "lng": "139.717", "source_url": "https://alpha.example/meiji",
		},
	})

	geo := &fakeGeocoder{responses: map[string]geocoding.Response{}}
	summary, err := NewEngine(project, WithGeocoder(geo)).Run(context.Background(), Params{})
	require.NoError(t, err)

	assert.Equal(t, 0, summary.OverlapGroupsDetected)
	assert.Equal(t, 0, summary.OverlapRepairAttempted)

	fused := readFusedJSONL(t, summary.FusedJSONL)
	assert.Equal(t, "source_exact", fused["E000001"]["geo_source"])
	assert.Equal(t, "source_exact", fused["E000002"]["geo_source"])
}

func TestRun_AliasMapMergesSpellings(t *testing.T) {
	project := testProject(t)
	aliasCSV := "alias_name,canonical_name\n土浦全国花火競技大会,全国花火競技大会\n"
	require.NoError(t, os.WriteFile(project.AliasMap, []byte(aliasCSV), 0o644))

	writeSiteJSONL(t, project.RawDir, "alpha", []map[string]string{{
		"event_name": "全国花火競技大会", "event_date_start": "2026-10-03",
		"venue_address": "秋田県大仙市", "source_url": "https://alpha.example/omagari",
	}})
	writeSiteJSONL(t, project.RawDir, "beta", []map[string]string{{
		"event_name": "土浦全国花火競技大会", "event_date_start": "2026-10-03",
		"venue_address": "秋田県大仙市", "source_url": "https://beta.example/omagari",
	}})

	summary, err := NewEngine(project).Run(context.Background(), Params{})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.AliasMapEntries)
	assert.Equal(t, 1, summary.GroupCount, "aliased spellings fuse into one event")

	dedup := readCSVFile(t, summary.DedupLog)
	require.Len(t, dedup, 3)
	applied := map[string]string{}
	for _, row := range dedup[1:] {
		applied[row[3]] = row[8]
	}
	assert.Equal(t, "0", applied["alpha"])
	assert.Equal(t, "1", applied["beta"])
}

func TestRun_ContextCancelled(t *testing.T) {
	project := testProject(t)
	writeSiteJSONL(t, project.RawDir, "alpha", []map[string]string{
		{"event_name": "隅田川花火大会", "event_date_start": "2026-07-26", "source_url": "https://alpha.example/1"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEngine(project).Run(ctx, Params{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestLowConfidenceGeoSource(t *testing.T) {
	tests := []struct {
		source string
		want   bool
	}{
		{"", true},
		{"missing", true},
		{"pref_center_fallback", true},
		{"network_geocode", true},
		{"network_geocode_title_cache", true},
		{"network_geocode_overlap_repair", true},
		{"source_exact", false},
		{"manual", false},
	}
	for _, tt := range tests {
		t.Run(strings.ReplaceAll(tt.source, " ", "_"), func(t *testing.T) {
			if got := lowConfidenceGeoSource(tt.source); got != tt.want {
				t.Errorf("lowConfidenceGeoSource(%q) = %v, want %v", tt.source, got, tt.want)
			}
		})
	}
}
