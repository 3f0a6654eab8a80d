package fuse

import (
	"context"
	"math"
	"strings"

	"github.com/boogieLing/Tsugie/internal/domain/events"
	"github.com/boogieLing/Tsugie/internal/geocoding"
	"github.com/boogieLing/Tsugie/internal/metrics"
)

// coordEpsilon is the smallest coordinate change that counts as a repair.
const coordEpsilon = 1e-6

type overlapStats struct {
	GroupsDetected int
	RowsConsidered int
	Attempted      int
	Resolved       int
	CacheHits      int
	SkippedNoQuery int
}

// lowConfidenceGeoSource reports whether a geo_source could have produced a
// shared bogus point: nothing resolved, a prefecture center, or any network
// geocode (title lookups in particular collapse onto landmark coordinates).
func lowConfidenceGeoSource(source string) bool {
	s := events.Clean(source)
	if s == "" {
		return true
	}
	return s == "missing" || s == "pref_center_fallback" || strings.HasPrefix(s, "network_geocode")
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// repairOverlaps finds groups of fused rows collapsed onto one rounded
// coordinate where every member is low-confidence, then re-resolves each
// member through the repair query ladder. The first resolved point that
// actually moves the row is accepted. All attempts are logged.
func (e *Engine) repairOverlaps(ctx context.Context, fusedRows []events.Record, runID string) ([][]string, overlapStats) {
	var entries [][]string
	var stats overlapStats
	if e.geocoder == nil {
		return entries, stats
	}

	type point struct{ lat, lng float64 }
	var order []point
	grouped := make(map[point][]int)
	for idx, row := range fusedRows {
		lat, okLat := row.Coord("lat")
		lng, okLng := row.Coord("lng")
		if !okLat || !okLng {
			continue
		}
		p := point{round6(lat), round6(lng)}
		if _, ok := grouped[p]; !ok {
			order = append(order, p)
		}
		grouped[p] = append(grouped[p], idx)
	}

	var suspicious []point
	for _, p := range order {
		rowIdxs := grouped[p]
		if len(rowIdxs) < 2 {
			continue
		}
		allLow := true
		for _, idx := range rowIdxs {
			if !lowConfidenceGeoSource(fusedRows[idx]["geo_source"]) {
				allLow = false
				break
			}
		}
		if allLow {
			suspicious = append(suspicious, p)
		}
	}
	stats.GroupsDetected = len(suspicious)

	for _, p := range suspicious {
		oldLat := events.FormatCoord(p.lat)
		oldLng := events.FormatCoord(p.lng)
		for _, rowIdx := range grouped[p] {
			stats.RowsConsidered++
			row := fusedRows[rowIdx]
			canonicalID := row["canonical_id"]

			queries := buildOverlapRepairQueries(row)
			if len(queries) == 0 {
				stats.SkippedNoQuery++
				metrics.OverlapRepairs.WithLabelValues("skipped_no_query").Inc()
				entries = append(entries, []string{
					runID, canonicalID, "overlap_repair", "skipped_no_query",
					"", "", "0", oldLat, oldLng, "", "", "", "",
				})
				continue
			}

			for _, q := range queries {
				if ctx.Err() != nil {
					return entries, stats
				}
				stats.Attempted++
				metrics.OverlapRepairs.WithLabelValues("attempted").Inc()
				resp := e.geocoder.Geocode(ctx, q.text)
				if resp.CacheHit {
					stats.CacheHits++
				}
				entries = append(entries, []string{
					runID, canonicalID, "overlap_repair", resp.Status, q.strategy, resp.Query,
					boolCell(resp.CacheHit), oldLat, oldLng,
					resp.LatString(), resp.LngString(), resp.Title, resp.Err,
				})
				if !resp.Resolved() {
					continue
				}
				if math.Abs(resp.Lat-p.lat) <= coordEpsilon && math.Abs(resp.Lng-p.lng) <= coordEpsilon {
					continue
				}

				source := "network_geocode_overlap_repair"
				if strings.Contains(q.strategy, "event_name") {
					source = "network_geocode_overlap_repair_title"
				}
				if resp.Status == geocoding.StatusCachedOK {
					source += "_cache"
				}
				row["lat"] = resp.LatString()
				row["lng"] = resp.LngString()
				row["geo_source"] = source
				stats.Resolved++
				metrics.OverlapRepairs.WithLabelValues("resolved").Inc()
				break
			}
		}
	}

	return entries, stats
}
