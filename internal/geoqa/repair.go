package geoqa

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/boogieLing/Tsugie/internal/domain/events"
	"github.com/boogieLing/Tsugie/internal/metrics"
	"github.com/boogieLing/Tsugie/internal/runs"
)

// tokyoStationDefault is the hard-coded fallback point early fused runs
// carried for rows whose region never resolved.
var tokyoStationDefault = events.Coordinate{Lat: 35.681236, Lng: 139.767125}

// coordEpsilon bounds coordinate equality after JSON round-trips.
const coordEpsilon = 1e-6

// RepairParams configures one repair pass over a fused JSONL file.
type RepairParams struct {
	Input string

	// Output defaults to Input, rewriting the file atomically in place.
	Output string

	// MetricsPath receives the repair metrics JSON when non-empty.
	MetricsPath string

	// Backup writes Input+".bak" before the output swap.
	Backup bool
}

// RepairMetrics summarizes one repair pass. Stats counts rows per ladder
// action.
type RepairMetrics struct {
	Input   string         `json:"input"`
	Output  string         `json:"output"`
	RowsIn  int            `json:"rows_in"`
	RowsOut int            `json:"rows_out"`
	Stats   map[string]int `json:"stats"`
}

// Repair rewrites a fused JSONL file so every row carries an explicit
// geo_source and no row keeps the legacy Tokyo Station point for an unknown
// region.
func Repair(params RepairParams) (*RepairMetrics, error) {
	input := strings.TrimSpace(params.Input)
	if input == "" {
		return nil, errors.New("repair input path is empty")
	}
	output := strings.TrimSpace(params.Output)
	if output == "" {
		output = input
	}

	rows, _, err := events.LoadJSONL(input)
	if err != nil {
		return nil, fmt.Errorf("load fused rows: %w", err)
	}

	stats := make(map[string]int)
	var buf bytes.Buffer
	for _, row := range rows {
		line, err := json.Marshal(repairRow(row, stats))
		if err != nil {
			return nil, fmt.Errorf("encode repaired row: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	if params.Backup {
		raw, err := os.ReadFile(input)
		if err != nil {
			return nil, fmt.Errorf("read input for backup: %w", err)
		}
		if err := runs.WriteFileAtomic(input+".bak", raw, 0o644); err != nil {
			return nil, fmt.Errorf("write backup: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	if err := runs.WriteFileAtomic(output, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("write repaired rows: %w", err)
	}

	result := &RepairMetrics{
		Input:   input,
		Output:  output,
		RowsIn:  len(rows),
		RowsOut: len(rows),
		Stats:   stats,
	}
	if params.MetricsPath != "" {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode repair metrics: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(params.MetricsPath), 0o755); err != nil {
			return nil, fmt.Errorf("create metrics dir: %w", err)
		}
		if err := runs.WriteFileAtomic(params.MetricsPath, append(data, '\n'), 0o644); err != nil {
			return nil, fmt.Errorf("write repair metrics: %w", err)
		}
	}
	return result, nil
}

// repairRow classifies one row. Order matters: coordinate validity first,
// the legacy Tokyo fallback second, and an existing geo_source wins over
// re-derivation.
func repairRow(row events.Record, stats map[string]int) events.Record {
	out := row.Clone()
	pref := repairPrefecture(row)
	lat, okLat := row.Coord("lat")
	lng, okLng := row.Coord("lng")

	if !(okLat && okLng && lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180) {
		return wipeCoord(out, stats, "set_missing_invalid_coord")
	}
	if sameCoord(lat, lng, tokyoStationDefault) && pref == "" {
		return wipeCoord(out, stats, "removed_tokyo_default_unresolved")
	}
	if source := row.Clean("geo_source"); source != "" {
		out["geo_source"] = source
		bump(stats, "keep_existing_geo_source")
		return out
	}
	if pref != "" {
		if center, ok := events.PrefectureCenter(pref); ok && sameCoord(lat, lng, center) {
			out["geo_source"] = "pref_center_fallback"
			bump(stats, "derive_pref_center_fallback")
			return out
		}
	}
	out["geo_source"] = "source_exact"
	bump(stats, "derive_source_exact")
	return out
}

func wipeCoord(out events.Record, stats map[string]int, action string) events.Record {
	out["lat"] = ""
	out["lng"] = ""
	out["geo_source"] = "missing"
	bump(stats, action)
	return out
}

func bump(stats map[string]int, action string) {
	stats[action]++
	metrics.GeoRepairRows.WithLabelValues(action).Inc()
}

func sameCoord(lat, lng float64, ref events.Coordinate) bool {
	return math.Abs(lat-ref.Lat) <= coordEpsilon && math.Abs(lng-ref.Lng) <= coordEpsilon
}

// repairPrefecture resolves a prefecture only when it is one of the 47 known
// names, since the center-table comparison is what the caller needs it for.
func repairPrefecture(r events.Record) string {
	if pref := r.Clean("prefecture"); pref != "" {
		if _, ok := events.PrefectureCenter(pref); ok {
			return pref
		}
	}
	if cand := events.RecordPrefecture(r); cand != "" {
		if _, ok := events.PrefectureCenter(cand); ok {
			return cand
		}
	}
	return ""
}
