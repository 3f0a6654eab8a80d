package fuse

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"

	"github.com/boogieLing/Tsugie/internal/domain/events"
)

// fusedCSVColumns is the fixed projection of the fused CSV. The JSONL rows
// keep every voted field; the CSV keeps this stable reporting shape.
var fusedCSVColumns = []string{
	"canonical_id", "event_year", "source_count",
	"event_name", "event_date_start", "event_date_end",
	"event_time_start", "event_time_end",
	"venue_name", "venue_address", "prefecture", "city",
	"lat", "lng", "geo_source",
	"launch_count", "launch_scale", "paid_seat",
	"access_text", "parking_text", "traffic_control_text",
	"rainout_policy", "contact", "weather_summary",
	"is_info_incomplete", "incomplete_field_count", "incomplete_fields",
	"update_priority", "source_sites", "source_urls",
}

var dedupLogColumns = []string{
	"run_id", "canonical_id", "dedup_key", "source_site", "source_url",
	"event_year", "name_norm_raw", "name_norm_canonical", "alias_applied", "action",
}

var geocodeLogColumns = []string{
	"run_id", "canonical_id", "source", "status", "query_strategy", "query",
	"cache_hit", "lat", "lng", "title", "error",
}

var overlapLogColumns = []string{
	"run_id", "canonical_id", "source", "status", "query_strategy", "query",
	"cache_hit", "old_lat", "old_lng", "new_lat", "new_lng", "title", "error",
}

var incompleteLogColumns = []string{
	"run_id", "canonical_id", "event_year", "event_name",
	"incomplete_field_count", "incomplete_fields", "update_priority",
	"primary_source_site", "primary_source_url", "refresh_method",
	"source_sites", "source_urls",
}

func writeRunArtifacts(paths runPaths, fusedRows []events.Record, dedupLog, geocodeLog, overlapLog, incompleteLog [][]string) error {
	if err := writeJSONLRecords(paths.fusedJSONL, fusedRows); err != nil {
		return err
	}
	if err := writeFusedCSV(paths.fusedCSV, fusedRows); err != nil {
		return err
	}
	if err := writeCSV(paths.dedupLog, dedupLogColumns, dedupLog); err != nil {
		return err
	}
	if err := writeCSV(paths.geocodeLog, geocodeLogColumns, geocodeLog); err != nil {
		return err
	}
	if err := writeCSV(paths.overlapLog, overlapLogColumns, overlapLog); err != nil {
		return err
	}
	return writeCSV(paths.incompleteLog, incompleteLogColumns, incompleteLog)
}

func writeJSONLRecords(path string, rows []events.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	w := bufio.NewWriter(f)
	for _, row := range rows {
		line, err := json.Marshal(row)
		if err != nil {
			f.Close()
			return fmt.Errorf("encode fused row %s: %w", row["canonical_id"], err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}

func writeFusedCSV(path string, rows []events.Record) error {
	records := make([][]string, 0, len(rows))
	for _, row := range rows {
		cells := make([]string, len(fusedCSVColumns))
		for i, col := range fusedCSVColumns {
			cells[i] = row[col]
		}
		records = append(records, cells)
	}
	return writeCSV(path, fusedCSVColumns, records)
}

func writeCSV(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			f.Close()
			return fmt.Errorf("write %s: %w", filepath.Base(path), err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}
