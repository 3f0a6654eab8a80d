package geocoding

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"

	"github.com/boogieLing/Tsugie/internal/runs"
)

var cacheHeader = []string{"query", "lat", "lng", "status", "title", "error", "updated_at"}

// cacheEntry is one remembered geocode outcome. Failures are remembered too
// so reruns never re-pay for queries already known to miss.
type cacheEntry struct {
	Query     string
	Lat       string
	Lng       string
	Status    string
	Title     string
	Err       string
	UpdatedAt string
}

// loadCache reads the CSV cache. A missing file is an empty cache.
func loadCache(path string) (map[string]cacheEntry, error) {
	if path == "" {
		return map[string]cacheEntry{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]cacheEntry{}, nil
		}
		return nil, fmt.Errorf("open geocode cache: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	entries := map[string]cacheEntry{}
	first := true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read geocode cache: %w", err)
		}
		if first {
			first = false
			if len(rec) > 0 && rec[0] == "query" {
				continue
			}
		}
		if len(rec) < 7 {
			continue
		}
		e := cacheEntry{
			Query: rec[0], Lat: rec[1], Lng: rec[2],
			Status: rec[3], Title: rec[4], Err: rec[5], UpdatedAt: rec[6],
		}
		if e.Query == "" || e.Status == "" {
			continue
		}
		entries[e.Query] = e
	}
	return entries, nil
}

// saveCache writes entries back in sorted query order and swaps the file
// atomically so a crash mid-save cannot truncate the cache.
func saveCache(path string, entries map[string]cacheEntry) error {
	if path == "" {
		return nil
	}
	queries := make([]string, 0, len(entries))
	for q := range entries {
		queries = append(queries, q)
	}
	sort.Strings(queries)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(cacheHeader); err != nil {
		return fmt.Errorf("write geocode cache: %w", err)
	}
	for _, q := range queries {
		e := entries[q]
		if err := w.Write([]string{e.Query, e.Lat, e.Lng, e.Status, e.Title, e.Err, e.UpdatedAt}); err != nil {
			return fmt.Errorf("write geocode cache: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write geocode cache: %w", err)
	}
	return runs.WriteFileAtomic(path, buf.Bytes(), 0o644)
}
