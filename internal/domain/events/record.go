package events

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// Record is one flat event observation. The upstream crawler feeds carry
// free-form fields, so a record is a string bag: unknown keys survive
// untouched until the fused projection picks per-field winners.
type Record map[string]string

// Field returns the trimmed value for key ("" when absent).
func (r Record) Field(key string) string {
	return strings.TrimSpace(r[key])
}

// Clean returns the whitespace-collapsed value for key.
func (r Record) Clean(key string) string {
	return Clean(r[key])
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Coord parses the named field as a coordinate.
func (r Record) Coord(key string) (float64, bool) {
	return ParseCoord(r.Field(key))
}

// SplitList splits a pipe-joined multi-value field.
func (r Record) SplitList(key string) []string {
	return SplitPipe(r[key])
}

// ParseCoord parses a latitude/longitude cell. Empty and non-numeric values
// report false.
func ParseCoord(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// FormatCoord renders a coordinate the way fused rows store it: shortest
// round-trip decimal form.
func FormatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// JoinPipe joins a multi-value field for CSV/JSONL cells.
func JoinPipe(values []string) string {
	return strings.Join(values, "|")
}

// SplitPipe splits a pipe-joined cell, dropping empty segments.
func SplitPipe(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, "|") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// SplitFlexibleList splits a multi-value cell in either of its serialized
// shapes: a raw JSON array (how tolerant decoding leaves list fields) or a
// pipe-joined string. Anything else is treated as pipe-joined.
func SplitFlexibleList(value string) []string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var items []string
		if err := json.Unmarshal([]byte(trimmed), &items); err == nil {
			var out []string
			for _, item := range items {
				if item = strings.TrimSpace(item); item != "" {
					out = append(out, item)
				}
			}
			return out
		}
	}
	return SplitPipe(value)
}

// UnmarshalJSON decodes a JSON object into the bag, stringifying scalar
// values. Numbers and booleans keep their literal JSON text; null becomes
// ""; nested arrays/objects are kept as raw JSON.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Record, len(raw))
	for k, v := range raw {
		out[k] = stringifyJSONValue(v)
	}
	*r = out
	return nil
}

func stringifyJSONValue(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	if s[0] == '"' {
		var out string
		if err := json.Unmarshal(raw, &out); err == nil {
			return out
		}
	}
	return s
}

// maxJSONLine bounds a single raw JSONL line; enriched descriptions stay
// far below this.
const maxJSONLine = 16 << 20

// LoadJSONL reads one record per line from path, skipping blank and
// unparseable lines. The count of skipped lines is returned.
func LoadJSONL(path string) ([]Record, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var rows []Record
	skipped := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxJSONLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			skipped++
			continue
		}
		rows = append(rows, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, fmt.Errorf("read %s: %w", path, err)
	}
	return rows, skipped, nil
}

// LoadSiteRows reads <dir>/<site>.jsonl for every site id. Missing site
// files are skipped. Rows lacking source_site inherit the file's site id.
// Unparseable lines are skipped; the count of skipped lines is returned.
func LoadSiteRows(dir string, sites []string) ([]Record, int, error) {
	var rows []Record
	skipped := 0
	for _, site := range sites {
		path := filepath.Join(dir, site+".jsonl")
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, skipped, fmt.Errorf("open raw stream %s: %w", path, err)
		}

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), maxJSONLine)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var rec Record
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				skipped++
				continue
			}
			if rec.Field("source_site") == "" {
				rec["source_site"] = site
			}
			rows = append(rows, rec)
		}
		err = scanner.Err()
		_ = f.Close()
		if err != nil {
			return nil, skipped, fmt.Errorf("read raw stream %s: %w", path, err)
		}
	}
	return rows, skipped, nil
}
