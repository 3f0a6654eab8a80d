package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestRecordUnmarshalJSON_StringifiesScalars(t *testing.T) {
	raw := `{"event_name":"隅田川花火大会","lat":35.71,"launch_count":20000,"paid_seat":true,"city":null,"extra":{"a":1}}`
	var r Record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	tests := []struct {
		key      string
		expected string
	}{
		{"event_name", "隅田川花火大会"},
		{"lat", "35.71"},
		{"launch_count", "20000"},
		{"paid_seat", "true"},
		{"city", ""},
		{"extra", `{"a":1}`},
	}
	for _, tt := range tests {
		if got := r[tt.key]; got != tt.expected {
			t.Errorf("r[%q] = %q, want %q", tt.key, got, tt.expected)
		}
	}
}

func TestRecordAccessors(t *testing.T) {
	r := Record{
		"event_name": "  夏祭り 　",
		"lat":        "35.681236",
		"sites":      "a|b||c",
	}
	if got := r.Field("event_name"); got != "夏祭り" {
		t.Errorf("Field trims = %q", got)
	}
	if got := r.Clean("event_name"); got != "夏祭り" {
		t.Errorf("Clean = %q", got)
	}
	if v, ok := r.Coord("lat"); !ok || v != 35.681236 {
		t.Errorf("Coord = %v/%v", v, ok)
	}
	if _, ok := r.Coord("missing"); ok {
		t.Error("Coord on absent key should fail")
	}
	got := r.SplitList("sites")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("SplitList = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("SplitList[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	clone := r.Clone()
	clone["event_name"] = "changed"
	if r["event_name"] == "changed" {
		t.Error("Clone must not share storage")
	}
}

func TestSplitFlexibleList(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"https://a.example/1|https://b.example/2", []string{"https://a.example/1", "https://b.example/2"}},
		{" https://a.example/1 | https://b.example/2 ", []string{"https://a.example/1", "https://b.example/2"}},
		{`["https://a.example/1", " https://b.example/2 ", ""]`, []string{"https://a.example/1", "https://b.example/2"}},
		{"[oops", []string{"[oops"}},
		{"   ", nil},
	}
	for _, tt := range tests {
		got := SplitFlexibleList(tt.input)
		if len(got) != len(tt.want) {
			t.Errorf("SplitFlexibleList(%q) = %v, want %v", tt.input, got, tt.want)
			continue
		}
		for i := range tt.want {
			if got[i] != tt.want[i] {
				t.Errorf("SplitFlexibleList(%q)[%d] = %q, want %q", tt.input, i, got[i], tt.want[i])
			}
		}
	}
}

func TestParseCoordAndFormatCoord(t *testing.T) {
	if _, ok := ParseCoord(""); ok {
		t.Error("empty string is not a coordinate")
	}
	if _, ok := ParseCoord("35.6,139.7"); ok {
		t.Error("pair is not a single coordinate")
	}
	v, ok := ParseCoord(" 35.681236 ")
	if !ok || v != 35.681236 {
		t.Errorf("ParseCoord = %v/%v", v, ok)
	}
	if got := FormatCoord(35.681236); got != "35.681236" {
		t.Errorf("FormatCoord = %q", got)
	}
	if got := FormatCoord(140.74); got != "140.74" {
		t.Errorf("FormatCoord keeps shortest form, got %q", got)
	}
}

func TestJoinAndSplitPipe(t *testing.T) {
	joined := JoinPipe([]string{"a", "b"})
	if joined != "a|b" {
		t.Errorf("JoinPipe = %q", joined)
	}
	parts := SplitPipe("|a||b|")
	if len(parts) != 2 || parts[0] != "a" || parts[1] != "b" {
		t.Errorf("SplitPipe = %v", parts)
	}
	if parts := SplitPipe(""); parts != nil {
		t.Errorf("SplitPipe(\"\") = %v, want nil", parts)
	}
}

func TestLoadSiteRows(t *testing.T) {
	dir := t.TempDir()
	jalan := filepath.Join(dir, "jalan.jsonl")
	content := `{"event_name":"A","source_url":"https://a"}
not json at all

{"event_name":"B","source_site":"custom","lat":35.5}
`
	if err := os.WriteFile(jalan, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	rows, skipped, err := LoadSiteRows(dir, []string{"jalan", "absent_site"})
	if err != nil {
		t.Fatalf("LoadSiteRows: %v", err)
	}
	if skipped != 1 {
		t.Errorf("skipped = %d, want 1 bad JSON line", skipped)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0].Field("source_site") != "jalan" {
		t.Errorf("source_site defaulted = %q, want jalan", rows[0].Field("source_site"))
	}
	if rows[1].Field("source_site") != "custom" {
		t.Errorf("explicit source_site = %q, want custom", rows[1].Field("source_site"))
	}
	if rows[1].Field("lat") != "35.5" {
		t.Errorf("numeric field = %q, want 35.5", rows[1].Field("lat"))
	}
}
