package enrich

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/boogieLing/Tsugie/internal/domain/events"
)

// Record is one enrichment output row, written to events_content.jsonl.
// Field names are shared with the scoring and export stages.
type Record struct {
	CanonicalID           string   `json:"canonical_id"`
	Category              string   `json:"category"`
	EventName             string   `json:"event_name"`
	EventDateStart        string   `json:"event_date_start"`
	EventDateEnd          string   `json:"event_date_end"`
	FusedRunID            string   `json:"fused_run_id"`
	DescriptionSourceURL  string   `json:"description_source_url"`
	RawDescription        string   `json:"raw_description"`
	PolishedDescription   string   `json:"polished_description"`
	OneLiner              string   `json:"one_liner"`
	PolishedDescriptionZH string   `json:"polished_description_zh"`
	OneLinerZH            string   `json:"one_liner_zh"`
	PolishedDescriptionEN string   `json:"polished_description_en"`
	OneLinerEN            string   `json:"one_liner_en"`
	ImageURLs             []string `json:"image_urls"`
	DownloadedImages      []string `json:"downloaded_images"`
	SourceURLs            []string `json:"source_urls"`
	SourceURLsSig         string   `json:"source_urls_sig"`
	Status                string   `json:"status"`
	Error                 string   `json:"error"`
	FetchedAt             string   `json:"fetched_at"`
	PolishMode            string   `json:"polish_mode"`
	PolishModel           string   `json:"polish_model"`
}

// normalize replaces nil slices so records always serialize list fields as
// arrays.
func (r *Record) normalize() {
	if r.ImageURLs == nil {
		r.ImageURLs = []string{}
	}
	if r.DownloadedImages == nil {
		r.DownloadedImages = []string{}
	}
	if r.SourceURLs == nil {
		r.SourceURLs = []string{}
	}
}

var contentCSVColumns = []string{
	"canonical_id",
	"category",
	"event_name",
	"event_date_start",
	"event_date_end",
	"fused_run_id",
	"description_source_url",
	"raw_description",
	"polished_description",
	"one_liner",
	"polished_description_zh",
	"one_liner_zh",
	"polished_description_en",
	"one_liner_en",
	"image_urls",
	"downloaded_images",
	"source_urls",
	"source_urls_sig",
	"status",
	"error",
	"fetched_at",
	"polish_mode",
	"polish_model",
}

func (r Record) csvRow() []string {
	return []string{
		r.CanonicalID,
		r.Category,
		r.EventName,
		r.EventDateStart,
		r.EventDateEnd,
		r.FusedRunID,
		r.DescriptionSourceURL,
		r.RawDescription,
		r.PolishedDescription,
		r.OneLiner,
		r.PolishedDescriptionZH,
		r.OneLinerZH,
		r.PolishedDescriptionEN,
		r.OneLinerEN,
		events.JoinPipe(r.ImageURLs),
		events.JoinPipe(r.DownloadedImages),
		events.JoinPipe(r.SourceURLs),
		r.SourceURLsSig,
		r.Status,
		r.Error,
		r.FetchedAt,
		r.PolishMode,
		r.PolishModel,
	}
}

var contentLogColumns = []string{
	"project",
	"canonical_id",
	"event_name",
	"status",
	"error",
	"source_url_count",
	"image_url_count",
	"downloaded_image_count",
}

// parseSourceURLs collects a fused row's source URLs: the source_urls list
// plus the single source_url field, deduped first-wins.
func parseSourceURLs(row events.Record) []string {
	urls := events.SplitFlexibleList(row["source_urls"])
	if sourceURL := row.Field("source_url"); sourceURL != "" {
		urls = append(urls, sourceURL)
	}

	var deduped []string
	seen := make(map[string]bool)
	for _, u := range urls {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		deduped = append(deduped, u)
	}
	return deduped
}

// sourceSignature fingerprints a URL set independent of order; reuse is only
// allowed while the fused row still points at the same pages.
func sourceSignature(urls []string) string {
	sorted := make([]string, len(urls))
	copy(sorted, urls)
	sort.Strings(sorted)

	digest := sha256.New()
	for _, u := range sorted {
		digest.Write([]byte(u))
		digest.Write([]byte("\n"))
	}
	return hex.EncodeToString(digest.Sum(nil))
}

// sourceURLSet is the identity URL set of a prior record: its source list
// plus the page the description actually came from.
func (r Record) sourceURLSet() []string {
	var urls []string
	seen := make(map[string]bool)
	add := func(u string) {
		if u = strings.TrimSpace(u); u != "" && !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	}
	for _, u := range r.SourceURLs {
		add(u)
	}
	add(events.Clean(r.DescriptionSourceURL))
	return urls
}

var isoLayouts = []string{
	"2006-01-02T15:04:05-07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseISOTime parses the timestamps records carry. Zone-less stamps are
// taken as UTC; a trailing Z is accepted as +00:00.
func parseISOTime(raw string) (time.Time, bool) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return time.Time{}, false
	}
	if strings.HasSuffix(text, "Z") {
		text = text[:len(text)-1] + "+00:00"
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, text); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
