package export

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/boogieLing/Tsugie/internal/domain/events"
)

// Entry is one event row of the spatial payload. Field order is the JSON
// key order the mobile decoder was written against.
type Entry struct {
	Category       string  `json:"category"`
	CanonicalID    string  `json:"canonical_id"`
	IOSPlaceID     string  `json:"ios_place_id"`
	DistanceMeters float64 `json:"distance_meters"`
	ScaleScore     int     `json:"scale_score"`
	HeatScore      int     `json:"heat_score"`
	SurpriseScore  int     `json:"surprise_score"`
	Hint           string  `json:"hint"`

	StartDate string `json:"normalized_start_date,omitempty"`
	EndDate   string `json:"normalized_end_date,omitempty"`
	StartTime string `json:"normalized_start_time,omitempty"`
	EndTime   string `json:"normalized_end_time,omitempty"`
	Geohash   string `json:"geohash,omitempty"`

	Description          string   `json:"content_description,omitempty"`
	DescriptionZH        string   `json:"content_description_zh,omitempty"`
	DescriptionEN        string   `json:"content_description_en,omitempty"`
	OneLiner             string   `json:"content_one_liner,omitempty"`
	OneLinerZH           string   `json:"content_one_liner_zh,omitempty"`
	OneLinerEN           string   `json:"content_one_liner_en,omitempty"`
	SourceURLs           []string `json:"content_source_urls"`
	DescriptionSourceURL string   `json:"content_description_source_url,omitempty"`
	ImageSourceURL       string   `json:"content_image_source_url,omitempty"`

	// Image payload references; buildImagePayload fills these from the
	// local paths resolved at build time. A zero offset is a valid slot,
	// hence the pointer.
	ImagePayloadOffset *int   `json:"image_payload_offset,omitempty"`
	ImagePayloadLength int    `json:"image_payload_length,omitempty"`
	ImagePayloadSHA256 string `json:"image_payload_sha256,omitempty"`
	ImageLocalPath     string `json:"content_image_local_path,omitempty"`

	Record events.Record `json:"record"`

	imageLocalAbs string
	imageLocalRel string
}

var (
	dateTokenPattern = regexp.MustCompile(`(20\d{2})[-/年.](\d{1,2})[-/月.](\d{1,2})`)
	clockTimePattern = regexp.MustCompile(`([01]?\d|2[0-3])[:：]([0-5]\d)`)
	kanjiTimePattern = regexp.MustCompile(`([01]?\d|2[0-3])[\s\p{Zs}]*時[\s\p{Zs}]*([0-5]?\d)[\s\p{Zs}]*分`)
)

// extractDate pulls the first plausible calendar date out of free text and
// normalizes it to YYYY-MM-DD. Accepts ISO, slash, dot, and 年/月 separators.
func extractDate(text string) string {
	m := dateTokenPattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return ""
	}
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day)
}

// extractTime pulls the first clock time out of free text as HH:MM, trying
// colon notation (halfwidth or fullwidth) before the 時/分 form.
func extractTime(text string) string {
	m := clockTimePattern.FindStringSubmatch(text)
	if m == nil {
		m = kanjiTimePattern.FindStringSubmatch(text)
	}
	if m == nil {
		return ""
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	return fmt.Sprintf("%02d:%02d", hour, minute)
}

// parseCoordinate reads the fused lat/lng pair, rejecting values outside
// the valid coordinate ranges.
func parseCoordinate(row events.Record) (lat, lng float64, ok bool) {
	lat, okLat := row.Coord("lat")
	lng, okLng := row.Coord("lng")
	if !okLat || !okLng {
		return 0, 0, false
	}
	if !(lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180) {
		return 0, 0, false
	}
	return lat, lng, true
}

// deriveScores estimates the scale/heat/surprise triple from the fused row
// alone; it stands in whenever no usable model score exists for the event.
func deriveScores(row events.Record, category string) (scale, heat, surprise int) {
	sourceCount := looseCountOrOne(row.Field("source_count"))
	launchCount, _ := events.ParseLooseNumber(row.Field("launch_count"))
	visitors, _ := events.ParseLooseNumber(row.Field("expected_visitors"))

	base := 40 + min(sourceCount*8, 24)
	if launchCount > 0 {
		base += min(int(math.Sqrt(float64(launchCount))/3), 24)
	}
	if visitors > 0 {
		base += min(int(math.Sqrt(float64(visitors))/8), 20)
	}
	if strings.EqualFold(row.Field("update_priority"), "high") {
		base -= 4
	}
	if category == "hanabi" {
		base += 6
	}

	scale = clamp(base, 25, 99)
	heat = clamp(scale+6, 20, 100)
	surprise = clamp(52+(scale*37)%39, 15, 98)
	return scale, heat, surprise
}

// deriveHint renders the one-line teaser shown before an entry is opened.
func deriveHint(row events.Record, category string) string {
	location := row.Field("city")
	if location == "" {
		location = row.Field("prefecture")
	}
	if location == "" {
		location = "開催地確認中"
	}
	kind := "祭典"
	if category == "hanabi" {
		kind = "花火"
	}
	return fmt.Sprintf("%s・%s候補（%dソース統合）", location, kind, looseCountOrOne(row.Field("source_count")))
}

func looseCountOrOne(text string) int {
	n, ok := events.ParseLooseNumber(text)
	if !ok || n == 0 {
		return 1
	}
	return n
}

// deriveDistance hashes the canonical id into a stable placeholder distance
// in meters; the client replaces it once real location permission lands.
func deriveDistance(canonicalID string) float64 {
	sum := sha256.Sum256([]byte(canonicalID))
	seed := binary.BigEndian.Uint32(sum[:4])
	return float64(280 + seed%5200)
}

// placeID derives the stable per-event UUID the client keys its local state
// on: a v5 UUID over the category-scoped canonical id.
func placeID(category, canonicalID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("tsugie:"+category+":"+canonicalID)).String()
}

// isGenericImageURL flags site-furniture images that must never become an
// event's picture: shared header banners and OGP fallbacks.
func isGenericImageURL(url string) bool {
	low := strings.ToLower(url)
	if strings.HasSuffix(low, "/img/header.jpg") ||
		strings.HasSuffix(low, "/img/header.jpeg") ||
		strings.HasSuffix(low, "/img/header.png") {
		return true
	}
	return strings.Contains(low, "ogp0.png")
}

func clamp(v, lo, hi int) int {
	return max(lo, min(hi, v))
}

// buildEntry derives one payload entry from a fused row and its best
// content match. Image references stay local-path only here; the image
// payload build rewrites them into offsets.
func buildEntry(category string, row events.Record, precision int, content events.Record, assetRoots []string) *Entry {
	canonicalID := row.Clean("canonical_id")
	if canonicalID == "" {
		canonicalID = uuid.NewString()
	}

	scale, heat, surprise := deriveScores(row, category)
	e := &Entry{
		Category:       category,
		CanonicalID:    canonicalID,
		IOSPlaceID:     placeID(category, canonicalID),
		DistanceMeters: deriveDistance(canonicalID),
		ScaleScore:     scale,
		HeatScore:      heat,
		SurpriseScore:  surprise,
		Hint:           deriveHint(row, category),
		StartDate:      extractDate(row.Field("event_date_start")),
		EndDate:        extractDate(row.Field("event_date_end")),
		StartTime:      extractTime(row.Field("event_time_start")),
		EndTime:        extractTime(row.Field("event_time_end")),
		Record:         row,
	}
	if lat, lng, ok := parseCoordinate(row); ok {
		e.Geohash = Geohash(lat, lng, precision)
	}

	sourceURLs := events.SplitFlexibleList(row["source_urls"])
	if content != nil {
		e.Description = content.Field("polished_description")
		if e.Description == "" {
			e.Description = content.Field("raw_description")
		}
		e.DescriptionZH = content.Field("polished_description_zh")
		e.DescriptionEN = content.Field("polished_description_en")
		e.OneLiner = content.Field("one_liner")
		e.OneLinerZH = content.Field("one_liner_zh")
		e.OneLinerEN = content.Field("one_liner_en")
		if fromContent := events.SplitFlexibleList(content["source_urls"]); len(fromContent) > 0 {
			sourceURLs = fromContent
		}

		imageURLs := events.SplitFlexibleList(content["image_urls"])
		downloaded := events.SplitFlexibleList(content["downloaded_images"])
		var nonGeneric []int
		for i, u := range imageURLs {
			if !isGenericImageURL(u) {
				nonGeneric = append(nonGeneric, i)
			}
		}
		if len(nonGeneric) > 0 {
			e.ImageSourceURL = imageURLs[nonGeneric[0]]
		}
		var candidates []string
		switch {
		case len(nonGeneric) > 0 && len(downloaded) > 0:
			for _, i := range nonGeneric {
				if i < len(downloaded) {
					candidates = append(candidates, downloaded[i])
				}
			}
		case len(imageURLs) == 0:
			candidates = downloaded
		}
		e.imageLocalAbs, e.imageLocalRel = resolveLocalImage(candidates, assetRoots)
	}
	if len(sourceURLs) > 0 {
		e.DescriptionSourceURL = sourceURLs[0]
	}
	if content != nil {
		if ds := content.Field("description_source_url"); ds != "" {
			e.DescriptionSourceURL = ds
		}
	}
	if sourceURLs == nil {
		sourceURLs = []string{}
	}
	e.SourceURLs = sourceURLs
	return e
}

// resolveLocalImage finds the first candidate that exists as a regular file
// under one of the asset roots. Absolute candidates are checked as given;
// the returned rel keeps the path exactly as the content row recorded it.
func resolveLocalImage(candidates, roots []string) (abs, rel string) {
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if filepath.IsAbs(candidate) {
			if isRegularFile(candidate) {
				return candidate, candidate
			}
			continue
		}
		for _, root := range roots {
			path := filepath.Join(root, candidate)
			if isRegularFile(path) {
				return path, candidate
			}
		}
	}
	return "", ""
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
