package events

import (
	"regexp"
	"strings"
)

// HanabiIncompleteCheckFields are the fields audited for completeness on
// fireworks rows. Project config may substitute its own list.
var HanabiIncompleteCheckFields = []string{
	"launch_count",
	"event_time_start",
	"event_date_start",
	"venue_name",
	"venue_address",
}

// missingTokens are values that announce an unknown rather than carry one.
var missingTokens = map[string]bool{
	"": true, "-": true, "--": true, "---": true,
	"na": true, "n/a": true, "none": true, "null": true, "nan": true,
	"不明": true, "未定": true, "非公表": true, "調査中": true,
}

// uncertainHints mark values that are stated but not settled.
var uncertainHints = []string{
	"未定", "調査中", "確認中", "未発表", "未公表", "未確定", "予定", "見込み", "予測", "頃",
}

var (
	anyDigit    = regexp.MustCompile(`\d`)
	clockTime   = regexp.MustCompile(`\d{1,2}:\d{2}`)
	jpHourToken = regexp.MustCompile(`\d{1,2}時`)
)

// IsMissingLike reports whether a value is effectively absent.
func IsMissingLike(value string) bool {
	v := Clean(value)
	if v == "" {
		return true
	}
	return missingTokens[strings.ToLower(v)] || missingTokens[v]
}

// FieldIncompleteReason classifies one field value. Empty string means the
// value passes.
func FieldIncompleteReason(field, value string) string {
	if IsMissingLike(value) {
		return "missing"
	}
	for _, hint := range uncertainHints {
		if strings.Contains(value, hint) {
			return "uncertain"
		}
	}
	switch field {
	case "launch_count":
		if !anyDigit.MatchString(value) {
			return "missing_numeric"
		}
	case "event_time_start":
		if !clockTime.MatchString(value) && !jpHourToken.MatchString(value) {
			return "unparsed_time"
		}
	}
	return ""
}

// IncompleteTags is the completeness audit for one fused row.
type IncompleteTags struct {
	Fields   []string // "field:reason" entries in check order
	Priority string   // none, high, medium or low
}

func (t IncompleteTags) Incomplete() bool { return len(t.Fields) > 0 }

// ComputeIncompleteTags audits the given fields of a fused row and derives
// the refresh priority from which fields failed.
func ComputeIncompleteTags(r Record, checkFields []string) IncompleteTags {
	tags := IncompleteTags{Priority: "none"}
	flagged := map[string]bool{}
	for _, field := range checkFields {
		reason := FieldIncompleteReason(field, r.Field(field))
		if reason == "" {
			continue
		}
		tags.Fields = append(tags.Fields, field+":"+reason)
		flagged[field] = true
	}
	switch {
	case len(tags.Fields) == 0:
	case flagged["launch_count"] || flagged["event_time_start"]:
		tags.Priority = "high"
	case flagged["event_date_start"] || flagged["venue_name"]:
		tags.Priority = "medium"
	default:
		tags.Priority = "low"
	}
	return tags
}

// PickPrimarySource selects the member whose site should drive a refresh:
// highest site weight, +2 when the member carries a URL, first wins ties.
func PickPrimarySource(members []Record, weights SiteWeights) (site, url string) {
	bestScore := -1
	for _, m := range members {
		s := m.Field("source_site")
		u := m.Field("source_url")
		score := weights.Weight(s)
		if u != "" {
			score += 2
		}
		if score > bestScore {
			site, url = s, u
			bestScore = score
		}
	}
	return site, url
}

// InferRefreshMethod suggests how to re-crawl a stale row from the shape of
// its primary URL.
func InferRefreshMethod(url string) string {
	if url == "" {
		return "site_list_recrawl"
	}
	lower := strings.ToLower(url)
	for _, marker := range []string{"/event/", "/spot/", "/detail/", "hanabi"} {
		if strings.Contains(lower, marker) {
			return "detail_url_refetch"
		}
	}
	for _, marker := range []string{"list", "calender", "calendar", "scheduled", "dayevent"} {
		if strings.Contains(lower, marker) {
			return "list_page_recrawl"
		}
	}
	return "detail_url_refetch"
}
