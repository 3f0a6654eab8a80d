package events

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var (
	isoDatePattern = regexp.MustCompile(`(20\d{2})-(\d{2})-(\d{2})`)
	jpDatePattern  = regexp.MustCompile(`(20\d{2})年(\d{1,2})月(\d{1,3})日`)
	jpYearPattern  = regexp.MustCompile(`(20\d{2})年`)
	bareYear       = regexp.MustCompile(`20\d{2}`)
	prefPattern    = regexp.MustCompile(`(北海道|東京都|京都府|大阪府|.{2,3}県)`)
	looseDate      = regexp.MustCompile(`(20\d{2})\D{0,3}(\d{1,2})\D{0,3}(\d{1,2})`)
	digitRuns      = regexp.MustCompile(`\d[\d,]*`)
)

// ExtractDateToken pulls the first ISO or Japanese-style date out of text and
// returns it as YYYY-MM-DD. Empty when no date is present.
func ExtractDateToken(text string) string {
	if m := isoDatePattern.FindStringSubmatch(text); m != nil {
		return m[0]
	}
	if m := jpDatePattern.FindStringSubmatch(text); m != nil {
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		return fmt.Sprintf("%s-%02d-%02d", m[1], month, day)
	}
	return ""
}

// ExtractYearToken pulls a 20xx year from text, trying a full date first,
// then 20xx年, then a bare 20xx run.
func ExtractYearToken(text string) string {
	if m := isoDatePattern.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	if m := jpYearPattern.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return bareYear.FindString(text)
}

// ExtractEventYear resolves the year of a record from its start date, then
// its name, then its source URL.
func ExtractEventYear(r Record) string {
	for _, key := range []string{"event_date_start", "event_name", "source_url"} {
		if y := ExtractYearToken(r.Field(key)); y != "" {
			return y
		}
	}
	return ""
}

// ParseEventDate finds the first plausible year-month-day run in text (digits
// separated by up to three non-digits, e.g. 2026-07-26, 2026年7月26日,
// 2026.7.26) and returns it as a calendar-checked UTC date.
func ParseEventDate(text string) (time.Time, bool) {
	m := looseDate.FindStringSubmatch(text)
	if m == nil {
		return time.Time{}, false
	}
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Year() != year || t.Month() != time.Month(month) || t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}

// ParseLooseNumber pulls an integer out of free-form text the way crawler
// feeds carry counts: all digit runs are concatenated with their thousands
// commas dropped, so "約20,000発" parses as 20000. False when text holds no
// digits.
func ParseLooseNumber(text string) (int, bool) {
	runs := digitRuns.FindAllString(text, -1)
	if len(runs) == 0 {
		return 0, false
	}
	var merged []byte
	for _, run := range runs {
		for i := 0; i < len(run); i++ {
			if run[i] != ',' {
				merged = append(merged, run[i])
			}
		}
	}
	n, err := strconv.Atoi(string(merged))
	if err != nil {
		return 0, false
	}
	return n, true
}

// ExtractPrefecture returns the first prefecture name found in text.
func ExtractPrefecture(text string) string {
	return prefPattern.FindString(text)
}

// RecordPrefecture extracts a prefecture from the first non-empty of the
// record's address, venue name, and event name.
func RecordPrefecture(r Record) string {
	for _, key := range []string{"venue_address", "venue_name", "event_name"} {
		if v := r.Field(key); v != "" {
			return ExtractPrefecture(v)
		}
	}
	return ""
}
