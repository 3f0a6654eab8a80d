package scores

import (
	"math"
	"regexp"
	"strconv"

	"github.com/boogieLing/Tsugie/internal/domain/events"
)

// fallbackScores estimates heat and surprise from the fused row alone,
// for rows the model never reached. The heat score rewards corroboration
// (source count), scale (launch count, expected visitors), and the hanabi
// category; surprise is derived from heat so equal inputs stay stable
// across runs without looking uniform.
func fallbackScores(row events.Record, category string) (heat, surprise int, reason string) {
	sourceCount, ok := events.ParseLooseNumber(row.Field("source_count"))
	if !ok || sourceCount == 0 {
		sourceCount = 1
	}
	launchCount, _ := events.ParseLooseNumber(row.Field("launch_count"))
	visitors, _ := events.ParseLooseNumber(row.Field("expected_visitors"))

	base := 42 + min(sourceCount*7, 22)
	if category == "hanabi" {
		base += 5
	}
	if launchCount > 0 {
		base += min(int(math.Sqrt(float64(launchCount))/3), 18)
	}
	if visitors > 0 {
		base += min(int(math.Sqrt(float64(visitors))/9), 18)
	}
	heat = clamp(base, 20, 95)
	surprise = clamp(45+((heat*29)%41), 12, 96)
	return heat, surprise, "heuristic"
}

func clamp(v, lo, hi int) int {
	return max(lo, min(hi, v))
}

var scoreNumberPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// parseScoreValue reads a 0-100 score out of a loose model answer: a JSON
// number, or the first number inside a string like "85分".
func parseScoreValue(raw any) (int, bool) {
	switch v := raw.(type) {
	case float64:
		return clamp(int(math.Round(v)), 0, 100), true
	case int:
		return clamp(v, 0, 100), true
	case string:
		text := events.Clean(v)
		if text == "" {
			return 0, false
		}
		m := scoreNumberPattern.FindString(text)
		if m == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(m, 64)
		if err != nil {
			return 0, false
		}
		return clamp(int(math.Round(f)), 0, 100), true
	default:
		return 0, false
	}
}
