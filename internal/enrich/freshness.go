package enrich

import (
	"strings"
	"time"

	"github.com/boogieLing/Tsugie/internal/domain/events"
)

// failedStatuses are prior outcomes that a failed-only run re-attempts.
var failedStatuses = map[string]bool{
	"partial":       true,
	"empty":         true,
	"openai_failed": true,
	"codex_failed":  true,
}

// isRecentEnough reports whether a prior record can stand in for a fresh
// fetch: same source signature, younger than the refresh window, and carrying
// at least a description or images.
func isRecentEnough(prev *Record, sig string, minRefreshDays int, force bool, now time.Time) bool {
	if force || prev == nil {
		return false
	}
	if prev.SourceURLsSig != sig {
		return false
	}
	fetchedAt, ok := parseISOTime(prev.FetchedAt)
	if !ok {
		return false
	}
	maxAge := minRefreshDays
	if maxAge < 0 {
		maxAge = 0
	}
	if int(now.Sub(fetchedAt).Hours()/24) > maxAge {
		return false
	}
	hasDesc := events.CleanBlock(prev.RawDescription) != ""
	return hasDesc || len(prev.ImageURLs) > 0
}

// isFailedOrIncomplete reports whether a prior record still needs work: a
// failed status, a recorded error, no content at all, or a description whose
// polished trio (ja/zh/en) is not complete.
func isFailedOrIncomplete(prev *Record) bool {
	if prev == nil {
		return true
	}
	if failedStatuses[strings.ToLower(events.Clean(prev.Status))] {
		return true
	}
	if events.Clean(prev.Error) != "" {
		return true
	}
	hasDesc := events.CleanBlock(prev.RawDescription) != ""
	hasImages := len(prev.ImageURLs) > 0
	if !hasDesc && !hasImages {
		return true
	}
	if hasDesc {
		hasJA := events.CleanBlock(prev.PolishedDescription) != "" && events.CleanBlock(prev.OneLiner) != ""
		hasZH := events.CleanBlock(prev.PolishedDescriptionZH) != "" && events.CleanBlock(prev.OneLinerZH) != ""
		hasEN := events.CleanBlock(prev.PolishedDescriptionEN) != "" && events.CleanBlock(prev.OneLinerEN) != ""
		if !hasJA || !hasZH || !hasEN {
			return true
		}
	}
	return false
}

// shouldReuseSuccess decides whether a failed-only run skips a row because
// its prior record already succeeded in full.
func shouldReuseSuccess(prev *Record, force bool) bool {
	return !force && prev != nil && !isFailedOrIncomplete(prev)
}
