package enrich

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// completeRecord is a prior record that succeeded in full: fetched content,
// polished copy in all three languages, no recorded error.
func completeRecord(sig string, fetchedAt time.Time) *Record {
	return &Record{
		CanonicalID:           "E000001",
		EventName:             "隅田川花火大会",
		EventDateStart:        "2026-07-26",
		RawDescription:        "隅田川河畔で開催される花火大会。",
		PolishedDescription:   "隅田川河畔で開催される夏の花火大会です。",
		OneLiner:              "東京下町の夏の風物詩",
		PolishedDescriptionZH: "在隅田川河畔举办的烟花大会。",
		OneLinerZH:            "东京夏日风物诗",
		PolishedDescriptionEN: "A fireworks festival on the Sumida riverside.",
		OneLinerEN:            "Tokyo's summer classic",
		ImageURLs:             []string{"https://a.example/1.jpg"},
		SourceURLs:            []string{"https://a.example/page"},
		SourceURLsSig:         sig,
		Status:                "ok",
		FetchedAt:             fetchedAt.Format(time.RFC3339),
	}
}

func TestIsRecentEnough(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	sig := sourceSignature([]string{"https://a.example/page"})
	fresh := completeRecord(sig, now.AddDate(0, 0, -10))

	tests := []struct {
		name  string
		prev  *Record
		sig   string
		days  int
		force bool
		want  bool
	}{
		{"fresh record reused", fresh, sig, 45, false, true},
		{"force refetches", fresh, sig, 45, true, false},
		{"no prior record", nil, sig, 45, false, false},
		{"source set changed", fresh, sourceSignature([]string{"https://b.example/other"}), 45, false, false},
		{"at the age boundary", completeRecord(sig, now.AddDate(0, 0, -45)), sig, 45, false, true},
		{"one day past the boundary", completeRecord(sig, now.AddDate(0, 0, -46)), sig, 45, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRecentEnough(tt.prev, tt.sig, tt.days, tt.force, now))
		})
	}

	t.Run("unparseable fetched_at", func(t *testing.T) {
		bad := completeRecord(sig, now)
		bad.FetchedAt = "いつか"
		assert.False(t, isRecentEnough(bad, sig, 45, false, now))
	})

	t.Run("no content at all", func(t *testing.T) {
		hollow := completeRecord(sig, now.AddDate(0, 0, -1))
		hollow.RawDescription = ""
		hollow.ImageURLs = nil
		assert.False(t, isRecentEnough(hollow, sig, 45, false, now))

		// images alone are enough to stand in for a fetch
		hollow.ImageURLs = []string{"https://a.example/1.jpg"}
		assert.True(t, isRecentEnough(hollow, sig, 45, false, now))
	})
}

func TestIsFailedOrIncomplete(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	sig := sourceSignature([]string{"https://a.example/page"})

	complete := completeRecord(sig, now)
	assert.False(t, isFailedOrIncomplete(complete))
	assert.True(t, isFailedOrIncomplete(nil))

	failed := completeRecord(sig, now)
	failed.Status = "Partial"
	assert.True(t, isFailedOrIncomplete(failed), "failed statuses match case-insensitively")

	errored := completeRecord(sig, now)
	errored.Error = "http_503"
	assert.True(t, isFailedOrIncomplete(errored))

	hollow := completeRecord(sig, now)
	hollow.RawDescription = ""
	hollow.ImageURLs = nil
	assert.True(t, isFailedOrIncomplete(hollow))

	missingEN := completeRecord(sig, now)
	missingEN.OneLinerEN = ""
	assert.True(t, isFailedOrIncomplete(missingEN), "a described record needs all three language pairs")

	imagesOnly := completeRecord(sig, now)
	imagesOnly.RawDescription = ""
	imagesOnly.PolishedDescription = ""
	imagesOnly.OneLiner = ""
	assert.False(t, isFailedOrIncomplete(imagesOnly), "without a description the trio is not required")

	cached := completeRecord(sig, now)
	cached.Status = "cached"
	assert.False(t, isFailedOrIncomplete(cached))
}

func TestShouldReuseSuccess(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	complete := completeRecord(sourceSignature(nil), now)

	assert.True(t, shouldReuseSuccess(complete, false))
	assert.False(t, shouldReuseSuccess(complete, true))
	assert.False(t, shouldReuseSuccess(nil, false))

	partial := completeRecord(sourceSignature(nil), now)
	partial.Status = "partial"
	assert.False(t, shouldReuseSuccess(partial, false))
}
