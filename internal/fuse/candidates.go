package fuse

import (
	"math"
	"sort"
	"strconv"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/boogieLing/Tsugie/internal/domain/events"
)

// aliasSimilarityFloor is the minimum pairwise name similarity that makes a
// candidate worth a curator's look.
const aliasSimilarityFloor = 0.45

var aliasCandidateColumns = []string{
	"run_id", "event_date", "prefecture",
	"name_norm_a", "name_display_a", "source_site_a", "source_url_a",
	"name_norm_b", "name_display_b", "source_site_b", "source_url_b",
	"name_similarity",
}

type aliasOccurrence struct {
	display string
	site    string
	url     string
}

// writeAliasCandidates buckets members by date|prefecture and emits every
// pair of distinct normalized names similar enough to suggest one event
// published under two spellings. The rows feed manual alias-map curation.
func writeAliasCandidates(path string, members []Member, runID string) (int, error) {
	type bucket struct {
		date  string
		pref  string
		order []string
		names map[string]aliasOccurrence
	}

	var order []string
	buckets := make(map[string]*bucket)
	for _, m := range members {
		date := events.ExtractDateToken(m.Rec.Clean("event_date_start"))
		pref := events.RecordPrefecture(m.Rec)
		if date == "" || pref == "" || m.NameRaw == "" {
			continue
		}
		key := date + "|" + pref
		b, ok := buckets[key]
		if !ok {
			b = &bucket{date: date, pref: pref, names: make(map[string]aliasOccurrence)}
			buckets[key] = b
			order = append(order, key)
		}
		if _, seen := b.names[m.NameRaw]; !seen {
			b.order = append(b.order, m.NameRaw)
			b.names[m.NameRaw] = aliasOccurrence{
				display: m.Rec.Clean("event_name"),
				site:    m.Rec.Field("source_site"),
				url:     m.Rec.Field("source_url"),
			}
		}
	}

	var rows [][]string
	for _, key := range order {
		b := buckets[key]
		if len(b.order) < 2 {
			continue
		}
		names := append([]string(nil), b.order...)
		sort.Strings(names)
		for i := 0; i < len(names); i++ {
			for j := i + 1; j < len(names); j++ {
				sim := nameSimilarity(names[i], names[j])
				if sim < aliasSimilarityFloor {
					continue
				}
				a, bOcc := b.names[names[i]], b.names[names[j]]
				rows = append(rows, []string{
					runID, b.date, b.pref,
					names[i], a.display, a.site, a.url,
					names[j], bOcc.display, bOcc.site, bOcc.url,
					strconv.FormatFloat(math.Round(sim*1000)/1000, 'f', -1, 64),
				})
			}
		}
	}

	if err := writeCSV(path, aliasCandidateColumns, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// nameSimilarity is a character-level sequence ratio in [0,1].
func nameSimilarity(a, b string) float64 {
	return difflib.NewMatcher(splitRunes(a), splitRunes(b)).Ratio()
}

func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}
