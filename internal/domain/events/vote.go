package events

import "unicode/utf8"

// SiteWeights maps a source site id to its trust weight in field voting.
// Unknown sites weigh 1.
type SiteWeights map[string]int

// DefaultHanabiSiteWeights is the built-in voting table for the fireworks
// project. Project config may override it.
var DefaultHanabiSiteWeights = SiteWeights{
	"hanabi_cloud": 8,
	"jorudan":      6,
	"sorahanabi":   4,
	"weathernews":  4,
	"hanabeat":     4,
	"hanabi_navi":  4,
	"jalan":        3,
	"hanabeam":     2,
}

func (w SiteWeights) Weight(site string) int {
	if v, ok := w[site]; ok {
		return v
	}
	return 1
}

// placeholderValues score barely above empty so a real value from any site
// beats them.
var placeholderValues = map[string]bool{
	"--": true, "---": true, "未定": true, "非公表": true, "調査中": true,
}

// ScoreValue ranks a candidate value for a field coming from a site. Higher
// wins. Empty scores 0, placeholder tokens 1. Coordinates are trusted far
// above text; shorter event names beat longer decorated ones; other fields
// prefer longer text, capped.
func ScoreValue(field, value, site string, weights SiteWeights) int {
	v := Clean(value)
	if v == "" {
		return 0
	}
	if placeholderValues[v] {
		return 1
	}
	base := utf8.RuneCountInString(v)
	if base > 200 {
		base = 200
	}
	w := weights.Weight(site)
	switch field {
	case "event_name":
		short := 80 - base
		if short < 0 {
			short = 0
		}
		return w*10 + short
	case "lat", "lng":
		return w*100 + 100
	default:
		return w*10 + base
	}
}

// PickWinner votes a single field across member records and returns the
// winning value. Ties keep the earliest member.
func PickWinner(field string, members []Record, weights SiteWeights) string {
	best := ""
	bestScore := -1
	for _, m := range members {
		v := m.Field(field)
		if score := ScoreValue(field, v, m.Field("source_site"), weights); score > bestScore {
			best = v
			bestScore = score
		}
	}
	return best
}
