package fuse

import (
	"unicode/utf8"

	"github.com/boogieLing/Tsugie/internal/domain/events"
)

// query is one geocode attempt: the text submitted upstream and the
// strategy label recorded in the geocode logs. Strategies containing
// "event_name" mark title-derived lookups in geo_source.
type query struct {
	text     string
	strategy string
}

// buildGeocodeQueries layers lookup candidates for a fused row from most to
// least specific. Duplicate and very short queries are dropped.
func buildGeocodeQueries(r events.Record) []query {
	venueAddress := r.Clean("venue_address")
	prefecture := r.Clean("prefecture")
	city := r.Clean("city")
	venueName := r.Clean("venue_name")
	eventName := r.Clean("event_name")
	eventNameNorm := events.NormalizeNameForGeocode(eventName)

	var qs []query
	if venueAddress != "" {
		qs = append(qs, query{venueAddress, "venue_address"})
	}
	if prefecture != "" || city != "" || venueName != "" {
		qs = append(qs, query{prefecture + city + venueName, "pref_city_venue"})
	}
	if prefecture != "" && venueName != "" {
		qs = append(qs, query{prefecture + venueName, "pref_venue"})
	}
	if city != "" && venueName != "" {
		qs = append(qs, query{city + venueName, "city_venue"})
	}
	if venueName != "" {
		qs = append(qs, query{venueName, "venue_name"})
	}
	if prefecture != "" && eventName != "" {
		qs = append(qs, query{prefecture + eventName, "pref_event_name"})
	}
	if eventNameNorm != "" && prefecture != "" {
		qs = append(qs, query{prefecture + eventNameNorm, "pref_event_name_normalized"})
	}
	if eventNameNorm != "" {
		qs = append(qs, query{eventNameNorm, "event_name_normalized"})
	}
	if eventName != "" {
		qs = append(qs, query{eventName, "event_name"})
	}
	return dedupeQueries(qs)
}

// buildOverlapRepairQueries is the wider ladder used when re-resolving
// coincident points; it leads with combined context to pull apart rows
// that collapsed onto one coordinate.
func buildOverlapRepairQueries(r events.Record) []query {
	prefecture := r.Clean("prefecture")
	city := r.Clean("city")
	venueName := r.Clean("venue_name")
	venueAddress := r.Clean("venue_address")
	eventName := r.Clean("event_name")
	eventNameNorm := events.NormalizeNameForGeocode(eventName)

	var qs []query
	if prefecture != "" || city != "" || venueName != "" || venueAddress != "" {
		qs = append(qs, query{prefecture + city + venueName + venueAddress, "repair_pref_city_venue_address"})
	}
	if prefecture != "" && city != "" && eventNameNorm != "" {
		qs = append(qs, query{prefecture + city + eventNameNorm, "repair_pref_city_event_name_normalized"})
	}
	if prefecture != "" && eventNameNorm != "" && venueName != "" {
		qs = append(qs, query{prefecture + eventNameNorm + venueName, "repair_pref_event_name_venue"})
	}
	if prefecture != "" && eventName != "" {
		qs = append(qs, query{prefecture + eventName, "repair_pref_event_name_raw"})
	}
	if eventNameNorm != "" && venueName != "" {
		qs = append(qs, query{eventNameNorm + venueName, "repair_event_name_venue"})
	}
	if venueAddress != "" && eventNameNorm != "" {
		qs = append(qs, query{venueAddress + eventNameNorm, "repair_venue_address_event_name"})
	}
	if venueAddress != "" {
		qs = append(qs, query{venueAddress, "repair_venue_address_only"})
	}
	if prefecture != "" && venueName != "" {
		qs = append(qs, query{prefecture + venueName, "repair_pref_venue"})
	}
	if eventNameNorm != "" {
		qs = append(qs, query{eventNameNorm, "repair_event_name_normalized"})
	}
	if eventName != "" {
		qs = append(qs, query{eventName, "repair_event_name_raw"})
	}
	return dedupeQueries(qs)
}

// dedupeQueries keeps the first occurrence of each cleaned query text and
// drops queries shorter than 4 characters, which resolve to noise.
func dedupeQueries(qs []query) []query {
	out := make([]query, 0, len(qs))
	seen := make(map[string]struct{}, len(qs))
	for _, q := range qs {
		text := events.Clean(q.text)
		if text == "" || utf8.RuneCountInString(text) < 4 {
			continue
		}
		if _, dup := seen[text]; dup {
			continue
		}
		seen[text] = struct{}{}
		out = append(out, query{text, q.strategy})
	}
	return out
}
