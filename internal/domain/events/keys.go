package events

import "fmt"

// BuildDedupKey derives the grouping key for one observation. Tiers fall
// back as fields go missing; rows with no usable name key on their URL so
// they never merge with anything else.
func BuildDedupKey(nameCanonical, year, date, pref, sourceURL string) string {
	switch {
	case nameCanonical != "" && date != "" && year != "":
		return fmt.Sprintf("%s|%s|%s|%s", nameCanonical, year, date, pref)
	case nameCanonical != "" && year != "":
		return fmt.Sprintf("%s|%s|%s", nameCanonical, year, pref)
	case nameCanonical != "":
		return fmt.Sprintf("%s|unknown|%s", nameCanonical, pref)
	default:
		if year == "" {
			year = "unknown"
		}
		return fmt.Sprintf("url|%s|%s", year, sourceURL)
	}
}
