package nominatim

// SearchOptions contains optional parameters for geocoding searches.
type SearchOptions struct {
	// CountryCodes limits results to specific countries (comma-separated ISO 3166-1 alpha-2 codes, e.g. "jp")
	CountryCodes string
	// AcceptLanguage asks Nominatim for localized display names (e.g. "ja")
	AcceptLanguage string
	// Limit controls the maximum number of results (default: 1, max: 50)
	Limit int
}

// SearchResult represents a single geocoding result from Nominatim search endpoint (format=jsonv2).
type SearchResult struct {
	PlaceID     int64   `json:"place_id"`
	Lat         string  `json:"lat"`
	Lon         string  `json:"lon"`
	DisplayName string  `json:"display_name"`
	Type        string  `json:"type"`
	Class       string  `json:"class"`
	Importance  float64 `json:"importance"`
	OSMID       int64   `json:"osm_id"`
	OSMType     string  `json:"osm_type"`
}
