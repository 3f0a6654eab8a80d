package fuse

// runPaths collects the artifact locations of one fuse run.
type runPaths struct {
	fusedJSONL    string
	fusedCSV      string
	dedupLog      string
	geocodeLog    string
	overlapLog    string
	incompleteLog string
	aliasLog      string
}

// Summary reports one fuse run: row counts through the year filter, group
// and geocode outcomes, overlap-repair outcomes, and the artifact paths.
type Summary struct {
	RunID                    string `json:"run_id"`
	InputRows                int    `json:"input_rows"`
	InputRowsRaw             int    `json:"input_rows_raw"`
	InputRowsAfterYearFilter int    `json:"input_rows_after_year_filter"`
	YearFilterEnabled        bool   `json:"year_filter_enabled"`
	TargetYear               string `json:"target_year"`
	YearDroppedRows          int    `json:"year_dropped_rows"`
	SkippedLines             int    `json:"skipped_lines"`
	GroupCount               int    `json:"group_count"`

	FusedJSONL string `json:"fused_jsonl"`
	FusedCSV   string `json:"fused_csv"`
	DedupLog   string `json:"dedup_log"`
	GeocodeLog string `json:"geocode_log"`

	GeocodeAttempted int `json:"geocode_attempted"`
	GeocodeResolved  int `json:"geocode_resolved"`
	GeocodeCacheHits int `json:"geocode_cache_hits"`

	OverlapRepairLog            string `json:"overlap_repair_log"`
	OverlapGroupsDetected       int    `json:"overlap_groups_detected"`
	OverlapRowsConsidered       int    `json:"overlap_rows_considered"`
	OverlapRepairAttempted      int    `json:"overlap_repair_attempted"`
	OverlapRepairResolved       int    `json:"overlap_repair_resolved"`
	OverlapRepairCacheHits      int    `json:"overlap_repair_cache_hits"`
	OverlapRepairSkippedNoQuery int    `json:"overlap_repair_skipped_no_query"`

	IncompleteLog   string `json:"incomplete_log"`
	IncompleteCount int    `json:"incomplete_count"`

	AliasCandidates      string `json:"alias_candidates"`
	AliasCandidatesCount int    `json:"alias_candidates_count"`
	AliasMapEntries      int    `json:"alias_map_entries"`
}

func (s *Summary) applyOverlapStats(st overlapStats) {
	s.OverlapGroupsDetected = st.GroupsDetected
	s.OverlapRowsConsidered = st.RowsConsidered
	s.OverlapRepairAttempted = st.Attempted
	s.OverlapRepairResolved = st.Resolved
	s.OverlapRepairCacheHits = st.CacheHits
	s.OverlapRepairSkippedNoQuery = st.SkippedNoQuery
}

func (s *Summary) setPaths(p runPaths) {
	s.FusedJSONL = p.fusedJSONL
	s.FusedCSV = p.fusedCSV
	s.DedupLog = p.dedupLog
	s.GeocodeLog = p.geocodeLog
	s.OverlapRepairLog = p.overlapLog
	s.IncompleteLog = p.incompleteLog
	s.AliasCandidates = p.aliasLog
}
