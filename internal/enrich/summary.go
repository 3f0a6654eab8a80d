package enrich

import (
	"strings"

	"github.com/boogieLing/Tsugie/internal/domain/events"
)

// contentPaths collects the artifact locations of one content run.
type contentPaths struct {
	jsonl   string
	csv     string
	log     string
	summary string
}

// Counts tallies one content run: row outcomes, field coverage, and the
// rows the filters and reuse rules spared from fetching.
type Counts struct {
	Total                 int `json:"total"`
	OK                    int `json:"ok"`
	Partial               int `json:"partial"`
	Empty                 int `json:"empty"`
	Cached                int `json:"cached"`
	WithDescription       int `json:"with_description"`
	WithPolishedZH        int `json:"with_polished_zh"`
	WithOneLinerZH        int `json:"with_one_liner_zh"`
	WithPolishedEN        int `json:"with_polished_en"`
	WithOneLinerEN        int `json:"with_one_liner_en"`
	WithImages            int `json:"with_images"`
	SkippedByAge          int `json:"skipped_by_age"`
	SkippedByNotOldEnough int `json:"skipped_by_not_old_enough"`
	ReusedByFailedOnly    int `json:"reused_by_failed_only"`
}

func (c *Counts) observe(rec *Record) {
	c.Total++
	switch strings.ToLower(events.Clean(rec.Status)) {
	case "ok":
		c.OK++
	case "partial":
		c.Partial++
	case "empty":
		c.Empty++
	case "cached":
		c.Cached++
	}
	if events.CleanBlock(rec.RawDescription) != "" {
		c.WithDescription++
	}
	if events.CleanBlock(rec.PolishedDescriptionZH) != "" {
		c.WithPolishedZH++
	}
	if events.CleanBlock(rec.OneLinerZH) != "" {
		c.WithOneLinerZH++
	}
	if events.CleanBlock(rec.PolishedDescriptionEN) != "" {
		c.WithPolishedEN++
	}
	if events.CleanBlock(rec.OneLinerEN) != "" {
		c.WithOneLinerEN++
	}
	if len(rec.ImageURLs) > 0 {
		c.WithImages++
	}
}

// OutputPaths names the per-run artifacts inside the summary document.
type OutputPaths struct {
	JSONL string `json:"jsonl"`
	CSV   string `json:"csv"`
	Log   string `json:"log"`
}

// PromptPaths records which prompt templates the run polished with.
type PromptPaths struct {
	Description string `json:"description"`
	OneLiner    string `json:"one_liner"`
}

// FilterSettings records the row-selection knobs a run was started with.
// The cutoff dates are null when the corresponding filter was off.
type FilterSettings struct {
	SkipPastDays        int     `json:"skip_past_days"`
	Basis               string  `json:"basis"`
	CutoffDate          *string `json:"cutoff_date"`
	OnlyPastDays        int     `json:"only_past_days"`
	OnlyPastCutoffDate  *string `json:"only_past_cutoff_date"`
	FailedOnly          bool    `json:"failed_only"`
	PrioritizeNearStart bool    `json:"prioritize_near_start"`
	CodexSinglePassI18N bool    `json:"codex_single_pass_i18n"`
}

// Summary reports one content run; it is also the content_summary.json
// document written into the run directory.
type Summary struct {
	Project     string         `json:"project"`
	Category    string         `json:"category"`
	RunID       string         `json:"run_id"`
	GeneratedAt string         `json:"generated_at"`
	FusedRunID  string         `json:"fused_run_id"`
	FusedJSONL  string         `json:"fused_jsonl"`
	Counts      *Counts        `json:"counts"`
	Output      OutputPaths    `json:"output"`
	PromptPaths PromptPaths    `json:"prompt_paths"`
	Filter      FilterSettings `json:"filter"`

	SummaryPath string `json:"-"`
}
