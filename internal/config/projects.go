package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Project describes one event pipeline: which sites feed it, where its
// run artifacts live, and how fusion weighs each site.
type Project struct {
	Name     string `yaml:"name"`
	Category string `yaml:"category"`

	// Sites lists the raw JSONL inputs consumed by fusion, one
	// <raw_dir>/<site>.jsonl per entry. Absent files are skipped.
	Sites []string `yaml:"sites"`

	// SiteWeights biases field voting; unlisted sites weigh 1.
	SiteWeights map[string]int `yaml:"site_weights"`

	RawDir     string `yaml:"raw_dir"`
	FusedDir   string `yaml:"fused_dir"`
	LogDir     string `yaml:"log_dir"`
	ContentDir string `yaml:"content_dir"`

	// ContentAssetsDir holds downloaded event images, one
	// <run_id>/<canonical_id>/ tree per enrichment run.
	ContentAssetsDir string `yaml:"content_assets_dir"`

	ScoreDir string `yaml:"score_dir"`

	// GeocodeCache and AliasMap are shared across projects by default.
	GeocodeCache string `yaml:"geocode_cache"`
	AliasMap     string `yaml:"alias_map"`

	// IncompleteFields are audited for the incomplete_events report.
	IncompleteFields []string `yaml:"incomplete_fields"`
}

// RootDir returns the project's directory under the data root. Artifact
// paths recorded in pointers and records are stored relative to it.
func (p *Project) RootDir(dataDir string) string {
	return filepath.Join(dataDir, p.Name)
}

// PointerPath returns the per-project latest_run.json location.
func (p *Project) PointerPath(dataDir string) string {
	return filepath.Join(dataDir, p.Name, "latest_run.json")
}

// DefaultProjects returns the built-in hanabi and omatsuri pipelines.
func DefaultProjects(dataDir string) []Project {
	return []Project{
		{
			Name:     "hanabi",
			Category: "hanabi",
			Sites: []string{
				"hanabi_cloud", "sorahanabi", "jorudan", "weathernews",
				"hanabeat", "hanabi_navi", "jalan", "hanabeam",
			},
			SiteWeights: map[string]int{
				"hanabi_cloud": 8,
				"jorudan":      6,
				"sorahanabi":   4,
				"weathernews":  4,
				"hanabeat":     4,
				"hanabi_navi":  4,
				"jalan":        3,
				"hanabeam":     2,
			},
			RawDir:           filepath.Join(dataDir, "hanabi", "raw"),
			FusedDir:         filepath.Join(dataDir, "hanabi", "fused"),
			LogDir:           filepath.Join(dataDir, "hanabi", "logs"),
			ContentDir:       filepath.Join(dataDir, "hanabi", "content"),
			ContentAssetsDir: filepath.Join(dataDir, "hanabi", "content_assets"),
			ScoreDir:         filepath.Join(dataDir, "hanabi", "scores"),
			GeocodeCache:     filepath.Join(dataDir, "geo", "geocode_cache.csv"),
			AliasMap:         filepath.Join("research", "sources", "event_name_alias_map.csv"),
			IncompleteFields: defaultIncompleteFields(),
		},
		{
			Name:     "omatsuri",
			Category: "matsuri",
			Sites: []string{
				"jalan_event", "matsuri_no_hi", "omatsurijapan",
				"omatsuri_com", "kankomie_event", "japan47go_event",
			},
			SiteWeights:      map[string]int{},
			RawDir:           filepath.Join(dataDir, "omatsuri", "raw"),
			FusedDir:         filepath.Join(dataDir, "omatsuri", "fused"),
			LogDir:           filepath.Join(dataDir, "omatsuri", "logs"),
			ContentDir:       filepath.Join(dataDir, "omatsuri", "content"),
			ContentAssetsDir: filepath.Join(dataDir, "omatsuri", "content_assets"),
			ScoreDir:         filepath.Join(dataDir, "omatsuri", "scores"),
			GeocodeCache:     filepath.Join(dataDir, "geo", "geocode_cache.csv"),
			AliasMap:         filepath.Join("research", "sources", "event_name_alias_map.csv"),
			IncompleteFields: defaultIncompleteFields(),
		},
	}
}

func defaultIncompleteFields() []string {
	return []string{
		"launch_count",
		"event_time_start",
		"event_date_start",
		"venue_name",
		"venue_address",
	}
}

// projectsFile is the YAML shape of the projects config file.
type projectsFile struct {
	Projects []Project `yaml:"projects"`
}

// LoadProjects reads the projects YAML and merges it over the built-in
// defaults: a listed project with a known name overrides only the fields
// it sets; unknown names are appended as new projects. A missing file
// yields the defaults unchanged.
func LoadProjects(path, dataDir string) ([]Project, error) {
	projects := DefaultProjects(dataDir)

	if path == "" {
		return projects, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return projects, nil
		}
		return nil, fmt.Errorf("read projects file: %w", err)
	}

	var pf projectsFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse projects file %s: %w", path, err)
	}

	byName := make(map[string]int, len(projects))
	for i, p := range projects {
		byName[p.Name] = i
	}

	for _, override := range pf.Projects {
		idx, known := byName[override.Name]
		if !known {
			applyProjectDefaults(&override, dataDir)
			projects = append(projects, override)
			byName[override.Name] = len(projects) - 1
			continue
		}
		mergeProject(&projects[idx], override)
	}

	for i := range projects {
		if err := ValidateProject(&projects[i]); err != nil {
			return nil, fmt.Errorf("project %q: %w", projects[i].Name, err)
		}
	}
	return projects, nil
}

// ProjectByName finds a project by name.
func ProjectByName(projects []Project, name string) (*Project, error) {
	for i := range projects {
		if projects[i].Name == name {
			return &projects[i], nil
		}
	}
	known := make([]string, 0, len(projects))
	for _, p := range projects {
		known = append(known, p.Name)
	}
	return nil, fmt.Errorf("unknown project %q (have: %s)", name, strings.Join(known, ", "))
}

// applyProjectDefaults fills empty paths and lists of a YAML-declared
// project with the standard per-project layout.
func applyProjectDefaults(p *Project, dataDir string) {
	if p.Category == "" {
		p.Category = p.Name
	}
	if p.RawDir == "" {
		p.RawDir = filepath.Join(dataDir, p.Name, "raw")
	}
	if p.FusedDir == "" {
		p.FusedDir = filepath.Join(dataDir, p.Name, "fused")
	}
	if p.LogDir == "" {
		p.LogDir = filepath.Join(dataDir, p.Name, "logs")
	}
	if p.ContentDir == "" {
		p.ContentDir = filepath.Join(dataDir, p.Name, "content")
	}
	if p.ContentAssetsDir == "" {
		p.ContentAssetsDir = filepath.Join(dataDir, p.Name, "content_assets")
	}
	if p.ScoreDir == "" {
		p.ScoreDir = filepath.Join(dataDir, p.Name, "scores")
	}
	if p.GeocodeCache == "" {
		p.GeocodeCache = filepath.Join(dataDir, "geo", "geocode_cache.csv")
	}
	if p.AliasMap == "" {
		p.AliasMap = filepath.Join("research", "sources", "event_name_alias_map.csv")
	}
	if p.SiteWeights == nil {
		p.SiteWeights = map[string]int{}
	}
	if len(p.IncompleteFields) == 0 {
		p.IncompleteFields = defaultIncompleteFields()
	}
}

// mergeProject overlays the fields set in override onto base.
func mergeProject(base *Project, override Project) {
	if override.Category != "" {
		base.Category = override.Category
	}
	if len(override.Sites) > 0 {
		base.Sites = override.Sites
	}
	if len(override.SiteWeights) > 0 {
		base.SiteWeights = override.SiteWeights
	}
	if override.RawDir != "" {
		base.RawDir = override.RawDir
	}
	if override.FusedDir != "" {
		base.FusedDir = override.FusedDir
	}
	if override.LogDir != "" {
		base.LogDir = override.LogDir
	}
	if override.ContentDir != "" {
		base.ContentDir = override.ContentDir
	}
	if override.ContentAssetsDir != "" {
		base.ContentAssetsDir = override.ContentAssetsDir
	}
	if override.ScoreDir != "" {
		base.ScoreDir = override.ScoreDir
	}
	if override.GeocodeCache != "" {
		base.GeocodeCache = override.GeocodeCache
	}
	if override.AliasMap != "" {
		base.AliasMap = override.AliasMap
	}
	if len(override.IncompleteFields) > 0 {
		base.IncompleteFields = override.IncompleteFields
	}
}

// ValidateProject checks a project definition and returns all problems
// found, joined together.
func ValidateProject(p *Project) error {
	var errs []string

	if p.Name == "" {
		errs = append(errs, "name is required")
	}
	if p.Category == "" {
		errs = append(errs, "category is required")
	}
	if len(p.Sites) == 0 {
		errs = append(errs, "at least one site is required")
	}
	seen := make(map[string]bool, len(p.Sites))
	for _, site := range p.Sites {
		if site == "" {
			errs = append(errs, "site ids must be non-empty")
			continue
		}
		if seen[site] {
			errs = append(errs, fmt.Sprintf("duplicate site %q", site))
		}
		seen[site] = true
	}
	for site, w := range p.SiteWeights {
		if w < 1 {
			errs = append(errs, fmt.Sprintf("site weight for %q must be >= 1, got %d", site, w))
		}
	}
	if p.RawDir == "" {
		errs = append(errs, "raw_dir is required")
	}
	if p.FusedDir == "" {
		errs = append(errs, "fused_dir is required")
	}
	if p.LogDir == "" {
		errs = append(errs, "log_dir is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid project config: %s", strings.Join(errs, "; "))
	}
	return nil
}
