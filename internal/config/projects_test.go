package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultProjects(t *testing.T) {
	projects := DefaultProjects("data")
	if len(projects) != 2 {
		t.Fatalf("got %d projects, want 2", len(projects))
	}

	hanabi := projects[0]
	if hanabi.Name != "hanabi" || hanabi.Category != "hanabi" {
		t.Errorf("hanabi project = %q/%q", hanabi.Name, hanabi.Category)
	}
	if len(hanabi.Sites) != 8 {
		t.Errorf("hanabi sites = %d, want 8", len(hanabi.Sites))
	}
	if hanabi.SiteWeights["hanabi_cloud"] != 8 || hanabi.SiteWeights["hanabeam"] != 2 {
		t.Errorf("hanabi weights = %v", hanabi.SiteWeights)
	}
	if hanabi.RawDir != filepath.Join("data", "hanabi", "raw") {
		t.Errorf("hanabi RawDir = %q", hanabi.RawDir)
	}

	omatsuri := projects[1]
	if len(omatsuri.Sites) != 6 {
		t.Errorf("omatsuri sites = %d, want 6", len(omatsuri.Sites))
	}
	if omatsuri.GeocodeCache != hanabi.GeocodeCache {
		t.Errorf("geocode cache should be shared: %q vs %q", omatsuri.GeocodeCache, hanabi.GeocodeCache)
	}

	for _, p := range projects {
		if err := ValidateProject(&p); err != nil {
			t.Errorf("default project %q invalid: %v", p.Name, err)
		}
	}
}

func TestLoadProjects_MissingFile(t *testing.T) {
	projects, err := LoadProjects(filepath.Join(t.TempDir(), "nope.yaml"), "data")
	if err != nil {
		t.Fatalf("LoadProjects: %v", err)
	}
	if len(projects) != 2 {
		t.Errorf("got %d projects, want defaults", len(projects))
	}
}

func TestLoadProjects_OverrideKnown(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "projects.yaml")
	yaml := `
projects:
  - name: hanabi
    sites: [hanabi_cloud, jorudan]
    site_weights:
      hanabi_cloud: 9
    raw_dir: /srv/hanabi/raw
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	projects, err := LoadProjects(path, "data")
	if err != nil {
		t.Fatalf("LoadProjects: %v", err)
	}

	hanabi, err := ProjectByName(projects, "hanabi")
	if err != nil {
		t.Fatal(err)
	}
	if len(hanabi.Sites) != 2 {
		t.Errorf("sites = %v, want override", hanabi.Sites)
	}
	if hanabi.SiteWeights["hanabi_cloud"] != 9 {
		t.Errorf("weights = %v, want override", hanabi.SiteWeights)
	}
	if hanabi.RawDir != "/srv/hanabi/raw" {
		t.Errorf("RawDir = %q, want override", hanabi.RawDir)
	}
	// Fields the override leaves unset keep their defaults.
	if hanabi.FusedDir != filepath.Join("data", "hanabi", "fused") {
		t.Errorf("FusedDir = %q, want default", hanabi.FusedDir)
	}
	if hanabi.Category != "hanabi" {
		t.Errorf("Category = %q, want default", hanabi.Category)
	}
}

func TestLoadProjects_AppendNew(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "projects.yaml")
	yaml := `
projects:
  - name: illumination
    sites: [walkerplus_illumi]
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	projects, err := LoadProjects(path, "data")
	if err != nil {
		t.Fatalf("LoadProjects: %v", err)
	}
	if len(projects) != 3 {
		t.Fatalf("got %d projects, want 3", len(projects))
	}

	p, err := ProjectByName(projects, "illumination")
	if err != nil {
		t.Fatal(err)
	}
	if p.Category != "illumination" {
		t.Errorf("Category = %q, want name fallback", p.Category)
	}
	if p.RawDir != filepath.Join("data", "illumination", "raw") {
		t.Errorf("RawDir = %q, want standard layout", p.RawDir)
	}
	if len(p.IncompleteFields) == 0 {
		t.Error("IncompleteFields should default")
	}
}

func TestLoadProjects_InvalidProject(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "projects.yaml")
	yaml := `
projects:
  - name: broken
    sites: [a, a]
    site_weights:
      a: 0
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadProjects(path, "data")
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "duplicate site") {
		t.Errorf("error = %v, want duplicate site", err)
	}
	if !strings.Contains(err.Error(), "must be >= 1") {
		t.Errorf("error = %v, want weight bound", err)
	}
}

func TestProjectByName_Unknown(t *testing.T) {
	projects := DefaultProjects("data")
	_, err := ProjectByName(projects, "bonodori")
	if err == nil {
		t.Fatal("expected error for unknown project")
	}
	if !strings.Contains(err.Error(), "hanabi") {
		t.Errorf("error should list known projects: %v", err)
	}
}

func TestProjectPointerPath(t *testing.T) {
	p := Project{Name: "hanabi"}
	want := filepath.Join("data", "hanabi", "latest_run.json")
	if got := p.PointerPath("data"); got != want {
		t.Errorf("PointerPath = %q, want %q", got, want)
	}
}
