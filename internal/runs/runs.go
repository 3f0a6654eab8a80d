// Package runs manages pipeline run directories and the per-project
// latest_run.json pointer that chains stages together.
package runs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
)

// RunIDLayout is the timestamp form shared by every stage.
const RunIDLayout = "20060102_150405"

// PointerFile names the per-project stage pointer document.
const PointerFile = "latest_run.json"

// NewRunID returns a fresh run id from the clock, in UTC.
func NewRunID(clk clockwork.Clock) string {
	return clk.Now().UTC().Format(RunIDLayout)
}

// EnsureRunDir creates <root>/<runID> and returns its path.
func EnsureRunDir(root, runID string) (string, error) {
	dir := filepath.Join(root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	return dir, nil
}

// PointerPath returns the pointer file location under a project root.
func PointerPath(root string) string {
	return filepath.Join(root, PointerFile)
}

// ReadPointer loads the pointer document. A missing file is an empty map.
func ReadPointer(root string) (map[string]string, error) {
	raw, err := os.ReadFile(PointerPath(root))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", PointerFile, err)
	}
	var loose map[string]json.RawMessage
	if err := json.Unmarshal(raw, &loose); err != nil {
		return nil, fmt.Errorf("parse %s: %w", PointerFile, err)
	}
	out := make(map[string]string, len(loose))
	for k, v := range loose {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		out[k] = strings.TrimSpace(string(v))
	}
	return out, nil
}

// UpdatePointer merges updates into the pointer document and swaps it
// atomically. Existing keys not named in updates survive.
func UpdatePointer(root string, updates map[string]string) error {
	current, err := ReadPointer(root)
	if err != nil {
		return err
	}
	for k, v := range updates {
		current[k] = v
	}
	raw, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", PointerFile, err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create project root: %w", err)
	}
	return WriteFileAtomic(PointerPath(root), append(raw, '\n'), 0o644)
}

// WriteFileAtomic writes data to a uniquely named sibling and renames it
// over path, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := fmt.Sprintf("%s.tmp-%s", path, ulid.Make().String())
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("swap %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ListRunDirs returns run directories under root, newest modification first.
// The latest mirror and dotted names are skipped.
func ListRunDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list run dirs: %w", err)
	}
	type dirInfo struct {
		path  string
		mtime int64
	}
	var dirs []dirInfo
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "latest" || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, dirInfo{filepath.Join(root, e.Name()), info.ModTime().UnixNano()})
	}
	sort.SliceStable(dirs, func(i, j int) bool { return dirs[i].mtime > dirs[j].mtime })
	out := make([]string, len(dirs))
	for i, d := range dirs {
		out[i] = d.path
	}
	return out, nil
}

// RelativePath rewrites path relative to root for pointer files and
// records; paths outside root stay as given.
func RelativePath(path, root string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return rel
}

// MirrorLatest copies the named files into <root>/latest, creating it as
// needed, so downstream consumers have a stable location for the last run.
func MirrorLatest(root string, files ...string) (string, error) {
	dir := filepath.Join(root, "latest")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create latest dir: %w", err)
	}
	for _, src := range files {
		if src == "" {
			continue
		}
		if err := copyFile(src, filepath.Join(dir, filepath.Base(src))); err != nil {
			return "", err
		}
	}
	return dir, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("copy %s: %w", filepath.Base(src), err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("copy %s: %w", filepath.Base(src), err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", filepath.Base(src), err)
	}
	return out.Close()
}
