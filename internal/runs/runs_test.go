package runs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRunID_UTCFormat(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Date(2026, 7, 26, 19, 30, 5, 0, time.FixedZone("JST", 9*3600)))
	// 19:30 JST is 10:30 UTC
	assert.Equal(t, "20260726_103005", NewRunID(clk))
}

func TestEnsureRunDir(t *testing.T) {
	root := t.TempDir()
	dir, err := EnsureRunDir(root, "20260726_103005")
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// second call is idempotent
	_, err = EnsureRunDir(root, "20260726_103005")
	assert.NoError(t, err)
}

func TestReadPointer_Missing(t *testing.T) {
	got, err := ReadPointer(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestUpdatePointer_MergesAndSurvivesReload(t *testing.T) {
	root := t.TempDir()

	require.NoError(t, UpdatePointer(root, map[string]string{
		"run_id":       "20260726_103005",
		"fused_events": "data/fused/20260726_103005/events_fused.jsonl",
	}))
	require.NoError(t, UpdatePointer(root, map[string]string{
		"content_run_id": "20260727_000000",
	}))

	got, err := ReadPointer(root)
	require.NoError(t, err)
	assert.Equal(t, "20260726_103005", got["run_id"])
	assert.Equal(t, "20260727_000000", got["content_run_id"])
	assert.Equal(t, "data/fused/20260726_103005/events_fused.jsonl", got["fused_events"])

	// no temp leftovers from the atomic swap
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReadPointer_ToleratesNonStringValues(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(PointerPath(root), []byte(`{"run_id":"a","count":12}`), 0o644))

	got, err := ReadPointer(root)
	require.NoError(t, err)
	assert.Equal(t, "a", got["run_id"])
	assert.Equal(t, "12", got["count"])
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	require.NoError(t, WriteFileAtomic(path, []byte("{}"), 0o644))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(raw))
}

func TestListRunDirs_NewestFirstSkippingLatest(t *testing.T) {
	root := t.TempDir()
	older := filepath.Join(root, "20260701_000000")
	newer := filepath.Join(root, "20260726_103005")
	require.NoError(t, os.Mkdir(older, 0o755))
	require.NoError(t, os.Mkdir(newer, 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "latest"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.txt"), nil, 0o644))

	base := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(older, base, base))
	require.NoError(t, os.Chtimes(newer, base.Add(time.Minute), base.Add(time.Minute)))

	dirs, err := ListRunDirs(root)
	require.NoError(t, err)
	require.Len(t, dirs, 2)
	assert.Equal(t, newer, dirs[0])
	assert.Equal(t, older, dirs[1])
}

func TestListRunDirs_MissingRoot(t *testing.T) {
	dirs, err := ListRunDirs(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Nil(t, dirs)
}

func TestRelativePath(t *testing.T) {
	root := filepath.Join("data", "hanabi")
	inside := filepath.Join(root, "content", "20260726_103005_content", "events_content.jsonl")
	assert.Equal(t, filepath.Join("content", "20260726_103005_content", "events_content.jsonl"), RelativePath(inside, root))

	outside := filepath.Join("elsewhere", "events.jsonl")
	assert.Equal(t, outside, RelativePath(outside, root))

	assert.Equal(t, ".", RelativePath(root, root))
}

func TestMirrorLatest(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "events.jsonl")
	require.NoError(t, os.WriteFile(src, []byte("{}\n"), 0o644))

	dir, err := MirrorLatest(root, src, "")
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(raw))
}
