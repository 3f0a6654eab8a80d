package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	Init("v1.0.0", "abc123", "2026-07-01")

	if testutil.CollectAndCount(AppInfo) == 0 {
		t.Error("AppInfo metric should be registered")
	}
}

func TestCountersRegister(t *testing.T) {
	GeocodeLookups.WithLabelValues("ok").Inc()
	GeocodeLookups.WithLabelValues("cached_ok").Inc()
	ContentFetches.WithLabelValues("http_error").Inc()
	PolishCalls.WithLabelValues("codex", "ok").Inc()
	ScoreRecords.WithLabelValues("fallback").Inc()
	ExportChunks.WithLabelValues("spatial").Inc()

	if testutil.CollectAndCount(GeocodeLookups) < 2 {
		t.Error("GeocodeLookups should expose both statuses")
	}
	if testutil.CollectAndCount(PolishCalls) == 0 {
		t.Error("PolishCalls should be registered")
	}
}

func TestWriteSnapshot(t *testing.T) {
	dir := t.TempDir()
	FusedRows.WithLabelValues("hanabi").Add(3)

	if err := WriteSnapshot(dir); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, SnapshotFile))
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if !strings.Contains(string(raw), "tsugie_fused_rows_total") {
		t.Errorf("snapshot missing fused rows counter:\n%s", raw)
	}
}
