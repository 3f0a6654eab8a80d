package metrics

import (
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all Tsugie metrics
const namespace = "tsugie"

// Registry is the global Prometheus registry for all metrics
var Registry = prometheus.NewRegistry()

// SnapshotFile is where WriteSnapshot leaves the run's counters.
const SnapshotFile = "metrics.prom"

// AppInfo exposes build information as labels (value is always 1)
var AppInfo = promauto.With(Registry).NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "app_info",
		Help:      "Application version information (always set to 1, version info in labels)",
	},
	[]string{"version", "commit", "build_date"},
)

// Init sets build info metrics at startup
func Init(version, commit, buildDate string) {
	AppInfo.WithLabelValues(version, commit, buildDate).Set(1)
}

// GeocodeLookups counts geocoder resolutions by outcome status
// (ok, cached_ok, no_result, error)
var GeocodeLookups = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "geocode_lookups_total",
		Help:      "Total geocode lookups by outcome status",
	},
	[]string{"status"},
)

// FusedRows counts fused canonical rows per project
var FusedRows = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fused_rows_total",
		Help:      "Total canonical rows produced by fusion",
	},
	[]string{"project"},
)

// OverlapRepairs counts coordinate overlap-repair outcomes
var OverlapRepairs = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "overlap_repairs_total",
		Help:      "Total overlap repair attempts by outcome (attempted, resolved, skipped_no_query)",
	},
	[]string{"outcome"},
)

// ContentFetches counts enrichment page fetches by result
// (ok, http_error, transport_error, robots_disallowed)
var ContentFetches = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "content_fetches_total",
		Help:      "Total enrichment page fetches by result",
	},
	[]string{"result"},
)

// ContentRecords counts enrichment records by final status
// (ok, partial, empty, cached)
var ContentRecords = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "content_records_total",
		Help:      "Total enrichment records by final status",
	},
	[]string{"status"},
)

// ImagesDownloaded counts event images written to disk
var ImagesDownloaded = promauto.With(Registry).NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "images_downloaded_total",
		Help:      "Total event images downloaded during enrichment",
	},
)

// PolishCalls counts text polishing invocations by backend and result
var PolishCalls = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "polish_calls_total",
		Help:      "Total polish backend invocations by backend (openai, codex) and result (ok, error)",
	},
	[]string{"backend", "result"},
)

// ScoreRecords counts scoring outcomes by source (ai, fallback, cached)
var ScoreRecords = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "score_records_total",
		Help:      "Total score records by source",
	},
	[]string{"source"},
)

// ExportChunks counts obfuscated payload chunks by kind (spatial, image)
var ExportChunks = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "export_chunks_total",
		Help:      "Total payload chunks written by kind",
	},
	[]string{"kind"},
)

// GeoGateGroups counts coordinate overlap groups seen by the geo quality
// gate, by risk (overlap, high_risk)
var GeoGateGroups = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "geo_gate_groups_total",
		Help:      "Total coordinate overlap groups inspected by the geo gate",
	},
	[]string{"risk"},
)

// GeoRepairRows counts fused rows by repair ladder action
var GeoRepairRows = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "geo_repair_rows_total",
		Help:      "Total fused rows classified by the geo_source repair pass",
	},
	[]string{"action"},
)

// WriteSnapshot dumps the registry in text exposition format into dir.
// Pipeline runs are batch jobs, so counters are persisted per run directory
// instead of being scraped.
func WriteSnapshot(dir string) error {
	return prometheus.WriteToTextfile(filepath.Join(dir, SnapshotFile), Registry)
}
