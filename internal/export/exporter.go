// Package export builds the obfuscated seed bundle the mobile client ships
// with: a geohash-bucketed spatial payload of fused events joined with
// their best content and score rows, a deduplicated image payload, and the
// index document describing both. Every chunk is zlib-compressed, XOR
// obfuscated, and verified to decode back to its source before anything is
// written.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/boogieLing/Tsugie/internal/config"
	"github.com/boogieLing/Tsugie/internal/domain/events"
	"github.com/boogieLing/Tsugie/internal/match"
	"github.com/boogieLing/Tsugie/internal/metrics"
	"github.com/boogieLing/Tsugie/internal/runs"
	"github.com/boogieLing/Tsugie/internal/scores"
)

const (
	DefaultGeohashPrecision = 5
	DefaultImageMaxPx       = 1280
	DefaultImageQuality     = 68

	IndexFileName        = "he_places.index.json"
	PayloadFileName      = "he_places.payload.bin"
	ImagePayloadFileName = "he_images.payload.bin"

	indexVersion  = 4
	unknownBucket = "_unknown"
)

// Exporter builds one seed bundle from the latest runs of its projects.
type Exporter struct {
	projects    []*config.Project
	dataDir     string
	logger      zerolog.Logger
	clock       clockwork.Clock
	encodeImage ImageEncoderFunc
}

// Option configures an Exporter.
type Option func(*Exporter)

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Exporter) { e.logger = logger }
}

func WithClock(clock clockwork.Clock) Option {
	return func(e *Exporter) { e.clock = clock }
}

// WithImageEncoder replaces the libvips re-encoder.
func WithImageEncoder(fn ImageEncoderFunc) Option {
	return func(e *Exporter) { e.encodeImage = fn }
}

func NewExporter(projects []*config.Project, dataDir string, opts ...Option) *Exporter {
	e := &Exporter{
		projects:    projects,
		dataDir:     dataDir,
		logger:      zerolog.Nop(),
		clock:       clockwork.NewRealClock(),
		encodeImage: encodeJPEGFile,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Params are the per-run knobs.
type Params struct {
	OutDir string

	KeySeed          string // "" uses DefaultKeySeed
	GeohashPrecision int    // 0 uses DefaultGeohashPrecision; valid range 3-8
	ImageMaxPx       int    // 0 uses DefaultImageMaxPx; floor 200
	ImageQuality     int    // 0 uses DefaultImageQuality; clamped to 1-100
	Pretty           bool

	// FusedRunIDs overrides the pointer-selected fused run per project name.
	FusedRunIDs map[string]string
}

// CodecInfo names the chunk encoding the decoder must implement.
type CodecInfo struct {
	Compression string `json:"compression"`
	Obfuscation string `json:"obfuscation"`
	Encoding    string `json:"encoding"`
	Charset     string `json:"charset"`
}

// RecordCounts breaks the bundle down by event category.
type RecordCounts struct {
	Hanabi  int `json:"hanabi"`
	Matsuri int `json:"matsuri"`
	Total   int `json:"total"`
}

// ContentCounts reports how much enrichment actually reached the bundle.
type ContentCounts struct {
	WithDescription int `json:"with_description"`
	WithOneLiner    int `json:"with_one_liner"`
	WithSourceURLs  int `json:"with_source_urls"`
	WithImageRef    int `json:"with_image_ref"`
}

// SpatialIndexInfo describes the bucketing scheme of the spatial payload.
type SpatialIndexInfo struct {
	Scheme      string `json:"scheme"`
	Precision   int    `json:"precision"`
	BucketCount int    `json:"bucket_count"`
}

// BucketMeta locates one geohash bucket inside the spatial payload file.
type BucketMeta struct {
	RecordCount   int    `json:"record_count"`
	PayloadSHA256 string `json:"payload_sha256"`
	PayloadOffset int    `json:"payload_offset"`
	PayloadLength int    `json:"payload_length"`
}

// ImageCodecInfo extends the chunk codec with the image re-encode settings.
type ImageCodecInfo struct {
	Compression string `json:"compression"`
	Obfuscation string `json:"obfuscation"`
	Encoding    string `json:"encoding"`
	ImageFormat string `json:"image_format"`
	MaxPx       int    `json:"max_px"`
	Quality     int    `json:"quality"`
}

// ImagePayloadInfo describes the image payload file.
type ImagePayloadInfo struct {
	File       string         `json:"file"`
	SHA256     string         `json:"sha256"`
	SizeBytes  int            `json:"size_bytes"`
	EntryCount int            `json:"entry_count"`
	Codec      ImageCodecInfo `json:"codec"`
}

// IndexDoc is the he_places.index.json document. Version 4 is the shape
// the shipping mobile decoder expects.
type IndexDoc struct {
	Version          int                   `json:"version"`
	GeneratedAt      string                `json:"generated_at"`
	Codec            CodecInfo             `json:"codec"`
	SourceRuns       map[string]any        `json:"source_runs"`
	RecordCounts     RecordCounts          `json:"record_counts"`
	ContentCounts    ContentCounts         `json:"content_counts"`
	SpatialIndex     SpatialIndexInfo      `json:"spatial_index"`
	PayloadFile      string                `json:"payload_file"`
	PayloadSHA256    string                `json:"payload_sha256"`
	PayloadSizeBytes int                   `json:"payload_size_bytes"`
	PayloadBuckets   map[string]BucketMeta `json:"payload_buckets"`
	ImagePayload     ImagePayloadInfo      `json:"image_payload"`
}

// Result reports one export run.
type Result struct {
	IndexPath        string
	PayloadPath      string
	ImagePayloadPath string

	Entries          int
	BucketCount      int
	PayloadSize      int
	ImagePayloadSize int

	RecordCounts  RecordCounts
	ContentCounts ContentCounts
	ImageStats    ImageStats
	SourceRuns    map[string]any
}

type projectExport struct {
	name        string
	fusedRunID  string
	contentRuns []string
}

// Run joins each project's fused rows with their best content and score
// records, then writes the three bundle files under params.OutDir.
func (e *Exporter) Run(ctx context.Context, params Params) (*Result, error) {
	if params.OutDir == "" {
		return nil, errors.New("export out dir is empty")
	}
	keySeed := params.KeySeed
	if keySeed == "" {
		keySeed = DefaultKeySeed
	}
	precision := params.GeohashPrecision
	if precision == 0 {
		precision = DefaultGeohashPrecision
	}
	if precision < 3 || precision > 8 {
		return nil, fmt.Errorf("geohash precision %d out of range 3-8", precision)
	}
	maxPx := params.ImageMaxPx
	if maxPx == 0 {
		maxPx = DefaultImageMaxPx
	}
	maxPx = max(maxPx, 200)
	quality := params.ImageQuality
	if quality == 0 {
		quality = DefaultImageQuality
	}
	quality = clamp(quality, 1, 100)

	var entries []*Entry
	sourceRuns := make(map[string]any, len(e.projects)*2)
	for _, project := range e.projects {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		exported, projectEntries, err := e.loadProject(project, precision, params.FusedRunIDs[project.Name])
		if err != nil {
			return nil, err
		}
		entries = append(entries, projectEntries...)
		sourceRuns[exported.name+"_fused_run_id"] = exported.fusedRunID
		sourceRuns[exported.name+"_content_runs"] = exported.contentRuns
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].IOSPlaceID < entries[j].IOSPlaceID })

	imagePayload, imageStats, err := e.buildImagePayload(entries, keySeed, maxPx, quality)
	if err != nil {
		return nil, err
	}
	bucketMeta, payload, err := buildSpatialPayload(entries, keySeed)
	if err != nil {
		return nil, err
	}

	doc := &IndexDoc{
		Version:     indexVersion,
		GeneratedAt: e.clock.Now().UTC().Format(time.RFC3339),
		Codec: CodecInfo{
			Compression: "zlib",
			Obfuscation: "xor_sha256_stream_v1",
			Encoding:    "binary_frame_v1",
			Charset:     "utf-8",
		},
		SourceRuns:    sourceRuns,
		RecordCounts:  countByCategory(entries),
		ContentCounts: countContentFields(entries),
		SpatialIndex: SpatialIndexInfo{
			Scheme:      "geohash_prefix_v1",
			Precision:   precision,
			BucketCount: len(bucketMeta),
		},
		PayloadFile:      PayloadFileName,
		PayloadSHA256:    sha256Hex(payload),
		PayloadSizeBytes: len(payload),
		PayloadBuckets:   bucketMeta,
		ImagePayload: ImagePayloadInfo{
			File:       ImagePayloadFileName,
			SHA256:     sha256Hex(imagePayload),
			SizeBytes:  len(imagePayload),
			EntryCount: imageStats.WithImageRef,
			Codec: ImageCodecInfo{
				Compression: "zlib",
				Obfuscation: "xor_sha256_stream_v1",
				Encoding:    "binary_frame_v1",
				ImageFormat: "jpeg",
				MaxPx:       maxPx,
				Quality:     quality,
			},
		},
	}

	if err := os.MkdirAll(params.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("create out dir: %w", err)
	}
	indexPath := filepath.Join(params.OutDir, IndexFileName)
	payloadPath := filepath.Join(params.OutDir, PayloadFileName)
	imagePayloadPath := filepath.Join(params.OutDir, ImagePayloadFileName)

	indexRaw, err := encodeIndex(doc, params.Pretty)
	if err != nil {
		return nil, err
	}
	if err := runs.WriteFileAtomic(payloadPath, payload, 0o644); err != nil {
		return nil, err
	}
	if err := runs.WriteFileAtomic(imagePayloadPath, imagePayload, 0o644); err != nil {
		return nil, err
	}
	if err := runs.WriteFileAtomic(indexPath, indexRaw, 0o644); err != nil {
		return nil, err
	}

	e.logger.Info().
		Int("records", len(entries)).
		Int("bucket_count", len(bucketMeta)).
		Int("geohash_precision", precision).
		Int("payload_size_bytes", len(payload)).
		Int("image_payload_size_bytes", len(imagePayload)).
		Int("with_description", doc.ContentCounts.WithDescription).
		Int("with_one_liner", doc.ContentCounts.WithOneLiner).
		Int("with_image_ref", doc.ContentCounts.WithImageRef).
		Str("index", indexPath).
		Msg("[export] seed bundle written")

	return &Result{
		IndexPath:        indexPath,
		PayloadPath:      payloadPath,
		ImagePayloadPath: imagePayloadPath,
		Entries:          len(entries),
		BucketCount:      len(bucketMeta),
		PayloadSize:      len(payload),
		ImagePayloadSize: len(imagePayload),
		RecordCounts:     doc.RecordCounts,
		ContentCounts:    doc.ContentCounts,
		ImageStats:       imageStats,
		SourceRuns:       sourceRuns,
	}, nil
}

// loadProject reads one project's fused run and derives its entries, with
// content and score rows joined through the cross-run resolver.
func (e *Exporter) loadProject(project *config.Project, precision int, fusedOverride string) (projectExport, []*Entry, error) {
	root := project.RootDir(e.dataDir)
	pointer, err := runs.ReadPointer(root)
	if err != nil {
		return projectExport{}, nil, err
	}
	fusedRunID := events.Clean(fusedOverride)
	if fusedRunID == "" {
		fusedRunID = events.Clean(pointer["fused_run_id"])
	}
	if fusedRunID == "" {
		return projectExport{}, nil, fmt.Errorf("project %s: no fused run to export", project.Name)
	}
	fusedPath := filepath.Join(project.FusedDir, fusedRunID, "events_fused.jsonl")
	if !isRegularFile(fusedPath) {
		return projectExport{}, nil, fmt.Errorf("project %s: fused data not found: %s", project.Name, fusedPath)
	}
	rows, _, err := events.LoadJSONL(fusedPath)
	if err != nil {
		return projectExport{}, nil, fmt.Errorf("project %s: %w", project.Name, err)
	}

	contentIdx, contentRuns, err := loadContentIndex(project.ContentDir, fusedRunID)
	if err != nil {
		return projectExport{}, nil, fmt.Errorf("project %s: %w", project.Name, err)
	}
	scoreIdx, _, err := scores.LoadIndex(project.ScoreDir, events.Clean(pointer["score_run_id"]))
	if err != nil {
		return projectExport{}, nil, fmt.Errorf("project %s: %w", project.Name, err)
	}

	assetRoots := []string{root, e.dataDir}
	entries := make([]*Entry, 0, len(rows))
	for _, row := range rows {
		keys := fusedRowKeys(row)
		var content events.Record
		if best, ok := contentIdx.Resolve(keys); ok {
			content = best
		}
		entry := buildEntry(project.Category, row, precision, content, assetRoots)
		if rec, ok := scoreIdx.Resolve(keys); ok && usableModelScore(rec) {
			applyModelScore(entry, rec)
		}
		entries = append(entries, entry)
	}
	if contentRuns == nil {
		contentRuns = []string{}
	}

	e.logger.Info().
		Str("project", project.Name).
		Str("fused_run_id", fusedRunID).
		Int("rows", len(rows)).
		Strs("content_runs", contentRuns).
		Msg("[export] project loaded")

	return projectExport{name: project.Name, fusedRunID: fusedRunID, contentRuns: contentRuns}, entries, nil
}

func fusedRowKeys(row events.Record) match.Keys {
	return match.Keys{
		CanonicalID: row.Clean("canonical_id"),
		SourceURLs:  events.SplitFlexibleList(row["source_urls"]),
		NameDate:    match.NameDateKey(row.Field("event_name"), row.Field("event_date_start")),
	}
}

// usableModelScore keeps only rows genuinely produced by the model; cached
// heuristic fallbacks never override the bundle heuristic.
func usableModelScore(rec *scores.ScoreRecord) bool {
	status := strings.ToLower(events.Clean(rec.Status))
	if status != "ok" && !strings.HasPrefix(status, "cached") {
		return false
	}
	return strings.EqualFold(events.Clean(rec.ScoreSource), "ai")
}

// applyModelScore rewrites the heuristic triple with the model's answer,
// clamped to the ranges the payload guarantees.
func applyModelScore(entry *Entry, rec *scores.ScoreRecord) {
	entry.HeatScore = clamp(rec.InitialHeatScore, 20, 100)
	entry.SurpriseScore = clamp(rec.SurpriseScore, 15, 98)
	entry.ScaleScore = clamp(entry.HeatScore-6, 25, 99)
}

// buildSpatialPayload serializes entries bucket by geohash into obfuscated
// frames: buckets in sorted key order, rows sorted by place id inside each,
// so identical inputs produce identical payload bytes. Entries without a
// geohash land in the "_unknown" bucket.
func buildSpatialPayload(entries []*Entry, keySeed string) (map[string]BucketMeta, []byte, error) {
	grouped := make(map[string][]*Entry)
	for _, entry := range entries {
		key := entry.Geohash
		if key == "" {
			key = unknownBucket
		}
		grouped[key] = append(grouped[key], entry)
	}
	keys := make([]string, 0, len(grouped))
	for key := range grouped {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var payload []byte
	meta := make(map[string]BucketMeta, len(grouped))
	for _, key := range keys {
		rows := grouped[key]
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].IOSPlaceID < rows[j].IOSPlaceID })
		raw, err := marshalCompact(rows)
		if err != nil {
			return nil, nil, err
		}
		chunk, sha, err := encodeChunk(raw, keySeed)
		if err != nil {
			return nil, nil, err
		}
		meta[key] = BucketMeta{
			RecordCount:   len(rows),
			PayloadSHA256: sha,
			PayloadOffset: len(payload),
			PayloadLength: len(chunk),
		}
		payload = append(payload, chunk...)
		metrics.ExportChunks.WithLabelValues("spatial").Inc()
	}
	return meta, payload, nil
}

func countByCategory(entries []*Entry) RecordCounts {
	counts := RecordCounts{Total: len(entries)}
	for _, entry := range entries {
		switch entry.Category {
		case "hanabi":
			counts.Hanabi++
		case "matsuri":
			counts.Matsuri++
		}
	}
	return counts
}

func countContentFields(entries []*Entry) ContentCounts {
	var counts ContentCounts
	for _, entry := range entries {
		if entry.Description != "" {
			counts.WithDescription++
		}
		if entry.OneLiner != "" {
			counts.WithOneLiner++
		}
		if len(entry.SourceURLs) > 0 {
			counts.WithSourceURLs++
		}
		if entry.ImagePayloadOffset != nil && entry.ImagePayloadLength > 0 {
			counts.WithImageRef++
		}
	}
	return counts
}

// marshalCompact renders v without HTML escaping or a trailing newline, the
// form the payload frames and the minified index use.
func marshalCompact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func encodeIndex(doc *IndexDoc, pretty bool) ([]byte, error) {
	if !pretty {
		return marshalCompact(doc)
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode index: %w", err)
	}
	return append(raw, '\n'), nil
}
