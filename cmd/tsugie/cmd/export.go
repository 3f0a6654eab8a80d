package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/boogieLing/Tsugie/internal/export"
	"github.com/boogieLing/Tsugie/internal/metrics"
)

var (
	exportProjects  []string
	exportOutDir    string
	exportPrecision int
	exportKeySeed   string
	exportPretty    bool
	exportMaxPx     int
	exportQuality   int
	exportFusedRuns []string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Build the obfuscated seed bundle for the mobile client",
	Long: `Join each project's fused, content, and score runs, bucket the derived
entries by geohash, and write the three-file bundle: he_places.index.json,
he_places.payload.bin, and he_images.payload.bin.

Every payload chunk is zlib-compressed and XOR-stream-obfuscated, and
round-trip checked before anything is written. Referenced event images
are re-encoded to bounded JPEG and deduplicated by content hash.

Examples:
  tsugie export
  tsugie export --projects hanabi --out ios/TsugieSeed --precision 5
  tsugie export --fused-run hanabi=20260815_090000 --pretty`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, projects, logger, err := loadPipeline()
		if err != nil {
			return err
		}
		selected, err := selectProjects(projects, exportProjects)
		if err != nil {
			return err
		}
		overrides, err := parseRunOverrides(exportFusedRuns)
		if err != nil {
			return err
		}

		flags := cmd.Flags()
		params := export.Params{
			OutDir:           cfg.Export.OutDir,
			KeySeed:          cfg.Export.KeySeed,
			GeohashPrecision: cfg.Export.GeohashPrecision,
			ImageMaxPx:       cfg.Export.ImageMaxPx,
			ImageQuality:     cfg.Export.ImageQuality,
			Pretty:           exportPretty,
			FusedRunIDs:      overrides,
		}
		if flags.Changed("out") {
			params.OutDir = exportOutDir
		}
		if flags.Changed("precision") {
			params.GeohashPrecision = exportPrecision
		}
		if flags.Changed("key-seed") {
			params.KeySeed = exportKeySeed
		}
		if flags.Changed("image-max-px") {
			params.ImageMaxPx = exportMaxPx
		}
		if flags.Changed("image-quality") {
			params.ImageQuality = exportQuality
		}

		exporter := export.NewExporter(selected, cfg.DataDir, export.WithLogger(logger))

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		result, err := exporter.Run(ctx, params)
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}

		if err := metrics.WriteSnapshot(params.OutDir); err != nil {
			logger.Warn().Err(err).Msg("metrics snapshot failed")
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "[export] entries=%d, buckets=%d, payload_bytes=%d, image_payload_bytes=%d, images=%d/%d (unique %d)\n",
			result.Entries, result.BucketCount, result.PayloadSize, result.ImagePayloadSize,
			result.ImageStats.SourceCompressed, result.ImageStats.SourceAttempted,
			result.ImageStats.UniqueChunks)
		fmt.Fprintf(out, "  index:   %s\n", result.IndexPath)
		fmt.Fprintf(out, "  payload: %s\n", result.PayloadPath)
		fmt.Fprintf(out, "  images:  %s\n", result.ImagePayloadPath)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringSliceVar(&exportProjects, "projects", nil, "projects to bundle (default: all)")
	exportCmd.Flags().StringVar(&exportOutDir, "out", "ios/TsugieSeed", "bundle output directory")
	exportCmd.Flags().IntVar(&exportPrecision, "precision", export.DefaultGeohashPrecision, "geohash bucket precision (3-8)")
	exportCmd.Flags().StringVar(&exportKeySeed, "key-seed", export.DefaultKeySeed, "obfuscation key seed")
	exportCmd.Flags().BoolVar(&exportPretty, "pretty", false, "indent the index JSON")
	exportCmd.Flags().IntVar(&exportMaxPx, "image-max-px", export.DefaultImageMaxPx, "longest image side after re-encode")
	exportCmd.Flags().IntVar(&exportQuality, "image-quality", export.DefaultImageQuality, "JPEG re-encode quality")
	exportCmd.Flags().StringArrayVar(&exportFusedRuns, "fused-run", nil, "fused run override as project=run_id (repeatable)")
}
