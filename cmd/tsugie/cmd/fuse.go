package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/boogieLing/Tsugie/internal/config"
	"github.com/boogieLing/Tsugie/internal/fuse"
	"github.com/boogieLing/Tsugie/internal/geocoding"
	"github.com/boogieLing/Tsugie/internal/geocoding/nominatim"
	"github.com/boogieLing/Tsugie/internal/metrics"
	"github.com/boogieLing/Tsugie/internal/runs"
)

var (
	fuseProject    string
	fuseRunID      string
	fuseTargetYear string
	fuseStrictYear bool
	fuseNoGeocode  bool
	fuseNoPointer  bool
)

var fuseCmd = &cobra.Command{
	Use:   "fuse",
	Short: "Fuse one project's raw site streams into canonical events",
	Long: `Read every <raw_dir>/<site>.jsonl stream of the project, group rows by
normalized dedup key, vote each field across group members, resolve
coordinates (source coordinates, then layered geocode queries, then
prefecture centers), re-resolve suspicious coincident points, and write
the run's fused JSONL/CSV plus audit logs.

Examples:
  tsugie fuse --project hanabi
  tsugie fuse --project hanabi --target-year 2026 --strict-year
  tsugie fuse --project omatsuri --no-geocode`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, projects, logger, err := loadPipeline()
		if err != nil {
			return err
		}
		project, err := config.ProjectByName(projects, fuseProject)
		if err != nil {
			return err
		}

		opts := []fuse.Option{fuse.WithLogger(logger)}
		var geocoder *geocoding.Service
		if !fuseNoGeocode {
			cachePath := project.GeocodeCache
			if cachePath == "" {
				cachePath = cfg.Geocode.CachePath
			}
			client := nominatim.NewClient(cfg.Geocode.BaseURL, cfg.Geocode.Email,
				nominatim.WithRateLimit(cfg.Geocode.QPS))
			geocoder, err = geocoding.NewService(cachePath, client, geocoding.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("open geocode cache: %w", err)
			}
			opts = append(opts, fuse.WithGeocoder(geocoder))
		}

		engine := fuse.NewEngine(project, opts...)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		summary, err := engine.Run(ctx, fuse.Params{
			RunID:      fuseRunID,
			TargetYear: fuseTargetYear,
			StrictYear: fuseStrictYear,
		})
		if err != nil {
			return fmt.Errorf("fuse %s: %w", project.Name, err)
		}

		if !fuseNoPointer {
			root := project.RootDir(cfg.DataDir)
			if err := runs.UpdatePointer(root, map[string]string{
				"fused_run_id": summary.RunID,
			}); err != nil {
				return fmt.Errorf("update run pointer: %w", err)
			}
		}
		if err := metrics.WriteSnapshot(filepath.Dir(summary.DedupLog)); err != nil {
			logger.Warn().Err(err).Msg("metrics snapshot failed")
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "[fusion] run_id=%s, input_rows=%d, groups=%d, geocode=%d/%d (cache %d), overlap_repaired=%d/%d, incomplete=%d, alias_candidates=%d\n",
			summary.RunID, summary.InputRows, summary.GroupCount,
			summary.GeocodeResolved, summary.GeocodeAttempted, summary.GeocodeCacheHits,
			summary.OverlapRepairResolved, summary.OverlapRepairAttempted,
			summary.IncompleteCount, summary.AliasCandidatesCount)
		fmt.Fprintf(out, "  fused:   %s\n", summary.FusedJSONL)
		fmt.Fprintf(out, "  csv:     %s\n", summary.FusedCSV)
		fmt.Fprintf(out, "  dedup:   %s\n", summary.DedupLog)
		fmt.Fprintf(out, "  geocode: %s\n", summary.GeocodeLog)
		fmt.Fprintf(out, "  overlap: %s\n", summary.OverlapRepairLog)
		return nil
	},
}

func init() {
	fuseCmd.Flags().StringVar(&fuseProject, "project", "hanabi", "project to fuse")
	fuseCmd.Flags().StringVar(&fuseRunID, "run-id", "", "run id (default: derived from the clock)")
	fuseCmd.Flags().StringVar(&fuseTargetYear, "target-year", "", "event year the run targets")
	fuseCmd.Flags().BoolVar(&fuseStrictYear, "strict-year", false, "drop rows whose extracted year differs from --target-year")
	fuseCmd.Flags().BoolVar(&fuseNoGeocode, "no-geocode", false, "skip network geocoding (source coordinates and prefecture centers only)")
	fuseCmd.Flags().BoolVar(&fuseNoPointer, "no-pointer", false, "do not update the project's latest_run.json")
}
