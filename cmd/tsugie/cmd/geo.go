package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/boogieLing/Tsugie/internal/geoqa"
)

var geoCmd = &cobra.Command{
	Use:   "geo",
	Short: "Coordinate quality utilities for fused runs",
}

var (
	gateProjects   []string
	gateReportPath string
	gateFusedRuns  []string

	gateMaxHighRisk     int
	gateMinGroupSize    int
	gateMinUniqueVenues int
	gateMinLowConfRatio float64
	gateTopN            int
)

// geoGateCmd exits 2 when the gate fails, so CI can distinguish a bad
// dataset from a broken invocation.
var geoGateCmd = &cobra.Command{
	Use:   "gate",
	Short: "Fail when fused coordinates collapse onto shared points",
	Long: `Scan each project's latest fused run for rounded coordinates shared by
two or more events and flag groups that look like geocoding collapses:
points spanning multiple prefectures, or large low-confidence clusters
with several distinct venues.

Exit status: 0 when the gate passes, 2 when it fails.

Examples:
  tsugie geo gate
  tsugie geo gate --projects hanabi --report data/geo_gate_report.json
  tsugie geo gate --max-high-risk 3 --top-n 10`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, projects, logger, err := loadPipeline()
		if err != nil {
			return err
		}
		selected, err := selectProjects(projects, gateProjects)
		if err != nil {
			return err
		}
		overrides, err := parseRunOverrides(gateFusedRuns)
		if err != nil {
			return err
		}

		th := geoqa.DefaultThresholds()
		flags := cmd.Flags()
		if flags.Changed("max-high-risk") {
			th.MaxHighRiskGroups = gateMaxHighRisk
		}
		if flags.Changed("min-group-size") {
			th.MinGroupSize = gateMinGroupSize
		}
		if flags.Changed("min-unique-venues") {
			th.MinUniqueVenues = gateMinUniqueVenues
		}
		if flags.Changed("min-low-conf-ratio") {
			th.MinLowConfidenceRatio = gateMinLowConfRatio
		}
		if flags.Changed("top-n") {
			th.TopN = gateTopN
		}

		gate := geoqa.NewGate(selected, cfg.DataDir, geoqa.WithLogger(logger))

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		report, err := gate.Run(ctx, geoqa.Params{
			Thresholds:  th,
			ReportPath:  gateReportPath,
			FusedRunIDs: overrides,
		})
		if err != nil {
			return fmt.Errorf("geo gate: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "[geo-gate] projects=%d, high_risk_groups=%d, max_allowed=%d, passed=%t\n",
			len(report.Summary.ProjectsChecked), report.Summary.TotalHighRiskGroups,
			th.MaxHighRiskGroups, report.Summary.GatePassed)
		if gateReportPath != "" {
			fmt.Fprintf(out, "  report: %s\n", gateReportPath)
		}
		if !report.Summary.GatePassed {
			os.Exit(2)
		}
		return nil
	},
}

var (
	repairInput   string
	repairOutput  string
	repairMetrics string
	repairBackup  bool
)

var geoRepairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Rewrite a fused run's geo_source labels and purge legacy points",
	Long: `Reclassify every row of one events_fused.jsonl: wipe unparseable
coordinates and legacy Tokyo Station defaults to missing, relabel
prefecture-center points, and mark the rest source_exact. By default the
file is rewritten atomically in place.

Examples:
  tsugie geo repair --input data/hanabi/fused/20260815_090000/events_fused.jsonl
  tsugie geo repair --input events_fused.jsonl --output repaired.jsonl --metrics repair_metrics.json
  tsugie geo repair --input events_fused.jsonl --backup`,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := geoqa.Repair(geoqa.RepairParams{
			Input:       repairInput,
			Output:      repairOutput,
			MetricsPath: repairMetrics,
			Backup:      repairBackup,
		})
		if err != nil {
			return fmt.Errorf("geo repair: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "[geo-repair] rows_in=%d, rows_out=%d\n", m.RowsIn, m.RowsOut)
		for action, count := range m.Stats {
			fmt.Fprintf(out, "  %s: %d\n", action, count)
		}
		return nil
	},
}

func init() {
	geoCmd.AddCommand(geoGateCmd)
	geoCmd.AddCommand(geoRepairCmd)

	geoGateCmd.Flags().StringSliceVar(&gateProjects, "projects", nil, "projects to check (default: all)")
	geoGateCmd.Flags().StringVar(&gateReportPath, "report", "", "write the full report JSON here")
	geoGateCmd.Flags().StringArrayVar(&gateFusedRuns, "fused-run", nil, "fused run override as project=run_id (repeatable)")
	geoGateCmd.Flags().IntVar(&gateMaxHighRisk, "max-high-risk", 0, "high-risk groups tolerated before the gate fails")
	geoGateCmd.Flags().IntVar(&gateMinGroupSize, "min-group-size", 4, "group size that can qualify as high risk")
	geoGateCmd.Flags().IntVar(&gateMinUniqueVenues, "min-unique-venues", 3, "distinct venues that can qualify as high risk")
	geoGateCmd.Flags().Float64Var(&gateMinLowConfRatio, "min-low-conf-ratio", 0.8, "low-confidence ratio that can qualify as high risk")
	geoGateCmd.Flags().IntVar(&gateTopN, "top-n", 20, "suspicious groups kept per project in the report")

	geoRepairCmd.Flags().StringVar(&repairInput, "input", "", "events_fused.jsonl to repair")
	geoRepairCmd.Flags().StringVar(&repairOutput, "output", "", "output path (default: rewrite --input in place)")
	geoRepairCmd.Flags().StringVar(&repairMetrics, "metrics", "", "write repair metrics JSON here")
	geoRepairCmd.Flags().BoolVar(&repairBackup, "backup", false, "keep a .bak copy of the input")
	_ = geoRepairCmd.MarkFlagRequired("input")
}
