package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/boogieLing/Tsugie/internal/config"
	"github.com/boogieLing/Tsugie/internal/metrics"
	"github.com/boogieLing/Tsugie/internal/scores"
)

var (
	scoreProject    string
	scoreRunID      string
	scoreFusedRun   string
	scoreContentRun string

	scoreModel     string
	scoreBaseURL   string
	scorePrompt    string
	scoreTimeout   time.Duration
	scoreQPS       float64
	scoreMaxEvents int

	scoreFailedOnly bool
	scoreNearStart  bool
	scoreNoPointer  bool
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score fused events for heat and surprise",
	Long: `Build one bounded JSON payload per fused event (joined with its best
content record), ask a JSON-mode chat model for integer heat and surprise
scores, and write the run's score JSONL/CSV plus summary.

Prior scores are reused when the payload hash is unchanged; without
DEEPSEEK_API_KEY (or on model failure) rows get deterministic heuristic
scores derived from source count, launch count, and expected visitors.

Examples:
  tsugie score --project hanabi
  tsugie score --project hanabi --max-events 200 --prioritize-near-start
  tsugie score --project omatsuri --failed-only`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, projects, logger, err := loadPipeline()
		if err != nil {
			return err
		}
		project, err := config.ProjectByName(projects, scoreProject)
		if err != nil {
			return err
		}

		flags := cmd.Flags()
		params := scores.Params{
			RunID:        scoreRunID,
			FusedRunID:   scoreFusedRun,
			ContentRunID: scoreContentRun,

			APIKey:     os.Getenv("DEEPSEEK_API_KEY"),
			Model:      cfg.Scores.Model,
			BaseURL:    cfg.Scores.BaseURL,
			PromptPath: scorePrompt,

			Timeout:   cfg.Scores.Timeout,
			QPS:       cfg.Scores.QPS,
			MaxEvents: cfg.Scores.MaxEvents,

			FailedOnly:          scoreFailedOnly,
			PrioritizeNearStart: scoreNearStart,
			UpdateLatestRun:     !scoreNoPointer,
		}
		if flags.Changed("model") {
			params.Model = scoreModel
		}
		if flags.Changed("base-url") {
			params.BaseURL = scoreBaseURL
		}
		if flags.Changed("timeout") {
			params.Timeout = scoreTimeout
		}
		if flags.Changed("qps") {
			params.QPS = scoreQPS
		}
		if flags.Changed("max-events") {
			params.MaxEvents = scoreMaxEvents
		}

		runner := scores.NewRunner(project, cfg.DataDir, scores.WithLogger(logger))

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		summary, err := runner.Run(ctx, params)
		if err != nil {
			return fmt.Errorf("score %s: %w", project.Name, err)
		}

		if err := metrics.WriteSnapshot(filepath.Dir(summary.SummaryPath)); err != nil {
			logger.Warn().Err(err).Msg("metrics snapshot failed")
		}

		st := summary.Stats
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "[score] run_id=%s, fused_run=%s, total=%d, ai_ok=%d, ai_failed=%d, reused=%d, fallback=%d, skipped_max_events=%d\n",
			summary.RunID, summary.FusedRunID,
			st.Total, st.AIOk, st.AIFailed, st.ReusedOK, st.Fallback, st.SkippedMaxEvents)
		fmt.Fprintf(out, "  jsonl:   %s\n", summary.Files.JSONL)
		fmt.Fprintf(out, "  csv:     %s\n", summary.Files.CSV)
		fmt.Fprintf(out, "  summary: %s\n", summary.SummaryPath)
		return nil
	},
}

func init() {
	scoreCmd.Flags().StringVar(&scoreProject, "project", "hanabi", "project to score")
	scoreCmd.Flags().StringVar(&scoreRunID, "run-id", "", "run id (default: derived from the clock)")
	scoreCmd.Flags().StringVar(&scoreFusedRun, "fused-run", "", "fused run id (default: the project pointer)")
	scoreCmd.Flags().StringVar(&scoreContentRun, "content-run", "", "content run id (default: the project pointer)")

	scoreCmd.Flags().StringVar(&scoreModel, "model", scores.DefaultModel, "scoring model")
	scoreCmd.Flags().StringVar(&scoreBaseURL, "base-url", scores.DefaultBaseURL, "chat-completions endpoint")
	scoreCmd.Flags().StringVar(&scorePrompt, "prompt", "", "scoring prompt template file (default: built-in)")
	scoreCmd.Flags().DurationVar(&scoreTimeout, "timeout", scores.DefaultTimeout, "per-call timeout")
	scoreCmd.Flags().Float64Var(&scoreQPS, "qps", scores.DefaultQPS, "model call rate")
	scoreCmd.Flags().IntVar(&scoreMaxEvents, "max-events", -1, "cap model calls; later rows fall back (negative = unlimited)")

	scoreCmd.Flags().BoolVar(&scoreFailedOnly, "failed-only", false, "re-score only rows without a prior ok score")
	scoreCmd.Flags().BoolVar(&scoreNearStart, "prioritize-near-start", false, "score events closest to their start date first")
	scoreCmd.Flags().BoolVar(&scoreNoPointer, "no-pointer", false, "do not update the project's latest_run.json")
}
