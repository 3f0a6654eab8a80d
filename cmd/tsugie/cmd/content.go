package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/boogieLing/Tsugie/internal/config"
	"github.com/boogieLing/Tsugie/internal/enrich"
	"github.com/boogieLing/Tsugie/internal/metrics"
	"github.com/boogieLing/Tsugie/internal/polish"
)

var (
	contentProject    string
	contentRunID      string
	contentFusedRun   string
	contentStartIndex int
	contentMaxEvents  int

	contentMinRefreshDays int
	contentForce          bool
	contentFailedOnly     bool
	contentNearStart      bool
	contentSkipPastDays   int
	contentOnlyPastDays   int

	contentQPS           float64
	contentTimeout       time.Duration
	contentMaxRetries    int
	contentMaxSourceURLs int
	contentMaxDescChars  int
	contentMaxImages     int
	contentNoImages      bool
	contentRespectRobots bool

	contentPolishMode     string
	contentOpenAIModel    string
	contentOpenAIBaseURL  string
	contentCodexModel     string
	contentSinglePassI18N bool
	contentDescPrompt     string
	contentOneLinerPrompt string

	contentNoPointer bool
)

var contentCmd = &cobra.Command{
	Use:   "content",
	Short: "Enrich fused events with descriptions, translations, and images",
	Long: `Walk the project's latest fused run, pick the best source page per
event, extract a description and images, polish the text into Japanese,
Chinese, and English, download images, and write the run's content
JSONL/CSV plus the enrich log and summary.

Records from a prior run are reused without any network or model call
when their source signature is unchanged and fresh enough, and whole
successful records are replayed in --failed-only mode.

Polishing backends (--polish-mode):
  openai  OpenAI-compatible HTTP API (needs OPENAI_API_KEY)
  codex   local codex CLI subprocess
  auto    openai when OPENAI_API_KEY is set, codex otherwise
  none    keep the raw description only

Examples:
  tsugie content --project hanabi
  tsugie content --project hanabi --failed-only --polish-mode codex
  tsugie content --project omatsuri --max-events 50 --prioritize-near-start`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, projects, logger, err := loadPipeline()
		if err != nil {
			return err
		}
		project, err := config.ProjectByName(projects, contentProject)
		if err != nil {
			return err
		}

		flags := cmd.Flags()
		params := enrich.Params{
			RunID:         contentRunID,
			FusedRunID:    contentFusedRun,
			StartIndex:    contentStartIndex,
			MaxEvents:     contentMaxEvents,
			ProgressEvery: cfg.Content.ProgressEvery,

			MinRefreshDays: cfg.Content.MinRefreshDays,
			Force:          contentForce,

			QPS:           cfg.Content.QPS,
			Timeout:       cfg.Content.Timeout,
			MaxRetries:    cfg.Content.MaxRetries,
			MaxSourceURLs: cfg.Content.MaxSourceURLs,
			MaxDescChars:  cfg.Content.MaxDescChars,
			MaxImages:     cfg.Content.MaxImages,
			MaxImageBytes: int(cfg.Content.MaxImageBytes),
			UserAgent:     cfg.Content.UserAgent,
			RespectRobots: contentRespectRobots,

			SkipPastDays: cfg.Content.SkipPastDays,
			OnlyPastDays: cfg.Content.OnlyPastDays,

			FailedOnly:          contentFailedOnly,
			PrioritizeNearStart: contentNearStart,
			CodexSinglePassI18N: contentSinglePassI18N,

			DownloadImages:  !contentNoImages,
			UpdateLatestRun: !contentNoPointer,

			DescriptionPromptPath: contentDescPrompt,
			OneLinerPromptPath:    contentOneLinerPrompt,
		}
		if flags.Changed("min-refresh-days") {
			params.MinRefreshDays = contentMinRefreshDays
		}
		if flags.Changed("qps") {
			params.QPS = contentQPS
		}
		if flags.Changed("timeout") {
			params.Timeout = contentTimeout
		}
		if flags.Changed("max-retries") {
			params.MaxRetries = contentMaxRetries
		}
		if flags.Changed("max-source-urls") {
			params.MaxSourceURLs = contentMaxSourceURLs
		}
		if flags.Changed("max-desc-chars") {
			params.MaxDescChars = contentMaxDescChars
		}
		if flags.Changed("max-images") {
			params.MaxImages = contentMaxImages
		}
		if flags.Changed("skip-past-days") {
			params.SkipPastDays = contentSkipPastDays
		}
		if flags.Changed("only-past-days") {
			params.OnlyPastDays = contentOnlyPastDays
		}

		mode := cfg.Content.PolishMode
		if flags.Changed("polish-mode") {
			mode = contentPolishMode
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := []enrich.Option{enrich.WithLogger(logger)}
		polishOpt, err := buildPolisher(ctx, cfg, logger, mode)
		if err != nil {
			return err
		}
		if polishOpt != nil {
			opts = append(opts, polishOpt)
		}

		runner := enrich.NewRunner(project, cfg.DataDir, opts...)
		summary, err := runner.Run(ctx, params)
		if err != nil {
			return fmt.Errorf("enrich %s: %w", project.Name, err)
		}

		if err := metrics.WriteSnapshot(filepath.Dir(summary.Output.Log)); err != nil {
			logger.Warn().Err(err).Msg("metrics snapshot failed")
		}

		c := summary.Counts
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "[content] run_id=%s, fused_run=%s, total=%d, ok=%d, partial=%d, empty=%d, cached=%d, with_desc=%d, with_images=%d\n",
			summary.RunID, summary.FusedRunID,
			c.Total, c.OK, c.Partial, c.Empty, c.Cached,
			c.WithDescription, c.WithImages)
		fmt.Fprintf(out, "  jsonl:   %s\n", summary.Output.JSONL)
		fmt.Fprintf(out, "  csv:     %s\n", summary.Output.CSV)
		fmt.Fprintf(out, "  summary: %s\n", summary.SummaryPath)
		return nil
	},
}

// buildPolisher resolves the polish mode to a backend. A nil option means
// mode none: the raw description passes through unpolished.
func buildPolisher(ctx context.Context, cfg *config.Config, logger zerolog.Logger, mode string) (enrich.Option, error) {
	descTemplate, err := polish.LoadTemplate(contentDescPrompt, polish.DefaultDescriptionPrompt)
	if err != nil {
		return nil, err
	}
	oneLinerTemplate, err := polish.LoadTemplate(contentOneLinerPrompt, polish.DefaultOneLinerPrompt)
	if err != nil {
		return nil, err
	}

	apiKey := os.Getenv("OPENAI_API_KEY")
	switch {
	case mode == polish.ModeNone:
		return nil, nil
	case mode == polish.ModeOpenAI && apiKey == "":
		return nil, fmt.Errorf("polish mode openai requires OPENAI_API_KEY")
	case polish.UseRemote(mode, apiKey != ""):
		p := polish.NewOpenAIPolisher(polish.OpenAIConfig{
			Primary: polish.Target{
				Model:   contentOpenAIModel,
				BaseURL: contentOpenAIBaseURL,
				APIKey:  apiKey,
			},
			DescriptionTemplate: descTemplate,
			OneLinerTemplate:    oneLinerTemplate,
		})
		return enrich.WithPolisher(polish.ModeOpenAI, p), nil
	default:
		p := polish.NewCodexPolisher(ctx, polish.CodexConfig{
			Model:               contentCodexModel,
			Timeout:             cfg.Content.CodexTimeout,
			DescriptionTemplate: descTemplate,
			OneLinerTemplate:    oneLinerTemplate,
			Logger:              logger,
		})
		return enrich.WithPolisher(polish.ModeCodex, p), nil
	}
}

func init() {
	contentCmd.Flags().StringVar(&contentProject, "project", "hanabi", "project to enrich")
	contentCmd.Flags().StringVar(&contentRunID, "run-id", "", "run id (default: derived from the clock)")
	contentCmd.Flags().StringVar(&contentFusedRun, "fused-run", "", "fused run id (default: the project pointer)")
	contentCmd.Flags().IntVar(&contentStartIndex, "start-index", 0, "skip this many eligible rows before enriching")
	contentCmd.Flags().IntVar(&contentMaxEvents, "max-events", 0, "enrich at most this many rows (0 = all)")

	contentCmd.Flags().IntVar(&contentMinRefreshDays, "min-refresh-days", enrich.DefaultMinRefreshDays, "reuse prior records fetched within this many days")
	contentCmd.Flags().BoolVar(&contentForce, "force", false, "ignore prior content records entirely")
	contentCmd.Flags().BoolVar(&contentFailedOnly, "failed-only", false, "re-fetch only rows whose prior record is not a complete success")
	contentCmd.Flags().BoolVar(&contentNearStart, "prioritize-near-start", false, "enrich events closest to their start date first")
	contentCmd.Flags().IntVar(&contentSkipPastDays, "skip-past-days", enrich.DefaultSkipPastDays, "drop rows older than this many days (negative disables)")
	contentCmd.Flags().IntVar(&contentOnlyPastDays, "only-past-days", enrich.DefaultOnlyPastDays, "keep only rows older than this many days (negative disables)")

	contentCmd.Flags().Float64Var(&contentQPS, "qps", enrich.DefaultQPS, "outbound request rate")
	contentCmd.Flags().DurationVar(&contentTimeout, "timeout", enrich.DefaultTimeout, "per-request timeout")
	contentCmd.Flags().IntVar(&contentMaxRetries, "max-retries", enrich.DefaultMaxRetries, "fetch attempts per URL")
	contentCmd.Flags().IntVar(&contentMaxSourceURLs, "max-source-urls", enrich.DefaultMaxSourceURLs, "source pages fetched per event")
	contentCmd.Flags().IntVar(&contentMaxDescChars, "max-desc-chars", enrich.DefaultMaxDescChars, "description truncation length")
	contentCmd.Flags().IntVar(&contentMaxImages, "max-images", enrich.DefaultMaxImages, "images kept per event")
	contentCmd.Flags().BoolVar(&contentNoImages, "no-images", false, "skip image downloads")
	contentCmd.Flags().BoolVar(&contentRespectRobots, "respect-robots", false, "honor robots.txt on source pages")

	contentCmd.Flags().StringVar(&contentPolishMode, "polish-mode", "auto", "polishing backend (auto, openai, codex, none)")
	contentCmd.Flags().StringVar(&contentOpenAIModel, "openai-model", polish.DefaultModel, "model for the openai backend")
	contentCmd.Flags().StringVar(&contentOpenAIBaseURL, "openai-base-url", polish.DefaultBaseURL, "endpoint for the openai backend")
	contentCmd.Flags().StringVar(&contentCodexModel, "codex-model", polish.DefaultCodexModel, "model for the codex backend (auto probes candidates)")
	contentCmd.Flags().BoolVar(&contentSinglePassI18N, "codex-single-pass-i18n", false, "expect ZH/EN from the codex bundle; never issue a second translation pass")
	contentCmd.Flags().StringVar(&contentDescPrompt, "desc-prompt", "", "description prompt template file (default: built-in)")
	contentCmd.Flags().StringVar(&contentOneLinerPrompt, "one-liner-prompt", "", "one-liner prompt template file (default: built-in)")

	contentCmd.Flags().BoolVar(&contentNoPointer, "no-pointer", false, "do not update the project's latest_run.json")
}
