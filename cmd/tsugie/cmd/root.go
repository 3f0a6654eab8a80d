package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/boogieLing/Tsugie/internal/config"
	"github.com/boogieLing/Tsugie/internal/metrics"
)

var (
	// Global flags
	configPath string
	logLevel   string
	logFormat  string

	rootCmd = &cobra.Command{
		Use:   "tsugie",
		Short: "Tsugie pipeline - Japanese event aggregation and export",
		Long: `Tsugie aggregates Japanese fireworks and festival event data from
public sites into one canonical, geolocated, multilingual dataset.

The pipeline runs as staged batch jobs chained by file handoff:
- fuse:    merge per-site raw streams into canonical events (dedup, field
           voting, geocoding, coordinate overlap repair)
- content: fetch source pages, extract descriptions and images, polish
           text into Japanese, Chinese, and English
- score:   heat and surprise scoring through a JSON-mode model, with a
           deterministic heuristic fallback
- export:  geohash-bucketed, compressed, obfuscated seed bundle for the
           mobile client
- geo:     coordinate quality gate and fused-run repair utilities`,
	}
)

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	metrics.Init(Version, GitCommit, BuildDate)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: TSUGIE_CONFIG, then tsugie.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error) (default: info)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json, console) (default: json)")

	rootCmd.AddCommand(fuseCmd)
	rootCmd.AddCommand(contentCmd)
	rootCmd.AddCommand(scoreCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(geoCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadPipeline builds the configuration, the project list, and the logger
// every stage command starts from. CLI log flags override the config file.
func loadPipeline() (*config.Config, []config.Project, zerolog.Logger, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFrom(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, nil, zerolog.Nop(), err
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	logger := config.NewLogger(cfg.Logging)

	projects, err := config.LoadProjects(cfg.ProjectsFile, cfg.DataDir)
	if err != nil {
		return nil, nil, zerolog.Nop(), err
	}
	return cfg, projects, logger, nil
}

// selectProjects resolves --projects names against the configured set; an
// empty selection means every project.
func selectProjects(projects []config.Project, names []string) ([]*config.Project, error) {
	if len(names) == 0 {
		out := make([]*config.Project, len(projects))
		for i := range projects {
			out[i] = &projects[i]
		}
		return out, nil
	}
	out := make([]*config.Project, 0, len(names))
	for _, name := range names {
		p, err := config.ProjectByName(projects, name)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// parseRunOverrides parses repeated project=run_id pairs.
func parseRunOverrides(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, runID, ok := strings.Cut(pair, "=")
		if !ok || name == "" || runID == "" {
			return nil, fmt.Errorf("invalid run override %q (want project=run_id)", pair)
		}
		out[name] = runID
	}
	return out, nil
}
