// Package config loads pipeline configuration with layered sources
// (defaults, optional YAML file, TSUGIE_* environment variables) and the
// per-project definitions that drive each stage.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where the config file is searched, in order.
var DefaultConfigPaths = []string{
	"tsugie.yaml",
	"tsugie.yml",
	"configs/tsugie.yaml",
}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "TSUGIE_CONFIG"

type Config struct {
	DataDir      string `koanf:"data_dir" validate:"required"`
	ProjectsFile string `koanf:"projects_file"`

	Logging LoggingConfig `koanf:"logging"`
	Geocode GeocodeConfig `koanf:"geocode"`
	Content ContentConfig `koanf:"content"`
	Scores  ScoresConfig  `koanf:"scores"`
	Export  ExportConfig  `koanf:"export"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type GeocodeConfig struct {
	BaseURL   string  `koanf:"base_url" validate:"required,url"`
	Email     string  `koanf:"email"`
	QPS       float64 `koanf:"qps" validate:"gt=0"`
	CachePath string  `koanf:"cache_path"`
}

type ContentConfig struct {
	Timeout        time.Duration `koanf:"timeout" validate:"gt=0"`
	QPS            float64       `koanf:"qps" validate:"gt=0"`
	UserAgent      string        `koanf:"user_agent"`
	MinRefreshDays int           `koanf:"min_refresh_days"`
	MaxImages      int           `koanf:"max_images" validate:"min=0"`
	MaxSourceURLs  int           `koanf:"max_source_urls" validate:"min=1"`
	MaxDescChars   int           `koanf:"max_desc_chars" validate:"min=1"`
	MaxImageBytes  int64         `koanf:"max_image_bytes" validate:"min=1"`
	MaxRetries     int           `koanf:"max_retries" validate:"min=1"`
	ProgressEvery  int           `koanf:"progress_every" validate:"min=1"`
	SkipPastDays   int           `koanf:"skip_past_days"`
	OnlyPastDays   int           `koanf:"only_past_days"`
	PolishMode     string        `koanf:"polish_mode" validate:"oneof=auto openai codex none"`
	CodexTimeout   time.Duration `koanf:"codex_timeout" validate:"gt=0"`
}

type ScoresConfig struct {
	Timeout   time.Duration `koanf:"timeout" validate:"gt=0"`
	QPS       float64       `koanf:"qps" validate:"gt=0"`
	Model     string        `koanf:"model" validate:"required"`
	BaseURL   string        `koanf:"base_url" validate:"required,url"`
	MaxEvents int           `koanf:"max_events"`
}

type ExportConfig struct {
	OutDir           string `koanf:"out_dir"`
	GeohashPrecision int    `koanf:"geohash_precision" validate:"min=3,max=8"`
	KeySeed          string `koanf:"key_seed" validate:"required"`
	ImageMaxPx       int    `koanf:"image_max_px" validate:"min=16"`
	ImageQuality     int    `koanf:"image_quality" validate:"min=1,max=100"`
}

// defaultConfig returns the built-in defaults, applied before the config
// file and environment layers.
func defaultConfig() *Config {
	return &Config{
		DataDir:      "data",
		ProjectsFile: "configs/projects.yaml",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Geocode: GeocodeConfig{
			BaseURL:   "https://nominatim.openstreetmap.org",
			Email:     "",
			QPS:       1.0,
			CachePath: "data/geo/geocode_cache.csv",
		},
		Content: ContentConfig{
			Timeout:        25 * time.Second,
			QPS:            0.12,
			UserAgent:      "Mozilla/5.0 (compatible; TsugieBot/1.0)",
			MinRefreshDays: 45,
			MaxImages:      6,
			MaxSourceURLs:  3,
			MaxDescChars:   1800,
			MaxImageBytes:  5_000_000,
			MaxRetries:     3,
			ProgressEvery:  20,
			SkipPastDays:   31,
			OnlyPastDays:   -1, // disabled
			PolishMode:     "auto",
			CodexTimeout:   120 * time.Second,
		},
		Scores: ScoresConfig{
			Timeout:   45 * time.Second,
			QPS:       0.2,
			Model:     "deepseek-chat",
			BaseURL:   "https://api.deepseek.com/chat/completions",
			MaxEvents: -1, // unlimited
		},
		Export: ExportConfig{
			OutDir:           "ios/TsugieSeed",
			GeohashPrecision: 5,
			KeySeed:          "tsugie-ios-seed-v1",
			ImageMaxPx:       1280,
			ImageQuality:     68,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// TSUGIE_* environment variables, then validates it.
func Load() (*Config, error) {
	return LoadFrom(findConfigFile())
}

// LoadFrom is Load with an explicit config file path ("" skips the file
// layer).
func LoadFrom(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("TSUGIE_", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first config file that exists, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps TSUGIE_* environment variables to config paths.
// Unmapped variables are dropped so stray environment noise cannot leak
// into the configuration.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, "TSUGIE_"))

	envMappings := map[string]string{
		"data_dir":      "data_dir",
		"projects_file": "projects_file",

		"log_level":  "logging.level",
		"log_format": "logging.format",

		"geocode_base_url": "geocode.base_url",
		"geocode_email":    "geocode.email",
		"geocode_qps":      "geocode.qps",
		"geocode_cache":    "geocode.cache_path",

		"content_timeout":          "content.timeout",
		"content_qps":              "content.qps",
		"content_user_agent":       "content.user_agent",
		"content_min_refresh_days": "content.min_refresh_days",
		"content_max_images":       "content.max_images",
		"content_max_retries":      "content.max_retries",
		"polish_mode":              "content.polish_mode",
		"codex_timeout":            "content.codex_timeout",

		"scores_timeout":    "scores.timeout",
		"scores_qps":        "scores.qps",
		"scores_model":      "scores.model",
		"scores_base_url":   "scores.base_url",
		"scores_max_events": "scores.max_events",

		"export_out_dir":       "export.out_dir",
		"export_precision":     "export.geohash_precision",
		"export_key_seed":      "export.key_seed",
		"export_image_max_px":  "export.image_max_px",
		"export_image_quality": "export.image_quality",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
