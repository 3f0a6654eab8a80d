package polish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/boogieLing/Tsugie/internal/domain/events"
	"github.com/boogieLing/Tsugie/internal/metrics"
)

const (
	// DefaultCodexModel asks the resolver to probe for a supported model.
	DefaultCodexModel = "auto"

	// DefaultCodexTimeout for one codex invocation; the constructor floors
	// shorter configs to codexMinTimeout.
	DefaultCodexTimeout = 120 * time.Second

	codexMinTimeout = 20 * time.Second

	// unsupportedModelHint appears in codex output when a ChatGPT-account
	// session rejects the requested model.
	unsupportedModelHint = "not supported when using Codex with a ChatGPT account"

	// codexFallbackModel is appended to every attempt list; ChatGPT-account
	// sessions reject lightweight variants but keep this one available.
	codexFallbackModel = "gpt-5"
)

// defaultCodexCandidates is the probe order for auto model resolution,
// cheapest first.
var defaultCodexCandidates = []string{
	"gpt-5-mini",
	"gpt-4.1-mini",
	"gpt-4o-mini",
	"o4-mini",
	"o3-mini",
	"gpt-5",
}

// codexRunner executes one codex invocation under a timeout and returns its
// stdout, stderr, and run error. Swapped for a fake in tests.
type codexRunner func(ctx context.Context, timeout time.Duration, args []string) (stdout, stderr string, runErr error)

func runCodex(ctx context.Context, timeout time.Duration, args []string) (string, string, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, "codex", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// CodexConfig configures the subprocess polisher.
type CodexConfig struct {
	// WorkDir is passed to codex -C. Defaults to the current directory.
	WorkDir string
	// Model is a concrete model name, or auto/cheapest/lite to probe the
	// candidate list at construction.
	Model   string
	Timeout time.Duration

	DescriptionTemplate string
	OneLinerTemplate    string

	Logger zerolog.Logger
}

// CodexPolisher shells out to the codex CLI, which answers with all three
// languages in one JSON bundle. Model resolution happens once at
// construction; every later call retries the resolved model and falls back
// to gpt-5 when the session rejects it.
type CodexPolisher struct {
	workDir             string
	model               string
	timeout             time.Duration
	descriptionTemplate string
	oneLinerTemplate    string
	logger              zerolog.Logger
	run                 codexRunner
}

func NewCodexPolisher(ctx context.Context, cfg CodexConfig) *CodexPolisher {
	p := &CodexPolisher{
		workDir:             cfg.WorkDir,
		model:               events.Clean(cfg.Model),
		timeout:             cfg.Timeout,
		descriptionTemplate: cfg.DescriptionTemplate,
		oneLinerTemplate:    cfg.OneLinerTemplate,
		logger:              cfg.Logger,
		run:                 runCodex,
	}
	if p.workDir == "" {
		p.workDir = "."
	}
	if p.timeout < codexMinTimeout {
		p.timeout = codexMinTimeout
	}

	resolved := p.resolveModel(ctx)
	if resolved != p.model {
		requested := p.model
		if requested == "" {
			requested = DefaultCodexModel
		}
		p.logger.Info().
			Str("requested", requested).
			Str("using", resolved).
			Msg("codex model resolved")
	}
	p.model = resolved
	return p
}

// ModelTag reports the resolved model.
func (p *CodexPolisher) ModelTag() string { return p.model }

// PolishBundle runs the combined six-field prompt. Output that carries no
// parseable JSON object yields an empty Bundle without error; the caller
// decides whether empty fields are acceptable.
func (p *CodexPolisher) PolishBundle(ctx context.Context, raw string) (Bundle, error) {
	prompt := codexBundlePrompt(
		RenderPrompt(p.descriptionTemplate, raw),
		RenderPrompt(p.oneLinerTemplate, raw),
	)
	out, err := p.call(ctx, prompt)
	if err != nil {
		metrics.PolishCalls.WithLabelValues("codex", "error").Inc()
		return Bundle{}, err
	}
	metrics.PolishCalls.WithLabelValues("codex", "ok").Inc()
	data := ParseJSONObject(out)
	if data == nil {
		return Bundle{}, nil
	}
	return Bundle{
		Description:   stringField(data, "polished_description"),
		OneLiner:      stringField(data, "one_liner"),
		DescriptionZH: stringField(data, "polished_description_zh"),
		OneLinerZH:    stringField(data, "one_liner_zh"),
		DescriptionEN: stringField(data, "polished_description_en"),
		OneLinerEN:    stringField(data, "one_liner_en"),
	}, nil
}

// TranslatePair fills the ZH/EN fields from polished Japanese copy.
func (p *CodexPolisher) TranslatePair(ctx context.Context, description, oneLiner string) (Translation, error) {
	out, err := p.call(ctx, translatePrompt(description, oneLiner))
	if err != nil {
		metrics.PolishCalls.WithLabelValues("codex", "error").Inc()
		return Translation{}, err
	}
	metrics.PolishCalls.WithLabelValues("codex", "ok").Inc()
	data := ParseJSONObject(out)
	if data == nil {
		return Translation{}, nil
	}
	return translationFrom(data), nil
}

func codexBundlePrompt(descPrompt, oneLinerPrompt string) string {
	return descPrompt + "\n\n" +
		oneLinerPrompt + "\n\n" +
		"同时请基于同一原始文本，补充以下 4 个字段：\n" +
		"1) polished_description_zh（简体中文介绍）\n" +
		"2) one_liner_zh（简体中文一句话）\n" +
		"3) polished_description_en（英文介绍）\n" +
		"4) one_liner_en（英文一句话）\n\n" +
		"请仅返回 JSON，格式如下：\n" +
		`{"polished_description":"...","one_liner":"...",` +
		`"polished_description_zh":"...","one_liner_zh":"...",` +
		`"polished_description_en":"...","one_liner_en":"..."}` + "\n" +
		"不要输出额外说明、不要输出 markdown 代码块。"
}

// resolveModel returns the model calls will use. Concrete names pass
// through; empty and auto/cheapest/lite probe the candidate list and fall
// back to gpt-5 when nothing answers.
func (p *CodexPolisher) resolveModel(ctx context.Context) string {
	switch strings.ToLower(p.model) {
	case "", "auto", "cheapest", "lite":
	default:
		return p.model
	}
	for _, candidate := range codexModelCandidates() {
		if p.probeModel(ctx, candidate) {
			return candidate
		}
	}
	return codexFallbackModel
}

// codexModelCandidates returns the probe order: the CODEX_MODEL_CANDIDATES
// env var (comma-separated) when set, the built-in list otherwise, always
// ending with the fallback model.
func codexModelCandidates() []string {
	var candidates []string
	for _, part := range strings.Split(os.Getenv("CODEX_MODEL_CANDIDATES"), ",") {
		part = events.Clean(part)
		if part != "" && !containsString(candidates, part) {
			candidates = append(candidates, part)
		}
	}
	if len(candidates) == 0 {
		candidates = append(candidates, defaultCodexCandidates...)
	}
	if !containsString(candidates, codexFallbackModel) {
		candidates = append(candidates, codexFallbackModel)
	}
	return candidates
}

// probeModel asks a candidate model to reply OK in a scratch directory. Any
// output carrying the unsupported-account hint fails the probe.
func (p *CodexPolisher) probeModel(ctx context.Context, model string) bool {
	if model == "" {
		return false
	}
	dir, err := os.MkdirTemp("", "codex_model_probe_")
	if err != nil {
		return false
	}
	defer os.RemoveAll(dir)

	outputPath := filepath.Join(dir, "probe_output.txt")
	timeout := p.timeout
	if timeout > 20*time.Second {
		timeout = 20 * time.Second
	}
	if timeout < 8*time.Second {
		timeout = 8 * time.Second
	}

	args := codexArgs(dir, outputPath, model, "Reply with exactly OK.")
	stdout, stderr, runErr := p.run(ctx, timeout, args)

	output := readOutputFile(outputPath)
	combined := combineOutput(stdout, stderr, output)
	if strings.Contains(combined, unsupportedModelHint) {
		return false
	}
	return runErr == nil && output != ""
}

// call runs the prompt through codex: up to two attempts per model, moving
// on to the fallback model when the session rejects the preferred one.
func (p *CodexPolisher) call(ctx context.Context, prompt string) (string, error) {
	tmp, err := os.CreateTemp("", "codex_out_")
	if err != nil {
		return "", fmt.Errorf("create codex output file: %w", err)
	}
	outputPath := tmp.Name()
	tmp.Close()
	defer os.Remove(outputPath)

	var models []string
	if p.model != "" {
		models = append(models, p.model)
	}
	if !containsString(models, codexFallbackModel) {
		models = append(models, codexFallbackModel)
	}

	lastError := "unknown codex error"
	for _, model := range models {
		for attempt := 1; attempt <= 2; attempt++ {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			args := codexArgs(p.workDir, outputPath, model, prompt)
			stdout, stderr, runErr := p.run(ctx, p.timeout, args)

			output := readOutputFile(outputPath)
			if runErr == nil && output != "" {
				return output, nil
			}

			combined := combineOutput(stdout, stderr, output)
			if combined != "" {
				lastError = truncateRunes(combined, 500)
			} else {
				lastError = fmt.Sprintf("codex_empty_response(model=%s, attempt=%d)", model, attempt)
			}

			if strings.Contains(combined, unsupportedModelHint) && model != codexFallbackModel {
				break
			}
			if attempt < 2 {
				select {
				case <-time.After(time.Duration(attempt) * time.Second):
				case <-ctx.Done():
					return "", ctx.Err()
				}
			}
		}
	}
	return "", errors.New(lastError)
}

func codexArgs(workDir, outputPath, model, prompt string) []string {
	return []string{
		"exec",
		"--skip-git-repo-check",
		"-C", workDir,
		"--sandbox", "read-only",
		"--output-last-message", outputPath,
		"-m", model,
		prompt,
	}
}

func readOutputFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func combineOutput(parts ...string) string {
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func containsString(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}
	return false
}
