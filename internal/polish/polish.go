// Package polish turns raw scraped event text into publishable copy in
// Japanese, Chinese, and English. Two backends implement the same
// interface: an OpenAI-compatible HTTP API and a local codex subprocess.
// Model output is treated as untrusted text; JSON answers are fished out
// of whatever prose surrounds them.
package polish

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	json "github.com/goccy/go-json"

	"github.com/boogieLing/Tsugie/internal/domain/events"
)

// Polishing modes as selected on the command line.
const (
	ModeAuto   = "auto"
	ModeOpenAI = "openai"
	ModeCodex  = "codex"
	ModeNone   = "none"
)

// UseRemote reports whether the remote backend should handle polishing for
// the requested mode. Auto resolves to remote exactly when an API key is
// configured.
func UseRemote(mode string, hasAPIKey bool) bool {
	switch mode {
	case ModeCodex, ModeNone:
		return false
	case ModeOpenAI:
		return true
	}
	return hasAPIKey
}

// Bundle is one polishing result. Description and OneLiner are Japanese;
// the ZH/EN fields stay empty when the backend polishes one language per
// call and leaves translation to a second pass.
type Bundle struct {
	Description   string
	OneLiner      string
	DescriptionZH string
	OneLinerZH    string
	DescriptionEN string
	OneLinerEN    string
}

// Translation is the ZH/EN pair derived from already-polished Japanese copy.
type Translation struct {
	DescriptionZH string
	OneLinerZH    string
	DescriptionEN string
	OneLinerEN    string
}

// Polisher produces publishable copy from raw page text.
type Polisher interface {
	// PolishBundle rewrites raw text into a description and a one-liner.
	PolishBundle(ctx context.Context, raw string) (Bundle, error)
	// TranslatePair fills the ZH/EN fields from polished Japanese text.
	TranslatePair(ctx context.Context, description, oneLiner string) (Translation, error)
	// ModelTag names the model(s) behind this polisher for run records.
	ModelTag() string
}

const oneLinerMaxRunes = 45

// FallbackOneLiner derives a one-liner when no backend produced one: the
// whitespace-flattened text, clipped to 45 runes with a trailing ellipsis.
func FallbackOneLiner(raw string) string {
	text := events.Clean(raw)
	if text == "" {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= oneLinerMaxRunes {
		return text
	}
	clipped := strings.TrimRightFunc(string(runes[:oneLinerMaxRunes-1]), unicode.IsSpace)
	return clipped + "…"
}

var jsonObjectPattern = regexp.MustCompile(`\{[\s\S]*\}`)

// ParseJSONObject pulls a JSON object out of model output, tolerating prose
// around the outermost {...} block. Returns nil when nothing parses.
func ParseJSONObject(raw string) map[string]any {
	text := events.CleanBlock(raw)
	if text == "" {
		return nil
	}
	var direct map[string]any
	if err := json.Unmarshal([]byte(text), &direct); err == nil {
		return direct
	}
	candidate := strings.TrimSpace(jsonObjectPattern.FindString(text))
	if candidate == "" {
		return nil
	}
	var fromBlock map[string]any
	if err := json.Unmarshal([]byte(candidate), &fromBlock); err == nil {
		return fromBlock
	}
	return nil
}

// stringField returns the cleaned string value under key ("" for missing or
// non-string values).
func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return events.CleanBlock(s)
}

func translationFrom(data map[string]any) Translation {
	return Translation{
		DescriptionZH: stringField(data, "polished_description_zh"),
		OneLinerZH:    stringField(data, "one_liner_zh"),
		DescriptionEN: stringField(data, "polished_description_en"),
		OneLinerEN:    stringField(data, "one_liner_en"),
	}
}

// translatePrompt asks for the ZH/EN pair as a bare JSON object.
func translatePrompt(description, oneLiner string) string {
	return "请把下面的日文活动文案翻译成简体中文和英文，并仅返回 JSON。\n" +
		"保持信息完整，不添加原文没有的信息。\n\n" +
		"日文介绍：" + description + "\n" +
		"日文一句话：" + oneLiner + "\n\n" +
		"JSON 格式：\n" +
		`{"polished_description_zh":"...","one_liner_zh":"...",` +
		`"polished_description_en":"...","one_liner_en":"..."}` + "\n" +
		"不要输出额外说明、不要输出 markdown 代码块。"
}
