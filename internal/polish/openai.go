package polish

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/boogieLing/Tsugie/internal/domain/events"
	"github.com/boogieLing/Tsugie/internal/metrics"
)

const (
	// DefaultBaseURL is the responses-format endpoint used when no other
	// endpoint is configured.
	DefaultBaseURL = "https://api.openai.com/v1/responses"
	// DefaultModel for remote polishing.
	DefaultModel = "gpt-5-mini"
	// DefaultTimeout for one remote call.
	DefaultTimeout = 25 * time.Second
)

// Target selects the model, endpoint, and key for one polishing task.
type Target struct {
	Model   string
	BaseURL string
	APIKey  string
}

// merged fills empty fields from the primary target.
func (t Target) merged(primary Target) Target {
	out := Target{
		Model:   events.Clean(t.Model),
		BaseURL: events.Clean(t.BaseURL),
		APIKey:  strings.TrimSpace(t.APIKey),
	}
	if out.Model == "" {
		out.Model = primary.Model
	}
	if out.BaseURL == "" {
		out.BaseURL = primary.BaseURL
	}
	if out.APIKey == "" {
		out.APIKey = primary.APIKey
	}
	return out
}

// OpenAIConfig configures the remote polisher. The OneLiner and Translation
// targets fall back to Primary field by field, so a single key/endpoint
// setup needs only Primary.
type OpenAIConfig struct {
	Primary     Target
	OneLiner    Target
	Translation Target

	DescriptionTemplate string
	OneLinerTemplate    string

	Timeout time.Duration
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// OpenAIPolisher polishes text through an OpenAI-compatible HTTP API. The
// request shape follows the endpoint path: chat-completions payloads when
// the endpoint ends in /chat/completions, responses payloads otherwise.
type OpenAIPolisher struct {
	primary     Target
	oneLiner    Target
	translation Target

	descriptionTemplate string
	oneLinerTemplate    string

	client   *http.Client
	modelTag string
}

func NewOpenAIPolisher(cfg OpenAIConfig) *OpenAIPolisher {
	primary := Target{
		Model:   events.Clean(cfg.Primary.Model),
		BaseURL: events.Clean(cfg.Primary.BaseURL),
		APIKey:  strings.TrimSpace(cfg.Primary.APIKey),
	}
	oneLiner := cfg.OneLiner.merged(primary)

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	return &OpenAIPolisher{
		primary:             primary,
		oneLiner:            oneLiner,
		translation:         cfg.Translation.merged(primary),
		descriptionTemplate: cfg.DescriptionTemplate,
		oneLinerTemplate:    cfg.OneLinerTemplate,
		client:              client,
		modelTag:            fmt.Sprintf("description:%s;one_liner:%s", primary.Model, oneLiner.Model),
	}
}

// ModelTag identifies the description and one-liner models.
func (p *OpenAIPolisher) ModelTag() string { return p.modelTag }

// PolishBundle polishes the Japanese description and one-liner with two
// calls. The ZH/EN fields stay empty; TranslatePair fills them later.
func (p *OpenAIPolisher) PolishBundle(ctx context.Context, raw string) (Bundle, error) {
	description, err := p.call(ctx, p.primary, RenderPrompt(p.descriptionTemplate, raw))
	if err != nil {
		metrics.PolishCalls.WithLabelValues("openai", "error").Inc()
		return Bundle{}, err
	}
	oneLiner, err := p.call(ctx, p.oneLiner, RenderPrompt(p.oneLinerTemplate, raw))
	if err != nil {
		metrics.PolishCalls.WithLabelValues("openai", "error").Inc()
		return Bundle{}, err
	}
	metrics.PolishCalls.WithLabelValues("openai", "ok").Inc()
	return Bundle{Description: description, OneLiner: oneLiner}, nil
}

// TranslatePair translates polished Japanese copy to ZH/EN. An answer that
// carries no parseable JSON object yields an empty Translation, not an
// error: the caller records the missing fields.
func (p *OpenAIPolisher) TranslatePair(ctx context.Context, description, oneLiner string) (Translation, error) {
	out, err := p.call(ctx, p.translation, translatePrompt(description, oneLiner))
	if err != nil {
		metrics.PolishCalls.WithLabelValues("openai", "error").Inc()
		return Translation{}, err
	}
	metrics.PolishCalls.WithLabelValues("openai", "ok").Inc()
	data := ParseJSONObject(out)
	if data == nil {
		return Translation{}, nil
	}
	return translationFrom(data), nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type responsesRequest struct {
	Model     string         `json:"model"`
	Input     string         `json:"input"`
	Reasoning reasoningLevel `json:"reasoning"`
}

type reasoningLevel struct {
	Effort string `json:"effort"`
}

func (p *OpenAIPolisher) call(ctx context.Context, t Target, prompt string) (string, error) {
	endpoint := strings.TrimRight(t.BaseURL, "/")

	var payload any
	if strings.HasSuffix(endpoint, "/chat/completions") {
		payload = chatRequest{
			Model:       t.Model,
			Messages:    []chatMessage{{Role: "user", Content: prompt}},
			Temperature: 0.2,
		}
	} else {
		payload = responsesRequest{
			Model:     t.Model,
			Input:     prompt,
			Reasoning: reasoningLevel{Effort: "low"},
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode polish request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build polish request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("polish request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read polish response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("polish endpoint %s: status %d", endpoint, resp.StatusCode)
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return "", fmt.Errorf("decode polish response: %w", err)
	}
	text := extractResponsesText(data)
	if text == "" {
		text = ExtractChatText(data)
	}
	return events.CleanBlock(text), nil
}

// extractResponsesText handles the responses API shape: a top-level
// output_text string, or output[].content[] parts of type output_text/text
// whose text is a string or a {value: string} object.
func extractResponsesText(data map[string]any) string {
	if direct, ok := data["output_text"].(string); ok && strings.TrimSpace(direct) != "" {
		return strings.TrimSpace(direct)
	}
	output, ok := data["output"].([]any)
	if !ok {
		return ""
	}

	var chunks []string
	add := func(s string) {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			chunks = append(chunks, trimmed)
		}
	}
	for _, item := range output {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		content, ok := obj["content"].([]any)
		if !ok {
			continue
		}
		for _, c := range content {
			part, ok := c.(map[string]any)
			if !ok {
				continue
			}
			switch part["type"] {
			case "output_text":
				if txt, ok := part["text"].(string); ok {
					add(txt)
				}
			case "text":
				switch txt := part["text"].(type) {
				case string:
					add(txt)
				case map[string]any:
					if val, ok := txt["value"].(string); ok {
						add(val)
					}
				}
			}
		}
	}
	return strings.TrimSpace(strings.Join(chunks, "\n"))
}

// ExtractChatText handles the chat-completions shape: choices[].message
// .content as a plain string or a list of strings / {text} parts.
func ExtractChatText(data map[string]any) string {
	choices, ok := data["choices"].([]any)
	if !ok {
		return ""
	}

	var chunks []string
	add := func(s string) {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			chunks = append(chunks, trimmed)
		}
	}
	for _, choice := range choices {
		obj, ok := choice.(map[string]any)
		if !ok {
			continue
		}
		message, ok := obj["message"].(map[string]any)
		if !ok {
			continue
		}
		switch content := message["content"].(type) {
		case string:
			add(content)
		case []any:
			for _, item := range content {
				switch part := item.(type) {
				case string:
					add(part)
				case map[string]any:
					switch txt := part["text"].(type) {
					case string:
						add(txt)
					case map[string]any:
						if val, ok := txt["value"].(string); ok {
							add(val)
						}
					}
				}
			}
		}
	}
	return strings.TrimSpace(strings.Join(chunks, "\n"))
}
