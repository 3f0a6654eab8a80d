package scores

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/boogieLing/Tsugie/internal/domain/events"
	"github.com/boogieLing/Tsugie/internal/polish"
)

// Analyzer scores one event payload. Implementations return the parsed
// model answer as a loose JSON object.
type Analyzer interface {
	Analyze(ctx context.Context, input ModelInput) (map[string]any, error)
}

// DeepSeekConfig configures the remote scoring analyzer.
type DeepSeekConfig struct {
	APIKey         string
	Model          string
	BaseURL        string
	PromptTemplate string

	Timeout time.Duration
	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// DeepSeekAnalyzer scores events through a chat-completions endpoint,
// asking for a strict JSON object answer.
type DeepSeekAnalyzer struct {
	apiKey   string
	model    string
	baseURL  string
	template string
	client   *http.Client
}

func NewDeepSeekAnalyzer(cfg DeepSeekConfig) *DeepSeekAnalyzer {
	model := events.Clean(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	baseURL := events.Clean(cfg.BaseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	template := cfg.PromptTemplate
	if template == "" {
		template = DefaultScorePrompt
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	return &DeepSeekAnalyzer{
		apiKey:   strings.TrimSpace(cfg.APIKey),
		model:    model,
		baseURL:  baseURL,
		template: template,
		client:   client,
	}
}

// Model reports the configured model name for summaries and output rows.
func (a *DeepSeekAnalyzer) Model() string { return a.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type scoreRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat responseFormat `json:"response_format"`
}

// Analyze renders the prompt with the canonical payload JSON and asks the
// model for heat and surprise scores.
func (a *DeepSeekAnalyzer) Analyze(ctx context.Context, input ModelInput) (map[string]any, error) {
	payload, err := canonicalJSON(input)
	if err != nil {
		return nil, err
	}
	prompt := strings.ReplaceAll(a.template, inputPlaceholder, string(payload))

	body, err := json.Marshal(scoreRequest{
		Model:          a.model,
		Messages:       []chatMessage{{Role: "user", Content: prompt}},
		Temperature:    0.2,
		ResponseFormat: responseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("encode score request: %w", err)
	}

	endpoint := strings.TrimRight(a.baseURL, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build score request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("score request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read score response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("score endpoint %s: status %d: %s", endpoint, resp.StatusCode, truncateRunes(string(raw), 260))
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode score response: %w", err)
	}
	parsed := polish.ParseJSONObject(polish.ExtractChatText(data))
	if parsed == nil {
		return nil, errors.New("model output is not a valid JSON object")
	}
	return parsed, nil
}
