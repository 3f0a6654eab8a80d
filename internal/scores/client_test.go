package scores

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boogieLing/Tsugie/internal/domain/events"
)

func TestNewDeepSeekAnalyzer_Defaults(t *testing.T) {
	a := NewDeepSeekAnalyzer(DeepSeekConfig{APIKey: "k"})
	assert.Equal(t, DefaultModel, a.Model())
	assert.Equal(t, DefaultBaseURL, a.baseURL)
	assert.Equal(t, DefaultScorePrompt, a.template)
}

func TestDeepSeekAnalyzer_Analyze(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &captured))

		answer := "```json\n" +
			`{"initial_heat_score": 88, "surprise_score": 70, "reason": "大規模な花火大会"}` +
			"\n```"
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{
				map[string]any{"message": map[string]any{"content": answer}},
			},
		})
	}))
	defer srv.Close()

	a := NewDeepSeekAnalyzer(DeepSeekConfig{
		APIKey:         "test-key",
		Model:          "deepseek-chat",
		BaseURL:        srv.URL,
		PromptTemplate: "SCORE THIS:\n{输入JSON}",
		HTTPClient:     srv.Client(),
	})

	input := buildModelInput(events.Record{"event_name": "隅田川花火大会"}, nil, "hanabi")
	data, err := a.Analyze(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, float64(88), data["initial_heat_score"])
	assert.Equal(t, float64(70), data["surprise_score"])
	assert.Equal(t, "大規模な花火大会", data["reason"])

	// request carried the chat shape with a strict-JSON response format
	assert.Equal(t, "deepseek-chat", captured["model"])
	assert.Equal(t, 0.2, captured["temperature"])
	format, ok := captured["response_format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json_object", format["type"])

	messages, ok := captured["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 1)
	message, ok := messages[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "user", message["role"])
	content, ok := message["content"].(string)
	require.True(t, ok)
	assert.Contains(t, content, "SCORE THIS:\n{")
	assert.Contains(t, content, `"event_name":"隅田川花火大会"`)
	assert.Contains(t, content, `"category":"hanabi"`)
}

func TestDeepSeekAnalyzer_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"quota exceeded"}`))
	}))
	defer srv.Close()

	a := NewDeepSeekAnalyzer(DeepSeekConfig{APIKey: "k", BaseURL: srv.URL, HTTPClient: srv.Client()})
	_, err := a.Analyze(context.Background(), ModelInput{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestDeepSeekAnalyzer_NonJSONAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{
				map[string]any{"message": map[string]any{"content": "判断できません"}},
			},
		})
	}))
	defer srv.Close()

	a := NewDeepSeekAnalyzer(DeepSeekConfig{APIKey: "k", BaseURL: srv.URL, HTTPClient: srv.Client()})
	_, err := a.Analyze(context.Background(), ModelInput{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a valid JSON object")
}
