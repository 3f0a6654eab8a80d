package polish

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUseRemote(t *testing.T) {
	tests := []struct {
		name      string
		mode      string
		hasAPIKey bool
		expected  bool
	}{
		{"codex never remote", ModeCodex, true, false},
		{"none never remote", ModeNone, true, false},
		{"openai forced remote without key", ModeOpenAI, false, true},
		{"openai remote with key", ModeOpenAI, true, true},
		{"auto with key", ModeAuto, true, true},
		{"auto without key", ModeAuto, false, false},
		{"empty mode follows key", "", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, UseRemote(tt.mode, tt.hasAPIKey))
		})
	}
}

func TestFallbackOneLiner(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		assert.Equal(t, "", FallbackOneLiner("   \n\t "))
	})

	t.Run("short text kept", func(t *testing.T) {
		assert.Equal(t, "隅田川花火大会", FallbackOneLiner("隅田川花火大会"))
	})

	t.Run("whitespace flattened", func(t *testing.T) {
		assert.Equal(t, "第48回 隅田川花火大会", FallbackOneLiner("第48回\n\n隅田川   花火大会"))
	})

	t.Run("exactly max runes kept", func(t *testing.T) {
		text := strings.Repeat("あ", 45)
		assert.Equal(t, text, FallbackOneLiner(text))
	})

	t.Run("over max clipped with ellipsis", func(t *testing.T) {
		text := strings.Repeat("あ", 46)
		got := FallbackOneLiner(text)
		assert.Equal(t, strings.Repeat("あ", 44)+"…", got)
		assert.Len(t, []rune(got), 45)
	})

	t.Run("clip trims trailing space before ellipsis", func(t *testing.T) {
		text := strings.Repeat("a", 43) + " " + strings.Repeat("b", 10)
		got := FallbackOneLiner(text)
		assert.Equal(t, strings.Repeat("a", 43)+"…", got)
	})
}

func TestParseJSONObject(t *testing.T) {
	t.Run("bare object", func(t *testing.T) {
		data := ParseJSONObject(`{"one_liner":"夜空を彩る2万発"}`)
		require.NotNil(t, data)
		assert.Equal(t, "夜空を彩る2万発", data["one_liner"])
	})

	t.Run("markdown fenced", func(t *testing.T) {
		raw := "```json\n{\"one_liner\": \"夏祭り\"}\n```"
		data := ParseJSONObject(raw)
		require.NotNil(t, data)
		assert.Equal(t, "夏祭り", data["one_liner"])
	})

	t.Run("prose around object", func(t *testing.T) {
		raw := "以下是翻译结果：\n{\"one_liner_zh\": \"夏日祭典\",\n\"one_liner_en\": \"Summer festival\"}\n希望对你有帮助。"
		data := ParseJSONObject(raw)
		require.NotNil(t, data)
		assert.Equal(t, "夏日祭典", data["one_liner_zh"])
	})

	t.Run("no object", func(t *testing.T) {
		assert.Nil(t, ParseJSONObject("すみません、JSON を生成できませんでした。"))
	})

	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, ParseJSONObject("  \n "))
	})
}

func TestTranslationFrom(t *testing.T) {
	data := map[string]any{
		"polished_description_zh": " 烟花大会 的介绍 ",
		"one_liner_zh":            "一句话",
		"polished_description_en": "Fireworks festival",
		// one_liner_en is a non-string value and should be dropped.
		"one_liner_en": 42,
	}
	got := translationFrom(data)
	assert.Equal(t, "烟花大会 的介绍", got.DescriptionZH)
	assert.Equal(t, "一句话", got.OneLinerZH)
	assert.Equal(t, "Fireworks festival", got.DescriptionEN)
	assert.Equal(t, "", got.OneLinerEN)
}

func TestRenderPrompt(t *testing.T) {
	got := RenderPrompt(DefaultOneLinerPrompt, "大曲の花火 2026年8月22日開催")
	assert.Contains(t, got, "大曲の花火 2026年8月22日開催")
	assert.NotContains(t, got, rawTextPlaceholder)
}

func TestLoadTemplate(t *testing.T) {
	t.Run("empty path uses builtin", func(t *testing.T) {
		got, err := LoadTemplate("", DefaultDescriptionPrompt)
		require.NoError(t, err)
		assert.Equal(t, DefaultDescriptionPrompt, got)
	})

	t.Run("file contents win", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "prompt.txt")
		require.NoError(t, os.WriteFile(path, []byte("custom {原始文本}"), 0o644))
		got, err := LoadTemplate(path, DefaultDescriptionPrompt)
		require.NoError(t, err)
		assert.Equal(t, "custom {原始文本}", got)
	})

	t.Run("missing file errors", func(t *testing.T) {
		_, err := LoadTemplate(filepath.Join(t.TempDir(), "nope.txt"), DefaultDescriptionPrompt)
		assert.Error(t, err)
	})
}
