package polish

import (
	"fmt"
	"os"
	"strings"
)

// placeholder replaced with the raw page text when a template is rendered.
const rawTextPlaceholder = "{原始文本}"

// DefaultDescriptionPrompt is the built-in polishing instruction. A template
// file given on the command line replaces it wholesale.
const DefaultDescriptionPrompt = `你是活动文案编辑。请把下面的日文活动原始文本整理成一段通顺的日文介绍（polished_description）：
- 保留日期、时间、会场、规模等事实信息，不要编造原文没有的内容。
- 删除导航、广告、版权声明等与活动无关的文字。
- 控制在 400 字以内，仅返回整理后的日文正文，不要任何解释。

原始文本：
{原始文本}`

// DefaultOneLinerPrompt is the built-in one-liner instruction.
const DefaultOneLinerPrompt = `请基于下面的日文活动原始文本，写一句日文一句话介绍（one_liner）：
- 不超过 45 个字符，突出活动最大的亮点。
- 仅返回这一句话本身，不要引号、不要解释。

原始文本：
{原始文本}`

// RenderPrompt substitutes the raw text into a prompt template.
func RenderPrompt(template, raw string) string {
	return strings.ReplaceAll(template, rawTextPlaceholder, raw)
}

// LoadTemplate reads a prompt template file. An empty path selects the
// built-in template; a named file that cannot be read is an error.
func LoadTemplate(path, builtin string) (string, error) {
	if path == "" {
		return builtin, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read prompt template: %w", err)
	}
	return string(data), nil
}
