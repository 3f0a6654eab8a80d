package scores

// inputPlaceholder is replaced with the canonical event JSON when the
// prompt template is rendered.
const inputPlaceholder = "{输入JSON}"

// DefaultScorePrompt is the built-in scoring instruction. A template file
// given on the command line replaces it wholesale.
const DefaultScorePrompt = `你是日本活动数据分析师。请根据下面的活动 JSON，评估两个 0-100 的整数分：
- initial_heat_score：初始热度。综合规模（发数、预计人数）、信息来源数量、会场与交通信息的完整度、主办方知名度。
- surprise_score：惊喜度。活动的独特性、稀缺性、与同类活动相比的亮点。

要求：
- 只返回一个 JSON 对象：{"initial_heat_score": <0-100 整数>, "surprise_score": <0-100 整数>, "reason": "<不超过 80 字的日文或中文理由>"}
- 不要任何解释、前后缀或代码块标记。
- 信息不足时给保守分数，不要编造事实。

活动 JSON：
{输入JSON}`
