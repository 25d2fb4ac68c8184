package core

import "regexp"

// FilterResult 规则过滤器输出
type FilterResult struct {
	Flagged   bool
	Reasons   []string // 每个命中类目一条
	Sanitized string   // 命中片段替换为占位符后的文本
}

// redactedPlaceholder 替换命中片段的占位符，本身不会再次命中词表
const redactedPlaceholder = "[removed]"

// lexiconCategory 词表类目
type lexiconCategory struct {
	name    string
	pattern *regexp.Regexp
}

// 固定词表。规则层是可用性兜底：不依赖网络和时间，按类目给出命中原因。
var lexicon = []lexiconCategory{
	{
		name: "violent threat",
		pattern: regexp.MustCompile(`(?i)\b(?:kill|murder|shoot|stab|strangle)\s+(?:you|him|her|them|yourself)\b` +
			`|(?i)\bi(?:'ll| will| am going to)\s+(?:hurt|destroy|end)\s+you\b`),
	},
	{
		name:    "harassment",
		pattern: regexp.MustCompile(`(?i)\b(?:stupid|idiot|idiots|moron|dumbass|loser|worthless|pathetic)\b`),
	},
	{
		name:    "hate speech",
		pattern: regexp.MustCompile(`(?i)\b(?:subhuman|vermin)\b|(?i)\bgo back to your country\b|(?i)\byour kind (?:doesn'?t|does not) belong\b`),
	},
	{
		name:    "profanity",
		pattern: regexp.MustCompile(`(?i)\b(?:fuck(?:ing|er)?|shit(?:ty)?|bitch|asshole|bastard)\b`),
	},
	{
		name:    "self-harm",
		pattern: regexp.MustCompile(`(?i)\b(?:kill\s+myself|end\s+my\s+life|suicide)\b`),
	},
}

// ClassifyText 规则层分类器。纯函数：不联网、不看时钟、永不失败。
// 对已净化文本再次分类保证不再命中。
func ClassifyText(text string) FilterResult {
	result := FilterResult{Sanitized: text}

	for _, cat := range lexicon {
		if !cat.pattern.MatchString(result.Sanitized) {
			continue
		}
		result.Flagged = true
		result.Reasons = append(result.Reasons, cat.name)
		result.Sanitized = cat.pattern.ReplaceAllString(result.Sanitized, redactedPlaceholder)
	}
	return result
}
