package core

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xiaopang/modguard/internal/config"
)

// SentinelBlock 提供商输出的拦截哨兵值，解析后立即转成 Action，
// 其他组件不允许再比较这个魔法串
const SentinelBlock = "<<BLOCK>>"

// moderationPrompt 固定的审核指令，%s 处填入待审核文本
const moderationPrompt = `You are a content moderation and rewriting assistant.

Your task is to analyze the USER MESSAGE and output ONE final message string.

Rules (STRICT):
1. If the message is SAFE (no toxicity, insults, hate, threats, or sexual explicit language),
   return the ORIGINAL message EXACTLY as written.
2. If the message contains mild insults or toxicity, REWRITE it:
   - Remove insults, threats, or abusive tone
   - Preserve the ORIGINAL INTENT
   - Keep it natural and conversational
   - Examples:
     * "you are stupid" → "I disagree with you"
     * "you idiot, fix this" → "please fix this"
     * "damn it, help me" → "please help me"
3. ONLY return <<BLOCK>> for explicit violent threats or extreme hate speech that cannot be rewritten.

Output rules:
- Output ONLY the final message text
- No explanations
- No JSON
- No markdown

USER MESSAGE:
"""
%s
"""`

// ResultKind 提供商调用结果类别
type ResultKind int

const (
	ResultSuccess ResultKind = iota
	ResultRateLimited
	ResultTransient
)

// ProviderResult 规范化后的提供商调用结果
type ProviderResult struct {
	Kind ResultKind
	Text string // Kind == ResultSuccess 时有效
	Err  error  // Kind == ResultTransient 时记录原因
}

func success(text string) ProviderResult { return ProviderResult{Kind: ResultSuccess, Text: text} }
func rateLimited() ProviderResult        { return ProviderResult{Kind: ResultRateLimited} }
func transient(err error) ProviderResult { return ProviderResult{Kind: ResultTransient, Err: err} }

// PrimaryAdapter 主提供商适配器（Gemini 风格接口），凭证由池按次提供
type PrimaryAdapter struct {
	baseURL string
	model   string
	timeout time.Duration
	client  *http.Client
}

// NewPrimaryAdapter 创建主提供商适配器
func NewPrimaryAdapter(cfg config.PrimaryConfig) *PrimaryAdapter {
	return &PrimaryAdapter{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond,
		client:  &http.Client{},
	}
}

type generateRequest struct {
	Contents         []generateContent `json:"contents"`
	GenerationConfig generationConfig  `json:"generationConfig"`
}

type generateContent struct {
	Parts []generatePart `json:"parts"`
}

type generatePart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []generatePart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Attempt 用指定凭证发起一次审核调用，超时计为瞬时错误
func (a *PrimaryAdapter) Attempt(ctx context.Context, secret, text string) ProviderResult {
	body, _ := json.Marshal(generateRequest{
		Contents: []generateContent{
			{Parts: []generatePart{{Text: fmt.Sprintf(moderationPrompt, text)}}},
		},
		// 确定性解码：温度 0，限制输出长度
		GenerationConfig: generationConfig{Temperature: 0, MaxOutputTokens: 128},
	})

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", a.baseURL, a.model, secret)

	attemptCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return transient(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return rateLimited()
	}
	if resp.StatusCode != http.StatusOK {
		return transient(fmt.Errorf("primary provider status %d", resp.StatusCode))
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return transient(err)
	}

	var gr generateResponse
	if err := json.Unmarshal(respBody, &gr); err != nil {
		return transient(fmt.Errorf("parse primary response: %w", err))
	}

	out := ""
	if len(gr.Candidates) > 0 && len(gr.Candidates[0].Content.Parts) > 0 {
		out = strings.TrimSpace(gr.Candidates[0].Content.Parts[0].Text)
	}
	if out == "" {
		return transient(fmt.Errorf("primary provider returned empty output"))
	}
	return success(out)
}

// SecondaryAdapter 次级提供商适配器（OpenAI 兼容接口），
// 持有唯一固定凭证，不做配额管理，主层失败后恰好尝试一次
type SecondaryAdapter struct {
	baseURL string
	model   string
	secret  string
	timeout time.Duration
	client  *http.Client
}

// NewSecondaryAdapter 创建次级提供商适配器，secret 为空表示未配置
func NewSecondaryAdapter(cfg config.SecondaryConfig, secret string) *SecondaryAdapter {
	return &SecondaryAdapter{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		secret:  secret,
		timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond,
		client:  &http.Client{},
	}
}

// Configured 是否配置了凭证
func (a *SecondaryAdapter) Configured() bool {
	return a.secret != ""
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Attempt 发起一次次级提供商调用
func (a *SecondaryAdapter) Attempt(ctx context.Context, text string) ProviderResult {
	if !a.Configured() {
		return transient(fmt.Errorf("secondary provider not configured"))
	}

	body, _ := json.Marshal(chatRequest{
		Model: a.model,
		Messages: []chatMessage{
			{Role: "system", Content: fmt.Sprintf(moderationPrompt, text)},
		},
		Temperature: 0,
		MaxTokens:   128,
	})

	attemptCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, "POST", a.baseURL+"/openai/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return transient(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.secret)

	resp, err := a.client.Do(req)
	if err != nil {
		return transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return rateLimited()
	}
	if resp.StatusCode != http.StatusOK {
		return transient(fmt.Errorf("secondary provider status %d", resp.StatusCode))
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return transient(err)
	}

	var cr chatResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return transient(fmt.Errorf("parse secondary response: %w", err))
	}

	out := ""
	if len(cr.Choices) > 0 {
		out = strings.TrimSpace(cr.Choices[0].Message.Content)
	}
	if out == "" {
		return transient(fmt.Errorf("secondary provider returned empty output"))
	}
	return success(out)
}
