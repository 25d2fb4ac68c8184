package core

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xiaopang/modguard/internal/logger"
	"github.com/xiaopang/modguard/internal/model"
)

// ErrEmptyInput 输入为空（去除空白后），唯一会返回给调用方的错误
var ErrEmptyInput = errors.New("text is empty")

// blockedReason 拦截结论的对外原因
const blockedReason = "Content violates community guidelines"

// DecisionSink 决策日志下游。Record 必须立即返回，
// 写入失败只影响观测，不影响返回给调用方的结论。
type DecisionSink interface {
	Record(rec *model.DecisionRecord)
}

// Moderator 审核编排器：主凭证池 → 次级单凭证 → 规则兜底，
// 每层对单个请求最多尝试一次（主层内部可换多个凭证）。
type Moderator struct {
	pool        *CredentialPool
	primary     *PrimaryAdapter
	secondary   *SecondaryAdapter
	sink        DecisionSink
	maxAttempts int
}

// NewModerator 创建审核编排器，sink 可以为 nil（不落日志）
func NewModerator(pool *CredentialPool, primary *PrimaryAdapter, secondary *SecondaryAdapter, sink DecisionSink, maxAttempts int) *Moderator {
	if maxAttempts <= 0 {
		maxAttempts = 2
	}
	return &Moderator{
		pool:        pool,
		primary:     primary,
		secondary:   secondary,
		sink:        sink,
		maxAttempts: maxAttempts,
	}
}

// Moderate 审核一条文本。只在输入非法时返回错误；
// 提供商全部不可用时由规则层兜底，调用方永远拿到一个结论。
func (m *Moderator) Moderate(ctx context.Context, req *model.ModerationRequest) (*model.Decision, error) {
	text := req.TrimmedText()
	if text == "" {
		return nil, ErrEmptyInput
	}

	start := time.Now()

	decision := m.tryPrimary(ctx, text)
	if decision == nil {
		decision = m.trySecondary(ctx, text)
	}
	if decision == nil {
		decision = m.tryRuleBased(text)
	}

	DecisionsTotal.WithLabelValues(string(decision.Tier), string(decision.Action)).Inc()
	m.record(req, text, decision, time.Since(start))
	return decision, nil
}

// tryPrimary 依次尝试池选出的凭证，全部失败返回 nil
func (m *Moderator) tryPrimary(ctx context.Context, text string) *model.Decision {
	attempts := m.pool.SelectAttempts(m.maxAttempts)
	for _, a := range attempts {
		// 网络调用在锁外进行，只有选择与回写在池内串行
		res := m.primary.Attempt(ctx, a.Secret, text)
		ProviderAttemptsTotal.WithLabelValues(string(model.TierPrimary), outcomeLabel(res.Kind)).Inc()

		switch res.Kind {
		case ResultSuccess:
			m.pool.ReportOutcome(a, OutcomeSuccess)
			return decisionFromOutput(res.Text, text, model.TierPrimary)
		case ResultRateLimited:
			// 429 也要回写：外部配额已被消耗
			m.pool.ReportOutcome(a, OutcomeRateLimited)
			logger.Warn("primary credential rate limited")
		case ResultTransient:
			// 瞬时失败不回写，不烧配额不进冷却
			logger.Warn("primary attempt failed", "err", res.Err)
		}
	}
	return nil
}

// trySecondary 次级提供商恰好尝试一次，任何失败返回 nil
func (m *Moderator) trySecondary(ctx context.Context, text string) *model.Decision {
	if !m.secondary.Configured() {
		return nil
	}

	res := m.secondary.Attempt(ctx, text)
	ProviderAttemptsTotal.WithLabelValues(string(model.TierSecondary), outcomeLabel(res.Kind)).Inc()

	if res.Kind != ResultSuccess {
		logger.Warn("secondary attempt failed", "err", res.Err)
		return nil
	}
	return decisionFromOutput(res.Text, text, model.TierSecondary)
}

// tryRuleBased 规则兜底，无条件给出结论
func (m *Moderator) tryRuleBased(text string) *model.Decision {
	res := ClassifyText(text)
	if res.Flagged {
		return &model.Decision{
			Action:     model.ActionFlagged,
			ResultText: res.Sanitized,
			Tier:       model.TierRuleBased,
			Reason:     strings.Join(res.Reasons, ", "),
		}
	}
	// 规则层无异议时原文放行
	return &model.Decision{
		Action:     model.ActionAllowed,
		ResultText: text,
		Tier:       model.TierPassthrough,
	}
}

// decisionFromOutput 把提供商的原始输出立即转成带标签的结论，
// 哨兵串只在这里比较一次
func decisionFromOutput(output, input string, tier model.Tier) *model.Decision {
	if output == SentinelBlock {
		return &model.Decision{
			Action: model.ActionBlocked,
			Tier:   tier,
			Reason: blockedReason,
		}
	}
	if output != input {
		return &model.Decision{
			Action:     model.ActionRewritten,
			ResultText: output,
			Tier:       tier,
		}
	}
	return &model.Decision{
		Action:     model.ActionAllowed,
		ResultText: output,
		Tier:       tier,
	}
}

// record 组装决策日志并异步交给 sink
func (m *Moderator) record(req *model.ModerationRequest, text string, d *model.Decision, latency time.Duration) {
	if m.sink == nil {
		return
	}

	rec := &model.DecisionRecord{
		ID:             uuid.NewString(),
		Timestamp:      time.Now(),
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		APIKeyID:       req.APIKeyID,
		OriginalText:   text,
		Action:         d.Action,
		Reason:         d.Reason,
		Tier:           d.Tier,
		LatencyMs:      latency.Milliseconds(),
	}
	if rec.ConversationID == "" {
		rec.ConversationID = "api-request"
	}
	if d.Action == model.ActionRewritten || d.Action == model.ActionFlagged {
		rec.SuggestedText = d.ResultText
	}

	m.sink.Record(rec)
}
