package core

import (
	"sync"
	"time"
)

// Outcome 单次凭证调用结果
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRateLimited
	OutcomeTransientError
)

// Attempt 池选出的候选凭证引用
type Attempt struct {
	index  int
	Secret string
}

// credential 单个主提供商凭证及其当日状态，只由池内部修改
type credential struct {
	secret        string
	dailyUsed     int
	disabledUntil time.Time // 零值表示未禁用
}

func (c *credential) usable(now time.Time, quota int) bool {
	if c.dailyUsed >= quota {
		return false
	}
	return c.disabledUntil.IsZero() || now.After(c.disabledUntil)
}

// CredentialPool 主提供商凭证池。
// 所有读写都在同一把锁内完成，惰性日重置与候选选择是同一个临界区，
// 避免并发请求看到重置到一半的状态。
type CredentialPool struct {
	mu            sync.Mutex
	creds         []credential
	dailyQuota    int
	lastUsedIndex int    // 最近一次成功使用的下标，-1 表示尚未使用
	lastResetDate string // 上次清零配额的 UTC 日期（YYYY-MM-DD）

	now func() time.Time // 测试注入
}

// NewCredentialPool 创建凭证池，secrets 可以为空（池直接视为耗尽）
func NewCredentialPool(secrets []string, dailyQuota int) *CredentialPool {
	creds := make([]credential, 0, len(secrets))
	for _, s := range secrets {
		creds = append(creds, credential{secret: s})
	}
	return &CredentialPool{
		creds:         creds,
		dailyQuota:    dailyQuota,
		lastUsedIndex: -1,
		now:           time.Now,
	}
}

// Size 池内凭证数
func (p *CredentialPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}

// SelectAttempts 选出本次请求要尝试的凭证，按轮转顺序最多 maxAttempts 个。
// 返回空切片表示当前没有可用凭证。
func (p *CredentialPool) SelectAttempts(maxAttempts int) []Attempt {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.resetIfUTCDateChanged(now)

	n := len(p.creds)
	if n == 0 || maxAttempts <= 0 {
		return nil
	}

	usable := 0
	for i := range p.creds {
		if p.creds[i].usable(now, p.dailyQuota) {
			usable++
		}
	}
	if usable == 0 {
		return nil
	}
	if maxAttempts > usable {
		maxAttempts = usable
	}

	// 从上次成功使用的下一个位置开始环形扫描，保证轮转公平
	start := (p.lastUsedIndex + 1) % n
	attempts := make([]Attempt, 0, maxAttempts)
	for i := 0; i < n && len(attempts) < maxAttempts; i++ {
		idx := (start + i) % n
		if p.creds[idx].usable(now, p.dailyQuota) {
			attempts = append(attempts, Attempt{index: idx, Secret: p.creds[idx].secret})
		}
	}
	return attempts
}

// ReportOutcome 回写一次尝试的结果。
// Success 消耗配额并推进轮转位置；RateLimited 禁用到下个 UTC 零点，
// 且同样计入配额（429 也算消耗，防止立刻重试风暴）；瞬时错误不动任何计数。
func (p *CredentialPool) ReportOutcome(a Attempt, outcome Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if a.index < 0 || a.index >= len(p.creds) {
		return
	}
	c := &p.creds[a.index]

	switch outcome {
	case OutcomeSuccess:
		c.dailyUsed++
		p.lastUsedIndex = a.index
	case OutcomeRateLimited:
		c.dailyUsed++
		c.disabledUntil = nextUTCMidnight(p.now())
	case OutcomeTransientError:
		// 超时/网络/5xx 不消耗配额，也不进入冷却
	}
}

// CredentialStatus 单凭证状态快照（不含密钥明文）
type CredentialStatus struct {
	DailyUsed     int        `json:"daily_used"`
	DailyQuota    int        `json:"daily_quota"`
	DisabledUntil *time.Time `json:"disabled_until,omitempty"`
	Usable        bool       `json:"usable"`
}

// PoolSnapshot 池状态快照
type PoolSnapshot struct {
	Total       int                `json:"total"`
	Usable      int                `json:"usable"`
	Credentials []CredentialStatus `json:"credentials"`
}

// Snapshot 返回当前池状态，用于状态接口
func (p *CredentialPool) Snapshot() PoolSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.resetIfUTCDateChanged(now)

	snap := PoolSnapshot{
		Total:       len(p.creds),
		Credentials: make([]CredentialStatus, 0, len(p.creds)),
	}
	for i := range p.creds {
		c := &p.creds[i]
		st := CredentialStatus{
			DailyUsed:  c.dailyUsed,
			DailyQuota: p.dailyQuota,
			Usable:     c.usable(now, p.dailyQuota),
		}
		if !c.disabledUntil.IsZero() {
			t := c.disabledUntil
			st.DisabledUntil = &t
		}
		if st.Usable {
			snap.Usable++
		}
		snap.Credentials = append(snap.Credentials, st)
	}
	return snap
}

// resetIfUTCDateChanged 跨过 UTC 零点后第一次访问时清零配额、解除冷却。
// 调用方必须已持有 p.mu。
func (p *CredentialPool) resetIfUTCDateChanged(now time.Time) {
	date := now.UTC().Format("2006-01-02")
	if date == p.lastResetDate {
		return
	}
	for i := range p.creds {
		p.creds[i].dailyUsed = 0
		p.creds[i].disabledUntil = time.Time{}
	}
	p.lastResetDate = date
}

// nextUTCMidnight 返回 t 之后的下一个 UTC 零点
func nextUTCMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}
