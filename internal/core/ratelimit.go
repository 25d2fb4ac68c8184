package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/xiaopang/modguard/internal/model"
)

// RateLimiter 调用方密钥频率限制器
type RateLimiter struct {
	mu         sync.Mutex
	windows    map[string][]time.Time // keyID -> 最近一分钟内的请求时间戳
	dailyCount map[string]int         // keyID+date -> 当日请求数
}

// NewRateLimiter 创建频率限制器
func NewRateLimiter() *RateLimiter {
	rl := &RateLimiter{
		windows:    make(map[string][]time.Time),
		dailyCount: make(map[string]int),
	}
	go rl.cleanup()
	return rl
}

// Allow 检查是否允许请求，通过则立即记账。
// Returns (allowed bool, reason string)
func (r *RateLimiter) Allow(keyID string, limits model.KeyLimits) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	// Check RPM
	if limits.RPM > 0 {
		windowStart := now.Add(-time.Minute)
		timestamps := r.windows[keyID]
		valid := timestamps[:0]
		for _, t := range timestamps {
			if t.After(windowStart) {
				valid = append(valid, t)
			}
		}
		r.windows[keyID] = valid
		if len(valid) >= limits.RPM {
			return false, fmt.Sprintf("RPM limit exceeded (%d/%d)", len(valid), limits.RPM)
		}
	}

	// Check daily quota
	if limits.DailyQuota > 0 {
		dateKey := keyID + ":" + now.Format("2006-01-02")
		if r.dailyCount[dateKey] >= limits.DailyQuota {
			return false, fmt.Sprintf("Daily quota exceeded (%d/%d)", r.dailyCount[dateKey], limits.DailyQuota)
		}
	}

	// Record the request
	if limits.RPM > 0 {
		r.windows[keyID] = append(r.windows[keyID], now)
	}
	if limits.DailyQuota > 0 {
		dateKey := keyID + ":" + now.Format("2006-01-02")
		r.dailyCount[dateKey]++
	}

	return true, ""
}

// cleanup periodically drops stale windows and past-day counters.
func (r *RateLimiter) cleanup() {
	ticker := time.NewTicker(10 * time.Minute)
	for range ticker.C {
		r.mu.Lock()
		now := time.Now()
		windowStart := now.Add(-time.Minute)
		for k, timestamps := range r.windows {
			valid := timestamps[:0]
			for _, t := range timestamps {
				if t.After(windowStart) {
					valid = append(valid, t)
				}
			}
			if len(valid) == 0 {
				delete(r.windows, k)
			} else {
				r.windows[k] = valid
			}
		}
		today := now.Format("2006-01-02")
		for k := range r.dailyCount {
			if len(k) >= 10 && k[len(k)-10:] != today {
				delete(r.dailyCount, k)
			}
		}
		r.mu.Unlock()
	}
}
