package core

import (
	"context"
	"sync"
	"time"

	"github.com/xiaopang/modguard/internal/logger"
)

// RecordCleaner 决策日志清理接口，由 store 实现
type RecordCleaner interface {
	CleanOldDecisions(retentionDays int) (int64, error)
}

// Janitor 按保留期定时清理过期决策日志
type Janitor struct {
	cleaner       RecordCleaner
	retentionDays int
	interval      time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewJanitor 创建清理器
func NewJanitor(cleaner RecordCleaner, retentionDays int) *Janitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Janitor{
		cleaner:       cleaner,
		retentionDays: retentionDays,
		interval:      6 * time.Hour,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start 启动清理循环
func (j *Janitor) Start() {
	if j.retentionDays <= 0 {
		return
	}
	j.wg.Add(1)
	go j.run()
}

// Stop 停止清理循环
func (j *Janitor) Stop() {
	j.cancel()
	j.wg.Wait()
}

// run 运行清理循环
func (j *Janitor) run() {
	defer j.wg.Done()

	// 启动时立即清理一次
	j.clean()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-ticker.C:
			j.clean()
		}
	}
}

func (j *Janitor) clean() {
	n, err := j.cleaner.CleanOldDecisions(j.retentionDays)
	if err != nil {
		logger.Warn("decision log cleanup failed", "err", err)
		return
	}
	if n > 0 {
		logger.Info("cleaned old decision records", "count", n)
	}
}
