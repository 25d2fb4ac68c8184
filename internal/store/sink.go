package store

import (
	"sync"

	"github.com/xiaopang/modguard/internal/core"
	"github.com/xiaopang/modguard/internal/logger"
	"github.com/xiaopang/modguard/internal/model"
)

// AsyncSink 有界异步决策日志写入器。
// Record 永不阻塞：队列满时丢弃并计数，写入失败只记日志，
// 调用方拿到的结论不受影响。
type AsyncSink struct {
	store *Store
	ch    chan *model.DecisionRecord
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewAsyncSink 创建并启动异步写入器
func NewAsyncSink(store *Store, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &AsyncSink{
		store: store,
		ch:    make(chan *model.DecisionRecord, buffer),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Record 入队一条决策日志，队列满时丢弃
func (s *AsyncSink) Record(rec *model.DecisionRecord) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.ch <- rec:
	default:
		core.SinkDroppedTotal.Inc()
		logger.Warn("decision sink queue full, record dropped", "id", rec.ID)
	}
	s.mu.Unlock()
}

// Close 停止接收并等待队列写完
func (s *AsyncSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *AsyncSink) run() {
	defer s.wg.Done()
	for rec := range s.ch {
		if err := s.store.SaveDecision(rec); err != nil {
			logger.Warn("decision sink write failed", "id", rec.ID, "err", err)
		}
	}
}
