package database

import (
	"context"
	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/logger"
	"sync"
	"sync/atomic"
)

// Journal 异步写入会话事件，Record 从不阻塞轮询循环
type Journal struct {
	store   EventStore
	ch      chan *SessionEvent
	mu      sync.Mutex
	closed  bool
	dropped atomic.Int64
	wg      sync.WaitGroup
}

func NewJournal(store EventStore, capacity int) *Journal {
	if capacity <= 0 {
		capacity = 256
	}
	j := &Journal{
		store: store,
		ch:    make(chan *SessionEvent, capacity),
	}
	j.wg.Add(1)
	go j.startWorker()
	return j
}

func (j *Journal) startWorker() {
	defer j.wg.Done()
	for evt := range j.ch {
		if err := j.store.SaveEvent(context.Background(), evt); err != nil {
			logger.WarnF("Fail to save session event %s for %s, details: %v", evt.Kind, evt.ClientID, err)
		}
	}
}

// Record 队列已满或已关闭时丢弃事件
func (j *Journal) Record(evt *SessionEvent) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return
	}
	select {
	case j.ch <- evt:
	default:
		j.dropped.Add(1)
	}
}

func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

// Invoke 关闭队列并等待剩余事件写完
func (j *Journal) Invoke(ctx context.Context) error {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.ch)
	}
	j.mu.Unlock()

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
