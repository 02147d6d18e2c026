package events

import (
	"context"
	"sync"

	xerrors "XLayer-WalletBot/internal/errors"
)

// Handler 处理来自队列的事件。
type Handler func(ctx context.Context, event Event) error

// Producer 负责向队列投递事件。
type Producer interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Consumer 负责从队列中消费事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// ErrQueueClosed 表示队列已关闭。
var ErrQueueClosed = xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")

// MemoryQueue 使用 channel 实现单进程队列。
type MemoryQueue struct {
	ch     chan Event
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 256
	}
	return &MemoryQueue{ch: make(chan Event, size)}
}

// Publish 将事件投递到队列。
func (q *MemoryQueue) Publish(ctx context.Context, event Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- event:
		return nil
	}
}

// Consume 启动指定数量的工作协程消费事件，直到 ctx 取消或队列关闭。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-q.ch:
					if !ok {
						return
					}
					_ = handler(ctx, event)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Close 关闭队列，已排队的事件仍会被消费。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	return nil
}
