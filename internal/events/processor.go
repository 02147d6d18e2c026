package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	xerrors "XLayer-WalletBot/internal/errors"
	"XLayer-WalletBot/internal/observability/alerting"
	"XLayer-WalletBot/internal/observability/metrics"
	"XLayer-WalletBot/pkg/logger"
)

// Processor 从队列消费事件并交给 Handler。同一用户的事件串行执行，不同用户并行。
type Processor struct {
	consumer    Consumer
	handler     Handler
	workerCount int
	timeout     time.Duration
	deduper     Deduper
	alerter     alerting.Dispatcher
	locks       *keyedMutex
	log         *slog.Logger
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithTimeout 限制单个事件的处理时间。
func WithTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithDeduper 丢弃重复投递的事件。
func WithDeduper(d Deduper) ProcessorOption {
	return func(p *Processor) {
		p.deduper = d
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(consumer Consumer, handler Handler, opts ...ProcessorOption) *Processor {
	p := &Processor{
		consumer:    consumer,
		handler:     handler,
		workerCount: 4,
		timeout:     2 * time.Minute,
		locks:       newKeyedMutex(),
		log:         logger.Named("events"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动消费循环，阻塞直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.handler == nil {
		return xerrors.New(xerrors.CodeConfigInvalid, "事件处理器未初始化")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理单个事件。处理失败只记录日志与告警，不会重新投递。
func (p *Processor) Handle(ctx context.Context, event Event) error {
	start := time.Now()
	if p.deduper != nil && event.ID != "" {
		dup, err := p.deduper.Seen(ctx, event.ID)
		if err != nil {
			p.log.Warn("去重检查失败，继续处理", slog.String("event_id", event.ID), slog.Any("error", err))
		} else if dup {
			metrics.IncDuplicateEvent()
			p.log.Debug("丢弃重复事件", slog.String("event_id", event.ID), slog.Int64("user_id", event.UserID))
			return nil
		}
	}

	unlock := p.locks.Lock(event.UserID)
	defer unlock()

	hctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.handler(hctx, event)
	result := "ok"
	if err != nil {
		result = "error"
		p.log.Error("处理事件失败",
			slog.String("event_id", event.ID),
			slog.Int64("user_id", event.UserID),
			slog.String("kind", string(event.Kind)),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
		p.emitAlert(ctx, event, err)
	}
	metrics.ObserveEvent(string(event.Kind), result, time.Since(start))
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, event Event, cause error) {
	if p.alerter == nil || !xerrors.ShouldAlert(cause) {
		return
	}
	code := xerrors.CodeOf(cause)
	alert := alerting.Event{
		Code:     code,
		Message:  cause.Error(),
		Severity: xerrors.SeverityOf(cause),
		UserID:   event.UserID,
		Subject:  event.ID,
		Metadata: map[string]string{"kind": string(event.Kind)},
	}
	if err := p.alerter.Notify(ctx, alert); err != nil {
		p.log.Error("告警通知失败", slog.Any("error", err), slog.String("event_id", event.ID))
	}
}

// keyedMutex 为每个用户提供一把互斥锁，空闲的锁会被回收。
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[int64]*refMutex)}
}

func (k *keyedMutex) Lock(key int64) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.mu.Lock()
	return func() {
		m.mu.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
