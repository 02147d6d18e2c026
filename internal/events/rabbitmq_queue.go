package events

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "XLayer-WalletBot/internal/errors"
	"XLayer-WalletBot/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL      string
	Queue    string
	Prefetch int
}

// RabbitMQQueue 使用 RabbitMQ 持久队列传输事件。
type RabbitMQQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	log   *slog.Logger
}

// NewRabbitMQQueue 连接 RabbitMQ 并声明队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "walletbot.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 RabbitMQ QOS 失败")
		}
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 队列失败")
	}
	return &RabbitMQQueue{conn: conn, ch: ch, queue: queue, log: logger.Named("events.rabbitmq")}, nil
}

// Publish 将事件以持久消息投递。
func (q *RabbitMQQueue) Publish(ctx context.Context, event Event) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 队列未初始化")
	}
	msg, err := toPublishing(event)
	if err != nil {
		return err
	}
	if err := q.ch.PublishWithContext(ctx, "", q.queue, false, false, msg); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布事件失败")
	}
	return nil
}

// Consume 使用手动确认模式消费。处理结果不影响确认，无法解析的消息直接丢弃。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
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
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					event, err := Decode(msg.Body)
					if err != nil {
						q.log.Warn("丢弃无法解析的事件", slog.String("message_id", msg.MessageId), slog.Any("error", err))
						_ = msg.Nack(false, false)
						continue
					}
					_ = handler(ctx, event)
					_ = msg.Ack(false)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Close 关闭 RabbitMQ 连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

func toPublishing(event Event) (amqp.Publishing, error) {
	body, err := Encode(event)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Body:         body,
	}, nil
}
