package events

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "XLayer-WalletBot/internal/errors"
	"XLayer-WalletBot/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Key       string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 实现事件队列，LPUSH 入队，BRPOP 出队。
type RedisQueue struct {
	client redis.UniversalClient
	key    string
	wait   time.Duration
	log    *slog.Logger
}

// NewRedisQueue 连接 Redis 并创建队列。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return NewRedisQueueWithClient(client, cfg), nil
}

// NewRedisQueueWithClient 使用已有客户端创建队列。
func NewRedisQueueWithClient(client redis.UniversalClient, cfg RedisQueueConfig) *RedisQueue {
	key := cfg.Key
	if key == "" {
		key = "walletbot:events"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, key: key, wait: wait, log: logger.Named("events.redis")}
}

// Publish 将事件投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, event Event) error {
	data, err := Encode(event)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布事件失败")
	}
	return nil
}

// Consume 通过 BRPOP 获取事件。处理失败的事件不会重新入队。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				values, err := q.client.BRPop(ctx, q.wait, q.key).Result()
				if err != nil {
					if stdErrors.Is(err, redis.Nil) {
						continue
					}
					if ctx.Err() != nil {
						return
					}
					errCh <- xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取事件失败")
					return
				}
				if len(values) != 2 {
					continue
				}
				event, err := Decode([]byte(values[1]))
				if err != nil {
					q.log.Warn("丢弃无法解析的事件", slog.Any("error", err))
					continue
				}
				_ = handler(ctx, event)
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-errCh:
	}
	wg.Wait()
	return err
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
