package session

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "XLayer-WalletBot/internal/errors"
)

// RedisConfig 描述 Redis 会话存储的参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
	// MaxRetries 为乐观事务冲突后的最大重试次数。
	MaxRetries int
}

// RedisStore 将会话序列化为 JSON 保存在 Redis 中。
type RedisStore struct {
	client     redis.UniversalClient
	sealer     *Sealer
	prefix     string
	ttl        time.Duration
	maxRetries int
	owned      bool
}

// record 是会话在 Redis 中的持久化形态，私钥仅以密文出现。
type record struct {
	Session
	SealedKey string `json:"sealed_key,omitempty"`
}

// NewRedisStore 连接 Redis 并创建会话存储。
func NewRedisStore(cfg RedisConfig, sealer *Sealer) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	store, err := NewRedisStoreWithClient(client, sealer, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	store.owned = true
	return store, nil
}

// NewRedisStoreWithClient 复用已有的 Redis 客户端。
func NewRedisStoreWithClient(client redis.UniversalClient, sealer *Sealer, cfg RedisConfig) (*RedisStore, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "Redis 客户端不能为空")
	}
	if sealer == nil {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "Redis 会话存储需要加密密钥")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "walletbot:session:"
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 16
	}
	return &RedisStore{client: client, sealer: sealer, prefix: prefix, ttl: cfg.TTL, maxRetries: retries}, nil
}

func (r *RedisStore) key(userID int64) string {
	return r.prefix + strconv.FormatInt(userID, 10)
}

// Get 实现 Store 接口。
func (r *RedisStore) Get(ctx context.Context, userID int64) (*Session, error) {
	raw, err := r.client.Get(ctx, r.key(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话失败")
	}
	return r.decode(userID, raw)
}

// Merge 实现 Store 接口。
func (r *RedisStore) Merge(ctx context.Context, userID int64, patch Patch) (*Session, error) {
	return r.Update(ctx, userID, patch.Apply)
}

// Update 通过 WATCH/MULTI 完成原子读改写，冲突时重试。
func (r *RedisStore) Update(ctx context.Context, userID int64, fn UpdateFunc) (*Session, error) {
	key := r.key(userID)
	var (
		result    *Session
		rejectErr error
	)
	txn := func(tx *redis.Tx) error {
		var current *Session
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话失败")
		default:
			current, err = r.decode(userID, raw)
			if err != nil {
				return err
			}
		}
		next, err := applyUpdate(current, userID, fn)
		if err != nil {
			rejectErr = err
			return err
		}
		payload, err := r.encode(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, r.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		result = next
		return nil
	}

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		err := r.client.Watch(ctx, txn, key)
		if err == nil {
			return result.Clone(), nil
		}
		if rejectErr != nil {
			return nil, rejectErr
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话失败")
	}
	return nil, xerrors.New(xerrors.CodeConflict, "会话并发更新冲突")
}

// Clear 删除会话。
func (r *RedisStore) Clear(ctx context.Context, userID int64) error {
	if err := r.client.Del(ctx, r.key(userID)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话失败")
	}
	return nil
}

// Close 关闭自行创建的 Redis 连接。
func (r *RedisStore) Close() error {
	if r == nil || !r.owned {
		return nil
	}
	return r.client.Close()
}

func (r *RedisStore) encode(sess *Session) ([]byte, error) {
	rec := record{Session: *sess}
	if sess.PrivateKey != "" {
		sealed, err := r.sealer.Seal(sess.UserID, sess.PrivateKey)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "加密私钥失败")
		}
		rec.SealedKey = sealed
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化会话失败")
	}
	return payload, nil
}

func (r *RedisStore) decode(userID int64, raw []byte) (*Session, error) {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话失败")
	}
	sess := rec.Session
	if rec.SealedKey != "" {
		key, err := r.sealer.Open(userID, rec.SealedKey)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解密私钥失败")
		}
		sess.PrivateKey = key
	}
	if sess.Flow.Stage == "" {
		sess.Flow.Stage = StageIdle
	}
	return &sess, nil
}
