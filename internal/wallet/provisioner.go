package wallet

import (
	"context"
	"errors"
	"log/slog"

	xerrors "XLayer-WalletBot/internal/errors"
	"XLayer-WalletBot/internal/observability/metrics"
	"XLayer-WalletBot/internal/session"
	"XLayer-WalletBot/internal/wallet/hdkey"
	"XLayer-WalletBot/pkg/logger"
)

// Account 是返回给调用方的钱包信息，不含私钥。
type Account struct {
	Address   string
	AccountID string
}

// KeyDeriver 生成新的密钥对。
type KeyDeriver interface {
	Derive(ctx context.Context) (hdkey.Key, error)
}

// Registrar 在托管服务中注册地址并返回账户 ID。
type Registrar interface {
	CreateAccount(ctx context.Context, address string) (string, error)
}

// ErrRegistrationFailed 表示密钥已生成并保存，但托管账户注册失败，可单独重试注册。
var ErrRegistrationFailed = xerrors.New(xerrors.CodeRegistrationFailed, "托管账户注册失败")

// ErrNoWallet 表示会话中尚无钱包。
var ErrNoWallet = xerrors.New(xerrors.CodeNotFound, "尚未创建钱包")

var errAlreadyProvisioned = errors.New("wallet already provisioned")

// Provisioner 负责获取或创建用户的钱包。派生密钥与注册账户是两个独立步骤，
// 注册失败时只重试注册。
type Provisioner struct {
	store     session.Store
	deriver   KeyDeriver
	registrar Registrar
	log       *slog.Logger
}

// Option 定义可选配置。
type Option func(*Provisioner)

// WithRegistrar 启用托管账户注册。
func WithRegistrar(r Registrar) Option {
	return func(p *Provisioner) {
		p.registrar = r
	}
}

// NewProvisioner 创建 Provisioner。
func NewProvisioner(store session.Store, deriver KeyDeriver, opts ...Option) *Provisioner {
	p := &Provisioner{store: store, deriver: deriver, log: logger.Named("wallet")}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// EnsureAccount 返回用户的钱包，必要时派生新密钥。已有地址时不会重新派生。
func (p *Provisioner) EnsureAccount(ctx context.Context, userID int64) (Account, error) {
	sess, err := p.store.Get(ctx, userID)
	if err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		return Account{}, err
	}
	if !sess.HasWallet() {
		sess, err = p.provision(ctx, userID)
		if err != nil {
			return Account{}, err
		}
	}
	return p.ensureRegistered(ctx, sess)
}

// RetryRegistration 仅重试注册步骤。
func (p *Provisioner) RetryRegistration(ctx context.Context, userID int64) (Account, error) {
	sess, err := p.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return Account{}, ErrNoWallet
		}
		return Account{}, err
	}
	if !sess.HasWallet() {
		return Account{}, ErrNoWallet
	}
	return p.ensureRegistered(ctx, sess)
}

func (p *Provisioner) provision(ctx context.Context, userID int64) (*session.Session, error) {
	key, err := p.deriver.Derive(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSigningFailed, err, "生成钱包失败")
	}
	sess, err := p.store.Update(ctx, userID, func(s *session.Session) error {
		if s.HasWallet() {
			return errAlreadyProvisioned
		}
		return session.Patch{Address: session.String(key.Address), PrivateKey: session.String(key.PrivateKey)}.Apply(s)
	})
	if errors.Is(err, errAlreadyProvisioned) {
		// 并发事件已先完成创建，丢弃本次派生结果。
		return p.store.Get(ctx, userID)
	}
	if err != nil {
		return nil, err
	}
	metrics.IncWalletProvisioned()
	logger.Audit().Info("钱包已创建",
		slog.Int64("user_id", userID),
		slog.String("address", key.Address),
	)
	return sess, nil
}

func (p *Provisioner) ensureRegistered(ctx context.Context, sess *session.Session) (Account, error) {
	account := Account{Address: sess.Address, AccountID: sess.AccountID}
	if account.AccountID != "" || p.registrar == nil {
		return account, nil
	}

	accountID, err := p.registrar.CreateAccount(ctx, sess.Address)
	if err != nil {
		metrics.IncRegistrationFailure()
		p.log.Warn("托管账户注册失败",
			slog.Int64("user_id", sess.UserID),
			slog.String("address", sess.Address),
			slog.Any("error", err),
		)
		return account, xerrors.Wrap(xerrors.CodeRegistrationFailed, err, ErrRegistrationFailed.Message())
	}
	if _, err := p.store.Merge(ctx, sess.UserID, session.Patch{AccountID: session.String(accountID)}); err != nil {
		return account, err
	}
	account.AccountID = accountID
	return account, nil
}
