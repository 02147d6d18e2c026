package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	"XLayer-WalletBot/internal/bot"
	"XLayer-WalletBot/internal/bot/telegram"
	"XLayer-WalletBot/internal/config"
	"XLayer-WalletBot/internal/estimate"
	"XLayer-WalletBot/internal/events"
	"XLayer-WalletBot/internal/ledger"
	"XLayer-WalletBot/internal/observability/alerting"
	"XLayer-WalletBot/internal/okx"
	"XLayer-WalletBot/internal/secrets"
	"XLayer-WalletBot/internal/session"
	"XLayer-WalletBot/internal/status"
	"XLayer-WalletBot/internal/wallet"
	"XLayer-WalletBot/internal/wallet/hdkey"
	"XLayer-WalletBot/internal/web3/ethereum"
	"XLayer-WalletBot/internal/web3/provider"
	"XLayer-WalletBot/internal/withdraw"
	"XLayer-WalletBot/pkg/logger"
)

// application 持有运行期组件，Close 按创建的逆序释放资源。
type application struct {
	sessions   session.Store
	wallets    *wallet.Provisioner
	engine     *withdraw.Engine
	okx        *okx.Client
	reconciler *status.Reconciler
	ledger     ledger.Store
	queue      events.Queue
	deduper    events.Deduper
	alerts     alerting.Dispatcher
	telegram   *telegram.Bot
	chainName  string

	closers []func() error
}

func (a *application) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close 释放全部资源。
func (a *application) Close() {
	log := logger.Named("walletbotd")
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn("释放资源失败", slog.Any("error", err))
		}
	}
	a.closers = nil
}

func (a *application) messenger() bot.Messenger {
	if a.telegram != nil {
		return a.telegram
	}
	return newLogMessenger()
}

func build(ctx context.Context, cfg *config.Config) (_ *application, err error) {
	app := &application{}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	bundle, err := loadSecrets(ctx, cfg)
	if err != nil {
		return nil, err
	}

	app.alerts = buildAlerts(cfg)

	signer := okx.NewSigner(okx.Credentials{
		APIKey:     bundle.APIKey,
		SecretKey:  bundle.SecretKey,
		Passphrase: bundle.Passphrase,
		ProjectID:  bundle.ProjectID,
	})
	app.okx, err = okx.NewClient(signer,
		okx.WithBaseURL(cfg.OKX.BaseURL),
		okx.WithChainIndex(cfg.OKX.ChainIndex),
		okx.WithHTTPClient(&http.Client{Timeout: cfg.OKX.Timeout}),
		okx.WithRetry(cfg.OKX.MaxRetries, cfg.OKX.RetryBackoff),
	)
	if err != nil {
		return nil, err
	}

	registry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return nil, err
	}
	app.onClose(func() error { registry.Close(); return nil })
	chain, err := registry.DefaultClient()
	if err != nil {
		return nil, err
	}
	app.chainName = chain.Name()
	if def := registry.DefaultDefinition(); def.ChainIndex != "" && def.ChainIndex != cfg.OKX.ChainIndex {
		logger.Named("walletbotd").Warn("链配置与托管 API 的链编号不一致",
			slog.String("chain", app.chainName),
			slog.String("chain_index", def.ChainIndex),
			slog.String("okx_chain_index", cfg.OKX.ChainIndex),
		)
	}

	if app.sessions, err = buildSessions(cfg, bundle.EncryptionKey); err != nil {
		return nil, err
	}
	app.onClose(app.sessions.Close)

	var walletOpts []wallet.Option
	if !cfg.Wallet.SkipRegistration {
		walletOpts = append(walletOpts, wallet.WithRegistrar(app.okx))
	}
	app.wallets = wallet.NewProvisioner(app.sessions, hdkey.Deriver{}, walletOpts...)

	if app.ledger, err = buildLedger(ctx, cfg); err != nil {
		return nil, err
	}
	app.onClose(app.ledger.Close)

	estimator := estimate.New(chain,
		estimate.WithPolicy(estimate.Policy(cfg.Estimate.Policy)),
		estimate.WithBufferPercent(cfg.Estimate.BufferPercent),
		estimate.WithDefaultGasLimit(cfg.Estimate.DefaultGasLimit),
		estimate.WithAlerts(app.alerts),
	)
	app.engine, err = withdraw.New(app.sessions, chain, estimator, ethereum.LocalSigner{},
		withdraw.WithSignInfo(app.okx),
		withdraw.WithRoute(withdraw.Route(cfg.Broadcast.Route), app.okx),
		withdraw.WithChainIndex(cfg.OKX.ChainIndex),
		withdraw.WithLedger(app.ledger),
		withdraw.WithAlerts(app.alerts),
	)
	if err != nil {
		return nil, err
	}

	app.reconciler = status.New(app.okx, chain,
		status.WithLedger(app.ledger),
		status.WithChainIndex(cfg.OKX.ChainIndex),
	)

	if app.queue, err = buildQueue(ctx, cfg); err != nil {
		return nil, err
	}
	app.onClose(app.queue.Close)

	if app.deduper, err = buildDeduper(ctx, cfg, app); err != nil {
		return nil, err
	}

	if cfg.Telegram.Enabled {
		app.telegram, err = telegram.New(telegram.Config{
			Token:       bundle.TelegramToken,
			PollTimeout: cfg.Telegram.PollTimeout,
			Debug:       cfg.Telegram.Debug,
		}, &http.Client{})
		if err != nil {
			return nil, err
		}
	}
	return app, nil
}

func loadSecrets(ctx context.Context, cfg *config.Config) (secrets.Bundle, error) {
	var src secrets.Provider
	switch cfg.Secrets.Source {
	case config.SecretsSourceSSM:
		p, err := secrets.NewSSMProviderFromEnv(ctx, cfg.Secrets.Region, cfg.Secrets.SSMPrefix)
		if err != nil {
			return secrets.Bundle{}, err
		}
		src = p
	default:
		src = secrets.NewEnvProvider()
	}
	return secrets.Load(ctx, src, secrets.Options{RequireTelegram: cfg.Telegram.Enabled})
}

func buildAlerts(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.Alerting.WebhookURL,
			Client: &http.Client{Timeout: cfg.Alerting.Timeout},
		})
	}
	return alerting.NewFanout(notifiers...)
}

func buildSessions(cfg *config.Config, encryptionKey string) (session.Store, error) {
	switch cfg.Session.Driver {
	case config.DriverRedis:
		sealer, err := session.NewSealer(encryptionKey)
		if err != nil {
			return nil, err
		}
		return session.NewRedisStore(session.RedisConfig{
			Address:  cfg.Session.Redis.Address,
			Password: cfg.Session.Redis.Password,
			DB:       cfg.Session.Redis.DB,
			Prefix:   cfg.Session.Prefix,
			TTL:      cfg.Session.TTL,
		}, sealer)
	default:
		return session.NewMemoryStore(), nil
	}
}

func buildLedger(ctx context.Context, cfg *config.Config) (ledger.Store, error) {
	sqlCfg := ledger.SQLConfig{DSN: cfg.Ledger.DSN, SkipMigrations: cfg.Ledger.SkipMigrations}
	switch cfg.Ledger.Driver {
	case config.DriverMySQL:
		return ledger.NewMySQLStore(ctx, sqlCfg)
	case config.DriverSQLite:
		return ledger.NewSQLiteStore(ctx, sqlCfg)
	default:
		return ledger.NewMemoryStore(), nil
	}
}

func buildQueue(ctx context.Context, cfg *config.Config) (events.Queue, error) {
	switch cfg.Events.Queue {
	case config.DriverRedis:
		return events.NewRedisQueue(ctx, events.RedisQueueConfig{
			Address:   cfg.Events.Redis.Address,
			Password:  cfg.Events.Redis.Password,
			DB:        cfg.Events.Redis.DB,
			Key:       cfg.Events.RedisKey,
			BlockWait: cfg.Events.BlockWait,
		})
	case config.DriverRabbitMQ:
		return events.NewRabbitMQQueue(events.RabbitMQConfig{
			URL:      cfg.Events.RabbitMQ.URL,
			Queue:    cfg.Events.RabbitMQ.Queue,
			Prefetch: cfg.Events.RabbitMQ.Prefetch,
		})
	case config.DriverMemory:
		return events.NewMemoryQueue(cfg.Events.Buffer), nil
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Events.Queue)
	}
}

func buildDeduper(ctx context.Context, cfg *config.Config, app *application) (events.Deduper, error) {
	if cfg.Events.Dedup.Driver != config.DriverRedis {
		return events.NewMemoryDeduper(cfg.Events.Dedup.TTL), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Events.Redis.Address,
		Password: cfg.Events.Redis.Password,
		DB:       cfg.Events.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接去重 Redis 失败: %w", err)
	}
	app.onClose(client.Close)
	return events.NewRedisDeduper(client, "", cfg.Events.Dedup.TTL), nil
}
