package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"XLayer-WalletBot/internal/api"
	"XLayer-WalletBot/internal/bot"
	"XLayer-WalletBot/internal/bot/telegram"
	"XLayer-WalletBot/internal/config"
	"XLayer-WalletBot/internal/events"
	"XLayer-WalletBot/internal/status"
	"XLayer-WalletBot/pkg/logger"
)

// main 是钱包机器人守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	if len(os.Args) > 1 && os.Args[1] == "status" {
		err = runStatus(ctx, os.Args[2:])
	} else {
		err = run(ctx)
	}
	if err != nil {
		logger.L().Error("walletbotd 运行失败", slog.Any("error", err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(os.Getenv("SECRETS_DOTENV")); err != nil {
		return nil, err
	}
	configPath := os.Getenv("WALLETBOT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "walletbot.yaml")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.Named("walletbotd")

	app, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	dispatcher, err := bot.NewDispatcher(bot.Deps{
		Store:       app.sessions,
		Messenger:   app.messenger(),
		Wallets:     app.wallets,
		Withdrawals: app.engine,
		Balances:    app.okx,
		Status:      app.reconciler,
	})
	if err != nil {
		return err
	}

	processor := events.NewProcessor(app.queue, dispatcher.Handle,
		events.WithWorkerCount(cfg.Events.Workers),
		events.WithTimeout(cfg.Events.Timeout),
		events.WithDeduper(app.deduper),
		events.WithAlertDispatcher(app.alerts),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 3)

	go func() {
		if err := processor.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("事件处理器异常退出: %w", err)
		}
	}()

	if app.telegram != nil {
		go func() {
			if err := app.telegram.Run(runCtx, app.queue); err != nil {
				errCh <- fmt.Errorf("Telegram 轮询异常退出: %w", err)
			}
		}()
	}

	apiOpts := []api.Option{
		api.WithAPIToken(cfg.Server.APIToken),
		api.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.ShutdownTimeout),
		api.WithStatus(app.reconciler),
		api.WithHistory(app.ledger),
	}
	if cfg.Server.EnableEvents {
		apiOpts = append(apiOpts, api.WithEventProducer(app.queue))
	}
	server := api.NewServer(cfg.Server.Address, apiOpts...)
	go func() {
		if err := server.Start(runCtx); err != nil {
			errCh <- fmt.Errorf("HTTP 服务异常退出: %w", err)
		}
	}()

	log.Info("walletbotd 已启动",
		slog.String("chain", app.chainName),
		slog.String("route", cfg.Broadcast.Route),
		slog.String("queue", cfg.Events.Queue),
		slog.String("session", cfg.Session.Driver),
		slog.String("ledger", cfg.Ledger.Driver),
		slog.Bool("telegram", app.telegram != nil),
	)

	select {
	case <-ctx.Done():
		log.Info("收到退出信号，开始关闭")
		return nil
	case err := <-errCh:
		return err
	}
}

// runStatus 查询一笔交易的状态并以 JSON 输出。
func runStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	txHash := fs.String("tx", "", "交易哈希")
	accountID := fs.String("account", "", "托管账户 ID")
	orderID := fs.String("order", "", "托管订单 ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	q := status.Query{AccountID: *accountID, OrderID: *orderID, TxHash: *txHash}
	if q.Empty() {
		return errors.New("需要 -tx 或 -account 与 -order")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Telegram.Enabled = false
	app, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	res, err := app.reconciler.Status(ctx, q)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// logMessenger 在未启用 Telegram 时把出站消息的元数据写入日志，正文可能含私钥，不记录。
type logMessenger struct {
	log  *slog.Logger
	next atomic.Int64
}

func newLogMessenger() *logMessenger {
	return &logMessenger{log: logger.Named("messenger")}
}

func (m *logMessenger) Send(_ context.Context, chatID int64, msg bot.Message) (int64, error) {
	id := m.next.Add(1)
	m.log.Info("出站消息",
		slog.Int64("chat_id", chatID),
		slog.Int64("message_id", id),
		slog.Int("buttons", len(msg.Buttons)),
		slog.Bool("force_reply", msg.ForceReply),
	)
	return id, nil
}

func (m *logMessenger) Pin(_ context.Context, chatID, messageID int64) error {
	m.log.Info("置顶消息", slog.Int64("chat_id", chatID), slog.Int64("message_id", messageID))
	return nil
}

var _ bot.Messenger = (*telegram.Bot)(nil)
