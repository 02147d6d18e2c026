// Package telegram 通过 Bot API 长轮询接入 Telegram，
// 将更新转换为 events.Event 投递到队列，并实现 bot.Messenger。
package telegram

import (
	"context"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"XLayer-WalletBot/internal/bot"
	xerrors "XLayer-WalletBot/internal/errors"
	"XLayer-WalletBot/internal/events"
	"XLayer-WalletBot/pkg/logger"
)

const (
	transportName     = "telegram"
	textUnknownButton = "Unknown button clicked!"
)

// Config 描述 Telegram 连接参数。
type Config struct {
	Token string
	// Endpoint 形如 "https://api.telegram.org/bot%s/%s"，为空使用官方地址。
	Endpoint    string
	PollTimeout int
	Debug       bool
}

// Bot 同时承担发送消息与接收更新两项职责。
type Bot struct {
	api         *tgbotapi.BotAPI
	pollTimeout int
	log         *slog.Logger
}

// New 创建 Bot，会调用一次 getMe 校验令牌。
func New(cfg Config, client tgbotapi.HTTPClient) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "缺少 TELEGRAM_BOT_TOKEN")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	api, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, client)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRemoteAPI, err, "连接 Telegram 失败")
	}
	api.Debug = cfg.Debug
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 30
	}
	b := &Bot{api: api, pollTimeout: timeout, log: logger.Named("telegram")}
	b.log.Info("Telegram 已连接", slog.String("username", api.Self.UserName))
	return b, nil
}

// Send 实现 bot.Messenger。
func (b *Bot) Send(_ context.Context, chatID int64, msg bot.Message) (int64, error) {
	sent, err := b.api.Send(toMessageConfig(chatID, msg))
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeRemoteAPI, err, "发送 Telegram 消息失败")
	}
	return int64(sent.MessageID), nil
}

// Pin 实现 bot.Messenger。
func (b *Bot) Pin(_ context.Context, chatID, messageID int64) error {
	_, err := b.api.Request(tgbotapi.PinChatMessageConfig{
		ChatID:    chatID,
		MessageID: int(messageID),
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeRemoteAPI, err, "置顶消息失败")
	}
	return nil
}

// Run 长轮询更新并投递到队列，直到 ctx 取消。
func (b *Bot) Run(ctx context.Context, producer events.Producer) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = b.pollTimeout
	updates := b.api.GetUpdatesChan(cfg)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.handleUpdate(ctx, producer, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, producer events.Producer, update tgbotapi.Update) {
	if cq := update.CallbackQuery; cq != nil {
		if _, err := b.api.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
			b.log.Warn("应答回调失败", slog.Any("error", err))
		}
		if _, err := bot.ParseAction(cq.Data); err != nil {
			b.log.Info("未知的按钮", slog.String("data", cq.Data), slog.String("callback_id", cq.ID))
			if cq.Message != nil && cq.Message.Chat != nil {
				if _, err := b.api.Send(tgbotapi.NewMessage(cq.Message.Chat.ID, textUnknownButton)); err != nil {
					b.log.Warn("发送消息失败", slog.Any("error", err))
				}
			}
			return
		}
	}

	ev, ok := ToEvent(update)
	if !ok {
		return
	}
	if err := producer.Publish(ctx, ev); err != nil {
		b.log.Error("投递事件失败",
			slog.String("event_id", ev.ID),
			slog.Int64("user_id", ev.UserID),
			slog.Any("error", err),
		)
	}
}

// ToEvent 将 Telegram 更新转换为队列事件。无法识别的更新返回 false。
func ToEvent(update tgbotapi.Update) (events.Event, bool) {
	ev := events.Event{
		ID:         events.TransportID(transportName, int64(update.UpdateID)),
		ReceivedAt: time.Now().Unix(),
	}
	switch {
	case update.CallbackQuery != nil:
		cq := update.CallbackQuery
		if cq.From == nil || cq.Data == "" {
			return events.Event{}, false
		}
		ev.Kind = events.KindAction
		ev.UserID = cq.From.ID
		ev.Action = cq.Data
		ev.CallbackID = cq.ID
		if cq.Message != nil && cq.Message.Chat != nil {
			ev.ChatID = cq.Message.Chat.ID
		}
	case update.Message != nil:
		msg := update.Message
		if msg.From == nil {
			return events.Event{}, false
		}
		ev.UserID = msg.From.ID
		if msg.Chat != nil {
			ev.ChatID = msg.Chat.ID
		}
		if msg.IsCommand() {
			ev.Kind = events.KindCommand
			ev.Command = msg.Command()
			break
		}
		if msg.Text == "" {
			return events.Event{}, false
		}
		ev.Kind = events.KindText
		ev.Text = msg.Text
		if msg.ReplyToMessage != nil {
			ev.ReplyTo = int64(msg.ReplyToMessage.MessageID)
		}
	default:
		return events.Event{}, false
	}
	ev.Normalize()
	return ev, true
}

func toMessageConfig(chatID int64, msg bot.Message) tgbotapi.MessageConfig {
	out := tgbotapi.NewMessage(chatID, msg.Text)
	if msg.Markdown {
		out.ParseMode = tgbotapi.ModeMarkdown
	}
	switch {
	case len(msg.Buttons) > 0:
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(msg.Buttons))
		for _, btn := range msg.Buttons {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData(btn.Label, btn.Action.String()),
			))
		}
		out.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	case msg.ForceReply:
		out.ReplyMarkup = tgbotapi.ForceReply{ForceReply: true}
	}
	return out
}
