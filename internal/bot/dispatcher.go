package bot

import (
	"context"
	stdErrors "errors"
	"log/slog"

	xerrors "XLayer-WalletBot/internal/errors"
	"XLayer-WalletBot/internal/events"
	"XLayer-WalletBot/internal/okx"
	"XLayer-WalletBot/internal/session"
	"XLayer-WalletBot/internal/status"
	"XLayer-WalletBot/internal/wallet"
	"XLayer-WalletBot/internal/withdraw"
	"XLayer-WalletBot/pkg/logger"
)

// Messenger 是对话层需要的传输能力。Send 返回已发送消息的 ID。
type Messenger interface {
	Send(ctx context.Context, chatID int64, msg Message) (int64, error)
	Pin(ctx context.Context, chatID, messageID int64) error
}

// Wallets 获取或创建用户钱包。
type Wallets interface {
	EnsureAccount(ctx context.Context, userID int64) (wallet.Account, error)
}

// Withdrawals 驱动提现对话。
type Withdrawals interface {
	Begin(ctx context.Context, userID int64) (session.Prompt, error)
	BindPrompt(ctx context.Context, userID int64, token string, messageID int64) error
	Advance(ctx context.Context, userID int64, text string) (withdraw.Outcome, error)
}

// Balances 查询地址余额。
type Balances interface {
	TokenBalance(ctx context.Context, address string) (okx.Balance, error)
}

// StatusChecker 查询交易状态。
type StatusChecker interface {
	Status(ctx context.Context, q status.Query) (status.Result, error)
}

// Deps 汇总 Dispatcher 的依赖，Status 可以为空。
type Deps struct {
	Store       session.Store
	Messenger   Messenger
	Wallets     Wallets
	Withdrawals Withdrawals
	Balances    Balances
	Status      StatusChecker
}

// Dispatcher 将事件路由到对应的处理逻辑。
type Dispatcher struct {
	store       session.Store
	messenger   Messenger
	wallets     Wallets
	withdrawals Withdrawals
	balances    Balances
	status      StatusChecker
	log         *slog.Logger
}

// NewDispatcher 创建 Dispatcher。
func NewDispatcher(d Deps) (*Dispatcher, error) {
	if d.Store == nil || d.Messenger == nil || d.Wallets == nil || d.Withdrawals == nil || d.Balances == nil {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "对话分发器缺少依赖")
	}
	return &Dispatcher{
		store:       d.Store,
		messenger:   d.Messenger,
		wallets:     d.Wallets,
		withdrawals: d.Withdrawals,
		balances:    d.Balances,
		status:      d.Status,
		log:         logger.Named("bot"),
	}, nil
}

// Handle 实现 events.Handler。
func (d *Dispatcher) Handle(ctx context.Context, ev events.Event) error {
	env, err := FromEvent(ev)
	if err != nil {
		d.log.Warn("丢弃无法识别的事件",
			slog.String("event_id", ev.ID),
			slog.String("kind", string(ev.Kind)),
			slog.Any("error", err),
		)
		return nil
	}
	return d.Dispatch(ctx, env)
}

// Dispatch 处理单个类型化事件。
func (d *Dispatcher) Dispatch(ctx context.Context, env Envelope) error {
	switch e := env.Event.(type) {
	case Command:
		return d.start(ctx, env)
	case ActionPressed:
		switch e.Action {
		case ActionCheckBalance:
			return d.checkBalance(ctx, env)
		case ActionDeposit:
			return d.deposit(ctx, env)
		case ActionWithdraw:
			return d.beginWithdrawal(ctx, env)
		case ActionExportKey:
			return d.exportKey(ctx, env)
		case ActionPinMessage:
			return d.pinMessage(ctx, env)
		case ActionCheckStatus:
			return d.checkStatus(ctx, env)
		}
		return ErrUnknownAction
	case TextMessage:
		return d.text(ctx, env, e)
	}
	return xerrors.New(xerrors.CodeInvalidInput, "未知的事件类型")
}

func (d *Dispatcher) start(ctx context.Context, env Envelope) error {
	account, err := d.wallets.EnsureAccount(ctx, env.UserID)
	if err != nil && account.Address == "" {
		d.log.Error("创建钱包失败", slog.Int64("user_id", env.UserID), slog.Any("error", err))
		_, sendErr := d.send(ctx, env, Message{Text: textWalletError})
		return stdErrors.Join(err, sendErr)
	}
	if _, err := d.send(ctx, env, Message{Text: welcomeText(account.Address), Markdown: true, Buttons: Menu()}); err != nil {
		return err
	}
	if xerrors.CodeOf(err) == xerrors.CodeRegistrationFailed {
		_, sendErr := d.send(ctx, env, Message{Text: textRegistrationNote, Markdown: true})
		return sendErr
	}
	return nil
}

func (d *Dispatcher) account(ctx context.Context, env Envelope) (wallet.Account, bool, error) {
	account, err := d.wallets.EnsureAccount(ctx, env.UserID)
	if account.Address != "" {
		return account, true, nil
	}
	d.log.Error("获取钱包失败", slog.Int64("user_id", env.UserID), slog.Any("error", err))
	_, sendErr := d.send(ctx, env, Message{Text: textWalletError})
	return account, false, stdErrors.Join(err, sendErr)
}

func (d *Dispatcher) checkBalance(ctx context.Context, env Envelope) error {
	account, ok, err := d.account(ctx, env)
	if !ok {
		return err
	}
	balance, err := d.balances.TokenBalance(ctx, account.Address)
	if err != nil {
		d.log.Warn("查询余额失败", slog.Int64("user_id", env.UserID), slog.Any("error", err))
		_, sendErr := d.send(ctx, env, Message{Text: textBalanceError})
		return sendErr
	}
	_, err = d.send(ctx, env, Message{Text: balanceText(balance)})
	return err
}

func (d *Dispatcher) deposit(ctx context.Context, env Envelope) error {
	account, ok, err := d.account(ctx, env)
	if !ok {
		return err
	}
	for _, msg := range []Message{
		{Text: textDepositNote, Markdown: true},
		{Text: textDepositPrompt},
		{Text: codeBlock(account.Address), Markdown: true},
	} {
		if _, err := d.send(ctx, env, msg); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) beginWithdrawal(ctx context.Context, env Envelope) error {
	if _, ok, err := d.account(ctx, env); !ok {
		return err
	}
	prompt, err := d.withdrawals.Begin(ctx, env.UserID)
	if err != nil {
		return err
	}
	return d.sendPrompt(ctx, env, prompt, textAmountPrompt)
}

// sendPrompt 发送强制回复提示，并将消息 ID 绑定到提示令牌。
func (d *Dispatcher) sendPrompt(ctx context.Context, env Envelope, prompt session.Prompt, text string) error {
	id, err := d.send(ctx, env, Message{Text: text, ForceReply: true})
	if err != nil {
		return err
	}
	if err := d.withdrawals.BindPrompt(ctx, env.UserID, prompt.Token, id); err != nil {
		if stdErrors.Is(err, withdraw.ErrStalePrompt) {
			d.log.Info("提示已被新的流程替换", slog.Int64("user_id", env.UserID))
			return nil
		}
		return err
	}
	return nil
}

func (d *Dispatcher) exportKey(ctx context.Context, env Envelope) error {
	sess, err := d.store.Get(ctx, env.UserID)
	if err != nil && !stdErrors.Is(err, session.ErrSessionNotFound) {
		return err
	}
	if !sess.HasWallet() {
		_, err := d.send(ctx, env, Message{Text: textNoWallet})
		return err
	}
	if _, err := d.send(ctx, env, Message{Text: textExportWarning}); err != nil {
		return err
	}
	if _, err := d.send(ctx, env, Message{Text: codeBlock(sess.PrivateKey), Markdown: true}); err != nil {
		return err
	}
	logger.Audit().Info("私钥已导出", slog.Int64("user_id", env.UserID), slog.String("address", sess.Address))
	return nil
}

func (d *Dispatcher) pinMessage(ctx context.Context, env Envelope) error {
	sess, err := d.store.Get(ctx, env.UserID)
	if err != nil && !stdErrors.Is(err, session.ErrSessionNotFound) {
		return err
	}
	text := textPinned
	if sess == nil || sess.MessageID == 0 {
		text = textPinFailed
	} else if err := d.messenger.Pin(ctx, env.ChatID, sess.MessageID); err != nil {
		d.log.Warn("置顶消息失败", slog.Int64("user_id", env.UserID), slog.Any("error", err))
		text = textPinFailed
	}
	_, err = d.send(ctx, env, Message{Text: text})
	return err
}

func (d *Dispatcher) checkStatus(ctx context.Context, env Envelope) error {
	sess, err := d.store.Get(ctx, env.UserID)
	if err != nil && !stdErrors.Is(err, session.ErrSessionNotFound) {
		return err
	}
	q := status.FromSession(sess)
	if d.status == nil || q.Empty() {
		_, err := d.send(ctx, env, Message{Text: textNothingToCheck})
		return err
	}
	res, err := d.status.Status(ctx, q)
	if err != nil {
		d.log.Warn("查询交易状态失败", slog.Int64("user_id", env.UserID), slog.Any("error", err))
		_, sendErr := d.send(ctx, env, Message{Text: textStatusError})
		return sendErr
	}
	_, err = d.send(ctx, env, Message{Text: statusText(res)})
	return err
}

// text 仅处理对当前提示的回复，其他文本忽略。
func (d *Dispatcher) text(ctx context.Context, env Envelope, msg TextMessage) error {
	sess, err := d.store.Get(ctx, env.UserID)
	if err != nil {
		if stdErrors.Is(err, session.ErrSessionNotFound) {
			return nil
		}
		return err
	}
	prompt := sess.Flow.Prompt
	if !sess.WithdrawalRequested() || prompt == nil || prompt.MessageID == 0 || msg.ReplyTo != prompt.MessageID {
		return nil
	}

	if sess.Flow.Stage == session.StageAwaitingAddress {
		if _, err := withdraw.NormalizeAddress(msg.Text); err == nil {
			if _, err := d.send(ctx, env, Message{Text: textInitiating}); err != nil {
				return err
			}
		}
	}

	out, err := d.withdrawals.Advance(ctx, env.UserID, msg.Text)
	if err != nil {
		return err
	}
	switch {
	case out.Reprompt:
		if out.Prompt == nil {
			_, err := d.send(ctx, env, Message{Text: out.Reason})
			return err
		}
		return d.sendPrompt(ctx, env, *out.Prompt, out.Reason)
	case out.Stage == withdraw.StageAwaitingAddress && out.Prompt != nil:
		return d.sendPrompt(ctx, env, *out.Prompt, textAddressPrompt)
	case out.Stage == withdraw.StageBroadcast:
		_, err := d.send(ctx, env, Message{Text: successText(out.Amount, out.To, out.TxHash, out.OrderID)})
		return err
	case out.Stage == withdraw.StageFailed:
		_, err := d.send(ctx, env, Message{Text: failureText(out.Reason)})
		return err
	}
	return nil
}

// send 发送消息并记录最新的消息 ID。
func (d *Dispatcher) send(ctx context.Context, env Envelope, msg Message) (int64, error) {
	id, err := d.messenger.Send(ctx, env.ChatID, msg)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeRemoteAPI, err, "发送消息失败")
	}
	if _, err := d.store.Merge(ctx, env.UserID, session.Patch{MessageID: session.Int64(id)}); err != nil {
		d.log.Warn("记录消息 ID 失败", slog.Int64("user_id", env.UserID), slog.Any("error", err))
	}
	return id, nil
}
