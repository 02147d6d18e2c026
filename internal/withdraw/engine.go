// Package withdraw 实现提现对话的后半段：收集金额与地址，随后完成预检、签名与广播。
//
// 一次尝试在地址校验通过后即被原子地"认领"：会话回到空闲状态、金额被清除，
// 之后的任何失败都是终态，不会自动重试，避免同一 nonce 被重复签名。
package withdraw

import (
	"context"
	"encoding/hex"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "XLayer-WalletBot/internal/errors"
	"XLayer-WalletBot/internal/estimate"
	"XLayer-WalletBot/internal/ledger"
	"XLayer-WalletBot/internal/observability/alerting"
	"XLayer-WalletBot/internal/observability/metrics"
	"XLayer-WalletBot/internal/okx"
	"XLayer-WalletBot/internal/session"
	"XLayer-WalletBot/internal/web3"
	"XLayer-WalletBot/pkg/logger"
)

// Stage 是提现尝试所处的阶段。
type Stage string

const (
	StageIdle            Stage = "idle"
	StageAwaitingAmount  Stage = "awaiting_amount"
	StageAwaitingAddress Stage = "awaiting_address"
	StagePreflight       Stage = "preflight"
	StageSigned          Stage = "signed"
	// StageBroadcast 表示交易已成功提交，是成功终态。
	StageBroadcast Stage = "broadcast"
	// StageFailed 是失败终态。
	StageFailed Stage = "failed"
)

// Route 决定已签名交易的提交方式。
type Route string

const (
	RouteRPC       Route = "rpc"
	RouteCustodial Route = "custodial"
)

// Outcome 描述一次 Advance 的结果，供对话层渲染消息。
type Outcome struct {
	Stage    Stage
	Reprompt bool
	// Prompt 非空时，调用方需要发送提示并通过 BindPrompt 回填消息 ID。
	Prompt   *session.Prompt
	Reason   string
	Err      error
	Amount   string
	To       string
	TxHash   string
	OrderID  string
	RecordID string
	Estimate *estimate.Estimate
}

// Terminal 判断本次尝试是否已经结束。
func (o Outcome) Terminal() bool {
	return o.Stage == StageBroadcast || o.Stage == StageFailed
}

// Chain 是组装与广播交易所需的链上能力。
type Chain interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonce(ctx context.Context, address common.Address) (uint64, error)
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
}

// Affordability 判断余额是否足够。
type Affordability interface {
	Affordable(ctx context.Context, address common.Address, amountMinor *big.Int, q estimate.Quote) (estimate.Estimate, error)
}

// SignInfoSource 提供交易前的 nonce 与 gas 建议。
type SignInfoSource interface {
	SignInfo(ctx context.Context, req okx.SignInfoRequest) (okx.SignInfo, error)
}

// Broadcaster 通过托管 API 代理广播。
type Broadcaster interface {
	BroadcastTransaction(ctx context.Context, req okx.BroadcastRequest) (string, error)
}

// ErrStalePrompt 表示回填的提示已被新的流程替换。
var ErrStalePrompt = xerrors.New(xerrors.CodeConflict, "提示已过期")

// Engine 驱动提现状态机。
type Engine struct {
	store      session.Store
	chain      Chain
	estimator  Affordability
	signer     web3.TxSigner
	signInfo   SignInfoSource
	custodial  Broadcaster
	route      Route
	chainIndex string
	ledger     ledger.Store
	alerts     alerting.Dispatcher
	log        *slog.Logger
}

// Option 定义可选配置。
type Option func(*Engine)

// WithSignInfo 在预检阶段调用 sign-info。
func WithSignInfo(src SignInfoSource) Option {
	return func(e *Engine) {
		e.signInfo = src
	}
}

// WithRoute 设置广播方式，custodial 需要提供 Broadcaster。
func WithRoute(route Route, custodial Broadcaster) Option {
	return func(e *Engine) {
		if route != "" {
			e.route = route
		}
		e.custodial = custodial
	}
}

// WithChainIndex 设置托管 API 使用的链编号。
func WithChainIndex(index string) Option {
	return func(e *Engine) {
		if strings.TrimSpace(index) != "" {
			e.chainIndex = strings.TrimSpace(index)
		}
	}
}

// WithLedger 将每次进入签名阶段的尝试写入流水。
func WithLedger(store ledger.Store) Option {
	return func(e *Engine) {
		e.ledger = store
	}
}

// WithAlerts 在广播结果不明确时告警。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(e *Engine) {
		e.alerts = d
	}
}

// New 创建 Engine。
func New(store session.Store, chain Chain, estimator Affordability, signer web3.TxSigner, opts ...Option) (*Engine, error) {
	if store == nil || chain == nil || estimator == nil || signer == nil {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "提现引擎缺少依赖")
	}
	e := &Engine{
		store:      store,
		chain:      chain,
		estimator:  estimator,
		signer:     signer,
		route:      RouteRPC,
		chainIndex: okx.DefaultChainIndex,
		log:        logger.Named("withdraw"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	switch e.route {
	case RouteRPC:
	case RouteCustodial:
		if e.custodial == nil {
			return nil, xerrors.New(xerrors.CodeConfigInvalid, "custodial 广播方式需要托管客户端")
		}
	default:
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "未知的广播方式: "+string(e.route))
	}
	return e, nil
}

// Begin 将流程重置为等待金额，并返回新的提示。已有进行中的流程会被覆盖。
func (e *Engine) Begin(ctx context.Context, userID int64) (session.Prompt, error) {
	prompt := newPrompt(session.PromptAmount)
	var previous session.Flow
	_, err := e.store.Update(ctx, userID, func(s *session.Session) error {
		previous = s.Flow
		s.Flow = session.Flow{Stage: session.StageAwaitingAmount, Prompt: &prompt}
		return nil
	})
	if err != nil {
		return session.Prompt{}, err
	}
	if previous.Awaiting() {
		e.log.Info("提现流程被重置",
			slog.Int64("user_id", userID),
			slog.String("previous_stage", string(previous.Stage)),
		)
	}
	return prompt, nil
}

// BindPrompt 记录提示对应的消息 ID，令牌不匹配时返回 ErrStalePrompt。
func (e *Engine) BindPrompt(ctx context.Context, userID int64, token string, messageID int64) error {
	_, err := e.store.Update(ctx, userID, func(s *session.Session) error {
		if s.Flow.Prompt == nil || s.Flow.Prompt.Token != token {
			return ErrStalePrompt
		}
		s.Flow.Prompt.MessageID = messageID
		return nil
	})
	return err
}

// Abort 清除进行中的流程。
func (e *Engine) Abort(ctx context.Context, userID int64) error {
	idle := session.IdleFlow()
	_, err := e.store.Merge(ctx, userID, session.Patch{Flow: &idle})
	return err
}

// Advance 处理用户对提示的文本回复。
func (e *Engine) Advance(ctx context.Context, userID int64, text string) (Outcome, error) {
	sess, err := e.store.Get(ctx, userID)
	if err != nil {
		if stdErrors.Is(err, session.ErrSessionNotFound) {
			return Outcome{Stage: StageIdle}, nil
		}
		return Outcome{}, err
	}
	switch sess.Flow.Stage {
	case session.StageAwaitingAmount:
		return e.acceptAmount(ctx, userID, text)
	case session.StageAwaitingAddress:
		return e.acceptAddress(ctx, userID, sess.Flow.Amount, text)
	default:
		return Outcome{Stage: StageIdle}, nil
	}
}

var errFlowChanged = stdErrors.New("withdraw flow changed concurrently")

// ReplyHint 附在重新提示之后：旧提示失效，只接受对最新消息的回复。
const ReplyHint = "Please reply to this message, earlier prompts are no longer accepted."

func (e *Engine) acceptAmount(ctx context.Context, userID int64, text string) (Outcome, error) {
	amount, _, err := ParseAmount(text)
	if err != nil {
		return e.reprompt(ctx, userID, session.StageAwaitingAmount, Outcome{
			Stage:  StageAwaitingAmount,
			Reason: "Please enter a positive amount with at most 18 decimal places.",
			Err:    err,
		})
	}

	prompt := newPrompt(session.PromptAddress)
	_, err = e.store.Update(ctx, userID, func(s *session.Session) error {
		if s.Flow.Stage != session.StageAwaitingAmount {
			return errFlowChanged
		}
		s.Flow = session.Flow{Stage: session.StageAwaitingAddress, Amount: amount, Prompt: &prompt}
		return nil
	})
	if stdErrors.Is(err, errFlowChanged) {
		return Outcome{Stage: StageIdle}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Stage: StageAwaitingAddress, Prompt: &prompt, Amount: amount}, nil
}

func (e *Engine) acceptAddress(ctx context.Context, userID int64, amount, text string) (Outcome, error) {
	to, err := NormalizeAddress(text)
	if err != nil {
		return e.reprompt(ctx, userID, session.StageAwaitingAddress, Outcome{
			Stage:  StageAwaitingAddress,
			Amount: amount,
			Reason: "Please enter a valid address: 0x followed by 40 hex characters.",
			Err:    err,
		})
	}

	// 认领：回到空闲并清除金额，之后的失败不会留下待处理的提现。
	sess, err := e.store.Update(ctx, userID, func(s *session.Session) error {
		if s.Flow.Stage != session.StageAwaitingAddress || s.Flow.Amount != amount {
			return errFlowChanged
		}
		s.Flow = session.IdleFlow()
		return nil
	})
	if stdErrors.Is(err, errFlowChanged) {
		return Outcome{Stage: StageIdle}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	return e.execute(ctx, sess, amount, to), nil
}

// reprompt 保持阶段与金额不变，仅更换提示令牌。
func (e *Engine) reprompt(ctx context.Context, userID int64, stage session.Stage, out Outcome) (Outcome, error) {
	kind := session.PromptAmount
	if stage == session.StageAwaitingAddress {
		kind = session.PromptAddress
	}
	prompt := newPrompt(kind)
	_, err := e.store.Update(ctx, userID, func(s *session.Session) error {
		if s.Flow.Stage != stage {
			return errFlowChanged
		}
		s.Flow.Prompt = &prompt
		return nil
	})
	if stdErrors.Is(err, errFlowChanged) {
		return Outcome{Stage: StageIdle}, nil
	}
	if err != nil {
		return Outcome{}, err
	}
	out.Reprompt = true
	out.Prompt = &prompt
	out.Reason += "\n" + ReplyHint
	return out, nil
}

type attempt struct {
	userID  int64
	from    common.Address
	to      common.Address
	amount  string
	minor   *big.Int
	key     string
	account string
}

func (e *Engine) execute(ctx context.Context, sess *session.Session, amount, to string) Outcome {
	out := Outcome{Stage: StagePreflight, Amount: amount, To: to}
	if !sess.HasWallet() {
		return e.fail(sess.UserID, out, "You don't have a wallet yet. Send /start first.", xerrors.New(xerrors.CodeNotFound, "尚未创建钱包"))
	}
	minor, err := ToMinor(amount)
	if err != nil {
		return e.fail(sess.UserID, out, "The stored amount is invalid, please start again.", err)
	}
	at := attempt{
		userID:  sess.UserID,
		from:    common.HexToAddress(sess.Address),
		to:      common.HexToAddress(to),
		amount:  amount,
		minor:   minor,
		key:     sess.PrivateKey,
		account: sess.AccountID,
	}

	// 预检
	info, err := e.preflightInfo(ctx, at)
	if err != nil {
		return e.fail(at.userID, out, "Could not prepare the transaction: "+xerrors.UserMessage(err), err)
	}
	quote := estimate.Quote{GasPrice: parseBig(info.GasPrice.Normal), GasLimit: parseUint(info.GasLimit)}
	est, err := e.estimator.Affordable(ctx, at.from, at.minor, quote)
	if err != nil {
		return e.fail(at.userID, out, "Could not verify your balance, please try again later.", err)
	}
	out.Estimate = &est
	if !est.OK {
		out.Reason = fmt.Sprintf("Insufficient balance: %s OKB required (including %s OKB fee), %s OKB available.",
			FormatMinor(est.TotalRequired), FormatMinor(est.GasCost), FormatMinor(est.Balance))
		out.Err = xerrors.New(xerrors.CodeInsufficientFunds, "余额不足")
		out.Stage = StageFailed
		metrics.IncWithdrawal("insufficient_funds")
		e.log.Info("余额不足，提现终止",
			slog.Int64("user_id", at.userID),
			slog.String("amount", amount),
			slog.String("required", est.TotalRequired.String()),
			slog.String("balance", est.Balance.String()),
		)
		return out
	}
	if est.GasPrice == nil {
		return e.fail(at.userID, out, "Could not determine the network fee, please try again later.",
			xerrors.New(xerrors.CodeEstimationFailed, "无法获取 gas 价格"))
	}

	// 签名
	nonce, err := e.nonce(ctx, at.from, info)
	if err != nil {
		return e.fail(at.userID, out, "Could not determine the account nonce, please try again later.", err)
	}
	chainID, err := e.chain.ChainID(ctx)
	if err != nil {
		return e.fail(at.userID, out, "The network is unavailable, please try again later.",
			xerrors.Wrap(xerrors.CodeRemoteAPI, err, "读取链 ID 失败"))
	}
	intent := web3.Intent{
		From:     at.from,
		To:       at.to,
		Value:    at.minor,
		Nonce:    nonce,
		GasPrice: est.GasPrice,
		GasLimit: est.GasLimit,
		ChainID:  chainID,
	}
	signed, err := e.signer.SignTransfer(ctx, intent, at.key)
	if err != nil {
		return e.fail(at.userID, out, "Signing the transaction failed.", xerrors.Wrap(xerrors.CodeSigningFailed, err, "签名交易失败"))
	}
	out.Stage = StageSigned
	out.TxHash = signed.Hash.Hex()

	rec := &ledger.Record{
		ID:         uuid.NewString(),
		UserID:     at.userID,
		From:       strings.ToLower(at.from.Hex()),
		To:         to,
		Amount:     amount,
		ValueMinor: at.minor.String(),
		Nonce:      nonce,
		GasPrice:   est.GasPrice.String(),
		GasLimit:   est.GasLimit,
		Route:      string(e.route),
		TxHash:     out.TxHash,
		Status:     ledger.StatusPending,
	}
	if e.ledger != nil {
		if err := e.ledger.Create(ctx, rec); err != nil {
			return e.fail(at.userID, out, "Could not record the withdrawal, nothing was sent.", err)
		}
		out.RecordID = rec.ID
	}

	// 广播
	orderID, err := e.broadcast(ctx, at, signed)
	if err != nil {
		return e.ambiguous(ctx, at, rec, out, err)
	}
	out.Stage = StageBroadcast
	out.OrderID = orderID

	patch := session.Patch{LastTxID: session.String(out.TxHash)}
	if orderID != "" {
		patch.LastOrderID = session.String(orderID)
	}
	if _, err := e.store.Merge(ctx, at.userID, patch); err != nil {
		e.log.Error("保存交易哈希失败",
			slog.Int64("user_id", at.userID),
			slog.String("tx_hash", out.TxHash),
			slog.Any("error", err),
		)
	}
	if e.ledger != nil && orderID != "" {
		if err := e.ledger.Update(ctx, rec.ID, ledger.Update{Status: ledger.StatusPending, OrderID: orderID}); err != nil {
			e.log.Warn("更新提现流水失败", slog.String("record_id", rec.ID), slog.Any("error", err))
		}
	}
	metrics.IncWithdrawal("success")
	logger.Audit().Info("提现已广播",
		slog.Int64("user_id", at.userID),
		slog.String("from", rec.From),
		slog.String("to", to),
		slog.String("amount", amount),
		slog.Uint64("nonce", nonce),
		slog.String("tx_hash", out.TxHash),
		slog.String("order_id", orderID),
		slog.String("route", string(e.route)),
	)
	return out
}

func (e *Engine) preflightInfo(ctx context.Context, at attempt) (okx.SignInfo, error) {
	if e.signInfo == nil {
		return okx.SignInfo{}, nil
	}
	return e.signInfo.SignInfo(ctx, okx.SignInfoRequest{
		ChainIndex: e.chainIndex,
		FromAddr:   strings.ToLower(at.from.Hex()),
		ToAddr:     strings.ToLower(at.to.Hex()),
		TxAmount:   at.minor.String(),
	})
}

// nonce 优先使用链上 pending nonce，读取失败时退回 sign-info 的提示。
func (e *Engine) nonce(ctx context.Context, from common.Address, info okx.SignInfo) (uint64, error) {
	nonce, err := e.chain.PendingNonce(ctx, from)
	if err == nil {
		return nonce, nil
	}
	if hint, ok := info.NonceHint(); ok {
		e.log.Warn("读取 pending nonce 失败，使用 sign-info 提示",
			slog.String("address", from.Hex()),
			slog.Uint64("nonce", hint),
			slog.Any("error", err),
		)
		return hint, nil
	}
	return 0, xerrors.Wrap(xerrors.CodeEstimationFailed, err, "读取 nonce 失败")
}

func (e *Engine) broadcast(ctx context.Context, at attempt, signed web3.SignedTx) (string, error) {
	switch e.route {
	case RouteCustodial:
		orderID, err := e.custodial.BroadcastTransaction(ctx, okx.BroadcastRequest{
			SignedTx:   "0x" + hex.EncodeToString(signed.Raw),
			ChainIndex: e.chainIndex,
			Address:    strings.ToLower(at.from.Hex()),
			AccountID:  at.account,
		})
		if err != nil {
			return "", err
		}
		return orderID, nil
	default:
		if _, err := e.chain.SendRawTransaction(ctx, signed.Raw); err != nil {
			return "", err
		}
		return "", nil
	}
}

// ambiguous 处理广播失败：交易可能已被节点接收，因此只记录本地哈希，不重新广播。
func (e *Engine) ambiguous(ctx context.Context, at attempt, rec *ledger.Record, out Outcome, cause error) Outcome {
	err := xerrors.Wrap(xerrors.CodeBroadcastFailed, cause, "广播交易失败",
		xerrors.WithMetadata("tx_hash", out.TxHash),
	)
	if e.ledger != nil {
		update := ledger.Update{Status: ledger.StatusUnknown, Error: cause.Error()}
		if uerr := e.ledger.Update(ctx, rec.ID, update); uerr != nil {
			e.log.Warn("更新提现流水失败", slog.String("record_id", rec.ID), slog.Any("error", uerr))
		}
	}
	if e.alerts != nil {
		event := alerting.Event{
			Code:    xerrors.CodeBroadcastFailed,
			Message: "广播结果不明确，需人工核对",
			UserID:  at.userID,
			Subject: out.TxHash,
			Metadata: map[string]string{
				"route": string(e.route),
				"error": cause.Error(),
			},
		}
		if aerr := e.alerts.Notify(ctx, event); aerr != nil {
			e.log.Warn("发送告警失败", slog.Any("error", aerr))
		}
	}
	metrics.IncWithdrawal("unknown")
	logger.Audit().Warn("广播失败，交易状态未知",
		slog.Int64("user_id", at.userID),
		slog.String("tx_hash", out.TxHash),
		slog.Any("error", cause),
	)
	out.Stage = StageFailed
	out.Err = err
	out.Reason = "Broadcast failed: " + cause.Error()
	return out
}

func (e *Engine) fail(userID int64, out Outcome, reason string, err error) Outcome {
	metrics.IncWithdrawal("failed")
	e.log.Warn("提现失败",
		slog.Int64("user_id", userID),
		slog.String("stage", string(out.Stage)),
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.Any("error", err),
	)
	out.Stage = StageFailed
	out.Reason = reason
	out.Err = err
	return out
}

func newPrompt(kind session.PromptKind) session.Prompt {
	return session.Prompt{Token: uuid.NewString(), Kind: kind}
}

func parseBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || v.Sign() <= 0 {
		return nil
	}
	return v
}

func parseUint(s string) uint64 {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || !v.IsUint64() {
		return 0
	}
	return v.Uint64()
}
