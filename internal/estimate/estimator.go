// Package estimate decides whether a wallet can afford a withdrawal once the
// buffered network fee is added.
package estimate

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	xerrors "XLayer-WalletBot/internal/errors"
	"XLayer-WalletBot/internal/observability/alerting"
	"XLayer-WalletBot/internal/observability/metrics"
	"XLayer-WalletBot/pkg/logger"
)

// Policy 决定链上读取失败时是否放行提现。
type Policy string

const (
	// FailOpen 在无法预估时放行，由广播阶段兜底。
	FailOpen Policy = "fail_open"
	// FailClosed 在无法预估时拒绝提现。
	FailClosed Policy = "fail_closed"
)

// DefaultBufferPercent 是 gas 价格的安全系数。
const DefaultBufferPercent = 10

// DefaultGasLimit 是原生币转账的 gas 上限。
const DefaultGasLimit = 21000

// ChainReader 是预估所需的链上读取能力。
type ChainReader interface {
	Balance(ctx context.Context, address common.Address) (*big.Int, error)
	GasPrice(ctx context.Context) (*big.Int, error)
}

// Quote 是 sign-info 给出的 gas 建议，零值字段由链上数据或默认值补齐。
type Quote struct {
	GasPrice *big.Int
	GasLimit uint64
}

// Estimate 是预估结果。Known 为 false 时 Balance 等字段可能为空。
type Estimate struct {
	OK            bool
	Known         bool
	Balance       *big.Int
	BaseGasPrice  *big.Int
	GasPrice      *big.Int
	GasLimit      uint64
	GasCost       *big.Int
	TotalRequired *big.Int
}

// Estimator 计算余额是否足以支付金额与手续费。
type Estimator struct {
	chain           ChainReader
	policy          Policy
	bufferPercent   int64
	defaultGasLimit uint64
	alerts          alerting.Dispatcher
	log             *slog.Logger
}

// Option 定义可选配置。
type Option func(*Estimator)

// WithPolicy 设置失败策略。
func WithPolicy(p Policy) Option {
	return func(e *Estimator) {
		if p == FailOpen || p == FailClosed {
			e.policy = p
		}
	}
}

// WithBufferPercent 设置 gas 价格的安全系数。
func WithBufferPercent(percent int64) Option {
	return func(e *Estimator) {
		if percent > 0 {
			e.bufferPercent = percent
		}
	}
}

// WithDefaultGasLimit 设置 sign-info 未给出 gas 上限时的默认值。
func WithDefaultGasLimit(limit uint64) Option {
	return func(e *Estimator) {
		if limit > 0 {
			e.defaultGasLimit = limit
		}
	}
}

// WithAlerts 在放行未知预估时发送风险告警。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(e *Estimator) {
		e.alerts = d
	}
}

// New 创建 Estimator。
func New(chain ChainReader, opts ...Option) *Estimator {
	e := &Estimator{
		chain:           chain,
		policy:          FailOpen,
		bufferPercent:   DefaultBufferPercent,
		defaultGasLimit: DefaultGasLimit,
		log:             logger.Named("estimate"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Policy 返回当前策略。
func (e *Estimator) Policy() Policy {
	return e.policy
}

// BufferedGasPrice 返回 base * (100 + percent) / 100，整数截断。
func BufferedGasPrice(base *big.Int, percent int64) *big.Int {
	out := new(big.Int).Mul(base, big.NewInt(100+percent))
	return out.Quo(out, big.NewInt(100))
}

// Affordable 判断 address 的余额是否覆盖 amountMinor 与预估手续费。
// 链上读取失败时按策略处理：FailOpen 返回 OK=true、Known=false，FailClosed 返回错误。
func (e *Estimator) Affordable(ctx context.Context, address common.Address, amountMinor *big.Int, q Quote) (Estimate, error) {
	if amountMinor == nil || amountMinor.Sign() <= 0 {
		return Estimate{}, xerrors.New(xerrors.CodeInvalidInput, "金额必须为正数")
	}
	est := Estimate{GasLimit: q.GasLimit}
	if est.GasLimit == 0 {
		est.GasLimit = e.defaultGasLimit
	}

	if q.GasPrice != nil && q.GasPrice.Sign() > 0 {
		est.BaseGasPrice = new(big.Int).Set(q.GasPrice)
	} else {
		price, err := e.chain.GasPrice(ctx)
		if err != nil {
			return e.unknown(ctx, address, est, err)
		}
		est.BaseGasPrice = price
	}
	est.GasPrice = BufferedGasPrice(est.BaseGasPrice, e.bufferPercent)
	est.GasCost = new(big.Int).Mul(new(big.Int).SetUint64(est.GasLimit), est.GasPrice)
	est.TotalRequired = new(big.Int).Add(amountMinor, est.GasCost)

	balance, err := e.chain.Balance(ctx, address)
	if err != nil {
		return e.unknown(ctx, address, est, err)
	}
	est.Balance = balance
	est.Known = true
	est.OK = balance.Cmp(est.TotalRequired) >= 0
	return est, nil
}

func (e *Estimator) unknown(ctx context.Context, address common.Address, est Estimate, cause error) (Estimate, error) {
	if e.policy == FailClosed {
		return est, xerrors.Wrap(xerrors.CodeEstimationFailed, cause, "无法预估余额与手续费")
	}
	est.Known = false
	est.OK = true
	metrics.IncFailOpenEstimate()
	e.log.Warn("余额预估失败，按 fail-open 策略放行",
		slog.String("address", address.Hex()),
		slog.Any("error", cause),
	)
	if e.alerts != nil {
		event := alerting.Event{
			Code:    xerrors.CodeEstimationFailed,
			Message: "余额预估失败，提现已放行",
			Subject: address.Hex(),
			Metadata: map[string]string{
				"policy": string(e.policy),
				"error":  cause.Error(),
			},
		}
		if err := e.alerts.Notify(ctx, event); err != nil {
			e.log.Warn("发送风险告警失败", slog.Any("error", err))
		}
	}
	return est, nil
}
