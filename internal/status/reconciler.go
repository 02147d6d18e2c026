// Package status 查询交易状态并统一为 Pending/Success/Failed/Unknown 四种结果。
package status

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "XLayer-WalletBot/internal/errors"
	"XLayer-WalletBot/internal/ledger"
	"XLayer-WalletBot/internal/observability/metrics"
	"XLayer-WalletBot/internal/okx"
	"XLayer-WalletBot/internal/session"
	"XLayer-WalletBot/internal/web3"
	"XLayer-WalletBot/pkg/logger"
)

// State 是交易的领域状态。
type State string

const (
	Pending State = "pending"
	Success State = "success"
	Failed  State = "failed"
	Unknown State = "unknown"
)

// Terminal 判断状态是否为终态。
func (s State) Terminal() bool {
	return s == Success || s == Failed
}

// Source 标识结果来源。
type Source string

const (
	SourceCustodial Source = "custodial"
	SourceChain     Source = "chain"
)

// Query 是查询条件。AccountID 与 OrderID 同时存在时走托管接口，否则按哈希查链。
type Query struct {
	AccountID string
	OrderID   string
	TxHash    string
}

// FromSession 由会话中最近一次提现构造查询。
func FromSession(s *session.Session) Query {
	if s == nil {
		return Query{}
	}
	return Query{AccountID: s.AccountID, OrderID: s.LastOrderID, TxHash: s.LastTxID}
}

// Empty 判断查询是否缺少可用标识。
func (q Query) Empty() bool {
	return q.TxHash == "" && (q.AccountID == "" || q.OrderID == "")
}

// BlockInfo 是交易所在区块的信息。
type BlockInfo struct {
	Number  uint64 `json:"number"`
	Hash    string `json:"hash,omitempty"`
	Time    string `json:"time,omitempty"`
	GasUsed string `json:"gas_used,omitempty"`
}

// Result 是状态查询结果。
type Result struct {
	State   State      `json:"state"`
	Hash    string     `json:"hash,omitempty"`
	OrderID string     `json:"order_id,omitempty"`
	Block   *BlockInfo `json:"block,omitempty"`
	Source  Source     `json:"source"`
	Code    string     `json:"code,omitempty"`
}

// OrderSource 查询托管订单。
type OrderSource interface {
	Orders(ctx context.Context, q okx.OrdersQuery) ([]okx.Order, error)
}

// ChainSource 查询链上交易。
type ChainSource interface {
	LookupTransaction(ctx context.Context, hash common.Hash) (web3.TxLookup, error)
}

// MapCode 将托管接口的 txStatus 映射为领域状态。
func MapCode(code string) State {
	switch strings.TrimSpace(code) {
	case "1":
		return Pending
	case "2":
		return Success
	case "3":
		return Failed
	default:
		return Unknown
	}
}

var hashPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Reconciler 查询状态并同步到提现流水。
type Reconciler struct {
	orders     OrderSource
	chain      ChainSource
	ledger     ledger.Store
	chainIndex string
	log        *slog.Logger
}

// Option 定义可选配置。
type Option func(*Reconciler)

// WithLedger 在终态时更新对应的流水记录。
func WithLedger(store ledger.Store) Option {
	return func(r *Reconciler) {
		r.ledger = store
	}
}

// WithChainIndex 设置托管接口的链编号。
func WithChainIndex(index string) Option {
	return func(r *Reconciler) {
		if index != "" {
			r.chainIndex = index
		}
	}
}

// New 创建 Reconciler，orders 与 chain 可以有一个为空。
func New(orders OrderSource, chain ChainSource, opts ...Option) *Reconciler {
	r := &Reconciler{
		orders:     orders,
		chain:      chain,
		chainIndex: okx.DefaultChainIndex,
		log:        logger.Named("status"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Status 查询交易状态。
func (r *Reconciler) Status(ctx context.Context, q Query) (Result, error) {
	q.AccountID = strings.TrimSpace(q.AccountID)
	q.OrderID = strings.TrimSpace(q.OrderID)
	q.TxHash = strings.TrimSpace(q.TxHash)

	var (
		res Result
		err error
	)
	switch {
	case q.AccountID != "" && q.OrderID != "" && r.orders != nil:
		res, err = r.fromCustodial(ctx, q)
	case q.TxHash != "" && r.chain != nil:
		res, err = r.fromChain(ctx, q.TxHash)
	default:
		return Result{}, xerrors.New(xerrors.CodeInvalidInput, "缺少订单号或交易哈希")
	}
	if err != nil {
		return Result{}, err
	}
	metrics.ObserveStatus(string(res.Source), string(res.State))
	r.sync(ctx, q, res)
	return res, nil
}

func (r *Reconciler) fromCustodial(ctx context.Context, q Query) (Result, error) {
	orders, err := r.orders.Orders(ctx, okx.OrdersQuery{
		AccountID:  q.AccountID,
		ChainIndex: r.chainIndex,
		OrderID:    q.OrderID,
	})
	if err != nil {
		return Result{}, err
	}
	res := Result{Source: SourceCustodial, OrderID: q.OrderID, Hash: q.TxHash}
	// 托管系统在广播后可能短暂查不到订单。
	order, ok := findOrder(orders, q.OrderID)
	if !ok {
		res.State = Pending
		return res, nil
	}
	res.Code = order.TxStatus
	res.State = MapCode(order.TxStatus)
	if order.TxHash != "" {
		res.Hash = order.TxHash
	}
	if order.BlockHeight != "" {
		height, _ := strconv.ParseUint(order.BlockHeight, 10, 64)
		res.Block = &BlockInfo{Number: height, Time: order.BlockTime, GasUsed: order.GasUsed}
	}
	return res, nil
}

func findOrder(orders []okx.Order, orderID string) (okx.Order, bool) {
	for _, o := range orders {
		if o.OrderID == orderID {
			return o, true
		}
	}
	return okx.Order{}, false
}

func (r *Reconciler) fromChain(ctx context.Context, hash string) (Result, error) {
	if !hashPattern.MatchString(hash) {
		return Result{}, xerrors.New(xerrors.CodeInvalidInput, "交易哈希格式无效")
	}
	res := Result{Source: SourceChain, Hash: strings.ToLower(hash)}
	lookup, err := r.chain.LookupTransaction(ctx, common.HexToHash(hash))
	if err != nil {
		// 节点可能尚未同步到该交易。
		if stdErrors.Is(err, web3.ErrTxNotFound) {
			res.State = Pending
			return res, nil
		}
		return Result{}, xerrors.Wrap(xerrors.CodeRemoteAPI, err, "查询链上交易失败")
	}
	if lookup.Receipt == nil {
		res.State = Pending
		return res, nil
	}
	res.Code = strconv.FormatUint(lookup.Receipt.Status, 10)
	if lookup.Receipt.Status == 1 {
		res.State = Success
	} else {
		res.State = Failed
	}
	res.Block = &BlockInfo{
		Number:  lookup.Receipt.BlockNumber,
		Hash:    lookup.Receipt.BlockHash.Hex(),
		GasUsed: strconv.FormatUint(lookup.Receipt.GasUsed, 10),
	}
	return res, nil
}

func (r *Reconciler) sync(ctx context.Context, q Query, res Result) {
	if r.ledger == nil || !res.State.Terminal() {
		return
	}
	rec, err := r.findRecord(ctx, q, res)
	if err != nil {
		if !stdErrors.Is(err, ledger.ErrRecordNotFound) {
			r.log.Warn("查询提现流水失败", slog.Any("error", err))
		}
		return
	}
	if rec.Status.Terminal() {
		return
	}
	status := ledger.StatusSuccess
	if res.State == Failed {
		status = ledger.StatusFailed
	}
	update := ledger.Update{Status: status, OrderID: res.OrderID}
	if res.Hash != "" && rec.TxHash == "" {
		update.TxHash = res.Hash
	}
	if err := r.ledger.Update(ctx, rec.ID, update); err != nil {
		r.log.Warn("更新提现流水失败", slog.String("record_id", rec.ID), slog.Any("error", err))
		return
	}
	logger.Audit().Info("提现状态已确认",
		slog.Int64("user_id", rec.UserID),
		slog.String("record_id", rec.ID),
		slog.String("tx_hash", rec.TxHash),
		slog.String("state", string(res.State)),
		slog.String("source", string(res.Source)),
	)
}

func (r *Reconciler) findRecord(ctx context.Context, q Query, res Result) (*ledger.Record, error) {
	if q.OrderID != "" {
		if rec, err := r.ledger.FindByOrderID(ctx, q.OrderID); err == nil {
			return rec, nil
		}
	}
	hash := res.Hash
	if hash == "" {
		hash = q.TxHash
	}
	return r.ledger.FindByTxHash(ctx, hash)
}
