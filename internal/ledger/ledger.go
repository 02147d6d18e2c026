// Package ledger 记录每一次进入签名阶段的提现尝试。记录中不包含任何密钥材料。
package ledger

import (
	"context"

	xerrors "XLayer-WalletBot/internal/errors"
)

// Status 表示提现记录的状态。
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusUnknown Status = "unknown"
)

// Terminal 判断状态是否不再变化。
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Valid 判断是否为已知状态。
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusFailed, StatusUnknown:
		return true
	}
	return false
}

// Record 是一次提现尝试。
type Record struct {
	ID         string `json:"id"`
	UserID     int64  `json:"user_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Amount     string `json:"amount"`
	ValueMinor string `json:"value_minor"`
	Nonce      uint64 `json:"nonce"`
	GasPrice   string `json:"gas_price"`
	GasLimit   uint64 `json:"gas_limit"`
	Route      string `json:"route"`
	TxHash     string `json:"tx_hash,omitempty"`
	OrderID    string `json:"order_id,omitempty"`
	Status     Status `json:"status"`
	Error      string `json:"error,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

// Update 描述对记录的状态变更，空字符串字段保持原值。
type Update struct {
	Status  Status
	TxHash  string
	OrderID string
	Error   string
}

// Store 抽象提现流水的存储。
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Update(ctx context.Context, id string, u Update) error
	Get(ctx context.Context, id string) (*Record, error)
	FindByTxHash(ctx context.Context, hash string) (*Record, error)
	FindByOrderID(ctx context.Context, orderID string) (*Record, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]Record, error)
	Close() error
}

// 预定义错误
var (
	ErrRecordNotFound = xerrors.New(xerrors.CodeNotFound, "提现记录不存在")
	ErrRecordConflict = xerrors.New(xerrors.CodeConflict, "提现记录已存在")
)

const defaultListLimit = 20

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return defaultListLimit
	}
	return limit
}

func validateRecord(rec *Record) error {
	if rec == nil {
		return xerrors.New(xerrors.CodeInvalidInput, "记录不能为空")
	}
	if rec.ID == "" {
		return xerrors.New(xerrors.CodeInvalidInput, "记录 ID 不能为空")
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if !rec.Status.Valid() {
		return xerrors.New(xerrors.CodeInvalidInput, "未知的记录状态: "+string(rec.Status))
	}
	return nil
}

func validateUpdate(u Update) error {
	if !u.Status.Valid() {
		return xerrors.New(xerrors.CodeInvalidInput, "未知的记录状态: "+string(u.Status))
	}
	return nil
}
