package session

import (
	"context"
	"time"

	xerrors "XLayer-WalletBot/internal/errors"
)

// Stage 表示提现对话当前等待的输入。
type Stage string

const (
	// StageIdle 表示没有进行中的提现。
	StageIdle Stage = "idle"
	// StageAwaitingAmount 表示等待用户回复提现金额。
	StageAwaitingAmount Stage = "awaiting_amount"
	// StageAwaitingAddress 表示等待用户回复目标地址。
	StageAwaitingAddress Stage = "awaiting_address"
)

// PromptKind 标识一条待回复提示所询问的内容。
type PromptKind string

const (
	PromptAmount  PromptKind = "amount"
	PromptAddress PromptKind = "address"
)

// Prompt 是挂起的提示令牌。MessageID 在传输层发送提示后回填。
type Prompt struct {
	Token     string     `json:"token"`
	Kind      PromptKind `json:"kind"`
	MessageID int64      `json:"message_id,omitempty"`
}

// Flow 是提现对话的显式状态。
type Flow struct {
	Stage  Stage   `json:"stage"`
	Amount string  `json:"amount,omitempty"`
	Prompt *Prompt `json:"prompt,omitempty"`
}

// IdleFlow 返回空闲状态。
func IdleFlow() Flow {
	return Flow{Stage: StageIdle}
}

// Awaiting 判断当前是否在等待用户输入。
func (f Flow) Awaiting() bool {
	return f.Stage == StageAwaitingAmount || f.Stage == StageAwaitingAddress
}

// Validate 拒绝非法的字段组合。
func (f Flow) Validate() error {
	switch f.Stage {
	case "", StageIdle:
		if f.Amount != "" || f.Prompt != nil {
			return xerrors.New(xerrors.CodeInvalidInput, "空闲状态不能携带金额或提示")
		}
	case StageAwaitingAmount:
		if f.Amount != "" {
			return xerrors.New(xerrors.CodeInvalidInput, "等待金额时不能已有金额")
		}
		if f.Prompt == nil || f.Prompt.Kind != PromptAmount {
			return xerrors.New(xerrors.CodeInvalidInput, "等待金额时提示类型不匹配")
		}
	case StageAwaitingAddress:
		if f.Amount == "" {
			return xerrors.New(xerrors.CodeInvalidInput, "等待地址时金额不能为空")
		}
		if f.Prompt == nil || f.Prompt.Kind != PromptAddress {
			return xerrors.New(xerrors.CodeInvalidInput, "等待地址时提示类型不匹配")
		}
	default:
		return xerrors.New(xerrors.CodeInvalidInput, "未知的对话阶段: "+string(f.Stage))
	}
	if f.Prompt != nil && f.Prompt.Token == "" {
		return xerrors.New(xerrors.CodeInvalidInput, "提示令牌不能为空")
	}
	return nil
}

// Session 是单个用户的全部状态，由 Store 独占持有。
type Session struct {
	UserID      int64  `json:"user_id"`
	Address     string `json:"address,omitempty"`
	PrivateKey  string `json:"-"`
	AccountID   string `json:"account_id,omitempty"`
	Flow        Flow   `json:"flow"`
	LastTxID    string `json:"last_tx_id,omitempty"`
	LastOrderID string `json:"last_order_id,omitempty"`
	MessageID   int64  `json:"message_id,omitempty"`
	UpdatedAt   int64  `json:"updated_at"`
}

// New 返回空会话。
func New(userID int64) *Session {
	return &Session{UserID: userID, Flow: IdleFlow()}
}

// WithdrawalRequested 由对话阶段推导。
func (s *Session) WithdrawalRequested() bool {
	return s != nil && s.Flow.Awaiting()
}

// HasWallet 判断是否已生成钱包。
func (s *Session) HasWallet() bool {
	return s != nil && s.Address != ""
}

// Clone 返回深拷贝。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	if s.Flow.Prompt != nil {
		p := *s.Flow.Prompt
		clone.Flow.Prompt = &p
	}
	return &clone
}

// Validate 检查会话整体不变量。
func (s *Session) Validate() error {
	if (s.Address == "") != (s.PrivateKey == "") {
		return xerrors.New(xerrors.CodeInvalidInput, "地址与私钥必须同时设置")
	}
	return s.Flow.Validate()
}

// Patch 描述一次浅合并，nil 字段保持原值。
type Patch struct {
	Address     *string
	PrivateKey  *string
	AccountID   *string
	Flow        *Flow
	LastTxID    *string
	LastOrderID *string
	MessageID   *int64
}

// Apply 将补丁写入会话，并保证地址与私钥成对且地址一旦设置不可更改。
func (p Patch) Apply(s *Session) error {
	if (p.Address == nil) != (p.PrivateKey == nil) {
		return xerrors.New(xerrors.CodeInvalidInput, "地址与私钥必须同时更新")
	}
	if p.Address != nil {
		if s.Address != "" && *p.Address != s.Address {
			return xerrors.New(xerrors.CodeConflict, "钱包地址已存在，不可更改")
		}
		if *p.Address == "" || *p.PrivateKey == "" {
			return xerrors.New(xerrors.CodeInvalidInput, "地址与私钥不能为空")
		}
		s.Address = *p.Address
		s.PrivateKey = *p.PrivateKey
	}
	if p.AccountID != nil {
		s.AccountID = *p.AccountID
	}
	if p.Flow != nil {
		if err := p.Flow.Validate(); err != nil {
			return err
		}
		flow := *p.Flow
		if flow.Prompt != nil {
			prompt := *flow.Prompt
			flow.Prompt = &prompt
		}
		s.Flow = flow
	}
	if p.LastTxID != nil {
		s.LastTxID = *p.LastTxID
	}
	if p.LastOrderID != nil {
		s.LastOrderID = *p.LastOrderID
	}
	if p.MessageID != nil {
		s.MessageID = *p.MessageID
	}
	return nil
}

// ErrSessionNotFound 表示用户尚无会话。
var ErrSessionNotFound = xerrors.New(xerrors.CodeNotFound, "会话不存在")

// UpdateFunc 在原子读改写中修改会话。返回错误时不写入任何变更。
type UpdateFunc func(*Session) error

// Store 抽象会话存储，同一用户的写入是原子的。
type Store interface {
	Get(ctx context.Context, userID int64) (*Session, error)
	Merge(ctx context.Context, userID int64, patch Patch) (*Session, error)
	Update(ctx context.Context, userID int64, fn UpdateFunc) (*Session, error)
	Clear(ctx context.Context, userID int64) error
	Close() error
}

// applyUpdate 是各后端共用的读改写逻辑：在副本上执行 fn，校验不变量后返回新值。
func applyUpdate(current *Session, userID int64, fn UpdateFunc) (*Session, error) {
	var next *Session
	if current == nil {
		next = New(userID)
	} else {
		next = current.Clone()
	}
	if err := fn(next); err != nil {
		return nil, err
	}
	next.UserID = userID
	if next.Flow.Stage == "" {
		next.Flow.Stage = StageIdle
	}
	if current != nil && current.Address != "" && next.Address != current.Address {
		return nil, xerrors.New(xerrors.CodeConflict, "钱包地址已存在，不可更改")
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().Unix()
	return next, nil
}

// String 返回指针，便于构造 Patch。
func String(v string) *string { return &v }

// Int64 返回指针，便于构造 Patch。
func Int64(v int64) *int64 { return &v }
