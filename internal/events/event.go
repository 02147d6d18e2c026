// Package events 负责入站聊天事件的排队、去重与并发处理。
package events

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"

	xerrors "XLayer-WalletBot/internal/errors"
)

// Kind 是入站事件的类别。
type Kind string

const (
	KindCommand Kind = "command"
	KindAction  Kind = "action"
	KindText    Kind = "text"
)

// Event 是队列中传输的事件。Action 与 Command 保持原始字符串，由对话层在解码时解析。
type Event struct {
	ID         string `json:"id"`
	UserID     int64  `json:"user_id"`
	ChatID     int64  `json:"chat_id"`
	Kind       Kind   `json:"kind"`
	Command    string `json:"command,omitempty"`
	Action     string `json:"action,omitempty"`
	Text       string `json:"text,omitempty"`
	ReplyTo    int64  `json:"reply_to,omitempty"`
	CallbackID string `json:"callback_id,omitempty"`
	ReceivedAt int64  `json:"received_at"`
}

// NewID 为没有传输层编号的事件生成 ID。
func NewID() string {
	return uuid.NewString()
}

// TransportID 由传输层名称与更新编号构造稳定 ID，重复投递会得到相同的 ID。
func TransportID(transport string, updateID int64) string {
	return transport + ":" + strconv.FormatInt(updateID, 10)
}

// Validate 检查事件是否完整。
func (e *Event) Validate() error {
	if e.UserID == 0 {
		return xerrors.New(xerrors.CodeInvalidInput, "事件缺少用户 ID")
	}
	switch e.Kind {
	case KindCommand:
		if e.Command == "" {
			return xerrors.New(xerrors.CodeInvalidInput, "命令事件缺少命令")
		}
	case KindAction:
		if e.Action == "" {
			return xerrors.New(xerrors.CodeInvalidInput, "按钮事件缺少动作")
		}
	case KindText:
	default:
		return xerrors.New(xerrors.CodeInvalidInput, "未知的事件类型: "+string(e.Kind))
	}
	return nil
}

// Normalize 填充缺省字段。
func (e *Event) Normalize() {
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.ChatID == 0 {
		e.ChatID = e.UserID
	}
	if e.ReceivedAt == 0 {
		e.ReceivedAt = time.Now().Unix()
	}
}

// Encode 序列化事件。
func Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "序列化事件失败")
	}
	return data, nil
}

// Decode 反序列化并校验事件。
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, xerrors.Wrap(xerrors.CodeInvalidInput, err, "解析事件失败")
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
