// Package bot 将入站聊天事件路由到钱包与提现流程，并生成回复消息。
package bot

import (
	"strings"

	xerrors "XLayer-WalletBot/internal/errors"
	"XLayer-WalletBot/internal/events"
)

// Action 是菜单按钮对应的动作，集合是封闭的。
type Action int

const (
	ActionCheckBalance Action = iota + 1
	ActionDeposit
	ActionWithdraw
	ActionExportKey
	ActionPinMessage
	ActionCheckStatus
)

var actionNames = map[Action]string{
	ActionCheckBalance: "check_balance",
	ActionDeposit:      "deposit_OKB",
	ActionWithdraw:     "withdraw_OKB",
	ActionExportKey:    "export_key",
	ActionPinMessage:   "pin_message",
	ActionCheckStatus:  "check_status",
}

// String 返回按钮回调数据。
func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "unknown"
}

// ErrUnknownAction 表示回调数据不对应任何动作。
var ErrUnknownAction = xerrors.New(xerrors.CodeInvalidInput, "未知的按钮动作")

// ParseAction 解析按钮回调数据。
func ParseAction(data string) (Action, error) {
	data = strings.TrimSpace(data)
	for action, name := range actionNames {
		if name == data {
			return action, nil
		}
	}
	return 0, ErrUnknownAction
}

// CommandName 是支持的斜杠命令。
type CommandName string

const CommandStart CommandName = "start"

// ErrUnknownCommand 表示不支持的命令。
var ErrUnknownCommand = xerrors.New(xerrors.CodeInvalidInput, "未知的命令")

// ParseCommand 解析命令名，允许带前导斜杠与 @bot 后缀。
func ParseCommand(raw string) (CommandName, error) {
	name := strings.TrimPrefix(strings.TrimSpace(raw), "/")
	if idx := strings.IndexByte(name, '@'); idx >= 0 {
		name = name[:idx]
	}
	switch CommandName(strings.ToLower(name)) {
	case CommandStart:
		return CommandStart, nil
	}
	return "", ErrUnknownCommand
}

// Event 是对话层处理的事件，只有本包内定义的三种实现。
type Event interface {
	isEvent()
}

// Command 是斜杠命令。
type Command struct {
	Name CommandName
}

// ActionPressed 是菜单按钮点击。
type ActionPressed struct {
	Action Action
}

// TextMessage 是自由文本，ReplyTo 为被回复消息的 ID，未回复时为 0。
type TextMessage struct {
	ReplyTo int64
	Text    string
}

func (Command) isEvent()       {}
func (ActionPressed) isEvent() {}
func (TextMessage) isEvent()   {}

// Envelope 携带事件及其来源。
type Envelope struct {
	ID     string
	UserID int64
	ChatID int64
	Event  Event
}

// FromEvent 将队列中的事件解码为类型化事件，字符串在此处完成解析。
func FromEvent(ev events.Event) (Envelope, error) {
	if err := ev.Validate(); err != nil {
		return Envelope{}, err
	}
	env := Envelope{ID: ev.ID, UserID: ev.UserID, ChatID: ev.ChatID}
	if env.ChatID == 0 {
		env.ChatID = ev.UserID
	}
	switch ev.Kind {
	case events.KindCommand:
		name, err := ParseCommand(ev.Command)
		if err != nil {
			return Envelope{}, err
		}
		env.Event = Command{Name: name}
	case events.KindAction:
		action, err := ParseAction(ev.Action)
		if err != nil {
			return Envelope{}, err
		}
		env.Event = ActionPressed{Action: action}
	case events.KindText:
		env.Event = TextMessage{ReplyTo: ev.ReplyTo, Text: ev.Text}
	}
	return env, nil
}
