package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

// Class 对错误进行分类，决定会话如何恢复。
type Class string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	// ClassValidation 用户输入错误，本地恢复并重新提示。
	ClassValidation Class = "validation"
	// ClassRemote 托管钱包 API 返回非零状态码。
	ClassRemote Class = "remote"
	// ClassSigning 签名或广播失败，当前尝试终止且不自动重试。
	ClassSigning Class = "signing"
	// ClassEstimation 余额或 gas 读取失败，属于软失败。
	ClassEstimation Class = "estimation"
	// ClassConfig 启动配置缺失，进程必须退出。
	ClassConfig Class = "config"
	// ClassStorage 会话或账本存储失败。
	ClassStorage Class = "storage"
	// ClassInternal 其它内部错误。
	ClassInternal Class = "internal"
)

const (
	CodeUnknown            Code = "UNKNOWN"
	CodeInvalidInput       Code = "INVALID_INPUT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeConflict           Code = "CONFLICT"
	CodeRemoteAPI          Code = "REMOTE_API"
	CodeSigningFailed      Code = "SIGNING_FAILED"
	CodeBroadcastFailed    Code = "BROADCAST_FAILED"
	CodeEstimationFailed   Code = "ESTIMATION_FAILED"
	CodeInsufficientFunds  Code = "INSUFFICIENT_FUNDS"
	CodeRegistrationFailed Code = "REGISTRATION_FAILED"
	CodeConfigInvalid      Code = "CONFIG_INVALID"
	CodeStorageFailure     Code = "STORAGE_FAILURE"
	CodeQueueFailure       Code = "QUEUE_FAILURE"
	CodeTimeout            Code = "TIMEOUT"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Class     Class
	Severity  Severity
	Retryable bool
	Alert     bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:            {Message: "unknown error", Class: ClassInternal, Severity: SeverityCritical, Alert: true},
		CodeInvalidInput:       {Message: "invalid input", Class: ClassValidation, Severity: SeverityInfo},
		CodeNotFound:           {Message: "resource not found", Class: ClassInternal, Severity: SeverityInfo},
		CodeConflict:           {Message: "resource conflict", Class: ClassInternal, Severity: SeverityWarning},
		CodeRemoteAPI:          {Message: "custodial api error", Class: ClassRemote, Severity: SeverityWarning, Alert: true},
		CodeSigningFailed:      {Message: "transaction signing failed", Class: ClassSigning, Severity: SeverityCritical, Alert: true},
		CodeBroadcastFailed:    {Message: "transaction broadcast failed", Class: ClassSigning, Severity: SeverityCritical, Alert: true},
		CodeEstimationFailed:   {Message: "balance or gas estimation failed", Class: ClassEstimation, Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeInsufficientFunds:  {Message: "insufficient funds", Class: ClassValidation, Severity: SeverityInfo},
		CodeRegistrationFailed: {Message: "custodial account registration failed", Class: ClassRemote, Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeConfigInvalid:      {Message: "invalid configuration", Class: ClassConfig, Severity: SeverityCritical, Alert: true},
		CodeStorageFailure:     {Message: "storage failure", Class: ClassStorage, Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeQueueFailure:       {Message: "queue failure", Class: ClassStorage, Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeTimeout:            {Message: "operation timed out", Class: ClassInternal, Severity: SeverityWarning, Retryable: true, Alert: true},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	severity  *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含底层原因的错误信息，可直接展示给用户。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Class 返回错误分类。
func (e *Error) Class() Class {
	if e == nil {
		return ClassInternal
	}
	return AttributesOf(e.code).Class
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// ClassOf 返回错误分类，非统一错误视为内部错误。
func ClassOf(err error) Class {
	if e, ok := From(err); ok {
		return e.Class()
	}
	return ClassInternal
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return AttributesOf(e.Code()).Alert
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// UserMessage 返回适合展示给用户的文本，避免泄露内部细节。
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := From(err); ok {
		return e.Message()
	}
	return err.Error()
}
