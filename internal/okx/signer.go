package okx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"strings"
	"time"
)

// 请求头名称。
const (
	HeaderAccessKey        = "OK-ACCESS-KEY"
	HeaderAccessSign       = "OK-ACCESS-SIGN"
	HeaderAccessTimestamp  = "OK-ACCESS-TIMESTAMP"
	HeaderAccessPassphrase = "OK-ACCESS-PASSPHRASE"
	HeaderAccessProject    = "OK-ACCESS-PROJECT"
)

// timestampLayout 与 JavaScript Date.toISOString 的输出一致。
const timestampLayout = "2006-01-02T15:04:05.000Z"

// Credentials 是访问托管钱包 API 所需的凭证。
type Credentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string
	ProjectID  string
}

// Signer 为每一次请求生成新的签名头，结果不可缓存。
type Signer struct {
	creds Credentials
	now   func() time.Time
}

// SignerOption 定义可选配置。
type SignerOption func(*Signer)

// WithClock 替换时钟，测试中使用。
func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSigner 构造签名器。
func NewSigner(creds Credentials, opts ...SignerOption) *Signer {
	s := &Signer{creds: creds, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Sign 生成带签名的请求头。query 为已编码的查询串，不含 "?"。
func (s *Signer) Sign(method, path, query, body string) http.Header {
	timestamp := s.now().UTC().Format(timestampLayout)
	signature := s.signature(timestamp, method, path, query, body)

	headers := make(http.Header, 6)
	headers.Set("Content-Type", "application/json")
	headers.Set(HeaderAccessKey, s.creds.APIKey)
	headers.Set(HeaderAccessSign, signature)
	headers.Set(HeaderAccessTimestamp, timestamp)
	headers.Set(HeaderAccessPassphrase, s.creds.Passphrase)
	headers.Set(HeaderAccessProject, s.creds.ProjectID)
	return headers
}

func (s *Signer) signature(timestamp, method, path, query, body string) string {
	mac := hmac.New(sha256.New, []byte(s.creds.SecretKey))
	mac.Write([]byte(CanonicalString(timestamp, method, path, query, body)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// CanonicalString 拼接待签名字符串：timestamp + METHOD + path[?query] + body。
func CanonicalString(timestamp, method, path, query, body string) string {
	var b strings.Builder
	b.Grow(len(timestamp) + len(method) + len(path) + len(query) + len(body) + 1)
	b.WriteString(timestamp)
	b.WriteString(strings.ToUpper(method))
	b.WriteString(path)
	if query != "" {
		b.WriteByte('?')
		b.WriteString(query)
	}
	b.WriteString(body)
	return b.String()
}
