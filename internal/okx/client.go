package okx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "XLayer-WalletBot/internal/errors"
	"XLayer-WalletBot/pkg/logger"
)

// API 路径。
const (
	PathCreateAccount = "/api/v5/wallet/account/create-wallet-account"
	PathTokenBalances = "/api/v5/wallet/asset/token-balances-by-address"
	PathSignInfo      = "/api/v5/wallet/pre-transaction/sign-info"
	PathBroadcast     = "/api/v5/wallet/pre-transaction/broadcast-transaction"
	PathOrders        = "/api/v5/wallet/post-transaction/orders"
)

// DefaultBaseURL 为托管钱包 API 的默认地址。
const DefaultBaseURL = "https://www.okx.com"

// DefaultChainIndex 为 XLayer 的链编号。
const DefaultChainIndex = "196"

// Client 封装对托管钱包 API 的签名调用。
type Client struct {
	baseURL    string
	chainIndex string
	signer     *Signer
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	log        *slog.Logger
}

// Option 定义客户端的可选配置。
type Option func(*Client)

// WithBaseURL 覆盖 API 地址。
func WithBaseURL(raw string) Option {
	return func(c *Client) {
		if raw != "" {
			c.baseURL = strings.TrimRight(raw, "/")
		}
	}
}

// WithChainIndex 覆盖链编号。
func WithChainIndex(index string) Option {
	return func(c *Client) {
		if index != "" {
			c.chainIndex = index
		}
	}
}

// WithHTTPClient 替换底层 HTTP 客户端。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRetry 设置 GET 请求的重试次数与退避间隔。POST 请求从不自动重试。
func WithRetry(maxRetries int, backoff time.Duration) Option {
	return func(c *Client) {
		if maxRetries >= 0 {
			c.maxRetries = maxRetries
		}
		if backoff > 0 {
			c.backoff = backoff
		}
	}
}

// NewClient 构造托管钱包 API 客户端。
func NewClient(signer *Signer, opts ...Option) (*Client, error) {
	if signer == nil {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "签名器不能为空")
	}
	c := &Client{
		baseURL:    DefaultBaseURL,
		chainIndex: DefaultChainIndex,
		signer:     signer,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		maxRetries: 2,
		backoff:    500 * time.Millisecond,
		log:        logger.Named("okx"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// ChainIndex 返回客户端使用的链编号。
func (c *Client) ChainIndex() string {
	return c.chainIndex
}

// CreateAccount 为地址注册托管账户并返回账户 ID。
func (c *Client) CreateAccount(ctx context.Context, address string) (string, error) {
	req := createAccountRequest{Addresses: []ChainAddress{{ChainIndex: c.chainIndex, Address: address}}}
	var data createAccountData
	if err := c.do(ctx, http.MethodPost, PathCreateAccount, nil, req, &data); err != nil {
		return "", err
	}
	if data.AccountID == "" {
		return "", xerrors.New(xerrors.CodeRemoteAPI, "托管账户 ID 为空", xerrors.WithMetadata("path", PathCreateAccount))
	}
	return data.AccountID, nil
}

// TokenBalance 查询地址的原生币余额。
func (c *Client) TokenBalance(ctx context.Context, address string) (Balance, error) {
	req := tokenBalanceRequest{
		Address:        address,
		TokenAddresses: []TokenAddress{{ChainIndex: c.chainIndex, TokenAddress: ""}},
	}
	var data []tokenBalanceData
	if err := c.do(ctx, http.MethodPost, PathTokenBalances, nil, req, &data); err != nil {
		return Balance{}, err
	}
	if len(data) == 0 || len(data[0].TokenAssets) == 0 {
		return Balance{ChainIndex: c.chainIndex, Balance: "0"}, nil
	}
	return data[0].TokenAssets[0], nil
}

// SignInfo 获取交易构造所需的 nonce 与 gas 建议。
func (c *Client) SignInfo(ctx context.Context, req SignInfoRequest) (SignInfo, error) {
	if req.ChainIndex == "" {
		req.ChainIndex = c.chainIndex
	}
	var data []SignInfo
	if err := c.do(ctx, http.MethodPost, PathSignInfo, nil, req, &data); err != nil {
		return SignInfo{}, err
	}
	if len(data) == 0 {
		return SignInfo{}, xerrors.New(xerrors.CodeRemoteAPI, "sign-info 返回为空", xerrors.WithMetadata("path", PathSignInfo))
	}
	return data[0], nil
}

// BroadcastTransaction 通过托管 API 广播已签名交易并返回订单 ID。
func (c *Client) BroadcastTransaction(ctx context.Context, req BroadcastRequest) (string, error) {
	if req.ChainIndex == "" {
		req.ChainIndex = c.chainIndex
	}
	var data []broadcastData
	if err := c.do(ctx, http.MethodPost, PathBroadcast, nil, req, &data); err != nil {
		return "", err
	}
	if len(data) == 0 || data[0].OrderID == "" {
		return "", xerrors.New(xerrors.CodeRemoteAPI, "广播未返回订单 ID", xerrors.WithMetadata("path", PathBroadcast))
	}
	return data[0].OrderID, nil
}

// Orders 查询交易订单。返回空切片表示远端尚未同步。
func (c *Client) Orders(ctx context.Context, q OrdersQuery) ([]Order, error) {
	values := url.Values{}
	if q.AccountID != "" {
		values.Set("accountId", q.AccountID)
	}
	if q.OrderID != "" {
		values.Set("orderId", q.OrderID)
	}
	if q.TxHash != "" {
		values.Set("txHash", q.TxHash)
	}
	chainIndex := q.ChainIndex
	if chainIndex == "" {
		chainIndex = c.chainIndex
	}
	values.Set("chainIndex", chainIndex)

	var data []Order
	if err := c.do(ctx, http.MethodGet, PathOrders, values, nil, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// do 执行一次签名请求。GET 请求在网络错误或 5xx 时按配置重试，且每次重试都重新签名。
func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any, out any) error {
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeUnknown, err, "序列化请求失败")
		}
		body = encoded
	}
	rawQuery := ""
	if len(query) > 0 {
		rawQuery = query.Encode()
	}

	attempts := 1
	if method == http.MethodGet {
		attempts += c.maxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "请求已取消", xerrors.WithMetadata("path", path))
			case <-time.After(c.backoff * time.Duration(attempt)):
			}
		}
		retry, err := c.attempt(ctx, method, path, rawQuery, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
		c.log.Warn("托管 API 请求失败，准备重试",
			slog.String("path", path),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err),
		)
	}
	return lastErr
}

func (c *Client) attempt(ctx context.Context, method, path, rawQuery string, body []byte, out any) (bool, error) {
	target := c.baseURL + path
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeUnknown, err, "构造请求失败")
	}
	req.Header = c.signer.Sign(method, path, rawQuery, string(body))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return false, xerrors.Wrap(xerrors.CodeTimeout, err, "托管 API 请求超时", xerrors.WithMetadata("path", path))
		}
		return true, xerrors.Wrap(xerrors.CodeRemoteAPI, err, "托管 API 请求失败", xerrors.WithMetadata("path", path))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return true, xerrors.Wrap(xerrors.CodeRemoteAPI, err, "读取响应失败", xerrors.WithMetadata("path", path))
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Path: path, HTTPStatus: resp.StatusCode}
		if decodeErr == nil {
			apiErr.Code, apiErr.Msg = env.Code, env.Msg
		}
		return resp.StatusCode >= 500, remoteError(apiErr)
	}
	if decodeErr != nil {
		return false, xerrors.Wrap(xerrors.CodeRemoteAPI, decodeErr, "解析响应失败", xerrors.WithMetadata("path", path))
	}
	if env.Code != "0" {
		return false, remoteError(&APIError{Path: path, Code: env.Code, Msg: env.Msg, HTTPStatus: resp.StatusCode})
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return false, xerrors.Wrap(xerrors.CodeRemoteAPI, err, fmt.Sprintf("解析 %s 数据失败", path), xerrors.WithMetadata("path", path))
	}
	return false, nil
}

func remoteError(apiErr *APIError) error {
	msg := apiErr.Msg
	if msg == "" {
		msg = "托管 API 返回错误"
	}
	return xerrors.Wrap(xerrors.CodeRemoteAPI, apiErr, msg,
		xerrors.WithMetadata("path", apiErr.Path),
		xerrors.WithMetadata("code", apiErr.Code),
	)
}

// AsAPIError 从错误链中提取远端返回的错误。
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
