package okx

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// envelope 是托管 API 的统一响应结构，code 为 "0" 表示成功。
type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// APIError 表示应用层错误（code 非 "0"）或非 2xx 的 HTTP 状态。
type APIError struct {
	Path       string
	Code       string
	Msg        string
	HTTPStatus int
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("okx %s: http status %d", e.Path, e.HTTPStatus)
	}
	if e.Msg == "" {
		return fmt.Sprintf("okx %s: code %s", e.Path, e.Code)
	}
	return fmt.Sprintf("okx %s: code %s: %s", e.Path, e.Code, e.Msg)
}

// ChainAddress 标识某条链上的地址。
type ChainAddress struct {
	ChainIndex string `json:"chainIndex"`
	Address    string `json:"address"`
}

type createAccountRequest struct {
	Addresses []ChainAddress `json:"addresses"`
}

type createAccountData struct {
	AccountID string `json:"accountId"`
}

// TokenAddress 表示余额查询时的代币，空地址代表原生币。
type TokenAddress struct {
	ChainIndex   string `json:"chainIndex"`
	TokenAddress string `json:"tokenAddress"`
}

type tokenBalanceRequest struct {
	Address        string         `json:"address"`
	TokenAddresses []TokenAddress `json:"tokenAddresses"`
}

type tokenBalanceData struct {
	TokenAssets []Balance `json:"tokenAssets"`
}

// Balance 是托管 API 返回的代币余额。
type Balance struct {
	ChainIndex   string `json:"chainIndex"`
	TokenAddress string `json:"tokenAddress"`
	Symbol       string `json:"symbol"`
	Balance      string `json:"balance"`
	TokenPrice   string `json:"tokenPrice"`
}

// SignInfoRequest 请求交易前的 nonce/gas 建议。
type SignInfoRequest struct {
	ChainIndex string `json:"chainIndex"`
	FromAddr   string `json:"fromAddr"`
	ToAddr     string `json:"toAddr"`
	TxAmount   string `json:"txAmount"`
}

// GasPrice 为 sign-info 中的 gas 价格档位，单位为最小单位。
type GasPrice struct {
	Normal string `json:"normal"`
	Min    string `json:"min"`
	Max    string `json:"max"`
}

// SignInfo 是 sign-info 接口返回的交易构造提示。
type SignInfo struct {
	Nonce    string   `json:"nonce"`
	GasPrice GasPrice `json:"gasPrice"`
	GasLimit string   `json:"gasLimit"`
}

// NonceHint 解析 sign-info 中的 nonce。
func (s SignInfo) NonceHint() (uint64, bool) {
	if s.Nonce == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(s.Nonce, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// BroadcastRequest 通过托管 API 代理广播已签名交易。
type BroadcastRequest struct {
	SignedTx   string `json:"signedTx"`
	ChainIndex string `json:"chainIndex"`
	Address    string `json:"address"`
	AccountID  string `json:"accountId,omitempty"`
}

type broadcastData struct {
	OrderID string `json:"orderId"`
}

// OrdersQuery 查询交易订单状态，OrderID 与 TxHash 至少提供一个。
type OrdersQuery struct {
	AccountID  string
	ChainIndex string
	OrderID    string
	TxHash     string
}

// TxDetail 为订单中的转账明细。
type TxDetail struct {
	FromAddr string `json:"fromAddr"`
	ToAddr   string `json:"toAddr"`
}

// Order 是交易订单的状态记录。TxStatus: 1 pending, 2 success, 3 failed。
type Order struct {
	OrderID     string     `json:"orderId"`
	TxStatus    string     `json:"txStatus"`
	TxHash      string     `json:"txhash"`
	BlockHeight string     `json:"blockHeight"`
	BlockTime   string     `json:"blockTime"`
	GasUsed     string     `json:"gasUsed"`
	GasLimit    string     `json:"gasLimit"`
	GasPrice    string     `json:"gasPrice"`
	FeeUSDValue string     `json:"feeUsdValue"`
	TxDetail    []TxDetail `json:"txDetail"`
}
