package okx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "XLayer-WalletBot/internal/errors"
)

var testCreds = Credentials{APIKey: "api-key", SecretKey: "s3cr3t", Passphrase: "pass", ProjectID: "proj"}

func fixedClock() time.Time {
	return time.Date(2024, 5, 6, 7, 8, 9, 123456789, time.UTC)
}

func expectedSign(t *testing.T, prehash string) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(testCreds.SecretKey))
	mac.Write([]byte(prehash))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestSignBuildsCanonicalHeaders(t *testing.T) {
	signer := NewSigner(testCreds, WithClock(fixedClock))

	headers := signer.Sign("post", PathSignInfo, "", `{"a":1}`)

	require.Equal(t, "2024-05-06T07:08:09.123Z", headers.Get(HeaderAccessTimestamp))
	require.Equal(t, "api-key", headers.Get(HeaderAccessKey))
	require.Equal(t, "pass", headers.Get(HeaderAccessPassphrase))
	require.Equal(t, "proj", headers.Get(HeaderAccessProject))
	require.Equal(t, "application/json", headers.Get("Content-Type"))
	require.Equal(t,
		expectedSign(t, "2024-05-06T07:08:09.123ZPOST"+PathSignInfo+`{"a":1}`),
		headers.Get(HeaderAccessSign))
}

func TestSignIncludesQuery(t *testing.T) {
	signer := NewSigner(testCreds, WithClock(fixedClock))

	headers := signer.Sign(http.MethodGet, PathOrders, "accountId=a&orderId=o", "")

	require.Equal(t,
		expectedSign(t, "2024-05-06T07:08:09.123ZGET"+PathOrders+"?accountId=a&orderId=o"),
		headers.Get(HeaderAccessSign))
}

func TestSignUsesCallTimeClock(t *testing.T) {
	tick := fixedClock()
	signer := NewSigner(testCreds, WithClock(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}))

	first := signer.Sign(http.MethodGet, PathOrders, "", "")
	second := signer.Sign(http.MethodGet, PathOrders, "", "")

	require.NotEqual(t, first.Get(HeaderAccessTimestamp), second.Get(HeaderAccessTimestamp))
	require.NotEqual(t, first.Get(HeaderAccessSign), second.Get(HeaderAccessSign))
}

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithBaseURL(srv.URL), WithRetry(2, time.Millisecond)}, opts...)
	client, err := NewClient(NewSigner(testCreds), opts...)
	require.NoError(t, err)
	return client
}

func writeEnvelope(t *testing.T, w http.ResponseWriter, code, msg string, data any) {
	t.Helper()
	payload := map[string]any{"code": code, "msg": msg, "data": data}
	require.NoError(t, json.NewEncoder(w).Encode(payload))
}

func TestCreateAccount(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, PathCreateAccount, r.URL.Path)
		require.NotEmpty(t, r.Header.Get(HeaderAccessSign))
		body, _ := io.ReadAll(r.Body)
		require.JSONEq(t, `{"addresses":[{"chainIndex":"196","address":"0xabc"}]}`, string(body))
		writeEnvelope(t, w, "0", "", map[string]string{"accountId": "acc-1"})
	})

	id, err := client.CreateAccount(context.Background(), "0xabc")
	require.NoError(t, err)
	require.Equal(t, "acc-1", id)
}

func TestNonZeroCodeSurfacesAPIError(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeEnvelope(t, w, "50113", "Invalid Sign", nil)
	})

	_, err := client.SignInfo(context.Background(), SignInfoRequest{FromAddr: "0x1", ToAddr: "0x2", TxAmount: "1"})
	require.Error(t, err)
	require.Equal(t, xerrors.CodeRemoteAPI, xerrors.CodeOf(err))
	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	require.Equal(t, "50113", apiErr.Code)
	require.Equal(t, "Invalid Sign", apiErr.Msg)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSignInfoParsesHints(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, "0", "", []map[string]any{{
			"nonce":    "7",
			"gasPrice": map[string]string{"normal": "1000000000", "min": "900000000", "max": "2000000000"},
			"gasLimit": "21000",
		}})
	})

	info, err := client.SignInfo(context.Background(), SignInfoRequest{FromAddr: "0x1", ToAddr: "0x2", TxAmount: "1"})
	require.NoError(t, err)
	require.Equal(t, "1000000000", info.GasPrice.Normal)
	require.Equal(t, "21000", info.GasLimit)
	nonce, ok := info.NonceHint()
	require.True(t, ok)
	require.Equal(t, uint64(7), nonce)
}

func TestPostIsNeverRetried(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.BroadcastTransaction(context.Background(), BroadcastRequest{SignedTx: "0xdead", Address: "0x1"})
	require.Error(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetRetriesWithFreshSignature(t *testing.T) {
	var (
		calls int32
		signs = make(chan string, 3)
	)
	tick := fixedClock()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signs <- r.Header.Get(HeaderAccessTimestamp)
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		require.Equal(t, "acc", r.URL.Query().Get("accountId"))
		require.Equal(t, "ord", r.URL.Query().Get("orderId"))
		require.Equal(t, "196", r.URL.Query().Get("chainIndex"))
		writeEnvelope(t, w, "0", "", []map[string]any{{"orderId": "ord", "txStatus": "2", "txhash": "0xhash"}})
	}))
	t.Cleanup(srv.Close)
	signer := NewSigner(testCreds, WithClock(func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}))
	client, err := NewClient(signer, WithBaseURL(srv.URL), WithRetry(2, time.Millisecond))
	require.NoError(t, err)

	orders, err := client.Orders(context.Background(), OrdersQuery{AccountID: "acc", OrderID: "ord"})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, "2", orders[0].TxStatus)
	require.Equal(t, "0xhash", orders[0].TxHash)

	close(signs)
	seen := map[string]bool{}
	for ts := range signs {
		seen[ts] = true
	}
	require.Len(t, seen, 3)
}

func TestOrdersEmptyData(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, "0", "", []any{})
	})

	orders, err := client.Orders(context.Background(), OrdersQuery{AccountID: "acc", OrderID: "ord"})
	require.NoError(t, err)
	require.Empty(t, orders)
}

func TestTokenBalance(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, "0", "", []map[string]any{{
			"tokenAssets": []map[string]string{{"chainIndex": "196", "symbol": "OKB", "balance": "1.5", "tokenPrice": "40"}},
		}})
	})

	bal, err := client.TokenBalance(context.Background(), "0xabc")
	require.NoError(t, err)
	require.Equal(t, "OKB", bal.Symbol)
	require.Equal(t, "1.5", bal.Balance)
}
