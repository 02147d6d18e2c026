package estimate

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	xerrors "XLayer-WalletBot/internal/errors"
	"XLayer-WalletBot/internal/observability/alerting"
)

type stubChain struct {
	balance    *big.Int
	balanceErr error
	price      *big.Int
	priceErr   error
	priceCalls int
}

func (s *stubChain) Balance(context.Context, common.Address) (*big.Int, error) {
	return s.balance, s.balanceErr
}

func (s *stubChain) GasPrice(context.Context) (*big.Int, error) {
	s.priceCalls++
	return s.price, s.priceErr
}

type recordingAlerts struct {
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, e alerting.Event) error {
	r.events = append(r.events, e)
	return nil
}

var addr = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func wei(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic(s)
	}
	return v
}

func TestBufferedGasPriceTruncates(t *testing.T) {
	cases := map[string]string{
		"1000000000": "1100000000",
		"7":          "7",
		"19":         "20",
		"123456789":  "135802467",
	}
	for base, want := range cases {
		require.Equal(t, want, BufferedGasPrice(wei(base), 10).String(), base)
	}
}

func TestAffordableUsesQuoteGas(t *testing.T) {
	chain := &stubChain{balance: wei("1000000000000000000")}
	e := New(chain)

	est, err := e.Affordable(context.Background(), addr, wei("500000000000000000"), Quote{GasPrice: wei("1000000000"), GasLimit: 21000})
	require.NoError(t, err)
	require.True(t, est.Known)
	require.True(t, est.OK)
	require.Equal(t, "1100000000", est.GasPrice.String())
	require.Equal(t, "23100000000000", est.GasCost.String())
	require.Equal(t, "500023100000000000", est.TotalRequired.String())
	require.Zero(t, chain.priceCalls)
}

func TestAffordableFallsBackToRPCGasPrice(t *testing.T) {
	chain := &stubChain{balance: wei("1"), price: wei("2000000000")}
	e := New(chain)

	est, err := e.Affordable(context.Background(), addr, wei("1"), Quote{})
	require.NoError(t, err)
	require.Equal(t, 1, chain.priceCalls)
	require.Equal(t, "2200000000", est.GasPrice.String())
	require.Equal(t, uint64(DefaultGasLimit), est.GasLimit)
	require.False(t, est.OK)
}

func TestAffordableInsufficient(t *testing.T) {
	chain := &stubChain{balance: wei("500000000000000000")}
	e := New(chain)

	est, err := e.Affordable(context.Background(), addr, wei("500000000000000000"), Quote{GasPrice: wei("1"), GasLimit: 21000})
	require.NoError(t, err)
	require.True(t, est.Known)
	require.False(t, est.OK)
}

func TestAffordableExactBalanceIsEnough(t *testing.T) {
	chain := &stubChain{balance: wei("1000021000")}
	e := New(chain)

	est, err := e.Affordable(context.Background(), addr, wei("1000000000"), Quote{GasPrice: wei("1"), GasLimit: 21000})
	require.NoError(t, err)
	require.True(t, est.OK)
}

func TestFailOpenAlertsAndProceeds(t *testing.T) {
	chain := &stubChain{balanceErr: errors.New("rpc down")}
	alerts := &recordingAlerts{}
	e := New(chain, WithAlerts(alerts))

	est, err := e.Affordable(context.Background(), addr, wei("1"), Quote{GasPrice: wei("1000000000"), GasLimit: 21000})
	require.NoError(t, err)
	require.False(t, est.Known)
	require.True(t, est.OK)
	require.NotNil(t, est.GasPrice)
	require.Len(t, alerts.events, 1)
	require.Equal(t, xerrors.CodeEstimationFailed, alerts.events[0].Code)
}

func TestFailClosedReturnsError(t *testing.T) {
	chain := &stubChain{priceErr: errors.New("rpc down")}
	e := New(chain, WithPolicy(FailClosed))

	est, err := e.Affordable(context.Background(), addr, wei("1"), Quote{})
	require.Error(t, err)
	require.Equal(t, xerrors.CodeEstimationFailed, xerrors.CodeOf(err))
	require.False(t, est.OK)
}

func TestAffordableRejectsNonPositiveAmount(t *testing.T) {
	e := New(&stubChain{})
	_, err := e.Affordable(context.Background(), addr, big.NewInt(0), Quote{})
	require.Equal(t, xerrors.CodeInvalidInput, xerrors.CodeOf(err))
}
