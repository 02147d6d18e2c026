package web3

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrTxNotFound is returned when the node knows nothing about a transaction.
var ErrTxNotFound = errors.New("transaction not found")

// ChainSnapshot represents summarized network metadata for health reporting.
type ChainSnapshot struct {
	Name        string
	ChainID     string
	BlockNumber string
	Notes       string
}

// Intent is a native-asset transfer ready to be signed. GasPrice already
// includes the safety buffer.
type Intent struct {
	From     common.Address
	To       common.Address
	Value    *big.Int
	Nonce    uint64
	GasPrice *big.Int
	GasLimit uint64
	ChainID  *big.Int
}

// SignedTx carries the raw RLP encoding of a signed transaction and its hash.
type SignedTx struct {
	Raw  []byte
	Hash common.Hash
}

// Receipt is the subset of a transaction receipt the bot reports.
type Receipt struct {
	Status      uint64
	BlockNumber uint64
	BlockHash   common.Hash
	GasUsed     uint64
}

// TxLookup describes what the node knows about a transaction hash.
type TxLookup struct {
	Pending bool
	Receipt *Receipt
}

// Client defines the chain operations the wallet flows depend on so higher
// layers can run against a live node or a simulated backend.
type Client interface {
	Name() string
	ChainID(ctx context.Context) (*big.Int, error)
	Balance(ctx context.Context, address common.Address) (*big.Int, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	PendingNonce(ctx context.Context, address common.Address) (uint64, error)
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
	LookupTransaction(ctx context.Context, hash common.Hash) (TxLookup, error)
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}

// TxSigner signs a transfer intent with a hex-encoded private key. The key is
// used for the duration of the call only.
type TxSigner interface {
	SignTransfer(ctx context.Context, intent Intent, privateKeyHex string) (SignedTx, error)
}
