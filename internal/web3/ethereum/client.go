package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"XLayer-WalletBot/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name    string
	RPCURL  string
	ChainID int64
	Notes   string
}

// Backend is the subset of node methods the client relies on. Both
// *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	gethcore.ChainIDReader
	gethcore.BlockNumberReader
	gethcore.GasPricer
	gethcore.TransactionReader
	gethcore.TransactionSender
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	backend   Backend
	chainID   *big.Int
	mu        sync.Mutex
}

var _ web3.Client = (*Client)(nil)

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接链节点失败: %w", err)
	}

	client := &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		backend:   ethclient.NewClient(rpcClient),
	}
	if cfg.ChainID > 0 {
		client.chainID = big.NewInt(cfg.ChainID)
	}
	return client, nil
}

// NewSimulatedClient wraps a backend that is not reached over RPC, typically
// the go-ethereum simulated chain used in tests.
func NewSimulatedClient(name string, backend Backend) *Client {
	return &Client{name: name, backend: backend, notes: "simulated backend"}
}

// Name returns the registry name of the chain.
func (c *Client) Name() string {
	return c.name
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}

// ChainID returns the configured chain id, asking the node once when unset.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}

	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

// Balance returns the latest native balance in minor units.
func (c *Client) Balance(ctx context.Context, address common.Address) (*big.Int, error) {
	balance, err := c.backend.BalanceAt(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// GasPrice returns the node's suggested gas price.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询 gas 价格失败: %w", err)
	}
	return price, nil
}

// PendingNonce returns the next nonce including pending transactions.
func (c *Client) PendingNonce(ctx context.Context, address common.Address) (uint64, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("查询 nonce 失败: %w", err)
	}
	return nonce, nil
}

// SendRawTransaction submits an RLP encoded signed transaction. The returned
// hash is computed locally so callers can record it even when the node
// response is ambiguous.
func (c *Client) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	tx := new(coretypes.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, fmt.Errorf("解析已签名交易失败: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return tx.Hash(), fmt.Errorf("发送交易失败: %w", err)
	}
	return tx.Hash(), nil
}

// LookupTransaction reports whether the transaction is mined, pending or
// unknown to the node.
func (c *Client) LookupTransaction(ctx context.Context, hash common.Hash) (web3.TxLookup, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if err == nil && receipt != nil {
		info := &web3.Receipt{
			Status:    receipt.Status,
			BlockHash: receipt.BlockHash,
			GasUsed:   receipt.GasUsed,
		}
		if receipt.BlockNumber != nil {
			info.BlockNumber = receipt.BlockNumber.Uint64()
		}
		return web3.TxLookup{Receipt: info}, nil
	}
	if err != nil && !errors.Is(err, gethcore.NotFound) {
		return web3.TxLookup{}, fmt.Errorf("查询交易回执失败: %w", err)
	}

	_, pending, err := c.backend.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return web3.TxLookup{}, web3.ErrTxNotFound
		}
		return web3.TxLookup{}, fmt.Errorf("查询交易失败: %w", err)
	}
	return web3.TxLookup{Pending: pending}, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.backend == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的链客户端")
	}
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
