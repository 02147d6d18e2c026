package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"XLayer-WalletBot/internal/web3"

	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// LocalSigner signs legacy transfer transactions in process.
type LocalSigner struct{}

var _ web3.TxSigner = LocalSigner{}

// SignTransfer implements web3.TxSigner. The key must control intent.From.
func (LocalSigner) SignTransfer(_ context.Context, intent web3.Intent, privateKeyHex string) (web3.SignedTx, error) {
	if intent.ChainID == nil || intent.ChainID.Sign() <= 0 {
		return web3.SignedTx{}, errors.New("chain id is required")
	}
	if intent.Value == nil || intent.Value.Sign() <= 0 {
		return web3.SignedTx{}, errors.New("value must be positive")
	}
	if intent.GasPrice == nil || intent.GasPrice.Sign() <= 0 {
		return web3.SignedTx{}, errors.New("gas price must be positive")
	}
	if intent.GasLimit == 0 {
		return web3.SignedTx{}, errors.New("gas limit must be positive")
	}

	key, err := ParsePrivateKey(privateKeyHex)
	if err != nil {
		return web3.SignedTx{}, err
	}
	if from := crypto.PubkeyToAddress(key.PublicKey); from != intent.From {
		return web3.SignedTx{}, fmt.Errorf("key controls %s, not %s", from.Hex(), intent.From.Hex())
	}

	to := intent.To
	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    intent.Nonce,
		To:       &to,
		Value:    intent.Value,
		Gas:      intent.GasLimit,
		GasPrice: intent.GasPrice,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(intent.ChainID), key)
	if err != nil {
		return web3.SignedTx{}, fmt.Errorf("sign transaction: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return web3.SignedTx{}, fmt.Errorf("encode transaction: %w", err)
	}
	return web3.SignedTx{Raw: raw, Hash: signed.Hash()}, nil
}

// ParsePrivateKey decodes a hex private key with or without the 0x prefix.
func ParsePrivateKey(privateKeyHex string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if trimmed == "" {
		return nil, errors.New("private key is empty")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, errors.New("private key is malformed")
	}
	return key, nil
}
