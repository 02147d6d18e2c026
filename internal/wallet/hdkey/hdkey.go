// Package hdkey derives EVM accounts from BIP-39 mnemonics along the BIP-44
// path m/44'/60'/0'/0/i.
package hdkey

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

// DefaultEntropyBits yields a 12 word mnemonic.
const DefaultEntropyBits = 128

// Key is the derived key material. PrivateKey is 0x-prefixed hex.
type Key struct {
	Address    string
	PrivateKey string
}

// Deriver generates a fresh mnemonic for every call and derives the account
// at Index. The mnemonic itself is discarded.
type Deriver struct {
	Index       uint32
	EntropyBits int
}

// Derive implements wallet.KeyDeriver.
func (d Deriver) Derive(ctx context.Context) (Key, error) {
	if err := ctx.Err(); err != nil {
		return Key{}, err
	}
	bits := d.EntropyBits
	if bits == 0 {
		bits = DefaultEntropyBits
	}
	entropy, err := bip39.NewEntropy(bits)
	if err != nil {
		return Key{}, fmt.Errorf("generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return Key{}, fmt.Errorf("generate mnemonic: %w", err)
	}
	return FromMnemonic(mnemonic, d.Index)
}

// FromMnemonic derives the account at m/44'/60'/0'/0/index.
func FromMnemonic(mnemonic string, index uint32) (Key, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return Key{}, errors.New("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return Key{}, fmt.Errorf("master key: %w", err)
	}

	path := []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + 60,
		hdkeychain.HardenedKeyStart + 0,
		0,
		index,
	}
	child := master
	for _, segment := range path {
		child, err = child.Derive(segment)
		if err != nil {
			return Key{}, fmt.Errorf("derive child: %w", err)
		}
	}

	ecPriv, err := child.ECPrivKey()
	if err != nil {
		return Key{}, fmt.Errorf("extract private key: %w", err)
	}
	priv := ecPriv.ToECDSA()
	return Key{
		Address:    crypto.PubkeyToAddress(priv.PublicKey).Hex(),
		PrivateKey: hexutil.Encode(crypto.FromECDSA(priv)),
	}, nil
}
