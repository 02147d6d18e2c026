package hdkey

import (
	"context"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

const testMnemonic = "test test test test test test test test test test test junk"

func TestFromMnemonicKnownVector(t *testing.T) {
	key, err := FromMnemonic(testMnemonic, 0)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if key.Address != "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266" {
		t.Fatalf("unexpected address %s", key.Address)
	}
	if key.PrivateKey != "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80" {
		t.Fatalf("unexpected key %s", key.PrivateKey)
	}

	second, err := FromMnemonic(testMnemonic, 1)
	if err != nil {
		t.Fatalf("derive index 1: %v", err)
	}
	if second.Address != "0x70997970C51812dc3A010C7d01b50e0d17dc79C8" {
		t.Fatalf("unexpected index 1 address %s", second.Address)
	}
}

func TestDeriveProducesMatchingPair(t *testing.T) {
	key, err := Deriver{}.Derive(context.Background())
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	priv, err := crypto.HexToECDSA(strings.TrimPrefix(key.PrivateKey, "0x"))
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	if crypto.PubkeyToAddress(priv.PublicKey).Hex() != key.Address {
		t.Fatal("address does not match private key")
	}

	other, err := Deriver{}.Derive(context.Background())
	if err != nil {
		t.Fatalf("derive again: %v", err)
	}
	if other.Address == key.Address {
		t.Fatal("expected fresh mnemonic per call")
	}
}

func TestFromMnemonicRejectsInvalid(t *testing.T) {
	if _, err := FromMnemonic("not a mnemonic", 0); err == nil {
		t.Fatal("expected error")
	}
}

func TestDeriveHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (Deriver{}).Derive(ctx); err == nil {
		t.Fatal("expected context error")
	}
}
