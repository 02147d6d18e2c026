package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"XLayer-WalletBot/internal/config"
	"XLayer-WalletBot/internal/web3"
	"XLayer-WalletBot/internal/web3/ethereum"
)

type fakeClient struct {
	web3.Client
	cfg    ethereum.Config
	closed bool
}

func (f *fakeClient) Name() string { return f.cfg.Name }
func (f *fakeClient) Close()       { f.closed = true }

func recordingDialer(dialed *[]*fakeClient) Dialer {
	return func(_ context.Context, cfg ethereum.Config) (web3.Client, error) {
		c := &fakeClient{cfg: cfg}
		*dialed = append(*dialed, c)
		return c, nil
	}
}

func TestRegistryLoadsChainFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	content := `chains:
  xlayer:
    rpc_url: https://rpc.xlayer.tech
    chain_id: 196
    chain_index: "196"
    symbol: OKB
  xlayer-testnet:
    rpc_url: https://testrpc.xlayer.tech
    chain_id: 195
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write chain config: %v", err)
	}

	var dialed []*fakeClient
	reg, err := NewRegistryWithDialer(context.Background(), config.Web3Config{ChainConfig: path, DefaultChain: "xlayer"}, recordingDialer(&dialed))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if got := reg.Chains(); len(got) != 2 || got[0] != "xlayer" {
		t.Fatalf("unexpected chains %v", got)
	}
	client, err := reg.DefaultClient()
	if err != nil {
		t.Fatalf("default client: %v", err)
	}
	if client.Name() != "xlayer" {
		t.Fatalf("unexpected default %s", client.Name())
	}
	def := reg.DefaultDefinition()
	if def.ChainID != 196 || def.Decimals != 18 || def.Symbol != "OKB" {
		t.Fatalf("unexpected definition %+v", def)
	}

	reg.Close()
	for _, c := range dialed {
		if !c.closed {
			t.Fatalf("client %s not closed", c.cfg.Name)
		}
	}
}

func TestRegistryFallsBackToSingleRPC(t *testing.T) {
	var dialed []*fakeClient
	reg, err := NewRegistryWithDialer(context.Background(), config.Web3Config{RPCURL: "https://rpc.xlayer.tech", DefaultChain: "xlayer", ChainID: 196}, recordingDialer(&dialed))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if len(dialed) != 1 || dialed[0].cfg.ChainID != 196 {
		t.Fatalf("unexpected dial %+v", dialed)
	}
	if reg.DefaultDefinition().ChainID != 196 {
		t.Fatal("expected fallback definition")
	}
}

func TestRegistryRejectsMissingDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	if err := os.WriteFile(path, []byte("chains:\n  a:\n    rpc_url: http://a\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	var dialed []*fakeClient
	if _, err := NewRegistryWithDialer(context.Background(), config.Web3Config{ChainConfig: path, DefaultChain: "xlayer"}, recordingDialer(&dialed)); err == nil {
		t.Fatal("expected missing default chain error")
	}
	if !dialed[0].closed {
		t.Fatal("expected dialed clients to be closed on failure")
	}
}

func TestRegistryRequiresEndpoint(t *testing.T) {
	var dialed []*fakeClient
	if _, err := NewRegistryWithDialer(context.Background(), config.Web3Config{}, recordingDialer(&dialed)); err == nil {
		t.Fatal("expected error without endpoints")
	}
}
