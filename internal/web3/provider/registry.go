package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"XLayer-WalletBot/internal/config"
	"XLayer-WalletBot/internal/web3"
	"XLayer-WalletBot/internal/web3/ethereum"
)

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
	defs         map[string]web3.ChainDefinition
}

// Dialer builds a client for a chain definition. Tests replace it to avoid
// network access.
type Dialer func(ctx context.Context, cfg ethereum.Config) (web3.Client, error)

func dialEthereum(ctx context.Context, cfg ethereum.Config) (web3.Client, error) {
	return ethereum.NewClient(ctx, cfg)
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	return NewRegistryWithDialer(ctx, cfg, dialEthereum)
}

// NewRegistryWithDialer is NewRegistry with an explicit client constructor.
func NewRegistryWithDialer(ctx context.Context, cfg config.Web3Config, dial Dialer) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]web3.Client)
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		switch chainType {
		case "evm":
			client, err := dial(ctx, ethereum.Config{
				Name:    name,
				RPCURL:  chain.RPCURL,
				ChainID: chain.ChainID,
				Notes:   chain.Description,
			})
			if err != nil {
				closeAll()
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			clients[name] = client
		default:
			closeAll()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}

	defaultChain := cfg.DefaultChain
	if len(clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		name := defaultChain
		if name == "" {
			name = "default"
		}
		client, err := dial(ctx, ethereum.Config{Name: name, RPCURL: cfg.RPCURL, ChainID: cfg.ChainID})
		if err != nil {
			return nil, err
		}
		clients[name] = client
		defs.Chains[name] = web3.ChainDefinition{Type: "evm", RPCURL: cfg.RPCURL, ChainID: cfg.ChainID, Symbol: "OKB", Decimals: 18}
		defaultChain = name
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	if defaultChain == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		closeAll()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, clients: clients, defs: defs.Chains}, nil
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// DefaultDefinition returns the metadata of the default chain.
func (r *Registry) DefaultDefinition() web3.ChainDefinition {
	if r == nil {
		return web3.ChainDefinition{}
	}
	return r.defs[r.defaultChain]
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
