package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions is the document stored in configs/chain.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes one EVM chain the bot can reach. ChainIndex is
// the custodial API's identifier for the chain and may differ from ChainID.
type ChainDefinition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	ChainID     int64  `yaml:"chain_id"`
	ChainIndex  string `yaml:"chain_index"`
	Symbol      string `yaml:"symbol"`
	Decimals    int32  `yaml:"decimals"`
	Explorer    string `yaml:"explorer"`
	Description string `yaml:"description"`
}

// LoadChainDefinitions reads and normalises the chain file. An empty path
// yields an empty set so a single web3.rpc_url can be used instead.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	defs := ChainDefinitions{Chains: map[string]ChainDefinition{}}
	if strings.TrimSpace(path) == "" {
		return defs, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	var raw ChainDefinitions
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}

	for name, def := range raw.Chains {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			return ChainDefinitions{}, fmt.Errorf("链配置包含空名称")
		}
		if strings.TrimSpace(def.RPCURL) == "" {
			return ChainDefinitions{}, fmt.Errorf("链 %s 缺少 rpc_url", name)
		}
		if def.ChainID < 0 {
			return ChainDefinitions{}, fmt.Errorf("链 %s 的 chain_id 非法: %d", name, def.ChainID)
		}
		def.normalize()
		defs.Chains[name] = def
	}
	return defs, nil
}

func (d *ChainDefinition) normalize() {
	d.Type = strings.ToLower(strings.TrimSpace(d.Type))
	if d.Type == "" {
		d.Type = "evm"
	}
	if d.Decimals == 0 {
		d.Decimals = 18
	}
	if d.Symbol == "" {
		d.Symbol = "OKB"
	}
	if d.ChainIndex == "" && d.ChainID > 0 {
		d.ChainIndex = fmt.Sprintf("%d", d.ChainID)
	}
}
