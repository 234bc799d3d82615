package web3

import (
	"fmt"
	"os"
	"strings"

	"AgentPay-Chain/internal/settlement"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chain.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single settlement network.
type ChainDefinition struct {
	// Type is "evm" or "memory".
	Type            string            `yaml:"type"`
	RPCURL          string            `yaml:"rpc_url"`
	Description     string            `yaml:"description"`
	Router          string            `yaml:"router"`
	AccountFactory  string            `yaml:"account_factory"`
	InitCodeHash    string            `yaml:"init_code_hash"`
	FreshnessWindow uint64            `yaml:"freshness_window"`
	Confirmations   uint64            `yaml:"confirmations"`
	NativeSymbol    string            `yaml:"native_symbol"`
	NativeDecimals  uint8             `yaml:"native_decimals"`
	Tokens          []TokenDefinition `yaml:"tokens"`
}

// TokenDefinition lists a token asset accepted on the chain.
type TokenDefinition struct {
	Address  string `yaml:"address"`
	Symbol   string `yaml:"symbol"`
	Decimals uint8  `yaml:"decimals"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions decodes chain definitions from YAML.
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}

// Deriver returns the associated-account deriver configured for the chain.
func (d ChainDefinition) Deriver() (settlement.Deriver, error) {
	var deriver settlement.Deriver
	if v := strings.TrimSpace(d.AccountFactory); v != "" {
		if !common.IsHexAddress(v) {
			return deriver, fmt.Errorf("账户工厂地址非法: %s", v)
		}
		deriver.Factory = common.HexToAddress(v)
	}
	if v := strings.TrimSpace(d.InitCodeHash); v != "" {
		deriver.InitCodeHash = common.HexToHash(v)
	}
	return deriver, nil
}

// Assets builds the asset registry accepted on the chain.
func (d ChainDefinition) Assets() (*settlement.AssetRegistry, error) {
	symbol := d.NativeSymbol
	if symbol == "" {
		symbol = "ETH"
	}
	decimals := d.NativeDecimals
	if decimals == 0 {
		decimals = 18
	}
	tokens := make([]settlement.Asset, 0, len(d.Tokens))
	for _, t := range d.Tokens {
		if !common.IsHexAddress(t.Address) {
			return nil, fmt.Errorf("代币地址非法: %s", t.Address)
		}
		tokens = append(tokens, settlement.Asset{
			Kind:     settlement.AssetToken,
			Token:    common.HexToAddress(t.Address),
			Symbol:   t.Symbol,
			Decimals: t.Decimals,
		})
	}
	return settlement.NewAssetRegistry(symbol, decimals, tokens...), nil
}
