package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"AgentPay-Chain/internal/config"
	"AgentPay-Chain/internal/settlement"
	"AgentPay-Chain/internal/settlement/memory"
	"AgentPay-Chain/internal/web3"
	"AgentPay-Chain/internal/web3/ethereum"

	"github.com/ethereum/go-ethereum/common"
)

// Network bundles everything needed to settle on one chain.
type Network struct {
	Name    string
	Type    string
	Ledger  settlement.Ledger
	Assets  *settlement.AssetRegistry
	Deriver settlement.Deriver
	close   func()
}

// Builder returns a transaction builder bound to the network.
func (n *Network) Builder() *settlement.Builder {
	return settlement.NewBuilder(n.Ledger, n.Assets, n.Deriver)
}

// Registry manages the settlement networks keyed by human readable names.
type Registry struct {
	defaultChain string
	networks     map[string]*Network
}

// NewRegistry loads chain definitions and instantiates concrete ledgers.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	if len(defs.Chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		defs.Chains["default"] = web3.ChainDefinition{
			Type:   "evm",
			RPCURL: cfg.RPCURL,
			Router: cfg.Router,
		}
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}
	return FromDefinitions(ctx, defs, cfg.DefaultChain)
}

// FromDefinitions instantiates ledgers for already parsed definitions.
func FromDefinitions(ctx context.Context, defs web3.ChainDefinitions, defaultChain string) (*Registry, error) {
	networks := make(map[string]*Network)
	reg := &Registry{networks: networks}
	for name, chain := range defs.Chains {
		network, err := newNetwork(ctx, name, chain)
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		networks[name] = network
	}

	if len(networks) == 0 {
		return nil, errors.New("未配置任何结算网络")
	}

	if defaultChain == "" {
		defaultChain = reg.Chains()[0]
	}
	if _, ok := networks[defaultChain]; !ok {
		reg.Close()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	reg.defaultChain = defaultChain
	return reg, nil
}

func newNetwork(ctx context.Context, name string, chain web3.ChainDefinition) (*Network, error) {
	deriver, err := chain.Deriver()
	if err != nil {
		return nil, err
	}
	assets, err := chain.Assets()
	if err != nil {
		return nil, err
	}

	chainType := strings.ToLower(strings.TrimSpace(chain.Type))
	if chainType == "" {
		chainType = "evm"
	}
	network := &Network{Name: name, Type: chainType, Assets: assets, Deriver: deriver}
	switch chainType {
	case "evm":
		if !common.IsHexAddress(chain.Router) {
			return nil, fmt.Errorf("结算路由地址非法: %q", chain.Router)
		}
		ledger, err := ethereum.Dial(ctx, ethereum.Config{
			Name:            name,
			RPCURL:          chain.RPCURL,
			Router:          common.HexToAddress(chain.Router),
			FreshnessWindow: chain.FreshnessWindow,
			Confirmations:   chain.Confirmations,
		})
		if err != nil {
			return nil, err
		}
		network.Ledger = ledger
		network.close = ledger.Close
	case "memory":
		network.Ledger = memory.New(
			memory.WithFreshnessWindow(chain.FreshnessWindow),
			memory.WithDeriver(deriver),
		)
	default:
		return nil, fmt.Errorf("不支持的链类型 %s", chain.Type)
	}
	return network, nil
}

// Default returns the network configured as default chain.
func (r *Registry) Default() (*Network, error) {
	if r == nil {
		return nil, errors.New("未初始化的结算网络注册表")
	}
	network, ok := r.networks[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return network, nil
}

// Network returns the network identified by name.
func (r *Registry) Network(name string) (*Network, bool) {
	if r == nil {
		return nil, false
	}
	network, ok := r.networks[name]
	return network, ok
}

// Close releases all ledgers managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, network := range r.networks {
		if network != nil && network.close != nil {
			network.close()
		}
		delete(r.networks, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.networks))
	for name := range r.networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
