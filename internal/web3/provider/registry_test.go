package provider

import (
	"context"
	"testing"

	"AgentPay-Chain/internal/settlement"
	"AgentPay-Chain/internal/settlement/memory"
	"AgentPay-Chain/internal/web3"
)

const chainYAML = `
chains:
  local:
    type: memory
    freshness_window: 20
    account_factory: "0x00000000000000000000000000000000000000f0"
    init_code_hash: "0x1111111111111111111111111111111111111111111111111111111111111111"
    native_symbol: ETH
    tokens:
      - address: "0x00000000000000000000000000000000000000f1"
        symbol: USDC
        decimals: 6
  devnet:
    type: memory
`

func TestFromDefinitionsBuildsMemoryNetworks(t *testing.T) {
	defs, err := web3.ParseChainDefinitions([]byte(chainYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	reg, err := FromDefinitions(context.Background(), defs, "local")
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	defer reg.Close()

	if got := reg.Chains(); len(got) != 2 || got[0] != "devnet" || got[1] != "local" {
		t.Fatalf("unexpected chains %v", got)
	}
	network, err := reg.Default()
	if err != nil {
		t.Fatalf("default: %v", err)
	}
	if _, ok := network.Ledger.(*memory.Ledger); !ok {
		t.Fatalf("expected memory ledger, got %T", network.Ledger)
	}
	asset, err := network.Assets.Resolve("0x00000000000000000000000000000000000000f1")
	if err != nil || asset.Symbol != "USDC" || asset.Decimals != 6 {
		t.Fatalf("unexpected token %+v %v", asset, err)
	}
	if network.Deriver.Factory.Hex() != "0x00000000000000000000000000000000000000F0" {
		t.Fatalf("unexpected factory %s", network.Deriver.Factory.Hex())
	}
	if network.Builder() == nil {
		t.Fatalf("expected builder")
	}

	fresh, err := network.Ledger.FreshnessToken(context.Background())
	if err != nil || fresh.ExpiryHeight != 21 {
		t.Fatalf("freshness window not applied: %+v %v", fresh, err)
	}

	native, _ := network.Assets.Resolve(settlement.NativeRef)
	if native.Decimals != 18 {
		t.Fatalf("native decimals default to 18, got %d", native.Decimals)
	}
}

func TestFromDefinitionsRejectsUnknownDefault(t *testing.T) {
	defs, _ := web3.ParseChainDefinitions([]byte(chainYAML))
	if _, err := FromDefinitions(context.Background(), defs, "mainnet"); err == nil {
		t.Fatalf("expected unknown default chain to fail")
	}
}

func TestFromDefinitionsRejectsBadDefinitions(t *testing.T) {
	cases := map[string]string{
		"unknown type": "chains:\n  x:\n    type: solana\n",
		"bad router":   "chains:\n  x:\n    type: evm\n    rpc_url: http://127.0.0.1:8545\n    router: nope\n",
		"bad token":    "chains:\n  x:\n    type: memory\n    tokens:\n      - address: nope\n",
		"empty":        "chains: {}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			defs, err := web3.ParseChainDefinitions([]byte(doc))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if _, err := FromDefinitions(context.Background(), defs, ""); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
