// Package web3 describes the settlement networks the service can pay on.
// Chain definitions are loaded from YAML and turned into settlement ledgers
// by the provider package; the ethereum package implements the EVM router
// ledger on top of go-ethereum's RPC client.
package web3
