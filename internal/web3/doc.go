// Package web3 holds the chain-facing abstractions used by the wallet flows:
// the RPC client contract, transfer intents, signed transactions and the YAML
// chain definitions that configure the provider registry.
package web3
