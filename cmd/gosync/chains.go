package main

import (
	"fmt"

	"github.com/ethereum/go-ethereum/params"
)

// chainConfigByName resolves the --chain flag to a *params.ChainConfig,
// the same lookup cmd/geth's MakeChain performs against its own named
// genesis presets. Only the networks spec §6's CLI surface names are
// wired; anything else is an error rather than a silent mainnet fallback.
func chainConfigByName(name string) (*params.ChainConfig, error) {
	switch name {
	case "mainnet", "":
		return params.MainnetChainConfig, nil
	case "sepolia":
		return params.SepoliaChainConfig, nil
	case "holesky":
		return params.HoleskyChainConfig, nil
	default:
		return nil, fmt.Errorf("unknown chain %q", name)
	}
}
