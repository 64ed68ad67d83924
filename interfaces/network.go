package interfaces

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network identifies the Bitcoin network a key is bound to.
type Network string

const (
	NetworkBitcoin Network = "bitcoin"
	NetworkTestnet Network = "testnet"
	NetworkSignet  Network = "signet"
	NetworkRegtest Network = "regtest"
)

// ParseNetwork accepts the canonical names plus the common aliases used by
// wallet tooling ("mainnet", "testnet3").
func ParseNetwork(s string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bitcoin", "mainnet", "main":
		return NetworkBitcoin, nil
	case "testnet", "testnet3", "test":
		return NetworkTestnet, nil
	case "signet":
		return NetworkSignet, nil
	case "regtest":
		return NetworkRegtest, nil
	default:
		return "", fmt.Errorf("unknown network %q", s)
	}
}

// ChainParams returns the btcd parameters for the network.
func (n Network) ChainParams() (*chaincfg.Params, error) {
	switch n {
	case NetworkBitcoin:
		return &chaincfg.MainNetParams, nil
	case NetworkTestnet:
		return &chaincfg.TestNet3Params, nil
	case NetworkSignet:
		return &chaincfg.SigNetParams, nil
	case NetworkRegtest:
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", string(n))
	}
}

func (n Network) String() string {
	return string(n)
}

// UnmarshalJSON normalizes aliases so downstream code only sees canonical names.
func (n *Network) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseNetwork(s)
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}
