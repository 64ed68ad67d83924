package signer

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

// NewRootKey generates a fresh BIP-32 master key for params.
func NewRootKey(params *chaincfg.Params) (*hdkeychain.ExtendedKey, error) {
	seed, err := hdkeychain.GenerateSeed(hdkeychain.RecommendedSeedLen)
	if err != nil {
		return nil, fmt.Errorf("failed to generate seed: %w", err)
	}
	defer func() {
		for i := range seed {
			seed[i] = 0
		}
	}()

	root, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}
	return root, nil
}

// ParseRootKey decodes a serialized extended private key and checks its network.
func ParseRootKey(serialized []byte, params *chaincfg.Params) (*hdkeychain.ExtendedKey, error) {
	root, err := hdkeychain.NewKeyFromString(string(serialized))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRootKey, err)
	}
	if err := checkRoot(root, params); err != nil {
		return nil, err
	}
	return root, nil
}

// DeriveAccount derives the account key at path and returns its xpub and the
// descriptor key [root fingerprint/path]xpub/* describing it.
func DeriveAccount(root *hdkeychain.ExtendedKey, path []uint32) (*hdkeychain.ExtendedKey, *DescriptorKey, error) {
	fingerprint, err := Fingerprint(root)
	if err != nil {
		return nil, nil, err
	}

	account, err := derive(root, path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive %s: %w", FormatPath(path), err)
	}
	xpub, err := account.Neuter()
	if err != nil {
		return nil, nil, err
	}

	return xpub, &DescriptorKey{
		Fingerprint: fingerprint,
		OriginPath:  path,
		Key:         xpub,
		Wildcard:    true,
	}, nil
}
