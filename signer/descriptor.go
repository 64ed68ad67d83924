package signer

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

var ErrInvalidDescriptor = errors.New("invalid descriptor")

// ParsePath parses a BIP-32 path such as m/84'/1'/0' or 84h/1h/0h.
func ParsePath(s string) ([]uint32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "m")
	s = strings.TrimPrefix(s, "/")
	if s == "" {
		return nil, nil
	}

	parts := strings.Split(s, "/")
	path := make([]uint32, 0, len(parts))
	for _, part := range parts {
		hardened := strings.HasSuffix(part, "'") || strings.HasSuffix(part, "h") || strings.HasSuffix(part, "H")
		if hardened {
			part = part[:len(part)-1]
		}
		index, err := strconv.ParseUint(part, 10, 32)
		if err != nil || index >= hdkeychain.HardenedKeyStart {
			return nil, fmt.Errorf("invalid path component %q", part)
		}
		if hardened {
			index += hdkeychain.HardenedKeyStart
		}
		path = append(path, uint32(index))
	}
	return path, nil
}

// FormatPath renders a path using the h suffix for hardened steps, without the m/ prefix.
func FormatPath(path []uint32) string {
	parts := make([]string, len(path))
	for i, index := range path {
		if index >= hdkeychain.HardenedKeyStart {
			parts[i] = strconv.FormatUint(uint64(index-hdkeychain.HardenedKeyStart), 10) + "h"
		} else {
			parts[i] = strconv.FormatUint(uint64(index), 10)
		}
	}
	return strings.Join(parts, "/")
}

// Fingerprint returns the BIP-32 fingerprint of key in the byte order psbt
// derivation records use.
func Fingerprint(key *hdkeychain.ExtendedKey) (uint32, error) {
	pub, err := key.ECPubKey()
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(btcutil.Hash160(pub.SerializeCompressed())[:4]), nil
}

// DescriptorKey is a key expression of the form [fingerprint/origin]xpub/child/*.
type DescriptorKey struct {
	Fingerprint uint32
	OriginPath  []uint32
	Key         *hdkeychain.ExtendedKey
	// ChildPath is the fixed non-hardened suffix between the key and the wildcard.
	ChildPath []uint32
	Wildcard  bool
}

// ParseDescriptorKey parses a single descriptor key expression. Keys must be
// public and only non-hardened steps may follow them.
func ParseDescriptorKey(s string) (*DescriptorKey, error) {
	s = strings.TrimSpace(s)
	dk := &DescriptorKey{}

	hasOrigin := strings.HasPrefix(s, "[")
	if hasOrigin {
		end := strings.Index(s, "]")
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated key origin", ErrInvalidDescriptor)
		}
		origin := strings.SplitN(s[1:end], "/", 2)
		fp, err := hex.DecodeString(origin[0])
		if err != nil || len(fp) != 4 {
			return nil, fmt.Errorf("%w: bad fingerprint %q", ErrInvalidDescriptor, origin[0])
		}
		dk.Fingerprint = binary.LittleEndian.Uint32(fp)
		if len(origin) == 2 {
			path, err := ParsePath(origin[1])
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
			}
			dk.OriginPath = path
		}
		s = s[end+1:]
	}

	parts := strings.Split(s, "/")
	key, err := hdkeychain.NewKeyFromString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	if key.IsPrivate() {
		return nil, fmt.Errorf("%w: private keys are not accepted", ErrInvalidDescriptor)
	}
	dk.Key = key

	if !hasOrigin {
		fp, err := Fingerprint(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
		}
		dk.Fingerprint = fp
	}

	for i, part := range parts[1:] {
		if part == "*" {
			if i != len(parts)-2 {
				return nil, fmt.Errorf("%w: wildcard must be last", ErrInvalidDescriptor)
			}
			dk.Wildcard = true
			break
		}
		path, err := ParsePath(part)
		if err != nil || len(path) != 1 || path[0] >= hdkeychain.HardenedKeyStart {
			return nil, fmt.Errorf("%w: bad child step %q", ErrInvalidDescriptor, part)
		}
		dk.ChildPath = append(dk.ChildPath, path[0])
	}
	return dk, nil
}

func (dk *DescriptorKey) String() string {
	var fp [4]byte
	binary.LittleEndian.PutUint32(fp[:], dk.Fingerprint)

	var b strings.Builder
	b.WriteString("[")
	b.WriteString(hex.EncodeToString(fp[:]))
	if len(dk.OriginPath) > 0 {
		b.WriteString("/")
		b.WriteString(FormatPath(dk.OriginPath))
	}
	b.WriteString("]")
	b.WriteString(dk.Key.String())
	for _, index := range dk.ChildPath {
		b.WriteString("/")
		b.WriteString(strconv.FormatUint(uint64(index), 10))
	}
	if dk.Wildcard {
		b.WriteString("/*")
	}
	return b.String()
}

// matchPath returns the path below Key when fingerprint and path point into
// this key's subtree, and whether they do. A wildcard matches one or more
// trailing non-hardened steps.
func (dk *DescriptorKey) matchPath(fingerprint uint32, path []uint32) ([]uint32, bool) {
	if fingerprint != dk.Fingerprint || len(path) < len(dk.OriginPath) {
		return nil, false
	}
	for i, index := range dk.OriginPath {
		if path[i] != index {
			return nil, false
		}
	}
	suffix := path[len(dk.OriginPath):]
	if len(suffix) < len(dk.ChildPath) {
		return nil, false
	}
	for i, index := range dk.ChildPath {
		if suffix[i] != index {
			return nil, false
		}
	}
	rest := len(suffix) - len(dk.ChildPath)
	if (dk.Wildcard && rest < 1) || (!dk.Wildcard && rest != 0) {
		return nil, false
	}
	for _, index := range suffix {
		if index >= hdkeychain.HardenedKeyStart {
			return nil, false
		}
	}
	return suffix, true
}

// derive walks key along path. Hardened steps need a private key.
func derive(key *hdkeychain.ExtendedKey, path []uint32) (*hdkeychain.ExtendedKey, error) {
	var err error
	for _, index := range path {
		key, err = key.Derive(index)
		if err != nil {
			return nil, err
		}
	}
	return key, nil
}

// WalletDescriptor is a wsh(sortedmulti(2, app, hw, server)) wallet.
type WalletDescriptor struct {
	App    *DescriptorKey
	HW     *DescriptorKey
	Server *DescriptorKey
}

// ParseWalletDescriptor accepts wsh(sortedmulti(2,<app>,<hw>,<server>)) with
// an optional #checksum. Keys are taken in app, hardware, server order.
func ParseWalletDescriptor(s string) (*WalletDescriptor, error) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "#"); i >= 0 {
		s = s[:i]
	}
	const prefix, suffix = "wsh(sortedmulti(", "))"
	if !strings.HasPrefix(s, prefix) || !strings.HasSuffix(s, suffix) {
		return nil, fmt.Errorf("%w: expected wsh(sortedmulti(...))", ErrInvalidDescriptor)
	}

	args := strings.Split(s[len(prefix):len(s)-len(suffix)], ",")
	if len(args) != 4 || strings.TrimSpace(args[0]) != "2" {
		return nil, fmt.Errorf("%w: expected a 2-of-3 sortedmulti", ErrInvalidDescriptor)
	}
	return NewWalletDescriptor(args[1], args[2], args[3])
}

// NewWalletDescriptor builds a wallet from three descriptor key expressions.
func NewWalletDescriptor(app, hw, server string) (*WalletDescriptor, error) {
	var keys [3]*DescriptorKey
	for i, s := range []string{app, hw, server} {
		dk, err := ParseDescriptorKey(s)
		if err != nil {
			return nil, err
		}
		keys[i] = dk
	}
	return &WalletDescriptor{App: keys[0], HW: keys[1], Server: keys[2]}, nil
}

func (w *WalletDescriptor) String() string {
	return fmt.Sprintf("wsh(sortedmulti(2,%s,%s,%s))", w.App, w.HW, w.Server)
}

func (w *WalletDescriptor) keys() []*DescriptorKey {
	return []*DescriptorKey{w.App, w.HW, w.Server}
}
