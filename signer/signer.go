// Package signer signs wallet PSBTs with enclave-held BIP-32 root keys.
//
// Three account shapes are supported and chosen once per request:
//
//   - SingleKey signs P2WPKH inputs derived from the root key.
//   - MultisigWallet co-signs wsh(sortedmulti(2, app, hw, server)) inputs
//     where the server key is a hardened account below the root key.
//   - ChaincodeDelegate co-signs the same script shape where the server key
//     is the root private key combined with a chain code delegated by the app
//     and hardware keys, so the wallet can derive server child keys itself.
//
// Every input is checked before anything is signed. A PSBT that fails any
// check is returned untouched.
package signer

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

var (
	ErrTooManySignatures  = errors.New("input already carries more than one signature")
	ErrUnknownDerivation  = errors.New("input key is not derivable from the wallet descriptor")
	ErrScriptMismatch     = errors.New("input script does not match the wallet descriptor")
	ErrMissingUTXO        = errors.New("input is missing its witness utxo")
	ErrUnsupportedSighash = errors.New("unsupported sighash type")
	ErrNothingToSign      = errors.New("no input belongs to the signing key")
	ErrKeyMismatch        = errors.New("root key does not match the wallet's server key")
	ErrInvalidRootKey     = errors.New("invalid root key")
)

const delegatedChainCodeContext = "wsm-ccd-v1"

// Kind selects the signing strategy.
type Kind int

const (
	KindSingleKey Kind = iota + 1
	KindMultisigWallet
	KindChaincodeDelegate
)

func (k Kind) String() string {
	switch k {
	case KindSingleKey:
		return "single-key"
	case KindMultisigWallet:
		return "multisig-wallet"
	case KindChaincodeDelegate:
		return "chaincode-delegate"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Signer is one of the three signing strategies bound to a root key.
type Signer struct {
	kind   Kind
	root   *hdkeychain.ExtendedKey
	params *chaincfg.Params

	// wallet and serverKey are set for the two multisig kinds. serverKey is
	// the private key at the level of wallet.Server.Key.
	wallet    *WalletDescriptor
	serverKey *hdkeychain.ExtendedKey
}

// NewSingleKey signs P2WPKH inputs whose derivation records carry the root fingerprint.
func NewSingleKey(root *hdkeychain.ExtendedKey, params *chaincfg.Params) (*Signer, error) {
	if err := checkRoot(root, params); err != nil {
		return nil, err
	}
	return &Signer{kind: KindSingleKey, root: root, params: params}, nil
}

// NewMultisigWallet co-signs for wallet. The wallet's server key must be a
// derivation of root.
func NewMultisigWallet(root *hdkeychain.ExtendedKey, params *chaincfg.Params, wallet *WalletDescriptor) (*Signer, error) {
	if err := checkRoot(root, params); err != nil {
		return nil, err
	}

	rootFingerprint, err := Fingerprint(root)
	if err != nil {
		return nil, err
	}
	if wallet.Server.Fingerprint != rootFingerprint {
		return nil, fmt.Errorf("%w: fingerprint", ErrKeyMismatch)
	}

	serverKey, err := derive(root, wallet.Server.OriginPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMismatch, err)
	}
	if err := sameKey(serverKey, wallet.Server.Key); err != nil {
		return nil, err
	}

	return &Signer{kind: KindMultisigWallet, root: root, params: params, wallet: wallet, serverKey: serverKey}, nil
}

// NewChaincodeDelegate co-signs a wallet whose server key is the delegated key
// of root under the app and hardware chain codes.
func NewChaincodeDelegate(root *hdkeychain.ExtendedKey, params *chaincfg.Params, app, hw *DescriptorKey) (*Signer, error) {
	if err := checkRoot(root, params); err != nil {
		return nil, err
	}

	serverKey, err := DelegatedServerKey(root, params, app.Key, hw.Key)
	if err != nil {
		return nil, err
	}
	serverPub, err := serverKey.Neuter()
	if err != nil {
		return nil, err
	}
	fingerprint, err := Fingerprint(serverKey)
	if err != nil {
		return nil, err
	}

	wallet := &WalletDescriptor{
		App:    app,
		HW:     hw,
		Server: &DescriptorKey{Fingerprint: fingerprint, Key: serverPub, Wildcard: true},
	}
	return &Signer{kind: KindChaincodeDelegate, root: root, params: params, wallet: wallet, serverKey: serverKey}, nil
}

// DelegatedServerKey returns the root private key under the chain code
// SHA256("wsm-ccd-v1" || app chain code || hw chain code).
func DelegatedServerKey(root *hdkeychain.ExtendedKey, params *chaincfg.Params, app, hw *hdkeychain.ExtendedKey) (*hdkeychain.ExtendedKey, error) {
	priv, err := root.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRootKey, err)
	}

	h := sha256.New()
	h.Write([]byte(delegatedChainCodeContext))
	h.Write(app.ChainCode())
	h.Write(hw.ChainCode())

	return hdkeychain.NewExtendedKey(params.HDPrivateKeyID[:], priv.Serialize(), h.Sum(nil), []byte{0, 0, 0, 0}, 0, 0, true), nil
}

// Kind reports the strategy.
func (s *Signer) Kind() Kind {
	return s.kind
}

// Wallet returns the wallet the signer co-signs for, nil for SingleKey.
func (s *Signer) Wallet() *WalletDescriptor {
	return s.wallet
}

// Sign adds the enclave's signature to every input it is responsible for and
// returns how many inputs were signed.
func (s *Signer) Sign(packet *psbt.Packet) (int, error) {
	if packet == nil || packet.UnsignedTx == nil || len(packet.Inputs) != len(packet.UnsignedTx.TxIn) {
		return 0, errors.New("malformed psbt")
	}

	var plans []inputPlan
	var err error
	switch s.kind {
	case KindSingleKey:
		plans, err = s.planSingleKey(packet)
	case KindMultisigWallet, KindChaincodeDelegate:
		plans, err = s.planMultisig(packet)
	default:
		return 0, fmt.Errorf("unknown signer kind %d", s.kind)
	}
	if err != nil {
		return 0, err
	}
	if len(plans) == 0 {
		return 0, ErrNothingToSign
	}

	return signPlans(packet, plans)
}

func checkRoot(root *hdkeychain.ExtendedKey, params *chaincfg.Params) error {
	if root == nil || !root.IsPrivate() {
		return fmt.Errorf("%w: private key required", ErrInvalidRootKey)
	}
	if !root.IsForNet(params) {
		return fmt.Errorf("%w: key is not for %s", ErrInvalidRootKey, params.Name)
	}
	return nil
}

func sameKey(private, public *hdkeychain.ExtendedKey) error {
	a, err := private.ECPubKey()
	if err != nil {
		return err
	}
	b, err := public.ECPubKey()
	if err != nil {
		return err
	}
	if !a.IsEqual(b) || !bytes.Equal(private.ChainCode(), public.ChainCode()) {
		return ErrKeyMismatch
	}
	return nil
}

// inputPlan is a fully verified signing job for one input.
type inputPlan struct {
	index      int
	scriptCode []byte
	key        *btcec.PrivateKey
}

func preflight(in *psbt.PInput, index int) error {
	if len(in.PartialSigs) > 1 {
		return fmt.Errorf("%w: input %d has %d", ErrTooManySignatures, index, len(in.PartialSigs))
	}
	if in.WitnessUtxo == nil {
		return fmt.Errorf("%w: input %d", ErrMissingUTXO, index)
	}
	if in.SighashType != 0 && in.SighashType != txscript.SigHashAll {
		return fmt.Errorf("%w: input %d uses %v", ErrUnsupportedSighash, index, in.SighashType)
	}
	return nil
}

func (s *Signer) planSingleKey(packet *psbt.Packet) ([]inputPlan, error) {
	fingerprint, err := Fingerprint(s.root)
	if err != nil {
		return nil, err
	}

	var plans []inputPlan
	for i := range packet.Inputs {
		in := &packet.Inputs[i]

		var ours *psbt.Bip32Derivation
		for _, d := range in.Bip32Derivation {
			if d.MasterKeyFingerprint == fingerprint {
				ours = d
				break
			}
		}
		if ours == nil {
			continue
		}
		if err := preflight(in, i); err != nil {
			return nil, err
		}

		child, err := derive(s.root, ours.Bip32Path)
		if err != nil {
			return nil, fmt.Errorf("%w: input %d: %v", ErrUnknownDerivation, i, err)
		}
		priv, err := child.ECPrivKey()
		if err != nil {
			return nil, err
		}
		pub := priv.PubKey().SerializeCompressed()
		if !bytes.Equal(pub, ours.PubKey) {
			return nil, fmt.Errorf("%w: input %d", ErrUnknownDerivation, i)
		}

		addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub), s.params)
		if err != nil {
			return nil, err
		}
		script, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(script, in.WitnessUtxo.PkScript) {
			return nil, fmt.Errorf("%w: input %d", ErrScriptMismatch, i)
		}

		plans = append(plans, inputPlan{index: i, scriptCode: script, key: priv})
	}
	return plans, nil
}

func (s *Signer) planMultisig(packet *psbt.Packet) ([]inputPlan, error) {
	keys := s.wallet.keys()

	plans := make([]inputPlan, 0, len(packet.Inputs))
	for i := range packet.Inputs {
		in := &packet.Inputs[i]
		if err := preflight(in, i); err != nil {
			return nil, err
		}
		if len(in.Bip32Derivation) == 0 {
			return nil, fmt.Errorf("%w: input %d has no derivation records", ErrUnknownDerivation, i)
		}

		// Every claimed key must derive from one of the wallet keys.
		var serverSuffix []uint32
		for _, d := range in.Bip32Derivation {
			matched := false
			for k, dk := range keys {
				suffix, ok := dk.matchPath(d.MasterKeyFingerprint, d.Bip32Path)
				if !ok {
					continue
				}
				child, err := derive(dk.Key, suffix)
				if err != nil {
					continue
				}
				pub, err := child.ECPubKey()
				if err != nil || !bytes.Equal(pub.SerializeCompressed(), d.PubKey) {
					continue
				}
				matched = true
				if k == 2 {
					serverSuffix = suffix
				}
				break
			}
			if !matched {
				return nil, fmt.Errorf("%w: input %d key %x", ErrUnknownDerivation, i, d.PubKey)
			}
		}
		if serverSuffix == nil {
			return nil, fmt.Errorf("%w: input %d has no server key", ErrUnknownDerivation, i)
		}

		rest := serverSuffix[len(s.wallet.Server.ChildPath):]
		script, err := s.wallet.witnessScript(rest)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(script, in.WitnessScript) {
			return nil, fmt.Errorf("%w: input %d witness script", ErrScriptMismatch, i)
		}
		pkScript, err := p2wsh(script, s.params)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(pkScript, in.WitnessUtxo.PkScript) {
			return nil, fmt.Errorf("%w: input %d output script", ErrScriptMismatch, i)
		}

		child, err := derive(s.serverKey, serverSuffix)
		if err != nil {
			return nil, err
		}
		priv, err := child.ECPrivKey()
		if err != nil {
			return nil, err
		}
		plans = append(plans, inputPlan{index: i, scriptCode: script, key: priv})
	}
	return plans, nil
}

// witnessScript builds the 2-of-3 sortedmulti script at the given steps
// below each key's fixed child path.
func (w *WalletDescriptor) witnessScript(rest []uint32) ([]byte, error) {
	var pubs [][]byte
	for _, dk := range w.keys() {
		path := append(append([]uint32(nil), dk.ChildPath...), rest...)
		child, err := derive(dk.Key, path)
		if err != nil {
			return nil, err
		}
		pub, err := child.ECPubKey()
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, pub.SerializeCompressed())
	}
	return sortedMultiScript(2, pubs)
}

func sortedMultiScript(threshold int, pubs [][]byte) ([]byte, error) {
	sorted := append([][]byte(nil), pubs...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && bytes.Compare(sorted[j], sorted[j-1]) < 0; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	b := txscript.NewScriptBuilder().AddInt64(int64(threshold))
	for _, pub := range sorted {
		b.AddData(pub)
	}
	return b.AddInt64(int64(len(sorted))).AddOp(txscript.OP_CHECKMULTISIG).Script()
}

func p2wsh(witnessScript []byte, params *chaincfg.Params) ([]byte, error) {
	h := sha256.Sum256(witnessScript)
	addr, err := btcutil.NewAddressWitnessScriptHash(h[:], params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

func signPlans(packet *psbt.Packet, plans []inputPlan) (int, error) {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range packet.Inputs {
		if in.WitnessUtxo == nil {
			return 0, fmt.Errorf("%w: input %d", ErrMissingUTXO, i)
		}
		fetcher.AddPrevOut(packet.UnsignedTx.TxIn[i].PreviousOutPoint, in.WitnessUtxo)
	}
	hashes := txscript.NewTxSigHashes(packet.UnsignedTx, fetcher)

	// Compute every signature before touching the packet.
	sigs := make([]*psbt.PartialSig, len(plans))
	for n, plan := range plans {
		in := packet.Inputs[plan.index]
		hash, err := txscript.CalcWitnessSigHash(plan.scriptCode, hashes, txscript.SigHashAll, packet.UnsignedTx, plan.index, in.WitnessUtxo.Value)
		if err != nil {
			return 0, fmt.Errorf("failed to compute sighash of input %d: %w", plan.index, err)
		}
		sig := ecdsa.Sign(plan.key, hash)
		sigs[n] = &psbt.PartialSig{
			PubKey:    plan.key.PubKey().SerializeCompressed(),
			Signature: append(sig.Serialize(), byte(txscript.SigHashAll)),
		}
	}

	signed := 0
	for n, plan := range plans {
		in := &packet.Inputs[plan.index]
		already := false
		for _, existing := range in.PartialSigs {
			if bytes.Equal(existing.PubKey, sigs[n].PubKey) {
				already = true
			}
		}
		if !already {
			in.PartialSigs = append(in.PartialSigs, sigs[n])
			signed++
		}
		plan.key.Zero()
	}
	return signed, nil
}
