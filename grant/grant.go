// Package grant signs authorization grants with the enclave integrity key.
//
// A grant states that the enclave vetted an action for a subject key. Outside
// verifiers check it with the integrity public key alone; the private half
// never leaves the enclave key cache.
package grant

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	grantContext   = "wsm-grant-v1"
	messageContext = "wsm-message-v1"

	// ActionApprovePSBT approves spending a specific transaction.
	ActionApprovePSBT = "approve-psbt"
)

// TestIntegrityKey is the well-known integrity key loaded by use_test_key.
// Grants signed with it carry no authority.
var TestIntegrityKey = hexutil.MustDecode("0x1f2e3d4c5b6a79881f2e3d4c5b6a79881f2e3d4c5b6a79881f2e3d4c5b6a7988")

var (
	ErrInvalidSubject   = errors.New("invalid subject public key")
	ErrInvalidAction    = errors.New("invalid grant action")
	ErrInvalidSignature = errors.New("grant signature does not verify")
)

// IntegrityKeySource yields the raw integrity private key.
type IntegrityKeySource interface {
	IntegrityKey() ([]byte, error)
}

// Action is a structured description of what was authorized.
type Action struct {
	Kind   string            `json:"kind"`
	Params map[string]string `json:"params,omitempty"`
}

// SignedGrant is an integrity-key signature over (subject, action).
type SignedGrant struct {
	SubjectPubkey hexutil.Bytes `json:"subject_pubkey"`
	Action        Action        `json:"action"`
	Digest        hexutil.Bytes `json:"digest"`
	Signature     hexutil.Bytes `json:"signature"`
}

// Authority signs grants and messages. It holds no state of its own.
type Authority struct {
	keys IntegrityKeySource
}

func NewAuthority(keys IntegrityKeySource) *Authority {
	return &Authority{keys: keys}
}

func appendField(buf, field []byte) []byte {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(field)))
	return append(append(buf, l[:]...), field...)
}

// Digest is SHA256 over the length-prefixed encoding of the subject, the
// action kind and the action params sorted by key.
func Digest(subject []byte, action Action) [32]byte {
	var buf []byte
	buf = appendField(buf, []byte(grantContext))
	buf = appendField(buf, subject)
	buf = appendField(buf, []byte(action.Kind))

	keys := make([]string, 0, len(action.Params))
	for k := range action.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(keys)))
	buf = append(buf, n[:]...)
	for _, k := range keys {
		buf = appendField(buf, []byte(k))
		buf = appendField(buf, []byte(action.Params[k]))
	}
	return sha256.Sum256(buf)
}

func (a *Authority) sign(digest []byte) ([]byte, error) {
	raw, err := a.keys.IntegrityKey()
	if err != nil {
		return nil, err
	}
	defer func() {
		for i := range raw {
			raw[i] = 0
		}
	}()

	priv, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid integrity key: %w", err)
	}
	return crypto.Sign(digest, priv)
}

// PublicKey returns the compressed integrity public key.
func (a *Authority) PublicKey() ([]byte, error) {
	raw, err := a.keys.IntegrityKey()
	if err != nil {
		return nil, err
	}
	priv, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid integrity key: %w", err)
	}
	return crypto.CompressPubkey(&priv.PublicKey), nil
}

// CreateGrant signs action for subject.
func (a *Authority) CreateGrant(subject []byte, action Action) (SignedGrant, error) {
	if _, err := btcec.ParsePubKey(subject); err != nil {
		return SignedGrant{}, fmt.Errorf("%w: %v", ErrInvalidSubject, err)
	}
	if action.Kind == "" {
		return SignedGrant{}, fmt.Errorf("%w: empty kind", ErrInvalidAction)
	}

	digest := Digest(subject, action)
	sig, err := a.sign(digest[:])
	if err != nil {
		return SignedGrant{}, err
	}
	return SignedGrant{
		SubjectPubkey: bytes.Clone(subject),
		Action:        action,
		Digest:        digest[:],
		Signature:     sig,
	}, nil
}

// ApprovePSBT grants subject the right to spend exactly packet's transaction.
func (a *Authority) ApprovePSBT(subject []byte, packet *psbt.Packet) (SignedGrant, error) {
	action, err := PSBTAction(packet)
	if err != nil {
		return SignedGrant{}, err
	}
	return a.CreateGrant(subject, action)
}

// PSBTAction describes packet by its txid and a digest of its outputs.
func PSBTAction(packet *psbt.Packet) (Action, error) {
	if packet == nil || packet.UnsignedTx == nil {
		return Action{}, fmt.Errorf("%w: missing transaction", ErrInvalidAction)
	}

	var buf []byte
	for _, out := range packet.UnsignedTx.TxOut {
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(out.Value))
		buf = append(buf, v[:]...)
		buf = appendField(buf, out.PkScript)
	}
	outputs := sha256.Sum256(buf)

	return Action{
		Kind: ActionApprovePSBT,
		Params: map[string]string{
			"txid":    packet.UnsignedTx.TxHash().String(),
			"outputs": hex.EncodeToString(outputs[:]),
		},
	}, nil
}

// SignMessage signs SHA256(lp(context) || lp(label) || data) with the integrity key.
func (a *Authority) SignMessage(label string, data []byte) ([]byte, error) {
	digest := messageDigest(label, data)
	return a.sign(digest[:])
}

func messageDigest(label string, data []byte) [32]byte {
	var buf []byte
	buf = appendField(buf, []byte(messageContext))
	buf = appendField(buf, []byte(label))
	buf = append(buf, data...)
	return sha256.Sum256(buf)
}

// Verify checks g against the integrity public key (compressed or uncompressed).
func Verify(g SignedGrant, integrityPub []byte) error {
	digest := Digest(g.SubjectPubkey, g.Action)
	if !bytes.Equal(digest[:], g.Digest) {
		return fmt.Errorf("%w: digest mismatch", ErrInvalidSignature)
	}
	return verifyDigest(digest[:], g.Signature, integrityPub)
}

// VerifyMessage checks a SignMessage signature.
func VerifyMessage(label string, data, sig, integrityPub []byte) error {
	digest := messageDigest(label, data)
	return verifyDigest(digest[:], sig, integrityPub)
}

func verifyDigest(digest, sig, integrityPub []byte) error {
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("%w: signature must be %d bytes", ErrInvalidSignature, crypto.SignatureLength)
	}

	recovered, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	expected, err := btcec.ParsePubKey(integrityPub)
	if err != nil {
		return fmt.Errorf("invalid integrity public key: %w", err)
	}
	if !bytes.Equal(crypto.CompressPubkey(recovered), expected.SerializeCompressed()) {
		return ErrInvalidSignature
	}
	if !crypto.VerifySignature(expected.SerializeCompressed(), digest, sig[:64]) {
		return ErrInvalidSignature
	}
	return nil
}
