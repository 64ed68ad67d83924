// Package frost implements the enclave's side of two-party FROST over
// secp256k1: a Feldman-verified distributed key generation producing a 2-of-2
// Schnorr key, and stateless partial signing of BIP-86 taproot key spends
// held by that key.
//
// The wallet client is participant 1 and the enclave is participant 2. The
// enclave never holds more than its own share, and a round's secret nonces
// exist only for the duration of the call that uses them.
package frost

import (
	"errors"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Identifier is a participant index. Zero is never a valid identifier.
type Identifier uint16

const (
	PeerIdentifier   Identifier = 1
	ServerIdentifier Identifier = 2

	// Threshold is the number of shares needed to sign.
	Threshold = 2
)

var (
	ErrInvalidPackage     = errors.New("invalid keygen package")
	ErrInvalidProof       = errors.New("invalid proof of knowledge")
	ErrInvalidShare       = errors.New("secret share does not match commitments")
	ErrCommitmentMismatch = errors.New("peer commitments do not match key generation result")
	ErrCommitmentCount    = errors.New("commitment count does not match signable inputs")
	ErrNoSignableInputs   = errors.New("no inputs spend the aggregate key")
	ErrInvalidSignature   = errors.New("aggregate signature does not verify")
)

// Round1Package is a participant's public keygen contribution: Feldman
// commitments to its polynomial coefficients and a Schnorr proof of
// knowledge of the constant term.
type Round1Package struct {
	Identifier  Identifier      `json:"identifier"`
	Commitments []hexutil.Bytes `json:"commitments"`
	ProofR      hexutil.Bytes   `json:"proof_r"`
	ProofZ      hexutil.Bytes   `json:"proof_z"`
}

// KeygenPackage is what one participant sends the other: its public round-1
// package and the secret share of its polynomial evaluated at the receiver.
type KeygenPackage struct {
	Round1      Round1Package `json:"round1"`
	SecretShare hexutil.Bytes `json:"secret_share"`
}

// ShareDetails is a participant's durable keygen result. The enclave only
// ever hands it out wrapped under a DEK.
type ShareDetails struct {
	Identifier         Identifier      `json:"identifier"`
	SecretShare        hexutil.Bytes   `json:"secret_share"`
	Commitments        []hexutil.Bytes `json:"commitments"`
	AggregatePublicKey hexutil.Bytes   `json:"aggregate_public_key"`
}

// PeerCommitments is what the peer reports after finishing its own side of
// the keygen.
type PeerCommitments struct {
	AggregatePublicKey hexutil.Bytes `json:"aggregate_public_key"`
	VerifyingShare     hexutil.Bytes `json:"verifying_share"`
}

// SigningCommitments are a participant's public nonce commitments for one input.
type SigningCommitments struct {
	Identifier Identifier    `json:"identifier"`
	Hiding     hexutil.Bytes `json:"hiding"`
	Binding    hexutil.Bytes `json:"binding"`
}

// PartialSignature is a participant's signature share for one input.
type PartialSignature struct {
	Identifier Identifier    `json:"identifier"`
	InputIndex int           `json:"input_index"`
	Z          hexutil.Bytes `json:"z"`
}
