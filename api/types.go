package api

import (
	"errors"

	"github.com/ethereum/go-ethereum/common/hexutil"
	validation "github.com/jellydator/validation"
	"github.com/ruteri/tee-wallet-enclave/cryptoutils"
	"github.com/ruteri/tee-wallet-enclave/frost"
	"github.com/ruteri/tee-wallet-enclave/grant"
	"github.com/ruteri/tee-wallet-enclave/interfaces"
)

// Validatable is implemented by every request body.
type Validatable interface {
	Validate() error
}

type StatusResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every non-2xx response. DEKID is set for
// KeyNotFound so the caller knows which key to load.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	DEKID string `json:"dek_id,omitempty"`
}

var kmsProviders = []interface{}{
	interfaces.KMSProviderAWS,
	interfaces.KMSProviderVault,
	interfaces.KMSProviderKeeper,
}

func validateKMSParams(p *interfaces.KMSParams) error {
	return validation.ValidateStruct(p,
		validation.Field(&p.Provider, validation.Required, validation.In(kmsProviders...).Error("must be aws, vault or keeper")),
		validation.Field(&p.Ciphertext, validation.Required),
		validation.Field(&p.Region, validation.When(p.Provider == interfaces.KMSProviderAWS, validation.Required)),
		validation.Field(&p.KeyID, validation.When(p.Provider == interfaces.KMSProviderVault, validation.Required)),
	)
}

// kmsParamsRule adapts validateKMSParams to a field rule.
var kmsParamsRule = validation.By(func(value interface{}) error {
	switch p := value.(type) {
	case interfaces.KMSParams:
		return validateKMSParams(&p)
	case *interfaces.KMSParams:
		if p == nil {
			return nil
		}
		return validateKMSParams(p)
	}
	return errors.New("must be kms params")
})

type LoadSecretRequest struct {
	DEKID     string               `json:"dek_id"`
	KMSParams interfaces.KMSParams `json:"kms_params"`
}

func (r *LoadSecretRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.DEKID, validation.Required, validation.Length(1, 256)),
		validation.Field(&r.KMSParams, kmsParamsRule),
	)
}

// LoadIntegrityKeyRequest sets exactly one of UseTestKey or KMSParams.
type LoadIntegrityKeyRequest struct {
	UseTestKey bool                  `json:"use_test_key"`
	KMSParams  *interfaces.KMSParams `json:"kms_params,omitempty"`
}

func (r *LoadIntegrityKeyRequest) Validate() error {
	if r.UseTestKey == (r.KMSParams != nil) {
		return errors.New("exactly one of use_test_key and kms_params must be set")
	}
	return validation.ValidateStruct(r,
		validation.Field(&r.KMSParams, kmsParamsRule),
	)
}

// WrappedKeyRef names the DEK and AAD a wrapped payload was sealed under.
type WrappedKeyRef struct {
	RootKeyID string              `json:"root_key_id"`
	DEKID     string              `json:"dek_id"`
	Network   *interfaces.Network `json:"network,omitempty"`
}

func (r *WrappedKeyRef) rules() []*validation.FieldRules {
	return []*validation.FieldRules{
		validation.Field(&r.RootKeyID, validation.Required, validation.Length(1, 256)),
		validation.Field(&r.DEKID, validation.Required, validation.Length(1, 256)),
	}
}

// Wrapped is an envelope ciphertext with its nonce.
type Wrapped struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
}

func (w Wrapped) Validate() error {
	return validation.ValidateStruct(&w,
		validation.Field(&w.Ciphertext, validation.Required),
		validation.Field(&w.Nonce, validation.Required),
	)
}

type CreateKeyRequest struct {
	RootKeyID string             `json:"root_key_id"`
	DEKID     string             `json:"dek_id"`
	Network   interfaces.Network `json:"network"`
}

func (r *CreateKeyRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.RootKeyID, validation.Required, validation.Length(1, 256)),
		validation.Field(&r.DEKID, validation.Required, validation.Length(1, 256)),
		validation.Field(&r.Network, validation.Required),
	)
}

// CreateKeyResponse is the wrapped root key. The caller stores it; the
// enclave keeps nothing.
type CreateKeyResponse struct {
	RootKeyID   string             `json:"root_key_id"`
	DEKID       string             `json:"dek_id"`
	Network     interfaces.Network `json:"network"`
	WrappedXprv []byte             `json:"wrapped_xprv"`
	KeyNonce    []byte             `json:"key_nonce"`
	Xpub        string             `json:"xpub"`
}

// RootKeyRequest identifies a wrapped root key and how to unwrap it.
type RootKeyRequest struct {
	// KeyID is the root key id bound into the AAD.
	KeyID       string             `json:"key_id"`
	DEKID       string             `json:"dek_id"`
	WrappedXprv []byte             `json:"wrapped_xprv"`
	KeyNonce    []byte             `json:"key_nonce"`
	Network     interfaces.Network `json:"network"`
}

func (r *RootKeyRequest) rules() []*validation.FieldRules {
	return []*validation.FieldRules{
		validation.Field(&r.KeyID, validation.Required, validation.Length(1, 256)),
		validation.Field(&r.DEKID, validation.Required, validation.Length(1, 256)),
		validation.Field(&r.WrappedXprv, validation.Required),
		validation.Field(&r.KeyNonce, validation.Required),
		validation.Field(&r.Network, validation.Required),
	}
}

type DeriveKeyRequest struct {
	RootKeyRequest
	DerivationPath string `json:"derivation_path"`
}

func (r *DeriveKeyRequest) Validate() error {
	if err := validation.ValidateStruct(&r.RootKeyRequest, r.RootKeyRequest.rules()...); err != nil {
		return err
	}
	return validation.ValidateStruct(r,
		validation.Field(&r.DerivationPath, validation.Required),
	)
}

// DeriveKeyResponse carries integrity-key signatures over the xpub string
// and the raw compressed account public key.
type DeriveKeyResponse struct {
	Xpub      string        `json:"xpub"`
	Dpub      string        `json:"dpub"`
	XpubSig   hexutil.Bytes `json:"xpub_sig"`
	PubkeySig hexutil.Bytes `json:"pubkey_sig"`
}

// SignPSBTRequest signs with the multisig wallet signer when Descriptor is
// set and with the single-key signer otherwise.
type SignPSBTRequest struct {
	RootKeyRequest
	Descriptor string `json:"descriptor,omitempty"`
	PSBT       string `json:"psbt"`
}

func (r *SignPSBTRequest) Validate() error {
	if err := validation.ValidateStruct(&r.RootKeyRequest, r.RootKeyRequest.rules()...); err != nil {
		return err
	}
	return validation.ValidateStruct(r,
		validation.Field(&r.PSBT, validation.Required),
	)
}

// SignPSBTV2Request signs with the chaincode-delegate signer.
type SignPSBTV2Request struct {
	RootKeyRequest
	AppDpub string `json:"app_dpub"`
	HwDpub  string `json:"hw_dpub"`
	PSBT    string `json:"psbt"`
}

func (r *SignPSBTV2Request) Validate() error {
	if err := validation.ValidateStruct(&r.RootKeyRequest, r.RootKeyRequest.rules()...); err != nil {
		return err
	}
	return validation.ValidateStruct(r,
		validation.Field(&r.AppDpub, validation.Required),
		validation.Field(&r.HwDpub, validation.Required),
		validation.Field(&r.PSBT, validation.Required),
	)
}

type SignPSBTResponse struct {
	PSBT         string `json:"psbt"`
	SignedInputs int    `json:"signed_inputs"`
}

type InitiateSecureChannelRequest struct {
	ServerStaticPubkey hexutil.Bytes `json:"server_static_pubkey"`
	HandshakeBundle    []byte        `json:"handshake_bundle"`
}

func (r *InitiateSecureChannelRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.ServerStaticPubkey, validation.Required, validation.Length(32, 32)),
		validation.Field(&r.HandshakeBundle, validation.Required),
	)
}

type InitiateSecureChannelResponse struct {
	HandshakeResponse []byte `json:"handshake_response"`
	SessionID         string `json:"session_id"`
}

// SealedEnvelope carries a secure-channel ciphertext in both directions.
type SealedEnvelope struct {
	SessionID  string `json:"session_id"`
	Ciphertext []byte `json:"ciphertext"`
}

func (r *SealedEnvelope) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.SessionID, validation.Required),
		validation.Field(&r.Ciphertext, validation.Required),
	)
}

// The types below travel inside sealed envelopes.

type InitiateDKGRequest struct {
	WrappedKeyRef
	PeerPackage frost.KeygenPackage `json:"peer_package"`
}

func (r *InitiateDKGRequest) Validate() error {
	return validation.ValidateStruct(&r.WrappedKeyRef, r.WrappedKeyRef.rules()...)
}

type InitiateDKGResponse struct {
	ServerPackage       frost.KeygenPackage `json:"server_package"`
	WrappedShareDetails Wrapped             `json:"wrapped_share_details"`
	AggregatePublicKey  hexutil.Bytes       `json:"aggregate_public_key"`
	VerifyingShare      hexutil.Bytes       `json:"verifying_share"`
}

// ShareRequest references a wrapped share package.
type ShareRequest struct {
	WrappedKeyRef
	WrappedShareDetails Wrapped `json:"wrapped_share_details"`
}

func (r *ShareRequest) rules() []*validation.FieldRules {
	return append(r.WrappedKeyRef.rules(), validation.Field(&r.WrappedShareDetails))
}

func (r *ShareRequest) Validate() error {
	return validation.ValidateStruct(r, r.rules()...)
}

type ContinueDKGRequest struct {
	ShareRequest
	PeerCommitments frost.PeerCommitments `json:"peer_commitments"`
}

func (r *ContinueDKGRequest) Validate() error {
	return r.ShareRequest.Validate()
}

type ContinueDKGResponse struct {
	AggregatePublicKey hexutil.Bytes `json:"aggregate_public_key"`
	TaprootOutputKey   hexutil.Bytes `json:"taproot_output_key"`
}

type GeneratePartialSignaturesRequest struct {
	ShareRequest
	PSBT            string                     `json:"psbt"`
	PeerCommitments []frost.SigningCommitments `json:"peer_commitments"`
}

func (r *GeneratePartialSignaturesRequest) Validate() error {
	if err := r.ShareRequest.Validate(); err != nil {
		return err
	}
	return validation.ValidateStruct(r,
		validation.Field(&r.PSBT, validation.Required),
		validation.Field(&r.PeerCommitments, validation.Required),
	)
}

type GeneratePartialSignaturesResponse struct {
	Commitments       []frost.SigningCommitments `json:"commitments"`
	PartialSignatures []frost.PartialSignature   `json:"partial_signatures"`
}

type CreateSelfSovereignBackupRequest struct {
	ShareRequest
	RecipientPubkeys []hexutil.Bytes `json:"recipient_pubkeys"`
}

func (r *CreateSelfSovereignBackupRequest) Validate() error {
	if err := r.ShareRequest.Validate(); err != nil {
		return err
	}
	return validation.ValidateStruct(r,
		validation.Field(&r.RecipientPubkeys, validation.Required, validation.Length(2, 2)),
	)
}

type CreateSelfSovereignBackupResponse struct {
	Backup cryptoutils.SealedBackup `json:"backup"`
}

// ShareRefreshResponse returns the share re-wrapped under a fresh nonce.
type ShareRefreshResponse struct {
	WrappedShareDetails Wrapped `json:"wrapped_share_details"`
}

type EvaluatePinRequest struct {
	Input []byte `json:"input"`
}

func (r *EvaluatePinRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Input, validation.Required),
	)
}

type EvaluatePinResponse struct {
	Output []byte `json:"output"`
}

type ApproveGrantRequest struct {
	SubjectPubkey hexutil.Bytes `json:"subject_pubkey"`
	Action        grant.Action  `json:"action"`
}

func (r *ApproveGrantRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.SubjectPubkey, validation.Required),
		validation.Field(&r.Action, validation.By(func(interface{}) error {
			if r.Action.Kind == "" {
				return errors.New("action kind is required")
			}
			return nil
		})),
	)
}

type ApprovePSBTRequest struct {
	SubjectPubkey hexutil.Bytes `json:"subject_pubkey"`
	PSBT          string        `json:"psbt"`
}

func (r *ApprovePSBTRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.SubjectPubkey, validation.Required),
		validation.Field(&r.PSBT, validation.Required),
	)
}

// GrantResponse is a signed grant together with the key that verifies it.
type GrantResponse struct {
	Grant           grant.SignedGrant `json:"grant"`
	IntegrityPubkey hexutil.Bytes     `json:"integrity_pubkey"`
}

// AttestationResponse binds the enclave's channel static keys and, when
// loaded, its integrity public key into the attestation report data.
type AttestationResponse struct {
	AttestationType string          `json:"attestation_type"`
	Document        []byte          `json:"document"`
	StaticPubkeys   []hexutil.Bytes `json:"static_pubkeys"`
	IntegrityPubkey hexutil.Bytes   `json:"integrity_pubkey,omitempty"`
}
